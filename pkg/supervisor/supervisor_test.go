package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecunet/monitor/internal/config"
	"github.com/ecunet/monitor/pkg/diagnosis"
	"github.com/ecunet/monitor/pkg/ota"
	"github.com/ecunet/monitor/pkg/routing"

	_ "github.com/ecunet/monitor/pkg/can/virtual"
)

func routingEntryFor(destID string) routing.RoutingEntry {
	return routing.RoutingEntry{DestID: destID, NextHop: destID, Cost: 1}
}

func busOffSample() diagnosis.Sample {
	return diagnosis.Sample{BusOff: true, TimestampUs: 1}
}

// TestInitAndShutdown exercises spec.md §4.7's init sequence end to end
// against the virtual CAN bus and the sqlite-backed storage stand-in, then
// tears everything down cleanly.
func TestInitAndShutdown(t *testing.T) {
	dir := t.TempDir()
	sup := New(Options{
		ConfigPath:   filepath.Join(dir, "config.ini"),
		CANInterface: "virtual",
		CANChannel:   "supervisor-test-init",
		SQLitePath:   filepath.Join(dir, "monitor.db"),
	})
	require.NoError(t, sup.Init())
	sup.Shutdown()
}

// TestOTAPipelineEndToEnd drives the full check -> download -> distribute
// -> apply sequence (spec.md §8 scenario 6) through the supervisor's own
// collaborator wiring, with a route in the routing table standing in for
// the target ECU's mesh next hop.
func TestOTAPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	sup := New(Options{
		ConfigPath:   filepath.Join(dir, "config.ini"),
		CANInterface: "virtual",
		CANChannel:   "supervisor-test-ota",
		SQLitePath:   filepath.Join(dir, "monitor.db"),
	})
	require.NoError(t, sup.Init())
	defer sup.Shutdown()

	var events []ota.Event
	sup.orch.RegisterCallback(otaListenerFunc(func(e ota.Event) {
		events = append(events, e)
	}))

	firmware := make([]byte, 2500)
	for i := range firmware {
		firmware[i] = byte(i)
	}
	sup.StageFirmware(config.ECUMotor, 2, firmware)

	require.NoError(t, sup.router.InsertRoute(routingEntryFor(string(config.ECUMotor))))

	available, err := sup.orch.CheckUpdate(config.ECUMotor)
	require.NoError(t, err)
	assert.True(t, available)

	cfg := sup.cfg.Get()
	sup.runOTAPipeline(config.ECUMotor, cfg.MonitorMaxRetryCount, time.Millisecond)

	assert.Equal(t, ota.Idle, sup.orch.State())
	assert.Equal(t, uint32(2), sup.cfg.Get().InstalledVersion[config.ECUMotor])

	var sawSuccess bool
	for _, e := range events {
		if e.State == ota.Success {
			sawSuccess = true
		}
	}
	assert.True(t, sawSuccess, "expected a Success transition among %v", events)
}

// TestAlertFlowsIntoLogger exercises the C1->C2->(C3,C4) data flow spec.md
// §2 describes: a bus-off diagnosis sample must surface as a critical
// alert and, in turn, as a critical log entry.
func TestAlertFlowsIntoLogger(t *testing.T) {
	dir := t.TempDir()
	sup := New(Options{
		ConfigPath:   filepath.Join(dir, "config.ini"),
		CANInterface: "virtual",
		CANChannel:   "supervisor-test-alert",
		SQLitePath:   filepath.Join(dir, "monitor.db"),
	})
	require.NoError(t, sup.Init())
	defer sup.Shutdown()

	sup.alerts.CheckConditions(busOffSample())

	found := false
	for _, e := range sup.lg.History(100) {
		if e.Level.String() == "critical" {
			found = true
		}
	}
	assert.True(t, found, "expected a critical log entry forwarded from the alert sink")
}
