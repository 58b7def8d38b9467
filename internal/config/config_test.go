package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.ini")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = store.Update(func(c *Config) {
		c.RoutingDefaultCost = 7
		c.RoutingRetryCount = 5
		c.RoutingRetryDelayMs = 250
		c.InstalledVersion[ECUMotor] = 42
		c.MQTTTopic[ECUMotor] = "ota/motor_control_ecu/v42"
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := reloaded.Get()
	if got.RoutingDefaultCost != 7 {
		t.Fatalf("RoutingDefaultCost = %d, want 7", got.RoutingDefaultCost)
	}
	if got.RoutingRetryCount != 5 {
		t.Fatalf("RoutingRetryCount = %d, want 5", got.RoutingRetryCount)
	}
	if got.RoutingRetryDelayMs != 250 {
		t.Fatalf("RoutingRetryDelayMs = %d, want 250", got.RoutingRetryDelayMs)
	}
	if got.InstalledVersion[ECUMotor] != 42 {
		t.Fatalf("InstalledVersion[motor] = %d, want 42", got.InstalledVersion[ECUMotor])
	}
	if got.MQTTTopic[ECUMotor] != "ota/motor_control_ecu/v42" {
		t.Fatalf("MQTTTopic[motor] = %q", got.MQTTTopic[ECUMotor])
	}
}

func TestOpenMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nonexistent.ini")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := store.Get()
	want := Default()
	if got.RoutingRetryCount != want.RoutingRetryCount {
		t.Fatalf("defaults not applied")
	}
}

func TestUnknownKeysAreIgnored(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.ini")
	contents := "SOME_FUTURE_KEY=123\nROUTING_RETRY_COUNT=9\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	got := store.Get()
	if got.RoutingRetryCount != 9 {
		t.Fatalf("RoutingRetryCount = %d, want 9", got.RoutingRetryCount)
	}
}
