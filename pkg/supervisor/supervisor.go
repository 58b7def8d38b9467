// Package supervisor implements the monitor supervisor (spec.md component
// C7): it brings up every collaborator, owns the five periodic task set,
// and is the only writer of the shared current-time view every other
// component reads through Clock. Grounded on
// samsamfire-gocanopen/cmd/canopen/main.go's state-machine main loop
// (INIT/RUNNING/RESETING, time.Sleep-paced background goroutine),
// generalized from one CANopen node's background/main loop pair into five
// independently-paced tasks over the monitor's own subsystems.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/ecunet/monitor/internal/config"
	"github.com/ecunet/monitor/internal/errs"
	"github.com/ecunet/monitor/pkg/alert"
	"github.com/ecunet/monitor/pkg/can"
	"github.com/ecunet/monitor/pkg/diagnosis"
	"github.com/ecunet/monitor/pkg/logger"
	"github.com/ecunet/monitor/pkg/logger/sqlitestore"
	"github.com/ecunet/monitor/pkg/ota"
	"github.com/ecunet/monitor/pkg/routing"
	"github.com/ecunet/monitor/pkg/transport"
)

// Options configures a Supervisor before Init.
type Options struct {
	ConfigPath          string
	CANInterface        string
	CANChannel          string
	SQLitePath          string
	WatchConfig         bool   // supplement the 300s poll with an fsnotify watch
	DiagnosticsHTTPAddr string // non-empty to mount pkg/routing's diagnostics server
}

// Supervisor is the C7 monitor supervisor: it owns every component
// instance and the task set driving them, per spec.md §9's "give the
// supervisor ownership of each component instance and hand out shared
// references to collaborators; never reintroduce hidden statics."
type Supervisor struct {
	opts Options
	log  *logrus.Entry

	clock   *Clock
	cfg     *config.Store
	bus     can.Bus
	tp      *transport.Transport
	diag    *diagnosis.Engine
	alerts  *alert.Sink
	lg      *logger.Logger
	store   *sqlitestore.Store
	router  *routing.Router
	orch    *ota.Orchestrator
	mqtt    *loopMQTT
	diagSrv *routing.DiagnosticsServer

	watcherMu sync.Mutex
	watcher   *fsnotify.Watcher

	wg     sync.WaitGroup
	stopCh chan struct{}

	lastDiagPersist time.Time
}

// New constructs a Supervisor. Call Init, then Run.
func New(opts Options) *Supervisor {
	if opts.CANInterface == "" {
		opts.CANInterface = "virtual"
	}
	if opts.CANChannel == "" {
		opts.CANChannel = "monitor"
	}
	if opts.SQLitePath == "" {
		opts.SQLitePath = "monitor.db"
	}
	return &Supervisor{
		opts:   opts,
		log:    logrus.WithField("component", "supervisor"),
		stopCh: make(chan struct{}),
	}
}

// Init brings up every collaborator in dependency order (spec.md §4.7):
// Wi-Fi/MQTT/Mesh, then the config store holding the monitor knobs, then
// the clock, CAN transport, diagnosis, alert and logger components, then
// the routing layer and its tasks, then the OTA state machine, in
// preparation for Run spawning the five periodic tasks. Any failure aborts and returns an error (spec.md
// "any failure during init aborts and returns false").
func (s *Supervisor) Init() error {
	if err := bringUpWireless(s.log); err != nil {
		return fmt.Errorf("supervisor: wireless bring-up: %w", err)
	}

	cfg, err := config.Open(s.opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("supervisor: open config: %w", err)
	}
	s.cfg = cfg

	s.clock = NewClock(SystemRTC{})
	if err := s.clock.Init(); err != nil {
		return fmt.Errorf("supervisor: rtc init: %w", err)
	}

	bus, err := can.NewBus(s.opts.CANInterface, s.opts.CANChannel)
	if err != nil {
		return fmt.Errorf("supervisor: new can bus: %w", err)
	}
	if err := bus.Connect(); err != nil {
		return fmt.Errorf("supervisor: %w: %v", errs.ErrDriverStart, err)
	}
	s.bus = bus

	s.tp = transport.New(bus, transport.DefaultConfig(s.opts.CANChannel))
	if err := s.tp.Init(); err != nil {
		return fmt.Errorf("supervisor: transport init: %w", err)
	}

	s.diag = diagnosis.New(s.tp, s.clock)
	if err := s.diag.Init(); err != nil {
		return fmt.Errorf("supervisor: diagnosis init: %w", err)
	}

	s.alerts = alert.New(s.clock)
	if err := s.alerts.Init(); err != nil {
		return fmt.Errorf("supervisor: alert init: %w", err)
	}
	s.diag.RegisterAlertCallback(func(sample diagnosis.Sample) {
		s.alerts.CheckConditions(sample)
	})

	store, err := sqlitestore.Open(s.opts.SQLitePath)
	if err != nil {
		return fmt.Errorf("supervisor: sqlite open: %w", err)
	}
	s.store = store

	s.lg = logger.New(store, store, s.clock)
	if err := s.lg.Init(); err != nil {
		return fmt.Errorf("supervisor: logger init: %w", err)
	}
	s.alerts.RegisterCallback(func(e alert.Entry) {
		s.lg.LogAlert(alertLevelToLoggerLevel(e.Level), e.Message)
	})
	s.lg.StartFlushTask(60 * time.Second)
	s.lg.StartAsyncWriteTask()
	s.lg.StartFreeSpaceMonitor(30*time.Second, s.freeSpaceBytes, cfg.Get().FreeSpaceThresh)

	mesh := newDevMeshSender(s.log)
	s.router = routing.New(mesh, s.clock, s.cfg)
	if err := s.router.Init(); err != nil {
		return fmt.Errorf("supervisor: routing init: %w", err)
	}
	s.router.Start()

	if s.opts.DiagnosticsHTTPAddr != "" {
		s.diagSrv = routing.NewDiagnosticsServer(s.router)
	}

	s.mqtt = newLoopMQTT()
	s.orch = ota.New(s.mqtt, s.mqtt, s.mqtt, newDevApplier(s.log), s.router, s.cfg)
	s.orch.RegisterCallback(otaListenerFunc(func(e ota.Event) {
		s.log.WithFields(logrus.Fields{"state": e.State, "ecu": e.ECU}).Info("ota status")
	}))

	if s.opts.WatchConfig {
		if err := s.startConfigWatch(); err != nil {
			s.log.WithError(err).Warn("config hot-reload watch unavailable, falling back to periodic poll only")
		}
	}

	return nil
}

type otaListenerFunc func(ota.Event)

func (f otaListenerFunc) OnEvent(e ota.Event) { f(e) }

func (s *Supervisor) freeSpaceBytes() int64 {
	// A real SD collaborator reports true free space; the local sqlite
	// stand-in has no block-device notion of it, so this always reports
	// "plenty free" rather than fabricating a number with no source.
	return 1 << 30
}

// Run spawns the five periodic tasks spec.md §4.7 names and blocks until
// Shutdown is called.
func (s *Supervisor) Run() {
	cfg := s.cfg.Get()

	s.spawn(s.canAcquisitionTask, 5*time.Millisecond)
	s.spawn(s.diagnosisAcquisitionTask, time.Duration(cfg.MonitorDiagAcqInterval)*time.Millisecond)
	s.spawn(s.communicationTask, time.Duration(cfg.MonitorCommInterval)*time.Millisecond)
	s.spawn(s.configUpdateTask, time.Duration(cfg.MonitorConfigCheckInterval)*time.Millisecond)
	s.spawn(s.otaTask, 60*time.Second)

	s.wg.Wait()
}

func (s *Supervisor) spawn(task func(), period time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				task()
			}
		}
	}()
}

// canAcquisitionTask drains the transport's receive path on the configured
// timeout, counting and decoding frames (spec.md §4.7).
func (s *Supervisor) canAcquisitionTask() {
	cfg := s.cfg.Get()
	timeout := time.Duration(cfg.MonitorCANReceiveTimeoutMs) * time.Millisecond
	frame, err := s.tp.ReceiveSync(timeout)
	if err != nil {
		return // timeout is non-fatal (spec.md §7)
	}
	priority, module, command := transport.DecodeID(frame.ID)
	s.log.WithFields(logrus.Fields{
		"priority": priority, "module": module, "command": command,
	}).Debug("can frame received")
}

// diagnosisAcquisitionTask calls diagnosis.Update and, when the sample is
// abnormal or 60s have passed since the last persisted summary, writes a
// formatted summary to the logger's async-write path (spec.md §4.7).
func (s *Supervisor) diagnosisAcquisitionTask() {
	sample, err := s.diag.Update()
	if err != nil {
		s.log.WithError(err).Warn("diagnosis update failed")
		return
	}

	due := time.Since(s.lastDiagPersist) >= 60*time.Second
	if !sample.Abnormal && !due {
		return
	}
	s.lastDiagPersist = time.Now()

	summary := fmt.Sprintf(
		"diag ts=%d tx_err=%d rx_err=%d bus_off=%t bus_load=%.1f retrans=%d abnormal=%t",
		sample.TimestampUs, sample.TxErrorCounter, sample.RxErrorCounter,
		sample.BusOff, sample.BusLoad, sample.Retransmissions, sample.Abnormal,
	)
	s.lg.AsyncWrite(summary)
}

// communicationTask recomputes routes every interval (spec.md §4.7).
func (s *Supervisor) communicationTask() {
	s.router.RecalculateRoutes()
}

// configUpdateTask reloads config.ini every 300s by default (spec.md
// §4.7). The fsnotify watch, when enabled, supplements this with a
// lower-latency trigger but never replaces it as the source of truth.
func (s *Supervisor) configUpdateTask() {
	if err := s.cfg.Reload(); err != nil {
		s.log.WithError(err).Warn("config reload failed")
	}
}

func (s *Supervisor) startConfigWatch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	if err := watcher.Add(s.opts.ConfigPath); err != nil {
		watcher.Close()
		return fmt.Errorf("config watch: add %s: %w", s.opts.ConfigPath, err)
	}
	s.watcherMu.Lock()
	s.watcher = watcher
	s.watcherMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.stopCh:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					s.configUpdateTask()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.WithError(err).Warn("config watch error")
			}
		}
	}()
	return nil
}

// otaTask runs the §4.6 pipeline for every ECU once per 60s cadence, with
// the supervisor-owned retry policy spec.md §4.6 assigns to each step
// (download, segment, distribute, apply), rolling back on exhaustion.
func (s *Supervisor) otaTask() {
	cfg := s.cfg.Get()
	for _, ecu := range config.AllECUs {
		available, err := s.orch.CheckUpdate(ecu)
		if err != nil {
			s.log.WithError(err).WithField("ecu", ecu).Warn("ota check_update failed")
			continue
		}
		if !available {
			continue
		}
		s.runOTAPipeline(ecu, cfg.MonitorMaxRetryCount, time.Duration(cfg.MonitorRetryDelayMs)*time.Millisecond)
	}
}

func (s *Supervisor) runOTAPipeline(ecu config.ECU, maxRetry int, delay time.Duration) {
	steps := []struct {
		name string
		run  func() error
	}{
		{"download", func() error { return s.orch.DownloadFirmware(ecu) }},
		{"distribute", func() error { return s.orch.DistributeFirmware(ecu) }},
		{"apply", func() error { return s.orch.ApplyUpdate(ecu) }},
	}

	for _, step := range steps {
		if err := s.retry(step.run, maxRetry, delay); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"ecu": ecu, "step": step.name}).
				Warn("ota step exhausted retries, rolling back")
			s.orch.RollbackUpdate(ecu)
			return
		}
	}
}

func (s *Supervisor) retry(fn func() error, maxRetry int, delay time.Duration) error {
	var err error
	for attempt := 0; attempt <= maxRetry; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < maxRetry {
			time.Sleep(delay)
		}
	}
	return err
}

// Shutdown tears down every task and collaborator in reverse dependency
// order.
func (s *Supervisor) Shutdown() {
	close(s.stopCh)
	s.wg.Wait()

	if s.diagSrv != nil {
		s.diagSrv.Close()
	}
	if s.router != nil {
		s.router.Shutdown()
	}
	if s.lg != nil {
		s.lg.Shutdown()
	}
	if s.store != nil {
		s.store.Close()
	}
	if s.tp != nil {
		s.tp.Shutdown()
	}
	if s.bus != nil {
		s.bus.Disconnect()
	}
	if s.clock != nil {
		s.clock.Close()
	}
	s.watcherMu.Lock()
	if s.watcher != nil {
		s.watcher.Close()
	}
	s.watcherMu.Unlock()
}

// DiagnosticsServer exposes the optional routing diagnostics surface (nil
// unless Options.DiagnosticsHTTPAddr was set) for cmd/monitor to mount on
// its own HTTP listener.
func (s *Supervisor) DiagnosticsServer() *routing.DiagnosticsServer { return s.diagSrv }

// Config exposes the shared config store, e.g. for an operator CLI to
// inspect or mutate runtime knobs.
func (s *Supervisor) Config() *config.Store { return s.cfg }

// StageFirmware announces a firmware version to the loopMQTT stand-in, the
// local substitute for an operator publishing to the MQTT advertisement
// topic (spec.md §6): an operator tool or integration test calls this to
// drive the OTA pipeline end to end without a physical broker.
func (s *Supervisor) StageFirmware(ecu config.ECU, version uint32, firmware []byte) {
	s.mqtt.StageVersion(ecu, version, firmware)
}

// alertLevelToLoggerLevel maps alert.Level onto logger.Level: the two
// enums share info/warning/critical but the logger also has a lower debug
// level the alert sink never emits, so the ordinal values don't line up
// and must be translated explicitly rather than cast.
func alertLevelToLoggerLevel(l alert.Level) logger.Level {
	switch l {
	case alert.LevelCritical:
		return logger.LevelCritical
	case alert.LevelWarning:
		return logger.LevelWarning
	default:
		return logger.LevelInfo
	}
}
