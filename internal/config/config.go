// Package config loads and persists the monitor's config.ini: a flat
// KEY=VALUE text file that is the single source of truth for every runtime
// knob across the CAN, logger, SD storage, routing, OTA and supervisor
// subsystems. Parsing is a single ini.Load pass dispatched through a handler
// table, replacing the brittle startswith(key)+atoi parser named in spec.md
// §9; persistence goes back out through the same library (ini.Empty +
// SaveTo), mirroring the teacher's EDS export path.
package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// ECU identifies one of the five canonical ECUs named in spec.md §6.
type ECU string

const (
	ECUMonitor      ECU = "monitor_ecu"
	ECUAcceleration ECU = "acceleration_control_ecu"
	ECUSteering     ECU = "steering_control_ecu"
	ECUMotor        ECU = "motor_control_ecu"
	ECUBrake        ECU = "brake_control_ecu"
)

// AllECUs enumerates every ECU the OTA orchestrator can target.
var AllECUs = []ECU{ECUMonitor, ECUAcceleration, ECUSteering, ECUMotor, ECUBrake}

// Config is the full, flattened runtime configuration record (spec.md §3).
type Config struct {
	// Logger
	RTCSDA           int
	RTCSCL           int
	RTCI2CPort       int
	MaxLogFileSize   int64
	FreeSpaceThresh  int64

	// Routing
	RoutingDefaultCost  uint8
	RoutingRetryCount   int
	RoutingRetryDelayMs int

	// OTA
	InstalledVersion map[ECU]uint32
	MQTTTopic        map[ECU]string
	OTACheckInterval int

	// Supervisor
	MonitorMaxRetryCount       int
	MonitorRetryDelayMs        int
	MonitorConfigCheckInterval int
	MonitorDiagPersistInterval int
	MonitorCANReceiveTimeoutMs int
	MonitorDiagAcqInterval     int
	MonitorCommInterval        int
}

// Default returns the documented defaults for every knob.
func Default() *Config {
	c := &Config{
		RTCSDA:                     21,
		RTCSCL:                     22,
		RTCI2CPort:                 0,
		MaxLogFileSize:             1 << 20,
		FreeSpaceThresh:            1 << 20,
		RoutingDefaultCost:         1,
		RoutingRetryCount:          3,
		RoutingRetryDelayMs:        100,
		InstalledVersion:           make(map[ECU]uint32),
		MQTTTopic:                  make(map[ECU]string),
		OTACheckInterval:           60000,
		MonitorMaxRetryCount:       3,
		MonitorRetryDelayMs:        500,
		MonitorConfigCheckInterval: 300000,
		MonitorDiagPersistInterval: 60000,
		MonitorCANReceiveTimeoutMs: 10,
		MonitorDiagAcqInterval:     1000,
		MonitorCommInterval:        1000,
	}
	for _, ecu := range AllECUs {
		c.InstalledVersion[ecu] = 1
		c.MQTTTopic[ecu] = fmt.Sprintf("ota/%s", ecu)
	}
	return c
}

// key -> handler table. Unknown keys are logged with a warning but never
// fail the load, per spec.md §9.
type handler func(c *Config, value string) error

func handlers() map[string]handler {
	return map[string]handler{
		"RTC_SDA":                        func(c *Config, v string) error { return setInt(&c.RTCSDA, v) },
		"RTC_SCL":                        func(c *Config, v string) error { return setInt(&c.RTCSCL, v) },
		"RTC_I2C_PORT":                   func(c *Config, v string) error { return setInt(&c.RTCI2CPort, v) },
		"MAX_LOG_FILE_SIZE":              func(c *Config, v string) error { return setInt64(&c.MaxLogFileSize, v) },
		"free_space_threshold":           func(c *Config, v string) error { return setInt64(&c.FreeSpaceThresh, v) },
		"ROUTING_DEFAULT_COST":           func(c *Config, v string) error { return setUint8(&c.RoutingDefaultCost, v) },
		"ROUTING_RETRY_COUNT":            func(c *Config, v string) error { return setInt(&c.RoutingRetryCount, v) },
		"ROUTING_RETRY_DELAY_MS":         func(c *Config, v string) error { return setInt(&c.RoutingRetryDelayMs, v) },
		"OTA_CHECK_INTERVAL_MS":          func(c *Config, v string) error { return setInt(&c.OTACheckInterval, v) },
		"MONITOR_MAX_RETRY_COUNT":        func(c *Config, v string) error { return setInt(&c.MonitorMaxRetryCount, v) },
		"MONITOR_RETRY_DELAY_MS":         func(c *Config, v string) error { return setInt(&c.MonitorRetryDelayMs, v) },
		"MONITOR_CONFIG_CHECK_INTERVAL_MS": func(c *Config, v string) error { return setInt(&c.MonitorConfigCheckInterval, v) },
		"MONITOR_DIAG_PERSIST_INTERVAL_MS": func(c *Config, v string) error { return setInt(&c.MonitorDiagPersistInterval, v) },
		"MONITOR_CAN_RECEIVE_TIMEOUT_MS":   func(c *Config, v string) error { return setInt(&c.MonitorCANReceiveTimeoutMs, v) },
		"MONITOR_DIAG_ACQ_INTERVAL_MS":     func(c *Config, v string) error { return setInt(&c.MonitorDiagAcqInterval, v) },
		"MONITOR_COMM_INTERVAL_MS":         func(c *Config, v string) error { return setInt(&c.MonitorCommInterval, v) },
	}
}

// Store owns the exclusive file_mutex guarding reads and writes of
// config.ini, so runtime mutations persist before the caller observes success
// (spec.md §3 invariant).
type Store struct {
	mu   sync.Mutex
	path string
	cfg  *Config
}

// Open loads path if it exists, seeding unset knobs from Default().
func Open(path string) (*Store, error) {
	s := &Store{path: path, cfg: Default()}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns a copy of the current in-memory configuration.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.cfg
}

// Reload re-parses config.ini from disk, merging into the existing defaults.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reload()
}

func (s *Store) reload() error {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: stat %s: %w", s.path, err)
	}
	file, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, s.path)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", s.path, err)
	}
	table := handlers()
	section := file.Section("")
	for _, key := range section.Keys() {
		if h, ok := table[key.Name()]; ok {
			if err := h(s.cfg, key.Value()); err != nil {
				return fmt.Errorf("config: key %s: %w", key.Name(), err)
			}
			continue
		}
		if applyECUIfMatched(s.cfg, key.Name(), key.Value()) {
			continue
		}
		// Unknown keys warn but never fail.
		logrus.WithField("key", key.Name()).Warn("config: ignoring unknown key")
	}
	return nil
}

// applyECUIfMatched checks key against every ECU's OTA_FIRMWARE_VERSION_* and
// MQTT_TOPIC_* keys, applying and reporting a match.
func applyECUIfMatched(c *Config, key, value string) bool {
	for _, ecu := range AllECUs {
		suffix := ecuSuffix(ecu)
		switch key {
		case "OTA_FIRMWARE_VERSION_" + suffix:
			applyECUKey(c, "version", ecu, value)
			return true
		case "MQTT_TOPIC_" + suffix:
			applyECUKey(c, "topic", ecu, value)
			return true
		}
	}
	return false
}

func ecuSuffix(ecu ECU) string {
	switch ecu {
	case ECUMonitor:
		return "MONITOR"
	case ECUAcceleration:
		return "ACCELERATION"
	case ECUSteering:
		return "STEERING"
	case ECUMotor:
		return "MOTOR"
	case ECUBrake:
		return "BRAKE"
	default:
		return ""
	}
}

func applyECUKey(c *Config, kind string, ecu ECU, value string) {
	switch kind {
	case "version":
		var v uint32
		if _, err := fmt.Sscanf(value, "%d", &v); err == nil {
			c.InstalledVersion[ecu] = v
		}
	case "topic":
		c.MQTTTopic[ecu] = value
	}
}

// Save persists the full in-memory configuration back to config.ini under
// the exclusive file lock, a Go-idiomatic stand-in for the embedded
// "file_mutex" named in spec.md §5.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	file := ini.Empty()
	section := file.Section("")
	set := func(key string, value any) {
		_, _ = section.NewKey(key, fmt.Sprintf("%v", value))
	}
	set("RTC_SDA", s.cfg.RTCSDA)
	set("RTC_SCL", s.cfg.RTCSCL)
	set("RTC_I2C_PORT", s.cfg.RTCI2CPort)
	set("MAX_LOG_FILE_SIZE", s.cfg.MaxLogFileSize)
	set("free_space_threshold", s.cfg.FreeSpaceThresh)
	set("ROUTING_DEFAULT_COST", s.cfg.RoutingDefaultCost)
	set("ROUTING_RETRY_COUNT", s.cfg.RoutingRetryCount)
	set("ROUTING_RETRY_DELAY_MS", s.cfg.RoutingRetryDelayMs)
	set("OTA_CHECK_INTERVAL_MS", s.cfg.OTACheckInterval)
	set("MONITOR_MAX_RETRY_COUNT", s.cfg.MonitorMaxRetryCount)
	set("MONITOR_RETRY_DELAY_MS", s.cfg.MonitorRetryDelayMs)
	set("MONITOR_CONFIG_CHECK_INTERVAL_MS", s.cfg.MonitorConfigCheckInterval)
	set("MONITOR_DIAG_PERSIST_INTERVAL_MS", s.cfg.MonitorDiagPersistInterval)
	set("MONITOR_CAN_RECEIVE_TIMEOUT_MS", s.cfg.MonitorCANReceiveTimeoutMs)
	set("MONITOR_DIAG_ACQ_INTERVAL_MS", s.cfg.MonitorDiagAcqInterval)
	set("MONITOR_COMM_INTERVAL_MS", s.cfg.MonitorCommInterval)
	for _, ecu := range AllECUs {
		set("OTA_FIRMWARE_VERSION_"+ecuSuffix(ecu), s.cfg.InstalledVersion[ecu])
		set("MQTT_TOPIC_"+ecuSuffix(ecu), s.cfg.MQTTTopic[ecu])
	}
	if err := file.SaveTo(s.path); err != nil {
		return fmt.Errorf("config: save %s: %w", s.path, err)
	}
	return nil
}

// Update applies mutate to the in-memory config and persists it before
// returning success, per spec.md §3's "runtime mutations must write back
// under an exclusive lock before returning success" invariant. On save
// failure the in-memory state is left updated (spec.md §4.5's set_config
// behaviour), matching the "return false, state stays mutated" contract.
func (s *Store) Update(mutate func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(s.cfg)
	return s.save()
}

// RoutingConfig returns the routing layer's slice of the configuration
// (spec.md §4.5 keys ROUTING_DEFAULT_COST / ROUTING_RETRY_COUNT /
// ROUTING_RETRY_DELAY_MS), shaped to satisfy pkg/routing.ConfigStore
// without that package importing the full Config.
func (s *Store) RoutingConfig() (cost uint8, retryCount, retryDelayMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RoutingDefaultCost, s.cfg.RoutingRetryCount, s.cfg.RoutingRetryDelayMs
}

// SetRoutingConfig updates and persists the routing knobs, matching
// spec.md §4.5's set_config contract: in-memory state is mutated even if
// the subsequent save fails.
func (s *Store) SetRoutingConfig(cost uint8, retryCount, retryDelayMs int) error {
	return s.Update(func(c *Config) {
		c.RoutingDefaultCost = cost
		c.RoutingRetryCount = retryCount
		c.RoutingRetryDelayMs = retryDelayMs
	})
}

// InstalledVersion returns the last-persisted firmware version for ecu.
func (s *Store) InstalledVersion(ecu ECU) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.InstalledVersion[ecu]
}

// SetInstalledVersion persists a new firmware version for ecu, matching
// spec.md §4.6's apply_update "update the installed version, call
// update_config() to persist" step.
func (s *Store) SetInstalledVersion(ecu ECU, version uint32) error {
	return s.Update(func(c *Config) {
		c.InstalledVersion[ecu] = version
	})
}

// MQTTTopic returns the advertisement topic used to check for and download
// firmware for ecu.
func (s *Store) MQTTTopic(ecu ECU) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MQTTTopic[ecu]
}

func setInt(dst *int, v string) error {
	_, err := fmt.Sscanf(v, "%d", dst)
	return err
}

func setInt64(dst *int64, v string) error {
	_, err := fmt.Sscanf(v, "%d", dst)
	return err
}

func setUint8(dst *uint8, v string) error {
	var tmp int
	if _, err := fmt.Sscanf(v, "%d", &tmp); err != nil {
		return err
	}
	*dst = uint8(tmp)
	return nil
}
