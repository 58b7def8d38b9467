// Package alert implements the alert sink (spec.md component C3): ordered
// threshold checks over a diagnosis sample, a ring-buffered alert log, and
// subscriber notification.
package alert

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ecunet/monitor/internal/ring"
	"github.com/ecunet/monitor/pkg/diagnosis"
)

const historyCapacity = 100

// Level is an alert severity.
type Level int

const (
	LevelInfo Level = iota
	LevelWarning
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Entry is a single alert log line (spec.md §3: "message <= 128 bytes").
type Entry struct {
	TimestampMs int64
	Level       Level
	Message     string
}

// Thresholds mirrors spec.md §4.3's documented defaults.
type Thresholds struct {
	TxErrorCounter  uint32
	RxErrorCounter  uint32
	BusLoad         float64
	Retransmissions uint64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		TxErrorCounter:  100,
		RxErrorCounter:  100,
		BusLoad:         80,
		Retransmissions: 50,
	}
}

// Clock supplies the RTC-derived millisecond timestamp stamped on every
// alert entry.
type Clock interface {
	NowMs() int64
}

// Callback receives every emitted alert, in particular the logger's alert
// channel (spec.md §4.3: "forwards to the logger's alert channel").
type Callback func(Entry)

var alertsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "monitor",
	Subsystem: "alert",
	Name:      "alerts_total",
	Help:      "Total alerts emitted, labeled by level.",
}, []string{"level"})

func init() {
	prometheus.MustRegister(alertsTotal)
}

// Sink is the C3 alert aggregator.
type Sink struct {
	clock Clock

	mu         sync.Mutex
	thresholds Thresholds
	history    *ring.Ring[Entry]

	cbMu      sync.Mutex
	callbacks []Callback
}

func New(clock Clock) *Sink {
	return &Sink{
		clock:      clock,
		thresholds: DefaultThresholds(),
		history:    ring.New[Entry](historyCapacity),
	}
}

func (s *Sink) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = DefaultThresholds()
	return nil
}

func (s *Sink) SetThresholds(t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = t
}

func (s *Sink) RegisterCallback(cb Callback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// CheckConditions evaluates a diagnosis sample against the configured
// thresholds, in the fixed order spec.md §4.3 mandates: bus-off (critical),
// then TX/RX error counter (warning), then bus load (warning), then
// retransmissions (warning). At most one alert is emitted per rule per
// call.
func (s *Sink) CheckConditions(sample diagnosis.Sample) []Entry {
	s.mu.Lock()
	th := s.thresholds
	s.mu.Unlock()

	var emitted []Entry
	emit := func(level Level, msg string) {
		e := Entry{TimestampMs: s.clock.NowMs(), Level: level, Message: msg}
		s.mu.Lock()
		s.history.Push(e)
		s.mu.Unlock()
		alertsTotal.WithLabelValues(level.String()).Inc()

		s.cbMu.Lock()
		cbs := append([]Callback{}, s.callbacks...)
		s.cbMu.Unlock()
		for _, cb := range cbs {
			cb(e)
		}
		emitted = append(emitted, e)
	}

	if sample.BusOff {
		emit(LevelCritical, "Estado Bus-Off detectado!")
	}
	if sample.TxErrorCounter > th.TxErrorCounter || sample.RxErrorCounter > th.RxErrorCounter {
		emit(LevelWarning, fmt.Sprintf("CAN error counters elevated: tx=%d rx=%d", sample.TxErrorCounter, sample.RxErrorCounter))
	}
	if sample.BusLoad > th.BusLoad {
		emit(LevelWarning, fmt.Sprintf("bus load %.1f%% exceeds threshold %.1f%%", sample.BusLoad, th.BusLoad))
	}
	if sample.Retransmissions > th.Retransmissions {
		emit(LevelWarning, fmt.Sprintf("retransmissions %d exceed threshold %d", sample.Retransmissions, th.Retransmissions))
	}
	return emitted
}

// History returns up to max of the most recent alerts, oldest first.
func (s *Sink) History(max int) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.History(max)
}
