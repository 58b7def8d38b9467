// Package diagnosis implements the diagnosis engine (spec.md component C2):
// it polls the transport layer's counters, evaluates configurable
// thresholds, retains a fixed-size history, and notifies alert sinks.
package diagnosis

import (
	"math"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/ecunet/monitor/internal/ring"
	"github.com/ecunet/monitor/pkg/transport"
)

const historyCapacity = 50

// Sample is one diagnosis observation: a CAN diagnostics record plus the
// derived metrics the engine fuses every poll.
type Sample struct {
	TxErrorCounter       uint32
	RxErrorCounter       uint32
	BusOff               bool
	Retransmissions      uint64
	Collisions           uint64
	TransmissionAttempts uint64
	QueueDepth           int
	QueueCapacity        int
	BusLoad              float64
	MaxLatencyUs         uint64
	TimestampUs          int64
	Abnormal             bool
}

// Thresholds configures when a Sample is flagged abnormal.
type Thresholds struct {
	TxErrorCounter  uint32
	RxErrorCounter  uint32
	BusLoad         float64
	MaxLatencyUs    uint64
	Retransmissions uint64
	Collisions      uint64
}

// DefaultThresholds mirrors the alert sink's documented defaults (spec.md
// §4.3): TX/RX 100, bus load 80%, retransmissions 50.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TxErrorCounter:  100,
		RxErrorCounter:  100,
		BusLoad:         80,
		MaxLatencyUs:    math.MaxUint64,
		Retransmissions: 50,
		Collisions:      math.MaxUint64,
	}
}

// Transport is the subset of *transport.Transport the engine polls.
type Transport interface {
	Diagnostics() transport.Diagnostics
	LatencyMetrics() transport.Latency
	QueueStatus() (depth, capacity int)
	BusLoad() float64
	RetransmissionCount() uint64
	CollisionCount() uint64
	TransmissionAttempts() uint64
}

// Callback is notified with the full sample whenever update detects a
// breach (spec.md §4.2: "a subscriber notification with the full sample").
type Callback func(Sample)

// Clock supplies the microsecond timestamp stamped onto every sample. A
// real deployment wires the RTC collaborator (§6); tests supply a fake.
type Clock interface {
	NowUs() int64
}

// Engine is the C2 diagnosis aggregator.
type Engine struct {
	transport Transport
	clock     Clock
	log       *logrus.Entry

	mu         sync.Mutex
	thresholds Thresholds
	history    *ring.Ring[Sample]

	cbMu      sync.Mutex
	callbacks []Callback
}

// New constructs an Engine. Call Init before the first Update.
func New(t Transport, clock Clock) *Engine {
	return &Engine{
		transport:  t,
		clock:      clock,
		log:        logrus.WithField("component", "diagnosis"),
		thresholds: DefaultThresholds(),
		history:    ring.New[Sample](historyCapacity),
	}
}

// Init resets thresholds to their documented defaults.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = DefaultThresholds()
	return nil
}

// SetThresholds replaces the breach thresholds used by Update.
func (e *Engine) SetThresholds(t Thresholds) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = t
}

// RegisterAlertCallback adds a subscriber notified on every abnormal sample.
func (e *Engine) RegisterAlertCallback(cb Callback) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// Update fuses the transport layer's current counters into a new sample,
// evaluates it against the configured thresholds, and appends it to
// history only after thresholds have been evaluated and callbacks
// delivered (spec.md §5 ordering guarantee).
func (e *Engine) Update() (Sample, error) {
	diag := e.transport.Diagnostics()
	lat := e.transport.LatencyMetrics()
	depth, capacity := e.transport.QueueStatus()

	s := Sample{
		TxErrorCounter:       diag.TxErrorCounter,
		RxErrorCounter:       diag.RxErrorCounter,
		BusOff:               diag.BusOff,
		Retransmissions:      e.transport.RetransmissionCount(),
		Collisions:           e.transport.CollisionCount(),
		TransmissionAttempts: e.transport.TransmissionAttempts(),
		QueueDepth:           depth,
		QueueCapacity:        capacity,
		BusLoad:              e.transport.BusLoad(),
		MaxLatencyUs:         lat.MaxUs,
		TimestampUs:          e.clock.NowUs(),
	}

	e.mu.Lock()
	th := e.thresholds
	e.mu.Unlock()

	s.Abnormal = evaluate(s, th, e.log)

	if s.Abnormal {
		e.cbMu.Lock()
		cbs := append([]Callback{}, e.callbacks...)
		e.cbMu.Unlock()
		for _, cb := range cbs {
			cb(s)
		}
	}

	e.mu.Lock()
	e.history.Push(s)
	e.mu.Unlock()

	return s, nil
}

// evaluate compares each field strictly against its threshold: exactly
// equal is not abnormal, per spec.md §8's boundary behaviour.
func evaluate(s Sample, th Thresholds, log *logrus.Entry) bool {
	abnormal := false
	breach := func(name string) {
		abnormal = true
		log.WithField("field", name).Warn("diagnosis threshold breached")
	}

	if s.TxErrorCounter > th.TxErrorCounter {
		breach("tx_error_counter")
	}
	if s.RxErrorCounter > th.RxErrorCounter {
		breach("rx_error_counter")
	}
	if s.BusLoad > th.BusLoad {
		breach("bus_load")
	}
	if s.MaxLatencyUs > th.MaxLatencyUs {
		breach("max_latency_us")
	}
	if s.Retransmissions > th.Retransmissions {
		breach("retransmissions")
	}
	if s.Collisions > th.Collisions {
		breach("collisions")
	}
	if s.BusOff {
		abnormal = true
	}
	return abnormal
}

// History returns up to max of the most recent samples, oldest first.
func (e *Engine) History(max int) []Sample {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.History(max)
}

// LatencyStatistics returns the mean and population standard deviation of
// max_latency across all history entries with a nonzero timestamp. Both
// are zero when there are no valid samples (spec.md §4.2).
func (e *Engine) LatencyStatistics() (mean, stddev float64) {
	e.mu.Lock()
	samples := e.history.History(historyCapacity)
	e.mu.Unlock()

	var sum, sumSq float64
	var n float64
	for _, s := range samples {
		if s.TimestampUs == 0 {
			continue
		}
		v := float64(s.MaxLatencyUs)
		sum += v
		sumSq += v * v
		n++
	}
	if n == 0 {
		return 0, 0
	}
	mean = sum / n
	variance := sumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	stddev = math.Sqrt(variance)
	return mean, stddev
}
