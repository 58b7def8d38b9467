package supervisor

import (
	"sync"
	"time"
)

// RTC is the real-time-clock collaborator contract (spec.md §6, item 4):
// init/free plus a single broken-down time read. Out of scope per spec.md
// §1 ("the real-time clock chip driver" is a named external collaborator);
// SystemRTC below stands in with the host clock for local development and
// tests.
type RTC interface {
	Init() error
	Close() error
	GetTime() (time.Time, error)
}

// SystemRTC satisfies RTC using the host's wall clock. A real deployment
// swaps this for a driver talking to the I2C RTC chip named by the
// RTC_SDA/RTC_SCL/RTC_I2C_PORT config keys (spec.md §6); nothing above this
// interface needs to change.
type SystemRTC struct{}

func (SystemRTC) Init() error                 { return nil }
func (SystemRTC) Close() error                 { return nil }
func (SystemRTC) GetTime() (time.Time, error) { return time.Now(), nil }

// Clock is the single owned RTC handle spec.md §9 calls for: opened once at
// supervisor init, closed once at shutdown, instead of the original design's
// per-timestamp open/close. It implements every NowUs/NowMs/Tick contract
// the diagnosis, alert, logger and routing packages depend on, so the whole
// monitor shares one RTC session.
type Clock struct {
	rtc RTC

	mu      sync.Mutex
	started time.Time
}

// NewClock wraps rtc. Call Init before first use.
func NewClock(rtc RTC) *Clock {
	return &Clock{rtc: rtc}
}

func (c *Clock) Init() error {
	if err := c.rtc.Init(); err != nil {
		return err
	}
	now, err := c.rtc.GetTime()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.started = now
	c.mu.Unlock()
	return nil
}

func (c *Clock) Close() error {
	return c.rtc.Close()
}

// NowUs implements pkg/diagnosis.Clock.
func (c *Clock) NowUs() int64 {
	t, err := c.rtc.GetTime()
	if err != nil {
		return 0
	}
	return t.UnixMicro()
}

// NowMs implements pkg/alert.Clock and pkg/logger.Clock.
func (c *Clock) NowMs() int64 {
	t, err := c.rtc.GetTime()
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// Tick implements pkg/routing.Clock: a monotonic tick counter seeded at
// Init, used only for routing entries' relative ordering.
func (c *Clock) Tick() int64 {
	t, err := c.rtc.GetTime()
	if err != nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return t.Sub(c.started).Milliseconds()
}
