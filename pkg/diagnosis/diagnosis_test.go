package diagnosis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecunet/monitor/pkg/transport"
)

type fakeTransport struct {
	diag     transport.Diagnostics
	lat      transport.Latency
	depth    int
	capacity int
	busLoad  float64
}

func (f *fakeTransport) Diagnostics() transport.Diagnostics   { return f.diag }
func (f *fakeTransport) LatencyMetrics() transport.Latency    { return f.lat }
func (f *fakeTransport) QueueStatus() (int, int)              { return f.depth, f.capacity }
func (f *fakeTransport) BusLoad() float64                     { return f.busLoad }
func (f *fakeTransport) RetransmissionCount() uint64          { return f.diag.Retransmissions }
func (f *fakeTransport) CollisionCount() uint64               { return f.diag.Collisions }
func (f *fakeTransport) TransmissionAttempts() uint64         { return f.diag.TransmissionAttempts }

type fakeClock struct{ us int64 }

func (c *fakeClock) NowUs() int64 {
	c.us++
	return c.us
}

func TestUpdateCountsFiftySamples(t *testing.T) {
	ft := &fakeTransport{capacity: 32}
	e := New(ft, &fakeClock{})
	require.NoError(t, e.Init())

	for i := 0; i < 50; i++ {
		_, err := e.Update()
		require.NoError(t, err)
	}

	history := e.History(50)
	assert.Len(t, history, 50)
	for _, s := range history {
		assert.NotZero(t, s.TimestampUs)
	}
}

func TestBusOffMarksAbnormalAndNotifies(t *testing.T) {
	ft := &fakeTransport{diag: transport.Diagnostics{BusOff: true}, capacity: 32}
	e := New(ft, &fakeClock{})
	require.NoError(t, e.Init())

	var notified Sample
	e.RegisterAlertCallback(func(s Sample) { notified = s })

	s, err := e.Update()
	require.NoError(t, err)
	assert.True(t, s.Abnormal)
	assert.True(t, notified.BusOff)
}

func TestThresholdTripAcrossThreeUpdates(t *testing.T) {
	ft := &fakeTransport{busLoad: 81, capacity: 32}
	e := New(ft, &fakeClock{})
	require.NoError(t, e.Init())
	e.SetThresholds(func() Thresholds {
		th := DefaultThresholds()
		th.BusLoad = 80
		return th
	}())

	count := 0
	e.RegisterAlertCallback(func(Sample) { count++ })

	for i := 0; i < 3; i++ {
		s, err := e.Update()
		require.NoError(t, err)
		assert.True(t, s.Abnormal)
	}
	assert.Equal(t, 3, count)

	mean, stddev := e.LatencyStatistics()
	assert.Equal(t, float64(0), mean)
	assert.Equal(t, float64(0), stddev)
}

func TestLatencyThresholdExactlyEqualIsNotAbnormal(t *testing.T) {
	ft := &fakeTransport{lat: transport.Latency{MaxUs: 100}, capacity: 32}
	e := New(ft, &fakeClock{})
	require.NoError(t, e.Init())
	e.SetThresholds(func() Thresholds {
		th := DefaultThresholds()
		th.MaxLatencyUs = 100
		return th
	}())

	s, err := e.Update()
	require.NoError(t, err)
	assert.False(t, s.Abnormal)

	ft.lat.MaxUs = 101
	s, err = e.Update()
	require.NoError(t, err)
	assert.True(t, s.Abnormal)
}

func TestLatencyStatisticsMeanAndStddev(t *testing.T) {
	ft := &fakeTransport{capacity: 32}
	e := New(ft, &fakeClock{})
	require.NoError(t, e.Init())

	for _, lat := range []uint64{100, 200, 300} {
		ft.lat.MaxUs = lat
		_, err := e.Update()
		require.NoError(t, err)
	}

	mean, stddev := e.LatencyStatistics()
	assert.InDelta(t, 200, mean, 0.001)
	assert.InDelta(t, 81.6497, stddev, 0.001)
}
