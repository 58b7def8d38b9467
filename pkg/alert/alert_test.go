package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecunet/monitor/pkg/diagnosis"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMs() int64 {
	c.ms++
	return c.ms
}

func TestBusOffEmitsCriticalAlert(t *testing.T) {
	s := New(&fakeClock{})
	require.NoError(t, s.Init())

	var received Entry
	s.RegisterCallback(func(e Entry) { received = e })

	emitted := s.CheckConditions(diagnosis.Sample{BusOff: true})
	require.Len(t, emitted, 1)
	assert.Equal(t, LevelCritical, emitted[0].Level)
	assert.Equal(t, "Estado Bus-Off detectado!", emitted[0].Message)
	assert.Equal(t, emitted[0], received)

	history := s.History(10)
	require.Len(t, history, 1)
}

func TestOrderedThresholdChecksEmitOnePerRule(t *testing.T) {
	s := New(&fakeClock{})
	require.NoError(t, s.Init())

	sample := diagnosis.Sample{
		BusOff:          true,
		TxErrorCounter:  200,
		RxErrorCounter:  50,
		BusLoad:         90,
		Retransmissions: 60,
	}
	emitted := s.CheckConditions(sample)
	require.Len(t, emitted, 4)
	assert.Equal(t, LevelCritical, emitted[0].Level)
	assert.Equal(t, LevelWarning, emitted[1].Level)
	assert.Equal(t, LevelWarning, emitted[2].Level)
	assert.Equal(t, LevelWarning, emitted[3].Level)
}

func TestNoBreachEmitsNothing(t *testing.T) {
	s := New(&fakeClock{})
	require.NoError(t, s.Init())

	emitted := s.CheckConditions(diagnosis.Sample{})
	assert.Empty(t, emitted)
	assert.Empty(t, s.History(10))
}

func TestDefaultThresholds(t *testing.T) {
	th := DefaultThresholds()
	assert.EqualValues(t, 100, th.TxErrorCounter)
	assert.EqualValues(t, 100, th.RxErrorCounter)
	assert.EqualValues(t, 80, th.BusLoad)
	assert.EqualValues(t, 50, th.Retransmissions)
}
