package virtual

import (
	"sync"
	"testing"

	can "github.com/ecunet/monitor/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameReceiver struct {
	mu     sync.Mutex
	frames []can.Frame
}

func (r *frameReceiver) Handle(frame can.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameReceiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func TestSendAndSubscribe(t *testing.T) {
	bus1, _ := NewVirtualCanBus("net-a")
	bus2, _ := NewVirtualCanBus("net-a")
	b1 := bus1.(*Bus)
	b2 := bus2.(*Bus)
	require.NoError(t, b1.Connect())
	require.NoError(t, b2.Connect())
	defer b1.Disconnect()
	defer b2.Disconnect()

	rx := &frameReceiver{}
	require.NoError(t, b2.Subscribe(rx))

	frame := can.NewFrame(0x111, 0, 8)
	frame.Data = [8]byte{0, 1, 2, 3, 4, 5, 6, 7}
	for i := 0; i < 10; i++ {
		frame.Data[0] = byte(i)
		require.NoError(t, b1.Send(frame))
	}
	assert.Equal(t, 10, rx.count())
}

func TestReceiveOwnDisabledByDefault(t *testing.T) {
	bus1, _ := NewVirtualCanBus("net-b")
	b1 := bus1.(*Bus)
	require.NoError(t, b1.Connect())
	defer b1.Disconnect()

	rx := &frameReceiver{}
	require.NoError(t, b1.Subscribe(rx))
	require.NoError(t, b1.Send(can.NewFrame(0x111, 0, 8)))
	assert.Equal(t, 0, rx.count())
}

func TestReceiveOwnEnabled(t *testing.T) {
	bus1, _ := NewVirtualCanBus("net-c")
	b1 := bus1.(*Bus)
	require.NoError(t, b1.Connect())
	defer b1.Disconnect()

	rx := &frameReceiver{}
	require.NoError(t, b1.Subscribe(rx))
	b1.SetReceiveOwn(true)
	require.NoError(t, b1.Send(can.NewFrame(0x111, 0, 8)))
	assert.Equal(t, 1, rx.count())
}
