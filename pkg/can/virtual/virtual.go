// Package virtual implements an in-process CAN bus used for the monitor's
// loopback self-test and for unit tests that exercise pkg/transport without a
// physical interface. Buses sharing the same channel name form one network:
// every frame sent by one bus on that network is delivered to every other
// bus's subscriber on the same network, exactly like the teacher's TCP-backed
// virtual bus, minus the requirement to run an external broker process.
package virtual

import (
	"errors"
	"sync"

	can "github.com/ecunet/monitor/pkg/can"
)

func init() {
	can.RegisterInterface("virtual", NewVirtualCanBus)
	can.RegisterInterface("virtualcan", NewVirtualCanBus)
}

type network struct {
	mu      sync.Mutex
	members map[*Bus]struct{}
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*network)
)

func joinNetwork(channel string) *network {
	registryMu.Lock()
	defer registryMu.Unlock()
	net, ok := registry[channel]
	if !ok {
		net = &network{members: make(map[*Bus]struct{})}
		registry[channel] = net
	}
	return net
}

// Bus is an in-process, channel-name-scoped virtual CAN bus.
type Bus struct {
	channel    string
	net        *network
	mu         sync.Mutex
	connected  bool
	receiveOwn bool
	listener   can.FrameListener
	txErr      uint32
	rxErr      uint32
}

// NewVirtualCanBus constructs (but does not connect) a virtual bus on the
// named network.
func NewVirtualCanBus(channel string) (can.Bus, error) {
	return &Bus{channel: channel}, nil
}

func (b *Bus) Connect(...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	b.net = joinNetwork(b.channel)
	b.net.mu.Lock()
	b.net.members[b] = struct{}{}
	b.net.mu.Unlock()
	b.connected = true
	return nil
}

func (b *Bus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return nil
	}
	b.net.mu.Lock()
	delete(b.net.members, b)
	b.net.mu.Unlock()
	b.connected = false
	return nil
}

// Send broadcasts frame to every other member of the network, and to this
// bus's own listener when SetReceiveOwn(true) was called.
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	net := b.net
	connected := b.connected
	receiveOwn := b.receiveOwn
	listener := b.listener
	b.mu.Unlock()
	if !connected {
		return errors.New("virtual: not connected")
	}
	if receiveOwn && listener != nil {
		listener.Handle(frame)
	}
	net.mu.Lock()
	members := make([]*Bus, 0, len(net.members))
	for other := range net.members {
		if other != b {
			members = append(members, other)
		}
	}
	net.mu.Unlock()
	for _, other := range members {
		other.deliver(frame)
	}
	return nil
}

func (b *Bus) deliver(frame can.Frame) {
	b.mu.Lock()
	listener := b.listener
	b.mu.Unlock()
	if listener != nil {
		listener.Handle(frame)
	}
}

func (b *Bus) Subscribe(callback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = callback
	return nil
}

func (b *Bus) Status() (can.StatusInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return can.StatusInfo{TxErrorCounter: b.txErr, RxErrorCounter: b.rxErr, State: can.StateRunning}, nil
}

// SetReceiveOwn controls loopback-to-self delivery, used by the self-test.
func (b *Bus) SetReceiveOwn(receiveOwn bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	previous := b.receiveOwn
	b.receiveOwn = receiveOwn
	return previous
}
