// Package can defines the driver-level contract the monitor node's transport
// layer speaks to a physical or virtual ISO 11898 CAN interface.
package can

import "fmt"

// Frame flags.
const (
	FlagExtended uint8 = 1 << iota // 29-bit extended identifier
	FlagRTR                       // remote transmission request
	FlagSelfRx                     // loopback: frame is echoed back to our own listener
)

// State is the reported driver/controller state, mirroring the CAN controller
// error-state machine (active -> warning -> passive -> bus-off).
type State uint8

const (
	StateRunning State = iota
	StateWarning
	StatePassive
	StateBusOff
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateWarning:
		return "warning"
	case StatePassive:
		return "passive"
	case StateBusOff:
		return "bus_off"
	default:
		return "unknown"
	}
}

// Frame is a single CAN frame as exchanged with the driver: a 29-bit extended
// identifier, a data-length code 0-8, and up to 8 payload bytes.
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags | FlagExtended, DLC: dlc}
}

// StatusInfo is the driver's status_info() contract: raw error counters and
// controller state, from which the transport layer derives diagnostics.
type StatusInfo struct {
	TxErrorCounter uint32
	RxErrorCounter uint32
	State          State
}

// FrameListener receives frames pushed by a Bus. Handle must not block: the
// driver's receive goroutine calls it synchronously for every received frame.
type FrameListener interface {
	Handle(frame Frame)
}

// Bus is the CAN driver collaborator contract (see spec §6.1): install/start
// are folded into Connect, stop/uninstall into Disconnect.
type Bus interface {
	Connect(...any) error
	Disconnect() error
	Send(frame Frame) error
	Subscribe(callback FrameListener) error
	Status() (StatusInfo, error)
}

// SelfReceiver is implemented by buses that can loop transmitted frames back
// to their own listener, such as the virtual bus. The transport layer's
// loopback self-test (spec.md §4.1) type-asserts for this capability and
// temporarily enables it for the duration of the test; a bus with no
// loopback concept (e.g. a physical SocketCAN interface) simply leaves the
// self-test to time out, the documented behaviour for real hardware.
type SelfReceiver interface {
	SetReceiveOwn(enabled bool) (previous bool)
}

// NewInterfaceFunc constructs a Bus for a named interface type (e.g.
// "socketcan", "virtual") and channel (e.g. "can0", "localhost:18888").
type NewInterfaceFunc func(channel string) (Bus, error)

var interfaceRegistry = make(map[string]NewInterfaceFunc)

// RegisterInterface registers a Bus constructor under interfaceType. Driver
// packages call this from their init() function.
func RegisterInterface(interfaceType string, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// NewBus creates a new CAN bus for the given interface type and channel.
func NewBus(interfaceType string, channel string) (Bus, error) {
	createInterface, ok := interfaceRegistry[interfaceType]
	if !ok {
		return nil, fmt.Errorf("can: unsupported interface %q", interfaceType)
	}
	return createInterface(channel)
}
