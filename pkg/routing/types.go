// Package routing implements the mesh routing layer (spec.md component
// C5): routing and neighbour tables, a recompute pipeline driven by mesh
// topology events, and unicast/multicast/broadcast message dispatch with
// route-miss fallback.
package routing

const (
	routingTableCapacity   = 16
	neighbourTableCapacity = 8
	subscriberCapacity     = 8
)

// RoutingEntry is one row of the routing table (spec.md §3).
type RoutingEntry struct {
	DestID        string
	NextHop       string
	Cost          uint8
	LastUpdateTick int64
}

// NeighbourEntry is one row of the neighbour table (spec.md §3).
type NeighbourEntry struct {
	ID          string
	RSSI        int8
	LinkQuality uint8
}

// SendMode selects dispatch semantics for SendMessage (spec.md §4.5).
type SendMode int

const (
	Unicast SendMode = iota
	Multicast
	Broadcast
)

func (m SendMode) String() string {
	switch m {
	case Unicast:
		return "unicast"
	case Multicast:
		return "multicast"
	case Broadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// MeshEventKind is the mesh radio's topology event vocabulary. Anything
// outside this set is ignored with a warning (spec.md §4.5).
type MeshEventKind int

const (
	NeighbourChange MeshEventKind = iota
	ParentConnected
	RootSwitched
)

// MeshEvent is one entry on the event FIFO.
type MeshEvent struct {
	Kind       MeshEventKind
	Neighbours []NeighbourEntry // populated for NeighbourChange
}

// NotifyKind is the vocabulary subscriber callbacks receive (spec.md §4.5).
type NotifyKind int

const (
	TableUpdated NotifyKind = iota
	NeighbourTableUpdated
	RouteFailure
	MessageReceived
)

func (k NotifyKind) String() string {
	switch k {
	case TableUpdated:
		return "table_updated"
	case NeighbourTableUpdated:
		return "neighbour_table_updated"
	case RouteFailure:
		return "route_failure"
	case MessageReceived:
		return "message_received"
	default:
		return "unknown"
	}
}

// Notification is delivered to every registered subscriber.
type Notification struct {
	Kind    NotifyKind
	DestID  string // populated for RouteFailure
	Payload []byte // populated for MessageReceived
	SrcID   string // populated for MessageReceived
}

// Listener receives routing notifications.
type Listener interface {
	OnEvent(n Notification)
}

// MeshSender is the mesh radio collaborator contract this layer drives
// (spec.md §6, item 5: opaque mesh radio bring-up; this is its send path).
type MeshSender interface {
	Send(nextHop string, data []byte) error
}

// Clock supplies the monotonic tick stamped onto routing entries.
type Clock interface {
	Tick() int64
}

// RoutingConfig is the persisted subset of configuration this layer owns
// (spec.md §4.5, keys ROUTING_DEFAULT_COST / ROUTING_RETRY_COUNT /
// ROUTING_RETRY_DELAY_MS).
type RoutingConfig struct {
	DefaultCost  uint8
	RetryCount   int
	RetryDelayMs int
}

// ConfigStore is the subset of internal/config.Store the routing layer
// needs to persist its knobs (spec.md §4.5 set_config/get_config).
type ConfigStore interface {
	RoutingConfig() (cost uint8, retryCount, retryDelayMs int)
	SetRoutingConfig(cost uint8, retryCount, retryDelayMs int) error
}
