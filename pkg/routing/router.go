package routing

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var errDuplicateDest = fmt.Errorf("routing: duplicate dest_id")
var errNotFound = fmt.Errorf("routing: entry not found")

type subscriber struct {
	id       uint64
	callback Listener
}

// Router is the C5 routing layer: routing/neighbour tables, the mesh-event
// driven recompute pipeline, and unicast/multicast/broadcast dispatch.
type Router struct {
	sender MeshSender
	clock  Clock
	config ConfigStore
	log    *logrus.Entry

	mu         sync.Mutex
	table      []RoutingEntry
	neighbours []NeighbourEntry

	subMu       sync.Mutex
	nextSubID   uint64
	subscribers []subscriber

	eventCh   chan MeshEvent
	sendCh    chan sendJob
	receiveCh chan receiveJob

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type sendJob struct {
	destID string
	data   []byte
	mode   SendMode
}

type receiveJob struct {
	srcID string
	data  []byte
}

func New(sender MeshSender, clock Clock, cfg ConfigStore) *Router {
	return &Router{
		sender:    sender,
		clock:     clock,
		config:    cfg,
		log:       logrus.WithField("component", "routing"),
		eventCh:   make(chan MeshEvent, 16),
		sendCh:    make(chan sendJob, 32),
		receiveCh: make(chan receiveJob, 32),
		stopCh:    make(chan struct{}),
	}
}

// Init resets the tables. Call before Start.
func (r *Router) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = nil
	r.neighbours = nil
	return nil
}

// Start launches the event, send and receive tasks (spec.md §4.5).
func (r *Router) Start() {
	r.wg.Add(3)
	go r.eventTask()
	go r.sendTask()
	go r.receiveTask()
}

// Shutdown stops all tasks. It is not idempotent: a second call panics on
// the already-closed stop channel.
func (r *Router) Shutdown() {
	close(r.stopCh)
	r.wg.Wait()
}

// RegisterCallback adds a subscriber and returns a cancel func to remove
// it, following the teacher's subscription idiom.
func (r *Router) RegisterCallback(cb Listener) (cancel func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	r.nextSubID++
	id := r.nextSubID
	if len(r.subscribers) >= subscriberCapacity {
		r.log.Warn("subscriber list full, dropping oldest")
		r.subscribers = r.subscribers[1:]
	}
	r.subscribers = append(r.subscribers, subscriber{id: id, callback: cb})

	return func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		for i, s := range r.subscribers {
			if s.id == id {
				r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
				return
			}
		}
	}
}

// UnregisterCallback removes every subscription matching cb by identity.
// Prefer the cancel func RegisterCallback returns; this exists for parity
// with spec.md §4.5's named contract.
func (r *Router) UnregisterCallback(cb Listener) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	filtered := r.subscribers[:0]
	for _, s := range r.subscribers {
		if s.callback != cb {
			filtered = append(filtered, s)
		}
	}
	r.subscribers = filtered
}

func (r *Router) notify(n Notification) {
	r.subMu.Lock()
	subs := append([]subscriber{}, r.subscribers...)
	r.subMu.Unlock()
	for _, s := range subs {
		s.callback.OnEvent(n)
	}
}

// GetRoutingTable returns a copy of the current routing table.
func (r *Router) GetRoutingTable() []RoutingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RoutingEntry{}, r.table...)
}

// GetNeighbourTable returns a copy of the current neighbour table.
func (r *Router) GetNeighbourTable() []NeighbourEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NeighbourEntry{}, r.neighbours...)
}

// InsertRoute rejects insertion when dest_id already exists (spec.md §3
// invariant: no duplicate dest_id).
func (r *Router) InsertRoute(e RoutingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.table {
		if existing.DestID == e.DestID {
			return errDuplicateDest
		}
	}
	r.table = append(r.table, e)
	if len(r.table) > routingTableCapacity {
		r.table = r.table[len(r.table)-routingTableCapacity:]
	}
	return nil
}

// UpdateRoute replaces an existing entry in place.
func (r *Router) UpdateRoute(e RoutingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.table {
		if existing.DestID == e.DestID {
			r.table[i] = e
			return nil
		}
	}
	return errNotFound
}

// RemoveRoute deletes the entry for dest, if present.
func (r *Router) RemoveRoute(dest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.table {
		if existing.DestID == dest {
			r.table = append(r.table[:i], r.table[i+1:]...)
			return nil
		}
	}
	return errNotFound
}

// UpdateTopology replaces the neighbour table, truncating to capacity, and
// notifies subscribers.
func (r *Router) UpdateTopology(neighbours []NeighbourEntry) {
	r.mu.Lock()
	if len(neighbours) > neighbourTableCapacity {
		neighbours = neighbours[:neighbourTableCapacity]
	}
	r.neighbours = append([]NeighbourEntry{}, neighbours...)
	r.mu.Unlock()

	r.notify(Notification{Kind: NeighbourTableUpdated})
}

// RecalculateRoutes rebuilds the routing table from the current neighbour
// table: one entry per neighbour with dest_id = next_hop = neighbour_id and
// cost = default_cost (spec.md §4.5).
func (r *Router) RecalculateRoutes() {
	cost, _, _ := r.config.RoutingConfig()
	now := r.clock.Tick()

	r.mu.Lock()
	table := make([]RoutingEntry, 0, len(r.neighbours))
	for _, n := range r.neighbours {
		table = append(table, RoutingEntry{
			DestID:         n.ID,
			NextHop:        n.ID,
			Cost:           cost,
			LastUpdateTick: now,
		})
	}
	if len(table) > routingTableCapacity {
		table = table[:routingTableCapacity]
	}
	r.table = table
	r.mu.Unlock()

	r.notify(Notification{Kind: TableUpdated})
}

// QueueMeshEvent enqueues a topology event for the event task. Unrecognized
// kinds are still accepted here; the event task is what ignores them with
// a warning (spec.md §4.5).
func (r *Router) QueueMeshEvent(e MeshEvent) {
	select {
	case r.eventCh <- e:
	default:
		r.log.Warn("mesh event queue full, dropping event")
	}
}

func (r *Router) eventTask() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case e := <-r.eventCh:
			switch e.Kind {
			case NeighbourChange:
				r.UpdateTopology(e.Neighbours)
			case ParentConnected, RootSwitched:
				r.RecalculateRoutes()
			default:
				r.log.WithField("kind", e.Kind).Warn("ignoring unrecognized mesh event")
			}
		}
	}
}

// SendMessage enqueues data for dispatch to dest under mode. Processing
// (including route-miss fallback and retry) happens asynchronously on the
// send task (spec.md §4.5).
func (r *Router) SendMessage(destID string, data []byte, mode SendMode) {
	select {
	case r.sendCh <- sendJob{destID: destID, data: data, mode: mode}:
	default:
		r.log.Warn("send queue full, dropping message")
	}
}

func (r *Router) sendTask() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case job := <-r.sendCh:
			r.dispatch(job)
		}
	}
}

func (r *Router) dispatch(job sendJob) {
	_ = r.dispatchWithResult(job)
}

func (r *Router) dispatchWithResult(job sendJob) error {
	switch job.mode {
	case Unicast:
		return r.dispatchUnicast(job)
	case Multicast:
		return r.dispatchMulticast(job)
	case Broadcast:
		return r.dispatchBroadcast(job)
	}
	return nil
}

// SendMessageSync performs the same dispatch as SendMessage but inline,
// returning the outcome instead of fire-and-forgetting it onto the send
// task. Callers that need to know whether a segment actually went out (the
// OTA orchestrator's distribute_firmware, spec.md §4.6) use this path; the
// background send task still drains SendMessage calls for everyone else.
func (r *Router) SendMessageSync(destID string, data []byte, mode SendMode) error {
	return r.dispatchWithResult(sendJob{destID: destID, data: data, mode: mode})
}

func (r *Router) dispatchUnicast(job sendJob) error {
	_, retryCount, retryDelayMs := r.config.RoutingConfig()

	nextHop, ok := r.lookup(job.destID)
	attempts := 0
	for !ok && attempts < retryCount {
		r.RecalculateRoutes()
		time.Sleep(time.Duration(retryDelayMs) * time.Millisecond)
		nextHop, ok = r.lookup(job.destID)
		attempts++
	}
	if !ok {
		r.notify(Notification{Kind: RouteFailure, DestID: job.destID})
		return errNotFound
	}
	if err := r.sender.Send(nextHop, job.data); err != nil {
		r.log.WithError(err).Warn("unicast send failed")
		r.notify(Notification{Kind: RouteFailure, DestID: job.destID})
		return err
	}
	return nil
}

func (r *Router) lookup(destID string) (nextHop string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.table {
		if e.DestID == destID {
			return e.NextHop, true
		}
	}
	return "", false
}

// dispatchMulticast treats dest_id as a substring group id: every routing
// entry whose dest_id contains it is a match (spec.md §4.5).
func (r *Router) dispatchMulticast(job sendJob) error {
	r.mu.Lock()
	var matches []RoutingEntry
	for _, e := range r.table {
		if containsGroup(e.DestID, job.destID) {
			matches = append(matches, e)
		}
	}
	r.mu.Unlock()

	if len(matches) == 0 {
		r.notify(Notification{Kind: RouteFailure, DestID: job.destID})
		return errNotFound
	}
	var firstErr error
	for _, e := range matches {
		if err := r.sender.Send(e.NextHop, job.data); err != nil {
			r.log.WithError(err).Warn("multicast send failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) dispatchBroadcast(job sendJob) error {
	r.mu.Lock()
	neighbours := append([]NeighbourEntry{}, r.neighbours...)
	r.mu.Unlock()

	if len(neighbours) == 0 {
		r.notify(Notification{Kind: RouteFailure, DestID: job.destID})
		return errNotFound
	}
	var firstErr error
	for _, n := range neighbours {
		if err := r.sender.Send(n.ID, job.data); err != nil {
			r.log.WithError(err).Warn("broadcast send failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ReceiveMessage enqueues an inbound message for the receive task, which
// notifies subscribers (spec.md §4.5: "the receive task owns a
// heap-allocated message; subscribers take ownership").
func (r *Router) ReceiveMessage(srcID string, data []byte) {
	select {
	case r.receiveCh <- receiveJob{srcID: srcID, data: data}:
	default:
		r.log.Warn("receive queue full, dropping message")
	}
}

func (r *Router) receiveTask() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case job := <-r.receiveCh:
			r.notify(Notification{Kind: MessageReceived, SrcID: job.srcID, Payload: job.data})
		}
	}
}

// SetConfig persists new routing knobs, matching spec.md §4.5's set_config
// contract (in-memory state stays mutated even on a write failure, via
// internal/config.Store.Update's own semantics).
func (r *Router) SetConfig(c RoutingConfig) error {
	return r.config.SetRoutingConfig(c.DefaultCost, c.RetryCount, c.RetryDelayMs)
}

// GetConfig returns the current routing knobs.
func (r *Router) GetConfig() RoutingConfig {
	cost, retryCount, retryDelayMs := r.config.RoutingConfig()
	return RoutingConfig{DefaultCost: cost, RetryCount: retryCount, RetryDelayMs: retryDelayMs}
}

func containsGroup(destID, group string) bool {
	return group != "" && strings.Contains(destID, group)
}
