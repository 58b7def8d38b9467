package routing

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// DiagnosticsServer exposes a local, read-only HTTP+WS surface over a
// Router's tables and notifications. It is additive: nothing in the
// routing layer's own operation depends on it being mounted.
type DiagnosticsServer struct {
	router   *Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	cancel  func()
}

// NewDiagnosticsServer wires GET /routes, GET /neighbours and GET /ws/events
// onto router r.
func NewDiagnosticsServer(r *Router) *DiagnosticsServer {
	d := &DiagnosticsServer{
		router:  r,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	d.cancel = r.RegisterCallback(listenerFunc(d.broadcast))
	return d
}

// Router returns a gorilla/mux router with the diagnostics routes mounted.
func (d *DiagnosticsServer) Router() *mux.Router {
	m := mux.NewRouter()
	m.HandleFunc("/routes", d.handleRoutes).Methods(http.MethodGet)
	m.HandleFunc("/neighbours", d.handleNeighbours).Methods(http.MethodGet)
	m.HandleFunc("/ws/events", d.handleWS).Methods(http.MethodGet)
	return m
}

// Close unsubscribes from the router and drops any open WS connections.
func (d *DiagnosticsServer) Close() {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.clients {
		c.Close()
	}
	d.clients = make(map[*websocket.Conn]struct{})
}

func (d *DiagnosticsServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.router.GetRoutingTable())
}

func (d *DiagnosticsServer) handleNeighbours(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.router.GetNeighbourTable())
}

func (d *DiagnosticsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.clients[conn] = struct{}{}
	d.mu.Unlock()
}

func (d *DiagnosticsServer) broadcast(n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.clients {
		if err := c.WriteJSON(n); err != nil {
			c.Close()
			delete(d.clients, c)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type listenerFunc func(Notification)

func (f listenerFunc) OnEvent(n Notification) { f(n) }
