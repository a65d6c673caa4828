// Package statustarget provides the built-in status-target kinds the
// Reconciler can attach: consumers of bus events for external reporting
// (§4.5 step 5). WebSocketTarget is grounded on the teacher's
// cmd/server/handlers/silence_ws.go hub, generalised from broadcasting
// silence lifecycle events to broadcasting the coordinator's changes,
// buildset-addition and buildset-completion bus events to any connected
// dashboard.
package statustarget

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/buildforge/coordinator/internal/bus"
	"github.com/buildforge/coordinator/internal/coordmodel"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusEvent is the JSON envelope broadcast to connected dashboards.
type StatusEvent struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"` // "change", "buildset_addition", "buildset_completion"
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// WebSocketTarget is a StatusTarget that streams the three coordinator
// buses to connected WebSocket clients. It owns an HTTP listener of its
// own so the Reconciler can attach/detach it independently of the
// worker-listener endpoint.
type WebSocketTarget struct {
	name string
	addr string

	changes     *bus.Bus
	additions   *bus.Bus
	completions *bus.Bus

	logger *slog.Logger

	mu        sync.RWMutex
	clients   map[*websocket.Conn]string // value is the kind filter, "" means all kinds
	broadcast chan StatusEvent
	handles   []bus.Handle
	listener  net.Listener
	server    *http.Server
	done      chan struct{}
}

var _ coordmodel.StatusTarget = (*WebSocketTarget)(nil)

// New returns a WebSocketTarget listening on addr (e.g. ":8710"), not yet
// started.
func New(name, addr string, changes, additions, completions *bus.Bus, logger *slog.Logger) *WebSocketTarget {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketTarget{
		name:        name,
		addr:        addr,
		changes:     changes,
		additions:   additions,
		completions: completions,
		logger:      logger.With("component", "statustarget.websocket", "target", name),
		clients:     make(map[*websocket.Conn]string),
		broadcast:   make(chan StatusEvent, 256),
		done:        make(chan struct{}),
	}
}

func (w *WebSocketTarget) Name() string { return w.name }
func (w *WebSocketTarget) Kind() string { return "websocket" }

// Start subscribes to the three buses and opens the HTTP listener.
func (w *WebSocketTarget) Start(ctx context.Context) error {
	w.handles = append(w.handles,
		w.changes.Subscribe(func(e interface{}) { w.enqueue("change", e) }),
		w.additions.Subscribe(func(e interface{}) { w.enqueue("buildset_addition", e) }),
		w.completions.Subscribe(func(e interface{}) { w.enqueue("buildset_completion", e) }),
	)

	router := mux.NewRouter()
	router.HandleFunc("/ws/status", w.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/ws/status/{kind}", w.handleWebSocketFiltered).Methods(http.MethodGet)

	ln, err := net.Listen("tcp", w.addr)
	if err != nil {
		return err
	}
	w.listener = ln
	w.server = &http.Server{Handler: router}

	go w.pump()
	go func() {
		if err := w.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("websocket status target listener stopped", "error", err)
		}
	}()

	w.logger.Info("websocket status target started", "addr", w.addr)
	return nil
}

// Stop unsubscribes from the buses and closes the listener and every
// connected client.
func (w *WebSocketTarget) Stop(ctx context.Context) error {
	for _, h := range w.handles {
		h.Cancel()
	}
	w.handles = nil

	close(w.done)

	if w.server != nil {
		_ = w.server.Shutdown(ctx)
	}

	w.mu.Lock()
	for c := range w.clients {
		c.Close()
	}
	w.clients = make(map[*websocket.Conn]string)
	w.mu.Unlock()

	return nil
}

func (w *WebSocketTarget) enqueue(kind string, payload interface{}) {
	event := StatusEvent{ID: uuid.New().String(), Kind: kind, Payload: payload, Timestamp: time.Now()}
	select {
	case w.broadcast <- event:
	default:
		w.logger.Warn("websocket status target broadcast channel full, dropping event", "kind", kind)
	}
}

func (w *WebSocketTarget) pump() {
	for {
		select {
		case <-w.done:
			return
		case event := <-w.broadcast:
			w.mu.RLock()
			for c, filter := range w.clients {
				if filter == "" || filter == event.Kind {
					go w.sendToClient(c, event)
				}
			}
			w.mu.RUnlock()
		}
	}
}

func (w *WebSocketTarget) sendToClient(c *websocket.Conn, event StatusEvent) {
	c.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.WriteJSON(event); err != nil {
		w.logger.Debug("failed to send status event, dropping client", "error", err)
		w.mu.Lock()
		delete(w.clients, c)
		w.mu.Unlock()
		c.Close()
	}
}

func (w *WebSocketTarget) handleWebSocket(rw http.ResponseWriter, r *http.Request) {
	w.acceptClient(rw, r, "")
}

// handleWebSocketFiltered serves /ws/status/{kind}, restricting the
// connection to a single event kind (e.g. "change") instead of the full
// stream.
func (w *WebSocketTarget) handleWebSocketFiltered(rw http.ResponseWriter, r *http.Request) {
	w.acceptClient(rw, r, mux.Vars(r)["kind"])
}

func (w *WebSocketTarget) acceptClient(rw http.ResponseWriter, r *http.Request, filter string) {
	conn, err := upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}
	w.mu.Lock()
	w.clients[conn] = filter
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.clients, conn)
			w.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
