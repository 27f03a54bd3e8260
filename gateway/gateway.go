// Package gateway serves the WebSocket control channel for UI clients.
//
// Every connected client receives the full event stream from the bus plus
// direct replies to the commands it submits. Frames from client to core are
// `{"command": ..., "data": {...}}`; replies are envelopes with type
// "response" echoing the command name. Malformed JSON produces an "error"
// envelope without closing the connection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/deploybot-sh/deploybot/bus"
	"github.com/deploybot-sh/deploybot/metrics"
)

const (
	// writeWait bounds a single frame write to a client.
	writeWait = 10 * time.Second

	// sendBuffer is the per-client outbound queue depth. A client that
	// cannot keep up drops frames rather than blocking the core.
	sendBuffer = 64
)

// Commander executes client commands and reports the state sent in the
// connect greeting. The orchestrator implements it.
type Commander interface {
	Execute(ctx context.Context, command string, data map[string]any) (map[string]any, error)
	ConnectedState() map[string]any
}

// Request is the client-to-core frame.
type Request struct {
	Command string         `json:"command"`
	Data    map[string]any `json:"data"`
}

type responseFrame struct {
	Type      string         `json:"type"`
	Command   string         `json:"command"`
	Data      map[string]any `json:"data"`
	Timestamp string         `json:"timestamp"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan any
}

// Server bridges the event bus and the command router over WebSocket.
type Server struct {
	addr      string
	bus       *bus.Bus
	commander Commander
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	httpSrv   *http.Server
	now       func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// New builds a Server listening on addr once started. The handler also
// mounts the Prometheus scrape endpoint on /metrics.
func New(addr string, b *bus.Bus, commander Commander, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:      addr,
		bus:       b,
		commander: commander,
		// The desktop shell connects from a file:// origin.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   logger,
		now:      time.Now,
		clients:  make(map[string]*client),
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler serving the WebSocket endpoint at /
// and metrics at /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleWS)
	return mux
}

// Start binds the listen address and begins serving. The bind happens
// synchronously so startup failures surface immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen on %s: %w", s.addr, err)
	}

	s.logger.Info("WebSocket server listening", "addr", s.addr)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gateway server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown closes all client connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	// Shutdown does not touch hijacked connections, hence the explicit
	// closes above.
	return s.httpSrv.Shutdown(ctx)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{id: uuid.NewString(), conn: conn, send: make(chan any, sendBuffer)}
	s.register(c)
	defer s.unregister(c)

	sub := s.bus.Subscribe()
	defer sub.Unsubscribe()

	done := make(chan struct{})
	defer close(done)
	go s.writePump(c, sub, done)

	s.greet(c)
	s.readLoop(r.Context(), c)
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	total := len(s.clients)
	s.mu.Unlock()

	metrics.ConnectedClients.Inc()
	s.logger.Info("Client connected", "client", c.id, "total_clients", total)
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	total := len(s.clients)
	s.mu.Unlock()

	c.conn.Close()
	metrics.ConnectedClients.Dec()
	s.logger.Info("Client disconnected", "client", c.id, "total_clients", total)
}

// greet sends the welcome envelope carrying current core state.
func (s *Server) greet(c *client) {
	s.enqueue(c, bus.Envelope{
		Type:      bus.TypeSystem,
		Event:     "connected",
		Data:      s.commander.ConnectedState(),
		Timestamp: s.timestamp(),
	})
}

// writePump is the sole writer for a connection. It drains both the
// client's direct queue and its bus subscription.
func (s *Server) writePump(c *client, sub *bus.Subscription, done <-chan struct{}) {
	for {
		select {
		case frame := <-c.send:
			s.writeFrame(c, frame)
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			s.writeFrame(c, env)
		case <-done:
			return
		}
	}
}

func (s *Server) writeFrame(c *client, frame any) {
	c.conn.SetWriteDeadline(s.now().Add(writeWait))
	if err := c.conn.WriteJSON(frame); err != nil {
		s.logger.Debug("Write to client failed", "client", c.id, "error", err)
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("Client read failed", "client", c.id, "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			s.logger.Error("Invalid JSON received", "client", c.id, "error", err)
			s.enqueue(c, errorFrame{
				Type:      bus.TypeError,
				Message:   "Invalid JSON format",
				Timestamp: s.timestamp(),
			})
			continue
		}

		s.dispatch(ctx, c, req)
	}
}

// dispatch routes one command through the Commander and queues the reply.
func (s *Server) dispatch(ctx context.Context, c *client, req Request) {
	s.logger.Info("Received command", "command", req.Command, "client", c.id)
	metrics.CommandsProcessed.WithLabelValues(req.Command).Inc()

	resp, err := s.commander.Execute(ctx, req.Command, req.Data)
	if err != nil {
		s.logger.Error("Error processing command", "command", req.Command, "error", err)
		resp = map[string]any{
			"success": false,
			"message": fmt.Sprintf("Error processing command: %s", err),
		}
	}
	if req.Command == "status" && resp != nil {
		resp["client_count"] = s.ClientCount()
	}

	s.enqueue(c, responseFrame{
		Type:      bus.TypeResponse,
		Command:   req.Command,
		Data:      resp,
		Timestamp: s.timestamp(),
	})
}

func (s *Server) enqueue(c *client, frame any) {
	select {
	case c.send <- frame:
	default:
		s.logger.Warn("Dropping frame for slow client", "client", c.id)
	}
}

func (s *Server) timestamp() string {
	return s.now().Format(time.RFC3339)
}
