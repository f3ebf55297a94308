// Package dashboard provides the real-time WebSocket server for queue
// monitoring.
//
// The dashboard broadcasts mutation lifecycle events (enqueued, synced,
// conflicted, resolved) and sync pass results to connected WebSocket
// clients. Clients can also submit interactive edit messages, which are
// routed through the batching coordinator and acknowledged per client
// when their batch lands, and resolve messages, which apply a conflict
// resolution through the configured submitter.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/offboardhq/offboard/internal/batch"
	qsync "github.com/offboardhq/offboard/internal/sync"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeEnqueued indicates a mutation entered the queue
	MessageTypeEnqueued MessageType = "mutation_enqueued"

	// MessageTypeSynced indicates a mutation was accepted by the backend
	MessageTypeSynced MessageType = "mutation_synced"

	// MessageTypeConflict indicates a mutation was rejected with a conflict
	MessageTypeConflict MessageType = "mutation_conflict"

	// MessageTypeResolved indicates a conflicted mutation was resolved
	MessageTypeResolved MessageType = "mutation_resolved"

	// MessageTypePassComplete indicates a sync pass over one queue finished
	MessageTypePassComplete MessageType = "pass_complete"

	// MessageTypeStats indicates updated queue statistics
	MessageTypeStats MessageType = "stats"

	// MessageTypeEdit is an inbound client edit to be batched
	MessageTypeEdit MessageType = "edit"

	// MessageTypeEditAck acknowledges one client edit after its batch lands
	MessageTypeEditAck MessageType = "edit_ack"

	// MessageTypeResolve is an inbound client resolution of a conflict
	MessageTypeResolve MessageType = "resolve"

	// MessageTypeResolveAck acknowledges one client resolution request
	MessageTypeResolveAck MessageType = "resolve_ack"
)

// Message represents a dashboard message in either direction
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EditData is the payload of an inbound edit message
type EditData struct {
	ItemID string          `json:"item_id"`
	Patch  json.RawMessage `json:"patch"`
}

// EditAckData is the payload of an edit acknowledgement
type EditAckData struct {
	ItemID string `json:"item_id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// ResolveData is the payload of an inbound resolve message
type ResolveData struct {
	MutationID string `json:"mutation_id"`
	Action     string `json:"action"`
}

// ResolveAckData is the payload of a resolve acknowledgement
type ResolveAckData struct {
	MutationID string `json:"mutation_id"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// EditSubmitter buffers an edit and settles the returned channel when the
// edit's batch lands. *batch.Coordinator satisfies this.
type EditSubmitter interface {
	Enqueue(e batch.Entry) <-chan error
}

// ResolutionSubmitter applies one conflict resolution on behalf of a
// dashboard client.
type ResolutionSubmitter interface {
	Resolve(ctx context.Context, mutationID string, action qsync.Action) error
}

// ResolutionFunc adapts a function to the ResolutionSubmitter interface.
type ResolutionFunc func(ctx context.Context, mutationID string, action qsync.Action) error

// Resolve calls f.
func (f ResolutionFunc) Resolve(ctx context.Context, mutationID string, action qsync.Action) error {
	return f(ctx, mutationID, action)
}

// Server manages WebSocket connections and broadcasts dashboard messages
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	// Inbound edits go through the batching coordinator. Optional.
	edits EditSubmitter

	// Inbound conflict resolutions. Optional.
	resolutions ResolutionSubmitter

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Per-request ack goroutines. Tracked separately from wg so a late
	// ack never calls Add while Stop is already waiting.
	ackWg  sync.WaitGroup
	ackMu  sync.Mutex
	closed bool

	// Logging
	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Port to listen on (default: 8377)
	Port int

	// Edits receives inbound client edits. Optional; when nil, edit
	// messages are rejected.
	Edits EditSubmitter

	// Resolutions receives inbound conflict resolutions. Optional; when
	// nil, resolve messages are rejected.
	Resolutions ResolutionSubmitter

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Port:   8377,
		Logger: log.Default(),
	}
}

// NewServer creates a new dashboard WebSocket server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:        fmt.Sprintf(":%d", config.Port),
		edits:       config.Edits,
		resolutions: config.Resolutions,
		clients:     make(map[*websocket.Conn]bool),
		broadcast:   make(chan Message, 100),
		ctx:         ctx,
		cancel:      cancel,
		logger:      config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping dashboard server")

	// Refuse new ack goroutines before waiting on the existing ones.
	s.ackMu.Lock()
	s.closed = true
	s.ackMu.Unlock()

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.ackWg.Wait()

	s.logger.Println("Dashboard server stopped")
	return nil
}

// trackAck registers an ack goroutine. Returns false once Stop has begun,
// so an Add can never race the final Wait.
func (s *Server) trackAck() bool {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	if s.closed {
		return false
	}
	s.ackWg.Add(1)
	return true
}

// Broadcast sends a message to all connected clients
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
		return
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// broadcastLoop handles message broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Send to clients (outside read lock to avoid blocking broadcasts)
			for _, conn := range clients {
				if err := s.writeMessage(conn, data); err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// writeMessage sends one marshalled message to a single connection.
func (s *Server) writeMessage(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Allow all origins for development
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	welcome := Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
	}
	welcomeData, _ := json.Marshal(welcome)
	_ = s.writeMessage(conn, welcomeData)

	go s.readLoop(conn)
}

// readLoop processes inbound client messages and handles disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("Ignoring malformed client message: %v", err)
			continue
		}

		switch msg.Type {
		case MessageTypeEdit:
			s.handleEdit(conn, msg.Data)
		case MessageTypeResolve:
			s.handleResolve(conn, msg.Data)
		default:
			s.logger.Printf("Ignoring client message of type %q", msg.Type)
		}
	}
}

// handleEdit submits one client edit to the coordinator and acknowledges
// the client when the edit's batch settles.
func (s *Server) handleEdit(conn *websocket.Conn, data json.RawMessage) {
	var edit EditData
	if err := json.Unmarshal(data, &edit); err != nil {
		s.ackEdit(conn, EditAckData{OK: false, Error: "malformed edit"})
		return
	}
	if edit.ItemID == "" || len(edit.Patch) == 0 {
		s.ackEdit(conn, EditAckData{ItemID: edit.ItemID, OK: false, Error: "item_id and patch are required"})
		return
	}
	if s.edits == nil {
		s.ackEdit(conn, EditAckData{ItemID: edit.ItemID, OK: false, Error: "edits not accepted"})
		return
	}

	done := s.edits.Enqueue(batch.Entry{ID: edit.ItemID, Patch: edit.Patch})

	// The ack waits for the batch, not for this read loop.
	if !s.trackAck() {
		return
	}
	go func() {
		defer s.ackWg.Done()

		ack := EditAckData{ItemID: edit.ItemID, OK: true}
		select {
		case err := <-done:
			if err != nil {
				ack.OK = false
				ack.Error = err.Error()
			}
		case <-s.ctx.Done():
			return
		}
		s.ackEdit(conn, ack)
	}()
}

// handleResolve applies one client conflict resolution and acknowledges
// the client. The broadcast of the resolution itself is the submitter's
// responsibility.
func (s *Server) handleResolve(conn *websocket.Conn, data json.RawMessage) {
	var req ResolveData
	if err := json.Unmarshal(data, &req); err != nil {
		s.ackResolve(conn, ResolveAckData{OK: false, Error: "malformed resolve"})
		return
	}
	if req.MutationID == "" {
		s.ackResolve(conn, ResolveAckData{OK: false, Error: "mutation_id is required"})
		return
	}
	action, err := qsync.ParseAction(req.Action)
	if err != nil {
		s.ackResolve(conn, ResolveAckData{MutationID: req.MutationID, OK: false, Error: err.Error()})
		return
	}
	if s.resolutions == nil {
		s.ackResolve(conn, ResolveAckData{MutationID: req.MutationID, OK: false, Error: "resolutions not accepted"})
		return
	}

	// Resolution hits the store; keep the read loop free.
	if !s.trackAck() {
		return
	}
	go func() {
		defer s.ackWg.Done()

		ack := ResolveAckData{MutationID: req.MutationID, OK: true}
		if err := s.resolutions.Resolve(s.ctx, req.MutationID, action); err != nil {
			ack.OK = false
			ack.Error = err.Error()
		}
		s.ackResolve(conn, ack)
	}()
}

// ackEdit sends an edit acknowledgement to a single client.
func (s *Server) ackEdit(conn *websocket.Conn, ack EditAckData) {
	s.sendData(conn, MessageTypeEditAck, ack)
}

// ackResolve sends a resolve acknowledgement to a single client.
func (s *Server) ackResolve(conn *websocket.Conn, ack ResolveAckData) {
	s.sendData(conn, MessageTypeResolveAck, ack)
}

// sendData marshals one payload and sends it to a single client.
func (s *Server) sendData(conn *websocket.Conn, typ MessageType, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}

	msg := Message{
		Type:      typ,
		Timestamp: time.Now(),
		Data:      dataJSON,
	}
	msgJSON, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}

	if err := s.writeMessage(conn, msgJSON); err != nil {
		s.logger.Printf("Failed to send %s: %v", typ, err)
		s.removeClient(conn)
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Offboard Dashboard</title>
</head>
<body>
    <h1>Offboard Queue Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive real-time queue updates.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
