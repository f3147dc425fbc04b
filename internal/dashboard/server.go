// Package dashboard streams sync progress to WebSocket clients.
//
// The syncer reports watermark advances and cycle completions through
// the Handler; the Server fans them out as JSON frames to every
// connected client. Clients never send anything meaningful back, so
// the protocol is one-directional: connect, receive a status frame,
// then receive updates until either side closes.
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
)

// writeTimeout bounds a single frame write to one client. A stalled
// client is disconnected rather than allowed to back up the fan-out.
const writeTimeout = 5 * time.Second

// MessageType distinguishes the frames sent to dashboard clients.
type MessageType string

const (
	// MessageTypeWatermark reports one committed batch of progress.
	MessageTypeWatermark MessageType = "watermark"

	// MessageTypeCycleComplete reports a finished sync cycle.
	MessageTypeCycleComplete MessageType = "cycle_complete"

	// MessageTypeStatus carries a full syncer status snapshot. Also
	// the first frame every client receives on connect.
	MessageTypeStatus MessageType = "status"
)

// Message is one dashboard frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WatermarkData is the payload of a watermark frame.
type WatermarkData struct {
	Stream string `json:"stream"`
	Cursor int64  `json:"cursor"`
	Rows   int    `json:"rows"`
}

// CycleCompleteData is the payload of a cycle_complete frame.
type CycleCompleteData struct {
	CyclesRun      int64         `json:"cycles_run"`
	RowsSynced     int64         `json:"rows_synced"`
	Duration       time.Duration `json:"duration"`
	WatcherHealthy bool          `json:"watcher_healthy"`
}

// Config holds dashboard server settings.
type Config struct {
	// Port to listen on. Zero picks an ephemeral port.
	Port int

	// Logger for connection and broadcast activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8080,
		Logger: log.Default(),
	}
}

// Server accepts WebSocket clients and fans broadcast frames out to
// them. Frames arrive through Broadcast, are serialized once on the
// broadcast goroutine, and written to each client with a per-write
// deadline.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server. Call Start to begin listening.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start binds the listener and begins serving WebSocket upgrades.
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
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Dashboard server error: %v", err)
		}
	}()

	return nil
}

// Stop disconnects all clients and shuts the server down. Blocks until
// the broadcast and serve goroutines have exited.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down dashboard server: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast queues a frame for delivery to all connected clients.
// Never blocks: if the queue is full the frame is dropped, which is
// acceptable for monitoring data that the next cycle refreshes anyway.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Broadcast queue full, dropping frame")
	}
}

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
				s.logger.Printf("Failed to marshal %s frame: %v", msg.Type, err)
				continue
			}
			for _, conn := range s.snapshotClients() {
				if err := s.writeFrame(conn, data); err != nil {
					s.dropClient(conn)
				}
			}
		}
	}
}

// snapshotClients copies the client set so frame writes happen outside
// the lock.
func (s *Server) snapshotClients() []*websocket.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	return conns
}

// writeFrame delivers one serialized frame to one client under the
// write deadline.
func (s *Server) writeFrame(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Printf("Dashboard client connected (%d total)", total)

	// Every client starts from a status frame, so a late joiner is
	// never waiting for the first cycle to learn the current state.
	welcome, _ := json.Marshal(Message{
		Type:      MessageTypeStatus,
		Timestamp: time.Now(),
	})
	if err := s.writeFrame(conn, welcome); err != nil {
		s.dropClient(conn)
		return
	}

	s.wg.Add(1)
	go s.readLoop(conn)
}

// readLoop drains inbound frames until the client disconnects. Client
// frames carry no meaning; reading them is how close and ping frames
// get processed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()
	defer s.dropClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// dropClient removes and closes a client connection. Safe to call more
// than once per connection.
func (s *Server) dropClient(conn *websocket.Conn) {
	s.mu.Lock()
	_, known := s.clients[conn]
	delete(s.clients, conn)
	total := len(s.clients)
	s.mu.Unlock()

	if !known {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Dashboard client disconnected (%d total)", total)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>Livesync Dashboard</title>
</head>
<body>
    <h1>Livesync Dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Health check: <a href="/health">/health</a></p>
    <p>Connect a WebSocket client to receive live sync updates.</p>
</body>
</html>`, r.Host)
}

// GetAddr returns the bound listen address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
