// ABOUTME: Diagnostics server for the playback engine
// ABOUTME: Serves the status document over HTTP and playback events over WebSocket
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/playout/internal/events"
	"github.com/Resonate-Protocol/playout/internal/protocol"
	"github.com/Resonate-Protocol/playout/internal/version"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeDeadline = 10 * time.Second
	pingPeriod    = 30 * time.Second
	pongWait      = 2 * pingPeriod

	// Client request for a status message on the event stream
	TypeStatusRequest = "client/status"
)

// Source is the engine as seen by the server.
type Source interface {
	Status() protocol.Status
	Bus() *events.Bus
	SampleRate() int
}

// Config holds server configuration
type Config struct {
	Port int
	Name string
	// EventBuffer is the per-connection event queue. Events beyond it are
	// dropped by the bus.
	EventBuffer int
	Logger      *log.Logger
}

// Server serves /status and /events.
type Server struct {
	config   Config
	serverID string
	source   Source
	logger   *log.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// Closed on shutdown so hijacked connections end too
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   int
}

// New creates a server for source.
func New(config Config, source Source) *Server {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = 64
	}
	s := &Server{
		config:   config,
		serverID: uuid.New().String(),
		source:   source,
		logger:   config.Logger.WithPrefix("server"),
		mux:      http.NewServeMux(),
		stopChan: make(chan struct{}),
		upgrader: websocket.Upgrader{
			// Diagnostics are served on trusted local networks only
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/events", s.handleEvents)
	return s
}

// ID returns the server id sent in every hello.
func (s *Server) ID() string { return s.serverID }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Connections returns the number of open event streams.
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return s.conns
}

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	var serverErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errChan:
		if ok {
			serverErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	s.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("shutdown", "err", err)
	}
	s.wg.Wait()
	s.logger.Info("stopped")
	return serverErr
}

// Stop ends every open event stream.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.source.Status()); err != nil {
		s.logger.Debug("status write failed", "err", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.stopChan:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	s.wg.Add(1)
	defer s.wg.Done()
	s.handleConnection(conn)
}

// handleConnection streams events to conn until it closes or the server
// stops. Reads happen on their own goroutine; all writes happen here.
func (s *Server) handleConnection(conn *websocket.Conn) {
	defer conn.Close()

	s.connsMu.Lock()
	s.conns++
	s.connsMu.Unlock()
	defer func() {
		s.connsMu.Lock()
		s.conns--
		s.connsMu.Unlock()
	}()

	subID := uuid.New().String()
	eventsCh := make(chan events.Event, s.config.EventBuffer)
	bus := s.source.Bus()
	if err := bus.Subscribe(subID, eventsCh); err != nil {
		s.logger.Warn("event subscription failed", "err", err)
		return
	}
	defer bus.Unsubscribe(subID)

	hello := protocol.ServerHello{
		ServerID:     s.serverID,
		Name:         s.config.Name,
		Product:      version.Product,
		Manufacturer: version.Manufacturer,
		Version:      version.Version,
		SampleRate:   s.source.SampleRate(),
	}
	if err := s.write(conn, protocol.Message{Type: protocol.TypeServerHello, Payload: hello}); err != nil {
		s.logger.Debug("hello failed", "err", err)
		return
	}

	requests := make(chan string, 4)
	readDone := make(chan struct{})
	go s.readLoop(conn, requests, readDone)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
				time.Now().Add(time.Second))
			return
		case <-readDone:
			s.logger.Debug("event stream closed")
			return
		case ev := <-eventsCh:
			if err := s.write(conn, protocol.EventMessage(ev)); err != nil {
				s.logger.Debug("event write failed", "err", err)
				return
			}
		case req := <-requests:
			if req == TypeStatusRequest {
				msg := protocol.Message{Type: protocol.TypeStatus, Payload: s.source.Status()}
				if err := s.write(conn, msg); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// readLoop handles pongs and client requests.
func (s *Server) readLoop(conn *websocket.Conn, requests chan<- string, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket error", "err", err)
			}
			return
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("bad client message", "err", err)
			continue
		}
		select {
		case requests <- msg.Type:
		default:
		}
	}
}

func (s *Server) write(conn *websocket.Conn, msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Type, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, data)
}
