// Package gateway bridges subscription-hub updates to WebSocket views.
// Each connection is one hub consumer: a SUBSCRIBE answers with the current
// state of the named instruments and then streams live updates until the
// view unsubscribes or disconnects.
package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"feedsync/internal/marketdata/hub"
	"feedsync/internal/model"
)

// Source answers point queries against the live instrument state.
type Source interface {
	QueryLatest(seg model.Segment, token uint32) (model.State, bool)
	Lookup(seg model.Segment, token uint32) (model.Instrument, bool)
}

// Config tunes per-connection buffering.
type Config struct {
	SendBuffer   int           // queued control messages per client, default 64
	TickBuffer   int           // queued live updates per client, default 1024
	PingInterval time.Duration // default 30s
	ReadTimeout  time.Duration // default 60s
	WriteTimeout time.Duration // default 10s
	MaxSubs      int           // instruments per client, default 2000
}

func (c *Config) defaults() {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = 1024
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.MaxSubs <= 0 {
		c.MaxSubs = 2000
	}
}

// Server owns the set of connected views.
type Server struct {
	cfg      Config
	src      Source
	hub      *hub.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client

	drops   atomic.Uint64
	Latency *LatencyTracker

	// OnClients is called with the connected count after every change.
	OnClients func(n int)
	// OnDrop is called when a live update is dropped for a slow view.
	OnDrop func()
}

// NewServer creates a gateway over src and h.
func NewServer(cfg Config, src Source, h *hub.Hub, logger *zap.Logger) *Server {
	cfg.defaults()
	return &Server{
		cfg:    cfg,
		src:    src,
		hub:    h,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
		clients: make(map[string]*Client),
		Latency: NewLatencyTracker(10000),
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	conn.EnableWriteCompression(true)

	id := uuid.NewString()
	c := &Client{
		id:       id,
		conn:     conn,
		server:   s,
		send:     make(chan []byte, s.cfg.SendBuffer),
		ticks:    make(chan model.Tick, s.cfg.TickBuffer),
		done:     make(chan struct{}),
		consumer: s.hub.NewConsumer("ws:" + id),
		subs:     make(map[model.Key]hub.SubscriptionID),
	}

	s.mu.Lock()
	s.clients[id] = c
	n := len(s.clients)
	s.mu.Unlock()
	s.notifyClients(n)

	s.logger.Info("ws client connected", zap.String("client", id), zap.Int("total", n))

	c.sendJSON(WelcomeMsg{Type: msgWelcome, ClientID: id})
	go c.writePump()
	go c.readPump()
}

// remove tears a client down. After it returns the hub no longer invokes
// the client's callbacks.
func (s *Server) remove(c *Client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	if !ok {
		return
	}
	c.consumer.Close()
	close(c.done)
	s.notifyClients(n)
	s.logger.Info("ws client disconnected",
		zap.String("client", c.id),
		zap.Uint64("dropped", c.drops.Load()),
		zap.Int("total", n))
}

func (s *Server) notifyClients(n int) {
	if s.OnClients != nil {
		s.OnClients(n)
	}
}

// Clients returns the number of connected views.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Drops returns live updates dropped across all views.
func (s *Server) Drops() uint64 { return s.drops.Load() }

// Close disconnects every view.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c)
	}
	s.mu.RUnlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

func (s *Server) symbol(k model.Key) string {
	if ins, ok := s.src.Lookup(k.Segment(), k.Token()); ok {
		return ins.Symbol
	}
	return ""
}
