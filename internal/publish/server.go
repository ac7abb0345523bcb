// Package publish is the client-facing TCP server. Every position sample,
// real or synthetic, is encoded once as a JSON line and fanned out to all
// connected clients, each with its own bounded queue and writer goroutine
// so one slow client never delays the rest.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gnss-streamer/internal/sample"
)

type Config struct {
	Listen string

	// MaxClients caps concurrent connections; 0 means unbounded.
	MaxClients int

	// ClientQueue is the per-client outbound queue depth. When a client
	// falls behind, the oldest queued record is dropped to make room
	// (drop-oldest policy: late data is worse than missing data for a
	// live position stream).
	ClientQueue int

	WriteTimeout time.Duration
}

type Server struct {
	cfg Config
	hub *sample.Hub

	ln     net.Listener
	subID  int
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	clients map[int]*client
	nextID  int

	accepted  atomic.Uint64
	refused   atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

type client struct {
	id     int
	conn   net.Conn
	q      chan []byte
	closed sync.Once
	done   chan struct{}
}

type Snapshot struct {
	Listen    string `json:"listen"`
	Clients   int    `json:"clients"`
	Accepted  uint64 `json:"accepted"`
	Refused   uint64 `json:"refused"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

func New(cfg Config, hub *sample.Hub) (*Server, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("publish listen address is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("publish hub is nil")
	}
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 128
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Server{cfg: cfg, hub: hub, clients: make(map[int]*client)}, nil
}

// Start binds the listener (a bind failure is fatal to the caller) and
// launches the accept and fan-out loops.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("publish server is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("publish server is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("publish server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	// Unblock Accept on shutdown.
	stop := context.AfterFunc(runCtx, func() { _ = ln.Close() })

	id, ch := s.hub.Subscribe(256)
	s.subID = id

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer stop()
		s.acceptLoop(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.fanoutLoop(runCtx, ch)
	}()

	log.Printf("publish: listening on %s", s.cfg.Listen)
	return nil
}

func (s *Server) Close() {
	if s == nil || s.closed.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.hub.Unsubscribe(s.subID)

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		s.remove(c, "server shutdown")
	}

	if s.started.Load() {
		s.wg.Wait()
	}
}

func (s *Server) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	n := len(s.clients)
	s.mu.Unlock()
	return Snapshot{
		Listen:    s.cfg.Listen,
		Clients:   n,
		Accepted:  s.accepted.Load(),
		Refused:   s.refused.Load(),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

// Addr returns the bound listen address (useful when the config port is 0).
func (s *Server) Addr() net.Addr {
	if s == nil || s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("publish: accept: %v", err)
			return
		}

		s.mu.Lock()
		if s.cfg.MaxClients > 0 && len(s.clients) >= s.cfg.MaxClients {
			s.mu.Unlock()
			s.refused.Add(1)
			log.Printf("publish: refusing %s: client limit %d reached", conn.RemoteAddr(), s.cfg.MaxClients)
			_ = conn.Close()
			continue
		}
		id := s.nextID
		s.nextID++
		c := &client{
			id:   id,
			conn: conn,
			q:    make(chan []byte, s.cfg.ClientQueue),
			done: make(chan struct{}),
		}
		s.clients[id] = c
		s.mu.Unlock()
		s.accepted.Add(1)
		log.Printf("publish: client %d connected from %s", id, conn.RemoteAddr())

		s.wg.Add(2)
		go func() {
			defer s.wg.Done()
			s.writeLoop(c)
		}()
		go func() {
			defer s.wg.Done()
			// Clients send nothing meaningful; reading detects remote close.
			_, _ = io.Copy(io.Discard, conn)
			s.remove(c, "remote closed")
		}()
	}
}

func (s *Server) fanoutLoop(ctx context.Context, ch <-chan sample.Sample) {
	for {
		select {
		case <-ctx.Done():
			return
		case smp, ok := <-ch:
			if !ok {
				return
			}
			rec, err := json.Marshal(smp)
			if err != nil {
				log.Printf("publish: marshal sample: %v", err)
				continue
			}
			rec = append(rec, '\n')

			s.mu.Lock()
			clients := make([]*client, 0, len(s.clients))
			for _, c := range s.clients {
				clients = append(clients, c)
			}
			s.mu.Unlock()

			for _, c := range clients {
				s.enqueue(c, rec)
			}
		}
	}
}

// enqueue offers a record to one client, dropping that client's oldest
// queued record when its queue is full.
func (s *Server) enqueue(c *client, rec []byte) {
	select {
	case c.q <- rec:
		return
	default:
	}
	select {
	case <-c.q:
		s.dropped.Add(1)
	default:
	}
	select {
	case c.q <- rec:
	default:
		s.dropped.Add(1)
	}
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case <-c.done:
			return
		case rec := <-c.q:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if _, err := c.conn.Write(rec); err != nil {
				s.remove(c, err.Error())
				return
			}
			s.delivered.Add(1)
		}
	}
}

// remove takes a client out of the live set and releases its resources.
// Safe to call more than once per client.
func (s *Server) remove(c *client, reason string) {
	c.closed.Do(func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
		log.Printf("publish: client %d disconnected: %s", c.id, reason)
	})
}
