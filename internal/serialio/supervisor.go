// Package serialio owns the serial link to the GNSS receiver: open,
// read loop, serialized writes and reconnect-on-error with backoff.
package serialio

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Config struct {
	Device string
	Baud   int

	// ReadTimeout bounds how long a read may sit on a silent port.
	ReadTimeout time.Duration

	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// Supervisor is the only owner of the serial handle. The read loop feeds
// the configured sink; Write serializes outbound traffic (correction frames)
// against other writers and is safe to call concurrently with reads.
type Supervisor struct {
	cfg Config

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	port    io.ReadWriteCloser
	state   string
	lastErr string

	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	writeErrs atomic.Uint64
	reopens   atomic.Uint64
}

type Snapshot struct {
	Device      string `json:"device"`
	Baud        int    `json:"baud"`
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	BytesIn     uint64 `json:"bytes_in"`
	BytesOut    uint64 `json:"bytes_out"`
	WriteErrors uint64 `json:"write_errors"`
	Reopens     uint64 `json:"reopens"`
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Device == "" {
		return nil, fmt.Errorf("serial device is required")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 250 * time.Millisecond
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 10 * time.Second
	}
	return &Supervisor{cfg: cfg, state: "stopped", done: make(chan struct{})}, nil
}

// Start opens the port and begins the read loop, delivering every chunk of
// received bytes to onData. onData must not retain the slice.
func (s *Supervisor) Start(ctx context.Context, onData func(p []byte)) error {
	if s == nil {
		return fmt.Errorf("serial supervisor is nil")
	}
	if onData == nil {
		return fmt.Errorf("serial onData is nil")
	}
	if s.closed.Load() {
		return fmt.Errorf("serial supervisor is closed")
	}
	if s.started.Swap(true) {
		return fmt.Errorf("serial supervisor already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.runLoop(runCtx, onData)
	}()
	return nil
}

func (s *Supervisor) Close() {
	if s == nil {
		return
	}
	if s.closed.Swap(true) {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.closeCurrentPort()
	if s.started.Load() {
		<-s.done
	}
}

// Write sends p to the receiver in one call, serialized against any other
// writer. A failed write closes the port so the read loop reopens it.
func (s *Supervisor) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, fmt.Errorf("serial port not open")
	}
	n, err := s.port.Write(p)
	s.bytesOut.Add(uint64(n))
	if err != nil {
		s.writeErrs.Add(1)
		s.lastErr = "write: " + err.Error()
		// Link-health signal: drop the handle so the read loop reopens.
		_ = s.port.Close()
		s.port = nil
	}
	return n, err
}

func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	state := s.state
	lastErr := s.lastErr
	s.mu.Unlock()
	return Snapshot{
		Device:      s.cfg.Device,
		Baud:        s.cfg.Baud,
		State:       state,
		LastError:   lastErr,
		BytesIn:     s.bytesIn.Load(),
		BytesOut:    s.bytesOut.Load(),
		WriteErrors: s.writeErrs.Load(),
		Reopens:     s.reopens.Load(),
	}
}

func (s *Supervisor) runLoop(ctx context.Context, onData func(p []byte)) {
	backoff := s.cfg.ReconnectMin
	first := true

	for {
		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}

		s.setState("connecting", "")
		port, err := openPortFn(s.cfg.Device, s.cfg.Baud, s.cfg.ReadTimeout)
		if err != nil {
			s.setState("error", fmt.Sprintf("open %s: %v", s.cfg.Device, err))
			if first {
				log.Printf("serial: open %s failed: %v (retrying)", s.cfg.Device, err)
				first = false
			}
			if !sleepCtx(ctx, backoff) {
				s.setState("stopped", "")
				return
			}
			backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
			continue
		}

		s.mu.Lock()
		s.port = port
		s.mu.Unlock()
		s.setState("reading", "")
		s.reopens.Add(1)
		backoff = s.cfg.ReconnectMin
		first = false
		log.Printf("serial: open device=%s baud=%d", s.cfg.Device, s.cfg.Baud)

		// Unblock the pending read when the context ends.
		stop := context.AfterFunc(ctx, func() { _ = port.Close() })

		buf := make([]byte, 4096)
		for {
			n, rerr := port.Read(buf)
			if n > 0 {
				s.bytesIn.Add(uint64(n))
				onData(buf[:n])
			}
			if rerr != nil {
				break
			}
			// A write failure may have dropped the handle under us.
			s.mu.Lock()
			gone := s.port != port
			s.mu.Unlock()
			if gone {
				break
			}
		}
		stop()
		s.closeCurrentPort()

		if ctx.Err() != nil {
			s.setState("stopped", "")
			return
		}
		s.setState("error", "read loop ended")
		log.Printf("serial: read loop on %s ended, reconnecting", s.cfg.Device)
		if !sleepCtx(ctx, backoff) {
			s.setState("stopped", "")
			return
		}
		backoff = nextBackoff(backoff, s.cfg.ReconnectMax)
	}
}

func (s *Supervisor) closeCurrentPort() {
	s.mu.Lock()
	port := s.port
	s.port = nil
	s.mu.Unlock()
	if port != nil {
		_ = port.Close()
	}
}

func (s *Supervisor) setState(state, lastErr string) {
	s.mu.Lock()
	s.state = state
	if lastErr != "" {
		s.lastErr = lastErr
	} else if state == "reading" || state == "stopped" {
		s.lastErr = ""
	}
	s.mu.Unlock()
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
