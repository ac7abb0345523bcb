// Package statusled drives a GPIO status LED reflecting fix quality, so a
// headless rover shows at a glance whether corrections are working:
// off = no fix, slow blink = plain fix, fast blink = RTK float,
// solid = RTK fixed.
package statusled

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gnss-streamer/internal/sample"
	"gnss-streamer/internal/ubx"
)

type Config struct {
	Enable bool

	// Pin is the BCM GPIO number driving the LED.
	Pin int
}

// driver is a single digital output line.
type driver interface {
	Set(on bool) error
	Close() error
}

const (
	modeOff   = "off"
	modeSlow  = "slow"
	modeFast  = "fast"
	modeSolid = "solid"
)

// fixStale is how long after the last fix the LED falls back to off.
const fixStale = 3 * time.Second

const tick = 100 * time.Millisecond

type Snapshot struct {
	Pin  int    `json:"pin"`
	Mode string `json:"mode"`
}

type Service struct {
	cfg Config
	hub *sample.Hub
	drv driver

	started atomic.Bool
	closed  atomic.Bool
	subID   int
	done    chan struct{}

	mu     sync.Mutex
	mode   string
	lastAt time.Time
	carr   uint8
}

func New(cfg Config, hub *sample.Hub) *Service {
	return &Service{cfg: cfg, hub: hub, done: make(chan struct{}), mode: modeOff}
}

func (s *Service) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	drv, err := openLEDFn(s.cfg.Pin)
	if err != nil {
		return err
	}
	s.drv = drv

	id, ch := s.hub.Subscribe(8)
	s.subID = id
	go s.runLoop(ctx, ch)
	return nil
}

func (s *Service) runLoop(ctx context.Context, ch <-chan sample.Sample) {
	defer close(s.done)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var phase int
	lit := false
	set := func(on bool) {
		if on == lit {
			return
		}
		if err := s.drv.Set(on); err != nil {
			log.Printf("statusled: set failed: %v", err)
			return
		}
		lit = on
	}

	for {
		select {
		case <-ctx.Done():
			set(false)
			return
		case v, ok := <-ch:
			if !ok {
				set(false)
				return
			}
			if v.Synthetic {
				continue
			}
			s.mu.Lock()
			s.lastAt = v.Time
			s.carr = v.CarrSoln
			s.mu.Unlock()
		case <-ticker.C:
			phase++
			mode := s.currentMode(time.Now())
			switch mode {
			case modeSolid:
				set(true)
			case modeFast:
				set(phase%2 == 0)
			case modeSlow:
				set(phase%10 < 5)
			default:
				set(false)
			}
		}
	}
}

func (s *Service) currentMode(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.lastAt.IsZero() || now.Sub(s.lastAt) > fixStale:
		s.mode = modeOff
	case s.carr == ubx.CarrFixed:
		s.mode = modeSolid
	case s.carr == ubx.CarrFloat:
		s.mode = modeFast
	default:
		s.mode = modeSlow
	}
	return s.mode
}

func (s *Service) Close() {
	if s.closed.Swap(true) {
		return
	}
	if s.started.Load() && s.drv != nil {
		s.hub.Unsubscribe(s.subID)
		<-s.done
		_ = s.drv.Close()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Pin: s.cfg.Pin, Mode: s.mode}
}
