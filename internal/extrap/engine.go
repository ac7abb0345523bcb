// Package extrap raises the effective output rate by projecting the most
// recent real fix forward along its velocity between receiver reports.
package extrap

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gnss-streamer/internal/geo"
	"gnss-streamer/internal/sample"
)

type Config struct {
	// Interval is the synthetic sample tick. Must be shorter than the
	// receiver's native report interval to be useful.
	Interval time.Duration

	// Horizon is the maximum age of the baseline fix beyond which no
	// synthetic samples are produced.
	Horizon time.Duration
}

// Engine holds the extrapolation baseline (the latest real fix, plus the
// previous one for velocity fallback) and emits synthetic samples on a
// fixed tick.
type Engine struct {
	cfg Config
	hub *sample.Hub

	mu    sync.Mutex
	last  *sample.Sample
	prev  *sample.Sample
	frame *geo.ENU
	stale bool

	emitted atomic.Uint64
	skipped atomic.Uint64
}

type Snapshot struct {
	Interval    string `json:"interval"`
	Horizon     string `json:"horizon"`
	HasBaseline bool   `json:"has_baseline"`
	BaselineUTC string `json:"baseline_utc,omitempty"`
	Emitted     uint64 `json:"emitted"`
	Skipped     uint64 `json:"skipped"`
}

func New(cfg Config, hub *sample.Hub) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 1 * time.Second
	}
	return &Engine{cfg: cfg, hub: hub}
}

// Observe resets the extrapolation baseline to a new real fix. Synthetic
// samples are ignored so the engine never feeds on its own output.
func (e *Engine) Observe(s sample.Sample) {
	if s.Synthetic {
		return
	}
	e.mu.Lock()
	e.prev = e.last
	e.last = &s
	if e.frame == nil {
		// Anchor the local ENU frame at the first fix. Projection
		// distances stay tiny relative to the frame, so one anchor
		// for the process lifetime is fine.
		e.frame = geo.NewENU(s.Lat, s.Lon, s.Height)
	}
	e.stale = false
	e.mu.Unlock()
}

// Run ticks until ctx is done, publishing a synthetic sample whenever the
// baseline is fresh enough to project from.
func (e *Engine) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s, ok := e.Extrapolate(time.Now().UTC()); ok {
				e.hub.Publish(s)
				e.emitted.Add(1)
			} else {
				e.skipped.Add(1)
			}
		}
	}
}

// Extrapolate projects the baseline fix to now. It returns ok=false when
// there is no baseline, the baseline is stale (older than the horizon),
// now does not lie strictly after the baseline, or no velocity is known.
func (e *Engine) Extrapolate(now time.Time) (sample.Sample, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.last == nil || e.frame == nil {
		return sample.Sample{}, false
	}
	base := *e.last

	dt := now.Sub(base.Time).Seconds()
	if dt <= 0 {
		return sample.Sample{}, false
	}
	if dt > e.cfg.Horizon.Seconds() {
		if !e.stale {
			e.stale = true
			log.Printf("extrap: baseline %.1fs old exceeds horizon %s, suspending synthetic output",
				dt, e.cfg.Horizon)
		}
		return sample.Sample{}, false
	}

	vE, vN, vU, ok := e.velocityLocked(base)
	if !ok {
		return sample.Sample{}, false
	}

	east, north, up := e.frame.Forward(base.Lat, base.Lon, base.Height)
	east += vE * dt
	north += vN * dt
	up += vU * dt
	lat, lon, height := e.frame.Inverse(east, north, up)

	out := base
	out.Time = now
	out.GNSSTime = nil
	out.Lat = lat
	out.Lon = lon
	out.Height = height
	// The local geoid separation is constant for our purposes.
	out.HMSL = height - (base.Height - base.HMSL)
	out.VelN, out.VelE, out.VelD = vN, vE, -vU
	out.HasVel = true
	out.Synthetic = true
	return out, true
}

// velocityLocked returns the baseline's ENU velocity, deriving it from the
// previous fix when the source carries no velocity of its own.
func (e *Engine) velocityLocked(base sample.Sample) (vE, vN, vU float64, ok bool) {
	if base.HasVel {
		return base.VelE, base.VelN, -base.VelD, true
	}
	if e.prev == nil {
		return 0, 0, 0, false
	}
	dtPos := base.Time.Sub(e.prev.Time).Seconds()
	if dtPos <= 0 {
		return 0, 0, 0, false
	}
	e1, n1, u1 := e.frame.Forward(base.Lat, base.Lon, base.Height)
	e0, n0, u0 := e.frame.Forward(e.prev.Lat, e.prev.Lon, e.prev.Height)
	return (e1 - e0) / dtPos, (n1 - n0) / dtPos, (u1 - u0) / dtPos, true
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	last := e.last
	e.mu.Unlock()

	out := Snapshot{
		Interval: e.cfg.Interval.String(),
		Horizon:  e.cfg.Horizon.String(),
		Emitted:  e.emitted.Load(),
		Skipped:  e.skipped.Load(),
	}
	if last != nil {
		out.HasBaseline = true
		out.BaselineUTC = last.Time.UTC().Format(time.RFC3339Nano)
	}
	return out
}
