// Package relay writes correction frames to the receiver's serial link,
// one whole frame at a time, in arrival order.
package relay

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Writer is the serialized write side of the serial link. The serial
// supervisor satisfies it.
type Writer interface {
	Write(p []byte) (int, error)
}

// Frame is one opaque correction message with its arrival time. Frames are
// never retried: a missed correction is superseded by the next one.
type Frame struct {
	Received time.Time
	Data     []byte
}

type Relay struct {
	w Writer
	q chan Frame

	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
	closed  atomic.Bool

	written   atomic.Uint64
	dropped   atomic.Uint64
	writeErrs atomic.Uint64
}

type Snapshot struct {
	QueueLen    int    `json:"queue_len"`
	Written     uint64 `json:"written"`
	Dropped     uint64 `json:"dropped"`
	WriteErrors uint64 `json:"write_errors"`
}

func New(w Writer, queueSize int) *Relay {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Relay{w: w, q: make(chan Frame, queueSize), done: make(chan struct{})}
}

// Offer enqueues a frame without blocking. It reports false and drops the
// frame when the queue is full (the serial link is slower than the
// correction stream; stale frames are worthless anyway).
func (r *Relay) Offer(data []byte) bool {
	f := Frame{Received: time.Now(), Data: data}
	select {
	case r.q <- f:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Start launches the single writer goroutine.
func (r *Relay) Start(ctx context.Context) error {
	if r.started.Swap(true) {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go func() {
		defer close(r.done)
		r.runLoop(runCtx)
	}()
	return nil
}

func (r *Relay) Close() {
	if r == nil || r.closed.Swap(true) {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.started.Load() {
		<-r.done
	}
}

func (r *Relay) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	return Snapshot{
		QueueLen:    len(r.q),
		Written:     r.written.Load(),
		Dropped:     r.dropped.Load(),
		WriteErrors: r.writeErrs.Load(),
	}
}

func (r *Relay) runLoop(ctx context.Context) {
	var lastLogged time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-r.q:
			if _, err := r.w.Write(f.Data); err != nil {
				// The supervisor treats the failed write as a link
				// health signal; the frame itself is just dropped.
				r.writeErrs.Add(1)
				if time.Since(lastLogged) > 5*time.Second {
					log.Printf("relay: correction write failed: %v", err)
					lastLogged = time.Now()
				}
				continue
			}
			r.written.Add(1)
		}
	}
}
