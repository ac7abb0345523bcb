// Package ntrip maintains the session with a network correction service
// (an NTRIP caster) and forwards whole, CRC-verified correction frames to
// the serial relay.
package ntrip

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// State is the correction session state. Transitions happen only inside the
// session loop.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

type Config struct {
	Host       string
	Port       int
	Mountpoint string
	Username   string
	Password   string

	DialTimeout time.Duration

	// LivenessTimeout declares the session dead when no bytes arrive for
	// this long, even without a hard read error.
	LivenessTimeout time.Duration

	BackoffMin time.Duration
	BackoffMax time.Duration

	// SendGGA uploads an NMEA GGA position report to the caster every
	// GGAInterval while streaming; VRS casters require it.
	SendGGA     bool
	GGAInterval time.Duration

	UserAgent string
}

// Client runs the correction session. Received frames are handed to sink,
// which must not block (the relay's Offer is the intended sink). gga, when
// non-nil, supplies the sentence for periodic position upload.
type Client struct {
	cfg  Config
	sink func(frame []byte) bool
	gga  func() (string, bool)

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	state atomic.Int32

	mu        sync.Mutex
	lastErr   string
	lastByte  time.Time
	backoff   time.Duration
	splitter  rtcmSplitter
	bytesIn   atomic.Uint64
	forwarded atomic.Uint64
	sinkFull  atomic.Uint64
}

type Snapshot struct {
	State       string `json:"state"`
	LastError   string `json:"last_error,omitempty"`
	LastByteUTC string `json:"last_byte_utc,omitempty"`
	Backoff     string `json:"backoff,omitempty"`
	BytesIn     uint64 `json:"bytes_in"`
	Frames      uint64 `json:"frames"`
	Forwarded   uint64 `json:"forwarded"`
	CRCErrors   uint64 `json:"crc_errors"`
	SinkFull    uint64 `json:"sink_full"`
}

func New(cfg Config, sink func(frame []byte) bool, gga func() (string, bool)) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("ntrip host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 2101
	}
	if cfg.Mountpoint == "" {
		return nil, fmt.Errorf("ntrip mountpoint is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("ntrip sink is nil")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 5 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.GGAInterval <= 0 {
		cfg.GGAInterval = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "NTRIP gnss-streamer"
	}
	c := &Client{
		cfg:     cfg,
		sink:    sink,
		gga:     gga,
		done:    make(chan struct{}),
		backoff: cfg.BackoffMin,
	}
	c.state.Store(int32(StateDisconnected))
	return c, nil
}

func (c *Client) Start(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("ntrip client is nil")
	}
	if c.closed.Load() {
		return fmt.Errorf("ntrip client is closed")
	}
	if c.started.Swap(true) {
		return fmt.Errorf("ntrip client already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go func() {
		defer close(c.done)
		c.runLoop(runCtx)
	}()
	return nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.closed.Swap(true) {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.started.Load() {
		<-c.done
	}
}

// State returns the current session state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	lastErr := c.lastErr
	lastByte := c.lastByte
	backoff := c.backoff
	c.mu.Unlock()
	fs := c.splitter.snapshot()

	out := Snapshot{
		State:     c.State().String(),
		LastError: lastErr,
		Backoff:   backoff.String(),
		BytesIn:   c.bytesIn.Load(),
		Frames:    fs.Frames,
		Forwarded: c.forwarded.Load(),
		CRCErrors: fs.CRCErrors,
		SinkFull:  c.sinkFull.Load(),
	}
	if !lastByte.IsZero() {
		out.LastByteUTC = lastByte.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (c *Client) runLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			c.setState(StateDisconnected, "")
			return
		}

		c.mu.Lock()
		backoff := c.backoff
		c.backoff = nextBackoff(c.backoff, c.cfg.BackoffMax)
		c.mu.Unlock()

		c.setState(StateReconnecting, err.Error())
		log.Printf("ntrip: session ended: %v (reconnecting in %s)", err, backoff)
		if !sleepCtx(ctx, backoff) {
			c.setState(StateDisconnected, "")
			return
		}
	}
}

// session runs one connect/authenticate/stream cycle and returns the error
// that ended it.
func (c *Client) session(ctx context.Context) error {
	c.setState(StateConnecting, "")
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprint(c.cfg.Port))
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	// Unblock pending reads on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c.setState(StateAuthenticating, "")
	if err := c.handshake(conn); err != nil {
		return err
	}

	c.setState(StateStreaming, "")
	log.Printf("ntrip: streaming from %s/%s", addr, c.cfg.Mountpoint)
	// Entering Streaming proves the endpoint works; restart the ladder.
	c.mu.Lock()
	c.backoff = c.cfg.BackoffMin
	c.mu.Unlock()

	lastGGA := time.Now()
	buf := make([]byte, 4096)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))
		n, rerr := conn.Read(buf)
		if n > 0 {
			c.bytesIn.Add(uint64(n))
			c.mu.Lock()
			c.lastByte = time.Now()
			frames := c.splitter.Feed(buf[:n])
			c.mu.Unlock()
			for _, f := range frames {
				if c.sink(f) {
					c.forwarded.Add(1)
				} else {
					c.sinkFull.Add(1)
				}
			}
		}
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("no correction data for %s", c.cfg.LivenessTimeout)
			}
			return fmt.Errorf("read: %w", rerr)
		}

		if c.cfg.SendGGA && c.gga != nil && time.Since(lastGGA) >= c.cfg.GGAInterval {
			if sentence, ok := c.gga(); ok {
				if _, werr := conn.Write([]byte(sentence + "\r\n")); werr != nil {
					return fmt.Errorf("gga write: %w", werr)
				}
			}
			lastGGA = time.Now()
		}
	}
}

// handshake sends the mountpoint request and reads the caster's verdict.
func (c *Client) handshake(conn net.Conn) error {
	var req strings.Builder
	fmt.Fprintf(&req, "GET /%s HTTP/1.1\r\n", c.cfg.Mountpoint)
	fmt.Fprintf(&req, "Host: %s\r\n", c.cfg.Host)
	fmt.Fprintf(&req, "Ntrip-Version: Ntrip/2.0\r\n")
	fmt.Fprintf(&req, "User-Agent: %s\r\n", c.cfg.UserAgent)
	if c.cfg.Username != "" || c.cfg.Password != "" {
		cred := base64.StdEncoding.EncodeToString(
			[]byte(c.cfg.Username + ":" + c.cfg.Password))
		fmt.Fprintf(&req, "Authorization: Basic %s\r\n", cred)
	}
	req.WriteString("Connection: close\r\n\r\n")

	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.DialTimeout))
	if _, err := conn.Write([]byte(req.String())); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	r := bufio.NewReader(conn)
	statusLine, err := r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	statusLine = strings.TrimSpace(statusLine)

	switch {
	case strings.HasPrefix(statusLine, "ICY 200"):
		// NTRIP rev1: no headers follow, correction bytes start now.
	case strings.HasPrefix(statusLine, "HTTP/") && strings.Contains(statusLine, " 200 "):
		if err := discardHeaders(r); err != nil {
			return err
		}
	case strings.HasPrefix(statusLine, "SOURCETABLE"):
		return fmt.Errorf("mountpoint %q not found (caster sent sourcetable)", c.cfg.Mountpoint)
	default:
		return fmt.Errorf("caster rejected request: %q", statusLine)
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Hand any correction bytes the reader already buffered to the stream
	// path so no frame prefix is lost.
	if n := r.Buffered(); n > 0 {
		pre := make([]byte, n)
		if _, err := r.Read(pre); err != nil {
			return fmt.Errorf("drain response buffer: %w", err)
		}
		c.bytesIn.Add(uint64(n))
		c.mu.Lock()
		c.lastByte = time.Now()
		frames := c.splitter.Feed(pre)
		c.mu.Unlock()
		for _, f := range frames {
			if c.sink(f) {
				c.forwarded.Add(1)
			} else {
				c.sinkFull.Add(1)
			}
		}
	}
	return nil
}

func discardHeaders(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read headers: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
	}
}

func (c *Client) setState(s State, lastErr string) {
	c.state.Store(int32(s))
	c.mu.Lock()
	if lastErr != "" {
		c.lastErr = lastErr
	} else if s == StateStreaming || s == StateDisconnected {
		c.lastErr = ""
	}
	c.mu.Unlock()
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
