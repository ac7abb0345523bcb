package publish

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"gnss-streamer/internal/sample"
)

func startServer(t *testing.T, cfg Config, hub *sample.Hub) *Server {
	t.Helper()
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	s, err := New(cfg, hub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func dialServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitClients blocks until the server sees n live clients.
func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for s.Snapshot().Clients != n {
		select {
		case <-deadline:
			t.Fatalf("clients=%d never became %d", s.Snapshot().Clients, n)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func readSamples(t *testing.T, conn net.Conn, n int) []sample.Sample {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	sc := bufio.NewScanner(conn)
	out := make([]sample.Sample, 0, n)
	for len(out) < n && sc.Scan() {
		var s sample.Sample
		if err := json.Unmarshal(sc.Bytes(), &s); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		out = append(out, s)
	}
	if len(out) < n {
		t.Fatalf("read %d samples, want %d (err=%v)", len(out), n, sc.Err())
	}
	return out
}

func TestServer_FanoutToMultipleClients(t *testing.T) {
	hub := sample.NewHub()
	s := startServer(t, Config{}, hub)

	conns := []net.Conn{dialServer(t, s), dialServer(t, s), dialServer(t, s)}
	waitClients(t, s, len(conns))

	for i := 0; i < 5; i++ {
		hub.Publish(sample.Sample{NumSV: uint8(i), Synthetic: i%2 == 1})
	}

	for ci, conn := range conns {
		got := readSamples(t, conn, 5)
		for i, smp := range got {
			if smp.NumSV != uint8(i) {
				t.Fatalf("client %d sample %d out of order: numSV=%d", ci, i, smp.NumSV)
			}
			if smp.Synthetic != (i%2 == 1) {
				t.Fatalf("client %d sample %d synthetic flag mismatch", ci, i)
			}
		}
	}
}

func TestServer_DisconnectIsolated(t *testing.T) {
	hub := sample.NewHub()
	s := startServer(t, Config{}, hub)

	c1 := dialServer(t, s)
	c2 := dialServer(t, s)
	waitClients(t, s, 2)

	c1.Close()
	waitClients(t, s, 1)

	hub.Publish(sample.Sample{NumSV: 7})
	got := readSamples(t, c2, 1)
	if got[0].NumSV != 7 {
		t.Fatalf("numSV=%d want 7", got[0].NumSV)
	}
}

func TestServer_NoReplayToLateJoiner(t *testing.T) {
	hub := sample.NewHub()
	s := startServer(t, Config{}, hub)

	c1 := dialServer(t, s)
	waitClients(t, s, 1)
	hub.Publish(sample.Sample{NumSV: 1})
	readSamples(t, c1, 1)

	late := dialServer(t, s)
	waitClients(t, s, 2)
	hub.Publish(sample.Sample{NumSV: 2})

	got := readSamples(t, late, 1)
	if got[0].NumSV != 2 {
		t.Fatalf("late joiner saw numSV=%d want 2 (replayed old sample?)", got[0].NumSV)
	}
}

func TestServer_SlowClientDoesNotBlockOthers(t *testing.T) {
	hub := sample.NewHub()
	s := startServer(t, Config{ClientQueue: 4}, hub)

	slow := dialServer(t, s) // never read from
	_ = slow
	fast := dialServer(t, s)
	waitClients(t, s, 2)

	// Read the fast client concurrently while samples flow.
	lines := make(chan sample.Sample, 256)
	go func() {
		sc := bufio.NewScanner(fast)
		for sc.Scan() {
			var smp sample.Sample
			if json.Unmarshal(sc.Bytes(), &smp) == nil {
				lines <- smp
			}
		}
		close(lines)
	}()

	const n = 200
	for i := 0; i < n; i++ {
		hub.Publish(sample.Sample{NumSV: uint8(i)})
		time.Sleep(time.Millisecond)
	}

	fast.SetReadDeadline(time.Now().Add(time.Second))
	var got []sample.Sample
	for smp := range lines {
		got = append(got, smp)
		if len(got) == n {
			break
		}
	}

	// Delivery to the fast client continued despite the stalled one.
	if len(got) < n/2 {
		t.Fatalf("fast client got %d samples, want at least %d", len(got), n/2)
	}
	last := -1
	for i, smp := range got {
		if int(smp.NumSV) <= last {
			t.Fatalf("sample %d out of order: %d after %d", i, smp.NumSV, last)
		}
		last = int(smp.NumSV)
	}
}

func TestServer_MaxClientsRefusesExtra(t *testing.T) {
	hub := sample.NewHub()
	s := startServer(t, Config{MaxClients: 1}, hub)

	dialServer(t, s)
	waitClients(t, s, 1)

	extra := dialServer(t, s)
	extra.SetReadDeadline(time.Now().Add(2 * time.Second))
	// The refused connection is closed by the server without data.
	buf := make([]byte, 1)
	if _, err := extra.Read(buf); err == nil {
		t.Fatalf("expected refused connection to be closed")
	}
	if s.Snapshot().Refused != 1 {
		t.Fatalf("refused=%d want 1", s.Snapshot().Refused)
	}
}

func TestServer_BindFailureIsError(t *testing.T) {
	hub := sample.NewHub()
	s1 := startServer(t, Config{}, hub)

	s2, err := New(Config{Listen: s1.Addr().String()}, hub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s2.Start(context.Background()); err == nil {
		s2.Close()
		t.Fatalf("expected bind error on occupied address")
	}
}
