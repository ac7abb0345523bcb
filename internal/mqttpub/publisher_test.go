package mqttpub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gnss-streamer/internal/sample"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	connected bool
	msgs      []published
}

func (c *fakeClient) IsConnected() bool { return c.IsConnectionOpen() }
func (c *fakeClient) IsConnectionOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}
func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return fakeToken{}
}
func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic, qos, retained, append([]byte(nil), payload.([]byte)...)})
	c.mu.Unlock()
	return fakeToken{}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return fakeToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return fakeToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func swapNewClient(t *testing.T, c mqtt.Client) {
	t.Helper()
	prev := newClientFn
	newClientFn = func(*mqtt.ClientOptions) mqtt.Client { return c }
	t.Cleanup(func() { newClientFn = prev })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPublisher_PublishesSamples(t *testing.T) {
	fc := &fakeClient{}
	swapNewClient(t, fc)

	hub := sample.NewHub()
	p, err := New(Config{Broker: "tcp://localhost:1883", Topic: "test/pos", QoS: 1}, hub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	want := sample.Sample{Time: time.Now().UTC(), Lat: 48.1, Lon: 11.5, NumSV: 7}
	hub.Publish(want)

	waitFor(t, "publish", func() bool { return len(fc.messages()) == 1 })
	msg := fc.messages()[0]
	if msg.topic != "test/pos" || msg.qos != 1 {
		t.Fatalf("topic=%q qos=%d", msg.topic, msg.qos)
	}
	var got sample.Sample
	if err := json.Unmarshal(msg.payload, &got); err != nil {
		t.Fatalf("payload: %v (%q)", err, msg.payload)
	}
	if got.Lat != want.Lat || got.NumSV != 7 {
		t.Fatalf("got %+v", got)
	}
	if snap := p.Snapshot(); snap.Published != 1 || !snap.Connected {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestPublisher_SkipsWhileDisconnected(t *testing.T) {
	fc := &fakeClient{}
	swapNewClient(t, fc)

	hub := sample.NewHub()
	p, err := New(Config{Broker: "tcp://localhost:1883"}, hub)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Close()

	fc.Disconnect(0)
	hub.Publish(sample.Sample{Time: time.Now().UTC()})

	waitFor(t, "skip", func() bool { return p.Snapshot().Skipped == 1 })
	if got := len(fc.messages()); got != 0 {
		t.Fatalf("published %d messages while disconnected", got)
	}
}

func TestPublisher_RequiresBroker(t *testing.T) {
	if _, err := New(Config{}, sample.NewHub()); err == nil {
		t.Fatalf("expected error for missing broker")
	}
}

func TestPublisher_Defaults(t *testing.T) {
	p, err := New(Config{Broker: "tcp://b:1883"}, sample.NewHub())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.cfg.Topic != "gnss/position" || p.cfg.ClientID != "gnss-streamer" {
		t.Fatalf("defaults: %+v", p.cfg)
	}
}
