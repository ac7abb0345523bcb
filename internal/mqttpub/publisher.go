// Package mqttpub republishes position samples to an MQTT broker for
// consumers that prefer a broker over a direct TCP connection.
package mqttpub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"gnss-streamer/internal/sample"
)

type Config struct {
	Enable bool

	// Broker is the paho broker URL, e.g. "tcp://localhost:1883".
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
	Retain   bool
}

type Snapshot struct {
	Broker    string `json:"broker"`
	Topic     string `json:"topic"`
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Skipped   uint64 `json:"skipped"`
}

// newClientFn is swapped in tests.
var newClientFn = mqtt.NewClient

type Publisher struct {
	cfg    Config
	hub    *sample.Hub
	client mqtt.Client

	started atomic.Bool
	closed  atomic.Bool
	subID   int
	done    chan struct{}

	published atomic.Uint64
	skipped   atomic.Uint64
}

func New(cfg Config, hub *sample.Hub) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker URL is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "gnss-streamer"
	}
	if cfg.Topic == "" {
		cfg.Topic = "gnss/position"
	}
	return &Publisher{cfg: cfg, hub: hub, done: make(chan struct{})}, nil
}

func (p *Publisher) Start(ctx context.Context) error {
	if p.started.Swap(true) {
		return nil
	}

	opts := mqtt.NewClientOptions().
		AddBroker(p.cfg.Broker).
		SetClientID(p.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)
	if p.cfg.Username != "" {
		opts.SetUsername(p.cfg.Username)
		opts.SetPassword(p.cfg.Password)
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("mqtt: connected to %s", p.cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("mqtt: connection lost: %v", err)
	})

	p.client = newClientFn(opts)
	// ConnectRetry keeps trying in the background; a broker that is down
	// at startup must not take the daemon with it.
	p.client.Connect()

	id, ch := p.hub.Subscribe(64)
	p.subID = id
	go p.runLoop(ctx, ch)
	return nil
}

func (p *Publisher) runLoop(ctx context.Context, ch <-chan sample.Sample) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-ch:
			if !ok {
				return
			}
			if !p.client.IsConnectionOpen() {
				p.skipped.Add(1)
				continue
			}
			payload, err := json.Marshal(s)
			if err != nil {
				p.skipped.Add(1)
				continue
			}
			// Fire and forget; paho buffers in-flight messages and
			// waiting here would stall behind a slow broker.
			p.client.Publish(p.cfg.Topic, p.cfg.QoS, p.cfg.Retain, payload)
			p.published.Add(1)
		}
	}
}

func (p *Publisher) Close() {
	if p.closed.Swap(true) {
		return
	}
	if p.started.Load() {
		p.hub.Unsubscribe(p.subID)
		<-p.done
	}
	if p.client != nil {
		p.client.Disconnect(250)
	}
}

func (p *Publisher) Snapshot() Snapshot {
	snap := Snapshot{
		Broker:    p.cfg.Broker,
		Topic:     p.cfg.Topic,
		Published: p.published.Load(),
		Skipped:   p.skipped.Load(),
	}
	if p.client != nil {
		snap.Connected = p.client.IsConnectionOpen()
	}
	return snap
}
