package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gnss-streamer/internal/config"
	"gnss-streamer/internal/extrap"
	"gnss-streamer/internal/gnss"
	"gnss-streamer/internal/mqttpub"
	"gnss-streamer/internal/ntrip"
	"gnss-streamer/internal/publish"
	"gnss-streamer/internal/recorder"
	"gnss-streamer/internal/relay"
	"gnss-streamer/internal/sample"
	"gnss-streamer/internal/serialio"
	"gnss-streamer/internal/statusled"
	"gnss-streamer/internal/web"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "./gnss-streamer.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	startedAt := time.Now()
	hub := sample.NewHub()

	var engine *extrap.Engine
	var observe func(sample.Sample)
	if cfg.Extrapolation.Enable {
		engine = extrap.New(extrap.Config{
			Interval: cfg.Extrapolation.Interval.Std(),
			Horizon:  cfg.Extrapolation.Horizon.Std(),
		}, hub)
		observe = engine.Observe
	}

	src, err := gnss.New(gnss.Config{
		Mode: cfg.Source.Mode,
		Serial: serialio.Config{
			Device:       cfg.Serial.Device,
			Baud:         cfg.Serial.Baud,
			ReadTimeout:  cfg.Serial.ReadTimeout.Std(),
			ReconnectMin: cfg.Serial.ReconnectMin.Std(),
			ReconnectMax: cfg.Serial.ReconnectMax.Std(),
		},
	}, hub, observe)
	if err != nil {
		log.Fatalf("gnss source init failed: %v", err)
	}

	pub, err := publish.New(publish.Config{
		Listen:       cfg.Publish.Listen,
		MaxClients:   cfg.Publish.MaxClients,
		ClientQueue:  cfg.Publish.ClientQueue,
		WriteTimeout: cfg.Publish.WriteTimeout.Std(),
	}, hub)
	if err != nil {
		log.Fatalf("publish server init failed: %v", err)
	}

	log.Printf("gnss-streamer starting")

	if err := pub.Start(ctx); err != nil {
		log.Fatalf("publish server failed to listen on %s: %v", cfg.Publish.Listen, err)
	}
	defer pub.Close()

	if err := src.Start(ctx); err != nil {
		log.Fatalf("gnss source failed to start: %v", err)
	}
	defer src.Close()

	if engine != nil {
		go engine.Run(ctx)
	}

	var rly *relay.Relay
	var caster *ntrip.Client
	if cfg.NTRIP.Enable {
		rly = relay.New(src, 0)
		if err := rly.Start(ctx); err != nil {
			log.Fatalf("correction relay failed to start: %v", err)
		}
		defer rly.Close()

		var gga func() (string, bool)
		if cfg.NTRIP.SendGGA {
			gga = src.GGA
		}
		caster, err = ntrip.New(ntrip.Config{
			Host:            cfg.NTRIP.Host,
			Port:            cfg.NTRIP.Port,
			Mountpoint:      cfg.NTRIP.Mountpoint,
			Username:        cfg.NTRIP.Username,
			Password:        cfg.NTRIP.Password,
			DialTimeout:     cfg.NTRIP.DialTimeout.Std(),
			LivenessTimeout: cfg.NTRIP.LivenessTimeout.Std(),
			BackoffMin:      cfg.NTRIP.BackoffMin.Std(),
			BackoffMax:      cfg.NTRIP.BackoffMax.Std(),
			SendGGA:         cfg.NTRIP.SendGGA,
			GGAInterval:     cfg.NTRIP.GGAInterval.Std(),
		}, rly.Offer, gga)
		if err != nil {
			log.Fatalf("ntrip client init failed: %v", err)
		}
		if err := caster.Start(ctx); err != nil {
			log.Fatalf("ntrip client failed to start: %v", err)
		}
		defer caster.Close()
	}

	var mqtt *mqttpub.Publisher
	if cfg.MQTT.Enable {
		mqtt, err = mqttpub.New(mqttpub.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
			Retain:   cfg.MQTT.Retain,
		}, hub)
		if err != nil {
			log.Fatalf("mqtt publisher init failed: %v", err)
		}
		if err := mqtt.Start(ctx); err != nil {
			log.Fatalf("mqtt publisher failed to start: %v", err)
		}
		defer mqtt.Close()
	}

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		rec, err = recorder.New(recorder.Config{
			Path:            cfg.Recorder.Path,
			FlushInterval:   cfg.Recorder.FlushInterval.Std(),
			BatchSize:       cfg.Recorder.BatchSize,
			RecordSynthetic: cfg.Recorder.RecordSynthetic,
		}, hub)
		if err != nil {
			log.Fatalf("recorder init failed: %v", err)
		}
		if err := rec.Start(ctx); err != nil {
			log.Fatalf("recorder failed to start: %v", err)
		}
		defer rec.Close()
	}

	var led *statusled.Service
	if cfg.LED.Enable {
		led = statusled.New(statusled.Config{Pin: cfg.LED.Pin}, hub)
		if err := led.Start(ctx); err != nil {
			// A missing GPIO must not take down position streaming.
			log.Printf("status led unavailable: %v", err)
			led = nil
		} else {
			defer led.Close()
		}
	}

	status := func() any {
		doc := map[string]any{
			"uptime_sec": int(time.Since(startedAt).Seconds()),
			"source":     src.Snapshot(),
			"publish":    pub.Snapshot(),
			"hub": map[string]any{
				"subscribers": hub.Subscribers(),
				"dropped":     hub.Dropped(),
			},
		}
		if engine != nil {
			doc["extrapolation"] = engine.Snapshot()
		}
		if caster != nil {
			doc["ntrip"] = caster.Snapshot()
			doc["relay"] = rly.Snapshot()
		}
		if mqtt != nil {
			doc["mqtt"] = mqtt.Snapshot()
		}
		if rec != nil {
			doc["recorder"] = rec.Snapshot()
		}
		if led != nil {
			doc["led"] = led.Snapshot()
		}
		return doc
	}

	if cfg.Web.Enable {
		go func() {
			if err := web.Serve(ctx, cfg.Web.Listen, hub, status); err != nil && ctx.Err() == nil {
				log.Printf("web server stopped: %v", err)
			}
		}()
	}

	log.Printf("publishing on %s, source %s @ %d", cfg.Publish.Listen, cfg.Serial.Device, cfg.Serial.Baud)

	<-ctx.Done()
	log.Printf("gnss-streamer stopping")
}
