// Package gnss turns the byte stream from the receiver's serial port into
// position samples. It owns the serial link, runs the protocol decoder for
// the configured source mode and publishes every usable fix.
package gnss

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gnss-streamer/internal/nmea"
	"gnss-streamer/internal/sample"
	"gnss-streamer/internal/serialio"
	"gnss-streamer/internal/ubx"
)

// Config controls the receiver source.
//
// Mode selects the protocol on the wire: "ubx" (binary, the default) or
// "nmea" for receivers configured for sentence output.
type Config struct {
	Mode string

	Serial serialio.Config
}

type Snapshot struct {
	Mode   string            `json:"mode"`
	Serial serialio.Snapshot `json:"serial"`

	Samples     uint64 `json:"samples"`
	NoFix       uint64 `json:"no_fix"`
	OtherFrames uint64 `json:"other_frames,omitempty"`

	Decoder *ubx.Stats `json:"decoder,omitempty"`

	LastFixUTC string `json:"last_fix_utc,omitempty"`
	FixType    uint8  `json:"fix_type,omitempty"`
	CarrSoln   uint8  `json:"carr_soln,omitempty"`
	NumSV      uint8  `json:"num_sv,omitempty"`
}

// Service reads the receiver and publishes samples to the hub. An optional
// observe hook sees every published sample; the extrapolation engine uses it
// to track its baseline.
type Service struct {
	cfg     Config
	mode    string
	sup     *serialio.Supervisor
	hub     *sample.Hub
	observe func(sample.Sample)

	started atomic.Bool
	closed  atomic.Bool

	mu      sync.Mutex
	dec     *ubx.Decoder
	par     *nmea.Parser
	lastFix sample.Sample
	haveFix bool

	samples     atomic.Uint64
	noFix       atomic.Uint64
	otherFrames atomic.Uint64
}

func New(cfg Config, hub *sample.Hub, observe func(sample.Sample)) (*Service, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "ubx"
	}
	if mode != "ubx" && mode != "nmea" {
		return nil, fmt.Errorf("gnss: unknown source mode %q", cfg.Mode)
	}
	sup, err := serialio.New(cfg.Serial)
	if err != nil {
		return nil, err
	}
	s := &Service{
		cfg:     cfg,
		mode:    mode,
		sup:     sup,
		hub:     hub,
		observe: observe,
	}
	if mode == "ubx" {
		s.dec = &ubx.Decoder{}
	} else {
		s.par = &nmea.Parser{}
	}
	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return nil
	}
	log.Printf("gnss: starting mode=%s device=%s baud=%d", s.mode, s.cfg.Serial.Device, s.cfg.Serial.Baud)
	return s.sup.Start(ctx, s.onData)
}

func (s *Service) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.sup.Close()
}

// Write sends bytes to the receiver over the serial link. Correction frames
// come in through here.
func (s *Service) Write(p []byte) (int, error) {
	return s.sup.Write(p)
}

func (s *Service) onData(p []byte) {
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.mode {
	case "ubx":
		s.dec.Feed(p)
		for {
			f, ok := s.dec.Next()
			if !ok {
				return
			}
			if f.Class != ubx.ClassNAV || f.ID != ubx.IDNavPVT {
				s.otherFrames.Add(1)
				continue
			}
			fix, err := ubx.ParseNAVPVT(f.Payload)
			if err != nil {
				log.Printf("gnss: bad NAV-PVT: %v", err)
				continue
			}
			if !fix.Valid() {
				s.noFix.Add(1)
				continue
			}
			s.publishLocked(fixToSample(fix, now))
		}
	case "nmea":
		for _, out := range s.par.Feed(p, now) {
			s.publishLocked(out)
		}
	}
}

func (s *Service) publishLocked(out sample.Sample) {
	s.lastFix = out
	s.haveFix = true
	s.samples.Add(1)
	if s.observe != nil {
		s.observe(out)
	}
	s.hub.Publish(out)
}

func fixToSample(f ubx.Fix, now time.Time) sample.Sample {
	out := sample.Sample{
		Time:     now,
		Lat:      f.Lat,
		Lon:      f.Lon,
		Height:   f.Height,
		HMSL:     f.HMSL,
		VelN:     f.VelN,
		VelE:     f.VelE,
		VelD:     f.VelD,
		HasVel:   true,
		FixType:  f.FixType,
		CarrSoln: f.CarrSoln,
		NumSV:    f.NumSV,
		HAcc:     f.HAcc,
	}
	if !f.Time.IsZero() {
		t := f.Time
		out.GNSSTime = &t
	}
	return out
}

// LastFix returns the most recent real (not synthetic) sample.
func (s *Service) LastFix() (sample.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFix, s.haveFix
}

// GGA reports the current position as a GGA sentence for the correction
// client's periodic upload. Stale fixes are withheld; a VRS caster fed an
// old position serves corrections for the wrong place.
func (s *Service) GGA() (string, bool) {
	s.mu.Lock()
	fix, ok := s.lastFix, s.haveFix
	s.mu.Unlock()
	if !ok || time.Since(fix.Time) > 30*time.Second {
		return "", false
	}
	return nmea.BuildGGA(fix, time.Now()), true
}

func (s *Service) Snapshot() Snapshot {
	snap := Snapshot{
		Mode:    s.mode,
		Serial:  s.sup.Snapshot(),
		Samples: s.samples.Load(),
		NoFix:   s.noFix.Load(),
	}

	s.mu.Lock()
	if s.mode == "ubx" {
		st := s.dec.Snapshot()
		snap.Decoder = &st
		snap.OtherFrames = s.otherFrames.Load()
	}
	if s.haveFix {
		snap.LastFixUTC = s.lastFix.Time.Format(time.RFC3339Nano)
		snap.FixType = s.lastFix.FixType
		snap.CarrSoln = s.lastFix.CarrSoln
		snap.NumSV = s.lastFix.NumSV
	}
	s.mu.Unlock()
	return snap
}
