// Package recorder persists position samples to a SQLite database for
// post-mission analysis.
package recorder

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gnss-streamer/internal/sample"
)

type Config struct {
	Enable bool

	// Path is the SQLite database file; created when missing.
	Path string

	// FlushInterval and BatchSize bound how long a sample sits in memory
	// before it is committed.
	FlushInterval time.Duration
	BatchSize     int

	// RecordSynthetic also stores extrapolated samples. Off by default;
	// they add ten rows a second and carry no new measurement.
	RecordSynthetic bool
}

type Snapshot struct {
	Path     string `json:"path"`
	Inserted uint64 `json:"inserted"`
	Errors   uint64 `json:"errors"`
	Pending  int    `json:"pending"`
}

const schema = `
CREATE TABLE IF NOT EXISTS samples (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	time_utc     TEXT NOT NULL,
	gnss_time    TEXT,
	lat          REAL NOT NULL,
	lon          REAL NOT NULL,
	height       REAL NOT NULL,
	h_msl        REAL NOT NULL,
	vel_n        REAL,
	vel_e        REAL,
	vel_d        REAL,
	fix_type     INTEGER NOT NULL,
	carr_soln    INTEGER NOT NULL,
	num_sv       INTEGER NOT NULL,
	h_acc        REAL,
	extrapolated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS samples_time ON samples(time_utc);
`

const insertSQL = `INSERT INTO samples
	(time_utc, gnss_time, lat, lon, height, h_msl, vel_n, vel_e, vel_d,
	 fix_type, carr_soln, num_sv, h_acc, extrapolated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

type Recorder struct {
	cfg Config
	hub *sample.Hub
	db  *sql.DB

	started atomic.Bool
	closed  atomic.Bool
	subID   int
	done    chan struct{}

	inserted atomic.Uint64
	errors   atomic.Uint64
	pending  atomic.Int64
}

func New(cfg Config, hub *sample.Hub) (*Recorder, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("recorder database path is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	db, err := sql.Open("sqlite3", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	// The sqlite driver serializes access through a single connection
	// anyway; making it explicit avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	return &Recorder{cfg: cfg, hub: hub, db: db, done: make(chan struct{})}, nil
}

func (r *Recorder) Start(ctx context.Context) error {
	if r.started.Swap(true) {
		return nil
	}
	id, ch := r.hub.Subscribe(256)
	r.subID = id
	go r.runLoop(ctx, ch)
	return nil
}

func (r *Recorder) runLoop(ctx context.Context, ch <-chan sample.Sample) {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	var batch []sample.Sample
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.insertBatch(batch); err != nil {
			r.errors.Add(uint64(len(batch)))
			log.Printf("recorder: insert failed, %d samples lost: %v", len(batch), err)
		} else {
			r.inserted.Add(uint64(len(batch)))
		}
		batch = batch[:0]
		r.pending.Store(0)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case s, ok := <-ch:
			if !ok {
				flush()
				return
			}
			if s.Synthetic && !r.cfg.RecordSynthetic {
				continue
			}
			batch = append(batch, s)
			r.pending.Store(int64(len(batch)))
			if len(batch) >= r.cfg.BatchSize {
				flush()
			}
		}
	}
}

func (r *Recorder) insertBatch(batch []sample.Sample) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, s := range batch {
		var gnssTime any
		if s.GNSSTime != nil {
			gnssTime = s.GNSSTime.Format(time.RFC3339Nano)
		}
		var velN, velE, velD any
		if s.HasVel {
			velN, velE, velD = s.VelN, s.VelE, s.VelD
		}
		var hAcc any
		if s.HAcc > 0 {
			hAcc = s.HAcc
		}
		if _, err := stmt.Exec(
			s.Time.UTC().Format(time.RFC3339Nano), gnssTime,
			s.Lat, s.Lon, s.Height, s.HMSL,
			velN, velE, velD,
			s.FixType, s.CarrSoln, s.NumSV, hAcc, s.Synthetic,
		); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (r *Recorder) Close() {
	if r.closed.Swap(true) {
		return
	}
	if r.started.Load() {
		r.hub.Unsubscribe(r.subID)
		<-r.done
	}
	r.db.Close()
}

func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Path:     r.cfg.Path,
		Inserted: r.inserted.Load(),
		Errors:   r.errors.Load(),
		Pending:  int(r.pending.Load()),
	}
}
