// Package catalog keeps a local index of completed runs.
//
// Each exported run gets one record in a BoltDB file next to the raw
// data, keyed by run directory name so a cursor scan returns runs in
// chronological order. The catalog answers "what did we measure and
// did it pass" without touching the run directories themselves.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a run ID has no catalog record.
var ErrNotFound = errors.New("catalog: run not found")

var bucketRuns = []byte("runs")

// Record is one catalog entry. Headline numbers only; the run
// directory holds the full artifacts.
type Record struct {
	RunID       string    `msgpack:"run_id"`
	Kind        string    `msgpack:"kind"` // "delta_a" or "timing"
	Instance    string    `msgpack:"instance"`
	StartedUTC  time.Time `msgpack:"started_utc"`
	Dir         string    `msgpack:"dir"`
	Shots       int       `msgpack:"shots"`
	Scans       int       `msgpack:"scans"`
	MeanMS      float64   `msgpack:"mean_ms"`
	StdDevMS    float64   `msgpack:"stddev_ms"`
	GatesPassed bool      `msgpack:"gates_passed"`
}

// Config holds catalog options.
type Config struct {
	Path   string
	Logger *slog.Logger
}

// Catalog is a BoltDB-backed run index.
type Catalog struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the catalog database.
func Open(cfg Config) (*Catalog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("catalog: path is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bolt.Open(cfg.Path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create bucket: %w", err)
	}

	return &Catalog{
		db:     db,
		logger: cfg.Logger.With("component", "catalog"),
	}, nil
}

// Put stores one record, keyed by its run directory name. Writing the
// same run twice overwrites the earlier record.
func (c *Catalog) Put(rec Record) error {
	if rec.RunID == "" || rec.Dir == "" {
		return fmt.Errorf("catalog: record needs run_id and dir")
	}
	raw, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("catalog: encode record: %w", err)
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(rec.Dir), raw)
	})
	if err != nil {
		return fmt.Errorf("catalog: store record: %w", err)
	}
	c.logger.Debug("run cataloged", "run_id", rec.RunID, "kind", rec.Kind, "dir", rec.Dir)
	return nil
}

// Get looks a run up by its run ID. Linear scan; the catalog holds at
// most a few thousand records.
func (c *Catalog) Get(runID string) (*Record, error) {
	var found *Record
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketRuns).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			if rec.RunID == runID {
				found = &rec
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return found, nil
}

// List returns the most recent records, newest first. limit <= 0
// returns everything.
func (c *Catalog) List(limit int) ([]Record, error) {
	var out []Record
	err := c.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket(bucketRuns).Cursor()
		for k, v := cur.Last(); k != nil; k, v = cur.Prev() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode record %q: %w", k, err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return out, nil
}

// Len reports how many runs are cataloged.
func (c *Catalog) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketRuns).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}
