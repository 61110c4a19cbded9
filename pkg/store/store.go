// Package store persists engine state in a bbolt database: the last seen commit of every
// source, the records of applied resources, unit declarations and statuses, run history and
// rollouts.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/namix-io/sync-engine/pkg/cache"
	"github.com/namix-io/sync-engine/pkg/reconciler"
	"github.com/namix-io/sync-engine/pkg/rollout"
	"github.com/namix-io/sync-engine/pkg/source"
	"github.com/namix-io/sync-engine/pkg/unit"
	"github.com/namix-io/sync-engine/pkg/utils/kube"
)

const databaseFile = "sync-engine.db"

var (
	bucketRevisions    = []byte("revisions")
	bucketDeclarations = []byte("declarations")
	bucketRecords      = []byte("records")
	bucketUnits        = []byte("units")
	bucketRuns         = []byte("runs")
	bucketRollouts     = []byte("rollouts")
)

var ErrNotFound = errors.New("not found")

type Option func(*BoltStore)

// WithHistoryLimit bounds the runs kept per unit
func WithHistoryLimit(limit int) Option {
	return func(s *BoltStore) {
		s.historyLimit = limit
	}
}

// BoltStore implements every persister of the engine on top of one database file
type BoltStore struct {
	db           *bolt.DB
	historyLimit int
}

// NewBoltStore opens or creates the database under dataDir
func NewBoltStore(dataDir string, opts ...Option) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, databaseFile), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRevisions, bucketDeclarations, bucketRecords, bucketUnits, bucketRuns, bucketRollouts} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &BoltStore{db: db, historyLimit: reconciler.DefaultHistoryLimit}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s %q: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

func list[T any](s *BoltStore, bucket []byte) ([]*T, error) {
	var res []*T
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("%s %q: %w", bucket, k, err)
			}
			res = append(res, &item)
			return nil
		})
	})
	return res, err
}

// Revision operations

// GetRevision returns the last seen commit of the source, empty if none was seen yet
func (s *BoltStore) GetRevision(sourceID string) (string, error) {
	var commit string
	err := s.db.View(func(tx *bolt.Tx) error {
		commit = string(tx.Bucket(bucketRevisions).Get([]byte(sourceID)))
		return nil
	})
	return commit, err
}

func (s *BoltStore) SaveRevision(sourceID string, commitHash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRevisions).Put([]byte(sourceID), []byte(commitHash))
	})
}

// Record operations

func (s *BoltStore) SaveRecord(record *cache.LiveResourceRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRecords, record.Key.String(), record)
	})
}

func (s *BoltStore) DeleteRecord(key kube.ResourceKey) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(key.String()))
	})
}

func (s *BoltStore) LoadRecords() ([]*cache.LiveResourceRecord, error) {
	return list[cache.LiveResourceRecord](s, bucketRecords)
}

// Unit declaration operations

// SaveUnit keeps the last declaration of the unit so that a unit removed while the engine is
// down can still be pruned
func (s *BoltStore) SaveUnit(u *unit.Unit) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketDeclarations, u.ID, u)
	})
}

func (s *BoltStore) ListUnits() ([]*unit.Unit, error) {
	return list[unit.Unit](s, bucketDeclarations)
}

// Unit status operations

func (s *BoltStore) SaveStatus(status *reconciler.UnitStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketUnits, status.UnitID, status)
	})
}

func (s *BoltStore) GetStatus(unitID string) (*reconciler.UnitStatus, error) {
	var status reconciler.UnitStatus
	if err := s.get(bucketUnits, unitID, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (s *BoltStore) ListStatuses() ([]*reconciler.UnitStatus, error) {
	return list[reconciler.UnitStatus](s, bucketUnits)
}

// Run operations

// runKey orders runs of a unit by start time
func runKey(run *reconciler.Run) []byte {
	return []byte(fmt.Sprintf("%020d/%s", run.StartedAt.UnixNano(), run.ID))
}

// SaveRun stores or updates the run and drops the oldest runs beyond the history limit
func (s *BoltStore) SaveRun(run *reconciler.Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketRuns).CreateBucketIfNotExists([]byte(run.UnitID))
		if err != nil {
			return err
		}
		if err := b.Put(runKey(run), data); err != nil {
			return err
		}
		count := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}
		for ; count > s.historyLimit; count-- {
			k, _ := c.First()
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRuns returns up to limit runs of the unit, newest first. A limit of zero returns all.
func (s *BoltStore) ListRuns(unitID string, limit int) ([]*reconciler.Run, error) {
	var runs []*reconciler.Run
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns).Bucket([]byte(unitID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run reconciler.Run
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("run %q: %w", k, err)
			}
			runs = append(runs, &run)
		}
		return nil
	})
	return runs, err
}

// Rollout operations

// SaveRollout stores the current or last rollout of its unit
func (s *BoltStore) SaveRollout(r *rollout.Rollout) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRollouts, r.UnitID, r)
	})
}

func (s *BoltStore) GetRollout(unitID string) (*rollout.Rollout, error) {
	var r rollout.Rollout
	if err := s.get(bucketRollouts, unitID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRollouts() ([]*rollout.Rollout, error) {
	return list[rollout.Rollout](s, bucketRollouts)
}

// DeleteUnit drops the declaration, status, runs and rollout of a removed unit
func (s *BoltStore) DeleteUnit(unitID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDeclarations).Delete([]byte(unitID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketUnits).Delete([]byte(unitID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).DeleteBucket([]byte(unitID)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
			return err
		}
		return tx.Bucket(bucketRollouts).Delete([]byte(unitID))
	})
}

var (
	_ source.RevisionStore  = &BoltStore{}
	_ cache.RecordPersister = &BoltStore{}
)
