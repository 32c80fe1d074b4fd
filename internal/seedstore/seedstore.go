// Package seedstore implements the seed-scan boundary from spec.md §6: a
// one-time batch of discovered borrowers is inserted as SAFE and
// unhydrated at startup. The discovery mechanism itself is out of scope;
// this package only defines the seed(borrowers) interface and persists the
// last successful batch to a local bbolt file (grounded on the teacher's
// services/identity-gateway/store.go bucket/JSON pattern) so a short-lived
// restart can warm-start from disk instead of waiting on a fresh external
// scan.
package seedstore

import (
	"encoding/json"
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"

	"liquidator/internal/asset"
	"liquidator/internal/registry"
	"liquidator/internal/statemachine"
)

var bucketBatch = []byte("last_batch")

const batchKey = "current"

// Candidate is one discovered borrower above MIN_DEBT_USD, the unit the
// out-of-scope discovery mechanism hands to Seed.
type Candidate struct {
	Address    string                   `json:"address"`
	Collateral map[string]asset.Balance `json:"collateral"`
	Debt       map[string]asset.Balance `json:"debt"`
}

// Store persists the last successful seed batch on disk.
type Store struct {
	db *bolt.DB
}

// Open initialises (and migrates) the bbolt-backed seed cache at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBatch)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveBatch overwrites the cached batch with candidates, the snapshot Seed
// was last called with.
func (s *Store) SaveBatch(candidates []Candidate) error {
	payload, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBatch).Put([]byte(batchKey), payload)
	})
}

// LoadBatch returns the last cached batch, if any.
func (s *Store) LoadBatch() ([]Candidate, bool, error) {
	var candidates []Candidate
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBatch).Get([]byte(batchKey))
		if raw == nil {
			return nil
		}
		return json.Unmarshal(raw, &candidates)
	})
	if err != nil {
		return nil, false, err
	}
	return candidates, len(candidates) > 0, nil
}

// ErrEmptyAddress is returned by Seed when a candidate carries no address.
var ErrEmptyAddress = errors.New("seedstore: candidate missing address")

// Seed inserts candidates into reg as SAFE and unhydrated, the interface
// boundary named in spec.md §6 ("the interface is seed(borrowers) taking
// the batch"). It never removes existing borrowers and never overwrites
// an already-hydrated record. When store is non-nil the batch is persisted
// for warm-start on a subsequent restart.
func Seed(reg *registry.Registry, store *Store, candidates []Candidate, at time.Time) error {
	for _, c := range candidates {
		if c.Address == "" {
			return ErrEmptyAddress
		}
		if existing, ok := reg.Get(c.Address); ok && existing.Hydrated {
			continue
		}
		reg.Upsert(c.Address, statemachine.Safe)
		reg.MutateBalances(c.Address, c.Collateral, c.Debt, at)
	}
	if store != nil {
		if err := store.SaveBatch(candidates); err != nil {
			return err
		}
	}
	return nil
}
