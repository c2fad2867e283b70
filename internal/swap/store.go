package swap

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/klingon-exchange/klingon-lp/internal/storage"
	"github.com/klingon-exchange/klingon-lp/pkg/logging"
)

// Store keeps one direction's swap records in memory and in the KV store.
// Every Save writes the whole record, so storage never holds a partial
// update.
type Store[R Record] struct {
	kv        storage.KV
	bucket    string
	newRecord func() R
	log       *logging.Logger

	mu      sync.RWMutex
	records map[Hash]R
}

// NewStore creates a store over bucket. newRecord returns an empty record
// to decode into.
func NewStore[R Record](kv storage.KV, bucket string, newRecord func() R) *Store[R] {
	return &Store[R]{
		kv:        kv,
		bucket:    bucket,
		newRecord: newRecord,
		log:       logging.GetDefault().Component("store"),
		records:   make(map[Hash]R),
	}
}

// Load reads every persisted record. Undecodable entries are logged and
// skipped.
func (s *Store[R]) Load() error {
	raw, err := s.kv.List(s.bucket)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.bucket, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range raw {
		rec := s.newRecord()
		if err := json.Unmarshal(value, rec); err != nil {
			s.log.Error("Skipping corrupt swap record", "bucket", s.bucket, "key", key, "error", err)
			continue
		}
		hash := rec.Common().PaymentHash
		if hash.String() != key {
			s.log.Error("Skipping swap record stored under wrong key", "bucket", s.bucket, "key", key)
			continue
		}
		s.records[hash] = rec
	}
	return nil
}

// Get returns the record for hash.
func (s *Store[R]) Get(hash Hash) (R, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[hash]
	return rec, ok
}

// Save persists rec and makes it visible to Get. The caller holds the
// record mutex. Saving a record that was deleted is a no-op.
func (s *Store[R]) Save(rec R) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode swap: %w", err)
	}
	hash := rec.Common().PaymentHash

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Common().removed {
		return nil
	}
	if err := s.kv.Put(s.bucket, hash.String(), b); err != nil {
		return fmt.Errorf("failed to save swap %s: %w", hash, err)
	}
	s.records[hash] = rec
	return nil
}

// Insert saves rec only if no record with the same hash exists.
func (s *Store[R]) Insert(rec R) (bool, error) {
	hash := rec.Common().PaymentHash
	s.mu.RLock()
	_, exists := s.records[hash]
	s.mu.RUnlock()
	if exists {
		return false, nil
	}
	return true, s.Save(rec)
}

// Delete removes the record for hash. Deleting a missing record is not an
// error.
func (s *Store[R]) Delete(hash Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(s.bucket, hash.String()); err != nil {
		return fmt.Errorf("failed to delete swap %s: %w", hash, err)
	}
	if rec, ok := s.records[hash]; ok {
		rec.Common().removed = true
	}
	delete(s.records, hash)
	return nil
}

// List returns a snapshot of all records ordered by creation time.
func (s *Store[R]) List() []R {
	s.mu.RLock()
	out := make([]R, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Common().CreatedAt < out[j].Common().CreatedAt
	})
	return out
}

// Len returns the number of records.
func (s *Store[R]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
