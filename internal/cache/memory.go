package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docflow/internal/entity"
)

type memEntry struct {
	raw     []byte
	expires time.Time
}

// MemoryStore is an in-process Store. Entries are kept as JSON so callers never share
// state with the store. Expired entries are swept during Save at most once per TTL.
type MemoryStore struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	nextSweep time.Time
	runs      map[uuid.UUID]memEntry
	batches   map[uuid.UUID]map[uuid.UUID]struct{}
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(ttl time.Duration, opts ...MemoryOption) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		runs:    make(map[uuid.UUID]memEntry),
		batches: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Save(_ context.Context, rc *entity.RunContext) error {
	raw, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rc.RunID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !now.Before(s.nextSweep) {
		s.sweepLocked(now)
		s.nextSweep = now.Add(s.ttl)
	}
	s.runs[rc.RunID] = memEntry{raw: raw, expires: now.Add(s.ttl)}
	if rc.BatchID != nil {
		members, ok := s.batches[*rc.BatchID]
		if !ok {
			members = make(map[uuid.UUID]struct{})
			s.batches[*rc.BatchID] = members
		}
		members[rc.RunID] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) Load(_ context.Context, runID uuid.UUID) (*entity.RunContext, error) {
	s.mu.Lock()
	raw, ok := s.liveLocked(runID)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(raw)
}

func (s *MemoryStore) LoadAllByBatch(_ context.Context, batchID uuid.UUID) ([]*entity.RunContext, error) {
	s.mu.Lock()
	var raws [][]byte
	for id := range s.batches[batchID] {
		raw, ok := s.liveLocked(id)
		if !ok {
			delete(s.batches[batchID], id)
			continue
		}
		raws = append(raws, raw)
	}
	if len(s.batches[batchID]) == 0 {
		delete(s.batches, batchID)
	}
	s.mu.Unlock()

	out := make([]*entity.RunContext, 0, len(raws))
	for _, raw := range raws {
		rc, err := decode(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, runID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.liveLocked(runID)
	delete(s.runs, runID)
	return ok, nil
}

// liveLocked returns the entry for id, dropping it if it has expired.
func (s *MemoryStore) liveLocked(id uuid.UUID) ([]byte, bool) {
	e, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	if !s.now().Before(e.expires) {
		delete(s.runs, id)
		return nil, false
	}
	return e.raw, true
}

// sweepLocked drops expired runs and the batch sets left without live members.
func (s *MemoryStore) sweepLocked(now time.Time) {
	for id, e := range s.runs {
		if !now.Before(e.expires) {
			delete(s.runs, id)
		}
	}
	for batchID, members := range s.batches {
		for id := range members {
			if _, ok := s.runs[id]; !ok {
				delete(members, id)
			}
		}
		if len(members) == 0 {
			delete(s.batches, batchID)
		}
	}
}
