package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

// InmemStore implements Store entirely in memory. It keeps every record (no
// eviction: classification depends on completeness) and is the store used by
// tests and by nodes that opt out of persistence.
type InmemStore struct {
	mu       sync.RWMutex
	ridLocks *cm.LockMap
	records  map[rid.RID]*record
	types    map[string]map[rid.RID]bool
	repos    map[rid.RID]*object.Repository
}

// NewInmemStore ...
func NewInmemStore() *InmemStore {
	return &InmemStore{
		ridLocks: cm.NewLockMap(),
		records:  make(map[rid.RID]*record),
		types:    make(map[string]map[rid.RID]bool),
		repos:    make(map[rid.RID]*object.Repository),
	}
}

// Put ...
func (s *InmemStore) Put(b *object.Bundle) (object.EventType, error) {
	if b == nil || b.Manifest == nil {
		return object.EventNoop, fmt.Errorf("nil bundle")
	}

	r := b.Rid()
	mu := s.ridLocks.Get(r.String())
	mu.Lock()
	defer mu.Unlock()

	s.mu.RLock()
	prev := s.records[r]
	s.mu.RUnlock()

	et := classify(prev, b)
	if et == object.EventNoop {
		return et, nil
	}

	rec := newRecord(b, et)

	s.mu.Lock()
	s.records[r] = rec
	tm := s.types[r.Type()]
	if tm == nil {
		tm = make(map[rid.RID]bool)
		s.types[r.Type()] = tm
	}
	tm[r] = true
	if rec.Repo != "" {
		s.repos[rec.Repo] = touchRepository(s.repos[rec.Repo], rec.Repo, r.Scope(), b.Contents, b.Manifest.Timestamp)
	}
	s.mu.Unlock()

	return et, nil
}

// GetManifest ...
func (s *InmemStore) GetManifest(r rid.RID) (*object.Manifest, error) {
	s.mu.RLock()
	rec := s.records[r]
	s.mu.RUnlock()

	if rec == nil || rec.Tombstone {
		return nil, cm.NewStoreErr("Manifest", cm.KeyNotFound, r.String())
	}
	return rec.Manifest, nil
}

// GetBundle ...
func (s *InmemStore) GetBundle(r rid.RID) (*object.Bundle, error) {
	s.mu.RLock()
	rec := s.records[r]
	s.mu.RUnlock()

	if rec == nil || rec.Tombstone {
		return nil, cm.NewStoreErr("Bundle", cm.KeyNotFound, r.String())
	}
	return &object.Bundle{Manifest: rec.Manifest, Contents: rec.Contents}, nil
}

// GetTombstone returns the manifest-only view of any known record, live or
// retracted, so queued FORGET deliveries stay resolvable.
func (s *InmemStore) GetTombstone(r rid.RID) (*object.Bundle, error) {
	s.mu.RLock()
	rec := s.records[r]
	s.mu.RUnlock()

	if rec == nil {
		return nil, cm.NewStoreErr("Manifest", cm.KeyNotFound, r.String())
	}
	return object.Tombstone(rec.Manifest), nil
}

// ListByType ...
func (s *InmemStore) ListByType(ridType string) ([]rid.RID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rids := []rid.RID{}
	for r := range s.types[ridType] {
		rids = append(rids, r)
	}
	sort.Slice(rids, func(i, j int) bool { return rids[i] < rids[j] })

	return rids, nil
}

// Forget marks the RID retracted. Unknown RIDs are a no-op; the operation is
// idempotent.
func (s *InmemStore) Forget(r rid.RID) error {
	mu := s.ridLocks.Get(r.String())
	mu.Lock()
	defer mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.records[r]
	if rec == nil || rec.Tombstone {
		return nil
	}

	tomb := *rec
	tomb.Contents = nil
	tomb.Tombstone = true
	tomb.LastType = object.EventForget
	s.records[r] = &tomb

	if tm := s.types[r.Type()]; tm != nil {
		delete(tm, r)
	}
	if tomb.Repo != "" {
		s.repos[tomb.Repo] = touchRepository(s.repos[tomb.Repo], tomb.Repo, r.Scope(), nil, time.Now().UTC())
	}

	return nil
}

// GetRepository ...
func (s *InmemStore) GetRepository(r rid.RID) (*object.Repository, error) {
	s.mu.RLock()
	repo := s.repos[r]
	s.mu.RUnlock()

	if repo == nil {
		return nil, cm.NewStoreErr("Repository", cm.KeyNotFound, r.String())
	}
	return repo, nil
}

// Repositories lists tracked repositories, most recently updated first.
func (s *InmemStore) Repositories() ([]*object.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	repos := []*object.Repository{}
	for _, r := range s.repos {
		repos = append(repos, r)
	}
	sort.Slice(repos, func(i, j int) bool {
		if !repos[i].LastUpdated.Equal(repos[j].LastUpdated) {
			return repos[i].LastUpdated.After(repos[j].LastUpdated)
		}
		return repos[i].Rid < repos[j].Rid
	})

	return repos, nil
}

// RepositoryEvents lists event records for one repository, newest first.
func (s *InmemStore) RepositoryEvents(repo rid.RID, limit, offset int) ([]*EventRecord, error) {
	limit, offset = clampPage(limit, offset)

	s.mu.RLock()
	recs := []*record{}
	for _, rec := range s.records {
		if rec.Repo == repo {
			recs = append(recs, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool {
		ti, tj := recs[i].Manifest.Timestamp, recs[j].Manifest.Timestamp
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return recs[i].Manifest.Rid > recs[j].Manifest.Rid
	})

	out := []*EventRecord{}
	for i := offset; i < len(recs) && len(out) < limit; i++ {
		out = append(out, recs[i].projection())
	}

	return out, nil
}

// Record ...
func (s *InmemStore) Record(r rid.RID) (*EventRecord, error) {
	s.mu.RLock()
	rec := s.records[r]
	s.mu.RUnlock()

	if rec == nil {
		return nil, cm.NewStoreErr("Record", cm.KeyNotFound, r.String())
	}
	return rec.projection(), nil
}

// Counts ...
func (s *InmemStore) Counts() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Repositories: len(s.repos)}
	for r, rec := range s.records {
		if r.Type() == rid.EventType {
			stats.Events++
		}
		if rec.Tombstone {
			stats.Tombstones++
		}
	}

	return stats, nil
}

// PruneBefore drops activity-event records older than cutoff. Repository
// records are never pruned.
func (s *InmemStore) PruneBefore(cutoff time.Time) (int, error) {
	s.mu.RLock()
	victims := []rid.RID{}
	for r, rec := range s.records {
		if r.Type() == rid.EventType && rec.Manifest.Timestamp.Before(cutoff) {
			victims = append(victims, r)
		}
	}
	s.mu.RUnlock()

	pruned := 0
	for _, r := range victims {
		mu := s.ridLocks.Get(r.String())
		mu.Lock()
		s.mu.Lock()
		if rec := s.records[r]; rec != nil && rec.Manifest.Timestamp.Before(cutoff) {
			delete(s.records, r)
			if tm := s.types[r.Type()]; tm != nil {
				delete(tm, r)
			}
			pruned++
		}
		s.mu.Unlock()
		mu.Unlock()
	}

	return pruned, nil
}

// Close ...
func (s *InmemStore) Close() error {
	return nil
}
