package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

const (
	recordPrefix  = "rec"
	typePrefix    = "tix"
	repoPrefix    = "rep"
	historyPrefix = "his"
)

/*******************************************************************************
Keys
*******************************************************************************/

func recordKey(r rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s", recordPrefix, r))
}

func typeKey(ridType string, r rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s_%s", typePrefix, ridType, r))
}

func typeScanPrefix(ridType string) []byte {
	return []byte(fmt.Sprintf("%s_%s_", typePrefix, ridType))
}

func repoKey(r rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s", repoPrefix, r))
}

func repoCacheKey(r rid.RID) string {
	return fmt.Sprintf("%s_%s", repoPrefix, r)
}

func historyKey(repo rid.RID, ts time.Time, localID string) []byte {
	return []byte(fmt.Sprintf("%s_%s_%020d_%s", historyPrefix, repo, ts.UnixNano(), localID))
}

func historyScanPrefix(repo rid.RID) []byte {
	return []byte(fmt.Sprintf("%s_%s_", historyPrefix, repo))
}

/*******************************************************************************
BadgerStore
*******************************************************************************/

// BadgerStore implements Store on a Badger database, with an LRU cache of
// decoded records in front of it. Badger is the source of truth; the cache
// only short-circuits reads, so eviction never loses state.
type BadgerStore struct {
	db       *badger.DB
	cache    *lru.Cache
	ridLocks *cm.LockMap
	path     string
	logger   *logrus.Entry
}

// NewBadgerStore opens an existing database or creates a new one in path.
func NewBadgerStore(cacheSize int, path string, logger *logrus.Entry) (*BadgerStore, error) {
	if cacheSize <= 0 {
		cacheSize = 1000
	}

	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithTruncate(true)

	if logger != nil {
		sub := logger.WithFields(logrus.Fields{"ns": "badger"})
		opts = opts.WithLogger(sub)
	}

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New(cacheSize)
	if err != nil {
		handle.Close()
		return nil, err
	}

	return &BadgerStore{
		db:       handle,
		cache:    cache,
		ridLocks: cm.NewLockMap(),
		path:     path,
		logger:   logger,
	}, nil
}

func isKeyNotFound(err error) bool {
	return err != nil && err.Error() == badger.ErrKeyNotFound.Error()
}

func (s *BadgerStore) dbGet(key []byte) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

func (s *BadgerStore) getRecord(r rid.RID) (*record, error) {
	if cached, ok := s.cache.Get(r.String()); ok {
		return cached.(*record), nil
	}

	data, err := s.dbGet(recordKey(r))
	if isKeyNotFound(err) {
		return nil, cm.NewStoreErr("Record", cm.KeyNotFound, r.String())
	}
	if err != nil {
		return nil, cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}

	rec := new(record)
	if err := rec.Unmarshal(data); err != nil {
		return nil, err
	}
	s.cache.Add(r.String(), rec)

	return rec, nil
}

// Put ...
func (s *BadgerStore) Put(b *object.Bundle) (object.EventType, error) {
	if b == nil || b.Manifest == nil {
		return object.EventNoop, fmt.Errorf("nil bundle")
	}

	r := b.Rid()
	mu := s.ridLocks.Get(r.String())
	mu.Lock()
	defer mu.Unlock()

	prev, err := s.getRecord(r)
	if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
		return object.EventNoop, err
	}

	et := classify(prev, b)
	if et == object.EventNoop {
		return et, nil
	}

	rec := newRecord(b, et)
	recBytes, err := rec.Marshal()
	if err != nil {
		return object.EventNoop, err
	}

	var repoRec *object.Repository
	if rec.Repo != "" {
		rmu := s.ridLocks.Get(rec.Repo.String())
		rmu.Lock()
		defer rmu.Unlock()

		existing, err := s.GetRepository(rec.Repo)
		if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
			return object.EventNoop, err
		}
		repoRec = touchRepository(existing, rec.Repo, r.Scope(), b.Contents, b.Manifest.Timestamp)
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(recordKey(r), recBytes); err != nil {
		return object.EventNoop, cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}
	if err := tx.Set(typeKey(r.Type(), r), []byte(r)); err != nil {
		return object.EventNoop, cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}
	if repoRec != nil {
		repoBytes, err := repoRec.Marshal()
		if err != nil {
			return object.EventNoop, err
		}
		if err := tx.Set(repoKey(rec.Repo), repoBytes); err != nil {
			return object.EventNoop, cm.NewStoreErr("Repository", cm.Unavailable, rec.Repo.String())
		}
		if prev != nil && !prev.Manifest.Timestamp.Equal(b.Manifest.Timestamp) {
			if err := tx.Delete(historyKey(rec.Repo, prev.Manifest.Timestamp, r.LocalID())); err != nil {
				return object.EventNoop, cm.NewStoreErr("Record", cm.Unavailable, r.String())
			}
		}
		if err := tx.Set(historyKey(rec.Repo, b.Manifest.Timestamp, r.LocalID()), []byte(r)); err != nil {
			return object.EventNoop, cm.NewStoreErr("Record", cm.Unavailable, r.String())
		}
	}

	if err := tx.Commit(); err != nil {
		return object.EventNoop, cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}

	s.cache.Add(r.String(), rec)
	if repoRec != nil {
		s.cache.Add(repoCacheKey(rec.Repo), repoRec)
	}

	return et, nil
}

// GetManifest ...
func (s *BadgerStore) GetManifest(r rid.RID) (*object.Manifest, error) {
	rec, err := s.getRecord(r)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return nil, cm.NewStoreErr("Manifest", cm.KeyNotFound, r.String())
		}
		return nil, err
	}
	if rec.Tombstone {
		return nil, cm.NewStoreErr("Manifest", cm.KeyNotFound, r.String())
	}
	return rec.Manifest, nil
}

// GetBundle ...
func (s *BadgerStore) GetBundle(r rid.RID) (*object.Bundle, error) {
	rec, err := s.getRecord(r)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return nil, cm.NewStoreErr("Bundle", cm.KeyNotFound, r.String())
		}
		return nil, err
	}
	if rec.Tombstone {
		return nil, cm.NewStoreErr("Bundle", cm.KeyNotFound, r.String())
	}
	return &object.Bundle{Manifest: rec.Manifest, Contents: rec.Contents}, nil
}

// GetTombstone returns the manifest-only view of any known record, live or
// retracted.
func (s *BadgerStore) GetTombstone(r rid.RID) (*object.Bundle, error) {
	rec, err := s.getRecord(r)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return nil, cm.NewStoreErr("Manifest", cm.KeyNotFound, r.String())
		}
		return nil, err
	}
	return object.Tombstone(rec.Manifest), nil
}

// ListByType ...
func (s *BadgerStore) ListByType(ridType string) ([]rid.RID, error) {
	rids := []rid.RID{}
	prefix := typeScanPrefix(ridType)

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rids = append(rids, rid.RID(v))
		}
		return nil
	})

	if err != nil {
		return nil, cm.NewStoreErr("Record", cm.Unavailable, ridType)
	}

	return rids, nil
}

// Forget marks the RID retracted; idempotent, unknown RIDs are a no-op.
func (s *BadgerStore) Forget(r rid.RID) error {
	mu := s.ridLocks.Get(r.String())
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.getRecord(r)
	if err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return nil
		}
		return err
	}
	if rec.Tombstone {
		return nil
	}

	tomb := *rec
	tomb.Contents = nil
	tomb.Tombstone = true
	tomb.LastType = object.EventForget

	tombBytes, err := tomb.Marshal()
	if err != nil {
		return err
	}

	var repoRec *object.Repository
	if tomb.Repo != "" {
		rmu := s.ridLocks.Get(tomb.Repo.String())
		rmu.Lock()
		defer rmu.Unlock()

		existing, err := s.GetRepository(tomb.Repo)
		if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
			return err
		}
		repoRec = touchRepository(existing, tomb.Repo, r.Scope(), nil, time.Now().UTC())
	}

	tx := s.db.NewTransaction(true)
	defer tx.Discard()

	if err := tx.Set(recordKey(r), tombBytes); err != nil {
		return cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}
	if err := tx.Delete(typeKey(r.Type(), r)); err != nil {
		return cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}
	if repoRec != nil {
		repoBytes, err := repoRec.Marshal()
		if err != nil {
			return err
		}
		if err := tx.Set(repoKey(tomb.Repo), repoBytes); err != nil {
			return cm.NewStoreErr("Repository", cm.Unavailable, tomb.Repo.String())
		}
	}

	if err := tx.Commit(); err != nil {
		return cm.NewStoreErr("Record", cm.Unavailable, r.String())
	}

	s.cache.Add(r.String(), &tomb)
	if repoRec != nil {
		s.cache.Add(repoCacheKey(tomb.Repo), repoRec)
	}

	return nil
}

// GetRepository ...
func (s *BadgerStore) GetRepository(r rid.RID) (*object.Repository, error) {
	if cached, ok := s.cache.Get(repoCacheKey(r)); ok {
		return cached.(*object.Repository), nil
	}

	data, err := s.dbGet(repoKey(r))
	if isKeyNotFound(err) {
		return nil, cm.NewStoreErr("Repository", cm.KeyNotFound, r.String())
	}
	if err != nil {
		return nil, cm.NewStoreErr("Repository", cm.Unavailable, r.String())
	}

	repo := new(object.Repository)
	if err := repo.Unmarshal(data); err != nil {
		return nil, err
	}
	s.cache.Add(repoCacheKey(r), repo)

	return repo, nil
}

// Repositories lists tracked repositories, most recently updated first.
func (s *BadgerStore) Repositories() ([]*object.Repository, error) {
	repos := []*object.Repository{}
	prefix := []byte(repoPrefix + "_")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			repo := new(object.Repository)
			if err := repo.Unmarshal(v); err != nil {
				return err
			}
			repos = append(repos, repo)
		}
		return nil
	})

	if err != nil {
		return nil, cm.NewStoreErr("Repository", cm.Unavailable, "all")
	}

	sort.Slice(repos, func(i, j int) bool {
		if !repos[i].LastUpdated.Equal(repos[j].LastUpdated) {
			return repos[i].LastUpdated.After(repos[j].LastUpdated)
		}
		return repos[i].Rid < repos[j].Rid
	})

	return repos, nil
}

// RepositoryEvents lists event records for one repository, newest first,
// paged by limit/offset.
func (s *BadgerStore) RepositoryEvents(repo rid.RID, limit, offset int) ([]*EventRecord, error) {
	limit, offset = clampPage(limit, offset)

	rids := []rid.RID{}
	prefix := historyScanPrefix(repo)
	seek := append(append([]byte{}, prefix...), 0xFF)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		skipped := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if len(rids) >= limit {
				break
			}
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rids = append(rids, rid.RID(v))
		}
		return nil
	})

	if err != nil {
		return nil, cm.NewStoreErr("Record", cm.Unavailable, repo.String())
	}

	out := []*EventRecord{}
	for _, r := range rids {
		rec, err := s.getRecord(r)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, rec.projection())
	}

	return out, nil
}

// Record ...
func (s *BadgerStore) Record(r rid.RID) (*EventRecord, error) {
	rec, err := s.getRecord(r)
	if err != nil {
		return nil, err
	}
	return rec.projection(), nil
}

// Counts ...
func (s *BadgerStore) Counts() (Stats, error) {
	stats := Stats{}
	recPrefix := []byte(recordPrefix + "_")
	repPrefix := []byte(repoPrefix + "_")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec := new(record)
			if err := rec.Unmarshal(v); err != nil {
				return err
			}
			if rec.Manifest.Rid.Type() == rid.EventType {
				stats.Events++
			}
			if rec.Tombstone {
				stats.Tombstones++
			}
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		rit := txn.NewIterator(opts)
		defer rit.Close()

		for rit.Seek(repPrefix); rit.ValidForPrefix(repPrefix); rit.Next() {
			stats.Repositories++
		}
		return nil
	})

	if err != nil {
		return Stats{}, cm.NewStoreErr("Record", cm.Unavailable, "counts")
	}

	return stats, nil
}

// PruneBefore drops activity-event records older than cutoff, together with
// their type-index and history entries. Repository records are kept.
func (s *BadgerStore) PruneBefore(cutoff time.Time) (int, error) {
	victims := []rid.RID{}
	recPrefix := []byte(recordPrefix + "_")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(recPrefix); it.ValidForPrefix(recPrefix); it.Next() {
			v, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec := new(record)
			if err := rec.Unmarshal(v); err != nil {
				return err
			}
			r := rec.Manifest.Rid
			if r.Type() == rid.EventType && rec.Manifest.Timestamp.Before(cutoff) {
				victims = append(victims, r)
			}
		}
		return nil
	})

	if err != nil {
		return 0, cm.NewStoreErr("Record", cm.Unavailable, "prune")
	}

	pruned := 0
	for _, r := range victims {
		mu := s.ridLocks.Get(r.String())
		mu.Lock()

		rec, err := s.getRecord(r)
		if err != nil || !rec.Manifest.Timestamp.Before(cutoff) {
			mu.Unlock()
			continue
		}

		tx := s.db.NewTransaction(true)
		tx.Delete(recordKey(r))
		tx.Delete(typeKey(r.Type(), r))
		if rec.Repo != "" {
			tx.Delete(historyKey(rec.Repo, rec.Manifest.Timestamp, r.LocalID()))
		}
		if err := tx.Commit(); err != nil {
			tx.Discard()
			mu.Unlock()
			return pruned, cm.NewStoreErr("Record", cm.Unavailable, r.String())
		}
		tx.Discard()
		s.cache.Remove(r.String())
		pruned++

		mu.Unlock()
	}

	return pruned, nil
}

// Close ...
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
