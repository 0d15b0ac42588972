package store

import (
	"io/ioutil"
	"log"
	"os"
	"reflect"
	"testing"
	"time"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

func initBadgerStore(cacheSize int, t *testing.T) *BadgerStore {
	os.RemoveAll("test_data")
	os.Mkdir("test_data", os.ModeDir|0777)
	dir, err := ioutil.TempDir("test_data", "badger")
	if err != nil {
		log.Fatal(err)
	}

	store, err := NewBadgerStore(cacheSize, dir, cm.NewTestEntry(t))
	if err != nil {
		t.Fatal(err)
	}

	return store
}

func removeBadgerStore(store *BadgerStore, t *testing.T) {
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(store.path); err != nil {
		t.Fatal(err)
	}
}

func TestBadgerClassification(t *testing.T) {
	s := initBadgerStore(10, t)
	defer removeBadgerStore(s, t)

	b1 := testBundle(t, "acme/widgets", "e1", t0, nil)

	et, err := s.Put(b1)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if et != object.EventNew {
		t.Fatalf("first put: %s, want NEW", et)
	}

	et, err = s.Put(testBundle(t, "acme/widgets", "e1", t0.Add(time.Hour), nil))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if et != object.EventNoop {
		t.Fatalf("re-delivery: %s, want NOOP", et)
	}

	b2 := testBundle(t, "acme/widgets", "e1", t0.Add(time.Hour),
		map[string]interface{}{"summary": "Push to acme/widgets: 1a2b3c4"})
	et, err = s.Put(b2)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if et != object.EventUpdate {
		t.Fatalf("changed hash: %s, want UPDATE", et)
	}

	got, err := s.GetBundle(b2.Rid())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if got.Manifest.ContentHash != b2.Manifest.ContentHash {
		t.Fatalf("hash: %s", got.Manifest.ContentHash)
	}
	if !reflect.DeepEqual(got.Contents["summary"], "Push to acme/widgets: 1a2b3c4") {
		t.Fatalf("contents: %v", got.Contents)
	}
}

func TestBadgerRestart(t *testing.T) {
	s := initBadgerStore(10, t)
	path := s.path
	defer os.RemoveAll(path)

	b := testBundle(t, "acme/widgets", "e1", t0, nil)
	if _, err := s.Put(b); err != nil {
		t.Fatalf("err: %v", err)
	}
	forgotten := testBundle(t, "acme/widgets", "e2", t0, nil)
	if _, err := s.Put(forgotten); err != nil {
		t.Fatalf("err: %v", err)
	}
	if err := s.Forget(forgotten.Rid()); err != nil {
		t.Fatalf("err: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("err: %v", err)
	}

	reopened, err := NewBadgerStore(10, path, cm.NewTestEntry(t))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	defer reopened.Close()

	m, err := reopened.GetManifest(b.Rid())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if m.ContentHash != b.Manifest.ContentHash {
		t.Fatalf("hash after reopen: %s", m.ContentHash)
	}

	// Classification state survived: the same bundle is still a no-op.
	et, err := reopened.Put(testBundle(t, "acme/widgets", "e1", t0, nil))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if et != object.EventNoop {
		t.Fatalf("put after reopen: %s, want NOOP", et)
	}

	// So did the tombstone.
	if _, err := reopened.GetBundle(forgotten.Rid()); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("tombstone lost on reopen: %v", err)
	}
	tomb, err := reopened.GetTombstone(forgotten.Rid())
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if tomb.Contents != nil {
		t.Fatal("tombstone must carry no contents")
	}

	rids, err := reopened.ListByType(rid.EventType)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(rids) != 1 || rids[0] != b.Rid() {
		t.Fatalf("listing after reopen: %v", rids)
	}

	repos, err := reopened.Repositories()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(repos) != 1 || repos[0].Rid != rid.RID("forge.repo:acme:widgets") {
		t.Fatalf("repos after reopen: %v", repos)
	}
}

func TestBadgerRepositoryEvents(t *testing.T) {
	s := initBadgerStore(10, t)
	defer removeBadgerStore(s, t)

	for i := 0; i < 5; i++ {
		b := testBundle(t, "acme/widgets", localID(i), t0.Add(time.Duration(i)*time.Minute), nil)
		if _, err := s.Put(b); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	repo, _ := rid.RepositoryRID("acme/widgets")

	page, err := s.RepositoryEvents(repo, 3, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page: %d", len(page))
	}
	if page[0].Rid.LocalID() != localID(4) || page[2].Rid.LocalID() != localID(2) {
		t.Fatalf("order: %s ... %s", page[0].Rid, page[2].Rid)
	}

	page, err = s.RepositoryEvents(repo, 10, 4)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page) != 1 || page[0].Rid.LocalID() != localID(0) {
		t.Fatalf("offset page: %+v", page)
	}

	// An update that moves the timestamp must move the entry, not duplicate
	// it.
	upd := testBundle(t, "acme/widgets", localID(0), t0.Add(time.Hour),
		map[string]interface{}{"summary": "amended"})
	if _, err := s.Put(upd); err != nil {
		t.Fatalf("err: %v", err)
	}

	page, err = s.RepositoryEvents(repo, 10, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page) != 5 {
		t.Fatalf("events after update: %d", len(page))
	}
	if page[0].Rid.LocalID() != localID(0) {
		t.Fatalf("updated event must sort newest: %s", page[0].Rid)
	}
}

func TestBadgerCountsAndPrune(t *testing.T) {
	s := initBadgerStore(10, t)
	defer removeBadgerStore(s, t)

	old := testBundle(t, "acme/widgets", "e1", t0.Add(-100*24*time.Hour), nil)
	if _, err := s.Put(old); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := s.Put(testBundle(t, "acme/widgets", "e2", t0, nil)); err != nil {
		t.Fatalf("err: %v", err)
	}

	stats, err := s.Counts()
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if stats.Repositories != 1 || stats.Events != 2 {
		t.Fatalf("stats: %+v", stats)
	}

	n, err := s.PruneBefore(t0.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned: %d", n)
	}

	if _, err := s.Record(old.Rid()); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("pruned record still present: %v", err)
	}

	repo, _ := rid.RepositoryRID("acme/widgets")
	page, err := s.RepositoryEvents(repo, 10, 0)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("history after prune: %d", len(page))
	}
}
