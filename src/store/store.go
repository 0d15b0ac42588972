// Package store implements the durable index of known resources. It is the
// single source of truth for classification: every delivery, local or remote,
// is compared against the stored manifest before anything is fanned out.
package store

import (
	"bytes"
	"fmt"
	"time"

	"github.com/ugorji/go/codec"

	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

// Store is the index contract shared by the in-memory and Badger-backed
// implementations.
//
// Put is the single writer path: it classifies the bundle against the stored
// manifest (NEW, UPDATE, or EventNoop for an unchanged or stale content hash)
// and atomically persists the bundle together with the owning repository
// record's last_updated bump. Concurrent Puts for the same RID are
// serialized; different RIDs proceed concurrently.
type Store interface {
	Put(b *object.Bundle) (object.EventType, error)
	GetManifest(r rid.RID) (*object.Manifest, error)
	GetBundle(r rid.RID) (*object.Bundle, error)
	GetTombstone(r rid.RID) (*object.Bundle, error)
	ListByType(ridType string) ([]rid.RID, error)
	Forget(r rid.RID) error

	GetRepository(r rid.RID) (*object.Repository, error)
	Repositories() ([]*object.Repository, error)
	RepositoryEvents(repo rid.RID, limit, offset int) ([]*EventRecord, error)
	Record(r rid.RID) (*EventRecord, error)
	Counts() (Stats, error)
	PruneBefore(cutoff time.Time) (int, error)

	Close() error
}

// EventRecord is the query-surface projection of one indexed resource.
type EventRecord struct {
	Rid         rid.RID          `json:"rid"`
	Repository  rid.RID          `json:"repository,omitempty"`
	Kind        string           `json:"kind,omitempty"`
	Summary     string           `json:"summary,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	ContentHash string           `json:"content_hash"`
	Type        object.EventType `json:"event_type"`
	Tombstoned  bool             `json:"tombstoned,omitempty"`
}

// Stats ...
type Stats struct {
	Repositories int `json:"repositories"`
	Events       int `json:"events"`
	Tombstones   int `json:"tombstones"`
}

// record is the stored form of one indexed resource. The manifest survives a
// Forget (tombstone) so retraction events remain resolvable for queued
// deliveries; the contents do not.
type record struct {
	Manifest  *object.Manifest
	Contents  map[string]interface{}
	Repo      rid.RID
	Kind      string
	Summary   string
	LastType  object.EventType
	Tombstone bool
}

// Marshal - canonical json encoding of record
func (r *record) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(r); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (r *record) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(r)
}

func (r *record) projection() *EventRecord {
	return &EventRecord{
		Rid:         r.Manifest.Rid,
		Repository:  r.Repo,
		Kind:        r.Kind,
		Summary:     r.Summary,
		Timestamp:   r.Manifest.Timestamp,
		ContentHash: r.Manifest.ContentHash,
		Type:        r.LastType,
		Tombstoned:  r.Tombstone,
	}
}

// classify derives the event type for an incoming bundle given the stored
// record, if any. A matching content hash is the idempotent no-op path, and
// so is a differing hash carrying an older timestamp (out-of-order
// re-delivery must never roll the index backwards). A delivery for a
// tombstoned RID re-indexes it as NEW.
func classify(prev *record, b *object.Bundle) object.EventType {
	if prev == nil {
		return object.EventNew
	}
	if prev.Tombstone {
		return object.EventNew
	}
	if prev.Manifest.ContentHash == b.Manifest.ContentHash {
		return object.EventNoop
	}
	if b.Manifest.Timestamp.Before(prev.Manifest.Timestamp) {
		return object.EventNoop
	}
	return object.EventUpdate
}

// newRecord builds the record to store for an accepted (non-noop) bundle.
func newRecord(b *object.Bundle, et object.EventType) *record {
	rec := &record{
		Manifest: b.Manifest,
		Contents: b.Contents,
		LastType: et,
	}

	if repo, ok := repositoryOf(b.Rid()); ok {
		rec.Repo = repo
	}
	if k, ok := b.Contents["kind"].(string); ok {
		rec.Kind = k
	}
	if s, ok := b.Contents["summary"].(string); ok {
		rec.Summary = s
	}

	return rec
}

// repositoryOf returns the owning repository RID for activity events; other
// resource types have no owning repository.
func repositoryOf(r rid.RID) (rid.RID, bool) {
	if r.Type() != rid.EventType {
		return "", false
	}
	repo, err := rid.RepositoryRID(r.Scope())
	if err != nil {
		return "", false
	}
	return repo, true
}

// repositoryURL resolves the clone/browse URL for the repository owning b,
// preferring an explicit repo_url field in the contents.
func repositoryURL(scope string, contents map[string]interface{}) string {
	if u, ok := contents["repo_url"].(string); ok && u != "" {
		return u
	}
	return fmt.Sprintf("https://github.com/%s", scope)
}

// touchRepository creates or bumps the repository record owning an accepted
// bundle or retraction.
func touchRepository(existing *object.Repository, repo rid.RID, scope string, contents map[string]interface{}, ts time.Time) *object.Repository {
	if existing == nil {
		return &object.Repository{
			Rid:          repo,
			URL:          repositoryURL(scope, contents),
			FirstIndexed: ts,
			LastUpdated:  ts,
		}
	}
	up := *existing
	if ts.After(up.LastUpdated) {
		up.LastUpdated = ts
	}
	return &up
}

// clampPage normalizes limit/offset for the paged listings.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
