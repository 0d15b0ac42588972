// Package intake receives raw activity events from the upstream producer and
// turns them into canonical Events. The producer's view of an event (a
// repository reference, an activity kind, a local identifier, a payload) is
// normalized into a RID-keyed bundle, hashed, and classified against the
// index store; the producer never dictates the event type.
package intake

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
	"github.com/forgemesh/forgemesh/src/store"
)

// RawEvent is one domain event as delivered by the producer. Payload fields
// are carried opaquely; only the repository reference, kind, and local
// identifier participate in normalization.
type RawEvent struct {
	Repository string                 `json:"repository"`
	RepoURL    string                 `json:"repo_url,omitempty"`
	Kind       string                 `json:"kind"`
	LocalID    string                 `json:"local_id"`
	Timestamp  time.Time              `json:"timestamp,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Retract    bool                   `json:"retract,omitempty"`
}

// UntrackedRepositoryError rejects events for administratively excluded
// repositories. Nothing is stored for them.
type UntrackedRepositoryError struct {
	Repository string
}

// Error implements the error interface.
func (e UntrackedRepositoryError) Error() string {
	return fmt.Sprintf("repository %s is excluded from indexing", e.Repository)
}

// Normalizer derives RIDs and content hashes for raw events and applies them
// to the index store.
type Normalizer struct {
	store    store.Store
	excluded map[string]bool
	logger   *logrus.Entry
}

// NewNormalizer creates a Normalizer. excluded lists repository references
// (owner/name) that must never be indexed.
func NewNormalizer(s store.Store, excluded []string, logger *logrus.Entry) *Normalizer {
	ex := make(map[string]bool, len(excluded))
	for _, repo := range excluded {
		ex[repo] = true
	}

	return &Normalizer{
		store:    s,
		excluded: ex,
		logger:   logger,
	}
}

// Ingest normalizes one raw event and applies it to the index store. The
// returned Event carries the derived type; EventNoop means the store already
// held this content and nothing should be fanned out. A store failure leaves
// the raw event unacknowledged so the producer retries it.
func (n *Normalizer) Ingest(raw *RawEvent) (*object.Event, error) {
	if n.excluded[raw.Repository] {
		return nil, UntrackedRepositoryError{Repository: raw.Repository}
	}

	r, err := rid.EventRID(raw.Repository, raw.LocalID)
	if err != nil {
		return nil, err
	}

	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	if raw.Retract {
		return n.retract(r, ts)
	}

	kind := raw.Kind
	if kind == "" {
		kind = "push"
	}

	contents := map[string]interface{}{
		"repository": raw.Repository,
		"kind":       kind,
		"local_id":   raw.LocalID,
		"summary":    summarize(kind, raw.Repository, raw.Payload),
	}
	if sha := commitSha(raw.Payload); sha != "" {
		contents["commit_sha"] = sha
	}
	if url := repoURL(raw); url != "" {
		contents["repo_url"] = url
	}
	if len(raw.Payload) > 0 {
		contents["payload"] = raw.Payload
	}

	bundle, err := object.NewBundle(r, ts, contents)
	if err != nil {
		return nil, err
	}

	et, err := n.store.Put(bundle)
	if err != nil {
		return nil, err
	}

	n.logger.WithFields(logrus.Fields{
		"rid":  r,
		"type": et,
	}).Debug("Ingested event")

	return object.NewEvent(et, bundle), nil
}

// retract handles an explicit producer retraction. Retracting a live RID
// tombstones it and yields a FORGET event; retracting an unknown or already
// tombstoned RID is idempotent and yields a no-op.
func (n *Normalizer) retract(r rid.RID, ts time.Time) (*object.Event, error) {
	if _, err := n.store.GetManifest(r); err != nil {
		if !cm.IsStore(err, cm.KeyNotFound) {
			return nil, err
		}

		if tomb, terr := n.store.GetTombstone(r); terr == nil {
			return object.NewEvent(object.EventNoop, tomb), nil
		}

		n.logger.WithField("rid", r).Debug("Retraction for unknown RID")
		return object.NewEvent(object.EventNoop,
			object.Tombstone(&object.Manifest{Rid: r, Timestamp: ts})), nil
	}

	if err := n.store.Forget(r); err != nil {
		return nil, err
	}

	tomb, err := n.store.GetTombstone(r)
	if err != nil {
		return nil, err
	}

	n.logger.WithField("rid", r).Debug("Retracted event")

	return object.ForgetEvent(tomb.Manifest), nil
}

// commitSha digs the head commit SHA out of the payload, accepting both the
// webhook shape (head_commit.id) and the backfill shape (sha).
func commitSha(payload map[string]interface{}) string {
	if payload == nil {
		return ""
	}
	if sha, ok := payload["sha"].(string); ok {
		return sha
	}
	if head, ok := payload["head_commit"].(map[string]interface{}); ok {
		if sha, ok := head["id"].(string); ok {
			return sha
		}
	}
	return ""
}

// repoURL prefers the producer-supplied URL, falling back to the payload's
// clone_url when the webhook embedded one.
func repoURL(raw *RawEvent) string {
	if raw.RepoURL != "" {
		return raw.RepoURL
	}
	if repo, ok := raw.Payload["repository"].(map[string]interface{}); ok {
		if url, ok := repo["clone_url"].(string); ok {
			return url
		}
	}
	return ""
}
