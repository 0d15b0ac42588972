// Package object defines the value types exchanged on the network: manifests,
// bundles, events, and repository records. All of them are content-addressed
// through the canonical hash in hash.go.
package object

import (
	"fmt"
	"time"

	"github.com/forgemesh/forgemesh/src/rid"
)

// EventType classifies how a resource changed relative to the local index.
// The classification is always derived locally, never taken from a sender.
type EventType string

const (
	EventNew    EventType = "NEW"
	EventUpdate EventType = "UPDATE"
	EventForget EventType = "FORGET"

	// EventNoop classifies a delivery whose content hash matches the stored
	// manifest. It never goes on the wire and is never fanned out.
	EventNoop EventType = "NOOP"
)

// Wire reports whether the type is one a peer may legitimately send or
// receive.
func (t EventType) Wire() bool {
	return t == EventNew || t == EventUpdate || t == EventForget
}

func (t EventType) String() string {
	return string(t)
}

// Manifest is the lightweight metadata record for one resource.
type Manifest struct {
	Rid         rid.RID   `json:"rid"`
	Timestamp   time.Time `json:"timestamp"`
	ContentHash string    `json:"content_hash"`
}

// NewManifest stamps a manifest for the given contents, computing the
// canonical content hash.
func NewManifest(r rid.RID, ts time.Time, contents map[string]interface{}) (*Manifest, error) {
	hash, err := HashContents(contents)
	if err != nil {
		return nil, err
	}
	return &Manifest{
		Rid:         r,
		Timestamp:   ts.UTC(),
		ContentHash: hash,
	}, nil
}

// Marshal - canonical json encoding of Manifest
func (m *Manifest) Marshal() ([]byte, error) {
	return marshalCanonical(m)
}

// Unmarshal ...
func (m *Manifest) Unmarshal(data []byte) error {
	return unmarshalCanonical(data, m)
}

// Bundle is a manifest plus the full opaque contents. A tombstone bundle
// carries a nil contents map.
type Bundle struct {
	Manifest *Manifest              `json:"manifest"`
	Contents map[string]interface{} `json:"contents"`
}

// NewBundle stamps a manifest over contents and wraps both.
func NewBundle(r rid.RID, ts time.Time, contents map[string]interface{}) (*Bundle, error) {
	m, err := NewManifest(r, ts, contents)
	if err != nil {
		return nil, err
	}
	return &Bundle{Manifest: m, Contents: contents}, nil
}

// Tombstone returns the manifest-only view of a retracted resource.
func Tombstone(m *Manifest) *Bundle {
	return &Bundle{Manifest: m}
}

// Rid returns the bundle's identifier.
func (b *Bundle) Rid() rid.RID {
	if b.Manifest == nil {
		return ""
	}
	return b.Manifest.Rid
}

// Check verifies the bundle's internal consistency: a parseable RID, and a
// content hash that matches the contents. Tombstones (nil contents) skip the
// hash check.
func (b *Bundle) Check() error {
	if b.Manifest == nil {
		return fmt.Errorf("bundle has no manifest")
	}
	if _, err := rid.Parse(string(b.Manifest.Rid)); err != nil {
		return err
	}
	if b.Contents == nil {
		return nil
	}
	hash, err := HashContents(b.Contents)
	if err != nil {
		return err
	}
	if hash != b.Manifest.ContentHash {
		return fmt.Errorf("content hash mismatch for %s", b.Manifest.Rid)
	}
	return nil
}

// Marshal - canonical json encoding of Bundle
func (b *Bundle) Marshal() ([]byte, error) {
	return marshalCanonical(b)
}

// Unmarshal ...
func (b *Bundle) Unmarshal(data []byte) error {
	return unmarshalCanonical(data, b)
}

// Event is a typed change notification carrying a bundle.
type Event struct {
	Rid      rid.RID                `json:"rid"`
	Type     EventType              `json:"event_type"`
	Manifest *Manifest              `json:"manifest"`
	Contents map[string]interface{} `json:"contents"`
}

// NewEvent wraps a bundle with its derived classification.
func NewEvent(t EventType, b *Bundle) *Event {
	return &Event{
		Rid:      b.Rid(),
		Type:     t,
		Manifest: b.Manifest,
		Contents: b.Contents,
	}
}

// ForgetEvent builds the retraction notification for a tombstoned resource.
func ForgetEvent(m *Manifest) *Event {
	return &Event{
		Rid:      m.Rid,
		Type:     EventForget,
		Manifest: m,
	}
}

// Bundle returns the event's payload view.
func (e *Event) Bundle() *Bundle {
	return &Bundle{Manifest: e.Manifest, Contents: e.Contents}
}

// Marshal - canonical json encoding of Event
func (e *Event) Marshal() ([]byte, error) {
	return marshalCanonical(e)
}

// Unmarshal ...
func (e *Event) Unmarshal(data []byte) error {
	return unmarshalCanonical(data, e)
}

// Repository records one tracked source repository. Repository records are
// created on first sight and never deleted by the node itself.
type Repository struct {
	Rid          rid.RID   `json:"rid"`
	URL          string    `json:"url"`
	FirstIndexed time.Time `json:"first_indexed"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Marshal - canonical json encoding of Repository
func (r *Repository) Marshal() ([]byte, error) {
	return marshalCanonical(r)
}

// Unmarshal ...
func (r *Repository) Unmarshal(data []byte) error {
	return unmarshalCanonical(data, r)
}
