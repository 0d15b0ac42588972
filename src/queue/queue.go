// Package queue implements the per-peer outbound delivery queues. Each
// pull-subscribed peer has an independent, durable, gapless sequence of
// entries; a durable cursor marks the last acknowledged delivery.
//
// The append and the cursor advance are separate writes on purpose. Entries
// are appended when an event is accepted; the cursor advances only when the
// poll handler confirms the response left the node. A crash between the two
// replays the same entries, which keeps delivery at-least-once and never
// lossy.
package queue

import (
	"bytes"

	"github.com/ugorji/go/codec"

	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

// Entry points one peer at one indexed resource. It carries no payload; the
// poll handler resolves the RID against the index store at serve time.
type Entry struct {
	PeerRID rid.RID          `json:"peer_rid"`
	Seq     uint64           `json:"sequence_no"`
	Rid     rid.RID          `json:"rid"`
	Type    object.EventType `json:"event_type"`
}

// Marshal - canonical json encoding of Entry
func (e *Entry) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(e); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal ...
func (e *Entry) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(e)
}

// Queue is the contract shared by the in-memory and Badger-backed
// implementations.
//
// Drain returns up to limit entries starting after the peer's acked cursor
// without advancing anything; Ack advances the cursor. Serializing a
// drain/ack pair per peer is the caller's responsibility; enqueues for the
// same peer are serialized internally so sequence numbers stay gapless.
type Queue interface {
	Enqueue(peer, r rid.RID, et object.EventType) (*Entry, error)
	Drain(peer rid.RID, limit int) ([]*Entry, error)
	Ack(peer rid.RID, seq uint64) error
	Depth(peer rid.RID) (int, error)
	Peers() ([]rid.RID, error)
	Drop(peer rid.RID) error
	Reclaim(peer rid.RID) (int, error)
	Close() error
}
