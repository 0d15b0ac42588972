package net

import (
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

// BroadcastRequest is the push part of the distribution protocol. It carries
// a batch of events to a subscribed peer without being asked. The receiver
// reclassifies every event against its own index; the embedded event types
// are advisory only.
type BroadcastRequest struct {
	FromRID rid.RID         `json:"from_rid"`
	Events  []*object.Event `json:"events"`
}

// BroadcastResponse acknowledges a broadcast. Acceptance is idempotent, so
// there is no payload; a malformed batch surfaces as an RPC error instead.
type BroadcastResponse struct {
	FromRID rid.RID `json:"from_rid"`
}

// PollRequest is the pull part of the distribution protocol. The polling
// peer identifies itself and bounds how many queued events it will take.
type PollRequest struct {
	FromRID rid.RID `json:"from_rid"`
	Limit   int     `json:"limit"`
}

// PollResponse returns the peer's queued events in delivery order.
// Retractions arrive as FORGET events with empty contents.
type PollResponse struct {
	FromRID rid.RID         `json:"from_rid"`
	Events  []*object.Event `json:"events"`
}

// FetchRidsRequest asks which resources of the given types the node indexes.
// Unknown types contribute nothing; they are not an error.
type FetchRidsRequest struct {
	FromRID  rid.RID  `json:"from_rid"`
	RidTypes []string `json:"rid_types"`
}

// FetchRidsResponse lists the union of known RIDs across the requested types.
type FetchRidsResponse struct {
	FromRID rid.RID   `json:"from_rid"`
	Rids    []rid.RID `json:"rids"`
}

// FetchManifestsRequest asks for the manifests of specific RIDs.
type FetchManifestsRequest struct {
	FromRID rid.RID   `json:"from_rid"`
	Rids    []rid.RID `json:"rids"`
}

// FetchManifestsResponse partitions the requested RIDs into found manifests
// and not_found.
type FetchManifestsResponse struct {
	FromRID   rid.RID            `json:"from_rid"`
	Manifests []*object.Manifest `json:"manifests"`
	NotFound  []rid.RID          `json:"not_found"`
}

// FetchBundlesRequest asks for the full bundles of specific RIDs.
type FetchBundlesRequest struct {
	FromRID rid.RID   `json:"from_rid"`
	Rids    []rid.RID `json:"rids"`
}

// FetchBundlesResponse partitions every requested RID into exactly one of
// bundles (found), not_found (never seen or forgotten), or deferred (a type
// this node does not index, so another node may still hold it).
type FetchBundlesResponse struct {
	FromRID  rid.RID          `json:"from_rid"`
	Bundles  []*object.Bundle `json:"bundles"`
	NotFound []rid.RID        `json:"not_found"`
	Deferred []rid.RID        `json:"deferred"`
}
