// Package peers defines the concept of a Forgemesh edge and implements the
// subscription registry consulted on every fan-out decision.
//
// An edge is a negotiated relationship between this node and one peer. It
// records where the peer can be reached, whether the peer is a full node
// (indexes and serves resources itself) or a partial node (consumes only),
// which RID types the peer wants event notifications for, which RID types it
// holds state for, and the delivery mode. Push edges receive events through
// an immediate broadcast call; pull edges have events appended to a durable
// per-peer queue which the peer drains by polling. Partial nodes cannot
// accept inbound connections, so they are pull-only by construction.
//
// Upon starting up, a node loads its edges from an edges.json file in its
// data directory. The negotiation handshake that establishes new edges at
// runtime writes the same file back, so a restart preserves the peering
// state.
package peers

import "github.com/forgemesh/forgemesh/src/rid"

// NodeType qualifies what a peer is capable of serving.
type NodeType string

const (
	// FullNode indexes resources and answers fetch operations.
	FullNode NodeType = "FULL"
	// PartialNode only consumes events; it serves nothing.
	PartialNode NodeType = "PARTIAL"
)

// DeliveryMode is how events reach the peer.
type DeliveryMode string

const (
	// PushMode delivers through an immediate broadcast call.
	PushMode DeliveryMode = "PUSH"
	// PullMode appends to the peer's queue, drained by poll.
	PullMode DeliveryMode = "PULL"
)

// Provides lists the RID types a peer subscribes to. Event types get
// notifications; State types mark the peer as holding resources of that type,
// which matters when retractions must reach every holder.
type Provides struct {
	Event []string `json:"event"`
	State []string `json:"state"`
}

// Edge is one negotiated subscription relationship.
type Edge struct {
	PeerRID  rid.RID      `json:"peer_rid"`
	NetAddr  string       `json:"net_addr"`
	Moniker  string       `json:"moniker,omitempty"`
	NodeType NodeType     `json:"node_type"`
	Mode     DeliveryMode `json:"delivery_mode"`
	Provides Provides     `json:"provides"`
}

// NewEdge creates an Edge, normalizing partial nodes to pull mode.
func NewEdge(peer rid.RID, netAddr string, nodeType NodeType, mode DeliveryMode, provides Provides) *Edge {
	edge := &Edge{
		PeerRID:  peer,
		NetAddr:  netAddr,
		NodeType: nodeType,
		Mode:     mode,
		Provides: provides,
	}

	edge.normalize()

	return edge
}

// normalize enforces the construction rules on an edge regardless of where it
// came from.
func (e *Edge) normalize() {
	if e.NodeType == "" {
		e.NodeType = FullNode
	}
	if e.Mode == "" || e.NodeType == PartialNode {
		e.Mode = PullMode
	}
}

// SubscribesEvents reports whether the peer wants event notifications for
// ridType.
func (e *Edge) SubscribesEvents(ridType string) bool {
	for _, t := range e.Provides.Event {
		if t == ridType {
			return true
		}
	}
	return false
}

// HoldsState reports whether the peer holds resources of ridType.
func (e *Edge) HoldsState(ridType string) bool {
	for _, t := range e.Provides.State {
		if t == ridType {
			return true
		}
	}
	return false
}
