// Package peers defines the concept of a subscription edge and implements
// functions to manage collections of edges.
//
// An edge describes one peer node's subscription to events from the local
// node. A peer is identified by its node RID, and optionaly a moniker which
// is a non-unique user-friendly name. An edge also carries the peer's network
// address, its node type, its delivery mode, and a provides filter listing
// the resource types the peer wants.
//
// The node type distinguishes full nodes, which replicate whole bundles, from
// partial nodes, which only track manifests and fetch contents on demand. The
// delivery mode distinguishes push edges, which the local node dials as soon
// as an event is accepted, from pull edges, which poll at their own pace.
// Partial nodes are always normalized to pull mode because they cannot accept
// unsolicited payloads.
//
// The Registry is the in-memory, lock-protected view of the current edges,
// indexed by peer RID. It is the authority the node consults when fanning out
// an event or authenticating a poll.
//
// Upon starting up, forgemesh expects to find an edges.json file in its data
// directory, representing the edges registered with previous runs. Changes to
// the registry made through the HTTP service are written back to the same
// file, so subscriptions survive restarts.
package peers
