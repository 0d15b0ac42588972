// Package node implements the reactive component of a forgemesh node.
//
// This is the part of forgemesh that ties the index store, the subscription
// registry, and the per-peer delivery queues to the network. Node implements
// a small state machine: CatchingUp while replaying a bootstrap peer's index,
// Running during normal operation, and Shutdown.
//
// Distribution
//
// Nodes communicate with other nodes through the custom RPC protocol defined
// in the net package. Whenever a node accepts an event, locally through
// intake or remotely through a broadcast, it fans the event out to every
// subscribed edge. Push edges receive an immediate Broadcast call; pull edges
// get an entry appended to their durable queue, which they drain with Poll
// calls at their own pace. A failed or timed-out push also falls back to the
// queue, so push subscribers never get weaker delivery guarantees than pull
// subscribers.
//
// Receivers never trust the event types a sender attached. Every incoming
// bundle is reclassified against the local index, which turns re-deliveries
// into no-ops and makes the whole distribution protocol idempotent. Poll
// responses advance the sender-side cursor only after the transport confirms
// the response was written out; an unconfirmed delivery re-serves the same
// entries on the next poll, which gives at-least-once, in-order delivery per
// peer.
//
// Catch-up
//
// A node configured with a bootstrap peer starts in the CatchingUp state. It
// asks the peer for the RIDs of every resource type it indexes, compares the
// peer's manifests against its own index to skip resources that are already
// current, fetches the missing bundles, and applies them through the same
// classification path as live traffic. Catch-up is opportunistic: if the
// bootstrap peer cannot be reached the node logs the failure and enters
// Running anyway, converging later through normal distribution.
//
// Maintenance
//
// A background janitor pass runs on a jittered timer. It prunes event records
// older than the retention window, deletes queue entries that polling peers
// have acknowledged, and drops the queues of peers whose edges have been
// removed.
package node
