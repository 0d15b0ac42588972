package node

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/net"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/queue"
	"github.com/forgemesh/forgemesh/src/rid"
)

func (n *Node) requestBroadcast(target string, events []*object.Event) error {
	args := net.BroadcastRequest{
		FromRID: n.rid,
		Events:  events,
	}

	var out net.BroadcastResponse

	return n.trans.Broadcast(target, &args, &out)
}

func (n *Node) requestPoll(target string, limit int) (net.PollResponse, error) {
	args := net.PollRequest{
		FromRID: n.rid,
		Limit:   limit,
	}

	var out net.PollResponse

	err := n.trans.Poll(target, &args, &out)

	return out, err
}

func (n *Node) requestFetchRids(target string, ridTypes []string) (net.FetchRidsResponse, error) {
	args := net.FetchRidsRequest{
		FromRID:  n.rid,
		RidTypes: ridTypes,
	}

	var out net.FetchRidsResponse

	err := n.trans.FetchRids(target, &args, &out)

	return out, err
}

func (n *Node) requestFetchManifests(target string, rids []rid.RID) (net.FetchManifestsResponse, error) {
	args := net.FetchManifestsRequest{
		FromRID: n.rid,
		Rids:    rids,
	}

	var out net.FetchManifestsResponse

	err := n.trans.FetchManifests(target, &args, &out)

	return out, err
}

func (n *Node) requestFetchBundles(target string, rids []rid.RID) (net.FetchBundlesResponse, error) {
	args := net.FetchBundlesRequest{
		FromRID: n.rid,
		Rids:    rids,
	}

	var out net.FetchBundlesResponse

	err := n.trans.FetchBundles(target, &args, &out)

	return out, err
}

// PollPeer drains up to limit queued events from a remote node and applies
// them locally. This is the consuming side of pull delivery; scheduling the
// polls belongs to the caller.
func (n *Node) PollPeer(target string, limit int) (int, error) {
	start := time.Now()
	resp, err := n.requestPoll(target, limit)
	elapsed := time.Since(start)
	n.logger.WithField("duration", elapsed.Nanoseconds()).Debug("requestPoll()")

	if err != nil {
		return 0, err
	}

	applied := 0

	for _, ev := range resp.Events {
		if err := checkEvent(ev); err != nil {
			n.logger.WithError(err).Error("Checking polled event")
			continue
		}

		out, err := n.apply(ev)
		if err != nil {
			return applied, err
		}

		if out.Type != object.EventNoop {
			n.fanOut(out)
			applied++
		}
	}

	return applied, nil
}

func (n *Node) processRPC(rpc net.RPC) {
	switch cmd := rpc.Command.(type) {
	case *net.BroadcastRequest:
		n.processBroadcastRequest(rpc, cmd)
	case *net.PollRequest:
		n.processPollRequest(rpc, cmd)
	case *net.FetchRidsRequest:
		n.processFetchRidsRequest(rpc, cmd)
	case *net.FetchManifestsRequest:
		n.processFetchManifestsRequest(rpc, cmd)
	case *net.FetchBundlesRequest:
		n.processFetchBundlesRequest(rpc, cmd)
	default:
		n.logger.WithField("cmd", rpc.Command).Error("Unexpected RPC command")
		rpc.Respond(nil, fmt.Errorf("unexpected command"))
	}
}

func (n *Node) processBroadcastRequest(rpc net.RPC, cmd *net.BroadcastRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_rid": cmd.FromRID,
		"events":   len(cmd.Events),
	}).Debug("process BroadcastRequest")

	//Validate the entire batch before touching the store. A malformed batch
	//is refused wholesale; nothing from it is applied.
	if err := checkBatch(cmd.Events); err != nil {
		n.logger.WithError(err).Error("Checking batch")
		rpc.Respond(nil, err)
		return
	}

	var respErr error

	accepted := []*object.Event{}

	for _, ev := range cmd.Events {
		out, err := n.apply(ev)
		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"rid":   ev.Rid,
				"error": err,
			}).Error("Applying event")
			respErr = err
			break
		}

		if out.Type != object.EventNoop {
			accepted = append(accepted, out)
		}
	}

	//Fan out whatever was accepted even when a store failure cut the batch
	//short. The sender retries the whole batch; the applied prefix converges
	//as no-ops, which are not fanned out a second time.
	for _, ev := range accepted {
		n.fanOut(ev)
	}

	resp := &net.BroadcastResponse{FromRID: n.rid}

	n.logger.WithFields(logrus.Fields{
		"accepted": len(accepted),
		"rpc_err":  respErr,
	}).Debug("Responding to BroadcastRequest")

	rpc.Respond(resp, respErr)
}

func (n *Node) processPollRequest(rpc net.RPC, cmd *net.PollRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_rid": cmd.FromRID,
		"limit":    cmd.Limit,
	}).Debug("process PollRequest")

	if _, ok := n.registry.Edge(cmd.FromRID); !ok {
		rpc.Respond(nil, UnknownPeerError{PeerRID: cmd.FromRID})
		return
	}

	limit := cmd.Limit
	if limit <= 0 || limit > n.conf.PollMaxLimit {
		limit = n.conf.PollMaxLimit
	}

	//No two drains for the same peer may interleave, or entries would double
	//deliver against a stale cursor.
	lock := n.pollLocks.Get(cmd.FromRID.String())
	lock.Lock()
	defer lock.Unlock()

	entries, err := n.queue.Drain(cmd.FromRID, limit)
	if err != nil {
		rpc.Respond(nil, err)
		return
	}

	events := make([]*object.Event, 0, len(entries))

	for _, e := range entries {
		ev, err := n.resolveEntry(e)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				//The resource and its tombstone were both pruned after the
				//entry was queued. The entry is undeliverable; the cursor
				//advance below skips past it.
				n.logger.WithField("rid", e.Rid).Debug("Dropping pruned queue entry")
				continue
			}
			rpc.Respond(nil, err)
			return
		}
		events = append(events, ev)
	}

	resp := &net.PollResponse{
		FromRID: n.rid,
		Events:  events,
	}

	n.logger.WithFields(logrus.Fields{
		"from_rid": cmd.FromRID,
		"events":   len(events),
	}).Debug("Responding to PollRequest")

	if len(entries) == 0 {
		rpc.Respond(resp, nil)
		return
	}

	//The cursor only advances once the transport confirms the response was
	//handed off. An unconfirmed delivery re-serves the same entries on the
	//next poll.
	delivered := make(chan error, 1)
	rpc.RespondConfirmed(resp, nil, delivered)

	select {
	case err := <-delivered:
		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"from_rid": cmd.FromRID,
				"error":    err,
			}).Error("Poll delivery failed")
			return
		}
	case <-time.After(n.conf.PushTimeout):
		n.logger.WithField("from_rid", cmd.FromRID).Debug("Poll delivery unconfirmed")
		return
	}

	if err := n.queue.Ack(cmd.FromRID, entries[len(entries)-1].Seq); err != nil {
		n.logger.WithFields(logrus.Fields{
			"from_rid": cmd.FromRID,
			"error":    err,
		}).Error("Advancing cursor")
	}
}

func (n *Node) processFetchRidsRequest(rpc net.RPC, cmd *net.FetchRidsRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_rid":  cmd.FromRID,
		"rid_types": cmd.RidTypes,
	}).Debug("process FetchRidsRequest")

	resp := &net.FetchRidsResponse{FromRID: n.rid}

	var respErr error

	seen := map[rid.RID]bool{}

	for _, t := range cmd.RidTypes {
		rids, err := n.store.ListByType(t)
		if err != nil {
			respErr = err
			break
		}

		for _, r := range rids {
			if seen[r] {
				continue
			}
			seen[r] = true
			resp.Rids = append(resp.Rids, r)
		}
	}

	n.logger.WithFields(logrus.Fields{
		"rids":    len(resp.Rids),
		"rpc_err": respErr,
	}).Debug("Responding to FetchRidsRequest")

	rpc.Respond(resp, respErr)
}

func (n *Node) processFetchManifestsRequest(rpc net.RPC, cmd *net.FetchManifestsRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_rid": cmd.FromRID,
		"rids":     len(cmd.Rids),
	}).Debug("process FetchManifestsRequest")

	resp := &net.FetchManifestsResponse{FromRID: n.rid}

	var respErr error

	for _, r := range cmd.Rids {
		m, err := n.store.GetManifest(r)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				resp.NotFound = append(resp.NotFound, r)
				continue
			}
			respErr = err
			break
		}
		resp.Manifests = append(resp.Manifests, m)
	}

	n.logger.WithFields(logrus.Fields{
		"manifests": len(resp.Manifests),
		"not_found": len(resp.NotFound),
		"rpc_err":   respErr,
	}).Debug("Responding to FetchManifestsRequest")

	rpc.Respond(resp, respErr)
}

func (n *Node) processFetchBundlesRequest(rpc net.RPC, cmd *net.FetchBundlesRequest) {
	n.logger.WithFields(logrus.Fields{
		"from_rid": cmd.FromRID,
		"rids":     len(cmd.Rids),
	}).Debug("process FetchBundlesRequest")

	resp := &net.FetchBundlesResponse{FromRID: n.rid}

	var respErr error

	//Every requested RID lands in exactly one of bundles, not_found, or
	//deferred.
	for _, r := range cmd.Rids {
		parsed, err := rid.Parse(r.String())
		if err != nil {
			//A string outside the RID grammar identifies nothing, anywhere.
			resp.NotFound = append(resp.NotFound, r)
			continue
		}

		if !n.indexes(parsed.Type()) {
			resp.Deferred = append(resp.Deferred, r)
			continue
		}

		b, err := n.store.GetBundle(r)
		if err != nil {
			if cm.IsStore(err, cm.KeyNotFound) {
				resp.NotFound = append(resp.NotFound, r)
				continue
			}
			respErr = err
			break
		}
		resp.Bundles = append(resp.Bundles, b)
	}

	n.logger.WithFields(logrus.Fields{
		"bundles":   len(resp.Bundles),
		"not_found": len(resp.NotFound),
		"deferred":  len(resp.Deferred),
		"rpc_err":   respErr,
	}).Debug("Responding to FetchBundlesRequest")

	rpc.Respond(resp, respErr)
}

// indexes reports whether this node is authoritative for a rid type.
func (n *Node) indexes(ridType string) bool {
	for _, t := range n.conf.RidTypes {
		if t == ridType {
			return true
		}
	}
	return false
}

// apply runs one received event through the local classification. The
// sender's event type is advisory: content-bearing events are reclassified by
// the store, and only the FORGET marker is honored as a retraction.
func (n *Node) apply(ev *object.Event) (*object.Event, error) {
	if ev.Type == object.EventForget {
		return n.applyForget(ev)
	}

	b := ev.Bundle()

	et, err := n.store.Put(b)
	if err != nil {
		return nil, err
	}

	return object.NewEvent(et, b), nil
}

// applyForget retracts a resource on a peer's say-so. Unknown and already
// tombstoned RIDs are the idempotent no-op path.
func (n *Node) applyForget(ev *object.Event) (*object.Event, error) {
	if _, err := n.store.GetManifest(ev.Rid); err != nil {
		if cm.IsStore(err, cm.KeyNotFound) {
			return object.NewEvent(object.EventNoop, ev.Bundle()), nil
		}
		return nil, err
	}

	if err := n.store.Forget(ev.Rid); err != nil {
		return nil, err
	}

	tomb, err := n.store.GetTombstone(ev.Rid)
	if err != nil {
		return nil, err
	}

	return object.ForgetEvent(tomb.Manifest), nil
}

// resolveEntry reconstructs the deliverable event for one queue entry.
// Entries outlive the resources they reference: a RID tombstoned after being
// queued is served as a FORGET with no contents, never silently skipped.
func (n *Node) resolveEntry(e *queue.Entry) (*object.Event, error) {
	if e.Type == object.EventForget {
		tomb, err := n.store.GetTombstone(e.Rid)
		if err != nil {
			return nil, err
		}
		return object.ForgetEvent(tomb.Manifest), nil
	}

	b, err := n.store.GetBundle(e.Rid)
	if err != nil {
		if !cm.IsStore(err, cm.KeyNotFound) {
			return nil, err
		}

		tomb, terr := n.store.GetTombstone(e.Rid)
		if terr != nil {
			return nil, terr
		}
		return object.ForgetEvent(tomb.Manifest), nil
	}

	return object.NewEvent(e.Type, b), nil
}

func checkBatch(events []*object.Event) error {
	for i, ev := range events {
		if err := checkEvent(ev); err != nil {
			return MalformedBatchError{Index: i, Err: err}
		}
	}
	return nil
}

func checkEvent(ev *object.Event) error {
	if ev == nil {
		return fmt.Errorf("nil event")
	}

	if !ev.Type.Wire() {
		return fmt.Errorf("%s is not a wire event type", ev.Type)
	}

	b := ev.Bundle()
	if err := b.Check(); err != nil {
		return err
	}

	if ev.Rid != ev.Manifest.Rid {
		return fmt.Errorf("event rid %s does not match manifest rid %s", ev.Rid, ev.Manifest.Rid)
	}

	if ev.Type != object.EventForget && ev.Contents == nil {
		return fmt.Errorf("%s event for %s has no contents", ev.Type, ev.Rid)
	}

	return nil
}
