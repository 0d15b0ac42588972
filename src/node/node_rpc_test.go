package node

import (
	"errors"
	"strings"
	"testing"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/net"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/peers"
	"github.com/forgemesh/forgemesh/src/rid"
)

func makeTestRPC(cmd interface{}) (net.RPC, chan net.RPCResponse) {
	respCh := make(chan net.RPCResponse, 1)
	return net.RPC{Command: cmd, RespChan: respCh}, respCh
}

func TestProcessBroadcastReclassify(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	pullerRid := testNodeRid(t, "puller")
	if err := n.UpsertEdge(testEdge(t, "puller", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	//The sender claims UPDATE for a resource this node has never seen
	b := testBundle(t, "e1")
	cmd := &net.BroadcastRequest{
		FromRID: testNodeRid(t, "sender"),
		Events:  []*object.Event{object.NewEvent(object.EventUpdate, b)},
	}

	rpc, respCh := makeTestRPC(cmd)
	n.processBroadcastRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}
	if resp.Response.(*net.BroadcastResponse).FromRID != n.rid {
		t.Fatalf("response should carry this node's rid")
	}

	rec, err := n.GetRecord(b.Manifest.Rid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if rec.Type != object.EventNew {
		t.Fatalf("local classification should be %s, not %s", object.EventNew, rec.Type)
	}

	depth, err := n.GetQueueDepth(pullerRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 1 {
		t.Fatalf("queue depth should be 1, not %d", depth)
	}

	//Redelivering the same batch is absorbed without effect
	rpc2, respCh2 := makeTestRPC(cmd)
	n.processBroadcastRequest(rpc2, cmd)

	if resp2 := <-respCh2; resp2.Error != nil {
		t.Fatalf("err: %v", resp2.Error)
	}

	rec, err = n.GetRecord(b.Manifest.Rid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if rec.Type != object.EventNew {
		t.Fatalf("record type should still be %s, not %s", object.EventNew, rec.Type)
	}

	depth, err = n.GetQueueDepth(pullerRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 1 {
		t.Fatalf("no-op should not fan out, depth is %d", depth)
	}
}

func TestProcessBroadcastMalformedBatch(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	good := object.NewEvent(object.EventNew, testBundle(t, "e1"))

	corrupt := testBundle(t, "e2")
	corrupt.Manifest.ContentHash = "deadbeef"

	cmd := &net.BroadcastRequest{
		FromRID: testNodeRid(t, "sender"),
		Events:  []*object.Event{good, object.NewEvent(object.EventNew, corrupt)},
	}

	rpc, respCh := makeTestRPC(cmd)
	n.processBroadcastRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error == nil {
		t.Fatal("a batch with a corrupt member should be refused")
	}

	var mb MalformedBatchError
	if !errors.As(resp.Error, &mb) {
		t.Fatalf("error should be MalformedBatchError, not %v", resp.Error)
	}
	if mb.Index != 1 {
		t.Fatalf("offending index should be 1, not %d", mb.Index)
	}
	if !strings.Contains(resp.Error.Error(), "event 1") {
		t.Fatalf("error should name the offending event: %v", resp.Error)
	}

	//Nothing from the refused batch may land, not even the valid member
	if _, err := n.GetRecord(testEventRid(t, "e1")); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("valid member of refused batch was applied: %v", err)
	}

	//A type that never goes on the wire poisons the whole batch too
	noop := object.NewEvent(object.EventNoop, testBundle(t, "e3"))
	cmd2 := &net.BroadcastRequest{FromRID: cmd.FromRID, Events: []*object.Event{noop}}

	rpc2, respCh2 := makeTestRPC(cmd2)
	n.processBroadcastRequest(rpc2, cmd2)

	if resp2 := <-respCh2; resp2.Error == nil {
		t.Fatal("a NOOP member should be refused")
	}

	//So does a non-retraction with no contents
	hollow := object.NewEvent(object.EventNew, testBundle(t, "e4"))
	hollow.Contents = nil
	cmd3 := &net.BroadcastRequest{FromRID: cmd.FromRID, Events: []*object.Event{hollow}}

	rpc3, respCh3 := makeTestRPC(cmd3)
	n.processBroadcastRequest(rpc3, cmd3)

	if resp3 := <-respCh3; resp3.Error == nil {
		t.Fatal("a contentless NEW should be refused")
	}
}

func TestProcessBroadcastForget(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	pullerRid := testNodeRid(t, "puller")
	if err := n.UpsertEdge(testEdge(t, "puller", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	ev, err := n.Ingest(testRawEvent("e1", "aaa1111"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	m, err := n.store.GetManifest(ev.Rid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	cmd := &net.BroadcastRequest{
		FromRID: testNodeRid(t, "sender"),
		Events:  []*object.Event{object.ForgetEvent(m)},
	}

	rpc, respCh := makeTestRPC(cmd)
	n.processBroadcastRequest(rpc, cmd)

	if resp := <-respCh; resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}

	rec, err := n.GetRecord(ev.Rid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !rec.Tombstoned {
		t.Fatal("record should be tombstoned")
	}

	if _, err := n.GetBundle(ev.Rid); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("forgotten contents should be gone, got err: %v", err)
	}

	//The retraction fans out behind the original NEW
	entries, err := n.queue.Drain(pullerRid, 10)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("queue should hold 2 entries, not %d", len(entries))
	}
	if entries[0].Type != object.EventNew || entries[1].Type != object.EventForget {
		t.Fatalf("queue order should be [NEW FORGET], got [%s %s]", entries[0].Type, entries[1].Type)
	}

	//Redelivering the retraction is a no-op
	rpc2, respCh2 := makeTestRPC(cmd)
	n.processBroadcastRequest(rpc2, cmd)

	if resp2 := <-respCh2; resp2.Error != nil {
		t.Fatalf("err: %v", resp2.Error)
	}

	depth, err := n.GetQueueDepth(pullerRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 2 {
		t.Fatalf("queue depth should still be 2, not %d", depth)
	}
}

func TestProcessPollAuth(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	cmd := &net.PollRequest{FromRID: testNodeRid(t, "stranger"), Limit: 10}

	rpc, respCh := makeTestRPC(cmd)
	n.processPollRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error == nil {
		t.Fatal("an unregistered peer should be refused")
	}

	var ue UnknownPeerError
	if !errors.As(resp.Error, &ue) {
		t.Fatalf("error should be UnknownPeerError, not %v", resp.Error)
	}
	if ue.PeerRID != cmd.FromRID {
		t.Fatalf("error should name %s, not %s", cmd.FromRID, ue.PeerRID)
	}
}

func TestProcessPollDeliveryConfirmed(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	pullerRid := testNodeRid(t, "puller")
	if err := n.UpsertEdge(testEdge(t, "puller", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	for i, sha := range []string{"aaa1111", "bbb2222", "ccc3333"} {
		local := []string{"e1", "e2", "e3"}[i]
		if _, err := n.Ingest(testRawEvent(local, sha)); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	cmd := &net.PollRequest{FromRID: pullerRid, Limit: 2}
	rpc, respCh := makeTestRPC(cmd)
	go n.processPollRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}
	if resp.Delivered == nil {
		t.Fatal("a poll with entries should ask the transport for confirmation")
	}

	events := resp.Response.(*net.PollResponse).Events
	if len(events) != 2 {
		t.Fatalf("poll should return 2 events, not %d", len(events))
	}
	for i, local := range []string{"e1", "e2"} {
		if events[i].Rid != testEventRid(t, local) {
			t.Fatalf("event %d should be %s, not %s", i, local, events[i].Rid)
		}
	}

	resp.Delivered <- nil

	waitFor(t, "cursor advance", func() bool {
		d, err := n.GetQueueDepth(pullerRid)
		return err == nil && d == 1
	})

	//The next poll picks up exactly where the cursor left off
	cmd2 := &net.PollRequest{FromRID: pullerRid, Limit: 2}
	rpc2, respCh2 := makeTestRPC(cmd2)
	go n.processPollRequest(rpc2, cmd2)

	resp2 := <-respCh2
	if resp2.Error != nil {
		t.Fatalf("err: %v", resp2.Error)
	}

	events2 := resp2.Response.(*net.PollResponse).Events
	if len(events2) != 1 || events2[0].Rid != testEventRid(t, "e3") {
		t.Fatalf("second poll should return [e3], got %#v", events2)
	}

	resp2.Delivered <- nil

	waitFor(t, "queue to empty", func() bool {
		d, err := n.GetQueueDepth(pullerRid)
		return err == nil && d == 0
	})
}

func TestProcessPollUnconfirmedRedelivers(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	pullerRid := testNodeRid(t, "puller")
	if err := n.UpsertEdge(testEdge(t, "puller", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := n.Ingest(testRawEvent("e1", "aaa1111")); err != nil {
		t.Fatalf("err: %v", err)
	}

	//The handler blocks until its confirmation window lapses, then gives up
	//without moving the cursor
	cmd := &net.PollRequest{FromRID: pullerRid, Limit: 10}
	rpc, respCh := makeTestRPC(cmd)
	n.processPollRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}
	if len(resp.Response.(*net.PollResponse).Events) != 1 {
		t.Fatal("poll should return the queued event")
	}

	depth, err := n.GetQueueDepth(pullerRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 1 {
		t.Fatalf("unconfirmed delivery must not advance the cursor, depth is %d", depth)
	}

	//The same entry comes around again on the next poll
	cmd2 := &net.PollRequest{FromRID: pullerRid, Limit: 10}
	rpc2, respCh2 := makeTestRPC(cmd2)
	go n.processPollRequest(rpc2, cmd2)

	resp2 := <-respCh2
	events2 := resp2.Response.(*net.PollResponse).Events
	if len(events2) != 1 || events2[0].Rid != testEventRid(t, "e1") {
		t.Fatalf("redelivery should return [e1], got %#v", events2)
	}

	resp2.Delivered <- nil

	waitFor(t, "queue to empty", func() bool {
		d, err := n.GetQueueDepth(pullerRid)
		return err == nil && d == 0
	})
}

func TestProcessPollTombstone(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	pullerRid := testNodeRid(t, "puller")
	if err := n.UpsertEdge(testEdge(t, "puller", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := n.Ingest(testRawEvent("e1", "aaa1111")); err != nil {
		t.Fatalf("err: %v", err)
	}

	retract := testRawEvent("e1", "aaa1111")
	retract.Retract = true
	if _, err := n.Ingest(retract); err != nil {
		t.Fatalf("err: %v", err)
	}

	//Both queued entries refer to a now-tombstoned resource. Neither is
	//skipped; both serve as FORGET with empty contents.
	cmd := &net.PollRequest{FromRID: pullerRid, Limit: 10}
	rpc, respCh := makeTestRPC(cmd)
	go n.processPollRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}

	events := resp.Response.(*net.PollResponse).Events
	if len(events) != 2 {
		t.Fatalf("poll should return 2 events, not %d", len(events))
	}
	for i, ev := range events {
		if ev.Rid != testEventRid(t, "e1") {
			t.Fatalf("event %d rid should be e1, not %s", i, ev.Rid)
		}
		if ev.Type != object.EventForget {
			t.Fatalf("event %d should serve as %s, not %s", i, object.EventForget, ev.Type)
		}
		if ev.Contents != nil {
			t.Fatalf("event %d should have no contents", i)
		}
	}

	resp.Delivered <- nil
}

func TestProcessFetchRids(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	if _, err := n.Ingest(testRawEvent("e1", "aaa1111")); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := n.Ingest(testRawEvent("e2", "bbb2222")); err != nil {
		t.Fatalf("err: %v", err)
	}

	//Requesting the same type twice must not duplicate rids, and an unknown
	//type contributes nothing
	cmd := &net.FetchRidsRequest{
		FromRID:  testNodeRid(t, "sender"),
		RidTypes: []string{rid.EventType, rid.EventType, rid.RepositoryType, "forge.unknown"},
	}

	rpc, respCh := makeTestRPC(cmd)
	n.processFetchRidsRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}

	rids := resp.Response.(*net.FetchRidsResponse).Rids
	if len(rids) != 3 {
		t.Fatalf("should list 3 rids, not %d: %v", len(rids), rids)
	}

	seen := map[rid.RID]bool{}
	for _, r := range rids {
		seen[r] = true
	}

	repoRid, _ := rid.RepositoryRID("acme/widgets")
	for _, want := range []rid.RID{testEventRid(t, "e1"), testEventRid(t, "e2"), repoRid} {
		if !seen[want] {
			t.Fatalf("missing %s in %v", want, rids)
		}
	}
}

func TestProcessFetchManifests(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	if _, err := n.Ingest(testRawEvent("e1", "aaa1111")); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := n.Ingest(testRawEvent("e2", "bbb2222")); err != nil {
		t.Fatalf("err: %v", err)
	}
	retract := testRawEvent("e2", "bbb2222")
	retract.Retract = true
	if _, err := n.Ingest(retract); err != nil {
		t.Fatalf("err: %v", err)
	}

	cmd := &net.FetchManifestsRequest{
		FromRID: testNodeRid(t, "sender"),
		Rids:    []rid.RID{testEventRid(t, "e1"), testEventRid(t, "e2"), testEventRid(t, "e3")},
	}

	rpc, respCh := makeTestRPC(cmd)
	n.processFetchManifestsRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}

	out := resp.Response.(*net.FetchManifestsResponse)
	if len(out.Manifests) != 1 || out.Manifests[0].Rid != testEventRid(t, "e1") {
		t.Fatalf("manifests should be [e1], got %#v", out.Manifests)
	}

	//Tombstoned and never-seen rids fall in the same bucket
	if len(out.NotFound) != 2 {
		t.Fatalf("not_found should have 2 rids, not %d: %v", len(out.NotFound), out.NotFound)
	}
	nf := map[rid.RID]bool{}
	for _, r := range out.NotFound {
		nf[r] = true
	}
	if !nf[testEventRid(t, "e2")] || !nf[testEventRid(t, "e3")] {
		t.Fatalf("not_found should hold e2 and e3, got %v", out.NotFound)
	}
}

func TestProcessFetchBundlesPartition(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	if _, err := n.Ingest(testRawEvent("e1", "aaa1111")); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := n.Ingest(testRawEvent("e2", "bbb2222")); err != nil {
		t.Fatalf("err: %v", err)
	}
	retract := testRawEvent("e2", "bbb2222")
	retract.Retract = true
	if _, err := n.Ingest(retract); err != nil {
		t.Fatalf("err: %v", err)
	}

	foreign := testNodeRid(t, "n9")
	requested := []rid.RID{
		testEventRid(t, "e1"),
		testEventRid(t, "e2"),
		testEventRid(t, "e3"),
		foreign,
		rid.RID("garbage"),
	}

	cmd := &net.FetchBundlesRequest{FromRID: testNodeRid(t, "sender"), Rids: requested}

	rpc, respCh := makeTestRPC(cmd)
	n.processFetchBundlesRequest(rpc, cmd)

	resp := <-respCh
	if resp.Error != nil {
		t.Fatalf("err: %v", resp.Error)
	}

	out := resp.Response.(*net.FetchBundlesResponse)

	if len(out.Bundles) != 1 || out.Bundles[0].Rid() != testEventRid(t, "e1") {
		t.Fatalf("bundles should be [e1], got %#v", out.Bundles)
	}
	if err := out.Bundles[0].Check(); err != nil {
		t.Fatalf("served bundle should be consistent: %v", err)
	}

	if len(out.Deferred) != 1 || out.Deferred[0] != foreign {
		t.Fatalf("deferred should be [%s], got %v", foreign, out.Deferred)
	}

	if len(out.NotFound) != 3 {
		t.Fatalf("not_found should have 3 rids, not %d: %v", len(out.NotFound), out.NotFound)
	}

	//Every requested rid lands in exactly one bucket
	counts := map[rid.RID]int{}
	for _, b := range out.Bundles {
		counts[b.Rid()]++
	}
	for _, r := range out.NotFound {
		counts[r]++
	}
	for _, r := range out.Deferred {
		counts[r]++
	}
	for _, r := range requested {
		if counts[r] != 1 {
			t.Fatalf("%s appears %d times across the partition", r, counts[r])
		}
	}
}

func TestProcessUnexpectedCommand(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	rpc, respCh := makeTestRPC("not a protocol command")
	n.processRPC(rpc)

	resp := <-respCh
	if resp.Error == nil || !strings.Contains(resp.Error.Error(), "unexpected command") {
		t.Fatalf("expected unexpected command error, got %v", resp.Error)
	}
}
