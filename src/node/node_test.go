package node

import (
	"reflect"
	"testing"
	"time"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/intake"
	"github.com/forgemesh/forgemesh/src/net"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/peers"
	"github.com/forgemesh/forgemesh/src/queue"
	"github.com/forgemesh/forgemesh/src/rid"
	"github.com/forgemesh/forgemesh/src/store"
)

var testTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func testNodeRid(t *testing.T, local string) rid.RID {
	r, err := rid.NodeRID("oss", local)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return r
}

func testEventRid(t *testing.T, local string) rid.RID {
	r, err := rid.EventRID("acme/widgets", local)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return r
}

func testContents(local string) map[string]interface{} {
	return map[string]interface{}{
		"repository": "acme/widgets",
		"kind":       "push",
		"local_id":   local,
	}
}

func testBundle(t *testing.T, local string) *object.Bundle {
	b, err := object.NewBundle(testEventRid(t, local), testTime, testContents(local))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	return b
}

func testRawEvent(local, sha string) *intake.RawEvent {
	return &intake.RawEvent{
		Repository: "acme/widgets",
		Kind:       "push",
		LocalID:    local,
		Timestamp:  testTime,
		Payload:    map[string]interface{}{"sha": sha},
	}
}

func testEdge(t *testing.T, local string, netAddr string, mode peers.DeliveryMode) *peers.Edge {
	return peers.NewEdge(testNodeRid(t, local), netAddr, peers.FullNode, mode, peers.Provides{
		Event: []string{rid.EventType},
		State: []string{rid.EventType},
	})
}

// newTestNode assembles a node on in-memory components around the given
// transport.
func newTestNode(t *testing.T, conf *Config, local string, trans net.Transport) *Node {
	s := store.NewInmemStore()
	q := queue.NewInmemQueue()
	registry := peers.NewRegistry()
	normalizer := intake.NewNormalizer(s, nil, cm.NewTestEntry(t))

	n := NewNode(conf, testNodeRid(t, local), s, q, registry, nil, normalizer, trans)

	if err := n.Init(); err != nil {
		t.Fatalf("err: %v", err)
	}

	return n
}

func initTestNode(t *testing.T, local string) *Node {
	_, trans := net.NewInmemTransport("")
	return newTestNode(t, TestConfig(t), local, trans)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	timeout := time.After(time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for %s", what)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestInitStates(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	if s := n.getState(); s != Running {
		t.Fatalf("state should be Running, not %s", s)
	}

	_, trans := net.NewInmemTransport("")
	conf := TestConfig(t)
	conf.BootstrapPeer = "somewhere:1337"

	b := newTestNode(t, conf, "n2", trans)
	defer b.Shutdown()

	if s := b.getState(); s != CatchingUp {
		t.Fatalf("state should be CatchingUp, not %s", s)
	}
}

func TestEndToEnd(t *testing.T) {
	addrA, transA := net.NewInmemTransport("")
	addrB, transB := net.NewInmemTransport("")
	transA.Connect(addrB, transB)
	transB.Connect(addrA, transA)

	a := newTestNode(t, TestConfig(t), "a", transA)
	defer a.Shutdown()
	a.RunAsync()

	bRid := testNodeRid(t, "b")
	if err := a.UpsertEdge(testEdge(t, "b", addrB, peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	//Ingest one raw producer event

	ev, err := a.Ingest(testRawEvent("e1", "0123456789abcdef"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	if ev.Type != object.EventNew {
		t.Fatalf("event type should be %s, not %s", object.EventNew, ev.Type)
	}

	if ev.Rid.String() != "forge.event:acme/widgets:e1" {
		t.Fatalf("bad rid: %s", ev.Rid)
	}

	repos, err := a.GetRepositories()
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	repoRid, _ := rid.RepositoryRID("acme/widgets")
	if len(repos) != 1 || repos[0].Rid != repoRid {
		t.Fatalf("repositories should be [%s], not %v", repoRid, repos)
	}

	//The subscribed peer polls it back over the wire

	var pollResp net.PollResponse
	if err := transB.Poll(addrA, &net.PollRequest{FromRID: bRid, Limit: 50}, &pollResp); err != nil {
		t.Fatalf("err: %v", err)
	}

	if len(pollResp.Events) != 1 {
		t.Fatalf("poll should return 1 event, not %d", len(pollResp.Events))
	}

	polled := pollResp.Events[0]
	if polled.Rid != ev.Rid {
		t.Fatalf("polled rid should be %s, not %s", ev.Rid, polled.Rid)
	}
	if polled.Type != object.EventNew {
		t.Fatalf("polled event type should be %s, not %s", object.EventNew, polled.Type)
	}
	if !reflect.DeepEqual(polled.Manifest, ev.Manifest) {
		t.Fatalf("polled manifest should be %#v, not %#v", ev.Manifest, polled.Manifest)
	}

	//Confirmed delivery advances the cursor

	waitFor(t, "cursor advance", func() bool {
		d, err := a.GetQueueDepth(bRid)
		return err == nil && d == 0
	})

	var second net.PollResponse
	if err := transB.Poll(addrA, &net.PollRequest{FromRID: bRid, Limit: 50}, &second); err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(second.Events) != 0 {
		t.Fatalf("second poll should be empty, got %d events", len(second.Events))
	}

	//The resource is now fetchable by manifest

	var fmResp net.FetchManifestsResponse
	args := net.FetchManifestsRequest{FromRID: bRid, Rids: []rid.RID{ev.Rid}}
	if err := transB.FetchManifests(addrA, &args, &fmResp); err != nil {
		t.Fatalf("err: %v", err)
	}

	if len(fmResp.NotFound) != 0 {
		t.Fatalf("not_found should be empty, got %v", fmResp.NotFound)
	}
	if len(fmResp.Manifests) != 1 || fmResp.Manifests[0].ContentHash != ev.Manifest.ContentHash {
		t.Fatalf("manifests should carry %s, got %#v", ev.Manifest.ContentHash, fmResp.Manifests)
	}
}

func TestPushDelivery(t *testing.T) {
	addrA, transA := net.NewInmemTransport("")
	addrB, transB := net.NewInmemTransport("")
	transA.Connect(addrB, transB)
	transB.Connect(addrA, transA)

	confA := TestConfig(t)
	confA.PushTimeout = time.Second

	a := newTestNode(t, confA, "a", transA)
	defer a.Shutdown()
	a.RunAsync()

	b := newTestNode(t, TestConfig(t), "b", transB)
	defer b.Shutdown()
	b.RunAsync()

	bRid := testNodeRid(t, "b")
	if err := a.UpsertEdge(testEdge(t, "b", addrB, peers.PushMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	ev, err := a.Ingest(testRawEvent("e1", "0123456789abcdef"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitFor(t, "pushed event to land", func() bool {
		rec, err := b.GetRecord(ev.Rid)
		return err == nil && rec.Type == object.EventNew
	})

	//Push success must not also enqueue
	time.Sleep(50 * time.Millisecond)

	depth, err := a.GetQueueDepth(bRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 0 {
		t.Fatalf("queue depth after successful push should be 0, not %d", depth)
	}
}

func TestPushFallback(t *testing.T) {
	a := initTestNode(t, "a")
	defer a.Shutdown()
	a.RunAsync()

	//The edge advertises an address nothing listens on, so every push fails
	bRid := testNodeRid(t, "b")
	if err := a.UpsertEdge(testEdge(t, "b", "nowhere:0", peers.PushMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	ev, err := a.Ingest(testRawEvent("e1", "0123456789abcdef"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	waitFor(t, "fallback enqueue", func() bool {
		d, err := a.GetQueueDepth(bRid)
		return err == nil && d == 1
	})

	entries, err := a.queue.Drain(bRid, 10)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(entries) != 1 || entries[0].Rid != ev.Rid || entries[0].Type != object.EventNew {
		t.Fatalf("queue should hold the failed push, got %#v", entries)
	}
}

func TestBootstrapCatchUp(t *testing.T) {
	addrA, transA := net.NewInmemTransport("")
	addrB, transB := net.NewInmemTransport("")
	transA.Connect(addrB, transB)
	transB.Connect(addrA, transA)

	a := newTestNode(t, TestConfig(t), "a", transA)
	defer a.Shutdown()
	a.RunAsync()

	for i, sha := range []string{"aaa1111", "bbb2222", "ccc3333"} {
		local := []string{"e1", "e2", "e3"}[i]
		if _, err := a.Ingest(testRawEvent(local, sha)); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	//e3 is retracted, so only e1 and e2 should transfer
	retract := testRawEvent("e3", "ccc3333")
	retract.Retract = true
	if _, err := a.Ingest(retract); err != nil {
		t.Fatalf("err: %v", err)
	}

	confB := TestConfig(t)
	confB.BootstrapPeer = addrA

	b := newTestNode(t, confB, "b", transB)
	defer b.Shutdown()

	if s := b.getState(); s != CatchingUp {
		t.Fatalf("state should be CatchingUp, not %s", s)
	}

	b.catchUp()

	if s := b.getState(); s != Running {
		t.Fatalf("state should be Running, not %s", s)
	}

	for _, local := range []string{"e1", "e2"} {
		r := testEventRid(t, local)

		rec, err := b.GetRecord(r)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if rec.Type != object.EventNew {
			t.Fatalf("%s should be %s, not %s", r, object.EventNew, rec.Type)
		}

		am, err := a.store.GetManifest(r)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		bm, err := b.store.GetManifest(r)
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if !reflect.DeepEqual(am, bm) {
			t.Fatalf("manifests should match after catch-up: %#v / %#v", am, bm)
		}
	}

	if _, err := b.store.GetManifest(testEventRid(t, "e3")); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("retracted e3 should not transfer, got err: %v", err)
	}

	//A second pass finds everything current and changes nothing
	if err := b.bootstrap(addrA); err != nil {
		t.Fatalf("err: %v", err)
	}

	rec, err := b.GetRecord(testEventRid(t, "e1"))
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if rec.Type != object.EventNew {
		t.Fatalf("re-bootstrap should be a no-op, record became %s", rec.Type)
	}
}

func TestPollPeer(t *testing.T) {
	addrA, transA := net.NewInmemTransport("")
	addrB, transB := net.NewInmemTransport("")
	transA.Connect(addrB, transB)
	transB.Connect(addrA, transA)

	a := newTestNode(t, TestConfig(t), "a", transA)
	defer a.Shutdown()
	a.RunAsync()

	b := newTestNode(t, TestConfig(t), "b", transB)
	defer b.Shutdown()

	bRid := testNodeRid(t, "b")
	if err := a.UpsertEdge(testEdge(t, "b", addrB, peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	//b relays to its own pull subscriber c
	cRid := testNodeRid(t, "c")
	if err := b.UpsertEdge(testEdge(t, "c", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := a.Ingest(testRawEvent("e1", "aaa1111")); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := a.Ingest(testRawEvent("e2", "bbb2222")); err != nil {
		t.Fatalf("err: %v", err)
	}

	applied, err := b.PollPeer(addrA, 50)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if applied != 2 {
		t.Fatalf("PollPeer should apply 2 events, not %d", applied)
	}

	for _, local := range []string{"e1", "e2"} {
		rec, err := b.GetRecord(testEventRid(t, local))
		if err != nil {
			t.Fatalf("err: %v", err)
		}
		if rec.Type != object.EventNew {
			t.Fatalf("%s should be %s, not %s", local, object.EventNew, rec.Type)
		}
	}

	//Polled events fan out to b's own subscribers
	depth, err := b.GetQueueDepth(cRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 2 {
		t.Fatalf("relay queue depth should be 2, not %d", depth)
	}

	//a's cursor advances once the transport confirms b took delivery
	waitFor(t, "cursor advance", func() bool {
		d, err := a.GetQueueDepth(bRid)
		return err == nil && d == 0
	})
}

func TestJanitor(t *testing.T) {
	n := initTestNode(t, "n1")
	defer n.Shutdown()

	pullerRid := testNodeRid(t, "puller")
	if err := n.UpsertEdge(testEdge(t, "puller", "nowhere:0", peers.PullMode)); err != nil {
		t.Fatalf("err: %v", err)
	}

	//One event deep inside the retention window, one outside it
	old := testRawEvent("e-old", "aaa1111")
	old.Timestamp = time.Now().AddDate(0, 0, -200)
	if _, err := n.Ingest(old); err != nil {
		t.Fatalf("err: %v", err)
	}

	fresh := testRawEvent("e-new", "bbb2222")
	fresh.Timestamp = time.Now()
	if _, err := n.Ingest(fresh); err != nil {
		t.Fatalf("err: %v", err)
	}

	//Queue entries for a peer with no registered edge
	ghostRid := testNodeRid(t, "ghost")
	for _, local := range []string{"e-old", "e-new"} {
		if _, err := n.queue.Enqueue(ghostRid, testEventRid(t, local), object.EventNew); err != nil {
			t.Fatalf("err: %v", err)
		}
	}

	n.janitor()

	if _, err := n.GetRecord(testEventRid(t, "e-old")); !cm.IsStore(err, cm.KeyNotFound) {
		t.Fatalf("e-old should be pruned, got err: %v", err)
	}
	if _, err := n.GetRecord(testEventRid(t, "e-new")); err != nil {
		t.Fatalf("e-new should survive, got err: %v", err)
	}

	//The ghost's queue is dropped entirely
	depth, err := n.GetQueueDepth(ghostRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if depth != 0 {
		t.Fatalf("ghost queue depth should be 0, not %d", depth)
	}

	entry, err := n.queue.Enqueue(ghostRid, testEventRid(t, "e-new"), object.EventNew)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if entry.Seq != 1 {
		t.Fatalf("dropped queue should restart at seq 1, not %d", entry.Seq)
	}

	//The registered peer keeps its queue
	pDepth, err := n.GetQueueDepth(pullerRid)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if pDepth != 2 {
		t.Fatalf("puller queue depth should be 2, not %d", pDepth)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	n := initTestNode(t, "n1")
	n.RunAsync()

	time.Sleep(10 * time.Millisecond)

	n.Shutdown()
	n.Shutdown()

	if s := n.getState(); s != Shutdown {
		t.Fatalf("state should be Shutdown, not %s", s)
	}
}
