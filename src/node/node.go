package node

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	cm "github.com/forgemesh/forgemesh/src/common"
	"github.com/forgemesh/forgemesh/src/intake"
	"github.com/forgemesh/forgemesh/src/net"
	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/peers"
	"github.com/forgemesh/forgemesh/src/queue"
	"github.com/forgemesh/forgemesh/src/rid"
	"github.com/forgemesh/forgemesh/src/store"
)

//Node defines a forgemesh node
type Node struct {
	state

	conf   *Config
	logger *logrus.Entry

	rid rid.RID

	store      store.Store
	queue      queue.Queue
	registry   *peers.Registry
	edgeSet    *peers.JSONEdgeSet
	normalizer *intake.Normalizer

	trans net.Transport
	netCh <-chan net.RPC

	//pollLocks serializes drain and cursor advance per polling peer.
	pollLocks *cm.LockMap

	janitorTimer *ControlTimer

	sigintCh   chan os.Signal
	shutdownCh chan struct{}

	start time.Time
}

//NewNode is a factory method that returns a Node instance. edgeSet may be nil
//when the edge table should not be persisted.
func NewNode(conf *Config,
	nodeRID rid.RID,
	s store.Store,
	q queue.Queue,
	registry *peers.Registry,
	edgeSet *peers.JSONEdgeSet,
	normalizer *intake.Normalizer,
	trans net.Transport,
) *Node {
	//Prepare sigintCh to relay SIGINT system calls
	sigintCh := make(chan os.Signal)
	signal.Notify(sigintCh, os.Interrupt, syscall.SIGINT)

	node := Node{
		conf:         conf,
		logger:       conf.Logger.WithField("this_rid", nodeRID),
		rid:          nodeRID,
		store:        s,
		queue:        q,
		registry:     registry,
		edgeSet:      edgeSet,
		normalizer:   normalizer,
		trans:        trans,
		netCh:        trans.Consumer(),
		pollLocks:    cm.NewLockMap(),
		janitorTimer: NewRandomControlTimer(),
		sigintCh:     sigintCh,
		shutdownCh:   make(chan struct{}),
		start:        time.Now(),
	}

	return &node
}

//Init intialises the node
func (n *Node) Init() error {
	counts, err := n.store.Counts()
	if err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"repositories": counts.Repositories,
		"events":       counts.Events,
		"tombstones":   counts.Tombstones,
		"edges":        n.registry.Len(),
	}).Debug("Init")

	if n.conf.BootstrapPeer != "" {
		n.logger.Debug("Bootstrap peer set => CatchingUp")
		n.setState(CatchingUp)
	} else {
		n.setState(Running)
	}

	return nil
}

//RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	n.logger.Debug("runasync")

	go n.Run()
}

//Run invokes the main loop of the node
func (n *Node) Run() {
	//The janitor timer paces the background maintenance passes: retention
	//pruning and queue reclamation.
	go n.janitorTimer.Run(n.conf.JanitorInterval)

	//Execute some background work regardless of the state of the node.
	go n.doBackgroundWork()

	//Execute Node State Machine
	for {
		//Run different routines depending on node state
		state := n.getState()

		n.logger.WithField("state", state.String()).Debug("Run loop")

		switch state {
		case CatchingUp:
			n.catchUp()
		case Running:
			n.running()
		case Shutdown:
			return
		}
	}
}

//ResetTimer
func (n *Node) resetTimer() {
	if !n.janitorTimer.set {
		n.janitorTimer.resetCh <- n.conf.JanitorInterval
	}
}

func (n *Node) doBackgroundWork() {
	for {
		select {
		case rpc := <-n.netCh:
			n.goFunc(func() {
				n.logger.Debug("Processing RPC")
				n.processRPC(rpc)
			})
		case <-n.shutdownCh:
			return
		case <-n.sigintCh:
			n.logger.Debug("Reacting to SIGINT")
			n.Shutdown()
		}
	}
}

// running waits for janitor ticks while the node operates normally. RPCs are
// consumed by the background routine whatever the state.
func (n *Node) running() {
	n.logger.Debug("RUNNING")

	for {
		select {
		case <-n.janitorTimer.tickCh:
			n.goFunc(n.janitor)
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}
	}
}

//catchUp enacts "CatchingUp"
func (n *Node) catchUp() {
	n.logger.Debug("CATCHING-UP")

	if err := n.bootstrap(n.conf.BootstrapPeer); err != nil {
		//Catch-up is opportunistic. A node that cannot reach its bootstrap
		//peer still serves local intake and converges through the normal
		//distribution paths.
		n.logger.WithError(err).Error("bootstrap")
	}

	n.setState(Running)
}

// bootstrap replays the bootstrap peer's index: list what it knows, skip what
// is already current locally, fetch and apply the rest.
func (n *Node) bootstrap(target string) error {
	start := time.Now()

	ridsResp, err := n.requestFetchRids(target, n.conf.RidTypes)
	if err != nil {
		return err
	}

	manifestsResp, err := n.requestFetchManifests(target, ridsResp.Rids)
	if err != nil {
		return err
	}

	wanted := []rid.RID{}
	for _, m := range manifestsResp.Manifests {
		cur, err := n.store.GetManifest(m.Rid)
		if err == nil && cur.ContentHash == m.ContentHash {
			continue
		}
		if err != nil && !cm.IsStore(err, cm.KeyNotFound) {
			return err
		}
		wanted = append(wanted, m.Rid)
	}

	fetched := 0
	if len(wanted) > 0 {
		bundlesResp, err := n.requestFetchBundles(target, wanted)
		if err != nil {
			return err
		}

		for _, b := range bundlesResp.Bundles {
			if err := b.Check(); err != nil {
				n.logger.WithFields(logrus.Fields{
					"rid":   b.Rid(),
					"error": err,
				}).Error("Checking fetched bundle")
				continue
			}

			et, err := n.store.Put(b)
			if err != nil {
				return err
			}

			if et != object.EventNoop {
				n.fanOut(object.NewEvent(et, b))
				fetched++
			}
		}
	}

	elapsed := time.Since(start)
	n.logger.WithFields(logrus.Fields{
		"target":   target,
		"known":    len(ridsResp.Rids),
		"fetched":  fetched,
		"duration": elapsed.Nanoseconds(),
	}).Debug("bootstrap")

	return nil
}

// janitor runs one maintenance pass: prune event records past the retention
// window, reclaim acknowledged queue entries, and drop queues of peers that
// are no longer registered.
func (n *Node) janitor() {
	cutoff := time.Now().AddDate(0, 0, -n.conf.RetentionDays)

	pruned, err := n.store.PruneBefore(cutoff)
	if err != nil {
		n.logger.WithError(err).Error("janitor PruneBefore()")
	}

	reclaimed := 0
	dropped := 0

	queuePeers, err := n.queue.Peers()
	if err != nil {
		n.logger.WithError(err).Error("janitor queue.Peers()")
	}

	for _, p := range queuePeers {
		if _, ok := n.registry.Edge(p); !ok {
			if err := n.queue.Drop(p); err != nil {
				n.logger.WithFields(logrus.Fields{
					"peer":  p,
					"error": err,
				}).Error("janitor queue.Drop()")
				continue
			}
			dropped++
			continue
		}

		rc, err := n.queue.Reclaim(p)
		if err != nil {
			n.logger.WithFields(logrus.Fields{
				"peer":  p,
				"error": err,
			}).Error("janitor queue.Reclaim()")
			continue
		}
		reclaimed += rc
	}

	n.logger.WithFields(logrus.Fields{
		"pruned":    pruned,
		"reclaimed": reclaimed,
		"dropped":   dropped,
	}).Debug("Janitor pass")

	n.logStats()
}

// fanOut distributes one accepted event. Pull edges get a queue entry; push
// edges get an immediate broadcast with the queue as fallback, so a failed
// push is never weaker than pull delivery. No-op events never reach here.
func (n *Node) fanOut(ev *object.Event) {
	push, pull := n.registry.EdgesFor(ev.Rid.Type(), ev.Type)

	for _, edge := range pull {
		if _, err := n.queue.Enqueue(edge.PeerRID, ev.Rid, ev.Type); err != nil {
			n.logger.WithFields(logrus.Fields{
				"peer":  edge.PeerRID,
				"error": err,
			}).Error("Enqueue")
		}
	}

	for _, edge := range push {
		edge := edge
		n.goFunc(func() { n.pushEvent(edge, ev) })
	}
}

// pushEvent attempts immediate delivery to a push edge. A push that completes
// after the deadline delivers twice at worst; the receiver classifies the
// second copy as a no-op.
func (n *Node) pushEvent(edge *peers.Edge, ev *object.Event) {
	errCh := make(chan error, 1)

	go func() {
		errCh <- n.requestBroadcast(edge.NetAddr, []*object.Event{ev})
	}()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(n.conf.PushTimeout):
		err = fmt.Errorf("push to %s timed out after %v", edge.PeerRID, n.conf.PushTimeout)
	}

	if err == nil {
		return
	}

	n.logger.WithFields(logrus.Fields{
		"peer":  edge.PeerRID,
		"error": err,
	}).Debug("Push failed, enqueueing")

	if _, qerr := n.queue.Enqueue(edge.PeerRID, ev.Rid, ev.Type); qerr != nil {
		n.logger.WithFields(logrus.Fields{
			"peer":  edge.PeerRID,
			"error": qerr,
		}).Error("Enqueue after failed push")
	}
}

// Ingest runs one raw producer event through the normalizer and fans the
// result out. Locally ingested and remotely received events distribute
// identically.
func (n *Node) Ingest(raw *intake.RawEvent) (*object.Event, error) {
	ev, err := n.normalizer.Ingest(raw)
	if err != nil {
		return nil, err
	}

	if ev.Type != object.EventNoop {
		n.fanOut(ev)
	}

	return ev, nil
}

//UpsertEdge installs or updates a subscription edge and persists the edge set
func (n *Node) UpsertEdge(edge *peers.Edge) error {
	n.registry.UpsertEdge(edge)
	return n.persistEdges()
}

//RemoveEdge removes a subscription edge and persists the edge set
func (n *Node) RemoveEdge(peer rid.RID) error {
	n.registry.RemoveEdge(peer)
	return n.persistEdges()
}

func (n *Node) persistEdges() error {
	if n.edgeSet == nil {
		return nil
	}
	return n.edgeSet.Write(n.registry.Edges())
}

//Shutdown shuts down the node
func (n *Node) Shutdown() {
	if n.getState() != Shutdown {
		n.logger.Debug("Shutdown")

		//Exit any non-shutdown state immediately
		n.setState(Shutdown)

		//Stop and wait for concurrent operations
		close(n.shutdownCh)

		n.waitRoutines()

		n.janitorTimer.Shutdown()

		//transport, queue, and store are only closed once all concurrent
		//operations are finished, otherwise they would panic trying to use
		//closed objects
		n.trans.Close()

		if err := n.queue.Close(); err != nil {
			n.logger.WithError(err).Error("Closing queue")
		}

		if err := n.store.Close(); err != nil {
			n.logger.WithError(err).Error("Closing store")
		}
	}
}

//GetStats returns stats
func (n *Node) GetStats() map[string]string {
	counts, err := n.store.Counts()
	if err != nil {
		n.logger.WithError(err).Error("GetStats Counts()")
	}

	queued := 0

	queuePeers, err := n.queue.Peers()
	if err != nil {
		n.logger.WithError(err).Error("GetStats queue.Peers()")
	}

	for _, p := range queuePeers {
		d, err := n.queue.Depth(p)
		if err != nil {
			continue
		}
		queued += d
	}

	timeElapsed := time.Since(n.start)

	s := map[string]string{
		"rid":            string(n.rid),
		"state":          n.getState().String(),
		"repositories":   strconv.Itoa(counts.Repositories),
		"events":         strconv.Itoa(counts.Events),
		"tombstones":     strconv.Itoa(counts.Tombstones),
		"num_peers":      strconv.Itoa(n.registry.Len()),
		"queued_entries": strconv.Itoa(queued),
		"uptime":         timeElapsed.String(),
	}

	if n.conf.Moniker != "" {
		s["moniker"] = n.conf.Moniker
	}

	return s
}

func (n *Node) logStats() {
	stats := n.GetStats()

	n.logger.WithFields(logrus.Fields{
		"repositories":   stats["repositories"],
		"events":         stats["events"],
		"tombstones":     stats["tombstones"],
		"num_peers":      stats["num_peers"],
		"queued_entries": stats["queued_entries"],
		"state":          stats["state"],
	}).Debug("Stats")
}

//RID returns the node's own resource identifier
func (n *Node) RID() rid.RID {
	return n.rid
}

//GetRepositories returns the tracked repositories
func (n *Node) GetRepositories() ([]*object.Repository, error) {
	return n.store.Repositories()
}

//GetRepositoryEvents returns a page of event records for one repository
func (n *Node) GetRepositoryEvents(repo rid.RID, limit, offset int) ([]*store.EventRecord, error) {
	return n.store.RepositoryEvents(repo, limit, offset)
}

//GetRecord returns the indexed projection of one resource
func (n *Node) GetRecord(r rid.RID) (*store.EventRecord, error) {
	return n.store.Record(r)
}

//GetBundle returns the live bundle of one resource
func (n *Node) GetBundle(r rid.RID) (*object.Bundle, error) {
	return n.store.GetBundle(r)
}

//GetEdges returns the registered subscription edges
func (n *Node) GetEdges() []*peers.Edge {
	return n.registry.Edges()
}

//GetEdge returns the edge registered for one peer
func (n *Node) GetEdge(peer rid.RID) (*peers.Edge, bool) {
	return n.registry.Edge(peer)
}

//GetQueueDepth returns the number of undelivered entries queued for a peer
func (n *Node) GetQueueDepth(peer rid.RID) (int, error) {
	return n.queue.Depth(peer)
}
