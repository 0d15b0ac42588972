package queue

import (
	"sort"
	"sync"

	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

type peerQueue struct {
	entries []*Entry
	head    uint64
	cursor  uint64
}

// InmemQueue implements Queue in memory. Used by tests and by nodes running
// without persistence.
type InmemQueue struct {
	mu     sync.Mutex
	queues map[rid.RID]*peerQueue
}

// NewInmemQueue ...
func NewInmemQueue() *InmemQueue {
	return &InmemQueue{
		queues: make(map[rid.RID]*peerQueue),
	}
}

func (q *InmemQueue) queueFor(peer rid.RID) *peerQueue {
	pq, ok := q.queues[peer]
	if !ok {
		pq = &peerQueue{}
		q.queues[peer] = pq
	}
	return pq
}

// Enqueue ...
func (q *InmemQueue) Enqueue(peer, r rid.RID, et object.EventType) (*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.queueFor(peer)
	pq.head++
	entry := &Entry{
		PeerRID: peer,
		Seq:     pq.head,
		Rid:     r,
		Type:    et,
	}
	pq.entries = append(pq.entries, entry)

	return entry, nil
}

// Drain ...
func (q *InmemQueue) Drain(peer rid.RID, limit int) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := []*Entry{}
	if limit <= 0 {
		return out, nil
	}

	pq, ok := q.queues[peer]
	if !ok {
		return out, nil
	}

	for _, e := range pq.entries {
		if e.Seq <= pq.cursor {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}

	return out, nil
}

// Ack ...
func (q *InmemQueue) Ack(peer rid.RID, seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq := q.queueFor(peer)
	if seq > pq.head {
		seq = pq.head
	}
	if seq > pq.cursor {
		pq.cursor = seq
	}

	return nil
}

// Depth ...
func (q *InmemQueue) Depth(peer rid.RID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.queues[peer]
	if !ok {
		return 0, nil
	}

	return int(pq.head - pq.cursor), nil
}

// Peers ...
func (q *InmemQueue) Peers() ([]rid.RID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	peers := []rid.RID{}
	for p := range q.queues {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	return peers, nil
}

// Drop discards a peer's queue entirely.
func (q *InmemQueue) Drop(peer rid.RID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.queues, peer)
	return nil
}

// Reclaim discards entries already covered by the acked cursor.
func (q *InmemQueue) Reclaim(peer rid.RID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pq, ok := q.queues[peer]
	if !ok {
		return 0, nil
	}

	kept := []*Entry{}
	reclaimed := 0
	for _, e := range pq.entries {
		if e.Seq <= pq.cursor {
			reclaimed++
			continue
		}
		kept = append(kept, e)
	}
	pq.entries = kept

	return reclaimed, nil
}

// Close ...
func (q *InmemQueue) Close() error {
	return nil
}
