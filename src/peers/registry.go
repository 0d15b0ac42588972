package peers

import (
	"sort"
	"sync"

	"github.com/forgemesh/forgemesh/src/object"
	"github.com/forgemesh/forgemesh/src/rid"
)

// Registry is the live capability table of negotiated edges. It is read on
// every fan-out decision, so subscriptions are kept in inverted indexes and
// lookups cost time proportional to the interested peers, not the peer count.
type Registry struct {
	mu        sync.RWMutex
	byRID     map[rid.RID]*Edge
	eventSubs map[string]map[rid.RID]*Edge
	stateSubs map[string]map[rid.RID]*Edge
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byRID:     make(map[rid.RID]*Edge),
		eventSubs: make(map[string]map[rid.RID]*Edge),
		stateSubs: make(map[string]map[rid.RID]*Edge),
	}
}

// UpsertEdge inserts or replaces the edge for a peer and reindexes its
// subscriptions. Partial nodes are normalized to pull mode.
func (r *Registry) UpsertEdge(edge *Edge) {
	edge.normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byRID[edge.PeerRID]; ok {
		r.unindex(old)
	}

	r.byRID[edge.PeerRID] = edge
	for _, t := range edge.Provides.Event {
		if r.eventSubs[t] == nil {
			r.eventSubs[t] = make(map[rid.RID]*Edge)
		}
		r.eventSubs[t][edge.PeerRID] = edge
	}
	for _, t := range edge.Provides.State {
		if r.stateSubs[t] == nil {
			r.stateSubs[t] = make(map[rid.RID]*Edge)
		}
		r.stateSubs[t][edge.PeerRID] = edge
	}
}

// RemoveEdge drops a peer's edge. Unknown peers are a no-op.
func (r *Registry) RemoveEdge(peer rid.RID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	edge, ok := r.byRID[peer]
	if !ok {
		return
	}

	r.unindex(edge)
	delete(r.byRID, peer)
}

// unindex must be called with the write lock held.
func (r *Registry) unindex(edge *Edge) {
	for _, t := range edge.Provides.Event {
		delete(r.eventSubs[t], edge.PeerRID)
	}
	for _, t := range edge.Provides.State {
		delete(r.stateSubs[t], edge.PeerRID)
	}
}

// Edge returns the edge negotiated with a peer, if any.
func (r *Registry) Edge(peer rid.RID) (*Edge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	edge, ok := r.byRID[peer]
	return edge, ok
}

// Edges returns all edges sorted by peer RID.
func (r *Registry) Edges() []*Edge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	edges := make([]*Edge, 0, len(r.byRID))
	for _, e := range r.byRID {
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].PeerRID < edges[j].PeerRID
	})

	return edges
}

// EdgesFor returns the peers to notify about an event on a resource of
// ridType, partitioned by delivery mode. Event subscribers are always
// included. Retractions additionally reach peers holding state of that type,
// because a holder that missed the retraction would serve dead resources
// forever.
func (r *Registry) EdgesFor(ridType string, et object.EventType) (push, pull []*Edge) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[rid.RID]bool{}
	collect := func(idx map[rid.RID]*Edge) {
		for _, edge := range idx {
			if seen[edge.PeerRID] {
				continue
			}
			seen[edge.PeerRID] = true
			if edge.Mode == PushMode {
				push = append(push, edge)
			} else {
				pull = append(pull, edge)
			}
		}
	}

	collect(r.eventSubs[ridType])
	if et == object.EventForget {
		collect(r.stateSubs[ridType])
	}

	sort.Slice(push, func(i, j int) bool { return push[i].PeerRID < push[j].PeerRID })
	sort.Slice(pull, func(i, j int) bool { return pull[i].PeerRID < pull[j].PeerRID })

	return push, pull
}

// Len returns the number of edges in the Registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byRID)
}
