package placement

import (
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// ReferenceCounted is the shipped Scheduler: it tracks how many shards are
// currently placed (attached or secondary) on each node and always picks
// the least-loaded node not in the caller's exclusion set, so load spreads
// evenly across the fleet as shards attach/detach.
type ReferenceCounted struct {
	mu    sync.Mutex
	nodes map[NodeID]int
}

// NewReferenceCounted constructs a scheduler seeded with the given nodes
// at zero load.
func NewReferenceCounted(nodes []NodeID) *ReferenceCounted {
	s := &ReferenceCounted{nodes: map[NodeID]int{}}
	for _, n := range nodes {
		s.nodes[n] = 0
	}
	return s
}

// AddNode registers a new node at zero load; a no-op if already present.
func (s *ReferenceCounted) AddNode(n NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[n]; !ok {
		s.nodes[n] = 0
	}
}

// RemoveNode drops a node from scheduling consideration (e.g. once it has
// been observed fully offline past the retry budget).
func (s *ReferenceCounted) RemoveNode(n NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, n)
}

// Pick returns the least-loaded node not in exclude, breaking ties by
// NodeID so results are deterministic given the same state.
func (s *ReferenceCounted) Pick(exclude mapset.Set[NodeID]) (NodeID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []NodeID
	for n := range s.nodes {
		if exclude != nil && exclude.Contains(n) {
			continue
		}
		candidates = append(candidates, n)
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("placement: no schedulable node available")
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := s.nodes[candidates[i]], s.nodes[candidates[j]]
		if li != lj {
			return li < lj
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], nil
}

// Ref increments a node's load count, called when a shard's intent newly
// names it as attached or secondary.
func (s *ReferenceCounted) Ref(n NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes[n]++
}

// Unref decrements a node's load count, called when a shard's intent no
// longer names it.
func (s *ReferenceCounted) Unref(n NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[n] > 0 {
		s.nodes[n]--
	}
}
