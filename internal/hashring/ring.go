// Package hashring implements a consistent-hash ring keyed on the 128-bit
// MD5 digest of virtual node identifiers. It is the secondary index the
// registry keeps per capability: a hash ring maps an arbitrary query string
// to the worker responsible for it, searching for the smallest stored key
// greater than or equal to the query and wrapping at the end of the ring.
package hashring

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// vnode is one virtual-node entry on the ring: a 128-bit key paired with
// the worker id it maps to.
type vnode struct {
	key    *big.Int
	nodeID string
}

// Ring is a consistent-hash ring with per-node virtual replicas. The zero
// value is not usable; call New.
type Ring struct {
	mu sync.Mutex

	// sorted holds vnodes ordered by key ascending, tie-broken by nodeID.
	sorted []vnode

	// replicasOf remembers how many virtual nodes were inserted for each
	// node id so remove can reverse exactly the keys add installed, even
	// if the caller's replica count policy changes between calls.
	replicasOf map[string]int
}

// New returns an empty ring.
func New() *Ring {
	return &Ring{replicasOf: make(map[string]int)}
}

// hashKey computes the 128-bit big-endian integer interpretation of the MD5
// digest of s.
func hashKey(s string) *big.Int {
	sum := md5.Sum([]byte(s))
	return new(big.Int).SetBytes(sum[:])
}

// Add installs replicas virtual nodes for node_id, one per i in [0, replicas).
// If node_id is already present its prior virtual nodes are removed first,
// so re-adding a node with a different replica count replaces cleanly.
func (r *Ring) Add(nodeID string, replicas int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(nodeID)
	if replicas < 1 {
		replicas = 1
	}
	for i := 0; i < replicas; i++ {
		k := hashKey(fmt.Sprintf("%s-%d", nodeID, i))
		r.insertLocked(vnode{key: k, nodeID: nodeID})
	}
	r.replicasOf[nodeID] = replicas
}

// insertLocked inserts v into the sorted slice, keeping it ordered by key
// ascending and, on key ties, by nodeID lexicographically.
func (r *Ring) insertLocked(v vnode) {
	idx := sort.Search(len(r.sorted), func(i int) bool {
		c := r.sorted[i].key.Cmp(v.key)
		if c != 0 {
			return c >= 0
		}
		return r.sorted[i].nodeID >= v.nodeID
	})
	r.sorted = append(r.sorted, vnode{})
	copy(r.sorted[idx+1:], r.sorted[idx:])
	r.sorted[idx] = v
}

// Remove deletes every virtual-node key previously installed for node_id.
func (r *Ring) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(nodeID)
}

func (r *Ring) removeLocked(nodeID string) {
	if _, ok := r.replicasOf[nodeID]; !ok {
		return
	}
	kept := r.sorted[:0:0]
	for _, v := range r.sorted {
		if v.nodeID != nodeID {
			kept = append(kept, v)
		}
	}
	r.sorted = kept
	delete(r.replicasOf, nodeID)
}

// Get hashes query and returns the node id owning the smallest ring key
// greater than or equal to the hash, wrapping to the first key if the hash
// exceeds every stored key. Returns "", false on an empty ring.
func (r *Ring) Get(query string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sorted) == 0 {
		return "", false
	}
	h := hashKey(query)
	idx := sort.Search(len(r.sorted), func(i int) bool {
		return r.sorted[i].key.Cmp(h) >= 0
	})
	if idx == len(r.sorted) {
		idx = 0
	}
	return r.sorted[idx].nodeID, true
}

// Next returns the successor of nodeID in the ring's node order, where each
// node is placed at its lowest-keyed virtual node: walking clockwise from
// nodeID's lowest-keyed virtual node, it returns the first other node met at
// that node's own lowest-keyed position. Chaining Size()-1 calls from any
// node therefore visits every other node exactly once (e.g. a busy-skip
// search), which a query-anchored search cannot do correctly once more than
// one candidate in a row must be skipped. Returns "", false if nodeID owns
// no virtual node or no other node exists.
func (r *Ring) Next(nodeID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.sorted)
	if n == 0 {
		return "", false
	}
	start := -1
	for i, v := range r.sorted {
		if v.nodeID == nodeID {
			start = i
			break
		}
	}
	if start == -1 {
		return "", false
	}
	first := make(map[string]int, len(r.replicasOf))
	for i, v := range r.sorted {
		if _, seen := first[v.nodeID]; !seen {
			first[v.nodeID] = i
		}
	}
	for i := 1; i <= n; i++ {
		j := (start + i) % n
		v := r.sorted[j]
		if v.nodeID != nodeID && first[v.nodeID] == j {
			return v.nodeID, true
		}
	}
	return "", false
}

// Contains reports whether node_id currently owns any virtual node.
func (r *Ring) Contains(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.replicasOf[nodeID]
	return ok
}

// Size returns the number of distinct nodes on the ring.
func (r *Ring) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replicasOf)
}

// Replicas computes the virtual-node count for a worker advertising n
// capabilities out of a configurable base budget: fewer virtual nodes for
// multi-capability generalists, more for specialists, floored at 1. base is
// normally the registry's configured REPLICAS_BASE (default 10).
func Replicas(base, numCapabilities int) int {
	r := base - numCapabilities
	if r < 1 {
		return 1
	}
	return r
}
