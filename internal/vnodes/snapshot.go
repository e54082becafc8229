// Package vnodes maintains the immutable consistent-hash ring derived
// from the current membership. A published snapshot is shared by
// reference counting and only ever replaced, never mutated.
package vnodes

import (
	"encoding/binary"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/sbcm-osx/sheepdog/internal/model"
)

// Vnode is a single placement token on the ring
type Vnode struct {
	Token uint64
	// NodeIdx indexes into the snapshot's node list
	NodeIdx int
}

// Snapshot is an immutable view of the ring built from one membership.
// The refcount starts at 1 on publication; readers that need the view
// to outlive the current request acquire an additional reference.
type Snapshot struct {
	nodes   []model.Node
	entries []Vnode
	nrZones int

	refcnt atomic.Int32
}

// Build produces a snapshot from a sorted membership list
func Build(nodes []model.Node) *Snapshot {
	s := &Snapshot{
		nodes:   model.CopyNodes(nodes),
		nrZones: model.ZonesOf(nodes),
	}
	for i, n := range s.nodes {
		for v := uint16(0); v < n.NrVnodes; v++ {
			s.entries = append(s.entries, Vnode{
				Token:   vnodeToken(n, v),
				NodeIdx: i,
			})
		}
	}
	sort.Slice(s.entries, func(i, j int) bool {
		return s.entries[i].Token < s.entries[j].Token
	})
	s.refcnt.Store(1)
	return s
}

func vnodeToken(n model.Node, idx uint16) uint64 {
	h := fnv.New64a()
	h.Write(n.Addr[:])
	var buf [4]byte
	binary.BigEndian.PutUint16(buf[0:2], n.Port)
	binary.BigEndian.PutUint16(buf[2:4], idx)
	h.Write(buf[:])
	return h.Sum64()
}

// ObjectToken hashes an object id onto the ring
func ObjectToken(oid uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], oid)
	h.Write(buf[:])
	return h.Sum64()
}

// Nodes returns the membership the snapshot was built from. Callers
// must not modify the returned slice.
func (s *Snapshot) Nodes() []model.Node {
	return s.nodes
}

// NrVnodes returns the number of placement tokens on the ring
func (s *Snapshot) NrVnodes() int {
	return len(s.entries)
}

// NrZones returns the count of distinct zones among data-carrying nodes
func (s *Snapshot) NrZones() int {
	return s.nrZones
}

// EffectiveCopies caps the configured redundancy by the available zones
func (s *Snapshot) EffectiveCopies(configured int) int {
	if s.nrZones < configured {
		return s.nrZones
	}
	return configured
}

// Locate returns the ordered replica set for an object: walk the ring
// from the object's token, skipping vnodes whose owner is already
// chosen, until nrCopies distinct nodes are found. Fewer nodes are
// returned when the ring has fewer distinct data-carrying owners.
func (s *Snapshot) Locate(oid uint64, nrCopies int) []model.Node {
	if len(s.entries) == 0 || nrCopies <= 0 {
		return nil
	}

	token := ObjectToken(oid)
	start := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].Token >= token
	})
	if start == len(s.entries) {
		start = 0
	}

	result := make([]model.Node, 0, nrCopies)
	seen := make(map[int]struct{}, nrCopies)
	for i := 0; i < len(s.entries) && len(result) < nrCopies; i++ {
		idx := s.entries[(start+i)%len(s.entries)].NodeIdx
		if _, ok := seen[idx]; ok {
			continue
		}
		seen[idx] = struct{}{}
		result = append(result, s.nodes[idx])
	}
	return result
}

// Acquire grabs an additional reference. The caller must already hold
// one; use Handle.Get to take the first reference to the published
// snapshot.
func (s *Snapshot) Acquire() *Snapshot {
	if s.refcnt.Add(1) <= 1 {
		panic("vnodes: acquire on released snapshot")
	}
	return s
}

// Release drops a reference. The snapshot is reclaimed by the garbage
// collector once the published handle and every reader have released;
// the refcount exists so Refcnt-based assertions and tests can observe
// the lifecycle the same way readers do.
func (s *Snapshot) Release() {
	if s == nil {
		return
	}
	if s.refcnt.Add(-1) < 0 {
		panic("vnodes: release without matching acquire")
	}
}

// Refcnt returns the current reference count
func (s *Snapshot) Refcnt() int32 {
	return s.refcnt.Load()
}

// Handle publishes the current snapshot. Publication replaces the
// previous snapshot and releases the handle's reference to it only
// after the new one is visible, so a concurrent reader never sees a
// freed view.
type Handle struct {
	mu  sync.Mutex
	cur *Snapshot
}

// Publish installs a freshly built snapshot and releases the previous
// one
func (h *Handle) Publish(s *Snapshot) {
	h.mu.Lock()
	old := h.cur
	h.cur = s
	h.mu.Unlock()
	old.Release()
}

// Get acquires a reference to the published snapshot, nil if none has
// been published yet. The caller must Release it.
func (h *Handle) Get() *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cur == nil {
		return nil
	}
	return h.cur.Acquire()
}

// Peek returns the published snapshot without taking a reference. Only
// the event serializer may use this, between suspension points.
func (h *Handle) Peek() *Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cur
}
