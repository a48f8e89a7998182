// Package tree implements the node store, dependency graph, and formula
// cache of spec §4.2/§4.3/§9: a single arena of generation-tagged nodes
// addressed by absolute path, owning directories, files, and formulas.
//
// Store is not safe for concurrent use. Per spec §5, all tree mutations
// and formula evaluations run inside one logical task; callers (the
// session/server layer) are responsible for serializing access to a
// single Store through one goroutine.
package tree

import (
	"github.com/oh-db/oh_db/internal/formula"
	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
)

// NodeID is a stable, non-owning reference to a node: an index into the
// arena plus the generation the slot held when the reference was minted.
// A dependency edge or cached reference holding a stale NodeID (one whose
// generation no longer matches the live slot) is detected rather than
// silently dereferencing freed state -- the realization spec §9
// recommends ("generation-tagged indices into an arena... stale
// references cannot silently point into freed memory").
type NodeID struct {
	index      uint32
	generation uint32
}

// Valid reports whether id was ever minted (the zero value is not a valid
// reference to any node, including the root, which is addressed directly
// by the Store rather than through NodeID).
func (id NodeID) Valid() bool { return id.generation != 0 }

type kind int

const (
	kindDirectory kind = iota
	kindFile
	kindFormula
)

// formulaState holds everything specific to a formula-kind node. The
// computed value itself is not stored here -- it lives in the Store's
// shared LRU cache, keyed by NodeID, so memory for the cache is bounded
// independently of tree size (see Store.cache).
type formulaState struct {
	expr   *formula.Expression
	inputs []inputBinding // declared (parameter, path) bindings, in CreateFormula order
}

// inputBinding is one declared (parameter-name, absolute-input-path) pair
// from CreateFormula, per spec §3's Formula node definition.
type inputBinding struct {
	param string
	path  ohpath.Path
}

// node is one arena slot's live content. The root is node index 0 and is
// always a directory; it has no parent and no name.
type node struct {
	kind     kind
	name     string
	parent   NodeID
	hasParent bool

	children map[string]NodeID // kindDirectory only, keyed by child name
	content  string            // kindFile only
	formula  *formulaState     // kindFormula only
}

func (n *node) path(s *Store) ohpath.Path {
	if !n.hasParent {
		return ohpath.Root()
	}
	parent := s.mustNode(n.parent)
	return parent.path(s).Child(n.name)
}

// arena is the generation-tagged node store backing a Store.
type arena struct {
	slots []arenaSlot
	free  []uint32
}

type arenaSlot struct {
	generation uint32
	node       *node // nil if the slot is free
}

func newArena() *arena {
	return &arena{}
}

// alloc installs n into a fresh or recycled slot and returns its NodeID.
func (a *arena) alloc(n *node) NodeID {
	if len(a.free) > 0 {
		idx := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.slots[idx].generation++
		a.slots[idx].node = n
		return NodeID{index: idx, generation: a.slots[idx].generation}
	}
	a.slots = append(a.slots, arenaSlot{generation: 1, node: n})
	idx := uint32(len(a.slots) - 1)
	return NodeID{index: idx, generation: 1}
}

// release frees id's slot. A stale NodeID referencing it fails lookup
// rather than aliasing the next occupant: the slot is empty until reused,
// and alloc bumps its generation when it is reused.
func (a *arena) release(id NodeID) {
	a.slots[id.index].node = nil
	a.free = append(a.free, id.index)
}

// get resolves id to its live node, or (nil, false) if id is stale (freed,
// or from a different generation than the slot currently holds).
func (a *arena) get(id NodeID) (*node, bool) {
	if int(id.index) >= len(a.slots) {
		return nil, false
	}
	slot := a.slots[id.index]
	if slot.node == nil || slot.generation != id.generation {
		return nil, false
	}
	return slot.node, true
}

// ohdberrInvariant is a small helper to build the server-fatal error used
// when the arena is asked to resolve a NodeID the Store itself believes
// must still be live (e.g. a parent recorded on a child).
func ohdberrInvariant(context string) *ohdberr.Invariant {
	return &ohdberr.Invariant{Context: context}
}
