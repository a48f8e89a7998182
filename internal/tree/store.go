package tree

import (
	"sort"

	"github.com/hashicorp/golang-lru/v2"

	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
	"github.com/oh-db/oh_db/internal/subscription"
)

// Kind identifies what CreateNode should build.
type Kind int

const (
	Directory Kind = iota
	File
)

// DefaultCacheSize bounds the number of evaluated formula values the
// Store keeps memoized at once (see Store.cache). A formula evicted from
// the cache is simply recomputed on its next read -- eviction only costs
// CPU, never correctness, since the cache is a pure memoization of
// resolveInputValue/evaluate and is explicitly invalidated on write
// regardless of whether an entry is still resident.
const DefaultCacheSize = 4096

// Store is the tree engine: the node arena, the formula dependency graph
// and cache, and the subscription index it drives on every mutation.
type Store struct {
	arena *arena
	root  NodeID

	// deps maps an absolute input path to the formula nodes that declare
	// it as an input, whether or not a node currently lives at that path
	// (spec §4.2: "inputs may refer to paths that do not yet exist").
	deps map[string][]NodeID

	// cache memoizes a formula NodeID's last-computed value (spec §4.3:
	// "the cache is invalidated whenever any input is written"). Absence
	// from the cache -- whether never computed, explicitly invalidated,
	// or LRU-evicted -- is indistinguishable to evaluate() and always
	// triggers recomputation.
	cache *lru.Cache[NodeID, string]

	subs *subscription.Index
}

// New creates an empty tree with just the root directory and the default
// formula cache size.
func New(subs *subscription.Index) *Store {
	return NewWithCacheSize(subs, DefaultCacheSize)
}

// NewWithCacheSize creates an empty tree whose formula evaluation cache
// holds at most cacheSize entries.
func NewWithCacheSize(subs *subscription.Index, cacheSize int) *Store {
	a := newArena()
	root := a.alloc(&node{kind: kindDirectory, children: make(map[string]NodeID)})
	cache, err := lru.New[NodeID, string](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which is a
		// caller bug, not a runtime condition to recover from.
		panic(ohdberrInvariant("invalid formula cache size: " + err.Error()))
	}
	return &Store{arena: a, root: root, deps: make(map[string][]NodeID), cache: cache, subs: subs}
}

func (s *Store) mustNode(id NodeID) *node {
	n, ok := s.arena.get(id)
	if !ok {
		panic(ohdberrInvariant("dangling NodeID reference"))
	}
	return n
}

// resolve walks p from the root, returning NoSuchNode as soon as a
// component is missing, or NotDirectory if an intermediate component
// exists but is not a directory.
func (s *Store) resolve(p ohpath.Path) (NodeID, *ohdberr.Error) {
	cur := s.root
	for i, name := range p.Components {
		n := s.mustNode(cur)
		if n.kind != kindDirectory {
			return NodeID{}, ohdberr.Newf(ohdberr.NotDirectory, "%s is not a directory", partial(p, i))
		}
		child, ok := n.children[name]
		if !ok {
			return NodeID{}, ohdberr.Newf(ohdberr.NoSuchNode, "no such node: %s", partial(p, i+1))
		}
		cur = child
	}
	return cur, nil
}

func partial(p ohpath.Path, n int) string {
	return (ohpath.Path{Components: p.Components[:n]}).String()
}

// ListChildren implements ohpath.Lister, letting Glob.Expand walk this
// store without the ohpath package depending on tree.
func (s *Store) ListChildren(dir ohpath.Path) ([]string, bool) {
	id, err := s.resolve(dir)
	if err != nil {
		return nil, false
	}
	n := s.mustNode(id)
	if n.kind != kindDirectory {
		return nil, false
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, true
}

// CreateNode creates a directory or plain file named name under parent.
func (s *Store) CreateNode(parent ohpath.Path, name string, kind Kind) *ohdberr.Error {
	if err := ohpath.ValidateName(name); err != nil {
		return err
	}
	parentID, err := s.resolve(parent)
	if err != nil {
		return err
	}
	parentNode := s.mustNode(parentID)
	if parentNode.kind != kindDirectory {
		return ohdberr.Newf(ohdberr.NotDirectory, "%s is not a directory", parent.String())
	}
	if _, exists := parentNode.children[name]; exists {
		return ohdberr.Newf(ohdberr.NodeAlreadyExists, "%s already exists", parent.Child(name).String())
	}

	var n *node
	switch kind {
	case Directory:
		n = &node{kind: kindDirectory, name: name, parent: parentID, hasParent: true, children: make(map[string]NodeID)}
	case File:
		n = &node{kind: kindFile, name: name, parent: parentID, hasParent: true}
	}
	id := s.arena.alloc(n)
	parentNode.children[name] = id

	if kind == File {
		s.onPathCreated(parent.Child(name))
	}
	return nil
}

// RemoveNode removes the child named name from parent.
//
// Policy decision (spec §9 Open Question: "whether remove-node on a file
// with subscribers is allowed"): this implementation forbids removal of
// ANY node -- file, directory, or formula -- that a live subscription
// targets exactly, matching the spec's recommendation for files and its
// hard requirement for directories with the same NodeContainsSubscriptions
// error either way, so callers see one consistent error rather than a
// file/directory split.
func (s *Store) RemoveNode(parent ohpath.Path, name string) *ohdberr.Error {
	if err := ohpath.ValidateName(name); err != nil {
		return err
	}
	parentID, err := s.resolve(parent)
	if err != nil {
		return err
	}
	parentNode := s.mustNode(parentID)
	if parentNode.kind != kindDirectory {
		return ohdberr.Newf(ohdberr.NotDirectory, "%s is not a directory", parent.String())
	}
	childID, exists := parentNode.children[name]
	if !exists {
		return ohdberr.Newf(ohdberr.NoSuchNode, "no such node: %s", parent.Child(name).String())
	}
	target := s.mustNode(childID)
	targetPath := parent.Child(name)

	if target.kind == kindDirectory && len(target.children) > 0 {
		return ohdberr.Newf(ohdberr.DirectoryNotEmpty, "%s is not empty", targetPath.String())
	}
	if s.hasSubscriptionExactly(targetPath) {
		return ohdberr.Newf(ohdberr.NodeContainsSubscriptions, "%s has an active subscription", targetPath.String())
	}

	if target.kind == kindFormula {
		s.unregisterFormulaEdges(childID, target.formula)
	}
	delete(parentNode.children, name)
	s.arena.release(childID)

	if target.kind == kindFile || target.kind == kindFormula {
		s.onPathRemoved(targetPath)
	}
	return nil
}

// hasSubscriptionExactly reports whether any registered subscription's
// glob matches targetPath -- subscriptions are glob-based rather than
// attached to nodes (spec §9), so this is a match test, not a lookup.
func (s *Store) hasSubscriptionExactly(targetPath ohpath.Path) bool {
	return s.subs.MatchesAny(targetPath)
}

// ListDirectory returns the names of path's children.
func (s *Store) ListDirectory(path ohpath.Path) ([]string, *ohdberr.Error) {
	id, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	n := s.mustNode(id)
	if n.kind != kindDirectory {
		return nil, ohdberr.Newf(ohdberr.NotDirectory, "%s is not a directory", path.String())
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetFileContent returns a file's content, or a formula's evaluated
// value (triggering evaluation per spec §4.3).
func (s *Store) GetFileContent(path ohpath.Path) (string, *ohdberr.Error) {
	id, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	n := s.mustNode(id)
	switch n.kind {
	case kindFile:
		return n.content, nil
	case kindFormula:
		return s.evaluate(id, n, path)
	default:
		return "", ohdberr.Newf(ohdberr.NotFile, "%s is not a file", path.String())
	}
}

// SetFileContent writes data to every file currently matching glob. Per
// spec §4.2 this is all-or-nothing: every matched node is validated as a
// writable file before any write is applied.
func (s *Store) SetFileContent(glob *ohpath.Glob, data string) *ohdberr.Error {
	matches := glob.Expand(s)
	if len(matches) == 0 {
		return nil
	}

	ids := make([]NodeID, len(matches))
	for i, p := range matches {
		id, err := s.resolve(p)
		if err != nil {
			return err
		}
		n := s.mustNode(id)
		if n.kind != kindFile {
			return ohdberr.Newf(ohdberr.NotFile, "%s is not a writable file", p.String())
		}
		ids[i] = id
	}

	for _, id := range ids {
		s.mustNode(id).content = data
	}

	s.propagate(matches, data)
	return nil
}
