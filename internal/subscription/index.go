// Package subscription implements the glob-keyed subscription registry and
// event dispatch of spec §4.4: a separate owning container of active
// subscriptions, not attached to individual tree nodes, since a glob may
// span subtrees that do not exist yet.
package subscription

import (
	"sort"

	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
)

// Event is one coalesced notification for a single subscription: the
// multimap of new value to every path (matching that subscription's glob)
// that acquired it in one write, per spec §4.3 step 2.
type Event struct {
	SubscriptionID int64
	Values         map[string][]string // value -> sorted matching paths
}

// Subscriber receives events for subscriptions it owns. Implementations
// are expected to enqueue onto a per-session writer queue and never block
// the caller (the tree task must not suspend mid-mutation, per spec §5).
type Subscriber interface {
	Deliver(Event)
}

type entry struct {
	id   int64
	glob *ohpath.Glob
	sub  Subscriber
}

// Index is the registry of active subscriptions. It is not safe for
// concurrent use; callers must run it from the single tree task, per the
// concurrency model in spec §5.
type Index struct {
	nextID int64
	subs   map[int64]*entry
	order  []int64 // registration order, for deterministic dispatch order
}

// NewIndex creates an empty subscription index.
func NewIndex() *Index {
	return &Index{subs: make(map[int64]*entry)}
}

// Register compiles nothing itself (the caller passes an already-compiled
// glob) and assigns the subscription a fresh, monotonically increasing id.
func (idx *Index) Register(glob *ohpath.Glob, sub Subscriber) int64 {
	idx.nextID++
	id := idx.nextID
	idx.subs[id] = &entry{id: id, glob: glob, sub: sub}
	idx.order = append(idx.order, id)
	return id
}

// Unregister removes a subscription. NoSuchSubscription if id is unknown.
func (idx *Index) Unregister(id int64) *ohdberr.Error {
	if _, ok := idx.subs[id]; !ok {
		return ohdberr.Newf(ohdberr.NoSuchSubscription, "no subscription with id %d", id)
	}
	delete(idx.subs, id)
	for i, oid := range idx.order {
		if oid == id {
			idx.order = append(idx.order[:i], idx.order[i+1:]...)
			break
		}
	}
	return nil
}

// UnregisterAll removes every subscription owned by sub, used on session
// teardown (spec §5's cancellation rule: disconnect unregisters all of
// that session's subscriptions).
func (idx *Index) UnregisterAll(sub Subscriber) {
	for id, e := range idx.subs {
		if e.sub == sub {
			idx.Unregister(id)
		}
	}
}

// Count reports how many subscriptions are currently registered. Exposed
// for tests and diagnostics.
func (idx *Index) Count() int { return len(idx.subs) }

// MatchesAny reports whether any currently registered subscription's glob
// matches path exactly. The node store uses this to enforce spec §3's
// removal rule ("a file/directory may not be removed while an active
// subscription targets it").
func (idx *Index) MatchesAny(path ohpath.Path) bool {
	for _, e := range idx.subs {
		if e.glob.Match(path) {
			return true
		}
	}
	return false
}

// Dispatch is called once per write with the full set of distinct values
// produced and the concrete paths that acquired each (already computed in
// topological order by the caller). For every subscription whose glob
// matches at least one affected path, it delivers one Event carrying only
// the paths that subscription's glob actually matches.
func (idx *Index) Dispatch(valueToPaths map[string][]ohpath.Path) {
	if len(valueToPaths) == 0 {
		return
	}
	for _, id := range idx.order {
		e, ok := idx.subs[id]
		if !ok {
			continue
		}
		filtered := make(map[string][]string)
		for value, paths := range valueToPaths {
			var matched []string
			for _, p := range paths {
				if e.glob.Match(p) {
					matched = append(matched, p.String())
				}
			}
			if len(matched) > 0 {
				sort.Strings(matched)
				filtered[value] = matched
			}
		}
		if len(filtered) > 0 {
			e.sub.Deliver(Event{SubscriptionID: e.id, Values: filtered})
		}
	}
}
