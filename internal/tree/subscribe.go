package tree

import (
	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
	"github.com/oh-db/oh_db/internal/subscription"
)

// Subscribe registers glob with the tree's subscription index and returns
// its id.
func (s *Store) Subscribe(glob *ohpath.Glob, sub subscription.Subscriber) int64 {
	return s.subs.Register(glob, sub)
}

// Unsubscribe removes a subscription by id.
func (s *Store) Unsubscribe(id int64) *ohdberr.Error {
	return s.subs.Unregister(id)
}

// UnregisterSession drops every subscription owned by sub, used on
// session teardown (spec §5).
func (s *Store) UnregisterSession(sub subscription.Subscriber) {
	s.subs.UnregisterAll(sub)
}
