// Package session implements the per-connection session state machine
// of spec §4.5/§5: request dispatch against the tree, response/event
// ordering, and cancellation on disconnect.
//
// The tree itself (internal/tree.Store) is deliberately not safe for
// concurrent use. Engine is what spec §5 calls "the tree task": a
// single goroutine that owns the one Store and drains a serial queue of
// closures submitted by however many session goroutines are live. This
// gives every tree operation the atomicity spec §5 requires ("create/
// remove/set/get/subscribe all run to completion atomically with
// respect to other requests") without putting a lock inside tree.Store
// itself.
package session

import (
	"context"

	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
	"github.com/oh-db/oh_db/internal/subscription"
	"github.com/oh-db/oh_db/internal/tree"
)

// Engine serializes every access to a tree.Store through one goroutine.
type Engine struct {
	store *tree.Store
	cmds  chan func()
}

// NewEngine wraps store for serialized access. The command queue is
// buffered so bursts of requests from many sessions don't stall their
// I/O goroutines waiting for queue space under normal load; it is not
// a substitute for the single-consumer guarantee Run provides.
func NewEngine(store *tree.Store) *Engine {
	return &Engine{store: store, cmds: make(chan func(), 256)}
}

// Run drains the command queue until ctx is cancelled. Exactly one
// goroutine should call Run for a given Engine.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.cmds:
			cmd()
		}
	}
}

// submit runs f on the engine goroutine and blocks until it completes.
// Called from session goroutines; never called from inside Run itself.
func (e *Engine) submit(ctx context.Context, f func()) error {
	done := make(chan struct{})
	select {
	case e.cmds <- func() { f(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) CreateNode(ctx context.Context, parent ohpath.Path, name string, kind tree.Kind) *ohdberr.Error {
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { result = e.store.CreateNode(parent, name, kind) }); err != nil {
		return ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return result
}

func (e *Engine) CreateFormula(ctx context.Context, parent ohpath.Path, name string, inputs []tree.InputSpec, expression string) *ohdberr.Error {
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { result = e.store.CreateFormula(parent, name, inputs, expression) }); err != nil {
		return ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return result
}

func (e *Engine) RemoveNode(ctx context.Context, parent ohpath.Path, name string) *ohdberr.Error {
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { result = e.store.RemoveNode(parent, name) }); err != nil {
		return ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return result
}

func (e *Engine) ListDirectory(ctx context.Context, path ohpath.Path) ([]string, *ohdberr.Error) {
	var names []string
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { names, result = e.store.ListDirectory(path) }); err != nil {
		return nil, ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return names, result
}

func (e *Engine) GetFileContent(ctx context.Context, path ohpath.Path) (string, *ohdberr.Error) {
	var value string
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { value, result = e.store.GetFileContent(path) }); err != nil {
		return "", ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return value, result
}

func (e *Engine) SetFileContent(ctx context.Context, glob *ohpath.Glob, data string) *ohdberr.Error {
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { result = e.store.SetFileContent(glob, data) }); err != nil {
		return ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return result
}

func (e *Engine) Subscribe(ctx context.Context, glob *ohpath.Glob, sub subscription.Subscriber) (int64, *ohdberr.Error) {
	var id int64
	if err := e.submit(ctx, func() { id = e.store.Subscribe(glob, sub) }); err != nil {
		return 0, ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return id, nil
}

func (e *Engine) Unsubscribe(ctx context.Context, id int64) *ohdberr.Error {
	var result *ohdberr.Error
	if err := e.submit(ctx, func() { result = e.store.Unsubscribe(id) }); err != nil {
		return ohdberr.New(ohdberr.UnknownMessageType, "session cancelled before request completed")
	}
	return result
}

// UnregisterSession drops every subscription sub owns. Unlike the other
// methods this is fire-and-forget from the caller's point of view (it
// runs during teardown, after the session's own context is already
// cancelled), so it uses a background context rather than the
// session's.
func (e *Engine) UnregisterSession(sub subscription.Subscriber) {
	_ = e.submit(context.Background(), func() { e.store.UnregisterSession(sub) })
}
