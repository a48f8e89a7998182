package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oh-db/oh_db/internal/ohpath"
	"github.com/oh-db/oh_db/internal/subscription"
	"github.com/oh-db/oh_db/internal/tree"
)

func newTestEngine(t *testing.T) (*Engine, context.CancelFunc) {
	t.Helper()
	store := tree.New(subscription.NewIndex())
	e := NewEngine(store)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = e.Run(ctx) }()
	t.Cleanup(cancel)
	return e, cancel
}

func mustPath(t *testing.T, raw string) ohpath.Path {
	t.Helper()
	p, err := ohpath.Parse(raw)
	require.Nil(t, err)
	return p
}

func TestEngineCreateAndReadRoundTrips(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.Nil(t, e.CreateNode(ctx, ohpath.Root(), "a", tree.File))
	glob, gerr := ohpath.Compile("/a")
	require.Nil(t, gerr)
	require.Nil(t, e.SetFileContent(ctx, glob, "hello"))

	v, err := e.GetFileContent(ctx, mustPath(t, "/a"))
	require.Nil(t, err)
	require.Equal(t, "hello", v)
}

func TestEngineSerializesConcurrentSubmissions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.Nil(t, e.CreateNode(ctx, ohpath.Root(), "counter", tree.File))
	glob, gerr := ohpath.Compile("/counter")
	require.Nil(t, gerr)
	require.Nil(t, e.SetFileContent(ctx, glob, "0"))

	const n = 20
	done := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		go func() {
			_, _ = e.GetFileContent(ctx, mustPath(t, "/counter"))
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for concurrent GetFileContent calls")
		}
	}
}

func TestEngineSubscribeAndUnregisterSession(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.Nil(t, e.CreateNode(ctx, ohpath.Root(), "a", tree.File))

	sub := &recordingSub{}
	glob, gerr := ohpath.Compile("/a")
	require.Nil(t, gerr)
	id, err := e.Subscribe(ctx, glob, sub)
	require.Nil(t, err)
	require.NotZero(t, id)

	e.UnregisterSession(sub)

	// Subscription was dropped: the id is no longer valid.
	uerr := e.Unsubscribe(ctx, id)
	require.NotNil(t, uerr)
}

type recordingSub struct {
	events []subscription.Event
}

func (r *recordingSub) Deliver(e subscription.Event) {
	r.events = append(r.events, e)
}
