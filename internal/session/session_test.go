package session

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oh-db/oh_db/internal/protocol"
	"github.com/oh-db/oh_db/internal/subscription"
	"github.com/oh-db/oh_db/internal/tree"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// harness wires a Session to one end of an in-memory net.Pipe and drives
// it from the test goroutine through the other end, exactly as a real
// TLS connection would.
type harness struct {
	client net.Conn
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := tree.New(subscription.NewIndex())
	engine := NewEngine(store)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = engine.Run(ctx) }()

	client, server := net.Pipe()
	sess := New(server, engine, testLogger())

	h := &harness{client: client, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
	})
	return h
}

func (h *harness) send(t *testing.T, env *protocol.Envelope) {
	t.Helper()
	require.NoError(t, protocol.WriteEnvelope(h.client, env))
}

func (h *harness) recv(t *testing.T) *protocol.Envelope {
	t.Helper()
	type result struct {
		env  *protocol.Envelope
		ferr error
	}
	out := make(chan result, 1)
	go func() {
		env, ferr := protocol.ReadEnvelope(h.client)
		if ferr != nil {
			out <- result{ferr: ferr}
			return
		}
		out <- result{env: env}
	}()
	select {
	case r := <-out:
		require.NoError(t, r.ferr)
		return r.env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func TestSessionPingPong(t *testing.T) {
	h := newHarness(t)
	h.send(t, &protocol.Envelope{ID: 1, Type: protocol.TypePing, Body: protocol.NewBody(protocol.PingBody{Data: "hi"})})

	resp := h.recv(t)
	require.Equal(t, int64(1), resp.ID)
	require.Equal(t, protocol.TypePong, resp.Type)

	var body protocol.PongBody
	require.Nil(t, protocol.DecodeBody(resp, &body))
	require.Equal(t, "hi", body.Data)
}

func TestSessionCreateSetGetRoundTrip(t *testing.T) {
	h := newHarness(t)

	h.send(t, &protocol.Envelope{ID: 1, Type: protocol.TypeCreateNode, Body: protocol.NewBody(protocol.CreateNodeBody{Parent: "/", Name: "a", Kind: protocol.KindFile})})
	require.Equal(t, protocol.TypeOk, h.recv(t).Type)

	h.send(t, &protocol.Envelope{ID: 2, Type: protocol.TypeSetFileContent, Body: protocol.NewBody(protocol.SetFileContentBody{Glob: "/a", Data: "hello"})})
	require.Equal(t, protocol.TypeOk, h.recv(t).Type)

	h.send(t, &protocol.Envelope{ID: 3, Type: protocol.TypeGetFileContent, Body: protocol.NewBody(protocol.GetFileContentBody{Path: "/a"})})
	resp := h.recv(t)
	require.Equal(t, protocol.TypeData, resp.Type)
	var data protocol.DataBody
	require.Nil(t, protocol.DecodeBody(resp, &data))
	require.Equal(t, "hello", data.Value)
}

func TestSessionUnknownPathReturnsInBandError(t *testing.T) {
	h := newHarness(t)
	h.send(t, &protocol.Envelope{ID: 1, Type: protocol.TypeGetFileContent, Body: protocol.NewBody(protocol.GetFileContentBody{Path: "/nope"})})

	resp := h.recv(t)
	require.Equal(t, protocol.TypeError, resp.Type)
	var body protocol.ErrorBody
	require.Nil(t, protocol.DecodeBody(resp, &body))
	require.Equal(t, "NoSuchNode", body.Name)
}

func TestSessionEventPrecedesResponseForOwnMutation(t *testing.T) {
	h := newHarness(t)

	h.send(t, &protocol.Envelope{ID: 1, Type: protocol.TypeCreateNode, Body: protocol.NewBody(protocol.CreateNodeBody{Parent: "/", Name: "a", Kind: protocol.KindFile})})
	require.Equal(t, protocol.TypeOk, h.recv(t).Type)

	h.send(t, &protocol.Envelope{ID: 2, Type: protocol.TypeSubscribe, Body: protocol.NewBody(protocol.SubscribeBody{Glob: "/a"})})
	subResp := h.recv(t)
	require.Equal(t, protocol.TypeSubscriptionID, subResp.Type)

	h.send(t, &protocol.Envelope{ID: 3, Type: protocol.TypeSetFileContent, Body: protocol.NewBody(protocol.SetFileContentBody{Glob: "/a", Data: "x"})})

	first := h.recv(t)
	require.Equal(t, protocol.TypeEvent, first.Type, "event for this session's own mutation arrives before its response")
	var event protocol.EventBody
	require.Nil(t, protocol.DecodeBody(first, &event))
	require.Equal(t, map[string][]string{"x": {"/a"}}, event.Values)

	second := h.recv(t)
	require.Equal(t, protocol.TypeOk, second.Type)
	require.Equal(t, int64(3), second.ID)
}

func TestSessionMalformedFrameClosesConnection(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after malformed frame")
	}
}
