package session

import (
	"context"
	"net"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/ohpath"
	"github.com/oh-db/oh_db/internal/protocol"
	"github.com/oh-db/oh_db/internal/subscription"
	"github.com/oh-db/oh_db/internal/tree"
)

// Session is one connection's state machine: it reads request envelopes,
// dispatches them against a shared Engine, and writes back responses and
// any subscription events that fire along the way.
type Session struct {
	id     string
	conn   net.Conn
	engine *Engine
	log    *logrus.Entry

	outbox chan *protocol.Envelope

	mu   sync.Mutex
	subs map[int64]struct{}

	reads singleflight.Group // collapses concurrent GetFileContent(path) calls made through this session
}

// New creates a session for conn, identified in logs by a freshly minted
// uuid (spec §10.5: "mints session identifiers for log correlation").
func New(conn net.Conn, engine *Engine, log *logrus.Logger) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		engine: engine,
		log:    log.WithFields(logrus.Fields{"session_id": id, "peer": conn.RemoteAddr().String()}),
		outbox: make(chan *protocol.Envelope, 64),
		subs:   make(map[int64]struct{}),
	}
}

// Deliver implements subscription.Subscriber: it enqueues an event
// envelope for this session's writer goroutine. Called from the engine
// goroutine while a mutation's propagate() is running, so by the time
// the mutation's own response is enqueued (after Run's submit returns),
// any events it produced are already ahead of it in outbox -- this is
// the session layer's half of spec §4.5's Open Question #2 (see
// DESIGN.md): events for a session's own mutation are always written
// before that mutation's response.
func (s *Session) Deliver(e subscription.Event) {
	env := &protocol.Envelope{
		Type: protocol.TypeEvent,
		Body: protocol.NewBody(protocol.EventBody{SubscriptionID: e.SubscriptionID, Values: e.Values}),
	}
	select {
	case s.outbox <- env:
	default:
		// Outbox full: the session is not draining (already torn down
		// or badly backed up). Drop rather than block the tree task
		// that is calling Deliver on behalf of every subscriber.
		s.log.Warn("dropping event: outbox full")
	}
}

// Run services conn until it disconnects or ctx is cancelled, then tears
// down every subscription this session owns (spec §5 cancellation: "all
// of that session's subscriptions are unregistered; queued events for
// that session are dropped").
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Deferred calls run in reverse: subscriptions are unregistered
	// before the outbox is closed, so no Deliver can reach a closed outbox.
	defer close(s.outbox)
	defer s.engine.UnregisterSession(s)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx, cancel) })
	g.Go(func() error { return s.writeLoop(gctx) })
	err := g.Wait()
	s.log.WithError(err).Debug("session closed")
	return err
}

func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc) error {
	defer cancel()
	for {
		env, ferr := protocol.ReadEnvelope(s.conn)
		if ferr != nil {
			s.log.WithError(ferr).Debug("frame error, closing session")
			return ferr
		}
		resp := s.dispatch(ctx, env)
		select {
		case s.outbox <- resp:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case env, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := protocol.WriteEnvelope(s.conn, env); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch runs one request to completion and builds its response
// envelope. It never returns an error itself: every failure becomes an
// in-band Error response, per spec §7's propagation policy.
func (s *Session) dispatch(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	log := s.log.WithFields(logrus.Fields{"request_id": env.ID, "op": env.Type})

	var respType string
	var respBody interface{}
	var opErr *ohdberr.Error

	switch env.Type {
	case protocol.TypePing:
		var b protocol.PingBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			respType, respBody = protocol.TypePong, protocol.PongBody{Data: b.Data}
		}

	case protocol.TypeCreateNode:
		var b protocol.CreateNodeBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var parent ohpath.Path
			var kind tree.Kind
			parent, kind, opErr = parseCreateNode(b)
			if opErr == nil {
				opErr = s.engine.CreateNode(ctx, parent, b.Name, kind)
			}
			if opErr == nil {
				log.Info("created node")
				respType, respBody = protocol.TypeOk, protocol.OkBody{}
			}
		}

	case protocol.TypeCreateFormula:
		var b protocol.CreateFormulaBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var parent ohpath.Path
			var inputs []tree.InputSpec
			parent, inputs, opErr = parseCreateFormula(b)
			if opErr == nil {
				opErr = s.engine.CreateFormula(ctx, parent, b.Name, inputs, b.Expression)
			}
			if opErr == nil {
				log.Info("created formula")
				respType, respBody = protocol.TypeOk, protocol.OkBody{}
			}
		}

	case protocol.TypeRemoveNode:
		var b protocol.RemoveNodeBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var parent ohpath.Path
			parent, opErr = ohpath.Parse(b.Parent)
			if opErr == nil {
				opErr = s.engine.RemoveNode(ctx, parent, b.Name)
			}
			if opErr == nil {
				log.Info("removed node")
				respType, respBody = protocol.TypeOk, protocol.OkBody{}
			}
		}

	case protocol.TypeListDirectory:
		var b protocol.ListDirectoryBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var path ohpath.Path
			var names []string
			path, opErr = ohpath.Parse(b.Path)
			if opErr == nil {
				names, opErr = s.engine.ListDirectory(ctx, path)
			}
			if opErr == nil {
				respType, respBody = protocol.TypeChildren, protocol.ChildrenBody{Names: names}
			}
		}

	case protocol.TypeGetFileContent:
		var b protocol.GetFileContentBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var path ohpath.Path
			path, opErr = ohpath.Parse(b.Path)
			if opErr == nil {
				var value string
				value, opErr = s.getFileContentDeduped(ctx, path)
				if opErr == nil {
					respType, respBody = protocol.TypeData, protocol.DataBody{Value: value}
				}
			}
		}

	case protocol.TypeSetFileContent:
		var b protocol.SetFileContentBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var glob *ohpath.Glob
			glob, opErr = ohpath.Compile(b.Glob)
			if opErr == nil {
				opErr = s.engine.SetFileContent(ctx, glob, b.Data)
			}
			if opErr == nil {
				log.Info("wrote file content")
				respType, respBody = protocol.TypeOk, protocol.OkBody{}
			}
		}

	case protocol.TypeSubscribe:
		var b protocol.SubscribeBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			var glob *ohpath.Glob
			glob, opErr = ohpath.Compile(b.Glob)
			if opErr == nil {
				var id int64
				id, opErr = s.engine.Subscribe(ctx, glob, s)
				if opErr == nil {
					s.trackSubscription(id)
					respType, respBody = protocol.TypeSubscriptionID, protocol.SubscriptionIDBody{ID: id}
				}
			}
		}

	case protocol.TypeUnsubscribe:
		var b protocol.UnsubscribeBody
		if opErr = protocol.DecodeBody(env, &b); opErr == nil {
			opErr = s.engine.Unsubscribe(ctx, b.ID)
			if opErr == nil {
				s.untrackSubscription(b.ID)
				respType, respBody = protocol.TypeOk, protocol.OkBody{}
			}
		}

	default:
		opErr = ohdberr.Newf(ohdberr.UnknownMessageType, "unknown request type %q", env.Type)
	}

	if opErr != nil {
		log.WithField("error", opErr.Name).Warn("request failed")
		return &protocol.Envelope{ID: env.ID, Type: protocol.TypeError, Body: protocol.NewBody(protocol.ErrorBody{Name: string(opErr.Name), Context: opErr.Context})}
	}
	return &protocol.Envelope{ID: env.ID, Type: respType, Body: protocol.NewBody(respBody)}
}

// getFileContentDeduped routes a read through this session's
// singleflight group, collapsing concurrent reads of the same path into
// one Engine.GetFileContent call. The group belongs to one Session, and
// readLoop dispatches that session's requests one at a time, so reads
// from different sessions are never collapsed into one evaluation.
func (s *Session) getFileContentDeduped(ctx context.Context, path ohpath.Path) (string, *ohdberr.Error) {
	type result struct {
		value string
		err   *ohdberr.Error
	}
	v, err, _ := s.reads.Do(path.String(), func() (interface{}, error) {
		value, opErr := s.engine.GetFileContent(ctx, path)
		return result{value: value, err: opErr}, nil
	})
	if err != nil {
		// singleflight.Do's own error channel is unused here (we always
		// return a nil error and carry failure inside result instead),
		// so this path is unreachable in practice.
		return "", ohdberr.Newf(ohdberr.UnknownMessageType, "internal dedup failure: %s", err)
	}
	r := v.(result)
	return r.value, r.err
}

func (s *Session) trackSubscription(id int64) {
	s.mu.Lock()
	s.subs[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) untrackSubscription(id int64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func parseCreateNode(b protocol.CreateNodeBody) (ohpath.Path, tree.Kind, *ohdberr.Error) {
	parent, err := ohpath.Parse(b.Parent)
	if err != nil {
		return ohpath.Path{}, 0, err
	}
	switch b.Kind {
	case protocol.KindDirectory:
		return parent, tree.Directory, nil
	case protocol.KindFile:
		return parent, tree.File, nil
	default:
		return ohpath.Path{}, 0, ohdberr.Newf(ohdberr.UnknownNodeType, "unknown node kind %q", b.Kind)
	}
}

func parseCreateFormula(b protocol.CreateFormulaBody) (ohpath.Path, []tree.InputSpec, *ohdberr.Error) {
	parent, err := ohpath.Parse(b.Parent)
	if err != nil {
		return ohpath.Path{}, nil, err
	}
	// Deterministic order (lexicographic by param name) so two
	// identical requests register dependency edges in the same order,
	// even though CreateFormulaBody.Inputs arrives as a map.
	params := make([]string, 0, len(b.Inputs))
	for param := range b.Inputs {
		params = append(params, param)
	}
	sort.Strings(params)

	inputs := make([]tree.InputSpec, 0, len(params))
	for _, param := range params {
		path, perr := ohpath.Parse(b.Inputs[param])
		if perr != nil {
			return ohpath.Path{}, nil, perr
		}
		inputs = append(inputs, tree.InputSpec{Param: param, Path: path})
	}
	return parent, inputs, nil
}
