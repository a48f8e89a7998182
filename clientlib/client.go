// Package clientlib is a Go client for the oh_db wire protocol, mirroring
// the shape of the original Python oh_shared/db.py Tree/Connection classes:
// dial with retry, dispatch requests by id, demultiplex responses from
// subscription events on one connection.
package clientlib

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oh-db/oh_db/internal/ohdberr"
	"github.com/oh-db/oh_db/internal/protocol"
)

// EventHandler receives subscription events for one subscription id.
type EventHandler func(values map[string][]string)

// Client is one connection to an oh_db server. It is safe for concurrent
// use: every exported method may be called from multiple goroutines.
type Client struct {
	conn net.Conn

	nextID int64 // atomic; message_id 1 is reserved for the handshake ping

	mu      sync.Mutex
	pending map[int64]chan *protocol.Envelope
	subs    map[int64]EventHandler
	closed  bool
	closeCh chan struct{}
	readErr error
}

// Credentials names the three PEM files the mutual-auth handshake needs,
// mirroring Tree.connect's (ca_cert_chain, cert_chain, key_file) params.
type Credentials struct {
	CAChainFile   string
	CertFile      string
	PrivateKeyFile string
}

func (c Credentials) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading client certificate: %w", err)
	}
	caPEM, err := os.ReadFile(c.CAChainFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA chain: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from CA chain %s", c.CAChainFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
		// No hostname check: the server side identifies peers by chain of
		// trust, not by name, so the client does the same (spec §6).
		InsecureSkipVerify: true,
		VerifyPeerCertificate: verifyAgainstPool(pool),
	}, nil
}

// verifyAgainstPool reimplements the chain verification tls.Config would
// normally do via ServerName/RootCAs, but without the hostname check that
// InsecureSkipVerify otherwise throws away along with it.
func verifyAgainstPool(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("no server certificate presented")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("parsing server certificate: %w", err)
		}
		intermediates := x509.NewCertPool()
		for _, der := range rawCerts[1:] {
			if cert, err := x509.ParseCertificate(der); err == nil {
				intermediates.AddCert(cert)
			}
		}
		_, err = leaf.Verify(x509.VerifyOptions{
			Roots:         pool,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		return err
	}
}

// DialOptions configures Dial's retry behavior.
type DialOptions struct {
	// MaxElapsedTime bounds how long Dial keeps retrying a refused or
	// reset connection before giving up. Zero means backoff/v4's default
	// (15 minutes); the original Python client retried forever every
	// 0.5s, which this reference implementation deliberately bounds.
	MaxElapsedTime time.Duration
}

// Dial connects to addr (host:port), performing the mutual-auth TLS
// handshake and the liveness Ping/Pong handshake the original
// oh_shared/db.py Tree.connect performs, retrying a refused connection
// with exponential backoff (spec §12: "reconnect-with-backoff").
func Dial(ctx context.Context, addr string, creds Credentials, opts DialOptions) (*Client, error) {
	tlsCfg, err := creds.tlsConfig()
	if err != nil {
		return nil, err
	}

	bo := backoff.NewExponentialBackOff()
	if opts.MaxElapsedTime > 0 {
		bo.MaxElapsedTime = opts.MaxElapsedTime
	}

	var conn net.Conn
	operation := func() error {
		dialer := &tls.Dialer{Config: tlsCfg}
		c, derr := dialer.DialContext(ctx, "tcp", addr)
		if derr != nil {
			return derr
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		nextID:  0,
		pending: make(map[int64]chan *protocol.Envelope),
		subs:    make(map[int64]EventHandler),
		closeCh: make(chan struct{}),
	}
	go c.readLoop()

	if err := c.ping(ctx, "oh_db-clientlib-handshake"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake ping failed: %w", err)
	}
	return c, nil
}

// Close shuts down the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		env, ferr := protocol.ReadEnvelope(c.conn)
		if ferr != nil {
			c.mu.Lock()
			c.readErr = ferr
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		if env.Type == protocol.TypeEvent {
			c.dispatchEvent(env)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		if ok {
			delete(c.pending, env.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

func (c *Client) dispatchEvent(env *protocol.Envelope) {
	var body protocol.EventBody
	if err := protocol.DecodeBody(env, &body); err != nil {
		return
	}
	c.mu.Lock()
	handler, ok := c.subs[body.SubscriptionID]
	c.mu.Unlock()
	if ok {
		handler(body.Values)
	}
}

// call sends a request envelope and waits for its matching response,
// respecting ctx cancellation the way the original Python client awaits
// a per-message asyncio.Future.
func (c *Client) call(ctx context.Context, typ string, body interface{}) (*protocol.Envelope, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan *protocol.Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client is closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	env := &protocol.Envelope{ID: id, Type: typ, Body: protocol.NewBody(body)}
	if err := protocol.WriteEnvelope(c.conn, env); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed while awaiting response: %w", c.readErr)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closeCh:
		return nil, fmt.Errorf("client closed")
	}
}

func asError(resp *protocol.Envelope) error {
	if resp.Type != protocol.TypeError {
		return nil
	}
	var body protocol.ErrorBody
	if err := protocol.DecodeBody(resp, &body); err != nil {
		return fmt.Errorf("server returned an error response with an undecodable body")
	}
	return &ohdberr.Error{Name: ohdberr.Name(body.Name), Context: body.Context}
}

// Ping round-trips data through the server's liveness echo, confirming
// the connection is still responsive (spec §12's ping/pong handshake,
// usable after the initial Dial handshake too).
func (c *Client) Ping(ctx context.Context, data string) error {
	return c.ping(ctx, data)
}

func (c *Client) ping(ctx context.Context, data string) error {
	resp, err := c.call(ctx, protocol.TypePing, protocol.PingBody{Data: data})
	if err != nil {
		return err
	}
	if err := asError(resp); err != nil {
		return err
	}
	var body protocol.PongBody
	if err := protocol.DecodeBody(resp, &body); err != nil {
		return err
	}
	if body.Data != data {
		return fmt.Errorf("pong data mismatch: sent %q, got %q", data, body.Data)
	}
	return nil
}

// CreateDirectory creates a directory node at parent/name.
func (c *Client) CreateDirectory(ctx context.Context, parent, name string) error {
	return c.createNode(ctx, parent, name, protocol.KindDirectory)
}

// CreateFile creates a file node at parent/name.
func (c *Client) CreateFile(ctx context.Context, parent, name string) error {
	return c.createNode(ctx, parent, name, protocol.KindFile)
}

func (c *Client) createNode(ctx context.Context, parent, name string, kind protocol.NodeKind) error {
	resp, err := c.call(ctx, protocol.TypeCreateNode, protocol.CreateNodeBody{Parent: parent, Name: name, Kind: kind})
	if err != nil {
		return err
	}
	return asError(resp)
}

// CreateFormula creates a reactive formula node at parent/name, with
// inputs bound to dependency paths and evaluated by expression.
func (c *Client) CreateFormula(ctx context.Context, parent, name string, inputs map[string]string, expression string) error {
	resp, err := c.call(ctx, protocol.TypeCreateFormula, protocol.CreateFormulaBody{
		Parent: parent, Name: name, Inputs: inputs, Expression: expression,
	})
	if err != nil {
		return err
	}
	return asError(resp)
}

// CreateAliasFormula creates a formula that is just an alias for another
// path's value, supplementing the original oh_formula.py "same-as" kind
// (spec §12) as a convenience over the general CreateFormula.
func (c *Client) CreateAliasFormula(ctx context.Context, parent, name, target string) error {
	return c.CreateFormula(ctx, parent, name, map[string]string{"v": target}, "v")
}

// RemoveNode removes the child named name under parent.
func (c *Client) RemoveNode(ctx context.Context, parent, name string) error {
	resp, err := c.call(ctx, protocol.TypeRemoveNode, protocol.RemoveNodeBody{Parent: parent, Name: name})
	if err != nil {
		return err
	}
	return asError(resp)
}

// ListDirectory returns the names of path's immediate children.
func (c *Client) ListDirectory(ctx context.Context, path string) ([]string, error) {
	resp, err := c.call(ctx, protocol.TypeListDirectory, protocol.ListDirectoryBody{Path: path})
	if err != nil {
		return nil, err
	}
	if err := asError(resp); err != nil {
		return nil, err
	}
	var body protocol.ChildrenBody
	if err := protocol.DecodeBody(resp, &body); err != nil {
		return nil, err
	}
	return body.Names, nil
}

// GetFileContent returns the current string value at path.
func (c *Client) GetFileContent(ctx context.Context, path string) (string, error) {
	resp, err := c.call(ctx, protocol.TypeGetFileContent, protocol.GetFileContentBody{Path: path})
	if err != nil {
		return "", err
	}
	if err := asError(resp); err != nil {
		return "", err
	}
	var body protocol.DataBody
	if err := protocol.DecodeBody(resp, &body); err != nil {
		return "", err
	}
	return body.Value, nil
}

// SetFileContent writes data to every file matched by glob.
func (c *Client) SetFileContent(ctx context.Context, glob, data string) error {
	resp, err := c.call(ctx, protocol.TypeSetFileContent, protocol.SetFileContentBody{Glob: glob, Data: data})
	if err != nil {
		return err
	}
	return asError(resp)
}

// Subscribe registers handler to be called with coalesced values
// whenever a write touches a path matching glob, returning a
// subscription id usable with Unsubscribe.
func (c *Client) Subscribe(ctx context.Context, glob string, handler EventHandler) (int64, error) {
	resp, err := c.call(ctx, protocol.TypeSubscribe, protocol.SubscribeBody{Glob: glob})
	if err != nil {
		return 0, err
	}
	if err := asError(resp); err != nil {
		return 0, err
	}
	var body protocol.SubscriptionIDBody
	if err := protocol.DecodeBody(resp, &body); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.subs[body.ID] = handler
	c.mu.Unlock()
	return body.ID, nil
}

// Unsubscribe cancels a subscription previously returned by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, id int64) error {
	resp, err := c.call(ctx, protocol.TypeUnsubscribe, protocol.UnsubscribeBody{ID: id})
	if err != nil {
		return err
	}
	if err := asError(resp); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	return nil
}
