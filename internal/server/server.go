// Package server wires a tree.Store and Engine to a mutually-authenticated
// TLS listener and accepts one session per connection (spec §4.5, §5, §6).
package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/oh-db/oh_db/internal/session"
	"github.com/oh-db/oh_db/internal/subscription"
	"github.com/oh-db/oh_db/internal/tree"
)

// Config holds everything needed to stand up a listener, one field per
// spec §6 CLI flag.
type Config struct {
	Address       string
	Port          int
	CAChainFile   string
	CertFile      string
	PrivateKeyFile string
	CacheSize     int // formula evaluation cache size (0 = tree.DefaultCacheSize)
}

// Server accepts TLS connections and runs one Session per connection
// against a shared Engine.
type Server struct {
	cfg    Config
	log    *logrus.Logger
	audit  *logrus.Entry
	engine *session.Engine

	mu       sync.Mutex
	listener net.Listener
}

// New builds a Server with a fresh, empty tree.
func New(cfg Config, log *logrus.Logger) *Server {
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = tree.DefaultCacheSize
	}
	store := tree.NewWithCacheSize(subscription.NewIndex(), cacheSize)
	return &Server{
		cfg:    cfg,
		log:    log,
		audit:  log.WithField("component", "audit"),
		engine: session.NewEngine(store),
	}
}

// tlsConfig builds the mutual-auth TLS configuration spec §6 describes:
// the server presents a certificate chained to the configured CA, and
// requires the client to present one chained to the same CA. Hostname
// verification is disabled -- identity is established by chain of trust,
// not by SNI/hostname, since peers here are other oh_db components, not
// named public hosts.
func (s *Server) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.CertFile, s.cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	caPEM, err := os.ReadFile(s.cfg.CAChainFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA chain: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from CA chain %s", s.cfg.CAChainFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
		// Client certs are validated against pool above; the server has
		// no hostname to check them against (spec §6: "Hostname
		// verification is disabled (cert identity is by chain)").
		InsecureSkipVerify: false,
	}, nil
}

// Run binds the configured address, runs the tree task, and accepts
// connections until ctx is cancelled. It returns nil on a clean
// shutdown (ctx cancellation) and a non-nil error on bind/TLS
// configuration failure, per spec §6's exit-code contract -- callers
// translate a non-nil Run error into a non-zero process exit code.
func (s *Server) Run(ctx context.Context) error {
	tlsCfg, err := s.tlsConfig()
	if err != nil {
		return fmt.Errorf("TLS configuration: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port)
	raw, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", addr, err)
	}
	listener := tls.NewListener(raw, tlsCfg)

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.WithField("address", addr).Info("listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.engine.Run(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx, listener) })

	g.Go(func() error {
		<-gctx.Done()
		return listener.Close()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		// Not a requested shutdown: the accept loop or engine failed.
		return err
	}
	// Shutdown was requested; listener/engine errors caused by that
	// cancellation are expected, not a failure to report.
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	if tc, ok := conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			s.audit.WithError(err).WithField("peer", conn.RemoteAddr().String()).Warn("rejected TLS handshake")
			return
		}
		subject := ""
		if state := tc.ConnectionState(); len(state.PeerCertificates) > 0 {
			subject = state.PeerCertificates[0].Subject.String()
		}
		s.audit.WithFields(logrus.Fields{
			"peer":    conn.RemoteAddr().String(),
			"subject": subject,
		}).Info("accepted mutual-auth handshake")
	}

	sess := session.New(conn, s.engine, s.log)
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Debug("session ended")
	}
}
