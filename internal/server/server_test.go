package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/oh-db/oh_db/internal/protocol"
)

// testCA mints a throwaway CA plus a server and client leaf certificate,
// all chained to it, so tests can exercise Config's mutual-auth TLS setup
// without shelling out to openssl or touching the network beyond loopback.
type testCA struct {
	caPEM []byte

	serverCertPEM, serverKeyPEM []byte
	clientCertPEM, clientKeyPEM []byte
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "oh_db test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})

	mint := func(cn string) (certPEM, keyPEM []byte) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(time.Now().UnixNano() % 1_000_000),
			Subject:      pkix.Name{CommonName: cn},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		require.NoError(t, err)
		certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
		return
	}

	serverCertPEM, serverKeyPEM := mint("oh_db test server")
	clientCertPEM, clientKeyPEM := mint("oh_db test client")

	return &testCA{
		caPEM:         caPEM,
		serverCertPEM: serverCertPEM, serverKeyPEM: serverKeyPEM,
		clientCertPEM: clientCertPEM, clientKeyPEM: clientKeyPEM,
	}
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func findFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServerAcceptsMutualTLSAndServesPing(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()
	caPath := writeFile(t, dir, "ca.pem", ca.caPEM)
	certPath := writeFile(t, dir, "server.pem", ca.serverCertPEM)
	keyPath := writeFile(t, dir, "server-key.pem", ca.serverKeyPEM)

	port := findFreePort(t)
	cfg := Config{Address: "127.0.0.1", Port: port, CAChainFile: caPath, CertFile: certPath, PrivateKeyFile: keyPath}
	srv := New(cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run(ctx) }()

	// Give the listener a moment to bind. The accept loop itself blocks
	// on Accept, so a short settle is enough; failures below would just
	// surface as a connection-refused dial error.
	time.Sleep(50 * time.Millisecond)

	clientCert, err := tls.X509KeyPair(ca.clientCertPEM, ca.clientKeyPEM)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca.caPEM))

	conn, err := tls.Dial("tcp", cfg.Address+":"+strconv.Itoa(port), &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteEnvelope(conn, &protocol.Envelope{ID: 1, Type: protocol.TypePing, Body: protocol.NewBody(protocol.PingBody{Data: "hi"})}))
	resp, ferr := protocol.ReadEnvelope(conn)
	require.Nil(t, ferr)
	require.Equal(t, protocol.TypePong, resp.Type)

	var body protocol.PongBody
	require.Nil(t, protocol.DecodeBody(resp, &body))
	require.Equal(t, "hi", body.Data)

	cancel()
	select {
	case <-runErrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down after context cancellation")
	}
}

func TestServerRejectsConnectionWithoutClientCert(t *testing.T) {
	ca := newTestCA(t)
	dir := t.TempDir()
	caPath := writeFile(t, dir, "ca.pem", ca.caPEM)
	certPath := writeFile(t, dir, "server.pem", ca.serverCertPEM)
	keyPath := writeFile(t, dir, "server-key.pem", ca.serverKeyPEM)

	port := findFreePort(t)
	cfg := Config{Address: "127.0.0.1", Port: port, CAChainFile: caPath, CertFile: certPath, PrivateKeyFile: keyPath}
	srv := New(cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(ca.caPEM))

	// No client certificate presented: the handshake must fail since the
	// server requires one (tls.RequireAndVerifyClientCert).
	_, err := tls.Dial("tcp", cfg.Address+":"+strconv.Itoa(port), &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	})
	require.Error(t, err)
}
