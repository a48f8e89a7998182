package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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

	"github.com/oh-db/oh_db/clientlib"
	"github.com/oh-db/oh_db/internal/server"
)

func TestValidateComponentRejectsGlobCharacters(t *testing.T) {
	require.Error(t, validateComponent("a/b"))
	require.Error(t, validateComponent("a*"))
	require.Error(t, validateComponent("a?"))
	require.NoError(t, validateComponent("plain"))
}

func TestJoinPath(t *testing.T) {
	require.Equal(t, "/a", joinPath("/", "a"))
	require.Equal(t, "/a/b", joinPath("/a", "b"))
}

func TestToContentStringifiesScalars(t *testing.T) {
	require.Equal(t, "42", toContent(42))
	require.Equal(t, "true", toContent(true))
	require.Equal(t, "hello", toContent("hello"))
}

func TestToStringMapRejectsNonStringValues(t *testing.T) {
	_, err := toStringMap(map[string]interface{}{"x": 5})
	require.Error(t, err)

	out, err := toStringMap(map[string]interface{}{"x": "/a/x"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"x": "/a/x"}, out)
}

// The following exercise slurpConfig/createFormulas end to end against a
// real running server, the same way clientlib's own tests do.

type testCerts struct {
	caPath, serverCertPath, serverKeyPath, clientCertPath, clientKeyPath string
}

func newTestCerts(t *testing.T) testCerts {
	t.Helper()
	dir := t.TempDir()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "oh_populate test CA"},
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
	serverCertPEM, serverKeyPEM := mint("oh_populate test server")
	clientCertPEM, clientKeyPEM := mint("oh_populate test client")

	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, data, 0o600))
		return path
	}
	return testCerts{
		caPath:         write("ca.pem", caPEM),
		serverCertPath: write("server.pem", serverCertPEM),
		serverKeyPath:  write("server-key.pem", serverKeyPEM),
		clientCertPath: write("client.pem", clientCertPEM),
		clientKeyPath:  write("client-key.pem", clientKeyPEM),
	}
}

func findFreePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func startTestServerAndClient(t *testing.T) *clientlib.Client {
	t.Helper()
	certs := newTestCerts(t)
	port := findFreePort(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := server.New(server.Config{
		Address: "127.0.0.1", Port: port,
		CAChainFile: certs.caPath, CertFile: certs.serverCertPath, PrivateKeyFile: certs.serverKeyPath,
	}, log)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Run(ctx) }()
	t.Cleanup(cancel)
	time.Sleep(50 * time.Millisecond)

	dialCtx, dialCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer dialCancel()
	client, err := clientlib.Dial(dialCtx, "127.0.0.1:"+strconv.Itoa(port), clientlib.Credentials{
		CAChainFile: certs.caPath, CertFile: certs.clientCertPath, PrivateKeyFile: certs.clientKeyPath,
	}, clientlib.DialOptions{MaxElapsedTime: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSlurpConfigCreatesFilesDirectoriesAndFormulas(t *testing.T) {
	client := startTestServerAndClient(t)
	ctx := context.Background()

	config := map[string]interface{}{
		"lights": map[string]interface{}{
			"kitchen": "off",
		},
		"derived": map[string]interface{}{
			"formula": "v",
			"where":   map[string]interface{}{"v": "/lights/kitchen"},
		},
	}

	formulas, err := slurpConfig(ctx, client, "/", config)
	require.NoError(t, err)
	require.Len(t, formulas, 1)
	require.Equal(t, "derived", formulas[0].name)

	require.NoError(t, createFormulas(ctx, client, formulas))

	value, err := client.GetFileContent(ctx, "/lights/kitchen")
	require.NoError(t, err)
	require.Equal(t, "off", value)

	derived, err := client.GetFileContent(ctx, "/derived")
	require.NoError(t, err)
	require.Equal(t, "off", derived)
}
