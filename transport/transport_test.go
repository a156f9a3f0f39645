package transport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConnReadFullNormalizesEOF(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := Wrap(server)
	go client.Close()

	buf := make([]byte, 4)
	err := c.ReadFull(buf)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestConnReadFullRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sc := Wrap(server)
	cc := Wrap(client)

	go func() {
		cc.Write([]byte("ping")) //nolint:errcheck
	}()

	buf := make([]byte, 4)
	if err := sc.ReadFull(buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Fatalf("got %q want %q", buf, "ping")
	}
}

func TestConnWriteAfterCloseIsErrClosed(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	c := Wrap(client)

	err := c.Write([]byte("x"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMaterialConfigBuildsMutualTLSConfigs(t *testing.T) {
	dir := t.TempDir()
	caCert, caKey := generateTestCA(t)
	serverMat := generateTestLeaf(t, dir, "server", caCert, caKey)
	clientMat := generateTestLeaf(t, dir, "client", caCert, caKey)

	serverCfg, err := serverMat.Config(true)
	if err != nil {
		t.Fatalf("server Config: %v", err)
	}
	if serverCfg.ClientAuth.String() == "" {
		t.Fatalf("expected a ClientAuth policy")
	}

	clientCfg, err := clientMat.Config(false)
	if err != nil {
		t.Fatalf("client Config: %v", err)
	}
	if clientCfg.RootCAs == nil {
		t.Fatalf("expected RootCAs to be populated")
	}
}

// ---- test certificate helpers ----

func generateTestCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate CA key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "restpipe-test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create CA cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}
	return cert, key
}

func generateTestLeaf(t *testing.T, dir, name string, caCert *x509.Certificate, caKey *ecdsa.PrivateKey) Material {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: name},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf cert: %v", err)
	}

	crtPath := filepath.Join(dir, name+".crt.pem")
	keyPath := filepath.Join(dir, name+".key.pem")
	caPath := filepath.Join(dir, "ca.crt.pem")

	writePEM(t, crtPath, "CERTIFICATE", der)

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal leaf key: %v", err)
	}
	writePEM(t, keyPath, "EC PRIVATE KEY", keyBytes)
	writePEM(t, caPath, "CERTIFICATE", caCert.Raw)

	return Material{KeyPath: keyPath, CrtPath: crtPath, CAPath: caPath}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		t.Fatalf("encode pem %s: %v", path, err)
	}
}
