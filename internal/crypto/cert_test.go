package crypto

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGenerateSelfSignedPair(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedPair("sshdeck", []string{"localhost", "127.0.0.1"})
	if err != nil {
		t.Fatalf("GenerateSelfSignedPair() error = %v", err)
	}

	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		t.Fatal("failed to decode cert PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}

	if cert.Subject.CommonName != "sshdeck" {
		t.Errorf("CommonName = %q, want %q", cert.Subject.CommonName, "sshdeck")
	}
	if len(cert.DNSNames) != 1 || cert.DNSNames[0] != "localhost" {
		t.Errorf("DNSNames = %v, want [localhost]", cert.DNSNames)
	}
	if len(cert.IPAddresses) != 1 || !cert.IPAddresses[0].Equal([]byte{127, 0, 0, 1}) {
		t.Errorf("IPAddresses = %v, want [127.0.0.1]", cert.IPAddresses)
	}
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); !ok {
		t.Errorf("public key type = %T, want *ecdsa.PublicKey", cert.PublicKey)
	}
	if d := cert.NotAfter.Sub(cert.NotBefore); d < 365*24*time.Hour {
		t.Errorf("validity = %v, want at least a year", d)
	}
	if err := cert.CheckSignatureFrom(cert); err != nil {
		t.Errorf("certificate is not self-signed: %v", err)
	}

	if _, err := tls.X509KeyPair([]byte(certPEM), []byte(keyPEM)); err != nil {
		t.Errorf("X509KeyPair() error = %v", err)
	}
}

func TestGenerateSelfSignedPair_UniquePerCall(t *testing.T) {
	cert1, _, err := GenerateSelfSignedPair("a", nil)
	if err != nil {
		t.Fatal(err)
	}
	cert2, _, err := GenerateSelfSignedPair("a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if cert1 == cert2 {
		t.Error("two calls produced identical certificates")
	}
}

func TestEnsureServerCert(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tls")

	certFile, keyFile, err := EnsureServerCert(dir, []string{"localhost"})
	if err != nil {
		t.Fatalf("EnsureServerCert() error = %v", err)
	}
	first, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(keyFile)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key file mode = %v, want 0600", info.Mode().Perm())
	}

	// Second call reuses the existing pair.
	if _, _, err := EnsureServerCert(dir, []string{"localhost"}); err != nil {
		t.Fatal(err)
	}
	second, err := os.ReadFile(certFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(first) != string(second) {
		t.Error("certificate was regenerated")
	}
}
