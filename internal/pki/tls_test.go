// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDialTLSConfigDefaultsToSystemPool(t *testing.T) {
	cfg, err := NewDialTLSConfig("")
	if err != nil {
		t.Fatalf("NewDialTLSConfig: %v", err)
	}
	if cfg.RootCAs != nil {
		t.Error("expected nil RootCAs (system pool) when no CA path is given")
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected TLS 1.2 minimum, got %d", cfg.MinVersion)
	}
}

func TestNewDialTLSConfigLoadsCustomCA(t *testing.T) {
	dir := t.TempDir()
	caCertPath := filepath.Join(dir, "ca.pem")
	writePEM(t, caCertPath, generateTestCA(t))

	cfg, err := NewDialTLSConfig(caCertPath)
	if err != nil {
		t.Fatalf("NewDialTLSConfig: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected non-nil RootCAs after loading a custom CA")
	}
}

func TestNewDialTLSConfigRejectsInvalidCA(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "bad.pem")
	if err := os.WriteFile(badPath, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := NewDialTLSConfig(badPath); err == nil {
		t.Fatal("expected error for invalid CA cert")
	}
}

func TestNewDialTLSConfigMissingFile(t *testing.T) {
	if _, err := NewDialTLSConfig("/nonexistent/ca.pem"); err == nil {
		t.Fatal("expected error for missing CA cert file")
	}
}

func generateTestCA(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating CA key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("creating CA certificate: %v", err)
	}
	return der
}

func writePEM(t *testing.T, path string, der []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating file %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encoding PEM: %v", err)
	}
}
