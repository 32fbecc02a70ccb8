// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Plexus License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package pki builds the TLS configuration the connector's websocket dialer
// uses to reach the control channel. Unlike the mutual-TLS model this was
// adapted from, authentication here is carried in the device_auth frame (an
// API key or device token), not a client certificate — so this package's
// only remaining job is trusting an optional custom CA.
package pki

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewDialTLSConfig builds the tls.Config used to dial the control channel's
// wss:// endpoint. If caCertPath is empty, the system trust store is used
// (the normal case against a public endpoint). If set, it names a PEM file
// whose certificates are trusted *in addition to* the system pool, for
// self-hosted deployments with a private CA.
func NewDialTLSConfig(caCertPath string) (*tls.Config, error) {
	if caCertPath == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}

	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caCertPath)
	}

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		RootCAs:    pool,
	}, nil
}
