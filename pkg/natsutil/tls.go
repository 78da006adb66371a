/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package natsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrTLSIncomplete is returned when only part of a client key pair is configured.
	ErrTLSIncomplete = errors.New("tls requires both cert_file and key_file")
	// ErrCAParsingFailed is returned when CA certificate cannot be parsed
	ErrCAParsingFailed = errors.New("failed to parse CA certificate")
)

// TLSSettings points at PEM files for connecting to NATS over TLS.
type TLSSettings struct {
	CertFile   string `json:"cert_file"`
	KeyFile    string `json:"key_file"`
	CAFile     string `json:"ca_file"`
	ServerName string `json:"server_name"`
}

// Enabled reports whether any TLS material is configured.
func (t TLSSettings) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != "" || t.CAFile != ""
}

// TLSConfig builds a tls.Config. A client certificate is loaded when both
// cert and key are set; a CA file replaces the system roots.
func TLSConfig(sec TLSSettings) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName: sec.ServerName,
		MinVersion: tls.VersionTLS12,
	}

	if (sec.CertFile == "") != (sec.KeyFile == "") {
		return nil, ErrTLSIncomplete
	}

	if sec.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		cfg.Certificates = []tls.Certificate{cert}
	}

	if sec.CAFile != "" {
		caCert, err := os.ReadFile(sec.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caCert) {
			return nil, ErrCAParsingFailed
		}

		cfg.RootCAs = caPool
	}

	return cfg, nil
}
