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

// Package db archives asset snapshots to Postgres/Timescale.
package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
)

const defaultPort = 5432

var (
	errTLSIncomplete = errors.New("database tls: cert_file, key_file, and ca_file are required")
	errCAAppend      = errors.New("database tls: unable to append CA certificate")
	errNotConfigured = errors.New("database is not configured")
)

// TLSConfig points at PEM files for a mutual-TLS database connection.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// Config describes the archive database. An empty URL and Host disable it.
type Config struct {
	URL                string            `json:"url"`
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	Database           string            `json:"database"`
	Username           string            `json:"username"`
	Password           string            `json:"password"`
	SSLMode            string            `json:"ssl_mode"`
	ApplicationName    string            `json:"application_name"`
	MaxConnections     int32             `json:"max_connections"`
	MinConnections     int32             `json:"min_connections"`
	MaxConnLifetime    models.Duration   `json:"max_conn_lifetime"`
	HealthCheckPeriod  models.Duration   `json:"health_check_period"`
	StatementTimeout   models.Duration   `json:"statement_timeout"`
	ExtraRuntimeParams map[string]string `json:"runtime_params"`
	TLS                *TLSConfig        `json:"tls,omitempty"`

	Table         string          `json:"table"`
	BatchSize     int             `json:"batch_size"`
	FlushInterval models.Duration `json:"flush_interval"`
	WarmStart     bool            `json:"warm_start"`
}

// Enabled reports whether a database is configured.
func (c *Config) Enabled() bool {
	return c.URL != "" || c.Host != ""
}

// ConnString renders the pgx connection string.
func (c *Config) ConnString() string {
	if c.URL != "" {
		return c.URL
	}

	port := c.Port
	if port == 0 {
		port = defaultPort
	}

	connURL := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, port),
		Path:   "/" + c.Database,
	}

	if c.Username != "" {
		if c.Password != "" {
			connURL.User = url.UserPassword(c.Username, c.Password)
		} else {
			connURL.User = url.User(c.Username)
		}
	}

	query := connURL.Query()

	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	query.Set("sslmode", sslMode)

	if c.ApplicationName != "" {
		query.Set("application_name", c.ApplicationName)
	}

	connURL.RawQuery = query.Encode()

	return connURL.String()
}

// NewPool dials the configured database and returns a pgx pool.
func NewPool(ctx context.Context, cfg *Config, log logger.Logger) (*pgxpool.Pool, error) {
	if cfg == nil || !cfg.Enabled() {
		return nil, errNotConfigured
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("database: failed to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}

	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime.Std()
	}

	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod.Std()
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	for k, v := range cfg.ExtraRuntimeParams {
		if k == "" {
			continue
		}

		poolConfig.ConnConfig.RuntimeParams[k] = v
	}

	if cfg.StatementTimeout > 0 {
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] =
			strconv.FormatInt(cfg.StatementTimeout.Std().Milliseconds(), 10)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		poolConfig.ConnConfig.TLSConfig = tlsConfig
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("database: failed to initialize pool: %w", err)
	}

	if log != nil {
		log.Info().
			Str("host", poolConfig.ConnConfig.Host).
			Uint16("port", poolConfig.ConnConfig.Port).
			Int32("max_conns", poolConfig.MaxConns).
			Msg("Connected to snapshot archive database")
	}

	return pool, nil
}

func buildTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.TLS == nil {
		return nil, nil
	}

	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" || cfg.TLS.CAFile == "" {
		return nil, errTLSIncomplete
	}

	clientCert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("database tls: failed to load client keypair: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.TLS.CAFile)
	if err != nil {
		return nil, fmt.Errorf("database tls: failed to read CA file: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, errCAAppend
	}

	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   cfg.Host,
	}, nil
}
