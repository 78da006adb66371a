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

// Package session owns the backend bearer credential.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/carverauto/minegate/pkg/clock"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/metrics"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/thingsboard"
)

const (
	DefaultSafetyMargin  = 30 * time.Second
	DefaultTokenTTL      = 15 * time.Minute
	DefaultBackoffBase   = time.Second
	DefaultBackoffCap    = 30 * time.Second
	DefaultDegradedAfter = 3

	loginKey = "login"
)

var (
	ErrClosed       = errors.New("session manager closed")
	errMissingCreds = errors.New("username and password are required")
)

// Authenticator exchanges credentials for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (*thingsboard.LoginResponse, error)
}

// Config configures the Manager.
type Config struct {
	Username      string
	Password      string
	SafetyMargin  time.Duration
	DefaultTTL    time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DegradedAfter int
}

func (c *Config) applyDefaults() {
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = DefaultSafetyMargin
	}

	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTokenTTL
	}

	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}

	if c.BackoffCap <= 0 {
		c.BackoffCap = DefaultBackoffCap
	}

	if c.DegradedAfter <= 0 {
		c.DegradedAfter = DefaultDegradedAfter
	}
}

// Manager caches the bearer credential and refreshes it on demand.
// Concurrent refreshes collapse into one login that keeps retrying with
// exponential backoff until it succeeds or the manager is closed.
type Manager struct {
	cfg   Config
	auth  Authenticator
	clock clock.Clock
	log   logger.Logger

	mu       sync.RWMutex
	cred     models.Credential
	failures int

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	// overridable in tests
	newBackOff func() backoff.BackOff
}

// NewManager builds a Manager. A nil clk uses the wall clock.
func NewManager(cfg Config, auth Authenticator, clk clock.Clock, log logger.Logger) (*Manager, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errMissingCreds
	}

	cfg.applyDefaults()

	if clk == nil {
		clk = clock.Real()
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:    cfg,
		auth:   auth,
		clock:  clk,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}

	m.newBackOff = func() backoff.BackOff {
		return NewBackOff(cfg.BackoffBase, cfg.BackoffCap)
	}

	return m, nil
}

// NewBackOff returns the exponential policy shared by login and stream
// reconnects.
func NewBackOff(base, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = maxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2

	return bo
}

// AcquireToken returns a credential valid for at least the safety margin,
// authenticating first when needed. The caller's context bounds only its
// own wait; the shared login continues for other callers.
func (m *Manager) AcquireToken(ctx context.Context) (models.Credential, error) {
	if cred, ok := m.cached(); ok {
		return cred, nil
	}

	ch := m.group.DoChan(loginKey, func() (interface{}, error) {
		if cred, ok := m.cached(); ok {
			return cred, nil
		}

		return m.login()
	})

	select {
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}

		return res.Val.(models.Credential), nil
	}
}

func (m *Manager) cached() (models.Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cred.ValidAt(m.clock.Now(), m.cfg.SafetyMargin) {
		return m.cred, true
	}

	return models.Credential{}, false
}

func (m *Manager) login() (models.Credential, error) {
	op := func() (models.Credential, error) {
		resp, err := m.auth.Login(m.ctx, m.cfg.Username, m.cfg.Password)
		if err != nil {
			if m.ctx.Err() != nil {
				return models.Credential{}, backoff.Permanent(ErrClosed)
			}

			m.recordFailure(err)

			return models.Credential{}, err
		}

		cred := models.Credential{
			Token:     resp.Token,
			ExpiresAt: m.expiry(resp),
		}

		m.recordSuccess(cred)

		return cred, nil
	}

	cred, err := backoff.Retry(m.ctx, op,
		backoff.WithBackOff(m.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.log.Debug().Err(err).Dur("retry_in", next).Msg("Backend login failed, retrying")
		}),
	)
	if err != nil {
		if m.ctx.Err() != nil {
			return models.Credential{}, ErrClosed
		}

		return models.Credential{}, fmt.Errorf("login: %w", err)
	}

	return cred, nil
}

func (m *Manager) recordFailure(err error) {
	metrics.RecordAuthFailure(m.ctx)

	m.mu.Lock()
	m.failures++
	failures := m.failures
	m.mu.Unlock()

	ev := m.log.Debug()
	if failures >= m.cfg.DegradedAfter {
		ev = m.log.Warn()
	}

	ev.Err(err).Int("consecutive_failures", failures).Msg("Backend authentication failed")
}

func (m *Manager) recordSuccess(cred models.Credential) {
	m.mu.Lock()
	recovered := m.failures >= m.cfg.DegradedAfter
	m.failures = 0
	m.cred = cred
	m.mu.Unlock()

	if recovered {
		m.log.Info().Msg("Backend authentication recovered")
	}

	m.log.Debug().Time("expires_at", cred.ExpiresAt).Msg("Acquired backend token")
}

// expiry prefers expiresInSeconds, then the JWT exp claim, then the
// configured default TTL.
func (m *Manager) expiry(resp *thingsboard.LoginResponse) time.Time {
	now := m.clock.Now()

	if resp.ExpiresInSeconds > 0 {
		return now.Add(time.Duration(resp.ExpiresInSeconds) * time.Second)
	}

	if exp, ok := jwtExpiry(resp.Token); ok {
		return exp
	}

	return now.Add(m.cfg.DefaultTTL)
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only ever sent back to the issuer.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return time.Time{}, false
	}

	var claims struct {
		Exp int64 `json:"exp"`
	}

	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}, false
	}

	return time.Unix(claims.Exp, 0), true
}

// Invalidate drops the cached credential if it is still token, so the next
// AcquireToken logs in. A credential refreshed since token was handed out
// is kept.
func (m *Manager) Invalidate(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred.Token != token {
		return
	}

	m.cred = models.Credential{}
}

// Degraded reports whether authentication has failed DegradedAfter times in
// a row without a success since.
func (m *Manager) Degraded() bool {
	return m.ConsecutiveFailures() >= m.cfg.DegradedAfter
}

// ConsecutiveFailures returns the current run of failed logins.
func (m *Manager) ConsecutiveFailures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.failures
}

// Close aborts any in-flight login.
func (m *Manager) Close() {
	m.cancel()
}
