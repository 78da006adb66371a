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

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/minegate/pkg/clock"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/thingsboard"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.now
}

func (f *fakeClock) Ticker(time.Duration) clock.Ticker { return nil }

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.now = f.now.Add(d)
}

func newTestManager(t *testing.T, auth Authenticator, clk *fakeClock) *Manager {
	t.Helper()

	m, err := NewManager(Config{Username: "tenant@mine", Password: "pw"}, auth, clk, logger.NewTestLogger())
	require.NoError(t, err)

	m.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	t.Cleanup(m.Close)

	return m
}

func TestNewManagerRequiresCredentials(t *testing.T) {
	_, err := NewManager(Config{Username: "u"}, nil, nil, nil)
	require.ErrorIs(t, err, errMissingCreds)
}

func TestAcquireTokenCachesUntilMargin(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	backend.EXPECT().Login(gomock.Any(), "tenant@mine", "pw").
		Return(&thingsboard.LoginResponse{Token: "t1", ExpiresInSeconds: 60}, nil)

	m := newTestManager(t, backend, clk)

	cred, err := m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", cred.Token)
	assert.Equal(t, clk.Now().Add(time.Minute), cred.ExpiresAt)

	clk.Advance(20 * time.Second)

	cred, err = m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t1", cred.Token)

	backend.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any()).
		Return(&thingsboard.LoginResponse{Token: "t2", ExpiresInSeconds: 60}, nil)

	// 29s left, inside the 30s safety margin.
	clk.Advance(11 * time.Second)

	cred, err = m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t2", cred.Token)
}

func TestInvalidateForcesLogin(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	gomock.InOrder(
		backend.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&thingsboard.LoginResponse{Token: "a", ExpiresInSeconds: 3600}, nil),
		backend.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&thingsboard.LoginResponse{Token: "b", ExpiresInSeconds: 3600}, nil),
	)

	m := newTestManager(t, backend, clk)

	cred, err := m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a", cred.Token)

	m.Invalidate("a")

	cred, err = m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Token)
}

func TestInvalidateIgnoresSupersededToken(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	gomock.InOrder(
		backend.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&thingsboard.LoginResponse{Token: "a", ExpiresInSeconds: 3600}, nil),
		backend.EXPECT().Login(gomock.Any(), gomock.Any(), gomock.Any()).
			Return(&thingsboard.LoginResponse{Token: "b", ExpiresInSeconds: 3600}, nil),
	)

	m := newTestManager(t, backend, clk)

	cred, err := m.AcquireToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "a", cred.Token)

	m.Invalidate("a")

	cred, err = m.AcquireToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "b", cred.Token)

	// a late rejection of "a" must not discard "b"
	m.Invalidate("a")

	cred, err = m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", cred.Token)
}

type countingAuth struct {
	calls   atomic.Int32
	release chan struct{}
}

func (c *countingAuth) Login(ctx context.Context, _, _ string) (*thingsboard.LoginResponse, error) {
	c.calls.Add(1)

	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return &thingsboard.LoginResponse{Token: "shared", ExpiresInSeconds: 600}, nil
}

func TestConcurrentCallersShareOneLogin(t *testing.T) {
	auth := &countingAuth{release: make(chan struct{})}
	m := newTestManager(t, auth, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	const callers = 16

	var wg sync.WaitGroup

	tokens := make([]string, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			cred, err := m.AcquireToken(context.Background())
			assert.NoError(t, err)

			tokens[i] = cred.Token
		}(i)
	}

	require.Eventually(t, func() bool { return auth.calls.Load() == 1 }, time.Second, time.Millisecond)
	close(auth.release)
	wg.Wait()

	assert.Equal(t, int32(1), auth.calls.Load())

	for _, tok := range tokens {
		assert.Equal(t, "shared", tok)
	}
}

type flakyAuth struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyAuth) Login(context.Context, string, string) (*thingsboard.LoginResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("%w: status 401", models.ErrAuthenticationFailed)
	}

	return &thingsboard.LoginResponse{Token: "ok", ExpiresInSeconds: 600}, nil
}

func TestRetriesUntilSuccessAndClearsDegraded(t *testing.T) {
	auth := &flakyAuth{failures: 4}
	m := newTestManager(t, auth, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	cred, err := m.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", cred.Token)
	assert.Equal(t, 5, auth.calls)
	assert.False(t, m.Degraded())
	assert.Equal(t, 0, m.ConsecutiveFailures())
}

type blockingFailAuth struct {
	calls atomic.Int32
}

func (b *blockingFailAuth) Login(context.Context, string, string) (*thingsboard.LoginResponse, error) {
	b.calls.Add(1)
	return nil, errors.New("invalid credentials")
}

func TestDegradedAfterThreeFailures(t *testing.T) {
	auth := &blockingFailAuth{}
	m := newTestManager(t, auth, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		_, err := m.AcquireToken(ctx)
		done <- err
	}()

	require.Eventually(t, m.Degraded, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, m.ConsecutiveFailures(), DefaultDegradedAfter)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	m.Close()

	n := auth.calls.Load()
	time.Sleep(10 * time.Millisecond)
	assert.LessOrEqual(t, auth.calls.Load(), n+1)
}

func TestCloseAbortsLogin(t *testing.T) {
	auth := &blockingFailAuth{}
	m := newTestManager(t, auth, &fakeClock{now: time.Unix(1_700_000_000, 0)})

	go func() {
		time.Sleep(5 * time.Millisecond)
		m.Close()
	}()

	_, err := m.AcquireToken(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}

func TestExpiryFallbacks(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := newTestManager(t, nil, clk)

	claims := base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"tenant","exp":1700003600}`))
	jwt := "eyJhbGciOiJIUzUxMiJ9." + claims + ".sig"

	assert.Equal(t, time.Unix(1_700_003_600, 0), m.expiry(&thingsboard.LoginResponse{Token: jwt}))
	assert.Equal(t, clk.Now().Add(DefaultTokenTTL), m.expiry(&thingsboard.LoginResponse{Token: "opaque"}))
	assert.Equal(t, clk.Now().Add(10*time.Second), m.expiry(&thingsboard.LoginResponse{Token: jwt, ExpiresInSeconds: 10}))
}
