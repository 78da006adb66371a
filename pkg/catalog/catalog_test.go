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

package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
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

type stubTokens struct {
	mu          sync.Mutex
	invalidated int
	token       string
}

func (s *stubTokens) AcquireToken(context.Context) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.Credential{Token: s.token, ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *stubTokens) Invalidate(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.invalidated++

	if s.token == token {
		s.token = "fresh"
	}
}

func device(id, name, kind string) thingsboard.Device {
	return thingsboard.Device{ID: thingsboard.EntityID{EntityType: "DEVICE", ID: id}, Name: name, Type: kind}
}

func newTestFetcher(pager DevicePager, tokens TokenSource, pageSize int) *Fetcher {
	f := NewFetcher(Config{PageSize: pageSize}, pager, tokens, logger.NewTestLogger())
	f.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }

	return f
}

func TestFetchCatalogPaginates(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)

	gomock.InOrder(
		backend.EXPECT().FetchDevicesPage(gomock.Any(), "tok", 0, 2).Return(&thingsboard.DevicePage{
			Data:    []thingsboard.Device{device("a", "HT-01", "haul_truck"), device("b", "EX-01", "Excavator")},
			HasNext: true,
		}, nil),
		backend.EXPECT().FetchDevicesPage(gomock.Any(), "tok", 1, 2).Return(&thingsboard.DevicePage{
			Data:    []thingsboard.Device{device("a", "dup", "drill"), device("c", "CR-01", "thermostat")},
			HasNext: true,
		}, nil),
		backend.EXPECT().FetchDevicesPage(gomock.Any(), "tok", 2, 2).Return(&thingsboard.DevicePage{}, nil),
	)

	f := newTestFetcher(backend, &stubTokens{token: "tok"}, 2)

	devices, err := f.FetchCatalog(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 3)

	assert.Equal(t, "HT-01", devices[0].Name)
	assert.Equal(t, models.KindTruck, devices[0].Kind)
	assert.Equal(t, models.KindExcavator, devices[1].Kind)
	assert.Equal(t, "c", devices[2].ID)
	assert.Equal(t, models.KindTruck, devices[2].Kind, "unknown type falls back to the default kind")
}

func TestFetchCatalogStopsOnShortPageOrHasNextFalse(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)

	backend.EXPECT().FetchDevicesPage(gomock.Any(), gomock.Any(), 0, 10).Return(&thingsboard.DevicePage{
		Data:    []thingsboard.Device{device("a", "A", "truck")},
		HasNext: true,
	}, nil)

	devices, err := newTestFetcher(backend, &stubTokens{token: "tok"}, 10).FetchCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)

	backend.EXPECT().FetchDevicesPage(gomock.Any(), gomock.Any(), 0, 1).Return(&thingsboard.DevicePage{
		Data:    []thingsboard.Device{device("a", "A", "truck")},
		HasNext: false,
	}, nil)

	devices, err = newTestFetcher(backend, &stubTokens{token: "tok"}, 1).FetchCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestFetchCatalogRetriesThenFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)

	backend.EXPECT().FetchDevicesPage(gomock.Any(), gomock.Any(), 0, gomock.Any()).
		Return(nil, fmt.Errorf("%w: boom", models.ErrBackendUnavailable)).
		Times(DefaultRetryAttempts)

	_, err := newTestFetcher(backend, &stubTokens{token: "tok"}, 5).FetchCatalog(context.Background())
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestFetchCatalogReauthenticatesOn401(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := thingsboard.NewMockBackend(ctrl)
	tokens := &stubTokens{token: "stale"}

	gomock.InOrder(
		backend.EXPECT().FetchDevicesPage(gomock.Any(), "stale", 0, gomock.Any()).
			Return(nil, fmt.Errorf("%w: status 401", models.ErrAuthenticationFailed)),
		backend.EXPECT().FetchDevicesPage(gomock.Any(), "fresh", 0, gomock.Any()).
			Return(&thingsboard.DevicePage{Data: []thingsboard.Device{device("a", "A", "loader")}}, nil),
	)

	devices, err := newTestFetcher(backend, tokens, 5).FetchCatalog(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 1, tokens.invalidated)
}

type scriptedFetcher struct {
	mu      sync.Mutex
	results [][]models.DeviceDescriptor
	errs    []error
	calls   int
}

func (s *scriptedFetcher) FetchCatalog(context.Context) ([]models.DeviceDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.calls
	s.calls++

	if i >= len(s.results) {
		i = len(s.results) - 1
	}

	return s.results[i], s.errs[i]
}

func TestRefresherKeepsPreviousCatalogOnFailure(t *testing.T) {
	four := []models.DeviceDescriptor{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}}
	boom := errors.New("backend down")

	fetcher := &scriptedFetcher{
		results: [][]models.DeviceDescriptor{four, nil},
		errs:    []error{nil, boom},
	}

	var published [][]models.DeviceDescriptor

	r := NewRefresher(fetcher, time.Minute, nil, logger.NewTestLogger(),
		func(_ context.Context, devices []models.DeviceDescriptor) {
			published = append(published, devices)
		})

	require.NoError(t, r.Refresh(context.Background()))
	require.ErrorIs(t, r.Refresh(context.Background()), boom)

	assert.Len(t, r.Current(), 4)
	assert.Len(t, published, 1)

	status := r.Status()
	assert.ErrorIs(t, status.LastError, boom)
	assert.Equal(t, 4, status.Devices)
	assert.False(t, status.LastSuccess.IsZero())
}

func TestRefresherRunTicks(t *testing.T) {
	ctrl := gomock.NewController(t)
	clk := clock.NewMockClock(ctrl)
	ticker := clock.NewMockTicker(ctrl)

	tickCh := make(chan time.Time)

	var tickRO <-chan time.Time = tickCh

	clk.EXPECT().Ticker(time.Minute).Return(ticker)
	clk.EXPECT().Now().Return(time.Unix(1_700_000_000, 0)).AnyTimes()
	ticker.EXPECT().Chan().Return(tickRO).AnyTimes()
	ticker.EXPECT().Stop()

	fetcher := &scriptedFetcher{
		results: [][]models.DeviceDescriptor{{{ID: "a"}}},
		errs:    []error{nil},
	}

	calls := make(chan int, 4)

	r := NewRefresher(fetcher, time.Minute, clk, nil, func(_ context.Context, d []models.DeviceDescriptor) {
		calls <- len(d)
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Equal(t, 1, <-calls)

	tickCh <- time.Now()

	assert.Equal(t, 1, <-calls)

	cancel()
	<-done

	fetcher.mu.Lock()
	assert.Equal(t, 2, fetcher.calls)
	fetcher.mu.Unlock()
}
