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
	"sync"
	"time"

	"github.com/carverauto/minegate/pkg/clock"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/metrics"
	"github.com/carverauto/minegate/pkg/models"
)

const DefaultRefreshInterval = 5 * time.Minute

// CatalogFetcher returns the full device catalog.
type CatalogFetcher interface {
	FetchCatalog(ctx context.Context) ([]models.DeviceDescriptor, error)
}

// Status describes the most recent refresh attempts.
type Status struct {
	LastAttempt time.Time
	LastSuccess time.Time
	LastError   error
	Devices     int
}

// Refresher re-fetches the catalog on a fixed interval. A failed refresh
// keeps the previous catalog and records the error.
type Refresher struct {
	fetcher   CatalogFetcher
	interval  time.Duration
	clock     clock.Clock
	log       logger.Logger
	onCatalog func(ctx context.Context, devices []models.DeviceDescriptor)

	mu      sync.RWMutex
	current []models.DeviceDescriptor
	status  Status
}

// NewRefresher builds a Refresher. onCatalog, when set, receives every
// successfully fetched catalog.
func NewRefresher(
	fetcher CatalogFetcher,
	interval time.Duration,
	clk clock.Clock,
	log logger.Logger,
	onCatalog func(ctx context.Context, devices []models.DeviceDescriptor),
) *Refresher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	if clk == nil {
		clk = clock.Real()
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Refresher{
		fetcher:   fetcher,
		interval:  interval,
		clock:     clk,
		log:       log,
		onCatalog: onCatalog,
	}
}

// Run refreshes immediately and then on every tick until ctx ends.
func (r *Refresher) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Msg("Starting catalog refresher")

	_ = r.Refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			_ = r.Refresh(ctx)
		}
	}
}

// Refresh fetches the catalog once. Each attempt is bounded by the refresh
// interval so a stalled backend cannot hold up the next tick.
func (r *Refresher) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, r.interval)
	defer cancel()

	started := r.clock.Now()

	devices, err := r.fetcher.FetchCatalog(fetchCtx)

	r.mu.Lock()
	r.status.LastAttempt = started
	r.status.LastError = err

	if err == nil {
		r.current = devices
		r.status.LastSuccess = started
		r.status.Devices = len(devices)
	}

	kept := len(r.current)
	r.mu.Unlock()

	if err != nil {
		metrics.RecordCatalogRefresh(ctx, metrics.OutcomeFailure)
		r.log.Warn().Err(err).Int("cached_devices", kept).Msg("Catalog refresh failed, keeping previous catalog")

		return err
	}

	metrics.RecordCatalogRefresh(ctx, metrics.OutcomeSuccess)
	r.log.Info().Int("devices", len(devices)).Msg("Catalog refreshed")

	if r.onCatalog != nil {
		r.onCatalog(ctx, devices)
	}

	return nil
}

// Current returns a copy of the last successfully fetched catalog.
func (r *Refresher) Current() []models.DeviceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.DeviceDescriptor, len(r.current))
	copy(out, r.current)

	return out
}

// Status returns the refresh bookkeeping.
func (r *Refresher) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.status
}
