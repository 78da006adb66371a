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

// Package catalog fetches and periodically refreshes the device catalog.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/thingsboard"
)

const (
	DefaultPageSize      = 1000
	DefaultRetryAttempts = 3
	DefaultRetryBase     = time.Second
	DefaultRetryCap      = 30 * time.Second

	tracerName = "github.com/carverauto/minegate/pkg/catalog"
)

// TokenSource hands out bearer tokens. Invalidate reports a token the
// backend rejected.
type TokenSource interface {
	AcquireToken(ctx context.Context) (models.Credential, error)
	Invalidate(token string)
}

// DevicePager fetches one page of the device listing.
type DevicePager interface {
	FetchDevicesPage(ctx context.Context, token string, page, pageSize int) (*thingsboard.DevicePage, error)
}

// Config configures the Fetcher.
type Config struct {
	PageSize      int
	RetryAttempts int
	RetryBase     time.Duration
	RetryCap      time.Duration
	DefaultKind   models.DeviceKind
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}

	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}

	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}

	if c.RetryCap <= 0 {
		c.RetryCap = DefaultRetryCap
	}

	if c.DefaultKind == "" {
		c.DefaultKind = models.KindTruck
	}
}

// Fetcher pages through the backend device listing.
type Fetcher struct {
	cfg    Config
	pager  DevicePager
	tokens TokenSource
	log    logger.Logger

	newBackOff func() backoff.BackOff
}

// NewFetcher builds a Fetcher.
func NewFetcher(cfg Config, pager DevicePager, tokens TokenSource, log logger.Logger) *Fetcher {
	cfg.applyDefaults()

	if log == nil {
		log = logger.NewTestLogger()
	}

	f := &Fetcher{
		cfg:    cfg,
		pager:  pager,
		tokens: tokens,
		log:    log,
	}

	f.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = cfg.RetryBase
		bo.MaxInterval = cfg.RetryCap

		return bo
	}

	return f
}

// FetchCatalog returns every device, stopping at an empty page, a short
// page or hasNext=false. Each page is retried up to RetryAttempts times;
// exhausting them fails the whole fetch with ErrBackendUnavailable.
// Duplicate ids keep their first occurrence.
func (f *Fetcher) FetchCatalog(ctx context.Context) ([]models.DeviceDescriptor, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "catalog.fetch")
	defer span.End()

	var (
		out  []models.DeviceDescriptor
		seen = make(map[string]struct{})
	)

	for page := 0; ; page++ {
		resp, err := f.fetchPage(ctx, page)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "catalog fetch failed")

			return nil, err
		}

		for i := range resp.Data {
			dev := &resp.Data[i]

			if dev.ID.ID == "" {
				f.log.Warn().Str("name", dev.Name).Msg("Skipping device without id")
				continue
			}

			if _, dup := seen[dev.ID.ID]; dup {
				f.log.Debug().Str("device_id", dev.ID.ID).Msg("Duplicate device in catalog, keeping first")
				continue
			}

			desc, kindErr := dev.Descriptor(f.cfg.DefaultKind)
			if kindErr != nil {
				f.log.Debug().
					Str("device_id", desc.ID).
					Str("type", dev.Type).
					Str("kind", string(desc.Kind)).
					Msg("Unknown device type, using default kind")
			}

			seen[desc.ID] = struct{}{}
			out = append(out, desc)
		}

		if len(resp.Data) == 0 || len(resp.Data) < f.cfg.PageSize || !resp.HasNext {
			break
		}
	}

	span.SetAttributes(attribute.Int("catalog.devices", len(out)))

	return out, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, page int) (*thingsboard.DevicePage, error) {
	op := func() (*thingsboard.DevicePage, error) {
		cred, err := f.tokens.AcquireToken(ctx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}

		resp, err := f.pager.FetchDevicesPage(ctx, cred.Token, page, f.cfg.PageSize)
		if err != nil {
			if errors.Is(err, models.ErrAuthenticationFailed) {
				f.tokens.Invalidate(cred.Token)
			}

			if ctx.Err() != nil {
				return nil, backoff.Permanent(ctx.Err())
			}

			return nil, err
		}

		return resp, nil
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(uint(f.cfg.RetryAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.log.Warn().Err(err).Int("page", page).Dur("retry_in", next).Msg("Catalog page fetch failed, retrying")
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if errors.Is(err, models.ErrBackendUnavailable) {
			return nil, fmt.Errorf("catalog page %d: %w", page, err)
		}

		return nil, fmt.Errorf("%w: catalog page %d: %w", models.ErrBackendUnavailable, page, err)
	}

	return resp, nil
}
