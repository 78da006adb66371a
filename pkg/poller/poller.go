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

// Package poller retrieves device telemetry by request/response polling and
// over the multiplexed push channel.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/carverauto/minegate/pkg/clock"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/metrics"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/thingsboard"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultConcurrency    = 16
	DefaultRequestTimeout = 10 * time.Second

	tracerName = "github.com/carverauto/minegate/pkg/poller"
)

var (
	errPollerStarted = errors.New("poller already started")
	errNilSink       = errors.New("poller requires a sink")
)

// TokenSource hands out bearer tokens. Invalidate reports a token the
// backend rejected.
type TokenSource interface {
	AcquireToken(ctx context.Context) (models.Credential, error)
	Invalidate(token string)
}

// TelemetrySource fetches the latest values for one device.
type TelemetrySource interface {
	FetchLatest(ctx context.Context, token, deviceID string, keys []string) (thingsboard.TimeseriesPayload, error)
}

// Targets lists the device ids to poll in the next cycle.
type Targets interface {
	PollTargets() []string
}

// Sink receives poll outcomes.
type Sink interface {
	ApplySamples(ctx context.Context, deviceID string, samples []models.TelemetrySample)
	RecordPollFailure(ctx context.Context, deviceID string, err error)
	RecordCycle(ctx context.Context, result CycleResult)
}

// Config configures the Poller.
type Config struct {
	Interval    time.Duration
	Concurrency int
	Keys        []string
	// RequestTimeout bounds the wait for a token.
	RequestTimeout time.Duration
}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	Started   time.Time
	Duration  time.Duration
	Devices   int
	Succeeded int
	Failed    int
	Samples   int
}

// AllFailed reports whether every polled device failed. An empty cycle
// never counts as failed.
func (r CycleResult) AllFailed() bool {
	return r.Devices > 0 && r.Failed == r.Devices
}

// Poller polls every target device on a fixed interval. Failures are
// isolated per device.
type Poller struct {
	cfg     Config
	source  TelemetrySource
	tokens  TokenSource
	targets Targets
	sink    Sink
	clock   clock.Clock
	log     logger.Logger

	started   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPoller builds a Poller.
func NewPoller(
	cfg Config,
	source TelemetrySource,
	tokens TokenSource,
	targets Targets,
	sink Sink,
	clk clock.Clock,
	log logger.Logger,
) (*Poller, error) {
	if sink == nil {
		return nil, errNilSink
	}

	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	if clk == nil {
		clk = clock.Real()
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Poller{
		cfg:     cfg,
		source:  source,
		tokens:  tokens,
		targets: targets,
		sink:    sink,
		clock:   clk,
		log:     log,
		done:    make(chan struct{}),
	}, nil
}

// PollLatest fetches and parses the latest values for one device. An
// authentication failure invalidates the token and retries once with a
// fresh one. Malformed points are logged and dropped.
func (p *Poller) PollLatest(ctx context.Context, deviceID string, keys []string) ([]models.TelemetrySample, error) {
	payload, token, err := p.fetch(ctx, deviceID, keys)
	if errors.Is(err, models.ErrAuthenticationFailed) {
		p.tokens.Invalidate(token)

		payload, _, err = p.fetch(ctx, deviceID, keys)
	}

	if err != nil {
		return nil, err
	}

	samples, malformed := thingsboard.ParseTimeseries(deviceID, payload)
	if len(malformed) > 0 {
		for _, e := range malformed {
			p.log.Warn().Err(e).Str("device_id", deviceID).Msg("Dropping malformed telemetry point")
		}

		metrics.RecordDroppedSamples(ctx, len(malformed), metrics.ReasonMalformed)
	}

	return samples, nil
}

// fetch returns the payload and the token the request carried.
func (p *Poller) fetch(ctx context.Context, deviceID string, keys []string) (thingsboard.TimeseriesPayload, string, error) {
	tokenCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	cred, err := p.tokens.AcquireToken(tokenCtx)
	cancel()

	if err != nil {
		return nil, "", fmt.Errorf("acquire token: %w", err)
	}

	payload, err := p.source.FetchLatest(ctx, cred.Token, deviceID, keys)

	return payload, cred.Token, err
}

// PollOnce polls every target concurrently and reports the outcome to the
// sink. It never returns early because of a single device.
func (p *Poller) PollOnce(ctx context.Context) CycleResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "poller.cycle")
	defer span.End()

	ids := p.targets.PollTargets()
	result := CycleResult{Started: p.clock.Now(), Devices: len(ids)}

	var (
		succeeded, failed, sampleCount atomic.Int64
		g                              errgroup.Group
	)

	g.SetLimit(p.cfg.Concurrency)

	for _, id := range ids {
		g.Go(func() error {
			start := time.Now()

			samples, err := p.PollLatest(ctx, id, p.cfg.Keys)
			if err != nil {
				metrics.RecordPoll(ctx, metrics.OutcomeFailure, time.Since(start))
				failed.Add(1)

				p.log.Debug().Err(err).Str("device_id", id).Msg("Device poll failed")
				p.sink.RecordPollFailure(ctx, id, err)

				return nil
			}

			metrics.RecordPoll(ctx, metrics.OutcomeSuccess, time.Since(start))
			succeeded.Add(1)
			sampleCount.Add(int64(len(samples)))

			p.sink.ApplySamples(ctx, id, samples)

			return nil
		})
	}

	_ = g.Wait()

	result.Succeeded = int(succeeded.Load())
	result.Failed = int(failed.Load())
	result.Samples = int(sampleCount.Load())
	result.Duration = p.clock.Now().Sub(result.Started)

	span.SetAttributes(
		attribute.Int("poller.devices", result.Devices),
		attribute.Int("poller.failed", result.Failed),
	)

	if result.AllFailed() {
		span.SetStatus(codes.Error, "all devices failed")
		p.log.Warn().Int("devices", result.Devices).Msg("Every device poll failed, backend unreachable")
	}

	p.sink.RecordCycle(ctx, result)

	return result
}

// Start launches the poll loop and returns immediately. The first cycle
// runs right away. Ticks that arrive while a cycle is running are skipped.
func (p *Poller) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errPollerStarted
	}

	ctx, p.cancel = context.WithCancel(ctx)

	p.log.Info().Dur("interval", p.cfg.Interval).Int("concurrency", p.cfg.Concurrency).Msg("Starting poller")

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		p.loop(ctx)
	}()

	return nil
}

func (p *Poller) loop(ctx context.Context) {
	ticker := p.clock.Ticker(p.cfg.Interval)
	defer ticker.Stop()

	p.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.Chan():
			p.PollOnce(ctx)
		}
	}
}

// Stop ends the poll loop and waits for the running cycle to finish or ctx
// to expire.
func (p *Poller) Stop(ctx context.Context) error {
	p.closeOnce.Do(func() {
		close(p.done)

		if p.cancel != nil {
			p.cancel()
		}
	})

	finished := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
