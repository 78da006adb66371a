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

// Package gateway wires session, catalog, telemetry, normalization and the
// snapshot cache into one pipeline.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/minegate/pkg/catalog"
	"github.com/carverauto/minegate/pkg/classifier"
	"github.com/carverauto/minegate/pkg/clock"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/metrics"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/normalizer"
	"github.com/carverauto/minegate/pkg/poller"
	"github.com/carverauto/minegate/pkg/session"
	"github.com/carverauto/minegate/pkg/snapshot"
	"github.com/carverauto/minegate/pkg/thingsboard"
)

const eventBuffer = 256

var (
	errNilBackend     = errors.New("gateway requires a backend")
	errAlreadyStarted = errors.New("gateway already started")
)

// Publisher receives status transitions.
type Publisher interface {
	PublishStatusChange(ctx context.Context, change models.StatusChange) error
}

// Archive receives every snapshot whose observable state changed.
type Archive interface {
	Add(snap models.AssetSnapshot)
}

// Dependencies are the collaborators injected into the gateway. Only
// Backend is required.
type Dependencies struct {
	Backend   thingsboard.Backend
	Clock     clock.Clock
	Publisher Publisher
	Archive   Archive
	// Warm seeds the cache before the first catalog arrives.
	Warm []models.AssetSnapshot
}

// Gateway runs the ingestion pipeline and serves the latest snapshots.
type Gateway struct {
	cfg   Config
	deps  Dependencies
	clock clock.Clock
	log   logger.Logger

	session    *session.Manager
	refresher  *catalog.Refresher
	poller     *poller.Poller
	subscriber *poller.Subscriber
	sequencer  *poller.Sequencer
	normalizer *normalizer.Normalizer
	cache      *snapshot.Cache
	locks      *keyedMutex
	pending    *pendingBuffer

	mu      sync.RWMutex
	devices map[string]models.DeviceDescriptor
	subs    map[string]*poller.Subscription
	failing map[string]error

	backendUnreachable atomic.Bool
	events             chan models.StatusChange

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New validates cfg and assembles the pipeline. Nothing runs until Start.
func New(cfg Config, deps Dependencies, log logger.Logger) (*Gateway, error) {
	if deps.Backend == nil {
		return nil, errNilBackend
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}

	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	cls, err := classifier.New(cfg.classifierConfig())
	if err != nil {
		return nil, err
	}

	sess, err := session.NewManager(session.Config{
		Username:      cfg.Credentials.Username,
		Password:      cfg.Credentials.Password,
		SafetyMargin:  cfg.TokenSafetyMargin.Std(),
		DefaultTTL:    cfg.DefaultTokenTTL.Std(),
		BackoffBase:   cfg.RetryBackoffBase.Std(),
		BackoffCap:    cfg.RetryBackoffCap.Std(),
		DegradedAfter: cfg.DegradedAfter,
	}, deps.Backend, deps.Clock, log)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		deps:      deps,
		clock:     deps.Clock,
		log:       log,
		session:   sess,
		sequencer: poller.NewSequencer(),
		normalizer: normalizer.New(normalizer.Config{
			StalenessWindow: cfg.StalenessWindow.Std(),
			DefaultLocation: cfg.DefaultLocation,
		}, cls),
		cache:   snapshot.NewCache(),
		locks:   newKeyedMutex(),
		pending: newPendingBuffer(cfg.QueueSize, cfg.PendingDeviceLimit),
		devices: make(map[string]models.DeviceDescriptor),
		subs:    make(map[string]*poller.Subscription),
		failing: make(map[string]error),
		events:  make(chan models.StatusChange, eventBuffer),
	}

	fetcher := catalog.NewFetcher(catalog.Config{
		PageSize:      cfg.PageSize,
		RetryAttempts: cfg.CatalogRetryAttempts,
		RetryBase:     cfg.RetryBackoffBase.Std(),
		RetryCap:      cfg.RetryBackoffCap.Std(),
		DefaultKind:   cfg.DefaultKind,
	}, deps.Backend, sess, log)

	g.refresher = catalog.NewRefresher(fetcher, cfg.CatalogRefreshInterval.Std(), deps.Clock, log, g.applyCatalog)

	g.poller, err = poller.NewPoller(poller.Config{
		Interval:       cfg.PollInterval.Std(),
		Concurrency:    cfg.PollConcurrency,
		Keys:           cfg.MetricKeys,
		RequestTimeout: cfg.RequestTimeout.Std(),
	}, deps.Backend, sess, g, g, deps.Clock, log)
	if err != nil {
		return nil, err
	}

	if cfg.Subscribe {
		g.subscriber = poller.NewSubscriber(poller.SubscriberConfig{
			QueueSize:   cfg.QueueSize,
			BackoffBase: cfg.RetryBackoffBase.Std(),
			BackoffCap:  cfg.RetryBackoffCap.Std(),
		}, deps.Backend, sess, log)
	}

	g.warm(deps.Warm)

	return g, nil
}

func (g *Gateway) warm(snaps []models.AssetSnapshot) {
	if len(snaps) == 0 {
		return
	}

	now := g.clock.Now()

	for i := range snaps {
		snap := snaps[i]
		for key := range snap.Metrics {
			g.sequencer.Seed(snap.DeviceID, key, snap.LastUpdated)
		}

		g.cache.Put(g.normalizer.Restamp(snap, now))
	}

	g.log.Info().Int("snapshots", len(snaps)).Msg("Warmed snapshot cache from archive")
}

// Start launches every background task and returns immediately.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}

	ctx, g.cancel = context.WithCancel(ctx)

	g.log.Info().
		Str("backend", g.cfg.BackendHost).
		Dur("poll_interval", g.cfg.PollInterval.Std()).
		Bool("subscribe", g.cfg.Subscribe).
		Msg("Starting gateway")

	g.goTask(func() { g.refresher.Run(ctx) })
	g.goTask(func() { g.sweepLoop(ctx) })

	if g.deps.Publisher != nil {
		g.goTask(func() { g.publishLoop(ctx) })
	}

	if g.subscriber != nil {
		g.goTask(func() {
			if err := g.subscriber.Run(ctx); err != nil {
				g.log.Error().Err(err).Msg("Telemetry subscriber stopped")
			}
		})
	}

	return g.poller.Start(ctx)
}

func (g *Gateway) goTask(fn func()) {
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()
		fn()
	}()
}

// Stop cancels every task and waits for them until ctx expires.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.cancel != nil {
		g.cancel()
	}

	pollErr := g.poller.Stop(ctx)

	done := make(chan struct{})

	go func() {
		g.wg.Wait()
		close(done)
	}()

	var waitErr error

	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for gateway tasks: %w", ctx.Err())
	}

	g.session.Close()

	g.log.Info().Msg("Gateway stopped")

	return errors.Join(pollErr, waitErr)
}

// GetAllAssetSnapshots returns every snapshot ordered by device id.
func (g *Gateway) GetAllAssetSnapshots() []models.AssetSnapshot {
	return g.cache.GetAll()
}

// GetAssetSnapshot returns one snapshot or snapshot.ErrNotFound.
func (g *Gateway) GetAssetSnapshot(deviceID string) (models.AssetSnapshot, error) {
	return g.cache.Get(deviceID)
}

// Health summarizes authentication, backend reachability and catalog state.
func (g *Gateway) Health() models.HealthState {
	status := g.refresher.Status()

	g.mu.RLock()
	failing := len(g.failing)
	g.mu.RUnlock()

	h := models.HealthState{
		Status:                  models.HealthHealthy,
		AuthDegraded:            g.session.Degraded(),
		ConsecutiveAuthFailures: g.session.ConsecutiveFailures(),
		BackendUnreachable:      g.backendUnreachable.Load() || (status.LastError != nil && status.LastSuccess.IsZero()),
		TrackedDevices:          g.cache.Len(),
		FailingDevices:          failing,
		LastCatalogRefresh:      status.LastSuccess,
	}

	if status.LastError != nil {
		h.LastCatalogError = status.LastError.Error()
	}

	if h.Degraded() {
		h.Status = models.HealthDegraded
	}

	return h
}

// PollTargets lists the catalog device ids in order.
func (g *Gateway) PollTargets() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.devices))
	for id := range g.devices {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// applyCatalog installs a freshly fetched catalog. New devices get a gap
// filled snapshot, removed devices lose all pipeline state, and buffered
// samples for newly known devices are replayed.
func (g *Gateway) applyCatalog(ctx context.Context, devices []models.DeviceDescriptor) {
	next := make(map[string]models.DeviceDescriptor, len(devices))
	for _, d := range devices {
		next[d.ID] = d
	}

	g.mu.Lock()
	prev := g.devices
	g.devices = next
	g.mu.Unlock()

	var removed, added []string

	for id := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}

	for id := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, id)
		}
	}

	sort.Strings(removed)
	sort.Strings(added)

	for _, id := range removed {
		g.forget(id)
	}

	if n := g.pending.Retain(next); n > 0 {
		metrics.RecordDroppedSamples(ctx, n, metrics.ReasonUnknown)
	}

	// warm entries for devices that left the catalog
	for _, id := range g.cache.Retain(keySet(next)) {
		g.sequencer.Forget(id)
	}

	now := g.clock.Now()

	for _, d := range devices {
		old, known := prev[d.ID]
		if known && old.Equal(&d) {
			continue
		}

		g.refreshDescriptor(ctx, d, now)
	}

	// a sample buffered while the catalog was swapping belongs to a device
	// that may already have been known
	for _, id := range sortedKeys(next) {
		g.replayPending(ctx, id)
	}

	for _, id := range added {
		g.subscribe(ctx, id)
	}

	metrics.AddTrackedDevices(ctx, len(added)-len(removed))

	g.log.Info().
		Int("devices", len(next)).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("Applied device catalog")
}

func (g *Gateway) replayPending(ctx context.Context, id string) {
	backlog := g.pending.Take(id)
	if len(backlog) == 0 {
		return
	}

	g.log.Debug().Str("device_id", id).Int("samples", len(backlog)).Msg("Replaying buffered samples")
	g.ApplySamples(ctx, id, backlog)
}

func sortedKeys(m map[string]models.DeviceDescriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}

	sort.Strings(out)

	return out
}

func keySet(m map[string]models.DeviceDescriptor) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}

	return out
}

func (g *Gateway) refreshDescriptor(ctx context.Context, d models.DeviceDescriptor, now time.Time) {
	unlock := g.locks.Lock(d.ID)
	defer unlock()

	var prevPtr *models.AssetSnapshot

	if prev, err := g.cache.Get(d.ID); err == nil {
		prevPtr = &prev
	}

	g.store(ctx, prevPtr, g.normalizer.Normalize(d, nil, prevPtr, now))
}

func (g *Gateway) forget(id string) {
	unlock := g.locks.Lock(id)
	defer unlock()

	g.cache.Delete(id)
	g.sequencer.Forget(id)

	g.mu.Lock()
	sub := g.subs[id]
	delete(g.subs, id)
	delete(g.failing, id)
	g.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (g *Gateway) subscribe(ctx context.Context, id string) {
	if g.subscriber == nil {
		return
	}

	sub, err := g.subscriber.Subscribe(ctx, id, g.cfg.MetricKeys)
	if err != nil {
		g.log.Warn().Err(err).Str("device_id", id).Msg("Failed to subscribe device")
		return
	}

	g.mu.Lock()
	g.subs[id] = sub
	g.mu.Unlock()

	g.goTask(func() { g.consume(ctx, sub) })
}

func (g *Gateway) consume(ctx context.Context, sub *poller.Subscription) {
	for {
		batch, err := sub.NextBatch(ctx)
		if err != nil {
			return
		}

		g.ApplySamples(ctx, sub.DeviceID(), batch)
	}
}

// ApplySamples runs samples through the sequencer and normalizer and stores
// the result. Samples for devices outside the catalog are buffered.
func (g *Gateway) ApplySamples(ctx context.Context, deviceID string, samples []models.TelemetrySample) {
	unlock := g.locks.Lock(deviceID)

	g.mu.Lock()
	desc, known := g.devices[deviceID]
	if known {
		delete(g.failing, deviceID)
	}
	g.mu.Unlock()

	if !known {
		unlock()
		g.buffer(ctx, deviceID, samples)

		// the catalog may have landed between the lookup and the buffering
		g.mu.Lock()
		_, known = g.devices[deviceID]
		g.mu.Unlock()

		if known {
			g.replayPending(ctx, deviceID)
		}

		return
	}

	defer unlock()

	admitted, dropped := g.sequencer.Filter(samples)
	if dropped > 0 {
		metrics.RecordDroppedSamples(ctx, dropped, metrics.ReasonDuplicate)
	}

	if len(admitted) == 0 {
		return
	}

	var prevPtr *models.AssetSnapshot

	if prev, err := g.cache.Get(deviceID); err == nil {
		prevPtr = &prev
	}

	snap := g.normalizer.Normalize(desc, normalizer.LatestByKey(admitted), prevPtr, g.clock.Now())
	g.store(ctx, prevPtr, snap)
}

func (g *Gateway) buffer(ctx context.Context, deviceID string, samples []models.TelemetrySample) {
	if len(samples) == 0 {
		return
	}

	overflow, evicted := g.pending.Add(deviceID, samples)
	if overflow > 0 {
		metrics.RecordDroppedSamples(ctx, overflow, metrics.ReasonOverflow)
	}

	if evicted > 0 {
		metrics.RecordDroppedSamples(ctx, evicted, metrics.ReasonPendingCap)
	}

	g.log.Debug().Str("device_id", deviceID).Int("samples", len(samples)).Msg("Buffered samples for unknown device")
}

// RecordPollFailure keeps the last known snapshot and restamps it.
func (g *Gateway) RecordPollFailure(ctx context.Context, deviceID string, err error) {
	if errors.Is(err, models.ErrDeviceNotFound) {
		g.log.Warn().Str("device_id", deviceID).Msg("Device missing on backend, waiting for catalog refresh")
	}

	unlock := g.locks.Lock(deviceID)
	defer unlock()

	g.mu.Lock()
	_, known := g.devices[deviceID]
	if known {
		g.failing[deviceID] = err
	}
	g.mu.Unlock()

	prev, getErr := g.cache.Get(deviceID)
	if !known || getErr != nil {
		return
	}

	g.store(ctx, &prev, g.normalizer.Restamp(prev, g.clock.Now()))
}

// RecordCycle updates system-wide reachability from a poll cycle.
func (g *Gateway) RecordCycle(_ context.Context, result poller.CycleResult) {
	was := g.backendUnreachable.Swap(result.AllFailed())

	switch {
	case result.AllFailed() && !was:
		g.log.Error().Int("devices", result.Devices).Msg("Backend unreachable, gateway degraded")
	case !result.AllFailed() && was:
		g.log.Info().Msg("Backend reachable again")
	}
}

// store saves snap and forwards transitions and changed state.
func (g *Gateway) store(ctx context.Context, prev *models.AssetSnapshot, snap models.AssetSnapshot) {
	if prev != nil && prev.SameState(&snap) {
		return
	}

	g.cache.Put(snap)

	if g.deps.Archive != nil {
		g.deps.Archive.Add(snap)
	}

	if prev == nil || prev.Status == snap.Status {
		return
	}

	metrics.RecordStatusTransition(ctx, string(prev.Status), string(snap.Status))

	g.log.Info().
		Str("device_id", snap.DeviceID).
		Str("from", string(prev.Status)).
		Str("to", string(snap.Status)).
		Msg("Asset status changed")

	if g.deps.Publisher == nil {
		return
	}

	change := models.StatusChange{
		DeviceID:    snap.DeviceID,
		Name:        snap.Name,
		Kind:        snap.Kind,
		Previous:    prev.Status,
		Current:     snap.Status,
		IsStale:     snap.IsStale,
		LastUpdated: snap.LastUpdated,
		Timestamp:   g.clock.Now().UTC(),
	}

	select {
	case g.events <- change:
	default:
		g.log.Warn().Str("device_id", snap.DeviceID).Msg("Status event queue full, dropping event")
	}
}

func (g *Gateway) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change := <-g.events:
			if err := g.deps.Publisher.PublishStatusChange(ctx, change); err != nil {
				g.log.Warn().Err(err).Str("device_id", change.DeviceID).Msg("Failed to publish status event")
			}
		}
	}
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := g.clock.Ticker(g.cfg.StalenessSweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			g.Sweep(ctx)
		}
	}
}

// Sweep restamps every snapshot so staleness advances without new samples.
func (g *Gateway) Sweep(ctx context.Context) {
	now := g.clock.Now()

	for _, snap := range g.cache.GetAll() {
		g.restamp(ctx, snap.DeviceID, now)
	}
}

func (g *Gateway) restamp(ctx context.Context, id string, now time.Time) {
	unlock := g.locks.Lock(id)
	defer unlock()

	prev, err := g.cache.Get(id)
	if err != nil {
		return
	}

	g.store(ctx, &prev, g.normalizer.Restamp(prev, now))
}
