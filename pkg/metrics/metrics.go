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

// Package metrics holds the gateway's OTel instruments.
package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "github.com/carverauto/minegate"

	metricPollsTotal        = "minegate_polls_total"
	metricPollLatency       = "minegate_poll_latency_seconds"
	metricSamplesDropped    = "minegate_samples_dropped_total"
	metricAuthFailures      = "minegate_auth_failures_total"
	metricCatalogRefreshes  = "minegate_catalog_refreshes_total"
	metricTrackedDevices    = "minegate_tracked_devices"
	metricStatusTransitions = "minegate_status_transitions_total"
	metricStreamReconnects  = "minegate_stream_reconnects_total"

	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	ReasonDuplicate  = "duplicate"
	ReasonMalformed  = "malformed"
	ReasonOverflow   = "queue_overflow"
	ReasonUnknown    = "unknown_device"
	ReasonPendingCap = "pending_evicted"
)

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	pollCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	pollHistogram metric.Float64Histogram
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	droppedCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	authFailureCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	catalogCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	trackedDevices metric.Int64UpDownCounter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	transitionCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	reconnectCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	var err error

	if pollCounter, err = meter.Int64Counter(metricPollsTotal,
		metric.WithDescription("Device telemetry polls by outcome")); err != nil {
		otel.Handle(err)
	}

	if pollHistogram, err = meter.Float64Histogram(metricPollLatency,
		metric.WithDescription("Latency of a single device telemetry poll"),
		metric.WithUnit("s")); err != nil {
		otel.Handle(err)
	}

	if droppedCounter, err = meter.Int64Counter(metricSamplesDropped,
		metric.WithDescription("Telemetry samples discarded before normalization")); err != nil {
		otel.Handle(err)
	}

	if authFailureCounter, err = meter.Int64Counter(metricAuthFailures,
		metric.WithDescription("Failed backend login attempts")); err != nil {
		otel.Handle(err)
	}

	if catalogCounter, err = meter.Int64Counter(metricCatalogRefreshes,
		metric.WithDescription("Device catalog refreshes by outcome")); err != nil {
		otel.Handle(err)
	}

	if trackedDevices, err = meter.Int64UpDownCounter(metricTrackedDevices,
		metric.WithDescription("Devices currently held in the snapshot cache")); err != nil {
		otel.Handle(err)
	}

	if transitionCounter, err = meter.Int64Counter(metricStatusTransitions,
		metric.WithDescription("Asset operational status changes")); err != nil {
		otel.Handle(err)
	}

	if reconnectCounter, err = meter.Int64Counter(metricStreamReconnects,
		metric.WithDescription("Telemetry websocket reconnects")); err != nil {
		otel.Handle(err)
	}
}

// RecordPoll counts one device poll and its latency.
func RecordPoll(ctx context.Context, outcome string, latency time.Duration) {
	meterOnce.Do(initMeter)

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))

	if pollCounter != nil {
		pollCounter.Add(ctx, 1, attrs)
	}

	if pollHistogram != nil {
		pollHistogram.Record(ctx, latency.Seconds(), attrs)
	}
}

// RecordDroppedSamples counts samples discarded for reason.
func RecordDroppedSamples(ctx context.Context, count int, reason string) {
	if count <= 0 {
		return
	}

	meterOnce.Do(initMeter)
	if droppedCounter == nil {
		return
	}

	droppedCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordAuthFailure counts one failed login attempt.
func RecordAuthFailure(ctx context.Context) {
	meterOnce.Do(initMeter)
	if authFailureCounter == nil {
		return
	}

	authFailureCounter.Add(ctx, 1)
}

// RecordCatalogRefresh counts one catalog refresh.
func RecordCatalogRefresh(ctx context.Context, outcome string) {
	meterOnce.Do(initMeter)
	if catalogCounter == nil {
		return
	}

	catalogCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// AddTrackedDevices adjusts the tracked device gauge by delta.
func AddTrackedDevices(ctx context.Context, delta int) {
	if delta == 0 {
		return
	}

	meterOnce.Do(initMeter)
	if trackedDevices == nil {
		return
	}

	trackedDevices.Add(ctx, int64(delta))
}

// RecordStatusTransition counts an asset moving between statuses.
func RecordStatusTransition(ctx context.Context, from, to string) {
	meterOnce.Do(initMeter)
	if transitionCounter == nil {
		return
	}

	transitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordStreamReconnect counts one websocket redial.
func RecordStreamReconnect(ctx context.Context) {
	meterOnce.Do(initMeter)
	if reconnectCounter == nil {
		return
	}

	reconnectCounter.Add(ctx, 1)
}
