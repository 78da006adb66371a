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

package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}

	return out
}

func sumOf(agg metricdata.Aggregation) int64 {
	s, ok := agg.(metricdata.Sum[int64])
	if !ok {
		return -1
	}

	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}

	return total
}

func TestInstrumentsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))

	ctx := context.Background()

	RecordPoll(ctx, OutcomeSuccess, 20*time.Millisecond)
	RecordPoll(ctx, OutcomeFailure, time.Second)
	RecordDroppedSamples(ctx, 3, ReasonDuplicate)
	RecordDroppedSamples(ctx, 0, ReasonOverflow)
	RecordAuthFailure(ctx)
	RecordCatalogRefresh(ctx, OutcomeSuccess)
	AddTrackedDevices(ctx, 4)
	AddTrackedDevices(ctx, -1)
	RecordStatusTransition(ctx, "operational", "critical")
	RecordStreamReconnect(ctx)

	data := collect(t, reader)

	assert.Equal(t, int64(2), sumOf(data[metricPollsTotal]))
	assert.Equal(t, int64(3), sumOf(data[metricSamplesDropped]))
	assert.Equal(t, int64(1), sumOf(data[metricAuthFailures]))
	assert.Equal(t, int64(1), sumOf(data[metricCatalogRefreshes]))
	assert.Equal(t, int64(3), sumOf(data[metricTrackedDevices]))
	assert.Equal(t, int64(1), sumOf(data[metricStatusTransitions]))
	assert.Equal(t, int64(1), sumOf(data[metricStreamReconnects]))

	hist, ok := data[metricPollLatency].(metricdata.Histogram[float64])
	require.True(t, ok)

	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}

	assert.Equal(t, uint64(2), count)
}
