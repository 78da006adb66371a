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

package normalizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/minegate/pkg/classifier"
	"github.com/carverauto/minegate/pkg/models"
)

var site = models.Location{Lat: -23.36, Lon: 119.73, AltMeters: 540}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()

	c, err := classifier.New(classifier.Config{})
	require.NoError(t, err)

	return New(Config{StalenessWindow: 2 * time.Minute, DefaultLocation: site}, c)
}

func truck() models.DeviceDescriptor {
	return models.DeviceDescriptor{ID: "t1", Name: "Haul Truck 1", Kind: models.KindTruck}
}

func samples(ts int64, kv map[string]float64) map[string]models.TelemetrySample {
	out := make(map[string]models.TelemetrySample, len(kv))
	for k, v := range kv {
		out[k] = models.TelemetrySample{DeviceID: "t1", MetricKey: k, TimestampMillis: ts, Value: v}
	}

	return out
}

func TestNormalizeFreshSamples(t *testing.T) {
	n := newTestNormalizer(t)
	now := time.UnixMilli(1_700_000_060_000)

	snap := n.Normalize(truck(), samples(1_700_000_000_000, map[string]float64{"temperature": 72, "vibration": 8.1}), nil, now)

	assert.Equal(t, "t1", snap.DeviceID)
	assert.Equal(t, "Haul Truck 1", snap.Name)
	assert.Equal(t, models.KindTruck, snap.Kind)
	assert.Equal(t, models.StatusMaintenance, snap.Status)
	assert.Equal(t, int64(1_700_000_000_000), snap.LastUpdated)
	assert.False(t, snap.IsStale)
	assert.Equal(t, site, snap.Location)
}

func TestNormalizeGapFill(t *testing.T) {
	n := newTestNormalizer(t)

	snap := n.Normalize(truck(), nil, nil, time.Now())

	assert.Equal(t, int64(0), snap.LastUpdated)
	assert.True(t, snap.IsStale)
	assert.Equal(t, models.StatusOffline, snap.Status)
	assert.Equal(t, site, snap.Location)
	assert.NotNil(t, snap.Metrics)
}

func TestNormalizeSilentDeviceGoesOffline(t *testing.T) {
	n := newTestNormalizer(t)
	last := time.UnixMilli(1_700_000_000_000)

	snap := n.Normalize(truck(), samples(last.UnixMilli(), map[string]float64{"temperature": 95}), nil, last)
	require.Equal(t, models.StatusCritical, snap.Status)

	later := n.Normalize(truck(), nil, &snap, last.Add(3*time.Minute))

	assert.True(t, later.IsStale)
	assert.Equal(t, models.StatusOffline, later.Status, "cached values do not count once stale")
	assert.InDelta(t, 95.0, later.Metrics["temperature"], 0, "last known values are kept")
}

func TestNormalizeMergesWithPrevious(t *testing.T) {
	n := newTestNormalizer(t)
	t0 := int64(1_700_000_000_000)

	first := n.Normalize(truck(), samples(t0, map[string]float64{"temperature": 45, "vibration": 3.2}), nil, time.UnixMilli(t0))
	second := n.Normalize(truck(), samples(t0+1000, map[string]float64{"vibration": 12.5}), &first, time.UnixMilli(t0+1000))

	assert.InDelta(t, 45.0, second.Metrics["temperature"], 0)
	assert.InDelta(t, 12.5, second.Metrics["vibration"], 0)
	assert.Equal(t, t0+1000, second.LastUpdated)
	assert.Equal(t, models.StatusCritical, second.Status)

	assert.InDelta(t, 3.2, first.Metrics["vibration"], 0, "previous snapshot is not mutated")
}

func TestNormalizeIsIdempotent(t *testing.T) {
	n := newTestNormalizer(t)
	now := time.UnixMilli(1_700_000_030_000)
	in := samples(1_700_000_000_000, map[string]float64{"temperature": 72})

	a := n.Normalize(truck(), in, nil, now)
	b := n.Normalize(truck(), in, nil, now)
	c := n.Normalize(truck(), in, &a, now)

	assert.True(t, a.SameState(&b))
	assert.True(t, a.SameState(&c))
}

func TestLocationPrecedence(t *testing.T) {
	n := newTestNormalizer(t)
	desc := truck()
	desc.Metadata = map[string]string{"latitude": "-22.5", "longitude": "118.0", "altitude": "not-a-number"}

	now := time.UnixMilli(1_700_000_000_000)

	snap := n.Normalize(desc, nil, nil, now)
	assert.Equal(t, models.Location{Lat: -22.5, Lon: 118.0, AltMeters: site.AltMeters}, snap.Location)

	snap = n.Normalize(desc, samples(now.UnixMilli(), map[string]float64{"latitude": -22.9, "temperature": 40}), nil, now)
	assert.Equal(t, models.Location{Lat: -22.9, Lon: 118.0, AltMeters: site.AltMeters}, snap.Location)
	assert.Equal(t, models.StatusOperational, snap.Status)
}

func TestLocationKeysAreNotClassified(t *testing.T) {
	c, err := classifier.New(classifier.Config{Thresholds: classifier.Thresholds{
		"altitude": {CriticalAbove: func() *float64 { v := 100.0; return &v }()},
	}})
	require.NoError(t, err)

	n := New(Config{}, c)
	now := time.UnixMilli(1_700_000_000_000)

	snap := n.Normalize(truck(), samples(now.UnixMilli(), map[string]float64{"altitude": 540}), nil, now)
	assert.Equal(t, models.StatusOperational, snap.Status)
}

func TestFreshLocationOnlyDeviceIsNotOffline(t *testing.T) {
	n := newTestNormalizer(t)
	now := time.UnixMilli(1_700_000_010_000)

	snap := n.Normalize(truck(), samples(1_700_000_000_000, map[string]float64{"latitude": -23.1, "longitude": 119.2}), nil, now)

	assert.False(t, snap.IsStale)
	assert.Equal(t, models.StatusOperational, snap.Status)
	assert.InDelta(t, -23.1, snap.Location.Lat, 0)

	snap = n.Restamp(snap, now.Add(5*time.Minute))
	assert.True(t, snap.IsStale)
	assert.Equal(t, models.StatusOffline, snap.Status)
}

func TestRestampIsMonotonic(t *testing.T) {
	n := newTestNormalizer(t)
	t0 := time.UnixMilli(1_700_000_000_000)

	snap := n.Normalize(truck(), samples(t0.UnixMilli(), map[string]float64{"temperature": 45}), nil, t0)

	wasStale := false

	for i := 0; i <= 10; i++ {
		snap = n.Restamp(snap, t0.Add(time.Duration(i)*30*time.Second))

		if wasStale {
			assert.True(t, snap.IsStale, "staleness never reverts without new samples")
		}

		wasStale = snap.IsStale
	}

	assert.True(t, snap.IsStale)
	assert.Equal(t, models.StatusOffline, snap.Status)
}

func TestLatestByKey(t *testing.T) {
	in := []models.TelemetrySample{
		{MetricKey: "temperature", TimestampMillis: 2, Value: 2},
		{MetricKey: "temperature", TimestampMillis: 3, Value: 3},
		{MetricKey: "temperature", TimestampMillis: 3, Value: 99},
		{MetricKey: "vibration", TimestampMillis: 1, Value: 1},
	}

	out := LatestByKey(in)
	require.Len(t, out, 2)
	assert.InDelta(t, 3.0, out["temperature"].Value, 0)
	assert.InDelta(t, 1.0, out["vibration"].Value, 0)
}
