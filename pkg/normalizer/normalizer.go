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

// Package normalizer folds raw telemetry into canonical asset snapshots.
package normalizer

import (
	"strconv"
	"time"

	"github.com/carverauto/minegate/pkg/models"
)

const (
	DefaultStalenessWindow = 2 * time.Minute

	KeyLatitude  = "latitude"
	KeyLongitude = "longitude"
	KeyAltitude  = "altitude"
)

// Classifier maps metrics to a status. ClassifyReported never yields
// offline for an empty set.
type Classifier interface {
	Classify(metrics map[string]float64) models.OperationalStatus
	ClassifyReported(metrics map[string]float64) models.OperationalStatus
}

// Config configures the Normalizer.
type Config struct {
	StalenessWindow time.Duration
	DefaultLocation models.Location
}

// Normalizer is pure: its output depends only on its arguments.
type Normalizer struct {
	cfg        Config
	classifier Classifier
}

func New(cfg Config, classifier Classifier) *Normalizer {
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = DefaultStalenessWindow
	}

	return &Normalizer{cfg: cfg, classifier: classifier}
}

// StalenessWindow returns the configured window.
func (n *Normalizer) StalenessWindow() time.Duration {
	return n.cfg.StalenessWindow
}

// LatestByKey keeps the newest sample per metric key. On equal timestamps
// the earlier sample wins.
func LatestByKey(samples []models.TelemetrySample) map[string]models.TelemetrySample {
	out := make(map[string]models.TelemetrySample, len(samples))

	for _, s := range samples {
		if cur, ok := out[s.MetricKey]; ok && s.TimestampMillis <= cur.TimestampMillis {
			continue
		}

		out[s.MetricKey] = s
	}

	return out
}

// Normalize merges latest into a copy of prev's metrics and derives
// freshness, location and status. prev may be nil. A device that has never
// reported comes out offline and stale at the default location.
func (n *Normalizer) Normalize(
	desc models.DeviceDescriptor,
	latest map[string]models.TelemetrySample,
	prev *models.AssetSnapshot,
	now time.Time,
) models.AssetSnapshot {
	out := models.AssetSnapshot{
		DeviceID: desc.ID,
		Name:     desc.Name,
		Kind:     desc.Kind,
		Metrics:  make(map[string]float64, len(latest)),
	}

	if prev != nil && prev.DeviceID == desc.ID {
		for k, v := range prev.Metrics {
			out.Metrics[k] = v
		}

		out.LastUpdated = prev.LastUpdated
	}

	for key, s := range latest {
		out.Metrics[key] = s.Value

		if s.TimestampMillis > out.LastUpdated {
			out.LastUpdated = s.TimestampMillis
		}
	}

	out.Location = n.locate(desc, out.Metrics)

	return n.Restamp(out, now)
}

// Restamp recomputes staleness and status for now without new samples.
// Stale snapshots are classified from an empty metric set. A fresh snapshot
// reporting only location keys is never offline.
func (n *Normalizer) Restamp(snap models.AssetSnapshot, now time.Time) models.AssetSnapshot {
	snap.IsStale = n.stale(snap.LastUpdated, now)

	if snap.IsStale || len(snap.Metrics) == 0 {
		snap.Status = n.classifier.Classify(nil)
		return snap
	}

	snap.Status = n.classifier.ClassifyReported(classifiable(snap.Metrics))

	return snap
}

func (n *Normalizer) stale(lastUpdated int64, now time.Time) bool {
	if lastUpdated == 0 {
		return true
	}

	return now.UnixMilli()-lastUpdated > n.cfg.StalenessWindow.Milliseconds()
}

func isLocationKey(key string) bool {
	return key == KeyLatitude || key == KeyLongitude || key == KeyAltitude
}

func classifiable(metrics map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(metrics))

	for k, v := range metrics {
		if !isLocationKey(k) {
			out[k] = v
		}
	}

	return out
}

// locate resolves each coordinate from metrics, then descriptor metadata,
// then the configured default.
func (n *Normalizer) locate(desc models.DeviceDescriptor, metrics map[string]float64) models.Location {
	loc := n.cfg.DefaultLocation

	pick := func(dst *float64, key string) {
		if raw, ok := desc.Metadata[key]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				*dst = v
			}
		}

		if v, ok := metrics[key]; ok {
			*dst = v
		}
	}

	pick(&loc.Lat, KeyLatitude)
	pick(&loc.Lon, KeyLongitude)
	pick(&loc.AltMeters, KeyAltitude)

	return loc
}
