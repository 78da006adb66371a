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

package models

import "time"

// Location is a WGS84 position with altitude in meters.
type Location struct {
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	AltMeters float64 `json:"alt_meters"`
}

// AssetSnapshot is the latest normalized, classified view of one asset.
type AssetSnapshot struct {
	DeviceID    string             `json:"device_id"`
	Name        string             `json:"name"`
	Kind        DeviceKind         `json:"kind"`
	Status      OperationalStatus  `json:"status"`
	Metrics     map[string]float64 `json:"metrics"`
	Location    Location           `json:"location"`
	LastUpdated int64              `json:"last_updated"`
	IsStale     bool               `json:"is_stale"`
}

// Clone returns a deep copy of the snapshot.
func (s *AssetSnapshot) Clone() AssetSnapshot {
	out := *s
	out.Metrics = make(map[string]float64, len(s.Metrics))

	for k, v := range s.Metrics {
		out.Metrics[k] = v
	}

	return out
}

// LastUpdatedTime returns LastUpdated as a time.Time, or the zero time when
// the asset has never reported.
func (s *AssetSnapshot) LastUpdatedTime() time.Time {
	if s.LastUpdated == 0 {
		return time.Time{}
	}

	return time.UnixMilli(s.LastUpdated)
}

// SameState reports whether two snapshots are observably identical.
func (s *AssetSnapshot) SameState(other *AssetSnapshot) bool {
	if s.DeviceID != other.DeviceID || s.Name != other.Name || s.Kind != other.Kind ||
		s.Status != other.Status || s.Location != other.Location ||
		s.LastUpdated != other.LastUpdated || s.IsStale != other.IsStale {
		return false
	}

	if len(s.Metrics) != len(other.Metrics) {
		return false
	}

	for k, v := range s.Metrics {
		if ov, ok := other.Metrics[k]; !ok || ov != v {
			return false
		}
	}

	return true
}

// Credential is a bearer token for the telemetry backend.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential can still be used at t with the
// given safety margin before expiry.
func (c Credential) ValidAt(t time.Time, margin time.Duration) bool {
	return c.Token != "" && t.Add(margin).Before(c.ExpiresAt)
}
