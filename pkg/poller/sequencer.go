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

package poller

import (
	"sync"

	"github.com/carverauto/minegate/pkg/models"
)

// Sequencer enforces per (device, metric) ordering. A sample is admitted
// only when its timestamp is strictly greater than the last admitted one,
// so duplicates and late arrivals are dropped and the first value seen for
// a timestamp wins.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]map[string]int64
}

func NewSequencer() *Sequencer {
	return &Sequencer{last: make(map[string]map[string]int64)}
}

// Admit records the sample if it advances its key and reports whether it did.
func (s *Sequencer) Admit(sample models.TelemetrySample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.admitLocked(sample)
}

func (s *Sequencer) admitLocked(sample models.TelemetrySample) bool {
	byKey, ok := s.last[sample.DeviceID]
	if !ok {
		byKey = make(map[string]int64)
		s.last[sample.DeviceID] = byKey
	}

	if prev, seen := byKey[sample.MetricKey]; seen && sample.TimestampMillis <= prev {
		return false
	}

	byKey[sample.MetricKey] = sample.TimestampMillis

	return true
}

// Filter admits samples in order and returns the admitted ones together
// with the number dropped.
func (s *Sequencer) Filter(samples []models.TelemetrySample) ([]models.TelemetrySample, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TelemetrySample, 0, len(samples))

	for _, sample := range samples {
		if s.admitLocked(sample) {
			out = append(out, sample)
		}
	}

	return out, len(samples) - len(out)
}

// Last returns the last admitted timestamp for a key.
func (s *Sequencer) Last(deviceID, metricKey string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.last[deviceID][metricKey]

	return ts, ok
}

// Seed marks ts as already admitted, used when warming from stored snapshots.
func (s *Sequencer) Seed(deviceID, metricKey string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.admitLocked(models.TelemetrySample{DeviceID: deviceID, MetricKey: metricKey, TimestampMillis: ts})
}

// Forget drops all state for a device.
func (s *Sequencer) Forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.last, deviceID)
}
