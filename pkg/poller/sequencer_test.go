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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/minegate/pkg/models"
)

func sample(device, key string, ts int64, v float64) models.TelemetrySample {
	return models.TelemetrySample{DeviceID: device, MetricKey: key, TimestampMillis: ts, Value: v}
}

func TestSequencerDropsDuplicatesAndLateSamples(t *testing.T) {
	s := NewSequencer()

	assert.True(t, s.Admit(sample("d1", "temperature", 100, 40)))
	assert.False(t, s.Admit(sample("d1", "temperature", 100, 99)), "duplicate timestamp")
	assert.False(t, s.Admit(sample("d1", "temperature", 90, 41)), "out of order")
	assert.True(t, s.Admit(sample("d1", "temperature", 101, 42)))

	assert.True(t, s.Admit(sample("d1", "vibration", 50, 3)), "keys are independent")
	assert.True(t, s.Admit(sample("d2", "temperature", 50, 3)), "devices are independent")

	ts, ok := s.Last("d1", "temperature")
	require.True(t, ok)
	assert.Equal(t, int64(101), ts)
}

func TestSequencerFilter(t *testing.T) {
	s := NewSequencer()

	in := []models.TelemetrySample{
		sample("d1", "temperature", 10, 1),
		sample("d1", "temperature", 10, 2),
		sample("d1", "temperature", 20, 3),
		sample("d1", "temperature", 15, 4),
	}

	out, dropped := s.Filter(in)
	assert.Equal(t, 2, dropped)
	require.Len(t, out, 2)
	assert.InDelta(t, 1.0, out[0].Value, 0, "first value for a timestamp wins")
	assert.InDelta(t, 3.0, out[1].Value, 0)
}

func TestSequencerForgetAndSeed(t *testing.T) {
	s := NewSequencer()

	s.Seed("d1", "temperature", 500)
	assert.False(t, s.Admit(sample("d1", "temperature", 400, 1)))

	s.Forget("d1")

	_, ok := s.Last("d1", "temperature")
	assert.False(t, ok)
	assert.True(t, s.Admit(sample("d1", "temperature", 400, 1)))
}
