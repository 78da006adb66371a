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

package thingsboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/carverauto/minegate/pkg/models"
)

var (
	errNullValue       = errors.New("null value")
	errNonFiniteValue  = errors.New("non-finite value")
	errNonNumericValue = errors.New("non-numeric value")
	errBadTimestamp    = errors.New("timestamp must be positive")
)

// ParseTimeseries converts raw points into samples. Values may be JSON
// numbers, numeric strings or booleans. Invalid points are returned as
// ErrMalformedPayload errors and skipped; the remaining samples are ordered
// by key and then timestamp.
func ParseTimeseries(deviceID string, payload TimeseriesPayload) ([]models.TelemetrySample, []error) {
	var (
		samples []models.TelemetrySample
		errs    []error
	)

	for _, key := range payload.Keys() {
		for _, point := range payload[key] {
			if point.TS <= 0 {
				errs = append(errs, malformed(deviceID, key, point.TS, errBadTimestamp))
				continue
			}

			value, err := ParseValue(point.Value)
			if err != nil {
				errs = append(errs, malformed(deviceID, key, point.TS, err))
				continue
			}

			samples = append(samples, models.TelemetrySample{
				DeviceID:        deviceID,
				MetricKey:       key,
				TimestampMillis: point.TS,
				Value:           value,
			})
		}
	}

	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].MetricKey != samples[j].MetricKey {
			return samples[i].MetricKey < samples[j].MetricKey
		}

		return samples[i].TimestampMillis < samples[j].TimestampMillis
	})

	return samples, errs
}

func malformed(deviceID, key string, ts int64, err error) error {
	return fmt.Errorf("%w: device %s key %s ts %d: %w", models.ErrMalformedPayload, deviceID, key, ts, err)
}

// ParseValue decodes one telemetry value into a finite float64.
func ParseValue(raw json.RawMessage) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errNullValue
	}

	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}

	var f float64

	switch val := v.(type) {
	case float64:
		f = val
	case bool:
		if val {
			f = 1
		}
	case string:
		parsed, err := parseStringValue(val)
		if err != nil {
			return 0, err
		}

		f = parsed
	default:
		return 0, fmt.Errorf("%w: %s", errNonNumericValue, string(raw))
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNonFiniteValue
	}

	return f, nil
}

func parseStringValue(s string) (float64, error) {
	s = strings.TrimSpace(s)

	switch strings.ToLower(s) {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errNonNumericValue, s)
	}

	return f, nil
}
