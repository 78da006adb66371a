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

import (
	"fmt"
	"time"
)

// TelemetrySample is one timestamped metric reading from a device.
type TelemetrySample struct {
	DeviceID        string  `json:"device_id"`
	MetricKey       string  `json:"metric_key"`
	TimestampMillis int64   `json:"ts"`
	Value           float64 `json:"value"`
}

// Time returns the sample timestamp as a time.Time.
func (s TelemetrySample) Time() time.Time {
	return time.UnixMilli(s.TimestampMillis)
}

// OperationalStatus is the classified state of an asset.
type OperationalStatus string

const (
	StatusOperational OperationalStatus = "operational"
	StatusMaintenance OperationalStatus = "maintenance"
	StatusCritical    OperationalStatus = "critical"
	StatusOffline     OperationalStatus = "offline"
	StatusStandby     OperationalStatus = "standby"
	StatusEmergency   OperationalStatus = "emergency"
)

// ParseOperationalStatus validates a status string.
func ParseOperationalStatus(raw string) (OperationalStatus, error) {
	s := OperationalStatus(raw)

	switch s {
	case StatusOperational, StatusMaintenance, StatusCritical,
		StatusOffline, StatusStandby, StatusEmergency:
		return s, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
}

// UnmarshalText rejects values outside the status enum.
func (s *OperationalStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseOperationalStatus(string(b))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}
