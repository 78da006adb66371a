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
	"fmt"
	"sort"
	"strings"

	"github.com/carverauto/minegate/pkg/models"
)

const (
	EntityTypeDevice      = "DEVICE"
	ScopeLatestTelemetry  = "LATEST_TELEMETRY"
	metadataKeyLabel      = "label"
	metadataKeyDeviceType = "type"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse is returned by /api/auth/login.
type LoginResponse struct {
	Token            string `json:"token"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresInSeconds int64  `json:"expiresInSeconds,omitempty"`
}

// EntityID accepts either a bare id string or {"entityType", "id"}.
type EntityID struct {
	EntityType string `json:"entityType"`
	ID         string `json:"id"`
}

func (e *EntityID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)

	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &e.ID)
	}

	type alias EntityID

	var a alias
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}

	*e = EntityID(a)

	return nil
}

// Device is one entry of the tenant device listing.
type Device struct {
	ID             EntityID               `json:"id"`
	Name           string                 `json:"name"`
	Type           string                 `json:"type"`
	Label          string                 `json:"label"`
	AdditionalInfo map[string]interface{} `json:"additionalInfo"`
}

// DevicePage is one page of /api/tenant/devices.
type DevicePage struct {
	Data          []Device `json:"data"`
	TotalPages    int      `json:"totalPages"`
	TotalElements int      `json:"totalElements"`
	HasNext       bool     `json:"hasNext"`
}

// Descriptor converts the device into the canonical catalog record. An
// unknown type falls back to defaultKind and is reported through the error.
func (d *Device) Descriptor(defaultKind models.DeviceKind) (models.DeviceDescriptor, error) {
	kind, err := models.ParseDeviceKind(d.Type)
	if err != nil {
		kind = defaultKind
	}

	name := d.Name
	if name == "" {
		name = d.Label
	}

	if name == "" {
		name = d.ID.ID
	}

	meta := make(map[string]string, len(d.AdditionalInfo)+2)

	for k, v := range d.AdditionalInfo {
		switch val := v.(type) {
		case nil, map[string]interface{}, []interface{}:
			continue
		case string:
			meta[k] = val
		default:
			meta[k] = fmt.Sprint(val)
		}
	}

	if d.Label != "" {
		meta[metadataKeyLabel] = d.Label
	}

	if d.Type != "" {
		meta[metadataKeyDeviceType] = d.Type
	}

	return models.DeviceDescriptor{
		ID:       d.ID.ID,
		Name:     name,
		Kind:     kind,
		Metadata: meta,
	}, err
}

// RawPoint is a single {ts, value} entry of a timeseries response.
type RawPoint struct {
	TS    int64           `json:"ts"`
	Value json.RawMessage `json:"value"`
}

// TimeseriesPayload maps metric keys to their latest points.
type TimeseriesPayload map[string][]RawPoint

// Keys returns the metric keys in sorted order.
func (p TimeseriesPayload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// TsSubCmd subscribes to (or unsubscribes from) a device's latest telemetry.
type TsSubCmd struct {
	EntityType  string `json:"entityType"`
	EntityID    string `json:"entityId"`
	Scope       string `json:"scope"`
	CmdID       int    `json:"cmdId"`
	Keys        string `json:"keys,omitempty"`
	TimeWindow  int64  `json:"timeWindow,omitempty"`
	Unsubscribe bool   `json:"unsubscribe,omitempty"`
}

// NewTsSubCmd builds a latest-telemetry subscription for one device.
func NewTsSubCmd(cmdID int, deviceID string, keys []string) TsSubCmd {
	return TsSubCmd{
		EntityType: EntityTypeDevice,
		EntityID:   deviceID,
		Scope:      ScopeLatestTelemetry,
		CmdID:      cmdID,
		Keys:       strings.Join(keys, ","),
	}
}

// SubscriptionCommand is the frame written to the telemetry websocket.
type SubscriptionCommand struct {
	TsSubCmds []TsSubCmd `json:"tsSubCmds"`
}

// StreamUpdate is a frame pushed by the telemetry websocket. Data maps
// metric keys to [ts, value] pairs.
type StreamUpdate struct {
	SubscriptionID int                            `json:"subscriptionId"`
	ErrorCode      int                            `json:"errorCode"`
	ErrorMsg       string                         `json:"errorMsg"`
	Data           map[string][][]json.RawMessage `json:"data"`
}

// Payload converts the tuple encoding into a TimeseriesPayload. Tuples
// without both elements or with a non-integer timestamp are reported.
func (u *StreamUpdate) Payload() (TimeseriesPayload, []error) {
	out := make(TimeseriesPayload, len(u.Data))

	var errs []error

	for key, tuples := range u.Data {
		for _, tuple := range tuples {
			if len(tuple) != 2 {
				errs = append(errs, fmt.Errorf("%w: %s: tuple has %d elements", models.ErrMalformedPayload, key, len(tuple)))
				continue
			}

			var ts int64
			if err := json.Unmarshal(tuple[0], &ts); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s: timestamp: %w", models.ErrMalformedPayload, key, err))
				continue
			}

			out[key] = append(out[key], RawPoint{TS: ts, Value: tuple[1]})
		}
	}

	return out, errs
}
