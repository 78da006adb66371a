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
	"strings"
)

// DeviceKind is the equipment class of an instrumented asset.
type DeviceKind string

const (
	KindTruck      DeviceKind = "truck"
	KindExcavator  DeviceKind = "excavator"
	KindDrill      DeviceKind = "drill"
	KindConveyor   DeviceKind = "conveyor"
	KindProcessing DeviceKind = "processing"
	KindCrusher    DeviceKind = "crusher"
	KindLoader     DeviceKind = "loader"
	KindDozer      DeviceKind = "dozer"
)

// kindAliases maps backend device profile names onto the canonical kinds.
//
//nolint:gochecknoglobals // read-only lookup table
var kindAliases = map[string]DeviceKind{
	"truck":            KindTruck,
	"haul_truck":       KindTruck,
	"haultruck":        KindTruck,
	"dump_truck":       KindTruck,
	"excavator":        KindExcavator,
	"shovel":           KindExcavator,
	"drill":            KindDrill,
	"drill_rig":        KindDrill,
	"blasthole_drill":  KindDrill,
	"conveyor":         KindConveyor,
	"conveyor_belt":    KindConveyor,
	"processing":       KindProcessing,
	"processing_plant": KindProcessing,
	"plant":            KindProcessing,
	"mill":             KindProcessing,
	"crusher":          KindCrusher,
	"primary_crusher":  KindCrusher,
	"loader":           KindLoader,
	"wheel_loader":     KindLoader,
	"dozer":            KindDozer,
	"bulldozer":        KindDozer,
}

// ParseDeviceKind maps a backend type string to a DeviceKind. Matching is
// case-insensitive and treats spaces and dashes as underscores.
func ParseDeviceKind(raw string) (DeviceKind, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)

	if kind, ok := kindAliases[key]; ok {
		return kind, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownDeviceKind, raw)
}

// Valid reports whether k is one of the canonical kinds.
func (k DeviceKind) Valid() bool {
	switch k {
	case KindTruck, KindExcavator, KindDrill, KindConveyor,
		KindProcessing, KindCrusher, KindLoader, KindDozer:
		return true
	default:
		return false
	}
}

// DeviceDescriptor is the catalog record for one telemetry-emitting device.
// Descriptors are replaced wholesale on every catalog fetch.
type DeviceDescriptor struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Kind     DeviceKind        `json:"kind"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Equal reports whether two descriptors carry the same catalog data.
func (d *DeviceDescriptor) Equal(other *DeviceDescriptor) bool {
	if d.ID != other.ID || d.Name != other.Name || d.Kind != other.Kind {
		return false
	}

	if len(d.Metadata) != len(other.Metadata) {
		return false
	}

	for k, v := range d.Metadata {
		if ov, ok := other.Metadata[k]; !ok || ov != v {
			return false
		}
	}

	return true
}
