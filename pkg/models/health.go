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

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
)

// HealthState summarizes gateway health for consumers.
type HealthState struct {
	Status                  string    `json:"status"`
	AuthDegraded            bool      `json:"auth_degraded"`
	ConsecutiveAuthFailures int       `json:"consecutive_auth_failures"`
	BackendUnreachable      bool      `json:"backend_unreachable"`
	TrackedDevices          int       `json:"tracked_devices"`
	FailingDevices          int       `json:"failing_devices"`
	LastCatalogRefresh      time.Time `json:"last_catalog_refresh,omitempty"`
	LastCatalogError        string    `json:"last_catalog_error,omitempty"`
}

// Degraded reports whether the state should be surfaced as degraded.
func (h *HealthState) Degraded() bool {
	return h.AuthDegraded || h.BackendUnreachable
}
