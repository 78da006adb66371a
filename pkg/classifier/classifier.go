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

// Package classifier derives an operational status from metric readings.
package classifier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/carverauto/minegate/pkg/models"
)

var (
	errMaintenanceAboveCritical = errors.New("maintenance threshold above critical threshold")
	errEmptyThreshold           = errors.New("threshold sets neither critical_above nor maintenance_above")
	errEmptyMetric              = errors.New("metric name is empty")
)

// Threshold bounds one metric. A reading strictly above a bound matches it.
type Threshold struct {
	CriticalAbove    *float64 `json:"critical_above,omitempty"`
	MaintenanceAbove *float64 `json:"maintenance_above,omitempty"`
}

// Thresholds maps metric keys to their bounds.
type Thresholds map[string]Threshold

// Rule matches a single metric against a level.
type Rule struct {
	Metric string  `json:"metric"`
	Level  float64 `json:"level"`
}

// Config holds the classification rules. Emergency matches a reading at or
// above its level and wins over everything else. Standby matches at or
// below its level and only refines an operational result.
type Config struct {
	Thresholds Thresholds `json:"thresholds"`
	Emergency  *Rule      `json:"emergency,omitempty"`
	Standby    *Rule      `json:"standby,omitempty"`
}

func ptr(v float64) *float64 { return &v }

// DefaultThresholds returns the stock temperature and vibration bounds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		"temperature": {CriticalAbove: ptr(80), MaintenanceAbove: ptr(60)},
		"vibration":   {CriticalAbove: ptr(10), MaintenanceAbove: ptr(7)},
	}
}

// ApplyDefaults fills in the stock thresholds when none are configured.
func (c *Config) ApplyDefaults() {
	if len(c.Thresholds) == 0 {
		c.Thresholds = DefaultThresholds()
	}
}

// Validate rejects thresholds whose maintenance bound exceeds the critical
// bound.
func (t Thresholds) Validate() error {
	var errs []error

	for metric, th := range t {
		if metric == "" {
			errs = append(errs, errEmptyMetric)
			continue
		}

		if th.CriticalAbove == nil && th.MaintenanceAbove == nil {
			errs = append(errs, fmt.Errorf("%s: %w", metric, errEmptyThreshold))
			continue
		}

		if th.CriticalAbove != nil && th.MaintenanceAbove != nil && *th.MaintenanceAbove > *th.CriticalAbove {
			errs = append(errs, fmt.Errorf("%s: %w (%g > %g)",
				metric, errMaintenanceAboveCritical, *th.MaintenanceAbove, *th.CriticalAbove))
		}
	}

	return errors.Join(errs...)
}

// Validate checks thresholds and optional rules.
func (c *Config) Validate() error {
	errs := []error{c.Thresholds.Validate()}

	if c.Emergency != nil && c.Emergency.Metric == "" {
		errs = append(errs, fmt.Errorf("emergency: %w", errEmptyMetric))
	}

	if c.Standby != nil && c.Standby.Metric == "" {
		errs = append(errs, fmt.Errorf("standby: %w", errEmptyMetric))
	}

	return errors.Join(errs...)
}

// Classifier evaluates metrics against a fixed rule set. It holds no
// mutable state and is safe for concurrent use.
type Classifier struct {
	cfg     Config
	metrics []string
}

// New validates cfg and builds a Classifier.
func New(cfg Config) (*Classifier, error) {
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(cfg.Thresholds))
	for k := range cfg.Thresholds {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return &Classifier{cfg: cfg, metrics: keys}, nil
}

// Classify applies emergency, critical, maintenance, offline and
// operational in that order; the first match wins. Missing metrics never
// exceed a threshold.
func (c *Classifier) Classify(metrics map[string]float64) models.OperationalStatus {
	return c.classify(metrics, true)
}

// ClassifyReported is Classify for a device already known to be reporting:
// an empty metric set falls through to standby or operational instead of
// offline.
func (c *Classifier) ClassifyReported(metrics map[string]float64) models.OperationalStatus {
	return c.classify(metrics, false)
}

func (c *Classifier) classify(metrics map[string]float64, offlineIfEmpty bool) models.OperationalStatus {
	if r := c.cfg.Emergency; r != nil {
		if v, ok := metrics[r.Metric]; ok && v >= r.Level {
			return models.StatusEmergency
		}
	}

	if c.anyAbove(metrics, func(t Threshold) *float64 { return t.CriticalAbove }) {
		return models.StatusCritical
	}

	if c.anyAbove(metrics, func(t Threshold) *float64 { return t.MaintenanceAbove }) {
		return models.StatusMaintenance
	}

	if offlineIfEmpty && len(metrics) == 0 {
		return models.StatusOffline
	}

	if r := c.cfg.Standby; r != nil {
		if v, ok := metrics[r.Metric]; ok && v <= r.Level {
			return models.StatusStandby
		}
	}

	return models.StatusOperational
}

func (c *Classifier) anyAbove(metrics map[string]float64, bound func(Threshold) *float64) bool {
	for _, key := range c.metrics {
		limit := bound(c.cfg.Thresholds[key])
		if limit == nil {
			continue
		}

		if v, ok := metrics[key]; ok && v > *limit {
			return true
		}
	}

	return false
}
