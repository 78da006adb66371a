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

package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/carverauto/minegate/pkg/classifier"
	"github.com/carverauto/minegate/pkg/db"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
	"github.com/carverauto/minegate/pkg/natsutil"
)

const (
	DefaultPollInterval           = 10 * time.Second
	DefaultCatalogRefreshInterval = 5 * time.Minute
	DefaultStalenessWindow        = 2 * time.Minute
	DefaultStalenessSweepInterval = 15 * time.Second
	DefaultRequestTimeout         = 10 * time.Second
	DefaultRetryBackoffBase       = time.Second
	DefaultRetryBackoffCap        = 30 * time.Second
	DefaultTokenSafetyMargin      = 30 * time.Second
	DefaultTokenTTL               = 15 * time.Minute
	DefaultDegradedAfter          = 3
	DefaultPageSize               = 1000
	DefaultCatalogRetryAttempts   = 3
	DefaultPollConcurrency        = 16
	DefaultQueueSize              = 50
	DefaultPendingDeviceLimit     = 256
	DefaultListenAddr             = ":8090"
)

var (
	errMissingBackendHost = errors.New("backend_host is required")
	errInvalidBackendHost = errors.New("backend_host must be an http(s) URL")
	errMissingCredentials = errors.New("credentials.username and credentials.password are required")
	errNonPositive        = errors.New("must be positive")
	errInvalidDefaultKind = errors.New("default_kind is not a known device kind")
	errMarginTooLarge     = errors.New("token_safety_margin must be shorter than default_token_ttl")
)

// Credentials authenticate the gateway against the telemetry backend.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config is the full gateway service configuration.
type Config struct {
	BackendHost            string                `json:"backend_host"`
	Credentials            Credentials           `json:"credentials"`
	PollInterval           models.Duration       `json:"poll_interval"`
	CatalogRefreshInterval models.Duration       `json:"catalog_refresh_interval"`
	StalenessWindow        models.Duration       `json:"staleness_window"`
	StalenessSweepInterval models.Duration       `json:"staleness_sweep_interval"`
	Thresholds             classifier.Thresholds `json:"thresholds"`
	EmergencyRule          *classifier.Rule      `json:"emergency_rule,omitempty"`
	StandbyRule            *classifier.Rule      `json:"standby_rule,omitempty"`
	RequestTimeout         models.Duration       `json:"request_timeout"`
	RetryBackoffBase       models.Duration       `json:"retry_backoff_base"`
	RetryBackoffCap        models.Duration       `json:"retry_backoff_cap"`
	TokenSafetyMargin      models.Duration       `json:"token_safety_margin"`
	DefaultTokenTTL        models.Duration       `json:"default_token_ttl"`
	DegradedAfter          int                   `json:"degraded_after"`
	PageSize               int                   `json:"page_size"`
	CatalogRetryAttempts   int                   `json:"catalog_retry_attempts"`
	PollConcurrency        int                   `json:"poll_concurrency"`
	QueueSize              int                   `json:"queue_size"`
	PendingDeviceLimit     int                   `json:"pending_device_limit"`
	MetricKeys             []string              `json:"metric_keys"`
	Subscribe              bool                  `json:"subscribe"`
	DefaultLocation        models.Location       `json:"default_location"`
	DefaultKind            models.DeviceKind     `json:"default_kind"`

	ListenAddr     string             `json:"listen_addr"`
	AllowedOrigins []string           `json:"allowed_origins"`
	NATS           natsutil.Config    `json:"nats"`
	Database       db.Config          `json:"database"`
	Logging        *logger.Config     `json:"logging"`
	Metrics        *logger.OTelConfig `json:"metrics"`
}

func setDefault(d *models.Duration, def time.Duration) {
	if *d <= 0 {
		*d = models.Duration(def)
	}
}

func setDefaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	setDefault(&c.PollInterval, DefaultPollInterval)
	setDefault(&c.CatalogRefreshInterval, DefaultCatalogRefreshInterval)
	setDefault(&c.StalenessWindow, DefaultStalenessWindow)
	setDefault(&c.StalenessSweepInterval, DefaultStalenessSweepInterval)
	setDefault(&c.RequestTimeout, DefaultRequestTimeout)
	setDefault(&c.RetryBackoffBase, DefaultRetryBackoffBase)
	setDefault(&c.RetryBackoffCap, DefaultRetryBackoffCap)
	setDefault(&c.TokenSafetyMargin, DefaultTokenSafetyMargin)
	setDefault(&c.DefaultTokenTTL, DefaultTokenTTL)

	setDefaultInt(&c.DegradedAfter, DefaultDegradedAfter)
	setDefaultInt(&c.PageSize, DefaultPageSize)
	setDefaultInt(&c.CatalogRetryAttempts, DefaultCatalogRetryAttempts)
	setDefaultInt(&c.PollConcurrency, DefaultPollConcurrency)
	setDefaultInt(&c.QueueSize, DefaultQueueSize)
	setDefaultInt(&c.PendingDeviceLimit, DefaultPendingDeviceLimit)

	if len(c.Thresholds) == 0 {
		c.Thresholds = classifier.DefaultThresholds()
	}

	if c.DefaultKind == "" {
		c.DefaultKind = models.KindTruck
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch u, err := url.Parse(c.BackendHost); {
	case c.BackendHost == "":
		errs = append(errs, errMissingBackendHost)
	case err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "":
		errs = append(errs, fmt.Errorf("%w: %q", errInvalidBackendHost, c.BackendHost))
	}

	if c.Credentials.Username == "" || c.Credentials.Password == "" {
		errs = append(errs, errMissingCredentials)
	}

	durations := []struct {
		name string
		d    models.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"catalog_refresh_interval", c.CatalogRefreshInterval},
		{"staleness_window", c.StalenessWindow},
		{"staleness_sweep_interval", c.StalenessSweepInterval},
		{"request_timeout", c.RequestTimeout},
		{"retry_backoff_base", c.RetryBackoffBase},
		{"retry_backoff_cap", c.RetryBackoffCap},
		{"default_token_ttl", c.DefaultTokenTTL},
	}

	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s %w", d.name, errNonPositive))
		}
	}

	if c.TokenSafetyMargin >= c.DefaultTokenTTL {
		errs = append(errs, errMarginTooLarge)
	}

	if !c.DefaultKind.Valid() {
		errs = append(errs, fmt.Errorf("%w: %q", errInvalidDefaultKind, c.DefaultKind))
	}

	cls := c.classifierConfig()
	if err := cls.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("thresholds: %w", err))
	}

	return errors.Join(errs...)
}

func (c *Config) classifierConfig() classifier.Config {
	return classifier.Config{
		Thresholds: c.Thresholds,
		Emergency:  c.EmergencyRule,
		Standby:    c.StandbyRule,
	}
}
