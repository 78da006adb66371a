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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/minegate/pkg/models"
)

func TestConfigDefaults(t *testing.T) {
	cfg := testConfig()
	cfg.ApplyDefaults()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval.Std())
	assert.Equal(t, DefaultStalenessWindow, cfg.StalenessWindow.Std())
	assert.Equal(t, DefaultQueueSize, cfg.QueueSize)
	assert.Equal(t, models.KindTruck, cfg.DefaultKind)
	assert.Equal(t, DefaultListenAddr, cfg.ListenAddr)
	assert.Contains(t, cfg.Thresholds, "temperature")
	assert.NotNil(t, cfg.Logging)
}

func TestConfigFromJSON(t *testing.T) {
	raw := `{
		"backend_host": "https://tb.example.com",
		"credentials": {"username": "u", "password": "p"},
		"poll_interval": "5s",
		"staleness_window": "90s",
		"thresholds": {"pressure": {"critical_above": 300, "maintenance_above": 250}},
		"emergency_rule": {"metric": "pressure", "level": 400},
		"subscribe": true
	}`

	var cfg Config
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))

	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 5*time.Second, cfg.PollInterval.Std())
	assert.Equal(t, 90*time.Second, cfg.StalenessWindow.Std())
	assert.True(t, cfg.Subscribe)
	require.NotNil(t, cfg.EmergencyRule)
	assert.InDelta(t, 400.0, cfg.EmergencyRule.Level, 0)
}

func TestConfigValidateCollectsErrors(t *testing.T) {
	cfg := Config{BackendHost: "tb.local"}
	cfg.ApplyDefaults()
	cfg.TokenSafetyMargin = models.Duration(time.Hour)
	cfg.DefaultKind = "spaceship"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errInvalidBackendHost)
	assert.ErrorIs(t, err, errMissingCredentials)
	assert.ErrorIs(t, err, errMarginTooLarge)
	assert.ErrorIs(t, err, errInvalidDefaultKind)

	cfg = Config{}
	assert.ErrorIs(t, cfg.Validate(), errMissingBackendHost)
}
