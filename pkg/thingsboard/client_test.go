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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, RequestTimeout: time.Second}, srv.Client(), logger.NewTestLogger())
	require.NoError(t, err)

	return c
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	for _, raw := range []string{"", "tb.local:8080", "ftp://tb.local", "http://"} {
		_, err := NewClient(Config{BaseURL: raw}, nil, nil)
		require.ErrorIs(t, err, errInvalidBaseURL, raw)
	}
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, loginPath, r.URL.Path)

		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		_, _ = io.WriteString(w, `{"token":"jwt","refreshToken":"r","expiresInSeconds":900}`)
	}))

	resp, err := c.Login(context.Background(), "tenant@mine", "secret")
	require.NoError(t, err)
	assert.Equal(t, "jwt", resp.Token)
	assert.Equal(t, int64(900), resp.ExpiresInSeconds)

	_, err = c.Login(context.Background(), "tenant@mine", "wrong")
	require.ErrorIs(t, err, models.ErrAuthenticationFailed)
}

func TestLoginEmptyToken(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))

	_, err := c.Login(context.Background(), "u", "p")
	require.ErrorIs(t, err, models.ErrMalformedPayload)
}

func TestFetchDevicesPage(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, devicesPath, r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "50", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "Bearer tok", r.Header.Get("X-Authorization"))

		_, _ = io.WriteString(w, `{
			"data": [
				{"id": {"entityType": "DEVICE", "id": "d-1"}, "name": "HT-01", "type": "Haul Truck",
				 "additionalInfo": {"latitude": -23.5, "site": "north", "nested": {"x": 1}}},
				{"id": "d-2", "name": "", "label": "Crusher A", "type": "crusher"}
			],
			"totalPages": 3, "totalElements": 102, "hasNext": true
		}`)
	}))

	page, err := c.FetchDevicesPage(context.Background(), "tok", 2, 50)
	require.NoError(t, err)
	require.Len(t, page.Data, 2)
	assert.True(t, page.HasNext)
	assert.Equal(t, "d-1", page.Data[0].ID.ID)
	assert.Equal(t, EntityTypeDevice, page.Data[0].ID.EntityType)
	assert.Equal(t, "d-2", page.Data[1].ID.ID)

	desc, err := page.Data[0].Descriptor(models.KindTruck)
	require.NoError(t, err)
	assert.Equal(t, models.KindTruck, desc.Kind)
	assert.Equal(t, "-23.5", desc.Metadata["latitude"])
	assert.Equal(t, "north", desc.Metadata["site"])
	assert.NotContains(t, desc.Metadata, "nested")

	desc, err = page.Data[1].Descriptor(models.KindTruck)
	require.NoError(t, err)
	assert.Equal(t, "Crusher A", desc.Name)
	assert.Equal(t, models.KindCrusher, desc.Kind)
}

func TestDescriptorUnknownTypeFallsBack(t *testing.T) {
	d := Device{ID: EntityID{ID: "x"}, Name: "Pump", Type: "water pump"}

	desc, err := d.Descriptor(models.KindProcessing)
	require.ErrorIs(t, err, models.ErrUnknownDeviceKind)
	assert.Equal(t, models.KindProcessing, desc.Kind)
	assert.Equal(t, "water pump", desc.Metadata["type"])
}

func TestFetchLatest(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "missing") {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		assert.Equal(t, "/api/plugins/telemetry/DEVICE/d-1/values/timeseries", r.URL.Path)
		assert.Equal(t, "temperature,vibration", r.URL.Query().Get("keys"))

		_, _ = io.WriteString(w, `{"temperature":[{"ts":1700000000000,"value":"45.5"}],"vibration":[{"ts":1700000000000,"value":3.2}]}`)
	}))

	payload, err := c.FetchLatest(context.Background(), "tok", "d-1", []string{"temperature", "vibration"})
	require.NoError(t, err)
	assert.Equal(t, []string{"temperature", "vibration"}, payload.Keys())

	_, err = c.FetchLatest(context.Background(), "tok", "missing", nil)
	require.ErrorIs(t, err, models.ErrDeviceNotFound)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "", models.ErrAuthenticationFailed},
		{"forbidden", http.StatusForbidden, "", models.ErrAuthenticationFailed},
		{"server error", http.StatusBadGateway, "upstream", models.ErrBackendUnavailable},
		{"not found on listing", http.StatusNotFound, "", models.ErrBackendUnavailable},
		{"bad json", http.StatusOK, "{", models.ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))

			_, err := c.FetchDevicesPage(context.Background(), "tok", 0, 10)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRequestTimeoutMapsToErrTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(Config{BaseURL: srv.URL, RequestTimeout: 20 * time.Millisecond}, srv.Client(), nil)
	require.NoError(t, err)

	_, err = c.FetchLatest(context.Background(), "tok", "d-1", nil)
	require.ErrorIs(t, err, models.ErrTimeout)
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
}

func TestCallerCancellationPassesThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)

	ctx, cancel := context.WithCancel(context.Background())

	httpClient.EXPECT().Do(gomock.Any()).DoAndReturn(func(*http.Request) (*http.Response, error) {
		cancel()
		return nil, context.Canceled
	})

	c, err := NewClient(Config{BaseURL: "http://tb.local"}, httpClient, nil)
	require.NoError(t, err)

	_, err = c.FetchDevicesPage(ctx, "tok", 0, 10)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, models.ErrBackendUnavailable))
}

func TestNetworkErrorIsBackendUnavailable(t *testing.T) {
	ctrl := gomock.NewController(t)
	httpClient := NewMockHTTPClient(ctrl)
	httpClient.EXPECT().Do(gomock.Any()).Return(nil, errors.New("connection refused"))

	c, err := NewClient(Config{BaseURL: "https://tb.local"}, httpClient, nil)
	require.NoError(t, err)

	_, err = c.Login(context.Background(), "u", "p")
	require.ErrorIs(t, err, models.ErrBackendUnavailable)
}
