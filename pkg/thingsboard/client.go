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

// Package thingsboard implements the REST and websocket transport to a
// ThingsBoard-compatible telemetry backend.
package thingsboard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
)

const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultStreamIdleTimeout = 60 * time.Second

	loginPath      = "/api/auth/login"
	devicesPath    = "/api/tenant/devices"
	timeseriesPath = "/api/plugins/telemetry/DEVICE/%s/values/timeseries"
	streamPath     = "/api/ws/plugins/telemetry"

	maxResponseBytes = 16 << 20
)

// Config configures the backend client.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	// StreamIdleTimeout bounds how long a stream may go without any frame
	// or pong before reads fail.
	StreamIdleTimeout time.Duration
}

// Client talks to the backend over HTTP and websocket.
type Client struct {
	baseURL    *url.URL
	httpClient HTTPClient
	dialer     *websocket.Dialer
	timeout    time.Duration
	streamIdle time.Duration
	logger     logger.Logger
}

var _ Backend = (*Client)(nil)

// NewClient validates the base URL and builds a client. A nil httpClient
// uses a net/http client without its own timeout; every call is bounded by
// RequestTimeout instead.
func NewClient(cfg Config, httpClient HTTPClient, log logger.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidBaseURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", errInvalidBaseURL, cfg.BaseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	streamIdle := cfg.StreamIdleTimeout
	if streamIdle <= 0 {
		streamIdle = DefaultStreamIdleTimeout
	}

	return &Client{
		baseURL:    u,
		httpClient: httpClient,
		dialer:     &websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment},
		timeout:    timeout,
		streamIdle: streamIdle,
		logger:     log,
	}, nil
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, err
	}

	var resp LoginResponse
	if err := c.doJSON(ctx, http.MethodPost, loginPath, nil, "", body, &resp, nil); err != nil {
		return nil, err
	}

	if resp.Token == "" {
		return nil, fmt.Errorf("%w: %w", models.ErrMalformedPayload, errEmptyToken)
	}

	return &resp, nil
}

// FetchDevicesPage fetches a single page of the tenant device listing.
func (c *Client) FetchDevicesPage(ctx context.Context, token string, page, pageSize int) (*DevicePage, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("pageSize", strconv.Itoa(pageSize))
	q.Set("sortProperty", "name")
	q.Set("sortOrder", "ASC")

	var out DevicePage
	if err := c.doJSON(ctx, http.MethodGet, devicesPath, q, token, nil, &out, nil); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Int("page", page).
		Int("devices", len(out.Data)).
		Bool("has_next", out.HasNext).
		Msg("Fetched device page")

	return &out, nil
}

// FetchLatest returns the latest value of each requested key. An empty key
// list asks the backend for every key it has.
func (c *Client) FetchLatest(ctx context.Context, token, deviceID string, keys []string) (TimeseriesPayload, error) {
	q := url.Values{}
	if len(keys) > 0 {
		q.Set("keys", strings.Join(keys, ","))
	}

	path := fmt.Sprintf(timeseriesPath, url.PathEscape(deviceID))
	notFound := fmt.Errorf("%w: %s", models.ErrDeviceNotFound, deviceID)

	out := make(TimeseriesPayload)
	if err := c.doJSON(ctx, http.MethodGet, path, q, token, nil, &out, notFound); err != nil {
		return nil, err
	}

	return out, nil
}

// DialStream opens the telemetry websocket authenticated with token.
func (c *Client) DialStream(ctx context.Context, token string) (StreamConn, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	u.Path += streamPath
	u.RawQuery = url.Values{"token": {token}}.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		if resp != nil {
			if statusErr := statusError(resp.StatusCode, nil, nil); statusErr != nil {
				return nil, statusErr
			}
		}

		return nil, transportError(ctx, "dial stream", err)
	}

	return newWSStream(conn, c.timeout, c.streamIdle), nil
}

func (c *Client) doJSON(
	ctx context.Context, method, path string, query url.Values, token string, body []byte, out interface{}, notFound error,
) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := *c.baseURL
	u.Path += path

	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), reader)
	if err != nil {
		return err
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("X-Authorization", "Bearer "+token)
	}

	op := method + " " + path

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError(ctx, op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(ctx, op, err)
	}

	if err := statusError(resp.StatusCode, data, notFound); err != nil {
		return err
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %w", models.ErrMalformedPayload, op, err)
	}

	return nil
}
