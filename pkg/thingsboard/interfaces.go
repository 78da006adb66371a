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

//go:generate mockgen -destination=mock_thingsboard.go -package=thingsboard github.com/carverauto/minegate/pkg/thingsboard Backend,HTTPClient,StreamConn

package thingsboard

import (
	"context"
	"net/http"
)

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Backend is the telemetry provider surface used by the gateway.
type Backend interface {
	Login(ctx context.Context, username, password string) (*LoginResponse, error)
	FetchDevicesPage(ctx context.Context, token string, page, pageSize int) (*DevicePage, error)
	FetchLatest(ctx context.Context, token, deviceID string, keys []string) (TimeseriesPayload, error)
	DialStream(ctx context.Context, token string) (StreamConn, error)
}

// StreamConn is one open push-channel connection.
type StreamConn interface {
	Subscribe(cmds []TsSubCmd) error
	ReadUpdate() (*StreamUpdate, error)
	Close() error
}
