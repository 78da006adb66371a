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
	"errors"
	"fmt"
	"net/http"

	"github.com/carverauto/minegate/pkg/models"
)

var (
	errUnexpectedStatusCode = errors.New("unexpected status code")
	errInvalidBaseURL       = errors.New("base URL must be an absolute http(s) URL")
	errEmptyToken           = errors.New("login response carried no token")
)

const maxErrorBodyLength = 256

// statusError maps a non-200 response onto the gateway error taxonomy.
// notFound is returned for 404 when the endpoint addresses a single entity.
func statusError(code int, body []byte, notFound error) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", models.ErrAuthenticationFailed, code)
	case code == http.StatusNotFound && notFound != nil:
		return notFound
	default:
		if len(body) > maxErrorBodyLength {
			body = body[:maxErrorBodyLength]
		}

		return fmt.Errorf("%w: %w: %d: %s", models.ErrBackendUnavailable, errUnexpectedStatusCode, code, body)
	}
}

// transportError classifies a failed round trip. Cancellation of the
// caller's context is passed through unchanged.
func transportError(parent context.Context, op string, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", models.ErrTimeout, op)
	}

	return fmt.Errorf("%w: %s: %v", models.ErrBackendUnavailable, op, err)
}
