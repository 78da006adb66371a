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
	"errors"
	"fmt"
)

// Gateway error taxonomy. ErrTimeout wraps ErrBackendUnavailable so retry
// logic that checks for an unavailable backend also covers timeouts.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrDeviceNotFound       = errors.New("device not found")
	ErrMalformedPayload     = errors.New("malformed payload")
	ErrTimeout              = fmt.Errorf("%w: timeout", ErrBackendUnavailable)

	ErrUnknownDeviceKind = errors.New("unknown device kind")
	ErrUnknownStatus     = errors.New("unknown operational status")

	errInvalidDuration = errors.New("invalid duration")
)
