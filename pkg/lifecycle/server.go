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

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/minegate/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is a long-running component managed by RunServer.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServerOptions configures RunServer.
type ServerOptions struct {
	ServiceName     string
	Services        []Service
	ShutdownTimeout time.Duration
	Logger          logger.Logger
}

// RunServer starts every service in order, blocks until ctx ends or the
// process receives SIGINT/SIGTERM, then stops them in reverse order.
func RunServer(ctx context.Context, opts *ServerOptions) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := make([]Service, 0, len(opts.Services))

	var startErr error

	for i, svc := range opts.Services {
		if err := svc.Start(ctx); err != nil {
			startErr = fmt.Errorf("failed to start service %d: %w", i, err)
			break
		}

		started = append(started, svc)
	}

	if startErr == nil {
		log.Info().Str("service", opts.ServiceName).Msg("Service started")
		<-ctx.Done()
		log.Info().Str("service", opts.ServiceName).Msg("Shutdown requested")
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	errs := []error{startErr}

	for i := len(started) - 1; i >= 0; i-- {
		if err := started[i].Stop(stopCtx); err != nil {
			log.Error().Err(err).Str("service", opts.ServiceName).Msg("Service stop failed")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
