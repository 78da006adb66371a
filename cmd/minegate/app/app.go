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

// Package app assembles the gateway process from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/carverauto/minegate/pkg/api"
	"github.com/carverauto/minegate/pkg/config"
	"github.com/carverauto/minegate/pkg/db"
	"github.com/carverauto/minegate/pkg/gateway"
	srHttp "github.com/carverauto/minegate/pkg/http"
	"github.com/carverauto/minegate/pkg/lifecycle"
	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/natsutil"
	"github.com/carverauto/minegate/pkg/thingsboard"
	"github.com/carverauto/minegate/pkg/version"
)

const serviceName = "minegate"

// Options contains runtime configuration derived from CLI flags.
type Options struct {
	ConfigPath string
}

// Run loads the configuration, starts every service and blocks until a
// shutdown signal arrives.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var cfg gateway.Config

	if err := config.NewConfig(nil).LoadAndValidate(ctx, opts.ConfigPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mainLogger, err := lifecycle.CreateComponentLogger(ctx, "minegate-main", cfg.Logging)
	if err != nil {
		return err
	}

	defer func() {
		if shutdownErr := lifecycle.ShutdownLogger(context.Background()); shutdownErr != nil {
			mainLogger.Error().Err(shutdownErr).Msg("Error shutting down logger")
		}
	}()

	otelCfg := cfg.Metrics
	if otelCfg == nil {
		otelCfg = &cfg.Logging.OTel
	}

	if _, err := logger.InitializeTracing(ctx, logger.TracingConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		OTel:           otelCfg,
	}); err != nil && !errors.Is(err, logger.ErrOTelTracingDisabled) {
		return err
	}

	if _, err := logger.InitializeMetrics(ctx, logger.MetricsConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
		OTel:           otelCfg,
	}); err != nil && !errors.Is(err, logger.ErrOTelMetricsDisabled) {
		return err
	}

	mainLogger.Info().Str("version", version.GetFullVersion()).Msg("Starting minegate")

	backend, err := thingsboard.NewClient(thingsboard.Config{
		BaseURL:        cfg.BackendHost,
		RequestTimeout: cfg.RequestTimeout.Std(),
	}, nil, mainLogger.Component("thingsboard"))
	if err != nil {
		return err
	}

	deps := gateway.Dependencies{Backend: backend}

	var services []lifecycle.Service

	if cfg.Database.Enabled() {
		archive, closeDB, err := openArchive(ctx, &cfg.Database, mainLogger)
		if err != nil {
			return err
		}
		defer closeDB()

		if cfg.Database.WarmStart {
			warm, err := archive.LoadLatest(ctx)
			if err != nil {
				mainLogger.Warn().Err(err).Msg("Warm start failed, starting with an empty cache")
			} else {
				deps.Warm = warm
			}
		}

		deps.Archive = archive
		services = append(services, &archiveService{archive: archive})
	}

	if cfg.NATS.Enabled() {
		publisher, err := natsutil.Connect(ctx, cfg.NATS, mainLogger.Component("events"))
		if err != nil {
			return err
		}

		defer func() {
			if err := publisher.Close(); err != nil {
				mainLogger.Warn().Err(err).Msg("Error closing NATS connection")
			}
		}()

		deps.Publisher = publisher
	}

	gw, err := gateway.New(cfg, deps, mainLogger.Component("gateway"))
	if err != nil {
		return err
	}

	apiServer := api.NewServer(cfg.ListenAddr, gw, srHttp.CORSConfig{
		AllowedOrigins: cfg.AllowedOrigins,
	}, mainLogger.Component("api"))

	services = append(services, gw, apiServer)

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ServiceName: serviceName,
		Services:    services,
		Logger:      mainLogger,
	})
}

func openArchive(ctx context.Context, cfg *db.Config, log *lifecycle.LoggerImpl) (*db.Archive, func(), error) {
	pool, err := db.NewPool(ctx, cfg, log.Component("db"))
	if err != nil {
		return nil, nil, err
	}

	archive, err := db.NewArchive(pool, db.ArchiveConfig{
		Table:         cfg.Table,
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval.Std(),
	}, log.Component("archive"))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	if err := archive.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	return archive, pool.Close, nil
}

// archiveService runs the archive flush loop as a lifecycle service.
type archiveService struct {
	archive *db.Archive
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (s *archiveService) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.archive.Run(ctx)
	}()

	return nil
}

func (s *archiveService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
