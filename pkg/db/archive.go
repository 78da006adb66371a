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

package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
)

const (
	DefaultTable         = "asset_snapshots"
	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second

	// pending rows beyond this many batches are dropped oldest first
	maxPendingBatches = 10
	finalFlushTimeout = 5 * time.Second
)

var errNilExecutor = errors.New("archive requires an executor")

// Executor is the subset of *pgxpool.Pool the archive uses.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// ArchiveConfig configures batching.
type ArchiveConfig struct {
	Table         string
	BatchSize     int
	FlushInterval time.Duration
}

type archivedRow struct {
	recordedAt time.Time
	snap       models.AssetSnapshot
}

// Archive buffers snapshots and writes them to the database in batches.
type Archive struct {
	exec  Executor
	cfg   ArchiveConfig
	table string
	log   logger.Logger
	now   func() time.Time

	mu      sync.Mutex
	pending []archivedRow
	dropped int

	flushCh chan struct{}
}

// NewArchive builds an Archive over exec.
func NewArchive(exec Executor, cfg ArchiveConfig, log logger.Logger) (*Archive, error) {
	if exec == nil {
		return nil, errNilExecutor
	}

	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	return &Archive{
		exec:    exec,
		cfg:     cfg,
		table:   pgx.Identifier{cfg.Table}.Sanitize(),
		log:     log,
		now:     time.Now,
		flushCh: make(chan struct{}, 1),
	}, nil
}

// EnsureSchema creates the snapshot table and its lookup index.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	index := pgx.Identifier{a.cfg.Table + "_device_time_idx"}.Sanitize()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			recorded_at  TIMESTAMPTZ      NOT NULL,
			device_id    TEXT             NOT NULL,
			name         TEXT             NOT NULL,
			kind         TEXT             NOT NULL,
			status       TEXT             NOT NULL,
			metrics      JSONB            NOT NULL,
			lat          DOUBLE PRECISION NOT NULL,
			lon          DOUBLE PRECISION NOT NULL,
			alt_meters   DOUBLE PRECISION NOT NULL,
			last_updated BIGINT           NOT NULL,
			is_stale     BOOLEAN          NOT NULL
		)`, a.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (device_id, recorded_at DESC)`, index, a.table),
	}

	for _, stmt := range stmts {
		if _, err := a.exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure %s schema: %w", a.cfg.Table, err)
		}
	}

	return nil
}

// Add queues a snapshot for the next flush. It never blocks on the database.
func (a *Archive) Add(snap models.AssetSnapshot) {
	a.mu.Lock()

	a.pending = append(a.pending, archivedRow{recordedAt: a.now().UTC(), snap: snap.Clone()})

	if limit := a.cfg.BatchSize * maxPendingBatches; len(a.pending) > limit {
		over := len(a.pending) - limit
		a.pending = append(a.pending[:0:0], a.pending[over:]...)
		a.dropped += over
	}

	full := len(a.pending) >= a.cfg.BatchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued rows.
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.pending)
}

// Flush writes every queued row in batches of BatchSize. Rows from a failed
// batch are discarded.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	rows := a.pending
	a.pending = nil
	dropped := a.dropped
	a.dropped = 0
	a.mu.Unlock()

	if dropped > 0 {
		a.log.Warn().Int("dropped", dropped).Msg("Snapshot archive backlog overflowed, oldest rows dropped")
	}

	insert := fmt.Sprintf(`INSERT INTO %s (
		recorded_at, device_id, name, kind, status, metrics,
		lat, lon, alt_meters, last_updated, is_stale
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, a.table)

	var errs []error

	for start := 0; start < len(rows); start += a.cfg.BatchSize {
		end := min(start+a.cfg.BatchSize, len(rows))

		batch := &pgx.Batch{}

		for _, row := range rows[start:end] {
			s := row.snap
			batch.Queue(insert,
				row.recordedAt, s.DeviceID, s.Name, string(s.Kind), string(s.Status), s.Metrics,
				s.Location.Lat, s.Location.Lon, s.Location.AltMeters, s.LastUpdated, s.IsStale)
		}

		if err := sendBatchExecAll(ctx, batch, a.exec.SendBatch, a.cfg.Table); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Run flushes on every interval and whenever a full batch is queued. A
// final flush runs after ctx ends.
func (a *Archive) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			a.flushAndLog(flushCtx)
			cancel()

			return
		case <-ticker.C:
			a.flushAndLog(ctx)
		case <-a.flushCh:
			a.flushAndLog(ctx)
		}
	}
}

func (a *Archive) flushAndLog(ctx context.Context) {
	if err := a.Flush(ctx); err != nil {
		a.log.Error().Err(err).Msg("Failed to archive snapshots")
	}
}

// LoadLatest returns the newest archived snapshot per device.
func (a *Archive) LoadLatest(ctx context.Context) ([]models.AssetSnapshot, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ON (device_id)
		device_id, name, kind, status, metrics, lat, lon, alt_meters, last_updated, is_stale
	FROM %s
	ORDER BY device_id, recorded_at DESC`, a.table)

	rows, err := a.exec.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.AssetSnapshot

	for rows.Next() {
		var (
			s            models.AssetSnapshot
			kind, status string
		)

		if err := rows.Scan(&s.DeviceID, &s.Name, &kind, &status, &s.Metrics,
			&s.Location.Lat, &s.Location.Lon, &s.Location.AltMeters, &s.LastUpdated, &s.IsStale); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}

		s.Kind = models.DeviceKind(kind)

		s.Status, err = models.ParseOperationalStatus(status)
		if err != nil {
			a.log.Warn().Err(err).Str("device_id", s.DeviceID).Msg("Skipping archived snapshot")
			continue
		}

		if s.Metrics == nil {
			s.Metrics = make(map[string]float64)
		}

		out = append(out, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot rows: %w", err)
	}

	return out, nil
}

func sendBatchExecAll(
	ctx context.Context, batch *pgx.Batch, send func(context.Context, *pgx.Batch) pgx.BatchResults, operation string,
) (err error) {
	if batch == nil || batch.Len() == 0 {
		return nil
	}

	br := send(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("%s batch close: %w", operation, closeErr)
		}
	}()

	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("%s batch exec (command %d): %w", operation, i, err)
		}
	}

	return nil
}
