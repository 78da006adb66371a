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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/minegate/pkg/logger"
	"github.com/carverauto/minegate/pkg/models"
)

var (
	errBoom        = errors.New("boom")
	errCloseFailed = errors.New("close failed")
	errScanShape   = errors.New("unexpected scan destinations")
)

type fakeBatchResults struct {
	execCalls int
	execErrAt int
	execErr   error

	closeCalls int
	closeErr   error
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	defer func() { f.execCalls++ }()

	if f.execErr != nil && f.execCalls == f.execErrAt {
		return pgconn.CommandTag{}, f.execErr
	}

	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeBatchResults) Query() (pgx.Rows, error) { return nil, errBoom }
func (f *fakeBatchResults) QueryRow() pgx.Row        { return nil }

func (f *fakeBatchResults) Close() error {
	f.closeCalls++

	return f.closeErr
}

type archivedValues struct {
	deviceID, name, kind, status string
	metrics                      map[string]float64
	lat, lon, alt                float64
	lastUpdated                  int64
	stale                        bool
}

type fakeRows struct {
	pgx.Rows

	data   []archivedValues
	idx    int
	err    error
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}

	r.idx++

	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) != 10 {
		return errScanShape
	}

	v := r.data[r.idx-1]
	*dest[0].(*string) = v.deviceID
	*dest[1].(*string) = v.name
	*dest[2].(*string) = v.kind
	*dest[3].(*string) = v.status
	*dest[4].(*map[string]float64) = v.metrics
	*dest[5].(*float64) = v.lat
	*dest[6].(*float64) = v.lon
	*dest[7].(*float64) = v.alt
	*dest[8].(*int64) = v.lastUpdated
	*dest[9].(*bool) = v.stale

	return nil
}

func (r *fakeRows) Err() error { return r.err }
func (r *fakeRows) Close()     { r.closed = true }

type fakeExecutor struct {
	mu      sync.Mutex
	execs   []string
	execErr error
	batches []*pgx.Batch
	results []*fakeBatchResults
	rows    *fakeRows
	query   string
}

func (f *fakeExecutor) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.execs = append(f.execs, sql)

	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeExecutor) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	f.query = sql

	return f.rows, nil
}

func (f *fakeExecutor) SendBatch(_ context.Context, b *pgx.Batch) pgx.BatchResults {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, b)

	if len(f.results) > 0 {
		br := f.results[0]
		f.results = f.results[1:]

		return br
	}

	return &fakeBatchResults{}
}

func (f *fakeExecutor) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.batches)
}

func testSnapshot(id string) models.AssetSnapshot {
	return models.AssetSnapshot{
		DeviceID:    id,
		Name:        "Asset " + id,
		Kind:        models.KindExcavator,
		Status:      models.StatusMaintenance,
		Metrics:     map[string]float64{"temperature": 72},
		Location:    models.Location{Lat: -23.3, Lon: 119.7, AltMeters: 540},
		LastUpdated: 1_700_000_000_000,
	}
}

func newTestArchive(t *testing.T, exec Executor, batchSize int) *Archive {
	t.Helper()

	a, err := NewArchive(exec, ArchiveConfig{BatchSize: batchSize}, logger.NewTestLogger())
	require.NoError(t, err)

	a.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }

	return a
}

func TestNewArchiveRequiresExecutor(t *testing.T) {
	_, err := NewArchive(nil, ArchiveConfig{}, nil)
	require.ErrorIs(t, err, errNilExecutor)
}

func TestEnsureSchema(t *testing.T) {
	exec := &fakeExecutor{}
	a := newTestArchive(t, exec, 0)

	require.NoError(t, a.EnsureSchema(context.Background()))
	require.Len(t, exec.execs, 2)
	assert.Contains(t, exec.execs[0], `CREATE TABLE IF NOT EXISTS "asset_snapshots"`)
	assert.Contains(t, exec.execs[1], `"asset_snapshots_device_time_idx"`)

	exec.execErr = errBoom
	require.ErrorIs(t, a.EnsureSchema(context.Background()), errBoom)
}

func TestFlushWritesBatches(t *testing.T) {
	exec := &fakeExecutor{}
	a := newTestArchive(t, exec, 2)

	for i := 0; i < 5; i++ {
		a.Add(testSnapshot(fmt.Sprintf("d%d", i)))
	}

	assert.Equal(t, 5, a.Pending())
	require.NoError(t, a.Flush(context.Background()))
	assert.Equal(t, 0, a.Pending())

	require.Len(t, exec.batches, 3)
	assert.Equal(t, 2, exec.batches[0].Len())
	assert.Equal(t, 1, exec.batches[2].Len())

	q := exec.batches[0].QueuedQueries[0]
	assert.True(t, strings.HasPrefix(strings.TrimSpace(q.SQL), `INSERT INTO "asset_snapshots"`))
	require.Len(t, q.Arguments, 11)
	assert.Equal(t, "d0", q.Arguments[1])
	assert.Equal(t, "excavator", q.Arguments[3])
	assert.Equal(t, "maintenance", q.Arguments[4])
	assert.Equal(t, map[string]float64{"temperature": 72}, q.Arguments[5])
}

func TestFlushSurfacesBatchErrors(t *testing.T) {
	br := &fakeBatchResults{execErrAt: 1, execErr: errBoom}
	exec := &fakeExecutor{results: []*fakeBatchResults{br}}
	a := newTestArchive(t, exec, 10)

	a.Add(testSnapshot("a"))
	a.Add(testSnapshot("b"))

	err := a.Flush(context.Background())
	require.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "asset_snapshots batch exec (command 1)")
	assert.Equal(t, 1, br.closeCalls)
	assert.Equal(t, 0, a.Pending(), "failed rows are discarded")
}

func TestSendBatchExecAllCloseError(t *testing.T) {
	batch := &pgx.Batch{}
	batch.Queue("SELECT 1")

	br := &fakeBatchResults{closeErr: errCloseFailed}

	err := sendBatchExecAll(context.Background(), batch, func(context.Context, *pgx.Batch) pgx.BatchResults {
		return br
	}, "op-name")
	require.ErrorIs(t, err, errCloseFailed)
	assert.Contains(t, err.Error(), "op-name batch close")

	err = sendBatchExecAll(context.Background(), &pgx.Batch{}, func(context.Context, *pgx.Batch) pgx.BatchResults {
		t.Fatal("empty batches are not sent")
		return nil
	}, "op-name")
	require.NoError(t, err)
}

func TestAddBoundsBacklog(t *testing.T) {
	a := newTestArchive(t, &fakeExecutor{}, 1)

	for i := 0; i < maxPendingBatches+5; i++ {
		a.Add(testSnapshot(fmt.Sprintf("d%d", i)))
	}

	assert.Equal(t, maxPendingBatches, a.Pending())

	a.mu.Lock()
	first := a.pending[0].snap.DeviceID
	a.mu.Unlock()

	assert.Equal(t, "d5", first)
}

func TestAddCopiesSnapshot(t *testing.T) {
	a := newTestArchive(t, &fakeExecutor{}, 10)

	snap := testSnapshot("a")
	a.Add(snap)
	snap.Metrics["temperature"] = 1

	a.mu.Lock()
	defer a.mu.Unlock()

	assert.InDelta(t, 72.0, a.pending[0].snap.Metrics["temperature"], 0)
}

func TestRunFlushesFullBatchAndOnShutdown(t *testing.T) {
	exec := &fakeExecutor{}
	a := newTestArchive(t, exec, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		a.Run(ctx)
		close(done)
	}()

	a.Add(testSnapshot("a"))
	a.Add(testSnapshot("b"))

	require.Eventually(t, func() bool { return exec.batchCount() == 1 }, time.Second, time.Millisecond)

	a.Add(testSnapshot("c"))
	cancel()
	<-done

	assert.Equal(t, 2, exec.batchCount())
	assert.Equal(t, 0, a.Pending())
}

func TestLoadLatest(t *testing.T) {
	rows := &fakeRows{data: []archivedValues{
		{deviceID: "a", name: "A", kind: "truck", status: "critical", metrics: map[string]float64{"temperature": 95},
			lat: 1, lon: 2, alt: 3, lastUpdated: 42},
		{deviceID: "b", name: "B", kind: "drill", status: "bogus"},
		{deviceID: "c", name: "C", kind: "dozer", status: "offline", stale: true},
	}}
	exec := &fakeExecutor{rows: rows}
	a := newTestArchive(t, exec, 0)

	got, err := a.LoadLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "a", got[0].DeviceID)
	assert.Equal(t, models.StatusCritical, got[0].Status)
	assert.Equal(t, models.KindTruck, got[0].Kind)
	assert.Equal(t, models.Location{Lat: 1, Lon: 2, AltMeters: 3}, got[0].Location)
	assert.Equal(t, int64(42), got[0].LastUpdated)

	assert.Equal(t, "c", got[1].DeviceID)
	assert.NotNil(t, got[1].Metrics)
	assert.True(t, got[1].IsStale)

	assert.Contains(t, exec.query, "DISTINCT ON (device_id)")
	assert.True(t, rows.closed)
}

func TestLoadLatestRowsError(t *testing.T) {
	exec := &fakeExecutor{rows: &fakeRows{err: errBoom}}
	a := newTestArchive(t, exec, 0)

	_, err := a.LoadLatest(context.Background())
	require.ErrorIs(t, err, errBoom)
}
