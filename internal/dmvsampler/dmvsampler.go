// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dmvsampler is the Relational DMV Sampler (C5): at a configurable
// interval it opens a short-lived connection, issues a fixed set of
// diagnostic queries, derives rate fields from cumulative counters, and
// emits one sample (spec §4.5). The cumulative-to-rate derivation and its
// clamp-to-zero-on-reset handling are grounded on other_examples'
// relational-orm.go's ComputeDerivedRates/rate/delta helpers; the reconnect
// path is grounded on the teacher's internal/intake/worker.go
// backoff.Retry usage.
package dmvsampler

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/antimetal/scenariotel/internal/store"
)

// cumulative holds the monotonically growing counters tracked across ticks,
// per instance (not per-pid), plus the wall-clock time they were last read.
type cumulative struct {
	reads        int64
	readStallMS  int64
	readBytes    int64
	writes       int64
	writeStallMS int64
	writeBytes   int64
	observedAt   time.Time
	haveBaseline bool
}

// scalarSnapshot is the non-cumulative per-tick reading.
type scalarSnapshot struct {
	activeRequests  int64
	blockedRequests int64
	userConnections int64
	runningSessions int64
	topWaitType     string
	topWaitMS       float64
	totalWaitMS     float64
}

const (
	queryIOTotals = `
SELECT
  ISNULL(SUM(num_of_reads), 0),
  ISNULL(SUM(io_stall_read_ms), 0),
  ISNULL(SUM(num_of_bytes_read), 0),
  ISNULL(SUM(num_of_writes), 0),
  ISNULL(SUM(io_stall_write_ms), 0),
  ISNULL(SUM(num_of_bytes_written), 0)
FROM sys.dm_io_virtual_file_stats(NULL, NULL)`

	queryRequests = `
SELECT
  SUM(CASE WHEN blocking_session_id = 0 THEN 1 ELSE 0 END),
  SUM(CASE WHEN blocking_session_id <> 0 THEN 1 ELSE 0 END)
FROM sys.dm_exec_requests`

	querySessions = `
SELECT
  SUM(CASE WHEN is_user_process = 1 THEN 1 ELSE 0 END),
  SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END)
FROM sys.dm_exec_sessions`

	queryTopWait = `
SELECT TOP 1 wait_type, wait_time_ms
FROM sys.dm_os_wait_stats
WHERE wait_time_ms > 0
ORDER BY wait_time_ms DESC`

	queryTotalWait = `SELECT ISNULL(SUM(wait_time_ms), 0) FROM sys.dm_os_wait_stats`
)

// Sampler polls one SQL Server instance's dynamic management views.
type Sampler struct {
	logger   logr.Logger
	st       *store.Store
	runID    int64
	connStr  string
	interval time.Duration

	mu  sync.Mutex
	db  *sql.DB
	cum cumulative

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(logger logr.Logger, st *store.Store, runID int64, connStr string, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{
		logger:   logger.WithName("dmvsampler"),
		st:       st,
		runID:    runID,
		connStr:  connStr,
		interval: interval,
	}
}

// Start launches the polling loop.
func (s *Sampler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop()
}

func (s *Sampler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			// The background task catches exceptions to avoid terminating
			// the run; tick() never panics nor returns an error by design.
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	db, err := s.connection()
	if err != nil {
		s.logger.Info("dmv sampler connection unavailable, skipping tick", "error", err.Error())
		return
	}

	sample, err := s.readSample(s.ctx, db)
	if err != nil {
		s.logger.Info("dmv query failed, skipping emission", "error", err.Error())
		return
	}

	if _, err := s.st.InsertDMVSample(sample); err != nil {
		s.logger.Error(err, "failed to write dmv sample")
	}
}

// connection returns a live *sql.DB, (re)connecting with backoff if needed.
func (s *Sampler) connection() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		if err := s.db.PingContext(s.ctx); err == nil {
			return s.db, nil
		}
		_ = s.db.Close()
		s.db = nil
	}

	db, err := backoff.Retry(s.ctx, func() (*sql.DB, error) {
		db, err := sql.Open("sqlserver", s.connStr)
		if err != nil {
			return nil, err
		}
		if err := db.PingContext(s.ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return db, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, err
	}
	s.db = db
	return db, nil
}

func (s *Sampler) readSample(ctx context.Context, db *sql.DB) (store.DMVSample, error) {
	now := time.Now().UTC()

	var reads, readStallMS, readBytes, writes, writeStallMS, writeBytes int64
	if err := db.QueryRowContext(ctx, queryIOTotals).Scan(
		&reads, &readStallMS, &readBytes, &writes, &writeStallMS, &writeBytes,
	); err != nil {
		return store.DMVSample{}, err
	}

	var scalars scalarSnapshot
	if err := db.QueryRowContext(ctx, queryRequests).Scan(&scalars.activeRequests, &scalars.blockedRequests); err != nil {
		return store.DMVSample{}, err
	}
	if err := db.QueryRowContext(ctx, querySessions).Scan(&scalars.userConnections, &scalars.runningSessions); err != nil {
		return store.DMVSample{}, err
	}
	var topWaitType sql.NullString
	var topWaitMS sql.NullFloat64
	if err := db.QueryRowContext(ctx, queryTopWait).Scan(&topWaitType, &topWaitMS); err != nil && err != sql.ErrNoRows {
		return store.DMVSample{}, err
	}
	scalars.topWaitType = topWaitType.String
	scalars.topWaitMS = topWaitMS.Float64
	if err := db.QueryRowContext(ctx, queryTotalWait).Scan(&scalars.totalWaitMS); err != nil {
		return store.DMVSample{}, err
	}

	cur := cumulative{
		reads: reads, readStallMS: readStallMS, readBytes: readBytes,
		writes: writes, writeStallMS: writeStallMS, writeBytes: writeBytes,
		observedAt: now, haveBaseline: true,
	}

	s.mu.Lock()
	prev := s.cum
	s.cum = cur
	s.mu.Unlock()

	readStallPerRead, writeStallPerWrite, readBytesPerSec, writeBytesPerSec := deriveRates(prev, cur)

	return store.DMVSample{
		RunID:                s.runID,
		Timestamp:            now,
		ActiveRequests:       scalars.activeRequests,
		BlockedRequests:      scalars.blockedRequests,
		UserConnections:      scalars.userConnections,
		RunningSessions:      scalars.runningSessions,
		TopWaitType:          scalars.topWaitType,
		TopWaitMS:            scalars.topWaitMS,
		TotalWaitMS:          scalars.totalWaitMS,
		ReadStallMSPerRead:   readStallPerRead,
		WriteStallMSPerWrite: writeStallPerWrite,
		ReadBytesPerSec:      readBytesPerSec,
		WriteBytesPerSec:     writeBytesPerSec,
	}, nil
}

// delta is the cumulative-counter difference, clamped to zero on any
// decrease (an instance restart resets SQL Server's DMV counters).
func delta(prev, cur int64) int64 {
	if cur >= prev {
		return cur - prev
	}
	return 0
}

// deriveRates computes the per-interval rate fields from two cumulative
// readings. On the first tick prev is the zero-valued cumulative (no prior
// reading exists), so the deltas below are taken against zero; per spec
// §4.5, the sampler accepts that this first rate row may be unusually
// large rather than suppressing it.
func deriveRates(prev, cur cumulative) (readStallPerRead, writeStallPerWrite, readBytesPerSec, writeBytesPerSec float64) {
	dt := cur.observedAt.Sub(prev.observedAt).Seconds()
	if !prev.haveBaseline || dt < 1 {
		dt = 1
	}

	dReads := delta(prev.reads, cur.reads)
	dWrites := delta(prev.writes, cur.writes)
	if dReads > 0 {
		readStallPerRead = float64(delta(prev.readStallMS, cur.readStallMS)) / float64(dReads)
	}
	if dWrites > 0 {
		writeStallPerWrite = float64(delta(prev.writeStallMS, cur.writeStallMS)) / float64(dWrites)
	}
	readBytesPerSec = float64(delta(prev.readBytes, cur.readBytes)) / dt
	writeBytesPerSec = float64(delta(prev.writeBytes, cur.writeBytes)) / dt
	return
}

// Stop terminates the polling loop and closes the connection.
func (s *Sampler) Stop() {
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
	case <-time.After(time.Second):
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}
}
