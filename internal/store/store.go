// Package store is the worker's handle onto the external wide-column store
// that spec.md treats as opaque ("any wide-column or relational store with
// range scans and batch inserts is acceptable", spec.md §6). It is backed
// concretely by modernc.org/sqlite — a pure-Go, CGo-free driver grounded in
// the retrieval pack's thobiasn-tori-cli and getployz-ployz modules — which
// gives prepared statements, batch writes, and IN-list range queries on a
// clustering key, the properties the spec requires and the teacher's own
// BoltDB key-value store cannot provide (see DESIGN.md).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Gioppix/uptime-monitor/internal/domain"
	"github.com/Gioppix/uptime-monitor/internal/region"
)

const schema = `
CREATE TABLE IF NOT EXISTS workers_heartbeats (
	region             TEXT    NOT NULL,
	time_bucket_minutes INTEGER NOT NULL,
	timestamp          INTEGER NOT NULL,
	process_id         TEXT    NOT NULL,
	position           INTEGER NOT NULL,
	address            TEXT    NOT NULL,
	PRIMARY KEY (region, time_bucket_minutes, timestamp, process_id)
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_region_bucket ON workers_heartbeats(region, time_bucket_minutes);

CREATE TABLE IF NOT EXISTS workers_metadata (
	process_id TEXT PRIMARY KEY,
	replica_id TEXT NOT NULL,
	git_sha    TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS checks (
	region                  TEXT    NOT NULL,
	bucket_version          INTEGER NOT NULL,
	bucket                  INTEGER NOT NULL,
	check_id                TEXT    NOT NULL,
	name                    TEXT    NOT NULL,
	url                     TEXT    NOT NULL,
	http_method             TEXT    NOT NULL,
	check_frequency_seconds INTEGER NOT NULL,
	timeout_seconds         INTEGER NOT NULL,
	expected_status_code    INTEGER NOT NULL,
	request_headers         TEXT    NOT NULL DEFAULT '{}',
	request_body            TEXT,
	is_enabled              INTEGER NOT NULL DEFAULT 1,
	created_at              INTEGER NOT NULL,
	PRIMARY KEY (region, bucket_version, bucket, check_id)
);
CREATE INDEX IF NOT EXISTS idx_checks_lookup ON checks(region, bucket_version, check_id);

CREATE TABLE IF NOT EXISTS check_results (
	service_check_id      TEXT    NOT NULL,
	region                TEXT    NOT NULL,
	day                   TEXT    NOT NULL,
	check_started_at      INTEGER NOT NULL,
	result_id             TEXT    NOT NULL,
	response_time_micros  INTEGER NOT NULL,
	status_code           INTEGER,
	matches_expected      INTEGER NOT NULL,
	response_body_fetched INTEGER NOT NULL DEFAULT 0,
	response_body         TEXT,
	PRIMARY KEY (service_check_id, region, day, check_started_at, result_id)
);

CREATE TABLE IF NOT EXISTS check_results_hourly (
	service_check_id     TEXT    NOT NULL,
	region               TEXT    NOT NULL,
	period_start         INTEGER NOT NULL,
	successful_checks    INTEGER NOT NULL,
	failed_checks        INTEGER NOT NULL,
	avg_response_micros  REAL    NOT NULL,
	min_response_micros  INTEGER NOT NULL,
	max_response_micros  INTEGER NOT NULL,
	p50_response_micros  REAL    NOT NULL,
	p95_response_micros  REAL    NOT NULL,
	p99_response_micros  REAL    NOT NULL,
	uptime_percent       REAL    NOT NULL,
	computed_at          INTEGER NOT NULL,
	PRIMARY KEY (service_check_id, region, period_start)
);

CREATE TABLE IF NOT EXISTS check_results_daily (
	service_check_id     TEXT    NOT NULL,
	region               TEXT    NOT NULL,
	period_start         INTEGER NOT NULL,
	successful_checks    INTEGER NOT NULL,
	failed_checks        INTEGER NOT NULL,
	avg_response_micros  REAL    NOT NULL,
	min_response_micros  INTEGER NOT NULL,
	max_response_micros  INTEGER NOT NULL,
	p50_response_micros  REAL    NOT NULL,
	p95_response_micros  REAL    NOT NULL,
	p99_response_micros  REAL    NOT NULL,
	uptime_percent       REAL    NOT NULL,
	computed_at          INTEGER NOT NULL,
	PRIMARY KEY (service_check_id, region, period_start)
);
`

// Store is the worker's handle onto the backing database.
type Store struct {
	db *sql.DB

	// cachePreparedStatements mirrors the original implementation's
	// per-process lazy prepare-once slot; disabled in tests so each test
	// gets a fresh, independently-migrated database (see prepared).
	cachePreparedStatements bool

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

// Open creates or opens a SQLite-backed store at path. concurrentRequests
// configures the connection pool ceiling so batch query fan-out
// (DATABASE_CONCURRENT_REQUESTS) has enough connections to actually run
// concurrently.
func Open(path string, concurrentRequests int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(concurrentRequests + 1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:                      db,
		cachePreparedStatements: true,
		stmts:                   make(map[string]*sql.Stmt),
	}, nil
}

// OpenForTest opens an in-memory store with the prepared-statement cache
// disabled, matching the original implementation's testing mode.
func OpenForTest() (*Store, error) {
	s, err := Open(":memory:", 4)
	if err != nil {
		return nil, err
	}
	s.cachePreparedStatements = false
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// prepared returns a cached *sql.Stmt for query, preparing it once per
// process lifetime (disabled in tests). Callers must not close the
// returned statement.
func (s *Store) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	if !s.cachePreparedStatements {
		return s.db.PrepareContext(ctx, query)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	s.stmts[query] = stmt
	return stmt, nil
}

// --- Heartbeats ---

const insertHeartbeatQuery = `
INSERT OR REPLACE INTO workers_heartbeats
	(region, time_bucket_minutes, timestamp, process_id, position, address)
VALUES (?, ?, ?, ?, ?, ?)`

// InsertHeartbeat writes one heartbeat row (component B's publisher).
func (s *Store) InsertHeartbeat(ctx context.Context, hb domain.Heartbeat) error {
	stmt, err := s.prepared(ctx, insertHeartbeatQuery)
	if err != nil {
		return fmt.Errorf("prepare insert heartbeat: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}
	_, err = stmt.ExecContext(ctx,
		string(hb.Region), hb.TimeBucketMinutes, hb.Timestamp.Unix(),
		hb.ProcessID.String(), hb.Position, hb.SocketAddress)
	return err
}

const fetchHeartbeatsQuery = `
SELECT timestamp, process_id, position, address
FROM workers_heartbeats
WHERE region = ? AND time_bucket_minutes = ? AND timestamp >= ?`

// FetchHeartbeatsSince returns every heartbeat row for region in
// timeBucketMinutes whose timestamp is >= since. Rows whose process_id does
// not parse are skipped here. Position and address are returned as stored;
// the heartbeat package logs and skips rows with a negative position or an
// unparseable address rather than failing the whole fetch.
func (s *Store) FetchHeartbeatsSince(ctx context.Context, reg region.Region, timeBucketMinutes int64, since time.Time) ([]domain.Heartbeat, error) {
	stmt, err := s.prepared(ctx, fetchHeartbeatsQuery)
	if err != nil {
		return nil, fmt.Errorf("prepare fetch heartbeats: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}

	rows, err := stmt.QueryContext(ctx, string(reg), timeBucketMinutes, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	var out []domain.Heartbeat
	for rows.Next() {
		var ts int64
		var processIDStr, address string
		var position int
		if err := rows.Scan(&ts, &processIDStr, &position, &address); err != nil {
			return nil, fmt.Errorf("scan heartbeat row: %w", err)
		}
		processID, err := uuid.Parse(processIDStr)
		if err != nil {
			continue // malformed row, skip (spec §4.B, §7 Malformed-row)
		}
		out = append(out, domain.Heartbeat{
			ProcessID:         processID,
			Position:          position,
			Region:            reg,
			SocketAddress:     address,
			Timestamp:         time.Unix(ts, 0).UTC(),
			TimeBucketMinutes: timeBucketMinutes,
		})
	}
	return out, rows.Err()
}

// --- Worker metadata ---

const upsertWorkerMetadataQuery = `
INSERT INTO workers_metadata (process_id, replica_id, git_sha)
VALUES (?, ?, ?)
ON CONFLICT(process_id) DO UPDATE SET replica_id = excluded.replica_id, git_sha = excluded.git_sha`

func (s *Store) UpsertWorkerMetadata(ctx context.Context, processID uuid.UUID, replicaID, gitSHA string) error {
	stmt, err := s.prepared(ctx, upsertWorkerMetadataQuery)
	if err != nil {
		return fmt.Errorf("prepare upsert worker metadata: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}
	_, err = stmt.ExecContext(ctx, processID.String(), replicaID, gitSHA)
	return err
}

// --- Checks ---

const upsertCheckQuery = `
INSERT INTO checks
	(region, bucket_version, bucket, check_id, name, url, http_method,
	 check_frequency_seconds, timeout_seconds, expected_status_code,
	 request_headers, request_body, is_enabled, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(region, bucket_version, bucket, check_id) DO UPDATE SET
	name = excluded.name, url = excluded.url, http_method = excluded.http_method,
	check_frequency_seconds = excluded.check_frequency_seconds,
	timeout_seconds = excluded.timeout_seconds,
	expected_status_code = excluded.expected_status_code,
	request_headers = excluded.request_headers, request_body = excluded.request_body,
	is_enabled = excluded.is_enabled`

// UpsertCheck writes one ServiceCheck row keyed by (region, bucket_version,
// bucket, check_id), per spec.md §3/§6.
func (s *Store) UpsertCheck(ctx context.Context, bucketVersion int16, ringSize int, c domain.ServiceCheck) error {
	stmt, err := s.prepared(ctx, upsertCheckQuery)
	if err != nil {
		return fmt.Errorf("prepare upsert check: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}

	headers, err := json.Marshal(c.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	bucket := domain.Bucket(c.CheckID, ringSize)

	_, err = stmt.ExecContext(ctx,
		string(c.Region), bucketVersion, bucket, c.CheckID.String(), c.CheckName,
		c.URL, string(c.HTTPMethod), c.CheckFrequencySeconds, c.TimeoutSeconds,
		c.ExpectedStatusCode, string(headers), c.RequestBody, boolToInt(c.IsEnabled),
		c.CreatedAt.Unix())
	return err
}

const fetchChecksForBucketQuery = `
SELECT check_id, name, url, http_method, check_frequency_seconds,
       timeout_seconds, expected_status_code, request_headers, request_body,
       is_enabled, created_at
FROM checks
WHERE region = ? AND bucket_version = ? AND bucket = ?`

// FetchChecksForBucket returns every check in one (region, bucket_version,
// bucket) partition (component E's range-sync activity, one call per
// bucket in the owned range).
func (s *Store) FetchChecksForBucket(ctx context.Context, reg region.Region, bucketVersion int16, bucket int) ([]domain.ServiceCheck, error) {
	stmt, err := s.prepared(ctx, fetchChecksForBucketQuery)
	if err != nil {
		return nil, fmt.Errorf("prepare fetch checks for bucket: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}

	rows, err := stmt.QueryContext(ctx, string(reg), bucketVersion, bucket)
	if err != nil {
		return nil, fmt.Errorf("query checks: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows, reg)
}

// FetchChecksByIDs returns the authoritative rows for the given check IDs
// in one region (component E's mutation-sync activity). Uses a single
// IN-list query rather than one query per ID.
func (s *Store) FetchChecksByIDs(ctx context.Context, reg region.Region, ids []uuid.UUID) ([]domain.ServiceCheck, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(reg))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id.String())
	}

	query := fmt.Sprintf(`
SELECT check_id, name, url, http_method, check_frequency_seconds,
       timeout_seconds, expected_status_code, request_headers, request_body,
       is_enabled, created_at
FROM checks
WHERE region = ? AND check_id IN (%s)`, string(placeholders))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checks by id: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows, reg)
}

func scanChecks(rows *sql.Rows, reg region.Region) ([]domain.ServiceCheck, error) {
	var out []domain.ServiceCheck
	for rows.Next() {
		var idStr, name, url, method, headersJSON string
		var freq, timeout, expected int
		var body *string
		var enabled int
		var createdAt int64

		if err := rows.Scan(&idStr, &name, &url, &method, &freq, &timeout,
			&expected, &headersJSON, &body, &enabled, &createdAt); err != nil {
			return nil, fmt.Errorf("scan check row: %w", err)
		}

		id, err := uuid.Parse(idStr)
		if err != nil {
			continue // malformed row
		}
		var headers map[string]string
		if err := json.Unmarshal([]byte(headersJSON), &headers); err != nil {
			continue // malformed row
		}

		out = append(out, domain.ServiceCheck{
			CheckID:               id,
			Region:                reg,
			CheckName:             name,
			URL:                   url,
			HTTPMethod:            domain.Method(method),
			CheckFrequencySeconds: freq,
			TimeoutSeconds:        timeout,
			ExpectedStatusCode:    expected,
			RequestHeaders:        headers,
			RequestBody:           body,
			IsEnabled:             enabled != 0,
			CreatedAt:             time.Unix(createdAt, 0).UTC(),
		})
	}
	return out, rows.Err()
}

// --- Check results ---

const insertCheckResultQuery = `
INSERT OR REPLACE INTO check_results
	(service_check_id, region, day, check_started_at, result_id,
	 response_time_micros, status_code, matches_expected,
	 response_body_fetched, response_body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertCheckResult writes one probe result (component E's ingest queue).
func (s *Store) InsertCheckResult(ctx context.Context, r domain.CheckResult) error {
	stmt, err := s.prepared(ctx, insertCheckResultQuery)
	if err != nil {
		return fmt.Errorf("prepare insert result: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}

	_, err = stmt.ExecContext(ctx,
		r.CheckID.String(), string(r.Region), r.Day.Format("2006-01-02"),
		r.CheckStartedAt.UnixMicro(), r.ResultID.String(), r.ResponseTimeMicros,
		r.StatusCode, boolToInt(r.MatchesExpected), boolToInt(r.ResponseBodyFetched),
		r.ResponseBody)
	return err
}

const fetchRawResultsQuery = `
SELECT check_started_at, result_id, response_time_micros, status_code,
       matches_expected, response_body_fetched
FROM check_results
WHERE service_check_id = ? AND region = ? AND day = ?
ORDER BY check_started_at ASC`

// FetchRawResults returns every result row for (checkID, region, day),
// ascending by check_started_at (component G's range-metrics input).
func (s *Store) FetchRawResults(ctx context.Context, checkID uuid.UUID, reg region.Region, day time.Time) ([]domain.CheckResult, error) {
	stmt, err := s.prepared(ctx, fetchRawResultsQuery)
	if err != nil {
		return nil, fmt.Errorf("prepare fetch results: %w", err)
	}
	if !s.cachePreparedStatements {
		defer stmt.Close()
	}

	rows, err := stmt.QueryContext(ctx, checkID.String(), string(reg), day.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []domain.CheckResult
	for rows.Next() {
		var startedAtMicro int64
		var resultIDStr string
		var respMicros int64
		var statusCode *int
		var matches, fetched int
		if err := rows.Scan(&startedAtMicro, &resultIDStr, &respMicros, &statusCode, &matches, &fetched); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		resultID, err := uuid.Parse(resultIDStr)
		if err != nil {
			continue
		}
		out = append(out, domain.CheckResult{
			ResultID:            resultID,
			CheckID:             checkID,
			Region:              reg,
			Day:                 day,
			CheckStartedAt:      time.UnixMicro(startedAtMicro).UTC(),
			ResponseTimeMicros:  respMicros,
			StatusCode:          statusCode,
			MatchesExpected:     matches != 0,
			ResponseBodyFetched: fetched != 0,
		})
	}
	return out, rows.Err()
}

// --- Rollups ---

func rollupTable(g domain.Granularity) string {
	if g == domain.GranularityDaily {
		return "check_results_daily"
	}
	return "check_results_hourly"
}

// FetchRollup reads one pre-aggregated bucket, returning ok=false on a
// cache miss (component G's graph-metrics step 1).
func (s *Store) FetchRollup(ctx context.Context, g domain.Granularity, checkID uuid.UUID, reg region.Region, periodStart time.Time) (domain.Rollup, bool, error) {
	query := fmt.Sprintf(`
SELECT successful_checks, failed_checks, avg_response_micros, min_response_micros,
       max_response_micros, p50_response_micros, p95_response_micros,
       p99_response_micros, uptime_percent, computed_at
FROM %s WHERE service_check_id = ? AND region = ? AND period_start = ?`, rollupTable(g))

	row := s.db.QueryRowContext(ctx, query, checkID.String(), string(reg), periodStart.Unix())

	var r domain.Rollup
	var computedAt int64
	err := row.Scan(&r.Successful, &r.Failed, &r.AvgResponseMicros, &r.MinResponseMicros,
		&r.MaxResponseMicros, &r.P50ResponseMicros, &r.P95ResponseMicros,
		&r.P99ResponseMicros, &r.UptimePercent, &computedAt)
	if err == sql.ErrNoRows {
		return domain.Rollup{}, false, nil
	}
	if err != nil {
		return domain.Rollup{}, false, fmt.Errorf("query rollup: %w", err)
	}

	r.CheckID = checkID
	r.Region = reg
	r.PeriodStart = periodStart
	r.ComputedAt = time.Unix(computedAt, 0).UTC()
	return r, true, nil
}

// InsertRollup writes back a completed bucket's rollup, idempotent on
// (check_id, region, period_start) per spec.md §3.
func (s *Store) InsertRollup(ctx context.Context, g domain.Granularity, r domain.Rollup) error {
	query := fmt.Sprintf(`
INSERT INTO %s
	(service_check_id, region, period_start, successful_checks, failed_checks,
	 avg_response_micros, min_response_micros, max_response_micros,
	 p50_response_micros, p95_response_micros, p99_response_micros,
	 uptime_percent, computed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(service_check_id, region, period_start) DO UPDATE SET
	successful_checks = excluded.successful_checks,
	failed_checks = excluded.failed_checks,
	avg_response_micros = excluded.avg_response_micros,
	min_response_micros = excluded.min_response_micros,
	max_response_micros = excluded.max_response_micros,
	p50_response_micros = excluded.p50_response_micros,
	p95_response_micros = excluded.p95_response_micros,
	p99_response_micros = excluded.p99_response_micros,
	uptime_percent = excluded.uptime_percent,
	computed_at = excluded.computed_at`, rollupTable(g))

	_, err := s.db.ExecContext(ctx, query,
		r.CheckID.String(), string(r.Region), r.PeriodStart.Unix(), r.Successful,
		r.Failed, r.AvgResponseMicros, r.MinResponseMicros, r.MaxResponseMicros,
		r.P50ResponseMicros, r.P95ResponseMicros, r.P99ResponseMicros,
		r.UptimePercent, r.ComputedAt.Unix())
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
