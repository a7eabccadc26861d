// UMP is an OGC API Processes federation gateway.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store is the durable job repository backed by SQLite. It owns the
// jobs table, the append-only status history, and the settings table that
// tracks the schema version.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ump/pkg/gateway"
	"ump/pkg/ogc"

	_ "modernc.org/sqlite"
)

// schemaVersion is bumped whenever migrations gains a new batch.
const schemaVersion = 1

// migrations holds one statement batch per schema version, applied in order
// starting after the stored version.
var migrations = [][]string{
	{
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			remote_job_id TEXT NOT NULL DEFAULT '',
			remote_status_url TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			status_info TEXT NOT NULL,
			inputs TEXT,
			results TEXT,
			created DATETIME NOT NULL,
			started DATETIME,
			finished DATETIME,
			updated DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_process_id ON jobs(process_id)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_provider ON jobs(provider)`,
		`CREATE TABLE IF NOT EXISTS job_status_history (
			job_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			observed_at DATETIME NOT NULL,
			snapshot TEXT NOT NULL,
			PRIMARY KEY (job_id, seq),
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
	},
}

// Store wraps the database connection and provides job persistence. All
// mutations serialize per job id.
type Store struct {
	conn *sql.DB
	log  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lockJob returns the mutex serializing mutations for one job id.
func (s *Store) lockJob(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// New opens (or creates) the database at dbPath. WAL mode keeps the poll
// loops' writes from blocking API reads.
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	conn, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{conn: conn, log: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping reports whether the database is reachable. The health endpoint uses
// it.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Migrate applies pending schema batches and records the new version.
func (s *Store) Migrate(ctx context.Context) error {
	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}
	s.log.Info("running database migrations", "from", current, "to", schemaVersion)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for v := current; v < schemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute migration for version %d: %w", v+1, err)
			}
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		fmt.Sprint(schemaVersion)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return tx.Commit()
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var exists int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'settings'`).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect schema: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}
	var value string
	err = s.conn.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(value, "%d", &v); err != nil {
		return 0, fmt.Errorf("malformed schema version %q: %w", value, err)
	}
	return v, nil
}

const jobColumns = `id, process_id, provider, remote_job_id, remote_status_url,
	status, status_info, inputs, results, created, started, finished, updated`

// CreateJob persists a freshly minted job.
func (s *Store) CreateJob(ctx context.Context, job *gateway.Job) error {
	info, err := json.Marshal(job.StatusInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal status info: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProcessID, job.Provider, job.RemoteJobID, job.RemoteStatusURL,
		string(job.Status), string(info), rawOrNil(job.Inputs), rawOrNil(job.Results),
		job.Created, nullTime(job.Started), nullTime(job.Finished), job.Updated)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob returns the job with the given id, or gateway.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*gateway.Job, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", id, gateway.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// UpdateJob persists the mutable fields of an existing job. ID, created,
// process id and provider are never rewritten.
func (s *Store) UpdateJob(ctx context.Context, job *gateway.Job) error {
	l := s.lockJob(job.ID)
	l.Lock()
	defer l.Unlock()

	info, err := json.Marshal(job.StatusInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal status info: %w", err)
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE jobs SET remote_job_id = ?, remote_status_url = ?, status = ?,
			status_info = ?, results = ?, started = ?, finished = ?, updated = ?
		 WHERE id = ?`,
		job.RemoteJobID, job.RemoteStatusURL, string(job.Status),
		string(info), rawOrNil(job.Results),
		nullTime(job.Started), nullTime(job.Finished), job.Updated, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, gateway.ErrNotFound)
	}
	return nil
}

// MarkFailed moves a job to the terminal failed state with a diagnostic
// message. Jobs already terminal are returned unchanged; terminal states
// are immutable.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) (*gateway.Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return job, nil
	}

	now := time.Now().UTC()
	job.Status = ogc.StatusFailed
	job.StatusInfo.Status = ogc.StatusFailed
	job.StatusInfo.Message = reason
	if job.Started == nil {
		job.Started = &now
	}
	job.Finished = &now
	job.StatusInfo.Finished = &now
	job.Updated = now
	if err := s.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter gateway.JobFilter) ([]gateway.Job, error) {
	var where []string
	var args []any
	if len(filter.Status) > 0 {
		marks := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, filter.ProcessID)
	}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []gateway.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListNonTerminal returns every accepted or running job. The startup resume
// path decides which of them are pollable.
func (s *Store) ListNonTerminal(ctx context.Context) ([]gateway.Job, error) {
	return s.ListJobs(ctx, gateway.JobFilter{
		Status: []ogc.StatusCode{ogc.StatusAccepted, ogc.StatusRunning},
	})
}

// AppendStatus appends a history entry unless the snapshot is identical to
// the job's latest recorded one. It reports whether an entry was written.
// Seq is strictly increasing per job.
func (s *Store) AppendStatus(ctx context.Context, jobID string, observedAt time.Time, snapshot ogc.StatusInfo) (bool, error) {
	l := s.lockJob(jobID)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last string
	err = tx.QueryRowContext(ctx,
		`SELECT snapshot FROM job_status_history WHERE job_id = ? ORDER BY seq DESC LIMIT 1`,
		jobID).Scan(&last)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to read latest snapshot: %w", err)
	}
	if err == nil {
		var prev ogc.StatusInfo
		if uerr := json.Unmarshal([]byte(last), &prev); uerr == nil && prev.Equal(snapshot) {
			return false, nil
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_status_history (job_id, seq, observed_at, snapshot)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_status_history WHERE job_id = ?), ?, ?)`,
		jobID, jobID, observedAt, string(data))
	if err != nil {
		return false, fmt.Errorf("failed to append status history: %w", err)
	}
	return true, tx.Commit()
}

// ListStatusHistory returns a job's history entries in seq order.
func (s *Store) ListStatusHistory(ctx context.Context, jobID string) ([]gateway.StatusHistoryEntry, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT job_id, seq, observed_at, snapshot FROM job_status_history WHERE job_id = ? ORDER BY seq`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query status history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []gateway.StatusHistoryEntry
	for rows.Next() {
		var e gateway.StatusHistoryEntry
		var snapshot string
		if err := rows.Scan(&e.JobID, &e.Seq, &e.ObservedAt, &snapshot); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
			return nil, fmt.Errorf("malformed snapshot for job %s seq %d: %w", e.JobID, e.Seq, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*gateway.Job, error) {
	var job gateway.Job
	var status, info string
	var inputs, results sql.NullString
	var started, finished sql.NullTime
	err := row.Scan(&job.ID, &job.ProcessID, &job.Provider, &job.RemoteJobID, &job.RemoteStatusURL,
		&status, &info, &inputs, &results, &job.Created, &started, &finished, &job.Updated)
	if err != nil {
		return nil, err
	}
	job.Status = ogc.StatusCode(status)
	if err := json.Unmarshal([]byte(info), &job.StatusInfo); err != nil {
		return nil, fmt.Errorf("malformed status info for job %s: %w", job.ID, err)
	}
	if inputs.Valid {
		job.Inputs = json.RawMessage(inputs.String)
	}
	if results.Valid {
		job.Results = json.RawMessage(results.String)
	}
	if started.Valid {
		t := started.Time
		job.Started = &t
	}
	if finished.Valid {
		t := finished.Time
		job.Finished = &t
	}
	return &job, nil
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
