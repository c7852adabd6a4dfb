// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package sqlite is the Coordinator's SQLite dialect of the repository
// layer (C1), grounded on the teacher's internal/persistence/sqlite (DSN
// construction, WAL + busy_timeout PRAGMAs) and internal/pipeline/scan's
// PRAGMA-user_version migration gate. jobs_assign_one here performs the
// optimistic-retry fallback described in spec.md §4.1 rather than
// SELECT ... FOR UPDATE SKIP LOCKED, which modernc.org/sqlite (and SQLite
// itself) does not support.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/brwyatt/dffmpeg/internal/model"
	"github.com/brwyatt/dffmpeg/internal/store"
)

// Config defines SQLite connection parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns sane defaults for a single-process Coordinator.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 1, // a single writer conn avoids SQLITE_BUSY on the hot assign path
	}
}

// Store is a database/sql-backed store.Store implementation for SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and migrates it
// to the current schema version.
func Open(path string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// --- Identity ---

func (s *Store) IdentityPut(ctx context.Context, id *model.Identity) error {
	cidrs := marshalJSON(id.AllowedCIDRs)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (client_id, role, hmac_key, key_algorithm, key_id, allowed_cidrs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			role=excluded.role, hmac_key=excluded.hmac_key, key_algorithm=excluded.key_algorithm,
			key_id=excluded.key_id, allowed_cidrs=excluded.allowed_cidrs`,
		id.ClientID, string(id.Role), id.HMACKeyStored, id.KeyAlgorithm, id.KeyID, cidrs, unixOrZero(id.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: identity_put: %w", err)
	}
	return nil
}

func (s *Store) IdentityGet(ctx context.Context, clientID string) (*model.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, role, hmac_key, key_algorithm, key_id, allowed_cidrs, created_at
		FROM identities WHERE client_id = ?`, clientID)

	var id model.Identity
	var role, cidrs string
	var createdAt int64
	if err := row.Scan(&id.ClientID, &role, &id.HMACKeyStored, &id.KeyAlgorithm, &id.KeyID, &cidrs, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: identity_get: %w", err)
	}
	id.Role = model.Role(role)
	id.CreatedAt = timeOrZero(createdAt)
	_ = json.Unmarshal([]byte(cidrs), &id.AllowedCIDRs)
	return &id, nil
}

func (s *Store) IdentityDelete(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE client_id = ?`, clientID)
	if err != nil {
		return fmt.Errorf("sqlite: identity_delete: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IdentitiesAll(ctx context.Context) ([]*model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, role, hmac_key, key_algorithm, key_id, allowed_cidrs, created_at
		FROM identities ORDER BY client_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: identities_all: %w", err)
	}
	defer rows.Close()

	var out []*model.Identity
	for rows.Next() {
		var id model.Identity
		var role, cidrs string
		var createdAt int64
		if err := rows.Scan(&id.ClientID, &role, &id.HMACKeyStored, &id.KeyAlgorithm, &id.KeyID, &cidrs, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: identities_all scan: %w", err)
		}
		id.Role = model.Role(role)
		id.CreatedAt = timeOrZero(createdAt)
		_ = json.Unmarshal([]byte(cidrs), &id.AllowedCIDRs)
		out = append(out, &id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: identities_all rows: %w", err)
	}
	return out, nil
}

// --- Worker ---

func (s *Store) WorkerRegister(ctx context.Context, workerID string, intervalS int, version string, binaries, variables []string, transportChoice string, now time.Time) (*model.Worker, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice)
		VALUES (?, 'online', ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			status='online', last_seen_at=excluded.last_seen_at, registration_interval_s=excluded.registration_interval_s,
			version=excluded.version, advertised_binaries=excluded.advertised_binaries,
			advertised_variables=excluded.advertised_variables, transport_choice=excluded.transport_choice`,
		workerID, unixOrZero(now), unixOrZero(now), intervalS, version, marshalJSON(binaries), marshalJSON(variables), transportChoice,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: worker_register: %w", err)
	}
	return s.WorkerGet(ctx, workerID)
}

func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE workers SET last_seen_at = ? WHERE worker_id = ?`, unixOrZero(now), workerID)
	if err != nil {
		return fmt.Errorf("sqlite: worker_heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrUnknownWorker
	}
	return nil
}

func (s *Store) WorkerMarkOffline(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET status = 'offline' WHERE worker_id = ?`, workerID)
	if err != nil {
		return fmt.Errorf("sqlite: worker_mark_offline: %w", err)
	}
	return nil
}

func (s *Store) scanWorker(row interface {
	Scan(dest ...any) error
}) (*model.Worker, error) {
	var w model.Worker
	var status, binaries, variables string
	var registeredAt, lastSeenAt int64
	if err := row.Scan(&w.WorkerID, &status, &registeredAt, &lastSeenAt, &w.RegistrationIntervalS, &w.Version, &binaries, &variables, &w.TransportChoice); err != nil {
		return nil, err
	}
	w.Status = model.WorkerStatus(status)
	w.RegisteredAt = timeOrZero(registeredAt)
	w.LastSeenAt = timeOrZero(lastSeenAt)
	_ = json.Unmarshal([]byte(binaries), &w.AdvertisedBinaries)
	_ = json.Unmarshal([]byte(variables), &w.AdvertisedVariables)
	return &w, nil
}

const workerColumns = `worker_id, status, registered_at, last_seen_at, registration_interval_s, version, advertised_binaries, advertised_variables, transport_choice`

func (s *Store) WorkerGet(ctx context.Context, workerID string) (*model.Worker, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE worker_id = ?`, workerID)
	w, err := s.scanWorker(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: worker_get: %w", err)
	}
	w.RunningJobIDs, _ = s.runningJobIDs(ctx, workerID)
	return w, nil
}

func (s *Store) WorkersOnline(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE status = 'online' ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: workers_online: %w", err)
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := s.scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: workers_online scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) WorkersAll(ctx context.Context) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: workers_all: %w", err)
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := s.scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: workers_all scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) WorkersStaleSince(ctx context.Context, threshold time.Time) ([]*model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE status = 'online' AND last_seen_at < ?`, unixOrZero(threshold))
	if err != nil {
		return nil, fmt.Errorf("sqlite: workers_stale: %w", err)
	}
	defer rows.Close()
	var out []*model.Worker
	for rows.Next() {
		w, err := s.scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: workers_stale scan: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	for _, w := range out {
		w.RunningJobIDs, _ = s.runningJobIDs(ctx, w.WorkerID)
	}
	return out, nil
}

func (s *Store) runningJobIDs(ctx context.Context, workerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id FROM jobs WHERE assignee_id = ? AND state IN ('assigned','running','canceling') ORDER BY job_id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Job ---

const jobColumns = `job_id, submitter_id, assignee_id, state, binary, argv, required_variables, mode,
	created_at, assigned_at, started_at, ended_at, state_entered_at, heartbeat_interval_s,
	last_heartbeat_at, last_client_heartbeat_at, exit_code, failure_kind, transport_choice`

func (s *Store) scanJob(row interface{ Scan(dest ...any) error }) (*model.Job, error) {
	var j model.Job
	var state, mode, argv, reqVars string
	var createdAt, assignedAt, startedAt, endedAt, stateEnteredAt, lastHB, lastClientHB int64
	var exitCode sql.NullInt64
	if err := row.Scan(
		&j.JobID, &j.SubmitterID, &j.AssigneeID, &state, &j.Binary, &argv, &reqVars, &mode,
		&createdAt, &assignedAt, &startedAt, &endedAt, &stateEnteredAt, &j.HeartbeatIntervalS,
		&lastHB, &lastClientHB, &exitCode, &j.FailureKind, &j.TransportChoice,
	); err != nil {
		return nil, err
	}
	j.State = model.JobState(state)
	j.Mode = model.JobMode(mode)
	j.CreatedAt = timeOrZero(createdAt)
	j.AssignedAt = timeOrZero(assignedAt)
	j.StartedAt = timeOrZero(startedAt)
	j.EndedAt = timeOrZero(endedAt)
	j.StateEnteredAt = timeOrZero(stateEnteredAt)
	j.LastHeartbeatAt = timeOrZero(lastHB)
	j.LastClientHeartbeat = timeOrZero(lastClientHB)
	_ = json.Unmarshal([]byte(argv), &j.Argv)
	_ = json.Unmarshal([]byte(reqVars), &j.RequiredVariables)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		j.ExitCode = &code
	}
	return &j, nil
}

func (s *Store) JobsSubmit(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.JobID, job.SubmitterID, job.AssigneeID, string(job.State), job.Binary,
		marshalJSON(job.Argv), marshalJSON(job.RequiredVariables), string(job.Mode),
		unixOrZero(job.CreatedAt), unixOrZero(job.AssignedAt), unixOrZero(job.StartedAt), unixOrZero(job.EndedAt),
		unixOrZero(job.StateEnteredAt), job.HeartbeatIntervalS, unixOrZero(job.LastHeartbeatAt), unixOrZero(job.LastClientHeartbeat),
		nullableExitCode(job.ExitCode), string(job.FailureKind), job.TransportChoice,
	)
	if err != nil {
		return fmt.Errorf("sqlite: jobs_submit: %w", err)
	}
	return nil
}

func nullableExitCode(code *int) any {
	if code == nil {
		return nil
	}
	return *code
}

// JobsAssignOne implements the optimistic-retry fallback for engines without
// SELECT ... FOR UPDATE SKIP LOCKED (spec.md §4.1): read candidates, attempt
// a conditional pending->assigned UPDATE, retry against the next candidate
// pair on zero-row effect (another writer won the race).
func (s *Store) JobsAssignOne(ctx context.Context, allowedBinaries []string, now time.Time) (string, string, error) {
	type pendingJob struct {
		id       string
		binary   string
		required []string
	}
	allowed := make(map[string]struct{}, len(allowedBinaries))
	for _, b := range allowedBinaries {
		allowed[b] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT job_id, binary, required_variables FROM jobs WHERE state = 'pending' ORDER BY job_id LIMIT 200`)
	if err != nil {
		return "", "", fmt.Errorf("sqlite: jobs_assign_one pending scan: %w", err)
	}
	var pending []pendingJob
	for rows.Next() {
		var pj pendingJob
		var reqVars string
		if err := rows.Scan(&pj.id, &pj.binary, &reqVars); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("sqlite: jobs_assign_one scan: %w", err)
		}
		_ = json.Unmarshal([]byte(reqVars), &pj.required)
		pending = append(pending, pj)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", "", err
	}

	online, err := s.WorkersOnline(ctx)
	if err != nil {
		return "", "", err
	}

	for _, job := range pending {
		if len(allowed) > 0 {
			if _, ok := allowed[job.binary]; !ok {
				continue
			}
		}
		var eligible []*model.Worker
		for _, w := range online {
			if !w.AdvertisesBinary(job.binary) || !w.AdvertisesAllVariables(job.required) {
				continue
			}
			eligible = append(eligible, w)
		}
		if len(eligible) == 0 {
			continue
		}
		running := make(map[string]int, len(eligible))
		for _, w := range eligible {
			ids, _ := s.runningJobIDs(ctx, w.WorkerID)
			running[w.WorkerID] = len(ids)
		}
		sort.Slice(eligible, func(i, j int) bool {
			wi, wj := eligible[i], eligible[j]
			if running[wi.WorkerID] != running[wj.WorkerID] {
				return running[wi.WorkerID] < running[wj.WorkerID]
			}
			if !wi.LastSeenAt.Equal(wj.LastSeenAt) {
				return wi.LastSeenAt.After(wj.LastSeenAt)
			}
			return wi.WorkerID < wj.WorkerID
		})

		for _, w := range eligible {
			res, err := s.db.ExecContext(ctx, `
				UPDATE jobs SET state = 'assigned', assignee_id = ?, assigned_at = ?, state_entered_at = ?
				WHERE job_id = ? AND state = 'pending'`,
				w.WorkerID, unixOrZero(now), unixOrZero(now), job.id,
			)
			if err != nil {
				return "", "", fmt.Errorf("sqlite: jobs_assign_one update: %w", err)
			}
			n, _ := res.RowsAffected()
			if n == 1 {
				return job.id, w.WorkerID, nil
			}
			// Zero rows affected: another writer already claimed this job
			// (or it was canceled out from under us); move to the next job.
			break
		}
	}
	return "", "", nil
}

func (s *Store) JobTransition(ctx context.Context, jobID string, from []model.JobState, to model.JobState, now time.Time, mutate func(*model.Job)) error {
	if mutate == nil {
		placeholders := make([]string, len(from))
		args := make([]any, 0, len(from)+3)
		args = append(args, string(to), unixOrZero(now), jobID)
		for i, st := range from {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		q := fmt.Sprintf(`UPDATE jobs SET state = ?, state_entered_at = ? WHERE job_id = ? AND state IN (%s)`, joinPlaceholders(len(from)))
		res, err := s.db.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("sqlite: job_transition: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return conflictOrNotFound(ctx, s, jobID)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: job_transition begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := s.scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return fmt.Errorf("sqlite: job_transition read: %w", err)
	}
	if job.State.IsTerminal() || !stateIn(job.State, from) {
		return store.ErrConflict
	}
	job.State = to
	job.StateEnteredAt = now
	mutate(job)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state=?, assignee_id=?, state_entered_at=?, assigned_at=?, started_at=?, ended_at=?,
			heartbeat_interval_s=?, last_heartbeat_at=?, last_client_heartbeat_at=?, exit_code=?, failure_kind=?, transport_choice=?
		WHERE job_id = ?`,
		string(job.State), job.AssigneeID, unixOrZero(job.StateEnteredAt), unixOrZero(job.AssignedAt), unixOrZero(job.StartedAt), unixOrZero(job.EndedAt),
		job.HeartbeatIntervalS, unixOrZero(job.LastHeartbeatAt), unixOrZero(job.LastClientHeartbeat), nullableExitCode(job.ExitCode), string(job.FailureKind), job.TransportChoice,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: job_transition write: %w", err)
	}
	return tx.Commit()
}

func conflictOrNotFound(ctx context.Context, s *Store, jobID string) error {
	var exists int
	_ = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE job_id = ?`, jobID).Scan(&exists)
	if exists == 0 {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func joinPlaceholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

func stateIn(s model.JobState, set []model.JobState) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) JobGet(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := s.scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: job_get: %w", err)
	}
	return job, nil
}

func (s *Store) JobHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_heartbeat_at = ?
		WHERE job_id = ? AND state IN ('assigned','running','canceling') AND last_heartbeat_at < ?`,
		unixOrZero(now), jobID, unixOrZero(now))
	if err != nil {
		return fmt.Errorf("sqlite: job_heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return conflictOrNotFound(ctx, s, jobID)
	}
	return nil
}

func (s *Store) JobClientHeartbeat(ctx context.Context, jobID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET last_client_heartbeat_at = ? WHERE job_id = ? AND last_client_heartbeat_at < ?`,
		unixOrZero(now), jobID, unixOrZero(now))
	if err != nil {
		return fmt.Errorf("sqlite: job_client_heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return conflictOrNotFound(ctx, s, jobID)
	}
	return nil
}

func (s *Store) JobAppendLog(ctx context.Context, jobID string, lines []model.LogChunk) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("sqlite: job_append_log begin: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM log_chunks WHERE job_id = ?`, jobID).Scan(&maxSeq); err != nil {
		return 0, 0, fmt.Errorf("sqlite: job_append_log max seq: %w", err)
	}
	next := int64(0)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}
	first := next
	for _, line := range lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO log_chunks (job_id, seq, stream, text, emitted_at) VALUES (?,?,?,?,?)`,
			jobID, next, string(line.Stream), line.Text, unixOrZero(line.EmittedAt),
		); err != nil {
			return 0, 0, fmt.Errorf("sqlite: job_append_log insert: %w", err)
		}
		next++
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("sqlite: job_append_log commit: %w", err)
	}
	return first, next - 1, nil
}

func (s *Store) JobLogs(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]model.LogChunk, error) {
	q := `SELECT job_id, seq, stream, text, emitted_at FROM log_chunks WHERE job_id = ? AND seq >= ? ORDER BY seq`
	args := []any{jobID, sinceSeq}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: job_logs: %w", err)
	}
	defer rows.Close()
	var out []model.LogChunk
	for rows.Next() {
		var l model.LogChunk
		var stream string
		var emittedAt int64
		if err := rows.Scan(&l.JobID, &l.Seq, &stream, &l.Text, &emittedAt); err != nil {
			return nil, fmt.Errorf("sqlite: job_logs scan: %w", err)
		}
		l.Stream = model.LogStream(stream)
		l.EmittedAt = timeOrZero(emittedAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) JobsQuery(ctx context.Context, filter store.JobFilter, limit int) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	if filter.SubmitterID != "" {
		q += ` AND submitter_id = ?`
		args = append(args, filter.SubmitterID)
	}
	if filter.AssigneeID != "" {
		q += ` AND assignee_id = ?`
		args = append(args, filter.AssigneeID)
	}
	if len(filter.States) > 0 {
		q += ` AND state IN (` + joinPlaceholders(len(filter.States)) + `)`
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if !filter.Since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, unixOrZero(filter.Since))
	}
	if !filter.Until.IsZero() {
		q += ` AND created_at <= ?`
		args = append(args, unixOrZero(filter.Until))
	}
	q += ` ORDER BY job_id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: jobs_query: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: jobs_query scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) JobsInStateOlderThan(ctx context.Context, states []model.JobState, field store.JanitorTimeField, threshold time.Time) ([]*model.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE state IN (` + joinPlaceholders(len(states)) + `) AND ` + string(field) + ` < ? AND ` + string(field) + ` > 0 ORDER BY job_id`
	args := make([]any, 0, len(states)+1)
	for _, st := range states {
		args = append(args, string(st))
	}
	args = append(args, unixOrZero(threshold))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: jobs_in_state_older_than: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: jobs_in_state_older_than scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// --- Downlink ---

func (s *Store) DownlinkEnqueue(ctx context.Context, msg *model.DownlinkMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downlink_messages (message_id, recipient_id, kind, schema, payload, created_at, delivered_at)
		VALUES (?,?,?,?,?,?,NULL)`,
		msg.MessageID, msg.RecipientID, string(msg.Kind), msg.Schema, marshalJSON(msg.Payload), unixOrZero(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: downlink_enqueue: %w", err)
	}
	return nil
}

func (s *Store) DownlinkDrain(ctx context.Context, recipientID string, max int) ([]*model.DownlinkMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: downlink_drain begin: %w", err)
	}
	defer tx.Rollback()

	q := `SELECT message_id, recipient_id, kind, schema, payload, created_at FROM downlink_messages WHERE recipient_id = ? ORDER BY created_at`
	args := []any{recipientID}
	if max > 0 {
		q += ` LIMIT ?`
		args = append(args, max)
	}
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: downlink_drain select: %w", err)
	}
	var out []*model.DownlinkMessage
	var ids []string
	for rows.Next() {
		var m model.DownlinkMessage
		var kind, payload string
		var createdAt int64
		if err := rows.Scan(&m.MessageID, &m.RecipientID, &kind, &m.Schema, &payload, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: downlink_drain scan: %w", err)
		}
		m.Kind = model.DownlinkKind(kind)
		m.CreatedAt = timeOrZero(createdAt)
		_ = json.Unmarshal([]byte(payload), &m.Payload)
		out = append(out, &m)
		ids = append(ids, m.MessageID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM downlink_messages WHERE message_id = ?`, id); err != nil {
			return nil, fmt.Errorf("sqlite: downlink_drain delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: downlink_drain commit: %w", err)
	}
	return out, nil
}

var _ store.Store = (*Store)(nil)
