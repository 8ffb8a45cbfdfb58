// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is a modernc.org/sqlite-backed (pure Go, no cgo)
// implementation of store.Backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// Backend is a SQLite-backed store.Backend. SQLite allows only one writer
// at a time, so the connection pool is capped at a single connection —
// concurrent callers serialize through database/sql's pool rather than
// fighting SQLITE_BUSY.
type Backend struct {
	db *sql.DB
}

var _ store.Backend = (*Backend)(nil)

// Open creates (or migrates) a SQLite database at path and returns a ready
// Backend. path may be ":memory:" for tests.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(err, "opening sqlite database")
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, errs.Wrap(err, "applying sqlite pragmas")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(err, "applying sqlite schema")
	}

	return &Backend{db: db}, nil
}

// Close implements io.Closer.
func (b *Backend) Close() error { return b.db.Close() }

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s.String)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func toJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func fromJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), dst)
}

// CreateRun implements store.RunStore.
func (b *Backend) CreateRun(ctx context.Context, run *store.Run) error {
	inputs, err := toJSON(run.Inputs)
	if err != nil {
		return err
	}
	outputs, err := toJSON(run.Outputs)
	if err != nil {
		return err
	}
	retryPolicy, err := toJSON(run.Retry)
	if err != nil {
		return err
	}
	retryHistory, err := toJSON(run.RetryHistory)
	if err != nil {
		return err
	}
	hitlConfig, err := toJSON(run.HitlConfig)
	if err != nil {
		return err
	}
	selector, err := toJSON(run.Selector)
	if err != nil {
		return err
	}
	tags, err := toJSON(run.Tags)
	if err != nil {
		return err
	}
	labels, err := toJSON(run.Labels)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runs (
			id, tenant_id, bot_id, bot_version_id, plan_hash, status, priority,
			trigger_type, triggered_by, parent_run_id, root_run_id, depth,
			inputs, outputs, runner_id, timeout_seconds, timeout_at,
			retry_policy, retry_count, next_retry_at, retry_history,
			requires_approval, hitl_config, hitl_state, selector, tags, labels,
			total_steps, completed_steps, failed_steps, current_node_id, memory_peak_mb,
			error_code, error_message,
			created_at, queued_at, leased_at, started_at, completed_at
		) VALUES (?,?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?, ?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?, ?,?, ?,?,?,?,?)`,
		run.ID, run.TenantID, run.BotID, run.BotVersionID, run.PlanHash, string(run.Status), run.Priority,
		string(run.TriggerType), run.TriggeredBy, nullStringPtr(run.ParentRunID), run.RootRunID, run.Depth,
		inputs, outputs, nullStringPtr(run.RunnerID), run.TimeoutSeconds, formatTime(run.TimeoutAt),
		retryPolicy, run.RetryCount, nullTime(run.NextRetryAt), retryHistory,
		boolToInt(run.RequiresApproval), hitlConfig, nullStringPtr(run.HitlState), selector, tags, labels,
		run.TotalSteps, run.CompletedSteps, run.FailedSteps, nullString(run.CurrentNodeID), run.MemoryPeakMB,
		nullString(run.ErrorCode), nullString(run.ErrorMessage),
		formatTime(run.CreatedAt), nullTime(run.QueuedAt), nullTime(run.LeasedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
	)
	if err != nil {
		return errs.Wrap(err, "inserting run")
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const runColumns = `
	id, tenant_id, bot_id, bot_version_id, plan_hash, status, priority,
	trigger_type, triggered_by, parent_run_id, root_run_id, depth,
	inputs, outputs, runner_id, timeout_seconds, timeout_at,
	retry_policy, retry_count, next_retry_at, retry_history,
	requires_approval, hitl_config, hitl_state, selector, tags, labels,
	total_steps, completed_steps, failed_steps, current_node_id, memory_peak_mb,
	error_code, error_message,
	created_at, queued_at, leased_at, started_at, completed_at`

func scanRun(row interface {
	Scan(dest ...any) error
}) (*store.Run, error) {
	var r store.Run
	var status, triggerType string
	var parentRunID, runnerID, currentNodeID, errorCode, errorMessage, hitlState sql.NullString
	var inputs, outputs, retryPolicy, retryHistory, hitlConfig, selector, tags, labels sql.NullString
	var timeoutAt, nextRetryAt, createdAt, queuedAt, leasedAt, startedAt, completedAt sql.NullString
	var requiresApproval int

	if err := row.Scan(
		&r.ID, &r.TenantID, &r.BotID, &r.BotVersionID, &r.PlanHash, &status, &r.Priority,
		&triggerType, &r.TriggeredBy, &parentRunID, &r.RootRunID, &r.Depth,
		&inputs, &outputs, &runnerID, &r.TimeoutSeconds, &timeoutAt,
		&retryPolicy, &r.RetryCount, &nextRetryAt, &retryHistory,
		&requiresApproval, &hitlConfig, &hitlState, &selector, &tags, &labels,
		&r.TotalSteps, &r.CompletedSteps, &r.FailedSteps, &currentNodeID, &r.MemoryPeakMB,
		&errorCode, &errorMessage,
		&createdAt, &queuedAt, &leasedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	r.Status = store.Status(status)
	r.TriggerType = store.TriggerType(triggerType)
	r.RequiresApproval = requiresApproval != 0
	if parentRunID.Valid {
		v := parentRunID.String
		r.ParentRunID = &v
	}
	if runnerID.Valid {
		v := runnerID.String
		r.RunnerID = &v
	}
	if hitlState.Valid {
		v := hitlState.String
		r.HitlState = &v
	}
	r.CurrentNodeID = currentNodeID.String
	r.ErrorCode = errorCode.String
	r.ErrorMessage = errorMessage.String

	if err := fromJSON(inputs, &r.Inputs); err != nil {
		return nil, err
	}
	if err := fromJSON(outputs, &r.Outputs); err != nil {
		return nil, err
	}
	if err := fromJSON(retryPolicy, &r.Retry); err != nil {
		return nil, err
	}
	if err := fromJSON(retryHistory, &r.RetryHistory); err != nil {
		return nil, err
	}
	if hitlConfig.Valid {
		r.HitlConfig = &store.HitlConfig{}
		if err := fromJSON(hitlConfig, r.HitlConfig); err != nil {
			return nil, err
		}
	}
	if err := fromJSON(selector, &r.Selector); err != nil {
		return nil, err
	}
	if err := fromJSON(tags, &r.Tags); err != nil {
		return nil, err
	}
	if err := fromJSON(labels, &r.Labels); err != nil {
		return nil, err
	}

	var perr error
	if r.TimeoutAt, perr = parseTime(timeoutAt); perr != nil {
		return nil, perr
	}
	if nextRetryAt.Valid {
		t, err := parseTime(nextRetryAt)
		if err != nil {
			return nil, err
		}
		r.NextRetryAt = &t
	}
	if r.CreatedAt, perr = parseTime(createdAt); perr != nil {
		return nil, perr
	}
	for _, pair := range []struct {
		ns  sql.NullString
		dst **time.Time
	}{
		{queuedAt, &r.QueuedAt}, {leasedAt, &r.LeasedAt}, {startedAt, &r.StartedAt}, {completedAt, &r.CompletedAt},
	} {
		if pair.ns.Valid {
			t, err := parseTime(pair.ns)
			if err != nil {
				return nil, err
			}
			*pair.dst = &t
		}
	}

	return &r, nil
}

// GetRun implements store.RunStore.
func (b *Backend) GetRun(ctx context.Context, tenantID, id string) (*store.Run, error) {
	row := b.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM runs WHERE id = ? AND tenant_id = ?`, runColumns), id, tenantID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("run", id)
	}
	if err != nil {
		return nil, errs.Wrap(err, "scanning run")
	}
	return run, nil
}

// ConditionalUpdateRun implements store.RunStore. SQLite has no
// cross-statement row lock primitive worth using here; correctness comes
// from SetMaxOpenConns(1) serializing all writers through one connection,
// so the read-modify-write below never races with another writer.
func (b *Backend) ConditionalUpdateRun(ctx context.Context, tenantID, id string, whereStatusIn []store.Status, patch func(*store.Run)) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM runs WHERE id = ? AND tenant_id = ?`, runColumns), id, tenantID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return 0, errs.NotFound("run", id)
	}
	if err != nil {
		return 0, errs.Wrap(err, "scanning run")
	}

	if len(whereStatusIn) > 0 {
		ok := false
		for _, s := range whereStatusIn {
			if run.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return 0, nil
		}
	}

	patch(run)

	inputs, err := toJSON(run.Inputs)
	if err != nil {
		return 0, err
	}
	outputs, err := toJSON(run.Outputs)
	if err != nil {
		return 0, err
	}
	retryHistory, err := toJSON(run.RetryHistory)
	if err != nil {
		return 0, err
	}
	hitlConfig, err := toJSON(run.HitlConfig)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET
			status=?, runner_id=?, outputs=?, inputs=?,
			retry_count=?, next_retry_at=?, retry_history=?,
			requires_approval=?, hitl_config=?, hitl_state=?,
			total_steps=?, completed_steps=?, failed_steps=?, current_node_id=?, memory_peak_mb=?,
			error_code=?, error_message=?,
			queued_at=?, leased_at=?, started_at=?, completed_at=?
		WHERE id = ? AND tenant_id = ?`,
		string(run.Status), nullStringPtr(run.RunnerID), outputs, inputs,
		run.RetryCount, nullTime(run.NextRetryAt), retryHistory,
		boolToInt(run.RequiresApproval), hitlConfig, nullStringPtr(run.HitlState),
		run.TotalSteps, run.CompletedSteps, run.FailedSteps, nullString(run.CurrentNodeID), run.MemoryPeakMB,
		nullString(run.ErrorCode), nullString(run.ErrorMessage),
		nullTime(run.QueuedAt), nullTime(run.LeasedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt),
		id, tenantID,
	)
	if err != nil {
		return 0, errs.Wrap(err, "updating run")
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(err, "committing transaction")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListRuns implements store.RunLister.
func (b *Backend) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, int, error) {
	where := `WHERE tenant_id = ?`
	args := []any{filter.TenantID}
	if len(filter.Status) > 0 {
		where += ` AND status IN (` + placeholders(len(filter.Status)) + `)`
		for _, s := range filter.Status {
			args = append(args, string(s))
		}
	}
	if filter.BotID != "" {
		where += ` AND bot_id = ?`
		args = append(args, filter.BotID)
	}
	if filter.RunnerID != "" {
		where += ` AND runner_id = ?`
		args = append(args, filter.RunnerID)
	}
	if filter.ParentRunID != nil {
		where += ` AND parent_run_id = ?`
		args = append(args, *filter.ParentRunID)
	}

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs `+where, args...).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(err, "counting runs")
	}

	query := fmt.Sprintf(`SELECT %s FROM runs %s ORDER BY created_at DESC`, runColumns, where)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errs.Wrap(err, "listing runs")
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, errs.Wrap(err, "scanning run row")
		}
		out = append(out, r)
	}
	return out, total, rows.Err()
}

func placeholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "?"
	}
	return s
}

// ListChildren implements store.RunLister.
func (b *Backend) ListChildren(ctx context.Context, tenantID, parentRunID string) ([]*store.Run, error) {
	runs, _, err := b.ListRuns(ctx, store.RunFilter{TenantID: tenantID, ParentRunID: &parentRunID})
	return runs, err
}

// ListDueForRetry implements store.RunLister.
func (b *Backend) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? ORDER BY next_retry_at ASC`, runColumns)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query, string(store.StatusRetryScheduled), formatTime(now))
	if err != nil {
		return nil, errs.Wrap(err, "listing due retries")
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errs.Wrap(err, "scanning run row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListTimedOut implements store.RunLister.
func (b *Backend) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM runs WHERE status NOT IN (?,?,?,?,?) AND timeout_at <= ? ORDER BY timeout_at ASC`, runColumns)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query,
		string(store.StatusSucceeded), string(store.StatusFailed), string(store.StatusRejected), string(store.StatusCancelled), string(store.StatusTimedOut),
		formatTime(now))
	if err != nil {
		return nil, errs.Wrap(err, "listing timed out runs")
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errs.Wrap(err, "scanning run row")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
