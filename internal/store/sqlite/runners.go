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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

const runnerColumns = `id, tenant_id, name, api_key_hash, status, capabilities, labels,
	max_concurrent_jobs, current_jobs, last_heartbeat_at, connected_at, vm_config`

func scanRunner(row interface{ Scan(dest ...any) error }) (*store.Runner, error) {
	var r store.Runner
	var status, capabilities, labels, currentJobs, lastHeartbeat, connectedAt, vmConfig sql.NullString

	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.APIKeyHash, &status, &capabilities, &labels,
		&r.MaxConcurrentJobs, &currentJobs, &lastHeartbeat, &connectedAt, &vmConfig); err != nil {
		return nil, err
	}
	r.Status = store.RunnerStatus(status.String)
	if err := fromJSON(capabilities, &r.Capabilities); err != nil {
		return nil, err
	}
	if err := fromJSON(labels, &r.Labels); err != nil {
		return nil, err
	}
	if err := fromJSON(currentJobs, &r.CurrentJobs); err != nil {
		return nil, err
	}
	if err := fromJSON(vmConfig, &r.VMConfig); err != nil {
		return nil, err
	}
	var err error
	if r.LastHeartbeatAt, err = parseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	if connectedAt.Valid {
		t, err := parseTime(connectedAt)
		if err != nil {
			return nil, err
		}
		r.ConnectedAt = &t
	}
	return &r, nil
}

// UpsertRunner implements store.RunnerStore.
func (b *Backend) UpsertRunner(ctx context.Context, runner *store.Runner) error {
	capabilities, err := toJSON(runner.Capabilities)
	if err != nil {
		return err
	}
	labels, err := toJSON(runner.Labels)
	if err != nil {
		return err
	}
	currentJobs, err := toJSON(runner.CurrentJobs)
	if err != nil {
		return err
	}
	vmConfig, err := toJSON(runner.VMConfig)
	if err != nil {
		return err
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO runners (`+runnerColumns+`)
		VALUES (?,?,?,?,?,?,?, ?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, status=excluded.status, capabilities=excluded.capabilities,
			labels=excluded.labels, max_concurrent_jobs=excluded.max_concurrent_jobs,
			current_jobs=excluded.current_jobs, last_heartbeat_at=excluded.last_heartbeat_at,
			connected_at=excluded.connected_at, vm_config=excluded.vm_config`,
		runner.ID, runner.TenantID, runner.Name, runner.APIKeyHash, string(runner.Status), capabilities, labels,
		runner.MaxConcurrentJobs, currentJobs, formatTime(runner.LastHeartbeatAt), nullTime(runner.ConnectedAt), vmConfig,
	)
	if err != nil {
		return errs.Wrap(err, "upserting runner")
	}
	return nil
}

// GetRunner implements store.RunnerStore.
func (b *Backend) GetRunner(ctx context.Context, tenantID, id string) (*store.Runner, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE id=? AND tenant_id=?`, id, tenantID)
	r, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("runner", id)
	}
	if err != nil {
		return nil, errs.Wrap(err, "scanning runner")
	}
	return r, nil
}

// GetRunnerByAPIKeyHash implements store.RunnerStore.
func (b *Backend) GetRunnerByAPIKeyHash(ctx context.Context, hash string) (*store.Runner, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE api_key_hash=?`, hash)
	r, err := scanRunner(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("runner", "by-api-key")
	}
	if err != nil {
		return nil, errs.Wrap(err, "scanning runner")
	}
	return r, nil
}

// UpdateRunnerStatus implements store.RunnerStore.
func (b *Backend) UpdateRunnerStatus(ctx context.Context, tenantID, id string, status store.RunnerStatus, lastHeartbeatAt time.Time) error {
	res, err := b.db.ExecContext(ctx, `UPDATE runners SET status=?, last_heartbeat_at=? WHERE id=? AND tenant_id=?`,
		string(status), formatTime(lastHeartbeatAt), id, tenantID)
	if err != nil {
		return errs.Wrap(err, "updating runner status")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("runner", id)
	}
	return nil
}

// ListStaleRunners implements store.RunnerStore.
func (b *Backend) ListStaleRunners(ctx context.Context, cutoff time.Time, limit int) ([]*store.Runner, error) {
	query := `SELECT ` + runnerColumns + ` FROM runners WHERE status=? AND last_heartbeat_at < ?`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query, string(store.RunnerOnline), formatTime(cutoff))
	if err != nil {
		return nil, errs.Wrap(err, "listing stale runners")
	}
	defer rows.Close()

	var out []*store.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
