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

// QueueInsert implements store.QueueStore.
func (b *Backend) QueueInsert(ctx context.Context, entry *store.QueueEntry) error {
	selector, err := toJSON(entry.Selector)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO queue_entries (run_id, tenant_id, priority, enqueued_at, available_at, selector)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(run_id) DO UPDATE SET priority=excluded.priority, available_at=excluded.available_at, selector=excluded.selector`,
		entry.RunID, entry.TenantID, entry.Priority, formatTime(entry.EnqueuedAt), formatTime(entry.AvailableAt), selector)
	if err != nil {
		return errs.Wrap(err, "inserting queue entry")
	}
	return nil
}

// QueueRemove implements store.QueueStore.
func (b *Backend) QueueRemove(ctx context.Context, runID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE run_id=?`, runID)
	if err != nil {
		return errs.Wrap(err, "removing queue entry")
	}
	return nil
}

func scanQueueEntry(row interface{ Scan(dest ...any) error }) (*store.QueueEntry, error) {
	var e store.QueueEntry
	var enqueuedAt, availableAt, selector sql.NullString
	if err := row.Scan(&e.RunID, &e.TenantID, &e.Priority, &enqueuedAt, &availableAt, &selector); err != nil {
		return nil, err
	}
	if err := fromJSON(selector, &e.Selector); err != nil {
		return nil, err
	}
	var err error
	if e.EnqueuedAt, err = parseTime(enqueuedAt); err != nil {
		return nil, err
	}
	if e.AvailableAt, err = parseTime(availableAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// QueueClaim implements store.QueueStore. SQLite cannot evaluate the
// labels/capabilities subset predicate in SQL, so candidates are fetched in
// priority order and filtered in Go; the winning row is deleted in the same
// transaction so no two callers can claim it.
func (b *Backend) QueueClaim(ctx context.Context, tenantID string, runnerLabels map[string]string, runnerCaps []string, runnerID string, now time.Time) (*store.QueueEntry, error) {
	capSet := make(map[string]bool, len(runnerCaps))
	for _, c := range runnerCaps {
		capSet[c] = true
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT run_id, tenant_id, priority, enqueued_at, available_at, selector
		FROM queue_entries WHERE tenant_id=? AND available_at <= ?
		ORDER BY priority ASC, available_at ASC, enqueued_at ASC`,
		tenantID, formatTime(now))
	if err != nil {
		return nil, errs.Wrap(err, "querying queue entries")
	}

	var winner *store.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if selectorMatches(e.Selector, runnerLabels, capSet, runnerID) {
			winner = e
			break
		}
	}
	rows.Close()
	if winner == nil {
		return nil, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM queue_entries WHERE run_id=?`, winner.RunID)
	if err != nil {
		return nil, errs.Wrap(err, "deleting claimed queue entry")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(err, "committing claim")
	}
	return winner, nil
}

func selectorMatches(sel store.Selector, runnerLabels map[string]string, runnerCaps map[string]bool, runnerID string) bool {
	if sel.PinnedRunnerID != "" {
		return sel.PinnedRunnerID == runnerID
	}
	for k, v := range sel.Labels {
		if runnerLabels[k] != v {
			return false
		}
	}
	for _, c := range sel.Capabilities {
		if !runnerCaps[c] {
			return false
		}
	}
	return true
}

// ListDueRetries implements store.QueueStore.
func (b *Backend) ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*store.QueueEntry, error) {
	query := `SELECT run_id, tenant_id, priority, enqueued_at, available_at, selector
		FROM queue_entries WHERE available_at <= ? ORDER BY priority ASC, available_at ASC, enqueued_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query, formatTime(now))
	if err != nil {
		return nil, errs.Wrap(err, "listing due retries")
	}
	defer rows.Close()

	var out []*store.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueueLen implements store.QueueStore.
func (b *Backend) QueueLen(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE tenant_id=?`, tenantID).Scan(&n)
	if err != nil {
		return 0, errs.Wrap(err, "counting queue entries")
	}
	return n, nil
}
