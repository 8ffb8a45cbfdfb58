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

const hitlColumns = `id, run_id, tenant_id, step_id, node_id, status, allowed_actions,
	data_modification_allowed, assigned_to, approver_ids, deadline, action,
	resolved_by, resolved_at, modified_data, audit_trail, created_at`

func scanHitl(row interface{ Scan(dest ...any) error }) (*store.HitlRequest, error) {
	var h store.HitlRequest
	var status, allowedActions, assignedTo, approverIDs, deadline, action, resolvedBy, resolvedAt, modifiedData, auditTrail, createdAt sql.NullString
	var dataModAllowed int

	if err := row.Scan(&h.ID, &h.RunID, &h.TenantID, &h.StepID, &h.NodeID, &status, &allowedActions,
		&dataModAllowed, &assignedTo, &approverIDs, &deadline, &action,
		&resolvedBy, &resolvedAt, &modifiedData, &auditTrail, &createdAt); err != nil {
		return nil, err
	}

	h.Status = store.HitlStatus(status.String)
	h.DataModificationAllowed = dataModAllowed != 0
	h.AssignedTo = assignedTo.String
	h.ResolvedBy = resolvedBy.String

	if err := fromJSON(allowedActions, &h.AllowedActions); err != nil {
		return nil, err
	}
	if err := fromJSON(approverIDs, &h.ApproverIDs); err != nil {
		return nil, err
	}
	if err := fromJSON(modifiedData, &h.ModifiedData); err != nil {
		return nil, err
	}
	if err := fromJSON(auditTrail, &h.AuditTrail); err != nil {
		return nil, err
	}
	if action.Valid {
		a := store.HitlAction(action.String)
		h.Action = &a
	}
	if deadline.Valid {
		t, err := parseTime(deadline)
		if err != nil {
			return nil, err
		}
		h.Deadline = &t
	}
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt)
		if err != nil {
			return nil, err
		}
		h.ResolvedAt = &t
	}
	var err error
	if h.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &h, nil
}

// InsertHitl implements store.HitlStore.
func (b *Backend) InsertHitl(ctx context.Context, req *store.HitlRequest) error {
	allowedActions, err := toJSON(req.AllowedActions)
	if err != nil {
		return err
	}
	approverIDs, err := toJSON(req.ApproverIDs)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO hitl_requests (`+hitlColumns+`)
		VALUES (?,?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?)`,
		req.ID, req.RunID, req.TenantID, nullString(req.StepID), nullString(req.NodeID), string(req.Status), allowedActions,
		boolToInt(req.DataModificationAllowed), nullString(req.AssignedTo), approverIDs, nullTime(req.Deadline), nil,
		nullString(req.ResolvedBy), nullTime(req.ResolvedAt), nil, nil, formatTime(req.CreatedAt),
	)
	if err != nil {
		return errs.Wrap(err, "inserting hitl request")
	}
	return nil
}

// GetHitl implements store.HitlStore.
func (b *Backend) GetHitl(ctx context.Context, tenantID, id string) (*store.HitlRequest, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id=? AND tenant_id=?`, id, tenantID)
	h, err := scanHitl(row)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("hitl_request", id)
	}
	if err != nil {
		return nil, errs.Wrap(err, "scanning hitl request")
	}
	return h, nil
}

// ConditionalResolveHitl implements store.HitlStore.
func (b *Backend) ConditionalResolveHitl(ctx context.Context, tenantID, id string, patch func(*store.HitlRequest)) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id=? AND tenant_id=?`, id, tenantID)
	h, err := scanHitl(row)
	if err == sql.ErrNoRows {
		return 0, errs.NotFound("hitl_request", id)
	}
	if err != nil {
		return 0, errs.Wrap(err, "scanning hitl request")
	}
	if h.Status != store.HitlPending {
		return 0, nil
	}

	patch(h)

	modifiedData, err := toJSON(h.ModifiedData)
	if err != nil {
		return 0, err
	}
	auditTrail, err := toJSON(h.AuditTrail)
	if err != nil {
		return 0, err
	}
	var actionStr sql.NullString
	if h.Action != nil {
		actionStr = sql.NullString{String: string(*h.Action), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE hitl_requests SET status=?, action=?, resolved_by=?, resolved_at=?, modified_data=?, audit_trail=?
		WHERE id=? AND tenant_id=?`,
		string(h.Status), actionStr, nullString(h.ResolvedBy), nullTime(h.ResolvedAt), modifiedData, auditTrail,
		id, tenantID,
	)
	if err != nil {
		return 0, errs.Wrap(err, "updating hitl request")
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(err, "committing transaction")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListHitlRequests implements store.HitlStore.
func (b *Backend) ListHitlRequests(ctx context.Context, filter store.HitlFilter) ([]*store.HitlRequest, int, error) {
	where := `WHERE tenant_id = ?`
	args := []any{filter.TenantID}
	if filter.RunID != "" {
		where += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if len(filter.Status) > 0 {
		where += ` AND status IN (` + placeholders(len(filter.Status)) + `)`
		for _, s := range filter.Status {
			args = append(args, string(s))
		}
	}

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hitl_requests `+where, args...).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(err, "counting hitl requests")
	}

	query := `SELECT ` + hitlColumns + ` FROM hitl_requests ` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errs.Wrap(err, "listing hitl requests")
	}
	defer rows.Close()

	var out []*store.HitlRequest
	for rows.Next() {
		h, err := scanHitl(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, h)
	}
	return out, total, rows.Err()
}

// ListDueHitlRequests implements store.HitlStore.
func (b *Backend) ListDueHitlRequests(ctx context.Context, now time.Time, limit int) ([]*store.HitlRequest, error) {
	query := `SELECT ` + hitlColumns + ` FROM hitl_requests WHERE status = ? AND deadline IS NOT NULL AND deadline <= ? ORDER BY deadline ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query, string(store.HitlPending), formatTime(now))
	if err != nil {
		return nil, errs.Wrap(err, "listing due hitl requests")
	}
	defer rows.Close()

	var out []*store.HitlRequest
	for rows.Next() {
		h, err := scanHitl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
