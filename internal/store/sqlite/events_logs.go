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

	"github.com/tombee/rundispatch/internal/errs"
	"github.com/tombee/rundispatch/internal/store"
)

// InsertEvent implements store.EventStore.
func (b *Backend) InsertEvent(ctx context.Context, event *store.RunEvent) error {
	payload, err := toJSON(event.Payload)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO run_events (id, run_id, tenant_id, event_type, severity, step_id, node_id, payload, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		event.ID, event.RunID, event.TenantID, string(event.EventType), string(event.Severity),
		nullString(event.StepID), nullString(event.NodeID), payload, formatTime(event.Timestamp))
	if err != nil {
		return errs.Wrap(err, "inserting event")
	}
	return nil
}

// ListEvents implements store.EventStore.
func (b *Backend) ListEvents(ctx context.Context, filter store.EventFilter) ([]*store.RunEvent, int, error) {
	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_events WHERE run_id=? AND tenant_id=?`, filter.RunID, filter.TenantID).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(err, "counting events")
	}

	query := `SELECT id, run_id, tenant_id, event_type, severity, step_id, node_id, payload, created_at
		FROM run_events WHERE run_id=? AND tenant_id=? ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	rows, err := b.db.QueryContext(ctx, query, filter.RunID, filter.TenantID)
	if err != nil {
		return nil, 0, errs.Wrap(err, "listing events")
	}
	defer rows.Close()

	var out []*store.RunEvent
	for rows.Next() {
		var e store.RunEvent
		var eventType, severity, stepID, nodeID, payload, createdAt sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &eventType, &severity, &stepID, &nodeID, &payload, &createdAt); err != nil {
			return nil, 0, err
		}
		e.EventType = store.EventType(eventType.String)
		e.Severity = store.Severity(severity.String)
		e.StepID = stepID.String
		e.NodeID = nodeID.String
		if err := fromJSON(payload, &e.Payload); err != nil {
			return nil, 0, err
		}
		if e.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &e)
	}
	return out, total, rows.Err()
}

// InsertLog implements store.LogStore.
func (b *Backend) InsertLog(ctx context.Context, line *store.RunLog) error {
	data, err := toJSON(line.Data)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO run_logs (id, run_id, level, source, step_id, message, data, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		line.ID, line.RunID, string(line.Level), nullString(line.Source), nullString(line.StepID),
		line.Message, data, formatTime(line.Timestamp))
	if err != nil {
		return errs.Wrap(err, "inserting log")
	}
	return nil
}

// ListLogs implements store.LogStore.
func (b *Backend) ListLogs(ctx context.Context, filter store.LogFilter) ([]*store.RunLog, int, error) {
	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM run_logs WHERE run_id=?`, filter.RunID).Scan(&total); err != nil {
		return nil, 0, errs.Wrap(err, "counting logs")
	}

	query := `SELECT id, run_id, level, source, step_id, message, data, created_at FROM run_logs WHERE run_id=? ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}
	rows, err := b.db.QueryContext(ctx, query, filter.RunID)
	if err != nil {
		return nil, 0, errs.Wrap(err, "listing logs")
	}
	defer rows.Close()

	var out []*store.RunLog
	for rows.Next() {
		var l store.RunLog
		var level, source, stepID, data, createdAt sql.NullString
		if err := rows.Scan(&l.ID, &l.RunID, &level, &source, &stepID, &l.Message, &data, &createdAt); err != nil {
			return nil, 0, err
		}
		l.Level = store.LogLevel(level.String)
		l.Source = source.String
		l.StepID = stepID.String
		if err := fromJSON(data, &l.Data); err != nil {
			return nil, 0, err
		}
		if l.Timestamp, err = parseTime(createdAt); err != nil {
			return nil, 0, err
		}
		out = append(out, &l)
	}
	return out, total, rows.Err()
}
