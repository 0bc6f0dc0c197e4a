package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// ActionLogRepo handles persistence for ActionRecord entries.
type ActionLogRepo struct{}

// Record inserts an action record.
func (r *ActionLogRepo) Record(ctx context.Context, db *sql.DB, rec domain.ActionRecord) error {
	const q = `INSERT INTO action_log (id, task_id, action, stage, request_json, outcome, error_code, state_version, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		rec.ID,
		rec.TaskID,
		string(rec.Action),
		string(rec.Stage),
		rec.RequestJSON,
		rec.Outcome,
		rec.ErrorCode,
		rec.StateVersion,
		rec.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// ListByTask returns all action records for a task, ordered by creation time.
func (r *ActionLogRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string) ([]domain.ActionRecord, error) {
	const q = `SELECT id, task_id, action, stage, request_json, outcome, error_code, state_version, created_at
FROM action_log
WHERE task_id = ?
ORDER BY created_at ASC, rowid ASC`

	rows, err := db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list action records: %w", err)
	}
	defer rows.Close()

	var records []domain.ActionRecord
	for rows.Next() {
		var (
			a             domain.ActionRecord
			action, stage string
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &action, &stage, &a.RequestJSON,
			&a.Outcome, &a.ErrorCode, &a.StateVersion, &a.CreatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan action record: %w", err)
		}
		a.Action = domain.ActionType(action)
		a.Stage = domain.Stage(stage)
		records = append(records, a)
	}
	return records, rows.Err()
}
