package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// SnapshotRepo handles persistence for PlanSnapshot records.
type SnapshotRepo struct{}

// Checksum returns the hex SHA-256 of a snapshot body.
func Checksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// SaveTx inserts a plan snapshot within an existing transaction.
func (r *SnapshotRepo) SaveTx(ctx context.Context, tx *sql.Tx, snap domain.PlanSnapshot) (int64, error) {
	const q = `INSERT INTO plan_snapshots (task_id, state_version, snapshot_json, checksum, created_at)
VALUES (?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, q,
		snap.TaskID,
		snap.StateVersion,
		snap.SnapshotJSON,
		snap.Checksum,
		snap.CreatedAtUnix,
	)
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	return res.LastInsertId()
}

// GetLatest returns the most recent snapshot for a task.
// Returns nil if no snapshot exists.
func (r *SnapshotRepo) GetLatest(ctx context.Context, db *sql.DB, taskID string) (*domain.PlanSnapshot, error) {
	const q = `SELECT id, task_id, state_version, snapshot_json, checksum, created_at
FROM plan_snapshots
WHERE task_id = ?
ORDER BY state_version DESC, id DESC
LIMIT 1`

	row := db.QueryRowContext(ctx, q, taskID)

	var s domain.PlanSnapshot
	err := row.Scan(&s.ID, &s.TaskID, &s.StateVersion, &s.SnapshotJSON, &s.Checksum, &s.CreatedAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get latest snapshot: %w", err)
	}
	return &s, nil
}

// Verify checks the stored checksum against the snapshot body.
func (r *SnapshotRepo) Verify(s *domain.PlanSnapshot) error {
	if got := Checksum(s.SnapshotJSON); got != s.Checksum {
		return domain.Errorf(domain.ErrSnapshotCorrupt, "snapshot %d of task %s: checksum %s, want %s", s.ID, s.TaskID, got, s.Checksum)
	}
	return nil
}
