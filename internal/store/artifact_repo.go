package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// ArtifactRepo handles persistence for per-stage artifacts.
type ArtifactRepo struct{}

// UpsertTx inserts or updates the artifact of one stage within a transaction.
func (r *ArtifactRepo) UpsertTx(ctx context.Context, tx *sql.Tx, taskID string, a *domain.Artifact) error {
	const q = `INSERT INTO artifacts (task_id, stage, content, status, version, source, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(task_id, stage) DO UPDATE SET
	content = excluded.content,
	status = excluded.status,
	version = excluded.version,
	source = excluded.source,
	updated_at_unix = excluded.updated_at_unix`

	_, err := tx.ExecContext(ctx, q,
		taskID,
		string(a.Stage),
		a.Content,
		string(a.Status),
		a.Version,
		string(a.Source),
		a.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("upsert artifact %s: %w", a.Stage, err)
	}
	return nil
}

// ListByTask returns the stored artifacts of a task keyed by stage.
func (r *ArtifactRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string) (map[domain.Stage]*domain.Artifact, error) {
	const q = `SELECT stage, content, status, version, source, updated_at_unix
FROM artifacts
WHERE task_id = ?`

	rows, err := db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.Stage]*domain.Artifact)
	for rows.Next() {
		var (
			a                     domain.Artifact
			stage, status, source string
		)
		if err := rows.Scan(&stage, &a.Content, &status, &a.Version, &source, &a.UpdatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Stage = domain.Stage(stage)
		a.Status = domain.ArtifactStatus(status)
		a.Source = domain.ContentSource(source)
		out[a.Stage] = &a
	}
	return out, rows.Err()
}
