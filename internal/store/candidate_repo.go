package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// CandidateRepo handles persistence for the active candidate round of
// each stage.
type CandidateRepo struct{}

// ReplaceTx overwrites every stored round of a task with pools.
func (r *CandidateRepo) ReplaceTx(ctx context.Context, tx *sql.Tx, taskID string, pools map[domain.Stage]*domain.CandidateRound) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM candidates WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear candidates: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM candidate_rounds WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear candidate rounds: %w", err)
	}

	const roundQ = `INSERT INTO candidate_rounds (task_id, stage, round, selected_id) VALUES (?, ?, ?, ?)`
	const candQ = `INSERT INTO candidates (task_id, stage, position, candidate_id, content, rationale) VALUES (?, ?, ?, ?, ?, ?)`
	for stage, round := range pools {
		if _, err := tx.ExecContext(ctx, roundQ, taskID, string(stage), round.Round, round.SelectedID); err != nil {
			return fmt.Errorf("insert round %s: %w", stage, err)
		}
		for i, c := range round.Candidates {
			if _, err := tx.ExecContext(ctx, candQ, taskID, string(stage), i, c.ID, c.Content, c.Rationale); err != nil {
				return fmt.Errorf("insert candidate %s: %w", c.ID, err)
			}
		}
	}
	return nil
}

// ListByTask returns the stored rounds of a task keyed by stage.
func (r *CandidateRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string) (map[domain.Stage]*domain.CandidateRound, error) {
	rows, err := db.QueryContext(ctx, `SELECT stage, round, selected_id FROM candidate_rounds WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list candidate rounds: %w", err)
	}
	pools := make(map[domain.Stage]*domain.CandidateRound)
	for rows.Next() {
		var (
			cr    domain.CandidateRound
			stage string
		)
		if err := rows.Scan(&stage, &cr.Round, &cr.SelectedID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate round: %w", err)
		}
		cr.Stage = domain.Stage(stage)
		pools[cr.Stage] = &cr
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("iterate candidate rounds: %w", err)
	}

	const q = `SELECT stage, candidate_id, content, rationale
FROM candidates
WHERE task_id = ?
ORDER BY stage ASC, position ASC`
	rows, err = db.QueryContext(ctx, q, taskID)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c     domain.Candidate
			stage string
		)
		if err := rows.Scan(&stage, &c.ID, &c.Content, &c.Rationale); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Stage = domain.Stage(stage)
		round, ok := pools[c.Stage]
		if !ok {
			continue
		}
		round.Candidates = append(round.Candidates, c)
	}
	return pools, rows.Err()
}
