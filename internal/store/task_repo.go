package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// TaskRepo handles persistence for the task-level columns of a Task.
type TaskRepo struct{}

type taskColumns struct {
	config        string
	stages        string
	regenerations string
}

func encodeTask(t *domain.Task) (taskColumns, error) {
	var c taskColumns
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return c, fmt.Errorf("marshal config: %w", err)
	}
	stages, err := json.Marshal(t.Stages)
	if err != nil {
		return c, fmt.Errorf("marshal stages: %w", err)
	}
	regen, err := json.Marshal(t.Regenerations)
	if err != nil {
		return c, fmt.Errorf("marshal regenerations: %w", err)
	}
	c.config, c.stages, c.regenerations = string(cfg), string(stages), string(regen)
	return c, nil
}

// CreateTx inserts a new task within an existing transaction.
func (r *TaskRepo) CreateTx(ctx context.Context, tx *sql.Tx, t *domain.Task) error {
	cols, err := encodeTask(t)
	if err != nil {
		return err
	}
	const q = `INSERT INTO tasks (task_id, status, phase, current_stage, awaiting_user, config_json, stages_json, regenerations_json,
	iteration_count, last_error, last_message_seq, state_version, created_at_unix, updated_at_unix)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, q,
		t.TaskID,
		string(t.Status),
		string(t.Phase),
		string(t.CurrentStage),
		t.AwaitingUser,
		cols.config,
		cols.stages,
		cols.regenerations,
		t.IterationCount,
		t.LastError,
		t.LastMessageSeq,
		t.StateVersion,
		t.CreatedAtUnix,
		t.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// UpdateStateTx updates a task within a transaction using optimistic locking.
// The update only succeeds if the stored state_version equals expected.
func (r *TaskRepo) UpdateStateTx(ctx context.Context, tx *sql.Tx, t *domain.Task, expected int64) error {
	cols, err := encodeTask(t)
	if err != nil {
		return err
	}
	const q = `UPDATE tasks SET
		status = ?,
		phase = ?,
		current_stage = ?,
		awaiting_user = ?,
		config_json = ?,
		regenerations_json = ?,
		iteration_count = ?,
		last_error = ?,
		last_message_seq = ?,
		state_version = ?,
		updated_at_unix = ?
	WHERE task_id = ? AND state_version = ?`

	res, err := tx.ExecContext(ctx, q,
		string(t.Status),
		string(t.Phase),
		string(t.CurrentStage),
		t.AwaitingUser,
		cols.config,
		cols.regenerations,
		t.IterationCount,
		t.LastError,
		t.LastMessageSeq,
		t.StateVersion,
		t.UpdatedAtUnix,
		t.TaskID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.Errorf(domain.ErrConcurrentModification, "task %s is not at state version %d", t.TaskID, expected)
	}
	return nil
}

// GetByID retrieves the task-level columns of a task. Artifacts, pools
// and messages are left empty.
func (r *TaskRepo) GetByID(ctx context.Context, db *sql.DB, taskID string) (*domain.Task, error) {
	const q = `SELECT task_id, status, phase, current_stage, awaiting_user, config_json, stages_json, regenerations_json,
	iteration_count, last_error, last_message_seq, state_version, created_at_unix, updated_at_unix
FROM tasks WHERE task_id = ?`

	row := db.QueryRowContext(ctx, q, taskID)

	var (
		t                            domain.Task
		status, phase, current       string
		cfgJSON, stagesJSON, regJSON string
	)
	err := row.Scan(&t.TaskID, &status, &phase, &current, &t.AwaitingUser, &cfgJSON, &stagesJSON, &regJSON,
		&t.IterationCount, &t.LastError, &t.LastMessageSeq, &t.StateVersion, &t.CreatedAtUnix, &t.UpdatedAtUnix)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.Errorf(domain.ErrNotFound, "task %s not found", taskID)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	t.Phase = domain.EnginePhase(phase)
	t.CurrentStage = domain.Stage(current)
	if err := json.Unmarshal([]byte(cfgJSON), &t.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(stagesJSON), &t.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal([]byte(regJSON), &t.Regenerations); err != nil {
		return nil, fmt.Errorf("unmarshal regenerations: %w", err)
	}
	return &t, nil
}

// ListIDs returns the ids of every stored task, oldest first.
func (r *TaskRepo) ListIDs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT task_id FROM tasks ORDER BY created_at_unix ASC, task_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan task id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTx removes a task and every row that belongs to it.
func (r *TaskRepo) DeleteTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	for _, table := range []string{"artifacts", "candidate_rounds", "candidates", "messages", "plan_snapshots", "action_log", "tasks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE task_id = ?", taskID); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}
