package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// MessageRepo handles persistence for the append-only message log.
type MessageRepo struct{}

// AppendTx inserts a message within an existing transaction.
func (r *MessageRepo) AppendTx(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	const q = `INSERT INTO messages (id, task_id, seq_no, msg_type, stage, text, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		m.ID,
		m.TaskID,
		m.Seq,
		string(m.Type),
		string(m.Stage),
		m.Text,
		m.CreatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// MaxSeqTx returns the highest stored sequence number for a task, or 0.
func (r *MessageRepo) MaxSeqTx(ctx context.Context, tx *sql.Tx, taskID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq_no), 0) FROM messages WHERE task_id = ?`, taskID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max message seq: %w", err)
	}
	return seq, nil
}

// ListByTask returns messages for a task with sequence numbers greater than sinceSeq,
// ordered by sequence number ascending.
func (r *MessageRepo) ListByTask(ctx context.Context, db *sql.DB, taskID string, sinceSeq int64) ([]domain.Message, error) {
	const q = `SELECT id, task_id, seq_no, msg_type, stage, text, created_at
FROM messages
WHERE task_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := db.QueryContext(ctx, q, taskID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			m          domain.Message
			typ, stage string
		)
		if err := rows.Scan(&m.ID, &m.TaskID, &m.Seq, &typ, &stage, &m.Text, &m.CreatedAtUnix); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = domain.MessageType(typ)
		m.Stage = domain.Stage(stage)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
