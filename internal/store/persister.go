package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/Yi-XIE/PBL.AI/internal/domain"
)

// Persister stores whole task states. It implements the engine's
// Committer so every state becomes durable before readers can see it.
type Persister struct {
	db         *sql.DB
	tasks      TaskRepo
	artifacts  ArtifactRepo
	candidates CandidateRepo
	messages   MessageRepo
	snapshots  SnapshotRepo
	actions    ActionLogRepo
	now        func() time.Time
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Persister, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreInit.Code, "open "+path, err)
	}
	return NewPersister(db), nil
}

// NewPersister wraps an already migrated database.
func NewPersister(db *sql.DB) *Persister {
	return &Persister{db: db, now: time.Now}
}

// DB exposes the underlying handle.
func (p *Persister) DB() *sql.DB {
	return p.db
}

// Close closes the database.
func (p *Persister) Close() error {
	return p.db.Close()
}

// Commit writes t in one transaction. Version 1 inserts the task; later
// versions update it only if the stored version is exactly one behind.
func (p *Persister) Commit(ctx context.Context, t *domain.Task) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()

	if t.StateVersion <= 1 {
		err = p.tasks.CreateTx(ctx, tx, t)
	} else {
		err = p.tasks.UpdateStateTx(ctx, tx, t, t.StateVersion-1)
	}
	if err != nil {
		return storeWriteError(err)
	}

	for _, s := range t.Stages {
		a, ok := t.Artifacts[s]
		if !ok {
			continue
		}
		if err := p.artifacts.UpsertTx(ctx, tx, t.TaskID, a); err != nil {
			return storeWriteError(err)
		}
	}
	if err := p.candidates.ReplaceTx(ctx, tx, t.TaskID, t.Pools); err != nil {
		return storeWriteError(err)
	}

	stored, err := p.messages.MaxSeqTx(ctx, tx, t.TaskID)
	if err != nil {
		return storeWriteError(err)
	}
	for _, m := range t.Messages {
		if m.Seq <= stored {
			continue
		}
		if err := p.messages.AppendTx(ctx, tx, m); err != nil {
			return storeWriteError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit", err)
	}
	return nil
}

func storeWriteError(err error) error {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return err
	}
	return domain.WrapEngineError(domain.ErrStoreWrite.Code, "persist task", err)
}

// Load reads the full state of one task.
func (p *Persister) Load(ctx context.Context, taskID string) (*domain.Task, error) {
	t, err := p.tasks.GetByID(ctx, p.db, taskID)
	if err != nil {
		return nil, storeQueryError(err)
	}
	if t.Artifacts, err = p.artifacts.ListByTask(ctx, p.db, taskID); err != nil {
		return nil, storeQueryError(err)
	}
	if t.Pools, err = p.candidates.ListByTask(ctx, p.db, taskID); err != nil {
		return nil, storeQueryError(err)
	}
	if t.Messages, err = p.messages.ListByTask(ctx, p.db, taskID, 0); err != nil {
		return nil, storeQueryError(err)
	}

	t.Locked = make(map[domain.Stage]bool)
	for s, a := range t.Artifacts {
		if a.Status == domain.ArtifactLocked {
			t.Locked[s] = true
		}
	}
	if t.Regenerations == nil {
		t.Regenerations = make(map[domain.Stage]int)
	}
	return t, nil
}

func storeQueryError(err error) error {
	var ee *domain.EngineError
	if errors.As(err, &ee) {
		return err
	}
	return domain.WrapEngineError(domain.ErrStoreQuery.Code, "load task", err)
}

// ListIDs returns the ids of every stored task.
func (p *Persister) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := p.tasks.ListIDs(ctx, p.db)
	if err != nil {
		return nil, storeQueryError(err)
	}
	return ids, nil
}

// Delete removes a task and everything recorded for it.
func (p *Persister) Delete(ctx context.Context, taskID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()
	if err := p.tasks.DeleteTx(ctx, tx, taskID); err != nil {
		return storeWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit", err)
	}
	return nil
}

// Messages returns log entries of a task after sinceSeq.
func (p *Persister) Messages(ctx context.Context, taskID string, sinceSeq int64) ([]domain.Message, error) {
	msgs, err := p.messages.ListByTask(ctx, p.db, taskID, sinceSeq)
	if err != nil {
		return nil, storeQueryError(err)
	}
	return msgs, nil
}

// SavePlan stores body as a checksummed plan snapshot.
func (p *Persister) SavePlan(ctx context.Context, taskID string, stateVersion int64, body []byte) (*domain.PlanSnapshot, error) {
	snap := domain.PlanSnapshot{
		TaskID:        taskID,
		StateVersion:  stateVersion,
		SnapshotJSON:  string(body),
		Checksum:      Checksum(string(body)),
		CreatedAtUnix: p.now().Unix(),
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "begin tx", err)
	}
	defer tx.Rollback()
	id, err := p.snapshots.SaveTx(ctx, tx, snap)
	if err != nil {
		return nil, storeWriteError(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStoreWrite.Code, "commit", err)
	}
	snap.ID = id
	return &snap, nil
}

// LatestPlan returns the newest plan snapshot of a task after verifying
// its checksum.
func (p *Persister) LatestPlan(ctx context.Context, taskID string) (*domain.PlanSnapshot, error) {
	snap, err := p.snapshots.GetLatest(ctx, p.db, taskID)
	if err != nil {
		return nil, storeQueryError(err)
	}
	if snap == nil {
		return nil, domain.Errorf(domain.ErrNotFound, "no plan snapshot for task %s", taskID)
	}
	if err := p.snapshots.Verify(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// RecordAction appends an entry to the action history of a task.
func (p *Persister) RecordAction(ctx context.Context, rec domain.ActionRecord) error {
	if rec.CreatedAtUnix == 0 {
		rec.CreatedAtUnix = p.now().Unix()
	}
	if err := p.actions.Record(ctx, p.db, rec); err != nil {
		return storeWriteError(err)
	}
	return nil
}

// Actions returns the action history of a task.
func (p *Persister) Actions(ctx context.Context, taskID string) ([]domain.ActionRecord, error) {
	recs, err := p.actions.ListByTask(ctx, p.db, taskID)
	if err != nil {
		return nil, storeQueryError(err)
	}
	return recs, nil
}
