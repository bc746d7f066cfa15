package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/store"
)

var checkpointColumns = []string{
	"run_date", "stage", "payload", "owner", "lease_expires_at", "attempt", "reason", "updated_at", "version",
}

// CheckpointStore keeps RunCheckpoints in the run_checkpoints table.
type CheckpointStore struct {
	db *DB
}

// Checkpoints returns the CheckpointStore backed by this DB.
func (s *DB) Checkpoints() *CheckpointStore {
	return &CheckpointStore{db: s}
}

func (c *CheckpointStore) Create(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error) {
	cp.Version = 1
	cp.UpdatedAt = c.db.now().UTC()

	n, err := c.db.exec(ctx, c.db.sb.
		Insert("run_checkpoints").
		Columns(checkpointColumns...).
		Values(model.DateKey(cp.RunDate), string(cp.Stage), string(cp.Payload), cp.Owner,
			millis(cp.LeaseExpiresAt), cp.Attempt, cp.Reason, millis(cp.UpdatedAt), cp.Version).
		Suffix("ON CONFLICT (run_date) DO NOTHING"))
	if err != nil {
		return model.RunCheckpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	if n == 0 {
		return model.RunCheckpoint{}, store.ErrExists
	}
	return cp, nil
}

func (c *CheckpointStore) Get(ctx context.Context, runDate time.Time) (model.RunCheckpoint, error) {
	return c.one(ctx, c.db.sb.
		Select(checkpointColumns...).
		From("run_checkpoints").
		Where(sq.Eq{"run_date": model.DateKey(runDate)}))
}

func (c *CheckpointStore) Update(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error) {
	expected := cp.Version
	cp.UpdatedAt = c.db.now().UTC()

	n, err := c.db.exec(ctx, c.db.sb.
		Update("run_checkpoints").
		Set("stage", string(cp.Stage)).
		Set("payload", string(cp.Payload)).
		Set("owner", cp.Owner).
		Set("lease_expires_at", millis(cp.LeaseExpiresAt)).
		Set("attempt", cp.Attempt).
		Set("reason", cp.Reason).
		Set("updated_at", millis(cp.UpdatedAt)).
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"run_date": model.DateKey(cp.RunDate), "version": expected}))
	if err != nil {
		return model.RunCheckpoint{}, fmt.Errorf("update checkpoint: %w", err)
	}
	if n == 0 {
		if _, err := c.Get(ctx, cp.RunDate); err != nil {
			return model.RunCheckpoint{}, err
		}
		return model.RunCheckpoint{}, store.ErrVersionConflict
	}
	cp.Version = expected + 1
	return cp, nil
}

func (c *CheckpointStore) LastCompleted(ctx context.Context, before time.Time) (model.RunCheckpoint, error) {
	return c.one(ctx, c.db.sb.
		Select(checkpointColumns...).
		From("run_checkpoints").
		Where(sq.Eq{"stage": string(model.StageCompleted)}).
		Where(sq.Lt{"run_date": model.DateKey(before)}).
		OrderBy("run_date DESC").
		Limit(1))
}

func (c *CheckpointStore) one(ctx context.Context, b sq.SelectBuilder) (model.RunCheckpoint, error) {
	row, err := c.db.queryRow(ctx, b)
	if err != nil {
		return model.RunCheckpoint{}, err
	}

	var (
		cp                   model.RunCheckpoint
		date, stage, payload string
		lease, updated       int64
	)
	err = row.Scan(&date, &stage, &payload, &cp.Owner, &lease, &cp.Attempt, &cp.Reason, &updated, &cp.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RunCheckpoint{}, store.ErrNotFound
	}
	if err != nil {
		return model.RunCheckpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}

	if cp.RunDate, err = model.ParseDate(date); err != nil {
		return model.RunCheckpoint{}, fmt.Errorf("parse run_date: %w", err)
	}
	cp.Stage = model.Stage(stage)
	if payload != "" {
		cp.Payload = []byte(payload)
	}
	cp.LeaseExpiresAt = fromMillis(lease)
	cp.UpdatedAt = fromMillis(updated)
	return cp, nil
}

// Close is a no-op; the owning DB closes the pool.
func (c *CheckpointStore) Close() error { return nil }
