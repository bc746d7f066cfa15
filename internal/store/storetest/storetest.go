// Package storetest holds behaviour tests shared by every store implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/store"
)

// Retention is the window stores under test must be configured with.
const Retention = 90 * 24 * time.Hour

var day0 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

// DedupStore runs the DedupStore contract against stores created by open.
func DedupStore(t *testing.T, open func(t *testing.T) store.DedupStore) {
	ctx := context.Background()

	t.Run("mark then not new", func(t *testing.T) {
		s := open(t)
		isNew, err := s.IsNew(ctx, "fp-a", day0)
		require.NoError(t, err)
		assert.True(t, isNew)

		require.NoError(t, s.MarkSeen(ctx, "fp-a", day0))

		isNew, err = s.IsNew(ctx, "fp-a", day0.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.False(t, isNew)
	})

	t.Run("second mark conflicts", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.MarkSeen(ctx, "fp-b", day0))

		err := s.MarkSeen(ctx, "fp-b", day0.AddDate(0, 0, 1))
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrConflict))

		var conflict *store.ConflictError
		require.True(t, errors.As(err, &conflict))
		assert.Equal(t, "fp-b", conflict.Existing.Fingerprint)
		assert.True(t, conflict.Existing.FirstSeenDate.Equal(day0))
	})

	t.Run("concurrent marks have one winner", func(t *testing.T) {
		s := open(t)
		const racers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.MarkSeen(ctx, "fp-race", day0)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, store.ErrConflict):
					conflicts++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, conflicts)
	})

	t.Run("expired record is new again", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.MarkSeen(ctx, "fp-old", day0))

		inside := day0.Add(Retention - time.Hour)
		isNew, err := s.IsNew(ctx, "fp-old", inside)
		require.NoError(t, err)
		assert.False(t, isNew)

		after := day0.Add(Retention)
		isNew, err = s.IsNew(ctx, "fp-old", after)
		require.NoError(t, err)
		assert.True(t, isNew)

		require.NoError(t, s.MarkSeen(ctx, "fp-old", after))
	})

	t.Run("forget only removes own date", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.MarkSeen(ctx, "fp-f", day0))

		require.NoError(t, s.Forget(ctx, "fp-f", day0.AddDate(0, 0, 1)))
		isNew, err := s.IsNew(ctx, "fp-f", day0)
		require.NoError(t, err)
		assert.False(t, isNew)

		require.NoError(t, s.Forget(ctx, "fp-f", day0))
		isNew, err = s.IsNew(ctx, "fp-f", day0)
		require.NoError(t, err)
		assert.True(t, isNew)
	})

	t.Run("prune removes expired", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.MarkSeen(ctx, "fp-p1", day0))
		require.NoError(t, s.MarkSeen(ctx, "fp-p2", day0.AddDate(0, 0, 30)))

		n, err := s.Prune(ctx, day0.Add(Retention))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		isNew, err := s.IsNew(ctx, "fp-p2", day0.Add(Retention))
		require.NoError(t, err)
		assert.False(t, isNew)
	})
}

// CheckpointStore runs the CheckpointStore contract against stores created by open.
func CheckpointStore(t *testing.T, open func(t *testing.T) store.CheckpointStore) {
	ctx := context.Background()

	newCheckpoint := func(date time.Time, owner string) model.RunCheckpoint {
		return model.RunCheckpoint{
			RunDate:        date,
			Stage:          model.StagePending,
			Owner:          owner,
			LeaseExpiresAt: date.Add(30 * time.Minute),
			Attempt:        1,
		}
	}

	t.Run("create is exclusive", func(t *testing.T) {
		s := open(t)
		created, err := s.Create(ctx, newCheckpoint(day0, "a"))
		require.NoError(t, err)
		assert.NotZero(t, created.Version)

		_, err = s.Create(ctx, newCheckpoint(day0, "b"))
		assert.ErrorIs(t, err, store.ErrExists)

		got, err := s.Get(ctx, day0)
		require.NoError(t, err)
		assert.Equal(t, "a", got.Owner)
		assert.Equal(t, model.StagePending, got.Stage)
		assert.True(t, got.LeaseExpiresAt.Equal(day0.Add(30*time.Minute)))
	})

	t.Run("get missing", func(t *testing.T) {
		s := open(t)
		_, err := s.Get(ctx, day0)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("update checks version", func(t *testing.T) {
		s := open(t)
		cp, err := s.Create(ctx, newCheckpoint(day0, "a"))
		require.NoError(t, err)

		cp.Stage = model.StageIngesting
		cp.Payload = []byte(`{"watermark":"2025-02-26T00:00:00Z"}`)
		updated, err := s.Update(ctx, cp)
		require.NoError(t, err)
		assert.NotEqual(t, cp.Version, updated.Version)

		// stale writer
		cp.Stage = model.StageFailed
		_, err = s.Update(ctx, cp)
		assert.ErrorIs(t, err, store.ErrVersionConflict)

		got, err := s.Get(ctx, day0)
		require.NoError(t, err)
		assert.Equal(t, model.StageIngesting, got.Stage)
		assert.JSONEq(t, `{"watermark":"2025-02-26T00:00:00Z"}`, string(got.Payload))
	})

	t.Run("last completed", func(t *testing.T) {
		s := open(t)
		for i, stage := range []model.Stage{model.StageCompleted, model.StageCompleted, model.StageFailed} {
			cp, err := s.Create(ctx, newCheckpoint(day0.AddDate(0, 0, i), "a"))
			require.NoError(t, err)
			cp.Stage = stage
			_, err = s.Update(ctx, cp)
			require.NoError(t, err)
		}

		got, err := s.LastCompleted(ctx, day0.AddDate(0, 0, 5))
		require.NoError(t, err)
		assert.Equal(t, "2025-03-02", model.DateKey(got.RunDate))

		got, err = s.LastCompleted(ctx, day0.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, "2025-03-01", model.DateKey(got.RunDate))

		_, err = s.LastCompleted(ctx, day0)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
