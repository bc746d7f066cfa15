// Package store defines the persisted state of the digest pipeline: the set of
// fingerprints already delivered and the per-date run checkpoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by CheckpointStore.Create when the run date already has a checkpoint.
	ErrExists = errors.New("already exists")
	// ErrVersionConflict is returned when a checkpoint was written by someone else since it was read.
	ErrVersionConflict = errors.New("version conflict")
	// ErrConflict matches any *ConflictError.
	ErrConflict = errors.New("fingerprint already seen")
)

// DefaultRetention is how long a fingerprint suppresses its item.
const DefaultRetention = 90 * 24 * time.Hour

// DedupStore is the durable set of delivered fingerprints.
type DedupStore interface {
	// IsNew reports whether fingerprint has no live record at asOf.
	IsNew(ctx context.Context, fingerprint string, asOf time.Time) (bool, error)
	// MarkSeen atomically records fingerprint as first seen on date. It fails
	// with *ConflictError when a live record already exists.
	MarkSeen(ctx context.Context, fingerprint string, date time.Time) error
	// Forget removes the record only if it was first seen on date.
	Forget(ctx context.Context, fingerprint string, date time.Time) error
	// Prune deletes records whose retention expired before asOf.
	Prune(ctx context.Context, asOf time.Time) (int, error)
	Close() error
}

// CheckpointStore persists RunCheckpoints keyed by run date.
type CheckpointStore interface {
	// Create inserts cp if the run date has no checkpoint, else ErrExists.
	Create(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error)
	Get(ctx context.Context, runDate time.Time) (model.RunCheckpoint, error)
	// Update replaces the checkpoint if cp.Version is still current, else ErrVersionConflict.
	Update(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error)
	// LastCompleted returns the latest completed checkpoint strictly before runDate.
	LastCompleted(ctx context.Context, before time.Time) (model.RunCheckpoint, error)
	Close() error
}

// ConflictError is the DedupStore Conflict outcome: the fingerprint is already seen.
type ConflictError struct {
	Existing model.SeenRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fingerprint %s already seen on %s", e.Existing.Fingerprint, model.DateKey(e.Existing.FirstSeenDate))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// NewSeenRecord builds the record MarkSeen writes.
func NewSeenRecord(fingerprint string, date time.Time, retention time.Duration) model.SeenRecord {
	day := model.Day(date)
	return model.SeenRecord{
		Fingerprint:     fingerprint,
		FirstSeenDate:   day,
		RetentionExpiry: day.Add(retention),
	}
}
