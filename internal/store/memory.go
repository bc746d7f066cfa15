package store

import (
	"context"
	"sync"
	"time"

	"github.com/pep299/daily-digest/internal/model"
)

// MemoryDedupStore is an in-process DedupStore.
type MemoryDedupStore struct {
	mu        sync.Mutex
	records   map[string]model.SeenRecord
	retention time.Duration
}

// NewMemoryDedupStore creates an empty store.
func NewMemoryDedupStore(retention time.Duration) *MemoryDedupStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryDedupStore{
		records:   make(map[string]model.SeenRecord),
		retention: retention,
	}
}

func (m *MemoryDedupStore) IsNew(ctx context.Context, fingerprint string, asOf time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[fingerprint]
	return !ok || !rec.Live(asOf), nil
}

func (m *MemoryDedupStore) MarkSeen(ctx context.Context, fingerprint string, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := NewSeenRecord(fingerprint, date, m.retention)
	if existing, ok := m.records[fingerprint]; ok && existing.Live(rec.FirstSeenDate) {
		return &ConflictError{Existing: existing}
	}
	m.records[fingerprint] = rec
	return nil
}

func (m *MemoryDedupStore) Forget(ctx context.Context, fingerprint string, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[fingerprint]; ok && rec.FirstSeenDate.Equal(model.Day(date)) {
		delete(m.records, fingerprint)
	}
	return nil
}

func (m *MemoryDedupStore) Prune(ctx context.Context, asOf time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for fp, rec := range m.records {
		if !rec.Live(asOf) {
			delete(m.records, fp)
			n++
		}
	}
	return n, nil
}

// Records returns a snapshot of all records.
func (m *MemoryDedupStore) Records() map[string]model.SeenRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]model.SeenRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}

func (m *MemoryDedupStore) Close() error { return nil }

// MemoryCheckpointStore is an in-process CheckpointStore.
type MemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]model.RunCheckpoint
	now         func() time.Time
}

// NewMemoryCheckpointStore creates an empty store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		checkpoints: make(map[string]model.RunCheckpoint),
		now:         time.Now,
	}
}

func (m *MemoryCheckpointStore) Create(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := model.DateKey(cp.RunDate)
	if _, ok := m.checkpoints[key]; ok {
		return model.RunCheckpoint{}, ErrExists
	}
	cp.Version = 1
	cp.UpdatedAt = m.now()
	m.checkpoints[key] = cp
	return cp, nil
}

func (m *MemoryCheckpointStore) Get(ctx context.Context, runDate time.Time) (model.RunCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, ok := m.checkpoints[model.DateKey(runDate)]
	if !ok {
		return model.RunCheckpoint{}, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryCheckpointStore) Update(ctx context.Context, cp model.RunCheckpoint) (model.RunCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := model.DateKey(cp.RunDate)
	current, ok := m.checkpoints[key]
	if !ok {
		return model.RunCheckpoint{}, ErrNotFound
	}
	if current.Version != cp.Version {
		return model.RunCheckpoint{}, ErrVersionConflict
	}
	cp.Version++
	cp.UpdatedAt = m.now()
	m.checkpoints[key] = cp
	return cp, nil
}

func (m *MemoryCheckpointStore) LastCompleted(ctx context.Context, before time.Time) (model.RunCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := model.DateKey(before)
	var (
		best  model.RunCheckpoint
		found bool
	)
	for key, cp := range m.checkpoints {
		if cp.Stage != model.StageCompleted || key >= limit {
			continue
		}
		if !found || key > model.DateKey(best.RunDate) {
			best, found = cp, true
		}
	}
	if !found {
		return model.RunCheckpoint{}, ErrNotFound
	}
	return best, nil
}

func (m *MemoryCheckpointStore) Close() error { return nil }
