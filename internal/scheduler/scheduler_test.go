package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep299/daily-digest/internal/model"
)

type fakeRunner struct {
	mu    sync.Mutex
	dates []time.Time
}

func (f *fakeRunner) Run(ctx context.Context, runDate time.Time) model.RunOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dates = append(f.dates, runDate)
	return model.RunOutcome{RunDate: runDate, Status: model.OutcomeCompleted}
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRejectsBadSpec(t *testing.T) {
	_, err := New("every morning", time.UTC, &fakeRunner{}, discard())
	assert.Error(t, err)
}

func TestFireUsesCivilDateInLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	runner := &fakeRunner{}
	s, err := New("0 6 * * *", tokyo, runner, discard())
	require.NoError(t, err)

	// 22:30 UTC on the 1st is already the 2nd in Tokyo.
	s.now = func() time.Time { return time.Date(2025, 3, 1, 22, 30, 0, 0, time.UTC) }
	s.fire()

	require.Len(t, runner.dates, 1)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), runner.dates[0])
}

func TestNextFollowsSchedule(t *testing.T) {
	s, err := New("@daily", time.UTC, &fakeRunner{}, discard())
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	next := s.Next()
	require.False(t, next.IsZero())
	assert.Equal(t, 0, next.Hour())
	assert.True(t, next.After(time.Now()))
}

func TestStopCancelsRunContext(t *testing.T) {
	s, err := New("@daily", time.UTC, &fakeRunner{}, discard())
	require.NoError(t, err)
	s.Start()
	s.Stop()
	assert.Error(t, s.ctx.Err())
}
