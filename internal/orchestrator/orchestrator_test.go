package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pep299/daily-digest/internal/digest"
	"github.com/pep299/daily-digest/internal/fingerprint"
	"github.com/pep299/daily-digest/internal/model"
	"github.com/pep299/daily-digest/internal/rank"
	"github.com/pep299/daily-digest/internal/source"
	"github.com/pep299/daily-digest/internal/store"
	"github.com/pep299/daily-digest/internal/summarizer"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubAdapter struct {
	id    string
	items []model.Item
	err   error
	block bool

	mu    sync.Mutex
	calls int
	since time.Time
}

func (s *stubAdapter) ID() string { return s.id }

func (s *stubAdapter) Fetch(ctx context.Context, since time.Time) ([]model.Item, error) {
	s.mu.Lock()
	s.calls++
	s.since = since
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return append([]model.Item(nil), s.items...), nil
}

func (s *stubAdapter) fetches() (int, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.since
}

func makeItems(sourceID string, n int, newest time.Time) []model.Item {
	items := make([]model.Item, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, model.Item{
			SourceID:    sourceID,
			ExternalID:  fmt.Sprintf("%s-%d", sourceID, i),
			Title:       fmt.Sprintf("%s item %d", sourceID, i),
			URL:         fmt.Sprintf("https://%s.example.com/%d", strings.ToLower(sourceID), i),
			PublishedAt: newest.Add(-time.Duration(i) * time.Hour),
			RawExcerpt:  fmt.Sprintf("excerpt of %s item %d", sourceID, i),
		})
	}
	return items
}

func fp(item model.Item) string { return fingerprint.Of(item) }

type echoService struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (s *echoService) Name() string { return "echo" }

func (s *echoService) Summarize(ctx context.Context, text string, maxOutputLen int) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.fail {
		return "", &summarizer.ServiceError{Kind: summarizer.InvalidInput, Err: errors.New("rejected")}
	}
	title, _, _ := strings.Cut(text, "\n")
	return "summary: " + title, nil
}

func (s *echoService) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingDeliverer struct {
	mu sync.Mutex
	// failures is how many sends fail before one succeeds; negative fails forever.
	failures int
	delay    time.Duration
	onSend   func()
	attempts int
	sent     []model.Digest
}

func (d *recordingDeliverer) Send(ctx context.Context, dg model.Digest) error {
	d.mu.Lock()
	d.attempts++
	attempt := d.attempts
	hook := d.onSend
	d.mu.Unlock()

	if hook != nil {
		hook()
	}
	if d.failures < 0 || attempt <= d.failures {
		return &model.DeliveryError{Channel: "test", Err: &model.RetryableError{Delay: d.delay, Err: errors.New("channel down")}}
	}
	d.mu.Lock()
	d.sent = append(d.sent, dg)
	d.mu.Unlock()
	return nil
}

func (d *recordingDeliverer) counts() (attempts, sent int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts, len(d.sent)
}

type harness struct {
	checkpoints *store.MemoryCheckpointStore
	dedup       store.DedupStore
	memDedup    *store.MemoryDedupStore
	adapters    []*stubAdapter
	svc         *echoService
	deliverer   *recordingDeliverer
	now         time.Time
	slept       []time.Duration
}

func newHarness(adapters ...*stubAdapter) *harness {
	mem := store.NewMemoryDedupStore(store.DefaultRetention)
	return &harness{
		checkpoints: store.NewMemoryCheckpointStore(),
		dedup:       mem,
		memDedup:    mem,
		adapters:    adapters,
		svc:         &echoService{},
		deliverer:   &recordingDeliverer{},
		now:         day.Add(6 * time.Hour),
	}
}

func (h *harness) orchestrator(topN int) *Orchestrator {
	adapters := make([]source.Adapter, 0, len(h.adapters))
	for _, a := range h.adapters {
		adapters = append(adapters, a)
	}
	o := New(Deps{
		Checkpoints: h.checkpoints,
		Dedup:       h.dedup,
		Ingester:    source.NewCoordinator(adapters, 4, 50*time.Millisecond, discard()),
		Ranker:      rank.New(rank.Config{Weights: rank.Weights{Recency: 1}, TopN: topN}),
		NewSummarizer: func() Summarizer {
			return summarizer.New(h.svc, summarizer.Config{MaxAttempts: 1}, discard())
		},
		Composer:  digest.NewComposer(topN),
		Deliverer: h.deliverer,
	}, Config{DeliveryAttempts: 3, DeliveryBackoff: time.Second}, discard())
	o.now = func() time.Time { return h.now }
	o.sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return ctx.Err()
	}
	return o
}

func (h *harness) checkpoint(t *testing.T, date time.Time) model.RunCheckpoint {
	t.Helper()
	cp, err := h.checkpoints.Get(context.Background(), date)
	require.NoError(t, err)
	return cp
}

func (h *harness) isNew(t *testing.T, fingerprint string, asOf time.Time) bool {
	t.Helper()
	isNew, err := h.dedup.IsNew(context.Background(), fingerprint, asOf)
	require.NoError(t, err)
	return isNew
}

func TestRunCompletesAndDelivers(t *testing.T) {
	a := &stubAdapter{id: "A", items: makeItems("A", 3, day.Add(-time.Hour))}
	b := &stubAdapter{id: "B", items: makeItems("B", 2, day.Add(-90*time.Minute))}
	h := newHarness(a, b)

	out := h.orchestrator(5).Run(context.Background(), day.Add(9*time.Hour))

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	require.NotNil(t, out.Digest)
	assert.Len(t, out.Digest.Items, 5)
	assert.Equal(t, model.DigestSent, out.Digest.Status)
	assert.Equal(t, day, out.RunDate)
	assert.False(t, out.Resumed)
	assert.Equal(t, 5, out.Stats.Candidates)
	assert.Equal(t, 5, out.Stats.Fresh)
	assert.Equal(t, 5, out.Stats.Selected)
	assert.Equal(t, 1, out.Stats.DeliveryAttempts)

	for _, e := range out.Digest.Items {
		assert.Equal(t, model.SummaryOK, e.Summary.Status)
		assert.Equal(t, "summary: "+e.Item.Title, e.Summary.SummaryText)
		assert.False(t, h.isNew(t, e.Item.Fingerprint, day.AddDate(0, 0, 1)))
	}

	_, sent := h.deliverer.counts()
	assert.Equal(t, 1, sent)

	cp := h.checkpoint(t, day)
	assert.Equal(t, model.StageCompleted, cp.Stage)
	assert.Equal(t, 1, cp.Attempt)

	_, since := a.fetches()
	assert.Equal(t, day.Add(-72*time.Hour), since)
}

func TestRunTwiceDeliversOnce(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 4, day.Add(-time.Hour))})
	o := h.orchestrator(5)

	first := o.Run(context.Background(), day)
	second := o.Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, first.Status)
	require.Equal(t, model.OutcomeCompleted, second.Status)
	assert.True(t, second.AlreadyCompleted)
	require.NotNil(t, second.Digest)
	assert.Equal(t, first.Digest.Fingerprints(), second.Digest.Fingerprints())

	attempts, sent := h.deliverer.counts()
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 4, h.svc.count())
}

func TestCrossDayDedup(t *testing.T) {
	a := &stubAdapter{id: "A", items: makeItems("A", 3, day.Add(-time.Hour))}
	h := newHarness(a)
	o := h.orchestrator(2)

	delivered := map[string]bool{}
	for i, want := range []int{2, 1, 0} {
		runDate := day.AddDate(0, 0, i)
		h.now = runDate.Add(6 * time.Hour)

		out := o.Run(context.Background(), runDate)
		require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
		require.Len(t, out.Digest.Items, want, "day %d", i)

		for _, fp := range out.Digest.Fingerprints() {
			assert.False(t, delivered[fp], "fingerprint %s delivered twice", fp)
			delivered[fp] = true
		}
	}

	_, sent := h.deliverer.counts()
	assert.Equal(t, 2, sent, "an empty digest is not sent")
	assert.Len(t, delivered, 3)
}

func TestLiveLeaseSkips(t *testing.T) {
	a := &stubAdapter{id: "A", items: makeItems("A", 2, day)}
	h := newHarness(a)
	_, err := h.checkpoints.Create(context.Background(), model.RunCheckpoint{
		RunDate:        day,
		Stage:          model.StageIngesting,
		Owner:          "other",
		LeaseExpiresAt: h.now.Add(10 * time.Minute),
		Attempt:        1,
	})
	require.NoError(t, err)

	out := h.orchestrator(5).Run(context.Background(), day)

	assert.Equal(t, model.OutcomeSkippedAlreadyRunning, out.Status)
	calls, _ := a.fetches()
	assert.Zero(t, calls)
	attempts, _ := h.deliverer.counts()
	assert.Zero(t, attempts)
	assert.Equal(t, "other", h.checkpoint(t, day).Owner)
}

func TestStaleLeaseResumesWithoutReingesting(t *testing.T) {
	a := &stubAdapter{id: "A", items: makeItems("A", 5, day)}
	h := newHarness(a)

	items := makeItems("A", 2, day.Add(-time.Hour))
	var ranked []model.RankedItem
	for i, item := range items {
		item.Fingerprint = fp(item)
		ranked = append(ranked, model.RankedItem{Item: item, Score: float64(2 - i)})
	}
	payload, err := Payload{
		Since:  day.Add(-72 * time.Hour),
		Ranked: ranked,
		Stats:  model.RunStats{Candidates: 7, Fresh: 6, Selected: 2},
	}.encode()
	require.NoError(t, err)

	_, err = h.checkpoints.Create(context.Background(), model.RunCheckpoint{
		RunDate:        day,
		Stage:          model.StageSummarizing,
		Payload:        payload,
		Owner:          "crashed",
		LeaseExpiresAt: h.now.Add(-time.Minute),
		Attempt:        1,
	})
	require.NoError(t, err)

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	assert.True(t, out.Resumed)
	assert.Equal(t, []string{ranked[0].Item.Fingerprint, ranked[1].Item.Fingerprint}, out.Digest.Fingerprints())
	assert.Equal(t, 7, out.Stats.Candidates)

	calls, _ := a.fetches()
	assert.Zero(t, calls, "resumed run must not ingest again")
	assert.Equal(t, 2, h.svc.count())
	assert.Equal(t, 2, h.checkpoint(t, day).Attempt)
}

func TestResumedDeliveryKeepsAttemptBudget(t *testing.T) {
	h := newHarness()
	h.deliverer.failures = -1

	items := makeItems("A", 2, day.Add(-time.Hour))
	d := model.Digest{RunDate: day, Status: model.DigestDraft}
	var fps []string
	for _, item := range items {
		item.Fingerprint = fp(item)
		fps = append(fps, item.Fingerprint)
		d.Items = append(d.Items, model.DigestEntry{
			Item:    item,
			Summary: model.SummaryResult{Fingerprint: item.Fingerprint, SummaryText: "s", Status: model.SummaryOK},
		})
		require.NoError(t, h.dedup.MarkSeen(context.Background(), item.Fingerprint, day))
	}
	payload, err := Payload{Digest: &d, Committed: fps, Stats: model.RunStats{DeliveryAttempts: 2}}.encode()
	require.NoError(t, err)
	_, err = h.checkpoints.Create(context.Background(), model.RunCheckpoint{
		RunDate:        day,
		Stage:          model.StageDelivering,
		Payload:        payload,
		Owner:          "crashed",
		LeaseExpiresAt: h.now.Add(-time.Second),
		Attempt:        1,
	})
	require.NoError(t, err)

	out := h.orchestrator(5).Run(context.Background(), day)

	assert.Equal(t, model.OutcomeFailed, out.Status)
	attempts, _ := h.deliverer.counts()
	assert.Equal(t, 1, attempts)
	for _, f := range fps {
		assert.True(t, h.isNew(t, f, day), "undelivered fingerprint must be released")
	}
}

func TestPartialSourceFailure(t *testing.T) {
	h := newHarness(
		&stubAdapter{id: "A", items: makeItems("A", 3, day.Add(-time.Hour))},
		&stubAdapter{id: "B", err: errors.New("connection refused")},
		&stubAdapter{id: "C", items: makeItems("C", 2, day.Add(-2*time.Hour))},
	)

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	assert.Len(t, out.Digest.Items, 5)
	require.Len(t, out.Stats.Sources, 3)
	assert.Contains(t, out.Stats.Sources[1].Error, "connection refused")
	assert.Equal(t, 3, out.Stats.Sources[0].Fetched)
	assert.Equal(t, 2, out.Stats.Sources[2].Fetched)
}

func TestBoundedDigestSize(t *testing.T) {
	for _, n := range []int{0, 1, 5, 12, 40} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			h := newHarness(&stubAdapter{id: "A", items: makeItems("A", n, day.Add(-time.Minute))})

			out := h.orchestrator(5).Run(context.Background(), day)

			require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
			assert.LessOrEqual(t, len(out.Digest.Items), 5)
			assert.Equal(t, min(n, 5), len(out.Digest.Items))
			assert.Equal(t, n, out.Stats.Fresh)
		})
	}
}

func TestDeliveryExhaustionLeavesStoreUnmodified(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 3, day.Add(-time.Hour))})
	h.deliverer.failures = -1
	o := h.orchestrator(5)

	out := o.Run(context.Background(), day)

	require.Equal(t, model.OutcomeFailed, out.Status)
	assert.Contains(t, out.Reason, "delivery failed after 3 attempts")
	attempts, sent := h.deliverer.counts()
	assert.Equal(t, 3, attempts)
	assert.Zero(t, sent)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.slept)
	assert.Empty(t, h.memDedup.Records())

	cp := h.checkpoint(t, day)
	assert.Equal(t, model.StageFailed, cp.Stage)
	assert.Contains(t, cp.Reason, "channel down")

	again := o.Run(context.Background(), day)
	assert.Equal(t, model.OutcomeFailed, again.Status)
	assert.Contains(t, again.Reason, "failed earlier")
	attempts, _ = h.deliverer.counts()
	assert.Equal(t, 3, attempts, "a failed delivery is not repeated for the same date")
}

func TestDeliveryRetryHonorsRequestedDelay(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 2, day.Add(-time.Hour))})
	h.deliverer.failures = 1
	h.deliverer.delay = 30 * time.Second

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	assert.Equal(t, 2, out.Stats.DeliveryAttempts)
	assert.Equal(t, []time.Duration{30 * time.Second}, h.slept)
	_, sent := h.deliverer.counts()
	assert.Equal(t, 1, sent)
}

func TestScenarioSeenItemFailingSourceAndTopFive(t *testing.T) {
	aItems := makeItems("A", 10, day.Add(-time.Hour))
	f1 := fp(aItems[3])
	priorDay := day.AddDate(0, 0, -5)

	h := newHarness(
		&stubAdapter{id: "A", items: aItems},
		&stubAdapter{id: "B", block: true},
		&stubAdapter{id: "C", items: makeItems("C", 2, day.Add(-30*time.Minute))},
	)
	require.NoError(t, h.dedup.MarkSeen(context.Background(), f1, priorDay))
	before := h.memDedup.Records()[f1]

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	assert.Equal(t, 12, out.Stats.Candidates)
	assert.Equal(t, 11, out.Stats.Fresh)
	assert.Equal(t, 5, out.Stats.Selected)
	assert.NotEmpty(t, out.Stats.Sources[1].Error, "B should have timed out")
	require.Len(t, out.Digest.Items, 5)
	assert.Equal(t, 5, h.svc.count())
	assert.NotContains(t, out.Digest.Fingerprints(), f1)

	_, sent := h.deliverer.counts()
	assert.Equal(t, 1, sent)

	records := h.memDedup.Records()
	assert.Len(t, records, 6)
	assert.Equal(t, before, records[f1])
	for _, f := range out.Digest.Fingerprints() {
		assert.Equal(t, day, records[f].FirstSeenDate)
	}
}

func TestCancelledRunFailsAndCanBeRetried(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 2, day.Add(-time.Hour))})
	o := h.orchestrator(5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := o.Run(ctx, day)

	require.Equal(t, model.OutcomeFailed, out.Status)
	assert.Contains(t, out.Reason, "context canceled")
	assert.Equal(t, model.StageFailed, h.checkpoint(t, day).Stage)

	retry := o.Run(context.Background(), day)
	require.Equal(t, model.OutcomeCompleted, retry.Status, retry.Reason)
	assert.Equal(t, 2, h.checkpoint(t, day).Attempt)
	_, sent := h.deliverer.counts()
	assert.Equal(t, 1, sent)
}

func TestSummaryFailuresFallBackToExcerpt(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 3, day.Add(-time.Hour))})
	h.svc.fail = true

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	require.Len(t, out.Digest.Items, 3)
	assert.Equal(t, 3, out.Stats.Fallbacks)
	for _, e := range out.Digest.Items {
		assert.Equal(t, model.SummaryFallback, e.Summary.Status)
		assert.Equal(t, e.Item.RawExcerpt, e.Summary.SummaryText)
		assert.NotEmpty(t, e.Summary.Error)
	}
}

// staleReads reports every fingerprint as new, as a replica lagging behind
// another run's commit would.
type staleReads struct {
	*store.MemoryDedupStore
}

func (staleReads) IsNew(ctx context.Context, fingerprint string, asOf time.Time) (bool, error) {
	return true, nil
}

func TestCommitConflictDropsItem(t *testing.T) {
	items := makeItems("A", 3, day.Add(-time.Hour))
	h := newHarness(&stubAdapter{id: "A", items: items})
	h.dedup = staleReads{h.memDedup}

	taken := fp(items[0])
	require.NoError(t, h.memDedup.MarkSeen(context.Background(), taken, day.AddDate(0, 0, -2)))

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	assert.Equal(t, 1, out.Stats.Dropped)
	assert.Len(t, out.Digest.Items, 2)
	assert.NotContains(t, out.Digest.Fingerprints(), taken)
	assert.Equal(t, day.AddDate(0, 0, -2), h.memDedup.Records()[taken].FirstSeenDate)
}

func TestResumedCommitKeepsOwnMarks(t *testing.T) {
	h := newHarness()
	items := makeItems("A", 2, day.Add(-time.Hour))
	var ranked []model.RankedItem
	summaries := map[string]model.SummaryResult{}
	for _, item := range items {
		item.Fingerprint = fp(item)
		ranked = append(ranked, model.RankedItem{Item: item, Score: 1})
		summaries[item.Fingerprint] = model.SummaryResult{Fingerprint: item.Fingerprint, SummaryText: "s", Status: model.SummaryOK}
	}
	// The crashed owner marked the first item before dying.
	require.NoError(t, h.dedup.MarkSeen(context.Background(), ranked[0].Item.Fingerprint, day))

	payload, err := Payload{Ranked: ranked, Summaries: summaries}.encode()
	require.NoError(t, err)
	_, err = h.checkpoints.Create(context.Background(), model.RunCheckpoint{
		RunDate:        day,
		Stage:          model.StageComposing,
		Payload:        payload,
		Owner:          "crashed",
		LeaseExpiresAt: h.now.Add(-time.Minute),
		Attempt:        1,
	})
	require.NoError(t, err)

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	assert.Len(t, out.Digest.Items, 2)
	assert.Zero(t, out.Stats.Dropped)
}

func TestLostLeaseAbandonsWithoutReleasing(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 2, day.Add(-time.Hour))})
	h.deliverer.onSend = func() {
		cp, err := h.checkpoints.Get(context.Background(), day)
		if err != nil {
			return
		}
		cp.Owner = "thief"
		h.checkpoints.Update(context.Background(), cp)
	}

	out := h.orchestrator(5).Run(context.Background(), day)

	assert.Equal(t, model.OutcomeFailed, out.Status)
	assert.Contains(t, out.Reason, "lease lost")
	cp := h.checkpoint(t, day)
	assert.Equal(t, "thief", cp.Owner)
	assert.Equal(t, model.StageDelivering, cp.Stage)
	assert.Len(t, h.memDedup.Records(), 2)
}

func TestWatermarkReachesBackToLastCompletedRun(t *testing.T) {
	a := &stubAdapter{id: "A"}
	h := newHarness(a)
	last := day.AddDate(0, 0, -10)
	_, err := h.checkpoints.Create(context.Background(), model.RunCheckpoint{RunDate: last, Stage: model.StageCompleted})
	require.NoError(t, err)

	out := h.orchestrator(5).Run(context.Background(), day)

	require.Equal(t, model.OutcomeCompleted, out.Status, out.Reason)
	_, since := a.fetches()
	assert.Equal(t, last, since)
}

func TestStatusAndPrune(t *testing.T) {
	h := newHarness(&stubAdapter{id: "A", items: makeItems("A", 2, day.Add(-time.Hour))})
	o := h.orchestrator(5)

	_, err := o.Status(context.Background(), day)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	require.Equal(t, model.OutcomeCompleted, o.Run(context.Background(), day).Status)

	st, err := o.Status(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, st.Stage)
	require.NotNil(t, st.Digest)
	assert.Len(t, st.Digest.Items, 2)
	assert.Equal(t, 1, st.Stats.DeliveryAttempts)

	n, err := o.Prune(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	h.now = day.Add(store.DefaultRetention + time.Hour)
	n, err = o.Prune(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
