package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/storage"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestBreakerLifecycle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(5, 300*time.Second, clock.Now)

	assert.Equal(t, BreakerClosed, b.State())

	// Four failures keep it closed.
	for range 4 {
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())

	// The fifth consecutive failure opens it.
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// Cooldown not yet elapsed.
	clock.Advance(299 * time.Second)
	assert.False(t, b.Allow())

	// After cooldown, exactly one probe is admitted.
	clock.Advance(2 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow())

	// Half-open failure reopens.
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	// Next probe succeeds and closes.
	clock.Advance(301 * time.Second)
	assert.True(t, b.Allow())
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(5, time.Minute, nil)
	for range 4 {
		b.Failure()
	}
	b.Success()
	for range 4 {
		b.Failure()
	}
	assert.Equal(t, BreakerClosed, b.State())
}

type flakyStore struct {
	mu       sync.Mutex
	failing  bool
	inserted []model.QueryRun
}

func (s *flakyStore) InsertQueryRun(_ context.Context, run model.QueryRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("db down")
	}
	s.inserted = append(s.inserted, run)
	return nil
}

func (s *flakyStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserted)
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func newRun() model.QueryRun {
	return model.QueryRun{ID: uuid.New(), UserQuery: "q", FinalAnswer: "a"}
}

func TestRecorderOpensBreakerAndSpills(t *testing.T) {
	store := &flakyStore{failing: true}
	spill, err := OpenSpill(":memory:")
	require.NoError(t, err)
	defer spill.Close()

	clock := &fakeClock{t: time.Now()}
	breaker := NewBreaker(5, 300*time.Second, clock.Now)
	rec := NewRecorder(store, breaker, spill, nil)

	// Five failing writes open the circuit; the sixth is suppressed without
	// touching the store.
	for range 6 {
		rec.Record(newRun())
	}
	rec.Close()

	assert.Equal(t, BreakerOpen, breaker.State())
	assert.Zero(t, store.count())

	spilled, err := spill.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, spilled)
}

func TestRecorderRecoversAndDrainsSpill(t *testing.T) {
	store := &flakyStore{failing: true}
	spill, err := OpenSpill(":memory:")
	require.NoError(t, err)
	defer spill.Close()

	clock := &fakeClock{t: time.Now()}
	breaker := NewBreaker(5, 300*time.Second, clock.Now)

	rec := NewRecorder(store, breaker, spill, nil)
	for range 5 {
		rec.Record(newRun())
	}
	rec.Close()
	require.Equal(t, BreakerOpen, breaker.State())

	// Cooldown elapses, the store heals, and the next write probes the
	// circuit closed and drains the spill.
	clock.Advance(301 * time.Second)
	store.setFailing(false)

	rec = NewRecorder(store, breaker, spill, nil)
	rec.Record(newRun())
	rec.Close()

	assert.Equal(t, BreakerClosed, breaker.State())
	assert.Equal(t, 6, store.count())

	remaining, err := spill.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, remaining)
}

func TestSpillDrainStopsOnError(t *testing.T) {
	spill, err := OpenSpill(":memory:")
	require.NoError(t, err)
	defer spill.Close()

	ctx := context.Background()
	for range 3 {
		require.NoError(t, spill.Put(ctx, newRun()))
	}

	calls := 0
	drained, err := spill.Drain(ctx, 10, func(context.Context, model.QueryRun) error {
		calls++
		if calls == 2 {
			return errors.New("sink failed")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 1, drained)

	left, err := spill.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, left)
}

func TestReplayPacketWithinCap(t *testing.T) {
	run := model.QueryRun{
		ID:                  uuid.New(),
		CorpusVersionID:     "abc123def456",
		UserQuery:           "is software patentable",
		RetrievalManifest:   []model.RetrievalEntry{{PageID: 1, Score: 0.9}},
		ContextManifest:     []model.ContextEntry{{PageID: 1, TokenCount: 120}},
		ModelConfig:         model.ModelConfig{Model: "gpt-4o", Temperature: 0.1, MaxTokens: 2000},
		SystemPromptVersion: "v2.0-quote-first",
		FinalAnswer:         "The claims are ineligible. [S1]",
		LatencyMS:           1200,
	}

	pkt, err := BuildReplayPacket(run)
	require.NoError(t, err)
	assert.False(t, pkt.SizeLimited)
	assert.Equal(t, run.FinalAnswer, pkt.FinalAnswer)
	assert.Equal(t, run.CorpusVersionID, pkt.CorpusVersionID)
}

func TestReplayPacketTruncatesOversizedAnswer(t *testing.T) {
	run := model.QueryRun{
		ID:          uuid.New(),
		UserQuery:   "q",
		FinalAnswer: strings.Repeat("a", maxReplayPacketBytes+1000),
		ModelConfig: model.ModelConfig{Model: "gpt-4o"},
	}

	pkt, err := BuildReplayPacket(run)
	require.NoError(t, err)
	assert.True(t, pkt.SizeLimited)
	assert.Equal(t, truncatedPlaceholder, pkt.FinalAnswer)
	assert.Contains(t, pkt.Truncated, "final_answer")
	// Identifiers survive truncation.
	assert.Equal(t, run.ID, pkt.RunID)
}

type fakeRetentionStore struct {
	redacted, deleted int64
	counted           bool
}

func (f *fakeRetentionStore) CountRetentionEligible(_ context.Context, _, _ time.Time) (storage.RetentionCounts, error) {
	f.counted = true
	return storage.RetentionCounts{Redacted: 7, Deleted: 3}, nil
}

func (f *fakeRetentionStore) RedactOldRuns(_ context.Context, _ time.Time) (int64, error) {
	f.redacted += 7
	return 7, nil
}

func (f *fakeRetentionStore) DeleteOldRuns(_ context.Context, _ time.Time, _ int) (int64, error) {
	f.deleted += 3
	return 3, nil
}

func TestRetentionDryRunAndApply(t *testing.T) {
	store := &fakeRetentionStore{}
	job := NewRetentionJob(store, RetentionPolicy{}, nil, nil)

	res, err := job.Run(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, int64(7), res.Redacted)
	assert.Equal(t, int64(3), res.Deleted)
	assert.True(t, store.counted)
	assert.Zero(t, store.redacted)

	res, err = job.Run(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, res.DryRun)
	assert.Equal(t, int64(7), res.Redacted)
	assert.Equal(t, int64(3), res.Deleted)
}
