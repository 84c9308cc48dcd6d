package generate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/verify"
)

type stubChat struct {
	mu       sync.Mutex
	answer   string
	err      error
	block    bool
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	lastUser string
}

func (s *stubChat) Complete(ctx context.Context, _ model.ModelConfig, _, user string) (string, error) {
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if cur <= prev || s.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	s.mu.Lock()
	s.lastUser = user
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if s.err != nil {
		return "", s.err
	}
	return s.answer, nil
}

func testCandidates() []verify.Candidate {
	rd := time.Date(2014, 6, 19, 0, 0, 0, 0, time.UTC)
	return []verify.Candidate{{
		Page: model.Page{ID: 7, OpinionID: "A", PageNumber: 5, Text: "We hold that the claims at issue are drawn to the abstract idea of intermediated settlement."},
		Opinion: model.Opinion{
			ID: "A", CaseName: "Alice Corp. v. CLS Bank International",
			AppealNo: "13-298", ReleaseDate: &rd,
		},
	}}
}

func TestBuildContext(t *testing.T) {
	text, entries := BuildContext(testCandidates())

	assert.Contains(t, text, "--- BEGIN EXCERPT ---")
	assert.Contains(t, text, "--- END EXCERPT ---")
	assert.Contains(t, text, "opinion_id: A")
	assert.Contains(t, text, "case: Alice Corp. v. CLS Bank International")
	assert.Contains(t, text, "docket: 13-298")
	assert.Contains(t, text, "released: 2014-06-19")
	assert.Contains(t, text, "page: 5")

	require.Len(t, entries, 1)
	assert.Equal(t, int64(7), entries[0].PageID)
	assert.Positive(t, entries[0].TokenCount)
}

func TestDraftCarriesQueryAndExcerpts(t *testing.T) {
	chat := &stubChat{answer: "The claims are ineligible."}
	cfg := model.ModelConfig{Model: "gpt-4o", Temperature: 0.1, MaxTokens: 2000}
	g := New(chat, cfg, Options{}, nil)

	draft, err := g.Draft(context.Background(), "are the claims eligible", testCandidates())
	require.NoError(t, err)

	assert.Equal(t, "The claims are ineligible.", draft.RawAnswer)
	assert.Equal(t, SystemPromptVersion, draft.PromptVersion)
	assert.Equal(t, cfg, draft.ModelConfig)
	require.Len(t, draft.ContextEntries, 1)

	assert.True(t, strings.HasPrefix(chat.lastUser, "Question: are the claims eligible"))
	assert.Contains(t, chat.lastUser, "--- BEGIN EXCERPT ---")
}

func TestDraftTimeoutClassified(t *testing.T) {
	chat := &stubChat{block: true}
	g := New(chat, model.ModelConfig{Model: "m"}, Options{CallTimeout: 20 * time.Millisecond, OuterWait: time.Second}, nil)

	_, err := g.Draft(context.Background(), "q", testCandidates())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestDraftUnavailableClassified(t *testing.T) {
	chat := &stubChat{err: errors.New("connection refused")}
	g := New(chat, model.ModelConfig{Model: "m"}, Options{}, nil)

	_, err := g.Draft(context.Background(), "q", testCandidates())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	chat := &stubChat{answer: "ok"}
	g := New(chat, model.ModelConfig{Model: "m"}, Options{Workers: 2}, nil)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Draft(context.Background(), "q", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, chat.maxSeen.Load(), int32(2))
}
