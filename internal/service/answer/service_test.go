package answer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/evals"
	"github.com/caselaw-ai/shepard/internal/generate"
	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/retrieval"
	"github.com/caselaw-ai/shepard/internal/verify"
)

const alicePageText = "We hold that the claims at issue are drawn to the abstract idea of " +
	"intermediated settlement, and that merely requiring generic computer implementation " +
	"fails to transform that abstract idea into a patent-eligible invention."

func testDate(y int) *time.Time {
	t := time.Date(y, 6, 19, 0, 0, 0, 0, time.UTC)
	return &t
}

type fakeRetriever struct {
	hits []model.PageHit
	err  error
}

func (f *fakeRetriever) SearchPages(context.Context, retrieval.PageQuery) ([]model.PageHit, error) {
	return f.hits, f.err
}

type fakeCorpus struct {
	pages    map[int64]model.Page
	opinions map[string]model.Opinion
}

func (f *fakeCorpus) GetPagesByIDs(_ context.Context, ids []int64) (map[int64]model.Page, error) {
	out := map[int64]model.Page{}
	for _, id := range ids {
		if p, ok := f.pages[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (f *fakeCorpus) GetOpinions(_ context.Context, ids []string) (map[string]model.Opinion, error) {
	out := map[string]model.Opinion{}
	for _, id := range ids {
		if o, ok := f.opinions[id]; ok {
			out[id] = o
		}
	}
	return out, nil
}

func (f *fakeCorpus) CorpusVersionID(context.Context) (string, error) {
	return "v-test-corpus", nil
}

type fakeDrafter struct {
	answer string
	err    error
}

func (f *fakeDrafter) Draft(_ context.Context, _ string, candidates []verify.Candidate) (generate.Draft, error) {
	draft := generate.Draft{
		ModelConfig:   model.ModelConfig{Model: "gpt-test", Temperature: 0.1, MaxTokens: 2000},
		PromptVersion: generate.SystemPromptVersion,
	}
	for _, c := range candidates {
		draft.ContextEntries = append(draft.ContextEntries, model.ContextEntry{
			PageID:     c.Page.ID,
			TokenCount: len(c.Page.Text) / 4,
		})
	}
	if f.err != nil {
		return draft, f.err
	}
	draft.RawAnswer = f.answer
	return draft, nil
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []model.QueryRun
}

func (f *fakeRecorder) Record(run model.QueryRun) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
}

func (f *fakeRecorder) last(t *testing.T) model.QueryRun {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.runs)
	return f.runs[len(f.runs)-1]
}

func aliceCorpus() (*fakeRetriever, *fakeCorpus) {
	retr := &fakeRetriever{hits: []model.PageHit{{
		PageID:     1,
		OpinionID:  "alice-2014",
		PageNumber: 5,
		Text:       alicePageText[:80],
		CaseName:   "Alice Corp. v. CLS Bank International",
		Court:      model.CourtSCOTUS,
		Rank:       0.8,
	}}}
	corpus := &fakeCorpus{
		pages: map[int64]model.Page{
			1: {ID: 1, OpinionID: "alice-2014", PageNumber: 5, Text: alicePageText},
		},
		opinions: map[string]model.Opinion{
			"alice-2014": {
				ID:           "alice-2014",
				CaseName:     "Alice Corp. v. CLS Bank International",
				Court:        model.CourtSCOTUS,
				Precedential: true,
				Landmark:     true,
				ReleaseDate:  testDate(2014),
			},
		},
	}
	return retr, corpus
}

func newService(retr Retriever, corpus Corpus, drafter Drafter, rec Recorder, coll *evals.Collector) *Service {
	return New(retr, nil, corpus, drafter, rec, coll, nil, 0, slog.New(slog.DiscardHandler))
}

func TestAskVerifiedAnswer(t *testing.T) {
	retr, corpus := aliceCorpus()
	raw := `Generic computer implementation does not confer eligibility. ` +
		`<!--CITE:alice-2014|5|"merely requiring generic computer implementation fails to transform that abstract idea"-->`
	rec := &fakeRecorder{}
	coll := evals.NewCollector(10)
	svc := newService(retr, corpus, &fakeDrafter{answer: raw}, rec, coll)

	out, err := svc.Ask(context.Background(), Input{Query: "Is generic computer implementation enough under 101?", ConversationID: uuid.New()})
	require.NoError(t, err)

	assert.Contains(t, out.Answer, "[S1]")
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "alice-2014", out.Sources[0].OpinionID)
	assert.Equal(t, model.TierStrong, out.Sources[0].Tier)
	assert.Equal(t, "101", out.DoctrineTag)
	assert.False(t, out.Fallback)

	run := rec.last(t)
	assert.Equal(t, out.RunID, run.ID)
	assert.Equal(t, "v-test-corpus", run.CorpusVersionID)
	assert.Equal(t, out.Answer, run.FinalAnswer)
	require.Len(t, run.RetrievalManifest, 1)
	require.Len(t, run.ContextManifest, 1)
	assert.Equal(t, int64(1), run.ContextManifest[0].PageID)
	assert.Empty(t, run.FailureReason)

	report := coll.Report()
	assert.Equal(t, 1, report.Requests)
	assert.Equal(t, 100.0, report.VerificationRate)
}

func TestAskTimeoutDegradesToFallback(t *testing.T) {
	retr, corpus := aliceCorpus()
	rec := &fakeRecorder{}
	svc := newService(retr, corpus, &fakeDrafter{err: generate.ErrTimeout}, rec, nil)

	out, err := svc.Ask(context.Background(), Input{Query: "abstract idea eligibility"})
	require.NoError(t, err)

	assert.True(t, out.Fallback)
	require.Len(t, out.Sources, 1)
	assert.Equal(t, model.TierModerate, out.Sources[0].Tier)
	assert.LessOrEqual(t, out.Sources[0].Score, 69)
	assert.Equal(t, model.FailureLLMTimeout, rec.last(t).FailureReason)
}

func TestAskUnavailableDegradesToFallback(t *testing.T) {
	retr, corpus := aliceCorpus()
	rec := &fakeRecorder{}
	svc := newService(retr, corpus, &fakeDrafter{err: generate.ErrUnavailable}, rec, nil)

	out, err := svc.Ask(context.Background(), Input{Query: "abstract idea eligibility"})
	require.NoError(t, err)
	assert.True(t, out.Fallback)
	assert.Equal(t, model.FailureLLMUnavailable, rec.last(t).FailureReason)
}

func TestAskEmptyRetrievalYieldsNotFound(t *testing.T) {
	corpus := &fakeCorpus{}
	rec := &fakeRecorder{}
	svc := newService(&fakeRetriever{}, corpus, &fakeDrafter{answer: "No citations here."}, rec, nil)

	out, err := svc.Ask(context.Background(), Input{Query: "question about nothing in corpus"})
	require.NoError(t, err)
	assert.Equal(t, verify.NotFoundAnswer, out.Answer)
	assert.Empty(t, out.Sources)
}

func TestAskRetrievalErrorRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	svc := newService(&fakeRetriever{err: errors.New("pg down")}, &fakeCorpus{}, nil, rec, nil)

	_, err := svc.Ask(context.Background(), Input{Query: "any question"})
	require.Error(t, err)
	assert.Equal(t, model.FailureRetrieval, rec.last(t).FailureReason)
}

func TestAskRejectsOverlongQuestion(t *testing.T) {
	svc := newService(&fakeRetriever{}, &fakeCorpus{}, nil, nil, nil)
	_, err := svc.Ask(context.Background(), Input{Query: strings.Repeat("q", 2001)})
	assert.ErrorIs(t, err, ErrQueryTooLong)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	svc := newService(&fakeRetriever{}, &fakeCorpus{}, nil, nil, nil)
	_, err := svc.Ask(context.Background(), Input{Query: "   "})
	assert.Error(t, err)
}

func TestRankAndHydrateCapsContext(t *testing.T) {
	pages := map[int64]model.Page{}
	opinions := map[string]model.Opinion{
		"op-a": {ID: "op-a", CaseName: "A v. B", Court: model.CourtCAFC, Precedential: true, ReleaseDate: testDate(2021)},
	}
	var hits []model.PageHit
	for i := int64(1); i <= 12; i++ {
		pages[i] = model.Page{ID: i, OpinionID: "op-a", PageNumber: int(i), Text: alicePageText}
		hits = append(hits, model.PageHit{PageID: i, OpinionID: "op-a", PageNumber: int(i), Rank: float64(i) / 12})
	}
	svc := newService(&fakeRetriever{}, &fakeCorpus{pages: pages, opinions: opinions}, nil, nil, nil)

	candidates, manifest, err := svc.rankAndHydrate(context.Background(), "q", "", hits)
	require.NoError(t, err)
	assert.Len(t, manifest, 12)
	assert.Len(t, candidates, maxContextPages)
	// Highest relevance first after composite ranking.
	assert.Equal(t, int64(12), candidates[0].Page.ID)
}
