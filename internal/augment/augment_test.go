package augment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/retrieval"
)

type fakeSearcher struct {
	hits  map[string][]model.PageHit
	err   error
	block bool
	calls []string
}

func (f *fakeSearcher) SearchPages(ctx context.Context, q retrieval.PageQuery) ([]model.PageHit, error) {
	f.calls = append(f.calls, q.Query)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.hits[q.Query], nil
}

type fakeEmbedder struct{ err error }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	if f.err != nil {
		return pgvector.Vector{}, f.err
	}
	return pgvector.NewVector([]float32{0.1, 0.2}), nil
}

type fakeNeighbors struct {
	hits     []model.PageHit
	excluded []int64
}

func (f *fakeNeighbors) NearestPages(ctx context.Context, _ pgvector.Vector, excludeIDs []int64, limit, _ int) ([]model.PageHit, error) {
	f.excluded = excludeIDs
	if len(f.hits) > limit {
		return f.hits[:limit], nil
	}
	return f.hits, nil
}

func hit(id int64, rank float64) model.PageHit {
	return model.PageHit{PageID: id, OpinionID: "op", PageNumber: int(id), Rank: rank}
}

func baselineOf(n int, rank float64) []model.PageHit {
	out := make([]model.PageHit, 0, n)
	for i := range n {
		out = append(out, hit(int64(i+1), rank))
	}
	return out
}

func TestDetectTags(t *testing.T) {
	cases := []struct {
		query string
		want  []string
	}{
		{"is this claim directed to an abstract idea", []string{"101"}},
		{"obviousness under KSR and claim construction disputes", []string{"103", "claim_construction"}},
		{"reasonable royalty apportionment", []string{"damages"}},
		{"who won the super bowl", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DetectTags(tc.query), tc.query)
	}
}

func TestMultiIssue(t *testing.T) {
	assert.True(t, MultiIssue("obviousness under KSR and indefiniteness under Nautilus"))
	assert.True(t, MultiIssue("what is the standard for claim construction and how do courts apply intrinsic evidence"))
	assert.False(t, MultiIssue("claim construction standard"))
	assert.False(t, MultiIssue("apples and oranges and bananas on a long shopping list"))
}

func TestDecompose(t *testing.T) {
	subs := Decompose("abstract idea eligibility and obviousness and written description and damages and inequitable conduct", 4)
	require.Len(t, subs, 4)
	assert.Contains(t, subs[0], "Alice Corp")
	assert.Contains(t, subs[1], "KSR Int")
}

func TestDecomposeForumAnchoredFallback(t *testing.T) {
	subs := Decompose("certificate of correction for a clerical error", 4)
	require.Len(t, subs, 1)
	assert.Contains(t, subs[0], "CAFC Federal Circuit")
}

func TestAugmentSkipsOnHealthyBaseline(t *testing.T) {
	s := &fakeSearcher{}
	a := New(s, nil, nil, Options{DecomposeEnabled: true}, nil)

	baseline := baselineOf(10, 0.8)
	out, note := a.Augment(context.Background(), "claim construction standard", baseline)

	assert.Equal(t, baseline, out)
	assert.False(t, note.Triggered)
	assert.Empty(t, s.calls)
}

func TestAugmentStrongBaselineSuppression(t *testing.T) {
	s := &fakeSearcher{}
	// Thin enough to trigger, but strong enough to suppress.
	opts := Options{DecomposeEnabled: true, MinFTSResults: 8, StrongBaselineMin: 5, StrongBaselineScore: 0.5}
	a := New(s, nil, nil, opts, nil)

	baseline := baselineOf(6, 0.9)
	out, note := a.Augment(context.Background(), "obviousness analysis", baseline)

	assert.Equal(t, baseline, out)
	assert.False(t, note.Triggered)
	assert.Contains(t, note.Reasons, "suppressed_strong_baseline")

	opts.ForcePhase1 = true
	a = New(s, nil, nil, opts, nil)
	_, note = a.Augment(context.Background(), "obviousness analysis", baseline)
	assert.True(t, note.Triggered)
}

func TestAugmentIsAdditive(t *testing.T) {
	sub := "obviousness KSR Int"
	s := &fakeSearcher{hits: map[string][]model.PageHit{
		sub: {hit(100, 0.4), hit(1, 0.9), hit(101, 0.3)},
	}}
	a := New(s, nil, nil, Options{DecomposeEnabled: true}, nil)

	baseline := []model.PageHit{hit(1, 0.05), hit(2, 0.04)}
	out, note := a.Augment(context.Background(), "obviousness under KSR", baseline)

	require.True(t, note.Triggered)
	// Baseline order preserved, duplicates dropped, extras appended.
	require.Len(t, out, 4)
	assert.Equal(t, baseline, out[:2])
	ids := []int64{out[2].PageID, out[3].PageID}
	assert.ElementsMatch(t, []int64{100, 101}, ids)
	assert.Equal(t, 2, note.Added)
}

func TestAugmentErrorReturnsBaselineUnchanged(t *testing.T) {
	s := &fakeSearcher{err: errors.New("db down")}
	a := New(s, nil, nil, Options{DecomposeEnabled: true}, nil)

	baseline := []model.PageHit{hit(1, 0.05)}
	out, note := a.Augment(context.Background(), "obviousness question", baseline)

	assert.Equal(t, baseline, out)
	assert.True(t, note.Triggered)
	assert.Zero(t, note.Added)
}

func TestAugmentSemanticRecallExcludesBaseline(t *testing.T) {
	n := &fakeNeighbors{hits: []model.PageHit{hit(50, 0.7)}}
	a := New(nil, &fakeEmbedder{}, n, Options{EmbedRecallEnabled: true}, nil)

	baseline := []model.PageHit{hit(1, 0.05), hit(2, 0.04)}
	out, note := a.Augment(context.Background(), "novel legal question", baseline)

	require.Len(t, out, 3)
	assert.Equal(t, int64(50), out[2].PageID)
	assert.ElementsMatch(t, []int64{1, 2}, n.excluded)
	assert.Equal(t, 1, note.Added)
}

func TestAugmentBudgetCutsOffSlowSubqueries(t *testing.T) {
	s := &fakeSearcher{block: true}
	a := New(s, nil, nil, Options{DecomposeEnabled: true, Budget: 20 * time.Millisecond}, nil)

	baseline := []model.PageHit{hit(1, 0.05)}
	start := time.Now()
	out, note := a.Augment(context.Background(), "obviousness question", baseline)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, baseline, out)
	assert.True(t, note.Triggered)
	assert.Zero(t, note.Added)
}

func TestAugmentCapsAddedCandidates(t *testing.T) {
	sub := "obviousness KSR Int"
	var many []model.PageHit
	for i := int64(100); i < 160; i++ {
		many = append(many, hit(i, float64(i)/1000))
	}
	s := &fakeSearcher{hits: map[string][]model.PageHit{sub: many}}
	a := New(s, nil, nil, Options{DecomposeEnabled: true, MaxAugmentCandidates: 50}, nil)

	baseline := []model.PageHit{hit(1, 0.05)}
	out, note := a.Augment(context.Background(), "obviousness under KSR", baseline)

	assert.Len(t, out, 51)
	assert.Equal(t, 50, note.Added)
}
