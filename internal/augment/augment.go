package augment

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/ranking"
	"github.com/caselaw-ai/shepard/internal/retrieval"
)

// Searcher is the lexical search surface the augmenter issues subqueries to.
type Searcher interface {
	SearchPages(ctx context.Context, q retrieval.PageQuery) ([]model.PageHit, error)
}

// Embedder produces a query embedding for semantic recall.
type Embedder interface {
	Embed(ctx context.Context, text string) (pgvector.Vector, error)
}

// NeighborSource returns nearest pages for a query embedding.
type NeighborSource interface {
	NearestPages(ctx context.Context, embedding pgvector.Vector, excludeIDs []int64, limit, maxTextChars int) ([]model.PageHit, error)
}

// Options bound the augmenter. Zero values fall back to the documented
// defaults.
type Options struct {
	MinFTSResults        int
	MinTopScore          float64
	MaxSubqueries        int
	MaxAugmentCandidates int
	MaxEmbedCandidates   int
	StrongBaselineMin    int
	StrongBaselineScore  float64
	ForcePhase1          bool
	DecomposeEnabled     bool
	EmbedRecallEnabled   bool
	Budget               time.Duration
}

func (o Options) withDefaults() Options {
	if o.MinFTSResults <= 0 {
		o.MinFTSResults = 8
	}
	if o.MinTopScore <= 0 {
		o.MinTopScore = 0.15
	}
	if o.MaxSubqueries <= 0 {
		o.MaxSubqueries = 4
	}
	if o.MaxAugmentCandidates <= 0 {
		o.MaxAugmentCandidates = 50
	}
	if o.MaxEmbedCandidates <= 0 {
		o.MaxEmbedCandidates = 30
	}
	if o.StrongBaselineMin <= 0 {
		o.StrongBaselineMin = 5
	}
	if o.StrongBaselineScore <= 0 {
		o.StrongBaselineScore = 0.5
	}
	if o.Budget <= 0 {
		o.Budget = 500 * time.Millisecond
	}
	return o
}

// Note is the telemetry record of one augmentation attempt.
type Note struct {
	Triggered  bool     `json:"triggered"`
	Reasons    []string `json:"reasons,omitempty"`
	Subqueries []string `json:"subqueries,omitempty"`
	Added      int      `json:"added"`
	Error      string   `json:"error,omitempty"`
}

// Augmenter appends recall candidates to a lexical baseline. Strictly
// additive: the baseline slice is never mutated, filtered, or reordered.
type Augmenter struct {
	searcher  Searcher
	embedder  Embedder
	neighbors NeighborSource
	opts      Options
	logger    *slog.Logger
}

// New creates an augmenter. embedder and neighbors may be nil, which
// disables semantic recall.
func New(searcher Searcher, embedder Embedder, neighbors NeighborSource, opts Options, logger *slog.Logger) *Augmenter {
	return &Augmenter{
		searcher:  searcher,
		embedder:  embedder,
		neighbors: neighbors,
		opts:      opts.withDefaults(),
		logger:    logger,
	}
}

// Augment returns the baseline plus any extra candidates, and a telemetry
// note. Errors never propagate: on any failure the baseline is returned
// unchanged with the error recorded in the note.
func (a *Augmenter) Augment(ctx context.Context, query string, baseline []model.PageHit) ([]model.PageHit, Note) {
	note := Note{Reasons: a.triggerReasons(query, baseline)}
	if len(note.Reasons) == 0 {
		return baseline, note
	}
	if a.strongBaseline(baseline) && !a.opts.ForcePhase1 {
		note.Reasons = append(note.Reasons, "suppressed_strong_baseline")
		return baseline, note
	}
	note.Triggered = true

	ctx, cancel := context.WithTimeout(ctx, a.opts.Budget)
	defer cancel()

	seen := make(map[int64]bool, len(baseline))
	for _, h := range baseline {
		seen[h.PageID] = true
	}

	var mu sync.Mutex
	var extra []model.PageHit
	add := func(hits []model.PageHit) {
		mu.Lock()
		defer mu.Unlock()
		for _, h := range hits {
			if seen[h.PageID] {
				continue
			}
			seen[h.PageID] = true
			extra = append(extra, h)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.opts.DecomposeEnabled && a.searcher != nil {
		note.Subqueries = Decompose(query, a.opts.MaxSubqueries)
		for _, sub := range note.Subqueries {
			g.Go(func() error {
				hits, err := a.searcher.SearchPages(gctx, retrieval.PageQuery{Query: sub, Limit: a.opts.MaxAugmentCandidates})
				if err != nil {
					// Budget overruns and transient errors skip the subquery.
					a.log(gctx, "augment subquery skipped", "subquery", sub, "error", err)
					return nil
				}
				add(hits)
				return nil
			})
		}
	}

	if a.opts.EmbedRecallEnabled && a.embedder != nil && a.neighbors != nil {
		excluded := make([]int64, 0, len(baseline))
		for _, h := range baseline {
			excluded = append(excluded, h.PageID)
		}
		g.Go(func() error {
			vec, err := a.embedder.Embed(gctx, query)
			if err != nil {
				a.log(gctx, "augment embed skipped", "error", err)
				return nil
			}
			hits, err := a.neighbors.NearestPages(gctx, vec, excluded, a.opts.MaxEmbedCandidates, 0)
			if err != nil {
				a.log(gctx, "augment neighbors skipped", "error", err)
				return nil
			}
			add(hits)
			return nil
		})
	}

	// Workers swallow their own errors; Wait only observes cancellation.
	_ = g.Wait()

	sort.SliceStable(extra, func(i, j int) bool { return extra[i].Rank > extra[j].Rank })
	if len(extra) > a.opts.MaxAugmentCandidates {
		extra = extra[:a.opts.MaxAugmentCandidates]
	}
	note.Added = len(extra)

	out := make([]model.PageHit, 0, len(baseline)+len(extra))
	out = append(out, baseline...)
	out = append(out, extra...)
	return out, note
}

// triggerReasons reports why augmentation should run; empty means skip.
func (a *Augmenter) triggerReasons(query string, baseline []model.PageHit) []string {
	var reasons []string
	if len(baseline) < a.opts.MinFTSResults {
		reasons = append(reasons, "thin_baseline")
	}
	if topScore(baseline) < a.opts.MinTopScore {
		reasons = append(reasons, "low_top_score")
	}
	if MultiIssue(query) {
		reasons = append(reasons, "multi_issue")
	}
	return reasons
}

func (a *Augmenter) strongBaseline(baseline []model.PageHit) bool {
	return len(baseline) >= a.opts.StrongBaselineMin && topScore(baseline) >= a.opts.StrongBaselineScore
}

func topScore(hits []model.PageHit) float64 {
	top := 0.0
	for _, h := range hits {
		if h.Rank > top {
			top = h.Rank
		}
	}
	return top
}

func (a *Augmenter) log(ctx context.Context, msg string, args ...any) {
	if a.logger != nil {
		a.logger.DebugContext(ctx, msg, args...)
	}
}

// Decompose emits at most max focused subqueries, one per detected doctrine:
// the doctrine's signal term plus its controlling case when one exists, or a
// forum-anchored variant otherwise.
func Decompose(query string, max int) []string {
	tags := DetectTags(query)
	var subs []string
	for _, tag := range tags {
		if len(subs) == max {
			break
		}
		term := signalTerms[tag]
		if controlling := ranking.ControllingCases(tag); len(controlling) > 0 {
			subs = append(subs, term+" "+controlling[0])
		} else {
			subs = append(subs, term+" CAFC Federal Circuit")
		}
	}
	return subs
}
