package semantic

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/storage"
)

// Searcher hydrates vector index hits into full page hits. Postgres remains
// the source of truth: index entries whose pages have been deleted are
// dropped silently.
type Searcher struct {
	index Index
	db    *storage.DB
}

// NewSearcher pairs a vector index with the corpus store.
func NewSearcher(index Index, db *storage.DB) *Searcher {
	return &Searcher{index: index, db: db}
}

// NearestPages implements the neighbor source used by recall augmentation:
// query the index, then hydrate pages and opinion metadata from Postgres.
func (s *Searcher) NearestPages(ctx context.Context, embedding pgvector.Vector, excludeIDs []int64, limit, maxTextChars int) ([]model.PageHit, error) {
	if maxTextChars <= 0 {
		maxTextChars = 2000
	}
	hits, err := s.index.Nearest(ctx, embedding.Slice(), excludeIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("semantic: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.PageID)
	}
	pages, err := s.db.GetPagesByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("semantic: hydrate pages: %w", err)
	}

	opinionIDs := make([]string, 0, len(pages))
	seen := map[string]bool{}
	for _, p := range pages {
		if !seen[p.OpinionID] {
			seen[p.OpinionID] = true
			opinionIDs = append(opinionIDs, p.OpinionID)
		}
	}
	opinions, err := s.db.GetOpinions(ctx, opinionIDs)
	if err != nil {
		return nil, fmt.Errorf("semantic: hydrate opinions: %w", err)
	}

	out := make([]model.PageHit, 0, len(hits))
	for _, h := range hits {
		page, ok := pages[h.PageID]
		if !ok {
			continue
		}
		op, ok := opinions[page.OpinionID]
		if !ok {
			continue
		}
		text := page.Text
		if len(text) > maxTextChars {
			text = text[:maxTextChars]
		}
		out = append(out, model.PageHit{
			PageID:      page.ID,
			OpinionID:   page.OpinionID,
			PageNumber:  page.PageNumber,
			Text:        text,
			CaseName:    op.CaseName,
			AppealNo:    op.AppealNo,
			ReleaseDate: op.ReleaseDate,
			Court:       op.Court,
			Rank:        float64(h.Score),
		})
	}
	return out, nil
}
