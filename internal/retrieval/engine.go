// Package retrieval implements lexical retrieval over the corpus store:
// chunk search, page search with snippet capping, and cursor-paginated
// advanced search with hybrid recency-aware ranking.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/storage"
)

// Engine answers retrieval queries. Read-only over the corpus store.
type Engine struct {
	db           *storage.DB
	maxTextChars int
	logger       *slog.Logger
}

// NewEngine creates a retrieval engine. maxTextChars caps page snippets at
// the retrieval boundary (0 means the 2000-char default).
func NewEngine(db *storage.DB, maxTextChars int, logger *slog.Logger) *Engine {
	if maxTextChars <= 0 {
		maxTextChars = 2000
	}
	return &Engine{db: db, maxTextChars: maxTextChars, logger: logger}
}

// ChunkQuery narrows SearchChunks.
type ChunkQuery struct {
	Query      string
	Limit      int
	PartyOnly  bool
	Author     string
	IncludeR36 bool
}

// SearchChunks returns ranked chunks for the query. An empty or whitespace
// query returns empty results without error.
func (e *Engine) SearchChunks(ctx context.Context, q ChunkQuery) ([]model.ChunkHit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}
	hits, err := e.db.SearchChunks(ctx, storage.ChunkSearchParams{
		Query:      strings.TrimSpace(q.Query),
		Limit:      q.Limit,
		PartyOnly:  q.PartyOnly,
		Author:     q.Author,
		IncludeR36: q.IncludeR36,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return hits, nil
}

// PageQuery narrows SearchPages.
type PageQuery struct {
	Query      string
	OpinionIDs []string
	Limit      int
	PartyOnly  bool
}

// SearchPages returns ranked page snippets for the query, restricted to
// OpinionIDs when present. Snippets are capped at the engine's text limit.
func (e *Engine) SearchPages(ctx context.Context, q PageQuery) ([]model.PageHit, error) {
	if strings.TrimSpace(q.Query) == "" {
		return nil, nil
	}
	hits, err := e.db.SearchPages(ctx, storage.PageSearchParams{
		Query:        strings.TrimSpace(q.Query),
		OpinionIDs:   q.OpinionIDs,
		Limit:        q.Limit,
		PartyOnly:    q.PartyOnly,
		MaxTextChars: e.maxTextChars,
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: %w", err)
	}
	return hits, nil
}

// AdvancedQuery drives the cursor-paginated search surface.
type AdvancedQuery struct {
	Query      string
	Author     string
	Forum      model.Court
	PartyOnly  bool
	ExcludeR36 bool
	Cursor     string
	Limit      int
}

// AdvancedPage is one page of advanced search results. Count is the number
// of results on this page; NextCursor is empty on the last page.
type AdvancedPage struct {
	Query      string              `json:"query"`
	Hits       []model.AdvancedHit `json:"results"`
	Count      int                 `json:"count"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

// AdvancedSearch pages over hybrid-ranked hits. The engine fetches limit+1
// rows to learn whether a next page exists; ties break by higher score,
// then more recent release date, then stable id order.
func (e *Engine) AdvancedSearch(ctx context.Context, q AdvancedQuery) (AdvancedPage, error) {
	if strings.TrimSpace(q.Query) == "" {
		return AdvancedPage{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	cur, err := DecodeCursor(q.Cursor)
	if err != nil {
		return AdvancedPage{}, err
	}

	params := storage.AdvancedSearchParams{
		Query:      strings.TrimSpace(q.Query),
		Author:     q.Author,
		Forum:      q.Forum,
		PartyOnly:  q.PartyOnly,
		ExcludeR36: q.ExcludeR36,
		Limit:      q.Limit + 1,
		AfterID:    -1,
	}
	if cur != nil {
		params.AfterScore = cur.Score
		params.AfterDate = cur.TS
		params.AfterID = cur.ID
	}

	hits, err := e.db.AdvancedSearch(ctx, params)
	if err != nil {
		return AdvancedPage{}, fmt.Errorf("retrieval: %w", err)
	}

	page := AdvancedPage{Query: params.Query, Hits: hits}
	if len(hits) > q.Limit {
		page.Hits = hits[:q.Limit]
		last := page.Hits[len(page.Hits)-1]
		ts := time.Time{}
		if last.ReleaseDate != nil {
			ts = *last.ReleaseDate
		}
		page.NextCursor = Cursor{Score: last.HybridScore, TS: ts, ID: last.PageID}.Encode()
	}
	page.Count = len(page.Hits)
	return page, nil
}
