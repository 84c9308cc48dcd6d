package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caselaw-ai/shepard/internal/model"
)

// Lexical search SQL. The search vector columns are Postgres generated
// columns (to_tsvector over text), so ranks are computed entirely in SQL:
//
//	score = ts_rank(vector, query)
//	      + 10 * exact case-name containment
//	      + 5  * trigram similarity of the case name
//
// websearch_to_tsquery gives phrase matching for quoted subqueries and
// plain lexical matching for the rest, both contributing to the rank.

// ChunkSearchParams narrows a chunk search.
type ChunkSearchParams struct {
	Query      string
	Limit      int
	PartyOnly  bool
	Author     string // appeal_no or authoring-judge filter; empty = no filter
	IncludeR36 bool
}

// SearchChunks runs lexical search over chunks joined with opinion metadata.
func (db *DB) SearchChunks(ctx context.Context, p ChunkSearchParams) ([]model.ChunkHit, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}

	var (
		rows pgx.Rows
		err  error
	)

	if p.PartyOnly {
		// Party-only mode considers only case-name matches; rank is fixed at 1.0.
		rows, err = db.pool.Query(ctx,
			`SELECT c.id, c.opinion_id, c.chunk_index, c.page_start, c.page_end, c.text,
			        o.case_name, o.appeal_no, o.release_date, o.court, 1.0::float8 AS rank
			 FROM chunks c
			 JOIN opinions o ON o.id = c.opinion_id
			 WHERE (o.case_name ILIKE '%' || $1 || '%' OR similarity(o.case_name, $1) > 0.3)
			   AND ($2 OR NOT o.rule36)
			   AND ($3 = '' OR o.appeal_no = $3)
			 ORDER BY o.release_date DESC NULLS LAST, c.id
			 LIMIT $4`,
			p.Query, p.IncludeR36, p.Author, p.Limit,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT c.id, c.opinion_id, c.chunk_index, c.page_start, c.page_end, c.text,
			        o.case_name, o.appeal_no, o.release_date, o.court,
			        ts_rank(c.search_vector, websearch_to_tsquery('english', $1))
			          + 10 * (o.case_name ILIKE '%' || $1 || '%')::int
			          + 5 * similarity(o.case_name, $1) AS rank
			 FROM chunks c
			 JOIN opinions o ON o.id = c.opinion_id
			 WHERE (c.search_vector @@ websearch_to_tsquery('english', $1)
			        OR o.case_name ILIKE '%' || $1 || '%')
			   AND ($2 OR NOT o.rule36)
			   AND ($3 = '' OR o.appeal_no = $3)
			 ORDER BY rank DESC, o.release_date DESC NULLS LAST, c.id
			 LIMIT $4`,
			p.Query, p.IncludeR36, p.Author, p.Limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: search chunks: %w", err)
	}
	defer rows.Close()

	var out []model.ChunkHit
	for rows.Next() {
		var h model.ChunkHit
		if err := rows.Scan(
			&h.ID, &h.OpinionID, &h.ChunkIndex, &h.PageStart, &h.PageEnd, &h.Text,
			&h.CaseName, &h.AppealNo, &h.ReleaseDate, &h.Court, &h.Rank,
		); err != nil {
			return nil, fmt.Errorf("storage: scan chunk hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// PageSearchParams narrows a page search.
type PageSearchParams struct {
	Query        string
	OpinionIDs   []string // nil = all opinions
	Limit        int
	PartyOnly    bool
	MaxTextChars int // snippet cap; <=0 means 2000
}

// SearchPages runs lexical search over pages, capping returned text at
// MaxTextChars to bound downstream prompt size.
func (db *DB) SearchPages(ctx context.Context, p PageSearchParams) ([]model.PageHit, error) {
	if p.Limit <= 0 {
		p.Limit = 20
	}
	if p.MaxTextChars <= 0 {
		p.MaxTextChars = 2000
	}

	rankExpr := `ts_rank(pg.search_vector, websearch_to_tsquery('english', $1))
	          + 10 * (o.case_name ILIKE '%' || $1 || '%')::int
	          + 5 * similarity(o.case_name, $1)`
	where := `(pg.search_vector @@ websearch_to_tsquery('english', $1)
	        OR o.case_name ILIKE '%' || $1 || '%')`
	if p.PartyOnly {
		rankExpr = `1.0::float8`
		where = `(o.case_name ILIKE '%' || $1 || '%' OR similarity(o.case_name, $1) > 0.3)`
	}

	rows, err := db.pool.Query(ctx,
		`SELECT pg.id, pg.opinion_id, pg.page_number, left(pg.text, $2),
		        o.case_name, o.appeal_no, o.release_date, o.court, `+rankExpr+` AS rank
		 FROM pages pg
		 JOIN opinions o ON o.id = pg.opinion_id
		 WHERE `+where+`
		   AND ($3::text[] IS NULL OR pg.opinion_id = ANY($3))
		 ORDER BY rank DESC, o.release_date DESC NULLS LAST, pg.id
		 LIMIT $4`,
		p.Query, p.MaxTextChars, p.OpinionIDs, p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: search pages: %w", err)
	}
	defer rows.Close()

	var out []model.PageHit
	for rows.Next() {
		var h model.PageHit
		if err := rows.Scan(
			&h.PageID, &h.OpinionID, &h.PageNumber, &h.Text,
			&h.CaseName, &h.AppealNo, &h.ReleaseDate, &h.Court, &h.Rank,
		); err != nil {
			return nil, fmt.Errorf("storage: scan page hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AdvancedSearchParams drives the cursor-paginated search.
// The After* fields carry the decoded keyset cursor; AfterID < 0 means
// no cursor (first page).
type AdvancedSearchParams struct {
	Query      string
	Author     string
	Forum      model.Court // empty = all courts
	PartyOnly  bool
	ExcludeR36 bool
	Limit      int // callers pass limit+1 to detect a next page

	AfterScore float64
	AfterDate  time.Time
	AfterID    int64
}

// AdvancedSearch computes hybrid_score = ts_rank * recency_decay
// + 5 * case-name fuzzy hit and pages over
// (hybrid_score DESC, release_date DESC, id DESC) with a keyset cursor.
// In party-only mode candidates are restricted to case-name matches; the
// score expression is unchanged so cursors stay stable across modes.
func (db *DB) AdvancedSearch(ctx context.Context, p AdvancedSearchParams) ([]model.AdvancedHit, error) {
	if p.Limit <= 0 {
		p.Limit = 21
	}

	match := `(pg.search_vector @@ websearch_to_tsquery('english', $1)
	           OR o.case_name ILIKE '%' || $1 || '%')`
	if p.PartyOnly {
		match = `(o.case_name ILIKE '%' || $1 || '%' OR similarity(o.case_name, $1) > 0.3)`
	}

	hasCursor := p.AfterID >= 0
	rows, err := db.pool.Query(ctx,
		`WITH scored AS (
		    SELECT pg.id AS page_id, pg.opinion_id, o.case_name, o.appeal_no,
		           o.release_date, o.court, left(pg.text, 2000) AS snippet,
		           ts_rank(pg.search_vector, websearch_to_tsquery('english', $1))
		             * (1.0 / (GREATEST(EXTRACT(EPOCH FROM now() - COALESCE(o.release_date, now())) / 86400.0 / 365.0, 0) + 1))
		             + 5 * (similarity(o.case_name, $1) > 0.3)::int AS hybrid_score
		    FROM pages pg
		    JOIN opinions o ON o.id = pg.opinion_id
		    WHERE `+match+`
		      AND ($2 = '' OR o.appeal_no = $2)
		      AND ($3 = '' OR o.court = $3)
		      AND (NOT $4 OR NOT o.rule36)
		)
		SELECT page_id, opinion_id, case_name, appeal_no, release_date, court, snippet, hybrid_score
		FROM scored
		WHERE NOT $5
		   OR (hybrid_score, COALESCE(release_date, 'epoch'::timestamptz), page_id)
		      < ($6::float8, $7::timestamptz, $8::bigint)
		ORDER BY hybrid_score DESC, release_date DESC NULLS LAST, page_id DESC
		LIMIT $9`,
		p.Query, p.Author, string(p.Forum), p.ExcludeR36,
		hasCursor, p.AfterScore, p.AfterDate, p.AfterID, p.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: advanced search: %w", err)
	}
	defer rows.Close()

	var out []model.AdvancedHit
	for rows.Next() {
		var h model.AdvancedHit
		if err := rows.Scan(
			&h.PageID, &h.OpinionID, &h.CaseName, &h.AppealNo,
			&h.ReleaseDate, &h.Court, &h.Snippet, &h.HybridScore,
		); err != nil {
			return nil, fmt.Errorf("storage: scan advanced hit: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
