package storage

import (
	"context"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/caselaw-ai/shepard/internal/model"
)

// NearestPages returns the pages nearest to the query embedding by cosine
// distance, excluding already-seen page ids. Rank carries the cosine
// similarity (1 - distance) so callers can merge with lexical scores.
func (db *DB) NearestPages(ctx context.Context, embedding pgvector.Vector, excludeIDs []int64, limit, maxTextChars int) ([]model.PageHit, error) {
	if limit <= 0 {
		limit = 30
	}
	if maxTextChars <= 0 {
		maxTextChars = 2000
	}

	rows, err := db.pool.Query(ctx,
		`SELECT pg.id, pg.opinion_id, pg.page_number, left(pg.text, $4),
		        o.case_name, o.appeal_no, o.release_date, o.court,
		        1 - (pe.embedding <=> $1) AS similarity
		 FROM page_embeddings pe
		 JOIN pages pg ON pg.id = pe.page_id
		 JOIN opinions o ON o.id = pg.opinion_id
		 WHERE ($2::bigint[] IS NULL OR NOT (pg.id = ANY($2)))
		 ORDER BY pe.embedding <=> $1
		 LIMIT $3`,
		embedding, excludeIDs, limit, maxTextChars,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest pages: %w", err)
	}
	defer rows.Close()

	var out []model.PageHit
	for rows.Next() {
		var h model.PageHit
		if err := rows.Scan(
			&h.PageID, &h.OpinionID, &h.PageNumber, &h.Text,
			&h.CaseName, &h.AppealNo, &h.ReleaseDate, &h.Court, &h.Rank,
		); err != nil {
			return nil, fmt.Errorf("storage: scan nearest page: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// UpsertPageEmbedding stores a precomputed page embedding.
func (db *DB) UpsertPageEmbedding(ctx context.Context, pageID int64, opinionID string, embedding pgvector.Vector) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO page_embeddings (page_id, opinion_id, embedding)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (page_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		pageID, opinionID, embedding,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert page embedding: %w", err)
	}
	return nil
}
