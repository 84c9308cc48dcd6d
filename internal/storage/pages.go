package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/caselaw-ai/shepard/internal/model"
)

// GetPage returns the page identified by (opinionID, pageNumber), or ErrNotFound.
func (db *DB) GetPage(ctx context.Context, opinionID string, pageNumber int) (model.Page, error) {
	var p model.Page
	err := db.pool.QueryRow(ctx,
		`SELECT id, opinion_id, page_number, text
		 FROM pages WHERE opinion_id = $1 AND page_number = $2`,
		opinionID, pageNumber,
	).Scan(&p.ID, &p.OpinionID, &p.PageNumber, &p.Text)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Page{}, ErrNotFound
	}
	if err != nil {
		return model.Page{}, fmt.Errorf("storage: get page: %w", err)
	}
	return p, nil
}

// GetPagesByIDs returns pages keyed by page id. Missing ids are absent.
func (db *DB) GetPagesByIDs(ctx context.Context, ids []int64) (map[int64]model.Page, error) {
	if len(ids) == 0 {
		return map[int64]model.Page{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, opinion_id, page_number, text FROM pages WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get pages by ids: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]model.Page, len(ids))
	for rows.Next() {
		var p model.Page
		if err := rows.Scan(&p.ID, &p.OpinionID, &p.PageNumber, &p.Text); err != nil {
			return nil, fmt.Errorf("storage: scan page: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// ListPages returns all pages of an opinion in page order.
func (db *DB) ListPages(ctx context.Context, opinionID string) ([]model.Page, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, opinion_id, page_number, text
		 FROM pages WHERE opinion_id = $1 ORDER BY page_number`, opinionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list pages: %w", err)
	}
	defer rows.Close()

	var out []model.Page
	for rows.Next() {
		var p model.Page
		if err := rows.Scan(&p.ID, &p.OpinionID, &p.PageNumber, &p.Text); err != nil {
			return nil, fmt.Errorf("storage: scan page: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ReplacePages swaps in the full page set for an opinion in one transaction
// and rebuilds the opinion's chunks (two pages per chunk). The lexical
// search vectors are generated columns and follow the text automatically.
// Concurrent re-ingest of the same opinion can deadlock on the delete-then-
// insert pattern, so the transaction retries on transient conflicts.
func (db *DB) ReplacePages(ctx context.Context, opinionID string, texts []string) error {
	return WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.replacePages(ctx, opinionID, texts)
	})
}

func (db *DB) replacePages(ctx context.Context, opinionID string, texts []string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin replace pages: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE opinion_id = $1`, opinionID); err != nil {
		return fmt.Errorf("storage: delete chunks: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pages WHERE opinion_id = $1`, opinionID); err != nil {
		return fmt.Errorf("storage: delete pages: %w", err)
	}

	for i, text := range texts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pages (opinion_id, page_number, text) VALUES ($1, $2, $3)`,
			opinionID, i+1, text,
		); err != nil {
			return fmt.Errorf("storage: insert page %d: %w", i+1, err)
		}
	}

	// Coalesce pairs of consecutive pages into chunks.
	const pagesPerChunk = 2
	for idx, start := 0, 0; start < len(texts); idx, start = idx+1, start+pagesPerChunk {
		end := start + pagesPerChunk
		if end > len(texts) {
			end = len(texts)
		}
		text := texts[start]
		for _, t := range texts[start+1 : end] {
			text += "\n" + t
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunks (opinion_id, chunk_index, page_start, page_end, text)
			 VALUES ($1, $2, $3, $4, $5)`,
			opinionID, idx, start+1, end, text,
		); err != nil {
			return fmt.Errorf("storage: insert chunk %d: %w", idx, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE opinions SET ingested = true, updated_at = now() WHERE id = $1`, opinionID,
	); err != nil {
		return fmt.Errorf("storage: mark ingested: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit replace pages: %w", err)
	}
	return nil
}
