package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/caselaw-ai/shepard/internal/model"
)

const opinionColumns = `id, case_name, appeal_no, release_date, court, precedential,
	en_banc, rule36, cluster_id, pdf_url, content_hash, ingested, source,
	citation_count, landmark, created_at, updated_at`

func scanOpinion(row pgx.Row) (model.Opinion, error) {
	var o model.Opinion
	err := row.Scan(
		&o.ID, &o.CaseName, &o.AppealNo, &o.ReleaseDate, &o.Court, &o.Precedential,
		&o.EnBanc, &o.Rule36, &o.ClusterID, &o.PDFURL, &o.ContentHash, &o.Ingested,
		&o.Source, &o.CitationCount, &o.Landmark, &o.CreatedAt, &o.UpdatedAt,
	)
	return o, err
}

// GetOpinion returns one opinion by id, or ErrNotFound.
func (db *DB) GetOpinion(ctx context.Context, id string) (model.Opinion, error) {
	o, err := scanOpinion(db.pool.QueryRow(ctx,
		`SELECT `+opinionColumns+` FROM opinions WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Opinion{}, ErrNotFound
	}
	if err != nil {
		return model.Opinion{}, fmt.Errorf("storage: get opinion: %w", err)
	}
	return o, nil
}

// GetOpinions returns the opinions for the given ids, keyed by id.
// Missing ids are simply absent from the map.
func (db *DB) GetOpinions(ctx context.Context, ids []string) (map[string]model.Opinion, error) {
	if len(ids) == 0 {
		return map[string]model.Opinion{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+opinionColumns+` FROM opinions WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get opinions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.Opinion, len(ids))
	for rows.Next() {
		o, err := scanOpinion(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan opinion: %w", err)
		}
		out[o.ID] = o
	}
	return out, rows.Err()
}

// ListIngestedOpinions returns opinions whose pages are present, newest first.
func (db *DB) ListIngestedOpinions(ctx context.Context, limit int) ([]model.Opinion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+opinionColumns+` FROM opinions
		 WHERE ingested
		 ORDER BY release_date DESC NULLS LAST, id
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list ingested opinions: %w", err)
	}
	defer rows.Close()

	var out []model.Opinion
	for rows.Next() {
		o, err := scanOpinion(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan opinion: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpsertOpinion inserts or updates an opinion keyed by pdf_url.
// Ingestion-side only; the answering hot path never mutates opinions.
func (db *DB) UpsertOpinion(ctx context.Context, o model.Opinion) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO opinions (id, case_name, appeal_no, release_date, court, precedential,
		     en_banc, rule36, cluster_id, pdf_url, content_hash, ingested, source,
		     citation_count, landmark)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		 ON CONFLICT (pdf_url) DO UPDATE SET
		     case_name = EXCLUDED.case_name,
		     appeal_no = EXCLUDED.appeal_no,
		     release_date = EXCLUDED.release_date,
		     court = EXCLUDED.court,
		     precedential = EXCLUDED.precedential,
		     en_banc = EXCLUDED.en_banc,
		     rule36 = EXCLUDED.rule36,
		     cluster_id = EXCLUDED.cluster_id,
		     content_hash = EXCLUDED.content_hash,
		     ingested = EXCLUDED.ingested,
		     source = EXCLUDED.source,
		     citation_count = EXCLUDED.citation_count,
		     landmark = EXCLUDED.landmark,
		     updated_at = now()`,
		o.ID, o.CaseName, o.AppealNo, o.ReleaseDate, o.Court, o.Precedential,
		o.EnBanc, o.Rule36, o.ClusterID, o.PDFURL, o.ContentHash, o.Ingested,
		o.Source, o.CitationCount, o.Landmark,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert opinion: %w", err)
	}
	return nil
}
