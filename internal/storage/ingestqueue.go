package storage

import (
	"context"
	"fmt"
	"time"
)

// PendingDocument is one claimed ingest_queue row: a discovered opinion PDF
// awaiting fetch + extraction by the external ingester.
type PendingDocument struct {
	ID        int64
	PDFURL    string
	CaseName  string
	ClusterID *string
	Attempts  int
}

const maxIngestAttempts = 5

// ClaimPendingDocuments claims up to batchSize pending ingest jobs with
// FOR UPDATE SKIP LOCKED so concurrent ingesters never double-claim. Claimed
// rows are locked past the caller's processing window; callers must finish
// with CompleteDocument or FailDocument.
func (db *DB) ClaimPendingDocuments(ctx context.Context, batchSize int, lockFor time.Duration) ([]PendingDocument, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, pdf_url, case_name, cluster_id, attempts
		 FROM ingest_queue
		 WHERE completed_at IS NULL
		   AND (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxIngestAttempts, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: select pending documents: %w", err)
	}

	var docs []PendingDocument
	for rows.Next() {
		var d PendingDocument
		if err := rows.Scan(&d.ID, &d.PDFURL, &d.CaseName, &d.ClusterID, &d.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan pending document: %w", err)
		}
		docs = append(docs, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: pending document rows: %w", err)
	}
	if len(docs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ingest_queue
		 SET locked_until = now() + $2::interval, attempts = attempts + 1
		 WHERE id = ANY($1)`,
		ids, lockFor.String(),
	); err != nil {
		return nil, fmt.Errorf("storage: lock pending documents: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("storage: commit claim tx: %w", err)
	}
	return docs, nil
}

// CompleteDocument marks an ingest job done.
func (db *DB) CompleteDocument(ctx context.Context, id int64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE ingest_queue SET completed_at = now(), locked_until = NULL WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete document: %w", err)
	}
	return nil
}

// FailDocument releases the lock so the job can be retried until the
// attempt cap is reached.
func (db *DB) FailDocument(ctx context.Context, id int64, reason string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE ingest_queue SET locked_until = NULL, last_error = $2 WHERE id = $1`, id, reason,
	)
	if err != nil {
		return fmt.Errorf("storage: fail document: %w", err)
	}
	return nil
}

// EnqueueDocument inserts a discovered document if its pdf_url is new.
func (db *DB) EnqueueDocument(ctx context.Context, pdfURL, caseName string, clusterID *string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO ingest_queue (pdf_url, case_name, cluster_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (pdf_url) DO NOTHING`,
		pdfURL, caseName, clusterID,
	)
	if err != nil {
		return fmt.Errorf("storage: enqueue document: %w", err)
	}
	return nil
}
