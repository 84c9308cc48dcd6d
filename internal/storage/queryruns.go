package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/caselaw-ai/shepard/internal/model"
)

// redactedAnswer replaces final_answer after the redaction window.
const redactedAnswer = "[REDACTED]"

// InsertQueryRun persists one audit record. Manifests and citations are
// stored as jsonb so the replay packet can be rebuilt byte-identically.
func (db *DB) InsertQueryRun(ctx context.Context, run model.QueryRun) error {
	retrieval, err := json.Marshal(run.RetrievalManifest)
	if err != nil {
		return fmt.Errorf("storage: marshal retrieval manifest: %w", err)
	}
	contextManifest, err := json.Marshal(run.ContextManifest)
	if err != nil {
		return fmt.Errorf("storage: marshal context manifest: %w", err)
	}
	modelCfg, err := json.Marshal(run.ModelConfig)
	if err != nil {
		return fmt.Errorf("storage: marshal model config: %w", err)
	}
	citations, err := json.Marshal(run.Citations)
	if err != nil {
		return fmt.Errorf("storage: marshal citations: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO query_runs (id, created_at, conversation_id, user_query, doctrine_tag,
		     corpus_version_id, retrieval_manifest, context_manifest, model_config,
		     system_prompt_version, final_answer, citations, latency_ms, failure_reason)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		run.ID, run.CreatedAt, run.ConversationID, run.UserQuery, run.DoctrineTag,
		run.CorpusVersionID, retrieval, contextManifest, modelCfg,
		run.SystemPromptVersion, run.FinalAnswer, citations, run.LatencyMS,
		string(run.FailureReason),
	)
	if err != nil {
		return fmt.Errorf("storage: insert query run: %w", err)
	}
	return nil
}

// GetQueryRun returns one audit record by run id, or ErrNotFound.
func (db *DB) GetQueryRun(ctx context.Context, id uuid.UUID) (model.QueryRun, error) {
	var (
		run       model.QueryRun
		retrieval []byte
		contextM  []byte
		modelCfg  []byte
		citations []byte
		failure   string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, created_at, conversation_id, user_query, doctrine_tag,
		        corpus_version_id, retrieval_manifest, context_manifest, model_config,
		        system_prompt_version, final_answer, citations, latency_ms, failure_reason
		 FROM query_runs WHERE id = $1`, id,
	).Scan(
		&run.ID, &run.CreatedAt, &run.ConversationID, &run.UserQuery, &run.DoctrineTag,
		&run.CorpusVersionID, &retrieval, &contextM, &modelCfg,
		&run.SystemPromptVersion, &run.FinalAnswer, &citations, &run.LatencyMS, &failure,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.QueryRun{}, ErrNotFound
	}
	if err != nil {
		return model.QueryRun{}, fmt.Errorf("storage: get query run: %w", err)
	}

	run.FailureReason = model.FailureReason(failure)
	if err := json.Unmarshal(retrieval, &run.RetrievalManifest); err != nil {
		return model.QueryRun{}, fmt.Errorf("storage: unmarshal retrieval manifest: %w", err)
	}
	if err := json.Unmarshal(contextM, &run.ContextManifest); err != nil {
		return model.QueryRun{}, fmt.Errorf("storage: unmarshal context manifest: %w", err)
	}
	if err := json.Unmarshal(modelCfg, &run.ModelConfig); err != nil {
		return model.QueryRun{}, fmt.Errorf("storage: unmarshal model config: %w", err)
	}
	if err := json.Unmarshal(citations, &run.Citations); err != nil {
		return model.QueryRun{}, fmt.Errorf("storage: unmarshal citations: %w", err)
	}
	return run, nil
}

// RetentionCounts reports how many rows a retention pass touched (or, in
// dry-run mode, would touch).
type RetentionCounts struct {
	Redacted int64 `json:"redacted"`
	Deleted  int64 `json:"deleted"`
}

// CountRetentionEligible returns the per-bucket counts a retention run with
// the given cutoffs would produce, without changing anything.
func (db *DB) CountRetentionEligible(ctx context.Context, redactBefore, deleteBefore time.Time) (RetentionCounts, error) {
	var c RetentionCounts
	err := db.pool.QueryRow(ctx,
		`SELECT
		    (SELECT count(*) FROM query_runs WHERE created_at < $1 AND final_answer <> $3),
		    (SELECT count(*) FROM query_runs WHERE created_at < $2)`,
		redactBefore, deleteBefore, redactedAnswer,
	).Scan(&c.Redacted, &c.Deleted)
	if err != nil {
		return c, fmt.Errorf("storage: count retention eligible: %w", err)
	}
	return c, nil
}

// RedactOldRuns replaces final_answer with [REDACTED] on runs older than the
// cutoff. Idempotent: already-redacted rows are not counted again.
func (db *DB) RedactOldRuns(ctx context.Context, before time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE query_runs SET final_answer = $2
		 WHERE created_at < $1 AND final_answer <> $2`,
		before, redactedAnswer,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: redact old runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteOldRuns removes runs older than the cutoff in batches to avoid
// long-running transactions.
func (db *DB) DeleteOldRuns(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		tag, err := db.pool.Exec(ctx,
			`DELETE FROM query_runs WHERE id IN (
			     SELECT id FROM query_runs WHERE created_at < $1 LIMIT $2
			 )`,
			before, batchSize,
		)
		if err != nil {
			return total, fmt.Errorf("storage: delete old runs: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() == 0 {
			return total, nil
		}
	}
}
