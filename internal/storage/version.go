package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// corpusVersionTTL bounds how stale a cached corpus version id may be.
const corpusVersionTTL = 5 * time.Minute

// CorpusStats are the inputs to the corpus version id.
type CorpusStats struct {
	DocumentCount int64
	PageCount     int64
	LatestSync    time.Time
	MaxDocUpdated time.Time
}

// ComputeCorpusVersionID derives the 12-hex snapshot identifier from corpus
// stats. Pure and deterministic: unchanged inputs produce unchanged ids.
func ComputeCorpusVersionID(s CorpusStats) string {
	canonical := fmt.Sprintf("docs:%d|pages:%d|sync:%d|doc_updated:%d",
		s.DocumentCount, s.PageCount, s.LatestSync.UTC().Unix(), s.MaxDocUpdated.UTC().Unix())
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])[:12]
}

type versionCache struct {
	mu      sync.Mutex
	id      string
	fetched time.Time
}

// CorpusVersionID returns the current corpus version id, caching the value
// for up to five minutes to keep the hot path off the stats query.
func (db *DB) CorpusVersionID(ctx context.Context) (string, error) {
	db.version.mu.Lock()
	defer db.version.mu.Unlock()

	if db.version.id != "" && time.Since(db.version.fetched) < corpusVersionTTL {
		return db.version.id, nil
	}

	stats, err := db.corpusStats(ctx)
	if err != nil {
		return "", err
	}
	db.version.id = ComputeCorpusVersionID(stats)
	db.version.fetched = time.Now()
	return db.version.id, nil
}

func (db *DB) corpusStats(ctx context.Context) (CorpusStats, error) {
	var s CorpusStats
	err := db.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM opinions WHERE ingested),
		        (SELECT count(*) FROM pages),
		        COALESCE((SELECT max(completed_at) FROM ingest_queue WHERE completed_at IS NOT NULL), 'epoch'::timestamptz),
		        COALESCE((SELECT max(updated_at) FROM opinions), 'epoch'::timestamptz)`,
	).Scan(&s.DocumentCount, &s.PageCount, &s.LatestSync, &s.MaxDocUpdated)
	if err != nil {
		return CorpusStats{}, fmt.Errorf("storage: corpus stats: %w", err)
	}
	return s, nil
}
