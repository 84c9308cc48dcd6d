// Package semantic maintains the external vector index over opinion pages.
// Postgres pgvector is the source of truth for embeddings; Qdrant is a
// replaceable acceleration layer for nearest-neighbor recall.
package semantic

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Hit is one nearest-neighbor result: a page id and its raw similarity.
// Callers hydrate page text and opinion metadata from Postgres.
type Hit struct {
	PageID int64
	Score  float32
}

// Index is the vector index contract. Implementations must be safe for
// concurrent use.
type Index interface {
	Nearest(ctx context.Context, embedding []float32, excludeIDs []int64, limit int) ([]Hit, error)
	Healthy(ctx context.Context) error
}

// PagePoint is one page's entry in the index.
type PagePoint struct {
	PageID       int64
	OpinionID    string
	PageNumber   int
	Court        string
	Precedential bool
	ReleaseDate  *time.Time
	Embedding    []float32
}

// QdrantConfig connects the index to a Qdrant deployment.
type QdrantConfig struct {
	URL        string
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements Index backed by Qdrant over gRPC.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger
}

// parseURL accepts "https://host:6333", "http://host:6333" or "host:6334".
// The REST port 6333 is mapped to the gRPC port 6334.
func parseURL(raw string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(raw)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("semantic: invalid qdrant URL: %q", raw)
	}
	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("semantic: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return &QdrantIndex{client: client, collection: cfg.Collection, dims: cfg.Dims, logger: logger}, nil
}

// EnsureCollection creates the page collection and its payload indexes.
// Field index creation is idempotent, so missing indexes backfill on restart.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("semantic: check collection exists: %w", err)
	}
	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("semantic: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant collection created", "collection", q.collection, "dims", q.dims)
	}

	keyword := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"opinion_id", "court"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keyword,
		}); err != nil {
			return fmt.Errorf("semantic: ensure index on %q: %w", field, err)
		}
	}
	float := qdrant.FieldType_FieldTypeFloat
	if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.collection,
		FieldName:      "release_date_unix",
		FieldType:      &float,
	}); err != nil {
		return fmt.Errorf("semantic: ensure index on release_date_unix: %w", err)
	}
	return nil
}

// UpsertPages writes page points in one batch.
func (q *QdrantIndex) UpsertPages(ctx context.Context, points []PagePoint) error {
	if len(points) == 0 {
		return nil
	}
	upserts := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := map[string]any{
			"opinion_id":   p.OpinionID,
			"page_number":  int64(p.PageNumber),
			"court":        p.Court,
			"precedential": p.Precedential,
		}
		if p.ReleaseDate != nil {
			payload["release_date_unix"] = float64(p.ReleaseDate.Unix())
		}
		upserts = append(upserts, &qdrant.PointStruct{
			Id:      qdrant.NewIDNum(uint64(p.PageID)),
			Vectors: qdrant.NewVectors(p.Embedding...),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         upserts,
	}); err != nil {
		return fmt.Errorf("semantic: upsert %d pages: %w", len(upserts), err)
	}
	return nil
}

// DeleteOpinion removes every page point belonging to an opinion.
func (q *QdrantIndex) DeleteOpinion(ctx context.Context, opinionID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("opinion_id", opinionID)},
		}),
	})
	if err != nil {
		return fmt.Errorf("semantic: delete opinion %s: %w", opinionID, err)
	}
	return nil
}

// Nearest returns up to limit page ids by cosine similarity. Excluded ids
// are stripped client-side; the query over-fetches to compensate.
func (q *QdrantIndex) Nearest(ctx context.Context, embedding []float32, excludeIDs []int64, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 30
	}
	exclude := make(map[int64]bool, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = true
	}

	fetch := uint64(limit + len(excludeIDs))
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(false),
	})
	if err != nil {
		return nil, fmt.Errorf("semantic: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, limit)
	for _, sp := range scored {
		pageID := int64(sp.Id.GetNum())
		if pageID == 0 || exclude[pageID] {
			continue
		}
		hits = append(hits, Hit{PageID: pageID, Score: sp.Score})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

// Healthy checks reachability of the Qdrant deployment.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("semantic: qdrant unhealthy: %w", err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
