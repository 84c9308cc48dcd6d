// Package ingest runs the corpus expansion loop: discovered opinion PDFs
// are queued in Postgres and drained by a background worker that hands each
// document to an external ingester. The answer path never waits on this.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/storage"
)

// CaseLead is one candidate opinion discovered by an external search
// provider that the local corpus does not yet cover.
type CaseLead struct {
	CaseName  string
	PDFURL    string
	ClusterID *string
}

// CaseFinder discovers opinions relevant to a query that are missing from
// the local corpus. Implementations wrap external legal search providers.
type CaseFinder interface {
	FindCases(ctx context.Context, query string, localResults []model.PageHit) ([]CaseLead, error)
}

// DocumentIngester fetches a PDF, extracts its text, and writes the opinion
// and its pages into the corpus store.
type DocumentIngester interface {
	IngestDocument(ctx context.Context, doc storage.PendingDocument) (documentID string, err error)
}

// Queue is the subset of the corpus store the worker needs.
type Queue interface {
	ClaimPendingDocuments(ctx context.Context, batchSize int, lockFor time.Duration) ([]storage.PendingDocument, error)
	CompleteDocument(ctx context.Context, id int64) error
	FailDocument(ctx context.Context, id int64, reason string) error
	EnqueueDocument(ctx context.Context, pdfURL, caseName string, clusterID *string) error
}

// Options tunes the worker loop.
type Options struct {
	BatchSize    int
	PollInterval time.Duration
	LockFor      time.Duration
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.LockFor <= 0 {
		o.LockFor = 5 * time.Minute
	}
	return o
}

// Worker drains the ingest queue. Claimed jobs are completed or failed;
// failed jobs are retried until the queue's attempt cap is reached.
type Worker struct {
	queue    Queue
	ingester DocumentIngester
	opts     Options
	logger   *slog.Logger
}

// NewWorker creates a queue worker.
func NewWorker(queue Queue, ingester DocumentIngester, opts Options, logger *slog.Logger) *Worker {
	return &Worker{queue: queue, ingester: ingester, opts: opts.withDefaults(), logger: logger}
}

// Run polls the queue until ctx is cancelled. A full batch triggers an
// immediate re-poll so backlogs drain without waiting out the interval.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		n, err := w.DrainOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Error("ingest drain failed", "error", err)
		}
		if n == w.opts.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce claims and processes one batch, returning how many jobs were
// claimed.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	docs, err := w.queue.ClaimPendingDocuments(ctx, w.opts.BatchSize, w.opts.LockFor)
	if err != nil {
		return 0, fmt.Errorf("ingest: claim batch: %w", err)
	}
	for _, doc := range docs {
		w.process(ctx, doc)
	}
	return len(docs), nil
}

func (w *Worker) process(ctx context.Context, doc storage.PendingDocument) {
	start := time.Now()
	documentID, err := w.ingester.IngestDocument(ctx, doc)
	if err != nil {
		w.logger.Warn("document ingest failed",
			"queue_id", doc.ID,
			"pdf_url", doc.PDFURL,
			"attempt", doc.Attempts,
			"error", err,
		)
		if failErr := w.queue.FailDocument(ctx, doc.ID, err.Error()); failErr != nil {
			w.logger.Error("mark document failed", "queue_id", doc.ID, "error", failErr)
		}
		return
	}
	if err := w.queue.CompleteDocument(ctx, doc.ID); err != nil {
		w.logger.Error("mark document complete", "queue_id", doc.ID, "error", err)
		return
	}
	w.logger.Info("document ingested",
		"queue_id", doc.ID,
		"document_id", documentID,
		"case_name", doc.CaseName,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Discoverer turns thin retrieval results into queued ingest jobs. It runs
// after a response has been served, never on the answer path.
type Discoverer struct {
	finder CaseFinder
	queue  Queue
	logger *slog.Logger
}

// NewDiscoverer creates a discoverer. finder may be nil, which disables
// discovery.
func NewDiscoverer(finder CaseFinder, queue Queue, logger *slog.Logger) *Discoverer {
	return &Discoverer{finder: finder, queue: queue, logger: logger}
}

// Discover asks the external finder for cases the local corpus is missing
// and enqueues them. Duplicate PDF URLs are ignored by the queue. Errors are
// logged and swallowed: discovery is best-effort.
func (d *Discoverer) Discover(ctx context.Context, query string, localResults []model.PageHit) int {
	if d.finder == nil {
		return 0
	}
	leads, err := d.finder.FindCases(ctx, query, localResults)
	if err != nil {
		d.logger.Warn("case discovery failed", "error", err)
		return 0
	}
	queued := 0
	for _, lead := range leads {
		if lead.PDFURL == "" {
			continue
		}
		if err := d.queue.EnqueueDocument(ctx, lead.PDFURL, lead.CaseName, lead.ClusterID); err != nil {
			d.logger.Warn("enqueue discovered case failed", "pdf_url", lead.PDFURL, "error", err)
			continue
		}
		queued++
	}
	if queued > 0 {
		d.logger.Info("discovered cases queued", "query_len", len(query), "queued", queued)
	}
	return queued
}
