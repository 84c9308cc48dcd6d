package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/storage"
)

type fakeQueue struct {
	mu        sync.Mutex
	pending   []storage.PendingDocument
	completed []int64
	failed    map[int64]string
	enqueued  []string
	claimErr  error
}

func newFakeQueue(docs ...storage.PendingDocument) *fakeQueue {
	return &fakeQueue{pending: docs, failed: map[int64]string{}}
}

func (q *fakeQueue) ClaimPendingDocuments(_ context.Context, batchSize int, _ time.Duration) ([]storage.PendingDocument, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	n := min(batchSize, len(q.pending))
	batch := q.pending[:n]
	q.pending = q.pending[n:]
	return batch, nil
}

func (q *fakeQueue) CompleteDocument(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, id)
	return nil
}

func (q *fakeQueue) FailDocument(_ context.Context, id int64, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = reason
	return nil
}

func (q *fakeQueue) EnqueueDocument(_ context.Context, pdfURL, _ string, _ *string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, pdfURL)
	return nil
}

type fakeIngester struct {
	failURLs map[string]bool
}

func (f *fakeIngester) IngestDocument(_ context.Context, doc storage.PendingDocument) (string, error) {
	if f.failURLs[doc.PDFURL] {
		return "", errors.New("pdf fetch returned 404")
	}
	return "ingested-" + doc.CaseName, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestDrainOnceCompletesAndFails(t *testing.T) {
	queue := newFakeQueue(
		storage.PendingDocument{ID: 1, PDFURL: "https://cafc.test/a.pdf", CaseName: "Alpha v. Beta"},
		storage.PendingDocument{ID: 2, PDFURL: "https://cafc.test/broken.pdf", CaseName: "Gamma v. Delta"},
	)
	ingester := &fakeIngester{failURLs: map[string]bool{"https://cafc.test/broken.pdf": true}}
	w := NewWorker(queue, ingester, Options{BatchSize: 10}, testLogger())

	n, err := w.DrainOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1}, queue.completed)
	assert.Contains(t, queue.failed[2], "404")
}

func TestDrainOnceClaimError(t *testing.T) {
	queue := newFakeQueue()
	queue.claimErr = errors.New("connection refused")
	w := NewWorker(queue, &fakeIngester{}, Options{}, testLogger())

	_, err := w.DrainOnce(context.Background())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	queue := newFakeQueue(
		storage.PendingDocument{ID: 1, PDFURL: "https://cafc.test/a.pdf", CaseName: "Alpha v. Beta"},
	)
	w := NewWorker(queue, &fakeIngester{}, Options{BatchSize: 10, PollInterval: 5 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		queue.mu.Lock()
		defer queue.mu.Unlock()
		return len(queue.completed) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

type fakeFinder struct {
	leads []CaseLead
	err   error
}

func (f *fakeFinder) FindCases(_ context.Context, _ string, _ []model.PageHit) ([]CaseLead, error) {
	return f.leads, f.err
}

func TestDiscoverQueuesLeads(t *testing.T) {
	queue := newFakeQueue()
	finder := &fakeFinder{leads: []CaseLead{
		{CaseName: "Alpha v. Beta", PDFURL: "https://cafc.test/a.pdf"},
		{CaseName: "No URL"},
		{CaseName: "Gamma v. Delta", PDFURL: "https://cafc.test/g.pdf"},
	}}
	d := NewDiscoverer(finder, queue, testLogger())

	queued := d.Discover(context.Background(), "alice abstract idea", nil)
	assert.Equal(t, 2, queued)
	assert.Equal(t, []string{"https://cafc.test/a.pdf", "https://cafc.test/g.pdf"}, queue.enqueued)
}

func TestDiscoverSwallowsFinderError(t *testing.T) {
	queue := newFakeQueue()
	d := NewDiscoverer(&fakeFinder{err: errors.New("provider down")}, queue, testLogger())

	assert.Equal(t, 0, d.Discover(context.Background(), "query", nil))
	assert.Empty(t, queue.enqueued)
}

func TestDiscoverNilFinderDisabled(t *testing.T) {
	d := NewDiscoverer(nil, newFakeQueue(), testLogger())
	assert.Equal(t, 0, d.Discover(context.Background(), "query", nil))
}
