package shepard

import (
	"log/slog"

	"github.com/caselaw-ai/shepard/internal/embedding"
	"github.com/caselaw-ai/shepard/internal/generate"
	"github.com/caselaw-ai/shepard/internal/ingest"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	logger      *slog.Logger
	version     string

	chatClient generate.ChatClient
	embedder   embedding.Provider
	caseFinder ingest.CaseFinder
	ingester   ingest.DocumentIngester
}

// WithPort overrides the TCP port from config (SHEPARD_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithChatClient replaces the OpenAI-compatible chat client used for answer
// drafting. Without a client (and without OpenAI credentials in config) the
// service serves retrieval-only fallback answers.
func WithChatClient(c generate.ChatClient) Option {
	return func(o *resolvedOptions) { o.chatClient = c }
}

// WithEmbeddingProvider replaces the configured embedding provider used for
// semantic recall.
func WithEmbeddingProvider(p embedding.Provider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithCaseFinder enables background case discovery: after a thinly-covered
// answer, the finder is asked for opinions the corpus is missing and its
// leads are queued for ingestion.
func WithCaseFinder(f ingest.CaseFinder) Option {
	return func(o *resolvedOptions) { o.caseFinder = f }
}

// WithDocumentIngester enables the ingest queue worker. The ingester fetches
// a queued PDF, extracts its pages, and writes them to the corpus store.
func WithDocumentIngester(i ingest.DocumentIngester) Option {
	return func(o *resolvedOptions) { o.ingester = i }
}
