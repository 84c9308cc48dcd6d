// Package generate produces grounded draft answers: it assembles per-page
// excerpt context, holds the model to the quote-first citation protocol, and
// schedules calls on a bounded worker pool so a burst of requests cannot
// stack unbounded LLM calls.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/verify"
)

// Classified generation failures; the pipeline maps these to failure reasons
// and the retrieval-only fallback.
var (
	ErrTimeout     = errors.New("generate: model call timed out")
	ErrUnavailable = errors.New("generate: model unavailable")
)

// Options bound the generator. Zero values fall back to defaults.
type Options struct {
	Workers     int           // concurrent model calls, default 4
	CallTimeout time.Duration // per-call cancellation, default 60s
	OuterWait   time.Duration // queue wait + call, default 90s
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 60 * time.Second
	}
	if o.OuterWait <= 0 {
		o.OuterWait = 90 * time.Second
	}
	return o
}

// Draft is a raw model answer plus everything audit needs to replay it.
type Draft struct {
	RawAnswer      string
	ContextEntries []model.ContextEntry
	ModelConfig    model.ModelConfig
	PromptVersion  string
}

// Generator drives grounded answer drafting.
type Generator struct {
	chat   ChatClient
	cfg    model.ModelConfig
	sem    *semaphore.Weighted
	opts   Options
	logger *slog.Logger
}

// New creates a generator with a pinned model configuration.
func New(chat ChatClient, cfg model.ModelConfig, opts Options, logger *slog.Logger) *Generator {
	opts = opts.withDefaults()
	return &Generator{
		chat:   chat,
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(opts.Workers)),
		opts:   opts,
		logger: logger,
	}
}

// Draft answers the query against the candidate excerpts. The call waits at
// most OuterWait for a worker slot plus the model call, and the model call
// itself is cancelled after CallTimeout.
func (g *Generator) Draft(ctx context.Context, query string, candidates []verify.Candidate) (Draft, error) {
	draft := Draft{
		ModelConfig:   g.cfg,
		PromptVersion: SystemPromptVersion,
	}

	excerpts, entries := BuildContext(candidates)
	draft.ContextEntries = entries

	outerCtx, cancel := context.WithTimeout(ctx, g.opts.OuterWait)
	defer cancel()

	if err := g.sem.Acquire(outerCtx, 1); err != nil {
		return draft, fmt.Errorf("%w: worker pool wait: %v", ErrTimeout, err)
	}
	defer g.sem.Release(1)

	callCtx, cancelCall := context.WithTimeout(outerCtx, g.opts.CallTimeout)
	defer cancelCall()

	user := fmt.Sprintf("Question: %s\n\nExcerpts:\n\n%s", query, excerpts)

	start := time.Now()
	answer, err := g.chat.Complete(callCtx, g.cfg, SystemPrompt, user)
	if err != nil {
		if callCtx.Err() != nil {
			return draft, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}
		return draft, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if g.logger != nil {
		g.logger.DebugContext(ctx, "draft generated",
			"model", g.cfg.Model,
			"context_pages", len(entries),
			"elapsed", time.Since(start).Round(time.Millisecond))
	}
	draft.RawAnswer = answer
	return draft, nil
}
