// Package answer orchestrates the full grounded answering pipeline:
// retrieval, recall augmentation, composite ranking, grounded drafting,
// citation verification, and audit recording. HTTP and MCP handlers both
// call into this service.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/caselaw-ai/shepard/internal/augment"
	"github.com/caselaw-ai/shepard/internal/evals"
	"github.com/caselaw-ai/shepard/internal/generate"
	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/ranking"
	"github.com/caselaw-ai/shepard/internal/retrieval"
	"github.com/caselaw-ai/shepard/internal/telemetry"
	"github.com/caselaw-ai/shepard/internal/verify"
)

const (
	baselineLimit   = 30
	maxContextPages = 8
)

// ErrQueryTooLong rejects questions above the configured length cap.
var ErrQueryTooLong = errors.New("answer: question exceeds length limit")

// Retriever is the lexical baseline search.
type Retriever interface {
	SearchPages(ctx context.Context, q retrieval.PageQuery) ([]model.PageHit, error)
}

// Augmenter widens thin baselines. Strictly additive.
type Augmenter interface {
	Augment(ctx context.Context, query string, baseline []model.PageHit) ([]model.PageHit, augment.Note)
}

// Corpus hydrates candidate pages and reports the corpus version. The
// Postgres store satisfies this.
type Corpus interface {
	GetPagesByIDs(ctx context.Context, ids []int64) (map[int64]model.Page, error)
	GetOpinions(ctx context.Context, ids []string) (map[string]model.Opinion, error)
	CorpusVersionID(ctx context.Context) (string, error)
}

// Drafter produces the raw grounded answer.
type Drafter interface {
	Draft(ctx context.Context, query string, candidates []verify.Candidate) (generate.Draft, error)
}

// Recorder persists QueryRuns off the request path.
type Recorder interface {
	Record(run model.QueryRun)
}

// Discoverer queues missing cases for background ingestion.
type Discoverer interface {
	Discover(ctx context.Context, query string, localResults []model.PageHit) int
}

// Service runs the pipeline. All collaborators except retriever and corpus
// may be nil, which disables the corresponding stage.
type Service struct {
	retriever  Retriever
	augmenter  Augmenter
	corpus     Corpus
	drafter    Drafter
	recorder   Recorder
	collector  *evals.Collector
	discoverer Discoverer

	maxQuestionLen int
	now            func() time.Time
	logger         *slog.Logger
	metrics        *telemetry.PipelineMetrics
}

// New creates the answering service.
func New(retriever Retriever, augmenter Augmenter, corpus Corpus, drafter Drafter, recorder Recorder, collector *evals.Collector, discoverer Discoverer, maxQuestionLen int, logger *slog.Logger) *Service {
	if maxQuestionLen <= 0 {
		maxQuestionLen = 2000
	}
	return &Service{
		retriever:      retriever,
		augmenter:      augmenter,
		corpus:         corpus,
		drafter:        drafter,
		recorder:       recorder,
		collector:      collector,
		discoverer:     discoverer,
		maxQuestionLen: maxQuestionLen,
		now:            time.Now,
		logger:         logger,
		metrics:        telemetry.NewPipelineMetrics(),
	}
}

// Input is one question to answer.
type Input struct {
	Query          string
	ConversationID uuid.UUID
}

// Output is the verified answer plus its audit identifiers. Verifications,
// AugmentNote, and SupportAudit are surfaced only on debug requests.
type Output struct {
	RunID         uuid.UUID                    `json:"run_id"`
	Answer        string                       `json:"answer"`
	Sources       []model.Source               `json:"sources"`
	Summary       model.CitationSummary        `json:"citation_summary"`
	Verifications []model.CitationVerification `json:"-"`
	DoctrineTag   string                       `json:"doctrine_tag,omitempty"`
	AugmentNote   augment.Note                 `json:"-"`
	SupportAudit  verify.PropositionAudit      `json:"-"`
	Fallback      bool                         `json:"fallback,omitempty"`
	LatencyMS     int64                        `json:"latency_ms"`
}

// Ask answers one question end to end. Model failures degrade to the
// retrieval-only fallback rather than erroring; only retrieval and hydration
// failures propagate.
func (s *Service) Ask(ctx context.Context, in Input) (Output, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return Output{}, fmt.Errorf("answer: empty question")
	}
	if len(query) > s.maxQuestionLen {
		return Output{}, ErrQueryTooLong
	}

	start := s.now()
	runID := uuid.New()
	doctrineTag := augment.PrimaryTag(query)

	baseline, err := s.retriever.SearchPages(ctx, retrieval.PageQuery{Query: query, Limit: baselineLimit})
	if err != nil {
		s.record(model.QueryRun{
			ID:             runID,
			CreatedAt:      start.UTC(),
			ConversationID: in.ConversationID,
			UserQuery:      query,
			DoctrineTag:    doctrineTag,
			LatencyMS:      s.sinceMS(start),
			FailureReason:  model.FailureRetrieval,
		})
		return Output{}, fmt.Errorf("answer: retrieval: %w", err)
	}

	hits := baseline
	var note augment.Note
	if s.augmenter != nil {
		hits, note = s.augmenter.Augment(ctx, query, baseline)
	}

	candidates, manifest, err := s.rankAndHydrate(ctx, query, doctrineTag, hits)
	if err != nil {
		return Output{}, err
	}
	s.metrics.RetrievalDuration.Record(ctx, float64(s.sinceMS(start)))

	result, draft, failure := s.draftAndVerify(ctx, query, candidates)
	supportAudit := verify.AuditPropositions(result.Answer)

	corpusVersion := s.corpusVersion(ctx)
	latency := s.sinceMS(start)

	run := model.QueryRun{
		ID:                  runID,
		CreatedAt:           start.UTC(),
		ConversationID:      in.ConversationID,
		UserQuery:           query,
		DoctrineTag:         doctrineTag,
		CorpusVersionID:     corpusVersion,
		RetrievalManifest:   manifest,
		ContextManifest:     draft.ContextEntries,
		ModelConfig:         draft.ModelConfig,
		SystemPromptVersion: draft.PromptVersion,
		FinalAnswer:         result.Answer,
		Citations:           result.Verifications,
		LatencyMS:           latency,
		FailureReason:       failure,
	}
	fallback := failure == model.FailureLLMTimeout || failure == model.FailureLLMUnavailable

	s.record(run)
	s.observe(doctrineTag, result, supportAudit, latency, failure)
	s.discover(query, baseline)

	s.metrics.AnswerDuration.Record(ctx, float64(latency))
	s.metrics.CitationsEmitted.Add(ctx, int64(result.Summary.TotalCitations))
	s.metrics.CitationsVerified.Add(ctx, int64(result.Summary.VerifiedCitations))
	s.metrics.UnsupportedClaims.Add(ctx, int64(supportAudit.CaseAttributedUnsupported))
	if fallback {
		s.metrics.FallbackAnswers.Add(ctx, 1)
	}
	s.log(ctx, query, result, latency, note, failure)

	return Output{
		RunID:         runID,
		Answer:        result.Answer,
		Sources:       result.Sources,
		Summary:       result.Summary,
		Verifications: result.Verifications,
		DoctrineTag:   doctrineTag,
		AugmentNote:   note,
		SupportAudit:  supportAudit,
		Fallback:      fallback,
		LatencyMS:     latency,
	}, nil
}

// rankAndHydrate scores every hit under the detected doctrine, selects the
// top pages, and hydrates their full text and opinion metadata. Verification
// always runs against full page text, never capped snippets.
func (s *Service) rankAndHydrate(ctx context.Context, query, doctrineTag string, hits []model.PageHit) ([]verify.Candidate, []model.RetrievalEntry, error) {
	if len(hits) == 0 {
		return nil, nil, nil
	}

	opinionIDs := make([]string, 0, len(hits))
	seen := map[string]bool{}
	for _, h := range hits {
		if !seen[h.OpinionID] {
			seen[h.OpinionID] = true
			opinionIDs = append(opinionIDs, h.OpinionID)
		}
	}
	opinions, err := s.corpus.GetOpinions(ctx, opinionIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("answer: hydrate opinions: %w", err)
	}

	type scored struct {
		hit   model.PageHit
		score float64
	}
	ranked := make([]scored, 0, len(hits))
	now := s.now()
	for _, h := range hits {
		op, ok := opinions[h.OpinionID]
		if !ok {
			continue
		}
		res := ranking.Score(ranking.Passage{
			Relevance:     h.Rank,
			Text:          h.Text,
			CaseName:      op.CaseName,
			Court:         op.Court,
			Source:        op.Source,
			Precedential:  op.Precedential,
			EnBanc:        op.EnBanc,
			Landmark:      op.Landmark,
			CitationCount: op.CitationCount,
			ReleaseDate:   op.ReleaseDate,
		}, doctrineTag, now)
		ranked = append(ranked, scored{hit: h, score: res.Composite})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	manifest := make([]model.RetrievalEntry, 0, len(ranked))
	for _, r := range ranked {
		manifest = append(manifest, model.RetrievalEntry{PageID: r.hit.PageID, Score: r.score})
	}

	top := ranked
	if len(top) > maxContextPages {
		top = top[:maxContextPages]
	}
	pageIDs := make([]int64, 0, len(top))
	for _, r := range top {
		pageIDs = append(pageIDs, r.hit.PageID)
	}
	pages, err := s.corpus.GetPagesByIDs(ctx, pageIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("answer: hydrate pages: %w", err)
	}

	candidates := make([]verify.Candidate, 0, len(top))
	for _, r := range top {
		page, ok := pages[r.hit.PageID]
		if !ok {
			continue
		}
		op, ok := opinions[page.OpinionID]
		if !ok {
			continue
		}
		candidates = append(candidates, verify.Candidate{Page: page, Opinion: op})
	}
	return candidates, manifest, nil
}

// draftAndVerify runs generation and verification, degrading to the
// retrieval-only fallback on classified model failures.
func (s *Service) draftAndVerify(ctx context.Context, query string, candidates []verify.Candidate) (verify.Result, generate.Draft, model.FailureReason) {
	if s.drafter == nil {
		return verify.Fallback(candidates), generate.Draft{}, model.FailureLLMUnavailable
	}
	draft, err := s.drafter.Draft(ctx, query, candidates)
	if err != nil {
		failure := model.FailureLLMUnavailable
		if errors.Is(err, generate.ErrTimeout) {
			failure = model.FailureLLMTimeout
		}
		if s.logger != nil {
			s.logger.WarnContext(ctx, "draft failed, serving retrieval fallback", "error", err)
		}
		return verify.Fallback(candidates), draft, failure
	}
	return verify.NewVerifier(candidates).Verify(draft.RawAnswer), draft, ""
}

func (s *Service) corpusVersion(ctx context.Context) string {
	version, err := s.corpus.CorpusVersionID(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.WarnContext(ctx, "corpus version unavailable", "error", err)
		}
		return ""
	}
	return version
}

func (s *Service) record(run model.QueryRun) {
	if s.recorder != nil {
		s.recorder.Record(run)
	}
}

func (s *Service) observe(doctrineTag string, result verify.Result, supportAudit verify.PropositionAudit, latencyMS int64, failure model.FailureReason) {
	if s.collector == nil {
		return
	}
	var reasons []model.FailureReason
	if failure != "" {
		reasons = append(reasons, failure)
	}
	for _, v := range result.Verifications {
		if v.FailureReason != "" {
			reasons = append(reasons, v.FailureReason)
		}
	}
	s.collector.Observe(evals.Sample{
		DoctrineTag:    doctrineTag,
		Summary:        result.Summary,
		Propositions:   supportAudit,
		LatencyMS:      latencyMS,
		FailureReasons: reasons,
	})
}

// discover hands a thin baseline to the background ingester. Runs detached
// from the request so the caller never waits on external search.
func (s *Service) discover(query string, baseline []model.PageHit) {
	if s.discoverer == nil || len(baseline) >= baselineLimit/2 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.discoverer.Discover(ctx, query, baseline)
	}()
}

func (s *Service) sinceMS(start time.Time) int64 {
	return s.now().Sub(start).Milliseconds()
}

func (s *Service) log(ctx context.Context, query string, result verify.Result, latencyMS int64, note augment.Note, failure model.FailureReason) {
	if s.logger == nil {
		return
	}
	s.logger.InfoContext(ctx, "question answered",
		"query_len", len(query),
		"sources", len(result.Sources),
		"verified", result.Summary.VerifiedCitations,
		"augmented", note.Triggered,
		"failure", string(failure),
		"latency_ms", latencyMS,
	)
}
