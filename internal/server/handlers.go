package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/caselaw-ai/shepard/internal/audit"
	"github.com/caselaw-ai/shepard/internal/augment"
	"github.com/caselaw-ai/shepard/internal/auth"
	"github.com/caselaw-ai/shepard/internal/evals"
	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/retrieval"
	"github.com/caselaw-ai/shepard/internal/service/answer"
	"github.com/caselaw-ai/shepard/internal/storage"
	"github.com/caselaw-ai/shepard/internal/verify"
)

// AnswerService answers questions end to end.
type AnswerService interface {
	Ask(ctx context.Context, in answer.Input) (answer.Output, error)
}

// SearchService serves the cursor-paginated advanced search.
type SearchService interface {
	AdvancedSearch(ctx context.Context, q retrieval.AdvancedQuery) (retrieval.AdvancedPage, error)
}

// Store is the subset of the corpus store the handlers read directly.
// *storage.DB satisfies it.
type Store interface {
	GetQueryRun(ctx context.Context, id uuid.UUID) (model.QueryRun, error)
	GetOpinion(ctx context.Context, id string) (model.Opinion, error)
	Ping(ctx context.Context) error
}

// RetentionRunner executes one retention pass.
type RetentionRunner interface {
	Run(ctx context.Context, dryRun bool) (audit.RetentionResult, error)
}

// HandlersDeps wires the handler dependencies. Retention and Collector may
// be nil, which disables the corresponding admin endpoints' payloads.
type HandlersDeps struct {
	Answer     AnswerService
	Search     SearchService
	Store      Store
	JWT        *auth.JWTManager
	Retention  RetentionRunner
	Collector  *evals.Collector
	Breaker    *audit.Breaker
	APIKeyHash string
	Version    string
	Logger     *slog.Logger
}

// Handlers holds the HTTP handler set.
type Handlers struct {
	answer     AnswerService
	search     SearchService
	store      Store
	jwt        *auth.JWTManager
	retention  RetentionRunner
	collector  *evals.Collector
	breaker    *audit.Breaker
	apiKeyHash string
	version    string
	logger     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		answer:     deps.Answer,
		search:     deps.Search,
		store:      deps.Store,
		jwt:        deps.JWT,
		retention:  deps.Retention,
		collector:  deps.Collector,
		breaker:    deps.Breaker,
		apiKeyHash: deps.APIKeyHash,
		version:    deps.Version,
		logger:     deps.Logger,
	}
}

type queryRequest struct {
	Question       string `json:"question"`
	ConversationID string `json:"conversation_id,omitempty"`
	IncludeDebug   bool   `json:"include_debug,omitempty"`
}

// queryDebug is the optional pipeline introspection payload, returned only
// when the request sets include_debug.
type queryDebug struct {
	AugmentNote   augment.Note                 `json:"augment_note"`
	Verifications []model.CitationVerification `json:"verifications"`
	SupportAudit  verify.PropositionAudit      `json:"support_audit"`
}

type queryResponse struct {
	answer.Output
	ConversationID uuid.UUID   `json:"conversation_id"`
	Debug          *queryDebug `json:"debug,omitempty"`
}

// HandleQuery answers one question: POST /query {"question": "..."}.
func (h *Handlers) HandleQuery(w http.ResponseWriter, r *http.Request) {
	req, convID, ok := h.decodeQuestion(w, r)
	if !ok {
		return
	}
	out, err := h.answer.Ask(r.Context(), answer.Input{Query: req.Question, ConversationID: convID})
	if err != nil {
		h.writeAskError(w, r, err)
		return
	}
	resp := queryResponse{Output: out, ConversationID: convID}
	if req.IncludeDebug {
		resp.Debug = &queryDebug{
			AugmentNote:   out.AugmentNote,
			Verifications: out.Verifications,
			SupportAudit:  out.SupportAudit,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleChat is the conversational alias of HandleQuery: it accepts
// "message" as well as "question" and always returns the conversation id.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	h.HandleQuery(w, r)
}

// streamChunkSize bounds one token event's text.
const streamChunkSize = 48

// HandleChatStream answers over NDJSON: a conversation_id line first, then
// the answer as token events, the verified sources, and a terminal done line.
func (h *Handlers) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	req, convID, ok := h.decodeQuestion(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)

	emit := func(event map[string]any) {
		_ = enc.Encode(event)
		if canFlush {
			flusher.Flush()
		}
	}

	emit(map[string]any{"type": "conversation_id", "conversation_id": convID})

	out, err := h.answer.Ask(r.Context(), answer.Input{Query: req.Question, ConversationID: convID})
	if err != nil {
		emit(map[string]any{"type": "error", "error": askErrorMessage(err)})
		return
	}

	for _, chunk := range tokenChunks(out.Answer, streamChunkSize) {
		emit(map[string]any{"type": "token", "token": chunk})
	}
	emit(map[string]any{"type": "sources", "sources": out.Sources})
	emit(map[string]any{
		"type":             "done",
		"run_id":           out.RunID,
		"citation_summary": out.Summary,
		"fallback":         out.Fallback,
		"latency_ms":       out.LatencyMS,
	})
}

// tokenChunks splits text into chunks of at most size bytes, cutting at
// spaces where possible and never inside a UTF-8 sequence. Concatenating the
// chunks reproduces text exactly.
func tokenChunks(text string, size int) []string {
	var out []string
	for len(text) > size {
		cut := strings.LastIndexByte(text[:size], ' ')
		if cut < 0 {
			cut = size
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = size
			}
		} else {
			cut++ // the space stays with the leading chunk
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func (h *Handlers) decodeQuestion(w http.ResponseWriter, r *http.Request) (queryRequest, uuid.UUID, bool) {
	var req struct {
		queryRequest
		Message string `json:"message,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return queryRequest{}, uuid.Nil, false
	}
	if req.Question == "" {
		req.Question = req.Message
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return queryRequest{}, uuid.Nil, false
	}

	convID := uuid.New()
	if req.ConversationID != "" {
		parsed, err := uuid.Parse(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid conversation_id")
			return queryRequest{}, uuid.Nil, false
		}
		convID = parsed
	}
	return req.queryRequest, convID, true
}

func (h *Handlers) writeAskError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, answer.ErrQueryTooLong) {
		writeError(w, http.StatusBadRequest, askErrorMessage(err))
		return
	}
	h.logger.ErrorContext(r.Context(), "ask failed", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to answer question")
}

func askErrorMessage(err error) string {
	if errors.Is(err, answer.ErrQueryTooLong) {
		return "question exceeds length limit"
	}
	return "failed to answer question"
}

// HandleSearch serves GET /search with cursor pagination. mode=parties
// restricts matching to case names; the default mode searches opinion text
// and case names.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be in [1,100]")
			return
		}
		limit = n
	}
	partyOnly := false
	switch q.Get("mode") {
	case "", "all":
	case "parties":
		partyOnly = true
	default:
		writeError(w, http.StatusBadRequest, "mode must be all or parties")
		return
	}

	page, err := h.search.AdvancedSearch(r.Context(), retrieval.AdvancedQuery{
		Query:      q.Get("q"),
		Author:     q.Get("author"),
		Forum:      model.Court(strings.ToUpper(q.Get("forum"))),
		PartyOnly:  partyOnly,
		ExcludeR36: q.Get("exclude_r36") == "true",
		Cursor:     q.Get("cursor"),
		Limit:      limit,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrBadCursor) {
			writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		h.logger.ErrorContext(r.Context(), "search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandlePDF resolves a source's viewer URL: GET /pdf/{opinion_id}?page=N
// redirects to the stored PDF. A missing opinion returns JSON, never a bare
// 404 page, so client-side source links degrade cleanly.
func (h *Handlers) HandlePDF(w http.ResponseWriter, r *http.Request) {
	opinionID := r.PathValue("opinion_id")
	op, err := h.store.GetOpinion(r.Context(), opinionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "opinion not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "opinion lookup failed", "opinion_id", opinionID, "error", err)
		writeError(w, http.StatusInternalServerError, "opinion lookup failed")
		return
	}
	if op.PDFURL == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error":        "PDF not yet downloaded",
			"status":       "retry_later",
			"fallback_url": fallbackURL(op),
		})
		return
	}

	target := op.PDFURL
	if page := r.URL.Query().Get("page"); page != "" {
		if n, err := strconv.Atoi(page); err == nil && n >= 1 {
			target += "#page=" + page
		}
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// fallbackURL points a client at the upstream docket search while the PDF is
// still pending ingestion.
func fallbackURL(op model.Opinion) string {
	q := op.AppealNo
	if q == "" {
		q = op.CaseName
	}
	return "https://www.courtlistener.com/?q=" + url.QueryEscape(q)
}

// HandleAuthToken exchanges a valid API key for a short-lived admin token:
// POST /auth/token with X-API-Key.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	token, expires, err := h.jwt.IssueAdminToken("api-key")
	if err != nil {
		h.logger.ErrorContext(r.Context(), "token issue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_at": expires,
	})
}

// HandleReplayPacket serves the deterministic replay packet for one run:
// GET /replay-packet/{run_id}, admin only.
func (h *Handlers) HandleReplayPacket(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	run, err := h.store.GetQueryRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "run lookup failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "run lookup failed")
		return
	}
	pkt, err := audit.BuildReplayPacket(run)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "replay packet build failed", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to build replay packet")
		return
	}
	writeJSON(w, http.StatusOK, pkt)
}

// HandleRetention triggers one retention pass: POST /admin/retention
// {"dry_run": true}, admin only.
func (h *Handlers) HandleRetention(w http.ResponseWriter, r *http.Request) {
	if h.retention == nil {
		writeError(w, http.StatusNotImplemented, "retention not configured")
		return
	}
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := h.retention.Run(r.Context(), req.DryRun)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "retention pass failed", "error", err)
		writeError(w, http.StatusInternalServerError, "retention pass failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleEvalsReport serves the sliding-window quality report: GET
// /admin/evals, admin only.
func (h *Handlers) HandleEvalsReport(w http.ResponseWriter, r *http.Request) {
	if h.collector == nil {
		writeError(w, http.StatusNotImplemented, "evals collector not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.collector.Report())
}

// HandleHealthz reports liveness plus the audit breaker state.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": h.version,
	}
	if h.breaker != nil {
		body["audit_breaker"] = string(h.breaker.State())
	}
	if err := h.store.Ping(r.Context()); err != nil {
		body["status"] = "degraded"
		body["database"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["database"] = "ok"
	writeJSON(w, http.StatusOK, body)
}
