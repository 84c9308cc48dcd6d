package server

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/auth"
	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/retrieval"
	"github.com/caselaw-ai/shepard/internal/service/answer"
	"github.com/caselaw-ai/shepard/internal/storage"
	"github.com/caselaw-ai/shepard/internal/verify"
)

const testAPIKey = "sk-test-key"

func newTestLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type fakeAnswer struct {
	out answer.Output
	err error
}

func (f *fakeAnswer) Ask(_ context.Context, in answer.Input) (answer.Output, error) {
	if f.err != nil {
		return answer.Output{}, f.err
	}
	out := f.out
	if out.RunID == uuid.Nil {
		out.RunID = uuid.New()
	}
	return out, nil
}

type fakeSearch struct {
	page retrieval.AdvancedPage
	err  error
	got  retrieval.AdvancedQuery
}

func (f *fakeSearch) AdvancedSearch(_ context.Context, q retrieval.AdvancedQuery) (retrieval.AdvancedPage, error) {
	f.got = q
	return f.page, f.err
}

type fakeStore struct {
	runs     map[uuid.UUID]model.QueryRun
	opinions map[string]model.Opinion
	pingErr  error
}

func (f *fakeStore) GetQueryRun(_ context.Context, id uuid.UUID) (model.QueryRun, error) {
	run, ok := f.runs[id]
	if !ok {
		return model.QueryRun{}, storage.ErrNotFound
	}
	return run, nil
}

func (f *fakeStore) GetOpinion(_ context.Context, id string) (model.Opinion, error) {
	op, ok := f.opinions[id]
	if !ok {
		return model.Opinion{}, storage.ErrNotFound
	}
	return op, nil
}

func (f *fakeStore) Ping(context.Context) error {
	return f.pingErr
}

type testEnv struct {
	srv   *httptest.Server
	jwt   *auth.JWTManager
	store *fakeStore
}

func newTestEnv(t *testing.T, ans AnswerService, search SearchService) *testEnv {
	t.Helper()
	hash, err := auth.HashAPIKey(testAPIKey)
	require.NoError(t, err)
	jwtMgr, err := auth.NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	store := &fakeStore{
		runs:     map[uuid.UUID]model.QueryRun{},
		opinions: map[string]model.Opinion{},
	}
	logger := newTestLogger()
	h := NewHandlers(HandlersDeps{
		Answer:     ans,
		Search:     search,
		Store:      store,
		JWT:        jwtMgr,
		APIKeyHash: hash,
		Version:    "test",
		Logger:     logger,
	})
	s := New(Config{
		Handlers:            h,
		Logger:              logger,
		MaxRequestBodyBytes: 1 << 20,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, jwt: jwtMgr, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func keyed() map[string]string {
	return map[string]string{"X-API-Key": testAPIKey}
}

func TestQueryRequiresAPIKey(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	resp := env.do(t, http.MethodPost, "/query", `{"question":"q"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/query", `{"question":"q"}`, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestQueryHappyPath(t *testing.T) {
	out := answer.Output{
		Answer:  "Generic implementation is not enough. [S1]",
		Sources: []model.Source{{SID: "S1", OpinionID: "alice-2014", Tier: model.TierStrong}},
		Summary: model.CitationSummary{TotalCitations: 1, VerifiedCitations: 1, VerifiedRate: 100},
	}
	env := newTestEnv(t, &fakeAnswer{out: out}, &fakeSearch{})

	resp := env.do(t, http.MethodPost, "/query", `{"question":"101 question"}`, keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Answer         string         `json:"answer"`
		Sources        []model.Source `json:"sources"`
		ConversationID string         `json:"conversation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Answer, "[S1]")
	require.Len(t, body.Sources, 1)
	assert.NotEmpty(t, body.ConversationID)
}

func TestQueryIncludeDebug(t *testing.T) {
	out := answer.Output{
		Answer:  "Alice v. CLS Bank controls. [S1]",
		Sources: []model.Source{{SID: "S1", OpinionID: "alice-2014", Tier: model.TierStrong}},
		Summary: model.CitationSummary{TotalCitations: 1, VerifiedCitations: 1, VerifiedRate: 100},
		Verifications: []model.CitationVerification{{
			SID: "S1", OpinionID: "alice-2014", Tier: model.TierStrong,
			BindingMethod: model.BindingStrict, Score: 85,
		}},
		SupportAudit: verify.PropositionAudit{Total: 2, CaseAttributed: 1, Unsupported: 1},
	}
	env := newTestEnv(t, &fakeAnswer{out: out}, &fakeSearch{})

	resp := env.do(t, http.MethodPost, "/query", `{"question":"101 question","include_debug":true}`, keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "debug")

	var debug struct {
		Verifications []model.CitationVerification `json:"verifications"`
		SupportAudit  map[string]int               `json:"support_audit"`
	}
	require.NoError(t, json.Unmarshal(body["debug"], &debug))
	require.Len(t, debug.Verifications, 1)
	assert.Equal(t, "alice-2014", debug.Verifications[0].OpinionID)
	assert.Equal(t, 1, debug.SupportAudit["unsupported_claims"])

	// Without the flag the debug payload is absent.
	resp = env.do(t, http.MethodPost, "/query", `{"question":"101 question"}`, keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = nil
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotContains(t, body, "debug")
}

func TestQueryRejectsBadBody(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	resp := env.do(t, http.MethodPost, "/query", `{"unknown_field":1}`, keyed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/query", `{"question":"  "}`, keyed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryTooLongMapsTo400(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{err: answer.ErrQueryTooLong}, &fakeSearch{})
	resp := env.do(t, http.MethodPost, "/query", `{"question":"long"}`, keyed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStreamEmitsNDJSON(t *testing.T) {
	longAnswer := "The claims are directed to the abstract idea of intermediated settlement, " +
		"and generic computer implementation does not supply an inventive concept. [S1]"
	out := answer.Output{
		Answer:  longAnswer,
		Sources: []model.Source{{SID: "S1", OpinionID: "op-a", Tier: model.TierModerate}},
	}
	env := newTestEnv(t, &fakeAnswer{out: out}, &fakeSearch{})

	resp := env.do(t, http.MethodPost, "/chat/stream", `{"message":"q"}`, keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var types []string
	var rebuilt strings.Builder
	tokens := 0
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var event map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &event))
		types = append(types, event["type"].(string))
		if event["type"] == "token" {
			tokens++
			rebuilt.WriteString(event["token"].(string))
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, "conversation_id", types[0])
	assert.Greater(t, tokens, 1)
	assert.Equal(t, "sources", types[len(types)-2])
	assert.Equal(t, "done", types[len(types)-1])
	assert.Equal(t, longAnswer, rebuilt.String())
}

func TestTokenChunksRoundTrip(t *testing.T) {
	texts := []string{
		"short",
		"a run of words that comfortably exceeds one chunk of forty-eight bytes in total length",
		strings.Repeat("x", 120),
		"café züge §101 ¶ analysis",
	}
	for _, text := range texts {
		chunks := tokenChunks(text, 48)
		assert.Equal(t, text, strings.Join(chunks, ""))
		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), 48)
		}
	}
	assert.Empty(t, tokenChunks("", 48))
}

func TestSearchModeAndEnvelope(t *testing.T) {
	search := &fakeSearch{page: retrieval.AdvancedPage{
		Query: "alice",
		Hits:  []model.AdvancedHit{{PageID: 1, OpinionID: "alice-2014", CaseName: "Alice Corp. v. CLS Bank"}},
		Count: 1,
	}}
	env := newTestEnv(t, &fakeAnswer{}, search)

	resp := env.do(t, http.MethodGet, "/search?q=alice&mode=parties", "", keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, search.got.PartyOnly)

	var body struct {
		Query   string           `json:"query"`
		Results []map[string]any `json:"results"`
		Count   int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "alice", body.Query)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Results, 1)

	resp = env.do(t, http.MethodGet, "/search?q=alice&mode=all", "", keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, search.got.PartyOnly)

	resp = env.do(t, http.MethodGet, "/search?q=alice&mode=judges", "", keyed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchBadCursor(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{err: retrieval.ErrBadCursor})
	resp := env.do(t, http.MethodGet, "/search?q=alice&cursor=junk", "", keyed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchLimitValidation(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	resp := env.do(t, http.MethodGet, "/search?q=alice&limit=500", "", keyed())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPDFRedirectAndNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	env.store.opinions["alice-2014"] = model.Opinion{
		ID:     "alice-2014",
		PDFURL: "https://storage.test/alice.pdf",
	}

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	req, err := http.NewRequest(http.MethodGet, env.srv.URL+"/pdf/alice-2014?page=5", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testAPIKey)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://storage.test/alice.pdf#page=5", resp.Header.Get("Location"))

	missing := env.do(t, http.MethodGet, "/pdf/nope", "", keyed())
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "application/json", missing.Header.Get("Content-Type"))
}

func TestPDFNotYetDownloaded(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	env.store.opinions["pending-2025"] = model.Opinion{
		ID:       "pending-2025",
		CaseName: "Pending v. Ingest",
		AppealNo: "24-1001",
	}

	resp := env.do(t, http.MethodGet, "/pdf/pending-2025", "", keyed())
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "PDF not yet downloaded", body["error"])
	assert.Equal(t, "retry_later", body["status"])
	assert.Contains(t, body["fallback_url"], "24-1001")
}

func TestReplayPacketRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	runID := uuid.New()
	env.store.runs[runID] = model.QueryRun{ID: runID, UserQuery: "q", FinalAnswer: "a"}

	resp := env.do(t, http.MethodGet, "/replay-packet/"+runID.String(), "", keyed())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, _, err := env.jwt.IssueAdminToken("tester")
	require.NoError(t, err)
	resp = env.do(t, http.MethodGet, "/replay-packet/"+runID.String(), "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var pkt struct {
		RunID     uuid.UUID `json:"run_id"`
		UserQuery string    `json:"user_query"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pkt))
	assert.Equal(t, runID, pkt.RunID)
	assert.Equal(t, "q", pkt.UserQuery)
}

func TestReplayPacketUnknownRun(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	token, _, err := env.jwt.IssueAdminToken("tester")
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/replay-packet/"+uuid.NewString(), "", map[string]string{
		"Authorization": "Bearer " + token,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthTokenExchange(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	resp := env.do(t, http.MethodPost, "/auth/token", "", keyed())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	claims, err := env.jwt.VerifyAdminToken(body.Token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, claims.Role)
}

func TestHealthzOpenAndDegraded(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.store.pingErr = context.DeadlineExceeded
	resp = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRequestIDHeaderEchoed(t *testing.T) {
	env := newTestEnv(t, &fakeAnswer{}, &fakeSearch{})
	resp := env.do(t, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}
