package model

import (
	"time"

	"github.com/google/uuid"
)

// FailureReason classifies why a citation failed verification or why a
// pipeline stage degraded. Emitted only in debug/audit payloads.
type FailureReason string

const (
	FailureRetrieval             FailureReason = "retrieval_failure"
	FailureLLMTimeout            FailureReason = "llm_timeout"
	FailureLLMUnavailable        FailureReason = "llm_unavailable"
	FailureBinding               FailureReason = "binding_failed"
	FailureQuoteNotFound         FailureReason = "QUOTE_NOT_FOUND"
	FailureWrongCaseID           FailureReason = "WRONG_CASE_ID"
	FailureWrongPage             FailureReason = "WRONG_PAGE"
	FailureTooShort              FailureReason = "TOO_SHORT"
	FailureOCRArtifactMismatch   FailureReason = "OCR_ARTIFACT_MISMATCH"
	FailureEllipsisFragment      FailureReason = "ELLIPSIS_FRAGMENT"
	FailureNormalizationMismatch FailureReason = "NORMALIZATION_MISMATCH"
	FailureNoCandidatePassages   FailureReason = "NO_CANDIDATE_PASSAGES"
	FailureOther                 FailureReason = "OTHER"
	FailureAuditSuppressed       FailureReason = "audit_write_suppressed"
)

// RetrievalEntry is one line of the retrieval manifest: a candidate page
// and the composite score it entered the context selection with.
type RetrievalEntry struct {
	PageID int64   `json:"page_id"`
	Score  float64 `json:"score"`
}

// ContextEntry is one line of the context manifest: a page actually fed to
// the model and its approximate token count.
type ContextEntry struct {
	PageID     int64 `json:"page_id"`
	TokenCount int   `json:"token_count"`
}

// ModelConfig pins the generation parameters for replay.
type ModelConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// CitationVerification is the audit record of one marker's verification.
type CitationVerification struct {
	SID           string        `json:"sid,omitempty"`
	OpinionID     string        `json:"opinion_id"`
	PageNumber    int           `json:"page_number"`
	Tier          Tier          `json:"tier"`
	BindingMethod BindingMethod `json:"binding_method"`
	Score         int           `json:"score"`
	Signals       []string      `json:"signals,omitempty"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
}

// QueryRun is the deterministic replay record of one answered query.
// Owned by the audit recorder; one row per query.
type QueryRun struct {
	ID                  uuid.UUID              `json:"run_id"`
	CreatedAt           time.Time              `json:"created_at"`
	ConversationID      uuid.UUID              `json:"conversation_id"`
	UserQuery           string                 `json:"user_query"`
	DoctrineTag         string                 `json:"doctrine_tag,omitempty"`
	CorpusVersionID     string                 `json:"corpus_version_id"`
	RetrievalManifest   []RetrievalEntry       `json:"retrieval_manifest"`
	ContextManifest     []ContextEntry         `json:"context_manifest"`
	ModelConfig         ModelConfig            `json:"model_config"`
	SystemPromptVersion string                 `json:"system_prompt_version"`
	FinalAnswer         string                 `json:"final_answer"`
	Citations           []CitationVerification `json:"citations"`
	LatencyMS           int64                  `json:"latency_ms"`
	FailureReason       FailureReason          `json:"failure_reason,omitempty"`
}
