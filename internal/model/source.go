package model

import "time"

// Tier grades how much trust a verified citation deserves.
type Tier string

const (
	TierStrong     Tier = "strong"
	TierModerate   Tier = "moderate"
	TierWeak       Tier = "weak"
	TierUnverified Tier = "unverified"
)

// Verified reports whether the tier counts toward verified_citations.
// WEAK counts as verified; only UNVERIFIED does not.
func (t Tier) Verified() bool {
	return t == TierStrong || t == TierModerate || t == TierWeak
}

// BindingMethod records how a citation marker was resolved to corpus text.
type BindingMethod string

const (
	BindingStrict BindingMethod = "strict"
	BindingFuzzy  BindingMethod = "fuzzy"
	BindingNone   BindingMethod = "none"
)

// SectionType classifies the passage surrounding a bound quote.
type SectionType string

const (
	SectionHolding     SectionType = "holding"
	SectionMajority    SectionType = "majority"
	SectionDicta       SectionType = "dicta"
	SectionDissent     SectionType = "dissent"
	SectionConcurrence SectionType = "concurrence"
)

// CitationMarker is one hidden <!--CITE:...--> token parsed from the raw
// LLM answer: the model's claim that Quote appears on PageNumber of
// OpinionID. Position is the byte offset of the marker in the answer.
type CitationMarker struct {
	OpinionID  string
	PageNumber int
	Quote      string
	Position   int
}

// Source is an emitted citation: a marker that has been bound, verified and
// tiered against the corpus. Per-request value, never persisted directly.
type Source struct {
	SID               string            `json:"sid"`
	OpinionID         string            `json:"opinion_id"`
	CaseName          string            `json:"case_name"`
	AppealNo          string            `json:"appeal_no"`
	ReleaseDate       *time.Time        `json:"release_date,omitempty"`
	PageNumber        int               `json:"page_number"`
	Quote             string            `json:"quote"`
	ViewerURL         string            `json:"viewer_url"`
	PDFURL            string            `json:"pdf_url"`
	Tier              Tier              `json:"tier"`
	BindingMethod     BindingMethod     `json:"binding_method"`
	Score             int               `json:"score"`
	Signals           []string          `json:"signals"`
	ApplicationReason string            `json:"application_reason,omitempty"`
	Explain           map[string]string `json:"explain,omitempty"`
}

// HasSignal reports whether the source carries the named signal.
func (s Source) HasSignal(name string) bool {
	for _, sig := range s.Signals {
		if sig == name {
			return true
		}
	}
	return false
}

// Signal names attached to sources during binding and verification.
const (
	SignalCaseBound        = "case_bound"
	SignalExactMatch       = "exact_match"
	SignalFuzzyCaseBinding = "fuzzy_case_binding"
	SignalBindingFailed    = "binding_failed"
)

// CitationSummary reports per-answer citation counts. VerifiedRate is a
// percentage (0-100), uniformly across all user-visible summaries.
type CitationSummary struct {
	TotalCitations      int     `json:"total_citations"`
	VerifiedCitations   int     `json:"verified_citations"`
	UnverifiedCitations int     `json:"unverified_citations"`
	VerifiedRate        float64 `json:"verified_rate"`
}

// SummarizeSources computes the citation summary for a set of emitted sources.
func SummarizeSources(sources []Source) CitationSummary {
	sum := CitationSummary{TotalCitations: len(sources)}
	for _, s := range sources {
		if s.Tier.Verified() {
			sum.VerifiedCitations++
		} else {
			sum.UnverifiedCitations++
		}
	}
	if sum.TotalCitations > 0 {
		sum.VerifiedRate = 100 * float64(sum.VerifiedCitations) / float64(sum.TotalCitations)
	}
	return sum
}
