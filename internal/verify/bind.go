// Package verify implements the citation binding verifier: it resolves each
// citation marker's *claimed* source before accepting any quote match, so a
// quote that only exists in a different opinion can never be silently
// credited to the claimed one.
//
// The verifier is pure: it operates on candidate pages already materialized
// by retrieval and never touches the database or the network.
package verify

import (
	"sort"
	"strings"
	"time"

	"github.com/caselaw-ai/shepard/internal/model"
)

// Candidate is one retrieval-selected page together with its opinion.
type Candidate struct {
	Page    model.Page
	Opinion model.Opinion
}

type pageKey struct {
	opinionID  string
	pageNumber int
}

// Verifier binds citation markers against a fixed candidate set.
type Verifier struct {
	candidates []Candidate
	byPage     map[pageKey]int
	byOpinion  map[string][]int
}

// NewVerifier indexes the candidate pages for binding.
func NewVerifier(candidates []Candidate) *Verifier {
	v := &Verifier{
		candidates: candidates,
		byPage:     make(map[pageKey]int, len(candidates)),
		byOpinion:  make(map[string][]int),
	}
	for i, c := range candidates {
		v.byPage[pageKey{c.Page.OpinionID, c.Page.PageNumber}] = i
		v.byOpinion[c.Page.OpinionID] = append(v.byOpinion[c.Page.OpinionID], i)
	}
	return v
}

// binding is the outcome of resolving one marker.
type binding struct {
	method    model.BindingMethod
	candidate *Candidate
	section   model.SectionType
	signals   []string
	failure   model.FailureReason
}

// Bind resolves a marker: strict binding first, fuzzy case-name binding
// second, explicit failure last. A failed marker is never reattached to a
// different opinion.
func (v *Verifier) Bind(marker model.CitationMarker) binding {
	if len(v.candidates) == 0 {
		return binding{
			method:  model.BindingNone,
			signals: []string{model.SignalBindingFailed},
			failure: model.FailureNoCandidatePassages,
		}
	}

	if len(NormalizeQuote(marker.Quote)) < minQuoteLen {
		return binding{
			method:  model.BindingNone,
			signals: []string{model.SignalBindingFailed},
			failure: model.FailureTooShort,
		}
	}

	var strictFailure model.FailureReason

	// Strict binding: the claimed (opinion, page) must itself contain the quote.
	if idx, ok := v.byPage[pageKey{marker.OpinionID, marker.PageNumber}]; ok {
		c := &v.candidates[idx]
		if QuoteContained(marker.Quote, c.Page.Text) {
			return binding{
				method:    model.BindingStrict,
				candidate: c,
				section:   ClassifySection(c.Page.Text, marker.Quote),
				signals:   []string{model.SignalCaseBound, model.SignalExactMatch},
			}
		}
		strictFailure = v.classifyStrictFailure(marker, c)
	} else if marker.OpinionID != "" {
		if _, known := v.byOpinion[marker.OpinionID]; known {
			strictFailure = model.FailureWrongPage
		} else {
			strictFailure = model.FailureWrongCaseID
		}
	}

	// Fuzzy case-name binding: resolve the claimed name, then verify the
	// quote against the resolved opinion's pages only.
	if b, ok := v.bindFuzzy(marker); ok {
		return b
	}

	if strictFailure == "" {
		strictFailure = model.FailureQuoteNotFound
	}
	return binding{
		method:  model.BindingNone,
		signals: []string{model.SignalBindingFailed},
		failure: strictFailure,
	}
}

// classifyStrictFailure explains why a quote did not verify against the
// claimed page that does exist in the candidate set.
func (v *Verifier) classifyStrictFailure(marker model.CitationMarker, claimed *Candidate) model.FailureReason {
	if strings.Contains(marker.Quote, "...") || strings.Contains(marker.Quote, "…") {
		return model.FailureEllipsisFragment
	}
	if dehyphenatedContained(marker.Quote, claimed.Page.Text) {
		return model.FailureOCRArtifactMismatch
	}
	if looseContained(marker.Quote, claimed.Page.Text) {
		return model.FailureNormalizationMismatch
	}
	for i := range v.candidates {
		c := &v.candidates[i]
		if !QuoteContained(marker.Quote, c.Page.Text) {
			continue
		}
		if c.Page.OpinionID == marker.OpinionID {
			return model.FailureWrongPage
		}
		return model.FailureWrongCaseID
	}
	return model.FailureQuoteNotFound
}

// dehyphenatedContained retries containment after undoing PDF line-break
// hyphenation on the page side.
func dehyphenatedContained(quote, pageText string) bool {
	fixed := strings.ReplaceAll(pageText, "-\n", "")
	fixed = strings.ReplaceAll(fixed, "- ", "")
	return QuoteContained(quote, fixed)
}

// looseContained strips everything but letters and digits on both sides.
// Matching here but not under the declared normalization indicates a
// normalization mismatch, not a verified quote.
func looseContained(quote, pageText string) bool {
	strip := func(s string) string {
		var b strings.Builder
		for _, r := range strings.ToLower(s) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				b.WriteRune(r)
			}
		}
		return b.String()
	}
	q := strip(quote)
	if len(q) < minQuoteLen {
		return false
	}
	return strings.Contains(strip(pageText), q)
}

// bindFuzzy resolves the marker's claimed name against candidate opinions'
// normalized case names. Lowest ambiguity wins; ties break by more recent
// release date, then stable id order. Fuzzy-bound sources are capped at
// MODERATE by the tier assignment.
func (v *Verifier) bindFuzzy(marker model.CitationMarker) (binding, bool) {
	claim := v.claimedNameTokens(marker)
	if len(claim) == 0 {
		return binding{}, false
	}

	type fuzzyCandidate struct {
		opinionID string
		ambiguity int
	}
	seen := map[string]bool{}
	var matches []fuzzyCandidate
	for _, c := range v.candidates {
		if seen[c.Opinion.ID] {
			continue
		}
		seen[c.Opinion.ID] = true
		tokens := CaseNameTokens(c.Opinion.CaseName)
		if !tokensContained(claim, tokens) {
			continue
		}
		matches = append(matches, fuzzyCandidate{
			opinionID: c.Opinion.ID,
			ambiguity: len(tokens) - len(claim),
		})
	}
	if len(matches) == 0 {
		return binding{}, false
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ambiguity != matches[j].ambiguity {
			return matches[i].ambiguity < matches[j].ambiguity
		}
		di := v.releaseDateOf(matches[i].opinionID)
		dj := v.releaseDateOf(matches[j].opinionID)
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return matches[i].opinionID < matches[j].opinionID
	})

	resolved := matches[0].opinionID
	for _, idx := range v.byOpinion[resolved] {
		c := &v.candidates[idx]
		if QuoteContained(marker.Quote, c.Page.Text) {
			return binding{
				method:    model.BindingFuzzy,
				candidate: c,
				section:   ClassifySection(c.Page.Text, marker.Quote),
				signals:   []string{model.SignalFuzzyCaseBinding, model.SignalExactMatch},
			}, true
		}
	}
	return binding{}, false
}

// claimedNameTokens derives the claimed case name for fuzzy binding. When
// the marker's id field is not a known opinion id it is treated as a case
// name; when it names a known opinion, that opinion's case name is the claim.
func (v *Verifier) claimedNameTokens(marker model.CitationMarker) []string {
	if _, known := v.byOpinion[marker.OpinionID]; known {
		idx := v.byOpinion[marker.OpinionID][0]
		return CaseNameTokens(v.candidates[idx].Opinion.CaseName)
	}
	return CaseNameTokens(marker.OpinionID)
}

func (v *Verifier) releaseDateOf(opinionID string) time.Time {
	idx := v.byOpinion[opinionID][0]
	if rd := v.candidates[idx].Opinion.ReleaseDate; rd != nil {
		return *rd
	}
	return time.Time{}
}
