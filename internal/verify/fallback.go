package verify

import (
	"fmt"
	"strings"

	"github.com/caselaw-ai/shepard/internal/model"
)

// Retrieval-only fallback: when the model is unavailable or times out, the
// top retrieval pages themselves become the sources. Every fallback quote is
// verified through the same containment check as a model citation.

const (
	maxFallbackSources  = 5
	maxFallbackQuoteLen = 200
)

// Fallback synthesizes a Result from the top candidate pages without a model
// answer. Fallback sources never exceed MODERATE.
func Fallback(candidates []Candidate) Result {
	var sources []model.Source
	var verifications []model.CitationVerification
	seen := map[string]bool{}

	for _, c := range candidates {
		if len(sources) == maxFallbackSources {
			break
		}
		if seen[c.Opinion.ID] {
			continue
		}
		quote := excerptQuote(c.Page.Text)
		if !QuoteContained(quote, c.Page.Text) {
			continue
		}
		seen[c.Opinion.ID] = true

		section := ClassifySection(c.Page.Text, quote)
		tier := model.TierModerate
		if separateOpinion(section) {
			tier = model.TierWeak
		}

		sid := fmt.Sprintf("S%d", len(sources)+1)
		score := scoreBindingStrict + scoreMatchPartial
		if section == model.SectionDicta {
			score += scoreDicta
		}
		if score > fuzzyScoreCap {
			score = fuzzyScoreCap
		}

		src := model.Source{
			SID:           sid,
			OpinionID:     c.Opinion.ID,
			CaseName:      c.Opinion.CaseName,
			AppealNo:      c.Opinion.AppealNo,
			ReleaseDate:   c.Opinion.ReleaseDate,
			PageNumber:    c.Page.PageNumber,
			Quote:         quote,
			PDFURL:        c.Opinion.PDFURL,
			ViewerURL:     fmt.Sprintf("/pdf/%s?page=%d", c.Opinion.ID, c.Page.PageNumber),
			Tier:          tier,
			BindingMethod: model.BindingStrict,
			Score:         score,
			Signals:       []string{model.SignalCaseBound},
			Explain:       map[string]string{"section": string(section), "fallback": "retrieval_only"},
		}
		sources = append(sources, src)
		verifications = append(verifications, model.CitationVerification{
			SID:           sid,
			OpinionID:     src.OpinionID,
			PageNumber:    src.PageNumber,
			Tier:          src.Tier,
			BindingMethod: src.BindingMethod,
			Score:         src.Score,
			Signals:       src.Signals,
		})
	}

	if len(sources) == 0 {
		return Result{Answer: NotFoundAnswer}
	}

	var b strings.Builder
	b.WriteString("The assistant could not generate an answer. The most relevant passages found in the corpus are:\n")
	for _, s := range sources {
		fmt.Fprintf(&b, "\n[%s] %s, p. %d: %q", s.SID, s.CaseName, s.PageNumber, s.Quote)
	}

	return Result{
		Answer:        b.String(),
		Sources:       sources,
		Verifications: verifications,
		Summary:       model.SummarizeSources(sources),
	}
}

// excerptQuote picks an exact substring of the page text, trimmed to a rune
// boundary at or below the length cap.
func excerptQuote(pageText string) string {
	t := strings.TrimSpace(pageText)
	if len(t) <= maxFallbackQuoteLen {
		return t
	}
	cut := maxFallbackQuoteLen
	for cut > 0 && t[cut]&0xC0 == 0x80 {
		cut--
	}
	// Prefer ending on a word boundary.
	if sp := strings.LastIndexByte(t[:cut], ' '); sp > maxFallbackQuoteLen/2 {
		cut = sp
	}
	return t[:cut]
}
