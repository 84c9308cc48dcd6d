package verify

import (
	"fmt"
	"strings"

	"github.com/caselaw-ai/shepard/internal/model"
)

// NotFoundAnswer is the fixed response when no citation survives verification.
const NotFoundAnswer = "NOT FOUND IN PROVIDED OPINIONS."

// Result is the verifier's output for one raw model answer.
type Result struct {
	Answer        string
	Sources       []model.Source
	Verifications []model.CitationVerification
	Summary       model.CitationSummary
}

// Verify parses the raw answer's citation markers, binds and tiers each one
// against the candidate pages, rewrites the answer with [S<i>] tags, and
// returns the emitted sources plus the per-marker audit trail.
//
// Verified markers are replaced in place with " [S<i>]". Unverified markers
// are stripped from the answer but still emitted as UNVERIFIED sources so
// downstream metrics can count them. Duplicate markers referencing the same
// (opinion, page, quote prefix) collapse onto the first source's sid.
func (v *Verifier) Verify(rawAnswer string) Result {
	markers := ParseMarkers(rawAnswer)

	type emitted struct {
		source  model.Source
		binding binding
	}
	var out []emitted
	dedup := map[string]int{}

	// replacements maps marker position to the replacement text.
	replacements := make(map[int]string, len(markers))

	for _, marker := range markers {
		b := v.Bind(marker)

		opinionID := marker.OpinionID
		pageNumber := marker.PageNumber
		quote := marker.Quote
		if b.candidate != nil {
			opinionID = b.candidate.Opinion.ID
			pageNumber = b.candidate.Page.PageNumber
		}

		key := dedupKey(opinionID, pageNumber, quote)
		if idx, ok := dedup[key]; ok {
			if out[idx].source.Tier.Verified() {
				replacements[marker.Position] = " [" + out[idx].source.SID + "]"
			} else {
				replacements[marker.Position] = ""
			}
			continue
		}

		tier := AssignTier(b)
		sid := fmt.Sprintf("S%d", len(out)+1)
		src := model.Source{
			SID:           sid,
			OpinionID:     opinionID,
			PageNumber:    pageNumber,
			Quote:         quote,
			Tier:          tier,
			BindingMethod: b.method,
			Score:         ScoreBinding(b),
			Signals:       b.signals,
			Explain:       map[string]string{},
		}
		if b.candidate != nil {
			op := b.candidate.Opinion
			src.CaseName = op.CaseName
			src.AppealNo = op.AppealNo
			src.ReleaseDate = op.ReleaseDate
			src.PDFURL = op.PDFURL
			src.ViewerURL = fmt.Sprintf("/pdf/%s?page=%d", op.ID, pageNumber)
			src.Explain["section"] = string(b.section)
		}
		if b.failure != "" {
			src.Explain["failure_reason"] = string(b.failure)
		}

		dedup[key] = len(out)
		out = append(out, emitted{source: src, binding: b})

		if tier.Verified() {
			replacements[marker.Position] = " [" + sid + "]"
		} else {
			replacements[marker.Position] = ""
		}
	}

	answer := rewriteAnswer(rawAnswer, replacements)

	res := Result{Answer: answer}
	for _, e := range out {
		res.Sources = append(res.Sources, e.source)
		res.Verifications = append(res.Verifications, model.CitationVerification{
			SID:           e.source.SID,
			OpinionID:     e.source.OpinionID,
			PageNumber:    e.source.PageNumber,
			Tier:          e.source.Tier,
			BindingMethod: e.source.BindingMethod,
			Score:         e.source.Score,
			Signals:       e.source.Signals,
			FailureReason: e.binding.failure,
		})
	}
	res.Summary = model.SummarizeSources(res.Sources)

	if len(res.Sources) == 0 {
		res.Answer = NotFoundAnswer
	}
	return res
}

// dedupKey collapses markers naming the same passage. The quote contributes
// its first 50 normalized characters.
func dedupKey(opinionID string, pageNumber int, quote string) string {
	nq := NormalizeQuote(quote)
	if len(nq) > 50 {
		nq = nq[:50]
	}
	return fmt.Sprintf("%s|%d|%s", opinionID, pageNumber, nq)
}

// rewriteAnswer substitutes each marker occurrence with its replacement,
// preserving all surrounding prose.
func rewriteAnswer(raw string, replacements map[int]string) string {
	locs := markerRe.FindAllStringIndex(raw, -1)
	if len(locs) == 0 {
		return strings.TrimSpace(raw)
	}

	var b strings.Builder
	prev := 0
	for _, loc := range locs {
		b.WriteString(raw[prev:loc[0]])
		if repl, ok := replacements[loc[0]]; ok {
			b.WriteString(repl)
		}
		prev = loc[1]
	}
	b.WriteString(raw[prev:])
	return strings.TrimSpace(b.String())
}
