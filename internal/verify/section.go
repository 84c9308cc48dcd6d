package verify

import (
	"regexp"
	"strings"

	"github.com/caselaw-ai/shepard/internal/model"
)

// Section-type heuristic: classify the passage around a bound quote so the
// tier assignment can distinguish holdings from dicta and separate opinions.
// Feeds confidence only; it never rebinds a quote.

var (
	holdingSectionRe     = regexp.MustCompile(`(?i)\b(we hold|for the foregoing reasons|reverse|affirm)\b`)
	dissentSectionRe     = regexp.MustCompile(`(?i)\b(respectfully dissent|i dissent)\b`)
	concurrenceSectionRe = regexp.MustCompile(`(?i)\b(concur in the result|i concur)\b`)
	dictaSectionRe       = regexp.MustCompile(`(?i)\b(we note that even if|dicta|in passing)\b`)
)

// sectionWindow is how many characters around the quote are inspected.
const sectionWindow = 600

// ClassifySection labels the page region surrounding the quote.
// Dissent and concurrence markers win over holding markers because a
// dissent frequently quotes the majority's holding language.
func ClassifySection(pageText, quote string) model.SectionType {
	region := pageText
	if idx := strings.Index(NormalizeQuote(pageText), NormalizeQuote(quote)); idx >= 0 {
		// Map the normalized offset back approximately; the window is wide
		// enough that the imprecision does not matter.
		start := idx - sectionWindow
		if start < 0 {
			start = 0
		}
		end := idx + len(quote) + sectionWindow
		if end > len(pageText) {
			end = len(pageText)
		}
		if start < len(pageText) {
			region = pageText[start:end]
		}
	}

	switch {
	case dissentSectionRe.MatchString(region):
		return model.SectionDissent
	case concurrenceSectionRe.MatchString(region):
		return model.SectionConcurrence
	case dictaSectionRe.MatchString(region):
		return model.SectionDicta
	case holdingSectionRe.MatchString(region):
		return model.SectionHolding
	default:
		return model.SectionMajority
	}
}
