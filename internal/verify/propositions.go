package verify

import (
	"regexp"
	"strings"
)

// Proposition-level support audit over the final answer: every sentence is a
// proposition, and a proposition that names a case but carries no verified
// [S<i>] tag is the dangerous kind of output the metrics watch for.

// PropositionAudit counts sentence-level support in a final answer.
type PropositionAudit struct {
	Total                     int `json:"propositions_total"`
	CaseAttributed            int `json:"case_attributed"`
	Unsupported               int `json:"unsupported_claims"`
	CaseAttributedUnsupported int `json:"case_attributed_unsupported"`
}

var (
	sidTagRe = regexp.MustCompile(`\[S\d+\]`)
	// caseMentionRe matches "X v. Y" style case references.
	caseMentionRe = regexp.MustCompile(`\b[A-Z][\w.'&-]*(?:\s+[A-Z][\w.'&-]*)*\s+v\.?\s+[A-Z]`)
	// sentenceEndRe consumes trailing [S<i>] tags so a citation tag stays
	// with the sentence it supports.
	sentenceEndRe = regexp.MustCompile(`[.!?](?:\s*\[S\d+\])*(?:\s+|$)`)
)

// abbreviations whose trailing period does not end a sentence.
var nonTerminalAbbrevs = map[string]bool{
	"v.": true, "vs.": true, "Corp.": true, "Inc.": true, "Ltd.": true,
	"Co.": true, "No.": true, "p.": true, "pp.": true, "Jan.": true,
	"Fed.": true, "Cir.": true, "U.S.": true,
}

// AuditPropositions splits the answer into sentences and classifies each by
// whether it attributes to a case and whether a verified tag backs it.
func AuditPropositions(answer string) PropositionAudit {
	var audit PropositionAudit
	if strings.TrimSpace(answer) == "" {
		return audit
	}
	// The refusal answer is itself one unsupported claim.
	if answer == NotFoundAnswer {
		return PropositionAudit{Total: 1, Unsupported: 1}
	}

	for _, sentence := range splitSentences(answer) {
		audit.Total++
		attributed := caseMentionRe.MatchString(sentence)
		supported := sidTagRe.MatchString(sentence)
		if attributed {
			audit.CaseAttributed++
		}
		if !supported {
			audit.Unsupported++
			if attributed {
				audit.CaseAttributedUnsupported++
			}
		}
	}
	return audit
}

// splitSentences is deliberately simple. Unlisted abbreviations produce
// occasional over-splits; the counts are trend metrics, not ground truth.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for _, loc := range sentenceEndRe.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[start:loc[1]])
		fields := strings.Fields(s)
		if len(fields) > 0 && nonTerminalAbbrevs[fields[len(fields)-1]] {
			continue
		}
		start = loc[1]
		if len(s) >= 3 {
			out = append(out, s)
		}
	}
	if rest := strings.TrimSpace(text[start:]); len(rest) >= 3 {
		out = append(out, rest)
	}
	return out
}
