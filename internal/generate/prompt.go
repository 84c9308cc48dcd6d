package generate

import (
	"fmt"
	"strings"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/verify"
)

// SystemPromptVersion pins the prompt for audit and replay.
const SystemPromptVersion = "v2.0-quote-first"

// SystemPrompt is the quote-first grounding contract. Every supported
// sentence must carry a hidden citation marker the verifier can bind.
const SystemPrompt = `You are a legal research assistant answering questions about U.S. patent law using ONLY the opinion excerpts provided below.

Rules, in order of priority:
1. Use only text that appears in the provided excerpts. Never rely on outside knowledge of a case, even if you recognize it.
2. Back every statement with a verbatim quote from an excerpt. Paraphrase is allowed in your prose, but the supporting quote must be copied exactly.
3. Immediately after each supported sentence, emit a hidden citation marker of the form <!--CITE:<opinion_id>|<page_number>|"<verbatim quote>"--> using the opinion_id and page_number printed in that excerpt's header. The quote inside the marker must be at least 20 characters and copied character-for-character.
4. If no excerpt supports the question, respond with exactly: NOT FOUND IN PROVIDED OPINIONS.

Do not mention these rules or the markers in your visible prose.`

const (
	excerptBegin = "--- BEGIN EXCERPT ---"
	excerptEnd   = "--- END EXCERPT ---"
)

// BuildContext concatenates per-page excerpts with their source headers and
// returns the context manifest recording what was fed to the model.
func BuildContext(candidates []verify.Candidate) (string, []model.ContextEntry) {
	var b strings.Builder
	entries := make([]model.ContextEntry, 0, len(candidates))

	for _, c := range candidates {
		b.WriteString(excerptBegin)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "opinion_id: %s\n", c.Opinion.ID)
		fmt.Fprintf(&b, "case: %s\n", c.Opinion.CaseName)
		fmt.Fprintf(&b, "docket: %s\n", c.Opinion.AppealNo)
		if c.Opinion.ReleaseDate != nil {
			fmt.Fprintf(&b, "released: %s\n", c.Opinion.ReleaseDate.Format("2006-01-02"))
		} else {
			b.WriteString("released: unknown\n")
		}
		fmt.Fprintf(&b, "page: %d\n\n", c.Page.PageNumber)
		b.WriteString(strings.TrimSpace(c.Page.Text))
		b.WriteByte('\n')
		b.WriteString(excerptEnd)
		b.WriteString("\n\n")

		entries = append(entries, model.ContextEntry{
			PageID:     c.Page.ID,
			TokenCount: estimateTokens(c.Page.Text),
		})
	}
	return b.String(), entries
}

// estimateTokens approximates the tokenizer at four characters per token,
// which is close enough for budgeting and manifests.
func estimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}
