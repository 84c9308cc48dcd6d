package verify

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Quote normalization pipeline: NFKC, CRLF -> LF, whitespace collapse,
// lowercase. Verification is substring containment of the normalized quote
// in the normalized page text, so OCR ligatures and spacing quirks on
// either side cancel out.

// NormalizeQuote canonicalizes quote or page text for containment checks.
func NormalizeQuote(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// minQuoteLen is the minimum normalized quote length accepted for
// verification; shorter quotes fail automatically.
const minQuoteLen = 20

// QuoteContained reports whether the normalized quote occurs in the
// normalized page text. Quotes below the minimum length never match.
func QuoteContained(quote, pageText string) bool {
	nq := NormalizeQuote(quote)
	if len(nq) < minQuoteLen {
		return false
	}
	return strings.Contains(NormalizeQuote(pageText), nq)
}

// Case-name normalization for fuzzy binding: lowercase, corporate suffixes
// and citation stopwords removed, non-word characters stripped.

var caseNameStopwords = map[string]bool{
	"v": true, "vs": true, "the": true, "of": true, "and": true,
	"corp": true, "inc": true, "llc": true, "ltd": true, "co": true,
}

// CaseNameTokens returns the significant tokens of a case name.
func CaseNameTokens(name string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}

	var tokens []string
	for _, tok := range strings.Fields(b.String()) {
		if caseNameStopwords[tok] {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// tokensContained reports whether every claim token appears in the
// candidate token set.
func tokensContained(claim, candidate []string) bool {
	if len(claim) == 0 {
		return false
	}
	set := make(map[string]bool, len(candidate))
	for _, t := range candidate {
		set[t] = true
	}
	for _, t := range claim {
		if !set[t] {
			return false
		}
	}
	return true
}
