// Package augment implements phase-1 recall augmentation: when the lexical
// baseline is thin or the query spans multiple doctrines, it decomposes the
// query into focused subqueries and pulls semantic neighbors, then appends
// the extra candidates. It never removes or reorders baseline results.
package augment

import (
	"regexp"
	"strings"
)

// doctrineKeywords maps query vocabulary to doctrine tags. Order matters:
// tags are reported in table order so decomposition is deterministic.
var doctrineKeywords = []struct {
	tag      string
	keywords []string
}{
	{"101", []string{"101", "abstract idea", "patent eligib", "ineligib", "alice", "mayo", "inventive concept"}},
	{"102", []string{"102", "anticipat", "novelty", "on-sale bar", "on sale bar", "public use", "prior sale"}},
	{"103", []string{"103", "obvious", "ksr", "motivation to combine", "secondary considerations"}},
	{"112", []string{"112", "indefinite", "written description", "enablement", "means-plus-function"}},
	{"claim_construction", []string{"claim construction", "markman", "construe", "plain and ordinary meaning", "intrinsic evidence"}},
	{"infringement", []string{"infringe", "doctrine of equivalents", "literal infringement", "induced", "contributory"}},
	{"damages", []string{"damages", "reasonable royalty", "lost profits", "apportionment", "attorney fees", "enhanced damages"}},
	{"inequitable_conduct", []string{"inequitable conduct", "unenforceab", "duty of candor", "intent to deceive"}},
	{"certificate_correction", []string{"certificate of correction", "clerical error", "correction of patent"}},
}

var conjunctionRe = regexp.MustCompile(`(?i)\b(and|as well as)\b|/`)

// DetectTags returns the doctrine tags matched by the query, in table order.
func DetectTags(query string) []string {
	lower := strings.ToLower(query)
	var tags []string
	for _, entry := range doctrineKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, entry.tag)
				break
			}
		}
	}
	return tags
}

// PrimaryTag returns the first detected doctrine tag, or "".
func PrimaryTag(query string) string {
	if tags := DetectTags(query); len(tags) > 0 {
		return tags[0]
	}
	return ""
}

// MultiIssue reports whether the query spans multiple doctrines: two or more
// tags, or a conjunction plus at least one tag on a query of ten words or
// more.
func MultiIssue(query string) bool {
	tags := DetectTags(query)
	if len(tags) >= 2 {
		return true
	}
	if len(tags) == 1 && conjunctionRe.MatchString(query) && len(strings.Fields(query)) >= 10 {
		return true
	}
	return false
}

// signalTerms picks the lead search term per doctrine tag for decomposition.
var signalTerms = map[string]string{
	"101":                    "patent eligibility abstract idea",
	"102":                    "anticipation novelty",
	"103":                    "obviousness",
	"112":                    "indefiniteness written description",
	"claim_construction":     "claim construction",
	"infringement":           "infringement",
	"damages":                "patent damages",
	"inequitable_conduct":    "inequitable conduct",
	"certificate_correction": "certificate of correction",
}
