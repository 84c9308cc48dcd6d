package ranking

import (
	"regexp"
	"strings"

	"github.com/caselaw-ai/shepard/internal/model"
)

// Ingestion origins whose documents carry no reliable court metadata.
var knownIngestionSources = map[string]bool{
	"courtlistener_api":  true,
	"courtlistener_bulk": true,
	"cafc_rss":           true,
	"manual_upload":      true,
}

// scotusNamePattern matches case names of well-known Supreme Court patent
// decisions so CourtListener-sourced rows can be promoted from the CAFC
// default.
var scotusNamePattern = regexp.MustCompile(`(?i)\b(alice corp|mayo collaborative|bilski|ksr int|ebay inc|markman v|nautilus,? inc|octane fitness|teva pharm|impression prods|oil states|helsinn|samsung elecs\. co\. v\. apple|festo corp|warner-jenkinson|graham v\. john deere)\b`)

// SignalCourtInferred marks an opinion promoted to SCOTUS from its case name.
const SignalCourtInferred = "court_inferred_from_name"

// NormalizeCourt resolves the effective court for scoring. Returns the
// court and any signals produced along the way.
func NormalizeCourt(court model.Court, source, caseName string) (model.Court, []string) {
	switch court {
	case model.CourtSCOTUS, model.CourtPTAB, model.CourtCAFC:
		return court, nil
	}
	if knownIngestionSources[strings.ToLower(source)] {
		if scotusNamePattern.MatchString(caseName) {
			return model.CourtSCOTUS, []string{SignalCourtInferred}
		}
		return model.CourtCAFC, nil
	}
	return model.CourtUnknown, nil
}
