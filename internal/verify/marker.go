package verify

import (
	"regexp"
	"strconv"

	"github.com/caselaw-ai/shepard/internal/model"
)

// markerRe matches the hidden citation tokens the grounded generator
// instructs the model to emit: <!--CITE:<opinion_id>|<page>|"<quote>"-->.
var markerRe = regexp.MustCompile(`(?s)<!--CITE:([^|]*)\|(-?\d+)\|"(.*?)"-->`)

// ParseMarkers extracts citation markers from the raw answer text.
// Markers claiming a page below 1 are discarded outright: they cannot name
// a citable page, so they yield no Source at all.
func ParseMarkers(answer string) []model.CitationMarker {
	var out []model.CitationMarker
	for _, m := range markerRe.FindAllStringSubmatchIndex(answer, -1) {
		id := answer[m[2]:m[3]]
		pageStr := answer[m[4]:m[5]]
		quote := answer[m[6]:m[7]]

		page, err := strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			continue
		}
		out = append(out, model.CitationMarker{
			OpinionID:  id,
			PageNumber: page,
			Quote:      quote,
			Position:   m[0],
		})
	}
	return out
}

// StripMarkers removes every citation marker (valid or not) from the text.
func StripMarkers(answer string) string {
	return markerRe.ReplaceAllString(answer, "")
}
