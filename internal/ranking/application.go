package ranking

import (
	"regexp"
	"strings"
)

// Applies-vs-mentions detection. A passage that walks through a controlling
// framework with holding language scores higher than one that merely cites
// the same case in passing.

var (
	holdingVerbRe = regexp.MustCompile(`(?i)\b(we hold|we conclude|we reverse|we affirm|we find|it is clear)\b`)

	reasoningMarkerRe = regexp.MustCompile(`(?i)\b(because|therefore|accordingly|thus|consequently|it follows)\b`)
)

// Named doctrinal frameworks recognized in passage text.
var frameworkNames = []string{
	"Alice", "Mayo", "Bilski", "KSR", "Graham", "Markman", "Phillips",
	"Nautilus", "Therasense", "Georgia-Pacific", "Panduit", "Festo",
	"Warner-Jenkinson", "Octane",
}

// ApplicationSignals are the raw applies-vs-mentions measurements for one
// passage. All fields are deterministic functions of the text.
type ApplicationSignals struct {
	HoldingIndicator   int     // 0, 1, or 2 holding-verb occurrences (capped)
	AnalysisDepth      float64 // 0..1: passage length plus reasoning markers
	FrameworkReference bool    // names a doctrinal framework
	ProximityScore     float64 // 0..1: framework mention near a holding verb
}

// AnalyzeApplication measures how strongly a passage applies (rather than
// mentions) a legal framework.
func AnalyzeApplication(text string) ApplicationSignals {
	var s ApplicationSignals

	holdings := holdingVerbRe.FindAllStringIndex(text, -1)
	s.HoldingIndicator = len(holdings)
	if s.HoldingIndicator > 2 {
		s.HoldingIndicator = 2
	}

	// Depth: longer passages with explicit reasoning markers read as analysis.
	words := len(strings.Fields(text))
	depth := float64(words) / 300.0
	if depth > 0.6 {
		depth = 0.6
	}
	markers := len(reasoningMarkerRe.FindAllString(text, -1))
	depth += 0.1 * float64(markers)
	if depth > 1 {
		depth = 1
	}
	s.AnalysisDepth = depth

	var frameworkIdx = -1
	for _, name := range frameworkNames {
		if idx := strings.Index(text, name); idx >= 0 {
			s.FrameworkReference = true
			if frameworkIdx < 0 || idx < frameworkIdx {
				frameworkIdx = idx
			}
		}
	}

	// Proximity: distance in characters between the framework mention and
	// the nearest holding verb, mapped onto (0, 1].
	if s.FrameworkReference && len(holdings) > 0 {
		best := -1
		for _, h := range holdings {
			d := frameworkIdx - h[0]
			if d < 0 {
				d = -d
			}
			if best < 0 || d < best {
				best = d
			}
		}
		s.ProximityScore = 1.0 / (1.0 + float64(best)/200.0)
	}

	return s
}

// applicationFloor is the mention-only penalty; applicationCeil the cap.
const (
	applicationFloor = 0.8
	applicationCeil  = 1.5
)

// ApplicationSignal folds the raw measurements into the [0.8, 1.5] factor
// used by the composite score.
func (s ApplicationSignals) ApplicationSignal() float64 {
	v := applicationFloor
	v += 0.25 * float64(s.HoldingIndicator) / 2.0
	v += 0.15 * s.AnalysisDepth
	if s.FrameworkReference {
		v += 0.1
	}
	v += 0.2 * s.ProximityScore
	if v > applicationCeil {
		v = applicationCeil
	}
	return v
}
