// Package ranking computes the composite relevance score for candidate
// passages:
//
//	composite = relevance · authority · gravity · recency · application · framework
//
// Every function here is pure and deterministic: the same passage and clock
// input always yield the same score, so ranked manifests replay exactly.
package ranking

import (
	"fmt"
	"strings"
	"time"

	"github.com/caselaw-ai/shepard/internal/model"
)

// Passage is one scoring candidate: a retrieved page or chunk plus the
// metadata of its owning opinion.
type Passage struct {
	Relevance     float64 // baseline lexical/semantic rank
	Text          string
	CaseName      string
	Court         model.Court
	Source        string // ingestion origin
	Precedential  bool
	EnBanc        bool
	Statute       bool // passage is statutory text, not an opinion
	Landmark      bool
	CitationCount int
	ReleaseDate   *time.Time
}

// Result carries the composite score and its factors for explainability.
type Result struct {
	Composite      float64
	Authority      float64
	Gravity        float64
	Recency        float64
	Application    float64
	FrameworkBoost float64
	Court          model.Court
	Signals        []string
	Reason         string
}

// authorityBoost implements the fixed authority table.
func authorityBoost(court model.Court, precedential, enBanc, statute bool) float64 {
	if statute {
		return 2.0
	}
	switch court {
	case model.CourtSCOTUS:
		return 1.8
	case model.CourtCAFC:
		if enBanc {
			return 1.6
		}
		if precedential {
			return 1.3
		}
		return 0.8
	case model.CourtPTAB:
		if precedential {
			return 1.1
		}
		return 0.8
	default:
		return 1.0
	}
}

// recencyFactor buckets age into {1.10, 1.05, 1.00, 0.98, 0.95}.
func recencyFactor(releaseDate *time.Time, now time.Time) float64 {
	if releaseDate == nil {
		return 1.0
	}
	years := now.Sub(*releaseDate).Hours() / 24 / 365
	switch {
	case years <= 2:
		return 1.10
	case years <= 5:
		return 1.05
	case years <= 10:
		return 1.00
	case years <= 20:
		return 0.98
	default:
		return 0.95
	}
}

// gravityFactor weighs institutional weight: en banc status, landmark flag,
// and citation-count tiers. Clamped to [0.60, 1.00].
func gravityFactor(enBanc, landmark bool, citationCount int) float64 {
	g := 0.85
	if enBanc {
		g += 0.10
	}
	if landmark {
		g += 0.05
	}
	switch {
	case citationCount >= 1000:
		g += 0.05
	case citationCount >= 100:
		g += 0.03
	case citationCount >= 10:
		g += 0.01
	}
	if g > 1.0 {
		g = 1.0
	}
	if g < 0.60 {
		g = 0.60
	}
	return g
}

// Score computes the composite score of a passage under a detected doctrine
// tag (empty for none) at the given instant.
func Score(p Passage, doctrineTag string, now time.Time) Result {
	court, signals := NormalizeCourt(p.Court, p.Source, p.CaseName)

	app := AnalyzeApplication(p.Text)
	r := Result{
		Authority:      authorityBoost(court, p.Precedential, p.EnBanc, p.Statute),
		Gravity:        gravityFactor(p.EnBanc, p.Landmark, p.CitationCount),
		Recency:        recencyFactor(p.ReleaseDate, now),
		Application:    app.ApplicationSignal(),
		FrameworkBoost: FrameworkBoost(p.CaseName, doctrineTag),
		Court:          court,
		Signals:        signals,
	}
	r.Composite = p.Relevance * r.Authority * r.Gravity * r.Recency * r.Application * r.FrameworkBoost
	r.Reason = applicationReason(court, p, app)
	return r
}

// applicationReason renders a one-sentence human explanation of the score.
func applicationReason(court model.Court, p Passage, app ApplicationSignals) string {
	var parts []string

	switch {
	case p.Statute:
		parts = append(parts, "Statutory text")
	case court == model.CourtSCOTUS:
		parts = append(parts, "Supreme Court precedent")
	case court == model.CourtCAFC && p.EnBanc:
		parts = append(parts, "Federal Circuit en banc decision")
	case court == model.CourtCAFC && p.Precedential:
		parts = append(parts, "Federal Circuit precedential decision")
	case court == model.CourtPTAB:
		parts = append(parts, "PTAB decision")
	default:
		parts = append(parts, "Nonprecedential authority")
	}

	if app.FrameworkReference {
		name := referencedFramework(p.Text)
		if app.HoldingIndicator > 0 {
			parts = append(parts, fmt.Sprintf("applies %s", name))
		} else {
			parts = append(parts, fmt.Sprintf("mentions %s", name))
		}
	}
	if app.AnalysisDepth >= 0.5 {
		parts = append(parts, "detailed legal analysis")
	}

	return strings.Join(parts, "; ")
}

// referencedFramework returns the first framework named in the text.
func referencedFramework(text string) string {
	for _, name := range frameworkNames {
		if strings.Contains(text, name) {
			return name
		}
	}
	return ""
}
