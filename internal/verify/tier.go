package verify

import (
	"github.com/caselaw-ai/shepard/internal/model"
)

// Tier assignment and the additive numeric score. Both are pure functions of
// the binding outcome and the owning opinion's authority.

// fuzzyScoreCap keeps fuzzy-bound sources below the STRONG threshold.
const fuzzyScoreCap = 69

// Additive score components.
const (
	scoreBindingStrict = 40
	scoreBindingFuzzy  = 25
	scoreMatchExact    = 30
	scoreMatchPartial  = 15
	scoreHolding       = 15
	scoreDicta         = -5
	scoreRecent        = 10
)

// strongAuthority reports whether the opinion carries enough authority for a
// STRONG tier: Supreme Court, or a precedential or en banc Federal Circuit
// opinion.
func strongAuthority(op model.Opinion) bool {
	if op.Court == model.CourtSCOTUS {
		return true
	}
	return op.Court == model.CourtCAFC && (op.Precedential || op.EnBanc)
}

// separateOpinion reports whether the section is dicta or a separate writing.
func separateOpinion(section model.SectionType) bool {
	switch section {
	case model.SectionDicta, model.SectionDissent, model.SectionConcurrence:
		return true
	}
	return false
}

// AssignTier grades a binding outcome. Fuzzy bindings cap at MODERATE; a
// fuzzy binding into dicta or a separate opinion degrades to WEAK.
func AssignTier(b binding) model.Tier {
	switch b.method {
	case model.BindingNone:
		return model.TierUnverified
	case model.BindingFuzzy:
		if separateOpinion(b.section) {
			return model.TierWeak
		}
		return model.TierModerate
	}

	// Strict binding from here on.
	if separateOpinion(b.section) {
		return model.TierWeak
	}
	if strongAuthority(b.candidate.Opinion) {
		return model.TierStrong
	}
	return model.TierModerate
}

// ScoreBinding computes the 0-100 numeric score for a binding outcome.
func ScoreBinding(b binding) int {
	if b.method == model.BindingNone {
		return 0
	}

	score := 0
	switch b.method {
	case model.BindingStrict:
		score += scoreBindingStrict
	case model.BindingFuzzy:
		score += scoreBindingFuzzy
	}
	score += scoreMatchExact

	switch b.section {
	case model.SectionHolding:
		score += scoreHolding
	case model.SectionDicta:
		score += scoreDicta
	}

	if rd := b.candidate.Opinion.ReleaseDate; rd != nil && rd.Year() >= 2020 {
		score += scoreRecent
	}

	if b.method == model.BindingFuzzy && score > fuzzyScoreCap {
		score = fuzzyScoreCap
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
