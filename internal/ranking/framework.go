package ranking

import "strings"

// controllingFrameworks maps a doctrine tag to the case names that control
// it. A candidate whose case name matches one of these is the framework
// itself, not a case applying it, and earns the framework boost.
var controllingFrameworks = map[string][]string{
	"101":                {"Alice Corp", "Mayo Collaborative", "Bilski"},
	"102":                {"Helsinn", "Pfaff"},
	"103":                {"KSR Int", "Graham v. John Deere"},
	"112":                {"Nautilus", "Ariad"},
	"claim_construction": {"Markman", "Phillips v. AWH", "Teva Pharm"},
	"infringement":       {"Warner-Jenkinson", "Festo"},
	"damages":            {"Georgia-Pacific", "Panduit", "Octane Fitness"},
	"inequitable_conduct": {"Therasense"},
}

// maxFrameworkBoost applies when the candidate is the controlling authority
// for the detected doctrine.
const maxFrameworkBoost = 1.25

// FrameworkBoost returns the boost for a candidate case name under the
// detected doctrine tag (empty tag means no boost).
func FrameworkBoost(caseName, doctrineTag string) float64 {
	if doctrineTag == "" {
		return 1.0
	}
	lower := strings.ToLower(caseName)
	for _, controlling := range controllingFrameworks[doctrineTag] {
		if strings.Contains(lower, strings.ToLower(controlling)) {
			return maxFrameworkBoost
		}
	}
	return 1.0
}

// ControllingCases returns the controlling case names for a doctrine tag,
// used by the scorer to inject framework candidates into thin result sets.
func ControllingCases(doctrineTag string) []string {
	return controllingFrameworks[doctrineTag]
}
