// Package evals aggregates per-request citation quality metrics and runs
// batch evaluations. The collector is a bounded in-memory window; durable
// history lives in the query_runs table.
package evals

import (
	"sort"
	"sync"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/verify"
)

// Alert thresholds for a monitored window.
const (
	minVerificationRate          = 90.0
	maxCaseAttributedUnsupported = 0.5
	maxUnverifiedRate            = 10.0
	maxP95LatencyMS              = 30_000
)

const defaultWindowSize = 10_000

// Sample is one request's quality observation.
type Sample struct {
	DoctrineTag    string
	Summary        model.CitationSummary
	Propositions   verify.PropositionAudit
	LatencyMS      int64
	FailureReasons []model.FailureReason
}

// ReasonCount pairs a failure reason with its occurrence count.
type ReasonCount struct {
	Reason model.FailureReason `json:"reason"`
	Count  int                 `json:"count"`
}

// DoctrineRate is the verification rate within one doctrine tag.
type DoctrineRate struct {
	Tag          string  `json:"tag"`
	Citations    int     `json:"citations"`
	VerifiedRate float64 `json:"verified_rate"`
}

// Report is the aggregate view over the current window. Rates are
// percentages.
type Report struct {
	Requests                      int            `json:"requests"`
	TotalCitations                int            `json:"total_citations"`
	VerificationRate              float64        `json:"verification_rate"`
	UnverifiedRate                float64        `json:"unverified_rate"`
	CaseAttributedUnsupportedRate float64        `json:"case_attributed_unsupported_rate"`
	P50LatencyMS                  int64          `json:"p50_latency_ms"`
	P95LatencyMS                  int64          `json:"p95_latency_ms"`
	ByDoctrine                    []DoctrineRate `json:"by_doctrine"`
	TopFailureReasons             []ReasonCount  `json:"top_failure_reasons"`
	Alerts                        []string       `json:"alerts,omitempty"`
}

// Collector accumulates samples in a sliding window. Safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	window  int
}

// NewCollector creates a collector holding at most window samples (0 means
// the 10,000 default).
func NewCollector(window int) *Collector {
	if window <= 0 {
		window = defaultWindowSize
	}
	return &Collector{samples: make([]Sample, 0, window), window: window}
}

// Observe records one request's sample, evicting the oldest when full.
func (c *Collector) Observe(s Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) < c.window {
		c.samples = append(c.samples, s)
		return
	}
	c.samples[c.next] = s
	c.next = (c.next + 1) % c.window
}

// Report computes the aggregate view and its alerts.
func (c *Collector) Report() Report {
	c.mu.Lock()
	samples := make([]Sample, len(c.samples))
	copy(samples, c.samples)
	c.mu.Unlock()

	r := Report{Requests: len(samples)}
	if len(samples) == 0 {
		return r
	}

	var verified, unverified int
	var propsTotal, caseAttrUnsupported int
	latencies := make([]int64, 0, len(samples))
	byDoctrine := map[string]*DoctrineRate{}
	doctrineVerified := map[string]int{}
	reasonCounts := map[model.FailureReason]int{}

	for _, s := range samples {
		r.TotalCitations += s.Summary.TotalCitations
		verified += s.Summary.VerifiedCitations
		unverified += s.Summary.UnverifiedCitations
		propsTotal += s.Propositions.Total
		caseAttrUnsupported += s.Propositions.CaseAttributedUnsupported
		latencies = append(latencies, s.LatencyMS)

		if s.DoctrineTag != "" && s.Summary.TotalCitations > 0 {
			d, ok := byDoctrine[s.DoctrineTag]
			if !ok {
				d = &DoctrineRate{Tag: s.DoctrineTag}
				byDoctrine[s.DoctrineTag] = d
			}
			d.Citations += s.Summary.TotalCitations
			doctrineVerified[s.DoctrineTag] += s.Summary.VerifiedCitations
		}
		for _, reason := range s.FailureReasons {
			reasonCounts[reason]++
		}
	}

	if r.TotalCitations > 0 {
		r.VerificationRate = 100 * float64(verified) / float64(r.TotalCitations)
		r.UnverifiedRate = 100 * float64(unverified) / float64(r.TotalCitations)
	}
	if propsTotal > 0 {
		r.CaseAttributedUnsupportedRate = 100 * float64(caseAttrUnsupported) / float64(propsTotal)
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	r.P50LatencyMS = percentile(latencies, 50)
	r.P95LatencyMS = percentile(latencies, 95)

	for tag, d := range byDoctrine {
		d.VerifiedRate = 100 * float64(doctrineVerified[tag]) / float64(d.Citations)
		r.ByDoctrine = append(r.ByDoctrine, *d)
	}
	sort.Slice(r.ByDoctrine, func(i, j int) bool { return r.ByDoctrine[i].Tag < r.ByDoctrine[j].Tag })

	for reason, count := range reasonCounts {
		r.TopFailureReasons = append(r.TopFailureReasons, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(r.TopFailureReasons, func(i, j int) bool {
		if r.TopFailureReasons[i].Count != r.TopFailureReasons[j].Count {
			return r.TopFailureReasons[i].Count > r.TopFailureReasons[j].Count
		}
		return r.TopFailureReasons[i].Reason < r.TopFailureReasons[j].Reason
	})
	if len(r.TopFailureReasons) > 10 {
		r.TopFailureReasons = r.TopFailureReasons[:10]
	}

	r.Alerts = alerts(r)
	return r
}

func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (len(sorted)*p + 99) / 100
	if idx > 0 {
		idx--
	}
	return sorted[idx]
}

func alerts(r Report) []string {
	var out []string
	if r.TotalCitations > 0 && r.VerificationRate < minVerificationRate {
		out = append(out, "verification_rate_below_90")
	}
	if r.CaseAttributedUnsupportedRate > maxCaseAttributedUnsupported {
		out = append(out, "case_attributed_unsupported_above_0_5")
	}
	if r.TotalCitations > 0 && r.UnverifiedRate > maxUnverifiedRate {
		out = append(out, "unverified_rate_above_10")
	}
	if r.P95LatencyMS > maxP95LatencyMS {
		out = append(out, "p95_latency_above_30s")
	}
	return out
}
