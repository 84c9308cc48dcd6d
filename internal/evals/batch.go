package evals

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/verify"
)

// AskFunc runs one query through the full answer pipeline.
type AskFunc func(ctx context.Context, query string) (answer string, sources []model.Source, err error)

// Case is one batch evaluation input with its pass criteria.
type Case struct {
	Name  string `json:"name"`
	Query string `json:"query"`

	// MinVerifiedRate is the required verified percentage (0 disables).
	MinVerifiedRate float64 `json:"min_verified_rate,omitempty"`
	// WantCaseName requires some verified source from the named case.
	WantCaseName string `json:"want_case_name,omitempty"`
	// WantNotFound requires the refusal answer.
	WantNotFound bool `json:"want_not_found,omitempty"`
}

// CaseResult is the outcome of one evaluated case.
type CaseResult struct {
	Name         string                `json:"name"`
	Passed       bool                  `json:"passed"`
	Failure      string                `json:"failure,omitempty"`
	Summary      model.CitationSummary `json:"citation_summary"`
	LatencyMS    int64                 `json:"latency_ms"`
	SourcesFound int                   `json:"sources_found"`
}

// BatchReport aggregates one evaluation run.
type BatchReport struct {
	Total   int          `json:"total"`
	Passed  int          `json:"passed"`
	Results []CaseResult `json:"results"`
}

// RunBatch evaluates every case sequentially. Pipeline errors fail the case
// but never abort the batch.
func RunBatch(ctx context.Context, cases []Case, ask AskFunc, logger *slog.Logger) BatchReport {
	report := BatchReport{Total: len(cases)}
	for _, c := range cases {
		res := runCase(ctx, c, ask)
		if res.Passed {
			report.Passed++
		} else if logger != nil {
			logger.WarnContext(ctx, "eval case failed", "case", res.Name, "reason", res.Failure)
		}
		report.Results = append(report.Results, res)
	}
	return report
}

func runCase(ctx context.Context, c Case, ask AskFunc) CaseResult {
	res := CaseResult{Name: c.Name}

	start := time.Now()
	answer, sources, err := ask(ctx, c.Query)
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Failure = fmt.Sprintf("pipeline error: %v", err)
		return res
	}

	res.Summary = model.SummarizeSources(sources)
	res.SourcesFound = len(sources)

	if c.WantNotFound {
		if answer != verify.NotFoundAnswer {
			res.Failure = "expected the refusal answer"
			return res
		}
		res.Passed = true
		return res
	}

	if c.MinVerifiedRate > 0 && res.Summary.VerifiedRate < c.MinVerifiedRate {
		res.Failure = fmt.Sprintf("verified rate %.1f below %.1f", res.Summary.VerifiedRate, c.MinVerifiedRate)
		return res
	}

	if c.WantCaseName != "" && !hasVerifiedCase(sources, c.WantCaseName) {
		res.Failure = fmt.Sprintf("no verified source from %q", c.WantCaseName)
		return res
	}

	res.Passed = true
	return res
}

func hasVerifiedCase(sources []model.Source, caseName string) bool {
	want := verify.CaseNameTokens(caseName)
	for _, s := range sources {
		if !s.Tier.Verified() {
			continue
		}
		if tokensMatch(want, verify.CaseNameTokens(s.CaseName)) {
			return true
		}
	}
	return false
}

func tokensMatch(want, have []string) bool {
	if len(want) == 0 {
		return false
	}
	set := make(map[string]bool, len(have))
	for _, tok := range have {
		set[tok] = true
	}
	for _, tok := range want {
		if !set[tok] {
			return false
		}
	}
	return true
}
