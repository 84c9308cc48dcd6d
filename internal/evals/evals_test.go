package evals

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caselaw-ai/shepard/internal/model"
	"github.com/caselaw-ai/shepard/internal/verify"
)

func sample(tag string, total, verified int, latencyMS int64, reasons ...model.FailureReason) Sample {
	return Sample{
		DoctrineTag: tag,
		Summary: model.CitationSummary{
			TotalCitations:      total,
			VerifiedCitations:   verified,
			UnverifiedCitations: total - verified,
		},
		LatencyMS:      latencyMS,
		FailureReasons: reasons,
	}
}

func TestReportAggregates(t *testing.T) {
	c := NewCollector(0)
	c.Observe(sample("101", 4, 4, 1000))
	c.Observe(sample("101", 2, 1, 2000, model.FailureQuoteNotFound))
	c.Observe(sample("103", 4, 4, 3000))

	r := c.Report()

	assert.Equal(t, 3, r.Requests)
	assert.Equal(t, 10, r.TotalCitations)
	assert.InDelta(t, 90.0, r.VerificationRate, 1e-9)
	assert.InDelta(t, 10.0, r.UnverifiedRate, 1e-9)
	assert.Equal(t, int64(2000), r.P50LatencyMS)
	assert.Equal(t, int64(3000), r.P95LatencyMS)

	require.Len(t, r.ByDoctrine, 2)
	assert.Equal(t, "101", r.ByDoctrine[0].Tag)
	assert.InDelta(t, 100*5.0/6.0, r.ByDoctrine[0].VerifiedRate, 1e-9)
	assert.InDelta(t, 100.0, r.ByDoctrine[1].VerifiedRate, 1e-9)

	require.Len(t, r.TopFailureReasons, 1)
	assert.Equal(t, model.FailureQuoteNotFound, r.TopFailureReasons[0].Reason)
}

func TestAlertThresholds(t *testing.T) {
	c := NewCollector(0)
	// 8 of 10 verified (80%), slow, with unsupported case attributions.
	s := sample("101", 10, 8, 45_000, model.FailureWrongCaseID, model.FailureWrongCaseID)
	s.Propositions = verify.PropositionAudit{Total: 100, CaseAttributed: 10, Unsupported: 3, CaseAttributedUnsupported: 1}
	c.Observe(s)

	r := c.Report()

	assert.Contains(t, r.Alerts, "verification_rate_below_90")
	assert.Contains(t, r.Alerts, "unverified_rate_above_10")
	assert.Contains(t, r.Alerts, "case_attributed_unsupported_above_0_5")
	assert.Contains(t, r.Alerts, "p95_latency_above_30s")
}

func TestNoAlertsOnHealthyWindow(t *testing.T) {
	c := NewCollector(0)
	c.Observe(sample("101", 10, 10, 900))
	assert.Empty(t, c.Report().Alerts)
}

func TestCollectorWindowEvicts(t *testing.T) {
	c := NewCollector(2)
	c.Observe(sample("101", 1, 0, 1))
	c.Observe(sample("101", 1, 1, 1))
	c.Observe(sample("101", 1, 1, 1))

	r := c.Report()
	assert.Equal(t, 2, r.Requests)
	assert.InDelta(t, 100.0, r.VerificationRate, 1e-9)
}

func TestTopFailureReasonsCapAtTen(t *testing.T) {
	c := NewCollector(0)
	reasons := []model.FailureReason{
		model.FailureQuoteNotFound, model.FailureWrongCaseID, model.FailureWrongPage,
		model.FailureTooShort, model.FailureOCRArtifactMismatch, model.FailureEllipsisFragment,
		model.FailureNormalizationMismatch, model.FailureNoCandidatePassages, model.FailureOther,
		model.FailureBinding, model.FailureLLMTimeout, model.FailureLLMUnavailable,
	}
	c.Observe(Sample{Summary: model.CitationSummary{TotalCitations: 1, VerifiedCitations: 1}, FailureReasons: reasons})

	r := c.Report()
	assert.Len(t, r.TopFailureReasons, 10)
}

func TestRunBatch(t *testing.T) {
	verifiedSource := model.Source{
		CaseName: "Alice Corp. v. CLS Bank International",
		Tier:     model.TierStrong,
	}
	ask := func(_ context.Context, query string) (string, []model.Source, error) {
		switch query {
		case "eligible":
			return "Ineligible. [S1]", []model.Source{verifiedSource}, nil
		case "missing":
			return verify.NotFoundAnswer, nil, nil
		default:
			return "", nil, errors.New("boom")
		}
	}

	report := RunBatch(context.Background(), []Case{
		{Name: "hit", Query: "eligible", MinVerifiedRate: 90, WantCaseName: "Alice v. CLS Bank"},
		{Name: "refusal", Query: "missing", WantNotFound: true},
		{Name: "error", Query: "other"},
	}, ask, nil)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Passed)
	assert.False(t, report.Results[2].Passed)
	assert.Contains(t, report.Results[2].Failure, "pipeline error")
}
