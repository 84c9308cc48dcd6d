package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/caselaw-ai/shepard/internal/storage"
)

// RetentionStore is the subset of the run store the cleanup job needs.
type RetentionStore interface {
	CountRetentionEligible(ctx context.Context, redactBefore, deleteBefore time.Time) (storage.RetentionCounts, error)
	RedactOldRuns(ctx context.Context, before time.Time) (int64, error)
	DeleteOldRuns(ctx context.Context, before time.Time, batchSize int) (int64, error)
}

// RetentionPolicy holds the age cutoffs in days.
type RetentionPolicy struct {
	RedactAfterDays int
	DeleteAfterDays int
}

// RetentionResult reports what a cleanup pass did, or would do in dry-run.
type RetentionResult struct {
	DryRun   bool  `json:"dry_run"`
	Redacted int64 `json:"redacted"`
	Deleted  int64 `json:"deleted"`
}

// RetentionJob redacts old answers and deletes expired runs.
type RetentionJob struct {
	store  RetentionStore
	policy RetentionPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewRetentionJob creates the cleanup job. Defaults: redact after 90 days,
// delete after 365.
func NewRetentionJob(store RetentionStore, policy RetentionPolicy, logger *slog.Logger, now func() time.Time) *RetentionJob {
	if policy.RedactAfterDays <= 0 {
		policy.RedactAfterDays = 90
	}
	if policy.DeleteAfterDays <= 0 {
		policy.DeleteAfterDays = 365
	}
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &RetentionJob{store: store, policy: policy, logger: logger, now: now}
}

// Run executes one cleanup pass. Deletion runs before redaction so rows past
// the delete cutoff are not pointlessly redacted first.
func (j *RetentionJob) Run(ctx context.Context, dryRun bool) (RetentionResult, error) {
	now := j.now()
	redactBefore := now.AddDate(0, 0, -j.policy.RedactAfterDays)
	deleteBefore := now.AddDate(0, 0, -j.policy.DeleteAfterDays)

	if dryRun {
		counts, err := j.store.CountRetentionEligible(ctx, redactBefore, deleteBefore)
		if err != nil {
			return RetentionResult{}, fmt.Errorf("audit: retention dry run: %w", err)
		}
		return RetentionResult{DryRun: true, Redacted: counts.Redacted, Deleted: counts.Deleted}, nil
	}

	deleted, err := j.store.DeleteOldRuns(ctx, deleteBefore, 0)
	if err != nil {
		return RetentionResult{}, fmt.Errorf("audit: retention delete: %w", err)
	}
	redacted, err := j.store.RedactOldRuns(ctx, redactBefore)
	if err != nil {
		return RetentionResult{Deleted: deleted}, fmt.Errorf("audit: retention redact: %w", err)
	}

	j.logger.InfoContext(ctx, "retention pass complete", "redacted", redacted, "deleted", deleted)
	return RetentionResult{Redacted: redacted, Deleted: deleted}, nil
}
