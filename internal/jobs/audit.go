package jobs

import (
	"context"
	"time"
)

type AuditPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditRetentionJob deletes pairing audit rows older than retention.
type AuditRetentionJob struct {
	*loop
	repo      AuditPruner
	retention time.Duration
	now       func() time.Time
}

func NewAuditRetentionJob(repo AuditPruner, retention, interval time.Duration) *AuditRetentionJob {
	j := &AuditRetentionJob{repo: repo, retention: retention, now: time.Now}
	j.loop = newLoop("audit-retention", interval, j.RunOnce)
	return j
}

func (j *AuditRetentionJob) RunOnce(ctx context.Context) {
	cutoff := j.now().Add(-j.retention)
	runCleanup(ctx, "pairing audit events", func(ctx context.Context) (int64, error) {
		return j.repo.DeleteOlderThan(ctx, cutoff)
	})
}
