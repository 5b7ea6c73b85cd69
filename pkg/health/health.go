// Package health implements the HealthMonitor (spec.md §4.4): heartbeat-based
// stuck-job detection and forceful recovery to failed, run at a coarser
// cadence than the Processor's own poll loop.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

// SubmissionFailer is the narrow seam HealthMonitor needs into the
// SubmissionRegistry: propagate a job failure to its linked submission.
// Kept minimal so health does not import the full submissions package.
type SubmissionFailer interface {
	MarkFailed(ctx context.Context, submissionID, reason string) error
}

// Monitor is the HealthMonitor.
type Monitor struct {
	store        *store.Store
	submissions  SubmissionFailer
	checkEvery   time.Duration
	log          *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Monitor. checkEvery is the stuck-check cadence
// (spec.md §6 stuck_check_interval_ms, default 30s).
func New(s *store.Store, submissions SubmissionFailer, checkEvery time.Duration, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		store:       s,
		submissions: submissions,
		checkEvery:  checkEvery,
		log:         log,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the stuck-check loop in the background until ctx is cancelled
// or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.log.Error("stuck-job check failed", "error", err)
			}
		}
	}
}

// Stop requests the loop to exit and waits for it to do so.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// stuckRow is the subset of jobs columns needed to classify and recover a
// stuck job.
type stuckRow struct {
	ID             int64          `db:"id"`
	StartedAt      sql.NullString `db:"started_at"`
	LastHeartbeat  sql.NullString `db:"last_heartbeat"`
	HeartbeatCount int            `db:"heartbeat_count"`
	ModelVerified  bool           `db:"model_verified"`
	TimeoutSeconds int            `db:"timeout_seconds"`
	SubmissionID   sql.NullString `db:"submission_id"`
}

// RunOnce performs a single stuck-job scan and recovery pass (spec.md §4.4).
// Startup callers also use this directly to cover jobs left processing by a
// prior crash (see CleanupStartupOrphans).
func (m *Monitor) RunOnce(ctx context.Context) error {
	var rows []stuckRow
	err := m.store.DB().SelectContext(ctx, &rows, `
		SELECT id, started_at, last_heartbeat, heartbeat_count, model_verified, timeout_seconds, submission_id
		FROM jobs WHERE status = ?`, models.JobProcessing)
	if err != nil {
		return apperr.Backend(err, "scanning for stuck jobs")
	}

	now := time.Now().UTC()
	for _, r := range rows {
		timeout := time.Duration(r.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = models.DefaultJobTimeoutSeconds * time.Second
		}
		stuck, reason := classify(r, now, timeout)
		if !stuck {
			continue
		}
		if err := m.recover(ctx, r, reason); err != nil {
			m.log.Error("failed to recover stuck job", "job_id", r.ID, "error", err)
		}
	}
	return nil
}

func classify(r stuckRow, now time.Time, timeout time.Duration) (stuck bool, reason string) {
	if r.LastHeartbeat.Valid && r.LastHeartbeat.String != "" {
		hb, err := time.Parse(time.RFC3339Nano, r.LastHeartbeat.String)
		if err != nil {
			return false, ""
		}
		if now.Sub(hb) > timeout {
			return true, fmt.Sprintf("Job stalled after receiving %d tokens", r.HeartbeatCount)
		}
		return false, ""
	}

	if !r.StartedAt.Valid || r.StartedAt.String == "" {
		return false, ""
	}
	started, err := time.Parse(time.RFC3339Nano, r.StartedAt.String)
	if err != nil {
		return false, ""
	}
	if now.Sub(started) <= timeout {
		return false, ""
	}
	if r.ModelVerified {
		return true, "Job started but never received any tokens"
	}
	return true, "Job started but model was never verified as loaded"
}

// recover transitions a stuck job to failed and propagates the failure to
// its linked submission, if any. Uses the processing-only status guard so a
// Processor that completes the job in the same instant this runs cannot
// race it (spec.md §4.4: "the Processor's subsequent complete/fail will be
// no-ops by the status guard").
func (m *Monitor) recover(ctx context.Context, r stuckRow, reason string) error {
	recovered := false
	err := m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
			WHERE id = ? AND status = ?`,
			models.JobFailed, reason, now, r.ID, models.JobProcessing)
		if err != nil {
			return apperr.Backend(err, "failing stuck job %d", r.ID)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return apperr.Backend(err, "reading recovery result for job %d", r.ID)
		}
		if affected == 0 {
			// Already finalized by the Processor between scan and recovery.
			return nil
		}
		recovered = true
		return nil
	})
	if err != nil || !recovered {
		return err
	}
	m.log.Warn("recovered stuck job", "job_id", r.ID, "reason", reason)

	// Propagated after the commit: the store's single connection is held
	// by the transaction until then.
	if r.SubmissionID.Valid && r.SubmissionID.String != "" && m.submissions != nil {
		if err := m.submissions.MarkFailed(ctx, r.SubmissionID.String, reason); err != nil {
			return apperr.Backend(err, "propagating failure to submission %s", r.SubmissionID.String)
		}
	}
	return nil
}

// CleanupStartupOrphans runs one RunOnce pass immediately at process start,
// resolving the spec's open question about crash-recovery latency: rather
// than waiting for the first tick of the regular stuck-check cadence
// (checkEvery) to notice jobs left `processing` by a prior crash, a single
// pass runs before the Processor begins claiming (spec.md §9 Open Question 2,
// grounded on the teacher's CleanupStartupOrphans).
func (m *Monitor) CleanupStartupOrphans(ctx context.Context) error {
	return m.RunOnce(ctx)
}
