package health_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeframe/engine/pkg/health"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

type fakeSubmissionFailer struct {
	failed map[string]string
}

func newFakeSubmissionFailer() *fakeSubmissionFailer {
	return &fakeSubmissionFailer{failed: make(map[string]string)}
}

func (f *fakeSubmissionFailer) MarkFailed(ctx context.Context, submissionID, reason string) error {
	f.failed[submissionID] = reason
	return nil
}

func insertSubmission(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, err := s.DB().ExecContext(context.Background(), `
		INSERT INTO audio_submissions (id, kind, original_name, status, created_at, updated_at)
		VALUES (?, 'upload', 'hello.flac', 'transcribing', datetime('now'), datetime('now'))`, id)
	require.NoError(t, err)
}

func TestRunOnceRecoversJobWithNoHeartbeatUnverified(t *testing.T) {
	ctx := context.Background()
	s := store.OpenTest(t)
	jr := jobregistry.New(s)
	failer := newFakeSubmissionFailer()
	mon := health.New(s, failer, time.Minute, nil)

	insertSubmission(t, s, "sub-1")
	id, err := jr.CreateTranscribe(ctx, "/a.flac", "sub-1", nil, "local")
	require.NoError(t, err)

	job, err := jr.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)

	// Back-date started_at past the default timeout with no heartbeat and no
	// model verification.
	past := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err = s.DB().ExecContext(ctx, `UPDATE jobs SET started_at = ?, timeout_seconds = 1 WHERE id = ?`, past, id)
	require.NoError(t, err)

	require.NoError(t, mon.RunOnce(ctx))

	got, err := jr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "Job started but model was never verified as loaded", got.ErrorMessage)
	assert.Equal(t, "Job started but model was never verified as loaded", failer.failed["sub-1"])
}

func TestRunOnceRecoversJobWithNoHeartbeatVerified(t *testing.T) {
	ctx := context.Background()
	s := store.OpenTest(t)
	jr := jobregistry.New(s)
	mon := health.New(s, newFakeSubmissionFailer(), time.Minute, nil)

	id, err := jr.CreateTranscribe(ctx, "/a.flac", "", nil, "local")
	require.NoError(t, err)
	_, err = jr.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, jr.SetModelVerified(ctx, id))

	past := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err = s.DB().ExecContext(ctx, `UPDATE jobs SET started_at = ?, timeout_seconds = 1 WHERE id = ?`, past, id)
	require.NoError(t, err)

	require.NoError(t, mon.RunOnce(ctx))

	got, err := jr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "Job started but never received any tokens", got.ErrorMessage)
}

func TestRunOnceRecoversStalledJobWithHeartbeats(t *testing.T) {
	ctx := context.Background()
	s := store.OpenTest(t)
	jr := jobregistry.New(s)
	mon := health.New(s, newFakeSubmissionFailer(), time.Minute, nil)

	id, err := jr.CreateSummarize(ctx, "hello world", "", nil, "local")
	require.NoError(t, err)
	_, err = jr.ClaimNext(ctx)
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		require.NoError(t, jr.Heartbeat(ctx, id))
	}

	stale := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err = s.DB().ExecContext(ctx, `UPDATE jobs SET last_heartbeat = ?, timeout_seconds = 1 WHERE id = ?`, stale, id)
	require.NoError(t, err)

	require.NoError(t, mon.RunOnce(ctx))

	got, err := jr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, "Job stalled after receiving 7 tokens", got.ErrorMessage)
}

func TestRunOnceLeavesHealthyJobsAlone(t *testing.T) {
	ctx := context.Background()
	s := store.OpenTest(t)
	jr := jobregistry.New(s)
	mon := health.New(s, newFakeSubmissionFailer(), time.Minute, nil)

	id, err := jr.CreateTranscribe(ctx, "/a.flac", "", nil, "local")
	require.NoError(t, err)
	_, err = jr.ClaimNext(ctx)
	require.NoError(t, err)

	require.NoError(t, mon.RunOnce(ctx))

	got, err := jr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, got.Status)
}

func TestCleanupStartupOrphans(t *testing.T) {
	ctx := context.Background()
	s := store.OpenTest(t)
	jr := jobregistry.New(s)
	mon := health.New(s, newFakeSubmissionFailer(), time.Minute, nil)

	id, err := jr.CreateTranscribe(ctx, "/a.flac", "", nil, "local")
	require.NoError(t, err)
	_, err = jr.ClaimNext(ctx)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-10 * time.Minute).Format(time.RFC3339Nano)
	_, err = s.DB().ExecContext(ctx, `UPDATE jobs SET started_at = ?, timeout_seconds = 1 WHERE id = ?`, past, id)
	require.NoError(t, err)

	require.NoError(t, mon.CleanupStartupOrphans(ctx))

	got, err := jr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, got.Status)
}
