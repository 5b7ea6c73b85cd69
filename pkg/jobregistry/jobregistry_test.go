package jobregistry_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

func newRegistry(t *testing.T) *jobregistry.Registry {
	s := store.OpenTest(t)
	return jobregistry.New(s)
}

func TestCreateTranscribeRequiresInput(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	_, err := r.CreateTranscribe(ctx, "", "", nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrInvalidInput))
}

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	id, err := r.CreateTranscribe(ctx, "/data/uploads/hello.flac", "", nil, "mock")
	require.NoError(t, err)
	require.NotZero(t, id)

	job, err := r.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, models.JobTranscribe, job.Type)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, "/data/uploads/hello.flac", job.InputFilePath)
	assert.Empty(t, job.InputText)
}

func TestClaimNextFIFOAndLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	id1, err := r.CreateTranscribe(ctx, "/a.flac", "", nil, "mock")
	require.NoError(t, err)
	id2, err := r.CreateTranscribe(ctx, "/b.flac", "", nil, "mock")
	require.NoError(t, err)

	claimed, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id1, claimed.ID)
	assert.Equal(t, models.JobProcessing, claimed.Status)
	assert.NotNil(t, claimed.StartedAt)

	claimed2, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, id2, claimed2.ID)

	none, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, r.Complete(ctx, id1, "hello world", "whisper-mock", 120, nil, "", ""))
	job1, err := r.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, job1.Status)
	assert.Equal(t, "hello world", job1.OutputText)

	require.NoError(t, r.Fail(ctx, id2, "provider unreachable"))
	job2, err := r.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job2.Status)
	assert.Equal(t, "provider unreachable", job2.ErrorMessage)
}

func TestCompleteIsNoOpWhenNotProcessing(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	id, err := r.CreateTranscribe(ctx, "/a.flac", "", nil, "mock")
	require.NoError(t, err)

	// Job is still pending, not processing: Complete must not finalize it.
	require.NoError(t, r.Complete(ctx, id, "x", "m", 1, nil, "", ""))
	job, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, job.Status)
}

// TestClaimNextConcurrentRace exercises spec.md's hard invariant: N
// concurrent claimNext callers against K pending jobs return disjoint,
// non-overlapping job ids, with no caller seeing a job another already
// claimed.
func TestClaimNextConcurrentRace(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	const numJobs = 20
	ids := make(map[int64]bool, numJobs)
	for i := 0; i < numJobs; i++ {
		id, err := r.CreateTranscribe(ctx, "/audio.flac", "", nil, "mock")
		require.NoError(t, err)
		ids[id] = true
	}

	const numWorkers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := make(map[int64]int)

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := r.ClaimNext(ctx)
				if err != nil || job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, numJobs, "every job should have been claimed exactly once")
	for id, count := range claimed {
		assert.Equal(t, 1, count, "job %d claimed more than once", id)
		assert.True(t, ids[id], "claimed unknown job id %d", id)
	}
}

func TestCreateAnalyzeChunkGuards(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	// Missing chunk.
	_, err := r.CreateAnalyzeChunk(ctx, 9999, "sess-1", "mock", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestQueueStatus(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(t)

	id1, err := r.CreateTranscribe(ctx, "/a.flac", "", nil, "mock")
	require.NoError(t, err)
	_, err = r.CreateTranscribe(ctx, "/b.flac", "", nil, "mock")
	require.NoError(t, err)

	job1, err := r.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, id1, job1.ID)
	require.NoError(t, r.Complete(ctx, id1, "out", "m", 50, nil, "", ""))

	qs, err := r.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, qs.Total)
	assert.Equal(t, 1, qs.Pending)
	assert.Equal(t, 0, qs.Processing)
	assert.Equal(t, 1, qs.Completed)
	assert.Equal(t, 0, qs.Failed)
}

func TestDeleteBySubmissionRemovesLinkedJobs(t *testing.T) {
	ctx := context.Background()
	s := store.OpenTest(t)
	r := jobregistry.New(s)

	subID := "sub-1"
	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO audio_submissions (id, kind, original_name, status, created_at, updated_at)
		VALUES (?, 'upload', 'hello.flac', 'pending', datetime('now'), datetime('now'))`, subID)
	require.NoError(t, err)

	id, err := r.CreateTranscribe(ctx, "/a.flac", subID, nil, "mock")
	require.NoError(t, err)

	jobs, err := r.ListBySubmission(ctx, subID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, r.DeleteBySubmission(ctx, subID))

	job, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, job)
}
