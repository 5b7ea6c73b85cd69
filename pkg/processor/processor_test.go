package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/processor"
	"github.com/scribeframe/engine/pkg/provider"
	"github.com/scribeframe/engine/pkg/store"
	"github.com/scribeframe/engine/pkg/submissions"
)

type recordingEvents struct {
	claimed   []int64
	progress  []int64
	completed []int64
	failed    []int64
}

func (r *recordingEvents) JobCreated(*models.Job)   {}
func (r *recordingEvents) JobClaimed(j *models.Job) { r.claimed = append(r.claimed, j.ID) }
func (r *recordingEvents) JobProgress(jobID int64, tokenCount int, elapsedMs int64) {
	r.progress = append(r.progress, jobID)
}
func (r *recordingEvents) JobCompleted(j *models.Job) { r.completed = append(r.completed, j.ID) }
func (r *recordingEvents) JobFailed(j *models.Job)    { r.failed = append(r.failed, j.ID) }

func newHarness(t *testing.T) (*store.Store, *jobregistry.Registry, *submissions.Registry, *provider.Mock, *recordingEvents) {
	s := store.OpenTest(t)
	jobs := jobregistry.New(s)
	subs := submissions.New(s, jobs)
	mock := provider.NewMock()
	events := &recordingEvents{}
	return s, jobs, subs, mock, events
}

func TestHappyTranscribeSummarizeChain(t *testing.T) {
	ctx := context.Background()
	_, jobs, subs, mock, events := newHarness(t)

	p := processor.New(processor.Config{
		Jobs:         jobs,
		Submissions:  subs,
		Providers:    map[string]provider.Provider{"mock": mock},
		Events:       events,
		PollInterval: 5 * time.Millisecond,
	})

	sub, err := subs.Create(ctx, submissions.CreateParams{
		OriginalName:  "A.wav",
		FilePath:      "/data/uploads/A.wav",
		Provider:      "mock",
		AutoProcess:   true,
		AutoSummarize: true,
	})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := subs.Get(ctx, sub.ID)
		return err == nil && got.Status == models.SubmissionCompleted
	}, 2*time.Second, 5*time.Millisecond)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, linked, 2)
	assert.Equal(t, models.JobTranscribe, linked[0].Type)
	assert.Equal(t, models.JobCompleted, linked[0].Status)
	assert.Equal(t, models.JobSummarize, linked[1].Type)
	assert.Equal(t, models.JobCompleted, linked[1].Status)
	assert.GreaterOrEqual(t, linked[1].HeartbeatCount, 5)

	final, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCompleted, final.Status)
}

func TestTranscribeFailsWhenModelNotLoaded(t *testing.T) {
	ctx := context.Background()
	_, jobs, subs, mock, events := newHarness(t)
	mock.ModelLoaded = false

	p := processor.New(processor.Config{
		Jobs:         jobs,
		Submissions:  subs,
		Providers:    map[string]provider.Provider{"mock": mock},
		Events:       events,
		PollInterval: 5 * time.Millisecond,
	})

	sub, err := subs.Create(ctx, submissions.CreateParams{
		OriginalName: "A.wav",
		FilePath:     "/data/uploads/A.wav",
		Provider:     "mock",
		AutoProcess:  true,
	})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := subs.Get(ctx, sub.ID)
		return err == nil && got.Status == models.SubmissionFailed
	}, 2*time.Second, 5*time.Millisecond)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, models.JobFailed, linked[0].Status)
	assert.Contains(t, linked[0].ErrorMessage, "model is not loaded")
}

func TestTranscribeWithoutAutoSummarizeCompletesSubmissionDirectly(t *testing.T) {
	ctx := context.Background()
	_, jobs, subs, mock, events := newHarness(t)

	p := processor.New(processor.Config{
		Jobs:         jobs,
		Submissions:  subs,
		Providers:    map[string]provider.Provider{"mock": mock},
		Events:       events,
		PollInterval: 5 * time.Millisecond,
	})

	sub, err := subs.Create(ctx, submissions.CreateParams{
		OriginalName: "A.wav",
		FilePath:     "/data/uploads/A.wav",
		Provider:     "mock",
		AutoProcess:  true,
	})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := subs.Get(ctx, sub.ID)
		return err == nil && got.Status == models.SubmissionCompleted
	}, 2*time.Second, 5*time.Millisecond)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
}

func TestStopDrainsInFlightJobBeforeReturning(t *testing.T) {
	ctx := context.Background()
	_, jobs, subs, mock, events := newHarness(t)
	mock.Block()

	p := processor.New(processor.Config{
		Jobs:         jobs,
		Submissions:  subs,
		Providers:    map[string]provider.Provider{"mock": mock},
		Events:       events,
		PollInterval: 5 * time.Millisecond,
	})

	sub, err := subs.Create(ctx, submissions.CreateParams{
		OriginalName: "A.wav",
		FilePath:     "/data/uploads/A.wav",
		Provider:     "mock",
		AutoProcess:  true,
	})
	require.NoError(t, err)

	p.Start(ctx)

	require.Eventually(t, func() bool {
		return p.State() == processor.Busy
	}, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight job was released")
	case <-time.After(50 * time.Millisecond):
	}

	mock.Release()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the job was released")
	}

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, models.JobCompleted, linked[0].Status)
}

func TestUnknownProviderFailsJobAndSubmission(t *testing.T) {
	ctx := context.Background()
	_, jobs, subs, mock, events := newHarness(t)
	_ = mock

	p := processor.New(processor.Config{
		Jobs:         jobs,
		Submissions:  subs,
		Providers:    map[string]provider.Provider{},
		Events:       events,
		PollInterval: 5 * time.Millisecond,
	})

	sub, err := subs.Create(ctx, submissions.CreateParams{
		OriginalName: "A.wav",
		FilePath:     "/data/uploads/A.wav",
		Provider:     "does-not-exist",
		AutoProcess:  true,
	})
	require.NoError(t, err)

	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		got, err := subs.Get(ctx, sub.ID)
		return err == nil && got.Status == models.SubmissionFailed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCreateAnalyzeChunkFailsForMissingChunk(t *testing.T) {
	ctx := context.Background()
	_, jobs, _, _, _ := newHarness(t)

	_, err := jobs.CreateAnalyzeChunk(ctx, 1, "sess-1", "mock", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
