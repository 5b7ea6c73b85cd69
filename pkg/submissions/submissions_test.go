package submissions_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
	"github.com/scribeframe/engine/pkg/submissions"
)

func newRegistry(t *testing.T) (*submissions.Registry, *jobregistry.Registry) {
	s := store.OpenTest(t)
	jobs := jobregistry.New(s)
	return submissions.New(s, jobs), jobs
}

func TestCreateRequiresOriginalName(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	_, err := reg.Create(ctx, submissions.CreateParams{})
	require.Error(t, err)
}

func TestCreateAutoProcessEnqueuesTranscribeJob(t *testing.T) {
	ctx := context.Background()
	reg, jobs := newRegistry(t)

	sub, err := reg.Create(ctx, submissions.CreateParams{
		OriginalName:  "hello.flac",
		FilePath:      "/data/uploads/hello.flac",
		Provider:      "local",
		AutoProcess:   true,
		AutoSummarize: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionPending, sub.Status)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, models.JobTranscribe, linked[0].Type)
	assert.Equal(t, "/data/uploads/hello.flac", linked[0].InputFilePath)
	assert.Equal(t, true, linked[0].Metadata["autoSummarize"])
}

func TestCreateWithoutAutoProcessEnqueuesNothing(t *testing.T) {
	ctx := context.Background()
	reg, jobs := newRegistry(t)

	sub, err := reg.Create(ctx, submissions.CreateParams{OriginalName: "hello.flac"})
	require.NoError(t, err)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, linked)
}

func TestGenerateUniqueDisplayNameCollisionSequence(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	name1, err := reg.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello.flac", name1)
	_, err = reg.Create(ctx, submissions.CreateParams{OriginalName: name1})
	require.NoError(t, err)

	name2, err := reg.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello_1.flac", name2)
	_, err = reg.Create(ctx, submissions.CreateParams{OriginalName: name2})
	require.NoError(t, err)

	name3, err := reg.GenerateUniqueDisplayName(ctx, "hello.flac")
	require.NoError(t, err)
	assert.Equal(t, "hello_2.flac", name3)
}

func TestFinalizeStream(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)

	sub, err := reg.Create(ctx, submissions.CreateParams{
		Kind:         models.SubmissionKindStream,
		OriginalName: "live-capture",
	})
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStreaming, sub.Status)

	require.NoError(t, reg.FinalizeStream(ctx, sub.ID, 320000, 10.0))

	got, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionCompleted, got.Status)
	assert.Equal(t, int64(320000), got.SizeBytes)
	assert.Equal(t, 10.0, got.DurationSecs)
}

func TestDeleteCascadesJobsAndUnlinksFile(t *testing.T) {
	ctx := context.Background()
	reg, jobs := newRegistry(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "hello.flac")
	require.NoError(t, os.WriteFile(path, []byte("fake-audio"), 0o644))

	sub, err := reg.Create(ctx, submissions.CreateParams{
		OriginalName: "hello.flac",
		FilePath:     path,
		AutoProcess:  true,
	})
	require.NoError(t, err)

	linked, err := jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)

	existed, err := reg.Delete(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, existed)

	got, err := reg.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	linked, err = jobs.ListBySubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Empty(t, linked)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	existed, err = reg.Delete(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestMarkFailedIsIdempotentForMissingSubmission(t *testing.T) {
	ctx := context.Background()
	reg, _ := newRegistry(t)
	require.NoError(t, reg.MarkFailed(ctx, "does-not-exist", "boom"))
}
