// Package jobregistry implements the JobRegistry (spec.md §4.2): CRUD plus
// the atomic claim/complete/fail transitions over jobs, and derived queue
// statistics.
package jobregistry

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

// Registry is the JobRegistry.
type Registry struct {
	store *store.Store
}

// New constructs a Registry over the given Store.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

// row mirrors the jobs table for sqlx scanning.
type row struct {
	ID               int64          `db:"id"`
	JobType          string         `db:"job_type"`
	Status           string         `db:"status"`
	Provider         sql.NullString `db:"provider"`
	InputFilePath    sql.NullString `db:"input_file_path"`
	InputText        sql.NullString `db:"input_text"`
	OutputText       sql.NullString `db:"output_text"`
	ErrorMessage     sql.NullString `db:"error_message"`
	SubmissionID     sql.NullString `db:"submission_id"`
	Metadata         sql.NullString `db:"metadata"`
	CreatedAt        string         `db:"created_at"`
	StartedAt        sql.NullString `db:"started_at"`
	CompletedAt      sql.NullString `db:"completed_at"`
	ProcessingTimeMs int64          `db:"processing_time_ms"`
	ModelUsed        sql.NullString `db:"model_used"`
	Confidence       sql.NullFloat64 `db:"confidence"`
	RawResponse      sql.NullString `db:"raw_response"`
	RawResponseType  sql.NullString `db:"raw_response_type"`
	LastHeartbeat    sql.NullString `db:"last_heartbeat"`
	HeartbeatCount   int            `db:"heartbeat_count"`
	ModelVerified    bool           `db:"model_verified"`
	TimeoutSeconds   int            `db:"timeout_seconds"`
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func (r row) toModel() *models.Job {
	j := &models.Job{
		ID:               r.ID,
		Type:             models.JobType(r.JobType),
		Status:           models.JobStatus(r.Status),
		Provider:         r.Provider.String,
		InputFilePath:    r.InputFilePath.String,
		InputText:        r.InputText.String,
		OutputText:       r.OutputText.String,
		ErrorMessage:     r.ErrorMessage.String,
		SubmissionID:     r.SubmissionID.String,
		CreatedAt:        parseTime(r.CreatedAt),
		StartedAt:        nullTime(r.StartedAt),
		CompletedAt:      nullTime(r.CompletedAt),
		ProcessingTimeMs: r.ProcessingTimeMs,
		ModelUsed:        r.ModelUsed.String,
		RawResponse:      r.RawResponse.String,
		RawResponseType:  r.RawResponseType.String,
		LastHeartbeat:    nullTime(r.LastHeartbeat),
		HeartbeatCount:   r.HeartbeatCount,
		ModelVerified:    r.ModelVerified,
		TimeoutSeconds:   r.TimeoutSeconds,
	}
	if r.Confidence.Valid {
		c := r.Confidence.Float64
		j.Confidence = &c
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(r.Metadata.String), &m); err == nil {
			j.Metadata = m
		}
	}
	return j
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CreateTranscribe inserts a pending transcribe job for the given audio path.
func (r *Registry) CreateTranscribe(ctx context.Context, audioPath, submissionID string, metadata map[string]any, provider string) (int64, error) {
	if strings.TrimSpace(audioPath) == "" {
		return 0, apperr.InvalidInput("transcribe job requires a non-empty input_file_path")
	}
	return r.insert(ctx, models.JobTranscribe, provider, audioPath, "", submissionID, metadata)
}

// CreateSummarize inserts a pending summarize job for the given text.
func (r *Registry) CreateSummarize(ctx context.Context, text, submissionID string, metadata map[string]any, provider string) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, apperr.InvalidInput("summarize job requires non-empty text")
	}
	return r.insert(ctx, models.JobSummarize, provider, "", text, submissionID, metadata)
}

// CreateAnalyzeChunk validates the target chunk and creates an analyze_chunk
// job, atomically linking the chunk's analysis_job_id to the new job
// (spec.md §4.2).
func (r *Registry) CreateAnalyzeChunk(ctx context.Context, chunkID int64, sessionID, provider string, metadata map[string]any) (int64, error) {
	var newID int64
	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var transcript string
		var existingJobID sql.NullInt64
		err := tx.QueryRowxContext(ctx,
			`SELECT transcript, analysis_job_id FROM stream_chunks WHERE id = ?`, chunkID,
		).Scan(&transcript, &existingJobID)
		if err == sql.ErrNoRows {
			return apperr.NotFound("chunk %d not found", chunkID)
		}
		if err != nil {
			return apperr.Backend(err, "querying chunk %d", chunkID)
		}
		if strings.TrimSpace(transcript) == "" {
			return apperr.InvalidInput("chunk %d has an empty transcript", chunkID)
		}

		if existingJobID.Valid {
			var status string
			err := tx.QueryRowxContext(ctx, `SELECT status FROM jobs WHERE id = ?`, existingJobID.Int64).Scan(&status)
			if err != nil && err != sql.ErrNoRows {
				return apperr.Backend(err, "querying existing analysis job %d", existingJobID.Int64)
			}
			switch models.JobStatus(status) {
			case models.JobPending, models.JobProcessing:
				return apperr.Conflict("chunk %d already has an analysis job in progress", chunkID)
			case models.JobCompleted:
				return apperr.Conflict("chunk %d has already been analyzed", chunkID)
			// failed, or the row vanished: fall through and replace the link.
			}
		}

		merged := map[string]any{}
		for k, v := range metadata {
			merged[k] = v
		}
		merged["sessionId"] = sessionID
		merged["chunkId"] = chunkID

		metaJSON, err := marshalMetadata(merged)
		if err != nil {
			return apperr.InvalidInput("marshalling metadata: %v", err)
		}

		var providerArg any
		if provider != "" {
			providerArg = provider
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO jobs (job_type, status, provider, input_text, submission_id, metadata, created_at, timeout_seconds)
			VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			models.JobAnalyzeChunk, models.JobPending, providerArg, transcript, metaJSON, now, models.DefaultJobTimeoutSeconds)
		if err != nil {
			return apperr.Backend(err, "inserting analyze_chunk job")
		}
		newID, err = res.LastInsertId()
		if err != nil {
			return apperr.Backend(err, "reading new job id")
		}

		if _, err := tx.ExecContext(ctx, `UPDATE stream_chunks SET analysis_job_id = ? WHERE id = ?`, newID, chunkID); err != nil {
			return apperr.Backend(err, "linking chunk %d to job %d", chunkID, newID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

func (r *Registry) insert(ctx context.Context, jobType models.JobType, provider, inputFilePath, inputText, submissionID string, metadata map[string]any) (int64, error) {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return 0, apperr.InvalidInput("marshalling metadata: %v", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var submissionArg any
	if submissionID != "" {
		submissionArg = submissionID
	}
	var providerArg any
	if provider != "" {
		providerArg = provider
	}
	var inputFileArg, inputTextArg any
	if inputFilePath != "" {
		inputFileArg = inputFilePath
	}
	if inputText != "" {
		inputTextArg = inputText
	}

	res, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO jobs (job_type, status, provider, input_file_path, input_text, submission_id, metadata, created_at, timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		jobType, models.JobPending, providerArg, inputFileArg, inputTextArg, submissionArg, metaJSON, now, models.DefaultJobTimeoutSeconds)
	if err != nil {
		return 0, apperr.Backend(err, "inserting %s job", jobType)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Backend(err, "reading new job id")
	}
	return id, nil
}

// ClaimNext atomically selects the oldest pending job and transitions it to
// processing. Returns (nil, nil) when no pending job exists. Race-free under
// concurrent callers: the UPDATE's WHERE clause re-checks status=pending
// inside the same transaction that selected the candidate row, so only one
// caller's UPDATE can affect a row (spec.md §4.2, §8 "Atomic claim").
func (r *Registry) ClaimNext(ctx context.Context) (*models.Job, error) {
	var claimedID int64
	found := false

	err := r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		var id int64
		err := tx.QueryRowxContext(ctx, `
			SELECT id FROM jobs WHERE status = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`, models.JobPending,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return apperr.Backend(err, "selecting next pending job")
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = ?, started_at = ?
			WHERE id = ? AND status = ?`,
			models.JobProcessing, now, id, models.JobPending)
		if err != nil {
			return apperr.Backend(err, "claiming job %d", id)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return apperr.Backend(err, "reading claim result for job %d", id)
		}
		if affected == 1 {
			claimedID = id
			found = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return r.Get(ctx, claimedID)
}

// Complete transitions a job from processing to completed. A no-op if the
// job is not currently processing (spec.md §4.2, §7).
func (r *Registry) Complete(ctx context.Context, jobID int64, outputText, model string, timeMs int64, confidence *float64, rawResponse, rawResponseType string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.store.DB().ExecContext(ctx, `
		UPDATE jobs SET status = ?, output_text = ?, model_used = ?, processing_time_ms = ?,
			confidence = ?, raw_response = ?, raw_response_type = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		models.JobCompleted, outputText, model, timeMs, confidence, rawResponse, rawResponseType, now,
		jobID, models.JobProcessing)
	if err != nil {
		return apperr.Backend(err, "completing job %d", jobID)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Someone else (typically HealthMonitor) already finalized this job.
		return nil
	}
	return nil
}

// Fail transitions a job from processing to failed. A no-op if the job is
// not currently processing.
func (r *Registry) Fail(ctx context.Context, jobID int64, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.store.DB().ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		models.JobFailed, errMsg, now, jobID, models.JobProcessing)
	if err != nil {
		return apperr.Backend(err, "failing job %d", jobID)
	}
	return nil
}

// Heartbeat updates a processing job's heartbeat timestamp and increments
// its heartbeat count (spec.md §4.3 summarize dispatch, §4.4).
func (r *Registry) Heartbeat(ctx context.Context, jobID int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.store.DB().ExecContext(ctx, `
		UPDATE jobs SET last_heartbeat = ?, heartbeat_count = heartbeat_count + 1
		WHERE id = ? AND status = ?`,
		now, jobID, models.JobProcessing)
	if err != nil {
		return apperr.Backend(err, "recording heartbeat for job %d", jobID)
	}
	return nil
}

// SetModelVerified marks a processing job's model_verified flag.
func (r *Registry) SetModelVerified(ctx context.Context, jobID int64) error {
	_, err := r.store.DB().ExecContext(ctx, `UPDATE jobs SET model_verified = 1 WHERE id = ?`, jobID)
	if err != nil {
		return apperr.Backend(err, "marking job %d model-verified", jobID)
	}
	return nil
}

// Get retrieves a job by id, or (nil, nil) if it does not exist.
func (r *Registry) Get(ctx context.Context, jobID int64) (*models.Job, error) {
	var rr row
	err := r.store.DB().GetContext(ctx, &rr, `SELECT * FROM jobs WHERE id = ?`, jobID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Backend(err, "fetching job %d", jobID)
	}
	return rr.toModel(), nil
}

// ListBySubmission returns all jobs linked to a submission, oldest first.
func (r *Registry) ListBySubmission(ctx context.Context, submissionID string) ([]models.Job, error) {
	var rows []row
	err := r.store.DB().SelectContext(ctx, &rows, `
		SELECT * FROM jobs WHERE submission_id = ? ORDER BY created_at ASC, id ASC`, submissionID)
	if err != nil {
		return nil, apperr.Backend(err, "listing jobs for submission %s", submissionID)
	}
	out := make([]models.Job, 0, len(rows))
	for _, rr := range rows {
		out = append(out, *rr.toModel())
	}
	return out, nil
}

// ListRecent returns the n most recently created jobs, newest first.
func (r *Registry) ListRecent(ctx context.Context, n int) ([]models.Job, error) {
	var rows []row
	err := r.store.DB().SelectContext(ctx, &rows, `
		SELECT * FROM jobs ORDER BY created_at DESC, id DESC LIMIT ?`, n)
	if err != nil {
		return nil, apperr.Backend(err, "listing recent jobs")
	}
	out := make([]models.Job, 0, len(rows))
	for _, rr := range rows {
		out = append(out, *rr.toModel())
	}
	return out, nil
}

// QueueStatus derives queue statistics (spec.md §4.2).
func (r *Registry) QueueStatus(ctx context.Context) (models.QueueStatus, error) {
	var qs models.QueueStatus
	err := r.store.DB().QueryRowxContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COALESCE(AVG(processing_time_ms) FILTER (WHERE status = 'completed'), 0)
		FROM jobs`,
	).Scan(&qs.Total, &qs.Pending, &qs.Processing, &qs.Completed, &qs.Failed, &qs.AvgProcessingMs)
	if err != nil {
		return models.QueueStatus{}, apperr.Backend(err, "computing queue status")
	}
	return qs, nil
}

// DeleteBySubmission unconditionally removes all jobs linked to a submission.
func (r *Registry) DeleteBySubmission(ctx context.Context, submissionID string) error {
	_, err := r.store.DB().ExecContext(ctx, `DELETE FROM jobs WHERE submission_id = ?`, submissionID)
	if err != nil {
		return apperr.Backend(err, "deleting jobs for submission %s", submissionID)
	}
	return nil
}
