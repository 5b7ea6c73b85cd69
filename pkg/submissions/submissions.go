// Package submissions implements the SubmissionRegistry (spec.md §4.5):
// submission lifecycle, duplicate-name disambiguation, and cascaded delete.
package submissions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

// Registry is the SubmissionRegistry.
type Registry struct {
	store *store.Store
	jobs  *jobregistry.Registry
}

// New constructs a Registry. Create writes its auto-process transcribe job
// inside its own transaction rather than through jobs (spec.md §4.5).
func New(s *store.Store, jobs *jobregistry.Registry) *Registry {
	return &Registry{store: s, jobs: jobs}
}

// CreateParams describes a new submission.
type CreateParams struct {
	Kind           models.SubmissionKind
	Filename       string
	OriginalName   string
	FilePath       string
	MimeType       string
	SizeBytes      int64
	DurationSecs   float64
	Provider       string
	AutoProcess    bool
	AutoSummarize  bool
	Metadata       map[string]any
}

type row struct {
	ID           string         `db:"id"`
	Kind         string         `db:"kind"`
	Filename     sql.NullString `db:"filename"`
	OriginalName string         `db:"original_name"`
	FilePath     sql.NullString `db:"file_path"`
	MimeType     sql.NullString `db:"mime_type"`
	SizeBytes    int64          `db:"size_bytes"`
	DurationSecs float64        `db:"duration_secs"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
	Metadata     sql.NullString `db:"metadata"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func (r row) toModel() *models.Submission {
	m := &models.Submission{
		ID:           r.ID,
		Kind:         models.SubmissionKind(r.Kind),
		Filename:     r.Filename.String,
		OriginalName: r.OriginalName,
		FilePath:     r.FilePath.String,
		MimeType:     r.MimeType.String,
		SizeBytes:    r.SizeBytes,
		DurationSecs: r.DurationSecs,
		Status:       models.SubmissionStatus(r.Status),
		ErrorMessage: r.ErrorMessage.String,
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
	}
	if r.Metadata.Valid && r.Metadata.String != "" {
		var md map[string]any
		if err := json.Unmarshal([]byte(r.Metadata.String), &md); err == nil {
			m.Metadata = md
		}
	}
	return m
}

// Create inserts a submission and, if AutoProcess is set, atomically
// enqueues a transcribe job carrying autoSummarize metadata (spec.md §4.5,
// §4.3's auto-chain contract).
func (r *Registry) Create(ctx context.Context, p CreateParams) (*models.Submission, error) {
	if strings.TrimSpace(p.OriginalName) == "" {
		return nil, apperr.InvalidInput("submission requires a non-empty original_name")
	}
	if p.Kind == "" {
		p.Kind = models.SubmissionKindUpload
	}

	id := uuid.New().String()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	status := models.SubmissionPending
	if p.Kind == models.SubmissionKindStream {
		status = models.SubmissionStreaming
	}

	metaJSON, err := marshalMetadata(p.Metadata)
	if err != nil {
		return nil, apperr.InvalidInput("marshalling metadata: %v", err)
	}

	err = r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audio_submissions
				(id, kind, filename, original_name, file_path, mime_type, size_bytes, duration_secs, status, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, p.Kind, nullable(p.Filename), p.OriginalName, nullable(p.FilePath), nullable(p.MimeType),
			p.SizeBytes, p.DurationSecs, status, metaJSON, now, now)
		if err != nil {
			return apperr.Backend(err, "inserting submission")
		}

		if p.AutoProcess && p.Kind == models.SubmissionKindUpload {
			// Inserted through tx: the store has a single connection, which
			// this transaction holds, so a call through r.jobs would block.
			if strings.TrimSpace(p.FilePath) == "" {
				return apperr.InvalidInput("transcribe job requires a non-empty input_file_path")
			}
			jobMeta, _ := marshalMetadata(map[string]any{"autoSummarize": p.AutoSummarize})
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO jobs (job_type, status, provider, input_file_path, submission_id, metadata, created_at, timeout_seconds)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				models.JobTranscribe, models.JobPending, nullable(p.Provider), p.FilePath, id, jobMeta, now, models.DefaultJobTimeoutSeconds); err != nil {
				return fmt.Errorf("enqueueing auto-process transcribe job: %w", apperr.Backend(err, "inserting transcribe job"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
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

// Get retrieves a submission by id, or (nil, nil) if absent.
func (r *Registry) Get(ctx context.Context, id string) (*models.Submission, error) {
	var rr row
	err := r.store.DB().GetContext(ctx, &rr, `SELECT * FROM audio_submissions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Backend(err, "fetching submission %s", id)
	}
	return rr.toModel(), nil
}

// GetByFilename matches either the on-disk filename or the display name.
func (r *Registry) GetByFilename(ctx context.Context, name string) (*models.Submission, error) {
	var rr row
	err := r.store.DB().GetContext(ctx, &rr, `
		SELECT * FROM audio_submissions WHERE filename = ? OR original_name = ?
		ORDER BY created_at DESC LIMIT 1`, name, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Backend(err, "fetching submission by filename %s", name)
	}
	return rr.toModel(), nil
}

// ListFilteredParams bounds a listFiltered query (spec.md §4.5).
type ListFilteredParams struct {
	MinDuration *float64
	MaxDuration *float64
	Limit       int
	Offset      int
}

// ListFiltered returns matching rows and the total count ignoring
// pagination, for pagination UIs.
func (r *Registry) ListFiltered(ctx context.Context, p ListFilteredParams) ([]models.Submission, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	if p.MinDuration != nil {
		where += " AND duration_secs >= ?"
		args = append(args, *p.MinDuration)
	}
	if p.MaxDuration != nil {
		where += " AND duration_secs <= ?"
		args = append(args, *p.MaxDuration)
	}

	var total int
	if err := r.store.DB().GetContext(ctx, &total, `SELECT COUNT(*) FROM audio_submissions `+where, args...); err != nil {
		return nil, 0, apperr.Backend(err, "counting submissions")
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`SELECT * FROM audio_submissions %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, where)
	args = append(args, limit, p.Offset)

	var rows []row
	if err := r.store.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, apperr.Backend(err, "listing submissions")
	}
	out := make([]models.Submission, 0, len(rows))
	for _, rr := range rows {
		out = append(out, *rr.toModel())
	}
	return out, total, nil
}

// UpdateStatus sets a submission's status and, optionally, an error message.
func (r *Registry) UpdateStatus(ctx context.Context, id string, status models.SubmissionStatus, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.store.DB().ExecContext(ctx, `
		UPDATE audio_submissions SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status, nullable(errMsg), now, id)
	if err != nil {
		return apperr.Backend(err, "updating submission %s status", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Backend(err, "reading update result for submission %s", id)
	}
	if affected == 0 {
		return apperr.NotFound("submission %s not found", id)
	}
	return nil
}

// MarkFailed is the narrow seam HealthMonitor uses to propagate a stuck-job
// recovery onto its linked submission (implements health.SubmissionFailer).
func (r *Registry) MarkFailed(ctx context.Context, submissionID, reason string) error {
	err := r.UpdateStatus(ctx, submissionID, models.SubmissionFailed, reason)
	if err != nil && errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	return err
}

// finalizeStream marks a streaming submission completed with final size and
// duration (spec.md §4.5, §5 finalization).
func (r *Registry) FinalizeStream(ctx context.Context, id string, sizeBytes int64, durationSecs float64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := r.store.DB().ExecContext(ctx, `
		UPDATE audio_submissions
		SET status = ?, size_bytes = ?, duration_secs = ?, updated_at = ?
		WHERE id = ?`,
		models.SubmissionCompleted, sizeBytes, durationSecs, now, id)
	if err != nil {
		return apperr.Backend(err, "finalizing stream submission %s", id)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Backend(err, "reading finalize result for submission %s", id)
	}
	if affected == 0 {
		return apperr.NotFound("submission %s not found", id)
	}
	return nil
}

// GenerateUniqueDisplayName returns name unchanged if no existing submission
// has that original filename; otherwise returns "base_N.ext" where N is the
// count of existing rows whose original filename equals name or matches
// "base_%.ext" (spec.md §4.5, §8 scenario: hello.flac, hello_1.flac,
// hello_2.flac).
func (r *Registry) GenerateUniqueDisplayName(ctx context.Context, name string) (string, error) {
	var exact int
	if err := r.store.DB().GetContext(ctx, &exact, `
		SELECT COUNT(*) FROM audio_submissions WHERE original_name = ?`, name); err != nil {
		return "", apperr.Backend(err, "checking name collision for %s", name)
	}
	if exact == 0 {
		return name, nil
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	likePrefix := escapeLike(base) + `\_%` + escapeLike(ext)

	var count int
	if err := r.store.DB().GetContext(ctx, &count, `
		SELECT COUNT(*) FROM audio_submissions
		WHERE original_name = ? OR original_name LIKE ? ESCAPE '\'`,
		name, likePrefix); err != nil {
		return "", apperr.Backend(err, "counting name collisions for %s", name)
	}
	return fmt.Sprintf("%s_%d%s", base, count, ext), nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// Delete cascades: deletes linked jobs, deletes the submission row, then
// best-effort unlinks the on-disk file. Returns whether a row existed.
func (r *Registry) Delete(ctx context.Context, id string) (bool, error) {
	sub, err := r.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if sub == nil {
		return false, nil
	}

	err = r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE submission_id = ?`, id); err != nil {
			return apperr.Backend(err, "deleting jobs for submission %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM audio_submissions WHERE id = ?`, id); err != nil {
			return apperr.Backend(err, "deleting submission %s", id)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if sub.FilePath != "" {
		if err := os.Remove(sub.FilePath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to unlink submission file", "submission_id", id, "path", sub.FilePath, "error", err)
		}
	}
	return true, nil
}
