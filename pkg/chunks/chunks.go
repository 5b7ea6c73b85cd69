// Package chunks implements the ChunkRegistry (spec.md §4.6): stream
// session lifecycle and finalized utterance chunks, plus the joined replay
// queries the StreamHub uses to catch up a newly-joined viewer.
package chunks

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/scribeframe/engine/pkg/apperr"
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

// Registry is the ChunkRegistry.
type Registry struct {
	store *store.Store
}

// New constructs a Registry.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
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

type sessionRow struct {
	ID              string         `db:"id"`
	SubmissionID    string         `db:"submission_id"`
	Title           sql.NullString `db:"title"`
	StartedAt       string         `db:"started_at"`
	EndedAt         sql.NullString `db:"ended_at"`
	TotalDurationMs int64          `db:"total_duration_ms"`
	ChunkCount      int            `db:"chunk_count"`
	Status          string         `db:"status"`
}

func (r sessionRow) toModel() *models.StreamSession {
	return &models.StreamSession{
		ID:              r.ID,
		SubmissionID:    r.SubmissionID,
		Title:           r.Title.String,
		StartedAt:       parseTime(r.StartedAt),
		EndedAt:         nullTime(r.EndedAt),
		TotalDurationMs: r.TotalDurationMs,
		ChunkCount:      r.ChunkCount,
		Status:          models.StreamSessionStatus(r.Status),
	}
}

// CreateSession opens a new stream session for a submission (spec.md §3.3,
// §4.6). The submission must be unlinked from any other session: the
// unique index on stream_sessions.submission_id enforces the 1:1 invariant,
// surfaced here as an apperr.Constraint.
func (r *Registry) CreateSession(ctx context.Context, id, submissionID, title string) (*models.StreamSession, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(submissionID) == "" {
		return nil, apperr.InvalidInput("createSession requires a non-empty id and submission_id")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO stream_sessions (id, submission_id, title, started_at, status)
		VALUES (?, ?, ?, ?, ?)`,
		id, submissionID, nullable(title), now, models.StreamSessionActive)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Constraint(err, "submission %s already has a stream session", submissionID)
		}
		return nil, apperr.Backend(err, "creating stream session %s", id)
	}
	return r.GetSession(ctx, id)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// GetSession retrieves a session by id, or (nil, nil) if absent.
func (r *Registry) GetSession(ctx context.Context, id string) (*models.StreamSession, error) {
	var rr sessionRow
	err := r.store.DB().GetContext(ctx, &rr, `SELECT * FROM stream_sessions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Backend(err, "fetching stream session %s", id)
	}
	return rr.toModel(), nil
}

type chunkRow struct {
	ID            int64           `db:"id"`
	SessionID     string          `db:"session_id"`
	ChunkIndex    int             `db:"chunk_index"`
	Speaker       sql.NullInt64   `db:"speaker"`
	Transcript    string          `db:"transcript"`
	Confidence    sql.NullFloat64 `db:"confidence"`
	StartTimeMs   int64           `db:"start_time_ms"`
	EndTimeMs     int64           `db:"end_time_ms"`
	WordCount     int             `db:"word_count"`
	AnalysisJobID sql.NullInt64   `db:"analysis_job_id"`
	CreatedAt     string          `db:"created_at"`
}

func (r chunkRow) toModel() models.StreamChunk {
	c := models.StreamChunk{
		ID:          r.ID,
		SessionID:   r.SessionID,
		ChunkIndex:  r.ChunkIndex,
		Transcript:  r.Transcript,
		StartTimeMs: r.StartTimeMs,
		EndTimeMs:   r.EndTimeMs,
		WordCount:   r.WordCount,
		CreatedAt:   parseTime(r.CreatedAt),
	}
	if r.Speaker.Valid {
		s := int(r.Speaker.Int64)
		c.Speaker = &s
	}
	if r.Confidence.Valid {
		conf := r.Confidence.Float64
		c.Confidence = &conf
	}
	if r.AnalysisJobID.Valid {
		id := r.AnalysisJobID.Int64
		c.AnalysisJobID = &id
	}
	return c
}

// CreateChunkParams describes a new finalized utterance chunk.
type CreateChunkParams struct {
	SessionID   string
	ChunkIndex  int
	Speaker     *int
	Transcript  string
	Confidence  *float64
	StartMs     int64
	EndMs       int64
	WordCount   int // 0 means "compute from Transcript"
}

func tokenCount(s string) int {
	return len(strings.Fields(s))
}

// CreateChunk inserts a finalized chunk. word_count defaults to the
// whitespace-tokenized length of the transcript and is never recomputed
// afterward (spec.md §3.4, §4.6).
func (r *Registry) CreateChunk(ctx context.Context, p CreateChunkParams) (*models.StreamChunk, error) {
	if p.EndMs < p.StartMs {
		return nil, apperr.InvalidInput("chunk end_time_ms (%d) precedes start_time_ms (%d)", p.EndMs, p.StartMs)
	}
	wordCount := p.WordCount
	if wordCount == 0 {
		wordCount = tokenCount(p.Transcript)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := r.store.DB().ExecContext(ctx, `
		INSERT INTO stream_chunks
			(session_id, chunk_index, speaker, transcript, confidence, start_time_ms, end_time_ms, word_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SessionID, p.ChunkIndex, speakerArg(p.Speaker), p.Transcript, confArg(p.Confidence),
		p.StartMs, p.EndMs, wordCount, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, apperr.Constraint(err, "chunk index %d already exists for session %s", p.ChunkIndex, p.SessionID)
		}
		return nil, apperr.Backend(err, "creating chunk for session %s", p.SessionID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, apperr.Backend(err, "reading new chunk id")
	}
	return r.GetChunk(ctx, id)
}

func speakerArg(s *int) any {
	if s == nil {
		return nil
	}
	return *s
}

func confArg(c *float64) any {
	if c == nil {
		return nil
	}
	return *c
}

// GetChunk retrieves a chunk by id, or (nil, nil) if absent.
func (r *Registry) GetChunk(ctx context.Context, id int64) (*models.StreamChunk, error) {
	var rr chunkRow
	err := r.store.DB().GetContext(ctx, &rr, `SELECT * FROM stream_chunks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Backend(err, "fetching chunk %d", id)
	}
	c := rr.toModel()
	return &c, nil
}

// SetChunkAnalysisJob links a chunk to its analysis job.
func (r *Registry) SetChunkAnalysisJob(ctx context.Context, chunkID, jobID int64) error {
	res, err := r.store.DB().ExecContext(ctx, `UPDATE stream_chunks SET analysis_job_id = ? WHERE id = ?`, jobID, chunkID)
	if err != nil {
		return apperr.Backend(err, "linking chunk %d to job %d", chunkID, jobID)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return apperr.Backend(err, "reading link result for chunk %d", chunkID)
	}
	if affected == 0 {
		return apperr.NotFound("chunk %d not found", chunkID)
	}
	return nil
}

type joinedRow struct {
	chunkRow
	JobID               sql.NullInt64   `db:"job_id"`
	JobStatus           sql.NullString  `db:"job_status"`
	JobOutputText       sql.NullString  `db:"job_output_text"`
	JobErrorMessage     sql.NullString  `db:"job_error_message"`
	JobModelUsed        sql.NullString  `db:"job_model_used"`
	JobConfidence       sql.NullFloat64 `db:"job_confidence"`
	JobCreatedAt        sql.NullString  `db:"job_created_at"`
	JobCompletedAt      sql.NullString  `db:"job_completed_at"`
}

const joinedSelect = `
	SELECT
		c.id, c.session_id, c.chunk_index, c.speaker, c.transcript, c.confidence,
		c.start_time_ms, c.end_time_ms, c.word_count, c.analysis_job_id, c.created_at,
		j.id AS job_id, j.status AS job_status, j.output_text AS job_output_text,
		j.error_message AS job_error_message, j.model_used AS job_model_used,
		j.confidence AS job_confidence, j.created_at AS job_created_at, j.completed_at AS job_completed_at
	FROM stream_chunks c
	LEFT JOIN jobs j ON j.id = c.analysis_job_id
`

func (jr joinedRow) toModel() models.ChunkWithAnalysis {
	out := models.ChunkWithAnalysis{Chunk: jr.chunkRow.toModel()}
	if !jr.JobID.Valid {
		return out
	}
	job := &models.Job{
		ID:           jr.JobID.Int64,
		Type:         models.JobAnalyzeChunk,
		Status:       models.JobStatus(jr.JobStatus.String),
		OutputText:   jr.JobOutputText.String,
		ErrorMessage: jr.JobErrorMessage.String,
		ModelUsed:    jr.JobModelUsed.String,
		CreatedAt:    parseTime(jr.JobCreatedAt.String),
		CompletedAt:  nullTime(jr.JobCompletedAt),
	}
	if jr.JobConfidence.Valid {
		c := jr.JobConfidence.Float64
		job.Confidence = &c
	}
	out.AnalysisJob = job
	return out
}

// ChunksForSessionWithAnalysis returns every chunk in a session together
// with its analysis job (nil if none), ordered by chunk_index ascending
// (spec.md §4.6).
func (r *Registry) ChunksForSessionWithAnalysis(ctx context.Context, sessionID string) ([]models.ChunkWithAnalysis, error) {
	var rows []joinedRow
	err := r.store.DB().SelectContext(ctx, &rows, joinedSelect+` WHERE c.session_id = ? ORDER BY c.chunk_index ASC`, sessionID)
	if err != nil {
		return nil, apperr.Backend(err, "listing chunks for session %s", sessionID)
	}
	out := make([]models.ChunkWithAnalysis, 0, len(rows))
	for _, jr := range rows {
		out = append(out, jr.toModel())
	}
	return out, nil
}

// AllChunksWithAnalysis returns every chunk across all sessions, ordered by
// created_at ascending across sessions and chunk_index ascending within a
// session (spec.md §4.6).
func (r *Registry) AllChunksWithAnalysis(ctx context.Context) ([]models.ChunkWithAnalysis, error) {
	var rows []joinedRow
	err := r.store.DB().SelectContext(ctx, &rows, joinedSelect+` ORDER BY c.created_at ASC, c.chunk_index ASC`)
	if err != nil {
		return nil, apperr.Backend(err, "listing all chunks")
	}
	out := make([]models.ChunkWithAnalysis, 0, len(rows))
	for _, jr := range rows {
		out = append(out, jr.toModel())
	}
	return out, nil
}

// EndSession marks a session ended, idempotently: a session already ended
// is left untouched rather than erroring, since finalization can be
// triggered from more than one path (explicit stop racing disconnect).
func (r *Registry) EndSession(ctx context.Context, sessionID string, totalDurationMs int64) error {
	sess, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return apperr.NotFound("stream session %s not found", sessionID)
	}
	if sess.Status == models.StreamSessionEnded {
		return nil
	}

	var chunkCount int
	if err := r.store.DB().GetContext(ctx, &chunkCount, `SELECT COUNT(*) FROM stream_chunks WHERE session_id = ?`, sessionID); err != nil {
		return apperr.Backend(err, "counting chunks for session %s", sessionID)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = r.store.DB().ExecContext(ctx, `
		UPDATE stream_sessions SET status = ?, ended_at = ?, chunk_count = ?, total_duration_ms = ?
		WHERE id = ?`,
		models.StreamSessionEnded, now, chunkCount, totalDurationMs, sessionID)
	if err != nil {
		return apperr.Backend(err, "ending stream session %s", sessionID)
	}
	return nil
}
