// Package models defines the persisted entities of the inference
// orchestration engine: submissions, jobs, stream sessions, and stream
// chunks.
package models

import "time"

// SubmissionStatus is the finite status set of a Submission.
type SubmissionStatus string

const (
	SubmissionPending      SubmissionStatus = "pending"
	SubmissionTranscribing SubmissionStatus = "transcribing"
	SubmissionSummarizing  SubmissionStatus = "summarizing"
	SubmissionStreaming    SubmissionStatus = "streaming"
	SubmissionCompleted    SubmissionStatus = "completed"
	SubmissionFailed       SubmissionStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s SubmissionStatus) IsTerminal() bool {
	return s == SubmissionCompleted || s == SubmissionFailed
}

// SubmissionKind distinguishes an uploaded file from a captured live stream.
// Not named explicitly in the distilled spec, but implied by "stream
// submissions use streaming -> completed|failed"; tracked so registries can
// route finalization without inferring it from status transitions.
type SubmissionKind string

const (
	SubmissionKindUpload SubmissionKind = "upload"
	SubmissionKindStream SubmissionKind = "stream"
)

// Submission represents one audio artifact tracked from upload or capture
// through analysis.
type Submission struct {
	ID           string
	Kind         SubmissionKind
	Filename     string // on-disk filename
	OriginalName string // display name
	FilePath     string
	MimeType     string
	SizeBytes    int64
	DurationSecs float64
	Status       SubmissionStatus
	ErrorMessage string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
