package models

import "time"

// JobType enumerates the kinds of inference work the Processor dispatches.
type JobType string

const (
	JobTranscribe   JobType = "transcribe"
	JobSummarize    JobType = "summarize"
	JobAnalyzeChunk JobType = "analyze_chunk"
)

// JobStatus is the finite, one-way status set of a Job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// DefaultJobTimeoutSeconds is used whenever a Job's TimeoutSeconds is unset.
const DefaultJobTimeoutSeconds = 300

// Job is a single unit of inference work.
type Job struct {
	ID               int64
	Type             JobType
	Status           JobStatus
	Provider         string
	InputFilePath    string // xor InputText
	InputText        string
	OutputText       string
	ErrorMessage     string
	SubmissionID     string // nullable; empty means unlinked
	Metadata         map[string]any
	CreatedAt        time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ProcessingTimeMs int64
	ModelUsed        string
	Confidence       *float64
	RawResponse      string
	RawResponseType  string
	LastHeartbeat    *time.Time
	HeartbeatCount   int
	ModelVerified    bool
	TimeoutSeconds   int
}

// EffectiveTimeout returns TimeoutSeconds, substituting the default when unset.
func (j *Job) EffectiveTimeout() int {
	if j.TimeoutSeconds <= 0 {
		return DefaultJobTimeoutSeconds
	}
	return j.TimeoutSeconds
}

// QueueStatus summarizes the job queue for dashboards and EventBus frames.
type QueueStatus struct {
	Total            int     `json:"total"`
	Pending          int     `json:"pending"`
	Processing       int     `json:"processing"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	AvgProcessingMs  float64 `json:"avgProcessingMs"`
}
