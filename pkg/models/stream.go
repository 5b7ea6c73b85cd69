package models

import "time"

// StreamSessionStatus is the finite status set of a StreamSession.
type StreamSessionStatus string

const (
	StreamSessionActive StreamSessionStatus = "active"
	StreamSessionEnded  StreamSessionStatus = "ended"
)

// StreamSession is one live broadcast, 1:1 with a streaming Submission.
type StreamSession struct {
	ID               string
	SubmissionID     string
	Title            string
	StartedAt        time.Time
	EndedAt          *time.Time
	TotalDurationMs  int64
	ChunkCount       int
	Status           StreamSessionStatus
}

// StreamChunk is one finalized utterance within a StreamSession.
type StreamChunk struct {
	ID            int64
	SessionID     string
	ChunkIndex    int
	Speaker       *int
	Transcript    string
	Confidence    *float64
	StartTimeMs   int64
	EndTimeMs     int64
	WordCount     int
	AnalysisJobID *int64
	CreatedAt     time.Time
}

// ChunkWithAnalysis pairs a chunk with its (possibly absent) analysis job,
// as returned by the ChunkRegistry's joined replay queries.
type ChunkWithAnalysis struct {
	Chunk        StreamChunk
	AnalysisJob  *Job
}
