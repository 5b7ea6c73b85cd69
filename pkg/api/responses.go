package api

import (
	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/store"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status         string              `json:"status"`
	Database       *store.HealthStatus `json:"database,omitempty"`
	ProcessorState string              `json:"processorState,omitempty"`
	StreamLive     bool                `json:"streamLive"`
	ViewerCount    int                 `json:"viewerCount"`
	Queue          *models.QueueStatus `json:"queue,omitempty"`
}

// CreateSubmissionRequest is the request body for POST /api/v1/submissions.
// It declares a path/mime/size already staged on disk — the narrow seam
// spec.md §1 leaves for a real multipart-upload handler (out of scope here).
type CreateSubmissionRequest struct {
	OriginalName  string         `json:"originalName"`
	FilePath      string         `json:"filePath"`
	MimeType      string         `json:"mimeType,omitempty"`
	SizeBytes     int64          `json:"sizeBytes,omitempty"`
	Provider      string         `json:"provider"`
	AutoProcess   bool           `json:"autoProcess"`
	AutoSummarize bool           `json:"autoSummarize"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// SubmissionResponse is returned by POST /api/v1/submissions.
type SubmissionResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	OriginalName string `json:"originalName"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
}

func submissionResponse(s *models.Submission) *SubmissionResponse {
	return &SubmissionResponse{
		ID:           s.ID,
		Kind:         string(s.Kind),
		OriginalName: s.OriginalName,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
}
