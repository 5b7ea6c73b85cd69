package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/scribeframe/engine/pkg/models"
	"github.com/scribeframe/engine/pkg/submissions"
)

// createSubmissionHandler handles POST /api/v1/submissions. It accepts a
// path/mime/size already staged on disk rather than a multipart body: real
// file upload handling is out of scope (spec.md §1), and this endpoint
// exists only to exercise the engine end-to-end through SubmissionCreator.
func (s *Server) createSubmissionHandler(c *echo.Context) error {
	var req CreateSubmissionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.OriginalName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "originalName is required")
	}

	sub, err := s.subs.Create(c.Request().Context(), submissions.CreateParams{
		Kind:          models.SubmissionKindUpload,
		OriginalName:  req.OriginalName,
		FilePath:      req.FilePath,
		MimeType:      req.MimeType,
		SizeBytes:     req.SizeBytes,
		Provider:      req.Provider,
		AutoProcess:   req.AutoProcess,
		AutoSummarize: req.AutoSummarize,
		Metadata:      req.Metadata,
	})
	if err != nil {
		return mapError(err)
	}

	return c.JSON(http.StatusCreated, submissionResponse(sub))
}
