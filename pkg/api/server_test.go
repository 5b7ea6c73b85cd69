package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scribeframe/engine/pkg/chunks"
	"github.com/scribeframe/engine/pkg/events"
	"github.com/scribeframe/engine/pkg/jobregistry"
	"github.com/scribeframe/engine/pkg/store"
	"github.com/scribeframe/engine/pkg/stream"
	"github.com/scribeframe/engine/pkg/submissions"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s := store.OpenTest(t)
	jobs := jobregistry.New(s)
	subs := submissions.New(s, jobs)
	chunkReg := chunks.New(s)
	hub := stream.New(stream.Config{
		Submissions: subs,
		Chunks:      chunkReg,
		Jobs:        jobs,
		STT:         stream.NewMockSTTClient(),
		UploadsDir:  t.TempDir(),
		Provider:    "mock",
	})
	bus := events.New(events.Config{Jobs: jobs})

	return NewServer(Config{
		Store:       s,
		Jobs:        jobs,
		Submissions: subs,
		Hub:         hub,
		Bus:         bus,
	}), s
}

func TestHealthHandlerReportsHealthy(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.healthHandler(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.Database)
}

func TestCreateSubmissionHandlerRequiresName(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(CreateSubmissionRequest{FilePath: "/a.wav", Provider: "mock"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	err = srv.createSubmissionHandler(c)
	require.Error(t, err)
	he, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, he.Code)
}

func TestCreateSubmissionHandlerCreatesSubmission(t *testing.T) {
	srv, _ := newTestServer(t)

	body, err := json.Marshal(CreateSubmissionRequest{
		OriginalName: "hello.wav",
		FilePath:     "/data/uploads/hello.wav",
		Provider:     "mock",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/submissions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c := srv.echo.NewContext(req, rec)

	require.NoError(t, srv.createSubmissionHandler(c))
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp SubmissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello.wav", resp.OriginalName)
	assert.Equal(t, "upload", resp.Kind)
	assert.NotEmpty(t, resp.ID)
}

func TestJobEventsEndpointUpgradesAndSendsInitialState(t *testing.T) {
	srv, _ := newTestServer(t)
	server := httptest.NewServer(srv.echo)
	t.Cleanup(server.Close)

	url := "ws" + server.URL[len("http"):] + "/api/v1/jobs/events"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "initial_state", msg["type"])
}

func TestStreamWatchEndpointUpgradesAndSendsStatus(t *testing.T) {
	srv, _ := newTestServer(t)
	server := httptest.NewServer(srv.echo)
	t.Cleanup(server.Close)

	url := "ws" + server.URL[len("http"):] + "/api/v1/stream/watch"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "status", msg["type"])
}

func TestStreamBroadcastEndpointAuthenticatesFromLoopback(t *testing.T) {
	srv, _ := newTestServer(t)
	server := httptest.NewServer(srv.echo)
	t.Cleanup(server.Close)

	url := "ws" + server.URL[len("http"):] + "/api/v1/stream/broadcast"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "auth_success", msg["type"])
}
