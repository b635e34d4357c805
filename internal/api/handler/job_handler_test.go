package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ndquoc/devrunner/internal/engine"
	"github.com/ndquoc/devrunner/internal/engine/approval"
	"github.com/ndquoc/devrunner/internal/engine/broadcast"
	"github.com/ndquoc/devrunner/internal/engine/domain"
	"github.com/ndquoc/devrunner/internal/engine/store"
	"github.com/ndquoc/devrunner/internal/engine/supervise"
)

const unknownJobID = "11111111-1111-1111-1111-111111111111"

func newTestServer(t *testing.T) (*gin.Engine, *engine.Controller) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	controller := engine.NewController(engine.Config{
		Store:       store.New(logger),
		Broadcaster: broadcast.New(logger),
		Supervisor:  supervise.New(time.Second, logger),
		Gate:        approval.New(logger),
		Registry: engine.Registry{
			"echo": {
				Name:    "echo",
				Command: []string{"sh", "-c", "echo one; echo two"},
			},
			"deploy": {
				Name:        "deploy",
				Command:     []string{"sh", "-c", "echo applied"},
				DiffCommand: []string{"sh", "-c", "echo '+ resourceX'"},
			},
		},
		ProtectedTargets: []string{"prod"},
		Logger:           logger,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = controller.Shutdown(ctx)
	})

	deps := &Dependencies{Logger: logger, Controller: controller}
	h := NewJobHandler(deps)

	r := gin.New()
	r.GET("/health", NewHealthHandler(deps).Health)
	jobs := r.Group("/api/v1/jobs")
	jobs.POST("", h.CreateJob)
	jobs.GET("", h.ListJobs)
	jobs.POST("/clear", h.ClearJobs)
	jobs.GET("/:job_id", h.GetJob)
	jobs.POST("/:job_id/cancel", h.CancelJob)
	jobs.GET("/:job_id/output", h.StreamOutput)
	jobs.GET("/:job_id/diff", h.GetDiff)
	jobs.POST("/:job_id/respond", h.Respond)

	return r, controller
}

func doJSON(r *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// closeNotifyRecorder adds the CloseNotifier the SSE handler's stream loop
// needs, which httptest.ResponseRecorder does not implement.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *closeNotifyRecorder) CloseNotify() <-chan bool {
	return r.closed
}

func doStream(r *gin.Engine, path string) *closeNotifyRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := &closeNotifyRecorder{
		ResponseRecorder: httptest.NewRecorder(),
		closed:           make(chan bool),
	}
	r.ServeHTTP(w, req)
	return w
}

func createJob(t *testing.T, r *gin.Engine, jobType, target string) string {
	t.Helper()

	w := doJSON(r, http.MethodPost, "/api/v1/jobs",
		fmt.Sprintf(`{"type": %q, "target": %q}`, jobType, target))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Job.ID)
	return resp.Job.ID
}

func waitForStatus(t *testing.T, c *engine.Controller, id string, want domain.Status) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := c.Get(id)
		require.NoError(t, err)
		if job.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
}

func TestHealth(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status  string         `json:"status"`
		Service string         `json:"service"`
		Checks  map[string]any `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "job-runner-service", resp.Service)
	// No optional dependencies wired in this configuration.
	assert.Empty(t, resp.Checks)
}

func TestCreateJob(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodPost, "/api/v1/jobs", `{"type": "echo", "target": "dev"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Job struct {
			ID     string   `json:"id"`
			Type   string   `json:"type"`
			Target string   `json:"target"`
			Status string   `json:"status"`
			Output []string `json:"output"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "echo", resp.Job.Type)
	assert.Equal(t, "dev", resp.Job.Target)
	assert.Equal(t, "pending", resp.Job.Status)
	assert.NotNil(t, resp.Job.Output)
}

func TestCreateJob_Validation(t *testing.T) {
	r, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"missing type", `{"target": "dev"}`, http.StatusBadRequest},
		{"missing target", `{"type": "echo"}`, http.StatusBadRequest},
		{"malformed json", `{"type": `, http.StatusBadRequest},
		{"unknown type", `{"type": "nope", "target": "dev"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(r, http.MethodPost, "/api/v1/jobs", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCreateJob_ProtectedTarget(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodPost, "/api/v1/jobs", `{"type": "deploy", "target": "prod"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestGetJob(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "echo", "dev")
	waitForStatus(t, c, id, domain.StatusCompleted)

	w := doJSON(r, http.MethodGet, "/api/v1/jobs/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Job struct {
			Status      string   `json:"status"`
			Output      []string `json:"output"`
			StartedAt   string   `json:"started_at"`
			CompletedAt string   `json:"completed_at"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Job.Status)
	assert.Equal(t, []string{"one", "two"}, resp.Job.Output)
	assert.NotEmpty(t, resp.Job.StartedAt)
	assert.NotEmpty(t, resp.Job.CompletedAt)
}

func TestGetJob_Errors(t *testing.T) {
	r, _ := newTestServer(t)

	w := doJSON(r, http.MethodGet, "/api/v1/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/jobs/"+unknownJobID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "echo", "dev")
	waitForStatus(t, c, id, domain.StatusCompleted)

	w := doJSON(r, http.MethodGet, "/api/v1/jobs", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Jobs, 1)
	assert.Equal(t, id, resp.Jobs[0].ID)

	// Completed jobs drop out of the active view.
	w = doJSON(r, http.MethodGet, "/api/v1/jobs?active=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Jobs)
}

func TestCancelJob(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "echo", "dev")
	waitForStatus(t, c, id, domain.StatusCompleted)

	// Terminal jobs accept cancel as a no-op.
	w := doJSON(r, http.MethodPost, "/api/v1/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/jobs/"+unknownJobID+"/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClearJobs(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "echo", "dev")
	waitForStatus(t, c, id, domain.StatusCompleted)

	w := doJSON(r, http.MethodPost, "/api/v1/jobs/clear", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/jobs/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestApprovalFlow(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "deploy", "dev")
	waitForStatus(t, c, id, domain.StatusAwaitingApproval)

	w := doJSON(r, http.MethodGet, "/api/v1/jobs/"+id+"/diff", "")
	require.Equal(t, http.StatusOK, w.Code)

	var diff struct {
		DiffOutput []string `json:"diff_output"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &diff))
	assert.Equal(t, []string{"+ resourceX"}, diff.DiffOutput)

	w = doJSON(r, http.MethodPost, "/api/v1/jobs/"+id+"/respond", `{"approved": true}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	waitForStatus(t, c, id, domain.StatusCompleted)
}

func TestRespond_Errors(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "deploy", "dev")
	waitForStatus(t, c, id, domain.StatusAwaitingApproval)

	// approved is required, not defaulted.
	w := doJSON(r, http.MethodPost, "/api/v1/jobs/"+id+"/respond", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// false must pass validation and reject the job.
	w = doJSON(r, http.MethodPost, "/api/v1/jobs/"+id+"/respond", `{"approved": false}`)
	require.Equal(t, http.StatusOK, w.Code)
	waitForStatus(t, c, id, domain.StatusCancelled)

	// The checkpoint is gone once the job settled.
	w = doJSON(r, http.MethodPost, "/api/v1/jobs/"+id+"/respond", `{"approved": true}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetDiff_NotAwaiting(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "echo", "dev")
	waitForStatus(t, c, id, domain.StatusCompleted)

	w := doJSON(r, http.MethodGet, "/api/v1/jobs/"+id+"/diff", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStreamOutput(t *testing.T) {
	r, c := newTestServer(t)

	id := createJob(t, r, "echo", "dev")
	waitForStatus(t, c, id, domain.StatusCompleted)

	w := doStream(r, "/api/v1/jobs/"+id+"/output")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	// Parse the SSE frames: two line events then the done event.
	body := w.Body.String()
	var events []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event:") {
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		}
	}
	assert.Equal(t, []string{"line", "line", "done"}, events)
	assert.Contains(t, body, "one")
}

func TestStreamOutput_UnknownJob(t *testing.T) {
	r, _ := newTestServer(t)

	w := doStream(r, "/api/v1/jobs/"+unknownJobID+"/output")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
