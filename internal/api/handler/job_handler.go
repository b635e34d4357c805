package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/ndquoc/devrunner/internal/api/dto"
	"github.com/ndquoc/devrunner/internal/engine/domain"
)

// CreateJob handles POST /api/v1/jobs
// Creates a job and starts its backing process
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, err := h.controller.Create(req.Type, req.Target)
	if err != nil {
		h.logger.Error("Failed to create job",
			slog.String("job_type", req.Type),
			slog.String("target", req.Target),
			slog.String("error", err.Error()),
		)
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"job": toJobDTO(job),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.controller.Get(jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job": toJobDTO(job),
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists all jobs, optionally filtered to non-terminal ones via ?active=true
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	jobs := h.controller.List(req.Active)

	resp := dto.ListJobsResponse{Jobs: make([]dto.JobDTO, len(jobs))}
	for i, job := range jobs {
		resp.Jobs[i] = toJobDTO(job)
	}

	c.JSON(http.StatusOK, resp)
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cancellation of the job's whole process tree
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	h.logger.Info("CancelJob called",
		slog.String("job_id", jobID),
	)

	if err := h.controller.Cancel(jobID); err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// ClearJobs handles POST /api/v1/jobs/clear
// Force-terminates every non-terminal job and removes all records
func (h *JobHandler) ClearJobs(c *gin.Context) {
	h.logger.Info("ClearJobs called")

	if err := h.controller.Clear(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to clear jobs",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{})
}

// GetDiff handles GET /api/v1/jobs/:job_id/diff
// Returns the captured diff snapshot; valid only while awaiting approval
func (h *JobHandler) GetDiff(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.controller.Get(jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if job.Status != domain.StatusAwaitingApproval {
		c.JSON(http.StatusConflict, gin.H{
			"error": "job is not awaiting approval",
		})
		return
	}

	c.JSON(http.StatusOK, dto.DiffResponse{DiffOutput: job.DiffOutput})
}

// Respond handles POST /api/v1/jobs/:job_id/respond
// Settles the job's approval checkpoint exactly once
func (h *JobHandler) Respond(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req dto.RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	h.logger.Info("Respond called",
		slog.String("job_id", jobID),
		slog.Bool("approved", *req.Approved),
	)

	if err := h.controller.Respond(jobID, *req.Approved); err != nil {
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// StreamOutput handles GET /api/v1/jobs/:job_id/output
// Streams the job's output as server-sent events: full history replay, then
// live lines, then a single done event carrying the final status
func (h *JobHandler) StreamOutput(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	events, err := h.controller.Subscribe(c.Request.Context(), jobID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		if event.Done {
			c.SSEvent("done", gin.H{"status": string(event.Status)})
			return false
		}
		c.SSEvent("line", gin.H{"line": event.Line})
		return true
	})
}

// jobID validates the :job_id path parameter.
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// renderError maps engine errors onto the HTTP surface: unknown ids are 404,
// control-plane misuse is 409, policy refusals are 403.
func (h *JobHandler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrTargetProtected):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUnknownJobType):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrNotAwaitingApproval),
		errors.Is(err, domain.ErrAlreadyResponded),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTooManyActiveJobs):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		ID:        job.ID,
		Type:      job.Type,
		Target:    job.Target,
		Status:    string(job.Status),
		Progress:  job.Progress,
		Output:    job.Output,
		Error:     job.Error,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}
	if d.Output == nil {
		d.Output = []string{}
	}
	if job.StartedAt != nil {
		d.StartedAt = job.StartedAt.Format(time.RFC3339)
	}
	if job.CompletedAt != nil {
		d.CompletedAt = job.CompletedAt.Format(time.RFC3339)
	}
	return d
}
