package dto

type CreateJobRequest struct {
	Type   string `json:"type" binding:"required"`
	Target string `json:"target" binding:"required"`
}

type ListJobsRequest struct {
	Active bool `form:"active"`
}

type RespondRequest struct {
	// Pointer so "approved": false still passes required validation.
	Approved *bool `json:"approved" binding:"required"`
}

type JobDTO struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Target      string   `json:"target"`
	Status      string   `json:"status"`
	Progress    int      `json:"progress"`
	Output      []string `json:"output"`
	Error       string   `json:"error,omitempty"`
	CreatedAt   string   `json:"created_at"`
	StartedAt   string   `json:"started_at,omitempty"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

type ListJobsResponse struct {
	Jobs []JobDTO `json:"jobs"`
}

type DiffResponse struct {
	DiffOutput []string `json:"diff_output"`
}
