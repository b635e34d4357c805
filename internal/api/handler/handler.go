package handler

import (
	"log/slog"

	"github.com/ndquoc/devrunner/internal/engine"
	"github.com/ndquoc/devrunner/shared/postgresql"
	"github.com/ndquoc/devrunner/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers. DB and Rabbit are
// nil when the archive or event publishing features are disabled.
type Dependencies struct {
	Logger     *slog.Logger
	Controller *engine.Controller
	DB         *postgresql.Client
	Rabbit     *rabbitmq.Client
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	controller *engine.Controller
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		controller: deps.Controller,
	}
}
