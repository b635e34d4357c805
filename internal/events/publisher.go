package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ndquoc/devrunner/internal/engine/domain"
	"github.com/ndquoc/devrunner/shared/rabbitmq"
)

// JobEvent is the lifecycle notification published for every job status
// transition, so chat bots and dashboards outside the engine can react
// without polling.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Target     string    `json:"target"`
	Status     string    `json:"status"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher forwards job transitions to a RabbitMQ exchange. Publishing is
// best effort: a broker outage is logged and never affects the job itself.
type Publisher struct {
	rabbit  *rabbitmq.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher creates a Publisher on an established RabbitMQ client.
func NewPublisher(rabbit *rabbitmq.Client, timeout time.Duration, logger *slog.Logger) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		rabbit:  rabbit,
		timeout: timeout,
		logger:  logger,
	}
}

// JobTransitioned publishes one lifecycle event for the job's current state.
func (p *Publisher) JobTransitioned(job *domain.Job) {
	event := JobEvent{
		JobID:      job.ID,
		JobType:    job.Type,
		Target:     job.Target,
		Status:     string(job.Status),
		Progress:   job.Progress,
		Error:      job.Error,
		OccurredAt: time.Now(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal job event",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.rabbit.PublishWithRetry(ctx, body, "application/json"); err != nil {
		p.logger.Warn("Failed to publish job event",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.Status)),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.Debug("Job event published",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
}
