package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/ndquoc/devrunner/internal/engine/domain"
	"github.com/ndquoc/devrunner/shared/postgresql"
)

// Archiver persists terminal job records to Postgres. The in-memory store is
// the authority while a job is live; the archive is what survives a process
// restart for audit and history pages.
type Archiver struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New creates an Archiver on an established database client.
func New(pg *postgresql.Client, logger *slog.Logger) *Archiver {
	return &Archiver{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// EnsureSchema creates the archive table when it does not exist yet.
func (a *Archiver) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS job_archive (
			job_id        UUID PRIMARY KEY,
			job_type      TEXT NOT NULL,
			target        TEXT NOT NULL,
			status        TEXT NOT NULL,
			progress      INT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			output        TEXT NOT NULL DEFAULT '',
			diff_output   TEXT NOT NULL DEFAULT '',
			created_at    TIMESTAMPTZ NOT NULL,
			started_at    TIMESTAMPTZ,
			completed_at  TIMESTAMPTZ
		)
	`

	if _, err := a.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create job_archive table: %w", err)
	}
	return nil
}

// ArchiveJob inserts one terminal job record. Idempotent on job id, so
// retried finalizations never duplicate rows.
func (a *Archiver) ArchiveJob(ctx context.Context, job *domain.Job) error {
	if !job.Status.IsTerminal() {
		return fmt.Errorf("refusing to archive non-terminal job %s", job.ID)
	}

	query := `
		INSERT INTO job_archive (
			job_id, job_type, target, status, progress,
			error_message, output, diff_output,
			created_at, started_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8,
			$9, $10, $11
		)
		ON CONFLICT (job_id) DO NOTHING
	`

	_, err := a.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Type,
		job.Target,
		string(job.Status),
		job.Progress,
		job.Error,
		strings.Join(job.Output, "\n"),
		strings.Join(job.DiffOutput, "\n"),
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	a.logger.Debug("Job archived",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.Status)),
	)
	return nil
}
