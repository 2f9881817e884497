package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deploydeck/deploydeck/internal/domain"
	"github.com/deploydeck/deploydeck/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.DeploymentRepository = (*Repository)(nil)
	_ repository.StepRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
)

const deploymentColumns = `id, project, repository, branch, commit_sha, status, trigger_type, triggered_by, metadata, log_ref, started_at, completed_at, duration_seconds, updated_at`

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	const query = `INSERT INTO deployments (id, project, repository, branch, commit_sha, status, trigger_type, triggered_by, metadata, log_ref, started_at, completed_at, duration_seconds, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())`
	_, err := r.pool.Exec(ctx, query,
		deployment.ID,
		deployment.Project,
		deployment.Repository,
		deployment.Branch,
		deployment.CommitSHA,
		string(deployment.Status),
		emptyToNil(deployment.TriggerType),
		emptyToNil(deployment.TriggeredBy),
		bytesToNil(deployment.Metadata),
		emptyToNil(deployment.LogRef),
		deployment.StartedAt,
		timePtrToNil(deployment.CompletedAt),
		floatPtrToNil(deployment.DurationSeconds),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return repository.ErrAlreadyExists
			case "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetDeploymentByKey fetches the deployment identified by
// (project, repository, branch, commit).
func (r *Repository) GetDeploymentByKey(ctx context.Context, project, repo, branch, commitSHA string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project = $1 AND repository = $2 AND branch = $3 AND commit_sha = $4`
	row := r.pool.QueryRow(ctx, query, project, repo, branch, commitSHA)
	return scanDeployment(row)
}

// GetDeploymentByID fetches a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	return scanDeployment(row)
}

// UpdateDeploymentStatus updates deployment status fields. Unset fields
// keep their stored values.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments
		SET status = COALESCE($2, status),
			metadata = COALESCE($3, metadata),
			log_ref = COALESCE($4, log_ref),
			completed_at = COALESCE($5, completed_at),
			duration_seconds = COALESCE($6, duration_seconds),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID,
		emptyToNil(string(update.Status)),
		bytesToNil(update.Metadata),
		emptyToNil(update.LogRef),
		timePtrToNil(update.CompletedAt),
		floatPtrToNil(update.DurationSeconds),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListDeploymentsByProject fetches recent deployments for a project.
func (r *Repository) ListDeploymentsByProject(ctx context.Context, project string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `SELECT ` + deploymentColumns + ` FROM deployments
		WHERE project = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, project, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deployments := make([]domain.Deployment, 0)
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		status      string
		triggerType sql.NullString
		triggeredBy sql.NullString
		metadata    []byte
		logRef      sql.NullString
		completedAt sql.NullTime
		duration    sql.NullFloat64
	)
	if err := row.Scan(
		&d.ID,
		&d.Project,
		&d.Repository,
		&d.Branch,
		&d.CommitSHA,
		&status,
		&triggerType,
		&triggeredBy,
		&metadata,
		&logRef,
		&d.StartedAt,
		&completedAt,
		&duration,
		&d.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Status = domain.DeploymentStatus(status)
	if triggerType.Valid {
		d.TriggerType = triggerType.String
	}
	if triggeredBy.Valid {
		d.TriggeredBy = triggeredBy.String
	}
	if len(metadata) > 0 {
		d.Metadata = append([]byte(nil), metadata...)
	}
	if logRef.Valid {
		d.LogRef = logRef.String
	}
	if completedAt.Valid {
		value := completedAt.Time.UTC()
		d.CompletedAt = &value
	}
	if duration.Valid {
		value := duration.Float64
		d.DurationSeconds = &value
	}
	return &d, nil
}

// UpsertStep inserts or updates a step keyed by (deployment id, name).
// A retry reuses the existing row; RetryCount carries the history. Timing
// columns take the incoming values as-is so a re-run clears stale
// completion data; logs and error text keep their stored values when the
// incoming ones are empty.
func (r *Repository) UpsertStep(ctx context.Context, step *domain.DeploymentStep) error {
	const query = `INSERT INTO deployment_steps (deployment_id, name, position, status, started_at, completed_at, duration_seconds, logs, error_message, retry_count, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (deployment_id, name) DO UPDATE SET
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			duration_seconds = EXCLUDED.duration_seconds,
			logs = COALESCE(NULLIF(EXCLUDED.logs, ''), deployment_steps.logs),
			error_message = COALESCE(NULLIF(EXCLUDED.error_message, ''), deployment_steps.error_message),
			retry_count = EXCLUDED.retry_count,
			updated_at = NOW()
		RETURNING id`
	err := r.pool.QueryRow(ctx, query,
		step.DeploymentID,
		step.Name,
		step.Position,
		string(step.Status),
		step.StartedAt,
		timePtrToNil(step.CompletedAt),
		floatPtrToNil(step.DurationSeconds),
		step.Logs,
		step.ErrorMessage,
		step.RetryCount,
	).Scan(&step.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23503":
				return repository.ErrNotFound
			case "23505", "23514", "22P02":
				return repository.ErrInvalidArgument
			}
		}
		return err
	}
	return nil
}

// GetStep fetches a step by deployment and name.
func (r *Repository) GetStep(ctx context.Context, deploymentID, name string) (*domain.DeploymentStep, error) {
	const query = `SELECT id, deployment_id, name, position, status, started_at, completed_at, duration_seconds, logs, error_message, retry_count, updated_at
		FROM deployment_steps WHERE deployment_id = $1 AND name = $2`
	row := r.pool.QueryRow(ctx, query, deploymentID, name)
	return scanStep(row)
}

// ListSteps returns steps for a deployment ordered by position.
func (r *Repository) ListSteps(ctx context.Context, deploymentID string) ([]domain.DeploymentStep, error) {
	const query = `SELECT id, deployment_id, name, position, status, started_at, completed_at, duration_seconds, logs, error_message, retry_count, updated_at
		FROM deployment_steps WHERE deployment_id = $1 ORDER BY position ASC`
	rows, err := r.pool.Query(ctx, query, deploymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]domain.DeploymentStep, 0)
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *s)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (*domain.DeploymentStep, error) {
	var (
		s           domain.DeploymentStep
		status      string
		completedAt sql.NullTime
		duration    sql.NullFloat64
		logs        sql.NullString
		errMsg      sql.NullString
	)
	if err := row.Scan(
		&s.ID,
		&s.DeploymentID,
		&s.Name,
		&s.Position,
		&status,
		&s.StartedAt,
		&completedAt,
		&duration,
		&logs,
		&errMsg,
		&s.RetryCount,
		&s.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	s.Status = domain.StepStatus(status)
	if completedAt.Valid {
		value := completedAt.Time.UTC()
		s.CompletedAt = &value
	}
	if duration.Valid {
		value := duration.Float64
		s.DurationSeconds = &value
	}
	if logs.Valid {
		s.Logs = logs.String
	}
	if errMsg.Valid {
		s.ErrorMessage = errMsg.String
	}
	return &s, nil
}

// EnsureProject inserts a project row if it does not exist yet.
func (r *Repository) EnsureProject(ctx context.Context, name, repo, deployType string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("project name required")
	}
	if deployType == "" {
		deployType = domain.DeployTypeBackend
	}
	const query = `INSERT INTO projects (name, repository, deploy_type, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (name) DO NOTHING`
	_, err := r.pool.Exec(ctx, query, name, repo, deployType)
	return err
}

// GetProjectByName fetches project details.
func (r *Repository) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	const query = `SELECT name, repository, deploy_type, work_dir, container_id, running, memory_usage_mb, disk_usage_mb, cpu_percent, uptime_seconds, last_checked_at, total_deployments, successful_deployments, failed_deployments, avg_duration_seconds, port, created_at, updated_at
		FROM projects WHERE name = $1`
	row := r.pool.QueryRow(ctx, query, name)
	return scanProject(row)
}

// ListActiveProjects returns every tracked project; the scheduler probes
// all of them each tick so stopped ones still get fresh status.
func (r *Repository) ListActiveProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT name, repository, deploy_type, work_dir, container_id, running, memory_usage_mb, disk_usage_mb, cpu_percent, uptime_seconds, last_checked_at, total_deployments, successful_deployments, failed_deployments, avg_duration_seconds, port, created_at, updated_at
		FROM projects ORDER BY name ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

func scanProject(row rowScanner) (*domain.Project, error) {
	var (
		p           domain.Project
		workDir     sql.NullString
		containerID sql.NullString
		memory      sql.NullFloat64
		disk        sql.NullFloat64
		cpu         sql.NullFloat64
		uptime      sql.NullInt64
		checkedAt   sql.NullTime
		avgDuration sql.NullFloat64
		port        sql.NullInt64
	)
	if err := row.Scan(
		&p.Name,
		&p.Repository,
		&p.DeployType,
		&workDir,
		&containerID,
		&p.Running,
		&memory,
		&disk,
		&cpu,
		&uptime,
		&checkedAt,
		&p.TotalDeployments,
		&p.SuccessfulDeployments,
		&p.FailedDeployments,
		&avgDuration,
		&port,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if workDir.Valid {
		p.WorkDir = workDir.String
	}
	if containerID.Valid {
		p.ContainerID = containerID.String
	}
	if memory.Valid {
		value := memory.Float64
		p.MemoryUsageMB = &value
	}
	if disk.Valid {
		value := disk.Float64
		p.DiskUsageMB = &value
	}
	if cpu.Valid {
		value := cpu.Float64
		p.CPUPercent = &value
	}
	if uptime.Valid {
		value := uptime.Int64
		p.UptimeSeconds = &value
	}
	if checkedAt.Valid {
		value := checkedAt.Time.UTC()
		p.LastCheckedAt = &value
	}
	if avgDuration.Valid {
		value := avgDuration.Float64
		p.AvgDurationSeconds = &value
	}
	if port.Valid {
		value := int(port.Int64)
		p.Port = &value
	}
	return &p, nil
}

// UpdateProjectStatus writes only the live-status columns owned by the
// scheduler. Counter columns are never touched here.
func (r *Repository) UpdateProjectStatus(ctx context.Context, update domain.ProjectStatusUpdate) error {
	const query = `UPDATE projects
		SET running = $2,
			memory_usage_mb = $3,
			disk_usage_mb = $4,
			cpu_percent = $5,
			uptime_seconds = $6,
			last_checked_at = $7,
			updated_at = NOW()
		WHERE name = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.Name,
		update.Running,
		floatPtrToNil(update.MemoryUsageMB),
		floatPtrToNil(update.DiskUsageMB),
		floatPtrToNil(update.CPUPercent),
		int64PtrToNil(update.UptimeSeconds),
		update.CheckedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProjectStats writes only the aggregate-counter columns owned by
// the ingestion path.
func (r *Repository) UpdateProjectStats(ctx context.Context, name string, stats domain.ProjectStats) error {
	const query = `UPDATE projects
		SET total_deployments = $2,
			successful_deployments = $3,
			failed_deployments = $4,
			avg_duration_seconds = $5,
			updated_at = NOW()
		WHERE name = $1`
	tag, err := r.pool.Exec(ctx, query,
		name,
		stats.TotalDeployments,
		stats.SuccessfulDeployments,
		stats.FailedDeployments,
		floatPtrToNil(stats.AvgDurationSeconds),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ProjectDeploymentStats recomputes aggregate counters by scanning the
// full deployment set for the project. O(n) per call; fine at this scale.
func (r *Repository) ProjectDeploymentStats(ctx context.Context, name string) (domain.ProjectStats, error) {
	const query = `SELECT
			COUNT(1),
			COUNT(1) FILTER (WHERE status = 'success'),
			COUNT(1) FILTER (WHERE status IN ('failed', 'cancelled')),
			AVG(duration_seconds) FILTER (WHERE duration_seconds IS NOT NULL)
		FROM deployments WHERE project = $1`
	row := r.pool.QueryRow(ctx, query, name)
	var (
		stats domain.ProjectStats
		avg   sql.NullFloat64
	)
	if err := row.Scan(&stats.TotalDeployments, &stats.SuccessfulDeployments, &stats.FailedDeployments, &avg); err != nil {
		return domain.ProjectStats{}, err
	}
	if avg.Valid {
		value := avg.Float64
		stats.AvgDurationSeconds = &value
	}
	return stats, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func floatPtrToNil(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64PtrToNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func timePtrToNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func bytesToNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
