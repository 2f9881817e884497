package repository

import (
	"context"

	"github.com/deploydeck/deploydeck/internal/domain"
)

// DeploymentRepository stores deployment history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeploymentByKey(ctx context.Context, project, repository, branch, commitSHA string) (*domain.Deployment, error)
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	ListDeploymentsByProject(ctx context.Context, project string, limit int) ([]domain.Deployment, error)
}

// StepRepository stores deployment steps keyed by (deployment id, name).
type StepRepository interface {
	UpsertStep(ctx context.Context, step *domain.DeploymentStep) error
	GetStep(ctx context.Context, deploymentID, name string) (*domain.DeploymentStep, error)
	ListSteps(ctx context.Context, deploymentID string) ([]domain.DeploymentStep, error)
}

// ProjectRepository persists projects. Live-status and aggregate-counter
// updates are field-scoped so the scheduler and the ingestion path never
// clobber each other's columns.
type ProjectRepository interface {
	EnsureProject(ctx context.Context, name, repository, deployType string) error
	GetProjectByName(ctx context.Context, name string) (*domain.Project, error)
	ListActiveProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, update domain.ProjectStatusUpdate) error
	UpdateProjectStats(ctx context.Context, name string, stats domain.ProjectStats) error
	ProjectDeploymentStats(ctx context.Context, name string) (domain.ProjectStats, error)
}
