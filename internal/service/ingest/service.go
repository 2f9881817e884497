package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/deploydeck/deploydeck/internal/bus"
	"github.com/deploydeck/deploydeck/internal/domain"
	"github.com/deploydeck/deploydeck/internal/repository"
)

// ErrInvalid marks a notification the pipeline rejects before any write.
var ErrInvalid = errors.New("ingest: invalid notification")

// Notification is the inbound webhook payload from a deployment pipeline.
type Notification struct {
	Type        string            `json:"type"`
	Project     string            `json:"project"`
	Repository  string            `json:"repository"`
	Branch      string            `json:"branch"`
	CommitSHA   string            `json:"commit_hash"`
	Status      string            `json:"status"`
	TriggerType string            `json:"trigger_type"`
	TriggeredBy string            `json:"triggered_by"`
	DeployType  string            `json:"deploy_type"`
	StepName    string            `json:"step_name"`
	StepStatus  string            `json:"step_status"`
	Position    int               `json:"position"`
	Logs        string            `json:"logs"`
	ErrorMsg    string            `json:"error"`
	LogRef      string            `json:"log_ref"`
	Metrics     json.RawMessage   `json:"metrics"`
	Metadata    json.RawMessage   `json:"metadata"`
	Timestamp   *time.Time        `json:"timestamp"`
	Labels      map[string]string `json:"labels"`
}

// Notification types the pipeline emits.
const (
	TypeDeploymentStarted   = "deployment_started"
	TypeDeploymentCompleted = "deployment_completed"
	TypeStepStarted         = "step_started"
	TypeStepCompleted       = "step_completed"
	TypeLogEntry            = "log_entry"
	TypeMetricsUpdate       = "metrics_update"
)

// Service applies webhook notifications to the deployment store and
// publishes an event per observed mutation.
type Service struct {
	deployments repository.DeploymentRepository
	steps       repository.StepRepository
	projects    repository.ProjectRepository
	publisher   bus.Publisher
	logger      *slog.Logger

	now   func() time.Time
	newID func() string
}

type serviceOption func(*Service)

// WithClock overrides the service clock, for tests.
func WithClock(now func() time.Time) serviceOption {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides deployment id generation, for tests.
func WithIDGenerator(newID func() string) serviceOption {
	return func(s *Service) { s.newID = newID }
}

// NewService wires the ingestion pipeline.
func NewService(
	deployments repository.DeploymentRepository,
	steps repository.StepRepository,
	projects repository.ProjectRepository,
	publisher bus.Publisher,
	logger *slog.Logger,
	opts ...serviceOption,
) *Service {
	if logger != nil {
		logger = logger.With("component", "ingest")
	}
	s := &Service{
		deployments: deployments,
		steps:       steps,
		projects:    projects,
		publisher:   publisher,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Process validates and applies one notification. Validation failures
// return ErrInvalid; store failures propagate so the transport can
// signal the sender to retry.
func (s *Service) Process(ctx context.Context, n Notification) error {
	if err := s.validate(n); err != nil {
		return err
	}
	switch n.Type {
	case TypeLogEntry:
		return s.processLogEntry(ctx, n)
	case TypeMetricsUpdate:
		return s.processMetricsUpdate(ctx, n)
	case TypeStepStarted, TypeStepCompleted:
		return s.processStep(ctx, n)
	default:
		return s.processDeployment(ctx, n)
	}
}

func (s *Service) validate(n Notification) error {
	if n.Project == "" {
		return fmt.Errorf("%w: project is required", ErrInvalid)
	}
	switch n.Type {
	case TypeLogEntry, TypeMetricsUpdate:
		return nil
	case TypeStepStarted, TypeStepCompleted:
		if n.StepName == "" {
			return fmt.Errorf("%w: step_name is required", ErrInvalid)
		}
		if n.StepStatus != "" && !domain.StepStatus(n.StepStatus).Valid() {
			return fmt.Errorf("%w: unknown step status %q", ErrInvalid, n.StepStatus)
		}
	default:
		if n.Status == "" {
			return fmt.Errorf("%w: status is required", ErrInvalid)
		}
		if !domain.DeploymentStatus(n.Status).Valid() {
			return fmt.Errorf("%w: unknown deployment status %q", ErrInvalid, n.Status)
		}
	}
	if n.Repository == "" || n.Branch == "" || n.CommitSHA == "" {
		return fmt.Errorf("%w: repository, branch and commit_hash are required", ErrInvalid)
	}
	return nil
}

// processDeployment upserts the deployment identified by the notification
// key and applies the status transition. Terminal statuses are sticky.
func (s *Service) processDeployment(ctx context.Context, n Notification) error {
	dep, created, err := s.resolveDeployment(ctx, n)
	if err != nil {
		return err
	}

	status := domain.DeploymentStatus(n.Status)

	if !created {
		if dep.Status.Terminal() {
			if s.logger != nil {
				s.logger.Info("ignoring update for terminal deployment",
					"deployment_id", dep.ID, "current", dep.Status, "incoming", status)
			}
			return nil
		}
		update := domain.DeploymentStatusUpdate{
			DeploymentID: dep.ID,
			Status:       status,
			Metadata:     n.Metadata,
			LogRef:       n.LogRef,
		}
		if status.Terminal() {
			completedAt := s.eventTime(n)
			update.CompletedAt = &completedAt
			duration := completedAt.Sub(dep.StartedAt).Seconds()
			if duration < 0 {
				duration = 0
			}
			update.DurationSeconds = &duration
		}
		if err := s.deployments.UpdateDeploymentStatus(ctx, update); err != nil {
			return err
		}
		dep.Status = status
		dep.CompletedAt = update.CompletedAt
		dep.DurationSeconds = update.DurationSeconds
	}

	if err := s.refreshProjectStats(ctx, n.Project); err != nil {
		return err
	}
	s.publishDeploymentEvent(ctx, dep)
	return nil
}

// resolveDeployment finds the deployment addressed by the notification's
// (project, repository, branch, commit) key, creating it when absent.
func (s *Service) resolveDeployment(ctx context.Context, n Notification) (*domain.Deployment, bool, error) {
	dep, err := s.deployments.GetDeploymentByKey(ctx, n.Project, n.Repository, n.Branch, n.CommitSHA)
	if err == nil {
		return dep, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, err
	}

	if err := s.projects.EnsureProject(ctx, n.Project, n.Repository, n.DeployType); err != nil {
		return nil, false, err
	}

	// Step notifications may arrive before any status-bearing one; the
	// deployment then starts out pending.
	status := domain.DeploymentStatus(n.Status)
	if status == "" {
		status = domain.StatusPending
	}
	dep = &domain.Deployment{
		ID:          s.newID(),
		Project:     n.Project,
		Repository:  n.Repository,
		Branch:      n.Branch,
		CommitSHA:   n.CommitSHA,
		Status:      status,
		TriggerType: n.TriggerType,
		TriggeredBy: n.TriggeredBy,
		Metadata:    n.Metadata,
		LogRef:      n.LogRef,
		StartedAt:   s.eventTime(n),
	}
	if status.Terminal() {
		// A terminal notification for an unseen deployment still records
		// the run; it just has no observable span.
		completedAt := dep.StartedAt
		duration := 0.0
		dep.CompletedAt = &completedAt
		dep.DurationSeconds = &duration
	}
	if err := s.deployments.CreateDeployment(ctx, dep); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			// Lost the create race with a concurrent webhook for the same
			// key; converge on the row the winner inserted.
			existing, getErr := s.deployments.GetDeploymentByKey(ctx, n.Project, n.Repository, n.Branch, n.CommitSHA)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	if s.logger != nil {
		s.logger.Info("deployment recorded",
			"deployment_id", dep.ID, "project", dep.Project, "status", dep.Status)
	}
	return dep, true, nil
}

// processStep upserts one step of the notification's deployment. A
// retrying step status increments the step's retry counter.
func (s *Service) processStep(ctx context.Context, n Notification) error {
	dep, _, err := s.resolveDeployment(ctx, n)
	if err != nil {
		return err
	}

	status := domain.StepStatus(n.StepStatus)
	if status == "" {
		if n.Type == TypeStepCompleted {
			status = domain.StepSuccess
		} else {
			status = domain.StepRunning
		}
	}

	step := &domain.DeploymentStep{
		DeploymentID: dep.ID,
		Name:         n.StepName,
		Position:     n.Position,
		Status:       status,
		StartedAt:    s.eventTime(n),
		Logs:         n.Logs,
		ErrorMessage: n.ErrorMsg,
	}

	existing, err := s.steps.GetStep(ctx, dep.ID, n.StepName)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	if existing != nil {
		step.StartedAt = existing.StartedAt
		step.RetryCount = existing.RetryCount
		if step.Position == 0 {
			step.Position = existing.Position
		}
		// A non-terminal status after a finished step is a fresh attempt:
		// it opens its own span and carries no completion fields.
		if existing.Status.Terminal() && !status.Terminal() {
			step.StartedAt = s.eventTime(n)
		}
	}
	if status == domain.StepRetrying {
		step.RetryCount++
	}
	if status.Terminal() {
		completedAt := s.eventTime(n)
		duration := completedAt.Sub(step.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}
		step.CompletedAt = &completedAt
		step.DurationSeconds = &duration
	}

	if err := s.steps.UpsertStep(ctx, step); err != nil {
		return err
	}
	s.publishStepEvent(ctx, dep, step)
	return nil
}

// processLogEntry relays a pipeline log line without touching the store.
func (s *Service) processLogEntry(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(map[string]any{
		"project":     n.Project,
		"commit_hash": n.CommitSHA,
		"step_name":   n.StepName,
		"logs":        n.Logs,
		"timestamp":   s.eventTime(n),
	})
	if err != nil {
		return err
	}
	s.publish(ctx, domain.TopicDeploymentEvents, domain.Event{
		ID:         s.newID(),
		Kind:       domain.KindDeployment,
		Type:       domain.EventLogEntry,
		Project:    n.Project,
		Payload:    payload,
		OccurredAt: s.eventTime(n),
	})
	return nil
}

// processMetricsUpdate relays pipeline-reported metrics as a system event.
func (s *Service) processMetricsUpdate(ctx context.Context, n Notification) error {
	s.publish(ctx, domain.TopicSystemEvents, domain.Event{
		ID:         s.newID(),
		Kind:       domain.KindSystem,
		Type:       domain.EventMetricsUpdate,
		Project:    n.Project,
		Payload:    n.Metrics,
		OccurredAt: s.eventTime(n),
	})
	return nil
}

// refreshProjectStats recomputes the project's aggregates from the full
// deployment history and persists them.
func (s *Service) refreshProjectStats(ctx context.Context, project string) error {
	stats, err := s.projects.ProjectDeploymentStats(ctx, project)
	if err != nil {
		return err
	}
	return s.projects.UpdateProjectStats(ctx, project, stats)
}

func (s *Service) publishDeploymentEvent(ctx context.Context, dep *domain.Deployment) {
	payload, err := json.Marshal(dep)
	if err != nil {
		return
	}
	s.publish(ctx, domain.TopicDeploymentEvents, domain.Event{
		ID:           s.newID(),
		Kind:         domain.KindDeployment,
		Type:         domain.EventDeployment,
		Project:      dep.Project,
		DeploymentID: dep.ID,
		Payload:      payload,
		OccurredAt:   s.now().UTC(),
	})
}

func (s *Service) publishStepEvent(ctx context.Context, dep *domain.Deployment, step *domain.DeploymentStep) {
	payload, err := json.Marshal(step)
	if err != nil {
		return
	}
	s.publish(ctx, domain.TopicDeploymentEvents, domain.Event{
		ID:           s.newID(),
		Kind:         domain.KindDeployment,
		Type:         domain.EventDeploymentStep,
		Project:      dep.Project,
		DeploymentID: dep.ID,
		Payload:      payload,
		OccurredAt:   s.now().UTC(),
	})
}

// publish is best-effort: a broker outage must never fail a request whose
// durable write already succeeded.
func (s *Service) publish(ctx context.Context, topic string, event domain.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, topic, event); err != nil && s.logger != nil {
		s.logger.Warn("event publish failed", "topic", topic, "type", event.Type, "error", err)
	}
}

func (s *Service) eventTime(n Notification) time.Time {
	if n.Timestamp != nil {
		return n.Timestamp.UTC()
	}
	return s.now().UTC()
}
