package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/deploydeck/deploydeck/internal/bus"
	"github.com/deploydeck/deploydeck/internal/domain"
	"github.com/deploydeck/deploydeck/internal/status"
)

// projectLister is the slice of the project repository the scheduler uses.
type projectLister interface {
	ListActiveProjects(ctx context.Context) ([]domain.Project, error)
	UpdateProjectStatus(ctx context.Context, update domain.ProjectStatusUpdate) error
}

// collector abstracts the status collector for tests.
type collector interface {
	CollectAll(ctx context.Context, projects []domain.Project) []status.Snapshot
}

// Scheduler sweeps all active projects on a fixed interval, persists the
// observed status and publishes one project:status event per snapshot.
// Failures degrade to a warning; the next tick starts fresh.
type Scheduler struct {
	projects  projectLister
	collector collector
	publisher bus.Publisher
	logger    *slog.Logger

	interval time.Duration
	trigger  chan struct{}
	now      func() time.Time
}

// New builds a scheduler. Intervals below 30s are clamped up so probe
// storms cannot be configured by accident.
func New(projects projectLister, c collector, publisher bus.Publisher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval < 30*time.Second {
		interval = 30 * time.Second
	}
	if logger != nil {
		logger = logger.With("component", "scheduler")
	}
	return &Scheduler{
		projects:  projects,
		collector: c,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
		trigger:   make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick and on every
// TriggerNow request.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	if s.logger != nil {
		s.logger.Info("status scheduler started", "interval", s.interval)
	}
	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Info("status scheduler stopped")
			}
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.trigger:
			s.runOnce(ctx)
		}
	}
}

// TriggerNow requests an immediate sweep. Non-blocking; when a request is
// already pending the call coalesces into it.
func (s *Scheduler) TriggerNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	projects, err := s.projects.ListActiveProjects(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("project listing failed, skipping sweep", "error", err)
		}
		return
	}
	if len(projects) == 0 {
		return
	}

	snaps := s.collector.CollectAll(ctx, projects)
	for _, snap := range snaps {
		update := domain.ProjectStatusUpdate{
			Name:          snap.Project,
			Running:       snap.Running,
			MemoryUsageMB: snap.MemoryUsageMB,
			DiskUsageMB:   snap.DiskUsageMB,
			CPUPercent:    snap.CPUPercent,
			UptimeSeconds: snap.UptimeSeconds,
			CheckedAt:     snap.CheckedAt,
		}
		if err := s.projects.UpdateProjectStatus(ctx, update); err != nil {
			if s.logger != nil {
				s.logger.Warn("project status write failed", "project", snap.Project, "error", err)
			}
			continue
		}
		s.publishSnapshot(ctx, snap)
	}
}

func (s *Scheduler) publishSnapshot(ctx context.Context, snap status.Snapshot) {
	if s.publisher == nil {
		return
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return
	}
	event := domain.Event{
		ID:         uuid.NewString(),
		Kind:       domain.KindProjectStatus,
		Type:       domain.EventProjectStatus,
		Project:    snap.Project,
		Payload:    payload,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, domain.TopicProjectStatus, event); err != nil && s.logger != nil {
		s.logger.Warn("status event publish failed", "project", snap.Project, "error", err)
	}
}
