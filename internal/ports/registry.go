package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/domain"
)

const (
	projectKeyPrefix = "port_registry:project:"
	portKeyPrefix    = "port_registry:port:"
	allocatedIndex   = "allocated_ports"
)

// ErrCapacity indicates the configured port range is exhausted.
var ErrCapacity = errors.New("ports: port range exhausted")

// ErrNotFound indicates no registration exists for the lookup key.
var ErrNotFound = errors.New("ports: registration not found")

// KV is the slice of the key-value store the registry needs. Backed by
// Redis in production; tests inject an in-memory implementation.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Registry allocates ports from a bounded range, one active registration
// per project and per port. Entries live under a TTL; released entries are
// retired logically and swept from the active index after a grace period.
type Registry struct {
	kv     KV
	logger *slog.Logger

	min   int
	max   int
	ttl   time.Duration
	grace time.Duration

	now func() time.Time
}

// Config bounds the registry's port range and retention windows.
type Config struct {
	RangeMin     int
	RangeMax     int
	EntryTTL     time.Duration
	ReleaseGrace time.Duration
}

// NewRegistry constructs a port registry over the provided store.
func NewRegistry(kv KV, cfg Config, logger *slog.Logger) (*Registry, error) {
	if kv == nil {
		return nil, errors.New("ports: kv store required")
	}
	if cfg.RangeMin <= 0 || cfg.RangeMax < cfg.RangeMin {
		return nil, fmt.Errorf("ports: invalid range [%d, %d]", cfg.RangeMin, cfg.RangeMax)
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 24 * time.Hour
	}
	if cfg.ReleaseGrace <= 0 {
		cfg.ReleaseGrace = time.Hour
	}
	if logger != nil {
		logger = logger.With("component", "ports")
	}
	return &Registry{
		kv:     kv,
		logger: logger,
		min:    cfg.RangeMin,
		max:    cfg.RangeMax,
		ttl:    cfg.EntryTTL,
		grace:  cfg.ReleaseGrace,
		now:    time.Now,
	}, nil
}

// Allocate returns the project's active registration, creating one when
// absent. Idempotent per project; the port-key write uses set-if-not-exists
// so two racing allocations for distinct projects can never share a port.
func (r *Registry) Allocate(ctx context.Context, projectID, projectName string, preferred int) (*domain.PortRegistration, error) {
	if projectID == "" {
		return nil, errors.New("ports: project id required")
	}
	existing, err := r.GetByProject(ctx, projectID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Status.Active() {
		return existing, nil
	}

	for _, port := range r.candidates(preferred) {
		now := r.now().UTC()
		reg := domain.PortRegistration{
			ProjectID:   projectID,
			ProjectName: projectName,
			Port:        port,
			Status:      domain.PortAllocated,
			AllocatedAt: now,
			LastUsedAt:  now,
		}
		payload, err := json.Marshal(reg)
		if err != nil {
			return nil, err
		}
		won, err := r.kv.SetNX(ctx, portKey(port), string(payload), r.ttl)
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}
		if err := r.kv.Set(ctx, projectKey(projectID), string(payload), r.ttl); err != nil {
			return nil, err
		}
		if err := r.kv.SAdd(ctx, allocatedIndex, strconv.Itoa(port)); err != nil {
			return nil, err
		}
		if err := r.kv.Expire(ctx, allocatedIndex, r.ttl); err != nil && r.logger != nil {
			r.logger.Warn("failed to refresh index ttl", "error", err)
		}
		if r.logger != nil {
			r.logger.Info("port allocated", "project", projectName, "port", port)
		}
		return &reg, nil
	}
	return nil, ErrCapacity
}

func (r *Registry) candidates(preferred int) []int {
	out := make([]int, 0, r.max-r.min+2)
	if preferred >= r.min && preferred <= r.max {
		out = append(out, preferred)
	}
	for p := r.min; p <= r.max; p++ {
		if p == preferred {
			continue
		}
		out = append(out, p)
	}
	return out
}

// MarkInUse transitions the project's registration to in-use.
func (r *Registry) MarkInUse(ctx context.Context, projectID, deploymentID string) (*domain.PortRegistration, error) {
	reg, err := r.GetByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	reg.Status = domain.PortInUse
	reg.LastUsedAt = r.now().UTC()
	if deploymentID != "" {
		reg.DeploymentID = deploymentID
	}
	if err := r.save(ctx, reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Release retires the registration logically. The port stays in the active
// index until CleanupExpired removes it after the grace period.
func (r *Registry) Release(ctx context.Context, projectID string) (*domain.PortRegistration, error) {
	reg, err := r.GetByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	reg.Status = domain.PortReleased
	reg.LastUsedAt = r.now().UTC()
	if err := r.save(ctx, reg); err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.Info("port released", "project", reg.ProjectName, "port", reg.Port)
	}
	return reg, nil
}

func (r *Registry) save(ctx context.Context, reg *domain.PortRegistration) error {
	payload, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if err := r.kv.Set(ctx, projectKey(reg.ProjectID), string(payload), r.ttl); err != nil {
		return err
	}
	return r.kv.Set(ctx, portKey(reg.Port), string(payload), r.ttl)
}

// GetByProject loads the registration held by a project.
func (r *Registry) GetByProject(ctx context.Context, projectID string) (*domain.PortRegistration, error) {
	return r.load(ctx, projectKey(projectID))
}

// GetByPort loads the registration occupying a port.
func (r *Registry) GetByPort(ctx context.Context, port int) (*domain.PortRegistration, error) {
	return r.load(ctx, portKey(port))
}

func (r *Registry) load(ctx context.Context, key string) (*domain.PortRegistration, error) {
	raw, ok, err := r.kv.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	var reg domain.PortRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, err
	}
	return &reg, nil
}

// List returns every registration reachable from the active-port index.
func (r *Registry) List(ctx context.Context) ([]domain.PortRegistration, error) {
	ports, err := r.AllocatedPorts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PortRegistration, 0, len(ports))
	for _, port := range ports {
		reg, err := r.GetByPort(ctx, port)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *reg)
	}
	return out, nil
}

// AllocatedPorts returns port numbers present in the active index.
func (r *Registry) AllocatedPorts(ctx context.Context) ([]int, error) {
	members, err := r.kv.SMembers(ctx, allocatedIndex)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(members))
	for _, m := range members {
		port, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, port)
	}
	return out, nil
}

// IsFree reports whether the port currently has no registration entry.
func (r *Registry) IsFree(ctx context.Context, port int) (bool, error) {
	_, err := r.GetByPort(ctx, port)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// CleanupExpired purges released registrations older than the grace
// period from both keys and the active index, making their ports
// assignable again. Returns the number of purged registrations.
func (r *Registry) CleanupExpired(ctx context.Context) (int, error) {
	regs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := r.now().UTC().Add(-r.grace)
	purged := 0
	for _, reg := range regs {
		if reg.Status != domain.PortReleased || reg.LastUsedAt.After(cutoff) {
			continue
		}
		keys := []string{portKey(reg.Port)}
		// The project may have re-allocated since releasing this port; its
		// key then holds the newer registration and must survive the sweep.
		owner, err := r.GetByProject(ctx, reg.ProjectID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return purged, err
		}
		if owner != nil && owner.Port == reg.Port {
			keys = append(keys, projectKey(reg.ProjectID))
		}
		if err := r.kv.Del(ctx, keys...); err != nil {
			return purged, err
		}
		if err := r.kv.SRem(ctx, allocatedIndex, strconv.Itoa(reg.Port)); err != nil {
			return purged, err
		}
		purged++
	}
	if purged > 0 && r.logger != nil {
		r.logger.Info("expired port registrations purged", "count", purged)
	}
	return purged, nil
}

func projectKey(projectID string) string {
	return projectKeyPrefix + projectID
}

func portKey(port int) string {
	return portKeyPrefix + strconv.Itoa(port)
}
