package status

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/domain"
)

// Snapshot is one project's observed runtime state. Metric pointers stay
// nil when a probe fails or does not apply; absence is reported as
// absence, never as zero.
type Snapshot struct {
	Project       string    `json:"project"`
	Running       bool      `json:"running"`
	Port          *int      `json:"port,omitempty"`
	MemoryUsageMB *float64  `json:"memory_usage_mb,omitempty"`
	DiskUsageMB   *float64  `json:"disk_usage_mb,omitempty"`
	CPUPercent    *float64  `json:"cpu_percent,omitempty"`
	UptimeSeconds *int64    `json:"uptime_seconds,omitempty"`
	CheckedAt     time.Time `json:"checked_at"`
}

// Prober inspects one project and fills whatever snapshot fields it can
// observe. Probes must honor ctx and report failure by leaving fields nil.
type Prober interface {
	Name() string
	Probe(ctx context.Context, project domain.Project, snap *Snapshot)
}

// Collector runs every configured prober against a project, each probe
// bounded by its own timeout so one hung check cannot stall the sweep.
type Collector struct {
	probers      []Prober
	probeTimeout time.Duration
	logger       *slog.Logger
}

// NewCollector builds a collector over the given probers.
func NewCollector(probers []Prober, probeTimeout time.Duration, logger *slog.Logger) *Collector {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if logger != nil {
		logger = logger.With("component", "status")
	}
	return &Collector{
		probers:      probers,
		probeTimeout: probeTimeout,
		logger:       logger,
	}
}

// Collect builds a snapshot for one project. Probe failures degrade the
// snapshot rather than failing the collection.
func (c *Collector) Collect(ctx context.Context, project domain.Project) Snapshot {
	snap := Snapshot{
		Project:   project.Name,
		Port:      project.Port,
		CheckedAt: time.Now().UTC(),
	}
	for _, prober := range c.probers {
		probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
		prober.Probe(probeCtx, project, &snap)
		cancel()
		if probeCtx.Err() != nil && c.logger != nil {
			c.logger.Warn("probe timed out", "probe", prober.Name(), "project", project.Name)
		}
	}
	return snap
}

// CollectAll probes every project concurrently and returns snapshots in
// input order.
func (c *Collector) CollectAll(ctx context.Context, projects []domain.Project) []Snapshot {
	snaps := make([]Snapshot, len(projects))
	var wg sync.WaitGroup
	for i, project := range projects {
		wg.Add(1)
		go func(i int, project domain.Project) {
			defer wg.Done()
			snaps[i] = c.Collect(ctx, project)
		}(i, project)
	}
	wg.Wait()
	return snaps
}
