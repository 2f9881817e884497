package status

import (
	"context"
	"encoding/json"
	"time"

	"log/slog"

	"github.com/docker/docker/api/types"

	"github.com/deploydeck/deploydeck/internal/domain"
)

// DockerAPI is the slice of the Docker engine client the prober uses.
type DockerAPI interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (types.ContainerStats, error)
}

// DockerProber observes containerized projects through the engine API.
// Projects without a container id are left for the process prober.
type DockerProber struct {
	api    DockerAPI
	logger *slog.Logger
}

// NewDockerProber builds a prober over an engine client.
func NewDockerProber(api DockerAPI, logger *slog.Logger) *DockerProber {
	if logger != nil {
		logger = logger.With("component", "status.docker")
	}
	return &DockerProber{api: api, logger: logger}
}

func (d *DockerProber) Name() string { return "docker" }

func (d *DockerProber) Probe(ctx context.Context, project domain.Project, snap *Snapshot) {
	if project.ContainerID == "" {
		return
	}
	info, err := d.api.ContainerInspect(ctx, project.ContainerID)
	if err != nil {
		if d.logger != nil {
			d.logger.Debug("container inspect failed", "project", project.Name, "error", err)
		}
		return
	}
	if info.State == nil || !info.State.Running {
		return
	}
	snap.Running = true
	if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		uptime := int64(time.Since(started).Seconds())
		if uptime >= 0 {
			snap.UptimeSeconds = &uptime
		}
	}
	d.stats(ctx, project, snap)
}

func (d *DockerProber) stats(ctx context.Context, project domain.Project, snap *Snapshot) {
	resp, err := d.api.ContainerStatsOneShot(ctx, project.ContainerID)
	if err != nil {
		if d.logger != nil {
			d.logger.Debug("container stats failed", "project", project.Name, "error", err)
		}
		return
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		if d.logger != nil {
			d.logger.Debug("container stats decode failed", "project", project.Name, "error", err)
		}
		return
	}
	if stats.MemoryStats.Usage > 0 {
		mb := float64(stats.MemoryStats.Usage) / (1024 * 1024)
		snap.MemoryUsageMB = &mb
	}
	if cpu, ok := cpuPercent(&stats); ok {
		snap.CPUPercent = &cpu
	}
}

func cpuPercent(stats *types.StatsJSON) (float64, bool) {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0, false
	}
	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100, true
}
