package domain

import "time"

// DeployType distinguishes how a project is served.
const (
	DeployTypeStatic  = "static"
	DeployTypeBackend = "backend"
)

// Project describes a managed deployable unit. Live-status fields are
// written by the scheduler, aggregate counters by the ingestion path;
// the two writer classes never touch each other's columns.
type Project struct {
	Name        string
	Repository  string
	DeployType  string
	WorkDir     string
	ContainerID string

	Running        bool
	MemoryUsageMB  *float64
	DiskUsageMB    *float64
	CPUPercent     *float64
	UptimeSeconds  *int64
	LastCheckedAt  *time.Time

	TotalDeployments      int
	SuccessfulDeployments int
	FailedDeployments     int
	AvgDurationSeconds    *float64

	Port *int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProjectStatusUpdate carries live-status fields collected by a probe run.
// Nil metric pointers mean the metric was unavailable, not zero.
type ProjectStatusUpdate struct {
	Name          string
	Running       bool
	MemoryUsageMB *float64
	DiskUsageMB   *float64
	CPUPercent    *float64
	UptimeSeconds *int64
	CheckedAt     time.Time
}

// ProjectStats holds aggregate deployment counters for a project.
type ProjectStats struct {
	TotalDeployments      int
	SuccessfulDeployments int
	FailedDeployments     int
	AvgDurationSeconds    *float64
}
