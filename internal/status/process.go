package status

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/domain"
)

// runner executes a command and returns trimmed stdout. Indirected so
// tests can script command output.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return strings.TrimSpace(string(out)), err
}

// ProcessProber observes host processes listening on a project's port:
// liveness via lsof, memory/cpu/uptime via ps, disk via du on the work
// directory. Each metric is independent; one failed command leaves only
// its own field unset.
type ProcessProber struct {
	run    runner
	logger *slog.Logger
}

// NewProcessProber builds a prober shelling out to host tools.
func NewProcessProber(logger *slog.Logger) *ProcessProber {
	if logger != nil {
		logger = logger.With("component", "status.process")
	}
	return &ProcessProber{run: execRunner, logger: logger}
}

func (p *ProcessProber) Name() string { return "process" }

func (p *ProcessProber) Probe(ctx context.Context, project domain.Project, snap *Snapshot) {
	if project.Port != nil {
		pid, err := p.listeningPID(ctx, *project.Port)
		if err == nil && pid > 0 {
			snap.Running = true
			p.processMetrics(ctx, pid, snap)
		}
	}
	if project.WorkDir != "" {
		if mb, err := p.diskUsageMB(ctx, project.WorkDir); err == nil {
			snap.DiskUsageMB = &mb
		} else if p.logger != nil {
			p.logger.Debug("disk probe failed", "project", project.Name, "error", err)
		}
	}
}

func (p *ProcessProber) listeningPID(ctx context.Context, port int) (int, error) {
	out, err := p.run(ctx, "lsof", "-t", "-i", fmt.Sprintf(":%d", port), "-sTCP:LISTEN")
	if err != nil || out == "" {
		return 0, err
	}
	// lsof prints one pid per line when several processes share the socket.
	first := strings.Fields(out)[0]
	return strconv.Atoi(first)
}

func (p *ProcessProber) processMetrics(ctx context.Context, pid int, snap *Snapshot) {
	out, err := p.run(ctx, "ps", "-o", "rss=,%cpu=,etimes=", "-p", strconv.Itoa(pid))
	if err != nil {
		if p.logger != nil {
			p.logger.Debug("ps probe failed", "pid", pid, "error", err)
		}
		return
	}
	fields := strings.Fields(out)
	if len(fields) != 3 {
		return
	}
	if rssKB, err := strconv.ParseFloat(fields[0], 64); err == nil {
		mb := rssKB / 1024
		snap.MemoryUsageMB = &mb
	}
	if cpu, err := strconv.ParseFloat(fields[1], 64); err == nil {
		snap.CPUPercent = &cpu
	}
	if uptime, err := strconv.ParseInt(fields[2], 10, 64); err == nil {
		snap.UptimeSeconds = &uptime
	}
}

func (p *ProcessProber) diskUsageMB(ctx context.Context, dir string) (float64, error) {
	out, err := p.run(ctx, "du", "-sm", dir)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected du output %q", out)
	}
	return strconv.ParseFloat(fields[0], 64)
}
