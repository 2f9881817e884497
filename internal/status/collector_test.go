package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"log/slog"

	"github.com/deploydeck/deploydeck/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func intPtr(v int) *int { return &v }

// scriptedRunner maps the command name to canned output.
type scriptedRunner map[string]struct {
	out string
	err error
}

func (s scriptedRunner) run(_ context.Context, name string, _ ...string) (string, error) {
	entry, ok := s[name]
	if !ok {
		return "", fmt.Errorf("unscripted command %q", name)
	}
	return entry.out, entry.err
}

func TestProcessProberHealthyProject(t *testing.T) {
	script := scriptedRunner{
		"lsof": {out: "4242"},
		"ps":   {out: "204800  3.5  7200"},
		"du":   {out: "128\t/srv/apps/blog"},
	}
	prober := NewProcessProber(discardLogger())
	prober.run = script.run

	snap := Snapshot{Project: "blog"}
	prober.Probe(context.Background(), domain.Project{
		Name:    "blog",
		Port:    intPtr(3001),
		WorkDir: "/srv/apps/blog",
	}, &snap)

	if !snap.Running {
		t.Fatal("expected running project")
	}
	if snap.MemoryUsageMB == nil || *snap.MemoryUsageMB != 200 {
		t.Fatalf("expected 200 MB memory, got %v", snap.MemoryUsageMB)
	}
	if snap.CPUPercent == nil || *snap.CPUPercent != 3.5 {
		t.Fatalf("expected 3.5%% cpu, got %v", snap.CPUPercent)
	}
	if snap.UptimeSeconds == nil || *snap.UptimeSeconds != 7200 {
		t.Fatalf("expected 7200s uptime, got %v", snap.UptimeSeconds)
	}
	if snap.DiskUsageMB == nil || *snap.DiskUsageMB != 128 {
		t.Fatalf("expected 128 MB disk, got %v", snap.DiskUsageMB)
	}
}

func TestProcessProberStoppedProject(t *testing.T) {
	script := scriptedRunner{
		"lsof": {err: errors.New("exit status 1")},
		"du":   {out: "64\t/srv/apps/blog"},
	}
	prober := NewProcessProber(discardLogger())
	prober.run = script.run

	snap := Snapshot{Project: "blog"}
	prober.Probe(context.Background(), domain.Project{
		Name:    "blog",
		Port:    intPtr(3001),
		WorkDir: "/srv/apps/blog",
	}, &snap)

	if snap.Running {
		t.Fatal("expected stopped project")
	}
	if snap.MemoryUsageMB != nil || snap.CPUPercent != nil || snap.UptimeSeconds != nil {
		t.Fatal("expected nil process metrics for stopped project")
	}
	if snap.DiskUsageMB == nil || *snap.DiskUsageMB != 64 {
		t.Fatalf("expected disk usage despite stopped process, got %v", snap.DiskUsageMB)
	}
}

func TestProcessProberPartialFailureKeepsOtherMetrics(t *testing.T) {
	script := scriptedRunner{
		"lsof": {out: "4242"},
		"ps":   {out: "204800  3.5  7200"},
		"du":   {err: errors.New("du: cannot access")},
	}
	prober := NewProcessProber(discardLogger())
	prober.run = script.run

	snap := Snapshot{Project: "blog"}
	prober.Probe(context.Background(), domain.Project{
		Name:    "blog",
		Port:    intPtr(3001),
		WorkDir: "/srv/apps/blog",
	}, &snap)

	if !snap.Running {
		t.Fatal("expected running project")
	}
	if snap.DiskUsageMB != nil {
		t.Fatalf("expected nil disk usage, got %v", snap.DiskUsageMB)
	}
	if snap.MemoryUsageMB == nil {
		t.Fatal("expected memory metric to survive disk probe failure")
	}
}

func TestProcessProberNoPort(t *testing.T) {
	prober := NewProcessProber(discardLogger())
	prober.run = func(_ context.Context, name string, _ ...string) (string, error) {
		if name == "lsof" || name == "ps" {
			t.Fatalf("unexpected %s call for portless project", name)
		}
		return "32\t/srv/apps/static", nil
	}

	snap := Snapshot{Project: "landing"}
	prober.Probe(context.Background(), domain.Project{
		Name:    "landing",
		WorkDir: "/srv/apps/static",
	}, &snap)

	if snap.Running {
		t.Fatal("portless project cannot be probed as running")
	}
	if snap.DiskUsageMB == nil || *snap.DiskUsageMB != 32 {
		t.Fatalf("expected disk usage 32, got %v", snap.DiskUsageMB)
	}
}

// stubProber fills fixed fields, optionally blocking until ctx is done.
type stubProber struct {
	name  string
	block bool
	fill  func(*Snapshot)
}

func (s *stubProber) Name() string { return s.name }

func (s *stubProber) Probe(ctx context.Context, _ domain.Project, snap *Snapshot) {
	if s.block {
		<-ctx.Done()
		return
	}
	if s.fill != nil {
		s.fill(snap)
	}
}

func TestCollectTimeoutDegradesSnapshot(t *testing.T) {
	hung := &stubProber{name: "hung", block: true}
	quick := &stubProber{name: "quick", fill: func(snap *Snapshot) {
		snap.Running = true
	}}
	collector := NewCollector([]Prober{hung, quick}, 10*time.Millisecond, discardLogger())

	start := time.Now()
	snap := collector.Collect(context.Background(), domain.Project{Name: "blog"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("hung probe stalled collection for %v", elapsed)
	}
	if !snap.Running {
		t.Fatal("probes after the hung one must still run")
	}
	if snap.MemoryUsageMB != nil {
		t.Fatal("timed-out probe must leave metrics unset")
	}
}

func TestCollectAllPreservesOrder(t *testing.T) {
	collector := NewCollector([]Prober{&stubProber{name: "noop"}}, time.Second, discardLogger())
	projects := []domain.Project{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	snaps := collector.CollectAll(context.Background(), projects)
	if len(snaps) != len(projects) {
		t.Fatalf("expected %d snapshots, got %d", len(projects), len(snaps))
	}
	for i, project := range projects {
		if snaps[i].Project != project.Name {
			t.Fatalf("snapshot %d: expected project %q, got %q", i, project.Name, snaps[i].Project)
		}
	}
}

func TestProcessProberMultiplePIDs(t *testing.T) {
	prober := NewProcessProber(discardLogger())
	prober.run = func(_ context.Context, name string, _ ...string) (string, error) {
		switch name {
		case "lsof":
			return "4242\n4243", nil
		case "ps":
			return "102400  1.0  60", nil
		}
		return "", errors.New("unscripted")
	}

	snap := Snapshot{Project: "blog"}
	prober.Probe(context.Background(), domain.Project{Name: "blog", Port: intPtr(3001)}, &snap)

	if !snap.Running {
		t.Fatal("expected running project")
	}
	if snap.MemoryUsageMB == nil || *snap.MemoryUsageMB != 100 {
		t.Fatalf("expected metrics from first pid, got %v", snap.MemoryUsageMB)
	}
}

func TestDiskUsageParsing(t *testing.T) {
	prober := NewProcessProber(discardLogger())
	prober.run = func(_ context.Context, _ string, _ ...string) (string, error) {
		return strings.TrimSpace("256\t/srv/apps/shop"), nil
	}
	mb, err := prober.diskUsageMB(context.Background(), "/srv/apps/shop")
	if err != nil {
		t.Fatalf("diskUsageMB: %v", err)
	}
	if mb != 256 {
		t.Fatalf("expected 256, got %v", mb)
	}
}
