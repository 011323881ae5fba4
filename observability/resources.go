package observability

import (
	"context"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/itsneelabh/warden/core"
)

// collectProcessInfo gathers PID, uptime, version, and a best-effort
// supervisor hint. Nothing here is allowed to block the collection loop.
func (c *Collector) collectProcessInfo() ProcessInfo {
	info := ProcessInfo{
		PID:     os.Getpid(),
		Version: c.version(),
	}

	if proc := c.proc(); proc != nil {
		if created, err := proc.CreateTime(); err == nil {
			info.UptimeSeconds = time.Now().Unix() - created/1000
		}
	}

	info.Supervisor, info.SupervisorStatus = detectSupervisor()
	return info
}

// proc returns the cached process handle, creating it on first use.
func (c *Collector) proc() *process.Process {
	c.procOnce.Do(func() {
		if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
			c.procHandle = p
		}
	})
	return c.procHandle
}

// version resolves the running version: module build info, then a short git
// hash, then "unknown".
func (c *Collector) version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if result, err := core.RunCommand(ctx, 5*time.Second, "git", "rev-parse", "--short", "HEAD"); err == nil && result.ExitCode == 0 {
		return "git:" + strings.TrimSpace(result.Stdout)
	}
	return "unknown"
}

// detectSupervisor checks for pm2 and systemd environment markers without
// spawning anything.
func detectSupervisor() (name, status string) {
	if os.Getenv("PM2_HOME") != "" || os.Getenv("pm_id") != "" {
		return "pm2", "online"
	}
	if os.Getenv("INVOCATION_ID") != "" {
		return "systemd", "active"
	}
	return "none", ""
}

// collectResourceUsage gathers CPU, RSS, disk footprints, snapshot branch
// count, and a scheduling-delay estimate.
//
// The CPU percentage is the non-blocking delta form: zero on the first call,
// then the average since the previous call — exactly right for a periodic
// loop.
func (c *Collector) collectResourceUsage(ctx context.Context) ResourceUsage {
	usage := ResourceUsage{}

	if proc := c.proc(); proc != nil {
		if pct, err := proc.Percent(0); err == nil {
			usage.CPUPercent = pct
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			usage.RAMMb = int64(mem.RSS) / (1024 * 1024)
		}
	}

	usage.DBSizeMb = fileSizeMb(c.dbPath())
	usage.LogSizeMb = dirSizeMb(filepath.Dir(c.cfg.GetString("logging.file_path")))
	usage.SnapshotCount = c.countSnapshotBranches(ctx)
	usage.SchedulerLagMs = measureSchedulerLag()

	return usage
}

func (c *Collector) dbPath() string {
	return c.cfg.GetString("database.path")
}

func fileSizeMb(path string) float64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size()) / (1024 * 1024)
}

func dirSizeMb(dir string) float64 {
	if dir == "" || dir == "." {
		return 0
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	var total int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if info, err := entry.Info(); err == nil {
			total += info.Size()
		}
	}
	return float64(total) / (1024 * 1024)
}

// countSnapshotBranches counts snapshot/* branches in the first scope root's
// repository. Zero on any failure — this is a metric, not a capability.
func (c *Collector) countSnapshotBranches(ctx context.Context) int {
	roots := c.cfg.GetStringList("scope.allowed_roots")
	if len(roots) == 0 {
		return 0
	}
	repo := roots[0]
	if info, err := os.Stat(repo); err != nil || !info.IsDir() {
		return 0
	}

	result, err := core.RunCommand(ctx, 5*time.Second, "git", "-C", repo, "branch", "--list", "snapshot/*")
	if err != nil || result.ExitCode != 0 {
		return 0
	}
	count := 0
	for _, line := range strings.Split(result.Stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// measureSchedulerLag estimates goroutine scheduling delay by timing a
// yield-and-resume round trip, the Go analogue of an event-loop lag probe.
func measureSchedulerLag() *float64 {
	start := time.Now()
	done := make(chan struct{})
	go func() { close(done) }()
	<-done
	ms := float64(time.Since(start).Microseconds()) / 1000
	return &ms
}
