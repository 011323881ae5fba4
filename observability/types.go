// Package observability assembles periodic in-memory status snapshots of the
// whole process — broker activity, outbox state, resource usage, health
// checks — and serves them over a small HTTP endpoint. Collection is
// read-only, non-blocking, and an independent failure domain: errors are
// logged and the loop always continues.
package observability

import "sync"

// ProcessInfo is the current process and supervisor information.
type ProcessInfo struct {
	PID              int    `json:"pid"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
	Version          string `json:"version"`
	Supervisor       string `json:"supervisor"` // "pm2" | "systemd" | "none"
	SupervisorStatus string `json:"supervisor_status,omitempty"`
	RestartCount     int    `json:"restart_count,omitempty"`
}

// InFlightOperation is one in_progress execution row.
type InFlightOperation struct {
	OperationID string `json:"operation_id"`
	Tool        string `json:"tool"`
	Tier        int    `json:"tier"`
	ElapsedS    int64  `json:"elapsed_s"`
}

// BrokerActivity summarizes recent broker operations.
type BrokerActivity struct {
	LastOperationTimestamp int64               `json:"last_operation_timestamp"`
	InFlightOperations     []InFlightOperation `json:"in_flight_operations"`
	Last10Results          map[string]int      `json:"last_10_results"`
}

// SchedulerState is a placeholder until a job scheduler exists.
type SchedulerState struct {
	LastTickTimestamp int64            `json:"last_tick_timestamp"`
	LastTickLocal     string           `json:"last_tick_local"`
	NextJobs          []map[string]any `json:"next_jobs"`
	ActiveJobsCount   int              `json:"active_jobs_count"`
}

// NotifierState is the current notification outbox state.
type NotifierState struct {
	LastAttemptTimestamp    int64  `json:"last_attempt_timestamp"`
	PendingCount            int    `json:"pending_count"`
	OldestPendingAgeSeconds *int64 `json:"oldest_pending_age_seconds"`
}

// ResourceUsage is the current process resource consumption.
type ResourceUsage struct {
	CPUPercent     float64  `json:"cpu_percent"`
	RAMMb          int64    `json:"ram_mb"`
	DBSizeMb       float64  `json:"db_size_mb"`
	LogSizeMb      float64  `json:"log_size_mb"`
	SnapshotCount  int      `json:"snapshot_count"`
	SchedulerLagMs *float64 `json:"scheduler_lag_ms"`
}

// HealthStatus is the outcome level of a health check.
type HealthStatus string

const (
	HealthPass HealthStatus = "pass"
	HealthWarn HealthStatus = "warn"
	HealthFail HealthStatus = "fail"
)

// HealthCheckResult is one health check outcome.
type HealthCheckResult struct {
	Name      string         `json:"name"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message"`
	Timestamp int64          `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// RecentOperation is one execution row, in any status, for the snapshot tail.
type RecentOperation struct {
	OperationID string `json:"operation_id"`
	Timestamp   int64  `json:"timestamp"`
	Capability  string `json:"capability"`
	Action      string `json:"action"`
	Tier        int    `json:"tier"`
	Status      string `json:"status"`
	DurationMs  int64  `json:"duration_ms"`
	SnapshotRef string `json:"snapshot_ref,omitempty"`
}

// StatusSnapshot is the complete runtime status at one point in time.
type StatusSnapshot struct {
	Timestamp        int64               `json:"timestamp"`
	Process          ProcessInfo         `json:"process"`
	Broker           BrokerActivity      `json:"broker"`
	Scheduler        SchedulerState      `json:"scheduler"`
	Notifier         NotifierState       `json:"notifier"`
	Resources        ResourceUsage       `json:"resources"`
	Health           []HealthCheckResult `json:"health"`
	RecentOperations []RecentOperation   `json:"recent_operations"`
}

// snapshotCache is the single-slot, last-writer-wins cache the collector
// refreshes and every consumer reads.
type snapshotCache struct {
	mu       sync.RWMutex
	snapshot *StatusSnapshot
}

func (c *snapshotCache) store(s *StatusSnapshot) {
	c.mu.Lock()
	c.snapshot = s
	c.mu.Unlock()
}

func (c *snapshotCache) load() *StatusSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}
