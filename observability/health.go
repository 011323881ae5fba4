package observability

import (
	"fmt"
	"strings"
	"time"

	"github.com/itsneelabh/warden/persistence"
)

func (c *Collector) cfgInt(key string) int {
	return c.cfg.GetInt(key)
}

// runHealthChecks executes every health check in stable order. A check that
// itself fails becomes a fail result; the run never aborts early.
func (c *Collector) runHealthChecks(scheduler SchedulerState, notifier NotifierState, resources ResourceUsage) []HealthCheckResult {
	return []HealthCheckResult{
		c.checkSQLiteWritable(),
		c.checkSchedulerLag(scheduler, resources),
		c.checkJobTimeouts(),
		c.checkNotifierAlive(notifier),
		c.checkOutboxStuck(notifier),
		c.checkDiskUsage(resources),
	}
}

// checkSQLiteWritable verifies the database accepts writes and is in WAL
// mode. A writable non-WAL database is a warning, not a failure.
func (c *Collector) checkSQLiteWritable() HealthCheckResult {
	now := time.Now().Unix()
	db, err := persistence.DB()
	if err != nil {
		return HealthCheckResult{
			Name: "sqlite_writable", Status: HealthFail,
			Message:   fmt.Sprintf("SQLite write test failed: %v", err),
			Timestamp: now,
			Details:   map[string]any{"error": err.Error()},
		}
	}

	steps := []string{
		"CREATE TEMP TABLE IF NOT EXISTS _health_check_test (id INTEGER)",
		"INSERT INTO _health_check_test VALUES (1)",
		"DELETE FROM _health_check_test WHERE 1=1",
	}
	for _, stmt := range steps {
		if _, err := db.Exec(stmt); err != nil {
			return HealthCheckResult{
				Name: "sqlite_writable", Status: HealthFail,
				Message:   fmt.Sprintf("SQLite write test failed: %v", err),
				Timestamp: now,
				Details:   map[string]any{"error": err.Error()},
			}
		}
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		mode = "unknown"
	}
	if strings.ToLower(mode) != "wal" {
		return HealthCheckResult{
			Name: "sqlite_writable", Status: HealthWarn,
			Message:   fmt.Sprintf("SQLite writable but not in WAL mode (current: %s)", mode),
			Timestamp: now,
			Details:   map[string]any{"journal_mode": mode},
		}
	}
	return HealthCheckResult{
		Name: "sqlite_writable", Status: HealthPass,
		Message: "SQLite writable and WAL enabled", Timestamp: now,
	}
}

// checkSchedulerLag grades the scheduling delay estimate. While no job
// scheduler exists, LastTickTimestamp stays zero and the check passes with
// an explanatory message.
func (c *Collector) checkSchedulerLag(scheduler SchedulerState, resources ResourceUsage) HealthCheckResult {
	now := time.Now().Unix()
	if scheduler.LastTickTimestamp == 0 {
		return HealthCheckResult{
			Name: "scheduler_lag", Status: HealthPass,
			Message: "Scheduler not yet implemented", Timestamp: now,
		}
	}

	lag := now - scheduler.LastTickTimestamp
	if lag < 0 {
		lag = 0
	}
	threshold := int64(c.cfgInt("observability.scheduler_lag_threshold"))
	switch {
	case lag > threshold:
		return HealthCheckResult{
			Name: "scheduler_lag", Status: HealthFail,
			Message:   fmt.Sprintf("Scheduler lag %ds exceeds threshold %ds", lag, threshold),
			Timestamp: now,
			Details:   map[string]any{"lag_seconds": lag, "threshold": threshold},
		}
	case lag > threshold/2:
		return HealthCheckResult{
			Name: "scheduler_lag", Status: HealthWarn,
			Message:   fmt.Sprintf("Scheduler lag %ds approaching threshold %ds", lag, threshold),
			Timestamp: now,
			Details:   map[string]any{"lag_seconds": lag, "threshold": threshold},
		}
	default:
		return HealthCheckResult{
			Name: "scheduler_lag", Status: HealthPass,
			Message:   fmt.Sprintf("Scheduler healthy (lag: %ds)", lag),
			Timestamp: now,
		}
	}
}

// checkJobTimeouts is a placeholder pass until the scheduler exists.
func (c *Collector) checkJobTimeouts() HealthCheckResult {
	return HealthCheckResult{
		Name: "job_timeouts", Status: HealthPass,
		Message:   "Scheduler not yet implemented",
		Timestamp: time.Now().Unix(),
	}
}

// checkNotifierAlive fails when the outbox worker has not attempted
// delivery within the threshold.
func (c *Collector) checkNotifierAlive(notifier NotifierState) HealthCheckResult {
	now := time.Now().Unix()
	if notifier.LastAttemptTimestamp == 0 {
		return HealthCheckResult{
			Name: "notifier_alive", Status: HealthPass,
			Message: "Notifier ready (no notifications sent yet)", Timestamp: now,
		}
	}

	lag := now - notifier.LastAttemptTimestamp
	if lag < 0 {
		lag = 0
	}
	threshold := int64(c.cfgInt("observability.notifier_lag_threshold"))
	if lag > threshold {
		return HealthCheckResult{
			Name: "notifier_alive", Status: HealthFail,
			Message:   fmt.Sprintf("Notifier last attempt %ds ago (threshold: %ds)", lag, threshold),
			Timestamp: now,
			Details:   map[string]any{"lag_seconds": lag, "threshold": threshold},
		}
	}
	return HealthCheckResult{
		Name: "notifier_alive", Status: HealthPass,
		Message:   fmt.Sprintf("Notifier active (last attempt %ds ago)", lag),
		Timestamp: now,
	}
}

// checkOutboxStuck warns when the oldest pending notification has waited
// longer than the threshold.
func (c *Collector) checkOutboxStuck(notifier NotifierState) HealthCheckResult {
	now := time.Now().Unix()
	if notifier.OldestPendingAgeSeconds == nil {
		return HealthCheckResult{
			Name: "outbox_stuck", Status: HealthPass,
			Message: "Outbox empty", Timestamp: now,
		}
	}

	age := *notifier.OldestPendingAgeSeconds
	if age < 0 {
		age = 0
	}
	threshold := int64(c.cfgInt("observability.outbox_stuck_threshold"))
	if age > threshold {
		return HealthCheckResult{
			Name: "outbox_stuck", Status: HealthWarn,
			Message:   fmt.Sprintf("Oldest pending notification %ds old (threshold: %ds)", age, threshold),
			Timestamp: now,
			Details:   map[string]any{"oldest_age_seconds": age, "threshold": threshold},
		}
	}
	return HealthCheckResult{
		Name: "outbox_stuck", Status: HealthPass,
		Message:   fmt.Sprintf("Outbox healthy (oldest pending: %ds)", age),
		Timestamp: now,
	}
}

// checkDiskUsage is opt-in: disabled it always passes. Enabled, it warns
// when database plus logs exceed the configured cap.
func (c *Collector) checkDiskUsage(resources ResourceUsage) HealthCheckResult {
	now := time.Now().Unix()
	if !c.cfg.GetBool("observability.disk_cap_enabled") {
		return HealthCheckResult{
			Name: "disk_usage", Status: HealthPass,
			Message:   "Disk usage check disabled (set observability.disk_cap_enabled=true to enable)",
			Timestamp: now,
		}
	}

	total := resources.DBSizeMb + resources.LogSizeMb
	cap := float64(c.cfgInt("observability.disk_cap_mb"))
	if total > cap {
		return HealthCheckResult{
			Name: "disk_usage", Status: HealthWarn,
			Message:   fmt.Sprintf("Disk usage %.1fMB exceeds cap %.0fMB", total, cap),
			Timestamp: now,
			Details:   map[string]any{"total_mb": total, "cap_mb": cap},
		}
	}
	return HealthCheckResult{
		Name: "disk_usage", Status: HealthPass,
		Message:   fmt.Sprintf("Disk usage %.1fMB within cap %.0fMB", total, cap),
		Timestamp: now,
	}
}
