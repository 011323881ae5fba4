package observability

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/itsneelabh/warden/config"
	"github.com/itsneelabh/warden/core"
	"github.com/itsneelabh/warden/persistence"
)

var collectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "warden",
	Subsystem: "observability",
	Name:      "collection_duration_seconds",
	Help:      "Wall-clock duration of one status snapshot collection.",
	Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
})

// slowCollectionThreshold is the budget for one full collection; exceeding
// it logs a warning.
const slowCollectionThreshold = 100 * time.Millisecond

// Collector periodically assembles a StatusSnapshot and swaps it into the
// single-slot cache. Every error is caught and logged; the loop never stops
// on failure.
type Collector struct {
	cfg    *config.Manager
	outbox *persistence.OutboxStore
	logger *zap.Logger

	cache      snapshotCache
	supervisor *core.Supervisor

	procOnce   sync.Once
	procHandle *process.Process
}

// NewCollector creates the status collector.
func NewCollector(cfg *config.Manager, outbox *persistence.OutboxStore, logger *zap.Logger) *Collector {
	c := &Collector{cfg: cfg, outbox: outbox, logger: logger}
	c.supervisor = core.NewSupervisor("snapshot-collector", c.interval, c.run, logger)
	return c
}

func (c *Collector) interval() time.Duration {
	return time.Duration(c.cfg.GetInt("observability.interval_seconds")) * time.Second
}

// Start launches the collection loop.
func (c *Collector) Start() {
	c.supervisor.Start()
	c.logger.Info("snapshot_collector_started",
		zap.Duration("interval", c.interval()))
}

// Stop halts the loop.
func (c *Collector) Stop() {
	c.supervisor.Stop()
}

// Current returns the latest snapshot, or nil before the first collection.
func (c *Collector) Current() *StatusSnapshot {
	return c.cache.load()
}

func (c *Collector) run(ctx context.Context) {
	for {
		c.CollectOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.interval()):
		}
	}
}

// CollectOnce assembles one snapshot and stores it. Exposed so tests and
// the CLI can collect on demand.
func (c *Collector) CollectOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("snapshot_collection_panicked", zap.Any("panic", r))
		}
	}()

	start := time.Now()
	snapshot := c.collect(ctx)
	c.cache.store(snapshot)

	elapsed := time.Since(start)
	collectionDuration.Observe(elapsed.Seconds())
	if elapsed > slowCollectionThreshold {
		c.logger.Warn("snapshot_collection_slow",
			zap.Duration("duration", elapsed),
			zap.Duration("threshold", slowCollectionThreshold))
	} else {
		c.logger.Debug("snapshot_collected",
			zap.Duration("duration", elapsed),
			zap.Int64("timestamp", snapshot.Timestamp))
	}
}

func (c *Collector) collect(ctx context.Context) *StatusSnapshot {
	scheduler := SchedulerState{
		LastTickTimestamp: 0,
		LastTickLocal:     "N/A (scheduler not yet implemented)",
		NextJobs:          []map[string]any{},
		ActiveJobsCount:   0,
	}
	notifier := c.collectNotifierState()
	resources := c.collectResourceUsage(ctx)

	return &StatusSnapshot{
		Timestamp:        time.Now().UTC().Unix(),
		Process:          c.collectProcessInfo(),
		Broker:           c.collectBrokerActivity(),
		Scheduler:        scheduler,
		Notifier:         notifier,
		Resources:        resources,
		Health:           c.runHealthChecks(scheduler, notifier, resources),
		RecentOperations: c.queryRecentOperations(100),
	}
}

// collectBrokerActivity reads execution_log: the 20 most recent in-flight
// rows with elapsed seconds, a histogram of the last 10 terminal rows, and
// the latest row's timestamp.
func (c *Collector) collectBrokerActivity() BrokerActivity {
	activity := BrokerActivity{
		InFlightOperations: []InFlightOperation{},
		Last10Results:      map[string]int{},
	}

	db, err := persistence.DB()
	if err != nil {
		c.logger.Debug("collect_broker_activity_failed", zap.Error(err))
		return activity
	}

	rows, err := db.Query(`
		SELECT operation_id, capability, action, tier, (? - timestamp)
		FROM execution_log
		WHERE status = 'in_progress'
		ORDER BY timestamp DESC
		LIMIT 20`, time.Now().Unix())
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var op InFlightOperation
			var capability, action string
			if err := rows.Scan(&op.OperationID, &capability, &action, &op.Tier, &op.ElapsedS); err != nil {
				break
			}
			op.Tool = capability + "__" + action
			activity.InFlightOperations = append(activity.InFlightOperations, op)
		}
	}

	histRows, err := db.Query(`
		SELECT status, COUNT(*)
		FROM (
			SELECT status FROM execution_log
			WHERE status != 'in_progress'
			ORDER BY timestamp DESC
			LIMIT 10
		)
		GROUP BY status`)
	if err == nil {
		defer histRows.Close()
		for histRows.Next() {
			var status string
			var count int
			if err := histRows.Scan(&status, &count); err != nil {
				break
			}
			activity.Last10Results[status] = count
		}
	}

	var last sql.NullInt64
	if err := db.QueryRow("SELECT MAX(timestamp) FROM execution_log").Scan(&last); err == nil {
		activity.LastOperationTimestamp = last.Int64
	}

	return activity
}

func (c *Collector) collectNotifierState() NotifierState {
	state := NotifierState{}

	count, err := c.outbox.PendingCount()
	if err != nil {
		c.logger.Debug("collect_notifier_state_failed", zap.Error(err))
		return state
	}
	state.PendingCount = count

	if age, err := c.outbox.OldestPendingAge(); err == nil && age >= 0 {
		state.OldestPendingAgeSeconds = &age
	}
	if last, err := c.outbox.LastAttempt(); err == nil {
		state.LastAttemptTimestamp = last
	}
	return state
}

func (c *Collector) queryRecentOperations(limit int) []RecentOperation {
	out := []RecentOperation{}
	db, err := persistence.DB()
	if err != nil {
		return out
	}

	rows, err := db.Query(`
		SELECT operation_id, timestamp, capability, action, tier, status,
		       COALESCE(duration_ms, 0), COALESCE(snapshot_ref, '')
		FROM execution_log
		ORDER BY timestamp DESC
		LIMIT ?`, limit)
	if err != nil {
		c.logger.Debug("query_recent_operations_failed", zap.Error(err))
		return out
	}
	defer rows.Close()

	for rows.Next() {
		var op RecentOperation
		if err := rows.Scan(&op.OperationID, &op.Timestamp, &op.Capability,
			&op.Action, &op.Tier, &op.Status, &op.DurationMs, &op.SnapshotRef); err != nil {
			break
		}
		out = append(out, op)
	}
	return out
}
