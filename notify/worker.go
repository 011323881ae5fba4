// Package notify implements the outbox delivery worker: a single supervised
// background loop that drains pending notification rows through the injected
// chat transport with at-least-once semantics and exponential retry backoff.
package notify

import (
	"context"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/config"
	"github.com/itsneelabh/warden/core"
	"github.com/itsneelabh/warden/persistence"
)

// Worker polls the outbox and delivers due notifications. The transport is
// wrapped in a circuit breaker so a dead chat backend fails batches fast;
// breaker rejections count as ordinary send failures and follow the same
// retry schedule.
type Worker struct {
	outbox    *persistence.OutboxStore
	transport core.Transport
	cfg       *config.Manager
	breaker   *core.CircuitBreaker
	logger    *zap.Logger

	supervisor *core.Supervisor
}

// NewWorker creates the outbox worker.
func NewWorker(outbox *persistence.OutboxStore, transport core.Transport, cfg *config.Manager, logger *zap.Logger) *Worker {
	w := &Worker{
		outbox:    outbox,
		transport: transport,
		cfg:       cfg,
		breaker:   core.NewCircuitBreaker(core.DefaultCircuitBreakerConfig("chat-transport")),
		logger:    logger,
	}
	w.supervisor = core.NewSupervisor("notification-worker", w.pollInterval, w.run, logger)
	return w
}

// Start launches the polling loop. A loop that exits for any reason other
// than Stop is restarted by the supervisor after one poll interval.
func (w *Worker) Start() {
	w.supervisor.Start()
	w.logger.Info("notification_worker_started")
}

// Stop halts the loop. Any in-flight send finishes first. Stop is idempotent.
func (w *Worker) Stop() {
	w.supervisor.Stop()
	w.logger.Info("notification_worker_stopped")
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.supervisor.Running()
}

func (w *Worker) pollInterval() time.Duration {
	return time.Duration(w.cfg.GetInt("notifications.poll_interval_seconds")) * time.Second
}

func (w *Worker) run(ctx context.Context) {
	for {
		w.ProcessBatch()
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval()):
		}
	}
}

// ProcessBatch delivers one batch of due notifications. Exposed so tests
// can drive the worker without the timing loop.
func (w *Worker) ProcessBatch() {
	batchSize := w.cfg.GetInt("notifications.batch_size")
	pending, err := w.outbox.GetPending(batchSize)
	if err != nil {
		w.logger.Error("outbox_fetch_failed", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	for _, notification := range pending {
		w.deliver(notification)
	}

	lag, _ := w.outbox.OldestPendingAge()
	w.logger.Info("notification_worker_batch_complete",
		zap.Int("batch_size", len(pending)),
		zap.Int64("lag_seconds", lag))
}

func (w *Worker) deliver(n persistence.Notification) {
	chatID, err := strconv.ParseInt(n.ChatID, 10, 64)
	if err != nil {
		// Unroutable row: fail terminally, no retry schedule.
		if markErr := w.outbox.MarkFailed(n.ID, "invalid chat_id"); markErr != nil {
			w.logger.Error("outbox_mark_failed_error", zap.Int64("notification_id", n.ID), zap.Error(markErr))
		}
		return
	}

	sendErr := w.breaker.Execute(func() error {
		if !w.transport.SendMessage(chatID, n.MessageText) {
			return core.NewError(core.CodeExecutionError, "transport send failed")
		}
		return nil
	})

	if sendErr == nil {
		if err := w.outbox.MarkSent(n.ID); err != nil {
			w.logger.Error("outbox_mark_sent_error", zap.Int64("notification_id", n.ID), zap.Error(err))
			return
		}
		w.logger.Info("notification_sent_from_outbox",
			zap.Int64("notification_id", n.ID),
			zap.String("chat_id", n.ChatID))
		return
	}

	if err := w.outbox.MarkFailed(n.ID, sendErr.Error()); err != nil {
		w.logger.Error("outbox_mark_failed_error", zap.Int64("notification_id", n.ID), zap.Error(err))
		return
	}

	retryCount := n.RetryCount + 1
	maxRetries := w.cfg.GetInt("notifications.max_retries")
	if retryCount >= maxRetries {
		w.logger.Error("notification_retry_exhausted",
			zap.Int64("notification_id", n.ID),
			zap.Int("retry_count", retryCount))
		return
	}

	delay := w.backoffSeconds(retryCount)
	if err := w.outbox.ScheduleRetry(n.ID, delay); err != nil {
		w.logger.Error("outbox_schedule_retry_error", zap.Int64("notification_id", n.ID), zap.Error(err))
		return
	}
	w.logger.Warn("notification_retry_scheduled",
		zap.Int64("notification_id", n.ID),
		zap.Int("retry_count", retryCount),
		zap.Int("backoff_seconds", delay))
}

// backoffSeconds computes base^retryCount. The base defaults to the poll
// interval; notifications.backoff_base_seconds overrides it, since the
// power-of-poll-interval formula grows very fast for long intervals.
func (w *Worker) backoffSeconds(retryCount int) int {
	base := w.cfg.GetInt("notifications.backoff_base_seconds")
	if base <= 0 {
		base = w.cfg.GetInt("notifications.poll_interval_seconds")
	}
	return int(math.Pow(float64(base), float64(retryCount)))
}

// BreakerState exposes the transport breaker state for observability.
func (w *Worker) BreakerState() string {
	return w.breaker.GetState()
}
