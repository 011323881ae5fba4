// Package postpone manages the clarification lifecycle for ambiguous user
// requests: wait for an answer, postpone with a delayed reminder when none
// arrives, cancel after the final deadline, and recover timers across
// restarts from the persisted postponed_operation rows.
package postpone

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/config"
	"github.com/itsneelabh/warden/persistence"
)

// Pending tracks one clarification lifecycle in memory.
type Pending struct {
	OperationID    string
	ChatID         string
	OriginalPrompt string
	OptionA        string
	OptionB        string

	ResponseText     string
	Postponed        bool
	RetryMessageSent bool
	RetryAt          int64
	CancelAt         int64

	resolved chan struct{}
	once     sync.Once
}

func newPending(operationID, chatID, prompt, optionA, optionB string) *Pending {
	return &Pending{
		OperationID:    operationID,
		ChatID:         chatID,
		OriginalPrompt: prompt,
		OptionA:        optionA,
		OptionB:        optionB,
		resolved:       make(chan struct{}),
	}
}

func (p *Pending) signal() {
	p.once.Do(func() { close(p.resolved) })
}

// Manager coordinates clarification timeout, reminder delivery, and
// cancellation. All persistence degrades gracefully: without an installed
// database the lifecycle runs in memory only and each skipped write is
// logged.
type Manager struct {
	cfg    *config.Manager
	store  *persistence.PostponeStore
	outbox *persistence.OutboxStore
	audit  *persistence.AuditStore
	logger *zap.Logger

	mu            sync.Mutex
	pendingByChat map[string]*Pending
	retryTimers   map[string]*time.Timer
	cancelTimers  map[string]*time.Timer
}

// NewManager creates a postponement manager.
func NewManager(cfg *config.Manager, store *persistence.PostponeStore, outbox *persistence.OutboxStore, audit *persistence.AuditStore, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         store,
		outbox:        outbox,
		audit:         audit,
		logger:        logger,
		pendingByChat: map[string]*Pending{},
		retryTimers:   map[string]*time.Timer{},
		cancelTimers:  map[string]*time.Timer{},
	}
}

func (m *Manager) clarificationTimeout() time.Duration {
	return time.Duration(m.cfg.GetInt("postpone.clarification_timeout_seconds")) * time.Second
}

func (m *Manager) retryDelay() time.Duration {
	return time.Duration(m.cfg.GetInt("postpone.retry_delay_seconds")) * time.Second
}

func (m *Manager) cancellationDelay() time.Duration {
	return time.Duration(m.cfg.GetInt("postpone.cancellation_delay_seconds")) * time.Second
}

// AddPending registers a new ambiguous operation awaiting clarification.
// A chat carries at most one active pending; a newer one replaces it.
func (m *Manager) AddPending(operationID, chatID, originalPrompt, optionA, optionB string) {
	pending := newPending(operationID, chatID, originalPrompt, optionA, optionB)
	m.mu.Lock()
	m.pendingByChat[chatID] = pending
	m.mu.Unlock()

	deadline := time.Now().Add(m.clarificationTimeout()).Unix()
	m.persist("save_pending", func() error {
		return m.store.SavePending(operationID, chatID, originalPrompt, optionA, optionB, deadline)
	})
	m.logger.Info("clarification_pending_added",
		zap.String("operation_id", operationID),
		zap.String("chat_id", chatID))
}

// HasPending reports whether the chat has a live clarification.
func (m *Manager) HasPending(chatID string) bool {
	m.mu.Lock()
	_, ok := m.pendingByChat[chatID]
	m.mu.Unlock()
	if ok {
		return true
	}
	if !persistence.Installed() {
		return false
	}
	row, err := m.store.GetActiveByChat(chatID)
	if err != nil || row == nil {
		return false
	}
	return row.Status == "waiting" || row.Status == "postponed"
}

// Resolve records the user's response, signals any waiter, and marks the
// persisted row resolved. Returns nil when the chat has nothing pending.
func (m *Manager) Resolve(chatID, responseText string) *Pending {
	m.mu.Lock()
	pending := m.pendingByChat[chatID]
	m.mu.Unlock()
	if pending == nil {
		return nil
	}

	pending.ResponseText = strings.TrimSpace(responseText)
	pending.signal()
	m.persist("mark_resolved", func() error {
		return m.store.MarkResolved(pending.OperationID, pending.ResponseText)
	})

	m.logger.Info("clarification_resolved",
		zap.String("operation_id", pending.OperationID),
		zap.String("chat_id", chatID))
	return pending
}

// WaitForClarification blocks until the chat's pending is resolved or the
// timeout elapses. A nil return means timeout: the caller should postpone.
func (m *Manager) WaitForClarification(chatID string, timeout time.Duration) *Pending {
	m.mu.Lock()
	pending := m.pendingByChat[chatID]
	m.mu.Unlock()
	if pending == nil {
		return nil
	}

	select {
	case <-pending.resolved:
		return pending
	case <-time.After(timeout):
		return nil
	}
}

// PostponeAndSchedule marks the operation postponed and arms the two
// background timers: a reminder at retry_at and a cancellation at cancel_at.
func (m *Manager) PostponeAndSchedule(pending *Pending) {
	now := time.Now()
	pending.Postponed = true
	pending.RetryAt = now.Add(m.retryDelay()).Unix()
	pending.CancelAt = now.Add(m.retryDelay() + m.cancellationDelay()).Unix()

	m.persist("audit_postponed", func() error {
		return m.audit.UpdateEnd(pending.OperationID, "postponed", "", 0, "")
	})
	m.persist("mark_postponed", func() error {
		return m.store.MarkPostponed(pending.OperationID, pending.RetryAt, pending.CancelAt)
	})

	m.armTimers(pending, m.retryDelay(), m.retryDelay()+m.cancellationDelay(), false)
	m.logger.Info("clarification_postponed",
		zap.String("operation_id", pending.OperationID),
		zap.Int64("retry_at", pending.RetryAt),
		zap.Int64("cancel_at", pending.CancelAt))
}

func (m *Manager) armTimers(pending *Pending, retryIn, cancelIn time.Duration, skipRetry bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !skipRetry {
		m.retryTimers[pending.OperationID] = time.AfterFunc(maxDuration(retryIn, 0), func() {
			m.fireRetry(pending)
		})
	}
	m.cancelTimers[pending.OperationID] = time.AfterFunc(maxDuration(cancelIn, 0), func() {
		m.fireCancel(pending)
	})
}

func (m *Manager) fireRetry(pending *Pending) {
	if !m.HasPending(pending.ChatID) {
		return
	}

	text := fmt.Sprintf(
		"Your earlier request is still waiting for clarification. Reply with one option: '%s' or '%s'.",
		pending.OptionA, pending.OptionB)
	m.persist("enqueue_retry_notification", func() error {
		_, err := m.outbox.Enqueue(pending.OperationID, pending.ChatID, text)
		return err
	})
	pending.RetryMessageSent = true
	m.persist("mark_retry_enqueued", func() error {
		return m.store.MarkRetryEnqueued(pending.OperationID)
	})
	m.logger.Info("clarification_retry_enqueued",
		zap.String("operation_id", pending.OperationID),
		zap.String("chat_id", pending.ChatID))
}

func (m *Manager) fireCancel(pending *Pending) {
	m.mu.Lock()
	active := m.pendingByChat[pending.ChatID]
	if active == nil || active.OperationID != pending.OperationID {
		m.mu.Unlock()
		return
	}
	delete(m.pendingByChat, pending.ChatID)
	m.mu.Unlock()

	m.persist("audit_cancelled", func() error {
		return m.audit.UpdateEnd(pending.OperationID, "cancelled", "", 0, "")
	})
	m.persist("mark_cancelled", func() error {
		return m.store.MarkCancelled(pending.OperationID)
	})
	m.logger.Warn("clarification_cancelled",
		zap.String("operation_id", pending.OperationID),
		zap.String("chat_id", pending.ChatID))
}

// ConsumeResolved removes the chat's resolved pending, cancels its timers,
// deletes the persisted row, and returns it for clarified-prompt
// composition.
func (m *Manager) ConsumeResolved(chatID string) *Pending {
	m.mu.Lock()
	pending := m.pendingByChat[chatID]
	delete(m.pendingByChat, chatID)
	m.mu.Unlock()

	if pending == nil && persistence.Installed() {
		row, err := m.store.GetActiveByChat(chatID)
		if err != nil || row == nil || row.Status != "resolved" {
			return nil
		}
		pending = newPending(row.OperationID, row.ChatID, row.OriginalPrompt, row.OptionA, row.OptionB)
		pending.ResponseText = row.ClarificationResponse
		pending.RetryMessageSent = row.RetryEnqueued
		pending.RetryAt = row.RetryAt
		pending.CancelAt = row.CancelAt
	}
	if pending == nil {
		return nil
	}

	m.stopTimers(pending.OperationID)
	m.persist("delete_row", func() error {
		return m.store.Delete(pending.OperationID)
	})
	return pending
}

func (m *Manager) stopTimers(operationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.retryTimers[operationID]; ok {
		t.Stop()
		delete(m.retryTimers, operationID)
	}
	if t, ok := m.cancelTimers[operationID]; ok {
		t.Stop()
		delete(m.cancelTimers, operationID)
	}
}

// BuildClarifiedPrompt composes the deterministic clarified prompt handed
// back to the agent runtime.
func BuildClarifiedPrompt(originalPrompt, clarificationResponse string) string {
	return fmt.Sprintf("%s\n\nClarification provided by user: %s",
		originalPrompt, strings.TrimSpace(clarificationResponse))
}

// RecoverPending rebuilds in-memory state and timers after a restart. Rows
// still in waiting have lost their in-memory waiter, so they are treated as
// if postponement had just fired: fresh retry/cancel deadlines from now.
func (m *Manager) RecoverPending() {
	if !persistence.Installed() {
		return
	}
	rows, err := m.store.ListActive()
	if err != nil {
		m.logger.Warn("postponement_recovery_failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, row := range rows {
		pending := newPending(row.OperationID, row.ChatID, row.OriginalPrompt, row.OptionA, row.OptionB)
		pending.ResponseText = row.ClarificationResponse
		pending.Postponed = row.Status == "postponed"
		pending.RetryMessageSent = row.RetryEnqueued
		pending.RetryAt = row.RetryAt
		pending.CancelAt = row.CancelAt

		m.mu.Lock()
		m.pendingByChat[pending.ChatID] = pending
		m.mu.Unlock()

		if row.Status == "waiting" {
			pending.Postponed = true
			pending.RetryAt = now.Add(m.retryDelay()).Unix()
			pending.CancelAt = now.Add(m.retryDelay() + m.cancellationDelay()).Unix()
			m.persist("mark_postponed", func() error {
				return m.store.MarkPostponed(pending.OperationID, pending.RetryAt, pending.CancelAt)
			})
		}

		retryIn := time.Duration(pending.RetryAt-now.Unix()) * time.Second
		cancelIn := time.Duration(pending.CancelAt-now.Unix()) * time.Second
		m.armTimers(pending, retryIn, cancelIn, pending.RetryMessageSent)

		m.logger.Info("clarification_recovered",
			zap.String("operation_id", pending.OperationID),
			zap.String("chat_id", pending.ChatID),
			zap.Bool("postponed", pending.Postponed))
	}
}

// Shutdown stops every armed timer without mutating lifecycle state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	for id, t := range m.cancelTimers {
		t.Stop()
		delete(m.cancelTimers, id)
	}
}

// persist runs op when a database is installed, logging failures instead of
// propagating them. The clarification flow keeps working without storage.
func (m *Manager) persist(name string, op func() error) {
	if !persistence.Installed() {
		m.logger.Warn("postponement_state_not_persisted_no_db", zap.String("op", name))
		return
	}
	if err := op(); err != nil {
		m.logger.Warn("postponement_persist_failed", zap.String("op", name), zap.Error(err))
	}
}

func maxDuration(d, floor time.Duration) time.Duration {
	if d < floor {
		return floor
	}
	return d
}
