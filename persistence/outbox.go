package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OutboxStore manages the durable notification queue. Rows enter as pending;
// the notification worker is the only component that transitions them out.
// created_at doubles as the earliest-eligible-attempt time: ScheduleRetry
// pushes it into the future instead of keeping a separate column.
type OutboxStore struct {
	logger *zap.Logger
}

// NewOutboxStore creates an outbox store using the global database manager.
func NewOutboxStore(logger *zap.Logger) *OutboxStore {
	return &OutboxStore{logger: logger}
}

// Notification is one notification_outbox row.
type Notification struct {
	ID           int64
	OperationID  string
	ChatID       string
	Status       string
	MessageText  string
	CreatedAt    int64
	SentAt       int64
	RetryCount   int
	ErrorDetails string
}

// Enqueue inserts a pending notification and returns its ID.
func (s *OutboxStore) Enqueue(operationID, chatID, messageText string) (int64, error) {
	db, err := DB()
	if err != nil {
		return 0, err
	}
	res, err := db.Exec(`
		INSERT INTO notification_outbox (operation_id, chat_id, status, message_text, created_at, retry_count)
		VALUES (?, ?, 'pending', ?, ?, 0)`,
		operationID, chatID, messageText, time.Now().Unix())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Info("notification_enqueued",
		zap.Int64("notification_id", id),
		zap.String("operation_id", operationID),
		zap.String("chat_id", chatID))
	return id, nil
}

// GetPending returns up to limit due pending rows, oldest first. Rows whose
// created_at lies in the future (scheduled retries) are not yet due.
func (s *OutboxStore) GetPending(limit int) ([]Notification, error) {
	db, err := DB()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT id, operation_id, chat_id, status, message_text, created_at,
		       COALESCE(sent_at, 0), retry_count, COALESCE(error_details, '')
		FROM notification_outbox
		WHERE status = 'pending' AND created_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, time.Now().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.OperationID, &n.ChatID, &n.Status,
			&n.MessageText, &n.CreatedAt, &n.SentAt, &n.RetryCount, &n.ErrorDetails); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkSent transitions a row to its terminal sent state.
func (s *OutboxStore) MarkSent(id int64) error {
	db, err := DB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE notification_outbox
		SET status = 'sent', sent_at = ?, error_details = NULL
		WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// MarkFailed records a delivery failure and increments retry_count.
func (s *OutboxStore) MarkFailed(id int64, errorDetails string) error {
	db, err := DB()
	if err != nil {
		return err
	}
	_, err = db.Exec(`
		UPDATE notification_outbox
		SET status = 'failed', retry_count = retry_count + 1, error_details = ?
		WHERE id = ?`, errorDetails, id)
	return err
}

// ScheduleRetry sets a failed row back to pending, eligible delaySeconds
// from now.
func (s *OutboxStore) ScheduleRetry(id int64, delaySeconds int) error {
	db, err := DB()
	if err != nil {
		return err
	}
	if delaySeconds < 0 {
		delaySeconds = 0
	}
	_, err = db.Exec(`
		UPDATE notification_outbox
		SET status = 'pending', created_at = ?
		WHERE id = ?`, time.Now().Unix()+int64(delaySeconds), id)
	return err
}

// Get fetches one row by ID.
func (s *OutboxStore) Get(id int64) (*Notification, error) {
	db, err := DB()
	if err != nil {
		return nil, err
	}
	row := db.QueryRow(`
		SELECT id, operation_id, chat_id, status, message_text, created_at,
		       COALESCE(sent_at, 0), retry_count, COALESCE(error_details, '')
		FROM notification_outbox WHERE id = ?`, id)
	var n Notification
	if err := row.Scan(&n.ID, &n.OperationID, &n.ChatID, &n.Status,
		&n.MessageText, &n.CreatedAt, &n.SentAt, &n.RetryCount, &n.ErrorDetails); err != nil {
		return nil, err
	}
	return &n, nil
}

// PendingCount returns the number of pending rows.
func (s *OutboxStore) PendingCount() (int, error) {
	db, err := DB()
	if err != nil {
		return 0, err
	}
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM notification_outbox WHERE status = 'pending'").Scan(&count)
	return count, err
}

// OldestPendingAge returns the age in seconds of the oldest pending row, or
// -1 when the outbox is empty.
func (s *OutboxStore) OldestPendingAge() (int64, error) {
	db, err := DB()
	if err != nil {
		return -1, err
	}
	var created sql.NullInt64
	err = db.QueryRow(
		"SELECT MIN(created_at) FROM notification_outbox WHERE status = 'pending'").Scan(&created)
	if err != nil {
		return -1, err
	}
	if !created.Valid {
		return -1, nil
	}
	age := time.Now().Unix() - created.Int64
	if age < 0 {
		age = 0
	}
	return age, nil
}

// LastAttempt returns MAX(created_at) across the outbox as a proxy for the
// worker's last activity, or 0 when the table is empty.
func (s *OutboxStore) LastAttempt() (int64, error) {
	db, err := DB()
	if err != nil {
		return 0, err
	}
	var last sql.NullInt64
	err = db.QueryRow("SELECT MAX(created_at) FROM notification_outbox").Scan(&last)
	if err != nil {
		return 0, err
	}
	return last.Int64, nil
}

func notifyConfigKey(chatID string) string {
	return fmt.Sprintf("notifications.%s.enabled", chatID)
}

// NotificationsEnabled reads the per-chat notification toggle from the
// config table. Absent rows default to enabled.
func (s *OutboxStore) NotificationsEnabled(chatID string) (bool, error) {
	db, err := DB()
	if err != nil {
		return true, err
	}
	var value string
	err = db.QueryRow("SELECT value FROM config WHERE key = ?", notifyConfigKey(chatID)).Scan(&value)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return true, err
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true, nil
	default:
		return false, nil
	}
}

// SetNotificationsEnabled writes the per-chat toggle into the config table.
func (s *OutboxStore) SetNotificationsEnabled(chatID string, enabled bool) error {
	db, err := DB()
	if err != nil {
		return err
	}
	value := "false"
	if enabled {
		value = "true"
	}
	_, err = db.Exec(`
		INSERT INTO config (key, value, updated_at, updated_by, tier)
		VALUES (?, ?, ?, ?, 'dynamic')
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by,
			tier = excluded.tier`,
		notifyConfigKey(chatID), value, time.Now().Unix(), chatID)
	return err
}
