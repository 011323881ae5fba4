package persistence

import (
	"database/sql"
	"time"

	"go.uber.org/zap"
)

// PostponeStore persists the postponed_operation lifecycle so clarification
// timers survive a restart.
type PostponeStore struct {
	logger *zap.Logger
}

// NewPostponeStore creates a postponement store using the global database
// manager.
func NewPostponeStore(logger *zap.Logger) *PostponeStore {
	return &PostponeStore{logger: logger}
}

// PostponedRow is one postponed_operation row.
type PostponedRow struct {
	OperationID             string
	ChatID                  string
	OriginalPrompt          string
	OptionA                 string
	OptionB                 string
	Status                  string
	ClarificationResponse   string
	RetryEnqueued           bool
	CreatedAt               int64
	UpdatedAt               int64
	ClarificationDeadlineAt int64
	RetryAt                 int64
	CancelAt                int64
}

// SavePending upserts a fresh waiting row for the operation, resetting any
// previous lifecycle state under the same ID.
func (s *PostponeStore) SavePending(operationID, chatID, originalPrompt, optionA, optionB string, clarificationDeadlineAt int64) error {
	db, err := DB()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	_, err = db.Exec(`
		INSERT INTO postponed_operation (
			operation_id, chat_id, original_prompt, option_a, option_b, status,
			clarification_response, retry_enqueued, created_at, updated_at,
			clarification_deadline_at, retry_at, cancel_at
		) VALUES (?, ?, ?, ?, ?, 'waiting', NULL, 0, ?, ?, ?, NULL, NULL)
		ON CONFLICT(operation_id) DO UPDATE SET
			chat_id = excluded.chat_id,
			original_prompt = excluded.original_prompt,
			option_a = excluded.option_a,
			option_b = excluded.option_b,
			status = excluded.status,
			clarification_response = NULL,
			retry_enqueued = 0,
			updated_at = excluded.updated_at,
			clarification_deadline_at = excluded.clarification_deadline_at,
			retry_at = NULL,
			cancel_at = NULL`,
		operationID, chatID, originalPrompt, optionA, optionB, now, now, clarificationDeadlineAt)
	return err
}

// MarkPostponed transitions the row to postponed with its timer deadlines.
func (s *PostponeStore) MarkPostponed(operationID string, retryAt, cancelAt int64) error {
	return s.update(`
		UPDATE postponed_operation
		SET status = 'postponed', retry_at = ?, cancel_at = ?, updated_at = ?
		WHERE operation_id = ?`, retryAt, cancelAt, time.Now().Unix(), operationID)
}

// MarkResolved records the user's clarification response.
func (s *PostponeStore) MarkResolved(operationID, clarificationResponse string) error {
	return s.update(`
		UPDATE postponed_operation
		SET status = 'resolved', clarification_response = ?, updated_at = ?
		WHERE operation_id = ?`, clarificationResponse, time.Now().Unix(), operationID)
}

// MarkRetryEnqueued flags that the reminder notification has been enqueued.
func (s *PostponeStore) MarkRetryEnqueued(operationID string) error {
	return s.update(`
		UPDATE postponed_operation
		SET retry_enqueued = 1, updated_at = ?
		WHERE operation_id = ?`, time.Now().Unix(), operationID)
}

// MarkCancelled transitions the row to its terminal cancelled state.
func (s *PostponeStore) MarkCancelled(operationID string) error {
	return s.update(`
		UPDATE postponed_operation
		SET status = 'cancelled', updated_at = ?
		WHERE operation_id = ?`, time.Now().Unix(), operationID)
}

// Delete removes the row entirely (after the clarified prompt is consumed).
func (s *PostponeStore) Delete(operationID string) error {
	return s.update("DELETE FROM postponed_operation WHERE operation_id = ?", operationID)
}

func (s *PostponeStore) update(query string, args ...any) error {
	db, err := DB()
	if err != nil {
		return err
	}
	_, err = db.Exec(query, args...)
	return err
}

const postponedColumns = `
	operation_id, chat_id, original_prompt, option_a, option_b, status,
	COALESCE(clarification_response, ''), retry_enqueued,
	COALESCE(created_at, 0), COALESCE(updated_at, 0),
	COALESCE(clarification_deadline_at, 0), COALESCE(retry_at, 0), COALESCE(cancel_at, 0)`

// GetActiveByChat returns the chat's most recently updated row that is still
// part of a live lifecycle (waiting, postponed, or resolved-not-consumed).
func (s *PostponeStore) GetActiveByChat(chatID string) (*PostponedRow, error) {
	db, err := DB()
	if err != nil {
		return nil, err
	}
	row := db.QueryRow(`
		SELECT `+postponedColumns+`
		FROM postponed_operation
		WHERE chat_id = ? AND status IN ('waiting', 'postponed', 'resolved')
		ORDER BY updated_at DESC
		LIMIT 1`, chatID)
	entry, err := scanPostponed(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// ListActive returns every waiting or postponed row, oldest update first,
// for restart recovery.
func (s *PostponeStore) ListActive() ([]PostponedRow, error) {
	db, err := DB()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`
		SELECT ` + postponedColumns + `
		FROM postponed_operation
		WHERE status IN ('waiting', 'postponed')
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PostponedRow
	for rows.Next() {
		entry, err := scanPostponed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPostponed(src scanner) (*PostponedRow, error) {
	var r PostponedRow
	var retryEnqueued int
	if err := src.Scan(&r.OperationID, &r.ChatID, &r.OriginalPrompt, &r.OptionA,
		&r.OptionB, &r.Status, &r.ClarificationResponse, &retryEnqueued,
		&r.CreatedAt, &r.UpdatedAt, &r.ClarificationDeadlineAt, &r.RetryAt, &r.CancelAt); err != nil {
		return nil, err
	}
	r.RetryEnqueued = retryEnqueued != 0
	return &r, nil
}
