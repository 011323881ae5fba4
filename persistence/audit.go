package persistence

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// AuditStore writes the execution_log rows that form warden's immutable
// audit trail. The broker is the only writer: one in_progress row on entry,
// exactly one terminal update on exit.
type AuditStore struct {
	logger *zap.Logger
}

// NewAuditStore creates an audit store using the global database manager.
func NewAuditStore(logger *zap.Logger) *AuditStore {
	return &AuditStore{logger: logger}
}

// ExecutionEntry is one execution_log row.
type ExecutionEntry struct {
	OperationID  string
	Timestamp    int64
	Capability   string
	Action       string
	ChatID       string
	Tier         int
	Status       string
	FilePaths    []string
	SnapshotRef  string
	DurationMs   int64
	ErrorDetails string
}

// InsertStart writes the in_progress row for a newly admitted operation.
func (s *AuditStore) InsertStart(operationID, capability, action, chatID string, tier int, filePaths []string) error {
	db, err := DB()
	if err != nil {
		return err
	}

	var pathsJSON any
	if len(filePaths) > 0 {
		encoded, err := json.Marshal(filePaths)
		if err != nil {
			return err
		}
		pathsJSON = string(encoded)
	}

	_, err = db.Exec(`
		INSERT INTO execution_log (operation_id, timestamp, capability, action, chat_id, tier, status, file_paths)
		VALUES (?, ?, ?, ?, ?, ?, 'in_progress', ?)`,
		operationID, time.Now().Unix(), capability, action, chatID, tier, pathsJSON)
	if err != nil {
		return err
	}

	s.logger.Info("operation_started",
		zap.String("operation_id", operationID),
		zap.String("capability", capability),
		zap.String("action", action),
		zap.Int("tier", tier),
		zap.String("chat_id", chatID))
	return nil
}

// UpdateEnd transitions the row to its terminal status. errorDetails is a
// JSON-encoded structured error, empty on success.
func (s *AuditStore) UpdateEnd(operationID, status, snapshotRef string, durationMs int64, errorDetails string) error {
	db, err := DB()
	if err != nil {
		return err
	}

	var snapshot, errJSON any
	if snapshotRef != "" {
		snapshot = snapshotRef
	}
	if errorDetails != "" {
		errJSON = errorDetails
	}

	_, err = db.Exec(`
		UPDATE execution_log
		SET status = ?, snapshot_ref = ?, duration_ms = ?, error_details = ?
		WHERE operation_id = ?`,
		status, snapshot, durationMs, errJSON, operationID)
	if err != nil {
		return err
	}

	if status == "completed" {
		s.logger.Info("operation_completed",
			zap.String("operation_id", operationID),
			zap.Int64("duration_ms", durationMs),
			zap.String("snapshot_ref", snapshotRef))
	} else {
		s.logger.Error("operation_failed",
			zap.String("operation_id", operationID),
			zap.String("status", status),
			zap.Int64("duration_ms", durationMs),
			zap.String("error_details", errorDetails))
	}
	return nil
}

// Get fetches one row by operation ID. Used by tests and the dashboard side.
func (s *AuditStore) Get(operationID string) (*ExecutionEntry, error) {
	db, err := DB()
	if err != nil {
		return nil, err
	}

	row := db.QueryRow(`
		SELECT operation_id, timestamp, capability, action, chat_id, tier, status,
		       COALESCE(file_paths, ''), COALESCE(snapshot_ref, ''),
		       COALESCE(duration_ms, 0), COALESCE(error_details, '')
		FROM execution_log WHERE operation_id = ?`, operationID)

	var entry ExecutionEntry
	var pathsJSON string
	if err := row.Scan(&entry.OperationID, &entry.Timestamp, &entry.Capability,
		&entry.Action, &entry.ChatID, &entry.Tier, &entry.Status,
		&pathsJSON, &entry.SnapshotRef, &entry.DurationMs, &entry.ErrorDetails); err != nil {
		return nil, err
	}
	if pathsJSON != "" {
		if err := json.Unmarshal([]byte(pathsJSON), &entry.FilePaths); err != nil {
			return nil, err
		}
	}
	return &entry, nil
}
