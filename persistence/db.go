// Package persistence owns warden's SQLite state: the single WAL-mode
// connection, checksum-verified schema migrations, and the stores for the
// audit log, notification outbox, and postponed operations.
//
// One connection serves the whole process. Callers treat each store call as
// an atomic unit and accept serialization; SQLite's own write serialization
// plus SetMaxOpenConns(1) make that safe.
package persistence

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Manager owns the process-wide SQLite handle. The connection is opened
// lazily on first use and cached until Close.
type Manager struct {
	dbPath string
	logger *zap.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewManager creates a manager for the database at dbPath. No connection is
// opened until Conn is first called.
func NewManager(dbPath string, logger *zap.Logger) *Manager {
	return &Manager{dbPath: dbPath, logger: logger}
}

// Path returns the database file path.
func (m *Manager) Path() string { return m.dbPath }

// Conn returns the cached connection, opening and configuring it on first
// call. Pragmas are applied in a fixed order and journal_mode is read back:
// a connection that did not enter WAL mode is refused.
func (m *Manager) Conn() (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db != nil {
		return m.db, nil
	}

	if dir := filepath.Dir(m.dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", m.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", m.dbPath, err)
	}
	// One real connection for the whole process; every caller shares it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-64000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		db.Close()
		return nil, fmt.Errorf("read journal_mode: %w", err)
	}
	if strings.ToLower(mode) != "wal" {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: expected wal, got %s", mode)
	}

	m.logger.Info("database_connection_established",
		zap.String("db_path", m.dbPath),
		zap.String("journal_mode", mode))

	m.db = db
	return db, nil
}

// Close releases the cached connection and clears the slot so a later Conn
// reopens.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	m.logger.Info("database_connection_closed", zap.String("db_path", m.dbPath))
	return err
}

// Process-wide singleton, installed by the startup sequence and replaced
// per-case in tests.
var (
	globalMu      sync.RWMutex
	globalManager *Manager
)

// SetManager installs the global database manager. Passing nil uninstalls
// it (used by tests).
func SetManager(m *Manager) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalManager = m
}

// GetManager returns the global manager, panicking when none is installed.
func GetManager() *Manager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalManager == nil {
		panic("persistence: database manager not initialized; call SetManager first")
	}
	return globalManager
}

// Installed reports whether a global manager is present. Subsystems that
// degrade gracefully without a database check this before persisting.
func Installed() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalManager != nil
}

// DB returns the shared connection from the global manager.
func DB() (*sql.DB, error) {
	return GetManager().Conn()
}
