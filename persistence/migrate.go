package persistence

import (
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itsneelabh/warden/core"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// EmbeddedMigrations returns the migration scripts compiled into the binary.
func EmbeddedMigrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrator applies SQL migrations in lexical order, recording each applied
// file's SHA-256 checksum. Re-running over an applied file re-verifies the
// checksum; a mismatch aborts with migration_tampered before any further
// change.
type Migrator struct {
	dbPath string
	source fs.FS
	logger *zap.Logger
}

// NewMigrator creates a migrator reading scripts from source, typically
// EmbeddedMigrations() or os.DirFS of a migrations directory.
func NewMigrator(dbPath string, source fs.FS, logger *zap.Logger) *Migrator {
	return &Migrator{dbPath: dbPath, source: source, logger: logger}
}

// MigrationStatus describes one migration file's state.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt int64
	Checksum  string
}

// Run applies every pending migration and verifies the checksum of every
// already-applied one. The connection used here is private to the run: the
// process-wide manager may not be installed yet at migration time.
func (m *Migrator) Run() error {
	if dir := filepath.Dir(m.dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", m.dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", m.dbPath, err)
	}
	defer db.Close()

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		migration_name TEXT PRIMARY KEY,
		checksum       TEXT NOT NULL,
		applied_at     INTEGER NOT NULL
	) STRICT`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := m.listScripts()
	if err != nil {
		return err
	}

	applied, err := appliedChecksums(db)
	if err != nil {
		return err
	}

	for _, name := range names {
		sum, script, err := m.readScript(name)
		if err != nil {
			return err
		}

		if stored, ok := applied[name]; ok {
			if stored != sum {
				m.logger.Error("migration_checksum_mismatch",
					zap.String("migration", name),
					zap.String("stored", stored),
					zap.String("computed", sum))
				return core.NewErrorf(core.CodeMigrationTampered,
					"migration %s has been modified after being applied", name).
					WithDetails(map[string]any{
						"migration":         name,
						"stored_checksum":   stored,
						"computed_checksum": sum,
					})
			}
			continue
		}

		if err := applyScript(db, name, script, sum); err != nil {
			return err
		}
		m.logger.Info("migration_applied", zap.String("migration", name))
	}
	return nil
}

// Status reports the applied/pending state of every script without applying
// anything.
func (m *Migrator) Status() ([]MigrationStatus, error) {
	db, err := sql.Open("sqlite3", m.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", m.dbPath, err)
	}
	defer db.Close()

	applied := map[string]string{}
	appliedAt := map[string]int64{}
	rows, err := db.Query("SELECT migration_name, checksum, applied_at FROM schema_migrations")
	if err == nil {
		defer rows.Close()
		for rows.Next() {
			var name, sum string
			var at int64
			if err := rows.Scan(&name, &sum, &at); err != nil {
				return nil, err
			}
			applied[name] = sum
			appliedAt[name] = at
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	names, err := m.listScripts()
	if err != nil {
		return nil, err
	}
	out := make([]MigrationStatus, 0, len(names))
	for _, name := range names {
		sum, _, err := m.readScript(name)
		if err != nil {
			return nil, err
		}
		status := MigrationStatus{Name: name, Checksum: sum}
		if _, ok := applied[name]; ok {
			status.Applied = true
			status.AppliedAt = appliedAt[name]
		}
		out = append(out, status)
	}
	return out, nil
}

func (m *Migrator) listScripts() ([]string, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		// The tracking table's own bootstrap script is never applied.
		if entry.Name() == "schema_migrations.sql" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (m *Migrator) readScript(name string) (checksum, script string, err error) {
	data, err := fs.ReadFile(m.source, name)
	if err != nil {
		return "", "", fmt.Errorf("read migration %s: %w", name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), string(data), nil
}

func appliedChecksums(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT migration_name, checksum FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var name, sum string
		if err := rows.Scan(&name, &sum); err != nil {
			return nil, err
		}
		out[name] = sum
	}
	return out, rows.Err()
}

func applyScript(db *sql.DB, name, script, checksum string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	if _, err := tx.Exec(script); err != nil {
		tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_migrations (migration_name, checksum, applied_at) VALUES (?, ?, ?)",
		name, checksum, time.Now().Unix(),
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return tx.Commit()
}
