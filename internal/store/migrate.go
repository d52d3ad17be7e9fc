package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations are applied in order, each exactly once, tracked in schema_version.
var migrations = []migration{
	{
		Version:     1,
		Description: "revocations side log",
		SQL: `
		CREATE TABLE IF NOT EXISTS revocations (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			subject         TEXT NOT NULL,
			session_key_id  TEXT DEFAULT '',
			user_id         TEXT DEFAULT '',
			tool_name       TEXT DEFAULT '',
			rule_id         TEXT DEFAULT '',
			severity        TEXT DEFAULT '',
			details         TEXT DEFAULT '',
			audit_id        TEXT DEFAULT '',
			automated       INTEGER DEFAULT 1,
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			cleared_at      DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_revocations_subject ON revocations(subject, cleared_at);
		CREATE INDEX IF NOT EXISTS idx_revocations_time ON revocations(created_at);
		`,
	},
	{
		Version:     2,
		Description: "paused tools and control flags",
		SQL: `
		CREATE TABLE IF NOT EXISTS paused_tools (
			tool_name   TEXT PRIMARY KEY,
			reason      TEXT DEFAULT '',
			paused_by   TEXT DEFAULT '',
			paused_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS controls (
			name        TEXT PRIMARY KEY,
			active      INTEGER NOT NULL DEFAULT 0,
			reason      TEXT DEFAULT '',
			updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`,
	},
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration version.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
