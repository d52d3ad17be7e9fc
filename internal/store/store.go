// Package store persists enforcement state that must survive restarts:
// revoked session keys, paused tools and the emergency-stop flag.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row to modify does not exist.
var ErrNotFound = errors.New("not found")

const emergencyStopControl = "emergency_stop"

// SQLiteStore is the SQLite-backed enforcement store.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Subject is the revocation key for a caller: the session key when one is
// known, otherwise the user.
func Subject(sessionKeyID, user string) string {
	if sessionKeyID != "" {
		return "key:" + sessionKeyID
	}
	return "user:" + user
}

// Revocation is one side-channel "revoked" record.
type Revocation struct {
	ID           int64      `json:"id"`
	Subject      string     `json:"subject"`
	SessionKeyID string     `json:"sessionKeyId,omitempty"`
	User         string     `json:"user,omitempty"`
	Tool         string     `json:"tool,omitempty"`
	RuleID       string     `json:"ruleId,omitempty"`
	Severity     string     `json:"severity,omitempty"`
	Details      string     `json:"details,omitempty"`
	AuditID      string     `json:"auditId,omitempty"`
	Automated    bool       `json:"automated"`
	CreatedAt    time.Time  `json:"createdAt"`
	ClearedAt    *time.Time `json:"clearedAt,omitempty"`
}

// RecordRevocation stores r and returns its id. Subject defaults from the
// session key and user.
func (s *SQLiteStore) RecordRevocation(ctx context.Context, r Revocation) (int64, error) {
	if r.Subject == "" {
		r.Subject = Subject(r.SessionKeyID, r.User)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO revocations (subject, session_key_id, user_id, tool_name, rule_id, severity, details, audit_id, automated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Subject, r.SessionKeyID, r.User, r.Tool, r.RuleID, r.Severity, r.Details, r.AuditID, r.Automated, r.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record revocation: %w", err)
	}
	return res.LastInsertId()
}

// IsRevoked reports whether subject has an uncleared revocation.
func (s *SQLiteStore) IsRevoked(ctx context.Context, subject string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revocations WHERE subject = ? AND cleared_at IS NULL`, subject,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query revocation: %w", err)
	}
	return n > 0, nil
}

// ClearRevocation lifts every active revocation for subject.
func (s *SQLiteStore) ClearRevocation(ctx context.Context, subject string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE revocations SET cleared_at = ? WHERE subject = ? AND cleared_at IS NULL`,
		s.now().UTC(), subject,
	)
	if err != nil {
		return fmt.Errorf("clear revocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRevocations returns the most recent revocations, newest first.
func (s *SQLiteStore) ListRevocations(ctx context.Context, limit int) ([]Revocation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject, session_key_id, user_id, tool_name, rule_id, severity, details, audit_id, automated, created_at, cleared_at
		 FROM revocations ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list revocations: %w", err)
	}
	defer rows.Close()

	var out []Revocation
	for rows.Next() {
		var r Revocation
		var cleared sql.NullTime
		if err := rows.Scan(&r.ID, &r.Subject, &r.SessionKeyID, &r.User, &r.Tool, &r.RuleID,
			&r.Severity, &r.Details, &r.AuditID, &r.Automated, &r.CreatedAt, &cleared); err != nil {
			return nil, fmt.Errorf("scan revocation: %w", err)
		}
		if cleared.Valid {
			t := cleared.Time
			r.ClearedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PausedTool is a tool blocked by an operator or an anomaly rule.
type PausedTool struct {
	Tool     string    `json:"tool"`
	Reason   string    `json:"reason,omitempty"`
	PausedBy string    `json:"pausedBy,omitempty"`
	PausedAt time.Time `json:"pausedAt"`
}

// PauseTool blocks tool until ResumeTool. Pausing twice updates the reason.
func (s *SQLiteStore) PauseTool(ctx context.Context, tool, reason, by string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO paused_tools (tool_name, reason, paused_by, paused_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(tool_name) DO UPDATE SET reason = excluded.reason, paused_by = excluded.paused_by, paused_at = excluded.paused_at`,
		tool, reason, by, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("pause tool: %w", err)
	}
	return nil
}

// ResumeTool unblocks tool. It returns ErrNotFound if tool was not paused.
func (s *SQLiteStore) ResumeTool(ctx context.Context, tool string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM paused_tools WHERE tool_name = ?`, tool)
	if err != nil {
		return fmt.Errorf("resume tool: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsPaused reports whether tool is paused and why.
func (s *SQLiteStore) IsPaused(ctx context.Context, tool string) (bool, string, error) {
	var reason string
	err := s.db.QueryRowContext(ctx, `SELECT reason FROM paused_tools WHERE tool_name = ?`, tool).Scan(&reason)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("query paused tool: %w", err)
	}
	return true, reason, nil
}

func (s *SQLiteStore) ListPaused(ctx context.Context) ([]PausedTool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool_name, reason, paused_by, paused_at FROM paused_tools ORDER BY tool_name`)
	if err != nil {
		return nil, fmt.Errorf("list paused tools: %w", err)
	}
	defer rows.Close()

	var out []PausedTool
	for rows.Next() {
		var p PausedTool
		if err := rows.Scan(&p.Tool, &p.Reason, &p.PausedBy, &p.PausedAt); err != nil {
			return nil, fmt.Errorf("scan paused tool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Control is a named on/off switch.
type Control struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

// SetEmergencyStop turns the global stop on or off.
func (s *SQLiteStore) SetEmergencyStop(ctx context.Context, active bool, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO controls (name, active, reason, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET active = excluded.active, reason = excluded.reason, updated_at = excluded.updated_at`,
		emergencyStopControl, active, reason, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set emergency stop: %w", err)
	}
	if active {
		s.logger.Warn("emergency stop engaged", "reason", reason)
	} else {
		s.logger.Info("emergency stop released")
	}
	return nil
}

// EmergencyStop returns the current emergency-stop state.
func (s *SQLiteStore) EmergencyStop(ctx context.Context) (Control, error) {
	var c Control
	err := s.db.QueryRowContext(ctx,
		`SELECT active, reason, updated_at FROM controls WHERE name = ?`, emergencyStopControl,
	).Scan(&c.Active, &c.Reason, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Control{}, nil
	}
	if err != nil {
		return Control{}, fmt.Errorf("query emergency stop: %w", err)
	}
	return c, nil
}
