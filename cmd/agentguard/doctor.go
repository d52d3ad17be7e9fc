package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/config"
	"agentguard/internal/guard"
	"agentguard/internal/policy"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your agentguard installation",
		Long: `Verifies that the configuration, policy document, audit log, control
database and operator API port are correctly set up. Reports pass/fail for
each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd.OutOrStdout(), resolveConfigPath())
		},
	}
}

type doctor struct {
	w                      io.Writer
	passed, failed, warned int
}

func (d *doctor) pass(check, detail string) {
	fmt.Fprintf(d.w, "  [PASS] %-20s %s\n", check, detail)
	d.passed++
}

func (d *doctor) fail(check, detail string) {
	fmt.Fprintf(d.w, "  [FAIL] %-20s %s\n", check, detail)
	d.failed++
}

func (d *doctor) warn(check, detail string) {
	fmt.Fprintf(d.w, "  [WARN] %-20s %s\n", check, detail)
	d.warned++
}

func runDoctor(w io.Writer, cfgPath string) error {
	d := &doctor{w: w}
	fmt.Fprintf(w, "agentguard doctor v%s\n\n", version)

	if _, err := os.Stat(cfgPath); err != nil {
		d.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		fmt.Fprintf(w, "\nRun 'agentguard init' to create a default configuration.\n")
		return fmt.Errorf("1 check(s) failed")
	}
	d.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		d.fail("Config validation", err.Error())
		return d.summary()
	}
	d.pass("Config validation", "valid")

	if info, err := os.Stat(cfg.General.Workspace); err != nil {
		d.fail("Workspace", fmt.Sprintf("not found: %s", cfg.General.Workspace))
	} else if !info.IsDir() {
		d.fail("Workspace", fmt.Sprintf("not a directory: %s", cfg.General.Workspace))
	} else {
		d.pass("Workspace", cfg.General.Workspace)
	}

	doc, err := policy.LoadFile(cfg.Policy.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if cfg.Policy.Bootstrap {
			d.warn("Policy", "missing; a template is written on first use")
		} else {
			d.warn("Policy", "missing; every tool falls back to the built-in default")
		}
	case err != nil:
		d.fail("Policy", err.Error())
	default:
		d.pass("Policy", fmt.Sprintf("%s (%d tools, %d wildcards)", cfg.Policy.Path, len(doc.Tools), len(doc.Wildcards)))
	}

	if _, err := guard.NewScreen(cfg.Tools.Shell.BlockedPatterns, nil); err != nil {
		d.fail("Blocked patterns", err.Error())
	} else {
		d.pass("Blocked patterns", fmt.Sprintf("%d compiled", len(cfg.Tools.Shell.BlockedPatterns)))
	}

	if err := checkAuditLog(cfg.Audit.Path); err != nil {
		d.fail("Audit log", err.Error())
	} else if res := audit.Verify(cfg.Audit.Path); !res.Valid {
		d.fail("Audit chain", fmt.Sprintf("broken at line %d: %s", res.ErrorLine, res.Error))
	} else {
		d.pass("Audit log", cfg.Audit.Path)
	}

	if err := checkDatabase(cfg.Store.DBPath); err != nil {
		d.fail("Database", err.Error())
	} else {
		d.pass("Database", cfg.Store.DBPath)
	}

	channels := 0
	for name, on := range map[string]bool{
		"telegram": cfg.Channels.Telegram.Enabled,
		"discord":  cfg.Channels.Discord.Enabled,
		"slack":    cfg.Channels.Slack.Enabled,
		"cli":      cfg.Channels.CLI.Enabled,
	} {
		if on {
			channels++
			d.pass("Channel: "+name, "enabled")
		}
	}
	if channels == 0 {
		d.warn("Channels", "none enabled; confirmations can only fail")
	}

	if cfg.API.Enabled {
		addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
		if err := checkPort(addr); err != nil {
			d.warn("API port", fmt.Sprintf("%s may be in use: %v", addr, err))
		} else {
			d.pass("API port", addr+" available")
		}
		if cfg.API.APIKey == "" {
			d.warn("API key", "not set; the operator API is unauthenticated")
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			d.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			d.pass("Log file", cfg.General.LogFile)
		}
	}

	return d.summary()
}

func (d *doctor) summary() error {
	fmt.Fprintf(d.w, "\nResults: %d passed, %d warnings, %d failed\n", d.passed, d.warned, d.failed)
	if d.failed > 0 {
		fmt.Fprintf(d.w, "\nPlease fix the failed checks before running agentguard.\n")
		return fmt.Errorf("%d check(s) failed", d.failed)
	}
	if d.warned == 0 {
		fmt.Fprintf(d.w, "\nAll checks passed.\n")
	}
	return nil
}

// checkAuditLog makes sure the audit log directory exists and the file can
// be appended to.
func checkAuditLog(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("cannot create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	return f.Close()
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test") //nolint:errcheck
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
