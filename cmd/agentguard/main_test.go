package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/config"
	"agentguard/internal/domain"
	"agentguard/internal/policy"
)

func TestMain(m *testing.M) {
	logger = testLogger()
	os.Exit(m.Run())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig returns a valid config rooted in a temp dir with no chat
// channels, saved to disk and selected through --config.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.General.Workspace = filepath.Join(dir, "workspace")
	cfg.General.DataDir = dir
	cfg.Policy.Path = filepath.Join(dir, "policy.yaml")
	cfg.Audit.Path = filepath.Join(dir, "audit.jsonl")
	cfg.Audit.SideChannel = filepath.Join(dir, "audit-side.jsonl")
	cfg.Store.DBPath = filepath.Join(dir, "agentguard.db")
	cfg.Channels.CLI.Enabled = false
	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "config.json")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
	return cfg
}

func TestApp_EndToEndOverBus(t *testing.T) {
	cfg := testConfig(t)
	if _, err := policy.WriteTemplate(cfg.Policy.Path); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cfg.General.Workspace, "hello.txt"), []byte("hi there"), 0o644); err != nil {
		t.Fatal(err)
	}

	a, err := buildApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()

	if a.api != nil {
		t.Fatal("api should be disabled by default")
	}
	if got := strings.Join(a.tools.Names(), ","); got != "list_dir,read_file,shell,write_file" {
		t.Fatalf("tools = %s", got)
	}

	replies := make(chan string, 4)
	a.bus.OnOutbound("test", func(msg domain.OutboundMessage) { replies <- msg.Content })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	send := func(content string) string {
		t.Helper()
		a.bus.Publish(domain.InboundMessage{Channel: "test", ChatID: "alice", SenderID: "alice", Content: content, Timestamp: time.Now()})
		select {
		case r := <-replies:
			return r
		case <-time.After(5 * time.Second):
			t.Fatalf("no reply to %q", content)
			return ""
		}
	}

	if r := send(`/run read_file {"path":"hello.txt"}`); !strings.Contains(r, "read_file ok") || !strings.Contains(r, "hi there") {
		t.Fatalf("read reply = %q", r)
	}
	// No sender is registered for "test", so a write cannot be confirmed.
	if r := send(`/run write_file {"path":"out.txt","content":"x"}`); !strings.Contains(r, "refused") {
		t.Fatalf("write reply = %q", r)
	}
	if _, err := os.Stat(filepath.Join(cfg.General.Workspace, "out.txt")); !os.IsNotExist(err) {
		t.Fatal("refused write must not touch the workspace")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}

	entries, err := audit.Query(cfg.Audit.Path, audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %d, want 2", len(entries))
	}
	if entries[0].Tool != "read_file" || entries[0].Result != audit.ResultSuccess {
		t.Fatalf("first entry = %+v", entries[0])
	}
	if entries[1].Tool != "write_file" || entries[1].Result == audit.ResultSuccess {
		t.Fatalf("second entry = %+v", entries[1])
	}
	if res := audit.Verify(cfg.Audit.Path); !res.Valid {
		t.Fatalf("chain: %+v", res)
	}
}

func TestBuildApp_WithAPI(t *testing.T) {
	cfg := testConfig(t)
	cfg.API.Enabled = true
	cfg.API.Port = 0
	cfg.AutoRevoke.Enabled = false

	a, err := buildApp(cfg, testLogger())
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	defer a.Close()
	if a.api == nil || a.revoke != nil {
		t.Fatalf("api=%v revoke=%v", a.api != nil, a.revoke != nil)
	}
}

func TestBuildApp_BadPatternFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tools.Shell.BlockedPatterns = []string{"(unclosed"}
	if _, err := buildApp(cfg, testLogger()); err == nil {
		t.Fatal("expected error for invalid blocked pattern")
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Policy.Path, []byte("version: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.Audit.Path, []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	archive := filepath.Join(t.TempDir(), "backup.tar.gz")

	var out bytes.Buffer
	backup := backupCmd()
	backup.SetOut(&out)
	backup.SetArgs([]string{"-o", archive})
	if err := backup.Execute(); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if !strings.Contains(out.String(), "policy.yaml") || !strings.Contains(out.String(), "audit.jsonl") {
		t.Fatalf("backup output = %s", out.String())
	}

	if err := os.WriteFile(cfg.Policy.Path, []byte("changed\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	restore := restoreCmd()
	restore.SetOut(&out)
	restore.SetArgs([]string{archive})
	if err := restore.Execute(); err == nil {
		t.Fatal("restore over existing data should need --force")
	}

	restore = restoreCmd()
	restore.SetOut(&out)
	restore.SetArgs([]string{"--force", archive})
	if err := restore.Execute(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	data, err := os.ReadFile(cfg.Policy.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "version: 1\n" {
		t.Fatalf("policy after restore = %q", data)
	}
}

func TestDoctor(t *testing.T) {
	var out bytes.Buffer
	if err := runDoctor(&out, filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("missing config should fail")
	}

	testConfig(t)
	out.Reset()
	if err := runDoctor(&out, resolveConfigPath()); err != nil {
		t.Fatalf("doctor: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "[WARN] Policy") {
		t.Fatalf("missing policy should warn:\n%s", out.String())
	}
}

func TestPolicyCheck_Escalation(t *testing.T) {
	cfg := testConfig(t)
	var out bytes.Buffer
	initPolicy := policyCmd()
	initPolicy.SetOut(&out)
	initPolicy.SetArgs([]string{"init"})
	if err := initPolicy.Execute(); err != nil {
		t.Fatalf("policy init: %v", err)
	}
	if _, err := os.Stat(cfg.Policy.Path); err != nil {
		t.Fatalf("template not written: %v", err)
	}

	out.Reset()
	check := policyCmd()
	check.SetOut(&out)
	check.SetArgs([]string{"check", "wallet_transfer", "amount=5000"})
	if err := check.Execute(); err != nil {
		t.Fatalf("policy check: %v", err)
	}
	if !strings.Contains(out.String(), `"effectiveTier": 1`) {
		t.Fatalf("expected escalation to tier 1:\n%s", out.String())
	}
}

func TestParseParamArgs(t *testing.T) {
	params, err := parseParamArgs([]string{"amount=12.5", "dry=true", "to=bob", "memo=a=b"})
	if err != nil {
		t.Fatal(err)
	}
	if params["amount"] != 12.5 || params["dry"] != true || params["to"] != "bob" || params["memo"] != "a=b" {
		t.Fatalf("params = %#v", params)
	}
	if _, err := parseParamArgs([]string{"novalue"}); err == nil {
		t.Fatal("expected error for missing '='")
	}
}

func TestRenderService_Systemd(t *testing.T) {
	var out bytes.Buffer
	svc := service{Exec: "/opt/agent guard/bin", Config: "/etc/agentguard.json"}
	if err := renderService(&out, systemdTemplate, svc); err != nil {
		t.Fatal(err)
	}
	want := `ExecStart="/opt/agent guard/bin" serve --no-cli --config /etc/agentguard.json`
	if !strings.Contains(out.String(), want) {
		t.Fatalf("unit:\n%s", out.String())
	}
}
