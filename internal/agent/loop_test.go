package agent

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/bus"
	"agentguard/internal/domain"
	"agentguard/internal/guard"
	"agentguard/internal/policy"
	"agentguard/internal/tool"
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
fallback:
  tier: none
`

type echoTool struct {
	name  string
	level domain.SecurityLevel
	err   error
}

func (e *echoTool) Name() string                { return e.name }
func (e *echoTool) Description() string         { return "echoes its params" }
func (e *echoTool) Level() domain.SecurityLevel { return e.level }
func (e *echoTool) Parameters() map[string]any  { return map[string]any{"type": "object"} }

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	return "echo " + tool.ArgsString(args, "path"), nil
}

type fixture struct {
	loop      *Loop
	bus       *bus.InMemoryBus
	auditPath string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policyPath, []byte(testPolicy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	engine, err := policy.NewEngine(policy.EngineConfig{Path: policyPath, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	auditPath := filepath.Join(dir, "audit.jsonl")
	sink, err := audit.OpenFile(auditPath)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	log, err := audit.New(audit.Config{Sink: sink, SideChannel: &strings.Builder{}, Logger: testLogger()})
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	g, err := guard.New(guard.Config{Policy: engine, Audit: log, Logger: testLogger()})
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}

	reg := tool.NewRegistry(testLogger())
	reg.Register(&echoTool{name: "read_file", level: domain.LevelRead})
	reg.Register(&echoTool{name: "shell", level: domain.LevelWrite})
	reg.Register(&echoTool{name: "broken", level: domain.LevelRead, err: errors.New("boom")})

	b := bus.New(10, testLogger())
	loop := NewLoop(LoopConfig{Guard: g, Tools: reg, Bus: b, Logger: testLogger()})
	return &fixture{loop: loop, bus: b, auditPath: auditPath}
}

func direct(content string) domain.InboundMessage {
	return domain.InboundMessage{Channel: "cli", ChatID: "direct", SenderID: "alice", Content: content}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		name string
		args int
		rest string
	}{
		{"/help", "help", 0, ""},
		{"  /RUN read_file {\"path\": \"a b\"}", "run", 3, `read_file {"path": "a b"}`},
		{"/sh@guard_bot ls -la", "sh", 1, "ls -la"},
	}
	for _, tt := range tests {
		cmd := ParseCommand(tt.in)
		if cmd == nil {
			t.Fatalf("ParseCommand(%q) = nil", tt.in)
		}
		if cmd.Name != tt.name || len(cmd.Args) != tt.args || cmd.Rest != tt.rest {
			t.Errorf("ParseCommand(%q) = %+v", tt.in, cmd)
		}
	}
	for _, in := range []string{"hello", "", "/"} {
		if cmd := ParseCommand(in); cmd != nil {
			t.Errorf("ParseCommand(%q) should be nil, got %+v", in, cmd)
		}
	}
}

func TestHandleMessage_RunReadTool(t *testing.T) {
	f := newFixture(t)
	reply := f.loop.HandleMessage(context.Background(), direct(`/run read_file {"path": "notes.md"}`))
	if !strings.Contains(reply, "read_file ok") || !strings.Contains(reply, "echo notes.md") {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if !strings.Contains(reply, "[audit ") {
		t.Errorf("reply should carry the audit id: %q", reply)
	}

	entries, err := audit.Query(f.auditPath, audit.Filter{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(entries) != 1 || entries[0].Tool != "read_file" || entries[0].Result != audit.ResultSuccess {
		t.Fatalf("expected one successful audit entry, got %+v", entries)
	}
}

func TestHandleMessage_WriteWithoutConfirmerIsRefused(t *testing.T) {
	f := newFixture(t)
	reply := f.loop.HandleMessage(context.Background(), direct("/sh rm notes.md"))
	if !strings.Contains(reply, "shell refused") {
		t.Fatalf("expected refusal, got %q", reply)
	}
}

func TestHandleMessage_ToolError(t *testing.T) {
	f := newFixture(t)
	reply := f.loop.HandleMessage(context.Background(), direct("/run broken"))
	if !strings.Contains(reply, "broken failed: boom") {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestHandleMessage_Errors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		in   string
		want string
	}{
		{"/run nope", `unknown tool "nope"`},
		{"/run read_file {bad", "invalid params"},
		{"/run", "Usage: /run"},
		{"/sh", "Usage: /sh"},
		{"/policy", "Usage: /policy"},
		{"/frobnicate", "Unknown command /frobnicate"},
	}
	for _, tt := range tests {
		reply := f.loop.HandleMessage(context.Background(), direct(tt.in))
		if !strings.Contains(reply, tt.want) {
			t.Errorf("HandleMessage(%q) = %q, want substring %q", tt.in, reply, tt.want)
		}
	}
}

func TestHandleMessage_JSONToolCall(t *testing.T) {
	f := newFixture(t)
	reply := f.loop.HandleMessage(context.Background(), direct(`{"name": "read_file", "arguments": {"path": "x"}}`))
	if !strings.Contains(reply, "read_file ok") {
		t.Fatalf("unexpected reply: %q", reply)
	}
}

func TestHandleMessage_GroupChatterIgnored(t *testing.T) {
	f := newFixture(t)
	msg := domain.InboundMessage{Channel: "telegram", ChatID: "-100", SenderID: "1", Content: "hi all", IsGroup: true}
	if reply := f.loop.HandleMessage(context.Background(), msg); reply != "" {
		t.Fatalf("group chatter should be ignored, got %q", reply)
	}
	if reply := f.loop.HandleMessage(context.Background(), direct("hi")); !strings.Contains(reply, "/help") {
		t.Fatalf("direct chatter should get a hint, got %q", reply)
	}
}

func TestHandleCommand_Info(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if reply := f.loop.HandleMessage(ctx, direct("/whoami")); !strings.Contains(reply, "User: alice") {
		t.Errorf("whoami: %q", reply)
	}
	tools := f.loop.HandleMessage(ctx, direct("/tools"))
	for _, want := range []string{"read_file", "shell", "tier 2"} {
		if !strings.Contains(tools, want) {
			t.Errorf("tools reply missing %q: %q", want, tools)
		}
	}
	if reply := f.loop.HandleMessage(ctx, direct("/policy shell")); !strings.Contains(reply, `"tier": 2`) {
		t.Errorf("policy: %q", reply)
	}
	if reply := f.loop.HandleMessage(ctx, direct("/status")); !strings.Contains(reply, "Tools: 3 registered") {
		t.Errorf("status: %q", reply)
	}
}

func TestRun_RepliesThroughBus(t *testing.T) {
	f := newFixture(t)
	replies := make(chan domain.OutboundMessage, 1)
	f.bus.OnOutbound("cli", func(msg domain.OutboundMessage) { replies <- msg })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.loop.Run(ctx)

	f.bus.Publish(direct(`/run read_file {"path": "a"}`))
	select {
	case msg := <-replies:
		if msg.ChatID != "direct" || !strings.Contains(msg.Content, "echo a") {
			t.Fatalf("unexpected outbound: %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply from loop")
	}
}
