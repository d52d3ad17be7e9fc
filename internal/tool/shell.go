package tool

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"agentguard/internal/domain"
)

const (
	defaultShellTimeout   = 30
	defaultMaxOutputBytes = 65536
)

// ShellTool runs a command with sh -c. It is write-level: the guard
// confirms it before it runs.
type ShellTool struct {
	workingDir     string
	timeout        time.Duration
	maxOutputBytes int
}

type ShellConfig struct {
	WorkingDir     string
	TimeoutSeconds int
	MaxOutputBytes int
}

func NewShellTool(cfg ShellConfig) *ShellTool {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultShellTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	return &ShellTool{
		workingDir:     cfg.WorkingDir,
		timeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

func (s *ShellTool) Name() string { return "shell" }

func (s *ShellTool) Description() string {
	return "Execute a shell command. Returns combined stdout and stderr."
}

func (s *ShellTool) Level() domain.SecurityLevel { return domain.LevelWrite }

func (s *ShellTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"command": {Type: "string", Description: "The shell command to execute (e.g. 'ls -la', 'git status')"},
		},
		[]string{"command"},
	)
}

func (s *ShellTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(ArgsString(args, "command"))
	if command == "" {
		return "", fmt.Errorf("missing argument: command")
	}

	dir := s.workingDir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = absDir

	output, err := cmd.CombinedOutput()
	result := s.truncate(string(output))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return result, fmt.Errorf("command timed out after %s", s.timeout)
		}
		if ctx.Err() != nil {
			return result, fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		return result, fmt.Errorf("exit: %w", err)
	}
	return result, nil
}

func (s *ShellTool) truncate(out string) string {
	if s.maxOutputBytes > 0 && len(out) > s.maxOutputBytes {
		return out[:s.maxOutputBytes] + "\n... (output truncated)"
	}
	return out
}
