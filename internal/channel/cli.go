package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"agentguard/internal/domain"
)

const cliChatID = "direct"

// CLI implements domain.Channel for an operator terminal. Input lines are
// published as the configured user; confirmation prompts arrive as
// outbound messages and are answered on the next line.
type CLI struct {
	bus    domain.MessageBus
	logger *slog.Logger
	user   string
	in     io.Reader

	mu  sync.Mutex // serializes writes to out
	out io.Writer
}

type CLIConfig struct {
	User   string
	Logger *slog.Logger
	In     io.Reader
	Out    io.Writer
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.User == "" {
		cfg.User = "local"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CLI{
		logger: cfg.Logger,
		user:   cfg.User,
		in:     cfg.In,
		out:    cfg.Out,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, /quit or context cancellation.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound(c.Name(), func(msg domain.OutboundMessage) {
		_ = c.Send(context.Background(), msg.ChatID, msg.Content)
	})

	c.printf("agentguard console (user %q). Type /help for commands, /quit to exit.\n> ", c.user)

	lines := make(chan string)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			if line == "" {
				c.printf("> ")
				continue
			}
			if line == "/quit" || line == "/exit" || line == "/q" {
				c.logger.Info("user requested quit")
				return nil
			}
			c.bus.Publish(domain.InboundMessage{
				Channel:   c.Name(),
				ChatID:    cliChatID,
				SenderID:  c.user,
				Content:   line,
				Timestamp: time.Now(),
			})
		}
	}
}

// Stop is a no-op for CLI (we exit when Start returns).
func (c *CLI) Stop() error { return nil }

func (c *CLI) Send(_ context.Context, _ string, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.out, "\n%s\n> ", content)
	return err
}

func (c *CLI) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}
