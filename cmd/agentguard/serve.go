package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"agentguard/internal/agent"
	"agentguard/internal/anomaly"
	"agentguard/internal/api"
	"agentguard/internal/audit"
	"agentguard/internal/bus"
	"agentguard/internal/channel"
	"agentguard/internal/config"
	"agentguard/internal/domain"
	"agentguard/internal/gate"
	"agentguard/internal/guard"
	"agentguard/internal/metrics"
	"agentguard/internal/policy"
	"agentguard/internal/revoke"
	"agentguard/internal/store"
	"agentguard/internal/tool"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	var noCLI bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane (channels + dispatch loop + operator API)",
		Long:  "Starts all enabled chat channels, the guarded dispatch loop, the policy watcher and the operator API. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(noCLI)
		},
	}
	cmd.Flags().BoolVar(&noCLI, "no-cli", false, "disable the terminal channel (for running as a service)")
	return cmd
}

func runServe(noCLI bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noCLI {
		cfg.Channels.CLI.Enabled = false
	}
	log, logCloser, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.Run(ctx)
}

// app is the fully wired control plane.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     *store.SQLiteStore
	audit     *audit.Logger
	sideClose io.Closer
	policy    *policy.Engine
	watcher   *policy.Watcher
	metrics   *metrics.Metrics
	events    *bus.EventBus
	bus       *bus.InMemoryBus
	gate      *gate.Gate
	revoke    *revoke.Service
	guard     *guard.Guard
	tools     *tool.Registry
	loop      *agent.Loop
	api       *api.Server
	channels  []domain.Channel
}

// buildApp wires every component from cfg. Nothing is started.
func buildApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	cfg, log := a.cfg, a.logger
	var err error

	a.metrics = metrics.New()
	a.events = bus.NewEventBus(log)

	a.store, err = store.NewSQLiteStore(cfg.Store.DBPath, log)
	if err != nil {
		return fmt.Errorf("control store: %w", err)
	}

	if err := a.openAudit(); err != nil {
		return err
	}

	a.policy, err = policy.NewEngine(policy.EngineConfig{
		Path:      cfg.Policy.Path,
		Bootstrap: cfg.Policy.Bootstrap,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("policy engine: %w", err)
	}
	if cfg.Policy.Watch && cfg.Policy.Path != "" {
		a.watcher, err = policy.NewWatcher(a.policy, log, func(err error) {
			a.metrics.PolicyReload(err)
			if err == nil {
				a.events.Emit(bus.Event{Type: bus.EventPolicyReloaded, Source: "watcher", Payload: map[string]any{"path": cfg.Policy.Path}})
			}
		})
		if err != nil {
			return err
		}
	}

	a.bus = bus.New(100, log)
	a.bus.SetEvents(a.events)
	a.gate = gate.New(gate.Config{Logger: log})
	a.bus.SetInterceptor(a.gate.TryRoute)
	confirmer := gate.NewConfirmer(a.gate)

	a.metrics.GaugeFunc("confirmations_pending", "Confirmation prompts awaiting a reply.", func() float64 {
		return float64(a.gate.Pending())
	})
	auditLog := a.audit
	a.metrics.GaugeFunc("audit_buffered_records", "Audit records held in memory while degraded.", func() float64 {
		return float64(auditLog.Buffered())
	})

	screen, err := guard.NewScreen(cfg.Tools.Shell.BlockedPatterns, nil)
	if err != nil {
		return err
	}

	guardCfg := guard.Config{
		Policy:    a.policy,
		Audit:     a.audit,
		Confirmer: confirmer,
		Controls:  a.store,
		Screen:    screen,
		Events:    a.events,
		Metrics:   a.metrics,
		Logger:    log,
	}
	if cfg.AutoRevoke.Enabled {
		a.revoke = a.newRevokeService()
		guardCfg.Revoke = a.revoke
	}
	a.guard, err = guard.New(guardCfg)
	if err != nil {
		return err
	}

	a.tools = registerTools(cfg, log)
	a.loop = agent.NewLoop(agent.LoopConfig{
		Guard:       a.guard,
		Tools:       a.tools,
		Bus:         a.bus,
		Logger:      log,
		Concurrency: cfg.General.MaxConcurrentCalls,
	})

	a.channels = buildChannels(cfg, log)
	for _, ch := range a.channels {
		confirmer.RegisterSender(ch.Name(), ch)
	}

	if cfg.API.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		a.api, err = api.NewServer(api.Config{
			Addr:        net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
			APIKey:      cfg.API.APIKey,
			Guard:       a.guard,
			Tools:       a.tools,
			Audit:       a.audit,
			AuditPath:   cfg.Audit.Path,
			Store:       a.store,
			Events:      a.events,
			Metrics:     a.metrics,
			MetricsPath: metricsPath,
			Logger:      log,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *app) openAudit() error {
	sink, err := audit.OpenFile(a.cfg.Audit.Path)
	if err != nil {
		return err
	}

	var side io.Writer
	switch a.cfg.Audit.SideChannel {
	case "", "stderr":
		side = os.Stderr
	case "stdout":
		side = os.Stdout
	default:
		f, err := os.OpenFile(a.cfg.Audit.SideChannel, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			sink.Close()
			return fmt.Errorf("audit side channel: %w", err)
		}
		side = f
		a.sideClose = f
	}

	a.audit, err = audit.New(audit.Config{
		Sink:        sink,
		BufferSize:  a.cfg.Audit.BufferSize,
		SideChannel: side,
		Logger:      a.logger,
		OnDegraded: func(degraded bool) {
			a.metrics.AuditDegraded(degraded)
			eventType := bus.EventAuditRecovered
			if degraded {
				eventType = bus.EventAuditDegraded
			}
			a.events.EmitAsync(bus.Event{Type: eventType, Source: "audit"})
		},
	})
	if err != nil {
		sink.Close()
		return err
	}
	return nil
}

func (a *app) newRevokeService() *revoke.Service {
	rc := a.cfg.AutoRevoke
	actions := make(map[string]anomaly.Action, len(rc.Actions))
	for rule, action := range rc.Actions {
		actions[rule] = anomaly.Action(action)
	}
	suppress := time.Duration(rc.SuppressMinutes) * time.Minute
	if rc.SuppressMinutes < 0 {
		suppress = -1
	}
	return revoke.New(revoke.Config{
		Detector: anomaly.NewDetector(anomaly.Config{Logger: a.logger}),
		Handlers: revoke.NewStoreHandlers(revoke.StoreHandlersConfig{
			Store:           a.store,
			Bus:             a.bus,
			Events:          a.events,
			OperatorChannel: rc.OperatorChannel,
			OperatorChatID:  rc.OperatorChatID,
			Logger:          a.logger,
		}),
		Revocations:   a.store,
		BufferSize:    rc.BufferSize,
		Actions:       actions,
		DisabledRules: rc.DisabledRules,
		Suppress:      suppress,
		Logger:        a.logger,
		OnAction: func(r revoke.ActionResult) {
			if r.Suppressed {
				return
			}
			a.metrics.Anomaly(r.Anomaly.RuleID, string(r.Anomaly.Severity), string(r.Action), r.Err != nil)
		},
	})
}

func registerTools(cfg *config.Config, log *slog.Logger) *tool.Registry {
	reg := tool.NewRegistry(log)
	if cfg.Tools.Shell.Enabled {
		reg.Register(tool.NewShellTool(tool.ShellConfig{
			WorkingDir:     cfg.General.Workspace,
			TimeoutSeconds: cfg.Tools.Shell.Timeout,
			MaxOutputBytes: cfg.Tools.Shell.MaxOutputBytes,
		}))
	}
	if cfg.Tools.Files.Enabled {
		reg.Register(tool.NewReadFileTool(cfg.General.Workspace))
		reg.Register(tool.NewWriteFileTool(cfg.General.Workspace))
		reg.Register(tool.NewListDirTool(cfg.General.Workspace))
	}
	return reg
}

func buildChannels(cfg *config.Config, log *slog.Logger) []domain.Channel {
	var chs []domain.Channel
	if c := cfg.Channels.Telegram; c.Enabled && c.Token != "" {
		chs = append(chs, channel.NewTelegram(channel.TelegramConfig{
			Token:     c.Token,
			AllowFrom: c.AllowFrom,
			ParseMode: c.ParseMode,
			Logger:    log,
		}))
	}
	if c := cfg.Channels.Discord; c.Enabled && c.Token != "" {
		chs = append(chs, channel.NewDiscord(channel.DiscordConfig{
			Token:   c.Token,
			GuildID: c.GuildID,
			Logger:  log,
		}))
	}
	if c := cfg.Channels.Slack; c.Enabled && c.BotToken != "" && c.AppToken != "" {
		chs = append(chs, channel.NewSlack(channel.SlackConfig{
			BotToken: c.BotToken,
			AppToken: c.AppToken,
			Logger:   log,
		}))
	}
	if cfg.Channels.CLI.Enabled {
		chs = append(chs, channel.NewCLI(channel.CLIConfig{User: cfg.Channels.CLI.User, Logger: log}))
	}
	return chs
}

// Run starts everything under one errgroup and blocks until ctx is done,
// the CLI channel exits or a fatal component fails. Channel failures are
// logged and leave the rest running.
func (a *app) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.loop.Run(gctx)
		return nil
	})

	for _, ch := range a.channels {
		g.Go(func() error {
			err := ch.Start(gctx, a.bus)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("channel stopped", "channel", ch.Name(), "err", err)
			}
			if ch.Name() == "cli" {
				// Leaving the REPL stops the process.
				cancel()
			}
			return nil
		})
		a.logger.Info("channel enabled", "channel", ch.Name())
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}

	a.logger.Info("agentguard started. Press Ctrl+C to stop.",
		"channels", len(a.channels), "tools", len(a.tools.Names()), "api", a.api != nil,
		"auto_revoke", a.revoke != nil)

	err := g.Wait()
	a.logger.Info("shutting down")

	for _, ch := range a.channels {
		if serr := ch.Stop(); serr != nil {
			a.logger.Warn("channel stop", "channel", ch.Name(), "err", serr)
		}
	}
	a.bus.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close flushes the audit log and releases storage. Safe on a partially
// built app.
func (a *app) Close() error {
	var errs []error
	if a.watcher != nil {
		errs = append(errs, a.watcher.Close())
		a.watcher = nil
	}
	if a.audit != nil {
		if n := a.audit.PendingCount(); n > 0 {
			a.logger.Warn("closing audit log with unfinalized intents", "pending", n)
		}
		errs = append(errs, a.audit.Close())
		a.audit = nil
	}
	if a.sideClose != nil {
		errs = append(errs, a.sideClose.Close())
		a.sideClose = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	return errors.Join(errs...)
}
