package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/bus"
	"agentguard/internal/guard"
	"agentguard/internal/metrics"
	"agentguard/internal/store"
	"agentguard/internal/tool"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// ControlStore is what the operator endpoints need from the control store.
// *store.SQLiteStore satisfies it.
type ControlStore interface {
	Ping(ctx context.Context) error
	EmergencyStop(ctx context.Context) (store.Control, error)
	SetEmergencyStop(ctx context.Context, active bool, reason string) error
	PauseTool(ctx context.Context, tool, reason, by string) error
	ResumeTool(ctx context.Context, tool string) error
	ListPaused(ctx context.Context) ([]store.PausedTool, error)
	ListRevocations(ctx context.Context, limit int) ([]store.Revocation, error)
	ClearRevocation(ctx context.Context, subject string) error
}

// Config wires the operator API.
type Config struct {
	Addr        string
	APIKey      string // empty disables auth; only sensible on loopback
	Guard       *guard.Guard
	Tools       *tool.Registry
	Audit       *audit.Logger
	AuditPath   string
	Store       ControlStore
	Events      *bus.EventBus
	Metrics     *metrics.Metrics
	MetricsPath string // empty disables the scrape endpoint
	Logger      *slog.Logger
}

// Server is the operator HTTP API.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	httpSrv *http.Server
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Guard == nil || cfg.Tools == nil {
		return nil, errors.New("api: guard and tool registry are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{cfg: cfg, logger: cfg.Logger}, nil
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware(s.cfg.Metrics))

	r.Get("/healthz", s.HealthHandler)
	if s.cfg.MetricsPath != "" && s.cfg.Metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.cfg.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.APIKey, s.logger))

		r.Get("/v1/tools", s.ToolListHandler)
		r.Post("/v1/tools/{name}/invoke", s.ToolInvokeHandler)
		r.Post("/v1/tools/{name}/pause", s.ToolPauseHandler)
		r.Post("/v1/tools/{name}/resume", s.ToolResumeHandler)

		r.Get("/v1/policy", s.PolicyDocumentHandler)
		r.Get("/v1/policy/{tool}", s.PolicyResolveHandler)
		r.Post("/v1/policy/reload", s.PolicyReloadHandler)

		r.Get("/v1/audit", s.AuditQueryHandler)
		r.Get("/v1/audit/stats", s.AuditStatsHandler)
		r.Get("/v1/audit/verify", s.AuditVerifyHandler)

		r.Get("/v1/events", s.EventsHandler)

		r.Get("/v1/controls", s.ControlsHandler)
		r.Post("/v1/emergency-stop", s.EmergencyStopHandler)
		r.Delete("/v1/emergency-stop", s.EmergencyClearHandler)
		r.Get("/v1/revocations", s.RevocationListHandler)
		r.Delete("/v1/revocations/{subject}", s.RevocationClearHandler)
	})

	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpSrv = &http.Server{
		Handler:           s.BuildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Invocations can block on a chat confirmation.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", ln.Addr().String(), "auth", s.cfg.APIKey != "")
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info("api server shutting down")
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
