package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/bus"
	"agentguard/internal/domain"
	"agentguard/internal/guard"
	"agentguard/internal/store"

	"github.com/go-chi/chi/v5"
)

// HealthHandler reports liveness plus the audit and control store state.
// It answers 503 while the audit log is degraded.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"uptime": s.cfg.Metrics.Uptime().Round(time.Second).String(),
	}
	code := http.StatusOK
	if s.cfg.Audit != nil {
		degraded := s.cfg.Audit.IsDegraded()
		resp["audit"] = map[string]any{
			"degraded": degraded,
			"buffered": s.cfg.Audit.Buffered(),
			"dropped":  s.cfg.Audit.Dropped(),
			"pending":  s.cfg.Audit.PendingCount(),
		}
		if degraded {
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			resp["store"] = err.Error()
			resp["status"] = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			resp["store"] = "ok"
		}
	}
	writeJSON(w, code, resp)
}

func (s *Server) ToolListHandler(w http.ResponseWriter, r *http.Request) {
	defs := s.cfg.Tools.Definitions()
	type toolView struct {
		Name        string               `json:"name"`
		Description string               `json:"description"`
		Level       domain.SecurityLevel `json:"level"`
		Tier        domain.Tier          `json:"tier"`
	}
	out := make([]toolView, 0, len(defs))
	for _, d := range defs {
		pol := s.cfg.Guard.Policy().Resolve(d.Name)
		out = append(out, toolView{Name: d.Name, Description: d.Description, Level: d.Level, Tier: pol.Tier})
	}
	writeJSON(w, http.StatusOK, out)
}

type invokeRequest struct {
	Params       map[string]any `json:"params"`
	User         string         `json:"user"`
	SessionKeyID string         `json:"sessionKeyId,omitempty"`
	// Channel and ChatID route the confirmation prompt to a chat. Without
	// them a call that needs confirmation is refused.
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	IsGroup bool   `json:"isGroup,omitempty"`
}

type invokeResponse struct {
	guard.Outcome
	Error string `json:"error,omitempty"`
}

// ToolInvokeHandler runs a tool through the guard on behalf of an agent
// runtime. Refusals answer 403, refusals caused by an unavailable
// dependency 503.
func (s *Server) ToolInvokeHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	t := s.cfg.Tools.Get(name)
	if t == nil {
		writeError(w, http.StatusNotFound, "unknown tool "+name)
		return
	}

	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.User) == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}
	if req.Params == nil {
		req.Params = map[string]any{}
	}
	if req.Channel == "" {
		req.Channel = "api"
	}

	out := s.cfg.Guard.Execute(r.Context(), guard.Call{
		Tool:         name,
		Params:       req.Params,
		User:         req.User,
		Channel:      req.Channel,
		ChatID:       req.ChatID,
		IsGroup:      req.IsGroup,
		SessionKeyID: req.SessionKeyID,
	}, t)

	resp := invokeResponse{Outcome: out}
	if out.Err != nil {
		resp.Error = out.Err.Error()
	}
	code := http.StatusOK
	switch {
	case out.Refused() && out.Result == audit.ResultError:
		code = http.StatusServiceUnavailable
	case out.Refused():
		code = http.StatusForbidden
	}
	writeJSON(w, code, resp)
}

type pauseRequest struct {
	Reason string `json:"reason"`
	By     string `json:"by"`
}

func (s *Server) ToolPauseHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	name := chi.URLParam(r, "name")
	var req pauseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.By == "" {
		req.By = "operator"
	}
	if err := s.cfg.Store.PauseTool(r.Context(), name, req.Reason, req.By); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("tool paused by operator", "tool", name, "by", req.By, "reason", req.Reason)
	s.emit(bus.EventToolPaused, map[string]any{"tool": name, "reason": req.Reason, "by": req.By})
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "paused": true})
}

func (s *Server) ToolResumeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.cfg.Store.ResumeTool(r.Context(), name); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("tool resumed by operator", "tool", name)
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "paused": false})
}

func (s *Server) PolicyDocumentHandler(w http.ResponseWriter, r *http.Request) {
	doc := s.cfg.Guard.Policy().Document()
	writeJSON(w, http.StatusOK, map[string]any{
		"path":     s.cfg.Guard.Policy().Path(),
		"document": doc,
	})
}

// PolicyResolveHandler returns the effective policy. Query parameters are
// treated as call parameters so escalation can be previewed:
// /v1/policy/wallet_transfer?amount=5000
func (s *Server) PolicyResolveHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "tool")
	params := map[string]any{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	writeJSON(w, http.StatusOK, s.cfg.Guard.Policy().ResolveCall(name, params))
}

func (s *Server) PolicyReloadHandler(w http.ResponseWriter, r *http.Request) {
	err := s.cfg.Guard.Policy().Reload()
	s.cfg.Metrics.PolicyReload(err)
	if err != nil {
		s.logger.Error("policy reload rejected", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.emit(bus.EventPolicyReloaded, map[string]any{"path": s.cfg.Guard.Policy().Path(), "trigger": "api"})
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

func (s *Server) AuditQueryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuditPath(w) {
		return
	}
	f, err := auditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := audit.Query(s.cfg.AuditPath, f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Tool:   q.Get("tool"),
		User:   q.Get("user"),
		Result: audit.Result(q.Get("result")),
	}
	if v := q.Get("tier"); v != "" {
		tier, err := domain.ParseTier(v)
		if err != nil {
			return f, err
		}
		f.Tier = &tier
	}
	var err error
	if f.Since, err = queryTime(r, "since"); err != nil {
		return f, err
	}
	if f.Until, err = queryTime(r, "until"); err != nil {
		return f, err
	}
	if f.Limit, err = queryInt(r, "limit", 100); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) AuditStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuditPath(w) {
		return
	}
	from, err := queryTime(r, "since")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryTime(r, "until")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := audit.GetStats(s.cfg.AuditPath, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) AuditVerifyHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuditPath(w) {
		return
	}
	res := audit.Verify(s.cfg.AuditPath)
	code := http.StatusOK
	if !res.Valid {
		code = http.StatusConflict
	}
	writeJSON(w, code, res)
}

type eventView struct {
	Seq     uint64         `json:"seq"`
	Type    string         `json:"type"`
	Source  string         `json:"source"`
	Payload map[string]any `json:"payload,omitempty"`
	TS      string         `json:"ts"`
}

// EventsHandler pages through the event history: /v1/events?after=<seq>&limit=n
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		writeJSON(w, http.StatusOK, []eventView{})
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	typ := r.URL.Query().Get("type")

	out := []eventView{}
	for _, e := range s.cfg.Events.After(uint64(after), 0) {
		if typ != "" && e.Type != typ {
			continue
		}
		out = append(out, eventView{
			Seq:     e.Seq,
			Type:    e.Type,
			Source:  e.Source,
			Payload: e.Payload,
			TS:      e.Timestamp.UTC().Format(time.RFC3339Nano),
		})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) ControlsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	stop, err := s.cfg.Store.EmergencyStop(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	paused, err := s.cfg.Store.ListPaused(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"emergencyStop": stop, "pausedTools": paused})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) EmergencyStopHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	var req stopRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := s.cfg.Store.SetEmergencyStop(r.Context(), true, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Warn("emergency stop engaged", "reason", req.Reason, "request_id", requestIDFromCtx(r.Context()))
	s.emit(bus.EventEmergencyStop, map[string]any{"active": true, "reason": req.Reason, "trigger": "api"})
	writeJSON(w, http.StatusOK, map[string]any{"active": true, "reason": req.Reason})
}

func (s *Server) EmergencyClearHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	if err := s.cfg.Store.SetEmergencyStop(r.Context(), false, ""); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("emergency stop cleared", "request_id", requestIDFromCtx(r.Context()))
	s.emit(bus.EventEmergencyStop, map[string]any{"active": false, "trigger": "api"})
	writeJSON(w, http.StatusOK, map[string]any{"active": false})
}

func (s *Server) RevocationListHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	revs, err := s.cfg.Store.ListRevocations(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, revs)
}

func (s *Server) RevocationClearHandler(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	subject := chi.URLParam(r, "subject")
	if err := s.cfg.Store.ClearRevocation(r.Context(), subject); err != nil {
		writeStoreError(w, err)
		return
	}
	s.logger.Info("revocation cleared", "subject", subject)
	writeJSON(w, http.StatusOK, map[string]any{"subject": subject, "revoked": false})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotImplemented, "control store not configured")
		return false
	}
	return true
}

func (s *Server) requireAuditPath(w http.ResponseWriter) bool {
	if s.cfg.AuditPath == "" {
		writeError(w, http.StatusNotImplemented, "audit log path not configured")
		return false
	}
	return true
}

func (s *Server) emit(eventType string, payload map[string]any) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Emit(bus.Event{Type: eventType, Source: "api", Payload: payload})
}
