// ABOUTME: Streaming gateway: the OpenAI-compatible chat surface plus jobs, interventions, and admin routes.
// ABOUTME: Chat completions answer synchronously inside the soft deadline and fall back to an async placeholder.

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/yuin/goldmark"

	"github.com/pandora-research/pandora/intervention"
	"github.com/pandora-research/pandora/jobs"
	"github.com/pandora-research/pandora/policy"
	"github.com/pandora-research/pandora/tools"
	"github.com/pandora-research/pandora/trace"
	"github.com/pandora-research/pandora/turndoc"
)

// TurnRunner drives one turn against a pre-allocated trace. The pipeline
// scheduler is the production implementation.
type TurnRunner interface {
	Run(ctx context.Context, profile, traceID, query string, mode policy.Mode) (string, error)
}

// Server is the HTTP gateway in front of the turn pipeline.
type Server struct {
	hub    *trace.Hub
	jobs   *jobs.Registry
	broker *intervention.Broker
	runner TurnRunner

	perms    *tools.Permissions
	store    *turndoc.Store
	policies *policy.Engine
	metrics  http.Handler

	router       chi.Router
	addr         string
	softDeadline time.Duration
	pingInterval time.Duration
	closeDelay   time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address. Default ":8600".
func WithAddr(addr string) ServerOption {
	return func(s *Server) { s.addr = addr }
}

// WithSoftDeadline sets the default synchronous-answer window. Default 10s.
func WithSoftDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.softDeadline = d
		}
	}
}

// WithPermissions exposes the permission broker on /permissions.
func WithPermissions(p *tools.Permissions) ServerOption {
	return func(s *Server) { s.perms = p }
}

// WithTurnStore enables the context.md preview route.
func WithTurnStore(store *turndoc.Store) ServerOption {
	return func(s *Server) { s.store = store }
}

// WithPolicyEngine exposes policy records on /policy.
func WithPolicyEngine(e *policy.Engine) ServerOption {
	return func(s *Server) { s.policies = e }
}

// WithMetricsHandler mounts the handler on /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metrics = h }
}

// WithStreamTiming overrides the SSE keepalive interval and post-complete
// close delay. Tests shrink both.
func WithStreamTiming(ping, closeDelay time.Duration) ServerOption {
	return func(s *Server) {
		if ping > 0 {
			s.pingInterval = ping
		}
		if closeDelay >= 0 {
			s.closeDelay = closeDelay
		}
	}
}

// NewServer wires the gateway. hub, jobRegistry, broker, and runner are
// required; the rest arrive via options.
func NewServer(hub *trace.Hub, jobRegistry *jobs.Registry, broker *intervention.Broker, runner TurnRunner, opts ...ServerOption) *Server {
	s := &Server{
		hub:          hub,
		jobs:         jobRegistry,
		broker:       broker,
		runner:       runner,
		addr:         ":8600",
		softDeadline: 10 * time.Second,
		pingInterval: 15 * time.Second,
		closeDelay:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	log.Printf("pandora gateway listening on %s", s.addr)
	return http.ListenAndServe(s.addr, s.router)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/admin/traces", s.handleAdminTraces)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Get("/thinking/{traceID}", s.handleThinking)
		r.Post("/thinking/{traceID}/cancel", s.handleCancelTrace)
		r.Get("/response/{traceID}", s.handleResponse)
		if s.store != nil {
			r.Get("/turns/{profile}/{turnID}/context", s.handleContextPreview)
		}
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/start", s.handleJobStart)
		r.Get("/{jobID}", s.handleJobGet)
		r.Post("/{jobID}/cancel", s.handleJobCancel)
	})

	r.Route("/interventions", func(r chi.Router) {
		r.Get("/pending", s.handleInterventionsPending)
		r.Post("/{interventionID}/resolve", s.handleInterventionResolve)
	})

	if s.perms != nil {
		r.Route("/permissions", func(r chi.Router) {
			r.Get("/pending", s.handlePermissionsPending)
			r.Post("/{permissionID}/resolve", s.handlePermissionResolve)
		})
	}

	if s.policies != nil {
		r.Route("/policy", func(r chi.Router) {
			r.Get("/{profile}", s.handlePolicyGet)
			r.Put("/{profile}", s.handlePolicySet)
		})
	}

	r.Get("/ws/research/{session}", s.handleResearchWS)
	return r
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	User           string        `json:"user"`
	Mode           string        `json:"mode"`
	SoftDeadlineMS int           `json:"soft_deadline_ms"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	TraceID string       `json:"trace_id"`
	JobID   string       `json:"job_id,omitempty"`
	Async   bool         `json:"async,omitempty"`
}

// handleChatCompletions is the OpenAI-compatible entry point. The turn always
// runs as a background job; the handler merely decides whether to wait for it.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	query := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			query = m.Content
		}
	}
	if strings.TrimSpace(query) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "no user message in request")
		return
	}

	profile := req.User
	if profile == "" {
		profile = r.Header.Get("X-Pandora-Profile")
	}
	if profile == "" {
		profile = "default"
	}
	mode := policy.Mode(req.Mode)

	deadline := s.softDeadline
	if req.SoftDeadlineMS > 0 {
		deadline = time.Duration(req.SoftDeadlineMS) * time.Millisecond
	}
	if hdr := r.Header.Get("X-Pandora-Deadline"); hdr != "" {
		if ms, err := strconv.Atoi(hdr); err == nil && ms > 0 {
			deadline = time.Duration(ms) * time.Millisecond
		}
	}

	jobID, traceID := s.jobs.Start(profile, func(ctx context.Context, tid string) (string, error) {
		return s.runner.Run(ctx, profile, tid, query, mode)
	})

	// Subscribing after Start is safe: the ring replays anything we missed.
	sub, err := s.hub.Subscribe(traceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "trace vanished at start")
		return
	}
	defer sub.Cancel()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	for {
		select {
		case evt, ok := <-sub.Events:
			if !ok || evt.Type == trace.TypeComplete {
				_, text, _ := s.hub.Response(traceID)
				writeJSON(w, http.StatusOK, chatResponse{
					ID:      "chatcmpl-" + traceID,
					Object:  "chat.completion",
					Created: time.Now().Unix(),
					Model:   req.Model,
					Choices: []chatChoice{{
						Message:      chatMessage{Role: "assistant", Content: text},
						FinishReason: "stop",
					}},
					TraceID: traceID,
					JobID:   jobID,
				})
				return
			}
		case <-timer.C:
			placeholder := fmt.Sprintf(
				"Research started. Follow the thinking stream for progress. (trace_id: %s)", traceID)
			writeJSON(w, http.StatusOK, chatResponse{
				ID:      "chatcmpl-" + traceID,
				Object:  "chat.completion",
				Created: time.Now().Unix(),
				Model:   req.Model,
				Choices: []chatChoice{{
					Message:      chatMessage{Role: "assistant", Content: placeholder},
					FinishReason: "stop",
				}},
				TraceID: traceID,
				JobID:   jobID,
				Async:   true,
			})
			return
		case <-r.Context().Done():
			// Client went away; the job keeps running for the poll surface.
			return
		}
	}
}

// handleResponse is the idempotent poll used when SSE is truncated. The wire
// status collapses to pending or complete; errored turns read as complete
// with a human-readable response.
func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	status, text, ok := s.hub.Response(traceID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"status": "not_found"})
		return
	}
	pollStatus := "pending"
	if status.Terminal() {
		pollStatus = "complete"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trace_id": traceID,
		"status":   pollStatus,
		"response": text,
	})
}

// handleCancelTrace cancels via the job when one exists, else directly on the
// hub. Either path must succeed for a live trace.
func (s *Server) handleCancelTrace(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "traceID")
	cancelled := s.jobs.CancelByTrace(traceID)
	if !cancelled {
		cancelled = s.hub.Cancel(traceID, "cancelled via api")
	}
	writeJSON(w, http.StatusOK, map[string]any{"trace_id": traceID, "ok": cancelled})
}

type jobStartRequest struct {
	Profile string `json:"profile"`
	Query   string `json:"query"`
	Mode    string `json:"mode"`
}

func (s *Server) handleJobStart(w http.ResponseWriter, r *http.Request) {
	var req jobStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "query must not be empty")
		return
	}
	if req.Profile == "" {
		req.Profile = "default"
	}
	mode := policy.Mode(req.Mode)

	jobID, traceID := s.jobs.Start(req.Profile, func(ctx context.Context, tid string) (string, error) {
		return s.runner.Run(ctx, req.Profile, tid, req.Query, mode)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "trace_id": traceID})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	cancelled := s.jobs.Cancel(jobID)
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "ok": cancelled})
}

func (s *Server) handleInterventionsPending(w http.ResponseWriter, r *http.Request) {
	pending := s.broker.ListPending(r.URL.Query().Get("profile"))
	writeJSON(w, http.StatusOK, map[string]any{"interventions": pending})
}

func (s *Server) handleInterventionResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "interventionID")
	var req struct {
		Resolved bool `json:"resolved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	res := intervention.ResolutionSkipped
	if req.Resolved {
		res = intervention.ResolutionOK
	}
	settled := s.broker.Resolve(id, res)
	if !settled {
		if _, ok := s.broker.Get(id); !ok {
			writeError(w, http.StatusNotFound, "not_found", "unknown intervention")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"intervention_id": id, "ok": settled})
}

func (s *Server) handlePermissionsPending(w http.ResponseWriter, r *http.Request) {
	pending := s.perms.ListPending(r.URL.Query().Get("profile"))
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handlePermissionResolve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "permissionID")
	var req struct {
		Granted bool `json:"granted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	settled := s.perms.Resolve(id, req.Granted)
	writeJSON(w, http.StatusOK, map[string]any{"permission_id": id, "ok": settled})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")
	rec := s.policies.Get(profile)
	if mode := policy.Mode(r.URL.Query().Get("mode")); mode.Valid() {
		rec = s.policies.GetMode(profile, mode)
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePolicySet(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")
	var rec policy.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := s.policies.Set(profile, rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAdminTraces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"traces": s.hub.List()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "time": time.Now().UTC()})
}

// handleContextPreview renders a turn's context.md as HTML for the debug UI.
func (s *Server) handleContextPreview(w http.ResponseWriter, r *http.Request) {
	profile := chi.URLParam(r, "profile")
	turnID, err := strconv.ParseInt(chi.URLParam(r, "turnID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "turn id must be an integer")
		return
	}
	doc, err := s.store.ReadSection(profile, turnID, turndoc.SectionContext)
	if err != nil || doc == "" {
		writeError(w, http.StatusNotFound, "not_found", "no such turn")
		return
	}

	var buf strings.Builder
	if err := goldmark.Convert([]byte(doc), &buf); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, buf.String())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("writing response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{"type": kind, "message": message},
	})
}
