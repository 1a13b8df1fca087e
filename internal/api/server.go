// Package api implements the HTTP surface over the engine: session
// lifecycle, progress streaming, transcripts and scheduled tasks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loopworks/loopd/internal/buildinfo"
	"github.com/loopworks/loopd/internal/engine"
	"github.com/loopworks/loopd/internal/scheduler"
	"github.com/loopworks/loopd/internal/session"
)

// maxSnapshotUpload bounds the request body on snapshot load.
const maxSnapshotUpload = 64 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, eng *engine.Engine, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		engine:  eng,
		logger:  logger,
	}
}

// SetScheduler enables the task endpoints.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.sched = sched
}

// Handler builds the route table. Split out from Start so tests can
// drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Session endpoints
	mux.HandleFunc("POST /v1/sessions", s.handleSessionStart)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("GET /v1/sessions/{id}/history", s.handleSessionHistory)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", s.handleSessionTranscript)
	mux.HandleFunc("POST /v1/sessions/{id}/message", s.handleSessionMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/terminate", s.handleSessionTerminate)
	mux.HandleFunc("GET /v1/sessions/{id}/snapshot", s.handleSnapshotGet)
	mux.HandleFunc("POST /v1/sessions/load", s.handleSnapshotLoad)
	mux.HandleFunc("GET /v1/sessions/{id}/progress", s.handleProgressStream)

	// Scheduled task endpoints
	mux.HandleFunc("POST /v1/tasks", s.handleTaskCreate)
	mux.HandleFunc("GET /v1/tasks", s.handleTaskList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleTaskGet)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleTaskDelete)
	mux.HandleFunc("POST /v1/tasks/{id}/trigger", s.handleTaskTrigger)
	mux.HandleFunc("GET /v1/tasks/{id}/executions", s.handleTaskExecutions)
	mux.HandleFunc("GET /v1/executions/{id}/log", s.handleExecutionLog)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Progress streams stay open indefinitely
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "loopd",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

// StartSessionRequest creates a new research session.
type StartSessionRequest struct {
	Owner  string         `json:"owner"`
	Prompt string         `json:"prompt"`
	Config session.Config `json:"config"`
}

// StartSessionResponse returns the new session's identity.
type StartSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Owner == "" || req.Prompt == "" {
		s.errorResponse(w, http.StatusBadRequest, "owner and prompt are required")
		return
	}

	id, err := s.engine.StartSession(req.Owner, req.Config, req.Prompt)
	if err != nil {
		s.engineError(w, err)
		return
	}

	status, _ := s.engine.GetStatus(id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, StartSessionResponse{SessionID: id, Status: string(status)}, s.logger)
}

// SessionSummary is the list/detail view of a session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	Owner        string    `json:"owner"`
	Status       string    `json:"status"`
	FailReason   string    `json:"fail_reason,omitempty"`
	Answer       string    `json:"answer,omitempty"`
	Entries      int       `json:"entries"`
	TotalTokens  int       `json:"total_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

func summarize(sess *session.Session) SessionSummary {
	return SessionSummary{
		SessionID:    sess.ID,
		Owner:        sess.Owner,
		Status:       string(sess.Status()),
		FailReason:   string(sess.FailReason()),
		Answer:       sess.Answer(),
		Entries:      sess.HistoryLen(),
		TotalTokens:  sess.TotalTokens(),
		CreatedAt:    sess.CreatedAt(),
		LastActivity: sess.LastActivity(),
	}
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	sessions := s.engine.ListSessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": out}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.engine.GetSession(r.PathValue("id"))
	if err != nil {
		s.engineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, summarize(sess), s.logger)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.GetHistory(r.PathValue("id"))
	if err != nil {
		s.engineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"entries": entries}, s.logger)
}

// PostMessageRequest carries owner input into a session.
type PostMessageRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	if err := s.engine.PostMessage(r.PathValue("id"), req.Message); err != nil {
		s.engineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "accepted"}, s.logger)
}

func (s *Server) handleSessionTerminate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Terminate(r.PathValue("id")); err != nil {
		s.engineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "terminating"}, s.logger)
}

func (s *Server) handleSnapshotGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.engine.Snapshot(r.Context(), id)
	if err != nil {
		s.engineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".snapshot.gz"))
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("failed to write snapshot", "error", err)
	}
}

func (s *Server) handleSnapshotLoad(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSnapshotUpload))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "read snapshot: "+err.Error())
		return
	}

	id, err := s.engine.Load(data)
	if err != nil {
		s.engineError(w, err)
		return
	}

	status, _ := s.engine.GetStatus(id)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, StartSessionResponse{SessionID: id, Status: string(status)}, s.logger)
}

// CreateTaskRequest defines a scheduled research task.
type CreateTaskRequest struct {
	Name     string             `json:"name"`
	Schedule scheduler.Schedule `json:"schedule"`
	Owner    string             `json:"owner"`
	Prompt   string             `json:"prompt"`
	Config   session.Config     `json:"config"`
	Enabled  *bool              `json:"enabled,omitempty"` // Default true
}

func (s *Server) handleTaskCreate(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Owner == "" || req.Prompt == "" {
		s.errorResponse(w, http.StatusBadRequest, "name, owner and prompt are required")
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	task := &scheduler.Task{
		Name:     req.Name,
		Schedule: req.Schedule,
		Owner:    req.Owner,
		Prompt:   req.Prompt,
		Config:   req.Config,
		Enabled:  enabled,
	}
	if err := s.sched.CreateTask(task); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	tasks, err := s.sched.ListTasks(r.URL.Query().Get("enabled") == "true")
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if tasks == nil {
		tasks = []*scheduler.Task{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tasks": tasks}, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	task, err := s.sched.GetTask(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, "task not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, task, s.logger)
}

func (s *Server) handleTaskDelete(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	if err := s.sched.DeleteTask(r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
}

func (s *Server) handleTaskTrigger(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	exec, err := s.sched.TriggerTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if exec == nil {
		s.errorResponse(w, http.StatusConflict, "task is already running elsewhere")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, exec, s.logger)
}

func (s *Server) handleTaskExecutions(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	execs, err := s.sched.GetTaskExecutions(r.PathValue("id"), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []*scheduler.Execution{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"executions": execs}, s.logger)
}

func (s *Server) handleExecutionLog(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		s.errorResponse(w, http.StatusNotImplemented, "scheduler disabled")
		return
	}

	lines, err := s.sched.ProgressLog(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	// JSONL, one ProgressUpdate per line, exactly as persisted.
	w.Header().Set("Content-Type", "application/x-ndjson")
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}

// engineError maps engine failures onto HTTP statuses.
func (s *Server) engineError(w http.ResponseWriter, err error) {
	var notFound *session.ErrNotFound
	var ownerErr *engine.ErrOwnerNotFound
	var cfgErr *engine.InvalidConfigError
	switch {
	case errors.As(err, &notFound):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ownerErr):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	case errors.As(err, &cfgErr):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("engine request failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
