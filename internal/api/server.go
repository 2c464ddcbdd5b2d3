// Package api exposes a localhost-only, token-authed HTTP surface
// standing in for the IPC dispatcher §1 places out of scope: the same
// create_task/cancel_task/pause_task/... command contracts §6
// describes, reachable over loopback HTTP instead of an embedded
// webview bridge.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"tachyon-core/internal/config"
	"tachyon-core/internal/cookies"
	"tachyon-core/internal/events"
	"tachyon-core/internal/integrity"
	"tachyon-core/internal/platform"
	"tachyon-core/internal/queue"
	"tachyon-core/internal/security"
	"tachyon-core/internal/storage"
)

// maxConcurrentRequests bounds how many control-API requests may be in
// flight at once; a runaway client can't starve the scheduler loop of
// goroutine scheduling the way an unbounded listener could.
const maxConcurrentRequests = 32

// Server is the control API: it never runs the download logic itself,
// only translates HTTP requests into storage/queue operations.
type Server struct {
	db        *storage.DB
	scheduler *queue.Scheduler
	cookies   *cookies.Store
	cfg       *config.Manager
	audit     *security.AuditLogger
	bus       *events.Bus
	logger    *slog.Logger
	router    *chi.Mux
	activeReq int64
}

func NewServer(db *storage.DB, scheduler *queue.Scheduler, cookieStore *cookies.Store, cfg *config.Manager, audit *security.AuditLogger, bus *events.Bus, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		scheduler: scheduler,
		cookies:   cookieStore,
		cfg:       cfg,
		audit:     audit,
		bus:       bus,
		logger:    logger,
		router:    chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Start binds the loopback listener and serves in the background. It
// is a no-op if the API is disabled in settings.
func (s *Server) Start() {
	if !s.cfg.GetAPIEnabled() {
		return
	}

	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.GetAPIPort())
	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("control API failed to bind", "addr", addr, "error", err)
			return
		}
		s.logger.Info("control API listening", "addr", addr)
		if err := http.Serve(conn, s.router); err != nil {
			s.logger.Error("control API stopped", "error", err)
		}
	}()
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.securityMiddleware)
	s.router.Use(s.concurrencyLimitMiddleware)

	s.router.Post("/v1/tasks", s.handleCreateTask)
	s.router.Get("/v1/tasks/{id}", s.handleGetTask)
	s.router.Post("/v1/tasks/{id}/cancel", s.handleCancelTask)
	s.router.Post("/v1/tasks/{id}/retry", s.handleRetryTask)
	s.router.Post("/v1/tasks/{id}/pause", s.handlePauseTask)
	s.router.Post("/v1/tasks/{id}/resume", s.handleResumeTask)
	s.router.Post("/v1/queue/pause", s.handlePauseQueue)
	s.router.Post("/v1/queue/resume", s.handleResumeQueue)
	s.router.Get("/v1/queue", s.handleGetQueueStatus)
	s.router.Post("/v1/sessions", s.handleSetSession)
	s.router.Delete("/v1/sessions/{platform_id}", s.handleDeleteSession)
	s.router.Get("/v1/sessions", s.handleGetAuthStatus)
	s.router.Post("/v1/media/{id}/verify", s.handleVerifyMedia)
}

func (s *Server) concurrencyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := atomic.AddInt64(&s.activeReq, 1)
		defer atomic.AddInt64(&s.activeReq, -1)

		if current > maxConcurrentRequests {
			s.audit.Log("127.0.0.1", r.UserAgent(), r.Method+" "+r.URL.Path, http.StatusTooManyRequests, "max concurrent requests reached")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware enforces the loopback-only, token-authed contract
// every route shares, auditing every decision either way.
func (s *Server) securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		userAgent := r.UserAgent()
		action := r.Method + " " + r.URL.Path

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.audit.Log(sourceIP, userAgent, action, http.StatusForbidden, "non-loopback access denied")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		token := r.Header.Get("X-Tachyon-Token")
		if token != s.cfg.GetAPIToken() {
			s.audit.Log(sourceIP, userAgent, action, http.StatusUnauthorized, "invalid token")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.audit.Log(sourceIP, userAgent, action, http.StatusOK, "authorized")
		next.ServeHTTP(w, r)
	})
}

// --- request/response shapes -------------------------------------------

type createTaskRequest struct {
	URL             string `json:"url"`
	FormatSelection string `json:"format,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

type createTaskResponse struct {
	TaskID string `json:"task_id"`
}

type queueStatusResponse struct {
	IsPaused bool           `json:"is_paused"`
	Tasks    []storage.Task `json:"tasks"`
}

type setSessionRequest struct {
	PlatformID string `json:"platform_id"`
	Cookies    string `json:"cookies"`
	Method     string `json:"method"`
}

type sessionStatusResponse struct {
	Sessions []sessionStatus `json:"sessions"`
}

// sessionStatus augments the stored Session row with the display
// username extracted from its cookie jar, per the platform-username
// supplemented feature.
type sessionStatus struct {
	storage.Session
	Username string `json:"username,omitempty"`
}

type verifyMediaResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// --- handlers ------------------------------------------------------------

// handleCreateTask implements create_task(url, format?) -> task_id.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task := &storage.Task{
		ID:         uuid.NewString(),
		URL:        req.URL,
		Status:     storage.StatusQueued,
		Priority:   req.Priority,
		MaxRetries: 3,
		OutputDir:  s.cfg.GetDownloadPath(""),
	}
	if req.FormatSelection != "" {
		task.FormatSelection = &req.FormatSelection
	}

	if err := s.db.CreateTask(task); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.scheduler.AddTask()

	writeJSON(w, http.StatusCreated, createTaskResponse{TaskID: task.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.db.GetTask(id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleCancelTask implements cancel_task(task_id): prefer interrupting
// a live worker; otherwise transition the still-QUEUED row directly,
// per §4.E's scheduler.cancel_task fallback contract.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.scheduler.CancelTask(id) {
		if err := s.db.CancelTask(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.publish(events.DownloadCancelled, id)
	}
	w.WriteHeader(http.StatusOK)
}

// handleRetryTask implements retry_task(task_id), legal only from
// {FAILED, CANCELLED}.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.db.RetryTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "task is not in a retryable state", http.StatusConflict)
		return
	}
	s.scheduler.AddTask()
	w.WriteHeader(http.StatusOK)
}

// handlePauseTask implements pause_task(task_id), legal only from
// {QUEUED, PROCESSING}. Marking the row PAUSED first means the
// scheduler's cancellation read-back (§4.E) sees user intent even if a
// worker is mid-attempt.
func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.db.MarkPaused(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "task is not pausable from its current state", http.StatusConflict)
		return
	}
	s.scheduler.CancelTask(id)
	w.WriteHeader(http.StatusOK)
}

// handleResumeTask implements resume_task(task_id), legal only from
// PAUSED.
func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.db.ResumeTask(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "task is not resumable from its current state", http.StatusConflict)
		return
	}
	s.scheduler.AddTask()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	s.scheduler.PauseQueue()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	s.scheduler.ResumeQueue()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleGetQueueStatus(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.db.ListTasks()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, queueStatusResponse{IsPaused: s.scheduler.IsPaused(), Tasks: tasks})
}

func (s *Server) handleSetSession(w http.ResponseWriter, r *http.Request) {
	var req setSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlatformID == "" {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.cookies.SetSession(req.PlatformID, req.Cookies, req.Method); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publish(events.SessionStatusChanged, req.PlatformID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	platformID := chi.URLParam(r, "platform_id")
	if err := s.cookies.DeleteSession(platformID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publish(events.SessionStatusChanged, platformID)
	w.WriteHeader(http.StatusOK)
}

// handleGetAuthStatus implements get_auth_status(): each session is
// augmented with the display username extracted from its cookie jar,
// per the platform-username supplemented feature.
func (s *Server) handleGetAuthStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.db.ListSessions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]sessionStatus, len(sessions))
	for i, session := range sessions {
		out[i] = sessionStatus{Session: session}
		if session.Status != storage.SessionActive {
			continue
		}
		text, ok, err := s.cookies.GetSession(session.PlatformID)
		if err != nil || !ok {
			continue
		}
		if name, found := platform.ExtractUsername(session.PlatformID, platform.ParseNetscapeJar(text)); found {
			out[i].Username = name
		}
	}

	writeJSON(w, http.StatusOK, sessionStatusResponse{Sessions: out})
}

// handleVerifyMedia re-hashes a previously downloaded file and
// reports whether it still matches the checksum recorded at download
// time, per the opt-in verify_checksums feature.
func (s *Server) handleVerifyMedia(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := integrity.VerifyMedia(s.db, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, verifyMediaResponse{OK: true})
	case errors.Is(err, storage.ErrNoRows):
		http.Error(w, "media not found", http.StatusNotFound)
	case errors.Is(err, integrity.ErrNoChecksum):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		writeJSON(w, http.StatusOK, verifyMediaResponse{OK: false, Error: err.Error()})
	}
}

func (s *Server) publish(name events.Name, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Name: name, Payload: payload})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
