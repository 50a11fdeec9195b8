package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"docflow/internal/config"
	"docflow/internal/dispatch"
	"docflow/internal/health"
	"docflow/internal/jobs"
	"docflow/internal/logging"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *apiServer {
	srv := &apiServer{
		bind:   strings.TrimSpace(cfg.APIBind),
		logger: logging.WithComponent(logger, "api"),
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/documents/", srv.handleDocuments)
	mux.HandleFunc("/jobs/", srv.handleJobs)
	mux.HandleFunc("/health", srv.handleHealth)
	mux.HandleFunc("/health/", srv.handleHealthService)
	mux.HandleFunc("/events", srv.handleEvents)
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s.bind == "" {
		s.logger.Info("api disabled: no bind address configured")
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

type jobResponse struct {
	JobID        string `json:"job_id"`
	DocumentID   string `json:"document_id"`
	Status       string `json:"status"`
	Progress     int    `json:"progress"`
	CurrentStage string `json:"current_stage,omitempty"`
	RetryCount   int    `json:"retry_count"`
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func jobToResponse(job *jobs.Job) jobResponse {
	resp := jobResponse{
		JobID:        job.ID,
		DocumentID:   job.DocumentID,
		Status:       string(job.Status),
		Progress:     job.Progress,
		CurrentStage: job.CurrentStage,
		RetryCount:   job.RetryCount,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if job.Status == jobs.StatusFailed {
		resp.ErrorKind = string(job.ErrorKind)
		resp.ErrorMessage = job.ErrorMessage
	}
	return resp
}

type processRequest struct {
	SourceRef string `json:"source_ref"`
}

// handleDocuments routes /documents/{id}/process, /documents/{id}/status, and
// /documents/{id}/retry.
func (s *apiServer) handleDocuments(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	documentID, action := parts[0], parts[1]

	switch action {
	case "process":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleProcess(w, r, documentID)
	case "status":
		if r.Method != http.MethodGet {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleStatus(w, r, documentID)
	case "retry":
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleRetry(w, r, documentID)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *apiServer) handleProcess(w http.ResponseWriter, r *http.Request, documentID string) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		s.writeError(w, http.StatusBadRequest, "source_ref is required")
		return
	}

	job, err := s.daemon.Orchestrator().Enqueue(r.Context(), documentID, req.SourceRef)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request, documentID string) {
	job, err := s.daemon.Store().LatestByDocument(r.Context(), documentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job == nil {
		s.writeError(w, http.StatusNotFound, "no jobs for document")
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *apiServer) handleRetry(w http.ResponseWriter, r *http.Request, documentID string) {
	job, err := s.daemon.Orchestrator().Retry(r.Context(), documentID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, jobToResponse(job))
}

// handleJobs routes /jobs/{id}/cancel.
func (s *apiServer) handleJobs(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "cancel" {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.daemon.Orchestrator().Cancel(r.Context(), parts[0]); err != nil {
		s.writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snapshot := s.daemon.Health(r.Context())
	status := http.StatusOK
	if snapshot.Overall == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, snapshot)
}

func (s *apiServer) handleHealthService(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/health/")
	snapshot := s.daemon.Health(r.Context())
	result, ok := snapshot.Services[name]
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown service %q", name))
		return
	}
	status := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, result)
}

func (s *apiServer) writeDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrAlreadyActive):
		s.writeError(w, http.StatusConflict, "document already has an active job")
	case errors.Is(err, jobs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobs.ErrTerminal):
		s.writeError(w, http.StatusConflict, "job already reached a terminal state")
	case errors.Is(err, dispatch.ErrNotRetryable), errors.Is(err, dispatch.ErrRetryExhausted):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
