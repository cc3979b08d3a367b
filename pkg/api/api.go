// Package api wires the admin HTTP surface: batch submission, status
// polling, job detail, the worker callback, metrics exposition, and a
// health check, in the gorilla/mux style the rest of this stack's web
// frontends use.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/aurorastudio/imageforge/pkg/dispatcher"
	"github.com/aurorastudio/imageforge/pkg/logging"
	"github.com/aurorastudio/imageforge/pkg/metrics"
	"github.com/aurorastudio/imageforge/pkg/model"
	"github.com/aurorastudio/imageforge/pkg/statusapi"
	"github.com/aurorastudio/imageforge/pkg/store"
)

// apiResponse is the envelope every JSON response is wrapped in, matching
// the rest of this stack's admin surfaces.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// HealthChecker reports whether the store backing the service is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Submitter accepts a validated batch submission.
type Submitter interface {
	Submit(ctx context.Context, params dispatcher.SubmitParams) (*model.Job, error)
}

// Server holds the collaborators the admin HTTP surface depends on.
type Server struct {
	submitter     Submitter
	status        *statusapi.API
	health        HealthChecker
	metrics       *metrics.Metrics
	log           *logging.Logger
	webhookSecret string

	// worker runs the tasks named by worker callbacks. The imageforge
	// binary passes its pipeline in every mode; when worker is nil the
	// callback route answers 500.
	worker Runner
}

// Runner drives a single task through the pipeline. Satisfied by
// *pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context, taskID string) (model.Outcome, error)
}

// New constructs a Server. worker may be nil if this instance never serves
// the worker callback route.
func New(submitter Submitter, status *statusapi.API, health HealthChecker, m *metrics.Metrics, log *logging.Logger, webhookSecret string, worker Runner) *Server {
	return &Server{
		submitter:     submitter,
		status:        status,
		health:        health,
		metrics:       m,
		log:           log.WithComponent("api"),
		webhookSecret: webhookSecret,
		worker:        worker,
	}
}

// Router builds the full gorilla/mux router for this server.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	admin := router.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/jobs", s.handleSubmit).Methods(http.MethodPost)
	admin.HandleFunc("/jobs/{id}/status", s.handleStatus).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{id}", s.handleDetail).Methods(http.MethodGet)
	admin.HandleFunc("/jobs/{id}", s.handleCancel).Methods(http.MethodDelete)
	admin.HandleFunc("/worker/process-task", s.handleWorkerCallback).Methods(http.MethodPost)

	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	return router
}

type submitRequest struct {
	Prompts        []string `json:"prompts"`
	Style          string   `json:"style,omitempty"`
	CountPerPrompt int      `json:"count_per_prompt,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, err, http.StatusBadRequest)
		return
	}

	job, err := s.submitter.Submit(r.Context(), dispatcher.SubmitParams{
		Prompts:        req.Prompts,
		Style:          req.Style,
		CountPerPrompt: req.CountPerPrompt,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatcher.ErrInvalidSubmission) {
			status = http.StatusBadRequest
		}
		sendError(w, err, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: statusapi.FromJob(job)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	status, err := s.status.Get(r.Context(), jobID)
	if err != nil {
		sendError(w, err, statusCode(err))
		return
	}
	sendJSON(w, apiResponse{Success: true, Data: status})
}

func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	detail, err := s.status.GetDetail(r.Context(), jobID)
	if err != nil {
		sendError(w, err, statusCode(err))
		return
	}
	sendJSON(w, apiResponse{Success: true, Data: detail})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	status, err := s.status.Cancel(r.Context(), jobID)
	if err != nil {
		sendError(w, err, statusCode(err))
		return
	}
	sendJSON(w, apiResponse{Success: true, Data: status})
}

type workerCallbackRequest struct {
	TaskID     string `json:"task_id"`
	RetryCount int    `json:"retry_count"`
}

// handleWorkerCallback authenticates with a constant-time header comparison
// before parsing the body, per the worker endpoint's auth contract: missing
// or mismatched secret is rejected with 401 before the body is even parsed.
// When no webhook secret is configured the check is skipped and every
// callback is accepted.
func (s *Server) handleWorkerCallback(w http.ResponseWriter, r *http.Request) {
	if !s.checkWebhookSecret(r) {
		sendError(w, errors.New("missing or invalid webhook secret"), http.StatusUnauthorized)
		return
	}
	if s.worker == nil {
		sendError(w, errors.New("worker endpoint not enabled on this instance"), http.StatusInternalServerError)
		return
	}

	var req workerCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		sendError(w, errors.New("malformed worker callback body"), http.StatusBadRequest)
		return
	}

	if _, err := s.worker.Run(r.Context(), req.TaskID); err != nil {
		// The pipeline itself never returns an error for a classified task
		// failure; an error here means the pipeline could not even be
		// entered (store/object-store unreachable), which is the only case
		// the worker endpoint reports as retryable.
		s.log.WithField("task_id", req.TaskID).Errorf("pipeline could not be entered: %v", err)
		sendError(w, err, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) checkWebhookSecret(r *http.Request) bool {
	if s.webhookSecret == "" {
		return true
	}
	got := r.Header.Get("X-Webhook-Secret")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Healthy(r.Context()); err != nil {
		sendError(w, err, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func statusCode(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func sendJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func sendError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: err.Error()})
}
