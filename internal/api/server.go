package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/rendis/chispa/internal/broker"
	"github.com/rendis/chispa/internal/metrics"
	"github.com/rendis/chispa/internal/scheduler"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/internal/streaming"
	"github.com/rendis/chispa/internal/submission"
	"github.com/rendis/chispa/pkg/schema"
)

// rootGreeting is the plain-text body served at GET /.
const rootGreeting = "chispa runtime is up"

// Deps holds the dependencies for the HTTP server.
type Deps struct {
	Submitter *submission.Service
	Store     store.Store
	Counters  metrics.Counters
	Hub       streaming.EventHub
	Issuer    *TokenIssuer
	Logger    *slog.Logger

	// InteractiveDir enables the per-connection shell session on the
	// realtime channel, rooted at the given directory. Empty disables it.
	InteractiveDir string
}

// Server exposes the submission, inspection and realtime surface over HTTP.
type Server struct {
	deps Deps
}

// NewServer creates a Server. The logger falls back to a discard logger.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{deps: deps}
}

// Handler returns the router for all HTTP and websocket routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/execute", s.handleExecute).Methods("POST")
	r.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleGetRun).Methods("GET")
	r.HandleFunc("/runs/{id}/tasks", s.handleListTasks).Methods("GET")
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods("GET")
	r.HandleFunc("/get-token/{user_id}", s.handleGetToken).Methods("GET")
	r.HandleFunc("/api/schedules", s.handleCreateSchedule).Methods("POST")
	r.HandleFunc("/api/schedules", s.handleListSchedules).Methods("GET")
	r.HandleFunc("/ws", s.handleWS)

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(rootGreeting))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// executeRequest accepts either a bare command or an inline workflow
// document. Exactly one of the two must be present.
type executeRequest struct {
	Command      string `json:"command"`
	WorkflowYAML string `json:"workflow_yaml"`
	Queue        string `json:"queue"`
	WorkflowID   *int64 `json:"workflow_id"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var (
		run *store.Run
		err error
	)
	switch {
	case req.Command != "" && req.WorkflowYAML != "":
		writeError(w, http.StatusBadRequest, "command and workflow_yaml are mutually exclusive")
		return
	case req.WorkflowYAML != "":
		run, err = s.deps.Submitter.SubmitWorkflow(r.Context(), req.WorkflowYAML, req.Queue)
	default:
		run, err = s.deps.Submitter.SubmitCommand(r.Context(), req.Command, req.Queue, req.WorkflowID)
	}
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.deps.Store.ListRuns(r.Context())
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	run, err := s.deps.Store.GetRun(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}
	if _, err := s.deps.Store.GetRun(r.Context(), id); err != nil {
		writeRuntimeError(w, err)
		return
	}
	tasks, err := s.deps.Store.ListTasks(r.Context(), id)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Counters.Snapshot(r.Context())
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleGetToken mints a bearer token for the realtime channel. The endpoint
// itself is unauthenticated; it exists for bootstrap.
func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	token, err := s.deps.Issuer.Mint(userID)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type scheduleRequest struct {
	CronSpec     string `json:"cron_spec"`
	Command      string `json:"command"`
	WorkflowYAML string `json:"workflow_yaml"`
	Queue        string `json:"queue"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CronSpec == "" {
		writeError(w, http.StatusBadRequest, "cron_spec is required")
		return
	}
	if err := scheduler.ValidateSpec(req.CronSpec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid cron_spec: %v", err))
		return
	}
	if req.Command == "" && req.WorkflowYAML == "" {
		writeError(w, http.StatusBadRequest, "command or workflow_yaml is required")
		return
	}
	if req.WorkflowYAML != "" {
		if _, err := schema.ParseWorkflow(req.WorkflowYAML); err != nil {
			writeRuntimeError(w, err)
			return
		}
	}
	queue := req.Queue
	if queue == "" {
		queue = "default"
	}
	if !broker.KnownQueue(s.deps.Submitter.Queues(), queue) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown queue: %s", queue))
		return
	}

	sched := &store.Schedule{
		CronSpec:     req.CronSpec,
		Command:      req.Command,
		WorkflowYAML: req.WorkflowYAML,
		Queue:        queue,
		Enabled:      true,
	}
	if err := s.deps.Store.CreateSchedule(r.Context(), sched); err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Store.ListSchedules(r.Context(), false)
	if err != nil {
		writeRuntimeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func pathID(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[key], 10, 64)
}
