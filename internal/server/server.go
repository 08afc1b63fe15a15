// Package server exposes harvest runs over HTTP so a scheduler or another
// host can trigger them and poll their progress.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"invoice-harvester/internal/harvest"
	"invoice-harvester/internal/models"
)

// StartFunc launches one background harvest
type StartFunc func(ctx context.Context) *harvest.Job

// RunStatus is the JSON view of the current or last run
type RunStatus struct {
	ID         string           `json:"id"`
	Running    bool             `json:"running"`
	Progress   int              `json:"progress"`
	Status     string           `json:"status,omitempty"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt *time.Time       `json:"finishedAt,omitempty"`
	Stats      *models.RunStats `json:"stats,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the run endpoints. At most one run executes at a time.
type Handler struct {
	start  StartFunc
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	current *RunStatus
	wg      sync.WaitGroup
}

// NewHandler creates a handler that uses start to launch runs
func NewHandler(start StartFunc, logger *zap.Logger) *Handler {
	return &Handler{
		start:  start,
		logger: logger.Named("server"),
		now:    time.Now,
	}
}

// Routes returns the HTTP routes
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", h.startRun)
	mux.HandleFunc("GET /runs/current", h.currentRun)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return h.withHeaders(mux)
}

// Wait blocks until the background run, if any, has been fully consumed
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		h.logger.Debug("Request received", zap.String("method", r.Method), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) startRun(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.current != nil && h.current.Running {
		h.mu.Unlock()
		h.errorResponse(w, http.StatusConflict, "Run already in progress")
		return
	}

	status := &RunStatus{
		ID:        uuid.New().String(),
		Running:   true,
		StartedAt: h.now(),
	}
	h.current = status
	snapshot := *status
	h.mu.Unlock()

	// the run outlives the request
	job := h.start(context.WithoutCancel(r.Context()))
	h.wg.Add(1)
	go h.follow(status, job)

	h.logger.Info("Run started", zap.String("id", snapshot.ID))
	h.writeJSON(w, http.StatusAccepted, snapshot)
}

// follow copies job updates into status until the job ends
func (h *Handler) follow(status *RunStatus, job *harvest.Job) {
	defer h.wg.Done()

	for u := range job.Updates {
		h.mu.Lock()
		if u.Status != "" {
			status.Status = u.Status
		} else {
			status.Progress = u.Progress
		}
		h.mu.Unlock()
	}

	res := <-job.Done
	finished := h.now()

	h.mu.Lock()
	status.Running = false
	status.FinishedAt = &finished
	status.Stats = &res.Stats
	if res.Err != nil {
		status.Error = res.Err.Error()
	}
	h.mu.Unlock()

	h.logger.Info("Run finished",
		zap.String("id", status.ID),
		zap.Int("downloaded_invoices", res.Stats.DownloadedInvoices),
		zap.Int("errors", res.Stats.Errors),
		zap.Error(res.Err))
}

func (h *Handler) currentRun(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.current == nil {
		h.mu.Unlock()
		h.errorResponse(w, http.StatusNotFound, "No run has been started")
		return
	}
	snapshot := *h.current
	h.mu.Unlock()

	h.writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) errorResponse(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, ErrorResponse{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to write response", zap.Error(err))
	}
}
