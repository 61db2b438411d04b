package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/finder"
)

// RunExecutor executes finder runs. *finder.Runner implements it.
type RunExecutor interface {
	Run(ctx context.Context, req finder.Request) (*finder.Report, error)
	Running() bool
}

// RunsHandler starts, inspects and cancels background runs.
type RunsHandler struct {
	cfg    config.FinderConfig
	runner RunExecutor
	runs   *RunManager
	log    logr.Logger

	wg sync.WaitGroup
}

// NewRunsHandler creates a runs handler. Every run gets its own copy of cfg.
func NewRunsHandler(cfg config.FinderConfig, runner RunExecutor, runs *RunManager, log logr.Logger) *RunsHandler {
	return &RunsHandler{
		cfg:    cfg.Clone(),
		runner: runner,
		runs:   runs,
		log:    log,
	}
}

// StartRunRequest is the body of POST /runs. An empty body starts a find run.
type StartRunRequest struct {
	Mode        string `json:"mode"`
	RetryFailed bool   `json:"retry_failed"`
	Approx      bool   `json:"approx"`
}

// Start handles POST /api/v1/runs.
func (h *RunsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	mode, err := config.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.cfg.Validate(mode); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.runner.Running() {
		respondError(w, http.StatusConflict, finder.ErrRunInProgress.Error())
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	run := newRun(uuid.New().String(), mode, req.RetryFailed, req.Approx)
	run.cancel = cancel
	if !h.runs.Begin(run) {
		cancel()
		respondError(w, http.StatusConflict, finder.ErrRunInProgress.Error())
		return
	}

	h.log.Info("Run requested", "id", run.ID(), "mode", string(mode), "remote", sanitizeForLog(r.RemoteAddr))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()
		h.execute(ctx, run)
	}()

	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     run.ID(),
		"status": string(RunStatusPending),
	})
}

func (h *RunsHandler) execute(ctx context.Context, run *Run) {
	run.setStatus(RunStatusRunning)
	report, err := h.runner.Run(ctx, finder.Request{
		ID:          run.ID(),
		Mode:        run.mode,
		Config:      h.cfg,
		RetryFailed: run.retryFailed,
		Approx:      run.approx,
		OnEvent:     run.handleEvent,
	})
	if err != nil {
		h.log.Error(err, "Run failed", "id", run.ID())
	}
	run.finish(report, err)
}

// Status handles GET /api/v1/runs/current.
func (h *RunsHandler) Status(w http.ResponseWriter, r *http.Request) {
	run := h.runs.Current()
	if run == nil {
		respondError(w, http.StatusNotFound, "no run found")
		return
	}
	respondJSON(w, http.StatusOK, run.View())
}

// Cancel handles DELETE /api/v1/runs/current. The run keeps its status until the
// worker has stopped and checkpointed.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	run := h.runs.Current()
	if run == nil {
		respondError(w, http.StatusNotFound, "no run found")
		return
	}
	if isRunTerminal(run.GetStatus()) {
		respondError(w, http.StatusConflict, "run is not active")
		return
	}
	run.Cancel()
	respondJSON(w, http.StatusAccepted, map[string]any{
		"id":         run.ID(),
		"cancelling": true,
	})
}

// Events handles GET /api/v1/runs/current/events.
func (h *RunsHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func() SSEJob {
			if run := h.runs.Current(); run != nil {
				return run
			}
			return nil
		},
		func(j SSEJob) any {
			return j.(*Run).View()
		},
	)
}

// Wait blocks until every run started by this handler has returned.
func (h *RunsHandler) Wait() {
	h.wg.Wait()
}

// CancelActive sets the cancellation signal of the active run, if any.
func (h *RunsHandler) CancelActive() {
	if run := h.runs.Current(); run != nil && !isRunTerminal(run.GetStatus()) {
		run.Cancel()
	}
}
