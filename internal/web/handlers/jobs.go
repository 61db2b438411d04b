package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/finder"
	"github.com/kozaktomas/face-finder/internal/scanner"
)

// RunStatus represents the status of a background run.
type RunStatus string

// RunStatus constants define the lifecycle states of a run.
const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// isRunTerminal returns true if the run status is a terminal state
func isRunTerminal(status RunStatus) bool {
	return status == RunStatusCompleted || status == RunStatusFailed || status == RunStatusCancelled
}

// JobEvent represents an event from a run.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for runs.
// Embed this in run structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel sets the cancellation signal. The worker notices it at the next file
// and finishes the run itself.
func (b *EventBroadcaster) Cancel() {
	if b.cancel != nil {
		b.cancel()
	}
	b.SendEvent(JobEvent{Type: "status", Message: "Cancellation requested"})
}

// SSEJob is the interface required by streamSSEEvents to stream run events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() RunStatus
}

// Run is one background finder run started over HTTP.
type Run struct {
	EventBroadcaster

	id          string
	mode        config.Mode
	retryFailed bool
	approx      bool
	status      RunStatus
	message     string
	progress    *scanner.Progress
	hits        int
	err         string
	startedAt   time.Time
	completedAt *time.Time
	report      *finder.Report
}

// RunView is a consistent copy of a run's state.
type RunView struct {
	ID          string            `json:"id"`
	Mode        config.Mode       `json:"mode"`
	RetryFailed bool              `json:"retry_failed"`
	Approx      bool              `json:"approx,omitempty"`
	Status      RunStatus         `json:"status"`
	Message     string            `json:"message,omitempty"`
	Progress    *scanner.Progress `json:"progress,omitempty"`
	Hits        int               `json:"hits"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Report      *finder.Report    `json:"report,omitempty"`
}

func newRun(id string, mode config.Mode, retryFailed, approx bool) *Run {
	return &Run{
		id:          id,
		mode:        mode,
		retryFailed: retryFailed,
		approx:      approx,
		status:      RunStatusPending,
		startedAt:   time.Now(),
	}
}

// ID returns the run identifier.
func (r *Run) ID() string { return r.id }

// GetStatus returns the current run status (implements SSEJob).
func (r *Run) GetStatus() RunStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// View returns a snapshot of the run.
func (r *Run) View() RunView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v := RunView{
		ID:          r.id,
		Mode:        r.mode,
		RetryFailed: r.retryFailed,
		Approx:      r.approx,
		Status:      r.status,
		Message:     r.message,
		Hits:        r.hits,
		Error:       r.err,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Report:      r.report,
	}
	if r.progress != nil {
		p := *r.progress
		v.Progress = &p
	}
	return v
}

func (r *Run) setStatus(status RunStatus) {
	r.mu.Lock()
	r.status = status
	r.mu.Unlock()
}

// handleEvent folds a worker event into the run state and forwards it to the
// listeners.
func (r *Run) handleEvent(e finder.Event) {
	var data any
	r.mu.Lock()
	if e.Message != "" {
		r.message = e.Message
	}
	switch {
	case e.Progress != nil:
		p := *e.Progress
		r.progress = &p
		data = p
	case e.Hit != nil:
		r.hits++
		data = *e.Hit
	case e.Report != nil:
		data = e.Report
	}
	r.mu.Unlock()

	r.SendEvent(JobEvent{Type: string(e.Type), Message: e.Message, Data: data})
}

// finish records the outcome of the worker and sends the terminal event.
func (r *Run) finish(report *finder.Report, err error) {
	now := time.Now()
	r.mu.Lock()
	r.report = report
	r.completedAt = &now
	switch {
	case err != nil:
		r.status = RunStatusFailed
		r.err = err.Error()
	case report != nil && report.Cancelled:
		r.status = RunStatusCancelled
	default:
		r.status = RunStatusCompleted
	}
	r.mu.Unlock()

	view := r.View()
	switch view.Status {
	case RunStatusFailed:
		r.SendEvent(JobEvent{Type: "job_error", Message: view.Error, Data: view})
	case RunStatusCancelled:
		r.SendEvent(JobEvent{Type: "cancelled", Message: "Run cancelled", Data: view})
	default:
		r.SendEvent(JobEvent{Type: "completed", Message: view.Message, Data: view})
	}
}

// RunManager tracks the current run. At most one run is active at a time.
type RunManager struct {
	current *Run
	mu      sync.RWMutex
}

// NewRunManager creates a new run manager.
func NewRunManager() *RunManager {
	return &RunManager{}
}

// Current returns the most recent run, or nil.
func (m *RunManager) Current() *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Begin makes run the current run unless another run is still active.
func (m *RunManager) Begin(run *Run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil && !isRunTerminal(m.current.GetStatus()) {
		return false
	}
	m.current = run
	return true
}

// Active reports whether a run is pending or running.
func (m *RunManager) Active() bool {
	run := m.Current()
	return run != nil && !isRunTerminal(run.GetStatus())
}
