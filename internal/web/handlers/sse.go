package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// setupSSEConnection finds the run and sets up SSE headers.
// Returns the run, flusher, and true on success. On failure, writes an error response and returns zero values with false.
func setupSSEConnection(w http.ResponseWriter, lookupRun func() SSEJob) (SSEJob, http.Flusher, bool) {
	run := lookupRun()
	if run == nil {
		respondError(w, http.StatusNotFound, "no run found")
		return nil, nil, false
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return run, flusher, true
}

// streamSSEEvents streams events from an SSEJob until the run completes, the
// client disconnects, or the event channel closes. The first event is the
// current state returned by getInitialData.
func streamSSEEvents(w http.ResponseWriter, r *http.Request, lookupRun func() SSEJob, getInitialData func(SSEJob) any) {
	run, flusher, ok := setupSSEConnection(w, lookupRun)
	if !ok {
		return
	}

	eventCh := run.AddListener()
	defer run.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "status", getInitialData(run))
	if isRunTerminal(run.GetStatus()) {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
			if isTerminalEvent(event.Type) {
				return
			}
		}
	}
}

// isTerminalEvent reports whether the event type is the last event of a run.
func isTerminalEvent(eventType string) bool {
	return eventType == "completed" || eventType == "job_error" || eventType == "cancelled"
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
