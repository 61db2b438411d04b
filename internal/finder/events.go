package finder

import (
	"fmt"
	"time"

	"github.com/kozaktomas/face-finder/internal/ledger"
	"github.com/kozaktomas/face-finder/internal/scanner"
)

// EventType classifies run events.
type EventType string

// Event types.
const (
	EventStatus   EventType = "status"   // phase changes and human-readable notes
	EventProgress EventType = "progress" // per-file scan progress, rate limited
	EventHit      EventType = "hit"      // a file was copied for a person
	EventDone     EventType = "done"     // the run finished; Report is set
)

// Event is emitted to the status callback of a run. Callbacks are purely
// observational and must not block for long.
type Event struct {
	Type     EventType         `json:"type"`
	Message  string            `json:"message,omitempty"`
	Progress *scanner.Progress `json:"progress,omitempty"`
	Hit      *ledger.Hit       `json:"hit,omitempty"`
	Report   *Report           `json:"report,omitempty"`
}

// progressMessage renders scan progress as a status line.
func progressMessage(p scanner.Progress) string {
	msg := fmt.Sprintf("%s: %d indexed (%d ok, %d failed), %d already known",
		p.Root, p.Processed, p.OK, p.Failed, p.Skipped)
	if p.State == scanner.StateWalking {
		msg += fmt.Sprintf(", next checkpoint in %s", p.NextCheckpoint.Round(time.Second))
	}
	return msg
}
