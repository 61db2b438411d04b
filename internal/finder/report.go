package finder

import (
	"time"

	"github.com/kozaktomas/face-finder/internal/config"
	"github.com/kozaktomas/face-finder/internal/scanner"
)

// Report summarizes a finished run.
type Report struct {
	ID         string            `json:"id,omitempty"`
	Mode       config.Mode       `json:"mode"`
	Archives   []scanner.Result  `json:"archives,omitempty"`
	References []ReferenceReport `json:"references,omitempty"`
	LiveHits   int               `json:"live_hits"`
	SweepHits  int               `json:"sweep_hits"`
	Records    int               `json:"records"` // usable archive embeddings compared in the sweep
	Cancelled  bool              `json:"cancelled"`
	StartedAt  time.Time         `json:"started_at"`
	Duration   time.Duration     `json:"duration"`
}

// Hits returns the number of files copied during the run.
func (r *Report) Hits() int { return r.LiveHits + r.SweepHits }

// ReferenceReport holds the per-reference diagnostics of a run.
type ReferenceReport struct {
	Person    string `json:"person"`
	Reference string `json:"reference"`
	Error     string `json:"error,omitempty"` // the reference photo could not be embedded

	// Threshold search (find and sweep modes).
	Hits          int  `json:"hits"`
	SelfMatches   int  `json:"self_matches"`
	SelfMatchOnly bool `json:"self_match_only"`

	// Nearest search (nearest mode). Nearest is nil when the archive holds only
	// exact copies of the reference or nothing comparable.
	Nearest *NearestMatch `json:"nearest,omitempty"`
}

// NearestMatch is the closest non-self archive entry to a reference.
type NearestMatch struct {
	Identity string  `json:"identity"`
	Archive  string  `json:"archive"`
	Distance float64 `json:"distance"`
}
