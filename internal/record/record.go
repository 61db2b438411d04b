// Package record implements the per-archive embedding record store: the set of
// files already indexed for one archive root and model, persisted with atomic
// checkpoints and a three-way recovery chain.
package record

import "time"

// Status is the outcome of indexing one archive file.
type Status string

// Record statuses.
const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Record is one indexed archive file. Embedding is set only for StatusOK and
// Error only for StatusFailed.
type Record struct {
	Identity  string // absolute file path, unique within a store
	Embedding []float32
	Status    Status
	Error     string
}

// OK builds a successful record.
func OK(identity string, embedding []float32) Record {
	return Record{Identity: identity, Embedding: embedding, Status: StatusOK}
}

// Failed builds a failed record carrying the failure reason.
func Failed(identity, reason string) Record {
	return Record{Identity: identity, Status: StatusFailed, Error: reason}
}

// IsOK reports whether the record carries a usable embedding.
func (r Record) IsOK() bool {
	return r.Status == StatusOK && len(r.Embedding) > 0
}

// Schema versions of the persisted snapshot.
//
//	1: identity + embedding only (no status, no error)
//	2: status and error added
const (
	schemaLegacy  = 1
	schemaCurrent = 2
)

// snapshot is the unit persisted by a checkpoint.
type snapshot struct {
	SchemaVersion int
	Model         string
	Root          string
	SavedAt       time.Time
	Records       []Record
}

// missingEmbeddingReason is recorded for rows that claim success without a vector.
const missingEmbeddingReason = "missing embedding"

// migrate upgrades s to the current schema and repairs rows that break the
// record invariants. It reports whether anything was changed.
func migrate(s *snapshot) bool {
	changed := false
	if s.SchemaVersion < schemaCurrent {
		changed = true
	}

	seen := make(map[string]struct{}, len(s.Records))
	out := s.Records[:0]
	for _, r := range s.Records {
		if r.Identity == "" {
			changed = true
			continue
		}
		if _, dup := seen[r.Identity]; dup {
			changed = true
			continue
		}
		seen[r.Identity] = struct{}{}

		if s.SchemaVersion < 2 && r.Status == "" {
			if len(r.Embedding) > 0 {
				r.Status = StatusOK
			} else {
				r.Status = StatusFailed
				r.Error = missingEmbeddingReason
			}
		}

		switch {
		case r.Status == StatusOK && len(r.Embedding) == 0:
			r.Status = StatusFailed
			r.Error = missingEmbeddingReason
			changed = true
		case r.Status == StatusFailed && r.Embedding != nil:
			r.Embedding = nil
			changed = true
		case r.Status != StatusOK && r.Status != StatusFailed:
			r.Status = StatusFailed
			r.Embedding = nil
			if r.Error == "" {
				r.Error = "unknown status"
			}
			changed = true
		}
		if r.Status == StatusOK && r.Error != "" {
			r.Error = ""
			changed = true
		}
		out = append(out, r)
	}
	s.Records = out
	s.SchemaVersion = schemaCurrent
	return changed
}
