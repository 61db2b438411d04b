package record

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/constants"
	"github.com/kozaktomas/face-finder/internal/fsutil"
)

// Source identifies which file of the recovery chain a store was loaded from.
type Source string

// Recovery chain sources, in the order they are tried.
const (
	SourcePrimary Source = "primary"
	SourceTemp    Source = "temp"
	SourceBackup  Source = "backup"
	SourceNone    Source = "none"
)

// PathFor returns the deterministic store path for an archive root and model.
func PathFor(root, model string) string {
	return filepath.Join(root, constants.StoreFilePrefix+strings.ToLower(model)+constants.StoreFileExt)
}

// TempPath returns the in-flight checkpoint path for a store path.
func TempPath(path string) string { return path + ".tmp" }

// BackupPath returns the previous-generation path for a store path.
func BackupPath(path string) string { return path + ".bak" }

// LoadResult is the outcome of walking the recovery chain.
type LoadResult struct {
	Records  []Record
	Source   Source
	Migrated bool // schema upgrade or repair happened while loading
}

// Load reads the records persisted at path. It tries the primary file, then the
// in-flight temp file, then the backup; the first one that decodes wins. When
// none decodes the result is empty and Source is SourceNone. Load never fails.
func Load(path string, log logr.Logger) LoadResult {
	chain := []struct {
		path   string
		source Source
	}{
		{path, SourcePrimary},
		{TempPath(path), SourceTemp},
		{BackupPath(path), SourceBackup},
	}

	for _, c := range chain {
		s, err := readSnapshot(c.path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Info("Skipping unreadable record store file", "path", c.path, "error", err.Error())
			}
			continue
		}
		migrated := migrate(s)
		if c.source != SourcePrimary {
			log.Info("Recovered record store from fallback", "path", c.path, "source", string(c.source), "records", len(s.Records))
		}
		return LoadResult{Records: s.Records, Source: c.source, Migrated: migrated}
	}
	return LoadResult{Source: SourceNone}
}

func readSnapshot(path string) (*snapshot, error) {
	f, err := os.Open(path) //nolint:gosec // path derived from archive root
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decodeSnapshot(f)
}

// Option configures a Store.
type Option func(*Store)

// WithInterval sets the minimum time between periodic checkpoints.
func WithInterval(d time.Duration) Option {
	return func(s *Store) { s.interval = d }
}

// WithClock replaces time.Now, used by tests to drive checkpoint intervals.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(log logr.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Store is the in-memory working set of one archive's records plus the state
// needed to checkpoint it. It is owned by a single worker and is not safe for
// concurrent use.
type Store struct {
	root     string
	model    string
	path     string
	records  []Record
	index    map[string]int
	source   Source
	dirty    bool
	interval time.Duration
	lastSave time.Time
	now      func() time.Time
	log      logr.Logger
}

// Open loads the store for root and model through the recovery chain. When the
// primary file decoded, it is also copied to the backup path so the next run has
// a known-good previous generation.
func Open(root, model string, opts ...Option) *Store {
	s := &Store{
		root:     root,
		model:    model,
		path:     PathFor(root, model),
		interval: constants.DefaultCheckpointInterval,
		now:      time.Now,
		log:      logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}

	res := Load(s.path, s.log)
	s.records = res.Records
	s.source = res.Source
	s.dirty = res.Migrated || res.Source == SourceTemp || res.Source == SourceBackup
	s.index = make(map[string]int, len(s.records))
	for i, r := range s.records {
		s.index[r.Identity] = i
	}

	if res.Source == SourcePrimary {
		if err := s.backup(); err != nil {
			s.log.Error(err, "Failed to back up record store", "path", s.path)
		}
	}
	s.lastSave = s.now()
	return s
}

func (s *Store) backup() error {
	if err := fsutil.CopyFile(s.path, BackupPath(s.path)); err != nil {
		return fmt.Errorf("%w: backing up %s: %w", fsutil.ErrPersistence, s.path, err)
	}
	return nil
}

// Path returns the primary store file path.
func (s *Store) Path() string { return s.path }

// Root returns the archive root this store indexes.
func (s *Store) Root() string { return s.root }

// Source reports where the records were loaded from.
func (s *Store) Source() Source { return s.source }

// Len returns the number of records.
func (s *Store) Len() int { return len(s.records) }

// Dirty reports whether the working set differs from the last persisted state.
func (s *Store) Dirty() bool { return s.dirty }

// Get returns the record for identity.
func (s *Store) Get(identity string) (Record, bool) {
	i, ok := s.index[identity]
	if !ok {
		return Record{}, false
	}
	return s.records[i], true
}

// Has reports whether identity has been processed.
func (s *Store) Has(identity string) bool {
	_, ok := s.index[identity]
	return ok
}

// Records returns a copy of the records in insertion order.
func (s *Store) Records() []Record {
	return slices.Clone(s.records)
}

// OKRecords returns the records that carry an embedding, in insertion order.
func (s *Store) OKRecords() []Record {
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if r.IsOK() {
			out = append(out, r)
		}
	}
	return out
}

// Append adds r to the working set. It returns false, leaving the store
// unchanged, when the identity is already present. No I/O happens.
func (s *Store) Append(r Record) bool {
	if _, ok := s.index[r.Identity]; ok {
		return false
	}
	s.index[r.Identity] = len(s.records)
	s.records = append(s.records, r)
	s.dirty = true
	return true
}

// Replace overwrites the record with the same identity in place. It returns
// false when the identity is unknown.
func (s *Store) Replace(r Record) bool {
	i, ok := s.index[r.Identity]
	if !ok {
		return false
	}
	s.records[i] = r
	s.dirty = true
	return true
}

// NextCheckpointIn returns the time left until a periodic checkpoint is due.
func (s *Store) NextCheckpointIn() time.Duration {
	remaining := s.interval - s.now().Sub(s.lastSave)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Checkpoint persists the working set. Without force it only writes when the
// interval has elapsed and there are unsaved changes. The records are written to
// the temp path and then renamed over the primary; on failure the working set
// and the previous primary file are kept and an ErrPersistence error is returned.
func (s *Store) Checkpoint(force bool) (bool, error) {
	now := s.now()
	if !force && (!s.dirty || now.Sub(s.lastSave) < s.interval) {
		return false, nil
	}

	snap := &snapshot{
		SchemaVersion: schemaCurrent,
		Model:         s.model,
		Root:          s.root,
		SavedAt:       now,
		Records:       s.records,
	}
	err := fsutil.WriteAtomic(s.path, TempPath(s.path), func(w io.Writer) error {
		return encodeSnapshot(w, snap)
	})
	if err != nil {
		return false, err
	}

	s.lastSave = now
	s.dirty = false
	s.source = SourcePrimary
	s.log.V(1).Info("Checkpoint saved", "path", s.path, "records", len(s.records))
	return true, nil
}
