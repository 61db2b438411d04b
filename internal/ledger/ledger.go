// Package ledger keeps the persisted record of archive files already copied to
// the output directory. A file is copied at most once, for the first person
// that matches it.
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/kozaktomas/face-finder/internal/fsutil"
)

// ErrMissingSource is returned when the archive file vanished before it could be copied.
var ErrMissingSource = errors.New("source file missing")

var header = []string{"person", "archive_dir", "identity", "distance", "copied_path"}

// Hit is one ledger row.
type Hit struct {
	Person     string  `json:"person"`
	ArchiveDir string  `json:"archive_dir"`
	Identity   string  `json:"identity"`
	Distance   float64 `json:"distance"`
	CopiedPath string  `json:"copied_path"`
}

// Ledger is the in-memory view of the hits file. Writes come from the single
// run worker; reads may come from other goroutines.
type Ledger struct {
	mu        sync.RWMutex
	path      string
	outputDir string
	hits      []Hit
	claimed   map[string]struct{}
	log       logr.Logger
}

// Open loads the ledger file name inside outputDir. A missing file yields an
// empty ledger. A file that cannot be parsed is moved aside to a ".corrupt"
// sibling and the ledger starts empty.
func Open(outputDir, name string, log logr.Logger) (*Ledger, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating output dir: %w", fsutil.ErrPersistence, err)
	}
	l := &Ledger{
		path:      filepath.Join(outputDir, name),
		outputDir: outputDir,
		claimed:   make(map[string]struct{}),
		log:       log,
	}

	hits, err := readFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		aside := l.path + ".corrupt"
		log.Error(err, "Hits ledger unreadable, starting empty", "path", l.path, "moved_to", aside)
		if rerr := os.Rename(l.path, aside); rerr != nil {
			return nil, fmt.Errorf("%w: moving corrupt ledger aside: %w", fsutil.ErrPersistence, rerr)
		}
	default:
		for _, h := range hits {
			if _, dup := l.claimed[h.Identity]; dup {
				continue
			}
			l.claimed[h.Identity] = struct{}{}
			l.hits = append(l.hits, h)
		}
	}
	return l, nil
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Hits returns the ledger rows in discovery order.
func (l *Ledger) Hits() []Hit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.hits)
}

// Len returns the number of rows.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.hits)
}

// Claimed reports whether identity already produced a hit for any person.
func (l *Ledger) Claimed(identity string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.claimed[identity]
	return ok
}

// Record copies the hit's source file into the person's output directory and
// appends a row. It returns false without doing anything when the identity was
// already claimed. When the destination file already exists nothing is copied:
// the row is still appended and the identity claimed, but Record returns false.
// When the row was accepted but the ledger file could not be rewritten, Record
// returns the copy result together with an ErrPersistence error.
func (l *Ledger) Record(hit Hit) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.claimed[hit.Identity]; ok {
		return false, nil
	}

	if _, err := os.Stat(hit.Identity); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrMissingSource, hit.Identity)
		}
		return false, fmt.Errorf("checking source %s: %w", hit.Identity, err)
	}

	personDir := filepath.Join(l.outputDir, personDirName(hit.Person))
	if err := os.MkdirAll(personDir, 0o755); err != nil {
		return false, fmt.Errorf("%w: creating %s: %w", fsutil.ErrPersistence, personDir, err)
	}
	dest := filepath.Join(personDir, filepath.Base(hit.Identity))

	exists, err := fsutil.Exists(dest)
	if err != nil {
		return false, fmt.Errorf("%w: %w", fsutil.ErrPersistence, err)
	}
	if exists {
		if owner, ok := l.copiedFrom(dest); ok {
			l.log.Info("Destination holds another file with the same name, not copying",
				"person", hit.Person, "path", hit.Identity, "dest", dest, "copied_from", owner)
		} else {
			l.log.Info("Destination already present, not copying", "person", hit.Person, "path", hit.Identity, "dest", dest)
		}
	} else if err := fsutil.CopyFile(hit.Identity, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("%w: %s", ErrMissingSource, hit.Identity)
		}
		return false, fmt.Errorf("%w: copying %s: %w", fsutil.ErrPersistence, hit.Identity, err)
	}

	hit.CopiedPath = dest
	l.hits = append(l.hits, hit)
	l.claimed[hit.Identity] = struct{}{}

	return !exists, l.save()
}

// copiedFrom returns the identity whose copy landed at dest. Must be called
// with l.mu held.
func (l *Ledger) copiedFrom(dest string) (string, bool) {
	for _, h := range l.hits {
		if h.CopiedPath == dest {
			return h.Identity, true
		}
	}
	return "", false
}

// save rewrites the whole ledger file. Must be called with l.mu held.
func (l *Ledger) save() error {
	return fsutil.WriteAtomic(l.path, l.path+".tmp", func(w io.Writer) error {
		return writeHits(w, l.hits)
	})
}

// personDirName turns a person name into a single path element.
func personDirName(person string) string {
	name := strings.TrimSpace(person)
	name = strings.NewReplacer("/", "_", `\`, "_").Replace(name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// Read loads the ledger rows stored at path.
func Read(path string) ([]Hit, error) {
	return readFile(path)
}

func readFile(path string) ([]Hit, error) {
	f, err := os.Open(path) //nolint:gosec // path derived from output dir
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readHits(f)
}

func readHits(r io.Reader) ([]Hit, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(header)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing ledger: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	if !slices.Equal(rows[0], header) {
		return nil, fmt.Errorf("unexpected ledger header %v", rows[0])
	}

	hits := make([]Hit, 0, len(rows)-1)
	for i, row := range rows[1:] {
		d, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid distance %q: %w", i+2, row[3], err)
		}
		hits = append(hits, Hit{
			Person:     row[0],
			ArchiveDir: row[1],
			Identity:   row[2],
			Distance:   d,
			CopiedPath: row[4],
		})
	}
	return hits, nil
}

func writeHits(w io.Writer, hits []Hit) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, h := range hits {
		row := []string{
			h.Person,
			h.ArchiveDir,
			h.Identity,
			strconv.FormatFloat(h.Distance, 'f', -1, 64),
			h.CopiedPath,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
