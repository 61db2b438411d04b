// Package fsutil holds the file primitives shared by the record store, the hit
// ledger and the scanner: crash-safe replacement of a file, metadata-preserving
// copies and extension filtering.
package fsutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPersistence marks a failed checkpoint or ledger write. The previously
// persisted file is left untouched when it is returned.
var ErrPersistence = errors.New("persistence failure")

// WriteAtomic writes a file by streaming into tmpPath, syncing it and renaming
// it over path. A failure at any step removes tmpPath and leaves path as it was.
func WriteAtomic(path, tmpPath string, write func(io.Writer) error) (err error) {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644) //nolint:gosec // paths come from config
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrPersistence, tmpPath, err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	buf := bufio.NewWriterSize(f, 256*1024)
	if err = write(buf); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrPersistence, tmpPath, err)
	}
	if err = buf.Flush(); err != nil {
		return fmt.Errorf("%w: flushing %s: %w", ErrPersistence, tmpPath, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %w", ErrPersistence, tmpPath, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrPersistence, tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: replacing %s: %w", ErrPersistence, path, err)
	}

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, derr := os.Open(filepath.Dir(path)); derr == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// CopyFile copies src to dst, preserving permission bits and modification time.
// The data lands in a sibling temp file first so an interrupted copy never
// leaves a partial file at dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // archive paths are trusted
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", src, err)
	}

	tmp := dst + ".part"
	err = WriteAtomic(dst, tmp, func(w io.Writer) error {
		_, cerr := io.Copy(w, in)
		return cerr
	})
	if err != nil {
		return err
	}

	_ = os.Chmod(dst, info.Mode().Perm())
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return nil
}

// Exists reports whether path exists. Errors other than "not exist" are returned.
func Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Extensions is a case-insensitive set of file extensions.
type Extensions map[string]struct{}

// NewExtensions builds an extension set. Entries are lowercased and get a
// leading dot when they lack one, so "JPG" and ".jpg" name the same extension.
func NewExtensions(exts []string) Extensions {
	set := make(Extensions, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" || ext == "." {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		set[ext] = struct{}{}
	}
	return set
}

// Match reports whether the extension of name is in the set.
func (e Extensions) Match(name string) bool {
	_, ok := e[strings.ToLower(filepath.Ext(name))]
	return ok
}
