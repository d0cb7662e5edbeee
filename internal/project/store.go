package project

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"meshbridge/pkg/types"
)

const (
	inputDirName   = "input"
	tempFilePrefix = ".upload-"
	idTimeLayout   = "20060102_150405"
)

// Store is the filesystem registry of capture sessions
// ARCHITECTURAL DISCOVERY: The directory tree is the system of record. Every project
// is <root>/<id>/input and nothing about a project lives anywhere else, so counts are
// always recomputed from a listing instead of cached
type Store struct {
	root       string
	extensions map[string]struct{}
	clock      clockwork.Clock
}

// NewStore creates a store rooted at root that counts files with the given
// extensions (matched case-insensitively).
func NewStore(root string, extensions []string, clock clockwork.Clock) *Store {
	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{root: root, extensions: exts, clock: clock}
}

func (s *Store) Root() string {
	return s.root
}

// InputDir returns where captures of a project are written.
func (s *Store) InputDir(id string) string {
	return filepath.Join(s.root, id, inputDirName)
}

func (s *Store) projectDir(id string) string {
	return filepath.Join(s.root, id)
}

// List returns project ids sorted descending, so timestamped ids come newest first.
// A missing root is an empty registry.
func (s *Store) List() ([]string, error) {
	entries, err := s.projectEntries()
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ids)))
	return ids, nil
}

func (s *Store) projectEntries() ([]os.DirEntry, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list projects in %s: %w", s.root, err)
	}

	dirs := entries[:0]
	for _, entry := range entries {
		if entry.IsDir() && types.IsValidProjectID(entry.Name()) {
			dirs = append(dirs, entry)
		}
	}
	return dirs, nil
}

// ResolveMostRecent picks the project modified last, or synthesizes a fresh
// timestamped id when there is none. The synthesized project is not created.
// FUNCTIONAL DISCOVERY: Writing a capture touches input/, not the project directory,
// so the later of the two mtimes is what "recently used" means
func (s *Store) ResolveMostRecent() (string, error) {
	entries, err := s.projectEntries()
	if err != nil {
		return "", err
	}

	var (
		bestID   string
		bestTime time.Time
	)
	for _, entry := range entries {
		id := entry.Name()
		mtime, err := s.modTime(id)
		if err != nil {
			continue
		}
		if bestID == "" || mtime.After(bestTime) || (mtime.Equal(bestTime) && id > bestID) {
			bestID, bestTime = id, mtime
		}
	}

	if bestID == "" {
		return s.SynthesizeID(), nil
	}
	return bestID, nil
}

func (s *Store) modTime(id string) (time.Time, error) {
	info, err := os.Stat(s.projectDir(id))
	if err != nil {
		return time.Time{}, err
	}
	mtime := info.ModTime()

	if input, err := os.Stat(s.InputDir(id)); err == nil && input.ModTime().After(mtime) {
		mtime = input.ModTime()
	}
	return mtime, nil
}

// SynthesizeID returns project_YYYYMMDD_HHMMSS for the current clock time.
func (s *Store) SynthesizeID() string {
	return "project_" + s.clock.Now().Format(idTimeLayout)
}

// Exists reports whether the project directory is present.
func (s *Store) Exists(id string) bool {
	if !types.IsValidProjectID(id) {
		return false
	}
	info, err := os.Stat(s.projectDir(id))
	return err == nil && info.IsDir()
}

// Create makes the project and its input directory. Creating an existing project is a no-op.
func (s *Store) Create(id string) error {
	if !types.IsValidProjectID(id) {
		return types.ErrInvalidProjectID
	}
	if err := os.MkdirAll(s.InputDir(id), 0o755); err != nil {
		return fmt.Errorf("failed to create project %s: %w", id, err)
	}
	return nil
}

// Rename moves a project directory to a new id.
func (s *Store) Rename(oldID, newID string) error {
	if !types.IsValidProjectID(oldID) || !types.IsValidProjectID(newID) {
		return types.ErrInvalidProjectID
	}
	if !s.Exists(oldID) {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, oldID)
	}
	if _, err := os.Lstat(s.projectDir(newID)); err == nil {
		return fmt.Errorf("%w: %s", ErrProjectExists, newID)
	}
	if err := os.Rename(s.projectDir(oldID), s.projectDir(newID)); err != nil {
		return fmt.Errorf("failed to rename project %s to %s: %w", oldID, newID, err)
	}
	return nil
}

// Delete removes a project and every capture in it.
func (s *Store) Delete(id string) error {
	if !types.IsValidProjectID(id) {
		return types.ErrInvalidProjectID
	}
	if !s.Exists(id) {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	if err := os.RemoveAll(s.projectDir(id)); err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	return nil
}

// IsCapture reports whether a file name counts as a capture image.
// Hidden names never count, which also hides in-flight uploads.
func (s *Store) IsCapture(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	_, ok := s.extensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// CountCaptures counts capture images in the project's input directory.
func (s *Store) CountCaptures(id string) (int, error) {
	if !types.IsValidProjectID(id) {
		return 0, types.ErrInvalidProjectID
	}

	entries, err := os.ReadDir(s.InputDir(id))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to scan captures of %s: %w", id, err)
	}

	count := 0
	for _, entry := range entries {
		if entry.Type().IsRegular() && s.IsCapture(entry.Name()) {
			count++
		}
	}
	return count, nil
}

// SaveCapture durably writes an uploaded image and returns the bytes written
// TECHNICAL DISCOVERY: Temp file + fsync + rename means a crash never leaves a
// truncated image that would be counted; an existing file of the same name is replaced
func (s *Store) SaveCapture(id, filename string, body io.Reader) (int64, error) {
	if !types.IsValidProjectID(id) {
		return 0, types.ErrInvalidProjectID
	}
	if !types.IsValidCaptureFilename(filename) {
		return 0, types.ErrInvalidFilename
	}

	dir := s.InputDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to prepare input directory of %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(dir, tempFilePrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file for %s: %w", filename, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	written, err := io.Copy(tmp, body)
	if err != nil {
		return 0, fmt.Errorf("failed to write capture %s: %w", filename, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return 0, fmt.Errorf("failed to set permissions on capture %s: %w", filename, err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync capture %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("failed to close capture %s: %w", filename, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, filename)); err != nil {
		return 0, fmt.Errorf("failed to commit capture %s: %w", filename, err)
	}
	committed = true

	return written, nil
}
