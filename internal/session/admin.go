package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/duke-git/lancet/v2/fileutil"
	"github.com/duke-git/lancet/v2/maputil"

	"yqhp/session-manager/pkg/types"
)

const (
	// ActiveDir is the admin subdirectory holding live sessions.
	ActiveDir = "activesessions"
	// TerminatedDir is the admin subdirectory holding finished sessions.
	TerminatedDir = "terminatedsessions"
)

// Entry is one admin file found while scanning an area.
type Entry struct {
	Path    string
	ModTime time.Time
	Record  *types.SessionRecord
	// Err is set when the file could not be read or parsed; Record is nil then.
	Err error
}

// AdminArea manages the active and terminated session directories.
type AdminArea struct {
	root       string
	active     string
	terminated string
}

// NewAdminArea creates both subdirectories of root when missing.
func NewAdminArea(root string) (*AdminArea, error) {
	a := &AdminArea{
		root:       root,
		active:     filepath.Join(root, ActiveDir),
		terminated: filepath.Join(root, TerminatedDir),
	}
	for _, dir := range []string{a.active, a.terminated} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create admin directory %s: %w", dir, err)
		}
	}
	return a, nil
}

// Root returns the admin root directory.
func (a *AdminArea) Root() string { return a.root }

// ActivePath returns where rec lives while active.
func (a *AdminArea) ActivePath(rec *types.SessionRecord) string {
	return filepath.Join(a.active, rec.FileName())
}

// TerminatedPath returns where rec lives once terminated.
func (a *AdminArea) TerminatedPath(rec *types.SessionRecord) string {
	return filepath.Join(a.terminated, rec.FileName())
}

// Save writes rec into the active area, replacing any previous version atomically.
// An empty AdminPath is set to the active file path.
func (a *AdminArea) Save(rec *types.SessionRecord) error {
	if rec.User == "" || rec.Group == "" || rec.PID <= 0 {
		return fmt.Errorf("record needs user, group and pid to be saved")
	}
	if strings.ContainsAny(rec.User+rec.Group, `/.`) {
		return fmt.Errorf("user and group must not contain '/' or '.'")
	}
	if rec.AdminPath == "" {
		rec.AdminPath = a.ActivePath(rec)
	}
	return writeAtomic(a.ActivePath(rec), Marshal(rec))
}

// Load reads one admin file.
func (a *AdminArea) Load(path string) (*types.SessionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rec, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return rec, nil
}

// Remove deletes the active file of rec. A missing file is not an error.
func (a *AdminArea) Remove(rec *types.SessionRecord) error {
	if err := os.Remove(a.ActivePath(rec)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MoveToTerminated rewrites rec with status terminated and renames its file into
// the terminated area. The file's mtime is set to at, which drives retention.
func (a *AdminArea) MoveToTerminated(rec *types.SessionRecord, at time.Time) error {
	rec.Status = types.SessionStatusTerminated
	src := a.ActivePath(rec)
	dst := a.TerminatedPath(rec)

	if err := writeAtomic(src, Marshal(rec)); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s to terminated area: %w", rec.FileName(), err)
	}
	if err := os.Chtimes(dst, at, at); err != nil {
		return fmt.Errorf("stamp %s: %w", dst, err)
	}
	return nil
}

// MoveFileToTerminated relocates an active file that could not be parsed.
func (a *AdminArea) MoveFileToTerminated(path string, at time.Time) error {
	dst := filepath.Join(a.terminated, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return err
	}
	return os.Chtimes(dst, at, at)
}

// ListActive scans the active area.
func (a *AdminArea) ListActive() ([]Entry, error) {
	return a.list(a.active)
}

// ListTerminated scans the terminated area.
func (a *AdminArea) ListTerminated() ([]Entry, error) {
	return a.list(a.terminated)
}

func (a *AdminArea) list(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, de.Name())
		e := Entry{Path: path}
		if info, err := de.Info(); err == nil {
			e.ModTime = info.ModTime()
		}
		e.Record, e.Err = a.Load(path)
		entries = append(entries, e)
	}
	return entries, nil
}

// PurgeTerminated removes terminated files last modified before cutoff and
// returns their paths.
func (a *AdminArea) PurgeTerminated(cutoff time.Time) ([]string, error) {
	entries, err := a.ListTerminated()
	if err != nil {
		return nil, err
	}

	var purged []string
	var errs []error
	for _, e := range entries {
		if !e.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(e.Path); err != nil {
			if fileutil.IsExist(e.Path) {
				errs = append(errs, err)
			}
			continue
		}
		purged = append(purged, e.Path)
	}
	return purged, errors.Join(errs...)
}

// writeAtomic writes data to a hidden temp file next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := maputil.Keys(m)
	sort.Strings(keys)
	return keys
}
