package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/algorand/go-deadlock"
)

// WriteJSONAtomic writes v as indented JSON to path. The data is written to a
// temporary file first and renamed into place so readers never see a partial file.
func WriteJSONAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to save snapshot file: %w", err)
	}

	return nil
}

const snapshotPrefix = "snapshot_"

// SnapshotArchive keeps the most recent snapshot files in a directory.
type SnapshotArchive struct {
	dir  string
	keep int
	now  func() time.Time
	mu   deadlock.Mutex
}

type snapshotFile struct {
	path  string
	stamp int64
}

// NewSnapshotArchive creates dir if needed. keep below one is treated as one.
func NewSnapshotArchive(dir string, keep int) (*SnapshotArchive, error) {
	absPath, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}
	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if keep < 1 {
		keep = 1
	}
	return &SnapshotArchive{dir: absPath, keep: keep, now: time.Now}, nil
}

// Save writes v as a new snapshot and removes the oldest ones beyond the limit.
func (a *SnapshotArchive) Save(v interface{}) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	stamp := a.now().UnixNano()
	if files, err := a.list(); err == nil && len(files) > 0 && files[len(files)-1].stamp >= stamp {
		stamp = files[len(files)-1].stamp + 1
	}
	path := filepath.Join(a.dir, fmt.Sprintf("%s%d.json", snapshotPrefix, stamp))
	if err := WriteJSONAtomic(path, v); err != nil {
		return "", err
	}
	if err := a.cleanup(); err != nil {
		return path, fmt.Errorf("snapshot saved but cleanup failed: %w", err)
	}
	return path, nil
}

// Latest returns the newest snapshot path, or "" when there is none.
func (a *SnapshotArchive) Latest() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	files, err := a.list()
	if err != nil || len(files) == 0 {
		return "", err
	}
	return files[len(files)-1].path, nil
}

// list returns the snapshot files oldest first, skipping foreign names.
func (a *SnapshotArchive) list() ([]snapshotFile, error) {
	matches, err := filepath.Glob(filepath.Join(a.dir, snapshotPrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	files := make([]snapshotFile, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), snapshotPrefix), ".json")
		stamp, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, snapshotFile{path: m, stamp: stamp})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].stamp < files[j].stamp })
	return files, nil
}

func (a *SnapshotArchive) cleanup() error {
	files, err := a.list()
	if err != nil {
		return err
	}
	for i := 0; i < len(files)-a.keep; i++ {
		if err := os.Remove(files[i].path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
