package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// snapshotLayout names snapshot files; it sorts chronologically.
const snapshotLayout = "2006-01-02T15-04-05.000"

// Snapshots keeps timestamped JSON copies of a value under dir/<name>/.
type Snapshots struct {
	dir  string
	keep int
	now  func() time.Time
}

// NewSnapshots creates a snapshot store keeping the newest keep files per name.
func NewSnapshots(dir string, keep int) *Snapshots {
	if keep <= 0 {
		keep = 1
	}
	return &Snapshots{dir: dir, keep: keep, now: time.Now}
}

// SaveSnapshot writes data as the newest snapshot of name and prunes old ones.
// Returns the path to the saved file.
func SaveSnapshot[T any](s *Snapshots, name string, data T) (string, error) {
	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	path := filepath.Join(dir, s.now().UTC().Format(snapshotLayout)+".json")
	if err := os.WriteFile(path, jsonData, 0600); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}

	return path, s.prune(dir)
}

// LoadLatestSnapshot loads the newest snapshot of name and when it was taken.
func LoadLatestSnapshot[T any](s *Snapshots, name string) (T, time.Time, error) {
	var zero T

	files, err := snapshotFiles(filepath.Join(s.dir, name))
	if err != nil {
		return zero, time.Time{}, err
	}
	if len(files) == 0 {
		return zero, time.Time{}, ErrNotFound
	}
	latest := files[len(files)-1]

	jsonData, err := os.ReadFile(latest)
	if err != nil {
		return zero, time.Time{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var data T
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return zero, time.Time{}, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	taken, err := time.Parse(snapshotLayout, strings.TrimSuffix(filepath.Base(latest), ".json"))
	if err != nil {
		return zero, time.Time{}, fmt.Errorf("unexpected snapshot name %s: %w", latest, err)
	}
	return data, taken, nil
}

func (s *Snapshots) prune(dir string) error {
	files, err := snapshotFiles(dir)
	if err != nil {
		return err
	}
	for len(files) > s.keep {
		if err := os.Remove(files[0]); err != nil {
			return fmt.Errorf("failed to prune snapshot: %w", err)
		}
		files = files[1:]
	}
	return nil
}

// snapshotFiles lists the .json files of dir, oldest first
// (os.ReadDir sorts by name, which is chronological for our timestamps)
func snapshotFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	return files, nil
}
