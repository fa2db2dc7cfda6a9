// Package state reads and writes the persistent-worker state file (§6) used
// by `start-services`/`stop-services` to track workers across process
// invocations.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileVersion is the on-disk schema version written into every state file.
const FileVersion = "1.0"

// WorkerRecord is one entry in the state file's worker list.
type WorkerRecord struct {
	WorkerType    string            `json:"worker_type"`
	ExecutionMode string            `json:"execution_mode"`
	ExecutorID    string            `json:"executor_id"`
	DBWorkerID    int64             `json:"db_worker_id"`
	StartedAt     time.Time         `json:"started_at"`
	Config        map[string]string `json:"config,omitempty"`
}

// Metadata records who/what created the state file.
type Metadata struct {
	CreatedAt   time.Time `json:"created_at"`
	CreatedBy   string    `json:"created_by"`
	NetworkName string    `json:"network_name,omitempty"`
}

// File is the exact §6 JSON shape for a persistent-worker run.
type File struct {
	Version  string         `json:"version"`
	DBPath   string         `json:"db_path"`
	Workers  []WorkerRecord `json:"workers"`
	Metadata Metadata       `json:"metadata"`
}

// New builds a File with FileVersion stamped and the given absolute db path.
func New(dbPath, createdBy, networkName string) *File {
	return &File{
		Version: FileVersion,
		DBPath:  dbPath,
		Metadata: Metadata{
			CreatedAt:   time.Now(),
			CreatedBy:   createdBy,
			NetworkName: networkName,
		},
	}
}

// Load reads and unmarshals the state file at path. A missing file returns
// (nil, nil) so callers can distinguish "no persistent workers" from an
// error.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file %s: %w", path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	return &f, nil
}

// Save writes the state file atomically (temp file + rename) with
// restrictive permissions, matching the teacher's config/schema safety
// pattern for safety-critical writes.
func Save(path string, f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state file directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp state file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set state file permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp state file into place: %w", err)
	}
	return nil
}

// Remove deletes the state file, tolerating its absence.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove state file %s: %w", path, err)
	}
	return nil
}
