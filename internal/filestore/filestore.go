// Package filestore provides the two JSON persistence idioms used across
// the domains: a plain write for snapshots that tolerate partial writes on
// crash, and an atomic temp-file-and-rename write for state that must never
// be observed half-written (config).
package filestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func nanosNow() int64 { return time.Now().UnixNano() }

// WriteJSON serializes v as pretty-printed JSON directly to path, creating
// parent directories as needed. Not crash-atomic.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize '%s': %w", path, err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write '%s': %w", path, err)
	}
	return nil
}

// ReadJSON deserializes path into v. A missing file is not an error; v is
// left unmodified and ok is false.
func ReadJSON(path string, v any) (ok bool, err error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed reading '%s': %w", path, err)
	}
	if err := json.Unmarshal(content, v); err != nil {
		return false, fmt.Errorf("failed parsing '%s': %w", path, err)
	}
	return true, nil
}

// WriteJSONAtomic serializes v to a sibling temp file named
// "<name>.tmp-<pid>-<nanos>" and renames it over path, so readers never
// observe a partially written file.
func WriteJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize '%s': %w", path, err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf("%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), nanosNow()))
	if err := os.WriteFile(tmpPath, payload, 0o644); err != nil {
		return fmt.Errorf("failed writing temp file '%s': %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed renaming temp file '%s' to '%s': %w", tmpPath, path, err)
	}
	return nil
}

// WriteBytesAtomic is WriteJSONAtomic's raw-bytes counterpart, used for
// non-JSON text files (the config YAML).
func WriteBytesAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory for '%s': %w", path, err)
	}
	tmpPath := filepath.Join(dir, fmt.Sprintf("%s.tmp-%d-%d", filepath.Base(path), os.Getpid(), nanosNow()))
	if err := os.WriteFile(tmpPath, content, 0o644); err != nil {
		return fmt.Errorf("failed writing temp file '%s': %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed renaming temp file '%s' to '%s': %w", tmpPath, path, err)
	}
	return nil
}
