// Package storage provides atomic file operations on an afero filesystem.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// WriteFileAtomic writes data to path via a temp file and rename.
// It ensures the parent directory exists.
func WriteFileAtomic(fs afero.Fs, path string, data []byte, perm os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := afero.WriteFile(fs, tempPath, data, 0o600); err != nil {
		return err
	}
	if err := fs.Chmod(tempPath, perm); err != nil {
		_ = fs.Remove(tempPath)
		return err
	}

	return fs.Rename(tempPath, path)
}

// SaveJSON atomically writes data as indented JSON, newline terminated.
func SaveJSON(fs afero.Fs, path string, data any) error {
	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	jsonData = append(jsonData, '\n')

	return WriteFileAtomic(fs, path, jsonData, 0o644)
}

// LoadJSON reads JSON from the specified path into dest.
// Returns an os.ErrNotExist error if the file doesn't exist (caller should handle).
func LoadJSON(fs afero.Fs, path string, dest any) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}
