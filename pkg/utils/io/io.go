package io

import (
	"io"
	"os"

	"github.com/go-logr/logr"
)

var (
	// TempDir is the parent directory of checkouts and other scratch data. Empty means os.TempDir().
	TempDir string
)

func init() {
	if dir := os.Getenv("SYNC_ENGINE_TMP_DIR"); dir != "" {
		TempDir = dir
	}
}

// MkdirTemp creates a scratch directory below TempDir.
func MkdirTemp(pattern string) (string, error) {
	return os.MkdirTemp(TempDir, pattern)
}

// DeleteFile is best effort deletion of a file
func DeleteFile(path string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return
	}
	_ = os.Remove(path)
}

// DeleteDir is best effort recursive deletion of a directory
func DeleteDir(path string) {
	if path == "" {
		return
	}
	_ = os.RemoveAll(path)
}

// Close is a convenience function to close a object that has a Close() method, ignoring any errors
// Used to satisfy errcheck lint
func Close(c io.Closer, log logr.Logger) {
	if err := c.Close(); err != nil {
		log.V(1).Info("failed to close", "error", err.Error())
	}
}
