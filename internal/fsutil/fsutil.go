// Package fsutil holds the durable-file idioms shared across the
// Strategy Service, Position Registry, Artifact Manager, and Mailbox:
// atomic rename (write-temp, rename-over) for every durable file, and
// a tolerant retry reader for files that may be read mid-write.
package fsutil

import (
	"os"
	"path/filepath"
	"time"
)

// WriteFileAtomic writes data to a temp file in the same directory as
// path, fsyncs it, then renames it over path. Rename is atomic on the
// same filesystem, so a reader never observes a partially written
// file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

// ReadWithRetry reads path, retrying up to retries additional times
// (separated by delay) if the read itself fails. It does not inspect
// the content; callers that need to tolerate a torn write (valid
// bytes but incomplete JSON) should retry their own parse step.
func ReadWithRetry(path string, retries int, delay time.Duration) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		b, err := os.ReadFile(path)
		if err == nil {
			return b, nil
		}
		lastErr = err
		if attempt < retries {
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}
