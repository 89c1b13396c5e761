package workspace

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// MaxRunIDLength bounds run identifiers so their encoded form, with the
// longest suffix the collector adds, stays within one path component
const MaxRunIDLength = 180

// ErrInvalidRunID is returned for run identifiers that cannot be stored
var ErrInvalidRunID = errors.New("invalid run identifier")

// RunKey returns the path component standing for runID. Identifiers are
// opaque tokens, so they never reach the filesystem unencoded.
func RunKey(runID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(runID))
}

// ValidateRunID rejects identifiers that are empty or too long to store
func ValidateRunID(runID string) error {
	switch {
	case runID == "":
		return fmt.Errorf("%w: empty", ErrInvalidRunID)
	case len(runID) > MaxRunIDLength:
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidRunID, len(runID), MaxRunIDLength)
	}
	return nil
}

// GetRequiredDirectories returns the directories a file collector root must contain
func GetRequiredDirectories() []string {
	return []string{
		"runs",        // runs/<run_key>.json (run descriptors)
		"journal",     // journal/<run_key>/<instance>.ndjson (per-process call journal)
		"attachments", // attachments/<run_key>/<file> (log attachment payloads)
	}
}

// Initialize creates all required collector directories with 0700 permissions.
// Safe to call concurrently from several processes.
func Initialize(root string) error {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// IsInitialized checks if a collector root has all required directories
func IsInitialized(root string) (bool, error) {
	for _, dir := range GetRequiredDirectories() {
		path := filepath.Join(root, dir)

		info, err := os.Stat(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check directory %s: %w", path, err)
		}
		if !info.IsDir() {
			return false, nil
		}
	}
	return true, nil
}

// JournalDir returns the directory holding all instance journals of a run
func JournalDir(root, runID string) string {
	return filepath.Join(root, "journal", RunKey(runID))
}

// JournalPath returns the journal file of one instance within a run
func JournalPath(root, runID, instance string) string {
	return filepath.Join(JournalDir(root, runID), instance+".ndjson")
}

// AttachmentPath returns where an attachment payload of a run is stored
func AttachmentPath(root, runID, name string) string {
	return filepath.Join(root, "attachments", RunKey(runID), name)
}
