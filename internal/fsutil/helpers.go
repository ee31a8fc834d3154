// Package fsutil provides file and path utility functions for the artifact store.
//
// Every write that a reader may observe goes through WriteFileAtomic, so a
// concurrent reader sees either the previous content or the new content of a
// file and never a partially written one.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permissions used for every artifact the service creates.
const (
	DirPermissions  = 0o750
	FilePermissions = 0o600
)

const (
	tempFilePattern        = ".tmp-*"
	tempFilePrefix         = ".tmp-"
	hiddenPrefix           = "."
	invalidCharReplacement = "_"
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

const (
	formatGB    = "%.1f GB"
	formatMB    = "%.1f MB"
	formatKB    = "%.1f KB"
	formatBytes = "%d B"
)

const (
	errFmtFailedToCreateDir  = "failed to create directory %s: %w"
	errFmtCreateTemp         = "failed to create temp file in %s: %w"
	errFmtWriteTemp          = "failed to write temp file %s: %w"
	errFmtSyncTemp           = "failed to sync temp file %s: %w"
	errFmtCloseTemp          = "failed to close temp file %s: %w"
	errFmtRenameTemp         = "failed to move %s into place: %w"
	errFmtNotADirectory      = "%s exists and is not a directory"
	errFmtStatDirectory      = "failed to stat %s: %w"
	errFmtCleanupAfterFailed = "%w (cleanup of %s also failed: %w)"
)

// EnsureDir ensures a directory exists at the given path, creating it if it doesn't.
func EnsureDir(path string) error {
	info, statErr := os.Stat(path)
	if statErr == nil {
		if !info.IsDir() {
			return fmt.Errorf(errFmtNotADirectory, path)
		}

		return nil
	}

	if !errors.Is(statErr, os.ErrNotExist) {
		return fmt.Errorf(errFmtStatDirectory, path, statErr)
	}

	mkdirErr := os.MkdirAll(path, DirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
	}

	return nil
}

// WriteFileAtomic writes data to a temp file next to path and renames it over path.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)

	tempFile, err := os.CreateTemp(dir, tempFilePattern)
	if err != nil {
		return fmt.Errorf(errFmtCreateTemp, dir, err)
	}

	tempName := tempFile.Name()

	writeErr := writeAndClose(tempFile, data)
	if writeErr != nil {
		return removeAfterFailure(tempName, writeErr)
	}

	chmodErr := os.Chmod(tempName, FilePermissions)
	if chmodErr != nil {
		return removeAfterFailure(tempName, chmodErr)
	}

	renameErr := os.Rename(tempName, path)
	if renameErr != nil {
		return removeAfterFailure(tempName, fmt.Errorf(errFmtRenameTemp, path, renameErr))
	}

	return nil
}

func writeAndClose(file *os.File, data []byte) error {
	_, writeErr := file.Write(data)
	if writeErr != nil {
		_ = file.Close()

		return fmt.Errorf(errFmtWriteTemp, file.Name(), writeErr)
	}

	syncErr := file.Sync()
	if syncErr != nil {
		_ = file.Close()

		return fmt.Errorf(errFmtSyncTemp, file.Name(), syncErr)
	}

	closeErr := file.Close()
	if closeErr != nil {
		return fmt.Errorf(errFmtCloseTemp, file.Name(), closeErr)
	}

	return nil
}

func removeAfterFailure(path string, cause error) error {
	removeErr := os.Remove(path)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf(errFmtCleanupAfterFailed, cause, path, removeErr)
	}

	return cause
}

// IsTempFile reports whether name was produced by WriteFileAtomic and is still in flight.
func IsTempFile(name string) bool {
	return strings.HasPrefix(name, tempFilePrefix)
}

// IsHidden reports whether a directory entry is internal bookkeeping (staging, trash, temp).
func IsHidden(name string) bool {
	return strings.HasPrefix(name, hiddenPrefix)
}

// FormatFileSize formats a file size in a human-readable string (e.g., "1.2 GB", "500.5
// MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}

// SanitizeFilename replaces characters that are invalid in most filesystems,
// along with line breaks and NUL, so client supplied names are safe to log.
func SanitizeFilename(filename string) string {
	replacer := strings.NewReplacer(
		"\n", invalidCharReplacement,
		"\r", invalidCharReplacement,
		"\x00", invalidCharReplacement,
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)

	return replacer.Replace(filename)
}
