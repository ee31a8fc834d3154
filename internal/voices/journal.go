package voices

import (
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/voice-service/internal/fsutil"
)

// journal records how to undo each completed step of a multi-file change.
type journal struct {
	rename func(oldPath, newPath string) error
	undo   []func() error
}

func newJournal(rename func(oldPath, newPath string) error) *journal {
	return &journal{rename: rename}
}

func (j *journal) move(from, to string) error {
	err := j.rename(from, to)
	if err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", from, to, err)
	}

	j.undo = append(j.undo, func() error {
		return j.rename(to, from)
	})

	return nil
}

// replace atomically rewrites path, remembering the previous content.
func (j *journal) replace(path string, data []byte) error {
	previous, readErr := os.ReadFile(path)
	existed := readErr == nil

	if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
		return fmt.Errorf("failed to read %s: %w", path, readErr)
	}

	writeErr := fsutil.WriteFileAtomic(path, data)
	if writeErr != nil {
		return writeErr
	}

	j.undo = append(j.undo, func() error {
		if !existed {
			return os.Remove(path)
		}

		return fsutil.WriteFileAtomic(path, previous)
	})

	return nil
}

// rollback replays the undo steps in reverse and reports every step that failed.
func (j *journal) rollback() error {
	var errs []error

	for i := len(j.undo) - 1; i >= 0; i-- {
		undoErr := j.undo[i]()
		if undoErr != nil {
			errs = append(errs, undoErr)
		}
	}

	j.undo = nil

	return errors.Join(errs...)
}
