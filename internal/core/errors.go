package core

import "errors"

// Error taxonomy surfaced by the registry, the cache, and the adapters.
// Callers match with errors.Is; every returned error wraps exactly one of these.
var (
	// ErrNotFound indicates that a referenced voice model, preset, or cache entry is absent.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateName indicates a name collision on create or rename.
	ErrDuplicateName = errors.New("duplicate name")
	// ErrStorage indicates a filesystem failure in the artifact store.
	ErrStorage = errors.New("storage failure")
	// ErrValidation indicates out-of-range parameters or malformed input.
	ErrValidation = errors.New("validation failed")
	// ErrSynthesis indicates that the external synthesis service failed.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrTranscription indicates that the external transcription service failed.
	ErrTranscription = errors.New("transcription failed")
)
