package voices

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const (
	metaFileName        = "meta.json"
	transcriptExtension = ".txt"
)

const (
	reasonNotDirectory   = "not a directory"
	reasonMissingAudio   = "missing audio artifact"
	reasonMultipleAudio  = "more than one audio artifact"
	reasonMissingText    = "missing transcript artifact"
	reasonMalformedMeta  = "malformed meta.json"
	reasonUnreadableText = "unreadable transcript artifact"
)

var (
	errModelMissing = errors.New("voice model directory does not exist")
	errModelCorrupt = errors.New("voice model is incomplete")
)

func (r *Registry) modelDir(id string) string {
	return filepath.Join(r.root, id)
}

func transcriptPath(dir, id string) string {
	return filepath.Join(dir, id+transcriptExtension)
}

func corrupt(reason string) error {
	return fmt.Errorf("%w: %s", errModelCorrupt, reason)
}

// loadModel reads one model from disk. Callers hold the catalog lock.
func (r *Registry) loadModel(id string) (VoiceModel, error) {
	dir := r.modelDir(id)

	info, statErr := os.Stat(dir)
	if statErr != nil {
		if errors.Is(statErr, os.ErrNotExist) {
			return VoiceModel{}, errModelMissing
		}

		return VoiceModel{}, fmt.Errorf("failed to stat %s: %w", dir, statErr)
	}

	if !info.IsDir() {
		return VoiceModel{}, corrupt(reasonNotDirectory)
	}

	audioPath, format, size, audioErr := findAudio(dir, id)
	if audioErr != nil {
		return VoiceModel{}, audioErr
	}

	transcript, readErr := os.ReadFile(transcriptPath(dir, id))
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return VoiceModel{}, corrupt(reasonMissingText)
		}

		return VoiceModel{}, corrupt(reasonUnreadableText)
	}

	meta, metaErr := readMeta(dir)
	if metaErr != nil {
		return VoiceModel{}, metaErr
	}

	model := VoiceModel{
		ID:              id,
		DisplayName:     id,
		AudioPath:       audioPath,
		AudioFormat:     format,
		AudioSize:       size,
		TranscriptText:  string(transcript),
		CreatedAt:       info.ModTime().UTC(),
		DefaultSettings: DefaultSettings(),
	}

	if meta != nil {
		applyMeta(&model, meta)
	}

	return model, nil
}

func applyMeta(model *VoiceModel, meta *metadata) {
	if strings.TrimSpace(meta.DisplayName) != "" {
		model.DisplayName = meta.DisplayName
	}

	if !meta.CreatedAt.IsZero() {
		model.CreatedAt = meta.CreatedAt
	}

	if meta.DefaultSettings.Speed > 0 {
		model.DefaultSettings = meta.DefaultSettings
	}
}

// findAudio locates the single <id>.<ext> recording inside dir.
func findAudio(dir, id string) (string, audio.Format, int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var (
		found  []string
		format audio.Format
		size   int64
	)

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || fsutil.IsTempFile(name) {
			continue
		}

		ext := filepath.Ext(name)
		if strings.TrimSuffix(name, ext) != id {
			continue
		}

		candidate, parseErr := audio.ParseFormat(ext)
		if parseErr != nil || !candidate.Storable() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}

		found = append(found, filepath.Join(dir, name))
		format = candidate
		size = info.Size()
	}

	switch len(found) {
	case 0:
		return "", "", 0, corrupt(reasonMissingAudio)
	case 1:
		return found[0], format, size, nil
	default:
		return "", "", 0, corrupt(reasonMultipleAudio)
	}
}

func readMeta(dir string) (*metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, corrupt(reasonMalformedMeta)
	}

	var meta metadata

	err = json.Unmarshal(data, &meta)
	if err != nil {
		return nil, corrupt(reasonMalformedMeta)
	}

	return &meta, nil
}

func encodeMeta(meta metadata) ([]byte, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", metaFileName, err)
	}

	return data, nil
}

// scan walks the store. Callers hold the catalog lock.
func (r *Registry) scan() (Snapshot, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read voices directory %s: %w", r.root, err)
	}

	snapshot := Snapshot{Models: []VoiceModel{}, Warnings: []Warning{}}

	for _, entry := range entries {
		name := entry.Name()
		if fsutil.IsHidden(name) {
			continue
		}

		if !ValidID(name) {
			snapshot.Warnings = append(snapshot.Warnings, Warning{ID: name, Reason: "invalid id"})

			continue
		}

		model, loadErr := r.loadModel(name)
		if loadErr != nil {
			snapshot.Warnings = append(snapshot.Warnings, Warning{ID: name, Reason: reasonOf(loadErr)})

			continue
		}

		snapshot.Models = append(snapshot.Models, model)
	}

	sort.Slice(snapshot.Models, func(i, j int) bool {
		return snapshot.Models[i].ID < snapshot.Models[j].ID
	})

	return snapshot, nil
}

func reasonOf(err error) string {
	if errors.Is(err, errModelCorrupt) {
		return strings.TrimPrefix(err.Error(), errModelCorrupt.Error()+": ")
	}

	return err.Error()
}

// idTaken reports whether id is reserved, pending, or present on disk.
func (r *Registry) idTaken(id string) (bool, error) {
	if id == DefaultVoiceID {
		return true, nil
	}

	if _, pending := r.pending[id]; pending {
		return true, nil
	}

	_, err := os.Lstat(r.modelDir(id))
	if err == nil {
		return true, nil
	}

	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat %s: %w", r.modelDir(id), err)
}

// displayNameTaken reports whether a model other than exceptID already uses
// displayName, compared case-insensitively.
func (r *Registry) displayNameTaken(displayName, exceptID string) (bool, error) {
	for id, pendingName := range r.pending {
		if id != exceptID && strings.EqualFold(pendingName, displayName) {
			return true, nil
		}
	}

	snapshot, err := r.scan()
	if err != nil {
		return false, err
	}

	for _, model := range snapshot.Models {
		if model.ID != exceptID && strings.EqualFold(model.DisplayName, displayName) {
			return true, nil
		}
	}

	return false, nil
}

// clearDir removes every entry inside dir and returns how many were removed.
func clearDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var errs []error

	for _, entry := range entries {
		removeErr := os.RemoveAll(filepath.Join(dir, entry.Name()))
		if removeErr != nil {
			errs = append(errs, removeErr)
		}
	}

	return len(entries) - len(errs), errors.Join(errs...)
}
