package voices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/metrics"
)

const (
	presetExtension = ".json"
	presetLockScope = "preset:"
)

const (
	errFmtPresetNotFound = "%w: preset %q"
	logFmtPresetSaved    = "Saved preset %q (voice=%s speed=%.2f pitch=%.2f)"
	logFmtPresetDeleted  = "Deleted preset %q"
	logFmtPresetSkipped  = "Skipping preset file %s: %v"
)

var presetNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 _.-]{0,63}$`)

// Preset is a named set of synthesis settings.
type Preset struct {
	CreatedAt time.Time `json:"created_at"`
	Name      string    `json:"name"`
	Voice     string    `json:"voice"`
	Speed     float64   `json:"speed"`
	Pitch     float64   `json:"pitch"`
}

// Settings returns the synthesis settings the preset applies.
func (p Preset) Settings() Settings {
	return Settings{Speed: p.Speed, Pitch: p.Pitch}
}

func (r *Registry) presetPath(name string) string {
	return filepath.Join(r.presetsDir, name+presetExtension)
}

// presetLockKey folds case so names that may share a file on a
// case-insensitive filesystem share a lock.
func presetLockKey(name string) string {
	return presetLockScope + strings.ToLower(name)
}

// conflictingPreset returns a stored preset name that equals name except
// for case.
func (r *Registry) conflictingPreset(name string) (string, error) {
	entries, err := os.ReadDir(r.presetsDir)
	if err != nil {
		return "", err
	}

	for _, entry := range entries {
		stored, ok := strings.CutSuffix(entry.Name(), presetExtension)
		if ok && stored != name && strings.EqualFold(stored, name) {
			return stored, nil
		}
	}

	return "", nil
}

func checkPresetName(name string) error {
	if !presetNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid preset name %q", core.ErrValidation, name)
	}

	return nil
}

// ListPresets returns every stored preset ordered by name.
func (r *Registry) ListPresets(ctx context.Context) ([]Preset, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, ctxErr
	}

	entries, err := os.ReadDir(r.presetsDir)
	if err != nil {
		return nil, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to list presets", err)
	}

	presets := make([]Preset, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || fsutil.IsHidden(name) || filepath.Ext(name) != presetExtension {
			continue
		}

		preset, readErr := readPreset(filepath.Join(r.presetsDir, name))
		if readErr != nil {
			r.log.Warn(logFmtPresetSkipped, name, readErr)

			continue
		}

		presets = append(presets, preset)
	}

	sort.Slice(presets, func(i, j int) bool {
		return presets[i].Name < presets[j].Name
	})

	return presets, nil
}

// GetPreset returns one preset.
func (r *Registry) GetPreset(ctx context.Context, name string) (Preset, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return Preset{}, ctxErr
	}

	if checkPresetName(name) != nil {
		return Preset{}, fmt.Errorf(errFmtPresetNotFound, core.ErrNotFound, name)
	}

	preset, err := readPreset(r.presetPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return Preset{}, fmt.Errorf(errFmtPresetNotFound, core.ErrNotFound, name)
	}

	if err != nil {
		return Preset{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to read preset "+name, err)
	}

	return preset, nil
}

// SavePreset creates or overwrites a preset. Overwriting keeps the original creation time.
func (r *Registry) SavePreset(ctx context.Context, preset Preset) (saved Preset, err error) {
	defer func() { metrics.RecordVoiceOperation(opSavePreset, err) }()

	preset.Name = strings.TrimSpace(preset.Name)

	err = r.validatePreset(preset)
	if err != nil {
		return Preset{}, err
	}

	key := presetLockKey(preset.Name)

	err = r.locks.Lock(ctx, key)
	if err != nil {
		return Preset{}, err
	}
	defer r.locks.Unlock(key)

	conflict, err := r.conflictingPreset(preset.Name)
	if err != nil {
		return Preset{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to check preset names", err)
	}

	if conflict != "" {
		return Preset{}, fmt.Errorf("%w: preset %q already exists as %q", core.ErrDuplicateName, preset.Name, conflict)
	}

	path := r.presetPath(preset.Name)

	preset.CreatedAt = r.now().UTC()

	existing, readErr := readPreset(path)
	if readErr == nil {
		preset.CreatedAt = existing.CreatedAt
	}

	data, err := json.MarshalIndent(preset, "", "  ")
	if err == nil {
		err = fsutil.WriteFileAtomic(path, data)
	}

	if err != nil {
		return Preset{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to save preset "+preset.Name, err)
	}

	r.log.Info(logFmtPresetSaved, preset.Name, preset.Voice, preset.Speed, preset.Pitch)

	return preset, nil
}

// DeletePreset removes a preset. Deleting a preset that does not exist is ErrNotFound.
func (r *Registry) DeletePreset(ctx context.Context, name string) (err error) {
	defer func() { metrics.RecordVoiceOperation(opDeletePreset, err) }()

	if checkPresetName(name) != nil {
		return fmt.Errorf(errFmtPresetNotFound, core.ErrNotFound, name)
	}

	key := presetLockKey(name)

	err = r.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer r.locks.Unlock(key)

	removeErr := os.Remove(r.presetPath(name))
	if errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf(errFmtPresetNotFound, core.ErrNotFound, name)
	}

	if removeErr != nil {
		return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to delete preset "+name, removeErr)
	}

	r.log.Info(logFmtPresetDeleted, name)

	return nil
}

func (r *Registry) validatePreset(preset Preset) error {
	err := checkPresetName(preset.Name)
	if err != nil {
		return err
	}

	if preset.Voice != "" && !ValidID(preset.Voice) {
		return fmt.Errorf("%w: invalid voice id %q", core.ErrValidation, preset.Voice)
	}

	return r.ValidateSettings(preset.Settings())
}

func readPreset(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, err
	}

	var preset Preset

	err = json.Unmarshal(data, &preset)
	if err != nil {
		return Preset{}, fmt.Errorf("failed to decode preset %s: %w", path, err)
	}

	return preset, nil
}
