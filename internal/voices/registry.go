package voices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/metrics"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const (
	stagingDirName = ".staging"
	trashDirName   = ".trash"
)

// Operation labels.
const (
	opCreate           = "create"
	opRename           = "rename"
	opUpdateTranscript = "update_transcript"
	opUpdateSettings   = "update_settings"
	opUpdate           = "update"
	opDelete           = "delete"
	opSavePreset       = "save_preset"
	opDeletePreset     = "delete_preset"
)

const (
	errFmtNotFound       = "%w: voice %q"
	errFmtDuplicate      = "%w: voice %q already exists"
	errFmtDuplicateName  = "%w: display name %q is already in use"
	errFmtStorage        = "%w: %s: %w"
	errFmtValidation     = "%w: %s"
	errFmtSettingsRange  = "%w: %s %.2f is outside [%.2f, %.2f]"
	logFmtCreated        = "Created voice model %s (%q, %s, %s)"
	logFmtRenamed        = "Renamed voice model %s to %s (%q)"
	logFmtDeleted        = "Deleted voice model %s"
	logFmtTrashFailed    = "Voice model %s was removed from the catalog but %s could not be deleted: %v"
	logFmtSkippedModel   = "Skipping voice model %s: %s"
	logFmtRecovered      = "Removed %d leftover entries from %s"
	logFmtRecoverFailed  = "Failed to clear %s: %v"
	logFmtTranscript     = "Updated transcript of voice model %s (%d bytes)"
	logFmtSettings       = "Updated default settings of voice model %s: speed=%.2f pitch=%.2f"
	logFmtRollbackFailed = "Rollback of %s for voice model %s failed: %v"
)

// Registry owns the voice model store. All mutation of the store goes through it.
type Registry struct {
	log        *logger.Logger
	locks      *keyedMutex
	pending    map[string]string
	renameFn   func(oldPath, newPath string) error
	now        func() time.Time
	root       string
	stagingDir string
	trashDir   string
	presetsDir string
	speed      config.Range
	pitch      config.Range
	// catalog orders structural commits against catalog reads. It is held
	// only while a change is published, never while payloads are written.
	catalog      sync.RWMutex
	disambiguate bool
}

// New creates the registry for the configured store, creating its directories
// and clearing what an interrupted process left in staging and trash.
func New(cfg *config.Config, log *logger.Logger) (*Registry, error) {
	registry := &Registry{
		log:          log,
		locks:        newKeyedMutex(),
		pending:      make(map[string]string),
		renameFn:     os.Rename,
		now:          time.Now,
		root:         cfg.Storage.VoicesDir,
		stagingDir:   filepath.Join(cfg.Storage.VoicesDir, stagingDirName),
		trashDir:     filepath.Join(cfg.Storage.VoicesDir, trashDirName),
		presetsDir:   cfg.Storage.PresetsDir,
		speed:        cfg.Synthesis.Speed,
		pitch:        cfg.Synthesis.Pitch,
		disambiguate: cfg.DisambiguateIDs(),
	}

	for _, dir := range []string{registry.root, registry.stagingDir, registry.trashDir, registry.presetsDir} {
		err := fsutil.EnsureDir(dir)
		if err != nil {
			return nil, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to prepare voice store", err)
		}
	}

	registry.recover()

	return registry, nil
}

func (r *Registry) recover() {
	for _, dir := range []string{r.stagingDir, r.trashDir} {
		removed, err := clearDir(dir)
		if err != nil {
			r.log.Warn(logFmtRecoverFailed, dir, err)
		}

		if removed > 0 {
			r.log.System(logFmtRecovered, removed, dir)
		}
	}
}

// List returns every complete model. Incomplete directories are reported as
// warnings instead of models.
func (r *Registry) List(ctx context.Context) (Snapshot, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return Snapshot{}, ctxErr
	}

	r.catalog.RLock()
	defer r.catalog.RUnlock()

	snapshot, err := r.scan()
	if err != nil {
		return Snapshot{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to list voice models", err)
	}

	for _, warning := range snapshot.Warnings {
		r.log.Warn(logFmtSkippedModel, warning.ID, warning.Reason)
	}

	return snapshot, nil
}

// Get returns one model. An incomplete model is reported as not found.
func (r *Registry) Get(ctx context.Context, id string) (VoiceModel, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return VoiceModel{}, ctxErr
	}

	if !ValidID(id) {
		return VoiceModel{}, fmt.Errorf(errFmtNotFound, core.ErrNotFound, id)
	}

	return r.get(id)
}

func (r *Registry) get(id string) (VoiceModel, error) {
	r.catalog.RLock()
	defer r.catalog.RUnlock()

	return r.lookup(id)
}

// lookup loads id and maps load failures to the error taxonomy. Callers hold the catalog lock.
func (r *Registry) lookup(id string) (VoiceModel, error) {
	model, err := r.loadModel(id)
	if err == nil {
		return model, nil
	}

	if errors.Is(err, errModelMissing) {
		return VoiceModel{}, fmt.Errorf(errFmtNotFound, core.ErrNotFound, id)
	}

	if errors.Is(err, errModelCorrupt) {
		return VoiceModel{}, fmt.Errorf("%w: voice %q: %w", core.ErrNotFound, id, err)
	}

	return VoiceModel{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to load voice "+id, err)
}

// ReadAudio returns the reference recording of a model byte for byte.
func (r *Registry) ReadAudio(ctx context.Context, id string) ([]byte, error) {
	reference, err := r.Reference(ctx, id)
	if err != nil {
		return nil, err
	}

	return reference.Audio, nil
}

// Reference returns the recording and transcript of a model as one consistent pair.
func (r *Registry) Reference(ctx context.Context, id string) (core.VoiceReference, error) {
	ctxErr := ctx.Err()
	if ctxErr != nil {
		return core.VoiceReference{}, ctxErr
	}

	if !ValidID(id) {
		return core.VoiceReference{}, fmt.Errorf(errFmtNotFound, core.ErrNotFound, id)
	}

	r.catalog.RLock()
	defer r.catalog.RUnlock()

	model, err := r.lookup(id)
	if err != nil {
		return core.VoiceReference{}, err
	}

	data, readErr := os.ReadFile(model.AudioPath)
	if readErr != nil {
		return core.VoiceReference{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to read reference audio", readErr)
	}

	return core.VoiceReference{
		ID:          model.ID,
		Audio:       data,
		AudioFormat: string(model.AudioFormat),
		Transcript:  model.TranscriptText,
	}, nil
}

type preparedCreate struct {
	displayName string
	transcript  string
	format      audio.Format
	settings    Settings
	audio       []byte
}

// Create stores a new model and returns it. The id is derived from the
// display name; see Slugify.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (model VoiceModel, err error) {
	defer func() { metrics.RecordVoiceOperation(opCreate, err) }()

	ctxErr := ctx.Err()
	if ctxErr != nil {
		return VoiceModel{}, ctxErr
	}

	prepared, err := r.prepareCreate(req)
	if err != nil {
		return VoiceModel{}, err
	}

	id, err := r.reserveID(prepared.displayName)
	if err != nil {
		return VoiceModel{}, err
	}
	defer r.releaseID(id)

	lockErr := r.locks.Lock(ctx, id)
	if lockErr != nil {
		return VoiceModel{}, lockErr
	}
	defer r.locks.Unlock(id)

	stageDir, err := r.stage(id, prepared)
	if err != nil {
		return VoiceModel{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to stage voice "+id, err)
	}

	r.catalog.Lock()
	publishErr := r.renameFn(stageDir, r.modelDir(id))
	r.catalog.Unlock()

	if publishErr != nil {
		_ = os.RemoveAll(stageDir)

		return VoiceModel{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to publish voice "+id, publishErr)
	}

	r.log.Info(logFmtCreated, id, prepared.displayName, prepared.format,
		fsutil.FormatFileSize(int64(len(prepared.audio))))

	return r.get(id)
}

func (r *Registry) prepareCreate(req CreateRequest) (preparedCreate, error) {
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		return preparedCreate{}, fmt.Errorf(errFmtValidation, core.ErrValidation, "display name is required")
	}

	if strings.TrimSpace(req.Transcript) == "" {
		return preparedCreate{}, fmt.Errorf(errFmtValidation, core.ErrValidation, "transcript is required")
	}

	format, err := audio.ParseFormat(req.AudioFormat)
	if err != nil {
		return preparedCreate{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	if !format.Storable() {
		return preparedCreate{}, fmt.Errorf("%w: %w: %s cannot be stored as a reference",
			core.ErrValidation, audio.ErrUnsupportedFormat, format)
	}

	err = audio.Validate(req.Audio)
	if err != nil {
		return preparedCreate{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	settings := DefaultSettings()
	if req.DefaultSettings != nil {
		settings = *req.DefaultSettings
	}

	err = r.ValidateSettings(settings)
	if err != nil {
		return preparedCreate{}, err
	}

	return preparedCreate{
		displayName: displayName,
		transcript:  strings.TrimSpace(req.Transcript),
		format:      format,
		settings:    settings,
		audio:       req.Audio,
	}, nil
}

// reserveID allocates the id of a new model and holds it until releaseID.
func (r *Registry) reserveID(displayName string) (string, error) {
	r.catalog.Lock()
	defer r.catalog.Unlock()

	base := Slugify(displayName)

	if !r.disambiguate {
		taken, err := r.idTaken(base)
		if err != nil {
			return "", fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to allocate id", err)
		}

		if taken {
			return "", fmt.Errorf(errFmtDuplicate, core.ErrDuplicateName, base)
		}

		nameTaken, err := r.displayNameTaken(displayName, "")
		if err != nil {
			return "", fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to allocate id", err)
		}

		if nameTaken {
			return "", fmt.Errorf(errFmtDuplicateName, core.ErrDuplicateName, displayName)
		}

		r.pending[base] = displayName

		return base, nil
	}

	for suffix := 1; ; suffix++ {
		candidate := base
		if suffix > 1 {
			candidate = withSuffix(base, suffix)
		}

		taken, err := r.idTaken(candidate)
		if err != nil {
			return "", fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to allocate id", err)
		}

		if !taken {
			r.pending[candidate] = displayName

			return candidate, nil
		}
	}
}

func (r *Registry) releaseID(id string) {
	r.catalog.Lock()
	delete(r.pending, id)
	r.catalog.Unlock()
}

// stage writes the artifacts of a new model into a private staging directory.
func (r *Registry) stage(id string, prepared preparedCreate) (string, error) {
	stageDir := filepath.Join(r.stagingDir, uuid.NewString())

	err := os.Mkdir(stageDir, fsutil.DirPermissions)
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	meta, err := encodeMeta(metadata{
		DisplayName:     prepared.displayName,
		CreatedAt:       r.now().UTC(),
		AudioFormat:     prepared.format,
		DefaultSettings: prepared.settings,
	})
	if err != nil {
		_ = os.RemoveAll(stageDir)

		return "", err
	}

	artifacts := []struct {
		path string
		data []byte
	}{
		{path: filepath.Join(stageDir, id+prepared.format.Extension()), data: prepared.audio},
		{path: transcriptPath(stageDir, id), data: []byte(prepared.transcript)},
		{path: filepath.Join(stageDir, metaFileName), data: meta},
	}

	for _, artifact := range artifacts {
		writeErr := fsutil.WriteFileAtomic(artifact.path, artifact.data)
		if writeErr != nil {
			_ = os.RemoveAll(stageDir)

			return "", writeErr
		}
	}

	return stageDir, nil
}

// Update is a partial change of a model. Nil fields keep their current value.
type Update struct {
	DisplayName *string
	Speed       *float64
	Pitch       *float64
}

// Update applies a rename and new default settings as one change: either
// all of it is stored or none of it is.
func (r *Registry) Update(ctx context.Context, id string, update Update) (model VoiceModel, err error) {
	defer func() { metrics.RecordVoiceOperation(opUpdate, err) }()

	if update.DisplayName == nil && update.Speed == nil && update.Pitch == nil {
		return VoiceModel{}, fmt.Errorf(errFmtValidation, core.ErrValidation, "nothing to update")
	}

	return r.update(ctx, id, update)
}

// Rename changes the display name of a model and moves it to the id derived
// from the new name. Rename never disambiguates: a collision with another
// model's id or display name is ErrDuplicateName.
func (r *Registry) Rename(ctx context.Context, id, newDisplayName string) (model VoiceModel, err error) {
	defer func() { metrics.RecordVoiceOperation(opRename, err) }()

	return r.update(ctx, id, Update{DisplayName: &newDisplayName})
}

func (r *Registry) update(ctx context.Context, id string, update Update) (VoiceModel, error) {
	if update.DisplayName != nil && strings.TrimSpace(*update.DisplayName) == "" {
		return VoiceModel{}, fmt.Errorf(errFmtValidation, core.ErrValidation, "display name is required")
	}

	err := r.checkMutable(id)
	if err != nil {
		return VoiceModel{}, err
	}

	err = r.locks.Lock(ctx, id)
	if err != nil {
		return VoiceModel{}, err
	}
	defer r.locks.Unlock(id)

	r.catalog.Lock()
	defer r.catalog.Unlock()

	current, err := r.lookup(id)
	if err != nil {
		return VoiceModel{}, err
	}

	settings := current.DefaultSettings
	if update.Speed != nil {
		settings.Speed = *update.Speed
	}

	if update.Pitch != nil {
		settings.Pitch = *update.Pitch
	}

	err = r.ValidateSettings(settings)
	if err != nil {
		return VoiceModel{}, err
	}

	displayName, newID := current.DisplayName, id
	if update.DisplayName != nil {
		displayName = strings.TrimSpace(*update.DisplayName)
		newID = Slugify(displayName)

		err = r.checkRenameTarget(id, newID, displayName)
		if err != nil {
			return VoiceModel{}, err
		}
	}

	meta, err := encodeMeta(metadata{
		DisplayName:     displayName,
		CreatedAt:       current.CreatedAt,
		AudioFormat:     current.AudioFormat,
		DefaultSettings: settings,
	})
	if err != nil {
		return VoiceModel{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to update voice "+id, err)
	}

	err = r.relocate(current, newID, meta)
	if err != nil {
		return VoiceModel{}, err
	}

	if update.DisplayName != nil {
		r.log.Info(logFmtRenamed, id, newID, displayName)
	}

	if settings != current.DefaultSettings {
		r.log.Info(logFmtSettings, newID, settings.Speed, settings.Pitch)
	}

	return r.lookup(newID)
}

func (r *Registry) checkRenameTarget(id, newID, displayName string) error {
	if newID != id {
		taken, err := r.idTaken(newID)
		if err != nil {
			return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to check target id", err)
		}

		if taken {
			return fmt.Errorf(errFmtDuplicate, core.ErrDuplicateName, newID)
		}
	}

	nameTaken, err := r.displayNameTaken(displayName, id)
	if err != nil {
		return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to check display names", err)
	}

	if nameTaken {
		return fmt.Errorf(errFmtDuplicateName, core.ErrDuplicateName, displayName)
	}

	return nil
}

// relocate moves every artifact of current to newID, undoing all completed
// steps when any step fails. Callers hold the catalog write lock.
func (r *Registry) relocate(current VoiceModel, newID string, meta []byte) error {
	oldDir := r.modelDir(current.ID)
	steps := newJournal(r.renameFn)

	err := steps.replace(filepath.Join(oldDir, metaFileName), meta)
	if err == nil && newID != current.ID {
		err = r.moveArtifacts(steps, current, newID)
	}

	if err == nil {
		return nil
	}

	rollbackErr := steps.rollback()
	if rollbackErr != nil {
		r.log.Error(logFmtRollbackFailed, opUpdate, current.ID, rollbackErr)
	}

	return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to update voice "+current.ID, errors.Join(err, rollbackErr))
}

func (r *Registry) moveArtifacts(steps *journal, current VoiceModel, newID string) error {
	oldDir := r.modelDir(current.ID)
	ext := current.AudioFormat.Extension()

	err := steps.move(filepath.Join(oldDir, current.ID+ext), filepath.Join(oldDir, newID+ext))
	if err != nil {
		return err
	}

	err = steps.move(transcriptPath(oldDir, current.ID), transcriptPath(oldDir, newID))
	if err != nil {
		return err
	}

	return steps.move(oldDir, r.modelDir(newID))
}

// UpdateTranscript replaces the transcript of a model.
func (r *Registry) UpdateTranscript(ctx context.Context, id, text string) (model VoiceModel, err error) {
	defer func() { metrics.RecordVoiceOperation(opUpdateTranscript, err) }()

	transcript := strings.TrimSpace(text)
	if transcript == "" {
		return VoiceModel{}, fmt.Errorf(errFmtValidation, core.ErrValidation, "transcript is required")
	}

	err = r.checkMutable(id)
	if err != nil {
		return VoiceModel{}, err
	}

	err = r.locks.Lock(ctx, id)
	if err != nil {
		return VoiceModel{}, err
	}
	defer r.locks.Unlock(id)

	r.catalog.Lock()
	defer r.catalog.Unlock()

	_, err = r.lookup(id)
	if err != nil {
		return VoiceModel{}, err
	}

	writeErr := fsutil.WriteFileAtomic(transcriptPath(r.modelDir(id), id), []byte(transcript))
	if writeErr != nil {
		return VoiceModel{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to write transcript of "+id, writeErr)
	}

	r.log.Info(logFmtTranscript, id, len(transcript))

	return r.lookup(id)
}

// UpdateSettings replaces the default synthesis settings of a model.
func (r *Registry) UpdateSettings(ctx context.Context, id string, settings Settings) (model VoiceModel, err error) {
	defer func() { metrics.RecordVoiceOperation(opUpdateSettings, err) }()

	return r.update(ctx, id, Update{Speed: &settings.Speed, Pitch: &settings.Pitch})
}

// Delete removes a model. Deleting an id that does not exist is ErrNotFound.
func (r *Registry) Delete(ctx context.Context, id string) (err error) {
	defer func() { metrics.RecordVoiceOperation(opDelete, err) }()

	err = r.checkMutable(id)
	if err != nil {
		return err
	}

	err = r.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer r.locks.Unlock(id)

	trashPath := filepath.Join(r.trashDir, id+"-"+uuid.NewString())

	r.catalog.Lock()

	_, statErr := os.Lstat(r.modelDir(id))
	if errors.Is(statErr, os.ErrNotExist) {
		r.catalog.Unlock()

		return fmt.Errorf(errFmtNotFound, core.ErrNotFound, id)
	}

	moveErr := statErr
	if moveErr == nil {
		moveErr = r.renameFn(r.modelDir(id), trashPath)
	}

	r.catalog.Unlock()

	if moveErr != nil {
		return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to delete voice "+id, moveErr)
	}

	removeErr := os.RemoveAll(trashPath)
	if removeErr != nil {
		r.log.Warn(logFmtTrashFailed, id, trashPath, removeErr)
	}

	r.log.Info(logFmtDeleted, id)

	return nil
}

// checkMutable rejects ids that can never name a stored model.
func (r *Registry) checkMutable(id string) error {
	if id == DefaultVoiceID {
		return fmt.Errorf(errFmtValidation, core.ErrValidation, "the default voice cannot be modified")
	}

	if !ValidID(id) {
		return fmt.Errorf(errFmtNotFound, core.ErrNotFound, id)
	}

	return nil
}

// ValidateSettings checks speed and pitch against the configured ranges.
func (r *Registry) ValidateSettings(settings Settings) error {
	if !r.speed.Contains(settings.Speed) {
		return fmt.Errorf(errFmtSettingsRange, core.ErrValidation, "speed", settings.Speed, r.speed.Min, r.speed.Max)
	}

	if !r.pitch.Contains(settings.Pitch) {
		return fmt.Errorf(errFmtSettingsRange, core.ErrValidation, "pitch", settings.Pitch, r.pitch.Min, r.pitch.Max)
	}

	return nil
}
