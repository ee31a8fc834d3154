// Package synthcache stores synthesized audio keyed by a fingerprint of the
// request, so identical requests reach the synthesis backend once.
//
// Each entry is <fingerprint>.<ext> plus a <fingerprint>.json sidecar. The
// audio file's presence is the entry's existence: the sidecar is written
// first and the audio file is moved into place last.
package synthcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/singleflight"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/metrics"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const sidecarExtension = ".json"

const (
	errFmtInvalidFingerprint = "%w: malformed fingerprint %q"
	errFmtEntryNotFound      = "%w: cache entry %s"
	errFmtStorage            = "%w: %s: %w"
	logFmtStored             = "Cached %s for voice %s (%s, synthesized in %s)"
	logFmtSynthesisFailed    = "Synthesis for %s failed: %v"
	logFmtSidecarUnreadable  = "Cache sidecar for %s is unreadable, using file metadata: %v"
)

// ErrEmptyResult is returned when the synthesis function produces no audio.
var ErrEmptyResult = errors.New("synthesis produced no audio")

// Outcome reports how GetOrSynthesize obtained an entry.
type Outcome string

// Outcomes.
const (
	OutcomeHit    Outcome = "hit"
	OutcomeMiss   Outcome = "miss"
	OutcomeShared Outcome = "shared"
)

// Entry is a cached synthesis result.
type Entry struct {
	CreatedAt   time.Time    `json:"created_at"`
	Fingerprint string       `json:"fingerprint"`
	VoiceID     string       `json:"voice_id"`
	Format      audio.Format `json:"format"`
	Path        string       `json:"-"`
	Size        int64        `json:"size"`
}

// SynthesizeFunc produces the audio for a cache miss. The context it receives
// is not cancelled when the caller gives up.
type SynthesizeFunc func(ctx context.Context) ([]byte, error)

// Cache is the fingerprint-keyed store of synthesized audio.
type Cache struct {
	log    *logger.Logger
	now    func() time.Time
	group  singleflight.Group
	dir    string
	format audio.Format
}

// New creates the cache in the configured directory. Entries are stored in the
// configured synthesis output format.
func New(cfg *config.Config, log *logger.Logger) (*Cache, error) {
	format, err := audio.ParseFormat(cfg.Synthesis.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis output format: %w", err)
	}

	err = fsutil.EnsureDir(cfg.Storage.CacheDir)
	if err != nil {
		return nil, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to prepare cache directory", err)
	}

	return &Cache{
		log:    log,
		now:    time.Now,
		dir:    cfg.Storage.CacheDir,
		format: format,
	}, nil
}

// Format returns the audio format of the entries this cache writes.
func (c *Cache) Format() audio.Format {
	return c.format
}

func (c *Cache) audioPath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+c.format.Extension())
}

func (c *Cache) sidecarPath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+sidecarExtension)
}

// Lookup returns the entry for fingerprint.
func (c *Cache) Lookup(fingerprint string) (Entry, error) {
	if !ValidFingerprint(fingerprint) {
		return Entry{}, fmt.Errorf(errFmtInvalidFingerprint, core.ErrValidation, fingerprint)
	}

	path := c.audioPath(fingerprint)

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, fmt.Errorf(errFmtEntryNotFound, core.ErrNotFound, fingerprint)
	}

	if err != nil {
		return Entry{}, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to stat cache entry", err)
	}

	entry := Entry{
		Fingerprint: fingerprint,
		Format:      c.format,
		Path:        path,
		Size:        info.Size(),
		CreatedAt:   info.ModTime().UTC(),
	}

	sidecar, sidecarErr := readSidecar(c.sidecarPath(fingerprint))
	if sidecarErr != nil {
		c.log.Warn(logFmtSidecarUnreadable, fingerprint, sidecarErr)

		return entry, nil
	}

	entry.VoiceID = sidecar.VoiceID
	entry.CreatedAt = sidecar.CreatedAt

	return entry, nil
}

// GetOrSynthesize returns the entry for key, calling synthesize on a miss.
// Concurrent calls for the same key share one synthesize call. A caller whose
// context ends stops waiting, but the shared call runs on and its result is
// still cached. When synthesize fails nothing is stored and every waiting
// caller receives an error wrapping core.ErrSynthesis.
func (c *Cache) GetOrSynthesize(ctx context.Context, key Key, synthesize SynthesizeFunc) (Entry, Outcome, error) {
	fingerprint := key.Fingerprint()

	entry, err := c.Lookup(fingerprint)
	if err == nil {
		metrics.RecordCacheLookup(string(OutcomeHit))

		return entry, OutcomeHit, nil
	}

	if !errors.Is(err, core.ErrNotFound) {
		return Entry{}, "", err
	}

	detached := context.WithoutCancel(ctx)
	led := false

	results := c.group.DoChan(fingerprint, func() (any, error) {
		led = true

		return c.fill(detached, fingerprint, key, synthesize)
	})

	select {
	case result := <-results:
		outcome := OutcomeShared
		if led {
			outcome = OutcomeMiss
		}

		metrics.RecordCacheLookup(string(outcome))

		if result.Err != nil {
			return Entry{}, "", result.Err
		}

		filled, ok := result.Val.(Entry)
		if !ok {
			return Entry{}, "", fmt.Errorf("%w: unexpected cache result %T", core.ErrStorage, result.Val)
		}

		return filled, outcome, nil
	case <-ctx.Done():
		return Entry{}, "", ctx.Err()
	}
}

// fill runs one synthesis and stores its result.
func (c *Cache) fill(ctx context.Context, fingerprint string, key Key, synthesize SynthesizeFunc) (Entry, error) {
	existing, err := c.Lookup(fingerprint)
	if err == nil {
		return existing, nil
	}

	start := c.now()

	data, err := synthesize(ctx)

	elapsed := c.now().Sub(start)

	if err == nil && len(data) == 0 {
		err = ErrEmptyResult
	}

	metrics.RecordSynthesis(metrics.Status(err), elapsed.Seconds())

	if err != nil {
		metrics.RecordCacheFailure()
		c.log.Error(logFmtSynthesisFailed, fingerprint, err)

		if errors.Is(err, core.ErrSynthesis) {
			return Entry{}, err
		}

		return Entry{}, fmt.Errorf("%w: %w", core.ErrSynthesis, err)
	}

	entry := Entry{
		Fingerprint: fingerprint,
		VoiceID:     NormalizeVoiceID(key.VoiceID),
		Format:      c.format,
		Path:        c.audioPath(fingerprint),
		Size:        int64(len(data)),
		CreatedAt:   c.now().UTC(),
	}

	err = c.store(entry, data)
	if err != nil {
		return Entry{}, err
	}

	c.log.Info(logFmtStored, fingerprint, entry.VoiceID, fsutil.FormatFileSize(entry.Size), elapsed.Round(time.Millisecond))

	return entry, nil
}

func (c *Cache) store(entry Entry, data []byte) error {
	sidecar, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to encode cache sidecar", err)
	}

	err = fsutil.WriteFileAtomic(c.sidecarPath(entry.Fingerprint), sidecar)
	if err != nil {
		return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to write cache sidecar", err)
	}

	err = fsutil.WriteFileAtomic(entry.Path, data)
	if err != nil {
		_ = os.Remove(c.sidecarPath(entry.Fingerprint))

		return fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to write cache entry", err)
	}

	return nil
}

func readSidecar(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, err
	}

	var entry Entry

	err = json.Unmarshal(data, &entry)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return entry, nil
}
