package synthcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/metrics"
)

// Eviction reasons.
const (
	reasonAge   = "age"
	reasonVoice = "voice"
	reasonSize  = "size"
)

const logFmtCleanup = "Cache cleanup removed %d entries (%s), %d entries (%s) remain"

// Policy selects the entries Cleanup removes. Zero fields disable their rule.
type Policy struct {
	VoiceID  string
	MaxAge   time.Duration
	MaxBytes int64
}

// CleanupReport summarizes a Cleanup run.
type CleanupReport struct {
	Removed        int   `json:"removed"`
	FreedBytes     int64 `json:"freed_bytes"`
	Remaining      int   `json:"remaining"`
	RemainingBytes int64 `json:"remaining_bytes"`
}

// Cleanup evicts entries older than MaxAge, entries synthesized for VoiceID,
// and then the oldest entries until the cache holds at most MaxBytes.
// Files still being written are never touched.
func (c *Cache) Cleanup(ctx context.Context, policy Policy) (CleanupReport, error) {
	entries, err := c.entries()
	if err != nil {
		return CleanupReport{}, err
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})

	var (
		report    CleanupReport
		kept      []Entry
		keptBytes int64
		errs      []error
	)

	voiceID := ""
	if strings.TrimSpace(policy.VoiceID) != "" {
		voiceID = NormalizeVoiceID(policy.VoiceID)
	}

	now := c.now()

	for _, entry := range entries {
		reason := ""

		switch {
		case policy.MaxAge > 0 && now.Sub(entry.CreatedAt) > policy.MaxAge:
			reason = reasonAge
		case voiceID != "" && entry.VoiceID == voiceID:
			reason = reasonVoice
		}

		if reason == "" {
			kept = append(kept, entry)
			keptBytes += entry.Size

			continue
		}

		errs = append(errs, c.evict(entry, reason, &report))
	}

	for index := 0; policy.MaxBytes > 0 && keptBytes > policy.MaxBytes && index < len(kept); index++ {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return report, ctxErr
		}

		keptBytes -= kept[index].Size
		errs = append(errs, c.evict(kept[index], reasonSize, &report))
		kept[index] = Entry{}
	}

	for _, entry := range kept {
		if entry.Fingerprint != "" {
			report.Remaining++
			report.RemainingBytes += entry.Size
		}
	}

	c.log.Info(logFmtCleanup, report.Removed, fsutil.FormatFileSize(report.FreedBytes),
		report.Remaining, fsutil.FormatFileSize(report.RemainingBytes))

	joined := errors.Join(errs...)
	if joined != nil {
		return report, fmt.Errorf(errFmtStorage, core.ErrStorage, "cache cleanup incomplete", joined)
	}

	return report, nil
}

func (c *Cache) evict(entry Entry, reason string, report *CleanupReport) error {
	err := os.Remove(entry.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", entry.Path, err)
	}

	sidecarErr := os.Remove(c.sidecarPath(entry.Fingerprint))
	if sidecarErr != nil && !errors.Is(sidecarErr, os.ErrNotExist) {
		c.log.Warn("Failed to remove cache sidecar %s: %v", entry.Fingerprint, sidecarErr)
	}

	report.Removed++
	report.FreedBytes += entry.Size
	metrics.RecordEviction(reason)

	return nil
}

// entries lists every complete entry, whatever format it was written in.
func (c *Cache) entries() ([]Entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf(errFmtStorage, core.ErrStorage, "failed to read cache directory", err)
	}

	entries := make([]Entry, 0, len(dirEntries))

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		ext := filepath.Ext(name)
		fingerprint := strings.TrimSuffix(name, ext)

		if dirEntry.IsDir() || fsutil.IsHidden(name) || ext == sidecarExtension || !ValidFingerprint(fingerprint) {
			continue
		}

		info, infoErr := dirEntry.Info()
		if infoErr != nil {
			continue
		}

		entry := Entry{
			Fingerprint: fingerprint,
			Path:        filepath.Join(c.dir, name),
			Size:        info.Size(),
			CreatedAt:   info.ModTime().UTC(),
		}

		sidecar, sidecarErr := readSidecar(c.sidecarPath(fingerprint))
		if sidecarErr == nil {
			entry.VoiceID = sidecar.VoiceID
			entry.Format = sidecar.Format
			entry.CreatedAt = sidecar.CreatedAt
		}

		entries = append(entries, entry)
	}

	return entries, nil
}
