package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/synthcache"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voices"
)

const (
	rootMessage       = "Voice service API is running"
	cachedAudioPath   = "/tts/audio/"
	generatedAudioURL = "/tts/generated/"
)

var generatedNamePattern = regexp.MustCompile(`^tts_\d{8}_\d{6}_[0-9a-f]{8}\.[a-z0-9]+$`)

type synthesizeRequest struct {
	Speed             *float64 `json:"speed"`
	Pitch             *float64 `json:"pitch"`
	Text              string   `json:"text"`
	Voice             string   `json:"voice"`
	Preset            string   `json:"preset"`
	Temperature       float64  `json:"temperature"`
	TopP              float64  `json:"top_p"`
	RepetitionPenalty float64  `json:"repetition_penalty"`
	Seed              int      `json:"seed"`
	UseCache          bool     `json:"use_cache"`
}

type synthesizeResponse struct {
	Text           string       `json:"text"`
	AudioFile      string       `json:"audio_file"`
	Voice          string       `json:"voice"`
	Fingerprint    string       `json:"fingerprint"`
	Format         audio.Format `json:"format"`
	ProcessingTime float64      `json:"processing_time"`
	Success        bool         `json:"success"`
	CacheHit       bool         `json:"cache_hit"`
	Coalesced      bool         `json:"coalesced"`
}

type cleanupRequest struct {
	MaxAgeHours *int   `json:"max_age_hours"`
	MaxBytes    *int64 `json:"max_bytes"`
	Voice       string `json:"voice"`
}

type cleanupResponse struct {
	Report  synthcache.CleanupReport `json:"report"`
	Success bool                     `json:"success"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": rootMessage})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Engine.HealthCheck(r.Context())
	if err != nil {
		s.log.Warn("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"status":  "unhealthy",
			"error":   err.Error(),
		})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": "healthy"})
}

func (s *Server) handleSay(w http.ResponseWriter, r *http.Request) {
	err := serveFile(w, r, s.cfg.Server.SampleAudioPath, audio.FormatMP3)
	if err != nil {
		s.writeError(w, r, err)
	}
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var body synthesizeRequest

	err := decodeJSON(w, r, &body, false)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	req := tts.Request{
		Text:     body.Text,
		Voice:    body.Voice,
		Speed:    body.Speed,
		Pitch:    body.Pitch,
		UseCache: body.UseCache,
		Params: core.GenerationParams{
			Temperature:       body.Temperature,
			TopP:              body.TopP,
			RepetitionPenalty: body.RepetitionPenalty,
			Seed:              body.Seed,
		},
	}

	if body.Preset != "" {
		err = s.applyPreset(r.Context(), body.Preset, &req)
		if err != nil {
			s.writeError(w, r, err)

			return
		}
	}

	result, err := s.deps.Engine.Synthesize(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	audioFile := cachedAudioPath + result.Fingerprint
	if !body.UseCache {
		audioFile = generatedAudioURL + filepath.Base(result.AudioPath)
	}

	writeJSON(w, http.StatusOK, synthesizeResponse{
		Success:        true,
		Text:           synthcache.NormalizeText(body.Text),
		AudioFile:      audioFile,
		Voice:          result.Voice,
		Fingerprint:    result.Fingerprint,
		Format:         result.Format,
		CacheHit:       result.CacheHit,
		Coalesced:      result.Coalesced,
		ProcessingTime: seconds(result.ProcessingTime),
	})
}

// applyPreset fills the voice and settings the request leaves unset.
func (s *Server) applyPreset(ctx context.Context, name string, req *tts.Request) error {
	preset, err := s.deps.Registry.GetPreset(ctx, name)
	if err != nil {
		return err
	}

	if req.Voice == "" {
		req.Voice = preset.Voice
	}

	if req.Speed == nil {
		req.Speed = &preset.Speed
	}

	if req.Pitch == nil {
		req.Pitch = &preset.Pitch
	}

	return nil
}

func (s *Server) handleCachedAudio(w http.ResponseWriter, r *http.Request) {
	entry, err := s.deps.Cache.Lookup(chi.URLParam(r, "fingerprint"))
	if err == nil {
		err = serveFile(w, r, entry.Path, entry.Format)
	}

	if err != nil {
		s.writeError(w, r, err)
	}
}

func (s *Server) handleGeneratedAudio(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !generatedNamePattern.MatchString(name) {
		s.writeError(w, r, fmt.Errorf("%w: generated audio %q", core.ErrNotFound, name))

		return
	}

	format, err := audio.ParseFormat(filepath.Ext(name))
	if err == nil {
		err = serveFile(w, r, filepath.Join(s.cfg.Storage.GeneratedDir, name), format)
	}

	if err != nil {
		s.writeError(w, r, err)
	}
}

func (s *Server) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	var body cleanupRequest

	err := decodeJSON(w, r, &body, true)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	policy := synthcache.Policy{
		VoiceID:  body.Voice,
		MaxAge:   s.cfg.Cache.MaxAge(),
		MaxBytes: s.cfg.Cache.MaxBytes,
	}

	if body.MaxAgeHours != nil {
		policy.MaxAge = time.Duration(*body.MaxAgeHours) * time.Hour
	}

	if body.MaxBytes != nil {
		policy.MaxBytes = *body.MaxBytes
	}

	if policy.MaxAge < 0 || policy.MaxBytes < 0 {
		s.writeError(w, r, fmt.Errorf("%w: cleanup limits must not be negative", core.ErrValidation))

		return
	}

	report, err := s.deps.Cache.Cleanup(r.Context(), policy)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, cleanupResponse{Success: true, Report: report})
}

// invalidateVoice drops cached audio synthesized with a voice whose reference changed.
func (s *Server) invalidateVoice(ctx context.Context, voiceID string) {
	report, err := s.deps.Cache.Cleanup(context.WithoutCancel(ctx), synthcache.Policy{VoiceID: voiceID})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("Failed to drop cached audio of voice %s: %v", voiceID, err)

		return
	}

	if report.Removed > 0 {
		s.log.Info("Dropped %d cached clips of voice %s", report.Removed, voiceID)
	}
}

func builtinVoice() voices.VoiceModel {
	return voices.VoiceModel{
		ID:              voices.DefaultVoiceID,
		DisplayName:     "Default",
		DefaultSettings: voices.DefaultSettings(),
	}
}
