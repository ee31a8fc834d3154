package tts

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/metrics"
	"github.com/book-expert/voice-service/internal/synthcache"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/voices"
)

// HealthCheckTimeout defines the timeout for health check operations.
const HealthCheckTimeout = 10 * time.Second

const (
	generatedTimeLayout = "20060102_150405"
	generatedIDLength   = 8
)

// Generation parameter bounds accepted by the backends.
const (
	minTemperature       = 0.1
	maxTemperature       = 1.0
	minTopP              = 0.1
	maxTopP              = 1.0
	minRepetitionPenalty = 1.0
	maxRepetitionPenalty = 2.0
)

const (
	errFmtHealthCheckFailed = "TTS service health check failed: %w"
	errFmtOutOfRange        = "%w: %s %.2f is outside [%.2f, %.2f]"
	logFmtSynthesized       = "Synthesized %d characters with voice %s in %s (cache hit: %t, shared: %t)"
	logFmtGenerated         = "Generated audio: %s (%s)"
)

// VoiceResolver is the part of the voice registry the engine needs.
type VoiceResolver interface {
	Get(ctx context.Context, id string) (voices.VoiceModel, error)
	Reference(ctx context.Context, id string) (core.VoiceReference, error)
}

// Request is one synthesis request. Nil Speed or Pitch means "the voice's
// default setting"; zero generation parameters mean "the configured default".
type Request struct {
	Speed    *float64
	Pitch    *float64
	Text     string
	Voice    string
	Params   core.GenerationParams
	UseCache bool
}

// Result describes the audio produced for a Request.
type Result struct {
	AudioPath      string        `json:"-"`
	Fingerprint    string        `json:"fingerprint"`
	Voice          string        `json:"voice"`
	Format         audio.Format  `json:"format"`
	ProcessingTime time.Duration `json:"-"`
	CacheHit       bool          `json:"cache_hit"`
	Coalesced      bool          `json:"coalesced"`
}

// Engine resolves voices, consults the cache, and calls the synthesis backend.
type Engine struct {
	synthesizer  core.Synthesizer
	voices       VoiceResolver
	cache        *synthcache.Cache
	log          *logger.Logger
	now          func() time.Time
	generatedDir string
	defaultVoice string
	speed        config.Range
	pitch        config.Range
	defaults     core.GenerationParams
	timeout      time.Duration
}

// NewSynthesizer builds the backend selected by synthesis.backend.
func NewSynthesizer(cfg *config.Config, log *logger.Logger) (core.Synthesizer, error) {
	switch cfg.Synthesis.Backend {
	case config.SynthesisBackendCommand:
		return NewCommandSynthesizer(cfg.Synthesis, log)
	case config.SynthesisBackendHTTP:
		return NewHTTPClient(cfg.Synthesis.ServiceURL, cfg.Synthesis.Timeout(),
			cfg.Synthesis.OutputFormat, cfg.Synthesis.ChunkLength), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownSynthesisBackend, cfg.Synthesis.Backend)
	}
}

// NewEngine creates an engine over the given backend, registry, and cache.
func NewEngine(
	cfg *config.Config,
	synthesizer core.Synthesizer,
	resolver VoiceResolver,
	cache *synthcache.Cache,
	log *logger.Logger,
) (*Engine, error) {
	err := fsutil.EnsureDir(cfg.Storage.GeneratedDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to prepare generated audio directory: %w", core.ErrStorage, err)
	}

	return &Engine{
		synthesizer:  synthesizer,
		voices:       resolver,
		cache:        cache,
		log:          log,
		now:          time.Now,
		generatedDir: cfg.Storage.GeneratedDir,
		defaultVoice: cfg.Synthesis.DefaultVoice,
		speed:        cfg.Synthesis.Speed,
		pitch:        cfg.Synthesis.Pitch,
		timeout:      cfg.Synthesis.Timeout(),
		defaults: core.GenerationParams{
			Temperature:       cfg.Synthesis.Temperature,
			TopP:              cfg.Synthesis.TopP,
			RepetitionPenalty: cfg.Synthesis.RepetitionPenalty,
		},
	}, nil
}

// Format returns the audio format the engine produces.
func (e *Engine) Format() audio.Format {
	return e.cache.Format()
}

// Synthesize produces audio for req, through the cache when req.UseCache is set.
func (e *Engine) Synthesize(ctx context.Context, req Request) (Result, error) {
	start := e.now()

	text := synthcache.NormalizeText(req.Text)
	if text == "" {
		return Result{}, fmt.Errorf("%w: %w", core.ErrValidation, ErrTextEmpty)
	}

	voiceID := e.resolveVoiceID(req.Voice)

	settings, err := e.voiceSettings(ctx, voiceID)
	if err != nil {
		return Result{}, err
	}

	if req.Speed != nil {
		settings.Speed = *req.Speed
	}

	if req.Pitch != nil {
		settings.Pitch = *req.Pitch
	}

	params := e.withDefaults(req.Params)

	err = e.validate(settings, params)
	if err != nil {
		return Result{}, err
	}

	key := synthcache.Key{
		Text:    text,
		VoiceID: voiceID,
		Speed:   settings.Speed,
		Pitch:   settings.Pitch,
		Params:  params,
	}
	synthesize := e.synthesizeFunc(key)

	var result Result

	if req.UseCache {
		result, err = e.synthesizeCached(ctx, key, synthesize)
	} else {
		result, err = e.synthesizeFresh(ctx, key, synthesize)
	}

	if err != nil {
		return Result{}, err
	}

	result.ProcessingTime = e.now().Sub(start)
	e.log.Info(logFmtSynthesized, len(text), voiceID, result.ProcessingTime.Round(time.Millisecond),
		result.CacheHit, result.Coalesced)

	return result, nil
}

func (e *Engine) resolveVoiceID(voice string) string {
	voiceID := strings.ToLower(strings.TrimSpace(voice))
	if voiceID == "" {
		voiceID = strings.ToLower(strings.TrimSpace(e.defaultVoice))
	}

	if voiceID == "" {
		return voices.DefaultVoiceID
	}

	return voiceID
}

func (e *Engine) voiceSettings(ctx context.Context, voiceID string) (voices.Settings, error) {
	if voiceID == voices.DefaultVoiceID {
		return voices.DefaultSettings(), nil
	}

	model, err := e.voices.Get(ctx, voiceID)
	if err != nil {
		return voices.Settings{}, fmt.Errorf("failed to resolve voice: %w", err)
	}

	return model.DefaultSettings, nil
}

func (e *Engine) withDefaults(params core.GenerationParams) core.GenerationParams {
	if params.Temperature == 0 {
		params.Temperature = e.defaults.Temperature
	}

	if params.TopP == 0 {
		params.TopP = e.defaults.TopP
	}

	if params.RepetitionPenalty == 0 {
		params.RepetitionPenalty = e.defaults.RepetitionPenalty
	}

	return params
}

func (e *Engine) validate(settings voices.Settings, params core.GenerationParams) error {
	checks := []struct {
		name   string
		value  float64
		bounds config.Range
	}{
		{name: "speed", value: settings.Speed, bounds: e.speed},
		{name: "pitch", value: settings.Pitch, bounds: e.pitch},
		{name: "temperature", value: params.Temperature, bounds: config.Range{Min: minTemperature, Max: maxTemperature}},
		{name: "top_p", value: params.TopP, bounds: config.Range{Min: minTopP, Max: maxTopP}},
		{
			name:   "repetition_penalty",
			value:  params.RepetitionPenalty,
			bounds: config.Range{Min: minRepetitionPenalty, Max: maxRepetitionPenalty},
		},
	}

	for _, check := range checks {
		if !check.bounds.Contains(check.value) {
			return fmt.Errorf(errFmtOutOfRange, core.ErrValidation, check.name, check.value,
				check.bounds.Min, check.bounds.Max)
		}
	}

	if params.Seed < 0 {
		return fmt.Errorf("%w: seed must not be negative", core.ErrValidation)
	}

	return nil
}

// synthesizeFunc returns the backend call for key. The reference recording is
// only read when the call actually runs.
func (e *Engine) synthesizeFunc(key synthcache.Key) synthcache.SynthesizeFunc {
	return func(ctx context.Context) ([]byte, error) {
		input := core.SynthesisInput{
			Text:   key.Text,
			Speed:  key.Speed,
			Pitch:  key.Pitch,
			Params: key.Params,
		}

		if key.VoiceID != voices.DefaultVoiceID {
			reference, err := e.voices.Reference(ctx, key.VoiceID)
			if err != nil {
				return nil, fmt.Errorf("failed to load voice reference: %w", err)
			}

			input.Reference = &reference
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		return e.synthesizer.Synthesize(callCtx, input)
	}
}

func (e *Engine) synthesizeCached(ctx context.Context, key synthcache.Key, synthesize synthcache.SynthesizeFunc) (Result, error) {
	entry, outcome, err := e.cache.GetOrSynthesize(ctx, key, synthesize)
	if err != nil {
		return Result{}, err
	}

	return Result{
		AudioPath:   entry.Path,
		Fingerprint: entry.Fingerprint,
		Voice:       key.VoiceID,
		Format:      entry.Format,
		CacheHit:    outcome == synthcache.OutcomeHit,
		Coalesced:   outcome == synthcache.OutcomeShared,
	}, nil
}

// synthesizeFresh bypasses the cache and writes a uniquely named file.
func (e *Engine) synthesizeFresh(ctx context.Context, key synthcache.Key, synthesize synthcache.SynthesizeFunc) (Result, error) {
	start := e.now()
	data, err := synthesize(ctx)
	metrics.RecordSynthesis(metrics.Status(err), e.now().Sub(start).Seconds())

	if err == nil && len(data) == 0 {
		err = synthcache.ErrEmptyResult
	}

	if err != nil {
		if errors.Is(err, core.ErrSynthesis) {
			return Result{}, err
		}

		return Result{}, fmt.Errorf("%w: %w", core.ErrSynthesis, err)
	}

	format := e.Format()
	name := fmt.Sprintf("tts_%s_%s%s", e.now().Format(generatedTimeLayout),
		uuid.NewString()[:generatedIDLength], format.Extension())
	path := filepath.Join(e.generatedDir, name)

	err = fsutil.WriteFileAtomic(path, data)
	if err != nil {
		return Result{}, fmt.Errorf("%w: failed to write generated audio: %w", core.ErrStorage, err)
	}

	e.log.Info(logFmtGenerated, path, fsutil.FormatFileSize(int64(len(data))))

	return Result{
		AudioPath:   path,
		Fingerprint: key.Fingerprint(),
		Voice:       key.VoiceID,
		Format:      format,
	}, nil
}

// HealthCheck probes the synthesis backend when it supports health checks.
func (e *Engine) HealthCheck(ctx context.Context) error {
	checker, ok := e.synthesizer.(core.HealthChecker)
	if !ok {
		return nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, HealthCheckTimeout)
	defer cancel()

	err := checker.HealthCheck(checkCtx)
	if err != nil {
		return fmt.Errorf(errFmtHealthCheckFailed, err)
	}

	return nil
}
