package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/fsutil"
	"github.com/book-expert/voice-service/internal/metrics"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const (
	logFmtTranscribed = "Transcribed %s of %s audio in %s (%d characters)"
	logFmtFailed      = "Transcription of %s audio failed after %s: %v"
)

// Service validates uploads, calls the configured backend, and normalizes
// the recognized text.
type Service struct {
	backend core.Transcriber
	log     *logger.Logger
	timeout time.Duration
}

// NewService wraps backend. A zero timeout leaves the caller's deadline alone.
func NewService(backend core.Transcriber, timeout time.Duration, log *logger.Logger) *Service {
	return &Service{backend: backend, timeout: timeout, log: log}
}

// NewTranscriber builds the Service for the backend named in cfg.
func NewTranscriber(cfg config.TranscriptionConfig, log *logger.Logger) (*Service, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)

	var backend core.Transcriber

	switch cfg.Backend {
	case config.TranscriptionBackendOpenAI:
		if apiKey == "" {
			return nil, fmt.Errorf("%w: %s", ErrAPIKeyNotSet, cfg.APIKeyEnv)
		}

		backend = NewOpenAIClient(apiKey, "", cfg.Model, cfg.Language)
	case config.TranscriptionBackendHTTP:
		backend = NewClient(cfg.ServiceURL, apiKey, cfg.Model, cfg.Language, cfg.Timeout())
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownTranscriptionBackend, cfg.Backend)
	}

	return NewService(backend, cfg.Timeout(), log), nil
}

// Transcribe returns the transcript of audioData. formatHint is a content
// type, file name, or format name.
func (s *Service) Transcribe(ctx context.Context, audioData []byte, formatHint string) (core.Transcription, error) {
	if len(audioData) == 0 {
		return core.Transcription{}, fmt.Errorf("%w: %w", core.ErrTranscription, audio.ErrEmptyAudio)
	}

	format, err := audio.ParseFormat(formatHint)
	if err != nil {
		return core.Transcription{}, fmt.Errorf("%w: %w", core.ErrTranscription, err)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := s.backend.Transcribe(ctx, audioData, string(format))
	elapsed := time.Since(start)

	metrics.RecordTranscription(metrics.Status(err), elapsed.Seconds())

	if err != nil {
		s.log.Error(logFmtFailed, format, elapsed.Round(time.Millisecond), err)

		if errors.Is(err, core.ErrTranscription) {
			return core.Transcription{}, err
		}

		return core.Transcription{}, fmt.Errorf("%w: %w", core.ErrTranscription, err)
	}

	result.Text = strings.Join(strings.Fields(result.Text), " ")
	result.Duration = elapsed

	s.log.Info(logFmtTranscribed, fsutil.FormatFileSize(int64(len(audioData))), format, elapsed.Round(time.Millisecond), len(result.Text))

	return result, nil
}
