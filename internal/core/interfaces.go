// Package core defines the contracts shared by the voice-service components:
// the error taxonomy, the external adapter interfaces, and the object store.
package core

import (
	"context"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// GenerationParams are the sampling knobs forwarded to the synthesis backend.
// Zero values mean "use the backend default".
type GenerationParams struct {
	Temperature       float64 `json:"temperature,omitempty"`
	TopP              float64 `json:"top_p,omitempty"`
	RepetitionPenalty float64 `json:"repetition_penalty,omitempty"`
	Seed              int     `json:"seed,omitempty"`
}

// VoiceReference is the cloning reference handed to a synthesizer.
type VoiceReference struct {
	ID          string
	Audio       []byte
	AudioFormat string
	Transcript  string
}

// SynthesisInput holds everything a backend needs for one synthesis call.
// A nil Reference selects the backend's built-in voice.
type SynthesisInput struct {
	Text      string
	Reference *VoiceReference
	Speed     float64
	Pitch     float64
	Params    GenerationParams
}

// Synthesizer turns text into audio bytes using an external voice-cloning service.
type Synthesizer interface {
	Synthesize(ctx context.Context, input SynthesisInput) ([]byte, error)
}

// HealthChecker is implemented by adapters that can probe their backend.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Transcription is the result of a speech-to-text call. Duration is how long
// the backend took.
type Transcription struct {
	Text     string        `json:"transcript"`
	Language string        `json:"language,omitempty"`
	Duration time.Duration `json:"-"`
}

// Transcriber turns audio into text using an external speech-recognition service.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, formatHint string) (Transcription, error)
}
