// Package voices keeps the registry of voice models: named bundles of one
// reference recording and its transcript, stored one directory per model.
//
// The directory listing is the index. A model directory is only visible once
// it is complete, and every mutation of a model is serialized per id.
package voices

import (
	"time"

	"github.com/book-expert/voice-service/internal/tts/audio"
)

// DefaultVoiceID names the built-in voice. It has no stored artifacts and
// cannot be created, renamed, or deleted.
const DefaultVoiceID = "default"

// Default synthesis settings of a model.
const (
	DefaultSpeed = 1.0
	DefaultPitch = 0.0
)

// Settings are the synthesis parameters a model or preset applies by default.
type Settings struct {
	Speed float64 `json:"speed"`
	Pitch float64 `json:"pitch"`
}

// DefaultSettings returns the settings used when none are given.
func DefaultSettings() Settings {
	return Settings{Speed: DefaultSpeed, Pitch: DefaultPitch}
}

// VoiceModel is a stored voice.
type VoiceModel struct {
	CreatedAt       time.Time    `json:"created_at"`
	ID              string       `json:"id"`
	DisplayName     string       `json:"display_name"`
	AudioPath       string       `json:"-"`
	AudioFormat     audio.Format `json:"audio_format"`
	TranscriptText  string       `json:"transcript"`
	DefaultSettings Settings     `json:"default_settings"`
	AudioSize       int64        `json:"audio_size"`
}

// Warning describes a directory of the store that is not a usable model.
type Warning struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Snapshot is the result of scanning the store.
type Snapshot struct {
	Models   []VoiceModel `json:"models"`
	Warnings []Warning    `json:"warnings"`
}

// CreateRequest carries everything needed to store a new model.
type CreateRequest struct {
	DefaultSettings *Settings
	DisplayName     string
	AudioFormat     string
	Transcript      string
	Audio           []byte
}

// metadata is the content of meta.json.
type metadata struct {
	CreatedAt       time.Time    `json:"created_at"`
	DisplayName     string       `json:"display_name"`
	AudioFormat     audio.Format `json:"audio_format"`
	DefaultSettings Settings     `json:"default_settings"`
}
