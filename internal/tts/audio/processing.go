// Package audio provides audio format detection and validation for reference
// samples, uploads, and synthesized artifacts.
package audio

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// MinReferenceBytes is the smallest payload accepted as a usable recording.
// Anything shorter is almost always a truncated or failed capture.
const MinReferenceBytes = 1000

// Error messages and formats.
const (
	errFmtUnsupportedFormat = "%w: %q"
	errFmtTooShort          = "%w: got %d bytes, need at least %d"
)

// Common errors for the audio package.
var (
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrEmptyAudio        = errors.New("audio payload is empty")
	ErrAudioTooShort     = errors.New("audio payload is too short or corrupted")
)

// Format represents supported audio formats.
type Format string

// Supported formats.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
	FormatAAC  Format = "aac"
)

const contentTypeOctetStream = "application/octet-stream"

// contentTypes maps each format to the content type used when serving it.
var contentTypes = map[Format]string{
	FormatWAV:  "audio/wav",
	FormatMP3:  "audio/mpeg",
	FormatFLAC: "audio/flac",
	FormatOGG:  "audio/ogg",
	FormatM4A:  "audio/x-m4a",
	FormatAAC:  "audio/aac",
}

// contentTypeAliases covers the variants browsers and clients actually send.
var contentTypeAliases = map[string]Format{
	"audio/wav":      FormatWAV,
	"audio/x-wav":    FormatWAV,
	"audio/wave":     FormatWAV,
	"audio/vnd.wave": FormatWAV,
	"audio/mpeg":     FormatMP3,
	"audio/mp3":      FormatMP3,
	"audio/flac":     FormatFLAC,
	"audio/x-flac":   FormatFLAC,
	"audio/ogg":      FormatOGG,
	"audio/x-m4a":    FormatM4A,
	"audio/mp4":      FormatM4A,
	"audio/m4a":      FormatM4A,
	"audio/aac":      FormatAAC,
}

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type used when serving the format.
func (f Format) ContentType() string {
	contentType, ok := contentTypes[f]
	if !ok {
		return contentTypeOctetStream
	}

	return contentType
}

// Storable reports whether the format may be kept as a voice reference.
func (f Format) Storable() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatFLAC, FormatOGG, FormatM4A:
		return true
	default:
		return false
	}
}

// StorableFormats lists the formats a voice model may be stored in.
func StorableFormats() []Format {
	return []Format{FormatWAV, FormatMP3, FormatFLAC, FormatOGG, FormatM4A}
}

// ParseFormat resolves a format from a bare name ("mp3"), an extension
// (".mp3"), a filename ("take1.mp3"), or a content type ("audio/mpeg").
func ParseFormat(hint string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(hint))
	if normalized == "" {
		return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, hint)
	}

	if strings.Contains(normalized, "/") {
		mediaType, _, err := mime.ParseMediaType(normalized)
		if err == nil {
			if format, ok := contentTypeAliases[mediaType]; ok {
				return format, nil
			}
		}
	}

	candidate := strings.TrimPrefix(filepath.Ext(normalized), ".")
	if candidate == "" {
		candidate = strings.TrimPrefix(normalized, ".")
	}

	format := Format(candidate)
	if _, ok := contentTypes[format]; ok {
		return format, nil
	}

	return "", fmt.Errorf(errFmtUnsupportedFormat, ErrUnsupportedFormat, hint)
}

// DetectFormat picks the format of an upload from its declared content type,
// falling back to the filename when the content type is missing or generic.
func DetectFormat(contentType, filename string) (Format, error) {
	trimmed := strings.TrimSpace(contentType)
	if trimmed != "" && trimmed != contentTypeOctetStream && trimmed != "None" {
		format, err := ParseFormat(trimmed)
		if err == nil {
			return format, nil
		}
	}

	return ParseFormat(filename)
}

// Validate checks that a payload is plausibly a usable recording.
func Validate(data []byte) error {
	if len(data) == 0 {
		return ErrEmptyAudio
	}

	if len(data) < MinReferenceBytes {
		return fmt.Errorf(errFmtTooShort, ErrAudioTooShort, len(data), MinReferenceBytes)
	}

	return nil
}
