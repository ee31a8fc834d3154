package synthcache

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/book-expert/voice-service/internal/core"
)

const (
	fieldSeparator  = "\x1f"
	defaultVoiceKey = "default"
	floatPrecision  = 3
	negativeZero    = "-0.000"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Key identifies one synthesis result.
type Key struct {
	Text    string
	VoiceID string
	Params  core.GenerationParams
	Speed   float64
	Pitch   float64
}

// NormalizeText trims, collapses whitespace runs to one space, and applies NFC,
// so texts that sound the same share a fingerprint.
func NormalizeText(text string) string {
	return norm.NFC.String(strings.Join(strings.Fields(text), " "))
}

// NormalizeVoiceID lower-cases a voice id; the empty id is the default voice.
func NormalizeVoiceID(voiceID string) string {
	normalized := strings.ToLower(strings.TrimSpace(voiceID))
	if normalized == "" {
		return defaultVoiceKey
	}

	return normalized
}

// Fingerprint returns the hex SHA-256 digest identifying the key.
func (k Key) Fingerprint() string {
	fields := []string{
		NormalizeText(k.Text),
		NormalizeVoiceID(k.VoiceID),
		formatFloat(k.Speed),
		formatFloat(k.Pitch),
		formatFloat(k.Params.Temperature),
		formatFloat(k.Params.TopP),
		formatFloat(k.Params.RepetitionPenalty),
		strconv.Itoa(k.Params.Seed),
	}

	digest := sha256.Sum256([]byte(strings.Join(fields, fieldSeparator)))

	return hex.EncodeToString(digest[:])
}

// ValidFingerprint reports whether fingerprint has the shape Fingerprint produces.
func ValidFingerprint(fingerprint string) bool {
	return fingerprintPattern.MatchString(fingerprint)
}

// formatFloat rounds to floatPrecision digits. Values that round to zero,
// negative zero included, all format as "0.000".
func formatFloat(value float64) string {
	formatted := strconv.FormatFloat(value, 'f', floatPrecision, 64)
	if formatted == negativeZero {
		return formatted[1:]
	}

	return formatted
}
