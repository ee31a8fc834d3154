package tts_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts"
)

// echoScript writes its arguments, one per line, to the file passed with --output.
const echoScript = `#!/bin/sh
out=""
for arg in "$@"; do
  if [ "$prev" = "--output" ]; then out="$arg"; fi
  prev="$arg"
done
printf '%s\n' "$@" > "$out"
`

const failingScript = `#!/bin/sh
echo "model not loaded" >&2
exit 3
`

func writeScript(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not supported on windows")
	}

	path := filepath.Join(t.TempDir(), "synth.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))

	return path
}

func TestCommandSynthesizer_PassesReferenceAndParams(t *testing.T) {
	t.Parallel()

	synthesizer, err := tts.NewCommandSynthesizer(config.SynthesisConfig{
		BinaryPath:   writeScript(t, echoScript),
		BinaryArgs:   []string{"--model", "fish"},
		OutputFormat: "wav",
	}, createTestLogger(t))
	require.NoError(t, err)

	output, err := synthesizer.Synthesize(context.Background(), core.SynthesisInput{
		Text:      "Hello world",
		Speed:     1.25,
		Reference: &core.VoiceReference{Audio: []byte("ref"), AudioFormat: "mp3", Transcript: "ref words"},
		Params:    core.GenerationParams{Seed: 9, Temperature: 0.5},
	})
	require.NoError(t, err)

	args := strings.Split(strings.TrimSpace(string(output)), "\n")
	assert.Equal(t, []string{"--model", "fish"}, args[:2])
	assert.Contains(t, args, "Hello world")
	assert.Contains(t, args, "1.25")
	assert.Contains(t, args, "ref words")
	assert.Contains(t, args, "--seed")
	assert.Contains(t, args, "0.50")
	assert.NotContains(t, args, "--top_p")

	for index, arg := range args {
		if arg == "--reference-audio" {
			assert.True(t, strings.HasSuffix(args[index+1], ".mp3"))
			_, statErr := os.Stat(args[index+1])
			require.ErrorIs(t, statErr, os.ErrNotExist, "reference temp file must be removed")
		}
	}
}

func TestCommandSynthesizer_Failure(t *testing.T) {
	t.Parallel()

	synthesizer, err := tts.NewCommandSynthesizer(config.SynthesisConfig{
		BinaryPath:   writeScript(t, failingScript),
		OutputFormat: "wav",
	}, createTestLogger(t))
	require.NoError(t, err)

	_, err = synthesizer.Synthesize(context.Background(), core.SynthesisInput{Text: "Hello"})
	require.ErrorIs(t, err, core.ErrSynthesis)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestNewCommandSynthesizer_InvalidFormat(t *testing.T) {
	t.Parallel()

	_, err := tts.NewCommandSynthesizer(config.SynthesisConfig{BinaryPath: "x", OutputFormat: "txt"}, createTestLogger(t))
	require.Error(t, err)
}
