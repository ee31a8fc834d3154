package tts_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/synthcache"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/voices"
)

var errBackendUnavailable = errors.New("backend unavailable")

type fakeSynthesizer struct {
	err       error
	healthErr error
	inputs    []core.SynthesisInput
	mu        sync.Mutex
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, input core.SynthesisInput) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, f.err
	}

	return bytes.Repeat([]byte(input.Text), 32), nil
}

func (f *fakeSynthesizer) HealthCheck(context.Context) error {
	return f.healthErr
}

func (f *fakeSynthesizer) calls() []core.SynthesisInput {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]core.SynthesisInput(nil), f.inputs...)
}

type engineFixture struct {
	engine      *tts.Engine
	registry    *voices.Registry
	synthesizer *fakeSynthesizer
	cfg         *config.Config
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "tts-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func newEngineFixture(t *testing.T) engineFixture {
	t.Helper()

	data := fmt.Sprintf("[storage]\nroot_dir = %q\n[synthesis]\noutput_format = \"wav\"\n",
		filepath.ToSlash(t.TempDir()))

	cfg, err := config.Parse([]byte(data))
	require.NoError(t, err)

	log := createTestLogger(t)

	registry, err := voices.New(cfg, log)
	require.NoError(t, err)

	cache, err := synthcache.New(cfg, log)
	require.NoError(t, err)

	synthesizer := &fakeSynthesizer{}

	engine, err := tts.NewEngine(cfg, synthesizer, registry, cache, log)
	require.NoError(t, err)

	return engineFixture{engine: engine, registry: registry, synthesizer: synthesizer, cfg: cfg}
}

func floatPtr(value float64) *float64 {
	return &value
}

func TestEngine_DefaultVoiceCachesResult(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)
	ctx := context.Background()
	request := tts.Request{Text: "  Hello   world ", UseCache: true}

	first, err := fixture.engine.Synthesize(ctx, request)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, voices.DefaultVoiceID, first.Voice)
	assert.Equal(t, ".wav", filepath.Ext(first.AudioPath))

	second, err := fixture.engine.Synthesize(ctx, tts.Request{Text: "Hello world", Voice: "DEFAULT", UseCache: true})
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.AudioPath, second.AudioPath)

	calls := fixture.synthesizer.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hello world", calls[0].Text)
	assert.Nil(t, calls[0].Reference)
	assert.InDelta(t, 1.0, calls[0].Speed, 0.0001)
	assert.InDelta(t, 0.7, calls[0].Params.Temperature, 0.0001)
	assert.InDelta(t, 1.2, calls[0].Params.RepetitionPenalty, 0.0001)
}

func TestEngine_ClonedVoiceUsesReferenceAndSettings(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)
	ctx := context.Background()

	model, err := fixture.registry.Create(ctx, voices.CreateRequest{
		DisplayName:     "Narrator",
		Audio:           bytes.Repeat([]byte{7}, 4096),
		AudioFormat:     "wav",
		Transcript:      "This is the narrator.",
		DefaultSettings: &voices.Settings{Speed: 1.3, Pitch: 2},
	})
	require.NoError(t, err)

	_, err = fixture.engine.Synthesize(ctx, tts.Request{Text: "Chapter one", Voice: model.ID, UseCache: true})
	require.NoError(t, err)

	_, err = fixture.engine.Synthesize(ctx, tts.Request{
		Text:     "Chapter one",
		Voice:    model.ID,
		Speed:    floatPtr(0.8),
		UseCache: true,
	})
	require.NoError(t, err)

	calls := fixture.synthesizer.calls()
	require.Len(t, calls, 2, "a different speed is a different cache key")

	require.NotNil(t, calls[0].Reference)
	assert.Equal(t, "This is the narrator.", calls[0].Reference.Transcript)
	assert.Len(t, calls[0].Reference.Audio, 4096)
	assert.InDelta(t, 1.3, calls[0].Speed, 0.0001)
	assert.InDelta(t, 2.0, calls[0].Pitch, 0.0001)
	assert.InDelta(t, 0.8, calls[1].Speed, 0.0001)
}

func TestEngine_UnknownVoice(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)

	_, err := fixture.engine.Synthesize(context.Background(), tts.Request{Text: "Hi", Voice: "ghost", UseCache: true})
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.Empty(t, fixture.synthesizer.calls())
}

func TestEngine_WithoutCacheWritesGeneratedFile(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)
	ctx := context.Background()

	for range 2 {
		result, err := fixture.engine.Synthesize(ctx, tts.Request{Text: "Fresh each time"})
		require.NoError(t, err)
		assert.False(t, result.CacheHit)
		assert.Equal(t, fixture.cfg.Storage.GeneratedDir, filepath.Dir(result.AudioPath))
		assert.True(t, strings.HasPrefix(filepath.Base(result.AudioPath), "tts_"))
	}

	assert.Len(t, fixture.synthesizer.calls(), 2)

	files, err := os.ReadDir(fixture.cfg.Storage.GeneratedDir)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestEngine_Validation(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)

	tests := []struct {
		name    string
		request tts.Request
	}{
		{name: "empty text", request: tts.Request{Text: " \n\t "}},
		{name: "speed too high", request: tts.Request{Text: "Hi", Speed: floatPtr(2.5)}},
		{name: "pitch too low", request: tts.Request{Text: "Hi", Pitch: floatPtr(-11)}},
		{name: "temperature", request: tts.Request{Text: "Hi", Params: core.GenerationParams{Temperature: 1.5}}},
		{name: "top_p", request: tts.Request{Text: "Hi", Params: core.GenerationParams{TopP: 0.05}}},
		{name: "repetition penalty", request: tts.Request{Text: "Hi", Params: core.GenerationParams{RepetitionPenalty: 2.5}}},
		{name: "negative seed", request: tts.Request{Text: "Hi", Params: core.GenerationParams{Seed: -1}}},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			_, err := fixture.engine.Synthesize(context.Background(), testCase.request)
			require.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestEngine_BackendFailure(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)
	fixture.synthesizer.err = errBackendUnavailable

	_, err := fixture.engine.Synthesize(context.Background(), tts.Request{Text: "Hi", UseCache: true})
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, errBackendUnavailable)

	_, err = fixture.engine.Synthesize(context.Background(), tts.Request{Text: "Hi"})
	require.ErrorIs(t, err, core.ErrSynthesis)
}

func TestEngine_HealthCheck(t *testing.T) {
	t.Parallel()

	fixture := newEngineFixture(t)
	require.NoError(t, fixture.engine.HealthCheck(context.Background()))

	fixture.synthesizer.healthErr = errBackendUnavailable
	require.ErrorIs(t, fixture.engine.HealthCheck(context.Background()), errBackendUnavailable)
}
