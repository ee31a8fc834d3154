package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/server"
	"github.com/book-expert/voice-service/internal/synthcache"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/voices"
)

var errUpstream = errors.New("upstream exploded")

type fakeSynthesizer struct {
	fail      atomic.Bool
	unhealthy atomic.Bool
	calls     atomic.Int32
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, input core.SynthesisInput) ([]byte, error) {
	f.calls.Add(1)

	if f.fail.Load() {
		return nil, errUpstream
	}

	return bytes.Repeat([]byte("RIFF"+input.Text), 16), nil
}

func (f *fakeSynthesizer) HealthCheck(context.Context) error {
	if f.unhealthy.Load() {
		return errUpstream
	}

	return nil
}

type fakeTranscriber struct{}

func (fakeTranscriber) Transcribe(_ context.Context, _ []byte, formatHint string) (core.Transcription, error) {
	return core.Transcription{Text: "transcribed " + formatHint, Language: "en"}, nil
}

type testServer struct {
	url         string
	cfg         *config.Config
	synthesizer *fakeSynthesizer
}

type options struct {
	strict        bool
	noTranscriber bool
}

func newTestServer(t *testing.T, opts options) testServer {
	t.Helper()

	root := t.TempDir()
	samplePath := filepath.Join(root, "hello.mp3")
	require.NoError(t, os.WriteFile(samplePath, []byte("ID3-hello"), 0o600))

	data := fmt.Sprintf(`
[server]
sample_audio_path = %q
requests_per_minute = 1000

[storage]
root_dir = %q
disambiguate_ids = %t

[synthesis]
output_format = "wav"
`, filepath.ToSlash(samplePath), filepath.ToSlash(root), !opts.strict)

	cfg, err := config.Parse([]byte(data))
	require.NoError(t, err)

	log, err := logger.New(t.TempDir(), "server-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	registry, err := voices.New(cfg, log)
	require.NoError(t, err)

	cache, err := synthcache.New(cfg, log)
	require.NoError(t, err)

	synthesizer := &fakeSynthesizer{}

	engine, err := tts.NewEngine(cfg, synthesizer, registry, cache, log)
	require.NoError(t, err)

	deps := server.Dependencies{Registry: registry, Cache: cache, Engine: engine}
	if !opts.noTranscriber {
		deps.Transcriber = fakeTranscriber{}
	}

	httpServer := httptest.NewServer(server.New(cfg, deps, log).Handler())
	t.Cleanup(httpServer.Close)

	return testServer{url: httpServer.URL, cfg: cfg, synthesizer: synthesizer}
}

func (ts testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader = http.NoBody

	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, ts.url+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	return decodeResponse(t, req)
}

func (ts testServer) upload(t *testing.T, path, field, filename string, content []byte, fields map[string]string) (int, map[string]any) {
	t.Helper()

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)

	_, err = part.Write(content)
	require.NoError(t, err)

	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}

	require.NoError(t, writer.Close())

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, ts.url+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	return decodeResponse(t, req)
}

func (ts testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := http.Get(ts.url + path) //nolint:noctx // test helper
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func decodeResponse(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	var payload map[string]any

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))

	return resp.StatusCode, payload
}

func referenceAudio() []byte {
	return bytes.Repeat([]byte{1, 2, 3, 4}, 1024)
}

func (ts testServer) createVoice(t *testing.T, name string) map[string]any {
	t.Helper()

	status, payload := ts.upload(t, "/voices", "audio", "ref.wav", referenceAudio(),
		map[string]string{"name": name, "transcript": "Reference words of " + name})
	require.Equal(t, http.StatusCreated, status, payload)

	voice, ok := payload["voice"].(map[string]any)
	require.True(t, ok)

	return voice
}

func TestRootHealthAndMetrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	status, payload := ts.do(t, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Voice service API is running", payload["message"])

	status, payload = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", payload["status"])

	ts.synthesizer.unhealthy.Store(true)

	status, payload = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, payload["success"])

	resp, body := ts.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "voice_service_http_requests_total")
}

func TestSay(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	resp, body := ts.get(t, "/tts/say")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "ID3-hello", string(body))

	require.NoError(t, os.Remove(ts.cfg.Server.SampleAudioPath))

	resp, _ = ts.get(t, "/tts/say")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSynthesize_CachedAndServed(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})
	request := map[string]any{"text": " Hello   world ", "use_cache": true}

	status, first := ts.do(t, http.MethodPost, "/tts/synthesize", request)
	require.Equal(t, http.StatusOK, status, first)
	assert.Equal(t, true, first["success"])
	assert.Equal(t, false, first["cache_hit"])
	assert.Equal(t, "default", first["voice"])
	assert.Equal(t, "Hello world", first["text"])

	status, second := ts.do(t, http.MethodPost, "/tts/synthesize", request)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, second["cache_hit"])
	assert.Equal(t, first["audio_file"], second["audio_file"])
	assert.Equal(t, int32(1), ts.synthesizer.calls.Load())

	audioFile, ok := first["audio_file"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(audioFile, "/tts/audio/"))

	resp, body := ts.get(t, audioFile)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(body, []byte("RIFFHello world")))

	resp, _ = ts.get(t, "/tts/audio/not-a-fingerprint")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSynthesize_WithoutCache(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	status, payload := ts.do(t, http.MethodPost, "/tts/synthesize", map[string]any{"text": "Fresh"})
	require.Equal(t, http.StatusOK, status, payload)

	audioFile, ok := payload["audio_file"].(string)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(audioFile, "/tts/generated/tts_"))

	resp, _ := ts.get(t, audioFile)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.get(t, "/tts/generated/..%2Fmeta.json")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSynthesize_ErrorMapping(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	tests := []struct {
		body     any
		name     string
		expected int
	}{
		{name: "empty text", body: map[string]any{"text": "  "}, expected: http.StatusBadRequest},
		{name: "speed out of range", body: map[string]any{"text": "Hi", "speed": 3.0}, expected: http.StatusBadRequest},
		{name: "temperature out of range", body: map[string]any{"text": "Hi", "temperature": 1.5}, expected: http.StatusBadRequest},
		{name: "unknown voice", body: map[string]any{"text": "Hi", "voice": "ghost"}, expected: http.StatusNotFound},
		{name: "unknown preset", body: map[string]any{"text": "Hi", "preset": "nope"}, expected: http.StatusNotFound},
		{name: "malformed json", body: "not an object", expected: http.StatusBadRequest},
	}

	for _, testCase := range tests {
		status, payload := ts.do(t, http.MethodPost, "/tts/synthesize", testCase.body)
		assert.Equal(t, testCase.expected, status, testCase.name)
		assert.Equal(t, false, payload["success"], testCase.name)
		assert.NotEmpty(t, payload["error"], testCase.name)
	}

	ts.synthesizer.fail.Store(true)

	status, payload := ts.do(t, http.MethodPost, "/tts/synthesize", map[string]any{"text": "Hi", "use_cache": true})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, payload["error"], errUpstream.Error())
}

func TestVoices_Lifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	alice := ts.createVoice(t, "Alice Smith")
	assert.Equal(t, "alice-smith", alice["id"])
	assert.Equal(t, "Reference words of Alice Smith", alice["transcript"])

	duplicate := ts.createVoice(t, "Alice Smith")
	assert.Equal(t, "alice-smith-2", duplicate["id"])

	status, list := ts.do(t, http.MethodGet, "/voices", nil)
	require.Equal(t, http.StatusOK, status)

	listed, ok := list["voices"].([]any)
	require.True(t, ok)
	require.Len(t, listed, 3)
	assert.Equal(t, "default", listed[0].(map[string]any)["id"])

	status, got := ts.do(t, http.MethodGet, "/voices/alice-smith", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Alice Smith", got["voice"].(map[string]any)["display_name"])

	resp, body := ts.get(t, "/voices/alice-smith/audio")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))
	assert.Equal(t, referenceAudio(), body)

	status, renamed := ts.do(t, http.MethodPatch, "/voices/alice-smith",
		map[string]any{"display_name": "Alice Jones", "speed": 1.25})
	require.Equal(t, http.StatusOK, status, renamed)

	voice := renamed["voice"].(map[string]any)
	assert.Equal(t, "alice-jones", voice["id"])
	assert.InDelta(t, 1.25, voice["default_settings"].(map[string]any)["speed"], 0.0001)

	status, _ = ts.do(t, http.MethodGet, "/voices/alice-smith", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodPatch, "/voices/alice-jones", map[string]any{"display_name": "Alice Smith 2"})
	assert.Equal(t, http.StatusConflict, status)

	status, updated := ts.do(t, http.MethodPut, "/voices/alice-jones/transcript",
		map[string]any{"transcript": "New words"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "New words", updated["voice"].(map[string]any)["transcript"])

	status, _ = ts.do(t, http.MethodDelete, "/voices/alice-jones", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodDelete, "/voices/alice-jones", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodDelete, "/voices/default", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVoices_CreateValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{strict: true})

	ts.createVoice(t, "Bob")

	status, _ := ts.upload(t, "/voices", "audio", "ref.wav", referenceAudio(),
		map[string]string{"name": "bob", "transcript": "words"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = ts.upload(t, "/voices", "audio", "ref.txt", referenceAudio(),
		map[string]string{"name": "Carol", "transcript": "words"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.upload(t, "/voices", "audio", "ref.wav", []byte("tiny"),
		map[string]string{"name": "Carol", "transcript": "words"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.upload(t, "/voices", "audio", "ref.wav", referenceAudio(),
		map[string]string{"name": "Carol", "transcript": "words", "speed": "fast"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestVoices_RejectedPatchChangesNothing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})
	ts.createVoice(t, "Bob")

	status, _ := ts.do(t, http.MethodPatch, "/voices/bob", map[string]any{"display_name": "Robert", "speed": 99})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodPatch, "/voices/bob", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(t, http.MethodGet, "/voices/robert", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, got := ts.do(t, http.MethodGet, "/voices/bob", nil)
	require.Equal(t, http.StatusOK, status)

	voice := got["voice"].(map[string]any)
	assert.Equal(t, "Bob", voice["display_name"])
	assert.InDelta(t, 1.0, voice["default_settings"].(map[string]any)["speed"], 0.0001)
}

func TestVoices_CreateAcceptsUnsafeFilenames(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	status, payload := ts.upload(t, "/voices", "audio", `take<1>|"final".wav`, referenceAudio(),
		map[string]string{"name": "Gina", "transcript": "words"})
	require.Equal(t, http.StatusCreated, status, payload)
	assert.Equal(t, "wav", payload["voice"].(map[string]any)["audio_format"])
}

func TestVoices_CreateTranscribesWhenTranscriptMissing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	status, payload := ts.upload(t, "/voices", "file", "ref.mp3", referenceAudio(),
		map[string]string{"name": "Dana", "pitch": "2"})
	require.Equal(t, http.StatusCreated, status, payload)
	assert.Equal(t, true, payload["transcribed"])

	voice := payload["voice"].(map[string]any)
	assert.Equal(t, "transcribed mp3", voice["transcript"])
	assert.InDelta(t, 2.0, voice["default_settings"].(map[string]any)["pitch"], 0.0001)
}

func TestVoices_TranscriptChangeDropsCachedAudio(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})
	ts.createVoice(t, "Erin")

	status, first := ts.do(t, http.MethodPost, "/tts/synthesize",
		map[string]any{"text": "Cached line", "voice": "erin", "use_cache": true})
	require.Equal(t, http.StatusOK, status, first)

	audioFile := first["audio_file"].(string)

	resp, _ := ts.get(t, audioFile)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status, _ = ts.do(t, http.MethodPut, "/voices/erin/transcript", map[string]any{"transcript": "Changed"})
	require.Equal(t, http.StatusOK, status)

	resp, _ = ts.get(t, audioFile)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	status, second := ts.do(t, http.MethodPost, "/tts/synthesize",
		map[string]any{"text": "Cached line", "voice": "erin", "use_cache": true})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, second["cache_hit"])
	assert.Equal(t, int32(2), ts.synthesizer.calls.Load())
}

func TestPresets(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})
	ts.createVoice(t, "Frank")

	status, saved := ts.do(t, http.MethodPut, "/presets/slow-frank", map[string]any{"voice": "Frank", "speed": 0.75})
	require.Equal(t, http.StatusOK, status, saved)
	assert.Equal(t, "frank", saved["preset"].(map[string]any)["voice"])

	status, _ = ts.do(t, http.MethodPut, "/presets/ghostly", map[string]any{"voice": "ghost"})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodPut, "/presets/too-fast", map[string]any{"speed": 9})
	assert.Equal(t, http.StatusBadRequest, status)

	status, list := ts.do(t, http.MethodGet, "/presets", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list["presets"], 1)

	status, synthesized := ts.do(t, http.MethodPost, "/tts/synthesize",
		map[string]any{"text": "Preset line", "preset": "slow-frank", "use_cache": true})
	require.Equal(t, http.StatusOK, status, synthesized)
	assert.Equal(t, "frank", synthesized["voice"])

	status, _ = ts.do(t, http.MethodGet, "/presets/slow-frank", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodDelete, "/presets/slow-frank", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodGet, "/presets/slow-frank", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestTranscribe(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	status, payload := ts.upload(t, "/transcription/transcribe", "file", "memo.m4a", referenceAudio(), nil)
	require.Equal(t, http.StatusOK, status, payload)
	assert.Equal(t, "transcribed m4a", payload["transcript"])
	assert.Equal(t, "en", payload["language"])

	status, _ = ts.upload(t, "/transcription/transcribe", "file", "memo.docx", referenceAudio(), nil)
	assert.Equal(t, http.StatusBadRequest, status)

	bare := newTestServer(t, options{noTranscriber: true})

	status, _ = bare.upload(t, "/transcription/transcribe", "file", "memo.wav", referenceAudio(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestCacheCleanup(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, options{})

	for _, text := range []string{"one", "two", "three"} {
		status, payload := ts.do(t, http.MethodPost, "/tts/synthesize", map[string]any{"text": text, "use_cache": true})
		require.Equal(t, http.StatusOK, status, payload)
	}

	status, payload := ts.do(t, http.MethodPost, "/cache/cleanup", map[string]any{"max_bytes": 0, "voice": "default"})
	require.Equal(t, http.StatusOK, status, payload)

	report := payload["report"].(map[string]any)
	assert.InDelta(t, 3, report["removed"], 0)
	assert.InDelta(t, 0, report["remaining"], 0)

	status, _ = ts.do(t, http.MethodPost, "/cache/cleanup", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = ts.do(t, http.MethodPost, "/cache/cleanup", map[string]any{"max_bytes": -1})
	assert.Equal(t, http.StatusBadRequest, status)
}
