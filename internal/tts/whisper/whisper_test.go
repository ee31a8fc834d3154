package whisper_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/tts/whisper"
)

var errRecognizerDown = errors.New("recognizer down")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "whisper-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func sampleRecording() []byte {
	return bytes.Repeat([]byte{0x52, 0x49, 0x46, 0x46}, 512)
}

type fakeBackend struct {
	err        error
	text       string
	formatHint string
}

func (f *fakeBackend) Transcribe(_ context.Context, _ []byte, formatHint string) (core.Transcription, error) {
	f.formatHint = formatHint

	return core.Transcription{Text: f.text}, f.err
}

func TestClient_Transcribe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", request.URL.Path)
		assert.Equal(t, "Bearer secret", request.Header.Get("Authorization"))
		assert.NoError(t, request.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", request.FormValue("model"))
		assert.Equal(t, "en", request.FormValue("language"))

		file, header, err := request.FormFile("file")
		if assert.NoError(t, err) {
			defer file.Close()

			assert.Equal(t, "audio.mp3", header.Filename)

			data, _ := io.ReadAll(file)
			assert.Equal(t, sampleRecording(), data)
		}

		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"text":"Hello world","language":"en"}`))
	}))
	defer server.Close()

	client := whisper.NewClient(server.URL, "secret", "whisper-1", "en", 5*time.Second)

	result, err := client.Transcribe(context.Background(), sampleRecording(), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", result.Text)
	assert.Equal(t, "en", result.Language)
}

func TestClient_TranscribeErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = writer.Write([]byte("cannot decode audio"))
	}))
	defer server.Close()

	client := whisper.NewClient(server.URL, "", "whisper-1", "", 5*time.Second)

	_, err := client.Transcribe(context.Background(), sampleRecording(), "wav")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "422")
	assert.Contains(t, err.Error(), "cannot decode audio")
}

func TestOpenAIClient_Transcribe(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", request.URL.Path)
		assert.NoError(t, request.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", request.FormValue("model"))

		writer.Header().Set("Content-Type", "application/json")
		_, _ = writer.Write([]byte(`{"task":"transcribe","language":"english","duration":1.5,"text":" Hello  there "}`))
	}))
	defer server.Close()

	client := whisper.NewOpenAIClient("test-key", server.URL+"/v1", "", "")

	result, err := client.Transcribe(context.Background(), sampleRecording(), "wav")
	require.NoError(t, err)
	assert.Equal(t, " Hello  there ", result.Text)
	assert.Equal(t, "english", result.Language)
}

func TestService_Transcribe(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{text: "  Hello \n  world\t again "}
	service := whisper.NewService(backend, time.Second, newTestLogger(t))

	result, err := service.Transcribe(context.Background(), sampleRecording(), "recording.FLAC")
	require.NoError(t, err)
	assert.Equal(t, "Hello world again", result.Text)
	assert.Equal(t, string(audio.FormatFLAC), backend.formatHint)
	assert.Greater(t, int64(result.Duration), int64(0))
}

func TestService_TranscribeErrors(t *testing.T) {
	t.Parallel()

	service := whisper.NewService(&fakeBackend{}, 0, newTestLogger(t))

	_, err := service.Transcribe(context.Background(), nil, "wav")
	require.ErrorIs(t, err, core.ErrTranscription)
	require.ErrorIs(t, err, audio.ErrEmptyAudio)

	_, err = service.Transcribe(context.Background(), sampleRecording(), "text/plain")
	require.ErrorIs(t, err, core.ErrTranscription)
	require.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	failing := whisper.NewService(&fakeBackend{err: errRecognizerDown}, 0, newTestLogger(t))

	_, err = failing.Transcribe(context.Background(), sampleRecording(), "wav")
	require.ErrorIs(t, err, core.ErrTranscription)
	require.ErrorIs(t, err, errRecognizerDown)
}

func TestNewTranscriber(t *testing.T) {
	t.Setenv("VOICE_TEST_MISSING_KEY", "")

	_, err := whisper.NewTranscriber(config.TranscriptionConfig{
		Backend:   config.TranscriptionBackendOpenAI,
		APIKeyEnv: "VOICE_TEST_MISSING_KEY",
	}, newTestLogger(t))
	require.ErrorIs(t, err, whisper.ErrAPIKeyNotSet)

	service, err := whisper.NewTranscriber(config.TranscriptionConfig{
		Backend:    config.TranscriptionBackendHTTP,
		ServiceURL: "http://127.0.0.1:8001",
		APIKeyEnv:  "VOICE_TEST_MISSING_KEY",
	}, newTestLogger(t))
	require.NoError(t, err)
	assert.NotNil(t, service)

	_, err = whisper.NewTranscriber(config.TranscriptionConfig{Backend: "vosk"}, newTestLogger(t))
	require.ErrorIs(t, err, config.ErrUnknownTranscriptionBackend)
}
