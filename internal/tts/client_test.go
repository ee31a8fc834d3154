package tts_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts"
)

func TestHTTPClient_Synthesize_SendsReferenceAndProsody(t *testing.T) {
	t.Parallel()

	const testAudioData = "fake-mp3-data"

	var received tts.SpeechRequest

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, http.MethodPost, request.Method)
		assert.Equal(t, "/v1/tts", request.URL.Path)
		assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&received))

		writer.Header().Set("Content-Type", "audio/mpeg")
		_, _ = writer.Write([]byte(testAudioData))
	}))
	defer server.Close()

	client := tts.NewHTTPClient(server.URL+"/", 5*time.Second, "mp3", 200)

	audioData, err := client.Synthesize(context.Background(), core.SynthesisInput{
		Text:  "Hello there",
		Speed: 1.5,
		Pitch: -2,
		Reference: &core.VoiceReference{
			ID:         "alice",
			Audio:      []byte("reference-bytes"),
			Transcript: "Hello world",
		},
		Params: core.GenerationParams{Temperature: 0.7, TopP: 0.8, RepetitionPenalty: 1.2, Seed: 42},
	})
	require.NoError(t, err)
	assert.Equal(t, testAudioData, string(audioData))

	assert.Equal(t, "Hello there", received.Text)
	assert.Equal(t, "mp3", received.Format)
	assert.Equal(t, 200, received.ChunkLength)
	assert.Equal(t, 42, received.Seed)
	assert.InDelta(t, -2.0, received.Pitch, 0.0001)
	require.NotNil(t, received.Prosody)
	assert.InDelta(t, 1.5, received.Prosody.Speed, 0.0001)
	require.Len(t, received.References, 1)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("reference-bytes")), received.References[0].Audio)
	assert.Equal(t, "Hello world", received.References[0].Text)
}

func TestHTTPClient_Synthesize_DefaultVoiceSendsNoReferences(t *testing.T) {
	t.Parallel()

	var received map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&received))
		_, _ = writer.Write([]byte("audio"))
	}))
	defer server.Close()

	client := tts.NewHTTPClient(server.URL, 5*time.Second, "wav", 0)

	_, err := client.Synthesize(context.Background(), core.SynthesisInput{Text: "Hi", Speed: 1})
	require.NoError(t, err)

	assert.Equal(t, []any{}, received["references"])
	assert.NotContains(t, received, "seed")
}

func TestHTTPClient_Synthesize_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		handler  http.HandlerFunc
		name     string
		contains string
	}{
		{
			name: "structured error",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusBadRequest)
				_, _ = writer.Write([]byte(`{"detail":"reference too short","error_code":"E_REF"}`))
			},
			contains: "reference too short (code: E_REF)",
		},
		{
			name: "raw error body",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusInternalServerError)
				_, _ = writer.Write([]byte("model crashed"))
			},
			contains: "model crashed",
		},
		{
			name: "empty audio",
			handler: func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(http.StatusOK)
			},
			contains: tts.ErrReceivedEmptyAudio.Error(),
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(testCase.handler)
			defer server.Close()

			client := tts.NewHTTPClient(server.URL, 5*time.Second, "wav", 0)

			_, err := client.Synthesize(context.Background(), core.SynthesisInput{Text: "Hi"})
			require.ErrorIs(t, err, core.ErrSynthesis)
			assert.Contains(t, err.Error(), testCase.contains)
		})
	}
}

func TestHTTPClient_Synthesize_EmptyText(t *testing.T) {
	t.Parallel()

	client := tts.NewHTTPClient("http://127.0.0.1:1", time.Second, "wav", 0)

	_, err := client.Synthesize(context.Background(), core.SynthesisInput{Text: "   "})
	require.ErrorIs(t, err, core.ErrSynthesis)
	require.ErrorIs(t, err, tts.ErrTextEmpty)
}

func TestHTTPClient_Synthesize_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := tts.NewHTTPClient(url, time.Second, "wav", 0)

	_, err := client.Synthesize(context.Background(), core.SynthesisInput{Text: "Hi"})
	require.ErrorIs(t, err, core.ErrSynthesis)
}

func TestHTTPClient_HealthCheck(t *testing.T) {
	t.Parallel()

	healthy := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "/v1/health", request.URL.Path)
		writer.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	require.NoError(t, tts.NewHTTPClient(healthy.URL, time.Second, "wav", 0).HealthCheck(context.Background()))

	unhealthy := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	err := tts.NewHTTPClient(unhealthy.URL, time.Second, "wav", 0).HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
