package whisper

import (
	"bytes"
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/book-expert/voice-service/internal/core"
)

// OpenAIClient transcribes through the OpenAI audio API.
type OpenAIClient struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAIClient creates a client for the hosted API. A non-empty baseURL
// points the client at a compatible server instead.
func NewOpenAIClient(apiKey, baseURL, model, language string) *OpenAIClient {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	if model == "" {
		model = openai.Whisper1
	}

	return &OpenAIClient{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: language,
	}
}

// Transcribe sends the recording to the audio transcription endpoint.
func (c *OpenAIClient) Transcribe(ctx context.Context, audioData []byte, formatHint string) (core.Transcription, error) {
	resp, err := c.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    c.model,
		FilePath: uploadName(formatHint),
		Reader:   bytes.NewReader(audioData),
		Language: c.language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return core.Transcription{}, fmt.Errorf("openai transcription request failed: %w", err)
	}

	return core.Transcription{Text: resp.Text, Language: resp.Language}, nil
}
