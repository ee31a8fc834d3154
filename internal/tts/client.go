// Package tts provides the synthesis side of the voice-service: adapters for
// the external voice-cloning backends and the Engine that puts the registry
// and the cache in front of them.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/voice-service/internal/core"
)

// API endpoints and paths.
const (
	apiSynthesize = "/v1/tts"
	apiHealth     = "/v1/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Error messages.
const (
	errFmtServiceErrorWithCode = "TTS service error (%s): %s (code: %s)"
	errFmtServiceNonOKStatus   = "TTS service returned non-OK status: %s, body: %s"
	errFmtSendRequest          = "failed to send request to TTS service at %s: %w"
	errFmtHealthStatus         = "health check failed with status: %s"
)

// Static errors.
var (
	ErrTextEmpty          = errors.New("text cannot be empty")
	ErrReceivedEmptyAudio = errors.New("received empty audio data")
)

// HTTPClient talks to a Fish-Speech style voice-cloning server.
type HTTPClient struct {
	httpClient  *http.Client
	baseURL     string
	format      string
	chunkLength int
}

// SpeechRequest is the JSON payload of a synthesis request.
type SpeechRequest struct {
	Prosody           *Prosody          `json:"prosody,omitempty"`
	Text              string            `json:"text"`
	Format            string            `json:"format"`
	References        []SpeechReference `json:"references"`
	Temperature       float64           `json:"temperature,omitempty"`
	TopP              float64           `json:"top_p,omitempty"`
	RepetitionPenalty float64           `json:"repetition_penalty,omitempty"`
	Pitch             float64           `json:"pitch,omitempty"`
	Seed              int               `json:"seed,omitempty"`
	ChunkLength       int               `json:"chunk_length,omitempty"`
}

// SpeechReference is one cloning reference: base64 audio and what it says.
type SpeechReference struct {
	Audio string `json:"audio"`
	Text  string `json:"text"`
}

// Prosody carries speaking-rate adjustments.
type Prosody struct {
	Speed float64 `json:"speed"`
}

// ErrorResponse represents a structured error response from the TTS service.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPClient creates a client for the service at baseURL (e.g. "http://localhost:8080").
// The timeout applies to every request; format is the audio format requested.
func NewHTTPClient(baseURL string, timeout time.Duration, format string, chunkLength int) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		format:      format,
		chunkLength: chunkLength,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Synthesize sends one synthesis request and returns the raw audio.
func (c *HTTPClient) Synthesize(ctx context.Context, input core.SynthesisInput) ([]byte, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrTextEmpty)
	}

	requestBody, err := json.Marshal(c.buildRequest(input))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to marshal request: %w", core.ErrSynthesis, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiSynthesize,
		bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", core.ErrSynthesis, err)
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, "audio/*")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: "+errFmtSendRequest, core.ErrSynthesis, c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, parseErrorResponse(resp))
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio data: %w", core.ErrSynthesis, err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrReceivedEmptyAudio)
	}

	return audioData, nil
}

func (c *HTTPClient) buildRequest(input core.SynthesisInput) SpeechRequest {
	req := SpeechRequest{
		Text:              input.Text,
		Format:            c.format,
		References:        []SpeechReference{},
		Temperature:       input.Params.Temperature,
		TopP:              input.Params.TopP,
		RepetitionPenalty: input.Params.RepetitionPenalty,
		Seed:              input.Params.Seed,
		ChunkLength:       c.chunkLength,
		Pitch:             input.Pitch,
	}

	if input.Speed > 0 {
		req.Prosody = &Prosody{Speed: input.Speed}
	}

	if input.Reference != nil {
		req.References = append(req.References, SpeechReference{
			Audio: base64.StdEncoding.EncodeToString(input.Reference.Audio),
			Text:  input.Reference.Transcript,
		})
	}

	return req
}

// HealthCheck verifies that the TTS service is running and operational.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf(errFmtHealthStatus, resp.Status)
	}

	return nil
}

// parseErrorResponse decodes a structured JSON error from the service, falling
// back to the raw body so diagnostic information is preserved.
func parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errorResp ErrorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		return fmt.Errorf(errFmtServiceErrorWithCode, resp.Status, errorResp.Detail, errorResp.ErrorCode)
	}

	return fmt.Errorf(errFmtServiceNonOKStatus, resp.Status, strings.TrimSpace(string(body)))
}
