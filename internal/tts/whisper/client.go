// Package whisper provides the speech-to-text side of the voice-service:
// backends for OpenAI-compatible Whisper servers and the Service that
// validates uploads and normalizes transcripts.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const apiTranscriptions = "/v1/audio/transcriptions"

// Error messages.
const (
	errFailedToCreateFormFile  = "failed to create form file: %w"
	errFailedToCopyFileData    = "failed to copy file data: %w"
	errFailedToWriteModelField = "failed to write model field: %w"
	errFailedToWriteLangField  = "failed to write language field: %w"
	errFailedToCloseWriter     = "failed to close multipart writer: %w"
	errFailedToCreateRequest   = "failed to create request: %w"
	errFailedToMakeRequest     = "failed to make request: %w"
	errAPIRequestFailed        = "API request failed with status %d: %s"
	errFailedToDecodeResponse  = "failed to decode response: %w"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
)

// Form field names.
const (
	formFieldFile     = "file"
	formFieldModel    = "model"
	formFieldLanguage = "language"
	uploadBaseName    = "audio"
)

// ErrAPIKeyNotSet is returned when the OpenAI backend has no API key.
var ErrAPIKeyNotSet = errors.New("transcription API key environment variable not set")

// Client talks to an OpenAI-compatible transcription server over multipart HTTP.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	language   string
}

// Response represents the response from the transcription endpoint.
type Response struct {
	Text     string `json:"text"`
	Language string `json:"language,omitempty"`
}

// NewClient creates a client for the server at baseURL. apiKey may be empty
// for self-hosted servers.
func NewClient(baseURL, apiKey, model, language string, timeout time.Duration) *Client {
	return &Client{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		model:    model,
		language: language,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Transcribe uploads the recording and returns what the server recognized.
func (c *Client) Transcribe(ctx context.Context, audioData []byte, formatHint string) (core.Transcription, error) {
	body, contentType, err := c.buildForm(audioData, formatHint)
	if err != nil {
		return core.Transcription{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiTranscriptions, body)
	if err != nil {
		return core.Transcription{}, fmt.Errorf(errFailedToCreateRequest, err)
	}

	if c.apiKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}

	req.Header.Set(headerContentType, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return core.Transcription{}, fmt.Errorf(errFailedToMakeRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)

		return core.Transcription{}, fmt.Errorf(errAPIRequestFailed, resp.StatusCode, string(respBody))
	}

	var whisperResp Response

	err = json.NewDecoder(resp.Body).Decode(&whisperResp)
	if err != nil {
		return core.Transcription{}, fmt.Errorf(errFailedToDecodeResponse, err)
	}

	return core.Transcription{Text: whisperResp.Text, Language: whisperResp.Language}, nil
}

func (c *Client) buildForm(audioData []byte, formatHint string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, uploadName(formatHint))
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCreateFormFile, err)
	}

	_, err = part.Write(audioData)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCopyFileData, err)
	}

	err = writer.WriteField(formFieldModel, c.model)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToWriteModelField, err)
	}

	if c.language != "" {
		err = writer.WriteField(formFieldLanguage, c.language)
		if err != nil {
			return nil, "", fmt.Errorf(errFailedToWriteLangField, err)
		}
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCloseWriter, err)
	}

	return &buf, writer.FormDataContentType(), nil
}

// uploadName gives the upload a file name whose extension the server can
// use to pick a decoder.
func uploadName(formatHint string) string {
	format, err := audio.ParseFormat(formatHint)
	if err != nil {
		return uploadBaseName
	}

	return uploadBaseName + format.Extension()
}
