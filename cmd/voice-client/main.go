// main package for the voice-client, a command line client of the voice-service HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/spf13/pflag"
)

// Flag descriptions.
const (
	flagServerDesc     = "Base URL of the voice-service"
	flagHealthDesc     = "Check service health and exit"
	flagListDesc       = "List voice models and exit"
	flagTextDesc       = "Text to convert to speech"
	flagVoiceDesc      = "Voice model id (empty selects the default voice)"
	flagSpeedDesc      = "Speaking rate override (0 keeps the voice default)"
	flagPitchDesc      = "Pitch override in semitones"
	flagOutputDesc     = "Output audio file path"
	flagTranscribeDesc = "Audio file to transcribe"
	flagNoCacheDesc    = "Bypass the synthesis cache"
	flagTimeoutDesc    = "Request timeout"
)

// Error and log messages.
const (
	errFmtServiceStatus  = "service returned %s: %s"
	logFmtSynthesized    = "Synthesized %d characters with voice %s (cache hit: %t) to %s"
	logFmtTranscribed    = "Transcribed %s"
	logFileName          = "voice-client.log"
	defaultServerURL     = "http://localhost:8000"
	defaultOutputPattern = "output%s"
	defaultTimeout       = 5 * time.Minute
)

var errNothingToDo = errors.New("one of --health, --list, --text or --transcribe must be provided")

type appFlags struct {
	server     string
	text       string
	voice      string
	output     string
	transcribe string
	speed      float64
	pitch      float64
	timeout    time.Duration
	health     bool
	list       bool
	noCache    bool
	pitchSet   bool
}

// apiClient is a thin client of the voice-service endpoints.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
}

type synthesizeResponse struct {
	AudioFile string `json:"audio_file"`
	Voice     string `json:"voice"`
	Format    string `json:"format"`
	CacheHit  bool   `json:"cache_hit"`
}

type voiceSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

type voiceListResponse struct {
	Voices []voiceSummary `json:"voices"`
}

type transcriptionResponse struct {
	Transcript string `json:"transcript"`
	Language   string `json:"language"`
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	log, err := logger.New(os.TempDir(), logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()

	client := newAPIClient(flags.server, flags.timeout)

	switch {
	case flags.health:
		return client.health(ctx, stdout)
	case flags.list:
		return client.listVoices(ctx, stdout)
	case flags.text != "":
		return synthesize(ctx, client, log, flags, stdout)
	case flags.transcribe != "":
		return transcribe(ctx, client, log, flags.transcribe, stdout)
	default:
		return errNothingToDo
	}
}

func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := pflag.NewFlagSet("voice-client", pflag.ContinueOnError)
	flagSet.StringVarP(&flags.server, "server", "s", defaultServerURL, flagServerDesc)
	flagSet.BoolVar(&flags.health, "health", false, flagHealthDesc)
	flagSet.BoolVarP(&flags.list, "list", "l", false, flagListDesc)
	flagSet.StringVarP(&flags.text, "text", "t", "", flagTextDesc)
	flagSet.StringVarP(&flags.voice, "voice", "v", "", flagVoiceDesc)
	flagSet.Float64Var(&flags.speed, "speed", 0, flagSpeedDesc)
	flagSet.Float64Var(&flags.pitch, "pitch", 0, flagPitchDesc)
	flagSet.StringVarP(&flags.output, "output", "o", "", flagOutputDesc)
	flagSet.StringVar(&flags.transcribe, "transcribe", "", flagTranscribeDesc)
	flagSet.BoolVar(&flags.noCache, "no-cache", false, flagNoCacheDesc)
	flagSet.DurationVar(&flags.timeout, "timeout", defaultTimeout, flagTimeoutDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	flags.pitchSet = flagSet.Changed("pitch")

	return flags, nil
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) do(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf(errFmtServiceStatus, resp.Status, strings.TrimSpace(string(body)))
	}

	if raw, ok := target.(*[]byte); ok {
		*raw = body

		return nil
	}

	err = json.Unmarshal(body, target)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func (c *apiClient) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, target)
}

func (c *apiClient) health(ctx context.Context, stdout io.Writer) error {
	var payload map[string]any

	err := c.get(ctx, "/health", &payload)
	if err != nil {
		return fmt.Errorf("voice service is not healthy: %w", err)
	}

	_, _ = fmt.Fprintln(stdout, "Voice service is healthy")

	return nil
}

func (c *apiClient) listVoices(ctx context.Context, stdout io.Writer) error {
	var payload voiceListResponse

	err := c.get(ctx, "/voices", &payload)
	if err != nil {
		return err
	}

	for _, voice := range payload.Voices {
		_, _ = fmt.Fprintf(stdout, "%-24s %s\n", voice.ID, voice.DisplayName)
	}

	return nil
}

func (c *apiClient) synthesize(ctx context.Context, flags appFlags) (synthesizeResponse, []byte, error) {
	request := map[string]any{
		"text":      flags.text,
		"voice":     flags.voice,
		"use_cache": !flags.noCache,
	}

	if flags.speed > 0 {
		request["speed"] = flags.speed
	}

	if flags.pitchSet {
		request["pitch"] = flags.pitch
	}

	encoded, err := json.Marshal(request)
	if err != nil {
		return synthesizeResponse{}, nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tts/synthesize",
		bytes.NewReader(encoded))
	if err != nil {
		return synthesizeResponse{}, nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	var result synthesizeResponse

	err = c.do(req, &result)
	if err != nil {
		return synthesizeResponse{}, nil, err
	}

	var audioData []byte

	err = c.get(ctx, result.AudioFile, &audioData)
	if err != nil {
		return synthesizeResponse{}, nil, fmt.Errorf("failed to download %s: %w", result.AudioFile, err)
	}

	return result, audioData, nil
}

func (c *apiClient) transcribe(ctx context.Context, path string) (transcriptionResponse, error) {
	audioData, err := os.ReadFile(path)
	if err != nil {
		return transcriptionResponse{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var body bytes.Buffer

	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err == nil {
		_, err = part.Write(audioData)
	}

	if err == nil {
		err = writer.Close()
	}

	if err != nil {
		return transcriptionResponse{}, fmt.Errorf("failed to build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcription/transcribe", &body)
	if err != nil {
		return transcriptionResponse{}, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", writer.FormDataContentType())

	var result transcriptionResponse

	err = c.do(req, &result)

	return result, err
}

func synthesize(ctx context.Context, client *apiClient, log *logger.Logger, flags appFlags, stdout io.Writer) error {
	result, audioData, err := client.synthesize(ctx, flags)
	if err != nil {
		log.Error("Failed to synthesize: %v", err)

		return err
	}

	outputPath := flags.output
	if outputPath == "" {
		outputPath = fmt.Sprintf(defaultOutputPattern, "."+result.Format)
	}

	err = os.WriteFile(outputPath, audioData, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	log.Info(logFmtSynthesized, len(flags.text), result.Voice, result.CacheHit, outputPath)
	_, _ = fmt.Fprintf(stdout, "Generated: %s\n", outputPath)

	return nil
}

func transcribe(ctx context.Context, client *apiClient, log *logger.Logger, path string, stdout io.Writer) error {
	result, err := client.transcribe(ctx, path)
	if err != nil {
		log.Error("Failed to transcribe %s: %v", path, err)

		return err
	}

	log.Info(logFmtTranscribed, path)
	_, _ = fmt.Fprintln(stdout, result.Transcript)

	return nil
}
