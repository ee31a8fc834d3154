// Package worker provides a NATS worker that turns processed text into audio.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/tts/audio"
	"github.com/book-expert/voice-service/internal/tts/text"
)

const handleMessageTimeout = 5 * time.Minute

var (
	// ErrTextKeyEmpty indicates that the event carries no text key.
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	// ErrNothingToSpeak indicates that no speakable text remains after cleanup.
	ErrNothingToSpeak = errors.New("page has no speakable text")
	// ErrVoiceUnknown indicates that the requested voice is not in the registry.
	ErrVoiceUnknown = errors.New("unknown voice")
	// ErrTopPRange indicates that the TopP parameter is out of the valid range [0.0, 1.0].
	ErrTopPRange = errors.New("top_p must be between 0.0 and 1.0")
	// ErrRepetitionPenaltyRange indicates a negative RepetitionPenalty. Zero selects the default.
	ErrRepetitionPenaltyRange = errors.New("repetition penalty must be 0 (default) or >= 1.0")
	// ErrTemperatureRange indicates that the Temperature parameter is negative.
	ErrTemperatureRange = errors.New("temperature must be >= 0.0")
	// ErrSeedNegative indicates that the seed is negative.
	ErrSeedNegative = errors.New("seed must be non-negative")
)

// Synthesizer is the part of the synthesis engine the worker drives.
type Synthesizer interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
	Format() audio.Format
}

// NatsWorker listens for synthesis jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	store          core.ObjectStore
	engine         Synthesizer
	preprocessor   *text.Preprocessor
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subject string,
	store core.ObjectStore,
	engine Synthesizer,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		store:          store,
		engine:         engine,
		preprocessor:   text.NewPreprocessor(),
		log:            log,
	}
}

// Run subscribes and blocks until ctx is cancelled, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	w.log.Info("Synthesis worker listening on %s", w.subject)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error("Failed to parse event: %v", err)

		return
	}

	audioKey, processErr := w.processJob(ctx, event)
	if processErr != nil {
		w.log.Error("Failed to process synthesis job for workflow %s: %v", event.Header.WorkflowID, processErr)

		return
	}

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error("Failed to publish reply event for workflow %s: %v", event.Header.WorkflowID, err)
	}
}

// processJob downloads the text, synthesizes it, and uploads the audio.
func (w *NatsWorker) processJob(ctx context.Context, event *events.TextProcessedEvent) (string, error) {
	err := validateEvent(event)
	if err != nil {
		return "", err
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	pageText := w.preprocessor.Prepare(string(textData))
	if pageText == "" {
		return "", fmt.Errorf("%w: key '%s'", ErrNothingToSpeak, event.TextKey)
	}

	result, err := w.engine.Synthesize(ctx, tts.Request{
		Text:     pageText,
		Voice:    event.Voice,
		UseCache: true,
		Params: core.GenerationParams{
			Temperature:       event.Temperature,
			TopP:              event.TopP,
			RepetitionPenalty: event.RepetitionPenalty,
			Seed:              event.Seed,
		},
	})
	if errors.Is(err, core.ErrNotFound) {
		return "", fmt.Errorf("%w: '%s': %w", ErrVoiceUnknown, event.Voice, err)
	}

	if err != nil {
		return "", fmt.Errorf("failed to synthesize text: %w", err)
	}

	audioData, err := os.ReadFile(result.AudioPath)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read synthesized audio: %w", core.ErrStorage, err)
	}

	audioKey := uuid.NewString() + result.Format.Extension()

	err = w.store.Upload(ctx, audioKey, audioData)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info("Workflow %s page %d: uploaded %s (cache hit: %t)",
		event.Header.WorkflowID, event.PageNumber, audioKey, result.CacheHit)

	return audioKey, nil
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}

// validateEvent rejects parameters no backend accepts. Zero values select the
// configured defaults; the engine checks the final values against its ranges.
func validateEvent(event *events.TextProcessedEvent) error {
	if event.TextKey == "" {
		return ErrTextKeyEmpty
	}

	if event.TopP < 0.0 || event.TopP > 1.0 {
		return fmt.Errorf("%w: got %f", ErrTopPRange, event.TopP)
	}

	if event.RepetitionPenalty != 0 && event.RepetitionPenalty < 1.0 {
		return fmt.Errorf("%w: got %f", ErrRepetitionPenaltyRange, event.RepetitionPenalty)
	}

	if event.Temperature < 0.0 {
		return fmt.Errorf("%w: got %f", ErrTemperatureRange, event.Temperature)
	}

	if event.Seed < 0 {
		return fmt.Errorf("%w: got %d", ErrSeedNegative, event.Seed)
	}

	return nil
}
