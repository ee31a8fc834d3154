package tts

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/logger"

	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/tts/audio"
)

const logFmtRemoveTempFailed = "Failed to remove temp file '%s': %v"

// CommandSynthesizer implements core.Synthesizer by running a local
// voice-cloning binary once per request.
type CommandSynthesizer struct {
	log        *logger.Logger
	binaryPath string
	baseArgs   []string
	format     audio.Format
}

// NewCommandSynthesizer creates a synthesizer for the configured binary.
func NewCommandSynthesizer(cfg config.SynthesisConfig, log *logger.Logger) (*CommandSynthesizer, error) {
	format, err := audio.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return nil, fmt.Errorf("invalid synthesis output format: %w", err)
	}

	return &CommandSynthesizer{
		log:        log,
		binaryPath: cfg.BinaryPath,
		baseArgs:   cfg.BinaryArgs,
		format:     format,
	}, nil
}

// Synthesize runs the binary with the text, the reference recording, and its
// transcript, and returns the audio it exports.
func (p *CommandSynthesizer) Synthesize(ctx context.Context, input core.SynthesisInput) ([]byte, error) {
	if input.Text == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrTextEmpty)
	}

	exportPath, err := p.tempPath("tts-output-*" + p.format.Extension())
	if err != nil {
		return nil, err
	}
	defer p.remove(exportPath)

	args := append([]string{}, p.baseArgs...)
	args = append(args,
		"--text", input.Text,
		"--output", exportPath,
		"--speed", strconv.FormatFloat(input.Speed, 'f', 2, 64),
		"--pitch", strconv.FormatFloat(input.Pitch, 'f', 2, 64),
	)

	if input.Reference != nil {
		referencePath, refErr := p.writeReference(input.Reference)
		if refErr != nil {
			return nil, refErr
		}
		defer p.remove(referencePath)

		args = append(args,
			"--reference-audio", referencePath,
			"--reference-text", input.Reference.Transcript,
		)
	}

	args = append(args, paramArgs(input.Params)...)

	// #nosec G204 -- the binary comes from the service configuration
	cmd := exec.CommandContext(ctx, p.binaryPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%w: %s execution failed: %w - output: %s",
			core.ErrSynthesis, p.binaryPath, err, string(output))
	}

	audioData, err := os.ReadFile(exportPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read audio data from temp file: %w", core.ErrSynthesis, err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrSynthesis, ErrReceivedEmptyAudio)
	}

	return audioData, nil
}

func paramArgs(params core.GenerationParams) []string {
	var args []string

	if params.Seed != 0 {
		args = append(args, "--seed", strconv.Itoa(params.Seed))
	}

	if params.TopP != 0 {
		args = append(args, "--top_p", fmt.Sprintf("%.2f", params.TopP))
	}

	if params.RepetitionPenalty != 0 {
		args = append(args, "--repetition_penalty", fmt.Sprintf("%.2f", params.RepetitionPenalty))
	}

	if params.Temperature != 0 {
		args = append(args, "--temp", fmt.Sprintf("%.2f", params.Temperature))
	}

	return args
}

func (p *CommandSynthesizer) tempPath(pattern string) (string, error) {
	tempFile, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create temp file: %w", core.ErrSynthesis, err)
	}

	closeErr := tempFile.Close()
	if closeErr != nil {
		p.remove(tempFile.Name())

		return "", fmt.Errorf("%w: failed to close temp file: %w", core.ErrSynthesis, closeErr)
	}

	return tempFile.Name(), nil
}

func (p *CommandSynthesizer) writeReference(reference *core.VoiceReference) (string, error) {
	extension := ".wav"

	format, err := audio.ParseFormat(reference.AudioFormat)
	if err == nil {
		extension = format.Extension()
	}

	path, err := p.tempPath("tts-reference-*" + extension)
	if err != nil {
		return "", err
	}

	err = os.WriteFile(path, reference.Audio, 0o600)
	if err != nil {
		p.remove(path)

		return "", fmt.Errorf("%w: failed to write reference audio: %w", core.ErrSynthesis, err)
	}

	return path, nil
}

func (p *CommandSynthesizer) remove(path string) {
	removeErr := os.Remove(path)
	if removeErr != nil && !os.IsNotExist(removeErr) {
		p.log.Warn(logFmtRemoveTempFailed, path, removeErr)
	}
}
