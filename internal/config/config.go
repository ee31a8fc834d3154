// Package config provides the configuration structure for the voice-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"

	"github.com/book-expert/voice-service/internal/fsutil"
)

// Backend names accepted in the configuration.
const (
	SynthesisBackendHTTP       = "http"
	SynthesisBackendCommand    = "command"
	TranscriptionBackendOpenAI = "openai"
	TranscriptionBackendHTTP   = "http"
	ObjectStoreBackendNATS     = "nats"
	ObjectStoreBackendS3       = "s3"
	defaultServerAddress       = ":8000"
	defaultSynthesisURL        = "http://127.0.0.1:8080"
	defaultSampleAudioPath     = "audio/hello.mp3"
	defaultTranscriptionURL    = "http://127.0.0.1:8001"
	defaultTranscriptionModel  = "whisper-1"
	defaultOutputFormat        = "mp3"
	defaultAPIKeyEnv           = "OPENAI_API_KEY"
	defaultSynthesisSubject    = "voice.synthesize"
	defaultAudioBucket         = "VOICE_AUDIO"
	defaultRequestsPerMinute   = 30
	defaultTimeoutSeconds      = 120
	defaultReadTimeoutSeconds  = 15
	defaultWriteTimeoutSeconds = 300
	defaultShutdownSeconds     = 10
	defaultMaxUploadMB         = 25
	defaultSpeedMin            = 0.5
	defaultSpeedMax            = 2.0
	defaultPitchMin            = -10.0
	defaultPitchMax            = 10.0
	defaultChunkLength         = 200
	defaultTemperature         = 0.7
	defaultTopP                = 0.7
	defaultRepetitionPenalty   = 1.2
	defaultRootDir             = "data"
	defaultLogsDir             = "logs"
	voicesDirName              = "models"
	presetsDirName             = "presets"
	cacheDirName               = "audio/cache"
	generatedDirName           = "audio/generated"
	bytesPerMegabyte           = 1024 * 1024
)

// Validation errors.
var (
	ErrUnknownSynthesisBackend     = errors.New("unknown synthesis backend")
	ErrUnknownTranscriptionBackend = errors.New("unknown transcription backend")
	ErrUnknownObjectStoreBackend   = errors.New("unknown object store backend")
	ErrBinaryPathEmpty             = errors.New("synthesis.binary_path is required for the command backend")
	ErrInvalidRange                = errors.New("invalid parameter range")
	ErrNATSURLEmpty                = errors.New("nats.url is required when nats is enabled")
	ErrS3EndpointEmpty             = errors.New("object_store.endpoint is required for the s3 backend")
)

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Address             string   `toml:"address"`
	SampleAudioPath     string   `toml:"sample_audio_path"`
	AllowedOrigins      []string `toml:"allowed_origins"`
	RequestsPerMinute   int      `toml:"requests_per_minute"`
	ReadTimeoutSeconds  int      `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
	ShutdownSeconds     int      `toml:"shutdown_seconds"`
	MaxUploadMB         int      `toml:"max_upload_mb"`
}

// StorageConfig locates the artifact store.
type StorageConfig struct {
	RootDir         string `toml:"root_dir"`
	VoicesDir       string `toml:"voices_dir"`
	PresetsDir      string `toml:"presets_dir"`
	CacheDir        string `toml:"cache_dir"`
	GeneratedDir    string `toml:"generated_dir"`
	DisambiguateIDs *bool  `toml:"disambiguate_ids"`
}

// Range is an inclusive numeric bound.
type Range struct {
	Min float64 `toml:"min"`
	Max float64 `toml:"max"`
}

// Contains reports whether value lies within the range.
func (r Range) Contains(value float64) bool {
	return value >= r.Min && value <= r.Max
}

// SynthesisConfig holds the settings for the voice-cloning backend.
type SynthesisConfig struct {
	Backend           string   `toml:"backend"`
	ServiceURL        string   `toml:"service_url"`
	BinaryPath        string   `toml:"binary_path"`
	BinaryArgs        []string `toml:"binary_args"`
	OutputFormat      string   `toml:"output_format"`
	DefaultVoice      string   `toml:"default_voice"`
	TimeoutSeconds    int      `toml:"timeout_seconds"`
	ChunkLength       int      `toml:"chunk_length"`
	Temperature       float64  `toml:"temperature"`
	TopP              float64  `toml:"top_p"`
	RepetitionPenalty float64  `toml:"repetition_penalty"`
	Speed             Range    `toml:"speed"`
	Pitch             Range    `toml:"pitch"`
}

// Timeout returns the per-call timeout for the synthesis backend.
func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// TranscriptionConfig holds the settings for the speech-recognition backend.
type TranscriptionConfig struct {
	Backend        string `toml:"backend"`
	ServiceURL     string `toml:"service_url"`
	Model          string `toml:"model"`
	Language       string `toml:"language"`
	APIKeyEnv      string `toml:"api_key_env"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Timeout returns the per-call timeout for the transcription backend.
func (t TranscriptionConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// CacheConfig holds the defaults for explicit cache cleanup.
type CacheConfig struct {
	MaxAgeHours int   `toml:"max_age_hours"`
	MaxBytes    int64 `toml:"max_bytes"`
}

// MaxAge returns the configured maximum entry age; zero disables the age rule.
func (c CacheConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeHours) * time.Hour
}

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	Enabled          bool   `toml:"enabled"`
	URL              string `toml:"url"`
	SynthesisSubject string `toml:"synthesis_subject"`
}

// ObjectStoreConfig selects where the NATS worker reads text and writes audio.
type ObjectStoreConfig struct {
	Backend      string `toml:"backend"`
	Bucket       string `toml:"bucket"`
	Endpoint     string `toml:"endpoint"`
	Region       string `toml:"region"`
	AccessKeyEnv string `toml:"access_key_env"`
	SecretKeyEnv string `toml:"secret_key_env"`
	UseTLS       bool   `toml:"use_tls"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Storage       StorageConfig       `toml:"storage"`
	Synthesis     SynthesisConfig     `toml:"synthesis"`
	Transcription TranscriptionConfig `toml:"transcription"`
	Cache         CacheConfig         `toml:"cache"`
	NATS          NATSConfig          `toml:"nats"`
	ObjectStore   ObjectStoreConfig   `toml:"object_store"`
	Paths         PathsConfig         `toml:"paths"`
}

// Load loads the configuration for the voice-service through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg)
}

// LoadFile loads the configuration from an explicit TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data and applies defaults and validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	c.applyServerDefaults()
	c.applyStorageDefaults()
	c.applySynthesisDefaults()
	c.applyTranscriptionDefaults()
	c.applyMessagingDefaults()

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = filepath.Join(c.Storage.RootDir, defaultLogsDir)
	}
}

func (c *Config) applyServerDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = defaultServerAddress
	}

	if c.Server.SampleAudioPath == "" {
		c.Server.SampleAudioPath = defaultSampleAudioPath
	}

	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Server.RequestsPerMinute == 0 {
		c.Server.RequestsPerMinute = defaultRequestsPerMinute
	}

	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = defaultReadTimeoutSeconds
	}

	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = defaultWriteTimeoutSeconds
	}

	if c.Server.ShutdownSeconds == 0 {
		c.Server.ShutdownSeconds = defaultShutdownSeconds
	}

	if c.Server.MaxUploadMB == 0 {
		c.Server.MaxUploadMB = defaultMaxUploadMB
	}
}

func (c *Config) applyStorageDefaults() {
	storage := &c.Storage
	if storage.RootDir == "" {
		storage.RootDir = defaultRootDir
	}

	if storage.VoicesDir == "" {
		storage.VoicesDir = filepath.Join(storage.RootDir, voicesDirName)
	}

	if storage.PresetsDir == "" {
		storage.PresetsDir = filepath.Join(storage.RootDir, presetsDirName)
	}

	if storage.CacheDir == "" {
		storage.CacheDir = filepath.Join(storage.RootDir, cacheDirName)
	}

	if storage.GeneratedDir == "" {
		storage.GeneratedDir = filepath.Join(storage.RootDir, generatedDirName)
	}

	if storage.DisambiguateIDs == nil {
		enabled := true
		storage.DisambiguateIDs = &enabled
	}
}

func (c *Config) applySynthesisDefaults() {
	synthesis := &c.Synthesis
	if synthesis.Backend == "" {
		synthesis.Backend = SynthesisBackendHTTP
	}

	if synthesis.ServiceURL == "" {
		synthesis.ServiceURL = defaultSynthesisURL
	}

	if synthesis.OutputFormat == "" {
		synthesis.OutputFormat = defaultOutputFormat
	}

	if synthesis.TimeoutSeconds == 0 {
		synthesis.TimeoutSeconds = defaultTimeoutSeconds
	}

	if synthesis.ChunkLength == 0 {
		synthesis.ChunkLength = defaultChunkLength
	}

	if synthesis.Temperature == 0 {
		synthesis.Temperature = defaultTemperature
	}

	if synthesis.TopP == 0 {
		synthesis.TopP = defaultTopP
	}

	if synthesis.RepetitionPenalty == 0 {
		synthesis.RepetitionPenalty = defaultRepetitionPenalty
	}

	if synthesis.Speed == (Range{}) {
		synthesis.Speed = Range{Min: defaultSpeedMin, Max: defaultSpeedMax}
	}

	if synthesis.Pitch == (Range{}) {
		synthesis.Pitch = Range{Min: defaultPitchMin, Max: defaultPitchMax}
	}
}

func (c *Config) applyTranscriptionDefaults() {
	transcription := &c.Transcription
	if transcription.Backend == "" {
		transcription.Backend = TranscriptionBackendOpenAI
	}

	if transcription.ServiceURL == "" {
		transcription.ServiceURL = defaultTranscriptionURL
	}

	if transcription.Model == "" {
		transcription.Model = defaultTranscriptionModel
	}

	if transcription.APIKeyEnv == "" {
		transcription.APIKeyEnv = defaultAPIKeyEnv
	}

	if transcription.TimeoutSeconds == 0 {
		transcription.TimeoutSeconds = defaultTimeoutSeconds
	}
}

func (c *Config) applyMessagingDefaults() {
	if c.NATS.SynthesisSubject == "" {
		c.NATS.SynthesisSubject = defaultSynthesisSubject
	}

	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = ObjectStoreBackendNATS
	}

	if c.ObjectStore.Bucket == "" {
		c.ObjectStore.Bucket = defaultAudioBucket
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Synthesis.Backend {
	case SynthesisBackendHTTP:
	case SynthesisBackendCommand:
		if c.Synthesis.BinaryPath == "" {
			return ErrBinaryPathEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSynthesisBackend, c.Synthesis.Backend)
	}

	switch c.Transcription.Backend {
	case TranscriptionBackendOpenAI, TranscriptionBackendHTTP:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownTranscriptionBackend, c.Transcription.Backend)
	}

	if c.Synthesis.Speed.Min <= 0 || c.Synthesis.Speed.Min > c.Synthesis.Speed.Max {
		return fmt.Errorf("%w: synthesis.speed [%g, %g]", ErrInvalidRange,
			c.Synthesis.Speed.Min, c.Synthesis.Speed.Max)
	}

	if c.Synthesis.Pitch.Min > c.Synthesis.Pitch.Max {
		return fmt.Errorf("%w: synthesis.pitch [%g, %g]", ErrInvalidRange,
			c.Synthesis.Pitch.Min, c.Synthesis.Pitch.Max)
	}

	if c.NATS.Enabled {
		return c.validateMessaging()
	}

	return nil
}

func (c *Config) validateMessaging() error {
	if c.NATS.URL == "" {
		return ErrNATSURLEmpty
	}

	switch c.ObjectStore.Backend {
	case ObjectStoreBackendNATS:
	case ObjectStoreBackendS3:
		if c.ObjectStore.Endpoint == "" {
			return ErrS3EndpointEmpty
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownObjectStoreBackend, c.ObjectStore.Backend)
	}

	return nil
}

// DisambiguateIDs reports whether colliding voice ids are suffixed instead of rejected.
func (c *Config) DisambiguateIDs() bool {
	return c.Storage.DisambiguateIDs == nil || *c.Storage.DisambiguateIDs
}

// MaxUploadBytes returns the multipart upload limit in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) * bytesPerMegabyte
}

// EnsureDirectories creates every directory of the artifact store.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.VoicesDir,
		c.Storage.PresetsDir,
		c.Storage.CacheDir,
		c.Storage.GeneratedDir,
		c.Paths.BaseLogsDir,
	}

	for _, dir := range dirs {
		err := fsutil.EnsureDir(dir)
		if err != nil {
			return fmt.Errorf("failed to prepare directory: %w", err)
		}
	}

	return nil
}
