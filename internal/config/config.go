// Package config resolves runtime configuration from an optional YAML file,
// environment variable overrides and defaults, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config stores runtime configuration for the voice subsystem.
type Config struct {
	// Backend selects the recognition strategy: auto, device, webspeech or
	// cloudbatch. auto picks the first variant with usable configuration.
	Backend string `yaml:"backend"`

	Log        LogConfig        `yaml:"log"`
	Audio      AudioConfig      `yaml:"audio"`
	Gate       GateConfig       `yaml:"gate"`
	WebSpeech  WebSpeechConfig  `yaml:"webspeech"`
	Device     DeviceConfig     `yaml:"device"`
	CloudBatch CloudBatchConfig `yaml:"cloudbatch"`
	Limits     LimitsConfig     `yaml:"limits"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"recorder_command"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	ChunkSize       int    `yaml:"chunk_size"`
}

type GateConfig struct {
	// AssumeGranted skips the microphone probe when the platform already
	// guarantees access.
	AssumeGranted bool `yaml:"assume_granted"`
}

type WebSpeechConfig struct {
	Endpoint    string `yaml:"endpoint"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Language    string `yaml:"language"`
	SmartFormat bool   `yaml:"smart_format"`
}

type DeviceConfig struct {
	RecognizerCommand string `yaml:"recognizer_command"`
	ModelPath         string `yaml:"model_path"`
	Language          string `yaml:"language"`
	InterimIntervalMS int    `yaml:"interim_interval_ms"`
}

type CloudBatchConfig struct {
	APIURL          string `yaml:"api_url"`
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	Language        string `yaml:"language"`
	UploadTimeoutMS int    `yaml:"upload_timeout_ms"`
}

type LimitsConfig struct {
	InitialSilenceMS  int `yaml:"initial_silence_ms"`
	TrailingSilenceMS int `yaml:"trailing_silence_ms"`
}

// Load resolves configuration. An empty path falls back to the default
// config file location; a missing file is not an error.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = defaultPath()
	}
	if path != "" {
		contents, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(contents, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config file %q: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		Backend: "auto",
		Log:     LogConfig{Level: "info"},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
			ChunkSize:       4096,
		},
		WebSpeech: WebSpeechConfig{
			Endpoint:    "https://api.deepgram.com/v1",
			Model:       "nova-2",
			SmartFormat: true,
		},
		Device: DeviceConfig{
			InterimIntervalMS: 1000,
		},
		CloudBatch: CloudBatchConfig{
			APIURL:          "https://api.groq.com/openai/v1/audio/transcriptions",
			Model:           "whisper-large-v3-turbo",
			UploadTimeoutMS: 15000,
		},
		Limits: LimitsConfig{
			InitialSilenceMS:  30000,
			TrailingSilenceMS: 3000,
		},
	}
}

func defaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "voicebox", "config.yaml")
}

func applyEnv(cfg *Config) {
	cfg.Backend = envOrDefault("VOICEBOX_BACKEND", cfg.Backend)
	cfg.Log.Level = envOrDefault("VOICEBOX_LOG_LEVEL", cfg.Log.Level)

	cfg.Audio.RecorderCommand = envOrDefault("VOICEBOX_RECORDER_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.InputFormat = envOrDefault("VOICEBOX_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = envOrDefault("VOICEBOX_AUDIO_INPUT_DEVICE", cfg.Audio.InputDevice)
	cfg.Audio.SampleRate = envOrDefaultInt("VOICEBOX_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("VOICEBOX_CHANNELS", cfg.Audio.Channels)

	cfg.Gate.AssumeGranted = envOrDefaultBool("VOICEBOX_ASSUME_MIC_ACCESS", cfg.Gate.AssumeGranted)

	cfg.WebSpeech.Endpoint = envOrDefault("VOICEBOX_WEBSPEECH_ENDPOINT", cfg.WebSpeech.Endpoint)
	cfg.WebSpeech.APIKey = firstNonEmpty(
		os.Getenv("VOICEBOX_WEBSPEECH_API_KEY"),
		os.Getenv("DEEPGRAM_API_KEY"),
		cfg.WebSpeech.APIKey,
	)
	cfg.WebSpeech.Model = envOrDefault("VOICEBOX_WEBSPEECH_MODEL", cfg.WebSpeech.Model)
	cfg.WebSpeech.Language = envOrDefault("VOICEBOX_WEBSPEECH_LANGUAGE", cfg.WebSpeech.Language)

	cfg.Device.RecognizerCommand = envOrDefault("VOICEBOX_RECOGNIZER_COMMAND", cfg.Device.RecognizerCommand)
	cfg.Device.ModelPath = envOrDefault("VOICEBOX_RECOGNIZER_MODEL", cfg.Device.ModelPath)
	cfg.Device.Language = envOrDefault("VOICEBOX_RECOGNIZER_LANGUAGE", cfg.Device.Language)

	cfg.CloudBatch.APIURL = envOrDefault("VOICEBOX_CLOUD_API_URL", cfg.CloudBatch.APIURL)
	cfg.CloudBatch.APIKey = firstNonEmpty(
		os.Getenv("VOICEBOX_CLOUD_API_KEY"),
		os.Getenv("GROQ_API_KEY"),
		cfg.CloudBatch.APIKey,
	)
	cfg.CloudBatch.Model = envOrDefault("VOICEBOX_CLOUD_MODEL", cfg.CloudBatch.Model)
	cfg.CloudBatch.Language = envOrDefault("VOICEBOX_CLOUD_LANGUAGE", cfg.CloudBatch.Language)
}

func validate(cfg *Config) error {
	switch cfg.Backend {
	case "auto", "device", "webspeech", "cloudbatch":
	default:
		return fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = 16000
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = 1
	}
	if cfg.Audio.ChunkSize < 256 {
		cfg.Audio.ChunkSize = 4096
	}
	if cfg.Device.InterimIntervalMS <= 0 {
		cfg.Device.InterimIntervalMS = 1000
	}
	if cfg.CloudBatch.UploadTimeoutMS <= 0 {
		cfg.CloudBatch.UploadTimeoutMS = 15000
	}
	if cfg.Limits.InitialSilenceMS <= 0 {
		cfg.Limits.InitialSilenceMS = 30000
	}
	if cfg.Limits.TrailingSilenceMS <= 0 {
		cfg.Limits.TrailingSilenceMS = 3000
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
