// Package bootstrap assembles the voice capture services from configuration.
package bootstrap

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/audio"
	"voicebox/internal/backend/cloudbatch"
	"voicebox/internal/backend/device"
	"voicebox/internal/backend/webspeech"
	"voicebox/internal/config"
	"voicebox/internal/domain"
	"voicebox/internal/gate"
	"voicebox/internal/ports"
	"voicebox/internal/usecase"
)

// Services bundles everything a frontend needs to drive dictation.
type Services struct {
	Controller *usecase.Controller
	Config     config.Config
	Logger     zerolog.Logger
}

// Build loads configuration, constructs the selected recognition backend and
// wires the capture controller. onFinal receives each completed transcript.
func Build(configPath string, onFinal func(text string)) (*Services, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Log.Level)

	mic := audio.NewFFmpegCapture(cfg.Audio.RecorderCommand, ports.AudioConfig{
		SampleRate:  cfg.Audio.SampleRate,
		Channels:    cfg.Audio.Channels,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	})

	backend, err := selectBackend(cfg, mic, logger)
	if err != nil {
		return nil, err
	}

	var capGate ports.CapabilityGate
	if cfg.Gate.AssumeGranted {
		capGate = gate.StaticGate{Status: domain.PermissionGranted}
	} else {
		capGate = gate.NewMicrophoneGate(mic, ports.AudioConfig{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
		}, logger)
	}

	controller := usecase.New(capGate, backend, onFinal, logger)

	logger.Info().
		Str("backend", backend.Capabilities().Name).
		Msg("voice services assembled")

	return &Services{Controller: controller, Config: cfg, Logger: logger}, nil
}

func newLogger(level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(parsed).
		With().Timestamp().Logger()
}

// selectBackend maps the configured backend name to a concrete recognizer.
// auto picks the first variant with usable credentials; when nothing is
// configured it falls back to webspeech, which reports unavailability during
// initialization rather than here.
func selectBackend(cfg config.Config, mic ports.AudioCapture, logger zerolog.Logger) (ports.Backend, error) {
	name := cfg.Backend
	if name == "auto" {
		switch {
		case strings.TrimSpace(cfg.WebSpeech.APIKey) != "":
			name = "webspeech"
		case strings.TrimSpace(cfg.Device.RecognizerCommand) != "":
			name = "device"
		case strings.TrimSpace(cfg.CloudBatch.APIKey) != "":
			name = "cloudbatch"
		default:
			name = "webspeech"
		}
	}

	switch name {
	case "webspeech":
		return webspeech.New(webspeech.Config{
			Endpoint:        cfg.WebSpeech.Endpoint,
			APIKey:          cfg.WebSpeech.APIKey,
			Model:           cfg.WebSpeech.Model,
			Language:        cfg.WebSpeech.Language,
			SmartFormat:     cfg.WebSpeech.SmartFormat,
			SampleRate:      cfg.Audio.SampleRate,
			Channels:        cfg.Audio.Channels,
			ChunkSize:       cfg.Audio.ChunkSize,
			InitialSilence:  time.Duration(cfg.Limits.InitialSilenceMS) * time.Millisecond,
			TrailingSilence: time.Duration(cfg.Limits.TrailingSilenceMS) * time.Millisecond,
		}, mic, logger), nil
	case "device":
		rec := device.NewExecRecognizer(
			cfg.Device.RecognizerCommand,
			cfg.Device.ModelPath,
			cfg.Device.Language,
			cfg.Audio.SampleRate,
			cfg.Audio.Channels,
		)
		return device.New(device.Config{
			SampleRate:      cfg.Audio.SampleRate,
			Channels:        cfg.Audio.Channels,
			ChunkSize:       cfg.Audio.ChunkSize,
			InterimInterval: time.Duration(cfg.Device.InterimIntervalMS) * time.Millisecond,
			InitialSilence:  time.Duration(cfg.Limits.InitialSilenceMS) * time.Millisecond,
			TrailingSilence: time.Duration(cfg.Limits.TrailingSilenceMS) * time.Millisecond,
		}, mic, rec, logger), nil
	case "cloudbatch":
		return cloudbatch.New(cloudbatch.Config{
			APIURL:        cfg.CloudBatch.APIURL,
			APIKey:        cfg.CloudBatch.APIKey,
			Model:         cfg.CloudBatch.Model,
			Language:      cfg.CloudBatch.Language,
			SampleRate:    cfg.Audio.SampleRate,
			ChunkSize:     cfg.Audio.ChunkSize,
			UploadTimeout: time.Duration(cfg.CloudBatch.UploadTimeoutMS) * time.Millisecond,
		}, mic, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
