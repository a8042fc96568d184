package device

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	shellwords "github.com/mattn/go-shellwords"

	"voicebox/internal/ports"
)

// Recognizer turns buffered PCM into text. partial requests a fast,
// provisional pass; the final pass may take longer and be more accurate.
type Recognizer interface {
	// Probe reports whether the recognizer can run at all; an unusable
	// environment yields an error wrapping ports.ErrUnavailable.
	Probe(ctx context.Context) error
	Transcribe(ctx context.Context, pcm []byte, partial bool) (string, error)
}

// ExecRecognizer shells out to a local whisper-style CLI that reads a WAV
// file and prints a JSON result on stdout.
type ExecRecognizer struct {
	command    string
	modelPath  string
	language   string
	sampleRate int
	channels   int

	mu   sync.Mutex
	args []string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(command, modelPath, language string, sampleRate, channels int) *ExecRecognizer {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &ExecRecognizer{
		command:    command,
		modelPath:  modelPath,
		language:   language,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

func (r *ExecRecognizer) Probe(_ context.Context) error {
	args, err := shellwords.Parse(r.command)
	if err != nil {
		return fmt.Errorf("parse recognizer command: %v: %w", err, ports.ErrUnavailable)
	}
	if len(args) == 0 {
		return fmt.Errorf("recognizer command is empty: %w", ports.ErrUnavailable)
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return fmt.Errorf("recognizer binary not found: %v: %w", err, ports.ErrUnavailable)
	}

	r.mu.Lock()
	r.args = args
	r.mu.Unlock()
	return nil
}

// Transcribe serializes recognizer runs; the local engine cannot usefully
// process two requests at once.
func (r *ExecRecognizer) Transcribe(ctx context.Context, pcm []byte, partial bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.args) == 0 {
		return "", fmt.Errorf("recognizer has not been probed")
	}
	if len(pcm) == 0 {
		return "", nil
	}

	file, err := os.CreateTemp("", "voicebox_stt_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, pcm, r.sampleRate, r.channels); err != nil {
		return "", err
	}

	args := append([]string{}, r.args[1:]...)
	args = append(args, "--audio", file.Name())
	if r.modelPath != "" {
		args = append(args, "--model", r.modelPath)
	}
	if r.language != "" {
		args = append(args, "--language", r.language)
	}
	if partial {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.args[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("recognizer failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode recognizer output: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}

	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &goaudio.IntBuffer{
		Format: &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
