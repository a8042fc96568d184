// Package cloudbatch recognizes speech by recording the whole utterance
// locally and uploading it to a hosted transcription API once the user stops
// capture. It never produces interim results; exactly one final transcript
// is delivered after the upload completes.
package cloudbatch

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
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/audio"
	"voicebox/internal/domain"
	"voicebox/internal/ports"
)

// Config controls recording and the transcription API call.
type Config struct {
	APIURL   string
	APIKey   string
	Model    string
	Language string

	SampleRate int
	ChunkSize  int

	// UploadTimeout bounds the whole upload-and-transcribe round trip.
	UploadTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "whisper-large-v3-turbo"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkSize < 256 {
		c.ChunkSize = 4096
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = 15 * time.Second
	}
	return c
}

// Backend implements ports.Backend over a batch transcription service.
type Backend struct {
	cfg    Config
	mic    ports.AudioCapture
	client *http.Client
	log    zerolog.Logger

	mu     sync.Mutex
	ready  bool
	active *liveSession
}

func New(cfg Config, mic ports.AudioCapture, log zerolog.Logger) *Backend {
	return &Backend{
		cfg:    cfg.withDefaults(),
		mic:    mic,
		client: &http.Client{},
		log:    log,
	}
}

func (b *Backend) Capabilities() domain.Capabilities {
	return domain.Capabilities{Name: "cloudbatch", RequiresExplicitStop: true}
}

// Initialize checks the service configuration. Idempotent.
func (b *Backend) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}

	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return fmt.Errorf("transcription api key is not configured: %w", ports.ErrUnavailable)
	}
	if !strings.HasPrefix(b.cfg.APIURL, "http://") && !strings.HasPrefix(b.cfg.APIURL, "https://") {
		return fmt.Errorf("transcription api url %q is not usable: %w", b.cfg.APIURL, ports.ErrUnavailable)
	}

	b.ready = true
	return nil
}

type liveSession struct {
	events   ports.BackendEvents
	cancel   context.CancelFunc
	audio    ports.AudioSession
	recorder *flacRecorder

	pumpDone chan struct{}

	mu      sync.Mutex
	closing bool

	endOnce sync.Once
}

func (ls *liveSession) markClosing() {
	ls.mu.Lock()
	ls.closing = true
	ls.mu.Unlock()
}

func (ls *liveSession) isClosing() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.closing
}

func (b *Backend) Start(ctx context.Context, events ports.BackendEvents) error {
	b.mu.Lock()
	if !b.ready {
		b.mu.Unlock()
		return errors.New("backend is not initialized")
	}
	if b.active != nil {
		b.mu.Unlock()
		return errors.New("a listening session is already active")
	}
	b.mu.Unlock()

	recorder, err := newFlacRecorder(b.cfg.SampleRate)
	if err != nil {
		return domain.WrapError(domain.ErrRecognizerFault, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	audioSession, err := b.mic.Start(sessionCtx, ports.AudioConfig{
		SampleRate: b.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		cancel()
		return domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("failed to open microphone: %w", err))
	}

	ls := &liveSession{
		events:   events,
		cancel:   cancel,
		audio:    audioSession,
		recorder: recorder,
		pumpDone: make(chan struct{}),
	}

	b.mu.Lock()
	b.active = ls
	b.mu.Unlock()

	go b.pump(ls)
	return nil
}

// Stop ends recording and starts the upload. It returns promptly; the final
// transcript or a network error is delivered once the round trip finishes.
func (b *Backend) Stop(_ context.Context) error {
	b.mu.Lock()
	ls := b.active
	b.mu.Unlock()
	if ls == nil {
		return nil
	}

	ls.endOnce.Do(func() {
		ls.markClosing()
		_ = ls.audio.Stop()
		<-ls.pumpDone
		b.clear(ls)

		data, frames, err := ls.recorder.Finish()
		if err != nil {
			ls.events.OnError(domain.WrapError(domain.ErrRecognizerFault, err))
			return
		}
		if frames == 0 {
			ls.events.OnFinal(domain.Final(""))
			return
		}

		b.log.Debug().
			Uint64("frames", frames).
			Int("encoded_bytes", len(data)).
			Msg("uploading recorded audio")

		go b.upload(ls, data)
	})
	return nil
}

func (b *Backend) Dispose() {
	b.mu.Lock()
	ls := b.active
	b.active = nil
	b.ready = false
	b.mu.Unlock()

	if ls == nil {
		return
	}
	ls.markClosing()
	ls.cancel()
	_ = ls.audio.Stop()
}

func (b *Backend) pump(ls *liveSession) {
	defer close(ls.pumpDone)

	err := audio.Pump(ls.audio, b.cfg.ChunkSize, ls.recorder.Write)
	if err != nil && !ls.isClosing() {
		go b.fail(ls, domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("microphone capture failed: %w", err)))
	}
}

func (b *Backend) fail(ls *liveSession, captureErr *domain.CaptureError) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.cancel()
		_ = ls.audio.Stop()
		b.clear(ls)
		ls.events.OnError(captureErr)
	})
}

func (b *Backend) upload(ls *liveSession, data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.UploadTimeout)
	defer cancel()

	text, err := b.transcribe(ctx, data)
	if err != nil {
		kind := domain.ErrNetwork
		var captureErr *domain.CaptureError
		if errors.As(err, &captureErr) {
			kind = captureErr.Kind
		}
		ls.events.OnError(domain.WrapError(kind, err))
		return
	}
	ls.events.OnFinal(domain.Final(text))
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (b *Backend) transcribe(ctx context.Context, audioData []byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "audio.flac")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(audioData); err != nil {
		return "", err
	}

	_ = writer.WriteField("model", b.cfg.Model)
	_ = writer.WriteField("response_format", "json")
	if b.cfg.Language != "" {
		_ = writer.WriteField("language", b.cfg.Language)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.APIURL, &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("transcription upload failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("transcription response read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription api error %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var parsed transcribeResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("transcription response parse error: %w", err))
	}
	return strings.TrimSpace(parsed.Text), nil
}

func (b *Backend) clear(ls *liveSession) {
	b.mu.Lock()
	if b.active == ls {
		b.active = nil
	}
	b.mu.Unlock()
}
