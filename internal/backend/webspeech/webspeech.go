// Package webspeech recognizes speech by streaming microphone audio to a
// hosted websocket listen endpoint. It emits interim results while speech is
// ongoing and a final transcript when the session ends.
package webspeech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/audio"
	"voicebox/internal/domain"
	"voicebox/internal/ports"
)

const finalizeTimeout = 4 * time.Second

// Config controls the websocket speech gateway.
type Config struct {
	Endpoint    string
	APIKey      string
	Model       string
	Language    string
	SmartFormat bool

	SampleRate int
	Channels   int
	ChunkSize  int

	InitialSilence  time.Duration
	TrailingSilence time.Duration
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkSize < 256 {
		c.ChunkSize = 4096
	}
	if c.InitialSilence <= 0 {
		c.InitialSilence = 30 * time.Second
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = 3 * time.Second
	}
	return c
}

// Backend implements ports.Backend over a streaming websocket recognizer.
type Backend struct {
	cfg Config
	mic ports.AudioCapture
	log zerolog.Logger

	mu     sync.Mutex
	ready  bool
	active *liveSession
}

func New(cfg Config, mic ports.AudioCapture, log zerolog.Logger) *Backend {
	return &Backend{cfg: cfg.withDefaults(), mic: mic, log: log}
}

func (b *Backend) Capabilities() domain.Capabilities {
	return domain.Capabilities{Name: "webspeech", SupportsInterim: true}
}

// Initialize probes for a usable gateway configuration. Idempotent.
func (b *Backend) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}

	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return fmt.Errorf("speech gateway api key is not configured: %w", ports.ErrUnavailable)
	}
	if _, err := buildListenURL(b.cfg); err != nil {
		return fmt.Errorf("%v: %w", err, ports.ErrUnavailable)
	}

	b.ready = true
	return nil
}

type liveSession struct {
	events   ports.BackendEvents
	cancel   context.CancelFunc
	audio    ports.AudioSession
	stream   *wsStream
	watchdog *audio.Watchdog

	pumpDone chan struct{}
	readDone chan struct{}

	mu      sync.Mutex
	finals  []string
	partial string
	closing bool

	endOnce sync.Once
}

// composed joins committed utterances with the trailing interim text.
func (ls *liveSession) composed() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	parts := append([]string(nil), ls.finals...)
	if ls.partial != "" {
		parts = append(parts, ls.partial)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
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

	sessionCtx, cancel := context.WithCancel(ctx)

	stream, err := dialStream(sessionCtx, b.cfg)
	if err != nil {
		cancel()
		return domain.WrapError(domain.ErrRecognizerFault, err)
	}

	audioSession, err := b.mic.Start(sessionCtx, ports.AudioConfig{
		SampleRate: b.cfg.SampleRate,
		Channels:   b.cfg.Channels,
	})
	if err != nil {
		_ = stream.Close()
		cancel()
		return domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("failed to open microphone: %w", err))
	}

	ls := &liveSession{
		events:   events,
		cancel:   cancel,
		audio:    audioSession,
		stream:   stream,
		pumpDone: make(chan struct{}),
		readDone: make(chan struct{}),
	}
	ls.watchdog = audio.NewWatchdog(b.cfg.InitialSilence, b.cfg.TrailingSilence, func(sawSpeech bool) {
		if sawSpeech {
			b.log.Debug().Msg("trailing silence; finishing session")
			b.finish(ls)
			return
		}
		b.expire(ls)
	})

	b.mu.Lock()
	b.active = ls
	b.mu.Unlock()

	go b.pump(ls)
	go b.consume(ls)
	return nil
}

// Stop gracefully ends the live session. The final transcript (possibly
// empty) is delivered via OnFinal before Stop's work completes.
func (b *Backend) Stop(_ context.Context) error {
	b.mu.Lock()
	ls := b.active
	b.mu.Unlock()
	if ls == nil {
		return nil
	}
	b.finish(ls)
	return nil
}

// Dispose abandons any live session without delivering results.
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
	ls.watchdog.Stop()
	ls.cancel()
	_ = ls.audio.Stop()
	_ = ls.stream.Close()
}

func (b *Backend) pump(ls *liveSession) {
	defer close(ls.pumpDone)
	err := audio.Pump(ls.audio, b.cfg.ChunkSize, ls.stream.SendAudio)
	if err != nil && !ls.isClosing() {
		go b.fail(ls, domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("microphone streaming failed: %w", err)))
	}
}

func (b *Backend) consume(ls *liveSession) {
	defer close(ls.readDone)

	for res := range ls.stream.Results() {
		ls.watchdog.NoteSpeech()

		text := strings.TrimSpace(res.Text)
		if text == "" {
			continue
		}

		ls.mu.Lock()
		if res.Final {
			ls.finals = append(ls.finals, text)
			ls.partial = ""
		} else {
			ls.partial = text
		}
		ls.mu.Unlock()

		if ls.events.OnInterim != nil {
			ls.events.OnInterim(domain.Interim(ls.composed()))
		}
	}

	if err := ls.stream.Err(); err != nil && !ls.isClosing() {
		go b.fail(ls, domain.WrapError(domain.ErrRecognizerFault, err))
	}
}

// finish drains the stream and delivers the terminal event exactly once.
func (b *Backend) finish(ls *liveSession) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.watchdog.Stop()
		_ = ls.audio.Stop()
		<-ls.pumpDone
		_ = ls.stream.CloseSend()
		streamErr := waitForStream(ls.stream, finalizeTimeout)
		<-ls.readDone
		ls.cancel()
		b.clear(ls)

		raw := ls.composed()
		if raw == "" && streamErr != nil {
			ls.events.OnError(domain.WrapError(domain.ErrRecognizerFault, streamErr))
			return
		}
		ls.events.OnFinal(domain.Final(raw))
	})
}

// fail tears the session down after a mid-session fault.
func (b *Backend) fail(ls *liveSession, captureErr *domain.CaptureError) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.watchdog.Stop()
		ls.cancel()
		_ = ls.audio.Stop()
		_ = ls.stream.Close()
		b.clear(ls)
		ls.events.OnError(captureErr)
	})
}

// expire handles the absolute no-speech cap.
func (b *Backend) expire(ls *liveSession) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.cancel()
		_ = ls.audio.Stop()
		_ = ls.stream.Close()
		b.clear(ls)
		ls.events.OnError(domain.NewError(domain.ErrNoSpeechDetected, "no speech detected"))
	})
}

func (b *Backend) clear(ls *liveSession) {
	b.mu.Lock()
	if b.active == ls {
		b.active = nil
	}
	b.mu.Unlock()
}

func waitForStream(s *wsStream, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		_ = s.Close()
		return <-done
	}
}
