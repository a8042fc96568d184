// Package device recognizes speech with a local engine: microphone PCM is
// buffered and periodically transcribed on-device, so dictation works
// without any network access.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/audio"
	"voicebox/internal/domain"
	"voicebox/internal/ports"
)

// Config controls local capture and recognition.
type Config struct {
	SampleRate int
	Channels   int
	ChunkSize  int

	// InterimInterval is the cadence of provisional transcription passes.
	InterimInterval time.Duration

	SpeechThreshold float64

	InitialSilence  time.Duration
	TrailingSilence time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ChunkSize < 256 {
		c.ChunkSize = 4096
	}
	if c.InterimInterval <= 0 {
		c.InterimInterval = time.Second
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = audio.DefaultSpeechRMS
	}
	if c.InitialSilence <= 0 {
		c.InitialSilence = 30 * time.Second
	}
	if c.TrailingSilence <= 0 {
		c.TrailingSilence = 3 * time.Second
	}
	return c
}

// Backend implements ports.Backend over a local recognizer.
type Backend struct {
	cfg Config
	mic ports.AudioCapture
	rec Recognizer
	log zerolog.Logger

	mu     sync.Mutex
	ready  bool
	active *liveSession
}

func New(cfg Config, mic ports.AudioCapture, rec Recognizer, log zerolog.Logger) *Backend {
	return &Backend{cfg: cfg.withDefaults(), mic: mic, rec: rec, log: log}
}

func (b *Backend) Capabilities() domain.Capabilities {
	return domain.Capabilities{Name: "device", SupportsInterim: true}
}

// Initialize probes the local recognizer. Idempotent.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return nil
	}
	if err := b.rec.Probe(ctx); err != nil {
		return err
	}
	b.ready = true
	return nil
}

type liveSession struct {
	ctx      context.Context
	events   ports.BackendEvents
	cancel   context.CancelFunc
	audio    ports.AudioSession
	watchdog *audio.Watchdog

	pumpDone    chan struct{}
	interimDone chan struct{}

	mu      sync.Mutex
	pcm     []byte
	closing bool

	endOnce sync.Once
}

func (ls *liveSession) snapshotPCM() []byte {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]byte, len(ls.pcm))
	copy(out, ls.pcm)
	return out
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
	audioSession, err := b.mic.Start(sessionCtx, ports.AudioConfig{
		SampleRate: b.cfg.SampleRate,
		Channels:   b.cfg.Channels,
	})
	if err != nil {
		cancel()
		return domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("failed to open microphone: %w", err))
	}

	ls := &liveSession{
		ctx:         sessionCtx,
		events:      events,
		cancel:      cancel,
		audio:       audioSession,
		pumpDone:    make(chan struct{}),
		interimDone: make(chan struct{}),
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
	go b.interimLoop(ls)
	return nil
}

// Stop ends capture and runs the final recognition pass before returning.
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
}

func (b *Backend) pump(ls *liveSession) {
	defer close(ls.pumpDone)

	err := audio.Pump(ls.audio, b.cfg.ChunkSize, func(chunk []byte) error {
		ls.mu.Lock()
		ls.pcm = append(ls.pcm, chunk...)
		ls.mu.Unlock()

		if audio.RMS(chunk) >= b.cfg.SpeechThreshold {
			ls.watchdog.NoteSpeech()
		}
		return nil
	})
	if err != nil && !ls.isClosing() {
		go b.fail(ls, domain.WrapError(domain.ErrRecognizerFault, fmt.Errorf("microphone capture failed: %w", err)))
	}
}

// interimLoop runs provisional transcription passes while listening.
// Interim failures are logged and skipped; only the final pass can fail the
// session.
func (b *Backend) interimLoop(ls *liveSession) {
	defer close(ls.interimDone)

	ticker := time.NewTicker(b.cfg.InterimInterval)
	defer ticker.Stop()

	var lastLen int
	for {
		select {
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
		}
		if ls.isClosing() {
			return
		}

		pcm := ls.snapshotPCM()
		if len(pcm) == 0 || len(pcm) == lastLen {
			continue
		}
		lastLen = len(pcm)

		text, err := b.rec.Transcribe(ls.ctx, pcm, true)
		if err != nil {
			b.log.Debug().Err(err).Msg("interim recognition pass failed")
			continue
		}
		if text != "" && !ls.isClosing() && ls.events.OnInterim != nil {
			ls.events.OnInterim(domain.Interim(text))
		}
	}
}

func (b *Backend) finish(ls *liveSession) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.watchdog.Stop()
		_ = ls.audio.Stop()
		<-ls.pumpDone
		ls.cancel()
		<-ls.interimDone
		b.clear(ls)

		pcm := ls.snapshotPCM()
		if len(pcm) == 0 {
			ls.events.OnFinal(domain.Final(""))
			return
		}

		// The session context is already cancelled; the final pass gets its
		// own deadline.
		finalCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		text, err := b.rec.Transcribe(finalCtx, pcm, false)
		if err != nil {
			ls.events.OnError(domain.WrapError(domain.ErrRecognizerFault, err))
			return
		}
		ls.events.OnFinal(domain.Final(text))
	})
}

func (b *Backend) fail(ls *liveSession, captureErr *domain.CaptureError) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.watchdog.Stop()
		ls.cancel()
		_ = ls.audio.Stop()
		b.clear(ls)
		ls.events.OnError(captureErr)
	})
}

func (b *Backend) expire(ls *liveSession) {
	ls.endOnce.Do(func() {
		ls.markClosing()
		ls.cancel()
		_ = ls.audio.Stop()
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
