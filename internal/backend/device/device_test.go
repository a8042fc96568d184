package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/domain"
	"voicebox/internal/ports"
)

func TestBackendInitializePropagatesProbeFailure(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{probeErr: fmt.Errorf("no binary: %w", ports.ErrUnavailable)}
	b := New(Config{}, &chunkedCapture{}, rec, zerolog.Nop())

	err := b.Initialize(context.Background())
	if !errors.Is(err, ports.ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestBackendStopRunsFinalPass(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{finalText: "turn on the lights"}
	mic := &chunkedCapture{chunks: [][]byte{loudChunk(512)}}
	b := New(Config{}, mic, rec, zerolog.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	sink := newEventRecorder()
	if err := b.Start(context.Background(), sink.events()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	mic.waitDelivered(t)

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	final := sink.waitFinal(t)
	if final.Text != "turn on the lights" || !final.Final {
		t.Fatalf("unexpected final: %+v", final)
	}
	if rec.finalCalls() != 1 {
		t.Fatalf("expected one final pass, got %d", rec.finalCalls())
	}
}

func TestBackendStopWithoutAudioSkipsRecognizer(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{finalText: "never"}
	mic := &chunkedCapture{}
	b := New(Config{}, mic, rec, zerolog.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	sink := newEventRecorder()
	if err := b.Start(context.Background(), sink.events()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	final := sink.waitFinal(t)
	if final.Text != "" {
		t.Fatalf("expected empty final, got %q", final.Text)
	}
	if rec.finalCalls() != 0 {
		t.Fatalf("recognizer must not run on an empty buffer")
	}
}

func TestBackendFinalErrorReportsRecognizerFault(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{finalErr: errors.New("engine crashed")}
	mic := &chunkedCapture{chunks: [][]byte{loudChunk(512)}}
	b := New(Config{}, mic, rec, zerolog.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	sink := newEventRecorder()
	if err := b.Start(context.Background(), sink.events()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	mic.waitDelivered(t)
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if kind := sink.waitError(t); kind != domain.ErrRecognizerFault {
		t.Fatalf("expected recognizer_fault, got %s", kind)
	}
}

func TestBackendEmitsInterimResults(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{partialText: "turn on", finalText: "turn on the lights"}
	mic := &chunkedCapture{chunks: [][]byte{loudChunk(512)}}
	b := New(Config{InterimInterval: 20 * time.Millisecond}, mic, rec, zerolog.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	sink := newEventRecorder()
	if err := b.Start(context.Background(), sink.events()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	interim := sink.waitInterim(t)
	if interim.Text != "turn on" || interim.Final {
		t.Fatalf("unexpected interim: %+v", interim)
	}

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if final := sink.waitFinal(t); final.Text != "turn on the lights" {
		t.Fatalf("unexpected final: %+v", final)
	}
}

func TestBackendExpiresWithoutSpeech(t *testing.T) {
	t.Parallel()

	rec := &fakeRecognizer{}
	mic := &chunkedCapture{}
	b := New(Config{InitialSilence: 50 * time.Millisecond}, mic, rec, zerolog.Nop())
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}

	sink := newEventRecorder()
	if err := b.Start(context.Background(), sink.events()); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if kind := sink.waitError(t); kind != domain.ErrNoSpeechDetected {
		t.Fatalf("expected no_speech_detected, got %s", kind)
	}
}

func TestBackendStartRequiresInitialize(t *testing.T) {
	t.Parallel()

	b := New(Config{}, &chunkedCapture{}, &fakeRecognizer{}, zerolog.Nop())
	if err := b.Start(context.Background(), ports.BackendEvents{}); err == nil {
		t.Fatalf("expected start to fail before initialize")
	}
}

type fakeRecognizer struct {
	probeErr    error
	partialText string
	finalText   string
	finalErr    error

	mu       sync.Mutex
	partials int
	finals   int
}

func (f *fakeRecognizer) Probe(context.Context) error { return f.probeErr }

func (f *fakeRecognizer) Transcribe(_ context.Context, pcm []byte, partial bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if partial {
		f.partials++
		return f.partialText, nil
	}
	f.finals++
	if f.finalErr != nil {
		return "", f.finalErr
	}
	return f.finalText, nil
}

func (f *fakeRecognizer) finalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finals
}

// chunkedCapture hands out its chunks and then blocks until the session is
// stopped, like an open microphone with a finite burst of speech.
type chunkedCapture struct {
	chunks [][]byte

	mu      sync.Mutex
	session *chunkedSession
}

func (c *chunkedCapture) Start(context.Context, ports.AudioConfig) (ports.AudioSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = &chunkedSession{
		chunks:    c.chunks,
		stopped:   make(chan struct{}),
		delivered: make(chan struct{}),
	}
	return c.session, nil
}

func (c *chunkedCapture) waitDelivered(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		t.Fatalf("capture never started")
	}
	select {
	case <-session.delivered:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for audio delivery")
	}
}

type chunkedSession struct {
	chunks    [][]byte
	index     int
	stopped   chan struct{}
	delivered chan struct{}

	stopOnce      sync.Once
	deliveredOnce sync.Once
}

func (s *chunkedSession) Read(p []byte) (int, error) {
	if s.index < len(s.chunks) {
		n := copy(p, s.chunks[s.index])
		s.index++
		if s.index == len(s.chunks) {
			s.deliveredOnce.Do(func() { close(s.delivered) })
		}
		return n, nil
	}
	<-s.stopped
	return 0, io.EOF
}

func (s *chunkedSession) Close() error { return s.Stop() }

func (s *chunkedSession) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}

func loudChunk(samples int) []byte {
	return sinePCM(samples)
}

type eventRecorder struct {
	interimCh chan domain.Transcript
	finalCh   chan domain.Transcript
	errCh     chan domain.ErrorKind
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{
		interimCh: make(chan domain.Transcript, 16),
		finalCh:   make(chan domain.Transcript, 4),
		errCh:     make(chan domain.ErrorKind, 4),
	}
}

func (r *eventRecorder) events() ports.BackendEvents {
	return ports.BackendEvents{
		OnInterim: func(tr domain.Transcript) {
			select {
			case r.interimCh <- tr:
			default:
			}
		},
		OnFinal: func(tr domain.Transcript) { r.finalCh <- tr },
		OnError: func(err *domain.CaptureError) { r.errCh <- err.Kind },
	}
}

func (r *eventRecorder) waitInterim(t *testing.T) domain.Transcript {
	t.Helper()
	select {
	case tr := <-r.interimCh:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for interim transcript")
		return domain.Transcript{}
	}
}

func (r *eventRecorder) waitFinal(t *testing.T) domain.Transcript {
	t.Helper()
	select {
	case tr := <-r.finalCh:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for final transcript")
		return domain.Transcript{}
	}
}

func (r *eventRecorder) waitError(t *testing.T) domain.ErrorKind {
	t.Helper()
	select {
	case kind := <-r.errCh:
		return kind
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for error")
		return ""
	}
}
