// Package usecase owns the voice capture state machine. The controller
// mediates between the chat UI and the active recognition backend and
// broadcasts observable state on every transition.
package usecase

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/domain"
	"voicebox/internal/ports"
)

// processingPlaceholder is shown while a batch backend uploads its audio.
// It is never handed to the final-result callback.
const processingPlaceholder = "Processing…"

// Notification is delivered to subscribers on every state mutation. Err is
// set only for transient error notifications and uses the same channel as
// plain state changes.
type Notification struct {
	Snapshot domain.Snapshot
	Err      *domain.CaptureError
}

// Subscriber receives notifications synchronously, in registration order.
// The snapshot is already applied when the subscriber runs.
type Subscriber func(Notification)

// Controller drives one recognition backend through the dictation
// lifecycle. Backend selection happens once, at construction; the controller
// never branches on the concrete variant.
type Controller struct {
	gate    ports.CapabilityGate
	backend ports.Backend
	caps    domain.Capabilities
	onFinal func(text string)
	log     zerolog.Logger

	mu          sync.Mutex
	state       domain.CaptureState
	available   bool
	transcript  string
	current     *session
	lastSession int64
	subscribers []Subscriber
}

// session is the bounded period between a listening start and its
// resolution. At most one session is live per controller.
type session struct {
	id        int64
	startedAt time.Time
	cancel    context.CancelFunc
}

// New builds a controller around one backend. onFinal is invoked exactly
// once per completed session, only with non-empty text.
func New(gate ports.CapabilityGate, backend ports.Backend, onFinal func(text string), log zerolog.Logger) *Controller {
	return &Controller{
		gate:    gate,
		backend: backend,
		caps:    backend.Capabilities(),
		onFinal: onFinal,
		log:     log.With().Str("backend", backend.Capabilities().Name).Logger(),
		state:   domain.StateUninitialized,
	}
}

// Subscribe registers a state listener. There is no unsubscribe; listeners
// live as long as the controller.
func (c *Controller) Subscribe(fn Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Capabilities exposes the static descriptor of the wired backend.
func (c *Controller) Capabilities() domain.Capabilities {
	return c.caps
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() domain.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() domain.Snapshot {
	return domain.Snapshot{
		State:      c.state,
		Available:  c.available,
		Listening:  c.state == domain.StateListening || c.state == domain.StateProcessing,
		Transcript: c.transcript,
	}
}

// emitLocked captures the applied snapshot and subscriber list under the
// lock and returns the delivery closure to run after unlocking, so readers
// inside a callback always observe consistent values.
func (c *Controller) emitLocked(captureErr *domain.CaptureError) func() {
	n := Notification{Snapshot: c.snapshotLocked(), Err: captureErr}
	subs := append([]Subscriber(nil), c.subscribers...)
	return func() {
		for _, fn := range subs {
			fn(n)
		}
	}
}

// Initialize acquires microphone permission and prepares the backend. It
// reports whether dictation is available. Calling it again from an
// unavailable state retries the gate and the backend probe.
func (c *Controller) Initialize(ctx context.Context) bool {
	c.mu.Lock()
	switch c.state {
	case domain.StateUninitialized, domain.StateUnavailable:
	case domain.StateInitializing, domain.StateDisposed:
		c.mu.Unlock()
		return false
	default:
		available := c.available
		c.mu.Unlock()
		return available
	}
	c.state = domain.StateInitializing
	emit := c.emitLocked(nil)
	c.mu.Unlock()
	emit()

	if status := c.gate.RequestAccess(ctx); status != domain.PermissionGranted {
		c.log.Warn().Str("status", string(status)).Msg("microphone permission not granted")
		return c.finishInitialize(false, domain.NewError(domain.ErrPermissionDenied, "microphone permission %s", status))
	}

	if err := c.backend.Initialize(ctx); err != nil {
		kind := domain.ErrRecognizerFault
		if errors.Is(err, ports.ErrUnavailable) {
			kind = domain.ErrRuntimeUnsupported
		}
		c.log.Warn().Err(err).Msg("backend initialization failed")
		return c.finishInitialize(false, domain.WrapError(kind, err))
	}

	c.log.Info().Msg("dictation ready")
	return c.finishInitialize(true, nil)
}

func (c *Controller) finishInitialize(ok bool, captureErr *domain.CaptureError) bool {
	c.mu.Lock()
	if c.state == domain.StateDisposed {
		c.mu.Unlock()
		return false
	}
	c.available = ok
	if ok {
		c.state = domain.StateReady
	} else {
		c.state = domain.StateUnavailable
	}
	emit := c.emitLocked(captureErr)
	c.mu.Unlock()
	emit()
	return ok
}

// Start begins a listening session. It is a no-op unless the controller is
// Ready, so re-entrant calls while listening or processing never create a
// second session.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.StateReady {
		c.mu.Unlock()
		return nil
	}
	c.lastSession++
	id := c.lastSession
	sessionCtx, cancel := context.WithCancel(ctx)
	c.current = &session{id: id, startedAt: time.Now(), cancel: cancel}
	c.state = domain.StateListening
	c.transcript = ""
	emit := c.emitLocked(nil)
	c.mu.Unlock()
	emit()

	c.log.Debug().Int64("session", id).Msg("listening started")

	events := ports.BackendEvents{
		OnInterim: func(t domain.Transcript) { c.handleInterim(id, t.Text) },
		OnFinal:   func(t domain.Transcript) { c.handleFinal(id, t.Text) },
		OnError:   func(err *domain.CaptureError) { c.handleError(id, err) },
	}
	if err := c.backend.Start(sessionCtx, events); err != nil {
		c.handleError(id, domain.WrapError(domain.KindOf(err), err))
		return err
	}
	return nil
}

// Stop ends the live listening session. For a backend that needs an explicit
// stop before any result exists, the controller enters Processing and shows
// a placeholder until the final transcript or an error arrives.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != domain.StateListening {
		c.mu.Unlock()
		return nil
	}
	id := c.current.id
	var emit func()
	if c.caps.RequiresExplicitStop {
		c.state = domain.StateProcessing
		c.transcript = processingPlaceholder
		emit = c.emitLocked(nil)
	}
	c.mu.Unlock()
	if emit != nil {
		emit()
	}

	if err := c.backend.Stop(ctx); err != nil {
		c.handleError(id, domain.WrapError(domain.KindOf(err), err))
		return err
	}
	return nil
}

// Toggle starts or stops based on the current state. It is defined purely in
// terms of Start and Stop.
func (c *Controller) Toggle(ctx context.Context) error {
	switch c.Snapshot().State {
	case domain.StateReady:
		return c.Start(ctx)
	case domain.StateListening:
		return c.Stop(ctx)
	default:
		return nil
	}
}

// Dispose cancels any in-flight session and releases the backend. It always
// completes promptly and no callbacks fire afterwards; a session cut short
// by Dispose delivers no final result.
func (c *Controller) Dispose() {
	c.mu.Lock()
	if c.state == domain.StateDisposed {
		c.mu.Unlock()
		return
	}
	active := c.current
	c.current = nil
	c.state = domain.StateDisposed
	c.available = false
	c.transcript = ""
	emit := c.emitLocked(nil)
	c.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	c.backend.Dispose()
	emit()
	c.log.Debug().Msg("controller disposed")
}

func (c *Controller) handleInterim(id int64, text string) {
	text = normalizeTranscript(text)
	if text == "" {
		return
	}

	c.mu.Lock()
	if !c.sessionLiveLocked(id) || c.state != domain.StateListening || !c.caps.SupportsInterim {
		c.mu.Unlock()
		return
	}
	c.transcript = text
	emit := c.emitLocked(nil)
	c.mu.Unlock()
	emit()
}

func (c *Controller) handleFinal(id int64, text string) {
	text = normalizeTranscript(text)

	c.mu.Lock()
	if !c.sessionLiveLocked(id) {
		c.mu.Unlock()
		return
	}
	active := c.current
	c.current = nil
	c.state = domain.StateReady
	c.transcript = ""
	emit := c.emitLocked(nil)
	c.mu.Unlock()

	active.cancel()
	emit()
	c.log.Debug().
		Int64("session", id).
		Dur("took", time.Since(active.startedAt)).
		Bool("empty", text == "").
		Msg("session completed")

	if text != "" && c.onFinal != nil {
		c.onFinal(text)
	}
}

func (c *Controller) handleError(id int64, captureErr *domain.CaptureError) {
	c.mu.Lock()
	if !c.sessionLiveLocked(id) {
		c.mu.Unlock()
		return
	}
	active := c.current
	c.current = nil
	c.state = domain.StateReady
	c.transcript = ""
	emit := c.emitLocked(captureErr)
	c.mu.Unlock()

	active.cancel()
	c.log.Warn().
		Int64("session", id).
		Str("kind", string(captureErr.Kind)).
		Err(captureErr.Err).
		Msg("session failed")
	emit()
}

func (c *Controller) sessionLiveLocked(id int64) bool {
	return c.state != domain.StateDisposed && c.current != nil && c.current.id == id
}

func normalizeTranscript(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
