package ports

import (
	"context"
	"errors"
	"io"

	"voicebox/internal/domain"
)

// ErrUnavailable reports that a backend cannot run in the current
// environment. Initialize wraps it so the controller can distinguish a
// missing runtime from a transient fault.
var ErrUnavailable = errors.New("recognition backend unavailable")

// BackendEvents receives recognition output for one listening session.
// OnInterim may fire zero or many times before OnFinal fires; OnFinal and
// OnError are mutually exclusive terminal events.
type BackendEvents struct {
	OnInterim func(t domain.Transcript)
	OnFinal   func(t domain.Transcript)
	OnError   func(err *domain.CaptureError)
}

// Backend is one strategy for turning microphone audio into text. The
// controller never branches on the concrete variant; everything it needs to
// know is in Capabilities.
type Backend interface {
	Capabilities() domain.Capabilities

	// Initialize performs one-time setup. Idempotent: calling it again when
	// already ready returns nil without side effects. An environment that
	// cannot support the backend yields an error wrapping ErrUnavailable.
	Initialize(ctx context.Context) error

	// Start begins capturing. Only one session may run at a time.
	Start(ctx context.Context, events BackendEvents) error

	// Stop ends capture. Streaming variants deliver their final transcript
	// synchronously or shortly after return; batch variants deliver it once
	// the upload completes.
	Stop(ctx context.Context) error

	// Dispose releases all backend resources. Safe to call multiple times;
	// stops an in-progress session first and completes promptly.
	Dispose()
}

// CapabilityGate checks microphone permission before any capture starts.
// Denied is an outcome, not an error.
type CapabilityGate interface {
	RequestAccess(ctx context.Context) domain.PermissionStatus
}

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}
