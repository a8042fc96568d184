package domain

import (
	"errors"
	"fmt"
)

// CaptureState models the dictation lifecycle. Exactly one state is held by a
// controller at any time; it is the single source of truth for UI enablement.
type CaptureState string

const (
	StateUninitialized CaptureState = "uninitialized"
	StateInitializing  CaptureState = "initializing"
	StateUnavailable   CaptureState = "unavailable"
	StateReady         CaptureState = "ready"
	StateListening     CaptureState = "listening"
	StateProcessing    CaptureState = "processing"
	StateDisposed      CaptureState = "disposed"
)

// PermissionStatus is the outcome of a microphone access request.
type PermissionStatus string

const (
	PermissionGranted      PermissionStatus = "granted"
	PermissionDenied       PermissionStatus = "denied"
	PermissionUndetermined PermissionStatus = "undetermined"
)

// ErrorKind classifies capture failures. The set is closed and shared by all
// backends so error handling stays backend-agnostic.
type ErrorKind string

const (
	ErrPermissionDenied   ErrorKind = "permission_denied"
	ErrRuntimeUnsupported ErrorKind = "runtime_unsupported"
	ErrNoSpeechDetected   ErrorKind = "no_speech_detected"
	ErrRecognizerFault    ErrorKind = "recognizer_fault"
	ErrNetwork            ErrorKind = "network_error"
)

// Transcript is a single recognition result. Interim transcripts are
// transient and overwritten by the next event; a final transcript ends the
// listening session.
type Transcript struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

func Interim(text string) Transcript { return Transcript{Text: text} }

func Final(text string) Transcript { return Transcript{Text: text, Final: true} }

// Capabilities is the static descriptor of a backend variant.
type Capabilities struct {
	Name                 string
	SupportsInterim      bool
	RequiresExplicitStop bool
}

// Snapshot is the observable state broadcast to subscribers.
type Snapshot struct {
	State      CaptureState `json:"state"`
	Available  bool         `json:"available"`
	Listening  bool         `json:"listening"`
	Transcript string       `json:"transcript"`
}

// CaptureError pairs an ErrorKind with its underlying cause.
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// NewError builds a CaptureError from a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *CaptureError {
	return &CaptureError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WrapError attaches a kind to an existing error. A nested CaptureError keeps
// its original kind.
func WrapError(kind ErrorKind, err error) *CaptureError {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr
	}
	return &CaptureError{Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to a recognizer fault.
func KindOf(err error) ErrorKind {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr.Kind
	}
	return ErrRecognizerFault
}
