package voicebox

import (
	"context"
	"fmt"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"voicebox/internal/bootstrap"
	"voicebox/internal/config"
	"voicebox/internal/domain"
	"voicebox/internal/usecase"
)

const (
	eventState = "voicebox:state"
	eventFinal = "voicebox:final"
	eventError = "voicebox:error"
)

// App is the Wails application root.
type App struct {
	ctx context.Context

	controller *usecase.Controller
	cfg        config.Config
	bootErr    error
}

func NewApp() *App {
	return &App{}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build("", a.emitFinal)
	if err != nil {
		a.bootErr = err
		a.emitError(domain.ErrRecognizerFault, err.Error())
		return
	}

	a.cfg = services.Config
	a.controller = services.Controller
	a.controller.Subscribe(a.emitNotification)
}

func (a *App) shutdown(_ context.Context) {
	if a.controller != nil {
		a.controller.Dispose()
	}
}

// InitializeDictation checks microphone access and recognizer availability.
// Returns true when dictation is usable.
func (a *App) InitializeDictation() bool {
	if a.requireReady() != nil {
		return false
	}
	return a.controller.Initialize(a.ctx)
}

// StartDictation begins a listening session.
func (a *App) StartDictation() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Start(a.ctx)
}

// StopDictation ends the current listening session.
func (a *App) StopDictation() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Stop(a.ctx)
}

// ToggleDictation starts when idle and stops when listening.
func (a *App) ToggleDictation() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.controller.Toggle(a.ctx)
}

// GetSnapshot returns the current capture state for the UI.
func (a *App) GetSnapshot() domain.Snapshot {
	if a.controller == nil {
		return domain.Snapshot{State: domain.StateUnavailable}
	}
	return a.controller.Snapshot()
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	info := map[string]string{
		"backend":    a.cfg.Backend,
		"audioInput": a.cfg.Audio.InputDevice,
		"sampleRate": fmt.Sprintf("%d", a.cfg.Audio.SampleRate),
	}
	if a.controller != nil {
		info["backend"] = a.controller.Capabilities().Name
	}
	return info
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.controller == nil {
		return fmt.Errorf("application is not initialized")
	}
	return nil
}

func (a *App) emitNotification(n usecase.Notification) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventState, map[string]any{
		"state":      string(n.Snapshot.State),
		"available":  n.Snapshot.Available,
		"listening":  n.Snapshot.Listening,
		"transcript": n.Snapshot.Transcript,
		"message":    stateMessage(n.Snapshot.State),
	})
	if n.Err != nil {
		a.emitError(n.Err.Kind, n.Err.Error())
	}
}

func (a *App) emitFinal(text string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventFinal, map[string]string{"text": text})
}

func (a *App) emitError(kind domain.ErrorKind, detail string) {
	if a.ctx == nil {
		return
	}
	runtime.EventsEmit(a.ctx, eventError, map[string]string{
		"kind":    string(kind),
		"message": errorMessage(kind, detail),
		"detail":  detail,
	})
}

func stateMessage(state domain.CaptureState) string {
	switch state {
	case domain.StateUninitialized:
		return "Dictation not initialized"
	case domain.StateInitializing:
		return "Checking microphone..."
	case domain.StateUnavailable:
		return "Dictation unavailable"
	case domain.StateReady:
		return "Ready"
	case domain.StateListening:
		return "Listening..."
	case domain.StateProcessing:
		return "Transcribing..."
	case domain.StateDisposed:
		return "Dictation shut down"
	default:
		return ""
	}
}

func errorMessage(kind domain.ErrorKind, detail string) string {
	switch kind {
	case domain.ErrPermissionDenied:
		return "Microphone access denied"
	case domain.ErrRuntimeUnsupported:
		return "Speech recognition is not available here"
	case domain.ErrNoSpeechDetected:
		return "No speech detected"
	case domain.ErrNetwork:
		return "Network error during transcription"
	case domain.ErrRecognizerFault:
		return "Speech recognition failed"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}
