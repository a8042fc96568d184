// Package gate guards microphone access. Every backend requires a granted
// gate before its first start.
package gate

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"voicebox/internal/domain"
	"voicebox/internal/ports"
)

const probeWindow = 2 * time.Second

// MicrophoneGate verifies capture access by briefly opening the device and
// reading one chunk. The platform prompts the user on its own if it needs
// to; the gate only surfaces the outcome.
type MicrophoneGate struct {
	mic ports.AudioCapture
	cfg ports.AudioConfig
	log zerolog.Logger
}

func NewMicrophoneGate(mic ports.AudioCapture, cfg ports.AudioConfig, log zerolog.Logger) *MicrophoneGate {
	return &MicrophoneGate{mic: mic, cfg: cfg, log: log}
}

func (g *MicrophoneGate) RequestAccess(ctx context.Context) domain.PermissionStatus {
	probeCtx, cancel := context.WithTimeout(ctx, probeWindow)
	defer cancel()

	session, err := g.mic.Start(probeCtx, g.cfg)
	if err != nil {
		g.log.Warn().Err(err).Msg("microphone probe failed to open")
		return domain.PermissionDenied
	}

	buf := make([]byte, 512)
	n, _ := session.Read(buf)
	_ = session.Stop()

	if n == 0 {
		g.log.Warn().Msg("microphone probe produced no audio")
		return domain.PermissionDenied
	}
	return domain.PermissionGranted
}

// StaticGate returns a fixed status. Used when the platform handles the
// permission prompt out of process and the outcome is already known.
type StaticGate struct {
	Status domain.PermissionStatus
}

func (g StaticGate) RequestAccess(context.Context) domain.PermissionStatus {
	return g.Status
}
