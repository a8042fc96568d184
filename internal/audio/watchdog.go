package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// DefaultSpeechRMS is the s16le RMS level above which a chunk counts as
// speech rather than room noise.
const DefaultSpeechRMS = 350.0

// RMS computes the root mean square of little-endian 16-bit PCM.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(samples))
}

// Watchdog self-terminates a listening session that goes quiet: after
// `initial` with no speech at all, or `trailing` of silence once speech has
// been heard. onExpire runs on the timer goroutine, at most once.
type Watchdog struct {
	trailing time.Duration
	onExpire func(sawSpeech bool)

	mu        sync.Mutex
	timer     *time.Timer
	sawSpeech bool
	done      bool
}

// NewWatchdog starts the watchdog immediately. A non-positive initial window
// disables it entirely.
func NewWatchdog(initial, trailing time.Duration, onExpire func(sawSpeech bool)) *Watchdog {
	w := &Watchdog{trailing: trailing, onExpire: onExpire}
	if initial > 0 {
		w.timer = time.AfterFunc(initial, w.fire)
	} else {
		w.done = true
	}
	return w
}

// NoteSpeech records speech activity and pushes the deadline out to the
// trailing silence window.
func (w *Watchdog) NoteSpeech() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.sawSpeech = true
	if w.trailing > 0 {
		w.timer.Reset(w.trailing)
	} else {
		w.timer.Stop()
	}
}

// Stop disarms the watchdog. Expiry callbacks never fire after Stop returns
// unless one is already in flight.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	w.timer.Stop()
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	sawSpeech := w.sawSpeech
	w.mu.Unlock()

	w.onExpire(sawSpeech)
}
