package audio

import (
	"encoding/binary"
	"sync/atomic"
	"testing"
	"time"
)

func TestRMS(t *testing.T) {
	t.Parallel()

	if got := RMS(nil); got != 0 {
		t.Fatalf("expected zero RMS for empty input, got %f", got)
	}

	silence := make([]byte, 64)
	if got := RMS(silence); got != 0 {
		t.Fatalf("expected zero RMS for silence, got %f", got)
	}

	loud := make([]byte, 64)
	for i := 0; i+1 < len(loud); i += 2 {
		binary.LittleEndian.PutUint16(loud[i:], uint16(int16(10000)))
	}
	if got := RMS(loud); got < 9999 || got > 10001 {
		t.Fatalf("unexpected RMS for constant signal: %f", got)
	}

	if RMS(loud) <= DefaultSpeechRMS {
		t.Fatalf("expected loud signal above the speech threshold")
	}
}

func TestWatchdogExpiresWithNoSpeech(t *testing.T) {
	t.Parallel()

	fired := make(chan bool, 1)
	NewWatchdog(20*time.Millisecond, time.Second, func(sawSpeech bool) {
		fired <- sawSpeech
	})

	select {
	case sawSpeech := <-fired:
		if sawSpeech {
			t.Fatalf("expected sawSpeech=false")
		}
	case <-time.After(time.Second):
		t.Fatalf("watchdog never fired")
	}
}

func TestWatchdogTrailingSilenceAfterSpeech(t *testing.T) {
	t.Parallel()

	fired := make(chan bool, 1)
	w := NewWatchdog(time.Second, 20*time.Millisecond, func(sawSpeech bool) {
		fired <- sawSpeech
	})
	w.NoteSpeech()

	select {
	case sawSpeech := <-fired:
		if !sawSpeech {
			t.Fatalf("expected sawSpeech=true")
		}
	case <-time.After(time.Second):
		t.Fatalf("watchdog never fired")
	}
}

func TestWatchdogSpeechPushesDeadlineOut(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	w := NewWatchdog(30*time.Millisecond, 60*time.Millisecond, func(bool) {
		fires.Add(1)
	})

	// Keep talking: each NoteSpeech resets the trailing window, so the
	// initial deadline never lands.
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		w.NoteSpeech()
	}
	if fires.Load() != 0 {
		t.Fatalf("watchdog fired while speech was active")
	}

	time.Sleep(150 * time.Millisecond)
	if fires.Load() != 1 {
		t.Fatalf("expected exactly one expiry, got %d", fires.Load())
	}
}

func TestWatchdogStopDisarms(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	w := NewWatchdog(20*time.Millisecond, time.Second, func(bool) {
		fires.Add(1)
	})
	w.Stop()

	time.Sleep(80 * time.Millisecond)
	if fires.Load() != 0 {
		t.Fatalf("watchdog fired after Stop")
	}

	// NoteSpeech on a stopped watchdog is a no-op.
	w.NoteSpeech()
}

func TestWatchdogDisabledWithoutInitialWindow(t *testing.T) {
	t.Parallel()

	var fires atomic.Int32
	w := NewWatchdog(0, 10*time.Millisecond, func(bool) {
		fires.Add(1)
	})
	w.NoteSpeech()

	time.Sleep(60 * time.Millisecond)
	if fires.Load() != 0 {
		t.Fatalf("disabled watchdog fired")
	}
}
