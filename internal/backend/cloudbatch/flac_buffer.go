package cloudbatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/mewkiz/flac/meta"
)

const flacBlockSize = 4096

// flacRecorder compresses mono s16le PCM into an in-memory FLAC stream as
// it arrives, so that Stop only has to flush and upload.
type flacRecorder struct {
	mu sync.Mutex

	buf        bytes.Buffer
	enc        *flac.Encoder
	pending    []int16
	frames     uint64
	sampleRate int
	finished   bool
}

func newFlacRecorder(sampleRate int) (*flacRecorder, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	r := &flacRecorder{sampleRate: sampleRate}

	info := &meta.StreamInfo{
		BlockSizeMin:  flacBlockSize,
		BlockSizeMax:  flacBlockSize,
		SampleRate:    uint32(sampleRate),
		NChannels:     1,
		BitsPerSample: 16,
	}
	enc, err := flac.NewEncoder(&r.buf, info)
	if err != nil {
		return nil, fmt.Errorf("creating flac encoder: %w", err)
	}
	enc.EnablePredictionAnalysis(true)
	r.enc = enc
	return r, nil
}

// Write appends PCM and encodes every full block.
func (r *flacRecorder) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return fmt.Errorf("recorder already finished")
	}

	for i := 0; i+1 < len(pcm); i += 2 {
		r.pending = append(r.pending, int16(binary.LittleEndian.Uint16(pcm[i:])))
	}

	for len(r.pending) >= flacBlockSize {
		if err := r.encodeBlock(r.pending[:flacBlockSize]); err != nil {
			return err
		}
		r.pending = r.pending[flacBlockSize:]
	}
	return nil
}

// Finish flushes the partial block, closes the stream and returns the
// encoded audio with the total frame count.
func (r *flacRecorder) Finish() ([]byte, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return r.buf.Bytes(), r.frames, nil
	}
	r.finished = true

	if len(r.pending) > 0 {
		if err := r.encodeBlock(r.pending); err != nil {
			return nil, 0, err
		}
		r.pending = nil
	}
	if err := r.enc.Close(); err != nil {
		return nil, 0, fmt.Errorf("closing flac encoder: %w", err)
	}
	return r.buf.Bytes(), r.frames, nil
}

func (r *flacRecorder) encodeBlock(block []int16) error {
	samples := make([]int32, len(block))
	for i, s := range block {
		samples[i] = int32(s)
	}

	subframe := &frame.Subframe{
		SubHeader: frame.SubHeader{Pred: frame.PredVerbatim},
		Samples:   samples,
		NSamples:  len(block),
	}
	f := &frame.Frame{
		Header: frame.Header{
			BlockSize:     uint16(len(block)),
			SampleRate:    uint32(r.sampleRate),
			Channels:      frame.ChannelsMono,
			BitsPerSample: 16,
		},
		Subframes: []*frame.Subframe{subframe},
	}

	if err := r.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("writing flac frame: %w", err)
	}
	r.frames += uint64(len(block))
	return nil
}
