// Package energy implements a VAD engine based on root-mean-square signal
// energy. It needs no model file and no native dependencies, which makes it
// the fallback for deployments that cannot ship the Silero model, at the cost
// of mistaking loud noise for speech.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/provider/vad"
)

// Aggressiveness presets, as RMS energy in 16-bit PCM sample units (full
// scale is 32 767; 300 corresponds to near-silence).
var thresholds = [4]float64{150, 300, 450, 600}

var _ vad.Engine = (*Engine)(nil)

// Engine creates energy-gate sessions. The zero value is ready to use.
type Engine struct{}

// NewSession returns a session that classifies a frame as speech when its
// RMS energy meets the configured threshold.
func (Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = int(audio.FrameDuration.Milliseconds())
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		a := cfg.Aggressiveness
		if a < 0 || a >= len(thresholds) {
			return nil, fmt.Errorf("energy: aggressiveness %d out of range [0,3]", a)
		}
		threshold = thresholds[a]
	}
	return &session{
		frameBytes: cfg.SampleRate * cfg.FrameMs / 1000 * audio.BytesPerSample,
		threshold:  threshold,
	}, nil
}

type session struct {
	frameBytes int
	threshold  float64
}

func (s *session) ProcessFrame(frame []byte) (bool, error) {
	if len(frame) != s.frameBytes {
		return false, fmt.Errorf("%w: frame is %d bytes, expected %d",
			audio.ErrFormat, len(frame), s.frameBytes)
	}
	return computeRMS(frame) >= s.threshold, nil
}

// Reset is a no-op: the gate holds no state between frames.
func (s *session) Reset() error { return nil }

func (s *session) Close() error { return nil }

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
// The result is expressed in the same units as PCM sample values (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2 // number of 16-bit samples
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
