// Package silero implements a VAD engine backed by the Silero VAD model
// through the silero-vad-go binding. It requires the ONNX runtime shared
// library at link time and the model file on disk; see the binding's
// documentation for installation.
package silero

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/streamer45/silero-vad-go/speech"

	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/provider/vad"
)

const (
	// The model consumes fixed windows: 512 samples at 16 kHz, 256 at 8 kHz.
	windowSamples16k = 512
	windowSamples8k  = 256

	// Internal smoothing stays small; segment-level hysteresis is applied by
	// the caller.
	minSilenceDurationMs = 100
	speechPadMs          = 30
)

// Aggressiveness presets as speech probability thresholds.
var thresholds = [4]float32{0.35, 0.5, 0.65, 0.8}

var _ vad.Engine = (*Engine)(nil)

// Engine creates Silero sessions. The zero value is ready to use; each
// session loads its own model instance so streams stay isolated.
type Engine struct{}

func (Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("silero: model path is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = int(audio.FrameDuration.Milliseconds())
	}

	var window int
	switch cfg.SampleRate {
	case 16000:
		window = windowSamples16k
	case 8000:
		window = windowSamples8k
	default:
		return nil, fmt.Errorf("%w: silero supports 8000 or 16000 Hz, got %d",
			audio.ErrFormat, cfg.SampleRate)
	}

	threshold := float32(cfg.Threshold)
	if threshold <= 0 {
		a := cfg.Aggressiveness
		if a < 0 || a >= len(thresholds) {
			return nil, fmt.Errorf("silero: aggressiveness %d out of range [0,3]", a)
		}
		threshold = thresholds[a]
	}

	det, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            cfg.ModelPath,
		SampleRate:           cfg.SampleRate,
		Threshold:            threshold,
		MinSilenceDurationMs: minSilenceDurationMs,
		SpeechPadMs:          speechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("silero: create detector: %w", err)
	}

	return &session{
		det:        det,
		frameBytes: cfg.SampleRate * cfg.FrameMs / 1000 * audio.BytesPerSample,
		window:     window,
	}, nil
}

// session feeds incoming frames to the model in fixed windows and tracks the
// speaking state across window boundaries. Frames are usually smaller than a
// window, so the decision for a frame reflects the most recent completed
// window.
type session struct {
	det        *speech.Detector
	frameBytes int
	window     int

	buf      []float32
	speaking bool

	closeOnce sync.Once
	closeErr  error
}

func (s *session) ProcessFrame(frame []byte) (bool, error) {
	if len(frame) != s.frameBytes {
		return false, fmt.Errorf("%w: frame is %d bytes, expected %d",
			audio.ErrFormat, len(frame), s.frameBytes)
	}

	s.buf = append(s.buf, pcmToFloat32(frame)...)
	for len(s.buf) >= s.window {
		chunk := s.buf[:s.window]
		s.buf = s.buf[s.window:]

		segments, err := s.det.Detect(chunk)
		if err != nil {
			return false, fmt.Errorf("silero: detect: %w", err)
		}
		for _, seg := range segments {
			if seg.SpeechStartAt > 0 && !s.speaking {
				s.speaking = true
			}
			if seg.SpeechEndAt > 0 && s.speaking {
				s.speaking = false
			}
		}
	}
	return s.speaking, nil
}

func (s *session) Reset() error {
	s.buf = nil
	s.speaking = false
	if err := s.det.Reset(); err != nil {
		return fmt.Errorf("silero: reset: %w", err)
	}
	return nil
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.det.Destroy()
	})
	return s.closeErr
}

// pcmToFloat32 converts little-endian 16-bit PCM to normalized float32
// samples in [-1, 1].
func pcmToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(sample) / 32768.0
	}
	return out
}
