package pipeline

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/provider/vad"
)

const (
	// defaultMinSpeechFrames is the run of speech frames required before a
	// segment opens: 3 frames = 90 ms.
	defaultMinSpeechFrames = 3

	// defaultMaxSilenceFrames is the run of non-speech frames that closes an
	// open segment: 5 frames = 150 ms.
	defaultMaxSilenceFrames = 5
)

// SegmenterCfg tunes the hysteresis of a [Segmenter]. Zero values select the
// defaults.
type SegmenterCfg struct {
	// MinSpeechFrames is the number of speech frames required to open a
	// segment. Default 3 (90 ms at 30 ms frames).
	MinSpeechFrames int

	// MaxSilenceFrames is the number of consecutive non-speech frames that
	// closes an open segment. Default 5 (150 ms).
	MaxSilenceFrames int
}

// SpeechSegment is one contiguous run of speech cut from the frame stream.
type SpeechSegment struct {
	// PCM is 16 kHz mono s16le audio: the speech frames plus the short
	// silence tail kept to avoid clipping trailing consonants.
	PCM []byte

	// Start is the wall-clock time at which the first frame of the segment
	// was observed.
	Start time.Time

	// RelStart is the segment start in seconds of audio since the first
	// frame this segmenter processed.
	RelStart float64
}

// SegmenterStats are cumulative counters reported when a stream finalizes.
type SegmenterStats struct {
	Frames       int
	SpeechFrames int
	Segments     int
	VADTime      time.Duration
}

// Segmenter cuts a stream of 30 ms frames into speech segments using a VAD
// classifier with hysteresis on both edges: a segment opens only after
// MinSpeechFrames consecutive-or-better speech frames (a stray speech frame
// in silence never opens one), and closes only after MaxSilenceFrames of
// silence (a stray silence frame inside speech never closes one).
//
// A Segmenter is owned by a single stream pipeline and is not safe for
// concurrent use, matching the [vad.Session] contract.
type Segmenter struct {
	sess             vad.Session
	minSpeechFrames  int
	maxSilenceFrames int

	carry         []byte
	speechFrames  int
	silenceFrames int
	inSpeech      bool

	segStart    time.Time
	segStartRel float64

	frames      int
	speechTotal int
	segments    int
	vadTime     time.Duration
}

// NewSegmenter wraps a VAD session in the segmentation state machine.
func NewSegmenter(sess vad.Session, cfg SegmenterCfg) *Segmenter {
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = defaultMinSpeechFrames
	}
	if cfg.MaxSilenceFrames <= 0 {
		cfg.MaxSilenceFrames = defaultMaxSilenceFrames
	}
	return &Segmenter{
		sess:             sess,
		minSpeechFrames:  cfg.MinSpeechFrames,
		maxSilenceFrames: cfg.MaxSilenceFrames,
	}
}

// Process classifies one 30 ms frame and advances the state machine. It
// returns a non-nil segment exactly when this frame closed one. The frame
// must be [audio.FrameBytes] long; anything else fails with
// [audio.ErrFormat].
func (s *Segmenter) Process(frame []byte) (*SpeechSegment, error) {
	if len(frame) != audio.FrameBytes {
		return nil, fmt.Errorf("pipeline: frame size %d, want %d: %w", len(frame), audio.FrameBytes, audio.ErrFormat)
	}

	vadStart := time.Now()
	speech, err := s.sess.ProcessFrame(frame)
	s.vadTime += time.Since(vadStart)
	if err != nil {
		return nil, fmt.Errorf("pipeline: vad frame: %w", err)
	}

	idx := s.frames
	s.frames++

	if speech {
		s.speechTotal++
		if len(s.carry) == 0 {
			s.segStart = time.Now()
			s.segStartRel = float64(idx) * audio.FrameDuration.Seconds()
		}
		s.carry = append(s.carry, frame...)
		s.speechFrames++
		s.silenceFrames = 0
		if s.speechFrames >= s.minSpeechFrames {
			s.inSpeech = true
		}
		return nil, nil
	}

	if !s.inSpeech {
		// Stray speech shorter than the open threshold is leading noise.
		s.carry = s.carry[:0]
		s.speechFrames = 0
		return nil, nil
	}

	s.silenceFrames++
	if s.silenceFrames < s.maxSilenceFrames {
		// Keep a short silence tail so trailing consonants survive.
		s.carry = append(s.carry, frame...)
		return nil, nil
	}
	return s.closeSegment(), nil
}

// Flush returns the trailing segment when enough speech is buffered to have
// opened one, or nil when the carry is leading noise. Called when the stream
// ends; the segmenter is reset either way.
func (s *Segmenter) Flush() *SpeechSegment {
	if s.speechFrames < s.minSpeechFrames {
		s.carry = nil
		s.speechFrames = 0
		s.silenceFrames = 0
		s.inSpeech = false
		return nil
	}
	return s.closeSegment()
}

// Close releases the VAD session. The segmenter must not be used afterwards.
func (s *Segmenter) Close() error {
	return s.sess.Close()
}

// Stats returns cumulative counters since construction.
func (s *Segmenter) Stats() SegmenterStats {
	return SegmenterStats{
		Frames:       s.frames,
		SpeechFrames: s.speechTotal,
		Segments:     s.segments,
		VADTime:      s.vadTime,
	}
}

// closeSegment hands the carry to the caller and resets the state machine
// and the VAD session. The carry's backing array moves to the segment, so
// the next segment always starts on fresh memory.
func (s *Segmenter) closeSegment() *SpeechSegment {
	seg := &SpeechSegment{PCM: s.carry, Start: s.segStart, RelStart: s.segStartRel}
	s.carry = nil
	s.speechFrames = 0
	s.silenceFrames = 0
	s.inSpeech = false
	s.segments++
	if err := s.sess.Reset(); err != nil {
		slog.Debug("vad session reset failed", "error", err)
	}
	return seg
}
