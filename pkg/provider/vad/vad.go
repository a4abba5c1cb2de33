// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech classifier (an energy gate or a
// model such as Silero) and surfaces it as a stateful, per-stream session.
// Each session keeps its own internal state (window buffers, model state) so
// that concurrent audio streams can be processed independently.
//
// Classification is synchronous: ProcessFrame returns immediately with a
// speech/non-speech decision, making it suitable for the low-latency pipeline
// stage that gates recognizer input.
//
// Implementations must be safe for concurrent use across different sessions.
// A single Session must not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Model engines support 8000 and 16000.
	SampleRate int

	// FrameMs is the duration of each audio frame in milliseconds. ProcessFrame
	// returns an error if the supplied frame does not match this size.
	FrameMs int

	// Aggressiveness selects how eagerly non-speech is filtered, from 0
	// (permissive) to 3 (strict). Each engine maps it to a native threshold.
	Aggressiveness int

	// Threshold overrides the aggressiveness preset with an explicit
	// engine-native score when > 0. Energy engines read it as RMS in 16-bit
	// PCM units; model engines as a speech probability in [0, 1].
	Threshold float64

	// ModelPath is the model file for engines that load one. Ignored by
	// engines that do not.
	ModelPath string
}

// Session classifies the frames of a single audio stream. Sessions are
// stateful; Reset clears accumulated state without closing the session, for
// reuse at segment boundaries.
//
// A Session must not be shared between goroutines.
type Session interface {
	// ProcessFrame classifies one audio frame as speech or non-speech. The
	// frame must be raw little-endian 16-bit PCM at the configured SampleRate
	// and FrameMs. Returns an error on a frame size mismatch or an engine
	// failure.
	ProcessFrame(frame []byte) (bool, error)

	// Reset clears accumulated detection state (window buffers, model state)
	// without closing the session.
	Reset() error

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions, implemented by each backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a session with the given configuration, immediately
	// ready to accept frames. Returns an error if the configuration is invalid
	// or the engine cannot allocate session resources.
	NewSession(cfg Config) (Session, error)
}
