// Package stt defines the Recognizer interface for speech-to-text backends.
//
// A recognizer wraps a batch transcription engine (whisper.cpp in-process or
// behind a whisper-server) and exposes two entry points matched to the two
// ingest paths of the service: TranscribeSegment for voice-activity-gated
// speech segments cut from a live stream, and TranscribeFile for complete
// uploaded recordings.
//
// Recognizers separate construction from model loading: New* constructors
// only validate configuration, Load makes the engine ready and is safe to
// call repeatedly. Transcription before a successful Load fails with
// ErrModelNotLoaded.
package stt

import "context"

// Segment is one recognized span of speech from a file transcription.
// Offsets are seconds from the start of the file; they are nil when the
// engine does not report timing.
type Segment struct {
	Text  string
	Start *float64
	End   *float64
}

// Recognizer is the abstraction over any speech-to-text backend.
//
// Implementations must be safe for concurrent use: the worker pool calls
// TranscribeSegment from several goroutines at once, each call running on an
// independent decoding context over the shared model.
type Recognizer interface {
	// Load makes the engine ready for transcription. It is idempotent: once
	// the model is loaded, further calls return nil immediately. A failed
	// load may be retried.
	Load() error

	// TranscribeSegment transcribes one speech segment of pipeline PCM
	// (16 kHz mono s16le). prompt carries the rolling transcript tail and
	// biases decoding toward the conversation so far; empty means no bias.
	// The call is synchronous and CPU-bound; callers bound concurrency.
	TranscribeSegment(pcm []byte, prompt string) (string, error)

	// TranscribeFile transcribes the complete audio file at path, streaming
	// recognized segments on the first channel in order. The error channel
	// receives exactly one value (nil on success) after the segment channel
	// closes. Cancelling ctx abandons the transcription at the next engine
	// window boundary.
	TranscribeFile(ctx context.Context, path string) (<-chan Segment, <-chan error)
}
