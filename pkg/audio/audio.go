// Package audio normalizes incoming audio into the fixed PCM frame format
// consumed by the recognition pipeline: 16 kHz, mono, signed 16-bit
// little-endian, framed in 30 ms windows of exactly 960 bytes.
//
// The central type is [Converter], which turns a sequence of raw input
// packets (raw PCM, streaming codec packets, or whole-file bytes) into a
// sequence of such frames. Decoder backends for compressed formats live in
// the decode subpackage so that this package stays free of CGO.
//
// Usage:
//
//	conv, err := audio.NewRawConverter(48000, 2)
//	if err != nil { … }
//	frames, err := conv.Convert(packet)
//	…
//	tailFrames, tail, err := conv.Flush()
package audio

import (
	"errors"
	"time"
)

// Target PCM format for every frame leaving a [Converter].
const (
	// SampleRate is the pipeline sample rate in Hz.
	SampleRate = 16000

	// Channels is the pipeline channel count (mono).
	Channels = 1

	// BytesPerSample is the width of one signed 16-bit sample.
	BytesPerSample = 2

	// FrameDuration is the fixed window length of one frame.
	FrameDuration = 30 * time.Millisecond

	// FrameSamples is the number of samples in one frame (480 at 16 kHz / 30 ms).
	FrameSamples = SampleRate * 30 / 1000

	// FrameBytes is the byte length of one frame (960).
	FrameBytes = FrameSamples * BytesPerSample
)

// ErrFormat indicates an unsupported or inconsistent audio format. It is
// returned (wrapped) for construction-time failures such as an unknown format
// tag, and for frame-size violations further down the pipeline.
var ErrFormat = errors.New("audio: format error")
