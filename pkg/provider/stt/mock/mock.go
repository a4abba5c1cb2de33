// Package mock provides a test double for the stt.Recognizer interface.
//
// Use Recognizer to script per-segment transcription results and inspect the
// PCM and prompts that were submitted for inference.
//
// Example:
//
//	rec := &mock.Recognizer{Script: []string{"first", "second"}}
//	text, _ := rec.TranscribeSegment(pcm, "")
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/carevox/carevox/pkg/provider/stt"
)

// TranscribeSegmentCall records a single invocation of
// Recognizer.TranscribeSegment.
type TranscribeSegmentCall struct {
	// PCM is a copy of the bytes passed to TranscribeSegment.
	PCM []byte
	// Prompt is the rolling prompt passed to TranscribeSegment.
	Prompt string
}

// TranscribeFileCall records a single invocation of Recognizer.TranscribeFile.
type TranscribeFileCall struct {
	// Path is the file path passed to TranscribeFile.
	Path string
}

// Recognizer is a mock implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// LoadErr, if non-nil, is returned by every Load call.
	LoadErr error

	// Script holds the texts returned by successive TranscribeSegment calls,
	// in order. Once exhausted, Default is returned.
	Script []string

	// Default is returned by TranscribeSegment when Script is exhausted or nil.
	Default string

	// TranscribeSegmentErr, if non-nil, is returned by every
	// TranscribeSegment call.
	TranscribeSegmentErr error

	// SegmentDelay simulates inference latency: every TranscribeSegment call
	// sleeps this long before returning. The sleep happens outside the mock's
	// lock so concurrent calls overlap.
	SegmentDelay time.Duration

	// FileSegments are streamed by TranscribeFile, in order.
	FileSegments []stt.Segment

	// TranscribeFileErr is sent on the error channel of TranscribeFile after
	// the segments; nil means success.
	TranscribeFileErr error

	// --- Call records ---

	// LoadCallCount is the number of times Load was called.
	LoadCallCount int

	// TranscribeSegmentCalls records every call to TranscribeSegment in order.
	TranscribeSegmentCalls []TranscribeSegmentCall

	// TranscribeFileCalls records every call to TranscribeFile in order.
	TranscribeFileCalls []TranscribeFileCall

	next int
}

// Load records the call and returns LoadErr.
func (r *Recognizer) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LoadCallCount++
	return r.LoadErr
}

// TranscribeSegment records the call and returns the next scripted text.
func (r *Recognizer) TranscribeSegment(pcm []byte, prompt string) (string, error) {
	r.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	r.TranscribeSegmentCalls = append(r.TranscribeSegmentCalls, TranscribeSegmentCall{PCM: cp, Prompt: prompt})
	text := r.Default
	if r.next < len(r.Script) {
		text = r.Script[r.next]
		r.next++
	}
	err := r.TranscribeSegmentErr
	delay := r.SegmentDelay
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	return text, nil
}

// TranscribeFile records the call and streams FileSegments followed by
// TranscribeFileErr, honouring ctx cancellation.
func (r *Recognizer) TranscribeFile(ctx context.Context, path string) (<-chan stt.Segment, <-chan error) {
	r.mu.Lock()
	r.TranscribeFileCalls = append(r.TranscribeFileCalls, TranscribeFileCall{Path: path})
	segments := append([]stt.Segment(nil), r.FileSegments...)
	fileErr := r.TranscribeFileErr
	r.mu.Unlock()

	segs := make(chan stt.Segment, len(segments))
	errs := make(chan error, 1)
	go func() {
		defer close(errs)
		defer close(segs)
		for _, seg := range segments {
			select {
			case segs <- seg:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		errs <- fileErr
	}()
	return segs, errs
}

// ResetCalls clears all recorded call history and rewinds Script. Thread-safe.
func (r *Recognizer) ResetCalls() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LoadCallCount = 0
	r.TranscribeSegmentCalls = nil
	r.TranscribeFileCalls = nil
	r.next = 0
}

// Ensure Recognizer implements stt.Recognizer at compile time.
var _ stt.Recognizer = (*Recognizer)(nil)
