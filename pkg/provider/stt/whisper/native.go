// Package whisper provides whisper.cpp-backed recognizers.
//
// Native runs inference in-process through the whisper.cpp CGO bindings: the
// model file is loaded once and shared, and every transcription call gets its
// own decoding context so calls can run concurrently. The whisper.cpp static
// library (libwhisper.a) and headers (whisper.h) must be available at link
// time via LIBRARY_PATH and C_INCLUDE_PATH environment variables.
//
// Server talks to a running whisper-server binary over HTTP instead, trading
// the CGO linkage for a network hop. Both satisfy stt.Recognizer.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/carevox/carevox/pkg/audio/decode"
	"github.com/carevox/carevox/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Native satisfies stt.Recognizer.
var _ stt.Recognizer = (*Native)(nil)

// Native implements stt.Recognizer using the whisper.cpp Go bindings (CGO).
// The model is loaded once by Load and shared across all transcriptions.
type Native struct {
	modelPath string
	language  string
	threads   int

	mu    sync.RWMutex
	model whisperlib.Model
}

// Option is a functional option for configuring a Native recognizer.
type Option func(*Native)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "ko",
// "en", "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(r *Native) { r.language = lang }
}

// WithThreads caps the number of CPU threads one inference may use. Zero
// leaves the whisper.cpp default in place.
func WithThreads(n int) Option {
	return func(r *Native) { r.threads = n }
}

// NewNative creates a Native recognizer for the whisper.cpp model at the given
// file path. The model is not loaded until Load is called. The caller must
// call Close when the recognizer is no longer needed.
func NewNative(modelPath string, opts ...Option) (*Native, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	r := &Native{
		modelPath: modelPath,
		language:  defaultLanguage,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Load reads the model file into memory. It is idempotent: once loaded,
// further calls return nil immediately. A failed load may be retried.
func (r *Native) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model != nil {
		return nil
	}
	model, err := whisperlib.New(r.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", r.modelPath, err)
	}
	r.model = model
	return nil
}

// Close releases the model. The recognizer may be loaded again afterwards.
func (r *Native) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.model == nil {
		return nil
	}
	err := r.model.Close()
	r.model = nil
	return err
}

// loaded returns the shared model, or nil before a successful Load.
func (r *Native) loaded() whisperlib.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.model
}

// TranscribeSegment runs inference over one speech segment of pipeline PCM
// (16 kHz mono s16le). The prompt biases decoding toward the conversation so
// far. Each call creates a fresh whisper context; the contexts are NOT
// thread-safe but the model may be shared, so concurrent calls are fine.
func (r *Native) TranscribeSegment(pcm []byte, prompt string) (string, error) {
	model := r.loaded()
	if model == nil {
		return "", stt.ErrModelNotLoaded
	}

	wctx, err := r.newContext(model)
	if err != nil {
		return "", err
	}
	if prompt != "" {
		wctx.SetInitialPrompt(prompt)
	}

	if err := wctx.Process(pcmToFloat32(pcm), nil, nil, nil); err != nil {
		return "", &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("process audio: %w", err)}
	}
	return collectText(wctx)
}

// TranscribeFile decodes the audio file at path to pipeline PCM and streams
// recognized segments with whisper-reported offsets as inference progresses.
// The error channel receives exactly one value after the segment channel
// closes. Cancelling ctx abandons the run at the next encoder window.
func (r *Native) TranscribeFile(ctx context.Context, path string) (<-chan stt.Segment, <-chan error) {
	segs := make(chan stt.Segment, 16)
	errs := make(chan error, 1)
	go func() {
		err := r.transcribeFile(ctx, path, segs)
		close(segs)
		errs <- err
		close(errs)
	}()
	return segs, errs
}

func (r *Native) transcribeFile(ctx context.Context, path string, out chan<- stt.Segment) error {
	model := r.loaded()
	if model == nil {
		return stt.ErrModelNotLoaded
	}

	pcm, err := decode.DecodeFile(path)
	if err != nil {
		return &stt.ProcessError{Stage: "decode", Err: err}
	}
	if len(pcm) == 0 {
		return nil
	}

	wctx, err := r.newContext(model)
	if err != nil {
		return err
	}

	keepGoing := func() bool { return ctx.Err() == nil }
	onSegment := func(ws whisperlib.Segment) {
		text := strings.TrimSpace(ws.Text)
		if text == "" {
			return
		}
		start := ws.Start.Seconds()
		end := ws.End.Seconds()
		select {
		case out <- stt.Segment{Text: text, Start: &start, End: &end}:
		case <-ctx.Done():
		}
	}

	if err := wctx.Process(pcmToFloat32(pcm), keepGoing, onSegment, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("process audio: %w", err)}
	}
	return ctx.Err()
}

// newContext creates a per-call whisper context over the shared model and
// applies the configured language and thread cap.
func (r *Native) newContext(model whisperlib.Model) (whisperlib.Context, error) {
	wctx, err := model.NewContext()
	if err != nil {
		return nil, &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("create context: %w", err)}
	}
	if err := wctx.SetLanguage(r.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", r.language, "error", err)
	}
	if r.threads > 0 {
		wctx.SetThreads(uint(r.threads))
	}
	return wctx, nil
}

// collectText drains the context's segments and returns the concatenated text.
func collectText(wctx whisperlib.Context) (string, error) {
	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("read segment: %w", err)}
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
