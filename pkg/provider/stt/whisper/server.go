package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/carevox/carevox/pkg/audio"
	"github.com/carevox/carevox/pkg/audio/decode"
	"github.com/carevox/carevox/pkg/provider/stt"
)

// Compile-time assertion that Server satisfies stt.Recognizer.
var _ stt.Recognizer = (*Server)(nil)

// Server implements stt.Recognizer against a running whisper-server binary
// (which exposes a REST API at POST /inference). Audio is wrapped in a WAV
// container and submitted as multipart/form-data. The model lives in the
// server process, so Load only verifies reachability.
type Server struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// ServerOption is a functional option for configuring a Server recognizer.
type ServerOption func(*Server)

// WithServerModel sets the model identifier forwarded to the whisper-server
// (e.g., "base", "small"). When empty the server uses whichever model it was
// started with — this is the default.
func WithServerModel(model string) ServerOption {
	return func(s *Server) { s.model = model }
}

// WithServerLanguage sets the BCP-47 language code sent with every request
// (e.g., "ko", "en", "de"). Defaults to "en".
func WithServerLanguage(lang string) ServerOption {
	return func(s *Server) { s.language = lang }
}

// WithServerHTTPClient replaces the default HTTP client (30 s timeout).
func WithServerHTTPClient(c *http.Client) ServerOption {
	return func(s *Server) { s.httpClient = c }
}

// NewServer creates a Server recognizer that connects to the whisper-server
// at serverURL (e.g., "http://localhost:8080"). serverURL must be non-empty.
func NewServer(serverURL string, opts ...ServerOption) (*Server, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	s := &Server{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Load verifies the server is reachable. Any HTTP status counts as reachable
// since the route set varies between whisper-server builds; only transport
// failures are reported. Idempotent.
func (s *Server) Load() error {
	req, err := http.NewRequest(http.MethodHead, s.serverURL+"/", nil)
	if err != nil {
		return fmt.Errorf("whisper: create probe request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: server unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

// TranscribeSegment submits one speech segment of pipeline PCM (16 kHz mono
// s16le) for inference. The prompt is forwarded as a decoding hint. The HTTP
// client timeout bounds the call.
func (s *Server) TranscribeSegment(pcm []byte, prompt string) (string, error) {
	var result struct {
		Text string `json:"text"`
	}
	err := s.infer(context.Background(), inferRequest{
		wav:    audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels),
		prompt: prompt,
	}, &result)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Text), nil
}

// TranscribeFile decodes the audio file at path to pipeline PCM, submits it
// as one inference request with response_format=verbose_json, and streams the
// returned segments. The error channel receives exactly one value after the
// segment channel closes.
func (s *Server) TranscribeFile(ctx context.Context, path string) (<-chan stt.Segment, <-chan error) {
	segs := make(chan stt.Segment, 16)
	errs := make(chan error, 1)
	go func() {
		err := s.transcribeFile(ctx, path, segs)
		close(segs)
		errs <- err
		close(errs)
	}()
	return segs, errs
}

func (s *Server) transcribeFile(ctx context.Context, path string, out chan<- stt.Segment) error {
	pcm, err := decode.DecodeFile(path)
	if err != nil {
		return &stt.ProcessError{Stage: "decode", Err: err}
	}
	if len(pcm) == 0 {
		return nil
	}

	var result struct {
		Text     string `json:"text"`
		Segments []struct {
			Start float64 `json:"start"`
			End   float64 `json:"end"`
			Text  string  `json:"text"`
		} `json:"segments"`
	}
	err = s.infer(ctx, inferRequest{
		wav:    audio.EncodeWAV(pcm, audio.SampleRate, audio.Channels),
		format: "verbose_json",
	}, &result)
	if err != nil {
		return err
	}

	emit := func(seg stt.Segment) bool {
		select {
		case out <- seg:
			return true
		case <-ctx.Done():
			return false
		}
	}
	for _, ws := range result.Segments {
		text := strings.TrimSpace(ws.Text)
		if text == "" {
			continue
		}
		start, end := ws.Start, ws.End
		if !emit(stt.Segment{Text: text, Start: &start, End: &end}) {
			return ctx.Err()
		}
	}
	// Older server builds return only the flat text field.
	if len(result.Segments) == 0 {
		if text := strings.TrimSpace(result.Text); text != "" {
			emit(stt.Segment{Text: text})
		}
	}
	return ctx.Err()
}

// inferRequest carries the form fields for one POST /inference call.
type inferRequest struct {
	wav    []byte
	prompt string
	format string
}

// infer encodes the request as multipart/form-data, POSTs it to the
// /inference endpoint and decodes the JSON response into result.
func (s *Server) infer(ctx context.Context, ir inferRequest, result any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("create form file: %w", err)}
	}
	if _, err := fw.Write(ir.wav); err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("write wav data: %w", err)}
	}

	fields := map[string]string{
		"language":        s.language,
		"model":           s.model,
		"prompt":          ir.prompt,
		"response_format": ir.format,
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := mw.WriteField(name, value); err != nil {
			return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("write %s field: %w", name, err)}
		}
	}
	if err := mw.Close(); err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("close multipart writer: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serverURL+"/inference", &body)
	if err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("http request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("server returned HTTP %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("read response body: %w", err)}
	}
	if err := json.Unmarshal(data, result); err != nil {
		return &stt.ProcessError{Stage: "inference", Err: fmt.Errorf("parse JSON response: %w", err)}
	}
	return nil
}
