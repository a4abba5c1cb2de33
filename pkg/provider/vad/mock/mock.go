// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame classifications and inspect the frames that
// were submitted for processing.
//
// Example:
//
//	sess := &mock.Session{Script: []bool{true, true, false}}
//	eng := &mock.Engine{Session: sess}
//	handle, _ := eng.NewSession(cfg)
package mock

import (
	"sync"

	"github.com/carevox/carevox/pkg/provider/vad"
)

// NewSessionCall records a single invocation of Engine.NewSession.
type NewSessionCall struct {
	// Cfg is the Config passed to NewSession.
	Cfg vad.Config
}

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the Session returned by NewSession. If nil, NewSession
	// returns a new default Session.
	Session vad.Session

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records every call to NewSession in order.
	NewSessionCalls []NewSessionCall
}

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, NewSessionCall{Cfg: cfg})
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// ResetCalls clears all recorded call history. Thread-safe.
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// ProcessFrameCall records a single invocation of Session.ProcessFrame.
type ProcessFrameCall struct {
	// Frame is a copy of the bytes passed to ProcessFrame.
	Frame []byte
}

// Session is a mock implementation of vad.Session.
type Session struct {
	mu sync.Mutex

	// Script holds the classifications returned by successive ProcessFrame
	// calls, in order. Once exhausted, Default is returned.
	Script []bool

	// Default is returned by ProcessFrame when Script is exhausted or nil.
	Default bool

	// ProcessFrameErr, if non-nil, is returned by every ProcessFrame call.
	ProcessFrameErr error

	// ResetErr, if non-nil, is returned by Reset.
	ResetErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// ProcessFrameCalls records every call to ProcessFrame in order.
	ProcessFrameCalls []ProcessFrameCall

	// ResetCallCount is the number of times Reset was called.
	ResetCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	next int
}

// ProcessFrame records the call and returns the next scripted classification.
func (s *Session) ProcessFrame(frame []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.ProcessFrameCalls = append(s.ProcessFrameCalls, ProcessFrameCall{Frame: cp})
	if s.ProcessFrameErr != nil {
		return false, s.ProcessFrameErr
	}
	if s.next < len(s.Script) {
		out := s.Script[s.next]
		s.next++
		return out, nil
	}
	return s.Default, nil
}

// Reset records the call and returns ResetErr. It does not rewind Script.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCallCount++
	return s.ResetErr
}

// Close records the call and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// ResetCalls clears all recorded call history and rewinds Script. Thread-safe.
func (s *Session) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ProcessFrameCalls = nil
	s.ResetCallCount = 0
	s.CloseCallCount = 0
	s.next = 0
}

// Ensure Session implements vad.Session at compile time.
var _ vad.Session = (*Session)(nil)
