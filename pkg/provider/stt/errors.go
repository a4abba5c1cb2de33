package stt

import (
	"errors"
	"fmt"
)

// ErrModelNotLoaded is returned by transcription calls made before a
// successful Load. Callers match it with [errors.Is].
var ErrModelNotLoaded = errors.New("stt: model not loaded")

// ProcessError wraps a failure inside a transcription run, tagged with the
// stage that failed ("decode" for audio preparation, "inference" for the
// engine itself).
type ProcessError struct {
	Stage string
	Err   error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("stt: %s: %v", e.Stage, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }
