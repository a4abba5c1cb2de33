package summary

import "errors"

var (
	// ErrConnection reports that the summarization backend could not be
	// reached or answered with a server-side failure.
	ErrConnection = errors.New("summary: backend unreachable")

	// ErrBadResponse reports that the backend answered, but its output did
	// not contain a valid JSON object.
	ErrBadResponse = errors.New("summary: malformed model response")

	// ErrTimeout reports that a summarization call exceeded its deadline.
	ErrTimeout = errors.New("summary: request timed out")
)
