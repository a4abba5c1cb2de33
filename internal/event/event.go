// Package event defines the JSON messages the pipelines publish for clients.
// The same shape travels over the Redis event bus, the SSE endpoint, and the
// live WebSocket, so every consumer decodes one struct.
package event

import "encoding/json"

// Known values for [Message.Type].
const (
	// TypeSegment carries one recognized speech segment.
	TypeSegment = "transcript_segment"
	// TypeFinalSummary carries the structured summary of a finished job.
	TypeFinalSummary = "final_summary"
	// TypeError carries a terminal or informational failure.
	TypeError = "error"
)

// Message is the wire shape shared by all event types. Each type populates a
// subset of the fields; unset fields are dropped from the JSON encoding.
//
//   - transcript_segment: Text, SegmentNumber, ProcessingMS,
//     AbsoluteTimestamp, RelativeTimeSec; backfilled replays additionally set
//     IsHistorical and Status.
//   - final_summary: Summary, TotalSegments; synthesized replays set
//     IsHistorical and Status.
//   - error: ErrorMessage and, when the failure concerns one segment,
//     SegmentNumber.
type Message struct {
	Type              string          `json:"type"`
	Text              string          `json:"text,omitempty"`
	SegmentNumber     int             `json:"segment_number,omitempty"`
	ProcessingMS      int64           `json:"processing_time_ms,omitempty"`
	AbsoluteTimestamp string          `json:"absolute_timestamp,omitempty"`
	RelativeTimeSec   *float64        `json:"relative_time_sec,omitempty"`
	IsHistorical      bool            `json:"is_historical,omitempty"`
	Status            string          `json:"status,omitempty"`
	Summary           json.RawMessage `json:"summary,omitempty"`
	TotalSegments     int             `json:"total_segments,omitempty"`
	ErrorMessage      string          `json:"message,omitempty"`
	JobID             string          `json:"job_id,omitempty"`
}

// Error returns an error message, optionally tied to a segment number.
func Error(msg string, segment int) Message {
	return Message{Type: TypeError, ErrorMessage: msg, SegmentNumber: segment}
}
