// Package mcpserver exposes consultation data read-only over the Model
// Context Protocol, so LLM agents can look up jobs, transcripts, room
// summaries, and semantically similar segments without touching the REST
// surface.
//
// The server speaks streamable HTTP and is mounted on the API mux at /mcp.
// Tool errors (unknown job, search disabled) surface as tool results, not
// protocol failures, so an agent can read the message and recover.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/carevox/carevox/internal/jobs"
	"github.com/carevox/carevox/pkg/storage"
)

// defaultSearchTopK is the match count when a search names none.
const defaultSearchTopK = 5

// maxSearchTopK caps one search so a single tool call cannot dump the index.
const maxSearchTopK = 50

// Server owns the MCP tool registry over the job manager.
type Server struct {
	mgr *jobs.Manager
	mcp *mcp.Server
}

// New creates the server and registers the four read-only tools.
func New(mgr *jobs.Manager, version string) *Server {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		mgr: mgr,
		mcp: mcp.NewServer(&mcp.Implementation{Name: "carevox", Version: version}, nil),
	}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_job",
		Description: "Look up one transcription job: kind, status, room membership, metadata, and error message if any.",
	}, s.getJob)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_transcript",
		Description: "Fetch the transcript of a job: the joined text, the ordered recognized segments, and the summary once available.",
	}, s.getTranscript)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_room_summary",
		Description: "Fetch a multi-party room: its status, member roster, per-status job counts, and the aggregate summary once written.",
	}, s.getRoomSummary)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_segments",
		Description: "Semantic search over recognized segments. Returns the closest matches to the query text, optionally restricted to one job or room.",
	}, s.searchSegments)

	return s
}

// Handler returns the streamable-HTTP handler to mount on the API mux.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

type getJobInput struct {
	JobID string `json:"job_id" jsonschema:"the job identifier returned by the upload or stream-create endpoints"`
}

type jobInfo struct {
	JobID        string         `json:"job_id"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	RoomID       string         `json:"room_id,omitempty"`
	MemberID     string         `json:"member_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (s *Server) getJob(ctx context.Context, _ *mcp.CallToolRequest, in getJobInput) (*mcp.CallToolResult, jobInfo, error) {
	job, err := s.mgr.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, jobInfo{}, fmt.Errorf("job %s: %w", in.JobID, err)
	}
	info := jobInfo{
		JobID:     job.ID,
		Type:      string(job.Type),
		Status:    string(job.Status),
		Metadata:  job.Metadata,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.RoomID != nil {
		info.RoomID = *job.RoomID
	}
	if job.MemberID != nil {
		info.MemberID = *job.MemberID
	}
	if job.ErrorMessage != nil {
		info.ErrorMessage = *job.ErrorMessage
	}
	return nil, info, nil
}

type getTranscriptInput struct {
	JobID string `json:"job_id" jsonschema:"the job whose transcript to fetch"`
}

type transcriptSegment struct {
	Seq      int      `json:"seq"`
	Text     string   `json:"text"`
	StartSec *float64 `json:"start_sec,omitempty"`
	EndSec   *float64 `json:"end_sec,omitempty"`
}

type transcriptInfo struct {
	JobID      string              `json:"job_id"`
	Status     string              `json:"status"`
	Transcript string              `json:"transcript"`
	Segments   []transcriptSegment `json:"segments"`
	Summary    map[string]any      `json:"summary,omitempty"`
}

func (s *Server) getTranscript(ctx context.Context, _ *mcp.CallToolRequest, in getTranscriptInput) (*mcp.CallToolResult, transcriptInfo, error) {
	job, err := s.mgr.GetJob(ctx, in.JobID)
	if err != nil {
		return nil, transcriptInfo{}, fmt.Errorf("job %s: %w", in.JobID, err)
	}
	segments, err := s.mgr.GetSegments(ctx, in.JobID)
	if err != nil {
		return nil, transcriptInfo{}, fmt.Errorf("segments of %s: %w", in.JobID, err)
	}

	info := transcriptInfo{
		JobID:    job.ID,
		Status:   string(job.Status),
		Segments: make([]transcriptSegment, 0, len(segments)),
		Summary:  asObject(job.Summary),
	}
	if job.Transcript != nil {
		info.Transcript = *job.Transcript
	}
	for _, seg := range segments {
		info.Segments = append(info.Segments, transcriptSegment{
			Seq:      seg.Seq,
			Text:     seg.Text,
			StartSec: seg.StartSec,
			EndSec:   seg.EndSec,
		})
	}
	return nil, info, nil
}

type getRoomSummaryInput struct {
	RoomID string `json:"room_id" jsonschema:"the room whose aggregate state to fetch"`
}

type roomInfo struct {
	RoomID       string         `json:"room_id"`
	Status       string         `json:"status"`
	Members      []string       `json:"members"`
	JobCounts    map[string]int `json:"job_counts"`
	TotalSummary map[string]any `json:"total_summary,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (s *Server) getRoomSummary(ctx context.Context, _ *mcp.CallToolRequest, in getRoomSummaryInput) (*mcp.CallToolResult, roomInfo, error) {
	room, err := s.mgr.GetRoomInfo(ctx, in.RoomID)
	if err != nil {
		return nil, roomInfo{}, fmt.Errorf("room %s: %w", in.RoomID, err)
	}

	counts := make(map[string]int, len(room.StatusCounts))
	for status, n := range room.StatusCounts {
		counts[string(status)] = n
	}
	return nil, roomInfo{
		RoomID:       room.Room.RoomID,
		Status:       string(room.Room.Status),
		Members:      room.Members,
		JobCounts:    counts,
		TotalSummary: asObject(room.Room.TotalSummary),
		CreatedAt:    room.Room.CreatedAt,
	}, nil
}

type searchSegmentsInput struct {
	Query  string `json:"query" jsonschema:"natural-language text to search for"`
	TopK   int    `json:"top_k,omitempty" jsonschema:"maximum matches to return, default 5, capped at 50"`
	JobID  string `json:"job_id,omitempty" jsonschema:"restrict matches to one job"`
	RoomID string `json:"room_id,omitempty" jsonschema:"restrict matches to one room"`
}

type segmentMatch struct {
	JobID    string   `json:"job_id"`
	Seq      int      `json:"seq"`
	Text     string   `json:"text"`
	StartSec *float64 `json:"start_sec,omitempty"`
	EndSec   *float64 `json:"end_sec,omitempty"`
	Distance float64  `json:"distance"`
}

type searchResults struct {
	Matches []segmentMatch `json:"matches"`
}

func (s *Server) searchSegments(ctx context.Context, _ *mcp.CallToolRequest, in searchSegmentsInput) (*mcp.CallToolResult, searchResults, error) {
	if in.Query == "" {
		return nil, searchResults{}, fmt.Errorf("query must not be empty")
	}
	topK := in.TopK
	if topK <= 0 {
		topK = defaultSearchTopK
	}
	if topK > maxSearchTopK {
		topK = maxSearchTopK
	}

	matches, err := s.mgr.SearchSegments(ctx, in.Query, topK, storage.SegmentFilter{
		JobID:  in.JobID,
		RoomID: in.RoomID,
	})
	if err != nil {
		return nil, searchResults{}, fmt.Errorf("search: %w", err)
	}

	out := searchResults{Matches: make([]segmentMatch, 0, len(matches))}
	for _, m := range matches {
		out.Matches = append(out.Matches, segmentMatch{
			JobID:    m.JobID,
			Seq:      m.Seq,
			Text:     m.Text,
			StartSec: m.StartSec,
			EndSec:   m.EndSec,
			Distance: m.Distance,
		})
	}
	return nil, out, nil
}

// asObject decodes a stored summary blob into a map for structured tool
// output. Summaries are stored as JSON objects; anything else is dropped.
func asObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}
