// Package agentengine talks to agents deployed on Vertex AI Agent Engine
// through the reasoning engine execution service.
package agentengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"

	"cloud.google.com/go/aiplatform/apiv1/aiplatformpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/genproto/googleapis/api/httpbody"
	"google.golang.org/protobuf/types/known/structpb"

	"mimitalk-agent/internal/domain"
)

const (
	defaultUserID = "default_user"
	// maxReplyBytes bounds the streamed body of one reply.
	maxReplyBytes = 8 << 20
)

// Event is one streamed agent event. Any field may be absent.
type Event struct {
	Content *Content `json:"content,omitempty"`
}

type Content struct {
	Parts []Part `json:"parts"`
}

// Part is a fragment of an event. Text is nil when the part carries no text,
// for example a function call.
type Part struct {
	Text *string `json:"text,omitempty"`
}

// executionAPI is the minimal reasoning engine execution interface required
// by Client. *aiplatform.ReasoningEngineExecutionClient satisfies it.
type executionAPI interface {
	QueryReasoningEngine(ctx context.Context, req *aiplatformpb.QueryReasoningEngineRequest, opts ...gax.CallOption) (*aiplatformpb.QueryReasoningEngineResponse, error)
	StreamQueryReasoningEngine(ctx context.Context, req *aiplatformpb.StreamQueryReasoningEngineRequest, opts ...gax.CallOption) (aiplatformpb.ReasoningEngineExecutionService_StreamQueryReasoningEngineClient, error)
}

// Client talks to deployed Agent Engine (reasoning engine) agents.
type Client struct {
	api      executionAPI
	project  string
	location string
	userID   string
	maxReply int
}

type Option func(*Client)

// WithUserID sets the user the agents attribute sessions to.
func WithUserID(userID string) Option {
	return func(c *Client) {
		if s := strings.TrimSpace(userID); s != "" {
			c.userID = s
		}
	}
}

// Endpoint is the regional gRPC endpoint serving agents in location.
func Endpoint(location string) string {
	return strings.TrimSpace(location) + "-aiplatform.googleapis.com:443"
}

// NewClient creates a Client for agents deployed in project and location.
func NewClient(api executionAPI, project, location string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("agentengine: execution client must not be nil")
	}
	project = strings.TrimSpace(project)
	location = strings.TrimSpace(location)
	if project == "" || location == "" {
		return nil, errors.New("agentengine: project and location must not be empty")
	}
	c := &Client{
		api:      api,
		project:  project,
		location: location,
		userID:   defaultUserID,
		maxReply: maxReplyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resourceName accepts either a bare engine ID or a full resource name.
func (c *Client) resourceName(agentID string) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", fmt.Errorf("agentengine: %w: agent ID must not be empty", domain.ErrAgentUnavailable)
	}
	if strings.HasPrefix(agentID, "projects/") {
		return agentID, nil
	}
	return fmt.Sprintf("projects/%s/locations/%s/reasoningEngines/%s", c.project, c.location, agentID), nil
}

// CreateSession opens a server-side conversation session on agentID and
// returns its token.
func (c *Client) CreateSession(ctx context.Context, agentID string) (string, error) {
	name, err := c.resourceName(agentID)
	if err != nil {
		return "", err
	}
	input, err := structpb.NewStruct(map[string]any{"user_id": c.userID})
	if err != nil {
		return "", fmt.Errorf("agentengine: create session: build input: %w", err)
	}

	res, err := c.api.QueryReasoningEngine(ctx, &aiplatformpb.QueryReasoningEngineRequest{
		Name:        name,
		ClassMethod: "create_session",
		Input:       input,
	})
	if err != nil {
		return "", fmt.Errorf("agentengine: create session: %w: %w", domain.ErrAgentUnavailable, err)
	}
	id := res.GetOutput().GetStructValue().GetFields()["id"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("agentengine: create session: %w: no session id in response", domain.ErrAgentUnavailable)
	}
	return id, nil
}

// Query sends message to agentID and returns the streamed reply folded into
// one string. An empty sessionToken makes a fresh, stateless call.
func (c *Client) Query(ctx context.Context, agentID, sessionToken, message string) (string, error) {
	name, err := c.resourceName(agentID)
	if err != nil {
		return "", err
	}
	fields := map[string]any{
		"user_id": c.userID,
		"message": message,
	}
	if sessionToken != "" {
		fields["session_id"] = sessionToken
	}
	input, err := structpb.NewStruct(fields)
	if err != nil {
		return "", fmt.Errorf("agentengine: stream query: build input: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream, err := c.api.StreamQueryReasoningEngine(ctx, &aiplatformpb.StreamQueryReasoningEngineRequest{
		Name:        name,
		ClassMethod: "stream_query",
		Input:       input,
	})
	if err != nil {
		return "", fmt.Errorf("agentengine: stream query: %w: %w", domain.ErrAgentUnavailable, err)
	}

	reply, err := JoinEvents(decodeEvents(&chunkReader{stream: stream, limit: c.maxReply}))
	if err != nil {
		return "", fmt.Errorf("agentengine: stream query: %w: %w", domain.ErrAgentUnavailable, err)
	}
	return reply, nil
}

// JoinEvents folds events in arrival order. The text parts of one event are
// joined by newline; events that yield an empty string are dropped and the
// rest are joined by newline.
func JoinEvents(events iter.Seq2[Event, error]) (string, error) {
	var lines []string
	for ev, err := range events {
		if err != nil {
			return "", err
		}
		if ev.Content == nil {
			continue
		}
		var texts []string
		for _, p := range ev.Content.Parts {
			if p.Text != nil {
				texts = append(texts, *p.Text)
			}
		}
		if joined := strings.Join(texts, "\n"); joined != "" {
			lines = append(lines, joined)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// decodeEvents reads a stream of concatenated JSON events.
func decodeEvents(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		dec := json.NewDecoder(r)
		for {
			var ev Event
			err := dec.Decode(&ev)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Event{}, fmt.Errorf("decode event: %w", err))
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

type chunkStream interface {
	Recv() (*httpbody.HttpBody, error)
}

// chunkReader reads the HttpBody chunks of a stream query as one byte stream.
// Once more than limit bytes have arrived every read fails, so an oversized
// reply is rejected instead of cut short.
type chunkReader struct {
	stream chunkStream
	limit  int
	total  int
	buf    []byte
	err    error
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		chunk, err := r.stream.Recv()
		if err != nil {
			r.err = err
			return 0, err
		}
		r.total += len(chunk.GetData())
		if r.total > r.limit {
			r.err = fmt.Errorf("reply exceeds %d bytes", r.limit)
			return 0, r.err
		}
		r.buf = chunk.GetData()
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
