// Package opencode implements the HTTP-session ("opencode-flavored")
// backend of §4.6: the agent exposes an HTTP server instead of speaking
// app-server JSON-RPC over stdio, sessions are created by REST, and turns
// stream over chunked HTTP/SSE (or, for agents that prefer it, a websocket
// event channel). The orchestrator owns one Session per agent_id and
// presents the same RunEvent stream to callers regardless of which backend
// flavor produced it.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/packages/ssestream"
)

// ErrSessionNotFound is returned when the remote agent replies 404 to a
// request scoped to a session id, signalling the orchestrator should clear
// its cached mapping and start a fresh session (§4.6).
var ErrSessionNotFound = errors.New("opencode: session not found")

// Options configures one Session.
type Options struct {
	BaseURL        string
	AgentID        string
	HTTPClient     *http.Client
	UseWebSocket   bool
	RequestTimeout time.Duration
}

// Session owns the HTTP (or websocket) connection to one opencode-flavored
// agent process. Unlike car.Client, there is no subprocess here: the agent
// is assumed already running and reachable at BaseURL.
type Session struct {
	log  *slog.Logger
	opt  Options
	http *http.Client

	mu        sync.Mutex
	sessionID string
}

func NewSession(log *slog.Logger, opt Options) *Session {
	if log == nil {
		log = slog.Default()
	}
	httpClient := opt.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opt.RequestTimeout}
	}
	return &Session{log: log, opt: opt, http: httpClient}
}

type createSessionRequest struct {
	WorkspaceRoot string `json:"workspace_root"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// EnsureStarted creates a remote session if one is not already cached,
// returning its id. Safe to call repeatedly (§4.6 "start_session(...) may
// be called explicitly to pre-warm").
func (s *Session) EnsureStarted(ctx context.Context, workspaceRoot string) (string, error) {
	s.mu.Lock()
	existing := s.sessionID
	s.mu.Unlock()
	if existing != "" {
		return existing, nil
	}

	body, _ := json.Marshal(createSessionRequest{WorkspaceRoot: workspaceRoot})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url("/sessions"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("opencode: create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("opencode: create session: unexpected status %d", resp.StatusCode)
	}

	var out createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("opencode: decode session response: %w", err)
	}
	if out.SessionID == "" {
		return "", errors.New("opencode: create session: empty session_id")
	}

	s.mu.Lock()
	s.sessionID = out.SessionID
	s.mu.Unlock()
	s.log.Info("opencode.session.created", "agent_id", s.opt.AgentID, "session_id", out.SessionID)
	return out.SessionID, nil
}

// Reset drops the cached session id, forcing the next EnsureStarted call to
// create a fresh remote session (§4.6 "missing sessions return 404 and the
// orchestrator resets any cached thread id").
func (s *Session) Reset() {
	s.mu.Lock()
	s.sessionID = ""
	s.mu.Unlock()
}

func (s *Session) url(path string) string {
	return strings.TrimRight(s.opt.BaseURL, "/") + path
}

// TurnRequest carries the same parameters as car.RunRequest, translated by
// the orchestrator.
type TurnRequest struct {
	Prompt    string
	Model     string
	Reasoning string
}

type turnStartRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

// turnChunkWire is the wire shape of one streamed chunk, decoded from
// either SSE data payloads or websocket text frames.
type turnChunkWire struct {
	Type ChunkType `json:"type"`

	DeltaType string `json:"delta_type,omitempty"`
	Text      string `json:"text,omitempty"`

	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`

	NoticeKind string `json:"notice_kind,omitempty"`
	Message    string `json:"message,omitempty"`

	Status       string   `json:"status,omitempty"`
	FinalMessage string   `json:"final_message,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func (w turnChunkWire) toChunk() Chunk {
	var toolInput any
	if len(w.ToolInput) > 0 {
		_ = json.Unmarshal(w.ToolInput, &toolInput)
	}
	return Chunk{
		Type:         w.Type,
		DeltaType:    w.DeltaType,
		Text:         w.Text,
		ToolName:     w.ToolName,
		ToolInput:    toolInput,
		InputTokens:  w.InputTokens,
		OutputTokens: w.OutputTokens,
		TotalTokens:  w.TotalTokens,
		NoticeKind:   w.NoticeKind,
		Message:      w.Message,
		Status:       w.Status,
		FinalMessage: w.FinalMessage,
		Errors:       w.Errors,
	}
}

func isTerminalChunkType(t ChunkType) bool {
	return t == ChunkCompleted || t == ChunkFailed
}

// StartTurn starts a streamed turn against sessionID, returning a handle
// whose Chunks() channel delivers decoded events and whose Wait() resolves
// once a terminal chunk (completed/failed) is observed.
func (s *Session) StartTurn(ctx context.Context, sessionID string, req TurnRequest) (*TurnHandle, error) {
	if s.opt.UseWebSocket {
		return s.startTurnWebSocket(ctx, sessionID, req)
	}
	return s.startTurnSSE(ctx, sessionID, req)
}

func (s *Session) startTurnSSE(ctx context.Context, sessionID string, req TurnRequest) (*TurnHandle, error) {
	body, _ := json.Marshal(turnStartRequest{Prompt: req.Prompt, Model: req.Model, Reasoning: req.Reasoning})
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(fmt.Sprintf("/sessions/%s/turns", sessionID)), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("opencode: start turn: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrSessionNotFound
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("opencode: start turn: unexpected status %d", resp.StatusCode)
	}

	decoder := ssestream.NewDecoder(resp)
	stream := ssestream.NewStream[turnChunkWire](decoder, nil)

	chunks := make(chan Chunk, 64)
	summaryCh := make(chan Summary, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()
		var summary Summary
		for stream.Next() {
			wire := stream.Current()
			c := wire.toChunk()
			select {
			case chunks <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			if isTerminalChunkType(c.Type) {
				summary = Summary{Status: c.Status, FinalMessage: c.FinalMessage, Errors: c.Errors}
				summaryCh <- summary
				return
			}
		}
		if err := stream.Err(); err != nil {
			errCh <- err
			return
		}
		errCh <- errors.New("opencode: turn stream ended without a terminal chunk")
	}()

	return &TurnHandle{
		chunks: chunks,
		waitFn: func(waitCtx context.Context) (Summary, error) {
			select {
			case sum := <-summaryCh:
				return sum, nil
			case err := <-errCh:
				return Summary{}, err
			case <-waitCtx.Done():
				return Summary{}, waitCtx.Err()
			}
		},
	}, nil
}

// Interrupt sends a best-effort interrupt to the remote turn; failures are
// logged but not fatal (§4.6 "interrupt(agent_id, state) — best-effort").
func (s *Session) Interrupt(ctx context.Context, sessionID, turnID string) error {
	if turnID == "" {
		s.log.Warn("opencode.interrupt.missing_turn_id", "agent_id", s.opt.AgentID, "session_id", sessionID)
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url(fmt.Sprintf("/sessions/%s/turns/%s/interrupt", sessionID, turnID)), nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		s.log.Warn("opencode.interrupt.failed", "agent_id", s.opt.AgentID, "error", err.Error())
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warn("opencode.interrupt.failed", "agent_id", s.opt.AgentID, "status", resp.StatusCode)
	}
	return nil
}

// Close releases any resources held by the session; the HTTP client itself
// is stateless beyond connection pooling, so this is currently a no-op hook
// kept for symmetry with car.Client.Close.
func (s *Session) Close() {}
