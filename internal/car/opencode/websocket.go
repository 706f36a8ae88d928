package opencode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// wsURL rewrites the session's http(s) base URL to ws(s), matching how
// opencode-flavored agents that prefer a push channel typically expose it
// alongside the same REST surface.
func (s *Session) wsURL(path string) string {
	base := strings.TrimRight(s.opt.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + path
}

// startTurnWebSocket is the alternate streaming transport (§4.6 DOMAIN
// STACK: "alternate streaming transport for opencode-flavored agents that
// expose a websocket event channel instead of chunked HTTP"). It dials a
// per-turn socket, sends one turn-start frame, then decodes one JSON Chunk
// per inbound text frame until a terminal chunk arrives.
func (s *Session) startTurnWebSocket(ctx context.Context, sessionID string, req TurnRequest) (*TurnHandle, error) {
	url := s.wsURL(fmt.Sprintf("/sessions/%s/turns/ws", sessionID))

	dialer := websocket.Dialer{}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("opencode: websocket dial: %w", err)
	}
	if resp != nil {
		defer resp.Body.Close()
	}

	start := turnStartRequest{Prompt: req.Prompt, Model: req.Model, Reasoning: req.Reasoning}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opencode: websocket write turn start: %w", err)
	}

	chunks := make(chan Chunk, 64)
	summaryCh := make(chan Summary, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer conn.Close()
		for {
			var wire turnChunkWire
			if err := conn.ReadJSON(&wire); err != nil {
				if errors.Is(err, context.Canceled) {
					errCh <- err
					return
				}
				errCh <- fmt.Errorf("opencode: websocket read: %w", err)
				return
			}
			c := wire.toChunk()
			select {
			case chunks <- c:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
			if isTerminalChunkType(c.Type) {
				summaryCh <- Summary{Status: c.Status, FinalMessage: c.FinalMessage, Errors: c.Errors}
				return
			}
		}
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
