package opencode

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func newMockOpenCodeWSServer(t *testing.T, knownSession string, chunks []turnChunkWire) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/turns/ws") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		parts := strings.Split(r.URL.Path, "/")
		sessionID := parts[2]
		if sessionID != knownSession {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var start turnStartRequest
		if err := conn.ReadJSON(&start); err != nil {
			t.Errorf("read turn start frame: %v", err)
			return
		}
		for _, c := range chunks {
			if err := conn.WriteJSON(c); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func TestSession_StartTurnWebSocket_DecodesChunksAndResolvesSummary(t *testing.T) {
	t.Parallel()

	chunks := []turnChunkWire{
		{Type: ChunkOutputDelta, DeltaType: "text", Text: "hi "},
		{Type: ChunkOutputDelta, DeltaType: "text", Text: "there"},
		{Type: ChunkCompleted, Status: "success", FinalMessage: "hi there"},
	}
	srv := newMockOpenCodeWSServer(t, "sess_ws_1", chunks)
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := NewSession(log, Options{BaseURL: srv.URL, AgentID: "agent_1", UseWebSocket: true})

	handle, err := sess.StartTurn(context.Background(), "sess_ws_1", TurnRequest{Prompt: "say hi"})
	if err != nil {
		t.Fatalf("StartTurn: %v", err)
	}

	var got strings.Builder
	for c := range handle.Chunks() {
		if c.Type == ChunkOutputDelta {
			got.WriteString(c.Text)
		}
	}
	if got.String() != "hi there" {
		t.Fatalf("got=%q, want %q", got.String(), "hi there")
	}

	summary, err := handle.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if summary.Status != "success" || summary.FinalMessage != "hi there" {
		t.Fatalf("summary=%+v", summary)
	}
}

func TestSession_StartTurnWebSocket_UnknownSessionReturnsErrSessionNotFound(t *testing.T) {
	t.Parallel()

	srv := newMockOpenCodeWSServer(t, "sess_ws_1", nil)
	t.Cleanup(srv.Close)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sess := NewSession(log, Options{BaseURL: srv.URL, AgentID: "agent_1", UseWebSocket: true})

	_, err := sess.StartTurn(context.Background(), "no_such_session", TurnRequest{Prompt: "hi"})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err=%v, want ErrSessionNotFound", err)
	}
}

func TestWsURL_RewritesScheme(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	httpSess := NewSession(log, Options{BaseURL: "http://example.test:8080"})
	if got, want := httpSess.wsURL("/sessions/1/turns/ws"), "ws://example.test:8080/sessions/1/turns/ws"; got != want {
		t.Fatalf("wsURL=%q, want %q", got, want)
	}

	httpsSess := NewSession(log, Options{BaseURL: "https://example.test"})
	if got, want := httpsSess.wsURL("/sessions/1/turns/ws"), "wss://example.test/sessions/1/turns/ws"; got != want {
		t.Fatalf("wsURL=%q, want %q", got, want)
	}
}
