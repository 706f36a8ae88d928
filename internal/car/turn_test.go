package car

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		StateDir:                   "unused",
		AgentBinary:                "unused",
		TurnStallTimeout:           50 * time.Millisecond,
		TurnStallPollInterval:      10 * time.Millisecond,
		TurnStallRecoveryMinPeriod: 10 * time.Millisecond,
	}
}

func TestResolvedStatusFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
	}{
		{"completed", "completed"},
		{"failed", "failed"},
		{"cancelled", "cancelled"},
		{"", StatusTerminalUnknown},
		{"some_unknown_vendor_status", StatusTerminalUnknown},
	}
	for _, tc := range cases {
		if got := resolvedStatusFor(tc.in); got != tc.want {
			t.Errorf("resolvedStatusFor(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeriveFinalMessage(t *testing.T) {
	t.Parallel()

	messages := []string{"first", "", "second", "  "}
	if got := deriveFinalMessage(FinalMessageLastOnly, messages); got != "second" {
		t.Fatalf("FinalMessageLastOnly=%q, want %q", got, "second")
	}
	if got := deriveFinalMessage(FinalMessageAllJoined, messages); got != "first\n\nsecond" {
		t.Fatalf("FinalMessageAllJoined=%q, want %q", got, "first\n\nsecond")
	}
}

func TestTurnRegistry_CreateThenNotificationsThenResolve(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("t1", "thread1")

	r.HandleNotification(NotifyAgentMessageDelta, json.RawMessage(`{"threadId":"thread1","turnId":"t1","itemId":"i1","delta":"hel"}`))
	r.HandleNotification(NotifyAgentMessageDelta, json.RawMessage(`{"threadId":"thread1","turnId":"t1","itemId":"i1","delta":"lo"}`))
	r.HandleNotification(NotifyItemCompleted, json.RawMessage(`{"threadId":"thread1","turnId":"t1","itemId":"i1","item":{"type":"agentMessage"}}`))
	r.HandleNotification(NotifyTurnCompleted, json.RawMessage(`{"threadId":"thread1","turnId":"t1","status":"completed"}`))

	res, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("Status=%q, want completed", res.Status)
	}
	if res.FinalMessage != "hello" {
		t.Fatalf("FinalMessage=%q, want %q (accumulated from deltas then flushed by item/completed)", res.FinalMessage, "hello")
	}
}

func TestTurnRegistry_PendingByTurnIDMergesOnCreate(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())

	// A notification arrives before turn/start's response registers the turn.
	r.HandleNotification(NotifyAgentMessageDelta, json.RawMessage(`{"turnId":"t1","itemId":"i1","delta":"hi"}`))

	handle := r.Create("t1", "thread1")
	r.HandleNotification(NotifyTurnCompleted, json.RawMessage(`{"threadId":"thread1","turnId":"t1","status":"completed"}`))

	res, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.FinalMessage != "" {
		// delta accumulator is never flushed to AgentMessages without
		// item/completed, so FinalMessage is empty; the assertion that
		// matters is that the pending state merged onto the real thread id.
		t.Fatalf("FinalMessage=%q, want empty (no item/completed was sent)", res.FinalMessage)
	}
	if handle.state.ThreadID != "thread1" {
		t.Fatalf("ThreadID=%q, want thread1 after merge", handle.state.ThreadID)
	}
}

func TestTurnRegistry_AmbiguousTurnIDAcrossThreadsIsDropped(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	h1 := r.Create("dup", "threadA")
	h2 := r.Create("dup", "threadB")

	// No threadId given: two candidates share turn_id "dup", so the
	// notification is dropped rather than guessed.
	r.HandleNotification(NotifyAgentMessageDelta, json.RawMessage(`{"turnId":"dup","itemId":"x","delta":"nope"}`))

	r.HandleNotification(NotifyTurnCompleted, json.RawMessage(`{"threadId":"threadA","turnId":"dup","status":"completed"}`))
	r.HandleNotification(NotifyTurnCompleted, json.RawMessage(`{"threadId":"threadB","turnId":"dup","status":"completed"}`))

	res1, err := h1.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("h1.Wait: %v", err)
	}
	res2, err := h2.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("h2.Wait: %v", err)
	}
	if res1.FinalMessage != "" || res2.FinalMessage != "" {
		t.Fatalf("ambiguous delta leaked into a turn: res1=%q res2=%q", res1.FinalMessage, res2.FinalMessage)
	}
}

func TestTurnRegistry_ResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("t1", "thread1")

	r.HandleNotification(NotifyTurnCompleted, json.RawMessage(`{"threadId":"thread1","turnId":"t1","status":"completed"}`))
	// A late duplicate must not panic or change the already-resolved result.
	r.HandleNotification(NotifyTurnCompleted, json.RawMessage(`{"threadId":"thread1","turnId":"t1","status":"failed"}`))

	res, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("Status=%q, want completed (first resolution wins)", res.Status)
	}

	// Wait again: result must still be retrievable.
	res2, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("second Wait: %v", err)
	}
	if res2.Status != "completed" {
		t.Fatalf("second Wait Status=%q, want completed", res2.Status)
	}
}

func TestTurnRegistry_ThreadScopedTokenUsageAppliesOnlyWhenUnambiguous(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("t1", "thread1")
	<-handle.state.Events() // drain the "started" event emitted by Create

	r.HandleNotification(NotifyThreadTokenUsageUpdated, json.RawMessage(`{"threadId":"thread1","inputTokens":10,"outputTokens":5,"totalTokens":15}`))

	select {
	case ev := <-handle.state.Events():
		if ev.Type != RunEventTokenUsage || ev.TotalTokens != 15 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no token usage event emitted for the sole active turn on the thread")
	}
}

func TestTurnRegistry_ThreadScopedTokenUsageDroppedWhenAmbiguous(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	h1 := r.Create("t1", "thread1")
	h2 := r.Create("t2", "thread1")
	// drain the "started" events emitted by Create so they don't confuse the select below
	<-h1.state.Events()
	<-h2.state.Events()

	r.HandleNotification(NotifyThreadTokenUsageUpdated, json.RawMessage(`{"threadId":"thread1","inputTokens":1,"outputTokens":1,"totalTokens":2}`))

	select {
	case ev := <-h1.state.Events():
		t.Fatalf("unexpected event on turn 1: %+v", ev)
	case ev := <-h2.state.Events():
		t.Fatalf("unexpected event on turn 2: %+v", ev)
	case <-time.After(50 * time.Millisecond):
		// expected: dropped silently, no unambiguous target
	}
}

func TestTurnRegistry_RejectAllFailsEveryInFlightTurn(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	h1 := r.Create("t1", "thread1")
	h2 := r.Create("t2", "thread2")

	r.RejectAll(ErrDisconnected)

	for _, h := range []*TurnHandle{h1, h2} {
		res, err := h.Wait(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if len(res.Errors) == 0 {
			t.Fatalf("Errors empty, want the disconnect cause recorded")
		}
	}
}

func TestTurnHandle_WaitTimesOut(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("t1", "thread1")

	_, err := handle.Wait(context.Background(), 30*time.Millisecond)
	if err == nil {
		t.Fatalf("Wait: want timeout error for an unresolved turn")
	}
	var te *TimeoutError
	if !asTimeoutError(err, &te) {
		t.Fatalf("Wait error=%v, want *TimeoutError", err)
	}
}

func asTimeoutError(err error, target **TimeoutError) bool {
	te, ok := err.(*TimeoutError)
	if !ok {
		return false
	}
	*target = te
	return true
}

func TestTurnHandle_WaitTriggersStallRecovery(t *testing.T) {
	t.Parallel()

	r := NewTurnRegistry(nil, testConfig())
	rec := &fakeRecoverer{}
	r.SetRecoverer(rec)
	handle := r.Create("t1", "thread1")

	done := make(chan struct{})
	go func() {
		handle.Wait(context.Background(), 200*time.Millisecond)
		close(done)
	}()

	time.Sleep(120 * time.Millisecond)
	if rec.calls() == 0 {
		t.Fatalf("stall recoverer was never invoked")
	}
	<-done
}

type fakeRecoverer struct {
	mu sync.Mutex
	n  int
}

func (f *fakeRecoverer) Recover(ctx context.Context, ts *TurnState) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	return false
}

func (f *fakeRecoverer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
