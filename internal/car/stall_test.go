package car

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"
)

// callAndRespond drives d.Call(MethodThreadResume, ...) in a goroutine and
// replies with resultJSON once the request has actually been written, the
// same pattern dispatch_test.go uses to exercise Call without a live process.
func callAndRespond(t *testing.T, d *Dispatcher, out *bytes.Buffer, resultJSON string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && out.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	sent := lastWrittenMessage(t, out)
	d.HandleInbound(context.Background(), &ReadResult{Msg: &Message{ID: sent.ID, Result: json.RawMessage(resultJSON)}})
}

func TestRecovery_ResolvesTurnFoundTerminalInSnapshot(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)
	rc := NewRecovery(nil, d)

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("tn1", "th1")

	go callAndRespond(t, d, &out, `{"turns":[{"id":"tn1","status":"completed","items":[{"type":"agentMessage","text":"done"}]}]}`)

	recovered := rc.Recover(context.Background(), handle.state)
	if !recovered {
		t.Fatalf("Recover: want true when the snapshot shows a terminal status")
	}

	res, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != "completed" {
		t.Fatalf("Status=%q, want completed", res.Status)
	}
	if res.FinalMessage != "done" {
		t.Fatalf("FinalMessage=%q, want done", res.FinalMessage)
	}
}

func TestRecovery_TriesAlternateSnapshotShapes(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)
	rc := NewRecovery(nil, d)

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("tn1", "th1")

	// "turns" is absent; the walker must fall through to "data.turns".
	go callAndRespond(t, d, &out, `{"data":{"turns":[{"turnId":"tn1","status":"failed","items":[{"type":"error","message":"boom"}]}]}}`)

	recovered := rc.Recover(context.Background(), handle.state)
	if !recovered {
		t.Fatalf("Recover: want true via the data.turns fallback path")
	}

	res, err := handle.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != "failed" {
		t.Fatalf("Status=%q, want failed", res.Status)
	}
	if len(res.Errors) != 1 || res.Errors[0] != "boom" {
		t.Fatalf("Errors=%v, want [boom]", res.Errors)
	}
}

func TestRecovery_ReturnsFalseWhenTurnNotFoundInSnapshot(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)
	rc := NewRecovery(nil, d)

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("tn1", "th1")

	go callAndRespond(t, d, &out, `{"turns":[{"id":"other","status":"completed"}]}`)

	if rc.Recover(context.Background(), handle.state) {
		t.Fatalf("Recover: want false when the snapshot has no matching turn")
	}
}

func TestRecovery_ReturnsFalseWhenSnapshotStatusNotTerminal(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)
	rc := NewRecovery(nil, d)

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("tn1", "th1")

	go callAndRespond(t, d, &out, `{"turns":[{"id":"tn1","status":"in_progress"}]}`)

	if rc.Recover(context.Background(), handle.state) {
		t.Fatalf("Recover: want false when the snapshot's status is still non-terminal")
	}
}

func TestRecovery_ReturnsFalseWithNoThreadID(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)
	rc := NewRecovery(nil, d)

	r := NewTurnRegistry(nil, testConfig())
	handle := r.Create("tn1", "")

	if rc.Recover(context.Background(), handle.state) {
		t.Fatalf("Recover: want false with no thread_id to resume")
	}
	if out.Len() != 0 {
		t.Fatalf("Recover issued a thread/resume call despite no thread_id")
	}
}
