package car

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func newTestDispatcher(out *bytes.Buffer, approval ApprovalHandler, rawNotify NotificationHandler, turnSink TurnNotificationSink) *Dispatcher {
	tr := NewTransport(nil, out, io.Discard, 0, 0)
	return NewDispatcher(nil, tr, approval, rawNotify, turnSink)
}

func lastWrittenMessage(t *testing.T, out *bytes.Buffer) Message {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	var msg Message
	if err := json.Unmarshal(lines[len(lines)-1], &msg); err != nil {
		t.Fatalf("unmarshal written line: %v", err)
	}
	return msg
}

func TestDispatcher_CallResolvesOnMatchingResponse(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)

	type callResult struct {
		raw json.RawMessage
		err error
	}
	resCh := make(chan callResult, 1)
	go func() {
		raw, err := d.Call(context.Background(), MethodTurnStart, map[string]string{"threadId": "t1"})
		resCh <- callResult{raw, err}
	}()

	var sent Message
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if out.Len() > 0 {
			sent = lastWrittenMessage(t, &out)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sent.Method != MethodTurnStart {
		t.Fatalf("sent.Method=%q, want %q", sent.Method, MethodTurnStart)
	}

	resp := &Message{ID: sent.ID, Result: json.RawMessage(`{"turnId":"tn1"}`)}
	d.HandleInbound(context.Background(), &ReadResult{Msg: resp})

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("Call err=%v", r.err)
		}
		var body struct {
			TurnID string `json:"turnId"`
		}
		if err := json.Unmarshal(r.raw, &body); err != nil {
			t.Fatalf("unmarshal result: %v", err)
		}
		if body.TurnID != "tn1" {
			t.Fatalf("TurnID=%q, want tn1", body.TurnID)
		}
	case <-time.After(time.Second):
		t.Fatalf("Call never resolved")
	}
}

func TestDispatcher_CallResolvesWithRPCErrorOnErrorResponse(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), MethodTurnStart, nil)
		resCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && out.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	sent := lastWrittenMessage(t, &out)

	resp := &Message{ID: sent.ID, Error: &RPCError{Code: ErrCodeInternal, Message: "boom"}}
	d.HandleInbound(context.Background(), &ReadResult{Msg: resp})

	select {
	case err := <-resCh:
		if err == nil {
			t.Fatalf("Call: want error for an error response")
		}
		var rpcErr *RPCError
		if !asRPCError(err, &rpcErr) {
			t.Fatalf("Call err=%v, want *RPCError", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Call never resolved")
	}
}

func TestDispatcher_CallContextCancellationUnblocksWait(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, MethodTurnStart, nil)
		resCh <- err
	}()

	cancel()
	select {
	case err := <-resCh:
		if err == nil {
			t.Fatalf("Call: want context.Canceled")
		}
	case <-time.After(time.Second):
		t.Fatalf("Call never unblocked after context cancellation")
	}
}

func TestDispatcher_HandleServerRequest_UnsupportedMethodRepliesMethodNotFound(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)

	req := &Message{ID: json.RawMessage(`"1"`), Method: "some/unsupported/method"}
	d.HandleInbound(context.Background(), &ReadResult{Msg: req})

	sent := lastWrittenMessage(t, &out)
	if sent.Error == nil || sent.Error.Code != ErrCodeMethodNotFound {
		t.Fatalf("sent=%+v, want a MethodNotFound error reply", sent)
	}
}

func TestDispatcher_HandleServerRequest_RoutesApprovalToBridge(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	bridge := NewBridge(BridgeOptions{Mode: ApprovalFixedAccept})
	d := newTestDispatcher(&out, bridge, nil, nil)

	req := &Message{ID: json.RawMessage(`"1"`), Method: "item/commandExecution/requestApproval", Params: json.RawMessage(`{"id":"r1","command":"ls"}`)}
	d.HandleInbound(context.Background(), &ReadResult{Msg: req})

	sent := lastWrittenMessage(t, &out)
	if sent.Error != nil {
		t.Fatalf("sent=%+v, want no error for a fixed-accept bridge", sent)
	}
	var dec ApprovalDecision
	if err := json.Unmarshal(sent.Result, &dec); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if dec.Approve == nil || !*dec.Approve {
		t.Fatalf("decision=%+v, want approve=true", dec)
	}
}

func TestDispatcher_DispatchNotificationFansOutToRawAndTurnSink(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	var rawCalls []string
	sink := &recordingSink{}
	d := newTestDispatcher(&out, nil, func(method string, params json.RawMessage) {
		rawCalls = append(rawCalls, method)
	}, sink)

	notif := &Message{Method: "item/completed", Params: json.RawMessage(`{}`)}
	d.HandleInbound(context.Background(), &ReadResult{Msg: notif})

	if len(rawCalls) != 1 || rawCalls[0] != "item/completed" {
		t.Fatalf("rawCalls=%v, want [item/completed]", rawCalls)
	}
	if len(sink.methods) != 1 || sink.methods[0] != "item/completed" {
		t.Fatalf("sink.methods=%v, want [item/completed]", sink.methods)
	}
}

type recordingSink struct {
	methods []string
}

func (s *recordingSink) HandleNotification(method string, params json.RawMessage) {
	s.methods = append(s.methods, method)
}

func TestDispatcher_RejectAllFailsPendingAndMarksClosed(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	d := newTestDispatcher(&out, nil, nil, nil)

	resCh := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), MethodTurnStart, nil)
		resCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && out.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	d.RejectAll(ErrDisconnected)

	select {
	case err := <-resCh:
		if err == nil {
			t.Fatalf("Call: want a transient disconnect error")
		}
	case <-time.After(time.Second):
		t.Fatalf("Call never resolved after RejectAll")
	}

	if _, err := d.Call(context.Background(), MethodTurnStart, nil); err == nil {
		t.Fatalf("Call after RejectAll (before Reopen): want ErrDisconnected")
	}

	d.Reopen()
	if d.closed {
		t.Fatalf("Reopen: dispatcher still marked closed")
	}
}
