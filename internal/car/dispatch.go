package car

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// PendingRequest is one outstanding outbound call awaiting a reply (§3).
type PendingRequest struct {
	ID     string
	Method string
	result chan pendingResult
}

type pendingResult struct {
	raw json.RawMessage
	err error
}

// ApprovalHandler answers a server-initiated approval request. Implemented
// by internal/car's Approval Bridge (approval.go); kept as an interface here
// so the dispatcher never depends on the bridge's concrete policy.
type ApprovalHandler interface {
	HandleApproval(ctx context.Context, method string, params json.RawMessage) (result any, err error)
}

// NotificationHandler receives every inbound notification verbatim, in
// addition to whatever the Turn Registry does with turn-scoped ones (§4.3
// "forwards inbound notifications both to a raw handler and to the Turn
// Registry").
type NotificationHandler func(method string, params json.RawMessage)

// TurnNotificationSink is implemented by the Turn Registry; the dispatcher
// feeds it every inbound notification; the registry drops those it cannot
// tie to a turn.
type TurnNotificationSink interface {
	HandleNotification(method string, params json.RawMessage)
}

// methods that require a reply from the core when the server initiates them
// (§4.3 "only two known methods require a reply").
var approvalRequestMethods = map[string]bool{
	"item/commandExecution/requestApproval": true,
	"item/fileChange/requestApproval":       true,
}

// Dispatcher matches responses to outstanding requests by id, routes
// inbound server requests to the Approval Bridge, and forwards inbound
// notifications to both the raw handler and the Turn Registry. Grounded on
// other_examples' dispatch.go.go (explicit registry, no reflection) and
// client_appserver_even.go's handleRPCResponse/handleRPCEvent split.
type Dispatcher struct {
	log *slog.Logger

	transport *Transport
	approval  ApprovalHandler
	rawNotify NotificationHandler
	turnSink  TurnNotificationSink

	mu      sync.Mutex
	pending map[string]*PendingRequest
	closed  bool
}

func NewDispatcher(log *slog.Logger, transport *Transport, approval ApprovalHandler, rawNotify NotificationHandler, turnSink TurnNotificationSink) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		log:       log,
		transport: transport,
		approval:  approval,
		rawNotify: rawNotify,
		turnSink:  turnSink,
		pending:   make(map[string]*PendingRequest),
	}
}

// NewRequestID generates an opaque unique token for one outbound call.
func NewRequestID() string {
	return uuid.NewString()
}

// Call sends an outbound request and blocks (honoring ctx) for its reply.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := NewRequestID()
	msg, err := newRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pr := &PendingRequest{ID: id, Method: method, result: make(chan pendingResult, 1)}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, Transient(ErrDisconnected)
	}
	d.pending[id] = pr
	d.mu.Unlock()

	d.log.Info(LogRequest, "method", method, "id", id)

	if err := d.transport.Send(msg); err != nil {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, Transient(err)
	}

	select {
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	case res := <-pr.result:
		return res.raw, res.err
	}
}

// Notify sends a fire-and-forget outbound notification.
func (d *Dispatcher) Notify(method string, params any) error {
	msg, err := newNotification(method, params)
	if err != nil {
		return err
	}
	return d.transport.Send(msg)
}

// HandleInbound routes one inbound ReadResult: a response resolves a
// pending call, a server request is answered (approval or -32601), and a
// notification fans out to the raw handler and the turn registry.
func (d *Dispatcher) HandleInbound(ctx context.Context, rr *ReadResult) {
	if rr == nil {
		return
	}
	if rr.Oversize != nil {
		notif, err := rr.Oversize.ToSyntheticNotification()
		if err != nil {
			d.log.Error(LogReadFailed, "error", err.Error())
			return
		}
		d.dispatchNotification(notif.Method, notif.Params)
		return
	}

	msg := rr.Msg
	switch {
	case msg.IsResponse():
		d.handleResponse(msg)
	case msg.IsRequest():
		d.handleServerRequest(ctx, msg)
	case msg.IsNotification():
		d.dispatchNotification(msg.Method, msg.Params)
	default:
		d.log.Debug(LogResponseInvalidRequest, "raw", string(msg.ID))
	}
}

func (d *Dispatcher) handleResponse(msg *Message) {
	id, ok := idString(msg.ID)
	if !ok {
		d.log.Debug(LogResponseUnmatched, "reason", "unparseable id")
		return
	}

	d.mu.Lock()
	pr, found := d.pending[id]
	if found {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !found {
		d.log.Debug(LogResponseUnmatched, "id", id)
		return
	}

	if msg.Error != nil {
		d.log.Warn(LogResponseError, "id", id, "method", pr.Method, "code", msg.Error.Code, "message", msg.Error.Message)
		pr.result <- pendingResult{err: msg.Error}
		return
	}
	d.log.Debug(LogResponse, "id", id, "method", pr.Method)
	pr.result <- pendingResult{raw: msg.Result}
}

func (d *Dispatcher) handleServerRequest(ctx context.Context, msg *Message) {
	if !approvalRequestMethods[msg.Method] {
		resp, _ := newResponse(msg.ID, nil, &RPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("Unsupported method: %s", msg.Method),
		})
		_ = d.transport.Send(resp)
		return
	}

	id, _ := idString(msg.ID)
	d.log.Info(LogApprovalRequested, "id", id, "method", msg.Method)

	if d.approval == nil {
		resp, _ := newResponse(msg.ID, nil, &RPCError{Code: ErrCodeApprovalFailed, Message: "approval handler failed"})
		_ = d.transport.Send(resp)
		return
	}

	result, err := func() (result any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("approval handler panic: %v", r)
			}
		}()
		return d.approval.HandleApproval(ctx, msg.Method, msg.Params)
	}()

	if err != nil {
		d.log.Error(LogApprovalFailed, "id", id, "method", msg.Method, "error", err.Error())
		resp, _ := newResponse(msg.ID, nil, &RPCError{Code: ErrCodeApprovalFailed, Message: "approval handler failed"})
		_ = d.transport.Send(resp)
		return
	}

	d.log.Info(LogApprovalResponded, "id", id, "method", msg.Method)
	resp, rerr := newResponse(msg.ID, result, nil)
	if rerr != nil {
		d.log.Error(LogApprovalFailed, "id", id, "error", rerr.Error())
		return
	}
	_ = d.transport.Send(resp)
}

func (d *Dispatcher) dispatchNotification(method string, params json.RawMessage) {
	d.log.Debug(LogNotify, "method", method)
	if d.turnSink != nil {
		d.turnSink.HandleNotification(method, params)
	}
	if d.rawNotify != nil {
		d.rawNotify(method, params)
	}
}

// RejectAll rejects every pending request with a transient disconnect
// error and marks the dispatcher closed, on transport disconnect (§4.3,
// §4.5, scenario 6).
func (d *Dispatcher) RejectAll(cause error) {
	if cause == nil {
		cause = ErrDisconnected
	}
	d.mu.Lock()
	d.closed = true
	pending := d.pending
	d.pending = make(map[string]*PendingRequest)
	d.mu.Unlock()

	for _, pr := range pending {
		pr.result <- pendingResult{err: Transient(cause)}
	}
}

// Reopen clears the closed flag after a successful restart (§4.5).
func (d *Dispatcher) Reopen() {
	d.mu.Lock()
	d.closed = false
	d.mu.Unlock()
}
