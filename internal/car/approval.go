package car

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ApprovalDecision is the reply shape the server expects: either a plain
// boolean accept/cancel or a richer named decision (§4.7).
type ApprovalDecision struct {
	Approve  *bool  `json:"approve,omitempty"`
	Decision string `json:"decision,omitempty"`
}

// ApprovalMode selects how the bridge answers a server-initiated approval
// request (§4.7).
type ApprovalMode int

const (
	// ApprovalFixedAccept/ApprovalFixedCancel answer synchronously.
	ApprovalFixedAccept ApprovalMode = iota
	ApprovalFixedCancel
	// ApprovalOperatorPrompt emits ApprovalRequested and awaits an external
	// decision via PromptChannel, bounded by a deadline.
	ApprovalOperatorPrompt
	// ApprovalPolicyFunction evaluates PolicyFunc over the request params.
	ApprovalPolicyFunction
)

// PolicyFunc is a pluggable predicate over raw approval-request params,
// e.g. "allow any git status, deny everything else" (§4.7).
type PolicyFunc func(method string, params json.RawMessage) (approve bool, err error)

// PromptResolver is supplied by the surface: it receives the pending
// approval request and must eventually send a decision on the returned
// channel, or the bridge's deadline fires and the configured default wins.
type PromptResolver func(req ApprovalPromptRequest) <-chan bool

// ApprovalPromptRequest is what's handed to a surface's PromptResolver.
type ApprovalPromptRequest struct {
	RequestID string
	Method    string
	ThreadID  string
	TurnID    string
	Command   string
	Params    json.RawMessage
}

// Bridge implements ApprovalHandler (dispatch.go), converting
// server-initiated approval RPCs into a well-formed decision within a
// bounded time, in one of three modes (§4.7).
type Bridge struct {
	mode           ApprovalMode
	defaultApprove bool
	deadline       time.Duration
	policy         PolicyFunc
	prompt         PromptResolver
	emit           func(RunEvent)
}

type BridgeOptions struct {
	Mode           ApprovalMode
	DefaultApprove bool
	Deadline       time.Duration
	Policy         PolicyFunc
	Prompt         PromptResolver
	// Emit surfaces the ApprovalRequested RunEvent for operator-prompt mode.
	Emit func(RunEvent)
}

func NewBridge(opts BridgeOptions) *Bridge {
	if opts.Deadline <= 0 {
		opts.Deadline = defaultApprovalTimeout
	}
	return &Bridge{
		mode:           opts.Mode,
		defaultApprove: opts.DefaultApprove,
		deadline:       opts.Deadline,
		policy:         opts.Policy,
		prompt:         opts.Prompt,
		emit:           opts.Emit,
	}
}

// HandleApproval implements ApprovalHandler.
func (b *Bridge) HandleApproval(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch b.mode {
	case ApprovalFixedAccept:
		approve := true
		return ApprovalDecision{Approve: &approve}, nil
	case ApprovalFixedCancel:
		approve := false
		return ApprovalDecision{Approve: &approve}, nil
	case ApprovalPolicyFunction:
		if b.policy == nil {
			return nil, fmt.Errorf("car: approval policy function mode with no policy set")
		}
		ok, err := b.policy(method, params)
		if err != nil {
			return nil, err
		}
		return ApprovalDecision{Approve: &ok}, nil
	case ApprovalOperatorPrompt:
		return b.handleOperatorPrompt(ctx, method, params)
	default:
		return nil, fmt.Errorf("car: unknown approval mode")
	}
}

func (b *Bridge) handleOperatorPrompt(ctx context.Context, method string, params json.RawMessage) (any, error) {
	var hdr struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
		TurnID   string `json:"turnId"`
		Command  string `json:"command"`
	}
	_ = json.Unmarshal(params, &hdr)

	req := ApprovalPromptRequest{
		RequestID: hdr.ID,
		Method:    method,
		ThreadID:  hdr.ThreadID,
		TurnID:    hdr.TurnID,
		Command:   hdr.Command,
		Params:    params,
	}

	if b.emit != nil {
		b.emit(ApprovalRequestedEvent(hdr.ThreadID, hdr.TurnID, hdr.ID, hdr.Command))
	}

	if b.prompt == nil {
		approve := b.defaultApprove
		return ApprovalDecision{Approve: &approve}, nil
	}

	ch := b.prompt(req)
	timer := time.NewTimer(b.deadline)
	defer timer.Stop()

	select {
	case decision, ok := <-ch:
		if !ok {
			decision = b.defaultApprove
		}
		return ApprovalDecision{Approve: &decision}, nil
	case <-timer.C:
		decision := b.defaultApprove
		return ApprovalDecision{Approve: &decision}, nil
	case <-ctx.Done():
		decision := b.defaultApprove
		return ApprovalDecision{Approve: &decision}, nil
	}
}
