package car

import "time"

// RunEvent is the canonical, vendor-neutral event type emitted to surfaces
// (§3). Exactly one variant field is set per event, discriminated by Type.
type RunEventType string

const (
	RunEventStarted           RunEventType = "started"
	RunEventOutputDelta       RunEventType = "output_delta"
	RunEventToolCall          RunEventType = "tool_call"
	RunEventApprovalRequested RunEventType = "approval_requested"
	RunEventTokenUsage        RunEventType = "token_usage"
	RunEventRunNotice         RunEventType = "run_notice"
	RunEventCompleted         RunEventType = "completed"
	RunEventFailed            RunEventType = "failed"
)

// DeltaType enumerates OutputDelta.DeltaType (§3).
type DeltaType string

const (
	DeltaUserMessage     DeltaType = "user_message"
	DeltaAssistantStream DeltaType = "assistant_stream"
	DeltaLogLine         DeltaType = "log_line"
	DeltaText            DeltaType = "text"
)

// RunEvent is a tagged union rendered as a flat struct for ease of
// construction; surfaces should switch on Type and read only the
// corresponding fields, matching the teacher's streamEvent* style
// (internal/ai/types.go) of one wire-aligned struct per notification kind,
// collapsed here into one canonical envelope.
type RunEvent struct {
	Type      RunEventType `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	ThreadID  string       `json:"thread_id,omitempty"`
	TurnID    string       `json:"turn_id,omitempty"`

	// OutputDelta
	DeltaType DeltaType `json:"delta_type,omitempty"`
	Text      string    `json:"text,omitempty"`

	// ToolCall
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput any    `json:"tool_input,omitempty"`

	// ApprovalRequested
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command,omitempty"`

	// TokenUsage
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`
	TotalTokens  int64 `json:"total_tokens,omitempty"`

	// RunNotice
	NoticeKind string `json:"notice_kind,omitempty"`
	Message    string `json:"message,omitempty"`

	// Completed / Failed
	Status       string   `json:"status,omitempty"`
	FinalMessage string   `json:"final_message,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}

func newRunEvent(typ RunEventType, threadID, turnID string) RunEvent {
	return RunEvent{Type: typ, Timestamp: time.Now().UTC(), ThreadID: threadID, TurnID: turnID}
}

func StartedEvent(threadID, turnID string) RunEvent {
	return newRunEvent(RunEventStarted, threadID, turnID)
}

func OutputDeltaEvent(threadID, turnID string, dt DeltaType, text string) RunEvent {
	e := newRunEvent(RunEventOutputDelta, threadID, turnID)
	e.DeltaType = dt
	e.Text = text
	return e
}

func ToolCallEvent(threadID, turnID, name string, input any) RunEvent {
	e := newRunEvent(RunEventToolCall, threadID, turnID)
	e.ToolName = name
	e.ToolInput = input
	return e
}

func ApprovalRequestedEvent(threadID, turnID, requestID, command string) RunEvent {
	e := newRunEvent(RunEventApprovalRequested, threadID, turnID)
	e.RequestID = requestID
	e.Command = command
	return e
}

func TokenUsageEvent(threadID, turnID string, input, output, total int64) RunEvent {
	e := newRunEvent(RunEventTokenUsage, threadID, turnID)
	e.InputTokens = input
	e.OutputTokens = output
	e.TotalTokens = total
	return e
}

func RunNoticeEvent(threadID, turnID, kind, message string) RunEvent {
	e := newRunEvent(RunEventRunNotice, threadID, turnID)
	e.NoticeKind = kind
	e.Message = message
	return e
}

func CompletedEvent(threadID, turnID, status, finalMessage string) RunEvent {
	e := newRunEvent(RunEventCompleted, threadID, turnID)
	e.Status = status
	e.FinalMessage = finalMessage
	return e
}

func FailedEvent(threadID, turnID, status string, errs []string) RunEvent {
	e := newRunEvent(RunEventFailed, threadID, turnID)
	e.Status = status
	e.Errors = errs
	return e
}

// normalizedToolName normalizes an item/completed tool-like item
// into a display name, e.g. "commandExecution" -> "command_execution".
func normalizedToolName(kind itemCompletedKind, rawName string) string {
	if rawName != "" {
		return rawName
	}
	switch kind {
	case itemKindCommandExecution:
		return "command_execution"
	case itemKindFileChange:
		return "file_change"
	default:
		return string(kind)
	}
}
