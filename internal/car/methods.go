package car

import "strings"

// Method name constants for the wire protocol (§6), collected from the
// retrieved pack's own app-server client implementations (dispatch.go.go's
// method tables, client_appserver_even.go's methodToEventMap) so this core
// speaks the same vocabulary real app-server clients in the corpus do.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "initialized"

	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodThreadList    = "thread/list"
	MethodThreadArchive = "thread/archive"

	MethodTurnStart     = "turn/start"
	MethodReviewStart   = "review/start"
	MethodTurnInterrupt = "turn/interrupt"

	MethodModelList           = "model/list"
	MethodAccountRead         = "account/read"
	MethodAccountRateLimits   = "account/rateLimits/read"
)

// Inbound notification methods consumed by the Turn Registry (§4.4 table).
const (
	NotifyAgentMessageDelta       = "item/agentMessage/delta"
	NotifyToolCallStart           = "item/toolCall/start"
	NotifyToolCallEnd             = "item/toolCall/end"
	NotifyItemCompleted           = "item/completed"
	NotifyReasoningSummaryDelta   = "item/reasoning/summaryTextDelta"
	NotifyReasoningSummaryPart    = "item/reasoning/summaryPartAdded"
	NotifyTurnStreamDelta         = "turn/streamDelta"
	NotifyTurnCompleted           = "turn/completed"
	NotifyTurnError               = "turn/error"
	NotifyTurnTokenUsage          = "turn/tokenUsage"
	NotifyTurnUsage               = "turn/usage"
	NotifyThreadTokenUsageUpdated = "thread/tokenUsage/updated"
	NotifyError                   = "error"
)

// Inbound server-request methods requiring a reply (§4.3, §6).
const (
	RequestCommandExecutionApproval = "item/commandExecution/requestApproval"
	RequestFileChangeApproval       = "item/fileChange/requestApproval"
)

// isOutputDeltaMethod matches "any method whose path lowercases to contain
// outputdelta" (§6), used alongside the explicit NotifyTurnStreamDelta
// constant since vendors vary the exact method name here.
func isOutputDeltaMethod(method string) bool {
	return strings.Contains(strings.ToLower(method), "outputdelta")
}

// isLogLineDeltaPath matches methods whose path indicates command-execution
// or file-change output, which the normalizer renders as
// OutputDelta(log_line) instead of OutputDelta(assistant_stream) (§4.4).
func isLogLineDeltaPath(method string) bool {
	lower := strings.ToLower(method)
	return strings.Contains(lower, "commandexecution") || strings.Contains(lower, "filechange")
}

// itemCompletedKind is the normalized "item.type" discriminator carried in
// item/completed params, used to route to the right state transition
// (§4.4 table).
type itemCompletedKind string

const (
	itemKindAgentMessage      itemCompletedKind = "agentMessage"
	itemKindReasoning         itemCompletedKind = "reasoning"
	itemKindCommandExecution  itemCompletedKind = "commandExecution"
	itemKindFileChange        itemCompletedKind = "fileChange"
	itemKindTool              itemCompletedKind = "tool"
)

func isToolLikeItemKind(kind itemCompletedKind) bool {
	switch kind {
	case itemKindCommandExecution, itemKindFileChange, itemKindTool:
		return true
	default:
		return false
	}
}
