package car

// Stable structured log event names (§6). These are logged with
// slog.Logger.Info/Warn/Error alongside minimal safe fields (ids, sizes,
// counts) — never raw agent output, matching the teacher's logging
// discipline in internal/ai/service.go.
const (
	LogSpawned               = "app_server.spawned"
	LogInitialized            = "app_server.initialized"
	LogInitializeRetry        = "app_server.initialize.retry"
	LogRequest                = "app_server.request"
	LogResponse               = "app_server.response"
	LogResponseError          = "app_server.response.error"
	LogResponseInvalidRequest = "app_server.response.invalid_request"
	LogResponseUnmatched      = "app_server.response.unmatched"
	LogNotify                 = "app_server.notify"
	LogTurnCompleted          = "app_server.turn.completed"
	LogTurnError              = "app_server.turn_error"
	LogTurnStalled            = "app_server.turn_stalled"
	LogTurnRecoveryFailed     = "app_server.turn_recovery.failed"
	LogTurnThreadMismatch     = "app_server.turn.thread_mismatch"
	LogTurnAmbiguous          = "app_server.turn.ambiguous"
	LogItemCompleted          = "app_server.item.completed"
	LogApprovalRequested      = "app_server.approval.requested"
	LogApprovalResponded      = "app_server.approval.responded"
	LogApprovalFailed         = "app_server.approval.failed"
	LogReadFailed             = "app_server.read.failed"
	LogReadInvalidJSON        = "app_server.read.invalid_json"
	LogReadOversizeDropped    = "app_server.read.oversize_dropped"
	LogDisconnected           = "app_server.disconnected"
	LogRestarted              = "app_server.restarted"
	LogRestartFailed          = "app_server.restart.failed"
)
