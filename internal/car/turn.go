package car

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// MaxTurnRawEvents bounds TurnState.RawEvents (§3, §8).
const MaxTurnRawEvents = defaultMaxTurnRawEvents

// terminal status classification (§3, open question #1 in DESIGN.md).
var successStatuses = map[string]bool{
	"completed": true, "done": true, "succeeded": true,
}
var failureStatuses = map[string]bool{
	"failed": true, "error": true, "errored": true,
	"cancelled": true, "interrupted": true, "stopped": true,
}

const (
	StatusTerminalUnknown = "terminal_unknown"
)

func isTerminalStatus(status string) bool {
	return successStatuses[status] || failureStatuses[status]
}

func resolvedStatusFor(status string) string {
	if status == "" {
		return StatusTerminalUnknown
	}
	if successStatuses[status] || failureStatuses[status] {
		return status
	}
	return StatusTerminalUnknown
}

func statusSucceeded(status string) bool {
	return successStatuses[status]
}

// TurnResult is the value produced exactly once by TurnHandle.Wait (§3).
type TurnResult struct {
	TurnID        string    `json:"turn_id"`
	Status        string    `json:"status"`
	FinalMessage  string    `json:"final_message"`
	AgentMessages []string  `json:"agent_messages"`
	Errors        []string  `json:"errors"`
	RawEvents     []Message `json:"raw_events"`
}

// FinalMessagePolicy selects how TurnResult.FinalMessage is derived (§3).
type FinalMessagePolicy int

const (
	FinalMessageLastOnly FinalMessagePolicy = iota
	FinalMessageAllJoined
)

func deriveFinalMessage(policy FinalMessagePolicy, messages []string) string {
	switch policy {
	case FinalMessageAllJoined:
		nonEmpty := make([]string, 0, len(messages))
		for _, m := range messages {
			if strings.TrimSpace(m) != "" {
				nonEmpty = append(nonEmpty, m)
			}
		}
		return strings.Join(nonEmpty, "\n\n")
	default:
		for i := len(messages) - 1; i >= 0; i-- {
			if strings.TrimSpace(messages[i]) != "" {
				return messages[i]
			}
		}
		return ""
	}
}

// TurnState is the unit of this core, keyed by (thread_id, turn_id) (§3).
type TurnState struct {
	mu sync.Mutex

	TurnID   string
	ThreadID string

	status   string
	resolved bool
	resultCh chan TurnResult

	agentMessages      []string
	agentMessageDeltas map[string]string
	reasoningSummary   map[string]string

	rawEvents []Message
	errors    []string

	lastEventAt      time.Time
	lastMethod       string
	recoveryAttempts int
	lastRecoveryAt   time.Time

	policy FinalMessagePolicy
	events chan RunEvent
}

func newTurnState(turnID, threadID string, policy FinalMessagePolicy) *TurnState {
	return &TurnState{
		TurnID:             turnID,
		ThreadID:           threadID,
		resultCh:           make(chan TurnResult, 1),
		agentMessageDeltas: make(map[string]string),
		reasoningSummary:   make(map[string]string),
		lastEventAt:        time.Now(),
		policy:             policy,
		events:             make(chan RunEvent, 64),
	}
}

// Events returns the channel of canonical RunEvents for this turn, consumed
// by the orchestrator's run_turn stream.
func (ts *TurnState) Events() <-chan RunEvent { return ts.events }

func (ts *TurnState) emit(ev RunEvent) {
	ev.ThreadID = ts.ThreadID
	ev.TurnID = ts.TurnID
	select {
	case ts.events <- ev:
	default:
		// Never block the dispatcher's read loop on a slow consumer (§5
		// backpressure); drop the oldest to make room.
		select {
		case <-ts.events:
		default:
		}
		select {
		case ts.events <- ev:
		default:
		}
	}
}

func (ts *TurnState) pushRaw(msg Message) {
	ts.rawEvents = append(ts.rawEvents, msg)
	if len(ts.rawEvents) > MaxTurnRawEvents {
		ts.rawEvents = ts.rawEvents[len(ts.rawEvents)-MaxTurnRawEvents:]
	}
}

// resolve completes the turn's future exactly once (§3 invariant). Returns
// false if already resolved (idempotent terminal resolution, §4.4).
func (ts *TurnState) resolve(status string, errs []string) bool {
	if ts.resolved {
		return false
	}
	ts.resolved = true
	ts.status = status
	if len(errs) > 0 {
		ts.errors = append(ts.errors, errs...)
	}
	// Reasoning/delta accumulators are cleared on terminal resolution (§3).
	ts.agentMessageDeltas = map[string]string{}
	ts.reasoningSummary = map[string]string{}

	result := TurnResult{
		TurnID:        ts.TurnID,
		Status:        status,
		AgentMessages: append([]string(nil), ts.agentMessages...),
		Errors:        append([]string(nil), ts.errors...),
		RawEvents:     append([]Message(nil), ts.rawEvents...),
	}
	result.FinalMessage = deriveFinalMessage(ts.policy, result.AgentMessages)
	ts.resultCh <- result

	if statusSucceeded(status) {
		ts.emit(CompletedEvent(ts.ThreadID, ts.TurnID, status, result.FinalMessage))
	} else {
		ts.emit(FailedEvent(ts.ThreadID, ts.TurnID, status, result.Errors))
	}
	return true
}

func (ts *TurnState) appendAgentMessage(msg string) {
	if len(ts.agentMessages) > 0 && ts.agentMessages[len(ts.agentMessages)-1] == msg {
		return // monotone agent_messages: no two equal adjacent entries (§3)
	}
	ts.agentMessages = append(ts.agentMessages, msg)
}

// TurnHandle is the promise-shaped handle returned by TurnRegistry.Create;
// callers Wait() it to a TurnResult, optionally interleaving stall recovery
// (§4.4).
type TurnHandle struct {
	state    *TurnState
	registry *TurnRegistry
}

// Wait blocks until the turn resolves or timeout elapses, polling in
// stall-poll-interval slices and running stall detection between slices
// (§4.4). A zero timeout means wait forever (bounded only by ctx).
func (h *TurnHandle) Wait(ctx context.Context, timeout time.Duration) (TurnResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case res := <-h.state.resultCh:
		h.state.resultCh <- res // keep it available for a second Wait call
		return res, nil
	default:
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	pollInterval := h.registry.stallPollInterval
	if pollInterval <= 0 {
		pollInterval = defaultTurnStallPollInterval
	}

	for {
		slice := pollInterval
		ticker := time.NewTimer(slice)
		select {
		case res := <-h.state.resultCh:
			ticker.Stop()
			h.state.resultCh <- res
			return res, nil
		case <-ctx.Done():
			ticker.Stop()
			return TurnResult{}, ctx.Err()
		case <-deadline:
			ticker.Stop()
			return TurnResult{}, &TimeoutError{TurnID: h.state.TurnID}
		case <-ticker.C:
			h.registry.checkStall(ctx, h.state)
		}
	}
}

// StallRecoverer performs the thread/resume recovery walk (stall.go).
type StallRecoverer interface {
	Recover(ctx context.Context, ts *TurnState) (recovered bool)
}

// TurnRegistry tracks every live TurnState for one Client, keyed by
// (thread_id, turn_id), with a pending-by-turn-id map absorbing the race
// where notifications precede the turn/start response (§4.4, design note
// "pending-by-turn-id then merge").
type TurnRegistry struct {
	log *slog.Logger

	mu              sync.Mutex
	turnsByKey      map[string]*TurnState // "threadID|turnID" -> state
	pendingByTurnID map[string]*TurnState // turnID -> provisional state (thread unknown)

	stallTimeout          time.Duration
	stallPollInterval     time.Duration
	recoveryMinInterval   time.Duration
	policy                FinalMessagePolicy
	recoverer             StallRecoverer
}

func compoundKey(threadID, turnID string) string { return threadID + "|" + turnID }

func NewTurnRegistry(log *slog.Logger, cfg Config) *TurnRegistry {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.WithDefaults()
	return &TurnRegistry{
		log:                 log,
		turnsByKey:          make(map[string]*TurnState),
		pendingByTurnID:     make(map[string]*TurnState),
		stallTimeout:        cfg.TurnStallTimeout,
		stallPollInterval:   cfg.TurnStallPollInterval,
		recoveryMinInterval: cfg.TurnStallRecoveryMinPeriod,
		policy:              FinalMessageLastOnly,
	}
}

// SetRecoverer wires the stall-recovery implementation in (stall.go),
// avoiding an import cycle between turn.go and stall.go.
func (r *TurnRegistry) SetRecoverer(rec StallRecoverer) { r.recoverer = rec }

// Create registers a TurnState on a successful turn/start response, merging
// any provisional state accumulated under pendingByTurnID (§4.4 "Create").
func (r *TurnRegistry) Create(turnID, threadID string) *TurnHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts := r.pendingByTurnID[turnID]
	if ts != nil {
		delete(r.pendingByTurnID, turnID)
		ts.ThreadID = threadID
	} else {
		ts = newTurnState(turnID, threadID, r.policy)
	}
	r.turnsByKey[compoundKey(threadID, turnID)] = ts
	ts.emit(StartedEvent(threadID, turnID))
	return &TurnHandle{state: ts, registry: r}
}

// Lookup returns the TurnState for (threadID, turnID) if known, searching
// the pending map too.
func (r *TurnRegistry) Lookup(threadID, turnID string) *TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if threadID != "" {
		if ts := r.turnsByKey[compoundKey(threadID, turnID)]; ts != nil {
			return ts
		}
	}
	return r.pendingByTurnID[turnID]
}

// findByTurnID implements the "unique matching turn_id across active turns"
// search used when a notification's thread_id is absent or untrusted
// (§4.4 tie-break rule).
func (r *TurnRegistry) findByTurnID(turnID string) []*TurnState {
	var out []*TurnState
	for _, ts := range r.turnsByKey {
		if ts.TurnID == turnID {
			out = append(out, ts)
		}
	}
	if ts, ok := r.pendingByTurnID[turnID]; ok {
		out = append(out, ts)
	}
	return out
}

// applyThreadScopedTokenUsage handles thread/tokenUsage/updated, which
// names a thread but never a turn: best effort per turn, authoritative per
// thread (§9 open question). Dropped silently when zero or more than one
// turn is active on the thread, since there is no unambiguous target.
func (r *TurnRegistry) applyThreadScopedTokenUsage(threadID string, params json.RawMessage) {
	r.mu.Lock()
	var candidates []*TurnState
	for _, ts := range r.turnsByKey {
		if ts.ThreadID == threadID {
			candidates = append(candidates, ts)
		}
	}
	r.mu.Unlock()
	if len(candidates) != 1 {
		return
	}

	var u struct {
		InputTokens  int64 `json:"inputTokens"`
		OutputTokens int64 `json:"outputTokens"`
		TotalTokens  int64 `json:"totalTokens"`
	}
	_ = json.Unmarshal(params, &u)

	ts := candidates[0]
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.resolved {
		return
	}
	ts.lastEventAt = time.Now()
	ts.lastMethod = NotifyThreadTokenUsageUpdated
	ts.pushRaw(Message{Method: NotifyThreadTokenUsageUpdated, Params: params})
	ts.emit(TokenUsageEvent(ts.ThreadID, ts.TurnID, u.InputTokens, u.OutputTokens, u.TotalTokens))
}

// resolveTarget finds or creates the TurnState a notification applies to,
// implementing the tie-break/ambiguity rules of §4.4.
func (r *TurnRegistry) resolveTarget(threadID, turnID string) *TurnState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if turnID == "" {
		return nil
	}

	if threadID != "" {
		if ts := r.turnsByKey[compoundKey(threadID, turnID)]; ts != nil {
			return ts
		}
	}

	candidates := r.findByTurnID(turnID)
	switch len(candidates) {
	case 1:
		ts := candidates[0]
		if threadID != "" && ts.ThreadID != "" && ts.ThreadID != threadID {
			r.log.Warn(LogTurnThreadMismatch, "turn_id", turnID, "notified_thread_id", threadID, "known_thread_id", ts.ThreadID)
		}
		return ts
	case 0:
		ts := newTurnState(turnID, threadID, r.policy)
		r.pendingByTurnID[turnID] = ts
		return ts
	default:
		r.log.Warn(LogTurnAmbiguous, "turn_id", turnID, "candidates", len(candidates))
		return nil
	}
}

// HandleNotification implements TurnNotificationSink, dispatching by method
// per the §4.4 table.
func (r *TurnRegistry) HandleNotification(method string, params json.RawMessage) {
	var hdr struct {
		ThreadID string          `json:"threadId"`
		TurnID   string          `json:"turnId"`
		ItemID   string          `json:"itemId"`
		Delta    string          `json:"delta"`
		Status   string          `json:"status"`
		Item     json.RawMessage `json:"item"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &hdr)
	}

	// thread/tokenUsage/updated (§9 open question) carries threadId only,
	// never turnId by its own name; apply it to the sole active turn on
	// that thread rather than dropping it for lack of a turn_id.
	if method == NotifyThreadTokenUsageUpdated && hdr.TurnID == "" && hdr.ThreadID != "" {
		r.applyThreadScopedTokenUsage(hdr.ThreadID, params)
		return
	}

	ts := r.resolveTarget(hdr.ThreadID, hdr.TurnID)
	if ts == nil {
		return // ambiguous or unparsable; raw handler already saw it
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.lastEventAt = time.Now()
	ts.lastMethod = method
	ts.pushRaw(Message{Method: method, Params: params})

	if ts.resolved {
		return // terminal resolution is idempotent (§4.4)
	}

	switch {
	case method == NotifyAgentMessageDelta:
		ts.agentMessageDeltas[hdr.ItemID] += hdr.Delta
		ts.emit(OutputDeltaEvent(ts.ThreadID, ts.TurnID, DeltaAssistantStream, hdr.Delta))

	case method == NotifyReasoningSummaryDelta:
		ts.reasoningSummary[hdr.ItemID] += hdr.Delta
		ts.emit(RunNoticeEvent(ts.ThreadID, ts.TurnID, "thinking", ts.reasoningSummary[hdr.ItemID]))

	case method == NotifyReasoningSummaryPart:
		ts.reasoningSummary[hdr.ItemID] += "\n\n"

	case method == NotifyItemCompleted:
		r.handleItemCompleted(ts, hdr.ItemID, hdr.Item)

	case method == NotifyToolCallStart:
		var tc struct {
			Name  string `json:"name"`
			Input any    `json:"input"`
		}
		_ = json.Unmarshal(params, &tc)
		ts.emit(ToolCallEvent(ts.ThreadID, ts.TurnID, tc.Name, tc.Input))

	case method == NotifyToolCallEnd:
		// no state change (§4.4 table)

	case method == NotifyTurnStreamDelta || isOutputDeltaMethod(method):
		dt := DeltaAssistantStream
		if isLogLineDeltaPath(method) {
			dt = DeltaLogLine
		}
		var d struct {
			Delta string `json:"delta"`
			Text  string `json:"text"`
		}
		_ = json.Unmarshal(params, &d)
		text := d.Delta
		if text == "" {
			text = d.Text
		}
		ts.emit(OutputDeltaEvent(ts.ThreadID, ts.TurnID, dt, text))

	case method == NotifyThreadTokenUsageUpdated || method == NotifyTurnTokenUsage || method == NotifyTurnUsage:
		var u struct {
			InputTokens  int64 `json:"inputTokens"`
			OutputTokens int64 `json:"outputTokens"`
			TotalTokens  int64 `json:"totalTokens"`
		}
		_ = json.Unmarshal(params, &u)
		ts.emit(TokenUsageEvent(ts.ThreadID, ts.TurnID, u.InputTokens, u.OutputTokens, u.TotalTokens))

	case method == NotifyError || method == NotifyTurnError:
		var e struct {
			Message  string `json:"message"`
			Terminal bool   `json:"terminal"`
		}
		_ = json.Unmarshal(params, &e)
		msg := e.Message
		if msg == "" {
			msg = fmt.Sprintf("error notification on method %s", method)
		}
		ts.errors = append(ts.errors, msg)
		r.log.Warn(LogTurnError, "turn_id", ts.TurnID, "message", msg)
		if e.Terminal {
			ts.resolve(resolvedStatusFor("failed"), nil)
		}

	case method == NotifyTurnCompleted:
		status := resolvedStatusFor(hdr.Status)
		r.log.Info(LogTurnCompleted, "turn_id", ts.TurnID, "status", status)
		ts.resolve(status, nil)
		r.forget(ts)
	}
}

func (r *TurnRegistry) handleItemCompleted(ts *TurnState, itemID string, rawItem json.RawMessage) {
	var item struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Name string `json:"name"`
	}
	if len(rawItem) > 0 {
		_ = json.Unmarshal(rawItem, &item)
	}
	kind := itemCompletedKind(item.Type)

	r.log.Debug(LogItemCompleted, "turn_id", ts.TurnID, "item_id", itemID, "kind", kind)

	switch kind {
	case itemKindAgentMessage:
		text := ts.agentMessageDeltas[itemID]
		if text == "" {
			text = item.Text
		}
		delete(ts.agentMessageDeltas, itemID)
		if text != "" {
			ts.appendAgentMessage(text)
			ts.emit(OutputDeltaEvent(ts.ThreadID, ts.TurnID, DeltaAssistantStream, text))
		}
	case itemKindReasoning:
		delete(ts.reasoningSummary, itemID)
	default:
		if isToolLikeItemKind(kind) {
			ts.emit(ToolCallEvent(ts.ThreadID, ts.TurnID, normalizedToolName(kind, item.Name), rawItem))
		}
	}
}

// forget removes a resolved turn from turnsByKey lookups used for ambiguity
// resolution, while the TurnState itself (and its RawEvents) remains
// reachable via the TurnHandle already returned to the caller.
func (r *TurnRegistry) forget(ts *TurnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turnsByKey, compoundKey(ts.ThreadID, ts.TurnID))
	delete(r.pendingByTurnID, ts.TurnID)
}

// checkStall runs one stall-detection pass for ts (§4.4), invoked from
// TurnHandle.Wait between poll slices.
func (r *TurnRegistry) checkStall(ctx context.Context, ts *TurnState) {
	ts.mu.Lock()
	resolved := ts.resolved
	idle := time.Since(ts.lastEventAt)
	sinceRecovery := time.Since(ts.lastRecoveryAt)
	ts.mu.Unlock()

	if resolved {
		return
	}
	if idle < r.stallTimeout {
		return
	}
	if ts.lastRecoveryAt.IsZero() {
		sinceRecovery = r.recoveryMinInterval // allow first attempt immediately
	}
	if sinceRecovery < r.recoveryMinInterval {
		return
	}

	r.log.Warn(LogTurnStalled, "turn_id", ts.TurnID, "thread_id", ts.ThreadID, "idle", idle.String())

	if r.recoverer == nil {
		return
	}

	ts.mu.Lock()
	ts.recoveryAttempts++
	ts.lastRecoveryAt = time.Now()
	ts.mu.Unlock()

	recovered := r.recoverer.Recover(ctx, ts)
	if !recovered {
		ts.mu.Lock()
		ts.lastEventAt = time.Now()
		ts.mu.Unlock()
	} else {
		r.forget(ts)
	}
}

// Interrupt implements turn/interrupt: sends the RPC but does not resolve
// the local future — the server will send a terminal event (§4.4).
func (r *TurnRegistry) Interrupt(ctx context.Context, d *Dispatcher, turnID, threadID string) error {
	if threadID == "" {
		if ts := r.Lookup("", turnID); ts != nil {
			threadID = ts.ThreadID
		}
	}
	_, err := d.Call(ctx, MethodTurnInterrupt, map[string]string{"turnId": turnID, "threadId": threadID})
	return err
}

// RejectAll fails every in-flight turn future with a transient disconnect
// error, on client disconnect (§4.5, scenario 6).
func (r *TurnRegistry) RejectAll(cause error) {
	r.mu.Lock()
	states := make([]*TurnState, 0, len(r.turnsByKey)+len(r.pendingByTurnID))
	for _, ts := range r.turnsByKey {
		states = append(states, ts)
	}
	for _, ts := range r.pendingByTurnID {
		states = append(states, ts)
	}
	r.turnsByKey = make(map[string]*TurnState)
	r.pendingByTurnID = make(map[string]*TurnState)
	r.mu.Unlock()

	for _, ts := range states {
		ts.mu.Lock()
		if !ts.resolved {
			ts.errors = append(ts.errors, cause.Error())
			ts.resolve(resolvedStatusFor("failed"), nil)
		}
		ts.mu.Unlock()
	}
}
