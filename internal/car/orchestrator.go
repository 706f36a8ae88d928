package car

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/relaycore/car/internal/car/auditlog"
	"github.com/relaycore/car/internal/car/opencode"
	"github.com/relaycore/car/internal/car/telemetry"
	"github.com/relaycore/car/internal/car/threadregistry"
)

// AgentSpec binds one agent_id to the launch/connection parameters needed
// to reach it, and which backend flavor it speaks (§4.6).
type AgentSpec struct {
	BackendFlavor string `json:"backend_flavor"` // "codex" | "opencode"

	// codex-flavored
	Argv []string `json:"argv,omitempty"`

	// opencode-flavored
	OpenCodeBaseURL   string `json:"opencode_base_url,omitempty"`
	OpenCodeWebSocket bool   `json:"opencode_websocket,omitempty"`
}

// LoadAgentSpecs reads a JSON file of {agent_id: AgentSpec} mappings, the
// on-disk counterpart to OrchestratorOptions.Agents.
func LoadAgentSpecs(path string) (map[string]AgentSpec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var specs map[string]AgentSpec
	if err := json.Unmarshal(b, &specs); err != nil {
		return nil, fmt.Errorf("car: parse agent specs %s: %w", path, err)
	}
	for id, spec := range specs {
		switch spec.BackendFlavor {
		case "codex":
			if len(spec.Argv) == 0 {
				return nil, fmt.Errorf("car: agent %q missing argv", id)
			}
		case "opencode":
			if strings.TrimSpace(spec.OpenCodeBaseURL) == "" {
				return nil, fmt.Errorf("car: agent %q missing opencode_base_url", id)
			}
		default:
			return nil, fmt.Errorf("car: agent %q has unknown backend_flavor %q", id, spec.BackendFlavor)
		}
	}
	return specs, nil
}

// RunRequest is the orchestrator's run_turn input (§4.6).
type RunRequest struct {
	AgentID       string
	State         string
	Prompt        string
	Model         string
	Reasoning     string
	SessionKey    string
	SessionID     string
	WorkspaceRoot string
	SandboxPolicy any
}

// RunContext is the latest {agent_id, session_id, turn_id, thread_info}
// snapshot exposed by get_context() (§4.6).
type RunContext struct {
	AgentID       string
	SessionID     string
	TurnID        string
	WorkspaceRoot string
	ThreadInfo    map[string]string
}

// TurnStream is the orchestrator's uniform presentation of a run_turn call,
// regardless of which backend flavor produced it (§4.6 "presents the same
// RunEvent stream").
type TurnStream struct {
	Events <-chan RunEvent
	Wait   func(ctx context.Context) (TurnResult, error)
}

// OrchestratorOptions configures the Orchestrator façade.
type OrchestratorOptions struct {
	Config Config
	Agents map[string]AgentSpec

	ClientName    string
	ClientVersion string
	EnvBuilder    EnvBuilder
	BaseEnv       []string
	Approval      ApprovalHandler
	RawNotify     NotificationHandler

	TelemetryPath string

	// AuditStateDir, if set, enables an append-only audit trail of session
	// lifecycle and interrupt actions under AuditStateDir/audit. Separate
	// from TelemetryPath's per-turn ledger.
	AuditStateDir string
}

// Orchestrator is the Backend Orchestrator façade of §4.6: it selects a
// backend per agent_id, persists session identity via the Thread-Id
// Registry, and exposes run_turn/interrupt/start_session/close_all plus the
// get_* introspection calls. Grounded on internal/ai/service.go's role as
// the single entry point wiring thread_actor + native_runtime + sidecar
// process together behind one façade.
type Orchestrator struct {
	log *slog.Logger
	cfg Config
	opt OrchestratorOptions

	supervisor *Supervisor
	threads    *threadregistry.Registry
	ledger     *telemetry.Ledger
	audit      *auditlog.Store

	mu              sync.Mutex
	openCodeByAgent map[string]*opencode.Session
	last            RunContext
	lastTokenTotal  int64
}

func NewOrchestrator(log *slog.Logger, stateDir string, opt OrchestratorOptions) (*Orchestrator, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg := opt.Config.WithDefaults()

	o := &Orchestrator{
		log:             log,
		cfg:             cfg,
		opt:             opt,
		threads:         threadregistry.New(stateDir),
		openCodeByAgent: make(map[string]*opencode.Session),
	}

	if opt.TelemetryPath != "" {
		ledger, err := telemetry.Open(opt.TelemetryPath)
		if err != nil {
			return nil, fmt.Errorf("car: open telemetry ledger: %w", err)
		}
		o.ledger = ledger
	}

	if opt.AuditStateDir != "" {
		audit, err := auditlog.New(auditlog.Options{Logger: log, StateDir: opt.AuditStateDir})
		if err != nil {
			return nil, fmt.Errorf("car: open audit log: %w", err)
		}
		o.audit = audit
	}

	o.supervisor = NewSupervisor(log, cfg, func(workspaceKey string) ClientOptions {
		agentID, workspaceRoot := splitWorkspaceKey(workspaceKey)
		spec := o.opt.Agents[agentID]
		return ClientOptions{
			WorkspaceRoot: workspaceRoot,
			BackendFlavor: spec.BackendFlavor,
			Argv:          spec.Argv,
			EnvBuilder:    opt.EnvBuilder,
			BaseEnv:       opt.BaseEnv,
			ClientName:    opt.ClientName,
			ClientVersion: opt.ClientVersion,
			Approval:      opt.Approval,
			RawNotify:     opt.RawNotify,
		}
	})

	return o, nil
}

// codexWorkspaceKey builds the Supervisor's per-client map key for a
// codex-flavored agent: the Supervisor only keys clients by one string, but
// run_turn needs both the agent_id (to pick Argv/flavor) and the actual
// workspace directory (passed through to Client as cmd.Dir), so the two are
// joined and split back apart by splitWorkspaceKey.
func codexWorkspaceKey(agentID, workspaceRoot string) string {
	return agentID + "|" + workspaceRoot
}

func splitWorkspaceKey(key string) (agentID, workspaceRoot string) {
	idx := strings.IndexByte(key, '|')
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}

func defaultSessionKey(agentID, workspaceRoot string) string {
	return agentID + ":" + workspaceRoot
}

// RunTurn implements §4.6 run_turn: resolve or create a session, then
// stream turn events; on session-not-found, clear the registry entry and
// restart the turn once.
func (o *Orchestrator) RunTurn(ctx context.Context, req RunRequest) (*TurnStream, error) {
	spec, ok := o.opt.Agents[req.AgentID]
	if !ok {
		return nil, fmt.Errorf("car: unknown agent_id %q", req.AgentID)
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = defaultSessionKey(req.AgentID, req.WorkspaceRoot)
	}

	if spec.BackendFlavor == "opencode" {
		return o.runOpenCodeTurn(ctx, spec, req, sessionKey)
	}
	return o.runCodexTurn(ctx, spec, req, sessionKey)
}

func (o *Orchestrator) runCodexTurn(ctx context.Context, spec AgentSpec, req RunRequest, sessionKey string) (*TurnStream, error) {
	client, err := o.supervisor.GetClient(ctx, codexWorkspaceKey(req.AgentID, req.WorkspaceRoot))
	if err != nil {
		return nil, err
	}

	threadID, err := o.resolveThread(ctx, client, sessionKey, req.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	turnID, handle, err := o.startCodexTurn(ctx, client, threadID, req)
	if err != nil && isSessionNotFound(err) {
		o.log.Warn(LogTurnThreadMismatch, "reason", "session not found, restarting once", "session_key", sessionKey)
		_ = o.threads.Reset(sessionKey)
		threadID, err = o.resolveThread(ctx, client, sessionKey, req.WorkspaceRoot)
		if err != nil {
			return nil, err
		}
		turnID, handle, err = o.startCodexTurn(ctx, client, threadID, req)
	}
	if err != nil {
		return nil, err
	}

	o.setContext(RunContext{
		AgentID:       req.AgentID,
		SessionID:     threadID,
		TurnID:        turnID,
		WorkspaceRoot: req.WorkspaceRoot,
		ThreadInfo:    map[string]string{"thread_id": threadID},
	})
	if o.ledger != nil {
		_ = o.ledger.RecordStart(ctx, turnID, threadID, req.WorkspaceRoot)
	}
	if o.audit != nil {
		o.audit.Append(auditlog.Entry{
			Action:        "turn_started",
			AgentID:       req.AgentID,
			WorkspaceRoot: req.WorkspaceRoot,
			ThreadID:      threadID,
			TurnID:        turnID,
		})
	}

	events := o.tee(handle.state.Events())
	return &TurnStream{
		Events: events,
		Wait: func(waitCtx context.Context) (TurnResult, error) {
			res, err := handle.Wait(waitCtx, o.cfg.TurnTimeout)
			if err == nil && o.ledger != nil {
				_ = o.ledger.RecordCompletion(waitCtx, turnID, res.Status, 0, 0, o.GetLastTokenTotal(), len(res.Errors))
			}
			o.auditTurnCompletion(req.AgentID, req.WorkspaceRoot, threadID, turnID, res, err)
			return res, err
		},
	}, nil
}

// auditTurnCompletion records the terminal outcome of a turn to the audit
// trail, best-effort and non-blocking to the caller's result.
func (o *Orchestrator) auditTurnCompletion(agentID, workspaceRoot, threadID, turnID string, res TurnResult, err error) {
	if o.audit == nil {
		return
	}
	status := "success"
	errStr := ""
	if err != nil {
		status = "failure"
		errStr = err.Error()
	} else if res.Status != "" && res.Status != "completed" {
		status = "failure"
		if len(res.Errors) > 0 {
			errStr = strings.Join(res.Errors, "; ")
		}
	}
	o.audit.Append(auditlog.Entry{
		Action:        "turn_completed",
		Status:        status,
		Error:         errStr,
		AgentID:       agentID,
		WorkspaceRoot: workspaceRoot,
		ThreadID:      threadID,
		TurnID:        turnID,
		Detail:        map[string]any{"turn_status": res.Status},
	})
}

// resolveThread implements the Thread-Id Registry reuse rule of §4.6: "If
// reuse_session=true in config and a mapped id exists, the orchestrator
// tries thread/resume; on failure it clears the mapping and starts a fresh
// thread."
func (o *Orchestrator) resolveThread(ctx context.Context, client *Client, sessionKey, workspaceRoot string) (string, error) {
	if o.cfg.ReuseSession {
		if tid, ok := o.threads.Get(sessionKey); ok {
			if _, err := client.Dispatcher().Call(ctx, MethodThreadResume, map[string]string{"threadId": tid}); err == nil {
				return tid, nil
			}
			o.log.Warn(LogTurnThreadMismatch, "reason", "thread/resume failed, clearing mapping", "session_key", sessionKey)
			_ = o.threads.Reset(sessionKey)
		}
	}

	res, err := client.Dispatcher().Call(ctx, MethodThreadStart, map[string]any{"workspaceRoot": workspaceRoot})
	if err != nil {
		return "", err
	}
	var started struct {
		ThreadID string `json:"threadId"`
	}
	_ = json.Unmarshal(res, &started)
	if started.ThreadID == "" {
		return "", ErrInvalidResponse
	}
	if err := o.threads.Set(sessionKey, started.ThreadID); err != nil {
		o.log.Warn("car.orchestrator.thread_registry_set_failed", "error", err.Error())
	}
	return started.ThreadID, nil
}

func (o *Orchestrator) startCodexTurn(ctx context.Context, client *Client, threadID string, req RunRequest) (string, *TurnHandle, error) {
	params := map[string]any{
		"threadId": threadID,
		"prompt":   req.Prompt,
	}
	if req.Model != "" {
		params["model"] = req.Model
	}
	if req.Reasoning != "" {
		params["reasoning"] = req.Reasoning
	}
	if req.SandboxPolicy != nil {
		params["sandboxPolicy"] = NormalizeSandboxPolicy(req.SandboxPolicy)
	}

	res, err := client.Dispatcher().Call(ctx, MethodTurnStart, params)
	if err != nil {
		return "", nil, err
	}
	var started struct {
		TurnID string `json:"turnId"`
	}
	_ = json.Unmarshal(res, &started)
	if started.TurnID == "" {
		started.TurnID = NewRequestID()
	}
	handle := client.Registry().Create(started.TurnID, threadID)
	return started.TurnID, handle, nil
}

func isSessionNotFound(err error) bool {
	if rpcErr, ok := err.(*RPCError); ok {
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "not found") || strings.Contains(msg, "no such thread") || strings.Contains(msg, "unknown thread")
	}
	return false
}

func (o *Orchestrator) runOpenCodeTurn(ctx context.Context, spec AgentSpec, req RunRequest, sessionKey string) (*TurnStream, error) {
	sess := o.openCodeSession(spec, req.AgentID)

	sessionID, err := sess.EnsureStarted(ctx, req.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	handle, err := sess.StartTurn(ctx, sessionID, opencode.TurnRequest{Prompt: req.Prompt, Model: req.Model, Reasoning: req.Reasoning})
	if err != nil && errors.Is(err, opencode.ErrSessionNotFound) {
		o.log.Warn(LogTurnThreadMismatch, "reason", "opencode session not found, restarting once", "session_key", sessionKey)
		sess.Reset()
		sessionID, err = sess.EnsureStarted(ctx, req.WorkspaceRoot)
		if err != nil {
			return nil, err
		}
		handle, err = sess.StartTurn(ctx, sessionID, opencode.TurnRequest{Prompt: req.Prompt, Model: req.Model, Reasoning: req.Reasoning})
	}
	if err != nil {
		return nil, err
	}

	turnID := NewRequestID()
	o.setContext(RunContext{
		AgentID:       req.AgentID,
		SessionID:     sessionID,
		TurnID:        turnID,
		WorkspaceRoot: req.WorkspaceRoot,
		ThreadInfo:    map[string]string{"session_id": sessionID},
	})
	if o.ledger != nil {
		_ = o.ledger.RecordStart(ctx, turnID, sessionID, req.WorkspaceRoot)
	}

	events := o.teeOpenCode(handle.Chunks(), req.WorkspaceRoot, turnID)
	return &TurnStream{
		Events: events,
		Wait: func(waitCtx context.Context) (TurnResult, error) {
			summary, err := handle.Wait(waitCtx)
			if err != nil {
				return TurnResult{}, err
			}
			status := resolvedStatusFor(summary.Status)
			res := TurnResult{
				TurnID:       turnID,
				Status:       status,
				FinalMessage: summary.FinalMessage,
				Errors:       summary.Errors,
			}
			if o.ledger != nil {
				_ = o.ledger.RecordCompletion(waitCtx, turnID, status, 0, 0, o.GetLastTokenTotal(), len(summary.Errors))
			}
			return res, nil
		},
	}, nil
}

func (o *Orchestrator) openCodeSession(spec AgentSpec, agentID string) *opencode.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sess, ok := o.openCodeByAgent[agentID]; ok {
		return sess
	}
	sess := opencode.NewSession(o.log, opencode.Options{
		BaseURL:        spec.OpenCodeBaseURL,
		AgentID:        agentID,
		UseWebSocket:   spec.OpenCodeWebSocket,
		RequestTimeout: o.cfg.RequestTimeout,
	})
	o.openCodeByAgent[agentID] = sess
	return sess
}

// tee forwards a codex-flavored turn's RunEvents to a fresh channel while
// tracking the last observed token total, stopping once a terminal event
// has passed through (the registry never closes ts.events, so ranging
// forever here would leak one goroutine per turn).
func (o *Orchestrator) tee(src <-chan RunEvent) <-chan RunEvent {
	out := make(chan RunEvent, 64)
	go func() {
		defer close(out)
		for ev := range src {
			if ev.Type == RunEventTokenUsage {
				o.mu.Lock()
				o.lastTokenTotal = ev.TotalTokens
				o.mu.Unlock()
			}
			out <- ev
			if ev.Type == RunEventCompleted || ev.Type == RunEventFailed {
				return
			}
		}
	}()
	return out
}

// teeOpenCode adapts an opencode.Chunk stream into canonical RunEvents,
// acting as the Protocol Normalizer for the HTTP-session backend flavor.
func (o *Orchestrator) teeOpenCode(src <-chan opencode.Chunk, threadID, turnID string) <-chan RunEvent {
	out := make(chan RunEvent, 64)
	go func() {
		defer close(out)
		out <- StartedEvent(threadID, turnID)
		for c := range src {
			switch c.Type {
			case opencode.ChunkOutputDelta:
				out <- OutputDeltaEvent(threadID, turnID, DeltaType(c.DeltaType), c.Text)
			case opencode.ChunkToolCall:
				out <- ToolCallEvent(threadID, turnID, c.ToolName, c.ToolInput)
			case opencode.ChunkTokenUsage:
				o.mu.Lock()
				o.lastTokenTotal = c.TotalTokens
				o.mu.Unlock()
				out <- TokenUsageEvent(threadID, turnID, c.InputTokens, c.OutputTokens, c.TotalTokens)
			case opencode.ChunkNotice:
				out <- RunNoticeEvent(threadID, turnID, c.NoticeKind, c.Message)
			case opencode.ChunkCompleted:
				status := resolvedStatusFor(c.Status)
				out <- CompletedEvent(threadID, turnID, status, c.FinalMessage)
				return
			case opencode.ChunkFailed:
				out <- FailedEvent(threadID, turnID, resolvedStatusFor(c.Status), c.Errors)
				return
			}
		}
	}()
	return out
}

// Interrupt implements §4.6 interrupt(agent_id, state): best-effort, with a
// missing turn id logged but not fatal.
func (o *Orchestrator) Interrupt(ctx context.Context, agentID string, state RunContext) error {
	spec, ok := o.opt.Agents[agentID]
	if !ok {
		return fmt.Errorf("car: unknown agent_id %q", agentID)
	}
	if state.TurnID == "" {
		o.log.Warn("car.orchestrator.interrupt_missing_turn_id", "agent_id", agentID)
		return nil
	}

	err := o.interruptBackend(ctx, spec, agentID, state)
	if o.audit != nil {
		status, errStr := "success", ""
		if err != nil {
			status, errStr = "failure", err.Error()
		}
		o.audit.Append(auditlog.Entry{
			Action:        "turn_interrupted",
			Status:        status,
			Error:         errStr,
			AgentID:       agentID,
			WorkspaceRoot: state.WorkspaceRoot,
			ThreadID:      state.SessionID,
			TurnID:        state.TurnID,
		})
	}
	return err
}

func (o *Orchestrator) interruptBackend(ctx context.Context, spec AgentSpec, agentID string, state RunContext) error {
	if spec.BackendFlavor == "opencode" {
		o.mu.Lock()
		sess := o.openCodeByAgent[agentID]
		o.mu.Unlock()
		if sess == nil {
			return nil
		}
		return sess.Interrupt(ctx, state.SessionID, state.TurnID)
	}

	client, err := o.supervisor.GetClient(ctx, codexWorkspaceKey(agentID, state.WorkspaceRoot))
	if err != nil {
		return err
	}
	return client.Registry().Interrupt(ctx, client.Dispatcher(), state.TurnID, state.SessionID)
}

// StartSession pre-warms the backend for agentID without running a turn
// (§4.6 "start_session(...) may be called explicitly to pre-warm").
func (o *Orchestrator) StartSession(ctx context.Context, agentID, workspaceRoot string) error {
	spec, ok := o.opt.Agents[agentID]
	if !ok {
		return fmt.Errorf("car: unknown agent_id %q", agentID)
	}

	var err error
	if spec.BackendFlavor == "opencode" {
		_, err = o.openCodeSession(spec, agentID).EnsureStarted(ctx, workspaceRoot)
	} else {
		_, err = o.supervisor.GetClient(ctx, codexWorkspaceKey(agentID, workspaceRoot))
	}

	if o.audit != nil {
		status, errStr := "success", ""
		if err != nil {
			status, errStr = "failure", err.Error()
		}
		o.audit.Append(auditlog.Entry{
			Action:        "session_started",
			Status:        status,
			Error:         errStr,
			AgentID:       agentID,
			WorkspaceRoot: workspaceRoot,
		})
	}
	return err
}

func (o *Orchestrator) setContext(rc RunContext) {
	o.mu.Lock()
	o.last = rc
	o.mu.Unlock()
}

// GetContext returns the latest {agent_id, session_id, turn_id, thread_info}
// snapshot (§4.6 get_context()).
func (o *Orchestrator) GetContext() RunContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

func (o *Orchestrator) GetLastTurnID() string { return o.GetContext().TurnID }

func (o *Orchestrator) GetLastThreadInfo() map[string]string { return o.GetContext().ThreadInfo }

func (o *Orchestrator) GetLastTokenTotal() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastTokenTotal
}

// Run blocks, sweeping idle supervised clients periodically until ctx is
// done. Intended to be launched in its own goroutine by cmd/card.
func (o *Orchestrator) Run(ctx context.Context) {
	o.supervisor.RunIdleSweeper(ctx, o.cfg.IdleTTL/4)
}

// CloseAll implements §4.6 close_all(): terminates every supervised
// subprocess client and releases opencode sessions and the telemetry
// ledger.
func (o *Orchestrator) CloseAll() {
	o.supervisor.CloseAll()

	o.mu.Lock()
	sessions := o.openCodeByAgent
	o.openCodeByAgent = make(map[string]*opencode.Session)
	o.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	if o.ledger != nil {
		_ = o.ledger.Close()
	}
	if o.audit != nil {
		o.audit.Append(auditlog.Entry{Action: "orchestrator_closed"})
	}
}
