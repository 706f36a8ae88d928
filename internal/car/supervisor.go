package car

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ClientState is the lifecycle state machine of one Client (§4.5 diagram).
type ClientState int

const (
	ClientCreated ClientState = iota
	ClientSpawning
	ClientInitializing
	ClientRunning
	ClientDisconnected
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientCreated:
		return "created"
	case ClientSpawning:
		return "spawning"
	case ClientInitializing:
		return "initializing"
	case ClientRunning:
		return "running"
	case ClientDisconnected:
		return "disconnected"
	case ClientClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientOptions configures a Client's construction (wraps Config plus the
// wiring a Supervisor must supply per-client).
type ClientOptions struct {
	WorkspaceRoot string
	BackendFlavor string
	Argv          []string
	EnvBuilder    EnvBuilder
	BaseEnv       []string
	ClientName    string
	ClientVersion string

	Approval  ApprovalHandler
	RawNotify NotificationHandler
}

// Client owns one agent process, its transport, dispatcher, and turn
// registry, for one (workspace root, backend flavor) pair (§3). Three data
// structures collapse the spec's three-lock model (§5) into
// already-serialized components: Transport.writeMu (write_lock),
// Dispatcher.mu + TurnRegistry.mu (data_lock), and Client.startMu
// (start_lock) below.
type Client struct {
	log *slog.Logger
	cfg Config
	opt ClientOptions

	startMu sync.Mutex

	mu         sync.Mutex
	state      ClientState
	lastUsedAt time.Time

	process    *Process
	transport  *Transport
	dispatcher *Dispatcher
	registry   *TurnRegistry
	recovery   *Recovery

	restartAttempts int
	backoff         time.Duration

	onDisconnect func(c *Client, cause error)
}

func NewClient(log *slog.Logger, cfg Config, opt ClientOptions) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.WithDefaults()
	return &Client{
		log:        log,
		cfg:        cfg,
		opt:        opt,
		state:      ClientCreated,
		lastUsedAt: time.Now(),
		backoff:    cfg.RestartBackoffFloor,
	}
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastUsedAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastUsedAt)
}

// Start spawns and initializes the client idempotently: a call while
// already Running is a no-op (§3 "start() may be called many times
// idempotently").
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if c.State() == ClientRunning {
		return nil
	}
	if c.State() == ClientClosed {
		return ErrClientClosed
	}

	c.setState(ClientSpawning)

	env := c.opt.BaseEnv
	if c.opt.EnvBuilder != nil {
		env = c.opt.EnvBuilder(c.opt.WorkspaceRoot, env)
	}
	proc, err := Spawn(ctx, c.log, LaunchSpec{Argv: c.opt.Argv, WorkspaceRoot: c.opt.WorkspaceRoot, Env: env})
	if err != nil {
		c.setState(ClientDisconnected)
		return Transient(err)
	}
	c.process = proc

	transport := NewTransport(c.log, proc.Stdin, proc.Stdout, c.cfg.MaxMessageBytes, c.cfg.DrainLimitBytes)
	c.transport = transport
	registry := NewTurnRegistry(c.log, c.cfg)
	c.registry = registry
	dispatcher := NewDispatcher(c.log, transport, c.opt.Approval, c.opt.RawNotify, registry)
	c.dispatcher = dispatcher
	recovery := NewRecovery(c.log, dispatcher)
	c.recovery = recovery
	registry.SetRecoverer(recovery)

	c.setState(ClientInitializing)
	if err := c.handshake(ctx); err != nil {
		_ = proc.Terminate(time.Second)
		c.setState(ClientDisconnected)
		return err
	}

	c.setState(ClientRunning)
	c.restartAttempts = 0
	c.backoff = c.cfg.RestartBackoffFloor
	c.log.Info(LogInitialized, "workspace", c.opt.WorkspaceRoot, "pid", proc.PID())

	go c.readLoop()
	return nil
}

// handshake sends initialize/initialized, retrying once without the
// optional version field on a -32600 protocol error (§4.2, §9).
func (c *Client) handshake(ctx context.Context) error {
	params := BuildHandshakeParams(c.opt.ClientName, c.opt.ClientVersion)
	_, err := c.dispatcher.Call(ctx, MethodInitialize, params)
	if err != nil {
		var rpcErr *RPCError
		if asRPCError(err, &rpcErr) && rpcErr.Code == ErrCodeInvalidRequest {
			c.log.Info(LogInitializeRetry, "reason", "retrying without version field")
			stripped := BuildHandshakeParams(c.opt.ClientName, "")
			_, err = c.dispatcher.Call(ctx, MethodInitialize, stripped)
		}
		if err != nil {
			return Permanent(fmt.Errorf("car: initialize failed: %w", err))
		}
	}
	return c.dispatcher.Notify(MethodInitialized, nil)
}

func asRPCError(err error, target **RPCError) bool {
	if rpcErr, ok := err.(*RPCError); ok {
		*target = rpcErr
		return true
	}
	return false
}

func (c *Client) setState(s ClientState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// readLoop drains the transport until disconnect, handing every inbound
// message to the dispatcher (§4.3, §5 "notifications observed in wire
// order per Client").
func (c *Client) readLoop() {
	ctx := context.Background()
	for {
		rr, err := c.transport.ReadNext()
		if err != nil {
			c.handleDisconnect(err)
			return
		}
		c.dispatcher.HandleInbound(ctx, rr)
	}
}

func (c *Client) handleDisconnect(cause error) {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state = ClientDisconnected
	c.mu.Unlock()

	c.log.Warn(LogDisconnected, "workspace", c.opt.WorkspaceRoot, "error", cause.Error())
	c.dispatcher.RejectAll(cause)
	c.registry.RejectAll(Transient(cause))
	if c.process != nil {
		_ = c.process.Terminate(time.Second)
	}
	if c.onDisconnect != nil {
		c.onDisconnect(c, cause)
	}
}

// Close is final: it terminates the subprocess tree and fails every
// pending request/turn with a transient error (§3, §5).
func (c *Client) Close() {
	c.mu.Lock()
	if c.state == ClientClosed {
		c.mu.Unlock()
		return
	}
	c.state = ClientClosed
	c.mu.Unlock()

	if c.process != nil {
		_ = c.process.Terminate(time.Second)
	}
	if c.dispatcher != nil {
		c.dispatcher.RejectAll(ErrClientClosed)
	}
	if c.registry != nil {
		c.registry.RejectAll(ErrClientClosed)
	}
}

func (c *Client) Dispatcher() *Dispatcher   { return c.dispatcher }
func (c *Client) Registry() *TurnRegistry   { return c.registry }
func (c *Client) StderrTail() []string {
	if c.process == nil {
		return nil
	}
	return c.process.StderrTail()
}

// computeBackoff implements "delay = min(base * 2^k, cap) * (1 + jitter)"
// (§9 design note), the same exponential-with-jitter shape as
// original_source's core/retry.py retry_transient decorator
// (tenacity's wait_exponential plus a jitter fraction).
func computeBackoff(attempt int, floor, ceiling time.Duration, jitterFrac float64) time.Duration {
	base := float64(floor) * float64(int64(1)<<uint(attempt))
	if base > float64(ceiling) {
		base = float64(ceiling)
	}
	jitter := (rand.Float64()*2 - 1) * jitterFrac
	d := time.Duration(base * (1 + jitter))
	if d < 0 {
		d = floor
	}
	return d
}

// circuitState tracks consecutive failures for one workspace's circuit
// breaker (§4.5), playing the same role as the per-connection
// CircuitBreaker("App-Server", ...) original_source's app_server client
// constructs around its own transport.
type circuitState struct {
	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time
}

func (cs *circuitState) Allow() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.openUntil.IsZero() {
		return true
	}
	if time.Now().After(cs.openUntil) {
		return true // half-open probe
	}
	return false
}

func (cs *circuitState) RecordFailure(cooldown time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.consecutiveFailures++
	if cs.consecutiveFailures >= 3 {
		cs.openUntil = time.Now().Add(cooldown)
	}
}

func (cs *circuitState) RecordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.consecutiveFailures = 0
	cs.openUntil = time.Time{}
}

// Supervisor owns one Client per workspace root, enforcing idle-TTL
// eviction, max-handle LRU eviction, restart backoff, and per-workspace
// circuit breakers (§4.5). Grounded on internal/ai/thread_actor.go's
// threadManager (map + mutex, lazily-created per-key entries, idle
// teardown) generalized from per-thread to per-workspace-client.
type Supervisor struct {
	log *slog.Logger
	cfg Config

	mu       sync.Mutex
	clients  map[string]*Client
	circuits map[string]*circuitState
	closed   bool

	newClientOpts func(workspaceRoot string) ClientOptions
}

func NewSupervisor(log *slog.Logger, cfg Config, newClientOpts func(workspaceRoot string) ClientOptions) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		log:           log,
		cfg:           cfg.WithDefaults(),
		clients:       make(map[string]*Client),
		circuits:      make(map[string]*circuitState),
		newClientOpts: newClientOpts,
	}
}

func (s *Supervisor) circuitFor(workspaceRoot string) *circuitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.circuits[workspaceRoot]
	if !ok {
		cs = &circuitState{}
		s.circuits[workspaceRoot] = cs
	}
	return cs
}

// GetClient returns a started Client for workspaceRoot, spawning one if
// necessary (§2 data-flow: "Supervisor.get_client(workspace) -> Launcher
// spawns (if needed)").
func (s *Supervisor) GetClient(ctx context.Context, workspaceRoot string) (*Client, error) {
	cs := s.circuitFor(workspaceRoot)
	if !cs.Allow() {
		return nil, &CircuitOpenError{WorkspaceRoot: workspaceRoot}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClientClosed
	}
	c, ok := s.clients[workspaceRoot]
	if !ok {
		if len(s.clients) >= s.cfg.MaxHandles {
			s.evictLRULocked()
		}
		opt := s.newClientOpts(workspaceRoot)
		c = NewClient(s.log, s.cfg, opt)
		c.onDisconnect = s.scheduleRestart
		s.clients[workspaceRoot] = c
	}
	s.mu.Unlock()

	if err := c.Start(ctx); err != nil {
		cs.RecordFailure(defaultCircuitCooldown)
		return nil, err
	}
	cs.RecordSuccess()
	c.touch()
	return c, nil
}

// evictLRULocked closes the least-recently-used idle client to make room
// (§4.5 "Max handles"). Caller must hold s.mu.
func (s *Supervisor) evictLRULocked() {
	var lruKey string
	var lruIdle time.Duration = -1
	for k, c := range s.clients {
		if c.State() == ClientRunning {
			continue // only idle (non-active) clients are evicted
		}
		idle := c.IdleSince()
		if idle > lruIdle {
			lruIdle = idle
			lruKey = k
		}
	}
	if lruKey == "" {
		// Fall back to the globally least-recently-used, even if running.
		for k, c := range s.clients {
			idle := c.IdleSince()
			if idle > lruIdle {
				lruIdle = idle
				lruKey = k
			}
		}
	}
	if lruKey != "" {
		s.clients[lruKey].Close()
		delete(s.clients, lruKey)
	}
}

// scheduleRestart runs the exponential-plus-jitter backoff restart policy
// on disconnect, bounded by MaxRestartAttempts (§4.5).
func (s *Supervisor) scheduleRestart(c *Client, cause error) {
	c.mu.Lock()
	c.restartAttempts++
	attempt := c.restartAttempts
	c.mu.Unlock()

	if attempt > s.cfg.MaxRestartAttempts {
		s.log.Error(LogRestartFailed, "workspace", c.opt.WorkspaceRoot, "attempts", attempt)
		c.Close()
		return
	}

	delay := computeBackoff(attempt-1, s.cfg.RestartBackoffFloor, s.cfg.RestartBackoffCeiling, s.cfg.RestartBackoffJitterFrac)
	go func() {
		time.Sleep(delay)
		if c.State() == ClientClosed {
			return
		}
		if err := c.Start(context.Background()); err != nil {
			s.log.Warn(LogRestartFailed, "workspace", c.opt.WorkspaceRoot, "attempt", attempt, "error", err.Error())
			s.circuitFor(c.opt.WorkspaceRoot).RecordFailure(defaultCircuitCooldown)
			return
		}
		s.log.Info(LogRestarted, "workspace", c.opt.WorkspaceRoot, "attempt", attempt)
		s.circuitFor(c.opt.WorkspaceRoot).RecordSuccess()
	}()
}

// SweepIdle closes every client idle beyond cfg.IdleTTL; intended to be run
// periodically by the caller (§4.5 "a periodic sweep").
func (s *Supervisor) SweepIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.clients {
		if c.State() != ClientRunning {
			continue
		}
		if c.IdleSince() > s.cfg.IdleTTL {
			c.Close()
			delete(s.clients, k)
		}
	}
}

// RunIdleSweeper blocks, sweeping idle clients every interval until ctx is
// done.
func (s *Supervisor) RunIdleSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepIdle()
		}
	}
}

// CloseAll terminates every managed client (§4.6 "close_all()").
func (s *Supervisor) CloseAll() {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}
