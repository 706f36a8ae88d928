package car

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSplitWorkspaceKey_RoundTripsWithCodexWorkspaceKey(t *testing.T) {
	t.Parallel()

	agentID, workspaceRoot := "agent_1", "/home/user/project"
	key := codexWorkspaceKey(agentID, workspaceRoot)

	gotAgentID, gotRoot := splitWorkspaceKey(key)
	if gotAgentID != agentID {
		t.Fatalf("agentID=%q, want %q", gotAgentID, agentID)
	}
	if gotRoot != workspaceRoot {
		t.Fatalf("workspaceRoot=%q, want %q", gotRoot, workspaceRoot)
	}
}

func TestSplitWorkspaceKey_PathsContainingSeparatorStayIntact(t *testing.T) {
	t.Parallel()

	// The workspace root itself may contain '|' in principle; only the
	// first separator delimits the agent id.
	key := codexWorkspaceKey("agent_1", "/home/user/weird|project")
	agentID, root := splitWorkspaceKey(key)
	if agentID != "agent_1" {
		t.Fatalf("agentID=%q, want agent_1", agentID)
	}
	if root != "/home/user/weird|project" {
		t.Fatalf("root=%q, want /home/user/weird|project", root)
	}
}

func TestSplitWorkspaceKey_NoSeparatorIsAllRoot(t *testing.T) {
	t.Parallel()

	agentID, root := splitWorkspaceKey("/home/user/project")
	if agentID != "" {
		t.Fatalf("agentID=%q, want empty", agentID)
	}
	if root != "/home/user/project" {
		t.Fatalf("root=%q, want /home/user/project", root)
	}
}

func TestDefaultSessionKey(t *testing.T) {
	t.Parallel()

	got := defaultSessionKey("agent_1", "/work/repo")
	if want := "agent_1:/work/repo"; got != want {
		t.Fatalf("got=%q, want %q", got, want)
	}
}

func TestIsSessionNotFound(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"generic error", os.ErrNotExist, false},
		{"rpc not found", &RPCError{Code: -32001, Message: "thread not found"}, true},
		{"rpc unknown thread", &RPCError{Code: -32001, Message: "Unknown Thread id th_1"}, true},
		{"rpc no such thread", &RPCError{Code: -32001, Message: "no such thread"}, true},
		{"rpc unrelated", &RPCError{Code: -32602, Message: "invalid params"}, false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := isSessionNotFound(tc.err); got != tc.want {
				t.Fatalf("isSessionNotFound(%v)=%v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestLoadAgentSpecs_ValidatesRequiredFieldsPerFlavor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "agents.json")

	write := func(t *testing.T, v any) {
		t.Helper()
		b, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := os.WriteFile(path, b, 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	write(t, map[string]AgentSpec{
		"coder": {BackendFlavor: "codex", Argv: []string{"codex-agent", "--app-server"}},
		"asker": {BackendFlavor: "opencode", OpenCodeBaseURL: "http://127.0.0.1:9090"},
	})
	specs, err := LoadAgentSpecs(path)
	if err != nil {
		t.Fatalf("LoadAgentSpecs: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("len(specs)=%d, want 2", len(specs))
	}
	if specs["coder"].BackendFlavor != "codex" {
		t.Fatalf("coder flavor=%q, want codex", specs["coder"].BackendFlavor)
	}

	write(t, map[string]AgentSpec{
		"coder": {BackendFlavor: "codex"},
	})
	if _, err := LoadAgentSpecs(path); err == nil {
		t.Fatalf("LoadAgentSpecs: want error for codex agent missing argv")
	}

	write(t, map[string]AgentSpec{
		"asker": {BackendFlavor: "opencode"},
	})
	if _, err := LoadAgentSpecs(path); err == nil {
		t.Fatalf("LoadAgentSpecs: want error for opencode agent missing base url")
	}

	write(t, map[string]AgentSpec{
		"mystery": {BackendFlavor: "smoke_signal"},
	})
	if _, err := LoadAgentSpecs(path); err == nil {
		t.Fatalf("LoadAgentSpecs: want error for unknown backend_flavor")
	}
}

func TestLoadAgentSpecs_MissingFileErrors(t *testing.T) {
	t.Parallel()

	if _, err := LoadAgentSpecs(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("LoadAgentSpecs: want error for missing file")
	}
}

func TestOrchestrator_GetContextIsZeroValueBeforeAnyTurn(t *testing.T) {
	t.Parallel()

	o, err := NewOrchestrator(nil, t.TempDir(), OrchestratorOptions{
		Config: Config{StateDir: t.TempDir(), AgentBinary: "codex-agent"},
		Agents: map[string]AgentSpec{},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(o.CloseAll)

	ctx := o.GetContext()
	if ctx.AgentID != "" || ctx.TurnID != "" {
		t.Fatalf("GetContext=%+v, want zero value", ctx)
	}
	if o.GetLastTurnID() != "" {
		t.Fatalf("GetLastTurnID=%q, want empty", o.GetLastTurnID())
	}
	if o.GetLastTokenTotal() != 0 {
		t.Fatalf("GetLastTokenTotal=%d, want 0", o.GetLastTokenTotal())
	}
}

func TestOrchestrator_RunTurnRejectsUnknownAgent(t *testing.T) {
	t.Parallel()

	o, err := NewOrchestrator(nil, t.TempDir(), OrchestratorOptions{
		Config: Config{StateDir: t.TempDir(), AgentBinary: "codex-agent"},
		Agents: map[string]AgentSpec{},
	})
	if err != nil {
		t.Fatalf("NewOrchestrator: %v", err)
	}
	t.Cleanup(o.CloseAll)

	_, err = o.RunTurn(nil, RunRequest{AgentID: "no_such_agent"})
	if err == nil {
		t.Fatalf("RunTurn: want error for unknown agent_id")
	}
}
