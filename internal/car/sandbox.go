package car

import (
	"encoding/json"
	"strings"
)

// Canonical sandbox policy type strings (§6).
const (
	SandboxDangerFullAccess = "dangerFullAccess"
	SandboxReadOnly         = "readOnly"
	SandboxWorkspaceWrite   = "workspaceWrite"
	SandboxExternalSandbox  = "externalSandbox"
)

var canonicalSandboxTypes = map[string]string{
	"dangerfullaccess": SandboxDangerFullAccess,
	"readonly":         SandboxReadOnly,
	"workspacewrite":   SandboxWorkspaceWrite,
	"externalsandbox":  SandboxExternalSandbox,
}

// SandboxPolicy is the normalized form of a sandbox policy: a canonical
// type plus whatever vendor-specific extras travelled alongside it.
type SandboxPolicy struct {
	Type   string         `json:"type"`
	Extras map[string]any `json:"-"`
}

// MarshalJSON re-flattens Type and Extras into one object, matching what
// the agent expects on the wire: {"type": "...", ...extras}.
func (p SandboxPolicy) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extras)+1)
	for k, v := range p.Extras {
		out[k] = v
	}
	out["type"] = p.Type
	return json.Marshal(out)
}

func foldAlnum(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeSandboxPolicy accepts either a plain string ("danger-full-access")
// or a map with a "type" key ({"type": "danger_full_access", ...}) and
// returns the canonical SandboxPolicy. Unknown values pass through
// unchanged, per §6. Idempotent over
// repeated calls, per §8.
func NormalizeSandboxPolicy(v any) SandboxPolicy {
	switch t := v.(type) {
	case nil:
		return SandboxPolicy{}
	case string:
		return normalizeSandboxType(t, nil)
	case SandboxPolicy:
		return normalizeSandboxType(t.Type, t.Extras)
	case map[string]any:
		rawType, _ := t["type"].(string)
		extras := make(map[string]any, len(t))
		for k, val := range t {
			if k == "type" {
				continue
			}
			extras[k] = val
		}
		return normalizeSandboxType(rawType, extras)
	default:
		return SandboxPolicy{}
	}
}

func normalizeSandboxType(raw string, extras map[string]any) SandboxPolicy {
	folded := foldAlnum(raw)
	if canon, ok := canonicalSandboxTypes[folded]; ok {
		return SandboxPolicy{Type: canon, Extras: extras}
	}
	return SandboxPolicy{Type: raw, Extras: extras}
}
