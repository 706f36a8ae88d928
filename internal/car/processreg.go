package car

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessRecord is the on-disk shape of one managed child, written on spawn
// and removed on close, under
// <workspace>/.car/processes/<kind>/<key>.json (§5, §6, §8). Kind plays the
// same role as original_source's process_snapshot.py ProcessCategory
// (OPENCODE/APP_SERVER/OTHER) — here a free-form backend-flavor string
// rather than an enum, set by the caller that spawned the child — and
// LastCPUPercent/LastRSSBytes are this record's equivalent of that file's
// sampled ProcessInfo fields, populated via gopsutil instead of parsing
// `ps` output.
type ProcessRecord struct {
	Kind      string    `json:"kind"`
	Key       string    `json:"key"`
	PID       int       `json:"pid"`
	Argv      []string  `json:"argv"`
	StartedAt time.Time `json:"started_at"`

	LastSampleAt   time.Time `json:"last_sample_at,omitempty"`
	LastCPUPercent float64   `json:"last_cpu_percent,omitempty"`
	LastRSSBytes   uint64    `json:"last_rss_bytes,omitempty"`
}

// ProcessRegistry writes/removes ProcessRecord JSON files for "car doctor"
// style diagnostics, adapted from the teacher's materializeSidecar
// write-temp-then-rename idiom (internal/ai/sidecar_process.go).
type ProcessRegistry struct {
	root string // <workspace>/.car/processes
}

func NewProcessRegistry(workspaceRoot string) *ProcessRegistry {
	return &ProcessRegistry{root: filepath.Join(workspaceRoot, ".car", "processes")}
}

func (r *ProcessRegistry) recordPath(kind, key string) string {
	return filepath.Join(r.root, sanitizeSegment(kind), sanitizeSegment(key)+".json")
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

// Write persists rec atomically via a temp file + rename.
func (r *ProcessRegistry) Write(rec ProcessRecord) error {
	path := r.recordPath(rec.Kind, rec.Key)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("process registry mkdir: %w", err)
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("process registry marshal: %w", err)
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("process registry write temp: %w", err)
	}
	return os.Rename(tmp, path)
}

// Remove deletes the record for (kind, key), ignoring a not-found error.
func (r *ProcessRegistry) Remove(kind, key string) error {
	err := os.Remove(r.recordPath(kind, key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Read loads the record for (kind, key), for doctor-style inspection.
func (r *ProcessRegistry) Read(kind, key string) (*ProcessRecord, error) {
	b, err := os.ReadFile(r.recordPath(kind, key))
	if err != nil {
		return nil, err
	}
	var rec ProcessRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("process registry unmarshal: %w", err)
	}
	return &rec, nil
}

// SampleProcess takes a best-effort CPU/RSS snapshot of pid via gopsutil, for
// surfacing through app_server.spawned log fields and the process record.
func SampleProcess(pid int) (cpuPercent float64, rssBytes uint64, err error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, fmt.Errorf("gopsutil process lookup: %w", err)
	}
	cpuPercent, err = p.CPUPercent()
	if err != nil {
		cpuPercent = 0
	}
	if mem, memErr := p.MemoryInfo(); memErr == nil && mem != nil {
		rssBytes = mem.RSS
	}
	return cpuPercent, rssBytes, nil
}
