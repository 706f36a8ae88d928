// Package delivery implements the DeliveryTargetStore (§3): a persisted
// set of canonical delivery targets surfaces route turn output to, with an
// optional active pointer. Not turn-critical, but named as a testable
// round-trip law in §8. Uses the same JSON-file-store idiom as
// threadregistry (write-temp-then-rename), no new dependency needed.
package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Target is one canonical delivery address. Canonical key forms (§6, §8):
//
//	web
//	local:<relpath>
//	chat:<platform>:<chat_id>[:<thread_id>]
type Target struct {
	Platform string `json:"platform,omitempty"` // "" for web/local
	ChatID   string `json:"chat_id,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
	RelPath  string `json:"rel_path,omitempty"`
	Kind     string `json:"kind"` // "web" | "local" | "chat"
}

// Key renders t as its canonical string form.
func (t Target) Key() string {
	switch t.Kind {
	case "web":
		return "web"
	case "local":
		return "local:" + t.RelPath
	case "chat":
		if t.ThreadID != "" {
			return fmt.Sprintf("chat:%s:%s:%s", t.Platform, t.ChatID, t.ThreadID)
		}
		return fmt.Sprintf("chat:%s:%s", t.Platform, t.ChatID)
	default:
		return ""
	}
}

// ParseKey parses a canonical key back into a Target; round-trips with Key
// (§8 "Parsing then re-rendering a canonical delivery-target key preserves
// the key").
func ParseKey(key string) (Target, error) {
	key = strings.TrimSpace(key)
	switch {
	case key == "web":
		return Target{Kind: "web"}, nil
	case strings.HasPrefix(key, "local:"):
		return Target{Kind: "local", RelPath: strings.TrimPrefix(key, "local:")}, nil
	case strings.HasPrefix(key, "chat:"):
		parts := strings.SplitN(strings.TrimPrefix(key, "chat:"), ":", 3)
		if len(parts) < 2 {
			return Target{}, fmt.Errorf("delivery: malformed chat key %q", key)
		}
		t := Target{Kind: "chat", Platform: parts[0], ChatID: parts[1]}
		if len(parts) == 3 {
			t.ThreadID = parts[2]
		}
		return t, nil
	default:
		return Target{}, fmt.Errorf("delivery: unrecognized key %q", key)
	}
}

// document is the on-disk schema (§6).
type document struct {
	Version              int               `json:"version"`
	Targets              []Target          `json:"targets"`
	LastDeliveryByTarget map[string]string `json:"last_delivery_by_target"`
	ActiveTargetKey      string            `json:"active_target_key,omitempty"`
}

const currentVersion = 1

// Store is the CRUD + canonical-key derivation API over the delivery
// targets document.
type Store struct {
	path string

	mu  sync.Mutex
	doc document
}

func New(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, "delivery_targets.json")}
}

func (s *Store) ensureLoaded() error {
	if s.doc.Targets != nil || s.doc.LastDeliveryByTarget != nil {
		return nil
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.doc = document{Version: currentVersion, Targets: []Target{}, LastDeliveryByTarget: map[string]string{}}
			return nil
		}
		return err
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		s.doc = document{Version: currentVersion, Targets: []Target{}, LastDeliveryByTarget: map[string]string{}}
		return nil
	}
	if doc.Targets == nil {
		doc.Targets = []Target{}
	}
	if doc.LastDeliveryByTarget == nil {
		doc.LastDeliveryByTarget = map[string]string{}
	}
	s.doc = doc
	return nil
}

func (s *Store) persist() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Upsert adds or replaces a target by its canonical key.
func (s *Store) Upsert(t Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	key := t.Key()
	for i, existing := range s.doc.Targets {
		if existing.Key() == key {
			s.doc.Targets[i] = t
			return s.persist()
		}
	}
	s.doc.Targets = append(s.doc.Targets, t)
	return s.persist()
}

// Remove deletes the target with canonical key.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	out := s.doc.Targets[:0]
	for _, t := range s.doc.Targets {
		if t.Key() != key {
			out = append(out, t)
		}
	}
	s.doc.Targets = out
	delete(s.doc.LastDeliveryByTarget, key)
	if s.doc.ActiveTargetKey == key {
		s.doc.ActiveTargetKey = ""
	}
	return s.persist()
}

// List returns every stored target.
func (s *Store) List() ([]Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return nil, err
	}
	out := make([]Target, len(s.doc.Targets))
	copy(out, s.doc.Targets)
	return out, nil
}

// SetActive marks key as the active delivery target.
func (s *Store) SetActive(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.doc.ActiveTargetKey = key
	return s.persist()
}

// Active returns the active target key, if any.
func (s *Store) Active() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return "", err
	}
	return s.doc.ActiveTargetKey, nil
}

// RecordDelivery timestamps the last delivery to key (RFC3339).
func (s *Store) RecordDelivery(key, whenRFC3339 string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureLoaded(); err != nil {
		return err
	}
	s.doc.LastDeliveryByTarget[key] = whenRFC3339
	return s.persist()
}
