package car

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Recovery performs the thread/resume snapshot walk that lets a stalled
// turn resolve silently (§4.4). The shape of thread/resume snapshots
// varies across backends (§9 open question), so the walker tries several
// known paths with gjson rather than a single fixed struct.
type Recovery struct {
	log *slog.Logger
	d   *Dispatcher
}

func NewRecovery(log *slog.Logger, d *Dispatcher) *Recovery {
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{log: log, d: d}
}

// snapshotTurnsPaths are the gjson paths tried in order to locate the
// "turns" array inside a thread/resume result, per DESIGN.md's open-question
// decision (turns, data.turns, results, thread.turns).
var snapshotTurnsPaths = []string{"turns", "data.turns", "results", "thread.turns"}

// Recover implements StallRecoverer: it calls thread/resume, walks the
// snapshot for the matching turn_id, and resolves ts's future if a terminal
// status is observed (§4.4 steps 2-5).
func (rc *Recovery) Recover(ctx context.Context, ts *TurnState) bool {
	ts.mu.Lock()
	threadID := ts.ThreadID
	turnID := ts.TurnID
	ts.mu.Unlock()

	if threadID == "" {
		rc.log.Warn(LogTurnRecoveryFailed, "turn_id", turnID, "reason", "no thread_id to resume")
		return false
	}

	raw, err := rc.d.Call(ctx, MethodThreadResume, map[string]string{"threadId": threadID})
	if err != nil {
		rc.log.Warn(LogTurnRecoveryFailed, "turn_id", turnID, "thread_id", threadID, "error", err.Error())
		return false
	}

	result := gjson.ParseBytes(raw)

	var turnNode gjson.Result
	found := false
	for _, path := range snapshotTurnsPaths {
		arr := result.Get(path)
		if !arr.IsArray() {
			continue
		}
		for _, item := range arr.Array() {
			if item.Get("id").String() == turnID || item.Get("turnId").String() == turnID {
				turnNode = item
				found = true
				break
			}
		}
		if found {
			break
		}
	}

	if !found {
		rc.log.Warn(LogTurnRecoveryFailed, "turn_id", turnID, "thread_id", threadID,
			"reason", "turn not found in snapshot", "snapshot_keys", topLevelKeys(result))
		return false
	}

	status := turnNode.Get("status").String()
	if !isTerminalStatus(status) {
		return false
	}

	var messages []string
	var errs []string
	for _, item := range turnNode.Get("items").Array() {
		switch item.Get("type").String() {
		case string(itemKindAgentMessage):
			if text := item.Get("text").String(); text != "" {
				messages = append(messages, text)
			}
		case "error":
			if msg := item.Get("message").String(); msg != "" {
				errs = append(errs, msg)
			}
		}
	}

	ts.mu.Lock()
	for _, m := range messages {
		ts.appendAgentMessage(m)
	}
	ts.resolve(resolvedStatusFor(status), errs)
	ts.mu.Unlock()
	return true
}

func topLevelKeys(r gjson.Result) []string {
	var keys []string
	r.ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	return keys
}
