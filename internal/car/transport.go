package car

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/sjson"
)

// readChunkBytes bounds every raw read off the process's stdout to a fixed
// size, mirroring original_source's app_server client
// (`_READ_CHUNK_SIZE = 64 * 1024`, read via `stdout.read(_READ_CHUNK_SIZE)`)
// rather than asking a buffered line-reader to grow an internal slice to
// fit an entire pathological line before anyone sees it.
const readChunkBytes = 64 * 1024

// drainState is the oversize-frame state machine (§4.2, design notes §9):
// Normal reads lines; an over-limit line switches to Draining until the next
// newline; DrainAborted means the drain itself exceeded the absolute limit
// and bytes are being discarded without further line-boundary tracking
// until the newline finally shows up.
type drainState int

const (
	drainNormal drainState = iota
	drainDraining
	drainAborted
)

// OversizeDropped carries the fields of the synthetic, never-on-the-wire
// car/app_server/oversizedMessageDropped notification (§4.2, §6).
type OversizeDropped struct {
	ByteLimit      int64  `json:"byteLimit"`
	BytesDropped   int64  `json:"bytesDropped"`
	InferredMethod string `json:"inferredMethod,omitempty"`
	ThreadID       string `json:"threadId,omitempty"`
	TurnID         string `json:"turnId,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	Aborted        bool   `json:"aborted,omitempty"`
	DrainLimit     int64  `json:"drainLimit,omitempty"`
}

const oversizeNotificationMethod = "car/app_server/oversizedMessageDropped"

// Transport owns the framing of one Process's stdio: a single-writer-locked
// line writer and a read loop that demultiplexes complete JSON lines,
// applying the oversize drain protocol when a line exceeds maxMessageBytes.
// Grounded on internal/ai/sidecar_process.go's scanner/encoder pair, with
// the oversize state machine added per §4.2/§9, and the fixed-chunk read
// loop grounded directly on original_source's app_server client read loop
// (`_read_loop`/`_read_loop_collect_chunk`/`_read_loop_drain_oversize_chunk`).
type Transport struct {
	log *slog.Logger

	maxMessageBytes int64
	drainLimitBytes int64

	writeMu sync.Mutex
	w       *bufio.Writer

	r       io.Reader
	readBuf []byte
	eof     bool
	pending []pendingRead
	accum   bytes.Buffer
	state   drainState
	dropped int64
	preview []byte
	emitted bool
}

// pendingRead is one item already extracted from the raw byte stream and
// waiting to be handed back by readLine: either a complete line or a
// synthesized oversize-drop record, never both.
type pendingRead struct {
	line     []byte
	oversize *OversizeDropped
}

func NewTransport(log *slog.Logger, stdin io.Writer, stdout io.Reader, maxMessageBytes, drainLimitBytes int64) *Transport {
	if log == nil {
		log = slog.Default()
	}
	if maxMessageBytes <= 0 {
		maxMessageBytes = defaultMaxMessageBytes
	}
	if drainLimitBytes <= 0 {
		drainLimitBytes = defaultDrainLimitBytes
	}
	return &Transport{
		log:             log,
		maxMessageBytes: maxMessageBytes,
		drainLimitBytes: drainLimitBytes,
		w:               bufio.NewWriter(stdin),
		r:               stdout,
		readBuf:         make([]byte, readChunkBytes),
	}
}

// Send writes one message as a single compact-JSON line under the writer
// lock (§4.2 "Writer").
func (t *Transport) Send(msg *Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("car: marshal outbound message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("car: write message: %w", err)
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// ReadResult is either a parsed wire Message or a synthetic oversize
// notification, never both.
type ReadResult struct {
	Msg      *Message
	Oversize *OversizeDropped
}

var previewMethodRe = regexp.MustCompile(`"method"\s*:\s*"([^"]{1,200})"`)
var previewThreadRe = regexp.MustCompile(`"threadId"\s*:\s*"([^"]{1,200})"`)
var previewTurnRe = regexp.MustCompile(`"turnId"\s*:\s*"([^"]{1,200})"`)

const previewBytes = 200

// ReadNext reads the next complete line from stdout and returns either a
// parsed Message or (on oversize) a synthetic drop record. Malformed JSON
// lines are logged with a bounded preview and skipped (nil, nil is never
// returned for EOF — io.EOF is returned instead) (§4.2).
func (t *Transport) ReadNext() (*ReadResult, error) {
	for {
		line, oversize, err := t.readLine()
		if oversize != nil {
			return &ReadResult{Oversize: oversize}, nil
		}
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			preview := truncatePreview(line, previewBytes)
			t.log.Warn(LogReadInvalidJSON, "preview", preview, "error", err.Error())
			continue
		}
		return &ReadResult{Msg: &msg}, nil
	}
}

// readLine implements the {Normal, Draining, DrainAborted} state machine
// for one logical line, fed by fixed readChunkBytes reads off the raw
// stdout reader so a single pathological line with no embedded newline is
// never materialized in full before the drain protocol sees it. Complete
// lines and synthetic oversize records are queued in t.pending as chunks
// are processed and popped one at a time here.
func (t *Transport) readLine() ([]byte, *OversizeDropped, error) {
	for {
		if len(t.pending) > 0 {
			item := t.pending[0]
			t.pending = t.pending[1:]
			return item.line, item.oversize, nil
		}

		if t.eof {
			if t.state == drainNormal {
				if t.accum.Len() == 0 {
					return nil, nil, io.EOF
				}
				line := append([]byte(nil), t.accum.Bytes()...)
				t.accum.Reset()
				return line, nil, nil
			}
			// The stream ended mid-drain, with no terminating newline ever
			// showing up: surface whatever was captured and stop.
			var oversize *OversizeDropped
			if !t.emitted {
				oversize = t.buildOversize(t.dropped, t.preview, true)
			}
			t.resetDrainSpan()
			return nil, oversize, io.EOF
		}

		n, err := t.r.Read(t.readBuf)
		if n > 0 {
			t.feedChunk(t.readBuf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, nil, fmt.Errorf("car: read stdout: %w", err)
			}
			t.eof = true
		}
	}
}

// feedChunk routes a freshly read slice of raw bytes to the collecting
// buffer (Normal) or the oversize drain handler (Draining), queuing any
// lines or oversize records it produces along the way.
func (t *Transport) feedChunk(chunk []byte) {
	if t.state == drainNormal {
		t.collectChunk(chunk)
		return
	}
	t.drainChunk(chunk)
}

// collectChunk appends chunk to the accumulating buffer, queues the complete
// lines within maxMessageBytes and, once the line at the head of the buffer
// (complete or not) grows past maxMessageBytes, switches to draining instead
// of ever holding more than one oversized line in memory at a time.
func (t *Transport) collectChunk(chunk []byte) {
	t.accum.Write(chunk)
	t.extractLines()
	b := t.accum.Bytes()
	lineLen := bytes.IndexByte(b, '\n')
	if lineLen < 0 {
		lineLen = len(b)
	}
	if int64(lineLen) <= t.maxMessageBytes {
		return
	}
	oversized := append([]byte(nil), b...)
	t.accum.Reset()
	t.state = drainDraining
	t.drainChunk(oversized)
}

// extractLines pops every complete newline-terminated line currently in
// t.accum into t.pending, stopping at the first line longer than
// maxMessageBytes; that line, or a trailing partial line, is left behind.
func (t *Transport) extractLines() {
	for {
		b := t.accum.Bytes()
		idx := bytes.IndexByte(b, '\n')
		if idx < 0 || int64(idx) > t.maxMessageBytes {
			return
		}
		line := append([]byte(nil), b[:idx]...)
		rest := append([]byte(nil), b[idx+1:]...)
		t.accum.Reset()
		t.accum.Write(rest)
		t.pending = append(t.pending, pendingRead{line: line})
	}
}

// drainChunk processes one chunk of an oversized line: it tracks bytes
// dropped and a bounded preview, emits exactly one synthetic oversize
// record per span (as soon as the drain limit is crossed, or otherwise
// once the terminating newline finally appears), and resumes normal
// collection with whatever follows that newline.
func (t *Transport) drainChunk(chunk []byte) {
	idx := bytes.IndexByte(chunk, '\n')
	consumed := chunk
	if idx >= 0 {
		consumed = chunk[:idx+1]
	}

	if !t.emitted {
		previewSrc := consumed
		if idx >= 0 {
			previewSrc = chunk[:idx]
		}
		t.capturePreview(previewSrc)
		t.dropped += int64(len(consumed))
	}

	aborted := t.dropped > t.drainLimitBytes
	if aborted {
		t.state = drainAborted
	}
	if !t.emitted && (aborted || idx >= 0) {
		t.pending = append(t.pending, pendingRead{oversize: t.buildOversize(t.dropped, t.preview, aborted)})
		t.emitted = true
	}

	if idx < 0 {
		return
	}
	after := chunk[idx+1:]
	t.resetDrainSpan()
	if len(after) > 0 {
		t.feedChunk(after)
	}
}

func (t *Transport) capturePreview(chunk []byte) {
	if t.preview != nil {
		return
	}
	if len(chunk) > previewBytes {
		chunk = chunk[:previewBytes]
	}
	t.preview = append([]byte(nil), chunk...)
}

// resetDrainSpan returns the transport to Normal collection after an
// oversized line has been fully accounted for (or abandoned at EOF).
func (t *Transport) resetDrainSpan() {
	t.state = drainNormal
	t.dropped = 0
	t.preview = nil
	t.emitted = false
}

func (t *Transport) buildOversize(dropped int64, headPreview []byte, aborted bool) *OversizeDropped {
	out := &OversizeDropped{
		ByteLimit:    t.maxMessageBytes,
		BytesDropped: dropped,
		Truncated:    true,
		Aborted:      aborted,
		DrainLimit:   t.drainLimitBytes,
	}
	if m := previewMethodRe.FindSubmatch(headPreview); m != nil {
		out.InferredMethod = string(m[1])
	}
	if m := previewThreadRe.FindSubmatch(headPreview); m != nil {
		out.ThreadID = string(m[1])
	}
	if m := previewTurnRe.FindSubmatch(headPreview); m != nil {
		out.TurnID = string(m[1])
	}
	t.log.Warn(LogReadOversizeDropped,
		"byte_limit", t.maxMessageBytes,
		"bytes_dropped", dropped,
		"human_dropped", humanize.Bytes(uint64(dropped)),
		"aborted", aborted,
		"inferred_method", out.InferredMethod,
	)
	return out
}

func truncatePreview(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max])
}

// ToSyntheticNotification renders an OversizeDropped as the synthetic
// notification Message surfaced to the dispatcher's notification handler
// (§4.2, never parsed from the wire).
func (o *OversizeDropped) ToSyntheticNotification() (*Message, error) {
	return newNotification(oversizeNotificationMethod, o)
}

// handshakeParams is the params object for the initial "initialize" call.
type handshakeParams struct {
	ClientInfo clientInfo `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// StripVersionField removes the optional "version" field from a marshaled
// initialize-params document, used for the no-version retry path on -32600
// (§4.2, §9 "be tolerant"). Grounded on sjson for the one place this spec
// genuinely needs shape surgery on an outbound document rather than a typed
// struct remarshal.
func StripVersionField(params []byte) ([]byte, error) {
	out, err := sjson.DeleteBytes(params, "clientInfo.version")
	if err != nil {
		return nil, fmt.Errorf("car: strip version field: %w", err)
	}
	return out, nil
}

// BuildHandshakeParams renders the initialize params for clientName/version.
func BuildHandshakeParams(clientName, version string) handshakeParams {
	return handshakeParams{ClientInfo: clientInfo{Name: clientName, Version: version}}
}

// ctxDone is a tiny helper used by callers doing a context-bounded read in a
// goroutine; kept here since both dispatch.go and stall.go need the same
// shape and neither owns the other.
func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}
