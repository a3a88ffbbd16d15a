// Package dispatch routes a model turn's streamed tool-call events into the
// diagram session store. Completed calls are applied through the store,
// in-progress payloads are throttled into the draft preview, and patch
// failures are turned into tool results the model can read and correct.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"drawbridge/internal/diff"
	"drawbridge/internal/logging"
	"drawbridge/internal/patch"
	"drawbridge/internal/session"
)

// Tool names the model invokes. One replace-all tool per diagram family
// plus the XML-only incremental edit tool.
const (
	ToolDisplayDiagram    = "display_diagram"
	ToolDisplayExcalidraw = "display_excalidraw"
	ToolDisplayDefinition = "display_definition"
	ToolEditDiagram       = "edit_diagram"
)

// maxEditRetries is the advisory retry budget for edit_diagram within one
// turn. It is reported in failure messages, not enforced: whether the model
// actually falls back to a full replacement is a prompt-level contract.
const maxEditRetries = 3

// draftDebounce bounds how often streaming partials reach the store draft.
const draftDebounce = 200 * time.Millisecond

// EventKind discriminates the per-call event stream.
type EventKind int

const (
	KindInputDelta EventKind = iota
	KindCompleted
	KindErrored
)

// Event is one streamed tool-call event. ArgsDelta carries a fragment of
// the argument JSON for input deltas; Args carries the complete argument
// JSON on completion. Err carries the transport's message on errored events.
type Event struct {
	CallID    string
	Tool      string
	Kind      EventKind
	ArgsDelta string
	Args      string
	Err       string
}

// Result is the terminal outcome of one tool call: the text surfaced back
// into the conversation as the tool's result, and the new document when the
// call applied.
type Result struct {
	CallID      string
	Tool        string
	OK          bool
	Message     string
	Document    string
	DiagramType string
}

type callPhase int

const (
	phasePending callPhase = iota
	phaseStreaming
	phaseCompleted
	phaseErrored
)

type callState struct {
	tool  string
	phase callPhase
	args  []byte
}

// Dispatcher consumes one session's tool-call events in arrival order.
// Terminal states are sticky per call id, so duplicate completion events
// from the transport apply at most once.
type Dispatcher struct {
	store  *session.Store
	logger *slog.Logger

	debounce time.Duration

	calls       map[string]*callState
	editRetries int
	applied     bool

	draftMu      sync.Mutex
	draftTimer   *time.Timer
	pendingDraft *string
}

func New(store *session.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		store:    store,
		logger:   logger,
		debounce: draftDebounce,
		calls:    make(map[string]*callState),
	}
}

// BeginTurn resets per-turn accounting: the edit retry budget and the
// supersede flag that makes a corrected call replace the turn's earlier
// snapshot instead of appending a second one.
func (d *Dispatcher) BeginTurn() {
	d.editRetries = 0
	d.applied = false
	d.calls = make(map[string]*callState)
	d.cancelDraft()
}

// HandleEvent advances the call's state machine. It returns a non-nil
// Result exactly when the event is the call's terminal transition; events
// for an already-terminal call id are ignored.
func (d *Dispatcher) HandleEvent(ev Event) *Result {
	call := d.calls[ev.CallID]
	if call == nil {
		call = &callState{tool: ev.Tool}
		d.calls[ev.CallID] = call
	}
	if call.tool == "" {
		// The tool name may trail the first argument fragment.
		call.tool = ev.Tool
	}
	if call.phase == phaseCompleted || call.phase == phaseErrored {
		d.logger.Debug("dispatch.duplicate_event", "call_id", ev.CallID, "tool", ev.Tool)
		return nil
	}

	switch ev.Kind {
	case KindInputDelta:
		call.phase = phaseStreaming
		call.args = append(call.args, ev.ArgsDelta...)
		if draft, ok := extractDraft(call.tool, string(call.args)); ok {
			d.scheduleDraft(draft)
		}
		return nil

	case KindErrored:
		call.phase = phaseErrored
		d.cancelDraft()
		d.logger.Warn("dispatch.call_errored", "call_id", ev.CallID, "tool", ev.Tool, "error", ev.Err)
		msg := ev.Err
		if msg == "" {
			msg = "tool call failed"
		}
		return &Result{CallID: ev.CallID, Tool: ev.Tool, Message: msg}

	case KindCompleted:
		call.phase = phaseCompleted
		d.cancelDraft()
		args := ev.Args
		if args == "" {
			args = string(call.args)
		}
		res := d.complete(ev.CallID, call.tool, args)
		if res.OK {
			d.applied = true
		}
		return res
	}
	return nil
}

func (d *Dispatcher) complete(callID, tool, args string) *Result {
	res := &Result{CallID: callID, Tool: tool}
	opts := session.Options{ReplaceHistory: d.applied}

	switch tool {
	case ToolDisplayDiagram:
		var payload struct {
			XML string `json:"xml"`
		}
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return d.reject(res, fmt.Errorf("invalid display_diagram payload: %w", err))
		}
		if payload.XML == "" {
			return d.reject(res, fmt.Errorf("display_diagram payload has no xml"))
		}
		before := d.store.Current()
		doc, err := d.store.ApplyFull(payload.XML, "", opts)
		if err != nil {
			return d.reject(res, err)
		}
		return d.accept(res, doc, diff.Summary(before, doc))

	case ToolDisplayExcalidraw:
		var payload struct {
			Scene   json.RawMessage `json:"scene"`
			Summary string          `json:"summary"`
		}
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return d.reject(res, fmt.Errorf("invalid display_excalidraw payload: %w", err))
		}
		if len(payload.Scene) == 0 {
			return d.reject(res, fmt.Errorf("display_excalidraw payload has no scene"))
		}
		doc, err := d.store.ApplyFull(string(payload.Scene), payload.Summary, opts)
		if err != nil {
			return d.reject(res, err)
		}
		return d.accept(res, doc, payload.Summary)

	case ToolDisplayDefinition:
		var payload struct {
			Definition  string `json:"definition"`
			DiagramType string `json:"diagramType"`
			Summary     string `json:"summary"`
		}
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return d.reject(res, fmt.Errorf("invalid display_definition payload: %w", err))
		}
		if payload.Definition == "" {
			return d.reject(res, fmt.Errorf("display_definition payload has no definition"))
		}
		doc, err := d.store.ApplyFull(payload.Definition, payload.Summary, opts)
		if err != nil {
			return d.reject(res, err)
		}
		res.DiagramType = payload.DiagramType
		return d.accept(res, doc, payload.Summary)

	case ToolEditDiagram:
		var payload struct {
			Edits []patch.Edit `json:"edits"`
		}
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return d.reject(res, fmt.Errorf("invalid edit_diagram payload: %w", err))
		}
		if len(payload.Edits) == 0 {
			return d.reject(res, fmt.Errorf("edit_diagram payload has no edits"))
		}
		before := d.store.Current()
		remaining := maxEditRetries - d.editRetries - 1
		if remaining < 0 {
			remaining = 0
		}
		patched, err := patch.ApplyEdits(before, payload.Edits, remaining)
		if err != nil {
			d.editRetries++
			var nf *patch.NotFoundError
			if errors.As(err, &nf) {
				d.logger.Info("dispatch.edit_rejected", "call_id", callID, "index", nf.Index, "remaining", nf.Remaining)
				res.Message = nf.ToolMessage()
				return res
			}
			return d.reject(res, err)
		}
		doc, err := d.store.ApplyFull(patched, "", opts)
		if err != nil {
			return d.reject(res, err)
		}
		return d.accept(res, doc, diff.Summary(before, doc))

	default:
		return d.reject(res, fmt.Errorf("unknown tool %q", tool))
	}
}

func (d *Dispatcher) accept(res *Result, doc, summary string) *Result {
	res.OK = true
	res.Document = doc
	if summary == "" {
		summary = "diagram updated"
	}
	res.Message = "Diagram updated: " + summary
	d.logger.Info("dispatch.call_completed", "call_id", res.CallID, "tool", res.Tool, "summary", summary)
	return res
}

func (d *Dispatcher) reject(res *Result, err error) *Result {
	d.logger.Warn("dispatch.apply_rejected", "call_id", res.CallID, "tool", res.Tool, "error", err)
	res.Message = "Error: " + err.Error()
	return res
}

// scheduleDraft stores the latest streamed value and arms the flush timer
// if one is not already pending; values arriving inside an open window
// replace the pending one, so each window flushes at most once.
func (d *Dispatcher) scheduleDraft(value string) {
	d.draftMu.Lock()
	defer d.draftMu.Unlock()
	d.pendingDraft = &value
	if d.draftTimer != nil {
		return
	}
	d.draftTimer = time.AfterFunc(d.debounce, d.flushDraft)
}

func (d *Dispatcher) flushDraft() {
	d.draftMu.Lock()
	value := d.pendingDraft
	d.pendingDraft = nil
	d.draftTimer = nil
	d.draftMu.Unlock()
	if value != nil {
		d.store.SetDraft(value)
	}
}

// CancelDraft abandons the streaming preview entirely: any pending flush is
// dropped and a draft already written to the store is cleared. Callers use
// it when a stream dies mid-call and no terminal event will arrive.
func (d *Dispatcher) CancelDraft() {
	d.cancelDraft()
	d.store.SetDraft(nil)
}

// cancelDraft drops any pending flush so a stale partial can never land
// after the call reached a terminal state.
func (d *Dispatcher) cancelDraft() {
	d.draftMu.Lock()
	if d.draftTimer != nil {
		d.draftTimer.Stop()
		d.draftTimer = nil
	}
	d.pendingDraft = nil
	d.draftMu.Unlock()
}
