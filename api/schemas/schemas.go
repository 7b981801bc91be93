// File: api/schemas/schemas.go
// Description: Shared domain types for the trace-grounded execution core.
// These are the stable contracts between the trace store, the session loop,
// the grounding client and the screen layer.
package schemas

import (
	"time"
)

// -- Trace Schemas --

// Step is one abstract action of a recorded demonstration. It describes the
// screen and the operator's intent in free text, never in concrete
// coordinates; grounding resolves it against the live screen at run time.
// Steps are immutable once loaded.
type Step struct {
	StepIdx     int    `json:"step_idx"`
	Observation string `json:"observation"`
	Think       string `json:"think"`
	Action      string `json:"action"`
	Expectation string `json:"expectation"`
}

// Trace is an ordered, immutable demonstration loaded from the trace store.
// Invariant: step indices are contiguous and strictly increasing from 1.
type Trace struct {
	ID    string `json:"trace_id"`
	Steps []Step `json:"steps"`
}

// -- Grounded Action Schemas --

// ActionKind enumerates the concrete, executable operations the screen
// layer understands. The set mirrors the recorder's action vocabulary.
type ActionKind string

const (
	ActionClick       ActionKind = "CLICK"
	ActionRightClick  ActionKind = "RIGHT_CLICK"
	ActionDoubleClick ActionKind = "DOUBLE_CLICK"
	ActionTripleClick ActionKind = "TRIPLE_CLICK"
	ActionInput       ActionKind = "INPUT"
	ActionMove        ActionKind = "MOVE"
	ActionEnter       ActionKind = "ENTER"
	ActionEscape      ActionKind = "ESC"
	ActionHotkey      ActionKind = "HOTKEY"
	ActionDrag        ActionKind = "DRAG"
	ActionScroll      ActionKind = "SCROLL"
	ActionWait        ActionKind = "WAIT"
	// ActionStop is the inference service's sentinel for "the task is done".
	// It is never dispatched to the screen; the session completes instead.
	ActionStop ActionKind = "STOP"
)

// Point is a screen coordinate in CSS pixels of the selected display.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GroundedAction is the live, resolved counterpart of a Step's action text:
// a concrete operation the screen layer can dispatch. It is produced fresh
// for every execution attempt and never persisted beyond session history.
type GroundedAction struct {
	Kind ActionKind `json:"kind"`
	// Position is the primary target coordinate (click, move, drag end).
	Position *Point `json:"position,omitempty"`
	// Start is the drag origin; nil for everything but DRAG.
	Start *Point `json:"start,omitempty"`
	// Text carries the payload for INPUT.
	Text string `json:"text,omitempty"`
	// Keys carries the key sequence for HOTKEY (e.g. ["ctrl","s"]).
	Keys []string `json:"keys,omitempty"`
	// ScrollDelta is the vertical scroll amount (positive scrolls down).
	ScrollDelta float64 `json:"scroll_delta,omitempty"`
	// WaitSeconds is the pause duration for WAIT.
	WaitSeconds float64 `json:"wait_seconds,omitempty"`
}

// -- Screen Schemas --

// Screenshot is one captured frame of the selected display.
type Screenshot struct {
	// PNG holds the raw encoded image bytes.
	PNG []byte `json:"-"`
	// TakenAt is the capture timestamp.
	TakenAt time.Time `json:"taken_at"`
	Width   int       `json:"width"`
	Height  int       `json:"height"`
}

// ExecutionReceipt records that the screen layer dispatched an action.
type ExecutionReceipt struct {
	Action     GroundedAction `json:"action"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// -- Session Schemas --

// Verification is the outcome of checking a step's expectation against the
// screen after execution. A negative outcome is informational, not fatal.
type Verification struct {
	Met bool `json:"met"`
	// Explanation is the model's reasoning, when the backend provides one.
	Explanation string `json:"explanation,omitempty"`
	// ScreenshotRef identifies the follow-up capture the check was made
	// against, for log correlation.
	ScreenshotRef string `json:"screenshot_ref,omitempty"`
}

// SessionStatus is the lifecycle state of a task session. Transitions are
// one-directional: Created -> Running -> {Completed, Stopped, Failed}.
type SessionStatus string

const (
	StatusCreated   SessionStatus = "CREATED"
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusStopped   SessionStatus = "STOPPED"
	StatusFailed    SessionStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// HistoryEntry is one executed-action record in a session's append-only
// history: the abstract step, the grounded action used, and what the
// verification pass observed.
type HistoryEntry struct {
	Step         Step            `json:"step"`
	Action       *GroundedAction `json:"action,omitempty"`
	Verification *Verification   `json:"verification,omitempty"`
	// Attempt is 1-based; retries of the same step increment it.
	Attempt int `json:"attempt"`
	// Err carries the failure reason when the attempt did not succeed.
	Err        string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// SessionSnapshot is a read-only copy of a session's observable state,
// safe to hand across goroutines while the loop keeps running.
type SessionSnapshot struct {
	ID             string         `json:"session_id"`
	Task           string         `json:"task"`
	TraceID        string         `json:"trace_id"`
	ServerEndpoint string         `json:"server_endpoint,omitempty"`
	SelectedScreen int            `json:"selected_screen"`
	MaxSteps       int            `json:"max_steps"`
	CurrentStepIdx int            `json:"current_step_idx"`
	Status         SessionStatus  `json:"status"`
	History        []HistoryEntry `json:"history"`
	// FinalScreenshotRef identifies the capture taken after the last
	// executed action, when the session completed.
	FinalScreenshotRef string `json:"final_screenshot_ref,omitempty"`
	// LastError is the diagnosable cause attached when Status is FAILED.
	LastError  string    `json:"last_error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}
