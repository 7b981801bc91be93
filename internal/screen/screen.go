// File: internal/screen/screen.go
// Description: Abstraction over the live display: capture the current frame
// and execute a primitive input action. Side effects are real and
// irreversible; failures are reported, never swallowed.
package screen

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
)

// ErrCaptureUnavailable means the selected display cannot be captured
// (target gone, no permission, capture timed out).
var ErrCaptureUnavailable = errors.New("screen capture unavailable")

// ExecutionError reports a failed input dispatch: out-of-bounds target,
// unsupported action, or the automation transport erroring mid-gesture.
type ExecutionError struct {
	Action schemas.ActionKind
	Reason string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("execute %s: %s: %v", e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("execute %s: %s", e.Action, e.Reason)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Interface is the contract the session loop drives. The concrete display
// a screen is bound to (the selected_screen of the task request) is fixed
// at construction time; the loop only ever talks to its own surface.
type Interface interface {
	// Capture returns a fresh frame of the bound display.
	Capture(ctx context.Context) (*schemas.Screenshot, error)
	// Execute performs one OS-level input operation.
	Execute(ctx context.Context, action schemas.GroundedAction) (*schemas.ExecutionReceipt, error)
}
