// File: internal/grounding/parse.go
// Description: Translates model-emitted action descriptors into grounded
// actions the screen backend can execute. Anything the translator cannot
// account for is a rejection, never a guess.
package grounding

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
)

// StopSentinel is the action name the grounding model emits when the task is
// complete and no further input should reach the screen.
const StopSentinel = "STOP"

// ParseAction converts a wire descriptor into an executable action. Width and
// height describe the bound screen so fractional coordinates can be scaled.
// A nil action, an unknown verb, or a verb missing its required payload all
// come back as a *RejectedError.
func ParseAction(desc *schemas.ActionDescriptor, width, height int) (schemas.GroundedAction, bool, error) {
	var none schemas.GroundedAction
	if desc == nil || strings.TrimSpace(desc.Action) == "" {
		return none, false, &RejectedError{Reason: "response carried no action"}
	}

	verb := strings.ToUpper(strings.TrimSpace(desc.Action))
	if verb == StopSentinel {
		return schemas.GroundedAction{Kind: schemas.ActionStop}, true, nil
	}

	switch verb {
	case "CLICK":
		return pointerAction(schemas.ActionClick, desc, width, height)
	case "RIGHT_CLICK":
		return pointerAction(schemas.ActionRightClick, desc, width, height)
	case "DOUBLE_CLICK":
		return pointerAction(schemas.ActionDoubleClick, desc, width, height)
	case "TRIPLE_CLICK":
		return pointerAction(schemas.ActionTripleClick, desc, width, height)
	case "MOVE", "HOVER":
		return pointerAction(schemas.ActionMove, desc, width, height)

	case "INPUT":
		text, err := stringValue(desc, verb)
		if err != nil {
			return none, false, err
		}
		act := schemas.GroundedAction{Kind: schemas.ActionInput, Text: text}
		// An input may carry a focus target to click before typing.
		if p := scalePoint(desc.Position, width, height); p != nil {
			act.Position = p
		}
		return act, false, nil

	case "ENTER":
		return schemas.GroundedAction{Kind: schemas.ActionEnter}, false, nil
	case "ESC", "ESCAPE":
		return schemas.GroundedAction{Kind: schemas.ActionEscape}, false, nil

	case "PRESS", "KEY":
		keys, err := keysValue(desc.Value, verb)
		if err != nil {
			return none, false, err
		}
		return schemas.GroundedAction{Kind: schemas.ActionHotkey, Keys: keys}, false, nil

	case "HOTKEY":
		keys, err := keysValue(desc.Value, verb)
		if err != nil {
			return none, false, err
		}
		// A single string is a "ctrl+shift+s" style combo.
		if len(keys) == 1 {
			keys = splitCombo(keys[0])
		}
		if len(keys) == 0 {
			return none, false, &RejectedError{Reason: "HOTKEY with empty key combination"}
		}
		return schemas.GroundedAction{Kind: schemas.ActionHotkey, Keys: keys}, false, nil

	case "DRAG":
		end := scalePoint(desc.Position, width, height)
		start := scalePoint(desc.Start, width, height)
		if end == nil || start == nil {
			return none, false, &RejectedError{Reason: "DRAG requires both start and end positions"}
		}
		return schemas.GroundedAction{Kind: schemas.ActionDrag, Start: start, Position: end}, false, nil

	case "SCROLL":
		delta, ok := floatValue(desc.Value)
		if !ok {
			return none, false, &RejectedError{Reason: "SCROLL requires a numeric delta"}
		}
		act := schemas.GroundedAction{Kind: schemas.ActionScroll, ScrollDelta: delta}
		act.Position = scalePoint(desc.Position, width, height)
		return act, false, nil

	case "WAIT":
		secs, ok := floatValue(desc.Value)
		if !ok || secs < 0 {
			secs = 1
		}
		return schemas.GroundedAction{Kind: schemas.ActionWait, WaitSeconds: secs}, false, nil
	}

	return none, false, &RejectedError{Reason: fmt.Sprintf("unknown action verb %q", verb)}
}

func pointerAction(kind schemas.ActionKind, desc *schemas.ActionDescriptor, width, height int) (schemas.GroundedAction, bool, error) {
	p := scalePoint(desc.Position, width, height)
	if p == nil {
		return schemas.GroundedAction{}, false, &RejectedError{
			Reason: fmt.Sprintf("%s without a target position", kind),
		}
	}
	return schemas.GroundedAction{Kind: kind, Position: p}, false, nil
}

// scalePoint accepts either absolute pixel coordinates or fractional ones in
// [0,1] and returns absolute pixels for the bound screen.
func scalePoint(raw []float64, width, height int) *schemas.Point {
	if len(raw) < 2 {
		return nil
	}
	x, y := raw[0], raw[1]
	if x >= 0 && x <= 1 && y >= 0 && y <= 1 {
		x *= float64(width)
		y *= float64(height)
	}
	return &schemas.Point{X: x, Y: y}
}

func stringValue(desc *schemas.ActionDescriptor, verb string) (string, error) {
	s, ok := desc.Value.(string)
	if !ok || s == "" {
		return "", &RejectedError{Reason: fmt.Sprintf("%s requires a string value", verb)}
	}
	return s, nil
}

// keysValue accepts a bare string or a JSON array of key name strings, the
// two shapes the inference service emits for key actions.
func keysValue(v interface{}, verb string) ([]string, error) {
	switch val := v.(type) {
	case string:
		if strings.TrimSpace(val) == "" {
			return nil, &RejectedError{Reason: fmt.Sprintf("%s requires a key name", verb)}
		}
		return []string{val}, nil
	case []interface{}:
		keys := make([]string, 0, len(val))
		for _, el := range val {
			s, ok := el.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return nil, &RejectedError{Reason: fmt.Sprintf("%s key list must contain only key names", verb)}
			}
			keys = append(keys, s)
		}
		if len(keys) == 0 {
			return nil, &RejectedError{Reason: fmt.Sprintf("%s with an empty key list", verb)}
		}
		return keys, nil
	}
	return nil, &RejectedError{Reason: fmt.Sprintf("%s requires a string or list value", verb)}
}

func floatValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// splitCombo breaks "ctrl+shift+s" style combos into their key names.
func splitCombo(combo string) []string {
	parts := strings.FieldsFunc(combo, func(r rune) bool {
		return r == '+' || r == '-' || r == ' '
	})
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			keys = append(keys, p)
		}
	}
	return keys
}
