// File: internal/screen/cdp.go
// Description: Production screen backend driving a dedicated browser surface
// over the Chrome DevTools Protocol. Frames come from page.CaptureScreenshot
// and input is injected with raw Input-domain events, so the surface cannot
// tell replayed gestures from a human operator's.
package screen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
)

// CDPScreen binds one automation target (one "selected screen") for the
// lifetime of a session.
type CDPScreen struct {
	cfg    config.ScreenConfig
	logger *zap.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	pointer *Pointer
}

var _ Interface = (*CDPScreen)(nil)

// NewCDPScreen launches the browser surface and navigates it to the
// configured start URL.
func NewCDPScreen(parent context.Context, cfg config.ScreenConfig, logger *zap.Logger) (*CDPScreen, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &CDPScreen{
		cfg:         cfg,
		logger:      logger.Named("screen"),
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		pointer:     NewPointer(cfg.Humanoid),
	}

	initCtx, cancel := context.WithTimeout(tabCtx, 45*time.Second)
	defer cancel()
	if err := chromedp.Run(initCtx,
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		chromedp.Navigate(cfg.StartURL),
	); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to start screen surface: %w", err)
	}

	s.logger.Info("Screen surface ready",
		zap.String("start_url", cfg.StartURL),
		zap.Int("width", cfg.ViewportWidth),
		zap.Int("height", cfg.ViewportHeight))
	return s, nil
}

// Close tears down the tab and the browser process.
func (s *CDPScreen) Close() {
	s.tabCancel()
	s.allocCancel()
}

// Capture returns a fresh PNG frame of the bound surface.
func (s *CDPScreen) Capture(ctx context.Context) (*schemas.Screenshot, error) {
	captureCtx, cancel := s.callContext(ctx, s.cfg.CaptureTimeout)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(captureCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return &schemas.Screenshot{
		PNG:     buf,
		TakenAt: time.Now(),
		Width:   s.cfg.ViewportWidth,
		Height:  s.cfg.ViewportHeight,
	}, nil
}

// Execute dispatches one grounded action to the surface.
func (s *CDPScreen) Execute(ctx context.Context, action schemas.GroundedAction) (*schemas.ExecutionReceipt, error) {
	execCtx, cancel := s.callContext(ctx, s.cfg.ExecuteTimeout)
	defer cancel()

	started := time.Now()
	var err error
	switch action.Kind {
	case schemas.ActionClick, schemas.ActionRightClick, schemas.ActionDoubleClick, schemas.ActionTripleClick:
		button, clicks := clickSpec(action.Kind)
		err = s.click(execCtx, action, button, clicks)
	case schemas.ActionMove:
		err = s.moveTo(execCtx, action, 0)
	case schemas.ActionDrag:
		err = s.drag(execCtx, action)
	case schemas.ActionInput:
		err = s.typeText(execCtx, action.Text)
	case schemas.ActionEnter:
		err = s.sendKeys(execCtx, []string{"enter"})
	case schemas.ActionEscape:
		err = s.sendKeys(execCtx, []string{"escape"})
	case schemas.ActionHotkey:
		err = s.sendKeys(execCtx, action.Keys)
	case schemas.ActionScroll:
		err = s.scroll(execCtx, action)
	case schemas.ActionWait:
		err = s.sleep(execCtx, time.Duration(action.WaitSeconds*float64(time.Second)))
	default:
		return nil, &ExecutionError{Action: action.Kind, Reason: "unsupported action kind"}
	}
	if err != nil {
		if ee, ok := err.(*ExecutionError); ok {
			return nil, ee
		}
		return nil, &ExecutionError{Action: action.Kind, Reason: "input dispatch failed", Err: err}
	}

	return &schemas.ExecutionReceipt{
		Action:     action,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}, nil
}

// callContext derives a deadline-bound context rooted in the tab context so
// dispatched CDP commands target the right session.
func (s *CDPScreen) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	tabCtx, tabCancel := context.WithTimeout(s.tabCtx, timeout)
	// Propagate the caller's cancellation without re-rooting the CDP target.
	stop := context.AfterFunc(ctx, tabCancel)
	return tabCtx, func() {
		stop()
		tabCancel()
	}
}

func (s *CDPScreen) target(action schemas.GroundedAction) (Vector2D, error) {
	if action.Position == nil {
		return Vector2D{}, &ExecutionError{Action: action.Kind, Reason: "missing target position"}
	}
	v := Vector2D{X: action.Position.X, Y: action.Position.Y}
	if err := s.checkBounds(action.Kind, v); err != nil {
		return Vector2D{}, err
	}
	return v, nil
}

func (s *CDPScreen) checkBounds(kind schemas.ActionKind, v Vector2D) error {
	if v.X < 0 || v.Y < 0 || v.X > float64(s.cfg.ViewportWidth) || v.Y > float64(s.cfg.ViewportHeight) {
		return &ExecutionError{
			Action: kind,
			Reason: fmt.Sprintf("target coordinates (%.0f, %.0f) out of bounds", v.X, v.Y),
		}
	}
	return nil
}

// moveTo walks the cursor along a humanoid path to the action's target.
// buttons carries the pressed-button bitfield during drags.
func (s *CDPScreen) moveTo(ctx context.Context, action schemas.GroundedAction, buttons int64) error {
	end, err := s.target(action)
	if err != nil {
		return err
	}
	return s.moveAlong(ctx, end, buttons)
}

func (s *CDPScreen) moveAlong(ctx context.Context, end Vector2D, buttons int64) error {
	start := s.pointer.Position()
	if !s.cfg.Humanoid.Enabled {
		if err := s.dispatchMove(ctx, end, buttons); err != nil {
			return err
		}
		s.pointer.SetPosition(end)
		return nil
	}

	duration := s.pointer.MoveDuration(start.Dist(end))
	numSteps := int(duration.Seconds() * 100)
	if numSteps < 2 {
		numSteps = 2
	}
	path := s.pointer.Path(end, numSteps)
	pace := duration / time.Duration(len(path))

	for i := range path {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Ease the sampling so the cursor accelerates and decelerates.
		t := easeInOutCubic(float64(i) / float64(len(path)-1))
		idx := int(t * float64(len(path)-1))
		pos := path[idx]

		if err := s.dispatchMove(ctx, pos, buttons); err != nil {
			return err
		}
		s.pointer.SetPosition(pos)
		if err := s.sleep(ctx, pace); err != nil {
			return err
		}
	}
	// Land exactly on the target regardless of easing granularity.
	if err := s.dispatchMove(ctx, end, buttons); err != nil {
		return err
	}
	s.pointer.SetPosition(end)
	return nil
}

func (s *CDPScreen) dispatchMove(ctx context.Context, pos Vector2D, buttons int64) error {
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		p := input.DispatchMouseEvent(input.MouseMoved, pos.X, pos.Y)
		if buttons > 0 {
			p = p.WithButton(input.Left).WithButtons(buttons)
		}
		return p.Do(ctx)
	}))
}

// clickSpec maps a click-family action to the mouse button and the number
// of press/release pairs it dispatches.
func clickSpec(kind schemas.ActionKind) (input.MouseButton, int64) {
	switch kind {
	case schemas.ActionRightClick:
		return input.Right, 1
	case schemas.ActionDoubleClick:
		return input.Left, 2
	case schemas.ActionTripleClick:
		return input.Left, 3
	}
	return input.Left, 1
}

func (s *CDPScreen) click(ctx context.Context, action schemas.GroundedAction, button input.MouseButton, clicks int64) error {
	end, err := s.target(action)
	if err != nil {
		return err
	}
	if err := s.moveAlong(ctx, end, 0); err != nil {
		return err
	}
	hold := s.pointer.ClickHold()
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for i := int64(1); i <= clicks; i++ {
			if err := input.DispatchMouseEvent(input.MousePressed, end.X, end.Y).
				WithButton(button).WithClickCount(i).Do(ctx); err != nil {
				return err
			}
			if err := s.sleep(ctx, hold); err != nil {
				return err
			}
			if err := input.DispatchMouseEvent(input.MouseReleased, end.X, end.Y).
				WithButton(button).WithClickCount(i).Do(ctx); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (s *CDPScreen) drag(ctx context.Context, action schemas.GroundedAction) error {
	if action.Start == nil {
		return &ExecutionError{Action: action.Kind, Reason: "missing drag start position"}
	}
	start := Vector2D{X: action.Start.X, Y: action.Start.Y}
	if err := s.checkBounds(action.Kind, start); err != nil {
		return err
	}
	end, err := s.target(action)
	if err != nil {
		return err
	}

	// Travel to the origin unpressed, press, pull to the target with the
	// left button held, release.
	if err := s.moveAlong(ctx, start, 0); err != nil {
		return err
	}
	if err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MousePressed, start.X, start.Y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	})); err != nil {
		return err
	}
	if err := s.moveAlong(ctx, end, 1); err != nil {
		return err
	}
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseReleased, end.X, end.Y).
			WithButton(input.Left).WithClickCount(1).Do(ctx)
	}))
}

func (s *CDPScreen) typeText(ctx context.Context, text string) error {
	if text == "" {
		return &ExecutionError{Action: schemas.ActionInput, Reason: "empty input text"}
	}
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.InsertText(text).Do(ctx)
	}))
}

func (s *CDPScreen) scroll(ctx context.Context, action schemas.GroundedAction) error {
	pos := s.pointer.Position()
	if action.Position != nil {
		if err := s.moveTo(ctx, action, 0); err != nil {
			return err
		}
		pos = s.pointer.Position()
	}
	return chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return input.DispatchMouseEvent(input.MouseWheel, pos.X, pos.Y).
			WithDeltaX(0).WithDeltaY(action.ScrollDelta).Do(ctx)
	}))
}

// keyNames maps recorder key names onto chromedp/kb key strings.
var keyNames = map[string]string{
	"enter":     kb.Enter,
	"return":    kb.Enter,
	"esc":       kb.Escape,
	"escape":    kb.Escape,
	"tab":       kb.Tab,
	"backspace": kb.Backspace,
	"delete":    kb.Delete,
	"space":     " ",
	"up":        kb.ArrowUp,
	"down":      kb.ArrowDown,
	"left":      kb.ArrowLeft,
	"right":     kb.ArrowRight,
	"home":      kb.Home,
	"end":       kb.End,
	"pageup":    kb.PageUp,
	"pagedown":  kb.PageDown,
}

// keyModifiers maps modifier names onto CDP modifier bits.
var keyModifiers = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"ctrl":    input.ModifierCtrl,
	"control": input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"win":     input.ModifierMeta,
	"shift":   input.ModifierShift,
}

// sendKeys dispatches a key chord: every element but the last must be a
// modifier; the last is the actual key.
func (s *CDPScreen) sendKeys(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return &ExecutionError{Action: schemas.ActionHotkey, Reason: "empty key sequence"}
	}

	var mods input.Modifier
	for _, k := range keys[:len(keys)-1] {
		mod, ok := keyModifiers[strings.ToLower(k)]
		if !ok {
			return &ExecutionError{Action: schemas.ActionHotkey, Reason: fmt.Sprintf("unknown modifier %q", k)}
		}
		mods |= mod
	}

	last := strings.ToLower(keys[len(keys)-1])
	keyStr, ok := keyNames[last]
	if !ok {
		if len([]rune(last)) != 1 {
			return &ExecutionError{Action: schemas.ActionHotkey, Reason: fmt.Sprintf("unknown key %q", last)}
		}
		keyStr = last
	}

	return chromedp.Run(ctx, chromedp.KeyEvent(keyStr, chromedp.KeyModifiers(mods)))
}

// sleep pauses inside the automation transport, respecting cancellation.
func (s *CDPScreen) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
