// File: internal/session/loop.go
// Description: The capture -> ground -> execute -> verify loop. One goroutine
// walks the trace in order, retrying transient failures per attempt and
// escalating only when the retry budget or the consecutive-verification
// threshold is spent.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/grounding"
	"github.com/xkilldash9x/retrace-cli/internal/screen"
	"github.com/xkilldash9x/retrace-cli/internal/trace"
)

// stepOutcome is the result of working one trace step to completion.
type stepOutcome int

const (
	stepAdvanced stepOutcome = iota
	stepSentinelStop
	stepInterrupted
	stepExhausted
)

// Start launches the loop goroutine. It returns immediately; progress is
// observable through Snapshot, the event sink, and Done.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	go s.run(ctx)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	s.markRunning()
	s.logger.Info("Session running",
		zap.String("task_id", s.taskID),
		zap.String("trace_id", s.params.Trace.ID),
		zap.Int("trace_steps", len(s.params.Trace.Steps)),
		zap.Int("max_steps", s.params.MaxSteps))
	s.emit(schemas.ProgressEvent{
		Type:    schemas.EventSessionStarted,
		Status:  schemas.StatusRunning,
		Message: s.params.Task,
	})

	lastIdx := 0
	consecutiveVerifyFailures := 0

	for {
		if s.Stopping() || ctx.Err() != nil {
			s.finish(schemas.StatusStopped, "")
			return
		}

		// The step budget is a caller-chosen ceiling; hitting it is a
		// success, not a failure.
		if s.executedSteps() >= s.params.MaxSteps {
			s.completeWithFinalCapture(ctx, "step budget reached")
			return
		}

		step := trace.NextStep(s.params.Trace, lastIdx)
		if step == nil {
			s.completeWithFinalCapture(ctx, "trace exhausted")
			return
		}

		outcome, verification, failReason := s.workStep(ctx, step)
		switch outcome {
		case stepInterrupted:
			s.finish(schemas.StatusStopped, "")
			return
		case stepExhausted:
			s.finish(schemas.StatusFailed,
				fmt.Sprintf("step %d failed after %d attempts: %s",
					step.StepIdx, s.params.Config.GroundRetryLimit, failReason))
			return
		case stepSentinelStop:
			s.completeWithFinalCapture(ctx, "stop sentinel")
			return
		}

		if verification != nil && !verification.Met {
			consecutiveVerifyFailures++
			threshold := s.params.Config.VerifyFailureThreshold
			if threshold > 0 && consecutiveVerifyFailures >= threshold {
				s.finish(schemas.StatusFailed,
					fmt.Sprintf("expectation unmet for %d consecutive steps, last at step %d: %s",
						consecutiveVerifyFailures, step.StepIdx, verification.Explanation))
				return
			}
		} else {
			consecutiveVerifyFailures = 0
		}

		lastIdx = step.StepIdx
		s.advance(step.StepIdx)
	}
}

// workStep runs one trace step through capture/ground/execute/verify,
// retrying transient failures with a fresh capture each attempt. Every
// attempt, failed or not, appends exactly one history entry.
func (s *Session) workStep(ctx context.Context, step *schemas.Step) (stepOutcome, *schemas.Verification, string) {
	limit := s.params.Config.GroundRetryLimit
	var lastReason string

	for attempt := 1; attempt <= limit; attempt++ {
		if s.Stopping() || ctx.Err() != nil {
			return stepInterrupted, nil, ""
		}
		if attempt > 1 {
			s.emit(schemas.ProgressEvent{
				Type:    schemas.EventStepRetried,
				StepIdx: step.StepIdx,
				Message: lastReason,
			})
		}
		if err := s.pace(ctx); err != nil {
			return stepInterrupted, nil, ""
		}

		shot, err := s.params.Screen.Capture(ctx)
		if err != nil {
			lastReason = s.recordFailedAttempt(step, attempt, nil, err)
			continue
		}

		result, err := s.params.Grounder.Ground(ctx, &grounding.GroundRequest{
			TaskID:      s.taskID,
			TraceID:     s.params.Trace.ID,
			Task:        s.params.Task,
			Screenshot:  shot,
			CurrentStep: step,
			History:     s.actionHistory(),
			ScreenW:     shot.Width,
			ScreenH:     shot.Height,
		})
		if err != nil {
			lastReason = s.recordFailedAttempt(step, attempt, nil, err)
			continue
		}
		if result.Stop {
			s.logger.Info("Grounding emitted stop sentinel", zap.Int("step_idx", step.StepIdx))
			return stepSentinelStop, nil, ""
		}
		s.emit(schemas.ProgressEvent{
			Type:    schemas.EventStepGrounded,
			StepIdx: step.StepIdx,
			Message: string(result.Action.Kind),
		})

		receipt, err := s.params.Screen.Execute(ctx, result.Action)
		if err != nil {
			lastReason = s.recordFailedAttempt(step, attempt, &result.Action, err)
			continue
		}
		s.emit(schemas.ProgressEvent{
			Type:    schemas.EventStepExecuted,
			StepIdx: step.StepIdx,
			Message: string(receipt.Action.Kind),
		})

		verification := s.verifyStep(ctx, step, attempt)

		s.appendHistory(schemas.HistoryEntry{
			Step:         *step,
			Action:       &result.Action,
			Verification: verification,
			Attempt:      attempt,
		})
		s.recordActionLine(step, result.Plan, result.Action)
		return stepAdvanced, verification, ""
	}

	return stepExhausted, nil, lastReason
}

// verifyStep captures a follow-up frame and asks the grounding backend
// whether the step's expectation holds. Verification trouble is logged and
// degraded to "unknown", never treated as a step failure.
func (s *Session) verifyStep(ctx context.Context, step *schemas.Step, attempt int) *schemas.Verification {
	if step.Expectation == "" {
		return nil
	}

	shot, err := s.params.Screen.Capture(ctx)
	if err != nil {
		s.logger.Warn("Skipping verification, follow-up capture failed",
			zap.Int("step_idx", step.StepIdx), zap.Error(err))
		return nil
	}
	verification, err := s.params.Grounder.Verify(ctx, &grounding.VerifyRequest{
		TaskID:     s.taskID,
		TraceID:    s.params.Trace.ID,
		Task:       s.params.Task,
		Screenshot: shot,
		Step:       step,
		History:    s.actionHistory(),
	})
	if err != nil {
		s.logger.Warn("Verification call failed",
			zap.Int("step_idx", step.StepIdx), zap.Error(err))
		return nil
	}
	verification.ScreenshotRef = fmt.Sprintf("%s_step%d_attempt%d", s.taskID, step.StepIdx, attempt)

	s.emit(schemas.ProgressEvent{
		Type:    schemas.EventStepVerified,
		StepIdx: step.StepIdx,
		Message: fmt.Sprintf("expectation_met=%t", verification.Met),
	})
	if !verification.Met {
		s.logger.Warn("Expectation not met",
			zap.Int("step_idx", step.StepIdx),
			zap.String("explanation", verification.Explanation))
	}
	return verification
}

// recordFailedAttempt classifies the error, appends the retry marker to
// history, and returns the reason string for diagnostics.
func (s *Session) recordFailedAttempt(step *schemas.Step, attempt int, action *schemas.GroundedAction, err error) string {
	reason := err.Error()

	var rejected *grounding.RejectedError
	var service *grounding.ServiceError
	var execErr *screen.ExecutionError
	switch {
	case errors.As(err, &rejected):
		s.logger.Warn("Grounding rejected step",
			zap.Int("step_idx", step.StepIdx), zap.Int("attempt", attempt),
			zap.String("reason", rejected.Reason))
	case errors.As(err, &service):
		s.logger.Error("Grounding service failure",
			zap.Int("step_idx", step.StepIdx), zap.Int("attempt", attempt), zap.Error(err))
	case errors.As(err, &execErr):
		s.logger.Error("Action execution failed",
			zap.Int("step_idx", step.StepIdx), zap.Int("attempt", attempt), zap.Error(err))
	case errors.Is(err, screen.ErrCaptureUnavailable):
		s.logger.Error("Screen capture unavailable",
			zap.Int("step_idx", step.StepIdx), zap.Int("attempt", attempt), zap.Error(err))
	default:
		s.logger.Error("Step attempt failed",
			zap.Int("step_idx", step.StepIdx), zap.Int("attempt", attempt), zap.Error(err))
	}

	s.appendHistory(schemas.HistoryEntry{
		Step:    *step,
		Action:  action,
		Attempt: attempt,
		Err:     reason,
	})
	return reason
}

// completeWithFinalCapture marks the session Completed, recording one last
// capture reference when the screen allows it.
func (s *Session) completeWithFinalCapture(ctx context.Context, why string) {
	if _, err := s.params.Screen.Capture(ctx); err == nil {
		s.recordFinalCapture(s.taskID + "_final")
	}
	s.logger.Info("Session completed", zap.String("reason", why))
	s.finish(schemas.StatusCompleted, "")
}

func (s *Session) executedSteps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStepIdx
}

// pace waits the configured settle delay before a capture.
func (s *Session) pace(ctx context.Context) error {
	d := s.params.Config.StepPacing
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
