// File: internal/session/session.go
// Description: Run-time state for one task execution. The loop goroutine is
// the only writer; everything observable from outside travels through
// snapshots or the stop flag.
package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
	"github.com/xkilldash9x/retrace-cli/internal/grounding"
	"github.com/xkilldash9x/retrace-cli/internal/screen"
)

// EventSink receives the session's live progress feed. Sinks must not block;
// the server side buffers and drops slow consumers.
type EventSink func(schemas.ProgressEvent)

// Params collects everything a session needs at construction time.
type Params struct {
	Task           string
	Trace          *schemas.Trace
	SelectedScreen int
	// MaxSteps is the caller-chosen ceiling on executed steps. Zero means
	// the session completes without executing anything.
	MaxSteps       int
	ServerEndpoint string

	Config   config.SessionConfig
	Screen   screen.Interface
	Grounder grounding.Client
	Logger   *zap.Logger
	Events   EventSink
}

// Session owns one task's progress from Created to a terminal status.
type Session struct {
	id     string
	taskID string
	params Params

	logger *zap.Logger
	events EventSink

	mu             sync.RWMutex
	status         schemas.SessionStatus
	currentStepIdx int
	history        []schemas.HistoryEntry
	actionLines    []string
	finalCapRef    string
	lastError      string
	startedAt      time.Time
	finishedAt     time.Time

	stopRequested atomic.Bool
	started       atomic.Bool
	done          chan struct{}
}

// New builds a session in the Created state. Start launches the loop.
func New(p Params) *Session {
	id := uuid.NewString()
	s := &Session{
		id:     id,
		taskID: newTaskID(p.Trace.ID),
		params: p,
		logger: p.Logger.Named("session").With(zap.String("session_id", id)),
		events: p.Events,
		status: schemas.StatusCreated,
		done:   make(chan struct{}),
	}
	return s
}

// newTaskID builds the per-run correlation id carried on every inference
// payload and log line.
func newTaskID(traceID string) string {
	return fmt.Sprintf("%s_tid_%s_%s",
		time.Now().Format("20060102_150405"), traceID, uuid.NewString()[:6])
}

func (s *Session) ID() string     { return s.id }
func (s *Session) TaskID() string { return s.taskID }

// Done is closed when the loop goroutine has fully exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Stop requests a graceful halt. The flag is observed at the top of each
// loop iteration; an in-flight screen action always finishes first. Safe to
// call any number of times, including on a terminal session.
func (s *Session) Stop() {
	s.stopRequested.Store(true)
}

// Stopping reports whether a stop has been requested.
func (s *Session) Stopping() bool {
	return s.stopRequested.Load()
}

// Snapshot returns a read-only copy of the observable state.
func (s *Session) Snapshot() schemas.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := make([]schemas.HistoryEntry, len(s.history))
	copy(history, s.history)

	return schemas.SessionSnapshot{
		ID:                 s.id,
		Task:               s.params.Task,
		TraceID:            s.params.Trace.ID,
		ServerEndpoint:     s.params.ServerEndpoint,
		SelectedScreen:     s.params.SelectedScreen,
		MaxSteps:           s.params.MaxSteps,
		CurrentStepIdx:     s.currentStepIdx,
		Status:             s.status,
		History:            history,
		FinalScreenshotRef: s.finalCapRef,
		LastError:          s.lastError,
		StartedAt:          s.startedAt,
		FinishedAt:         s.finishedAt,
	}
}

// Status is a convenience accessor for the lifecycle state alone.
func (s *Session) Status() schemas.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// -- loop-owned mutators --

func (s *Session) markRunning() {
	s.mu.Lock()
	s.status = schemas.StatusRunning
	s.startedAt = time.Now()
	s.mu.Unlock()
}

// finish moves the session to a terminal status. Later calls are ignored so
// a stop racing a natural completion cannot resurrect the session.
func (s *Session) finish(status schemas.SessionStatus, lastError string) {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.lastError = lastError
	s.finishedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("Session finished",
		zap.String("status", string(status)),
		zap.String("last_error", lastError))
	s.emit(schemas.ProgressEvent{
		Type:    schemas.EventSessionFinished,
		Status:  status,
		Message: lastError,
	})
}

func (s *Session) appendHistory(entry schemas.HistoryEntry) {
	entry.RecordedAt = time.Now()
	s.mu.Lock()
	s.history = append(s.history, entry)
	s.mu.Unlock()
}

// recordActionLine appends the formatted history line sent with subsequent
// grounding requests.
func (s *Session) recordActionLine(step *schemas.Step, plan schemas.GeneratedPlan, action schemas.GroundedAction) {
	line := fmt.Sprintf("Executing guidance trajectory step [%d]: {Plan: %s, Action: %s}",
		step.StepIdx, plan.Reasoning, action.Kind)
	s.mu.Lock()
	s.actionLines = append(s.actionLines, line)
	s.mu.Unlock()
}

func (s *Session) actionHistory() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lines := make([]string, len(s.actionLines))
	copy(lines, s.actionLines)
	return lines
}

func (s *Session) advance(stepIdx int) {
	s.mu.Lock()
	s.currentStepIdx = stepIdx
	s.mu.Unlock()
}

// recordFinalCapture remembers the reference of the capture taken after the
// last executed action, for log correlation on completion.
func (s *Session) recordFinalCapture(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalCapRef = ref
}

func (s *Session) emit(event schemas.ProgressEvent) {
	if s.events == nil {
		return
	}
	event.SessionID = s.id
	event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	s.events(event)
}
