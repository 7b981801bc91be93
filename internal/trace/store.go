// File: internal/trace/store.go
// Description: Read-only store for recorded demonstration traces. A trace is
// the on-disk contract between the (external) trace-authoring pipeline and
// this core, so malformed records are rejected at load time, never patched.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
)

var (
	// ErrTraceNotFound means no record matches the requested trace ID.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrTraceMalformed means the record exists but violates the trace
	// format: unparseable JSON, missing fields, or broken step numbering.
	ErrTraceMalformed = errors.New("trace malformed")
)

// Store resolves trace IDs against a base directory. It performs file I/O
// only at Load time and is otherwise side-effect free.
type Store struct {
	baseDir string
	logger  *zap.Logger
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string, logger *zap.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		logger:  logger.Named("trace_store"),
	}
}

// rawStep mirrors one trajectory entry as the authoring tool writes it:
// a step index plus a caption block, or a milestone marker.
type rawStep struct {
	StepIdx   int              `json:"step_idx"`
	Caption   *schemas.Step    `json:"caption"`
	Milestone *json.RawMessage `json:"milestone,omitempty"`
}

// traceFile is the top-level on-disk layout.
type traceFile struct {
	Trajectory []rawStep `json:"trajectory"`
}

// Load reads and validates the trace identified by id.
func (s *Store) Load(id string) (*schemas.Trace, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: empty trace id", ErrTraceNotFound)
	}

	path, err := s.resolve(id)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrTraceNotFound, id, err)
	}

	var tf traceFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrTraceMalformed, id, err)
	}

	steps, err := validateSteps(id, tf.Trajectory)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Trace loaded",
		zap.String("trace_id", id),
		zap.String("path", path),
		zap.Int("steps", len(steps)))

	return &schemas.Trace{ID: id, Steps: steps}, nil
}

// NextStep returns the step immediately following afterIdx, or nil when the
// trace is exhausted. afterIdx == 0 yields the first step.
func NextStep(t *schemas.Trace, afterIdx int) *schemas.Step {
	if t == nil {
		return nil
	}
	for i := range t.Steps {
		if t.Steps[i].StepIdx > afterIdx {
			return &t.Steps[i]
		}
	}
	return nil
}

// resolve tries the layouts the authoring tool produces:
// <dir>/<id>, <dir>/<id>.json, <dir>/<id>/trace.json.
func (s *Store) resolve(id string) (string, error) {
	candidates := []string{
		filepath.Join(s.baseDir, id),
		filepath.Join(s.baseDir, id+".json"),
		filepath.Join(s.baseDir, id, "trace.json"),
	}
	for _, p := range candidates {
		info, err := os.Stat(p)
		if err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q under %q", ErrTraceNotFound, id, s.baseDir)
}

// validateSteps filters milestone entries and enforces the numbering
// invariant: contiguous, strictly increasing indices starting at 1.
func validateSteps(id string, raw []rawStep) ([]schemas.Step, error) {
	steps := make([]schemas.Step, 0, len(raw))
	want := 1
	for _, r := range raw {
		if r.Milestone != nil {
			// Milestones annotate the trajectory but are not steps.
			continue
		}
		if r.Caption == nil {
			return nil, fmt.Errorf("%w: %q: step %d has no caption", ErrTraceMalformed, id, r.StepIdx)
		}
		if r.StepIdx != want {
			return nil, fmt.Errorf("%w: %q: expected step_idx %d, got %d", ErrTraceMalformed, id, want, r.StepIdx)
		}
		step := *r.Caption
		step.StepIdx = r.StepIdx
		if strings.TrimSpace(step.Observation) == "" || strings.TrimSpace(step.Action) == "" {
			return nil, fmt.Errorf("%w: %q: step %d missing observation or action text", ErrTraceMalformed, id, r.StepIdx)
		}
		steps = append(steps, step)
		want++
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: %q: trajectory contains no steps", ErrTraceMalformed, id)
	}
	return steps, nil
}
