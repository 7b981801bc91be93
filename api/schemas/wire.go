// File: api/schemas/wire.go
// Description: Wire-level request/response types for the control plane and
// for the inference-service boundary. The inference payloads follow the
// "/generate_action" contract of the action server.
package schemas

// -- Control Plane --

// RunTaskRequest starts a new session.
type RunTaskRequest struct {
	Task           string `json:"task"`
	SelectedScreen int    `json:"selected_screen"`
	TraceID        string `json:"trace_id"`
	// MaxSteps is the caller-chosen step budget; <= 0 falls back to the
	// configured default.
	MaxSteps int `json:"max_steps"`
	// ServerURL overrides the configured inference endpoint for this run.
	ServerURL string `json:"server_url,omitempty"`
}

// CommandResponse is the standard envelope for control-plane responses.
type CommandResponse struct {
	Status string      `json:"status"` // "success", "error", "accepted"
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// ProgressEventType tags the step-by-step events streamed over the
// websocket progress feed.
type ProgressEventType string

const (
	EventSessionStarted  ProgressEventType = "SessionStarted"
	EventStepGrounded    ProgressEventType = "StepGrounded"
	EventStepExecuted    ProgressEventType = "StepExecuted"
	EventStepVerified    ProgressEventType = "StepVerified"
	EventStepRetried     ProgressEventType = "StepRetried"
	EventSessionFinished ProgressEventType = "SessionFinished"
)

// ProgressEvent is one entry of a session's live progress feed.
type ProgressEvent struct {
	Type      ProgressEventType `json:"type"`
	SessionID string            `json:"session_id"`
	StepIdx   int               `json:"step_idx,omitempty"`
	Status    SessionStatus     `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// -- Inference Service Boundary --

// GenerateActionRequest is the payload sent to the inference service's
// POST /generate_action endpoint. The screenshot travels base64-encoded.
type GenerateActionRequest struct {
	TaskID     string `json:"task_id"`
	TraceID    string `json:"trace_name"`
	Query      string `json:"query"`
	Screenshot string `json:"screenshot"`
	// CurrentStep is the abstract trace step being grounded.
	CurrentStep *Step `json:"current_step,omitempty"`
	// ActionHistory is a bounded window of prior executed-action lines.
	ActionHistory []string `json:"action_history"`
	// Mode distinguishes grounding ("act") from verification ("verify").
	Mode string `json:"mode,omitempty"`
}

// ActionDescriptor is the raw action coming back from the inference
// service before it is parsed into a GroundedAction: an action name plus
// loosely typed value/position fields.
type ActionDescriptor struct {
	Action   string      `json:"action"`
	Value    interface{} `json:"value,omitempty"`
	Position []float64   `json:"position,omitempty"`
	Start    []float64   `json:"start,omitempty"`
}

// GeneratedPlan is the plan block of the inference response.
type GeneratedPlan struct {
	Observation string `json:"observation"`
	Reasoning   string `json:"reasoning"`
	StepInfo    string `json:"step_info"`
}

// GenerateActionResponse is the inference service's reply.
type GenerateActionResponse struct {
	Status          string            `json:"status"`
	GeneratedPlan   *GeneratedPlan    `json:"generated_plan,omitempty"`
	GeneratedAction *ActionDescriptor `json:"generated_action,omitempty"`
	CurrentTrajStep int               `json:"current_traj_step,omitempty"`
	// ExpectationMet carries the verification signal in verify mode.
	ExpectationMet *bool  `json:"expectation_met,omitempty"`
	Explanation    string `json:"explanation,omitempty"`
	Error          string `json:"error,omitempty"`
}
