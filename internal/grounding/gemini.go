// File: internal/grounding/gemini.go
// Description: Direct Gemini grounding provider. Instead of delegating to an
// external grounding server it sends the frame and the guidance step to a
// multimodal model and expects a structured JSON decision back.
package grounding

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
)

// GeminiClient grounds steps by calling the Gemini API directly.
type GeminiClient struct {
	cfg     config.GroundingConfig
	client  *genai.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Client = (*GeminiClient)(nil)

func NewGeminiClient(cfg config.GroundingConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &GeminiClient{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("grounding_gemini"),
	}, nil
}

// geminiDecision is the JSON shape the model is instructed to emit.
type geminiDecision struct {
	Observation    string                    `json:"observation"`
	Reasoning      string                    `json:"reasoning"`
	Action         *schemas.ActionDescriptor `json:"action"`
	ExpectationMet *bool                     `json:"expectation_met,omitempty"`
	Explanation    string                    `json:"explanation,omitempty"`
}

func (c *GeminiClient) Ground(ctx context.Context, req *GroundRequest) (*GroundResult, error) {
	prompt := c.groundPrompt(req)
	decision, raw, err := c.generate(ctx, prompt, req.Screenshot)
	if err != nil {
		return nil, err
	}

	result := &GroundResult{
		Plan: schemas.GeneratedPlan{
			Observation: decision.Observation,
			Reasoning:   decision.Reasoning,
		},
		RawAction: raw,
	}
	if req.CurrentStep != nil {
		result.Plan.StepInfo = req.CurrentStep.Action
		result.TrajStep = req.CurrentStep.StepIdx
	}

	action, stop, err := ParseAction(decision.Action, req.ScreenW, req.ScreenH)
	if err != nil {
		if re, ok := err.(*RejectedError); ok && re.Raw == "" {
			re.Raw = raw
		}
		return nil, err
	}
	result.Action = action
	result.Stop = stop
	return result, nil
}

func (c *GeminiClient) Verify(ctx context.Context, req *VerifyRequest) (*schemas.Verification, error) {
	prompt := c.verifyPrompt(req)
	decision, _, err := c.generate(ctx, prompt, req.Screenshot)
	if err != nil {
		return nil, err
	}
	if decision.ExpectationMet == nil {
		return nil, &RejectedError{Reason: "verification response missing verdict"}
	}
	return &schemas.Verification{
		Met:         *decision.ExpectationMet,
		Explanation: decision.Explanation,
	}, nil
}

func (c *GeminiClient) generate(ctx context.Context, prompt string, shot *schemas.Screenshot) (*geminiDecision, string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, "", err
	}

	parts := []*genai.Part{
		genai.NewPartFromBytes(shot.PNG, "image/png"),
		genai.NewPartFromText(prompt),
	}
	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0),
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.cfg.Model, contents, genCfg)
	if err != nil {
		return nil, "", &ServiceError{Err: err}
	}
	raw := strings.TrimSpace(resp.Text())
	if raw == "" {
		return nil, "", &RejectedError{Reason: "model returned an empty response"}
	}

	var decision geminiDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil, "", &RejectedError{Reason: "model response is not valid JSON", Raw: raw}
	}
	return &decision, raw, nil
}

func (c *GeminiClient) groundPrompt(req *GroundRequest) string {
	var b strings.Builder
	b.WriteString("You are guiding a computer-use agent that replays a human demonstration.\n")
	fmt.Fprintf(&b, "Overall task: %s\n\n", req.Task)
	if step := req.CurrentStep; step != nil {
		fmt.Fprintf(&b, "The demonstrated step to reproduce now (step %d):\n", step.StepIdx)
		fmt.Fprintf(&b, "  Observation then: %s\n", step.Observation)
		if step.Think != "" {
			fmt.Fprintf(&b, "  Reasoning then: %s\n", step.Think)
		}
		fmt.Fprintf(&b, "  Action then: %s\n\n", step.Action)
	}
	if history := windowHistory(req.History, c.cfg.HistoryWindow); len(history) > 0 {
		b.WriteString("Actions already executed this session:\n")
		for _, h := range history {
			fmt.Fprintf(&b, "  %s\n", h)
		}
		b.WriteString("\n")
	}
	b.WriteString("Look at the attached screenshot of the current screen and decide the single next action.\n")
	b.WriteString("Respond with JSON only: {\"observation\": string, \"reasoning\": string, \"action\": {\"action\": VERB, \"value\": string|number|null, \"position\": [x, y]|null, \"start\": [x, y]|null}}.\n")
	b.WriteString("VERB is one of CLICK, RIGHT_CLICK, DOUBLE_CLICK, MOVE, INPUT, ENTER, ESC, PRESS, HOTKEY, DRAG, SCROLL, WAIT, STOP.\n")
	b.WriteString("Positions are fractions of the screen in [0,1]. Emit STOP when the task is already complete.\n")
	return b.String()
}

func (c *GeminiClient) verifyPrompt(req *VerifyRequest) string {
	var b strings.Builder
	b.WriteString("You are verifying one step of a replayed computer-use demonstration.\n")
	fmt.Fprintf(&b, "Overall task: %s\n\n", req.Task)
	if step := req.Step; step != nil {
		fmt.Fprintf(&b, "The step just executed (step %d): %s\n", step.StepIdx, step.Action)
		fmt.Fprintf(&b, "Expected outcome: %s\n\n", step.Expectation)
	}
	b.WriteString("The attached screenshot was captured after the action ran.\n")
	b.WriteString("Respond with JSON only: {\"expectation_met\": boolean, \"explanation\": string}.\n")
	return b.String()
}
