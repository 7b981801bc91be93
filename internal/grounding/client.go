// File: internal/grounding/client.go
// Description: Client contract for the grounding service plus the HTTP
// provider speaking the /generate_action protocol. The provider owns
// transport-level resilience (rate limiting, bounded backoff); judgement
// about what a rejection costs belongs to the session loop.
package grounding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
)

// RejectedError means the grounding service answered but its answer cannot be
// executed: no action, an unknown verb, or a payload missing required fields.
type RejectedError struct {
	Reason string
	Raw    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("grounding rejected: %s", e.Reason)
}

// ServiceError means the grounding service itself could not be reached or
// answered outside its protocol.
type ServiceError struct {
	StatusCode int
	Err        error
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("grounding service returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("grounding service unreachable: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// GroundRequest carries everything the service needs to map the current frame
// onto the recorded trajectory.
type GroundRequest struct {
	TaskID     string
	TraceID    string
	Task       string
	Screenshot *schemas.Screenshot
	// CurrentStep is the guidance step the session expects to execute next.
	CurrentStep *schemas.Step
	History     []string
	ScreenW     int
	ScreenH     int
}

// GroundResult is one grounded decision. Stop is set when the service emitted
// the terminal sentinel instead of an action.
type GroundResult struct {
	Plan      schemas.GeneratedPlan
	Action    schemas.GroundedAction
	Stop      bool
	RawAction string
	TrajStep  int
}

// VerifyRequest asks whether a step's recorded expectation holds on a frame
// captured after execution.
type VerifyRequest struct {
	TaskID     string
	TraceID    string
	Task       string
	Screenshot *schemas.Screenshot
	Step       *schemas.Step
	History    []string
}

// Client is a grounding backend. Implementations translate screen frames into
// executable actions and judge post-execution expectations.
type Client interface {
	Ground(ctx context.Context, req *GroundRequest) (*GroundResult, error)
	Verify(ctx context.Context, req *VerifyRequest) (*schemas.Verification, error)
}

// NewClient builds the configured provider.
func NewClient(cfg config.GroundingConfig, logger *zap.Logger) (Client, error) {
	switch cfg.Provider {
	case config.ProviderHTTP:
		return NewHTTPClient(cfg, logger), nil
	case config.ProviderGemini:
		return NewGeminiClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown grounding provider: %q", cfg.Provider)
	}
}

// HTTPClient speaks to an external grounding server over its
// POST /generate_action endpoint.
type HTTPClient struct {
	cfg     config.GroundingConfig
	httpc   *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.GroundingConfig, logger *zap.Logger) *HTTPClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	return &HTTPClient{
		cfg:     cfg,
		httpc:   &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.Named("grounding_http"),
	}
}

func (c *HTTPClient) Ground(ctx context.Context, req *GroundRequest) (*GroundResult, error) {
	wire := &schemas.GenerateActionRequest{
		TaskID:        req.TaskID,
		TraceID:       req.TraceID,
		Query:         req.Task,
		Screenshot:    base64.StdEncoding.EncodeToString(req.Screenshot.PNG),
		CurrentStep:   req.CurrentStep,
		ActionHistory: windowHistory(req.History, c.cfg.HistoryWindow),
		Mode:          "act",
	}
	resp, err := c.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	if resp.Status == "error" {
		return nil, &RejectedError{Reason: firstNonEmpty(resp.Error, "service reported an error"), Raw: resp.Error}
	}

	result := &GroundResult{TrajStep: resp.CurrentTrajStep}
	if resp.GeneratedPlan != nil {
		result.Plan = *resp.GeneratedPlan
	}
	if resp.GeneratedAction != nil {
		raw, _ := json.Marshal(resp.GeneratedAction)
		result.RawAction = string(raw)
	}

	action, stop, err := ParseAction(resp.GeneratedAction, req.ScreenW, req.ScreenH)
	if err != nil {
		if re, ok := err.(*RejectedError); ok && re.Raw == "" {
			re.Raw = result.RawAction
		}
		return nil, err
	}
	result.Action = action
	result.Stop = stop
	return result, nil
}

func (c *HTTPClient) Verify(ctx context.Context, req *VerifyRequest) (*schemas.Verification, error) {
	wire := &schemas.GenerateActionRequest{
		TaskID:        req.TaskID,
		TraceID:       req.TraceID,
		Query:         req.Task,
		Screenshot:    base64.StdEncoding.EncodeToString(req.Screenshot.PNG),
		CurrentStep:   req.Step,
		ActionHistory: windowHistory(req.History, c.cfg.HistoryWindow),
		Mode:          "verify",
	}
	resp, err := c.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	if resp.ExpectationMet == nil {
		return nil, &RejectedError{Reason: "verification response missing verdict"}
	}
	return &schemas.Verification{
		Met:         *resp.ExpectationMet,
		Explanation: resp.Explanation,
	}, nil
}

// post sends one request, retrying connection failures and 5xx answers with
// exponential backoff up to the configured retry budget.
func (c *HTTPClient) post(ctx context.Context, wire *schemas.GenerateActionRequest) (*schemas.GenerateActionResponse, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("failed to encode grounding request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.ServiceRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.BackoffBase << (attempt - 1)
			c.logger.Warn("Retrying grounding request",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, body)
		if err == nil {
			return resp, nil
		}
		se, retryable := err.(*ServiceError)
		if !retryable || (se.StatusCode >= 400 && se.StatusCode < 500) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *HTTPClient) doOnce(ctx context.Context, body []byte) (*schemas.GenerateActionResponse, error) {
	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/generate_action"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build grounding request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, &ServiceError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return nil, &ServiceError{StatusCode: httpResp.StatusCode}
	}

	var resp schemas.GenerateActionResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, &ServiceError{Err: fmt.Errorf("undecodable response body: %w", err)}
	}
	return &resp, nil
}

// windowHistory keeps only the most recent entries so long sessions do not
// grow the prompt without bound. A window of zero keeps everything.
func windowHistory(history []string, window int) []string {
	if window <= 0 || len(history) <= window {
		return history
	}
	return history[len(history)-window:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
