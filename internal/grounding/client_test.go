// File: internal/grounding/client_test.go
package grounding

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
)

func testGroundingConfig(endpoint string) config.GroundingConfig {
	return config.GroundingConfig{
		Provider:       config.ProviderHTTP,
		Endpoint:       endpoint,
		RequestTimeout: 5 * time.Second,
		ServiceRetries: 2,
		BackoffBase:    time.Millisecond,
		HistoryWindow:  2,
	}
}

func testGroundRequest() *GroundRequest {
	return &GroundRequest{
		TaskID:     "20260831_120000_tid_demo_abc123",
		TraceID:    "demo",
		Task:       "close the error marker",
		Screenshot: &schemas.Screenshot{PNG: []byte("fakepng"), Width: 1280, Height: 800},
		CurrentStep: &schemas.Step{
			StepIdx:     1,
			Observation: "a red X over a code line",
			Action:      "click it",
		},
		History: []string{"line1", "line2", "line3"},
		ScreenW: 1280,
		ScreenH: 800,
	}
}

func TestHTTPClientGround(t *testing.T) {
	t.Run("sends the generate_action payload and parses the reply", func(t *testing.T) {
		var got schemas.GenerateActionRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "/generate_action", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			json.NewEncoder(w).Encode(schemas.GenerateActionResponse{
				Status: "success",
				GeneratedPlan: &schemas.GeneratedPlan{
					Observation: "red X visible",
					Reasoning:   "click the marker",
				},
				GeneratedAction: &schemas.ActionDescriptor{
					Action:   "CLICK",
					Position: []float64{0.5, 0.5},
				},
				CurrentTrajStep: 1,
			})
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		result, err := c.Ground(context.Background(), testGroundRequest())
		require.NoError(t, err)

		assert.Equal(t, "demo", got.TraceID)
		assert.Equal(t, "close the error marker", got.Query)
		assert.Equal(t, "act", got.Mode)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("fakepng")), got.Screenshot)
		require.NotNil(t, got.CurrentStep)
		assert.Equal(t, 1, got.CurrentStep.StepIdx)
		// History is windowed to the configured size.
		assert.Equal(t, []string{"line2", "line3"}, got.ActionHistory)

		assert.False(t, result.Stop)
		assert.Equal(t, schemas.ActionClick, result.Action.Kind)
		assert.InDelta(t, 640.0, result.Action.Position.X, 0.001)
		assert.Equal(t, "click the marker", result.Plan.Reasoning)
		assert.Equal(t, 1, result.TrajStep)
	})

	t.Run("stop sentinel surfaces as result.Stop", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(schemas.GenerateActionResponse{
				Status:          "success",
				GeneratedAction: &schemas.ActionDescriptor{Action: "STOP"},
			})
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		result, err := c.Ground(context.Background(), testGroundRequest())
		require.NoError(t, err)
		assert.True(t, result.Stop)
	})

	t.Run("service-reported error is a rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(schemas.GenerateActionResponse{
				Status: "error",
				Error:  "described element not found",
			})
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		_, err := c.Ground(context.Background(), testGroundRequest())
		var rejected *RejectedError
		require.ErrorAs(t, err, &rejected)
		assert.Contains(t, rejected.Reason, "element not found")
	})

	t.Run("5xx answers are retried with backoff before escalating", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		_, err := c.Ground(context.Background(), testGroundRequest())
		var service *ServiceError
		require.ErrorAs(t, err, &service)
		assert.Equal(t, http.StatusBadGateway, service.StatusCode)
		// initial attempt + ServiceRetries
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("recovery within the retry budget succeeds", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(schemas.GenerateActionResponse{
				Status:          "success",
				GeneratedAction: &schemas.ActionDescriptor{Action: "ENTER"},
			})
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		result, err := c.Ground(context.Background(), testGroundRequest())
		require.NoError(t, err)
		assert.Equal(t, schemas.ActionEnter, result.Action.Kind)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("4xx answers are not retried", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		_, err := c.Ground(context.Background(), testGroundRequest())
		var service *ServiceError
		require.ErrorAs(t, err, &service)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("unreachable endpoint is a service error", func(t *testing.T) {
		cfg := testGroundingConfig("http://127.0.0.1:1")
		cfg.ServiceRetries = 0
		c := NewHTTPClient(cfg, zap.NewNop())
		_, err := c.Ground(context.Background(), testGroundRequest())
		var service *ServiceError
		assert.ErrorAs(t, err, &service)
	})
}

func TestHTTPClientVerify(t *testing.T) {
	t.Run("returns the verdict and explanation", func(t *testing.T) {
		var got schemas.GenerateActionRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			met := true
			json.NewEncoder(w).Encode(schemas.GenerateActionResponse{
				Status:         "success",
				ExpectationMet: &met,
				Explanation:    "the X is gone",
			})
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		v, err := c.Verify(context.Background(), &VerifyRequest{
			TaskID:     "tid",
			TraceID:    "demo",
			Task:       "close the error marker",
			Screenshot: &schemas.Screenshot{PNG: []byte("png2")},
			Step:       &schemas.Step{StepIdx: 1, Expectation: "the X disappears"},
		})
		require.NoError(t, err)
		assert.Equal(t, "verify", got.Mode)
		assert.True(t, v.Met)
		assert.Equal(t, "the X is gone", v.Explanation)
	})

	t.Run("missing verdict is a rejection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(schemas.GenerateActionResponse{Status: "success"})
		}))
		defer srv.Close()

		c := NewHTTPClient(testGroundingConfig(srv.URL), zap.NewNop())
		_, err := c.Verify(context.Background(), &VerifyRequest{
			Screenshot: &schemas.Screenshot{PNG: []byte("png")},
			Step:       &schemas.Step{StepIdx: 1},
		})
		var rejected *RejectedError
		assert.ErrorAs(t, err, &rejected)
	})
}

func TestWindowHistory(t *testing.T) {
	history := []string{"a", "b", "c", "d"}
	assert.Equal(t, []string{"c", "d"}, windowHistory(history, 2))
	assert.Equal(t, history, windowHistory(history, 0), "zero keeps everything")
	assert.Equal(t, history, windowHistory(history, 10))
}
