// File: internal/server/handlers_test.go
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/config"
	"github.com/xkilldash9x/retrace-cli/internal/grounding"
	"github.com/xkilldash9x/retrace-cli/internal/screen"
)

// -- Fake collaborators --

type fakeScreen struct{}

func (fakeScreen) Capture(ctx context.Context) (*schemas.Screenshot, error) {
	return &schemas.Screenshot{PNG: []byte("png"), TakenAt: time.Now(), Width: 1280, Height: 800}, nil
}

func (fakeScreen) Execute(ctx context.Context, action schemas.GroundedAction) (*schemas.ExecutionReceipt, error) {
	return &schemas.ExecutionReceipt{Action: action, StartedAt: time.Now(), FinishedAt: time.Now()}, nil
}

type fakeGrounder struct {
	ground func(req *grounding.GroundRequest) (*grounding.GroundResult, error)
}

func (g fakeGrounder) Ground(ctx context.Context, req *grounding.GroundRequest) (*grounding.GroundResult, error) {
	if g.ground != nil {
		return g.ground(req)
	}
	return &grounding.GroundResult{
		Action: schemas.GroundedAction{Kind: schemas.ActionClick, Position: &schemas.Point{X: 1, Y: 1}},
	}, nil
}

func (g fakeGrounder) Verify(ctx context.Context, req *grounding.VerifyRequest) (*schemas.Verification, error) {
	return &schemas.Verification{Met: true}, nil
}

// -- Helpers --

const validTrace = `{
  "trajectory": [
    {"step_idx": 1, "caption": {"observation": "a red X over a code line", "action": "click it"}},
    {"step_idx": 2, "caption": {"observation": "dashed path below", "action": "drag along it"}}
  ]
}`

func newTestServer(t *testing.T, grounder grounding.Client) (*Server, *httptest.Server) {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.json"), []byte(validTrace), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte(`{"trajectory": []}`), 0o644))

	cfg := config.NewDefaultConfig()
	cfg.Trace.Dir = dir
	cfg.Session.StepPacing = 0
	cfg.Session.GroundRetryLimit = 2

	s := New(cfg, zap.NewNop(),
		func(ctx context.Context) (screen.Interface, error) { return fakeScreen{}, nil },
		func(gcfg config.GroundingConfig) (grounding.Client, error) { return grounder, nil },
	)
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) (*http.Response, schemas.CommandResponse) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope schemas.CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func getJSON(t *testing.T, url string) (*http.Response, schemas.CommandResponse) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var envelope schemas.CommandResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	return resp, envelope
}

func waitForSession(t *testing.T, s *Server) {
	t.Helper()
	sess := s.Registry().Active()
	require.NotNil(t, sess)
	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

// -- Tests --

func TestHandleRunTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("accepts a task and runs it to completion", func(t *testing.T) {
		s, ts := newTestServer(t, fakeGrounder{})

		resp, envelope := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{
			Task:    "close the error marker",
			TraceID: "demo",
		})
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "accepted", envelope.Status)

		data, ok := envelope.Data.(map[string]interface{})
		require.True(t, ok)
		assert.NotEmpty(t, data["session_id"])
		assert.Contains(t, data["task_id"], "_tid_demo_")

		waitForSession(t, s)
		snap := s.Registry().Active().Snapshot()
		assert.Equal(t, schemas.StatusCompleted, snap.Status)
		assert.Equal(t, 2, snap.CurrentStepIdx)
	})

	t.Run("unknown trace returns 404", func(t *testing.T) {
		_, ts := newTestServer(t, fakeGrounder{})
		resp, envelope := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{
			Task:    "anything",
			TraceID: "missing",
		})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "error", envelope.Status)
		assert.Contains(t, envelope.Error, "not found")
	})

	t.Run("malformed trace returns 400", func(t *testing.T) {
		_, ts := newTestServer(t, fakeGrounder{})
		resp, envelope := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{
			Task:    "anything",
			TraceID: "bad",
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, envelope.Error, "malformed")
	})

	t.Run("missing task or trace id returns 400", func(t *testing.T) {
		_, ts := newTestServer(t, fakeGrounder{})

		resp, _ := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{TraceID: "demo"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, _ = postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{Task: "x"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("second task while one runs returns 409", func(t *testing.T) {
		entered := make(chan struct{})
		released := make(chan struct{})
		blocking := fakeGrounder{ground: func(req *grounding.GroundRequest) (*grounding.GroundResult, error) {
			close(entered)
			<-released
			return &grounding.GroundResult{Stop: true}, nil
		}}
		s, ts := newTestServer(t, blocking)

		resp, _ := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{Task: "first", TraceID: "demo"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		<-entered

		before := s.Registry().Active().Snapshot()

		resp, envelope := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{Task: "second", TraceID: "demo"})
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.Contains(t, envelope.Error, "already running")

		// The running session is untouched by the rejected start.
		after := s.Registry().Active().Snapshot()
		assert.Equal(t, before.ID, after.ID)
		assert.Equal(t, before.Status, after.Status)

		close(released)
		waitForSession(t, s)
	})
}

func TestHandleStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("stop without a session still succeeds", func(t *testing.T) {
		_, ts := newTestServer(t, fakeGrounder{})
		resp, envelope := postJSON(t, ts.URL+"/stop", struct{}{})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "success", envelope.Status)
	})

	t.Run("stop is idempotent on a terminal session", func(t *testing.T) {
		s, ts := newTestServer(t, fakeGrounder{})
		resp, _ := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{Task: "t", TraceID: "demo"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		waitForSession(t, s)

		first := s.Registry().Active().Snapshot()
		resp1, _ := postJSON(t, ts.URL+"/stop", struct{}{})
		resp2, _ := postJSON(t, ts.URL+"/stop", struct{}{})
		assert.Equal(t, http.StatusOK, resp1.StatusCode)
		assert.Equal(t, http.StatusOK, resp2.StatusCode)

		after := s.Registry().Active().Snapshot()
		assert.Equal(t, first.Status, after.Status)
		assert.Equal(t, first.FinishedAt, after.FinishedAt)
	})

	t.Run("stop halts a running session", func(t *testing.T) {
		entered := make(chan struct{})
		blocking := fakeGrounder{ground: func(req *grounding.GroundRequest) (*grounding.GroundResult, error) {
			select {
			case <-entered:
			default:
				close(entered)
			}
			// Rejections keep the loop retrying until the stop flag lands.
			return nil, &grounding.RejectedError{Reason: "not there yet"}
		}}
		s, ts := newTestServer(t, blocking)

		resp, _ := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{Task: "t", TraceID: "demo"})
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		<-entered

		resp, _ = postJSON(t, ts.URL+"/stop", struct{}{})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		waitForSession(t, s)

		status := s.Registry().Active().Snapshot().Status
		assert.True(t, status == schemas.StatusStopped || status == schemas.StatusFailed)
	})
}

func TestHandleStatus(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("no session yet returns 404", func(t *testing.T) {
		_, ts := newTestServer(t, fakeGrounder{})
		resp, envelope := getJSON(t, ts.URL+"/status")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "error", envelope.Status)
	})

	t.Run("status by id resolves the active slot", func(t *testing.T) {
		s, ts := newTestServer(t, fakeGrounder{})
		_, envelope := postJSON(t, ts.URL+"/run_task", schemas.RunTaskRequest{Task: "t", TraceID: "demo"})
		data := envelope.Data.(map[string]interface{})
		sessionID := data["session_id"].(string)
		waitForSession(t, s)

		resp, envelope := getJSON(t, ts.URL+"/status/"+sessionID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		snapData, err := json.Marshal(envelope.Data)
		require.NoError(t, err)
		var snap schemas.SessionSnapshot
		require.NoError(t, json.Unmarshal(snapData, &snap))
		assert.Equal(t, sessionID, snap.ID)
		assert.Equal(t, schemas.StatusCompleted, snap.Status)
		assert.Len(t, snap.History, 2)
	})

	t.Run("unknown id returns 404", func(t *testing.T) {
		_, ts := newTestServer(t, fakeGrounder{})
		resp, _ := getJSON(t, ts.URL+"/status/nope")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, fakeGrounder{})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
