// File: internal/session/registry_test.go
package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
	"github.com/xkilldash9x/retrace-cli/internal/grounding"
)

// blockingGrounder parks the loop inside Ground until released, keeping the
// session observably Running.
type blockingGrounder struct {
	entered  chan struct{}
	released chan struct{}
}

func newBlockingGrounder() *blockingGrounder {
	return &blockingGrounder{
		entered:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (g *blockingGrounder) Ground(ctx context.Context, req *grounding.GroundRequest) (*grounding.GroundResult, error) {
	close(g.entered)
	<-g.released
	return &grounding.GroundResult{Stop: true}, nil
}

func (g *blockingGrounder) Verify(ctx context.Context, req *grounding.VerifyRequest) (*schemas.Verification, error) {
	return &schemas.Verification{Met: true}, nil
}

func TestRegistry(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("second acquire while running fails with ErrSessionBusy", func(t *testing.T) {
		reg := NewRegistry()
		g := newBlockingGrounder()
		running := New(testParams(twoStepTrace(false), &stubScreen{}, g, 10))

		require.NoError(t, reg.Acquire(running))
		require.NoError(t, running.Start(context.Background()))
		<-g.entered

		snapBefore := running.Snapshot()
		other := New(testParams(twoStepTrace(false), &stubScreen{}, &stubGrounder{groundFn: alwaysClick}, 10))
		err := reg.Acquire(other)
		assert.ErrorIs(t, err, ErrSessionBusy)

		// The rejected acquire must not disturb the running session.
		snapAfter := running.Snapshot()
		assert.Equal(t, snapBefore.Status, snapAfter.Status)
		assert.Equal(t, snapBefore.CurrentStepIdx, snapAfter.CurrentStepIdx)
		assert.Same(t, running, reg.Active())

		close(g.released)
		select {
		case <-running.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("session did not finish in time")
		}
	})

	t.Run("slot frees once the active session is terminal", func(t *testing.T) {
		reg := NewRegistry()
		first := New(testParams(twoStepTrace(false), &stubScreen{}, &stubGrounder{groundFn: alwaysClick}, 10))
		require.NoError(t, reg.Acquire(first))
		_ = runToCompletion(t, first)

		second := New(testParams(twoStepTrace(false), &stubScreen{}, &stubGrounder{groundFn: alwaysClick}, 0))
		assert.NoError(t, reg.Acquire(second))
		assert.Same(t, second, reg.Active())
		_ = runToCompletion(t, second)
	})

	t.Run("lookup by id only sees the current slot", func(t *testing.T) {
		reg := NewRegistry()
		s := New(testParams(twoStepTrace(false), &stubScreen{}, &stubGrounder{groundFn: alwaysClick}, 0))
		require.NoError(t, reg.Acquire(s))

		got, ok := reg.Get(s.ID())
		require.True(t, ok)
		assert.Same(t, s, got)

		_, ok = reg.Get("unknown")
		assert.False(t, ok)
		_ = runToCompletion(t, s)
	})

	t.Run("stop on an empty registry is a no-op", func(t *testing.T) {
		reg := NewRegistry()
		assert.NotPanics(t, func() { reg.StopActive() })
		assert.Nil(t, reg.Active())
	})

	t.Run("stop requests a halt on the running session", func(t *testing.T) {
		reg := NewRegistry()
		g := newBlockingGrounder()
		s := New(testParams(twoStepTrace(false), &stubScreen{}, g, 10))
		require.NoError(t, reg.Acquire(s))
		require.NoError(t, s.Start(context.Background()))
		<-g.entered

		reg.StopActive()
		assert.True(t, s.Stopping())

		close(g.released)
		select {
		case <-s.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("session did not finish in time")
		}
	})
}
