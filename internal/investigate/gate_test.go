package investigate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_DisabledNeverBlocks(t *testing.T) {
	g := NewGate(false)
	require.NoError(t, g.Wait(context.Background()))
	assert.False(t, g.Enabled())
}

func TestGate_ContinueReleasesOneWaiter(t *testing.T) {
	g := NewGate(true)
	released := make(chan struct{}, 2)
	for range 2 {
		go func() {
			if g.Wait(context.Background()) == nil {
				released <- struct{}{}
			}
		}()
	}
	require.Eventually(t, func() bool { return g.Waiting() == 2 }, time.Second, time.Millisecond)

	g.Continue()
	<-released
	assert.Eventually(t, func() bool { return g.Waiting() == 1 }, time.Second, time.Millisecond)
	assert.Len(t, released, 0)

	g.SetEnabled(false)
	<-released
	assert.Eventually(t, func() bool { return g.Waiting() == 0 }, time.Second, time.Millisecond)
}

func TestGate_ContinueBeforeWait(t *testing.T) {
	g := NewGate(true)
	g.Continue()
	g.Continue()

	require.NoError(t, g.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded, "only one pending continue is kept")
}

func TestGate_ReEnable(t *testing.T) {
	g := NewGate(true)
	g.SetEnabled(false)
	require.NoError(t, g.Wait(context.Background()))

	g.SetEnabled(true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.Canceled)
}
