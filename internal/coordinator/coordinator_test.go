package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_AssignsState(t *testing.T) {
	c := New()
	id := c.Register("cam-a", KindStreamThread, 10)

	state, ok := c.State(id)
	require.True(t, ok)
	assert.Equal(t, StateRunning, state)
	assert.Equal(t, 1, c.Count())
}

func TestUpdateState_UnknownID(t *testing.T) {
	c := New()
	err := c.UpdateState(uuid.Nil, StateStopped)
	assert.Error(t, err)
}

func TestIsShutdownInitiated(t *testing.T) {
	c := New()
	assert.False(t, c.IsShutdownInitiated())

	c.InitiateShutdown()
	assert.True(t, c.IsShutdownInitiated())
}

func TestJoin_OrdersByAscendingPriority(t *testing.T) {
	c := New()

	var mu sync.Mutex
	var order []string
	record := func(v string) {
		mu.Lock()
		order = append(order, v)
		mu.Unlock()
	}

	lowID := c.Register("detection-worker", KindStreamThread, 0)
	highID := c.Register("hls-writer", KindHLSWriter, 100)

	go func() {
		time.Sleep(5 * time.Millisecond)
		record("low")
		require.NoError(t, c.UpdateState(lowID, StateStopped))

		time.Sleep(5 * time.Millisecond)
		record("high")
		require.NoError(t, c.UpdateState(highID, StateStopped))
	}()

	timedOut := c.Join(context.Background(), time.Second)
	assert.Empty(t, timedOut)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"low", "high"}, order)
}

func TestJoin_TimesOutUnstoppedComponent(t *testing.T) {
	c := New()
	c.Register("stuck", KindStreamThread, 0)

	timedOut := c.Join(context.Background(), 10*time.Millisecond)
	assert.Equal(t, []string{"stuck"}, timedOut)
}

func TestUpdateState_StoppedIsTerminal(t *testing.T) {
	c := New()
	id := c.Register("cam-a", KindStreamThread, 0)

	require.NoError(t, c.UpdateState(id, StateStopped))
	require.NoError(t, c.UpdateState(id, StateRunning))

	state, ok := c.State(id)
	require.True(t, ok)
	assert.Equal(t, StateStopped, state)
}

func TestUnregister_RemovesEntry(t *testing.T) {
	c := New()
	id := c.Register("cam-a", KindStreamThread, 0)
	c.Unregister(id)

	assert.Equal(t, 0, c.Count())
	_, ok := c.State(id)
	assert.False(t, ok)
}
