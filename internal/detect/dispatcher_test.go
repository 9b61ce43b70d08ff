package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightlatch/nvrcore/internal/packet"
)

type fakeSink struct {
	mu    sync.Mutex
	calls []Task
	delay time.Duration
	err   error
}

func (f *fakeSink) Detect(ctx context.Context, task Task) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.calls = append(f.calls, task)
	f.mu.Unlock()
	return f.err
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTask(stream string) Task {
	return Task{
		ID:         NewTaskID(),
		StreamName: stream,
		Packet:     packet.New(0, packet.FlagKeyframe, 0, 0, nil),
		Descriptor: &packet.Descriptor{Kind: packet.KindVideo},
	}
}

func TestSubmit_DispatchesToSink(t *testing.T) {
	sink := &fakeSink{}
	d := New(2, 4, sink, nil)
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Submit(newTask("cam-a")))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
}

func TestSubmit_QueueFullReturnsError(t *testing.T) {
	sink := &fakeSink{delay: 200 * time.Millisecond}
	d := New(1, 1, sink, nil)
	d.Start(context.Background())
	defer d.Stop()

	// First task occupies the single worker; second fills the one-slot
	// queue; third should be rejected.
	require.NoError(t, d.Submit(newTask("cam-a")))
	require.Eventually(t, func() bool { return d.IsBusy() }, time.Second, time.Millisecond)

	require.NoError(t, d.Submit(newTask("cam-a")))
	err := d.Submit(newTask("cam-a"))
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestIsBusy_AllWorkersOccupied(t *testing.T) {
	sink := &fakeSink{delay: 100 * time.Millisecond}
	d := New(1, 2, sink, nil)
	d.Start(context.Background())
	defer d.Stop()

	assert.False(t, d.IsBusy())

	require.NoError(t, d.Submit(newTask("cam-a")))
	require.Eventually(t, func() bool { return d.IsBusy() }, time.Second, time.Millisecond)
}

func TestStop_ReleasesDrainedTasks(t *testing.T) {
	sink := &fakeSink{delay: time.Second}
	d := New(1, 4, sink, nil)
	d.Start(context.Background())

	task := newTask("cam-a")
	task.Packet = packet.New(0, packet.FlagKeyframe, 0, 0, nil)
	require.NoError(t, d.Submit(task))

	extra := newTask("cam-a")
	require.NoError(t, d.Submit(extra))

	d.Stop()

	// Stop has released each packet exactly once (in a worker or in the
	// drain), so one more Release takes its refcount below zero and panics.
	assert.Panics(t, func() { task.Packet.Release() })
	assert.Panics(t, func() { extra.Packet.Release() })
}
