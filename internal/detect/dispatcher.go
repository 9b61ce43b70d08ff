// Package detect implements the Detection Dispatcher: a fixed-size worker
// pool that accepts keyframe-gated Detection Tasks and hands them off to
// an external detection sink, without interpreting model output itself.
//
// Grounded on internal/daemon/transcode.go (bounded channel
// plus worker goroutines) for the pool shape, and
// internal/relay/connection_pool.go's immediate-failure-on-exhaustion
// semantics for submit's non-blocking contract — unlike transcode.go's
// blocking channel send, submit must return an error immediately when the
// queue is full rather than wait for a slot.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/nightlatch/nvrcore/internal/packet"
)

// ErrQueueFull is returned by Submit when the internal queue has no room.
var ErrQueueFull = errors.New("detect: queue full")

// Sink receives dispatched detection work. The pipeline does not interpret
// the result; it is the external detection sink's responsibility.
type Sink interface {
	Detect(ctx context.Context, task Task) error
}

// Task is one unit of detection work: a stream name, a packet reference
// the dispatcher owns and releases once the sink's Detect returns, and the codec
// parameters the sink needs to decode the payload.
type Task struct {
	ID         ulid.ULID
	StreamName string
	Packet     *packet.Packet
	Descriptor *packet.Descriptor
	Model      string
	Threshold  float64
}

// Dispatcher is the fixed-size Detection Dispatcher worker pool. The zero
// value is not usable; construct with New.
type Dispatcher struct {
	sink   Sink
	logger *slog.Logger

	queue chan Task

	busyMu sync.Mutex
	busy   int
	workers int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Dispatcher with the given number of worker goroutines and
// queue capacity, handing accepted tasks to sink.
func New(workerCount, queueSize int, sink Sink, logger *slog.Logger) *Dispatcher {
	if workerCount < 1 {
		workerCount = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		sink:    sink,
		logger:  logger,
		queue:   make(chan Task, queueSize),
		workers: workerCount,
	}
}

// Start launches the worker goroutines. It must be called once before
// Submit.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx)
	}
}

// Stop cancels outstanding work and waits for workers to exit. Any queued
// tasks are drained and their packet references released without being
// dispatched to the sink.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	for {
		select {
		case task := <-d.queue:
			task.Packet.Release()
		default:
			return
		}
	}
}

func (d *Dispatcher) runWorker(ctx context.Context) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			d.busyMu.Lock()
			d.busy++
			d.busyMu.Unlock()

			if err := d.sink.Detect(ctx, task); err != nil {
				d.logger.Warn("detection task failed",
					slog.String("stream", task.StreamName),
					slog.String("task_id", task.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			task.Packet.Release()

			d.busyMu.Lock()
			d.busy--
			d.busyMu.Unlock()
		}
	}
}

// Submit enqueues task without blocking, returning ErrQueueFull if the
// queue has no room. On success, Submit takes ownership of task.Packet —
// the caller must have already obtained its own reference via Ref if it
// needs the packet for anything else.
func (d *Dispatcher) Submit(task Task) error {
	select {
	case d.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// IsBusy reports whether every worker is currently processing a task. The
// Stream Thread consults this on memory-constrained hosts to additionally
// require the pool be non-busy before submitting.
func (d *Dispatcher) IsBusy() bool {
	d.busyMu.Lock()
	defer d.busyMu.Unlock()
	return d.busy >= d.workers
}

// NewTaskID generates a sortable, timestamp-embedding task identifier.
func NewTaskID() ulid.ULID {
	return ulid.Make()
}
