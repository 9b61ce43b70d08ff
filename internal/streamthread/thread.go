// Package streamthread implements the Stream Thread: the core per-camera
// loop that opens an input, demuxes it, and fans packets out to the HLS
// Segmenter, Pre-buffer, MP4 Recorder, and Detection Dispatcher.
//
// Grounded on internal/relay/session.go (runPipeline's
// loop shape: check exit conditions, read, classify, dispatch) and
// internal/relay/ingest.go (runIngestLoop's reconnect-on-EOF policy and
// atomic lastActivity bookkeeping).
package streamthread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/nightlatch/nvrcore/internal/config"
	"github.com/nightlatch/nvrcore/internal/coordinator"
	"github.com/nightlatch/nvrcore/internal/detect"
	"github.com/nightlatch/nvrcore/internal/hls"
	"github.com/nightlatch/nvrcore/internal/input"
	"github.com/nightlatch/nvrcore/internal/mp4"
	"github.com/nightlatch/nvrcore/internal/packet"
	"github.com/nightlatch/nvrcore/internal/prebuffer"
	"github.com/nightlatch/nvrcore/internal/storage"
	"github.com/nightlatch/nvrcore/internal/streamreg"
)

// reconnectDelay is how long the thread sleeps after an end-of-stream or
// try-again condition before reopening the input. There is no retry cap;
// recovery is bounded only by external shutdown.
const reconnectDelay = 1 * time.Second

// audioErrorLogInterval rate-limits MP4 audio write error logging to at
// most one message per stream per interval.
const audioErrorLogInterval = 10 * time.Second

// lowMemoryThresholdBytes is the total physical RAM below which a host is
// treated as memory-constrained even without the config flag set.
const lowMemoryThresholdBytes = 1 << 30 // 1 GiB

// MP4Lookup resolves the currently-registered MP4 Recorder for a stream,
// if recording is active. The MP4 Recorder's lifetime is controlled
// externally (not by the Stream Thread), so this is a read-only lookup
// consulted once per video or audio packet.
type MP4Lookup func(streamName string) *mp4.Recorder

// Config configures a single Thread.
type Config struct {
	StreamName  string
	Sandbox     *storage.Sandbox
	Storage     config.StorageConfig
	Ingest      config.IngestConfig
	Registry    *streamreg.Registry
	Coordinator *coordinator.Coordinator
	Detector    *detect.Dispatcher
	MP4Lookup   MP4Lookup

	MemoryConstrained bool // forces the constrained-host branch regardless of probed RAM
	PreBufferCapacity int
	Logger            *slog.Logger
}

// Thread runs one camera's ingest pipeline until shutdown, input failure,
// or the stream's runtime state tells it to stop.
type Thread struct {
	cfg    Config
	logger *slog.Logger

	preBuffer *prebuffer.Ring

	mu               sync.Mutex
	lastAudioErrorAt time.Time
}

// New constructs a Thread. Call Run to execute its startup sequence, main
// loop, and teardown.
func New(cfg Config) *Thread {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PreBufferCapacity <= 0 {
		cfg.PreBufferCapacity = 300
	}
	return &Thread{
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("stream", cfg.StreamName)),
		preBuffer: prebuffer.New(cfg.PreBufferCapacity),
	}
}

// PreBuffer exposes the stream's Pre-buffer for event-triggered recording
// lookups (the registered snapshot is independent of the Stream Thread's
// own reads).
func (t *Thread) PreBuffer() *prebuffer.Ring {
	return t.preBuffer
}

// Run executes the startup sequence, main loop, and teardown. It blocks
// until the stream's runtime state or the Shutdown Coordinator says to
// stop, or an unrecoverable demuxer error occurs. Run aborts cleanly on
// any startup failure without registering with the Shutdown Coordinator.
func (t *Thread) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("streamthread: nil context")
	}
	streamName := t.cfg.StreamName

	state, err := t.cfg.Registry.GetStreamByName(streamName)
	if err != nil {
		return fmt.Errorf("streamthread: resolving runtime state: %w", err)
	}

	if t.shouldExit(state) {
		return nil
	}

	hlsRelDir, _, err := t.cfg.Sandbox.PrepareStreamHLSDir(streamName)
	if err != nil {
		state.SetLifecycle(streamreg.LifecycleStopped)
		return fmt.Errorf("streamthread: hls directory unusable: %w", err)
	}

	streamCfg, err := t.cfg.Registry.GetStreamConfig(streamName)
	if err != nil {
		state.SetLifecycle(streamreg.LifecycleStopped)
		return fmt.Errorf("streamthread: resolving stream config: %w", err)
	}

	state.SetLifecycle(streamreg.LifecycleStarting)

	in, err := t.openInput(ctx, streamCfg)
	if err != nil {
		state.SetLifecycle(streamreg.LifecycleStopped)
		return fmt.Errorf("streamthread: opening input: %w", err)
	}
	if in.VideoDescriptor == nil {
		in.Close()
		state.SetLifecycle(streamreg.LifecycleStopped)
		return input.ErrNoVideoTrack
	}

	var segmenter *hls.Segmenter
	segmenter, err = hls.New(t.cfg.Sandbox, hlsRelDir, in.VideoDescriptor, in.AudioDescriptor, hls.Config{
		SegmentMinDuration: streamCfg.EffectiveSegmentDuration(),
		Logger:             t.logger,
	})
	if err != nil {
		in.Close()
		state.SetLifecycle(streamreg.LifecycleStopped)
		return fmt.Errorf("streamthread: constructing hls segmenter: %w", err)
	}

	componentID := t.cfg.Coordinator.Register(streamName, coordinator.KindStreamThread, 0)

	state.SetLifecycle(streamreg.LifecycleRunning)
	t.logger.Info("stream thread started", slog.Bool("has_audio", in.AudioDescriptor != nil))

	runErr := t.loop(ctx, state, in, segmenter, &streamCfg)

	// Teardown: close the input and the HLS segmenter (both Close calls
	// are idempotent), and report stopped regardless of how the loop exited.
	in.Close()
	segmenter.Close()
	state.SetLifecycle(streamreg.LifecycleStopped)
	if err := t.cfg.Coordinator.UpdateState(componentID, coordinator.StateStopped); err != nil {
		t.logger.Warn("reporting shutdown completion", slog.String("error", err.Error()))
	}

	t.logger.Info("stream thread stopped")
	return runErr
}

func (t *Thread) shouldExit(state *streamreg.RuntimeState) bool {
	return t.cfg.Coordinator.IsShutdownInitiated() ||
		streamreg.IsStreamStateStopping(state) ||
		!streamreg.AreStreamCallbacksEnabled(state)
}

func (t *Thread) openInput(ctx context.Context, cfg config.StreamConfig) (*input.Stream, error) {
	return input.Open(ctx, input.Config{
		URL:            cfg.URL,
		Protocol:       cfg.Protocol,
		UserAgent:      t.cfg.Ingest.UserAgent,
		ConnectTimeout: t.cfg.Ingest.ReadTimeout,
	})
}

// loop is the main packet read/classify/dispatch loop. It reopens the
// input after end-of-stream with no retry cap; recovery is bounded only
// by the exit conditions checked at the top of each iteration.
func (t *Thread) loop(ctx context.Context, state *streamreg.RuntimeState, in *input.Stream, seg *hls.Segmenter, streamCfg *config.StreamConfig) error {
	current := in
	// Close whichever input is current when the loop exits; after a
	// reconnect it is no longer the one Run opened.
	defer func() { current.Close() }()

	for {
		if t.shouldExit(state) {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case pkt, ok := <-current.Packets:
			if !ok {
				// Packets closes on both end-of-stream and unrecoverable
				// demuxer errors; Errs (buffered, closed alongside
				// Packets) tells us which. A populated Errs means the
				// error path (log and exit); an empty, closed Errs means
				// end-of-stream or try-again (reconnect, uncapped).
				select {
				case err := <-current.Errs:
					if err != nil {
						t.logger.Error("demuxer error", slog.String("error", err.Error()))
						return err
					}
				default:
				}

				if err := t.reconnect(ctx, &current, streamCfg); err != nil {
					return err
				}
				continue
			}
			t.dispatch(state, pkt, current, seg, streamCfg)
		}
	}
}

// reconnect closes the current input, sleeps, and reopens. Video and
// audio stream indices are always re-resolved from the new Stream — an
// index is never cached across a reopen, since a different camera
// firmware or stream restart can renumber elementary streams.
func (t *Thread) reconnect(ctx context.Context, current **input.Stream, streamCfg *config.StreamConfig) error {
	(*current).Close()

	select {
	case <-time.After(reconnectDelay):
	case <-ctx.Done():
		return nil
	}

	next, err := t.openInput(ctx, *streamCfg)
	if err != nil {
		t.logger.Warn("reconnect failed, retrying", slog.String("error", err.Error()))
		return t.reconnect(ctx, current, streamCfg)
	}
	if next.VideoDescriptor == nil {
		next.Close()
		t.logger.Warn("reconnect found no video track, retrying")
		return t.reconnect(ctx, current, streamCfg)
	}

	*current = next
	return nil
}

func (t *Thread) dispatch(state *streamreg.RuntimeState, pkt *packet.Packet, in *input.Stream, seg *hls.Segmenter, streamCfg *config.StreamConfig) {
	defer pkt.Release()

	switch pkt.StreamIndex {
	case input.VideoStreamIndex:
		t.handleVideo(state, pkt, in, seg, streamCfg)
	case input.AudioStreamIndex:
		t.handleAudio(pkt, streamCfg)
	}
}

func (t *Thread) handleVideo(state *streamreg.RuntimeState, pkt *packet.Packet, in *input.Stream, seg *hls.Segmenter, streamCfg *config.StreamConfig) {
	isKeyframe := pkt.IsKeyframe()
	if isKeyframe {
		state.UpdateKeyframeTime(time.Now())
	}

	isH265 := in.VideoDescriptor != nil && in.VideoDescriptor.Codec == packet.CodecH265
	au := [][]byte{pkt.Payload}
	if err := seg.WriteVideo(pkt, au, isH265); err != nil && isKeyframe {
		t.logger.Warn("hls write failed", slog.String("error", err.Error()))
	}

	t.preBuffer.Add(pkt.Ref(), in.VideoDescriptor)

	if rec := t.cfg.MP4Lookup(t.cfg.StreamName); rec != nil {
		clone := pkt.Ref()
		if err := rec.WriteVideo(clone); err != nil && isKeyframe {
			t.logger.Warn("mp4 write failed", slog.String("error", err.Error()))
		}
		clone.Release()
	}

	if isKeyframe && streamCfg.DetectionEnabled {
		last := state.LastDetection()
		interval := streamCfg.EffectiveDetectionInterval()
		if time.Since(last) >= interval {
			if t.canSubmitDetection() {
				task := detect.Task{
					ID:         detect.NewTaskID(),
					StreamName: t.cfg.StreamName,
					Packet:     pkt.Ref(),
					Descriptor: in.VideoDescriptor,
					Model:      streamCfg.DetectionModel,
					Threshold:  streamCfg.DetectionThreshold,
				}
				if err := t.cfg.Detector.Submit(task); err != nil {
					task.Packet.Release()
				} else {
					state.UpdateLastDetectionTime(time.Now())
				}
			}
		}
	}
}

// canSubmitDetection applies the memory-constrained heuristic: on a
// constrained host (config flag set or total physical RAM below the
// threshold), detection submission additionally requires the pool be
// non-busy.
func (t *Thread) canSubmitDetection() bool {
	if !t.isMemoryConstrained() {
		return true
	}
	return !t.cfg.Detector.IsBusy()
}

func (t *Thread) isMemoryConstrained() bool {
	if t.cfg.MemoryConstrained {
		return true
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return false
	}
	return vm.Total < lowMemoryThresholdBytes
}

func (t *Thread) handleAudio(pkt *packet.Packet, streamCfg *config.StreamConfig) {
	// Re-read the live config so an external record_audio toggle takes
	// effect without restarting the thread.
	if live, err := t.cfg.Registry.GetStreamConfig(t.cfg.StreamName); err == nil {
		streamCfg = &live
	}
	if !streamCfg.RecordAudio {
		return
	}
	rec := t.cfg.MP4Lookup(t.cfg.StreamName)
	if rec == nil {
		return
	}

	clone := pkt.Ref()
	err := rec.WriteAudio(clone)
	clone.Release()
	if err != nil {
		t.logRateLimitedAudioError(err)
	}
}

func (t *Thread) logRateLimitedAudioError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Since(t.lastAudioErrorAt) < audioErrorLogInterval {
		return
	}
	t.lastAudioErrorAt = time.Now()
	t.logger.Warn("mp4 audio write failed", slog.String("error", err.Error()))
}
