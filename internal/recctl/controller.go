// Package recctl implements the external MP4 Writer registry. Recording
// lifetime is not owned by the Stream Thread: start/stop is externally
// controlled and may happen mid-stream. A Stream Thread only ever calls
// Get; starting and stopping a stream's recording session is driven by
// whatever external controller the daemon wires in (a signal, a future
// admin surface, or a fixed startup policy).
//
// Grounded on internal/relay/daemon_registry.go for the
// name-keyed-map-behind-a-RWMutex shape, reused here for a registry of
// recorder handles rather than relay sessions.
package recctl

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nightlatch/nvrcore/internal/config"
	"github.com/nightlatch/nvrcore/internal/mp4"
	"github.com/nightlatch/nvrcore/internal/packet"
	"github.com/nightlatch/nvrcore/internal/storage"
)

// Controller is the externally-synchronized MP4 Writer registry. The zero
// value is not usable; construct with New.
type Controller struct {
	sandbox *storage.Sandbox
	storage config.StorageConfig
	logger  *slog.Logger

	mu        sync.RWMutex
	recorders map[string]*mp4.Recorder
}

// New creates a Controller that writes each stream's recordings into the
// sandbox's per-stream recordings directory (see
// storage.Sandbox.PrepareStreamRecordingsDir). storageCfg is kept on the
// Controller but does not determine recording paths.
func New(sandbox *storage.Sandbox, storageCfg config.StorageConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sandbox:   sandbox,
		storage:   storageCfg,
		logger:    logger,
		recorders: make(map[string]*mp4.Recorder),
	}
}

// Get returns the currently-registered recorder for a stream, or nil if
// recording is not active. Satisfies streamthread.MP4Lookup.
func (c *Controller) Get(streamName string) *mp4.Recorder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recorders[streamName]
}

// StartRecording begins a new recording session for a stream, replacing
// any prior one. videoDesc/audioDesc come from the stream's currently-open
// Input Opener session (the Stream Thread's startup sequence resolves
// these; the caller is expected to have them on hand, e.g. a status
// callback fed by the Stream Thread itself).
func (c *Controller) StartRecording(streamName string, videoDesc, audioDesc *packet.Descriptor, hasAudio bool, fileName string) error {
	rec := mp4.New(c.logger.With(slog.String("stream", streamName)))

	recordingsDir, err := c.sandbox.PrepareStreamRecordingsDir(streamName)
	if err != nil {
		return fmt.Errorf("recctl: preparing recordings directory: %w", err)
	}
	relPath := fmt.Sprintf("%s/%s", recordingsDir, fileName)
	if err := rec.Start(c.sandbox, relPath, videoDesc, audioDesc, hasAudio); err != nil {
		return fmt.Errorf("recctl: starting recorder for %q: %w", streamName, err)
	}

	c.mu.Lock()
	if prior := c.recorders[streamName]; prior != nil {
		prior.Stop()
	}
	c.recorders[streamName] = rec
	c.mu.Unlock()

	return nil
}

// StopRecording ends a stream's active recording session, if any.
func (c *Controller) StopRecording(streamName string) error {
	c.mu.Lock()
	rec := c.recorders[streamName]
	delete(c.recorders, streamName)
	c.mu.Unlock()

	if rec == nil {
		return nil
	}
	return rec.Stop()
}

// StopAll ends every active recording session. Called during daemon
// shutdown so recordings are finalized (fragment flushed, file closed)
// rather than left mid-fragment.
func (c *Controller) StopAll() {
	c.mu.Lock()
	recorders := make([]*mp4.Recorder, 0, len(c.recorders))
	for name, rec := range c.recorders {
		recorders = append(recorders, rec)
		delete(c.recorders, name)
	}
	c.mu.Unlock()

	for _, rec := range recorders {
		if err := rec.Stop(); err != nil {
			c.logger.Warn("stopping recorder during shutdown", slog.String("error", err.Error()))
		}
	}
}
