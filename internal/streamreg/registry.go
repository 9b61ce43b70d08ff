// Package streamreg implements the Stream State Registry: a name-keyed
// lookup of stream handles, their immutable configuration snapshot, and
// their mutable runtime state (lifecycle, callbacks-enabled, last-keyframe
// and last-detection timestamps).
//
// Grounded on internal/relay/daemon_registry.go (name-keyed
// map behind a RWMutex, snapshot-on-read) combined with
// alxayo-rtmp-go/internal/rtmp/server/registry.go's per-entry mutex, so
// that one busy stream's state churn does not serialize access to others.
package streamreg

import (
	"fmt"
	"sync"
	"time"

	"github.com/nightlatch/nvrcore/internal/config"
)

// Lifecycle is the Stream Runtime State's lifecycle phase.
type Lifecycle int

const (
	LifecycleIdle Lifecycle = iota
	LifecycleStarting
	LifecycleRunning
	LifecycleStopping
	LifecycleStopped
)

func (l Lifecycle) String() string {
	switch l {
	case LifecycleIdle:
		return "idle"
	case LifecycleStarting:
		return "starting"
	case LifecycleRunning:
		return "running"
	case LifecycleStopping:
		return "stopping"
	case LifecycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RuntimeState is the mutable per-stream state, mutated only through the
// Registry. Each field is guarded by this state's own mutex rather than
// a process-wide lock, so that one stream's state churn never serializes
// another stream's reads.
type RuntimeState struct {
	mu sync.RWMutex

	lifecycle        Lifecycle
	callbacksEnabled bool
	lastKeyframe     time.Time
	lastDetection    time.Time
}

func newRuntimeState() *RuntimeState {
	return &RuntimeState{
		lifecycle:        LifecycleIdle,
		callbacksEnabled: true,
	}
}

// Lifecycle returns the current lifecycle phase.
func (s *RuntimeState) Lifecycle() Lifecycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle
}

// SetLifecycle transitions the lifecycle phase.
func (s *RuntimeState) SetLifecycle(l Lifecycle) {
	s.mu.Lock()
	s.lifecycle = l
	s.mu.Unlock()
}

// IsStopping reports whether the lifecycle has transitioned to stopping
// (or beyond).
func (s *RuntimeState) IsStopping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lifecycle == LifecycleStopping || s.lifecycle == LifecycleStopped
}

// CallbacksEnabled reports the independent callbacks-enabled flag, which
// permits fast-disabling detection/recording fan-out without a full
// teardown.
func (s *RuntimeState) CallbacksEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callbacksEnabled
}

// SetCallbacksEnabled sets the callbacks-enabled flag.
func (s *RuntimeState) SetCallbacksEnabled(enabled bool) {
	s.mu.Lock()
	s.callbacksEnabled = enabled
	s.mu.Unlock()
}

// LastKeyframe returns the last-keyframe timestamp.
func (s *RuntimeState) LastKeyframe() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastKeyframe
}

// UpdateKeyframeTime records now as the last-keyframe timestamp. Invariant
// 4 (monotonic last_keyframe_time) holds because time.Now() is
// monotonically non-decreasing and this is the only setter.
func (s *RuntimeState) UpdateKeyframeTime(now time.Time) {
	s.mu.Lock()
	s.lastKeyframe = now
	s.mu.Unlock()
}

// LastDetection returns the last-detection-submission timestamp.
func (s *RuntimeState) LastDetection() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastDetection
}

// UpdateLastDetectionTime records now as the last-detection timestamp.
// Callers must only invoke this after a successful submission: the
// timestamp must never advance on a rejected or failed submit.
func (s *RuntimeState) UpdateLastDetectionTime(now time.Time) {
	s.mu.Lock()
	s.lastDetection = now
	s.mu.Unlock()
}

// entry bundles a stream's runtime state with its live configuration
// snapshot, so config updates (e.g. a toggled record_audio flag) are
// visible to the Stream Thread without restarting it.
type entry struct {
	mu    sync.RWMutex
	cfg   config.StreamConfig
	state *RuntimeState
}

// Registry is the Stream State Registry. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.RWMutex
	streams map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		streams: make(map[string]*entry),
	}
}

// ErrNotFound is returned when a stream name has no registered entry.
type ErrNotFound string

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("streamreg: stream %q not registered", string(e))
}

// Register adds a stream under its configuration's name, returning its
// RuntimeState handle. Re-registering an existing name updates its
// configuration snapshot in place without resetting runtime state.
func (r *Registry) Register(cfg config.StreamConfig) *RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.streams[cfg.Name]; ok {
		e.mu.Lock()
		e.cfg = cfg
		e.mu.Unlock()
		return e.state
	}

	e := &entry{cfg: cfg, state: newRuntimeState()}
	r.streams[cfg.Name] = e
	return e.state
}

// Unregister removes a stream entirely.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, name)
}

// GetStreamByName returns a stream's RuntimeState handle, or ErrNotFound.
func (r *Registry) GetStreamByName(name string) (*RuntimeState, error) {
	r.mu.RLock()
	e, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound(name)
	}
	return e.state, nil
}

// GetStreamConfig returns a snapshot of a stream's current configuration.
func (r *Registry) GetStreamConfig(name string) (config.StreamConfig, error) {
	r.mu.RLock()
	e, ok := r.streams[name]
	r.mu.RUnlock()
	if !ok {
		return config.StreamConfig{}, ErrNotFound(name)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, nil
}

// UpdateStreamConfig replaces a stream's live configuration snapshot (e.g.
// after an external edit toggles record_audio).
func (r *Registry) UpdateStreamConfig(cfg config.StreamConfig) error {
	r.mu.RLock()
	e, ok := r.streams[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound(cfg.Name)
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// Names returns a snapshot of all registered stream names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	return names
}

// IsStreamStateStopping reports whether the given runtime state has
// transitioned to stopping or stopped.
func IsStreamStateStopping(state *RuntimeState) bool {
	return state.IsStopping()
}

// AreStreamCallbacksEnabled reports whether callbacks are currently
// enabled for the given runtime state.
func AreStreamCallbacksEnabled(state *RuntimeState) bool {
	return state.CallbacksEnabled()
}
