package streams

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/streamgate-io/streamgate/internal/coordination"
	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/logstore"
	"github.com/streamgate-io/streamgate/internal/metrics"
)

// Manager errors.
var (
	// ErrManagerClosed is returned after the manager has begun shutdown.
	ErrManagerClosed = errors.New("streams: manager closed")
)

// Acquisition is the live ownership of one stream: an open fenced writer plus
// the epoch it was fenced at. Valid until the stream is released or the
// writer reports logstore.ErrFenced.
type Acquisition struct {
	Stream string
	Writer logstore.Writer
	Epoch  int64
}

// flight is one in-progress acquisition, shared by every concurrent caller.
type flight struct {
	done chan struct{}
	acq  *Acquisition
	err  error
}

// handle is the cached state of one stream. A handle exists for every stream
// this proxy has touched; ownership (acq non-nil) is a subset of that.
type handle struct {
	name string

	mu     sync.Mutex
	acq    *Acquisition
	flight *flight
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	// LockTimeout bounds each lock acquisition attempt.
	LockTimeout time.Duration

	// DrainTimeout bounds Close's release of owned streams.
	DrainTimeout time.Duration

	// CreateIfNotExists registers unknown streams on first write instead of
	// failing them with ErrStreamNotFound.
	CreateIfNotExists bool
}

// Manager tracks the streams this proxy serves. It caches a handle per
// stream and acquires exclusive ownership on demand: a lock grant, a fenced
// writer, and a published ownership advertisement, taken together or not at
// all. Concurrent acquisitions of the same stream collapse into one attempt
// whose outcome every caller shares.
type Manager struct {
	registry *Registry
	owners   *OwnerRegistry
	locks    *coordination.LockManager
	store    logstore.Store
	opts     ManagerOptions
	log      *logging.Logger
	metrics  *metrics.StreamManagerMetrics

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// NewManager creates a stream manager. metrics may be nil.
func NewManager(
	registry *Registry,
	owners *OwnerRegistry,
	locks *coordination.LockManager,
	store logstore.Store,
	opts ManagerOptions,
	log *logging.Logger,
	m *metrics.StreamManagerMetrics,
) *Manager {
	return &Manager{
		registry: registry,
		owners:   owners,
		locks:    locks,
		store:    store,
		opts:     opts,
		log:      log,
		metrics:  m,
		handles:  make(map[string]*handle),
	}
}

// GetOrAcquire returns the live acquisition for stream, acquiring ownership
// if this proxy does not hold it yet. Concurrent callers for the same stream
// share a single acquisition attempt and its outcome. A failed attempt keeps
// the stream cached but unowned, ready for the next retry; only probing a
// stream that turns out not to exist leaves no trace.
func (m *Manager) GetOrAcquire(ctx context.Context, stream string) (*Acquisition, error) {
	if err := m.registry.ValidateName(stream); err != nil {
		return nil, err
	}

	h, created, err := m.getOrCreateHandle(stream)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.acq != nil {
		acq := h.acq
		h.mu.Unlock()
		return acq, nil
	}

	if h.flight != nil {
		// Someone else is acquiring; share their outcome.
		f := h.flight
		h.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
		}
		if f.err != nil {
			return nil, f.err
		}
		return f.acq, nil
	}

	f := &flight{done: make(chan struct{})}
	h.flight = f
	h.mu.Unlock()

	m.runAcquire(ctx, h, f, created)

	if f.err != nil {
		return nil, f.err
	}
	return f.acq, nil
}

// getOrCreateHandle returns the handle for stream, creating it when absent.
func (m *Manager) getOrCreateHandle(stream string) (*handle, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, false, ErrManagerClosed
	}
	if h, ok := m.handles[stream]; ok {
		return h, false, nil
	}
	h := &handle{name: stream}
	m.handles[stream] = h
	m.updateGaugesLocked()
	return h, true, nil
}

// runAcquire performs the acquisition this flight stands for and publishes
// the outcome. evictOnFailure drops the handle when this call created it and
// the stream turned out not to exist, so probing an unknown stream leaves
// the cache unchanged; any other failure keeps the handle cached for retry.
func (m *Manager) runAcquire(ctx context.Context, h *handle, f *flight, evictOnFailure bool) {
	start := time.Now()
	acq, err := m.acquire(ctx, h.name)

	m.mu.Lock()
	closed := m.closed
	h.mu.Lock()
	h.flight = nil
	if err == nil && !closed {
		h.acq = acq
	}
	h.mu.Unlock()
	if err != nil && evictOnFailure && errors.Is(err, ErrStreamNotFound) {
		if cur, ok := m.handles[h.name]; ok && cur == h {
			delete(m.handles, h.name)
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	if err == nil && closed {
		// The manager began draining while this flight was in progress, so
		// its release pass could not see the grant. Undo it here instead of
		// leaving the lock to session expiry.
		m.rollbackAcquisition(acq)
		acq, err = nil, ErrManagerClosed
	}

	f.acq = acq
	f.err = err
	close(f.done)

	m.metrics.RecordAcquire(time.Since(start).Seconds(), err == nil)

	if err != nil {
		m.log.With(map[string]any{"stream": h.name, "error": err.Error()}).
			Warn("stream acquisition failed")
	} else {
		m.log.With(map[string]any{"stream": h.name, "epoch": acq.Epoch}).
			Info("stream acquired")
	}
}

// acquire takes the lock, opens a fenced writer, and advertises ownership.
// Partial progress is rolled back on failure.
func (m *Manager) acquire(ctx context.Context, stream string) (*Acquisition, error) {
	exists, err := m.registry.StreamExists(ctx, stream)
	if err != nil {
		return nil, err
	}
	if !exists {
		if !m.opts.CreateIfNotExists {
			return nil, ErrStreamNotFound
		}
		if _, err := m.registry.CreateStream(ctx, stream, time.Now().UnixMilli()); err != nil &&
			!errors.Is(err, ErrStreamExists) {
			return nil, err
		}
	}

	grant, err := m.locks.Acquire(ctx, stream, m.opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	epoch := int64(grant.Epoch)

	writer, err := m.store.OpenWriter(ctx, stream, epoch)
	if err != nil {
		m.releaseQuietly(stream)
		return nil, fmt.Errorf("streams: open writer: %w", err)
	}

	if err := m.owners.Publish(ctx, stream, epoch, time.Now().UnixMilli()); err != nil {
		_ = writer.Close(ctx)
		m.releaseQuietly(stream)
		return nil, err
	}

	return &Acquisition{Stream: stream, Writer: writer, Epoch: epoch}, nil
}

// rollbackAcquisition undoes a completed grant that cannot be kept: the
// writer is closed, the advertisement retracted, and the lock released.
func (m *Manager) rollbackAcquisition(acq *Acquisition) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := acq.Writer.Close(ctx); err != nil {
		m.log.With(map[string]any{"stream": acq.Stream, "error": err.Error()}).
			Warn("writer rollback failed")
	}
	if err := m.owners.Retract(ctx, acq.Stream); err != nil {
		m.log.With(map[string]any{"stream": acq.Stream, "error": err.Error()}).
			Warn("advertisement rollback failed")
	}
	if err := m.locks.Release(ctx, acq.Stream); err != nil {
		m.log.With(map[string]any{"stream": acq.Stream, "error": err.Error()}).
			Warn("lock rollback failed")
	}
}

// releaseQuietly rolls back a lock during a failed acquisition. The session
// would clean it up anyway; this just does it sooner.
func (m *Manager) releaseQuietly(stream string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.locks.Release(ctx, stream); err != nil {
		m.log.With(map[string]any{"stream": stream, "error": err.Error()}).
			Warn("lock rollback failed")
	}
}

// Release gives up ownership of a stream: the writer is closed, the
// advertisement retracted, and the lock released. The stream stays cached so
// a later write can reacquire it. Releasing an unowned stream is a no-op.
func (m *Manager) Release(ctx context.Context, stream string) error {
	m.mu.Lock()
	h, ok := m.handles[stream]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	if h.flight != nil {
		// Let the in-progress acquisition settle first.
		f := h.flight
		h.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
		}
		h.mu.Lock()
	}
	acq := h.acq
	h.acq = nil
	h.mu.Unlock()

	if acq == nil {
		return nil
	}

	var errs []error
	if err := acq.Writer.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.owners.Retract(ctx, stream); err != nil {
		errs = append(errs, err)
	}
	if err := m.locks.Release(ctx, stream); err != nil {
		errs = append(errs, err)
	}

	m.metrics.RecordRelease()
	m.mu.Lock()
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.log.With(map[string]any{"stream": stream}).Info("stream released")
	return errors.Join(errs...)
}

// Evict drops the cached handle of an unowned stream. Owned streams must be
// released first; evicting them here would break callers holding their
// writers.
func (m *Manager) Evict(stream string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.handles[stream]
	if !ok {
		return false
	}

	h.mu.Lock()
	busy := h.acq != nil || h.flight != nil
	h.mu.Unlock()
	if busy {
		return false
	}

	delete(m.handles, stream)
	m.updateGaugesLocked()
	return true
}

// IsAcquired reports whether this proxy currently owns stream.
func (m *Manager) IsAcquired(stream string) bool {
	m.mu.Lock()
	h, ok := m.handles[stream]
	m.mu.Unlock()
	if !ok {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acq != nil
}

// CachedStreams returns the streams with a cached handle, sorted.
func (m *Manager) CachedStreams() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.handles))
	for name := range m.handles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AcquiredStreams returns the streams this proxy currently owns, sorted.
func (m *Manager) AcquiredStreams() []string {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	var out []string
	for _, h := range handles {
		h.mu.Lock()
		if h.acq != nil {
			out = append(out, h.name)
		}
		h.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// NumCached returns the number of cached stream handles.
func (m *Manager) NumCached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// NumAcquired returns the number of streams this proxy currently owns.
func (m *Manager) NumAcquired() int {
	return len(m.AcquiredStreams())
}

// Close drains the manager: no new acquisitions are admitted and every owned
// stream is released, bounded by DrainTimeout. Streams that cannot be
// released in time fall back to session expiry in the coordination service.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if m.opts.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.DrainTimeout)
		defer cancel()
	}

	var errs []error
	for _, stream := range m.AcquiredStreams() {
		if err := m.Release(ctx, stream); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", stream, err))
		}
	}
	if err := m.locks.ReleaseAll(ctx); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	m.handles = make(map[string]*handle)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.log.Info("stream manager drained")
	return errors.Join(errs...)
}

// updateGaugesLocked refreshes the cache gauges. Caller holds m.mu.
func (m *Manager) updateGaugesLocked() {
	if m.metrics == nil {
		return
	}
	cached := len(m.handles)
	acquired := 0
	for _, h := range m.handles {
		// Best effort: reading acq without h.mu is fine for a gauge, but be
		// strict anyway since handle counts are small.
		h.mu.Lock()
		if h.acq != nil {
			acquired++
		}
		h.mu.Unlock()
	}
	m.metrics.SetCacheSizes(cached, acquired)
}
