// Package coordination implements exclusive stream write locks on top of the
// metadata store.
//
// At most one proxy may hold the write lock for a stream at any time. Locks
// are ephemeral keys, automatically deleted when the holder's coordination
// session ends (crash or disconnect), so a dead proxy cannot hold a stream
// hostage past its session timeout.
//
// Key format: /streamgate/v1/locks/streams/<name>
package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/metadata/keys"
)

// Lock-related errors.
var (
	// ErrLockTimeout is returned when the lock could not be acquired within
	// the configured lock timeout.
	ErrLockTimeout = errors.New("coordination: lock acquisition timed out")

	// ErrLockNotHeld is returned when an operation requires holding the lock
	// but the caller does not hold it.
	ErrLockNotHeld = errors.New("coordination: lock not held")

	// ErrInvalidStreamName is returned when a stream name is empty.
	ErrInvalidStreamName = errors.New("coordination: invalid stream name")
)

// retryInterval is the pause between contended acquisition attempts inside
// the lock timeout window.
const retryInterval = 100 * time.Millisecond

// Lock represents the ephemeral write lock for a stream.
type Lock struct {
	// Stream is the stream this lock is for.
	Stream string `json:"stream"`

	// Owner is the advertised address of the proxy holding the lock.
	Owner string `json:"owner"`

	// AcquiredAtMs is when the lock was acquired (unix milliseconds).
	AcquiredAtMs int64 `json:"acquiredAtMs"`
}

// Grant is the result of a successful acquisition. Epoch is the metadata
// version of the lock key; it increases every time ownership changes hands
// and serves as a fencing token for the storage engine.
type Grant struct {
	Lock  Lock
	Epoch metadata.Version
}

// LockManager manages exclusive stream write locks for one proxy process.
// It uses ephemeral keys in the metadata store so locks are automatically
// released when the proxy's session ends.
type LockManager struct {
	meta  metadata.MetadataStore
	owner string

	mu   sync.Mutex
	held map[string]Grant
}

// NewLockManager creates a lock manager acquiring on behalf of owner,
// the proxy's advertised address.
func NewLockManager(meta metadata.MetadataStore, owner string) *LockManager {
	return &LockManager{
		meta:  meta,
		owner: owner,
		held:  make(map[string]Grant),
	}
}

// Acquire attempts to take the exclusive write lock for a stream, retrying
// contended attempts until timeout elapses. On success the grant is recorded
// and returned. On contention past the deadline it returns ErrLockTimeout;
// the error is reported, never silently retried beyond the window.
func (lm *LockManager) Acquire(ctx context.Context, stream string, timeout time.Duration) (Grant, error) {
	if stream == "" {
		return Grant{}, ErrInvalidStreamName
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	key := keys.StreamLockKeyPath(stream)

	for {
		grant, acquired, err := lm.tryAcquire(ctx, key, stream)
		if err != nil {
			if ctx.Err() != nil {
				return Grant{}, ErrLockTimeout
			}
			return Grant{}, err
		}
		if acquired {
			lm.mu.Lock()
			lm.held[stream] = grant
			lm.mu.Unlock()
			return grant, nil
		}

		select {
		case <-ctx.Done():
			return Grant{}, ErrLockTimeout
		case <-time.After(retryInterval):
		}
	}
}

// tryAcquire makes a single acquisition attempt. Returns acquired=false when
// another proxy holds the lock.
func (lm *LockManager) tryAcquire(ctx context.Context, key, stream string) (Grant, bool, error) {
	result, err := lm.meta.Get(ctx, key)
	if err != nil {
		return Grant{}, false, fmt.Errorf("coordination: get lock: %w", err)
	}

	now := time.Now().UnixMilli()

	if result.Exists {
		var existing Lock
		if err := json.Unmarshal(result.Value, &existing); err != nil {
			return Grant{}, false, fmt.Errorf("coordination: unmarshal lock: %w", err)
		}

		// Already ours: renew with a version check so a takeover between
		// Get and Put is detected.
		if existing.Owner == lm.owner {
			existing.AcquiredAtMs = now
			data, err := json.Marshal(existing)
			if err != nil {
				return Grant{}, false, fmt.Errorf("coordination: marshal lock: %w", err)
			}
			version, err := lm.meta.PutEphemeral(ctx, key, data,
				metadata.WithEphemeralExpectedVersion(result.Version))
			if err != nil {
				if errors.Is(err, metadata.ErrVersionMismatch) {
					return Grant{}, false, nil
				}
				return Grant{}, false, fmt.Errorf("coordination: renew lock: %w", err)
			}
			return Grant{Lock: existing, Epoch: version}, true, nil
		}

		// Held by another proxy.
		return Grant{}, false, nil
	}

	lock := Lock{
		Stream:       stream,
		Owner:        lm.owner,
		AcquiredAtMs: now,
	}
	data, err := json.Marshal(lock)
	if err != nil {
		return Grant{}, false, fmt.Errorf("coordination: marshal lock: %w", err)
	}

	version, err := lm.meta.PutEphemeral(ctx, key, data,
		metadata.WithEphemeralExpectNotExists())
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			// Lost the race to another proxy.
			return Grant{}, false, nil
		}
		return Grant{}, false, fmt.Errorf("coordination: acquire lock: %w", err)
	}

	return Grant{Lock: lock, Epoch: version}, true, nil
}

// Release gives up the write lock for a stream. It only deletes the key when
// this proxy is still the recorded holder; a lock taken over by another proxy
// is left alone. Releasing a lock we do not hold is not an error.
func (lm *LockManager) Release(ctx context.Context, stream string) error {
	if stream == "" {
		return ErrInvalidStreamName
	}

	key := keys.StreamLockKeyPath(stream)

	lm.mu.Lock()
	delete(lm.held, stream)
	lm.mu.Unlock()

	result, err := lm.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("coordination: get lock for release: %w", err)
	}
	if !result.Exists {
		return nil
	}

	var lock Lock
	if err := json.Unmarshal(result.Value, &lock); err != nil {
		return fmt.Errorf("coordination: unmarshal lock for release: %w", err)
	}
	if lock.Owner != lm.owner {
		return nil
	}

	// Conditional delete so a takeover between Get and Delete is not clobbered.
	if err := lm.meta.Delete(ctx, key, metadata.WithDeleteExpectedVersion(result.Version)); err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return nil
		}
		return fmt.Errorf("coordination: delete lock: %w", err)
	}

	return nil
}

// Holder returns the current lock holder for a stream, reading from the
// metadata store. Returns nil when no lock exists.
func (lm *LockManager) Holder(ctx context.Context, stream string) (*Lock, error) {
	if stream == "" {
		return nil, ErrInvalidStreamName
	}

	result, err := lm.meta.Get(ctx, keys.StreamLockKeyPath(stream))
	if err != nil {
		return nil, fmt.Errorf("coordination: get lock: %w", err)
	}
	if !result.Exists {
		return nil, nil
	}

	var lock Lock
	if err := json.Unmarshal(result.Value, &lock); err != nil {
		return nil, fmt.Errorf("coordination: unmarshal lock: %w", err)
	}
	return &lock, nil
}

// Holds reports whether this manager believes it holds the lock for stream.
// This is a local check; for the authoritative answer use Holder.
func (lm *LockManager) Holds(stream string) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	_, ok := lm.held[stream]
	return ok
}

// HeldStreams returns the streams this manager currently believes it holds.
func (lm *LockManager) HeldStreams() []string {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	streams := make([]string, 0, len(lm.held))
	for stream := range lm.held {
		streams = append(streams, stream)
	}
	return streams
}

// ReleaseAll releases every lock held by this manager. Used during shutdown
// drain; the last error is returned but all releases are attempted.
func (lm *LockManager) ReleaseAll(ctx context.Context) error {
	var lastErr error
	for _, stream := range lm.HeldStreams() {
		if err := lm.Release(ctx, stream); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Owner returns the owner address this manager acquires on behalf of.
func (lm *LockManager) Owner() string {
	return lm.owner
}
