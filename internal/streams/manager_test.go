package streams

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate-io/streamgate/internal/coordination"
	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/logstore"
	"github.com/streamgate-io/streamgate/internal/metadata"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

type managerFixture struct {
	meta  *metadata.MockStore
	store *logstore.MemStore
	mgr   *Manager
}

func newManagerFixture(t *testing.T, owner string, opts ManagerOptions) *managerFixture {
	t.Helper()

	meta := metadata.NewMockStore()
	return newManagerFixtureWithMeta(t, meta, owner, opts)
}

func newManagerFixtureWithMeta(t *testing.T, meta *metadata.MockStore, owner string, opts ManagerOptions) *managerFixture {
	t.Helper()

	if opts.LockTimeout == 0 {
		opts.LockTimeout = 500 * time.Millisecond
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = time.Second
	}

	registry, err := NewRegistry(meta, ".*")
	require.NoError(t, err)

	store := logstore.NewMemStore(logstore.MemStoreOptions{})
	mgr := NewManager(
		registry,
		NewOwnerRegistry(meta, owner),
		coordination.NewLockManager(meta, owner),
		store,
		opts,
		testLogger(),
		nil,
	)
	return &managerFixture{meta: meta, store: store, mgr: mgr}
}

func TestGetOrAcquireCreatesAndOwns(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	acq, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", acq.Stream)
	assert.Greater(t, acq.Epoch, int64(0))

	assert.True(t, f.mgr.IsAcquired("s1"))
	assert.Equal(t, []string{"s1"}, f.mgr.CachedStreams())
	assert.Equal(t, []string{"s1"}, f.mgr.AcquiredStreams())

	seq, err := acq.Writer.Write(ctx, []byte("r0"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)
}

func TestGetOrAcquireUnknownStream(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: false})

	_, err := f.mgr.GetOrAcquire(ctx, "s1")
	assert.ErrorIs(t, err, ErrStreamNotFound)

	// A failed acquisition must not leave a cached handle behind.
	assert.Empty(t, f.mgr.CachedStreams())
}

func TestGetOrAcquireReturnsExisting(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	first, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)

	puts := f.meta.EphemeralPutCount()
	second, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, puts, f.meta.EphemeralPutCount(), "owned stream must not touch coordination again")
}

func TestConcurrentAcquireSingleFlight(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	const callers = 16
	var (
		started = make(chan struct{})
		wg      sync.WaitGroup
		mu      sync.Mutex
		acqs    = make(map[*Acquisition]int)
	)

	// Hold the first coordination put until all callers are in flight.
	var once sync.Once
	f.meta.BeforePutEphemeral = func(string) {
		once.Do(func() { <-started })
	}

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acq, err := f.mgr.GetOrAcquire(ctx, "s1")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			acqs[acq]++
			mu.Unlock()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(started)
	wg.Wait()

	assert.Len(t, acqs, 1, "all callers must share one acquisition")
	// One put for the lock, one for the ownership advertisement.
	assert.Equal(t, 2, f.meta.EphemeralPutCount())
}

func TestConcurrentAcquireSharesFailure(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	f.meta.PutEphemeralErr = metadata.ErrSessionExpired

	_, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.Error(t, err)
	assert.Empty(t, f.mgr.AcquiredStreams())
	assert.Equal(t, []string{"s1"}, f.mgr.CachedStreams(), "coordination failures keep the handle cached")

	// The injected error is consumed; the next attempt succeeds.
	_, err = f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
}

func TestAcquireContendedTimesOutWithLockTimeout(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()

	holder := newManagerFixtureWithMeta(t, meta, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})
	_, err := holder.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)

	contender := newManagerFixtureWithMeta(t, meta, "inet!127.0.0.1:7002", ManagerOptions{
		CreateIfNotExists: true,
		LockTimeout:       200 * time.Millisecond,
	})
	_, err = contender.mgr.GetOrAcquire(ctx, "s1")
	assert.ErrorIs(t, err, coordination.ErrLockTimeout)
	assert.Empty(t, contender.mgr.AcquiredStreams())
	// Contention is transient; the stream stays cached for the next attempt.
	assert.Equal(t, []string{"s1"}, contender.mgr.CachedStreams())
}

func TestReleaseKeepsCached(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	_, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, f.mgr.Release(ctx, "s1"))
	assert.False(t, f.mgr.IsAcquired("s1"))
	assert.Equal(t, []string{"s1"}, f.mgr.CachedStreams(), "release keeps the handle cached")
	assert.Empty(t, f.mgr.AcquiredStreams())

	// Ownership advertisement and lock are gone.
	owners := NewOwnerRegistry(f.meta, "inet!127.0.0.1:7001")
	owner, err := owners.Owner(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, owner)
}

func TestReacquireAfterReleaseBumpsEpoch(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	first, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, f.mgr.Release(ctx, "s1"))

	second, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, second.Epoch, first.Epoch)

	_, err = first.Writer.Write(ctx, []byte("stale"))
	assert.Error(t, err, "writer from the old epoch must not append")
}

func TestEvict(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	_, err := f.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)

	assert.False(t, f.mgr.Evict("s1"), "owned streams cannot be evicted")

	require.NoError(t, f.mgr.Release(ctx, "s1"))
	assert.True(t, f.mgr.Evict("s1"))
	assert.Empty(t, f.mgr.CachedStreams())
}

func TestAcquiredSubsetOfCached(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	for _, s := range []string{"s1", "s2", "s3"} {
		_, err := f.mgr.GetOrAcquire(ctx, s)
		require.NoError(t, err)
	}
	require.NoError(t, f.mgr.Release(ctx, "s2"))

	cached := f.mgr.CachedStreams()
	for _, s := range f.mgr.AcquiredStreams() {
		assert.Contains(t, cached, s)
	}
	assert.Equal(t, 3, f.mgr.NumCached())
	assert.Equal(t, 2, f.mgr.NumAcquired())
}

func TestCloseDrains(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	for _, s := range []string{"s1", "s2"} {
		_, err := f.mgr.GetOrAcquire(ctx, s)
		require.NoError(t, err)
	}

	require.NoError(t, f.mgr.Close(ctx))
	assert.Equal(t, 0, f.mgr.NumCached())

	_, err := f.mgr.GetOrAcquire(ctx, "s3")
	assert.ErrorIs(t, err, ErrManagerClosed)

	// Drained locks are visible to the next owner immediately.
	other := newManagerFixtureWithMeta(t, f.meta, "inet!127.0.0.1:7002", ManagerOptions{CreateIfNotExists: true})
	_, err = other.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
}

func TestCloseDuringAcquireRollsBackGrant(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t, "inet!127.0.0.1:7001", ManagerOptions{CreateIfNotExists: true})

	// Park the acquisition at its first coordination put so Close finishes
	// its drain before the grant lands.
	gate := make(chan struct{})
	var once sync.Once
	f.meta.BeforePutEphemeral = func(string) {
		once.Do(func() { <-gate })
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.mgr.GetOrAcquire(ctx, "s1")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, f.mgr.Close(ctx))
	close(gate)

	assert.ErrorIs(t, <-errCh, ErrManagerClosed)

	// The late grant must not outlive the drain: no advertisement, and the
	// lock is free for the next proxy without waiting out session expiry.
	owners := NewOwnerRegistry(f.meta, "inet!127.0.0.1:7001")
	owner, err := owners.Owner(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, owner)

	other := newManagerFixtureWithMeta(t, f.meta, "inet!127.0.0.1:7002", ManagerOptions{CreateIfNotExists: true})
	_, err = other.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
}
