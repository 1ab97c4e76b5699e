package client

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamgate-io/streamgate/internal/coordination"
	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/logstore"
	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/protocol"
	"github.com/streamgate-io/streamgate/internal/proxy"
	"github.com/streamgate-io/streamgate/internal/routing"
	"github.com/streamgate-io/streamgate/internal/server"
	"github.com/streamgate-io/streamgate/internal/streams"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

// lateHandler lets a server start before its real handler exists; the proxy
// handler needs the server's bound port for its advertised address.
type lateHandler struct {
	mu    sync.Mutex
	inner server.Handler
}

func (h *lateHandler) set(inner server.Handler) {
	h.mu.Lock()
	h.inner = inner
	h.mu.Unlock()
}

func (h *lateHandler) HandleRequest(ctx context.Context, header protocol.RequestHeader, payload []byte) ([]byte, error) {
	h.mu.Lock()
	inner := h.inner
	h.mu.Unlock()
	return inner.HandleRequest(ctx, header, payload)
}

// testProxy is one live proxy: a real TCP server fronting a real stream
// manager, sharing its metadata store with the other proxies in the test.
type testProxy struct {
	addr routing.Address
	mgr  *streams.Manager
}

func startTestProxy(t *testing.T, meta *metadata.MockStore, createStreams bool) *testProxy {
	t.Helper()

	late := &lateHandler{}
	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := server.New(cfg, late, testLogger())
	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("proxy server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	addr := routing.NewAddress(host, port)

	registry, err := streams.NewRegistry(meta, "[a-zA-Z0-9._-]+")
	require.NoError(t, err)
	owners := streams.NewOwnerRegistry(meta, addr.String())
	mgr := streams.NewManager(
		registry,
		owners,
		coordination.NewLockManager(meta, addr.String()),
		logstore.NewMemStore(logstore.MemStoreOptions{}),
		streams.ManagerOptions{
			LockTimeout:       200 * time.Millisecond,
			DrainTimeout:      time.Second,
			CreateIfNotExists: createStreams,
		},
		testLogger(),
		nil,
	)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	late.set(proxy.NewHandler(mgr, owners, registry, addr.String(), nil))
	return &testProxy{addr: addr, mgr: mgr}
}

func newTestClient(t *testing.T, opts Options) *Client {
	t.Helper()

	if opts.Name == "" {
		opts.Name = "test-writer"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = time.Second
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 2 * time.Second
	}

	c, err := New(opts, routing.NewLocalRoutingService(), testLogger(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestWriteEndToEnd(t *testing.T) {
	ctx := context.Background()
	p := startTestProxy(t, metadata.NewMockStore(), true)

	c := newTestClient(t, Options{Seeds: []routing.Address{p.addr}, MaxRedirects: 2})

	res, err := c.Write(ctx, "events", []byte("r0"))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), res.Sequence)
	assert.Equal(t, p.addr, res.Owner)

	res, err = c.Write(ctx, "events", []byte("r1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)

	dist := c.StreamOwnershipDistribution()
	assert.Equal(t, map[routing.Address][]string{p.addr: {"events"}}, dist)
}

func TestWriteFollowsRedirect(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	a := startTestProxy(t, meta, true)
	b := startTestProxy(t, meta, true)

	// B owns the stream before the client's first write arrives at A.
	_, err := b.mgr.GetOrAcquire(ctx, "events")
	require.NoError(t, err)

	c := newTestClient(t, Options{Seeds: []routing.Address{a.addr}, MaxRedirects: 2})

	res, err := c.Write(ctx, "events", []byte("r0"))
	require.NoError(t, err)
	assert.Equal(t, b.addr, res.Owner)

	// The redirect hint replaced the stale mapping; the next write goes
	// straight to B.
	addr, err := c.routes.Resolve("events")
	require.NoError(t, err)
	assert.Equal(t, b.addr, addr)
}

// notOwnerHandler always redirects to a fixed hint, for exercising cycles.
type notOwnerHandler struct {
	hint func() string
}

func (h *notOwnerHandler) HandleRequest(ctx context.Context, header protocol.RequestHeader, payload []byte) ([]byte, error) {
	return protocol.AppendResponseHeader(nil, protocol.ResponseHeader{
		CorrelationID: header.CorrelationID,
		Status:        protocol.StatusNotOwner,
		OwnerHint:     h.hint(),
	}), nil
}

func startRawServer(t *testing.T, handler server.Handler) routing.Address {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	srv := server.New(cfg, handler, testLogger())
	go func() { _ = srv.ListenAndServe() }()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	host, portStr, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return routing.NewAddress(host, port)
}

func TestWriteRedirectCycleExhaustsBudget(t *testing.T) {
	ctx := context.Background()

	// Two proxies that each claim the other is the owner.
	var addrA, addrB routing.Address
	addrA = startRawServer(t, &notOwnerHandler{hint: func() string { return addrB.String() }})
	addrB = startRawServer(t, &notOwnerHandler{hint: func() string { return addrA.String() }})

	c := newTestClient(t, Options{Seeds: []routing.Address{addrA}, MaxRedirects: 2})

	_, err := c.Write(ctx, "s1", []byte("r0"))
	var redirectErr *TooManyRedirectsError
	require.ErrorAs(t, err, &redirectErr)
	assert.Equal(t, "s1", redirectErr.Stream)
	assert.Equal(t, 2, redirectErr.Attempts)
}

func TestHandshakeSeedsRoutingCache(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	a := startTestProxy(t, meta, true)
	b := startTestProxy(t, meta, true)

	_, err := a.mgr.GetOrAcquire(ctx, "s1")
	require.NoError(t, err)
	_, err = b.mgr.GetOrAcquire(ctx, "s2")
	require.NoError(t, err)

	c := newTestClient(t, Options{Seeds: []routing.Address{a.addr}, MaxRedirects: 2})
	require.NoError(t, c.Handshake(ctx))

	// The snapshot populated the cache without any write.
	dist := c.StreamOwnershipDistribution()
	assert.Equal(t, map[routing.Address][]string{
		a.addr: {"s1"},
		b.addr: {"s2"},
	}, dist)
}

func TestTransportFailureFallsBackToNextSeed(t *testing.T) {
	ctx := context.Background()
	p := startTestProxy(t, metadata.NewMockStore(), true)

	// A dead seed first; the dial failure consumes one redirect and the
	// round-robin moves on to the live proxy.
	dead := routing.NewAddress("127.0.0.1", 1)
	c := newTestClient(t, Options{Seeds: []routing.Address{dead, p.addr}, MaxRedirects: 2})

	res, err := c.Write(ctx, "events", []byte("r0"))
	require.NoError(t, err)
	assert.Equal(t, p.addr, res.Owner)
}

func TestWriteStreamNotFound(t *testing.T) {
	ctx := context.Background()
	p := startTestProxy(t, metadata.NewMockStore(), false)

	c := newTestClient(t, Options{Seeds: []routing.Address{p.addr}, MaxRedirects: 2})

	_, err := c.Write(ctx, "missing", []byte("r0"))
	assert.True(t, IsStreamNotFound(err), "got %v", err)
}

func TestStreamNameFilter(t *testing.T) {
	p := startTestProxy(t, metadata.NewMockStore(), true)

	c := newTestClient(t, Options{
		Seeds:           []routing.Address{p.addr},
		MaxRedirects:    2,
		StreamNameRegex: "orders-[0-9]+",
	})

	_, err := c.Write(context.Background(), "events", []byte("r0"))
	assert.ErrorIs(t, err, ErrStreamRejected)

	_, err = c.Write(context.Background(), "orders-7", []byte("r0"))
	assert.NoError(t, err)
}

func TestQueryOwnershipAndRelease(t *testing.T) {
	ctx := context.Background()
	meta := metadata.NewMockStore()
	a := startTestProxy(t, meta, true)
	b := startTestProxy(t, meta, true)

	_, err := b.mgr.GetOrAcquire(ctx, "events")
	require.NoError(t, err)

	c := newTestClient(t, Options{Seeds: []routing.Address{a.addr}, MaxRedirects: 2})

	owner, err := c.QueryOwnership(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, b.addr, owner)

	require.NoError(t, c.Release(ctx, "events"))
	assert.False(t, b.mgr.IsAcquired("events"))

	// The released stream has no cached route anymore.
	_, err = c.routes.Resolve("events")
	assert.ErrorIs(t, err, routing.ErrNoRoute)
}

func TestClientClosed(t *testing.T) {
	p := startTestProxy(t, metadata.NewMockStore(), true)

	c := newTestClient(t, Options{Seeds: []routing.Address{p.addr}, MaxRedirects: 2})
	require.NoError(t, c.Close())

	_, err := c.Write(context.Background(), "events", []byte("r0"))
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, c.Close(), ErrClientClosed)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{}, routing.NewLocalRoutingService(), testLogger(), nil)
	assert.Error(t, err)

	_, err = New(Options{
		Seeds:           []routing.Address{routing.NewAddress("127.0.0.1", 7001)},
		StreamNameRegex: "([",
	}, routing.NewLocalRoutingService(), testLogger(), nil)
	assert.Error(t, err)

	_, err = New(Options{
		Seeds:        []routing.Address{routing.NewAddress("127.0.0.1", 7001)},
		MaxRedirects: -1,
	}, routing.NewLocalRoutingService(), testLogger(), nil)
	assert.Error(t, err)
}

func TestClientIDString(t *testing.T) {
	id := NewClientID("writer")
	assert.Equal(t, "writer/"+id.UUID, id.String())
	assert.NotEmpty(t, id.UUID)

	other := NewClientID("writer")
	assert.NotEqual(t, id.UUID, other.UUID)
}
