// Package client is the write client: it resolves stream names to proxy
// addresses through a routing service, follows ownership redirects up to a
// configured budget, and keeps its routing cache warm from handshake
// snapshots and redirect hints.
package client

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/metrics"
	"github.com/streamgate-io/streamgate/internal/protocol"
	"github.com/streamgate-io/streamgate/internal/routing"
)

// ClientID identifies one client instance to proxies. The UUID is generated
// once at construction; logs on the proxy side can tell restarted clients
// apart even when they share a name.
type ClientID struct {
	Name string
	UUID string
}

// NewClientID creates a client identity with a fresh UUID.
func NewClientID(name string) ClientID {
	return ClientID{Name: name, UUID: uuid.NewString()}
}

// String returns the "name/uuid" form carried in request headers.
func (id ClientID) String() string {
	return id.Name + "/" + id.UUID
}

// Options configure a Client.
type Options struct {
	// Name identifies this client in proxy logs.
	Name string

	// Seeds are proxy addresses used for handshakes and for requests whose
	// stream has no cached route yet. At least one is required.
	Seeds []routing.Address

	// MaxRedirects bounds the redirect attempts per request. Zero means a
	// request fails on the first ownership mismatch.
	MaxRedirects int

	// StreamNameRegex filters which stream names this client will send.
	// Empty accepts everything.
	StreamNameRegex string

	// HandshakeWithClientInfo makes the first request handshake with a seed
	// proxy to bulk-seed the routing cache.
	HandshakeWithClientInfo bool

	// ConnectTimeout bounds each dial attempt.
	ConnectTimeout time.Duration

	// RequestTimeout bounds each request round trip.
	RequestTimeout time.Duration
}

// DefaultOptions returns the client defaults.
func DefaultOptions() Options {
	return Options{
		Name:           "streamgate-client",
		MaxRedirects:   3,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// WriteResult is the acknowledgment of one successful write.
type WriteResult struct {
	Sequence uint64
	Epoch    int64
	Owner    routing.Address
}

// Client writes to streams through whichever proxy owns them. Safe for
// concurrent use; requests for unrelated streams never contend.
type Client struct {
	opts    Options
	id      ClientID
	routes  routing.RoutingService
	pool    *connPool
	nameRe  *regexp.Regexp
	log     *logging.Logger
	metrics *metrics.ClientMetrics

	seedCursor    atomic.Uint32
	handshakeOnce sync.Once
	closed        atomic.Bool
}

// New creates a client routing through routes. metrics may be nil.
func New(opts Options, routes routing.RoutingService, log *logging.Logger, m *metrics.ClientMetrics) (*Client, error) {
	if len(opts.Seeds) == 0 {
		return nil, errors.New("client: at least one seed address is required")
	}
	if opts.MaxRedirects < 0 {
		return nil, errors.New("client: maxRedirects must be >= 0")
	}

	var nameRe *regexp.Regexp
	if opts.StreamNameRegex != "" {
		re, err := regexp.Compile("^(" + opts.StreamNameRegex + ")$")
		if err != nil {
			return nil, fmt.Errorf("client: bad stream name regex: %w", err)
		}
		nameRe = re
	}

	return &Client{
		opts:    opts,
		id:      NewClientID(opts.Name),
		routes:  routes,
		pool:    newConnPool(opts.ConnectTimeout, opts.RequestTimeout),
		nameRe:  nameRe,
		log:     log,
		metrics: m,
	}, nil
}

// ID returns this client's identity.
func (c *Client) ID() ClientID {
	return c.id
}

// Write appends payload to stream, following redirects until the owner
// acknowledges or the redirect budget runs out.
func (c *Client) Write(ctx context.Context, stream string, payload []byte) (WriteResult, error) {
	start := time.Now()

	req := protocol.WriteRequest{Stream: stream}
	req.PackPayload(payload)

	_, body, addr, err := c.dispatch(ctx, stream, protocol.APIWrite, &req)
	if err != nil {
		c.metrics.RecordWrite(time.Since(start).Seconds(), false)
		return WriteResult{}, err
	}

	var out protocol.WriteResponse
	if err := out.Decode(body); err != nil {
		c.metrics.RecordWrite(time.Since(start).Seconds(), false)
		return WriteResult{}, fmt.Errorf("client: decode write response: %w", err)
	}

	c.metrics.RecordWrite(time.Since(start).Seconds(), true)
	return WriteResult{Sequence: out.Sequence, Epoch: out.Epoch, Owner: addr}, nil
}

// QueryOwnership asks a proxy who owns stream and caches the answer.
func (c *Client) QueryOwnership(ctx context.Context, stream string) (routing.Address, error) {
	req := protocol.QueryOwnershipRequest{Stream: stream}
	_, body, _, err := c.dispatch(ctx, stream, protocol.APIQueryOwnership, &req)
	if err != nil {
		return routing.Address{}, err
	}

	var out protocol.QueryOwnershipResponse
	if err := out.Decode(body); err != nil {
		return routing.Address{}, fmt.Errorf("client: decode ownership response: %w", err)
	}
	owner, err := routing.ParseAddress(out.Owner)
	if err != nil {
		return routing.Address{}, fmt.Errorf("client: bad owner address %q: %w", out.Owner, err)
	}
	c.routes.OnRedirect(stream, owner)
	return owner, nil
}

// Release asks the owning proxy to give up stream, typically ahead of
// planned maintenance.
func (c *Client) Release(ctx context.Context, stream string) error {
	req := protocol.ReleaseRequest{Stream: stream}
	_, _, _, err := c.dispatch(ctx, stream, protocol.APIRelease, &req)
	if err != nil {
		return err
	}
	c.routes.RemoveStream(stream)
	return nil
}

// Handshake contacts a seed proxy and seeds the routing cache from its
// ownership snapshot. Failure is not fatal: the client falls back to lazy
// discovery through redirects.
func (c *Client) Handshake(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	req := protocol.HandshakeRequest{
		ClientName:    c.id.Name,
		ClientUUID:    c.id.UUID,
		GetOwnerships: true,
	}
	body := req.AppendTo(nil)

	var lastErr error
	for range c.opts.Seeds {
		addr := c.nextSeed()
		resp, respBody, err := c.pool.roundTrip(ctx, addr, c.requestHeader(protocol.APIHandshake), body)
		if err != nil {
			c.pool.drop(addr)
			lastErr = err
			continue
		}
		if resp.Status != protocol.StatusOK {
			lastErr = &StatusError{Status: resp.Status, Message: resp.Message}
			continue
		}

		var out protocol.HandshakeResponse
		if err := out.Decode(respBody); err != nil {
			lastErr = fmt.Errorf("client: decode handshake response: %w", err)
			continue
		}

		for stream, ownerStr := range out.Ownerships {
			owner, err := routing.ParseAddress(ownerStr)
			if err != nil {
				continue // skip unparseable advertisements
			}
			c.routes.OnRedirect(stream, owner)
		}
		c.metrics.RecordHandshake(true)
		c.log.Infof("handshake complete", map[string]any{
			"proxy":      addr.String(),
			"ownerships": len(out.Ownerships),
		})
		return nil
	}

	c.metrics.RecordHandshake(false)
	c.log.Warnf("handshake failed, proceeding with empty routing cache", map[string]any{
		"error": lastErr.Error(),
	})
	return lastErr
}

// StreamOwnershipDistribution returns the client's current best-known
// address-to-streams mapping. It is a snapshot, not a live view.
func (c *Client) StreamOwnershipDistribution() map[routing.Address][]string {
	return c.routes.AddressDistribution()
}

// Close releases connections and the routing cache. It issues no requests.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClientClosed
	}
	c.pool.close()
	c.routes.Close()
	return nil
}

type appender interface {
	AppendTo(dst []byte) []byte
}

// dispatch runs the resolve/send/redirect loop for one request. On success
// it returns the response and the address that served it, after feeding that
// address back into the routing cache.
func (c *Client) dispatch(ctx context.Context, stream string, api int16, msg appender) (protocol.ResponseHeader, []byte, routing.Address, error) {
	if c.closed.Load() {
		return protocol.ResponseHeader{}, nil, routing.Address{}, ErrClientClosed
	}
	if c.nameRe != nil && !c.nameRe.MatchString(stream) {
		return protocol.ResponseHeader{}, nil, routing.Address{}, fmt.Errorf("%w: %q", ErrStreamRejected, stream)
	}
	if c.opts.HandshakeWithClientInfo {
		c.handshakeOnce.Do(func() { _ = c.Handshake(ctx) })
	}

	body := msg.AppendTo(nil)
	redirects := 0
	var lastAddr routing.Address

	for {
		if err := ctx.Err(); err != nil {
			return protocol.ResponseHeader{}, nil, routing.Address{}, err
		}

		addr, err := c.resolve(stream)
		if err != nil {
			return protocol.ResponseHeader{}, nil, routing.Address{}, err
		}
		lastAddr = addr

		resp, respBody, err := c.pool.roundTrip(ctx, addr, c.requestHeader(api), body)
		if err != nil {
			// Transport failure is an implicit redirect: forget the address
			// and re-resolve, still bounded by the budget.
			c.pool.drop(addr)
			c.routes.RemoveAddress(addr)
			redirects++
			if redirects > c.opts.MaxRedirects {
				return protocol.ResponseHeader{}, nil, routing.Address{},
					&TooManyRedirectsError{Stream: stream, Attempts: redirects - 1, LastAddress: addr}
			}
			c.log.Debugf("transport failure, re-resolving", map[string]any{
				"stream": stream,
				"proxy":  addr.String(),
				"error":  err.Error(),
			})
			continue
		}

		switch resp.Status {
		case protocol.StatusOK:
			// Successful responses confirm ownership; feed it back so the
			// cache self-heals opportunistically.
			c.routes.OnRedirect(stream, addr)
			return resp, respBody, addr, nil

		case protocol.StatusNotOwner, protocol.StatusLockTimeout, protocol.StatusUnavailable:
			c.applyHint(stream, resp.OwnerHint)
			c.metrics.RecordRedirect()
			redirects++
			if redirects > c.opts.MaxRedirects {
				return protocol.ResponseHeader{}, nil, routing.Address{},
					&TooManyRedirectsError{Stream: stream, Attempts: redirects - 1, LastAddress: lastAddr}
			}

		default:
			return protocol.ResponseHeader{}, nil, routing.Address{},
				&StatusError{Status: resp.Status, Message: resp.Message}
		}
	}
}

// applyHint feeds a redirect hint into the routing cache, or drops the stale
// mapping when the proxy had no hint to give.
func (c *Client) applyHint(stream, hint string) {
	if hint == "" {
		c.routes.RemoveStream(stream)
		return
	}
	addr, err := routing.ParseAddress(hint)
	if err != nil {
		c.log.Warnf("dropping unparseable redirect hint", map[string]any{
			"stream": stream,
			"hint":   hint,
		})
		c.routes.RemoveStream(stream)
		return
	}
	c.routes.OnRedirect(stream, addr)
}

// resolve returns the cached route for stream, falling back to a seed
// address round-robin when no route is known.
func (c *Client) resolve(stream string) (routing.Address, error) {
	addr, err := c.routes.Resolve(stream)
	if err == nil {
		return addr, nil
	}
	if !errors.Is(err, routing.ErrNoRoute) {
		return routing.Address{}, err
	}
	return c.nextSeed(), nil
}

func (c *Client) nextSeed() routing.Address {
	n := c.seedCursor.Add(1) - 1
	return c.opts.Seeds[int(n)%len(c.opts.Seeds)]
}

func (c *Client) requestHeader(api int16) protocol.RequestHeader {
	return protocol.RequestHeader{
		APIKey:   api,
		Version:  protocol.Version,
		ClientID: c.id.String(),
	}
}
