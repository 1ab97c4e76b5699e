package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/streamgate-io/streamgate/internal/protocol"
	"github.com/streamgate-io/streamgate/internal/routing"
)

// conn is one pooled connection to a proxy. Requests on a single connection
// are serialized; the pool hands out one conn per address.
type conn struct {
	addr routing.Address

	mu      sync.Mutex
	netConn net.Conn
	corrID  int32
}

// connPool caches one connection per proxy address, dialing lazily.
type connPool struct {
	connectTimeout time.Duration
	requestTimeout time.Duration

	mu     sync.Mutex
	conns  map[routing.Address]*conn
	closed bool
}

func newConnPool(connectTimeout, requestTimeout time.Duration) *connPool {
	return &connPool{
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
		conns:          make(map[routing.Address]*conn),
	}
}

func (p *connPool) get(addr routing.Address) (*conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClientClosed
	}
	if c, ok := p.conns[addr]; ok {
		return c, nil
	}
	c := &conn{addr: addr}
	p.conns[addr] = c
	return c, nil
}

// drop closes and forgets the connection to addr, if any. Used after
// transport failures so the next attempt redials.
func (p *connPool) drop(addr routing.Address) {
	p.mu.Lock()
	c, ok := p.conns[addr]
	delete(p.conns, addr)
	p.mu.Unlock()

	if ok {
		c.close()
	}
}

func (p *connPool) close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[routing.Address]*conn)
	p.closed = true
	p.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// roundTrip sends one request frame and reads the matching response. Any
// transport error poisons the underlying connection.
func (p *connPool) roundTrip(ctx context.Context, addr routing.Address, header protocol.RequestHeader, body []byte) (protocol.ResponseHeader, []byte, error) {
	c, err := p.get(addr)
	if err != nil {
		return protocol.ResponseHeader{}, nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn == nil {
		netConn, err := p.dial(ctx, addr)
		if err != nil {
			return protocol.ResponseHeader{}, nil, err
		}
		c.netConn = netConn
	}

	c.corrID++
	header.CorrelationID = c.corrID

	deadline := time.Now().Add(p.requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.netConn.SetDeadline(deadline); err != nil {
		c.closeLocked()
		return protocol.ResponseHeader{}, nil, fmt.Errorf("client: set deadline: %w", err)
	}

	frame := protocol.AppendRequestHeader(nil, header)
	frame = append(frame, body...)
	if err := protocol.WriteFrame(c.netConn, frame); err != nil {
		c.closeLocked()
		return protocol.ResponseHeader{}, nil, fmt.Errorf("client: write to %s: %w", addr, err)
	}

	respBody, err := protocol.ReadFrame(c.netConn)
	if err != nil {
		c.closeLocked()
		return protocol.ResponseHeader{}, nil, fmt.Errorf("client: read from %s: %w", addr, err)
	}

	resp, payload, err := protocol.DecodeResponseHeader(respBody)
	if err != nil {
		c.closeLocked()
		return protocol.ResponseHeader{}, nil, fmt.Errorf("client: decode response from %s: %w", addr, err)
	}
	if resp.CorrelationID != header.CorrelationID {
		c.closeLocked()
		return protocol.ResponseHeader{}, nil, fmt.Errorf("client: correlation mismatch from %s: sent %d, got %d",
			addr, header.CorrelationID, resp.CorrelationID)
	}
	return resp, payload, nil
}

func (p *connPool) dial(ctx context.Context, addr routing.Address) (net.Conn, error) {
	dialer := net.Dialer{Timeout: p.connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr.HostPort())
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return netConn, nil
}

func (c *conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *conn) closeLocked() {
	if c.netConn != nil {
		_ = c.netConn.Close()
		c.netConn = nil
	}
}
