// Package server implements the TCP front end of the write proxy.
// It handles connection lifecycle, framing, and routing to the request
// handler.
package server

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/metrics"
	"github.com/streamgate-io/streamgate/internal/protocol"
)

// ErrServerClosed is returned when operations are attempted on a closed server.
var ErrServerClosed = errors.New("server closed")

// Handler processes decoded requests and returns response frame bodies.
type Handler interface {
	// HandleRequest processes a request and returns the response bytes,
	// including the response header but not the length prefix.
	HandleRequest(ctx context.Context, header protocol.RequestHeader, payload []byte) ([]byte, error)
}

// Config holds the TCP server configuration.
type Config struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestSize int32
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":7001",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxRequestSize: protocol.MaxFrameSize,
	}
}

// Server implements the proxy's TCP server.
type Server struct {
	cfg     Config
	handler Handler
	logger  *logging.Logger
	metrics *metrics.ServerMetrics

	mu         sync.Mutex
	listener   net.Listener
	conns      map[net.Conn]struct{}
	stopping   atomic.Bool
	closed     atomic.Bool
	connWg     sync.WaitGroup
	inflightWg sync.WaitGroup
	requestMu  sync.Mutex
	connID     atomic.Int64
	bufferPool sync.Pool
}

// New creates a new Server with the given configuration and handler.
func New(cfg Config, handler Handler, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	s := &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		conns:   make(map[net.Conn]struct{}),
	}
	s.bufferPool = sync.Pool{
		New: func() any {
			buf := make([]byte, cfg.MaxRequestSize)
			return &buf
		},
	}
	return s
}

// WithMetrics sets the server metrics. Returns the server for chaining.
func (s *Server) WithMetrics(m *metrics.ServerMetrics) *Server {
	s.metrics = m
	return s
}

// ListenAndServe starts the server on the configured address.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on the given listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	s.logger.Infof("server listening", map[string]any{"addr": ln.Addr().String()})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.stopping.Load() || s.closed.Load() {
				return ErrServerClosed
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warnf("temporary accept error", map[string]any{"error": err.Error()})
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return fmt.Errorf("accept error: %w", err)
		}

		s.connWg.Add(1)
		go s.handleConn(conn)
	}
}

// Addr returns the listener's address, or nil if not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts down the server immediately.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.requestMu.Lock()
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.connWg.Wait()
	return nil
}

// StopAccepting stops accepting new connections and new requests on existing
// connections.
func (s *Server) StopAccepting() error {
	s.requestMu.Lock()
	if s.closed.Load() {
		s.requestMu.Unlock()
		return ErrServerClosed
	}
	if s.stopping.Load() {
		s.requestMu.Unlock()
		return nil
	}
	s.stopping.Store(true)
	s.requestMu.Unlock()

	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	return nil
}

// Drain waits for in-flight requests to complete, then closes all connections.
func (s *Server) Drain(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	done := make(chan struct{})
	go func() {
		s.inflightWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.connWg.Wait()
	s.closed.Store(true)

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Shutdown stops accepting new connections, drains in-flight requests, and
// closes connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.StopAccepting(); err != nil {
		return err
	}
	return s.Drain(ctx)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWg.Done()

	// Per-connection context, cancelled when the connection closes, so
	// handlers blocked on lock acquisition can exit early.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()
	defer conn.Close()

	connID := s.connID.Add(1)
	remoteAddr := conn.RemoteAddr().String()

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.metrics.ConnectionOpened()

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.metrics.ConnectionClosed()
	}()

	logger := s.logger.With(map[string]any{
		"connId":     connID,
		"remoteAddr": remoteAddr,
	})
	logger.Debug("connection accepted")

	for {
		if s.stopping.Load() || s.closed.Load() {
			return
		}

		if s.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}

		header, payload, bufPtr, err := s.readRequest(conn)
		if err != nil {
			if err == io.EOF || s.closed.Load() {
				logger.Debug("connection closed")
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				logger.Debug("read timeout")
				return
			}
			if isConnReset(err) {
				logger.Debug("connection reset by peer")
				return
			}
			logger.Warnf("read error", map[string]any{"error": err.Error()})
			return
		}
		if s.stopping.Load() || s.closed.Load() {
			s.putBuffer(bufPtr)
			return
		}

		reqLogger := logger.With(map[string]any{
			"api":           APIName(header.APIKey),
			"correlationId": header.CorrelationID,
			"clientId":      header.ClientID,
		})
		reqLogger.Debug("request received")

		ctx := logging.WithLoggerCtx(connCtx, reqLogger)
		ctx = WithClientID(ctx, header.ClientID)

		s.requestMu.Lock()
		if s.stopping.Load() || s.closed.Load() {
			s.requestMu.Unlock()
			s.putBuffer(bufPtr)
			return
		}
		s.inflightWg.Add(1)
		s.requestMu.Unlock()

		// Per-request context cancelled when the connection drops, so a
		// handler waiting out a lock timeout does not outlive its caller.
		reqCtx, reqCancel := context.WithCancel(ctx)

		connMonitorDone := make(chan struct{})
		go s.monitorConnection(conn, reqCtx, reqCancel, connMonitorDone)

		response, err := s.handler.HandleRequest(reqCtx, header, payload)

		s.putBuffer(bufPtr)

		reqCancel()
		<-connMonitorDone

		if err != nil {
			reqLogger.Errorf("handler error", map[string]any{"error": err.Error()})
			response = protocol.AppendResponseHeader(nil, protocol.ResponseHeader{
				CorrelationID: header.CorrelationID,
				Status:        protocol.StatusInternalError,
				Message:       "internal error",
			})
		}

		if s.cfg.WriteTimeout > 0 {
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		}

		if werr := s.writeResponse(conn, response); werr != nil {
			reqLogger.Warnf("write error", map[string]any{"error": werr.Error()})
			s.inflightWg.Done()
			return
		}
		s.metrics.RecordBytes(len(payload), len(response))

		s.inflightWg.Done()
		reqLogger.Debug("response sent")
	}
}

func isConnReset(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset by peer")
}

// readRequest reads one request frame from the connection.
// Returns the decoded header, the API payload, and the pooled buffer. The
// caller MUST return the buffer via putBuffer() after processing.
func (s *Server) readRequest(r io.Reader) (protocol.RequestHeader, []byte, *[]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return protocol.RequestHeader{}, nil, nil, err
	}
	length := int32(binary.BigEndian.Uint32(lengthBuf[:]))

	if length < 0 || length > s.cfg.MaxRequestSize {
		return protocol.RequestHeader{}, nil, nil, fmt.Errorf("invalid request size: %d", length)
	}

	bufPtr := s.getBuffer()
	buf := *bufPtr

	frame := buf[:length]
	if _, err := io.ReadFull(r, frame); err != nil {
		s.putBuffer(bufPtr)
		return protocol.RequestHeader{}, nil, nil, fmt.Errorf("failed to read request body: %w", err)
	}

	header, payload, err := protocol.DecodeRequestHeader(frame)
	if err != nil {
		s.putBuffer(bufPtr)
		return protocol.RequestHeader{}, nil, nil, fmt.Errorf("failed to decode request header: %w", err)
	}

	return header, payload, bufPtr, nil
}

// getBuffer retrieves a buffer from the pool.
func (s *Server) getBuffer() *[]byte {
	return s.bufferPool.Get().(*[]byte)
}

// putBuffer returns a buffer to the pool after clearing it.
func (s *Server) putBuffer(bufPtr *[]byte) {
	if bufPtr == nil {
		return
	}
	buf := *bufPtr
	clear(buf)
	s.bufferPool.Put(bufPtr)
}

// writeResponse writes a response frame with the length prefix.
func (s *Server) writeResponse(w io.Writer, response []byte) error {
	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(response)))

	if _, err := w.Write(lengthBuf[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(response); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}

// monitorConnection watches for connection closure while a handler runs.
// It polls the socket without reading data, which could consume pipelined
// requests, and cancels the request context when the remote end goes away.
func (s *Server) monitorConnection(conn net.Conn, ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)

	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		<-ctx.Done()
		return
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		<-ctx.Done()
		return
	}

	var fd int
	if err := rawConn.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	}); err != nil {
		<-ctx.Done()
		return
	}

	pollFds := []unix.PollFd{{
		Fd:     int32(fd),
		Events: unix.POLLHUP | unix.POLLERR | pollRDHUP,
	}}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := unix.Poll(pollFds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			cancel()
			return
		}

		if n > 0 && pollFds[0].Revents != 0 {
			cancel()
			return
		}
	}
}

// APIName returns the name of an API by its key, for logs and metrics labels.
func APIName(key int16) string {
	switch key {
	case protocol.APIHandshake:
		return "Handshake"
	case protocol.APIWrite:
		return "Write"
	case protocol.APIQueryOwnership:
		return "QueryOwnership"
	case protocol.APIRelease:
		return "Release"
	default:
		return fmt.Sprintf("Unknown(%d)", key)
	}
}
