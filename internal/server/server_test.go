package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/protocol"
)

type echoHandler struct {
	mu       sync.Mutex
	headers  []protocol.RequestHeader
	clientID []string
}

func (h *echoHandler) HandleRequest(ctx context.Context, header protocol.RequestHeader, payload []byte) ([]byte, error) {
	h.mu.Lock()
	h.headers = append(h.headers, header)
	h.clientID = append(h.clientID, ClientIDFromContext(ctx))
	h.mu.Unlock()

	resp := protocol.AppendResponseHeader(nil, protocol.ResponseHeader{
		CorrelationID: header.CorrelationID,
		Status:        protocol.StatusOK,
	})
	return append(resp, payload...), nil
}

func (h *echoHandler) getHeaders() []protocol.RequestHeader {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]protocol.RequestHeader{}, h.headers...)
}

// errorHandler returns an error on HandleRequest.
type errorHandler struct{}

func (h *errorHandler) HandleRequest(ctx context.Context, header protocol.RequestHeader, payload []byte) ([]byte, error) {
	return nil, errors.New("handler error")
}

func quietLogger() *logging.Logger {
	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)
	return logger
}

func startServer(t *testing.T, handler Handler) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	srv := New(cfg, handler, quietLogger())
	go func() {
		_ = srv.ListenAndServe()
	}()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

func sendRequest(t *testing.T, conn net.Conn, header protocol.RequestHeader, payload []byte) {
	t.Helper()

	body := protocol.AppendRequestHeader(nil, header)
	body = append(body, payload...)
	if err := protocol.WriteFrame(conn, body); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readResponse(t *testing.T, conn net.Conn) (protocol.ResponseHeader, []byte) {
	t.Helper()

	body, err := protocol.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	header, payload, err := protocol.DecodeResponseHeader(body)
	if err != nil {
		t.Fatalf("decode response header: %v", err)
	}
	return header, payload
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ListenAddr != ":7001" {
		t.Errorf("expected :7001, got %s", cfg.ListenAddr)
	}
	if cfg.MaxRequestSize != protocol.MaxFrameSize {
		t.Errorf("expected %d max request size, got %d", protocol.MaxFrameSize, cfg.MaxRequestSize)
	}
}

func TestServerEcho(t *testing.T) {
	handler := &echoHandler{}
	srv := startServer(t, handler)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sendRequest(t, conn, protocol.RequestHeader{
		APIKey:        protocol.APIWrite,
		Version:       protocol.Version,
		CorrelationID: 7,
		ClientID:      "writer-1",
	}, []byte("payload"))

	respHeader, payload := readResponse(t, conn)
	if respHeader.CorrelationID != 7 {
		t.Errorf("correlation id = %d, want 7", respHeader.CorrelationID)
	}
	if respHeader.Status != protocol.StatusOK {
		t.Errorf("status = %v, want OK", respHeader.Status)
	}
	if string(payload) != "payload" {
		t.Errorf("payload = %q, want %q", payload, "payload")
	}

	headers := handler.getHeaders()
	if len(headers) != 1 || headers[0].ClientID != "writer-1" {
		t.Errorf("handler saw headers %+v", headers)
	}
}

func TestServerMultipleRequests(t *testing.T) {
	handler := &echoHandler{}
	srv := startServer(t, handler)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := int32(0); i < 5; i++ {
		sendRequest(t, conn, protocol.RequestHeader{
			APIKey:        protocol.APIQueryOwnership,
			Version:       protocol.Version,
			CorrelationID: i,
		}, nil)

		respHeader, _ := readResponse(t, conn)
		if respHeader.CorrelationID != i {
			t.Errorf("correlation id = %d, want %d", respHeader.CorrelationID, i)
		}
	}
}

func TestServerMultipleConnections(t *testing.T) {
	handler := &echoHandler{}
	srv := startServer(t, handler)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if err != nil {
				t.Errorf("dial: %v", err)
				return
			}
			defer conn.Close()

			sendRequest(t, conn, protocol.RequestHeader{
				APIKey:        protocol.APIWrite,
				Version:       protocol.Version,
				CorrelationID: id,
			}, nil)
			respHeader, _ := readResponse(t, conn)
			if respHeader.CorrelationID != id {
				t.Errorf("correlation id = %d, want %d", respHeader.CorrelationID, id)
			}
		}(int32(i))
	}
	wg.Wait()
}

func TestServerHandlerError(t *testing.T) {
	srv := startServer(t, &errorHandler{})

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	sendRequest(t, conn, protocol.RequestHeader{
		APIKey:        protocol.APIWrite,
		Version:       protocol.Version,
		CorrelationID: 3,
	}, nil)

	respHeader, _ := readResponse(t, conn)
	if respHeader.CorrelationID != 3 {
		t.Errorf("correlation id = %d, want 3", respHeader.CorrelationID)
	}
	if respHeader.Status != protocol.StatusInternalError {
		t.Errorf("status = %v, want INTERNAL_ERROR", respHeader.Status)
	}
}

func TestServerRejectsBadMagic(t *testing.T) {
	handler := &echoHandler{}
	srv := startServer(t, handler)

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := protocol.WriteFrame(conn, []byte("XXXXjunk")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	// The server drops the connection on framing errors.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected connection to be closed")
	}

	if len(handler.getHeaders()) != 0 {
		t.Error("handler must not see malformed requests")
	}
}

func TestServerClose(t *testing.T) {
	srv := startServer(t, &echoHandler{})

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := srv.Close(); !errors.Is(err, ErrServerClosed) {
		t.Errorf("second close = %v, want ErrServerClosed", err)
	}
}

func TestServerShutdownStopsAccepting(t *testing.T) {
	srv := startServer(t, &echoHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, err := net.Dial("tcp", srv.Addr().String()); err == nil {
		t.Error("expected dial to fail after shutdown")
	}
}

func TestAPIName(t *testing.T) {
	if got := APIName(protocol.APIWrite); got != "Write" {
		t.Errorf("APIName(Write) = %q", got)
	}
	if got := APIName(99); got != "Unknown(99)" {
		t.Errorf("APIName(99) = %q", got)
	}
}
