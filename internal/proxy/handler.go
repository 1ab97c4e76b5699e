// Package proxy implements the write proxy: ownership acquisition, fenced
// appends, and the redirect protocol that steers clients to owners.
package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/streamgate-io/streamgate/internal/coordination"
	"github.com/streamgate-io/streamgate/internal/logging"
	"github.com/streamgate-io/streamgate/internal/logstore"
	"github.com/streamgate-io/streamgate/internal/metrics"
	"github.com/streamgate-io/streamgate/internal/protocol"
	"github.com/streamgate-io/streamgate/internal/server"
	"github.com/streamgate-io/streamgate/internal/streams"
)

// Handler serves the proxy side of the wire protocol. One instance serves
// every connection; all state lives in the stream manager and registries.
// Logging goes through the request-scoped logger the server attaches to the
// context, so every line carries the connection and correlation fields.
type Handler struct {
	mgr        *streams.Manager
	owners     *streams.OwnerRegistry
	registry   *streams.Registry
	advertised string
	metrics    *metrics.ServerMetrics
}

// NewHandler creates a request handler. advertised is this proxy's address
// in "scheme!host:port" form, returned to clients as the owner of streams
// this proxy serves. metrics may be nil.
func NewHandler(
	mgr *streams.Manager,
	owners *streams.OwnerRegistry,
	registry *streams.Registry,
	advertised string,
	m *metrics.ServerMetrics,
) *Handler {
	return &Handler{
		mgr:        mgr,
		owners:     owners,
		registry:   registry,
		advertised: advertised,
		metrics:    m,
	}
}

// HandleRequest decodes and dispatches one request frame.
func (h *Handler) HandleRequest(ctx context.Context, header protocol.RequestHeader, payload []byte) ([]byte, error) {
	start := time.Now()

	resp := protocol.ResponseHeader{CorrelationID: header.CorrelationID}
	var body []byte

	switch header.APIKey {
	case protocol.APIHandshake:
		body = h.handleHandshake(ctx, payload, &resp)
	case protocol.APIWrite:
		body = h.handleWrite(ctx, payload, &resp)
	case protocol.APIQueryOwnership:
		body = h.handleQueryOwnership(ctx, payload, &resp)
	case protocol.APIRelease:
		body = h.handleRelease(ctx, payload, &resp)
	default:
		resp.Status = protocol.StatusBadRequest
		resp.Message = "unknown api"
	}

	h.metrics.RecordRequest(server.APIName(header.APIKey), resp.Status.String(), time.Since(start).Seconds())

	out := protocol.AppendResponseHeader(nil, resp)
	return append(out, body...), nil
}

// handleHandshake registers the client and optionally returns the
// cluster-wide ownership snapshot for routing cache priming.
func (h *Handler) handleHandshake(ctx context.Context, payload []byte, resp *protocol.ResponseHeader) []byte {
	var req protocol.HandshakeRequest
	if err := req.Decode(payload); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = "malformed handshake request"
		return nil
	}

	log := logging.FromCtx(ctx)
	log.Infof("client handshake", map[string]any{
		"clientName": req.ClientName,
		"clientUuid": req.ClientUUID,
	})

	out := protocol.HandshakeResponse{}
	if req.GetOwnerships {
		snapshot, err := h.owners.Snapshot(ctx)
		if err != nil {
			// A handshake without the snapshot is still useful; the client
			// discovers ownership through redirects instead.
			log.Warnf("ownership snapshot failed", map[string]any{"error": err.Error()})
		} else {
			out.Ownerships = snapshot
		}
	}

	resp.Status = protocol.StatusOK
	return out.AppendTo(nil)
}

// handleWrite appends a record to a stream this proxy owns, acquiring
// ownership first if nobody else does.
func (h *Handler) handleWrite(ctx context.Context, payload []byte, resp *protocol.ResponseHeader) []byte {
	var req protocol.WriteRequest
	if err := req.Decode(payload); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = "malformed write request"
		return nil
	}
	if err := h.registry.ValidateName(req.Stream); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = err.Error()
		return nil
	}

	// Redirect before contending: when another proxy already advertises the
	// stream, fighting it for the lock would only burn the lock timeout.
	if !h.mgr.IsAcquired(req.Stream) {
		if owner, err := h.owners.Owner(ctx, req.Stream); err == nil && owner != nil && owner.Owner != h.advertised {
			resp.Status = protocol.StatusNotOwner
			resp.OwnerHint = owner.Owner
			resp.Message = "stream owned by another proxy"
			return nil
		}
	}

	acq, err := h.mgr.GetOrAcquire(ctx, req.Stream)
	if err != nil {
		h.failWrite(ctx, req.Stream, err, resp)
		return nil
	}

	record, err := req.UnpackPayload()
	if err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = "malformed payload"
		return nil
	}

	seq, err := acq.Writer.Write(ctx, record)
	if err != nil {
		if errors.Is(err, logstore.ErrFenced) || errors.Is(err, logstore.ErrWriterClosed) {
			// Ownership moved under us. Drop local state and redirect.
			_ = h.mgr.Release(ctx, req.Stream)
			resp.Status = protocol.StatusNotOwner
			resp.OwnerHint = h.currentOwnerHint(ctx, req.Stream)
			resp.Message = "ownership lost"
			return nil
		}
		resp.Status = protocol.StatusInternalError
		resp.Message = "append failed"
		logging.FromCtx(ctx).Errorf("append failed", map[string]any{"stream": req.Stream, "error": err.Error()})
		return nil
	}

	resp.Status = protocol.StatusOK
	out := protocol.WriteResponse{Sequence: seq, Epoch: acq.Epoch}
	return out.AppendTo(nil)
}

// failWrite maps an acquisition error to a response status.
func (h *Handler) failWrite(ctx context.Context, stream string, err error, resp *protocol.ResponseHeader) {
	switch {
	case errors.Is(err, coordination.ErrLockTimeout):
		resp.Status = protocol.StatusLockTimeout
		resp.OwnerHint = h.currentOwnerHint(ctx, stream)
		resp.Message = "lock acquisition timed out"
	case errors.Is(err, streams.ErrStreamNotFound):
		resp.Status = protocol.StatusStreamNotFound
		resp.Message = "stream not found"
	case errors.Is(err, streams.ErrInvalidStreamName):
		resp.Status = protocol.StatusBadRequest
		resp.Message = err.Error()
	case errors.Is(err, streams.ErrManagerClosed), errors.Is(err, context.Canceled):
		resp.Status = protocol.StatusUnavailable
		resp.Message = "proxy shutting down"
	default:
		resp.Status = protocol.StatusInternalError
		resp.Message = "acquisition failed"
		logging.FromCtx(ctx).Errorf("acquisition failed", map[string]any{"stream": stream, "error": err.Error()})
	}
}

// currentOwnerHint returns the advertised owner of stream, excluding this
// proxy, or empty when unknown.
func (h *Handler) currentOwnerHint(ctx context.Context, stream string) string {
	owner, err := h.owners.Owner(ctx, stream)
	if err != nil || owner == nil || owner.Owner == h.advertised {
		return ""
	}
	return owner.Owner
}

// handleQueryOwnership reports who owns a stream without writing to it.
func (h *Handler) handleQueryOwnership(ctx context.Context, payload []byte, resp *protocol.ResponseHeader) []byte {
	var req protocol.QueryOwnershipRequest
	if err := req.Decode(payload); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = "malformed ownership query"
		return nil
	}
	if err := h.registry.ValidateName(req.Stream); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = err.Error()
		return nil
	}

	if h.mgr.IsAcquired(req.Stream) {
		resp.Status = protocol.StatusOK
		out := protocol.QueryOwnershipResponse{Owner: h.advertised}
		return out.AppendTo(nil)
	}

	owner, err := h.owners.Owner(ctx, req.Stream)
	if err != nil {
		resp.Status = protocol.StatusInternalError
		resp.Message = "ownership lookup failed"
		return nil
	}
	if owner != nil {
		resp.Status = protocol.StatusOK
		out := protocol.QueryOwnershipResponse{Owner: owner.Owner}
		return out.AppendTo(nil)
	}

	exists, err := h.registry.StreamExists(ctx, req.Stream)
	if err != nil {
		resp.Status = protocol.StatusInternalError
		resp.Message = "stream lookup failed"
		return nil
	}
	if !exists {
		resp.Status = protocol.StatusStreamNotFound
		resp.Message = "stream not found"
		return nil
	}

	resp.Status = protocol.StatusNotOwner
	resp.Message = "stream has no owner"
	return nil
}

// handleRelease gives up ownership of a stream on request, typically ahead
// of planned maintenance or rebalancing.
func (h *Handler) handleRelease(ctx context.Context, payload []byte, resp *protocol.ResponseHeader) []byte {
	var req protocol.ReleaseRequest
	if err := req.Decode(payload); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = "malformed release request"
		return nil
	}
	if err := h.registry.ValidateName(req.Stream); err != nil {
		resp.Status = protocol.StatusBadRequest
		resp.Message = err.Error()
		return nil
	}

	if !h.mgr.IsAcquired(req.Stream) {
		hint := h.currentOwnerHint(ctx, req.Stream)
		if hint != "" {
			resp.Status = protocol.StatusNotOwner
			resp.OwnerHint = hint
			resp.Message = "stream owned by another proxy"
			return nil
		}
		// Nothing to release; treat as success so retries are idempotent.
		resp.Status = protocol.StatusOK
		out := protocol.ReleaseResponse{}
		return out.AppendTo(nil)
	}

	if err := h.mgr.Release(ctx, req.Stream); err != nil {
		resp.Status = protocol.StatusInternalError
		resp.Message = "release failed"
		logging.FromCtx(ctx).Errorf("release failed", map[string]any{"stream": req.Stream, "error": err.Error()})
		return nil
	}

	resp.Status = protocol.StatusOK
	out := protocol.ReleaseResponse{}
	return out.AppendTo(nil)
}
