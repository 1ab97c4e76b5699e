// Package logstore is the boundary between the proxy and the durable log
// engine. The proxy only appends; reads happen elsewhere. Writers are fenced
// by the epoch granted with the stream's write lock, so a proxy that lost its
// lock cannot write through a stale writer.
package logstore

import (
	"context"
	"errors"
)

// Store errors.
var (
	// ErrFenced is returned when a writer's epoch is older than the newest
	// epoch the engine has seen for the stream.
	ErrFenced = errors.New("logstore: writer fenced by newer epoch")

	// ErrWriterClosed is returned on writes through a closed writer.
	ErrWriterClosed = errors.New("logstore: writer closed")

	// ErrStoreClosed is returned after the store has been closed.
	ErrStoreClosed = errors.New("logstore: store closed")
)

// Writer appends records to one stream under one fencing epoch.
// Implementations are safe for concurrent use.
type Writer interface {
	// Write appends payload and returns its sequence in the stream. The
	// record may be buffered; it is durable after the next Flush.
	Write(ctx context.Context, payload []byte) (uint64, error)

	// Flush forces buffered records out.
	Flush(ctx context.Context) error

	// Close flushes and releases the writer.
	Close(ctx context.Context) error
}

// Store opens fenced writers for streams.
type Store interface {
	// OpenWriter opens a writer for stream at the given fencing epoch.
	// Opening with an epoch older than the newest seen returns ErrFenced;
	// opening with a newer epoch fences all earlier writers for the stream.
	OpenWriter(ctx context.Context, stream string, epoch int64) (Writer, error)

	// Close releases the store. Open writers are fenced.
	Close(ctx context.Context) error
}
