package client

import (
	"errors"
	"fmt"

	"github.com/streamgate-io/streamgate/internal/protocol"
	"github.com/streamgate-io/streamgate/internal/routing"
)

// Client errors.
var (
	// ErrClientClosed is returned on requests through a closed client.
	ErrClientClosed = errors.New("client: closed")

	// ErrStreamRejected is returned for stream names that do not match the
	// client's configured name filter. Rejected locally, never sent.
	ErrStreamRejected = errors.New("client: stream name rejected by filter")
)

// TooManyRedirectsError is returned when a request exhausts its redirect
// budget without finding the stream's owner.
type TooManyRedirectsError struct {
	Stream      string
	Attempts    int
	LastAddress routing.Address
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("client: %d redirects exhausted for stream %q, last address %s",
		e.Attempts, e.Stream, e.LastAddress)
}

// StatusError is a terminal, non-retryable response from a proxy.
type StatusError struct {
	Status  protocol.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: proxy returned %s", e.Status)
	}
	return fmt.Sprintf("client: proxy returned %s: %s", e.Status, e.Message)
}

// IsStreamNotFound reports whether err is a proxy response saying the stream
// does not exist.
func IsStreamNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == protocol.StatusStreamNotFound
}
