package routing

import (
	"errors"
	"fmt"
)

// ErrNoRoute is returned when no address can be resolved for a stream.
var ErrNoRoute = errors.New("routing: no route for stream")

// RoutingService resolves stream names to proxy addresses and absorbs
// ownership-change signals. Implementations are safe for concurrent use and
// never perform I/O.
type RoutingService interface {
	// Resolve returns the address writes for stream should be sent to.
	// Returns an error wrapping ErrNoRoute when no mapping is known.
	Resolve(stream string) (Address, error)

	// OnRedirect records that stream is owned by hint, overwriting any
	// previous mapping so a subsequent Resolve prefers the hint.
	OnRedirect(stream string, hint Address)

	// RemoveStream drops the mapping for a stream, if any.
	RemoveStream(stream string)

	// RemoveAddress drops every stream mapped to addr. Used when an address
	// turns out to be unreachable.
	RemoveAddress(addr Address)

	// AddressDistribution returns a point-in-time snapshot of the known
	// address-to-streams mapping for introspection and testing.
	AddressDistribution() map[Address][]string

	// Close releases any resources held by the service. It issues no I/O.
	Close()
}

func noRouteError(stream string) error {
	return fmt.Errorf("%w: %s", ErrNoRoute, stream)
}
