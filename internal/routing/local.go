package routing

import (
	"sort"
	"sync"
)

// LocalRoutingService is a routing table held in memory. It starts from the
// entries the caller seeds and is corrected by redirect hints. A stream maps
// to at most one address; hints overwrite, never merge.
type LocalRoutingService struct {
	mu     sync.RWMutex
	owners map[string]Address
}

// NewLocalRoutingService creates an empty local routing table.
func NewLocalRoutingService() *LocalRoutingService {
	return &LocalRoutingService{owners: make(map[string]Address)}
}

// SetAddress seeds or replaces the mapping for a stream. Used by handshake
// cache priming; semantically identical to OnRedirect.
func (l *LocalRoutingService) SetAddress(stream string, addr Address) {
	l.OnRedirect(stream, addr)
}

// Resolve returns the known owner address for stream, or an error wrapping
// ErrNoRoute when the table has no entry.
func (l *LocalRoutingService) Resolve(stream string) (Address, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	addr, ok := l.owners[stream]
	if !ok {
		return Address{}, noRouteError(stream)
	}
	return addr, nil
}

// OnRedirect records stream as owned by hint, overwriting any previous entry.
func (l *LocalRoutingService) OnRedirect(stream string, hint Address) {
	if stream == "" || hint.IsZero() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[stream] = hint
}

// RemoveStream drops the entry for a stream, if any.
func (l *LocalRoutingService) RemoveStream(stream string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.owners, stream)
}

// RemoveAddress drops every stream currently mapped to addr.
func (l *LocalRoutingService) RemoveAddress(addr Address) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for stream, owner := range l.owners {
		if owner == addr {
			delete(l.owners, stream)
		}
	}
}

// AddressDistribution returns a snapshot of the table grouped by address,
// stream names sorted for stable output.
func (l *LocalRoutingService) AddressDistribution() map[Address][]string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	dist := make(map[Address][]string)
	for stream, addr := range l.owners {
		dist[addr] = append(dist[addr], stream)
	}
	for _, streams := range dist {
		sort.Strings(streams)
	}
	return dist
}

// NumEntries returns the number of streams in the table.
func (l *LocalRoutingService) NumEntries() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.owners)
}

// Close clears the table.
func (l *LocalRoutingService) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners = make(map[string]Address)
}
