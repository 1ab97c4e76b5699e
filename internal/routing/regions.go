package routing

import (
	"sort"
	"sync/atomic"
)

// regionService pairs a region label with the routing service covering it.
type regionService struct {
	region  string
	service RoutingService
}

// RegionsRoutingService composes per-region routing services. Resolution
// consults the local region first, then the remaining regions in the order
// they were added. Redirect hints are forwarded to the service whose region
// the hint's address resolves to; hints pointing at a region no service
// covers are dropped and counted.
type RegionsRoutingService struct {
	resolver RegionResolver
	services []regionService
	byRegion map[string]RoutingService

	droppedHints atomic.Int64
}

// NewRegionsRoutingService creates a composite service. localRegion names the
// region of the first service; remote services are added with AddRegion. The
// composition is built once at startup and is immutable afterwards.
func NewRegionsRoutingService(resolver RegionResolver, localRegion string, local RoutingService) *RegionsRoutingService {
	r := &RegionsRoutingService{
		resolver: resolver,
		byRegion: make(map[string]RoutingService),
	}
	r.services = append(r.services, regionService{region: localRegion, service: local})
	r.byRegion[localRegion] = local
	return r
}

// AddRegion appends a remote region service to the resolution order. Must be
// called before the service is shared across goroutines.
func (r *RegionsRoutingService) AddRegion(region string, service RoutingService) {
	r.services = append(r.services, regionService{region: region, service: service})
	r.byRegion[region] = service
}

// Resolve tries each region's service in order, local region first, and
// returns the first hit. Returns an error wrapping ErrNoRoute when no region
// knows the stream.
func (r *RegionsRoutingService) Resolve(stream string) (Address, error) {
	for _, rs := range r.services {
		if addr, err := rs.service.Resolve(stream); err == nil {
			return addr, nil
		}
	}
	return Address{}, noRouteError(stream)
}

// OnRedirect routes the hint to the service covering the hint address's
// region. Hints resolving to a region with no service are dropped.
func (r *RegionsRoutingService) OnRedirect(stream string, hint Address) {
	region := r.resolver.ResolveRegion(hint)
	service, ok := r.byRegion[region]
	if !ok {
		r.droppedHints.Add(1)
		return
	}

	// The stream moved to this region; forget stale entries elsewhere so the
	// hinted region wins the next Resolve.
	for _, rs := range r.services {
		if rs.service != service {
			rs.service.RemoveStream(stream)
		}
	}
	service.OnRedirect(stream, hint)
}

// RemoveStream drops the stream from every region's table.
func (r *RegionsRoutingService) RemoveStream(stream string) {
	for _, rs := range r.services {
		rs.service.RemoveStream(stream)
	}
}

// RemoveAddress drops the address from the service covering its region.
func (r *RegionsRoutingService) RemoveAddress(addr Address) {
	region := r.resolver.ResolveRegion(addr)
	if service, ok := r.byRegion[region]; ok {
		service.RemoveAddress(addr)
		return
	}
	for _, rs := range r.services {
		rs.service.RemoveAddress(addr)
	}
}

// AddressDistribution merges the per-region snapshots into one view. Stream
// lists are sorted, matching the single-region snapshot.
func (r *RegionsRoutingService) AddressDistribution() map[Address][]string {
	dist := make(map[Address][]string)
	for _, rs := range r.services {
		for addr, streams := range rs.service.AddressDistribution() {
			dist[addr] = append(dist[addr], streams...)
		}
	}
	for _, streams := range dist {
		sort.Strings(streams)
	}
	return dist
}

// DroppedHints returns the number of redirect hints discarded because no
// configured region covered them.
func (r *RegionsRoutingService) DroppedHints() int64 {
	return r.droppedHints.Load()
}

// Close closes every region's service.
func (r *RegionsRoutingService) Close() {
	for _, rs := range r.services {
		rs.service.Close()
	}
}
