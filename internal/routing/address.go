package routing

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// SchemeInet is the default address scheme for plain TCP proxies.
const SchemeInet = "inet"

// ErrInvalidAddress is returned when an address string cannot be parsed.
var ErrInvalidAddress = errors.New("routing: invalid address")

// Address identifies a proxy process. It is comparable and therefore usable
// as a map key; String produces the stable "scheme!host:port" serialization
// used for redirect hints on the wire.
type Address struct {
	Scheme string
	Host   string
	Port   int
}

// NewAddress builds an inet address from a host and port.
func NewAddress(host string, port int) Address {
	return Address{Scheme: SchemeInet, Host: host, Port: port}
}

// ParseAddress parses the "scheme!host:port" textual format, e.g.
// "inet!127.0.0.1:7001". The scheme defaults to inet when absent.
func ParseAddress(s string) (Address, error) {
	scheme := SchemeInet
	rest := s
	if idx := strings.IndexByte(s, '!'); idx >= 0 {
		scheme = s[:idx]
		rest = s[idx+1:]
	}
	if scheme == "" {
		return Address{}, fmt.Errorf("%w: empty scheme in %q", ErrInvalidAddress, s)
	}

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: bad port in %q", ErrInvalidAddress, s)
	}

	return Address{Scheme: scheme, Host: host, Port: port}, nil
}

// String returns the "scheme!host:port" form.
func (a Address) String() string {
	return a.Scheme + "!" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// HostPort returns the dialable "host:port" form.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == Address{}
}

// DefaultRegion is the sentinel region for addresses with no configured
// region. It is a real value, never empty.
const DefaultRegion = "default"

// RegionResolver maps a proxy address to its logical region label.
type RegionResolver interface {
	ResolveRegion(addr Address) string
}

// StaticRegionResolver resolves regions from an injected address table.
// Unknown addresses resolve to DefaultRegion.
type StaticRegionResolver struct {
	mu      sync.RWMutex
	regions map[Address]string
}

// NewStaticRegionResolver creates a resolver over a copy of the given table.
func NewStaticRegionResolver(table map[Address]string) *StaticRegionResolver {
	regions := make(map[Address]string, len(table))
	for addr, region := range table {
		regions[addr] = region
	}
	return &StaticRegionResolver{regions: regions}
}

// ResolveRegion returns the region for addr, or DefaultRegion when unknown.
func (r *StaticRegionResolver) ResolveRegion(addr Address) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if region, ok := r.regions[addr]; ok && region != "" {
		return region
	}
	return DefaultRegion
}

// AddRegion records or replaces the region of an address.
func (r *StaticRegionResolver) AddRegion(addr Address, region string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions[addr] = region
}
