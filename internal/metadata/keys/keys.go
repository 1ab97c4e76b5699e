// Package keys provides key encoding for the Streamgate keyspace in the
// coordination service.
//
// All keys live under a versioned root prefix so future layout changes can
// coexist with old data:
//
//	/streamgate/v1/streams/<name>          stream metadata (durable)
//	/streamgate/v1/owners/<name>           current owner address (ephemeral)
//	/streamgate/v1/locks/streams/<name>    exclusive write lock (ephemeral)
//	/streamgate/v1/cluster/proxies/<id>    proxy registration (ephemeral)
package keys

import (
	"fmt"
	"strings"
)

// Key prefixes.
const (
	// Prefix is the root prefix for all Streamgate keys.
	Prefix = "/streamgate/v1"

	// StreamsPrefix is the prefix for stream metadata keys.
	StreamsPrefix = Prefix + "/streams"

	// OwnersPrefix is the prefix for stream ownership keys.
	OwnersPrefix = Prefix + "/owners"

	// StreamLocksPrefix is the prefix for exclusive stream write locks (ephemeral).
	StreamLocksPrefix = Prefix + "/locks/streams"

	// ProxiesPrefix is the prefix for proxy registration keys (ephemeral).
	ProxiesPrefix = Prefix + "/cluster/proxies"
)

// StreamKeyPath returns the metadata key for a stream.
func StreamKeyPath(name string) string {
	return fmt.Sprintf("%s/%s", StreamsPrefix, name)
}

// OwnerKeyPath returns the ownership key for a stream.
func OwnerKeyPath(name string) string {
	return fmt.Sprintf("%s/%s", OwnersPrefix, name)
}

// StreamLockKeyPath returns the exclusive write lock key for a stream.
func StreamLockKeyPath(name string) string {
	return fmt.Sprintf("%s/%s", StreamLocksPrefix, name)
}

// ProxyKeyPath returns the registration key for a proxy.
func ProxyKeyPath(proxyID string) string {
	return fmt.Sprintf("%s/%s", ProxiesPrefix, proxyID)
}

// StreamNameFromKey extracts the stream name from a streams, owners, or locks
// key. Returns the name and true on success.
func StreamNameFromKey(key string) (string, bool) {
	for _, prefix := range []string{StreamsPrefix, OwnersPrefix, StreamLocksPrefix} {
		if rest, ok := strings.CutPrefix(key, prefix+"/"); ok && rest != "" {
			return rest, true
		}
	}
	return "", false
}

// ScanPrefix returns the prefix used to list every key under a key group.
// Pass it as the start key of MetadataStore.List with an empty end key.
func ScanPrefix(prefix string) string {
	return prefix + "/"
}
