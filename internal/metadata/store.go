// Package metadata defines the MetadataStore interface and related types
// for coordination-service storage operations. The default implementation
// uses Oxia.
//
// The MetadataStore interface is the boundary between Streamgate and the
// external coordination service: stream metadata, the owner registry, and
// the exclusive write locks all live behind it. Ephemeral keys carry the
// exclusivity guarantee - they disappear when the owning session ends.
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a CAS (compare-and-set) operation.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrSessionExpired is returned when an ephemeral key's session has expired.
	ErrSessionExpired = errors.New("metadata: session expired")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version represents a key's version in the metadata store.
// Versions are monotonically increasing and can be used for
// optimistic concurrency control via compare-and-set operations.
//
// A zero version indicates the key has never been written.
// Versions are assigned by the metadata store on each write.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV represents a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion specifies the expected version for a CAS operation.
// If the current version does not match, the Put will fail with ErrVersionMismatch.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// WithExpectNotExists configures Put to fail with ErrVersionMismatch if the
// key already exists. Use this for create-once records such as stream metadata.
func WithExpectNotExists() PutOption {
	return func(o *putOptions) {
		v := Version(0)
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion extracts the expected version from Put options.
// Returns nil if no expected version was specified.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var pOpts putOptions
	for _, opt := range opts {
		opt(&pOpts)
	}
	return pOpts.expectedVersion
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion specifies the expected version for a conditional delete.
// If the current version does not match, the Delete will fail with ErrVersionMismatch.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractDeleteExpectedVersion extracts the expected version from Delete options.
// Returns nil if no expected version was specified.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var dOpts deleteOptions
	for _, opt := range opts {
		opt(&dOpts)
	}
	return dOpts.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists configures PutEphemeral to fail with
// ErrVersionMismatch if the key already exists. Use this for acquiring
// a new lock when you want to ensure no other process holds it.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion configures PutEphemeral to fail with
// ErrVersionMismatch if the key's current version doesn't match.
// Use this for renewing a lock you already hold.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions extracts options from an EphemeralOption slice.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// MetadataStore is the interface for coordination-service storage operations.
// The default implementation uses Oxia as the backing store.
//
// All operations accept a context.Context for cancellation and timeouts.
// Operations may return context.Canceled or context.DeadlineExceeded
// if the context is cancelled or times out.
type MetadataStore interface {
	// Get retrieves a value by key.
	// Returns GetResult with Exists=false if the key does not exist (not an error).
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value, optionally with version checking for CAS operations.
	// Returns the new version assigned to the key.
	//
	// Use WithExpectedVersion to require a specific version for the update.
	// If the version does not match, returns ErrVersionMismatch.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key, optionally with version checking.
	// Returns nil if the key does not exist (idempotent).
	//
	// Use WithDeleteExpectedVersion to require a specific version for the delete.
	// If the version does not match, returns ErrVersionMismatch.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in the range [startKey, endKey) in lexicographic order.
	// If endKey is empty, returns all keys with the prefix startKey.
	// If limit is 0 or negative, returns all matching keys.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// PutEphemeral stores a value that is automatically deleted when
	// the client session ends (e.g., due to proxy crash or disconnect).
	//
	// Use this for:
	//   - Stream write locks (/streamgate/v1/locks/streams/<name>)
	//   - The owner registry (/streamgate/v1/owners/<name>)
	//   - Proxy registration (/streamgate/v1/cluster/proxies/<id>)
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close releases resources held by the store.
	// After Close is called, all operations will return ErrStoreClosed.
	Close() error
}
