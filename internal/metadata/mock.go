package metadata

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MockStore implements MetadataStore for testing.
// It is exported so that tests in other packages can use it.
type MockStore struct {
	mu            sync.RWMutex
	data          map[string]KV
	ephemeral     map[string]bool
	closed        bool
	nextVer       Version
	ephemeralPuts int

	// PutEphemeralErr, when non-nil, is returned by the next PutEphemeral
	// call and then cleared. Used to inject coordination failures.
	PutEphemeralErr error

	// Latency hooks for forcing interleavings in concurrency tests.
	// Called outside the store lock.
	BeforePutEphemeral func(key string)
}

// NewMockStore creates a new MockStore for testing.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]bool),
		nextVer:   1,
	}
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return GetResult{}, ErrStoreClosed
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}

	if expected := ExtractExpectedVersion(opts); expected != nil {
		existing, ok := m.data[key]
		current := Version(0)
		if ok {
			current = existing.Version
		}
		if current != *expected {
			return 0, ErrVersionMismatch
		}
	}

	return m.putLocked(key, value, false), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed
	}

	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if expected := ExtractDeleteExpectedVersion(opts); expected != nil && existing.Version != *expected {
		return ErrVersionMismatch
	}

	delete(m.data, key)
	delete(m.ephemeral, key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed
	}

	var out []KV
	for key, kv := range m.data {
		if endKey == "" {
			if !strings.HasPrefix(key, startKey) {
				continue
			}
		} else if key < startKey || key >= endKey {
			continue
		}
		out = append(out, kv)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	if hook := m.BeforePutEphemeral; hook != nil {
		hook(key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStoreClosed
	}
	m.ephemeralPuts++

	if err := m.PutEphemeralErr; err != nil {
		m.PutEphemeralErr = nil
		return 0, err
	}

	expectNotExists, expectedVersion := ExtractEphemeralOptions(opts)
	existing, ok := m.data[key]

	if expectNotExists && ok {
		return 0, ErrVersionMismatch
	}
	if expectedVersion != nil {
		current := Version(0)
		if ok {
			current = existing.Version
		}
		if current != *expectedVersion {
			return 0, ErrVersionMismatch
		}
	}

	return m.putLocked(key, value, true), nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	// Session ends with the store: ephemeral keys disappear.
	for key, eph := range m.ephemeral {
		if eph {
			delete(m.data, key)
		}
	}
	return nil
}

// ExpireSession simulates the coordination session expiring: all ephemeral
// keys are removed but the store stays usable.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, eph := range m.ephemeral {
		if eph {
			delete(m.data, key)
			delete(m.ephemeral, key)
		}
	}
}

// EphemeralPutCount returns the number of PutEphemeral calls observed,
// including failed ones. Tests use it to assert single-flight behavior.
func (m *MockStore) EphemeralPutCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ephemeralPuts
}

// Len returns the number of keys currently stored.
func (m *MockStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MockStore) putLocked(key string, value []byte, eph bool) Version {
	v := m.nextVer
	m.nextVer++

	stored := make([]byte, len(value))
	copy(stored, value)

	m.data[key] = KV{Key: key, Value: stored, Version: v}
	m.ephemeral[key] = eph
	return v
}
