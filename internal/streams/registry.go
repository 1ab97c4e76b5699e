// Package streams handles stream metadata and per-proxy stream ownership.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"

	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/metadata/keys"
)

// Common errors.
var (
	ErrStreamNotFound    = errors.New("streams: stream not found")
	ErrStreamExists      = errors.New("streams: stream already exists")
	ErrInvalidStreamName = errors.New("streams: invalid stream name")
)

// StreamMeta holds metadata for a stream.
type StreamMeta struct {
	Name        string `json:"name"`
	StreamID    string `json:"streamId"`
	CreatedAtMs int64  `json:"createdAtMs"`
}

// Registry provides stream metadata operations backed by MetadataStore.
// Names are validated against a configured pattern before any I/O.
type Registry struct {
	meta   metadata.MetadataStore
	nameRe *regexp.Regexp
}

// NewRegistry creates a stream registry. namePattern is anchored and applied
// to every stream name; pass ".*" to accept everything.
func NewRegistry(meta metadata.MetadataStore, namePattern string) (*Registry, error) {
	re, err := regexp.Compile("^(" + namePattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("streams: compile name pattern: %w", err)
	}
	return &Registry{meta: meta, nameRe: re}, nil
}

// maxNameLength bounds stream names. The wire protocol carries names with a
// 16-bit length prefix; the cap stays far below that.
const maxNameLength = 255

// ValidateName checks a stream name against the length cap and the
// configured pattern.
func (r *Registry) ValidateName(name string) error {
	if name == "" || len(name) > maxNameLength || !r.nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidStreamName, name)
	}
	return nil
}

// CreateStream registers a new stream. Creation is a conditional put so two
// proxies racing to create the same stream produce exactly one entry; the
// loser gets ErrStreamExists.
func (r *Registry) CreateStream(ctx context.Context, name string, nowMs int64) (*StreamMeta, error) {
	if err := r.ValidateName(name); err != nil {
		return nil, err
	}

	meta := StreamMeta{
		Name:        name,
		StreamID:    uuid.New().String(),
		CreatedAtMs: nowMs,
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("streams: marshal stream: %w", err)
	}

	_, err = r.meta.Put(ctx, keys.StreamKeyPath(name), data, metadata.WithExpectNotExists())
	if err != nil {
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return nil, ErrStreamExists
		}
		return nil, fmt.Errorf("streams: create stream: %w", err)
	}
	return &meta, nil
}

// GetStream retrieves stream metadata by name.
func (r *Registry) GetStream(ctx context.Context, name string) (*StreamMeta, error) {
	if err := r.ValidateName(name); err != nil {
		return nil, err
	}

	result, err := r.meta.Get(ctx, keys.StreamKeyPath(name))
	if err != nil {
		return nil, fmt.Errorf("streams: get stream: %w", err)
	}
	if !result.Exists {
		return nil, ErrStreamNotFound
	}

	var meta StreamMeta
	if err := json.Unmarshal(result.Value, &meta); err != nil {
		return nil, fmt.Errorf("streams: unmarshal stream: %w", err)
	}
	return &meta, nil
}

// StreamExists checks if a stream is registered.
func (r *Registry) StreamExists(ctx context.Context, name string) (bool, error) {
	if err := r.ValidateName(name); err != nil {
		return false, err
	}

	result, err := r.meta.Get(ctx, keys.StreamKeyPath(name))
	if err != nil {
		return false, fmt.Errorf("streams: get stream: %w", err)
	}
	return result.Exists, nil
}

// ListStreams returns all registered streams.
func (r *Registry) ListStreams(ctx context.Context) ([]StreamMeta, error) {
	kvs, err := r.meta.List(ctx, keys.ScanPrefix(keys.StreamsPrefix), "", 0)
	if err != nil {
		return nil, fmt.Errorf("streams: list streams: %w", err)
	}

	metas := make([]StreamMeta, 0, len(kvs))
	for _, kv := range kvs {
		var meta StreamMeta
		if err := json.Unmarshal(kv.Value, &meta); err != nil {
			continue // skip malformed entries
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// DeleteStream removes a stream's registration. Deleting an absent stream
// returns ErrStreamNotFound.
func (r *Registry) DeleteStream(ctx context.Context, name string) error {
	if err := r.ValidateName(name); err != nil {
		return err
	}

	key := keys.StreamKeyPath(name)
	result, err := r.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("streams: get stream: %w", err)
	}
	if !result.Exists {
		return ErrStreamNotFound
	}

	if err := r.meta.Delete(ctx, key); err != nil {
		return fmt.Errorf("streams: delete stream: %w", err)
	}
	return nil
}
