package streams

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/metadata/keys"
)

// Ownership is the advertised record of which proxy owns a stream. Published
// as an ephemeral key so a crashed proxy's advertisements vanish with its
// session.
type Ownership struct {
	Stream       string `json:"stream"`
	Owner        string `json:"owner"`
	Epoch        int64  `json:"epoch"`
	AcquiredAtMs int64  `json:"acquiredAtMs"`
}

// OwnerRegistry publishes and reads stream ownership advertisements. The
// lock key is the source of truth; these entries exist so handshakes and
// redirect hints can see the whole cluster's ownership in one range read.
type OwnerRegistry struct {
	meta  metadata.MetadataStore
	owner string
}

// NewOwnerRegistry creates an owner registry advertising on behalf of owner,
// the proxy's advertised address.
func NewOwnerRegistry(meta metadata.MetadataStore, owner string) *OwnerRegistry {
	return &OwnerRegistry{meta: meta, owner: owner}
}

// Publish advertises this proxy as the owner of stream at epoch.
func (o *OwnerRegistry) Publish(ctx context.Context, stream string, epoch int64, nowMs int64) error {
	entry := Ownership{
		Stream:       stream,
		Owner:        o.owner,
		Epoch:        epoch,
		AcquiredAtMs: nowMs,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("streams: marshal ownership: %w", err)
	}

	if _, err := o.meta.PutEphemeral(ctx, keys.OwnerKeyPath(stream), data); err != nil {
		return fmt.Errorf("streams: publish ownership: %w", err)
	}
	return nil
}

// Retract withdraws this proxy's advertisement for stream. Retracting an
// absent advertisement is not an error.
func (o *OwnerRegistry) Retract(ctx context.Context, stream string) error {
	key := keys.OwnerKeyPath(stream)

	result, err := o.meta.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("streams: get ownership: %w", err)
	}
	if !result.Exists {
		return nil
	}

	var entry Ownership
	if err := json.Unmarshal(result.Value, &entry); err != nil {
		return fmt.Errorf("streams: unmarshal ownership: %w", err)
	}
	if entry.Owner != o.owner {
		return nil
	}

	if err := o.meta.Delete(ctx, key); err != nil {
		return fmt.Errorf("streams: retract ownership: %w", err)
	}
	return nil
}

// Owner returns the advertised owner of a stream, or nil when nobody
// advertises it.
func (o *OwnerRegistry) Owner(ctx context.Context, stream string) (*Ownership, error) {
	result, err := o.meta.Get(ctx, keys.OwnerKeyPath(stream))
	if err != nil {
		return nil, fmt.Errorf("streams: get ownership: %w", err)
	}
	if !result.Exists {
		return nil, nil
	}

	var entry Ownership
	if err := json.Unmarshal(result.Value, &entry); err != nil {
		return nil, fmt.Errorf("streams: unmarshal ownership: %w", err)
	}
	return &entry, nil
}

// Snapshot returns the cluster-wide view of stream ownership: stream name to
// owner address. Served to clients during handshake.
func (o *OwnerRegistry) Snapshot(ctx context.Context) (map[string]string, error) {
	kvs, err := o.meta.List(ctx, keys.ScanPrefix(keys.OwnersPrefix), "", 0)
	if err != nil {
		return nil, fmt.Errorf("streams: list ownerships: %w", err)
	}

	snapshot := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		var entry Ownership
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue // skip malformed entries
		}
		snapshot[entry.Stream] = entry.Owner
	}
	return snapshot, nil
}
