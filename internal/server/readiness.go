package server

import (
	"context"
	"errors"

	"github.com/streamgate-io/streamgate/internal/metadata"
	"github.com/streamgate-io/streamgate/internal/metadata/keys"
)

// MetadataStoreChecker implements ReadinessChecker for the metadata store.
// It verifies the coordination connection is healthy with a simple Get.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

// NewMetadataStoreChecker creates a new MetadataStoreChecker.
func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

// Name returns the name of this component for health status display.
func (c *MetadataStoreChecker) Name() string {
	return "metadata_store"
}

// CheckReady verifies the metadata store is accessible. It reads a known
// non-existent key; we only care that the store responds.
func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}

	_, err := c.store.Get(ctx, keys.Prefix+"/health-check")
	if err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		return err
	}
	return nil
}

// FuncChecker is a simple ReadinessChecker that wraps a function.
// Useful for ad-hoc checks without defining a new type.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

// NewFuncChecker creates a new FuncChecker with the given name and check
// function.
func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

// Name returns the checker's name.
func (c *FuncChecker) Name() string {
	return c.name
}

// CheckReady calls the wrapped function.
func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
