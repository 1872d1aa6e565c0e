package core

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"mcranalyzer/pkg/domain"
)

// RunCache memoizes reference rows for the duration of one import run. It
// is safe for concurrent use; concurrent misses on the same key both reach
// the store, whose upserts are idempotent.
type RunCache struct {
	id    string
	store domain.Store

	mu       sync.Mutex
	closed   bool
	devices  map[string]domain.Device
	plates   map[string]domain.Plate
	reagents map[string]domain.Reagent
}

// NewRunCache starts a cache with a fresh run ID.
func NewRunCache(store domain.Store) *RunCache {
	return &RunCache{
		id:       uuid.NewString(),
		store:    store,
		devices:  make(map[string]domain.Device),
		plates:   make(map[string]domain.Plate),
		reagents: make(map[string]domain.Reagent),
	}
}

// ID returns the run ID.
func (c *RunCache) ID() string { return c.id }

// Device returns the device with serial, creating it on first use.
func (c *RunCache) Device(ctx context.Context, serial string) (domain.Device, error) {
	serial = strings.TrimSpace(serial)
	if d, ok := lookup(c, c.devices, serial); ok {
		return d, nil
	}
	d, err := c.store.UpsertDevice(ctx, serial)
	if err != nil {
		return domain.Device{}, err
	}
	remember(c, c.devices, serial, d)
	return d, nil
}

// Plate returns the stored plate named p.Name, registering p on first use.
func (c *RunCache) Plate(ctx context.Context, p domain.Plate) (domain.Plate, error) {
	if stored, ok := lookup(c, c.plates, p.Name); ok {
		return stored, nil
	}
	stored, err := c.store.UpsertPlate(ctx, p)
	if err != nil {
		return domain.Plate{}, err
	}
	remember(c, c.plates, p.Name, stored)
	return stored, nil
}

// Reagent returns the reagent with name, creating it on first use.
func (c *RunCache) Reagent(ctx context.Context, name string) (domain.Reagent, error) {
	name = strings.TrimSpace(name)
	if r, ok := lookup(c, c.reagents, name); ok {
		return r, nil
	}
	r, err := c.store.UpsertReagent(ctx, name)
	if err != nil {
		return domain.Reagent{}, err
	}
	remember(c, c.reagents, name, r)
	return r, nil
}

// Close drops all memoized rows. Later lookups go straight to the store.
func (c *RunCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	clear(c.devices)
	clear(c.plates)
	clear(c.reagents)
}

// Len returns the number of memoized rows.
func (c *RunCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.devices) + len(c.plates) + len(c.reagents)
}

func lookup[T any](c *RunCache, m map[string]T, key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := m[key]
	return v, ok
}

func remember[T any](c *RunCache, m map[string]T, key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		m[key] = v
	}
}
