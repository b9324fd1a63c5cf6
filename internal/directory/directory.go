/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package directory maintains the discovery collection through which product agents find
// equiplets able to perform a capability.
package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/equiplet_grid/internal/blackboard"
	"github.com/friendsincode/equiplet_grid/internal/cache"
	"github.com/friendsincode/equiplet_grid/internal/events"
	"github.com/friendsincode/equiplet_grid/internal/models"
	"github.com/friendsincode/equiplet_grid/internal/telemetry"
)

// Entry is the advertisement of one equiplet.
type Entry = models.DirectoryEntry

// Directory reads and writes the discovery collection.
type Directory struct {
	store      blackboard.Store
	cache      *cache.Cache
	bus        events.Broker
	instanceID string
	logger     zerolog.Logger
}

// Option configures a Directory.
type Option func(*Directory)

// WithCache serves lookups from c and invalidates it on every change.
func WithCache(c *cache.Cache) Option {
	return func(d *Directory) { d.cache = c }
}

// WithBroker announces changes on bus so other instances can drop their caches.
func WithBroker(bus events.Broker) Option {
	return func(d *Directory) { d.bus = bus }
}

// WithInstance stamps published entries with the hosting instance.
func WithInstance(id string) Option {
	return func(d *Directory) { d.instanceID = id }
}

// New creates a directory over store.
func New(store blackboard.Store, logger zerolog.Logger, opts ...Option) *Directory {
	d := &Directory{
		store:  store,
		logger: logger.With().Str("component", "directory").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish upserts the entry of e.EquipletID. Publishing an unchanged entry again is harmless.
func (d *Directory) Publish(ctx context.Context, e Entry) (err error) {
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		telemetry.DirectoryPublicationsTotal.WithLabelValues(result).Inc()
	}()

	if e.EquipletID == "" {
		return errors.New("directory entry has no equiplet id")
	}
	e.ID = e.EquipletID
	if e.InstanceID == "" {
		e.InstanceID = d.instanceID
	}
	e.PublishedAt = time.Now().UTC()
	if e.Capabilities == nil {
		e.Capabilities = []string{}
	}

	patch := map[string]any{
		"equiplet_id":  e.EquipletID,
		"capabilities": e.Capabilities,
		"connection":   e.Connection,
		"instance_id":  e.InstanceID,
		"published_at": e.PublishedAt,
	}
	if err := d.upsert(ctx, e, patch); err != nil {
		return fmt.Errorf("publish %s: %w", e.EquipletID, err)
	}

	d.logger.Info().
		Str("equiplet_id", e.EquipletID).
		Strs("capabilities", e.Capabilities).
		Msg("equiplet published")
	d.changed(ctx, e.EquipletID, "published")
	return nil
}

func (d *Directory) upsert(ctx context.Context, e Entry, patch map[string]any) error {
	_, err := d.store.Update(ctx, models.CollectionDirectory, blackboard.ByID(e.ID), patch)
	if err == nil {
		return nil
	}
	if !errors.Is(err, blackboard.ErrNotFound) {
		return err
	}
	_, err = d.store.Insert(ctx, models.CollectionDirectory, e)
	if errors.Is(err, blackboard.ErrDuplicateKey) {
		// Lost a race with another publisher of the same id.
		_, err = d.store.Update(ctx, models.CollectionDirectory, blackboard.ByID(e.ID), patch)
	}
	return err
}

// Withdraw removes the entry of equipletID. Withdrawing an absent entry is not an error.
func (d *Directory) Withdraw(ctx context.Context, equipletID string) error {
	n, err := d.store.Remove(ctx, models.CollectionDirectory, blackboard.ByID(equipletID))
	if err != nil {
		return fmt.Errorf("withdraw %s: %w", equipletID, err)
	}
	if n > 0 {
		d.logger.Info().Str("equiplet_id", equipletID).Msg("equiplet withdrawn")
		d.changed(ctx, equipletID, "withdrawn")
	}
	return nil
}

// Discover returns the equiplets advertising capability, ordered by id.
func (d *Directory) Discover(ctx context.Context, capability string) ([]Entry, error) {
	if d.cache != nil {
		if entries, ok := d.cache.GetCapability(ctx, capability); ok {
			return entries, nil
		}
	}
	entries, err := d.find(ctx, blackboard.Filter{"capabilities": capability})
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", capability, err)
	}
	if d.cache != nil {
		_ = d.cache.SetCapability(ctx, capability, entries)
	}
	return entries, nil
}

// List returns every published entry, ordered by id.
func (d *Directory) List(ctx context.Context) ([]Entry, error) {
	if d.cache != nil {
		if entries, ok := d.cache.GetDirectory(ctx); ok {
			return entries, nil
		}
	}
	entries, err := d.find(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("list directory: %w", err)
	}
	if d.cache != nil {
		_ = d.cache.SetDirectory(ctx, entries)
	}
	return entries, nil
}

// Lookup returns the entry of equipletID.
func (d *Directory) Lookup(ctx context.Context, equipletID string) (Entry, error) {
	doc, err := d.store.Get(ctx, models.CollectionDirectory, equipletID)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := blackboard.Decode(doc, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (d *Directory) find(ctx context.Context, filter blackboard.Filter) ([]Entry, error) {
	docs, err := d.store.Find(ctx, models.CollectionDirectory, blackboard.Query{
		Filter: filter,
		Sort:   []blackboard.SortField{{Field: blackboard.IDField}},
	})
	if err != nil {
		return nil, err
	}
	return blackboard.DecodeAll[Entry](docs)
}

func (d *Directory) changed(ctx context.Context, equipletID, action string) {
	if d.cache != nil {
		if err := d.cache.InvalidateDirectory(ctx); err != nil {
			d.logger.Debug().Err(err).Msg("directory cache invalidation failed")
		}
	}
	if d.bus != nil {
		d.bus.Publish(events.EventDirectoryChanged, events.Payload{
			"equiplet_id": equipletID,
			"action":      action,
			"instance_id": d.instanceID,
		})
	}
}

// WatchInvalidations drops the local cache whenever any instance announces a directory change.
// It returns when ctx is done.
func (d *Directory) WatchInvalidations(ctx context.Context) {
	if d.cache == nil || d.bus == nil {
		return
	}
	sub := d.bus.Subscribe(events.EventDirectoryChanged)
	defer d.bus.Unsubscribe(events.EventDirectoryChanged, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if inst, _ := payload["instance_id"].(string); inst == d.instanceID {
				continue
			}
			if err := d.cache.InvalidateDirectory(ctx); err != nil {
				d.logger.Debug().Err(err).Msg("directory cache invalidation failed")
			}
		}
	}
}
