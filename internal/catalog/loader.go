// Package catalog loads product definitions from the storefront's catalog
// service. Loads are all-or-nothing: the reconciler must never observe a
// half-loaded catalog, so a response missing any requested id fails the
// whole call.
package catalog

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/storesync/entitlements/pkg/entitlement"
	"github.com/storesync/entitlements/pkg/events"
	"github.com/storesync/entitlements/pkg/storefront"
)

// Loader fetches and validates the product catalog.
type Loader struct {
	client storefront.Client
	bus    *events.Bus
}

// NewLoader creates a loader fetching through client and emitting on bus.
func NewLoader(client storefront.Client, bus *events.Bus) *Loader {
	return &Loader{client: client, bus: bus}
}

// Load fetches definitions for every id in ids, keyed by product id.
// Fails with entitlement.ErrCatalogUnavailable when the service is
// unreachable, returns an unknown kind, or resolves only part of the
// requested set.
func (l *Loader) Load(ctx context.Context, ids []string) (map[string]entitlement.ProductDefinition, error) {
	l.bus.Publish(events.Event{Type: events.TypeCatalogLoadStarted})

	defs, err := l.client.FetchCatalog(ctx, ids)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", entitlement.ErrCatalogUnavailable, err)
		l.bus.Publish(events.Event{Type: events.TypeCatalogLoadFailed, Err: wrapped.Error()})
		return nil, wrapped
	}

	products := make(map[string]entitlement.ProductDefinition, len(defs))
	for _, def := range defs {
		if !def.Kind.Valid() {
			err := fmt.Errorf("%w: product %s has unknown kind %q", entitlement.ErrCatalogUnavailable, def.ID, def.Kind)
			l.bus.Publish(events.Event{Type: events.TypeCatalogLoadFailed, ProductID: def.ID, Err: err.Error()})
			return nil, err
		}
		products[def.ID] = def
	}
	for _, id := range ids {
		if _, ok := products[id]; !ok {
			err := fmt.Errorf("%w: product %s missing from catalog response", entitlement.ErrCatalogUnavailable, id)
			l.bus.Publish(events.Event{Type: events.TypeCatalogLoadFailed, ProductID: id, Err: err.Error()})
			return nil, err
		}
	}

	log.Info().Int("count", len(products)).Msg("catalog loaded")
	l.bus.Publish(events.Event{Type: events.TypeCatalogLoadSucceeded, Count: len(products)})
	return products, nil
}
