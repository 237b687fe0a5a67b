package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/storesync/entitlements/pkg/entitlement"
	"github.com/storesync/entitlements/pkg/events"
)

// Restore asks the storefront for a full server-side re-sync, then
// re-fetches the live-entitlement view and reconciles. Historical records
// surface through the transaction feed as the storefront redelivers
// anything unacknowledged. Idempotent: with no new server-side state the
// only observable effect is a re-emitted snapshot.
func (e *Engine) Restore(ctx context.Context) error {
	e.bus.Publish(events.Event{Type: events.TypeRestoreStarted})
	log.Info().Msg("restore started")

	if err := e.client.Sync(ctx); err != nil {
		wrapped := fmt.Errorf("%w: %v", entitlement.ErrSyncFailed, err)
		e.bus.Publish(events.Event{Type: events.TypeRestoreFailed, Err: wrapped.Error()})
		log.Warn().Err(err).Msg("restore sync failed")
		return entitlement.NewFlowError("restore", "", wrapped)
	}

	if err := e.refreshLive(ctx); err != nil {
		e.bus.Publish(events.Event{Type: events.TypeRestoreFailed, Err: err.Error()})
		log.Warn().Err(err).Msg("restore entitlement refresh failed")
		return entitlement.NewFlowError("restore", "", err)
	}

	e.bus.Publish(events.Event{Type: events.TypeRestoreSuccess})
	log.Info().Msg("restore succeeded")
	return nil
}
