package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storesync/entitlements/internal/verify"
	"github.com/storesync/entitlements/pkg/entitlement"
	"github.com/storesync/entitlements/pkg/events"
	"github.com/storesync/entitlements/pkg/storefront"
)

// SessionState is the per-attempt purchase state machine.
type SessionState string

const (
	StateInitiating    SessionState = "initiating"
	StateAwaitingUser  SessionState = "awaiting_user_action"
	StateVerifying     SessionState = "verifying"
	StateReconciling   SessionState = "reconciling"
	StateAcknowledging SessionState = "acknowledging"
)

// PurchaseSession is the transient record of one in-flight purchase
// attempt. It exists only between guard acquisition and the attempt's
// terminal outcome.
type PurchaseSession struct {
	ProductID string
	StartedAt time.Time
	State     SessionState
}

// Purchase runs one purchase attempt for the product. At most one attempt
// is in flight system-wide: a concurrent call fails immediately with
// entitlement.ErrPurchaseInProgress without queueing.
//
// ErrUserCancelled and ErrPurchasePending are terminal outcomes, not
// genuine failures; callers must branch on them with errors.Is. The
// single-flight guard is released on every exit path, including
// precondition failures and caller cancellation, so an abandoned attempt
// can never leak the session.
func (e *Engine) Purchase(ctx context.Context, productID string) (entitlement.TransactionRecord, error) {
	if !e.purchaseGate.TryAcquire(1) {
		return e.failPurchase(productID, entitlement.ErrPurchaseInProgress)
	}
	defer e.purchaseGate.Release(1)

	e.beginSession(productID)
	defer e.endSession()

	// Preconditions, checked before any external call.
	e.mu.RLock()
	configured := e.configured
	product, known := e.products[productID]
	e.mu.RUnlock()

	if !configured {
		return e.failPurchase(productID, entitlement.ErrNotConfigured)
	}
	if !known {
		return e.failPurchase(productID, entitlement.ErrProductNotFound)
	}

	e.bus.Publish(events.Event{Type: events.TypePurchaseStarted, ProductID: productID})
	log.Info().Str("productId", productID).Msg("purchase started")

	result, err := e.client.InitiatePurchase(ctx, productID)
	if err != nil {
		return e.failPurchase(productID, fmt.Errorf("%w: %v", entitlement.ErrPurchaseUnknown, err))
	}

	switch result.Outcome {
	case storefront.OutcomeCancelled:
		e.metrics.RecordPurchase("cancelled")
		e.bus.Publish(events.Event{Type: events.TypePurchaseCancelled, ProductID: productID})
		log.Info().Str("productId", productID).Msg("purchase cancelled by user")
		return entitlement.TransactionRecord{}, entitlement.NewFlowError("purchase", productID, entitlement.ErrUserCancelled)

	case storefront.OutcomePending:
		// Approval happens out of band; the transaction, if granted, will
		// arrive on the feed later.
		e.setSessionState(StateAwaitingUser)
		e.metrics.RecordPurchase("pending")
		e.bus.Publish(events.Event{Type: events.TypePurchasePending, ProductID: productID})
		log.Info().Str("productId", productID).Msg("purchase pending external approval")
		return entitlement.TransactionRecord{}, entitlement.NewFlowError("purchase", productID, entitlement.ErrPurchasePending)

	case storefront.OutcomePurchased:
		if result.Envelope == nil {
			return e.failPurchase(productID, fmt.Errorf("%w: storefront returned no envelope", entitlement.ErrPurchaseUnknown))
		}
		return e.completePurchase(ctx, product, *result.Envelope)

	default:
		return e.failPurchase(productID, fmt.Errorf("%w: unexpected outcome %q", entitlement.ErrPurchaseUnknown, result.Outcome))
	}
}

// completePurchase verifies the envelope, incorporates the record, and
// acknowledges it. Consumables are acknowledged immediately after
// verification since they carry no durable entitlement; everything else is
// acknowledged only after reconciliation has incorporated the record.
func (e *Engine) completePurchase(ctx context.Context, product entitlement.ProductDefinition, env storefront.SignedEnvelope) (entitlement.TransactionRecord, error) {
	e.setSessionState(StateVerifying)

	record, err := e.verifier.Verify(env.Token)
	if err != nil {
		claimedProduct, claimedTxn := verify.Claimed(env.Token)
		e.metrics.RecordVerificationFailure()
		e.bus.Publish(events.Event{
			Type:          events.TypeTransactionVerificationFailed,
			ProductID:     claimedProduct,
			TransactionID: claimedTxn,
			Err:           err.Error(),
		})
		return e.failPurchase(product.ID, fmt.Errorf("%w: %v", entitlement.ErrVerificationFailed, err))
	}

	if _, err := e.addRecord(record); err != nil {
		return e.failPurchase(product.ID, fmt.Errorf("%w: %v", entitlement.ErrPurchaseUnknown, err))
	}
	e.bus.Publish(events.Event{Type: events.TypeTransactionReceived, ProductID: record.ProductID, TransactionID: record.ID})
	e.bus.Publish(events.Event{Type: events.TypeTransactionVerified, ProductID: record.ProductID, TransactionID: record.ID})

	if product.Kind == entitlement.KindConsumable {
		e.acknowledge(ctx, record.ID)
	}

	e.setSessionState(StateReconciling)
	e.reconcile(time.Now())

	if product.Kind != entitlement.KindConsumable {
		e.setSessionState(StateAcknowledging)
		e.acknowledge(ctx, record.ID)
	}

	e.metrics.RecordPurchase("success")
	e.bus.Publish(events.Event{Type: events.TypePurchaseSuccess, ProductID: record.ProductID, TransactionID: record.ID})
	log.Info().Str("productId", record.ProductID).Str("transactionId", record.ID).Msg("purchase succeeded")
	return record, nil
}

// acknowledge tells the storefront the transaction is durably consumed. A
// failed ack is only logged: the storefront will redeliver on the feed and
// the ledger dedups by id, so the effect is at-least-once delivery with
// exactly-once incorporation.
func (e *Engine) acknowledge(ctx context.Context, transactionID string) {
	if err := e.client.Acknowledge(ctx, transactionID); err != nil {
		log.Warn().Err(err).Str("transactionId", transactionID).Msg("acknowledge failed, storefront will redeliver")
	}
}

// failPurchase records the terminal failure, emits the matching event, and
// shapes the error.
func (e *Engine) failPurchase(productID string, err error) (entitlement.TransactionRecord, error) {
	outcome := "failed"
	if errors.Is(err, entitlement.ErrPurchaseInProgress) {
		outcome = "in_progress"
	}
	e.metrics.RecordPurchase(outcome)
	e.bus.Publish(events.Event{Type: events.TypePurchaseFailed, ProductID: productID, Err: err.Error()})
	log.Warn().Err(err).Str("productId", productID).Msg("purchase failed")
	return entitlement.TransactionRecord{}, entitlement.NewFlowError("purchase", productID, err)
}

func (e *Engine) beginSession(productID string) {
	e.mu.Lock()
	e.session = &PurchaseSession{ProductID: productID, StartedAt: time.Now(), State: StateInitiating}
	e.mu.Unlock()
}

func (e *Engine) setSessionState(state SessionState) {
	e.mu.Lock()
	if e.session != nil {
		e.session.State = state
	}
	e.mu.Unlock()
	log.Debug().Str("state", string(state)).Msg("purchase session state")
}

func (e *Engine) endSession() {
	e.mu.Lock()
	e.session = nil
	e.mu.Unlock()
}
