package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/storesync/entitlements/internal/verify"
	"github.com/storesync/entitlements/pkg/events"
	"github.com/storesync/entitlements/pkg/storefront"
)

const (
	feedReconnectMin = time.Second
	feedReconnectMax = 30 * time.Second
)

// StartListener launches the transaction stream listener. It runs for the
// engine's lifetime, reconnecting with backoff when the feed drops, and
// stops when the engine is closed. Envelopes are processed strictly in
// arrival order.
func (e *Engine) StartListener() {
	e.group.Go(func() error {
		e.runListener(e.runCtx)
		return nil
	})
}

func (e *Engine) runListener(ctx context.Context) {
	backoff := feedReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		feed, err := e.client.TransactionFeed(ctx)
		if err != nil {
			log.Warn().Err(err).Dur("retryIn", backoff).Msg("transaction feed unavailable")
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = feedReconnectMin

		err = e.consumeFeed(ctx, feed)
		_ = feed.Close()
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		log.Warn().Err(err).Dur("retryIn", backoff).Msg("transaction feed dropped, reconnecting")
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// consumeFeed drains the feed until cancellation or a feed error.
func (e *Engine) consumeFeed(ctx context.Context, feed storefront.Feed) error {
	for {
		env, err := feed.Next(ctx)
		if err != nil {
			return err
		}
		e.processEnvelope(ctx, env)
	}
}

// processEnvelope runs one feed envelope through verify → incorporate →
// reconcile → acknowledge. Verification failures are reported with whatever
// claimed metadata is recoverable and deliberately not acknowledged so the
// storefront redelivers.
func (e *Engine) processEnvelope(ctx context.Context, env storefront.SignedEnvelope) {
	record, err := e.verifier.Verify(env.Token)
	if err != nil {
		claimedProduct, claimedTxn := verify.Claimed(env.Token)
		e.metrics.RecordVerificationFailure()
		e.metrics.RecordFeed("rejected")
		e.bus.Publish(events.Event{
			Type:          events.TypeTransactionVerificationFailed,
			ProductID:     claimedProduct,
			TransactionID: claimedTxn,
			Err:           err.Error(),
		})
		log.Warn().Err(err).
			Str("productId", claimedProduct).
			Str("transactionId", claimedTxn).
			Msg("feed envelope rejected")
		return
	}

	changed, err := e.addRecord(record)
	if err != nil {
		// Persistence failed; leave the transaction unacknowledged so it is
		// redelivered once the ledger recovers.
		e.metrics.RecordFeed("error")
		log.Error().Err(err).Str("transactionId", record.ID).Msg("failed to persist feed transaction")
		return
	}

	e.bus.Publish(events.Event{Type: events.TypeTransactionReceived, ProductID: record.ProductID, TransactionID: record.ID})
	e.bus.Publish(events.Event{Type: events.TypeTransactionVerified, ProductID: record.ProductID, TransactionID: record.ID})

	if changed {
		e.metrics.RecordFeed("verified")
		e.reconcile(time.Now())
	} else {
		// Redelivery of a record already incorporated: the earlier ack was
		// lost, so just acknowledge again.
		e.metrics.RecordFeed("duplicate")
	}
	e.acknowledge(ctx, record.ID)
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > feedReconnectMax {
		return feedReconnectMax
	}
	return next
}

// sleepCtx waits for d, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
