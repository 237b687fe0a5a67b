// Package storefront defines the contract with the external storefront
// service: catalog lookup, purchase initiation, the live-entitlement view,
// the continuous transaction feed, sync, and acknowledgment. RemoteClient is
// the production implementation; FakeClient is an in-memory storefront for
// tests.
package storefront

import (
	"context"

	"github.com/storesync/entitlements/pkg/entitlement"
)

// SignedEnvelope is an opaque, verifiable transaction payload as issued by
// the storefront's signing infrastructure. The token layout is owned by the
// verifier; everything else treats it as a black box.
type SignedEnvelope struct {
	Token string `json:"token"`
}

// PurchaseOutcome tags the immediate result of a purchase round-trip.
type PurchaseOutcome string

const (
	// OutcomePurchased means the storefront completed the purchase and
	// attached a signed envelope.
	OutcomePurchased PurchaseOutcome = "purchased"

	// OutcomePending means the purchase needs external approval (e.g.
	// parental consent) and will surface on the transaction feed later.
	OutcomePending PurchaseOutcome = "pending"

	// OutcomeCancelled means the user backed out.
	OutcomeCancelled PurchaseOutcome = "cancelled"
)

// RawPurchaseResult is the storefront's answer to InitiatePurchase.
// Envelope is set only for OutcomePurchased.
type RawPurchaseResult struct {
	Outcome  PurchaseOutcome `json:"outcome"`
	Envelope *SignedEnvelope `json:"envelope,omitempty"`
}

// Feed is a long-lived subscription to the storefront's continuous
// transaction stream. Next blocks until an envelope arrives, the context is
// cancelled, or the feed fails.
type Feed interface {
	Next(ctx context.Context) (SignedEnvelope, error)
	Close() error
}

// Client is everything the entitlement engine consumes from the storefront.
type Client interface {
	// FetchCatalog resolves product definitions for the requested ids.
	FetchCatalog(ctx context.Context, ids []string) ([]entitlement.ProductDefinition, error)

	// InitiatePurchase runs one purchase round-trip for the product.
	InitiatePurchase(ctx context.Context, productID string) (RawPurchaseResult, error)

	// CurrentLiveEntitlements returns the storefront's current view of what
	// is valid right now, as signed envelopes.
	CurrentLiveEntitlements(ctx context.Context) ([]SignedEnvelope, error)

	// TransactionFeed opens the continuous transaction stream.
	TransactionFeed(ctx context.Context) (Feed, error)

	// Sync asks the storefront for a full server-side re-sync; refreshed
	// records are redelivered through the feed and the live view.
	Sync(ctx context.Context) error

	// Acknowledge marks a transaction as durably consumed so the storefront
	// stops redelivering it.
	Acknowledge(ctx context.Context, transactionID string) error
}
