// Package entitlement holds the domain model and the pure reconciliation
// logic that turns verified transaction records into per-product
// entitlement state. Nothing in this package performs I/O; orchestration
// lives in pkg/engine.
package entitlement

import "time"

// ProductKind classifies a product's purchase semantics.
type ProductKind string

const (
	// KindConsumable can be purchased repeatedly (coins, boosts).
	KindConsumable ProductKind = "consumable"

	// KindNonConsumable is a one-time unlock owned for the life of the account.
	KindNonConsumable ProductKind = "non_consumable"

	// KindNonRenewingSubscription is a time-boxed purchase whose validity
	// window is synthesized client-side when the storefront omits it.
	KindNonRenewingSubscription ProductKind = "non_renewing_subscription"

	// KindAutoRenewingSubscription renews on the storefront's schedule and is
	// authoritative via the live-entitlements view.
	KindAutoRenewingSubscription ProductKind = "auto_renewing_subscription"
)

// Valid reports whether k is one of the known product kinds.
func (k ProductKind) Valid() bool {
	switch k {
	case KindConsumable, KindNonConsumable, KindNonRenewingSubscription, KindAutoRenewingSubscription:
		return true
	}
	return false
}

// ProductDefinition describes one purchasable product as served by the
// catalog service. Immutable once loaded.
type ProductDefinition struct {
	ID   string      `json:"id"`
	Kind ProductKind `json:"kind"`
}

// TransactionRecord is one immutable purchase/renewal fact. Records are
// append-only and deduplicated by ID; Verified is set only by the verifier.
type TransactionRecord struct {
	// ID uniquely identifies this transaction.
	ID string `json:"id"`

	// OriginalID links a renewal back to its root purchase. Equal to ID for
	// the root transaction itself.
	OriginalID string `json:"original_id"`

	// ProductID references a ProductDefinition. Unknown ids are skipped
	// during reconciliation, never treated as errors.
	ProductID string `json:"product_id"`

	// PurchaseDate is when the storefront recorded the purchase.
	PurchaseDate time.Time `json:"purchase_date"`

	// ExpirationDate is set by the storefront for subscription kinds.
	// Nil for everything else.
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`

	// RevocationDate, when set, means the transaction was refunded or
	// revoked and must never grant an entitlement.
	RevocationDate *time.Time `json:"revocation_date,omitempty"`

	// Verified is true once the record passed signature verification.
	Verified bool `json:"verified"`
}

// Revoked reports whether the record carries a revocation.
func (r TransactionRecord) Revoked() bool {
	return r.RevocationDate != nil
}

// EntitlementState is the derived per-product ownership view. It is a cache
// recomputed from scratch on every reconciliation, never mutated in place.
type EntitlementState struct {
	IsEntitled            bool  `json:"is_entitled"`
	LastPurchaseTimestamp int64 `json:"last_purchase_timestamp"`
	ExpirationTimestamp   int64 `json:"expiration_timestamp"`
}

// DefaultNonRenewingValidityWindow is used when ReconcileConfig leaves the
// window unset. The source systems hard-coded differing windows per variant,
// so the value here is deliberately explicit configuration, not policy.
const DefaultNonRenewingValidityWindow = 30 * 24 * time.Hour

// ReconcileConfig carries the tunable policy knobs for reconciliation.
type ReconcileConfig struct {
	// NonRenewingValidityWindow is the synthesized validity duration for
	// non-renewing subscriptions whose records lack an expiration date.
	NonRenewingValidityWindow time.Duration
}

// withDefaults returns a copy of c with zero fields filled in.
func (c ReconcileConfig) withDefaults() ReconcileConfig {
	if c.NonRenewingValidityWindow <= 0 {
		c.NonRenewingValidityWindow = DefaultNonRenewingValidityWindow
	}
	return c
}
