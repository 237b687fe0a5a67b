// Package events defines the lifecycle event union delivered to external
// observers and the broadcast bus that carries it. Delivery never blocks
// core logic: each subscriber has a bounded queue and the oldest buffered
// event is dropped when a slow consumer falls behind.
package events

import (
	"time"

	"github.com/storesync/entitlements/pkg/entitlement"
)

// Type discriminates the event union.
type Type string

const (
	TypeCatalogLoadStarted   Type = "catalog.load.started"
	TypeCatalogLoadSucceeded Type = "catalog.load.succeeded"
	TypeCatalogLoadFailed    Type = "catalog.load.failed"

	TypePurchaseStarted   Type = "purchase.started"
	TypePurchaseSuccess   Type = "purchase.success"
	TypePurchaseFailed    Type = "purchase.failed"
	TypePurchaseCancelled Type = "purchase.cancelled"
	TypePurchasePending   Type = "purchase.pending"

	TypeRestoreStarted Type = "restore.started"
	TypeRestoreSuccess Type = "restore.success"
	TypeRestoreFailed  Type = "restore.failed"

	TypeTransactionReceived           Type = "transaction.received"
	TypeTransactionVerified           Type = "transaction.verified"
	TypeTransactionVerificationFailed Type = "transaction.verification_failed"

	TypeEntitlementsRefreshed Type = "entitlements.refreshed"
	TypeEntitlementChanged    Type = "entitlements.changed"
)

// Event is one lifecycle notification. Only the fields relevant to the Type
// are populated; States is a copy the observer may retain.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// ProductID and TransactionID identify the subject for purchase and
	// transaction events. For verification failures they carry whatever
	// claimed metadata was recoverable from the rejected envelope.
	ProductID     string `json:"product_id,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`

	// Count is the number of products for TypeCatalogLoadSucceeded.
	Count int `json:"count,omitempty"`

	// Err is the failure description for *Failed events.
	Err string `json:"error,omitempty"`

	// States is the full snapshot for TypeEntitlementsRefreshed.
	States map[string]entitlement.EntitlementState `json:"states,omitempty"`

	// Old and New are the flipped entitlement flags for TypeEntitlementChanged.
	Old bool `json:"old,omitempty"`
	New bool `json:"new,omitempty"`
}
