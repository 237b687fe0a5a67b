package entitlement

import (
	"sort"
	"time"
)

// Reconcile computes the entitlement state for every product in the catalog
// from the full transaction history, the storefront's live-entitlement view,
// and the current time. It is a pure function: the same inputs and the same
// now always produce an identical map, and it never fails. Records that are
// unverified, revoked, or reference unknown products are skipped, not
// rejected.
func Reconcile(products map[string]ProductDefinition, records, live []TransactionRecord, now time.Time, cfg ReconcileConfig) map[string]EntitlementState {
	cfg = cfg.withDefaults()

	states := make(map[string]EntitlementState, len(products))
	for id, product := range products {
		if !product.Kind.Valid() {
			continue
		}
		states[id] = reconcileProduct(product, records, live, now, cfg)
	}
	return states
}

func reconcileProduct(product ProductDefinition, records, live []TransactionRecord, now time.Time, cfg ReconcileConfig) EntitlementState {
	switch product.Kind {
	case KindConsumable:
		return reconcileConsumable(product.ID, records)
	case KindNonConsumable:
		return reconcileNonConsumable(product.ID, live)
	case KindNonRenewingSubscription:
		return reconcileNonRenewing(product.ID, records, now, cfg)
	case KindAutoRenewingSubscription:
		return reconcileAutoRenewing(product.ID, live, now)
	}
	return EntitlementState{}
}

// entitling reports whether the record can contribute to an entitlement for
// the given product: it must match, be signature-verified, and not revoked.
func entitling(r TransactionRecord, productID string) bool {
	return r.ProductID == productID && r.Verified && !r.Revoked()
}

// reconcileConsumable marks a consumable entitled once any verified,
// un-revoked purchase exists in the history. The flag means "was purchased
// at least once"; repeat purchases stay allowed regardless. Consumption
// tracking is delegated to an external ledger, so the flag is deliberately
// never cleared by use.
func reconcileConsumable(productID string, records []TransactionRecord) EntitlementState {
	var state EntitlementState
	for _, r := range records {
		if !entitling(r, productID) {
			continue
		}
		state.IsEntitled = true
		if ts := r.PurchaseDate.Unix(); ts > state.LastPurchaseTimestamp {
			state.LastPurchaseTimestamp = ts
		}
	}
	return state
}

// reconcileNonConsumable trusts the storefront's live view: owned iff the
// product appears there un-revoked.
func reconcileNonConsumable(productID string, live []TransactionRecord) EntitlementState {
	var state EntitlementState
	for _, r := range live {
		if !entitling(r, productID) {
			continue
		}
		state.IsEntitled = true
		if ts := r.PurchaseDate.Unix(); ts > state.LastPurchaseTimestamp {
			state.LastPurchaseTimestamp = ts
		}
	}
	return state
}

// reconcileNonRenewing selects the most recent purchase and applies its
// expiration, synthesizing one from the configured validity window when the
// storefront omitted it.
func reconcileNonRenewing(productID string, records []TransactionRecord, now time.Time, cfg ReconcileConfig) EntitlementState {
	var (
		latest TransactionRecord
		found  bool
	)
	for _, r := range records {
		if !entitling(r, productID) {
			continue
		}
		if !found || r.PurchaseDate.After(latest.PurchaseDate) {
			latest = r
			found = true
		}
	}
	if !found {
		return EntitlementState{}
	}

	expiration := latest.PurchaseDate.Add(cfg.NonRenewingValidityWindow)
	if latest.ExpirationDate != nil {
		expiration = *latest.ExpirationDate
	}
	return EntitlementState{
		IsEntitled:            now.Before(expiration),
		LastPurchaseTimestamp: latest.PurchaseDate.Unix(),
		ExpirationTimestamp:   expiration.Unix(),
	}
}

// reconcileAutoRenewing is entitled while the product is present in the live
// view and not past its expiration. Timestamps are the max observed across
// all matching live records, so an in-flight renewal extends rather than
// resets the window.
func reconcileAutoRenewing(productID string, live []TransactionRecord, now time.Time) EntitlementState {
	var state EntitlementState
	for _, r := range live {
		if !entitling(r, productID) {
			continue
		}
		if r.ExpirationDate == nil || now.Before(*r.ExpirationDate) {
			state.IsEntitled = true
		}
		if ts := r.PurchaseDate.Unix(); ts > state.LastPurchaseTimestamp {
			state.LastPurchaseTimestamp = ts
		}
		if r.ExpirationDate != nil {
			if ts := r.ExpirationDate.Unix(); ts > state.ExpirationTimestamp {
				state.ExpirationTimestamp = ts
			}
		}
	}
	return state
}

// Change records one product whose entitlement flag flipped between two
// reconciliation runs.
type Change struct {
	ProductID string
	Old       bool
	New       bool
}

// DiffStates returns the entitlement flips between two runs, ordered by
// product id so event emission is deterministic. A product absent from the
// previous run counts as previously not entitled.
func DiffStates(previous, current map[string]EntitlementState) []Change {
	var changes []Change
	for id, state := range current {
		old := previous[id].IsEntitled
		if state.IsEntitled != old {
			changes = append(changes, Change{ProductID: id, Old: old, New: state.IsEntitled})
		}
	}
	// Products that vanished from the catalog lose their entitlement.
	for id, state := range previous {
		if _, ok := current[id]; !ok && state.IsEntitled {
			changes = append(changes, Change{ProductID: id, Old: true, New: false})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].ProductID < changes[j].ProductID })
	return changes
}
