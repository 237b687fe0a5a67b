package entitlement

import (
	"reflect"
	"testing"
	"time"
)

var (
	t0     = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	window = 30 * 24 * time.Hour
)

func day(n int) time.Time { return t0.Add(time.Duration(n) * 24 * time.Hour) }

func record(id, productID string, purchased time.Time) TransactionRecord {
	return TransactionRecord{
		ID:           id,
		OriginalID:   id,
		ProductID:    productID,
		PurchaseDate: purchased,
		Verified:     true,
	}
}

func revoked(r TransactionRecord, at time.Time) TransactionRecord {
	r.RevocationDate = &at
	return r
}

func expiring(r TransactionRecord, at time.Time) TransactionRecord {
	r.ExpirationDate = &at
	return r
}

func catalog(defs ...ProductDefinition) map[string]ProductDefinition {
	m := make(map[string]ProductDefinition, len(defs))
	for _, d := range defs {
		m[d.ID] = d
	}
	return m
}

func TestReconcile_NoRecordsMeansNotEntitled(t *testing.T) {
	products := catalog(ProductDefinition{ID: "p1", Kind: KindNonConsumable})

	states := Reconcile(products, nil, nil, t0, ReconcileConfig{})

	state, ok := states["p1"]
	if !ok {
		t.Fatal("expected a state for p1")
	}
	if state.IsEntitled {
		t.Error("p1 should not be entitled with no records")
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	products := catalog(
		ProductDefinition{ID: "coins", Kind: KindConsumable},
		ProductDefinition{ID: "unlock", Kind: KindNonConsumable},
		ProductDefinition{ID: "pass", Kind: KindNonRenewingSubscription},
		ProductDefinition{ID: "plus", Kind: KindAutoRenewingSubscription},
	)
	records := []TransactionRecord{
		record("t1", "coins", day(0)),
		record("t2", "pass", day(1)),
	}
	live := []TransactionRecord{
		record("t3", "unlock", day(0)),
		expiring(record("t4", "plus", day(2)), day(32)),
	}
	cfg := ReconcileConfig{NonRenewingValidityWindow: window}
	now := day(5)

	first := Reconcile(products, records, live, now, cfg)
	for i := 0; i < 10; i++ {
		again := Reconcile(products, records, live, now, cfg)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differed: %+v vs %+v", i, first, again)
		}
	}
}

func TestReconcile_Consumable(t *testing.T) {
	products := catalog(ProductDefinition{ID: "coins", Kind: KindConsumable})

	tests := []struct {
		name    string
		records []TransactionRecord
		now     time.Time
		want    bool
	}{
		{
			name: "never_purchased",
			now:  t0,
			want: false,
		},
		{
			name:    "purchased_once",
			records: []TransactionRecord{record("t1", "coins", t0)},
			now:     t0,
			want:    true,
		},
		{
			name:    "stays_entitled_years_later",
			records: []TransactionRecord{record("t1", "coins", t0)},
			now:     day(1000),
			want:    true,
		},
		{
			name: "unverified_record_ignored",
			records: []TransactionRecord{{
				ID: "t1", OriginalID: "t1", ProductID: "coins", PurchaseDate: t0,
			}},
			now:  t0,
			want: false,
		},
		{
			name:    "revoked_record_ignored",
			records: []TransactionRecord{revoked(record("t1", "coins", t0), day(1))},
			now:     day(2),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := Reconcile(products, tt.records, nil, tt.now, ReconcileConfig{})
			if got := states["coins"].IsEntitled; got != tt.want {
				t.Errorf("IsEntitled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcile_NonConsumableFollowsLiveView(t *testing.T) {
	products := catalog(ProductDefinition{ID: "unlock", Kind: KindNonConsumable})
	purchase := record("t1", "unlock", t0)

	// A historical record alone is not enough; the live view decides.
	states := Reconcile(products, []TransactionRecord{purchase}, nil, day(1), ReconcileConfig{})
	if states["unlock"].IsEntitled {
		t.Error("historical record without live entry should not entitle")
	}

	states = Reconcile(products, []TransactionRecord{purchase}, []TransactionRecord{purchase}, day(1), ReconcileConfig{})
	if !states["unlock"].IsEntitled {
		t.Error("live entry should entitle")
	}

	// Revocation arriving in the live view wins over the earlier purchase.
	states = Reconcile(products,
		[]TransactionRecord{purchase},
		[]TransactionRecord{revoked(purchase, day(2))},
		day(3), ReconcileConfig{})
	if states["unlock"].IsEntitled {
		t.Error("revoked live entry must not entitle")
	}
}

func TestReconcile_NonRenewingExpiryBoundary(t *testing.T) {
	products := catalog(ProductDefinition{ID: "pass", Kind: KindNonRenewingSubscription})
	records := []TransactionRecord{record("t1", "pass", t0)}
	cfg := ReconcileConfig{NonRenewingValidityWindow: window}

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"day_29_entitled", day(29), true},
		{"day_31_expired", day(31), false},
		{"day_40_expired", day(40), false},
		{"instant_of_purchase", t0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := Reconcile(products, records, nil, tt.now, cfg)
			if got := states["pass"].IsEntitled; got != tt.want {
				t.Errorf("at %s: IsEntitled = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestReconcile_NonRenewingUsesLatestPurchase(t *testing.T) {
	products := catalog(ProductDefinition{ID: "pass", Kind: KindNonRenewingSubscription})
	records := []TransactionRecord{
		record("t1", "pass", t0),
		record("t2", "pass", day(35)),
	}
	cfg := ReconcileConfig{NonRenewingValidityWindow: window}

	states := Reconcile(products, records, nil, day(40), cfg)
	state := states["pass"]
	if !state.IsEntitled {
		t.Error("renewal at day 35 should cover day 40")
	}
	if state.LastPurchaseTimestamp != day(35).Unix() {
		t.Errorf("LastPurchaseTimestamp = %d, want %d", state.LastPurchaseTimestamp, day(35).Unix())
	}
	if state.ExpirationTimestamp != day(65).Unix() {
		t.Errorf("ExpirationTimestamp = %d, want %d", state.ExpirationTimestamp, day(65).Unix())
	}
}

func TestReconcile_NonRenewingExplicitExpirationWins(t *testing.T) {
	products := catalog(ProductDefinition{ID: "pass", Kind: KindNonRenewingSubscription})
	records := []TransactionRecord{expiring(record("t1", "pass", t0), day(7))}
	cfg := ReconcileConfig{NonRenewingValidityWindow: window}

	states := Reconcile(products, records, nil, day(10), cfg)
	if states["pass"].IsEntitled {
		t.Error("storefront-provided expiration at day 7 must override the 30d window")
	}
}

func TestReconcile_NonRenewingDefaultWindow(t *testing.T) {
	products := catalog(ProductDefinition{ID: "pass", Kind: KindNonRenewingSubscription})
	records := []TransactionRecord{record("t1", "pass", t0)}

	// Zero config falls back to the explicit 30-day default.
	states := Reconcile(products, records, nil, day(29), ReconcileConfig{})
	if !states["pass"].IsEntitled {
		t.Error("default window should cover day 29")
	}
	states = Reconcile(products, records, nil, day(31), ReconcileConfig{})
	if states["pass"].IsEntitled {
		t.Error("default window should not cover day 31")
	}
}

func TestReconcile_AutoRenewing(t *testing.T) {
	products := catalog(ProductDefinition{ID: "plus", Kind: KindAutoRenewingSubscription})

	tests := []struct {
		name string
		live []TransactionRecord
		now  time.Time
		want bool
	}{
		{
			name: "absent_from_live",
			now:  t0,
			want: false,
		},
		{
			name: "live_without_expiration",
			live: []TransactionRecord{record("t1", "plus", t0)},
			now:  day(500),
			want: true,
		},
		{
			name: "live_before_expiration",
			live: []TransactionRecord{expiring(record("t1", "plus", t0), day(30))},
			now:  day(10),
			want: true,
		},
		{
			name: "live_past_expiration",
			live: []TransactionRecord{expiring(record("t1", "plus", t0), day(30))},
			now:  day(31),
			want: false,
		},
		{
			name: "revoked_live_entry",
			live: []TransactionRecord{revoked(record("t1", "plus", t0), day(1))},
			now:  day(2),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			states := Reconcile(products, nil, tt.live, tt.now, ReconcileConfig{})
			if got := states["plus"].IsEntitled; got != tt.want {
				t.Errorf("IsEntitled = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcile_AutoRenewingMaxTimestamps(t *testing.T) {
	products := catalog(ProductDefinition{ID: "plus", Kind: KindAutoRenewingSubscription})
	live := []TransactionRecord{
		expiring(record("t1", "plus", t0), day(30)),
		expiring(record("t2", "plus", day(30)), day(60)),
	}

	states := Reconcile(products, nil, live, day(15), ReconcileConfig{})
	state := states["plus"]
	if state.LastPurchaseTimestamp != day(30).Unix() {
		t.Errorf("LastPurchaseTimestamp = %d, want %d", state.LastPurchaseTimestamp, day(30).Unix())
	}
	if state.ExpirationTimestamp != day(60).Unix() {
		t.Errorf("ExpirationTimestamp = %d, want %d", state.ExpirationTimestamp, day(60).Unix())
	}
}

func TestReconcile_UnknownProductRecordsAreSkipped(t *testing.T) {
	products := catalog(ProductDefinition{ID: "coins", Kind: KindConsumable})
	records := []TransactionRecord{
		record("t1", "coins", t0),
		record("t2", "removed-from-catalog", t0),
		{ID: "t3"}, // malformed: no product at all
	}

	states := Reconcile(products, records, nil, day(1), ReconcileConfig{})
	if len(states) != 1 {
		t.Fatalf("expected 1 state, got %d", len(states))
	}
	if !states["coins"].IsEntitled {
		t.Error("known product should still reconcile")
	}
}

func TestDiffStates(t *testing.T) {
	previous := map[string]EntitlementState{
		"a": {IsEntitled: false},
		"b": {IsEntitled: true},
		"gone": {IsEntitled: true},
	}
	current := map[string]EntitlementState{
		"a": {IsEntitled: true},
		"b": {IsEntitled: true},
		"c": {IsEntitled: true},
	}

	changes := DiffStates(previous, current)

	want := []Change{
		{ProductID: "a", Old: false, New: true},
		{ProductID: "c", Old: false, New: true},
		{ProductID: "gone", Old: true, New: false},
	}
	if !reflect.DeepEqual(changes, want) {
		t.Errorf("DiffStates = %+v, want %+v", changes, want)
	}
}
