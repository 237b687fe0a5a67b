// Package engine wires the catalog loader, verifier, ledger, reconciler,
// and event bus into one explicitly constructed entitlement engine. The
// engine is the single serialization owner for the transaction record set,
// the derived entitlement snapshot, and the in-flight purchase session: all
// mutation goes through its mutex, readers get consistent copies.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/storesync/entitlements/internal/catalog"
	"github.com/storesync/entitlements/internal/ledger"
	"github.com/storesync/entitlements/internal/telemetry"
	"github.com/storesync/entitlements/internal/verify"
	"github.com/storesync/entitlements/pkg/config"
	"github.com/storesync/entitlements/pkg/entitlement"
	"github.com/storesync/entitlements/pkg/events"
	"github.com/storesync/entitlements/pkg/storefront"
)

// Engine reconciles storefront transactions into queryable entitlement
// state and orchestrates purchase, restore, and the transaction feed.
type Engine struct {
	cfg      config.Config
	client   storefront.Client
	verifier *verify.Verifier
	loader   *catalog.Loader
	bus      *events.Bus
	store    *ledger.Store
	metrics  *telemetry.Metrics

	// purchaseGate is the system-wide single-flight guard: one purchase
	// session at a time, acquired fail-fast.
	purchaseGate *semaphore.Weighted

	runCtx context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu         sync.RWMutex
	configured bool
	products   map[string]entitlement.ProductDefinition
	records    map[string]entitlement.TransactionRecord
	live       map[string]entitlement.TransactionRecord
	states     map[string]entitlement.EntitlementState
	session    *PurchaseSession
}

// New constructs an engine from explicit configuration and a storefront
// client. When cfg.LedgerPath is set, previously persisted records are
// loaded so restarts pick up where the last acknowledgment left off; with
// an empty path the record set is memory-only.
func New(cfg config.Config, client storefront.Client) (*Engine, error) {
	bus := events.NewBus(cfg.EventBufferSize)

	e := &Engine{
		cfg:          cfg,
		client:       client,
		verifier:     verify.New(cfg.PublicKey),
		bus:          bus,
		metrics:      telemetry.Get(),
		purchaseGate: semaphore.NewWeighted(1),
		products:     make(map[string]entitlement.ProductDefinition),
		records:      make(map[string]entitlement.TransactionRecord),
		live:         make(map[string]entitlement.TransactionRecord),
		states:       make(map[string]entitlement.EntitlementState),
	}
	e.loader = catalog.NewLoader(client, bus)
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.group, _ = errgroup.WithContext(e.runCtx)

	if cfg.LedgerPath != "" {
		store, err := ledger.Open(cfg.LedgerPath)
		if err != nil {
			return nil, err
		}
		persisted, err := store.All()
		if err != nil {
			store.Close()
			return nil, err
		}
		for _, r := range persisted {
			e.records[r.ID] = r
			e.foldLiveLocked(r)
		}
		e.store = store
		log.Info().Int("records", len(persisted)).Msg("transaction ledger restored")
	}

	log.Info().
		Strs("productIds", cfg.ProductIDs).
		Dur("nonRenewingWindow", cfg.ReconcileConfig().NonRenewingValidityWindow).
		Msg("entitlement engine created")
	return e, nil
}

// Subscribe registers an observer on the lifecycle event stream.
func (e *Engine) Subscribe() (string, <-chan events.Event) {
	return e.bus.Subscribe()
}

// Unsubscribe removes an observer.
func (e *Engine) Unsubscribe(id string) {
	e.bus.Unsubscribe(id)
}

// LoadCatalog fetches the configured product set. All-or-nothing: on any
// failure the previous catalog (if any) stays in effect.
func (e *Engine) LoadCatalog(ctx context.Context) error {
	products, err := e.loader.Load(ctx, e.cfg.ProductIDs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.products = products
	e.configured = true
	e.reconcileLocked(time.Now())
	e.mu.Unlock()
	return nil
}

// Refresh re-fetches the storefront's live-entitlement view and reconciles.
// Unlike Restore it does not request a server-side re-sync.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.refreshLive(ctx)
}

// ApplyConfig adopts a changed product set and validity window at runtime
// (config watcher callback), then reloads the catalog. Connection settings
// are fixed at construction and ignored here.
func (e *Engine) ApplyConfig(ctx context.Context, cfg config.Config) error {
	e.mu.Lock()
	e.cfg.ProductIDs = cfg.ProductIDs
	e.cfg.NonRenewingValidityWindow = cfg.NonRenewingValidityWindow
	e.mu.Unlock()

	log.Info().Strs("productIds", cfg.ProductIDs).Msg("applying updated configuration")
	return e.LoadCatalog(ctx)
}

// IsEntitled reports whether the user currently owns the product's benefit.
func (e *Engine) IsEntitled(productID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.states[productID].IsEntitled
}

// EntitlementState returns the derived state for the product, if known.
func (e *Engine) EntitlementState(productID string) (entitlement.EntitlementState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.states[productID]
	return state, ok
}

// Snapshot returns a copy of the full entitlement map.
func (e *Engine) Snapshot() map[string]entitlement.EntitlementState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return copyStates(e.states)
}

// Session returns the in-flight purchase session, if any.
func (e *Engine) Session() (PurchaseSession, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.session == nil {
		return PurchaseSession{}, false
	}
	return *e.session, true
}

// Close cancels the listener, waits for it to drain, and releases the
// ledger and event bus. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.cancel()
	err := e.group.Wait()
	if e.store != nil {
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.bus.Close()
	log.Info().Msg("entitlement engine closed")
	return err
}

// addRecord stores a verified record in the ledger and the in-memory set,
// reporting whether the record set changed. A duplicate id is a no-op
// unless the redelivery carries a revocation, which supersedes the stored
// record. Durability first: the in-memory set is only updated after the
// ledger write succeeds, so an acknowledgment can never outrun persistence.
func (e *Engine) addRecord(r entitlement.TransactionRecord) (bool, error) {
	if e.store != nil {
		if _, err := e.store.Append(r); err != nil {
			return false, fmt.Errorf("persist transaction: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, exists := e.records[r.ID]; exists {
		if !r.Revoked() || existing.Revoked() {
			return false, nil
		}
	}
	e.records[r.ID] = r
	e.foldLiveLocked(r)
	return true, nil
}

// foldLiveLocked merges a storefront-issued record into the live view. The
// live view is keyed by the original transaction id so renewals and
// revocations supersede the purchase that started their chain: a revocation
// always wins, otherwise the newer purchase does. Caller must hold e.mu.
func (e *Engine) foldLiveLocked(r entitlement.TransactionRecord) {
	key := r.OriginalID
	if key == "" {
		key = r.ID
	}
	existing, ok := e.live[key]
	if !ok || r.Revoked() || (!existing.Revoked() && r.PurchaseDate.After(existing.PurchaseDate)) {
		e.live[key] = r
	}
}

// refreshLive replaces the live-entitlement view from the storefront and
// reconciles. Envelopes that fail verification are reported and skipped;
// they never abort the refresh.
func (e *Engine) refreshLive(ctx context.Context) error {
	envelopes, err := e.client.CurrentLiveEntitlements(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", entitlement.ErrSyncFailed, err)
	}

	verified := make([]entitlement.TransactionRecord, 0, len(envelopes))
	for _, env := range envelopes {
		record, err := e.verifier.Verify(env.Token)
		if err != nil {
			productID, transactionID := verify.Claimed(env.Token)
			e.metrics.RecordVerificationFailure()
			e.bus.Publish(events.Event{
				Type:          events.TypeTransactionVerificationFailed,
				ProductID:     productID,
				TransactionID: transactionID,
				Err:           err.Error(),
			})
			log.Warn().Err(err).Str("productId", productID).Msg("live entitlement envelope rejected")
			continue
		}
		verified = append(verified, record)
	}

	// Live entitlements are transaction facts too; persist them so restore
	// repopulates a wiped ledger.
	for _, record := range verified {
		if e.store != nil {
			if _, err := e.store.Append(record); err != nil {
				return fmt.Errorf("persist transaction: %w", err)
			}
		}
	}

	e.mu.Lock()
	for _, record := range verified {
		if existing, exists := e.records[record.ID]; !exists || (record.Revoked() && !existing.Revoked()) {
			e.records[record.ID] = record
		}
	}
	// The live view is derived from the full record set, not just the
	// server's envelopes, so a locally completed purchase the server has
	// not surfaced yet keeps its entitlement across a restore.
	e.live = make(map[string]entitlement.TransactionRecord, len(e.records))
	for _, record := range e.records {
		e.foldLiveLocked(record)
	}
	e.reconcileLocked(time.Now())
	e.mu.Unlock()
	return nil
}

// reconcileLocked recomputes the entitlement snapshot and publishes the
// refresh plus any entitlement flips. Caller must hold e.mu. Publishing
// under the lock is safe because the bus never blocks.
func (e *Engine) reconcileLocked(now time.Time) {
	records := make([]entitlement.TransactionRecord, 0, len(e.records))
	for _, r := range e.records {
		records = append(records, r)
	}
	live := make([]entitlement.TransactionRecord, 0, len(e.live))
	for _, r := range e.live {
		live = append(live, r)
	}

	states := entitlement.Reconcile(e.products, records, live, now, e.cfg.ReconcileConfig())
	changes := entitlement.DiffStates(e.states, states)
	e.states = states
	e.metrics.RecordReconcile()

	e.bus.Publish(events.Event{Type: events.TypeEntitlementsRefreshed, States: copyStates(states)})
	for _, change := range changes {
		log.Info().
			Str("productId", change.ProductID).
			Bool("old", change.Old).
			Bool("new", change.New).
			Msg("entitlement changed")
		e.bus.Publish(events.Event{
			Type:      events.TypeEntitlementChanged,
			ProductID: change.ProductID,
			Old:       change.Old,
			New:       change.New,
		})
	}
}

// reconcile recomputes under the engine lock.
func (e *Engine) reconcile(now time.Time) {
	e.mu.Lock()
	e.reconcileLocked(now)
	e.mu.Unlock()
}

func copyStates(states map[string]entitlement.EntitlementState) map[string]entitlement.EntitlementState {
	out := make(map[string]entitlement.EntitlementState, len(states))
	for id, s := range states {
		out[id] = s
	}
	return out
}
