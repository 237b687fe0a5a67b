package storefront

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/storesync/entitlements/internal/verify"
	"github.com/storesync/entitlements/pkg/entitlement"
)

// FakeClient is an in-memory storefront for tests and examples. It mints
// genuinely signed envelopes with its own Ed25519 key, so the full verify
// path runs against it unchanged.
type FakeClient struct {
	mu sync.Mutex

	signKey  ed25519.PrivateKey
	products map[string]entitlement.ProductDefinition

	// scripted per-product purchase results, consumed in order; when empty
	// a purchase succeeds with a freshly minted envelope.
	scripted map[string][]RawPurchaseResult

	live      []SignedEnvelope
	feedCh    chan SignedEnvelope
	acked     []string
	syncCalls int

	catalogErr  error
	purchaseErr error
	syncErr     error

	// purchaseHook, when set, runs at the start of InitiatePurchase so
	// tests can hold a purchase in flight.
	purchaseHook func(productID string)
}

// NewFakeClient creates a fake storefront signing with key.
func NewFakeClient(key ed25519.PrivateKey) *FakeClient {
	return &FakeClient{
		signKey:  key,
		products: make(map[string]entitlement.ProductDefinition),
		scripted: make(map[string][]RawPurchaseResult),
		feedCh:   make(chan SignedEnvelope, 64),
	}
}

// AddProduct registers a product definition in the fake catalog.
func (f *FakeClient) AddProduct(def entitlement.ProductDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.products[def.ID] = def
}

// ScriptPurchase queues a purchase result for the product; results are
// consumed first-in first-out.
func (f *FakeClient) ScriptPurchase(productID string, result RawPurchaseResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripted[productID] = append(f.scripted[productID], result)
}

// MintEnvelope signs an envelope for the given claims.
func (f *FakeClient) MintEnvelope(claims verify.Claims) SignedEnvelope {
	token, err := verify.Sign(f.signKey, claims)
	if err != nil {
		panic(fmt.Sprintf("fake storefront: sign envelope: %v", err))
	}
	return SignedEnvelope{Token: token}
}

// MintPurchase signs a fresh purchase envelope for the product with a new
// transaction id and returns it together with that id.
func (f *FakeClient) MintPurchase(productID string, purchased time.Time) (SignedEnvelope, string) {
	id := ulid.Make().String()
	env := f.MintEnvelope(verify.Claims{
		TransactionID: id,
		ProductID:     productID,
		PurchaseDate:  purchased.Unix(),
	})
	return env, id
}

// SetLive replaces the live-entitlement view.
func (f *FakeClient) SetLive(envelopes ...SignedEnvelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = append([]SignedEnvelope(nil), envelopes...)
}

// PushFeed delivers an envelope on the transaction feed.
func (f *FakeClient) PushFeed(env SignedEnvelope) {
	f.feedCh <- env
}

// Acknowledged returns the transaction ids acknowledged so far.
func (f *FakeClient) Acknowledged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

// SyncCalls returns how many times Sync was invoked.
func (f *FakeClient) SyncCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncCalls
}

// FailCatalog makes FetchCatalog fail with err until reset with nil.
func (f *FakeClient) FailCatalog(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogErr = err
}

// FailPurchase makes InitiatePurchase fail with err until reset with nil.
func (f *FakeClient) FailPurchase(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseErr = err
}

// FailSync makes Sync fail with err until reset with nil.
func (f *FakeClient) FailSync(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncErr = err
}

// FetchCatalog implements Client.
func (f *FakeClient) FetchCatalog(_ context.Context, ids []string) ([]entitlement.ProductDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	defs := make([]entitlement.ProductDefinition, 0, len(ids))
	for _, id := range ids {
		if def, ok := f.products[id]; ok {
			defs = append(defs, def)
		}
	}
	return defs, nil
}

// OnPurchase installs a hook invoked at the start of every purchase.
func (f *FakeClient) OnPurchase(hook func(productID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchaseHook = hook
}

// InitiatePurchase implements Client.
func (f *FakeClient) InitiatePurchase(_ context.Context, productID string) (RawPurchaseResult, error) {
	f.mu.Lock()
	hook := f.purchaseHook
	f.mu.Unlock()
	if hook != nil {
		hook(productID)
	}

	f.mu.Lock()
	if f.purchaseErr != nil {
		err := f.purchaseErr
		f.mu.Unlock()
		return RawPurchaseResult{}, err
	}
	if queue := f.scripted[productID]; len(queue) > 0 {
		result := queue[0]
		f.scripted[productID] = queue[1:]
		f.mu.Unlock()
		return result, nil
	}
	f.mu.Unlock()

	env, _ := f.MintPurchase(productID, time.Now())
	return RawPurchaseResult{Outcome: OutcomePurchased, Envelope: &env}, nil
}

// CurrentLiveEntitlements implements Client.
func (f *FakeClient) CurrentLiveEntitlements(context.Context) ([]SignedEnvelope, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SignedEnvelope(nil), f.live...), nil
}

// TransactionFeed implements Client.
func (f *FakeClient) TransactionFeed(context.Context) (Feed, error) {
	return &chanFeed{ch: f.feedCh}, nil
}

// Sync implements Client.
func (f *FakeClient) Sync(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	return f.syncErr
}

// Acknowledge implements Client.
func (f *FakeClient) Acknowledge(_ context.Context, transactionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, transactionID)
	return nil
}

// chanFeed adapts a channel to the Feed interface.
type chanFeed struct {
	ch     chan SignedEnvelope
	closed sync.Once
	done   chan struct{}
	init   sync.Once
}

func (c *chanFeed) doneCh() chan struct{} {
	c.init.Do(func() { c.done = make(chan struct{}) })
	return c.done
}

func (c *chanFeed) Next(ctx context.Context) (SignedEnvelope, error) {
	select {
	case env := <-c.ch:
		return env, nil
	case <-c.doneCh():
		return SignedEnvelope{}, ErrFeedClosed
	case <-ctx.Done():
		return SignedEnvelope{}, ctx.Err()
	}
}

func (c *chanFeed) Close() error {
	c.closed.Do(func() { close(c.doneCh()) })
	return nil
}
