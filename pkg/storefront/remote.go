package storefront

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/storesync/entitlements/pkg/entitlement"
)

const (
	defaultTimeout = 10 * time.Second

	apiKeyHeader = "X-Storefront-Key"
)

// RemoteClient talks to a storefront service over HTTP, with the transaction
// feed carried over a WebSocket at /v1/feed.
type RemoteClient struct {
	http    *resty.Client
	baseURL string
	apiKey  string
}

// RemoteOption customizes a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) RemoteOption {
	return func(c *RemoteClient) {
		c.http.SetTimeout(d)
	}
}

// NewRemoteClient creates a client for the storefront at baseURL.
// The api key is sent on every request, including the feed handshake.
func NewRemoteClient(baseURL, apiKey string, opts ...RemoteOption) *RemoteClient {
	c := &RemoteClient{
		http:    resty.New().SetTimeout(defaultTimeout).SetBaseURL(baseURL),
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
	c.http.SetHeader(apiKeyHeader, apiKey)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type catalogResponse struct {
	Products []entitlement.ProductDefinition `json:"products"`
}

// FetchCatalog resolves product definitions for the requested ids.
func (c *RemoteClient) FetchCatalog(ctx context.Context, ids []string) ([]entitlement.ProductDefinition, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("ids", strings.Join(ids, ",")).
		SetResult(&catalogResponse{}).
		Get("/v1/catalog")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlement.ErrCatalogUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: catalog returned %d", entitlement.ErrCatalogUnavailable, resp.StatusCode())
	}
	return resp.Result().(*catalogResponse).Products, nil
}

type purchaseRequest struct {
	ProductID string `json:"product_id"`
}

// InitiatePurchase runs one purchase round-trip.
func (c *RemoteClient) InitiatePurchase(ctx context.Context, productID string) (RawPurchaseResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(purchaseRequest{ProductID: productID}).
		SetResult(&RawPurchaseResult{}).
		Post("/v1/purchase")
	if err != nil {
		return RawPurchaseResult{}, fmt.Errorf("initiate purchase: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return RawPurchaseResult{}, fmt.Errorf("initiate purchase: storefront returned %d", resp.StatusCode())
	}
	return *resp.Result().(*RawPurchaseResult), nil
}

type entitlementsResponse struct {
	Envelopes []SignedEnvelope `json:"envelopes"`
}

// CurrentLiveEntitlements returns the storefront's currently-valid view.
func (c *RemoteClient) CurrentLiveEntitlements(ctx context.Context) ([]SignedEnvelope, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&entitlementsResponse{}).
		Get("/v1/entitlements")
	if err != nil {
		return nil, fmt.Errorf("fetch live entitlements: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch live entitlements: storefront returned %d", resp.StatusCode())
	}
	return resp.Result().(*entitlementsResponse).Envelopes, nil
}

// TransactionFeed opens the WebSocket feed.
func (c *RemoteClient) TransactionFeed(ctx context.Context) (Feed, error) {
	return dialFeed(ctx, c.feedURL(), c.apiKey)
}

// Sync requests a full server-side re-sync.
func (c *RemoteClient) Sync(ctx context.Context) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/v1/sync")
	if err != nil {
		return fmt.Errorf("%w: %v", entitlement.ErrSyncFailed, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusAccepted {
		return fmt.Errorf("%w: storefront returned %d", entitlement.ErrSyncFailed, resp.StatusCode())
	}
	return nil
}

// Acknowledge marks the transaction as durably consumed.
func (c *RemoteClient) Acknowledge(ctx context.Context, transactionID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/v1/ack/" + url.PathEscape(transactionID))
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", transactionID, err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusNoContent {
		return fmt.Errorf("acknowledge %s: storefront returned %d", transactionID, resp.StatusCode())
	}
	log.Debug().Str("transactionId", transactionID).Msg("acknowledged transaction")
	return nil
}

func (c *RemoteClient) feedURL() string {
	u := c.baseURL + "/v1/feed"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
