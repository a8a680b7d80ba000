package playstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	androidpublisher "google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// Subscription states the Play Developer API reports on a SubscriptionPurchaseV2.
const (
	SubscriptionStateActive        = "SUBSCRIPTION_STATE_ACTIVE"
	SubscriptionStateInGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
)

// One-time product purchase states.
const (
	PurchaseStatePurchased = 0
	PurchaseStateCanceled  = 1
	PurchaseStatePending   = 2
)

// ClientConfig holds Play Developer API credentials.
type ClientConfig struct {
	PackageName        string
	ServiceAccountJSON []byte
	Timeout            time.Duration
}

// Client wraps the androidpublisher service for purchase lookups.
type Client struct {
	pkg     string
	svc     *androidpublisher.Service
	timeout time.Duration
}

// NewClient creates a Play Developer API client from a service account.
func NewClient(ctx context.Context, cfg ClientConfig) (*Client, error) {
	pkg := strings.TrimSpace(cfg.PackageName)
	if pkg == "" {
		return nil, errors.New("playstore: package name is required")
	}
	if len(cfg.ServiceAccountJSON) == 0 {
		return nil, errors.New("playstore: service account JSON is required")
	}

	svc, err := androidpublisher.NewService(ctx,
		option.WithCredentialsJSON(cfg.ServiceAccountJSON),
		option.WithScopes(androidpublisher.AndroidpublisherScope),
	)
	if err != nil {
		return nil, fmt.Errorf("androidpublisher.NewService: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{pkg: pkg, svc: svc, timeout: timeout}, nil
}

// SubscriptionPurchase is a normalized subscriptionsv2 lookup result.
type SubscriptionPurchase struct {
	State       string
	ProductID   string
	OrderID     string
	ExpiryTime  *time.Time
	LinkedToken string
	Raw         json.RawMessage
}

// Active reports whether the resource carries an explicitly active state.
// Grace period still retains access.
func (p *SubscriptionPurchase) Active() bool {
	return p.State == SubscriptionStateActive || p.State == SubscriptionStateInGracePeriod
}

// GetSubscription looks up a purchase token with subscription semantics.
func (c *Client) GetSubscription(ctx context.Context, token string) (*SubscriptionPurchase, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("purchase token is required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.svc.Purchases.Subscriptionsv2.Get(c.pkg, token).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("google subscriptionsv2.get: %w", err)
	}

	raw, _ := json.Marshal(resp)
	p := &SubscriptionPurchase{
		State:       resp.SubscriptionState,
		OrderID:     resp.LatestOrderId,
		LinkedToken: resp.LinkedPurchaseToken,
		Raw:         raw,
	}
	for _, item := range resp.LineItems {
		if item == nil {
			continue
		}
		p.ProductID = item.ProductId
		if item.ExpiryTime != "" {
			if t, perr := time.Parse(time.RFC3339, item.ExpiryTime); perr == nil {
				utc := t.UTC()
				p.ExpiryTime = &utc
			}
		}
	}

	return p, nil
}

// ProductPurchase is a normalized one-time-purchase lookup result.
type ProductPurchase struct {
	PurchaseState    int64
	ConsumptionState int64
	Acknowledged     bool
	OrderID          string
	Raw              json.RawMessage
}

// Purchased reports whether the one-time product is in the purchased state.
func (p *ProductPurchase) Purchased() bool {
	return p.PurchaseState == PurchaseStatePurchased
}

// GetProduct looks up a purchase token with one-time-purchase semantics.
func (c *Client) GetProduct(ctx context.Context, productID, token string) (*ProductPurchase, error) {
	productID = strings.TrimSpace(productID)
	token = strings.TrimSpace(token)
	if productID == "" || token == "" {
		return nil, errors.New("product id and purchase token are required")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.svc.Purchases.Products.Get(c.pkg, productID, token).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("google products.get: %w", err)
	}

	raw, _ := json.Marshal(resp)
	return &ProductPurchase{
		PurchaseState:    resp.PurchaseState,
		ConsumptionState: resp.ConsumptionState,
		Acknowledged:     resp.AcknowledgementState == 1,
		OrderID:          resp.OrderId,
		Raw:              raw,
	}, nil
}

// PackageName returns the configured application package.
func (c *Client) PackageName() string {
	return c.pkg
}
