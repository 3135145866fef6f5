package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/types"
)

const requestTimeout = 10 * time.Second

// paymentStateReceived is the SubscriptionPurchase payment state meaning the
// payment cleared; purchaseStatePurchased is the ProductPurchase equivalent.
const (
	paymentStateReceived   = 1
	purchaseStatePurchased = 0
)

// Client talks to the Google Play Developer API with a service-account
// bearer token that it refreshes on demand.
type Client struct {
	packageName string
	clientEmail string
	privateKey  string
	tokenURL    string
	apiBaseURL  string
	httpCli     *http.Client
	now         func() time.Time

	mu   sync.Mutex
	cred *Credential
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		packageName: cfg.Google.PackageName,
		clientEmail: cfg.Google.ClientEmail,
		privateKey:  cfg.Google.PrivateKey,
		tokenURL:    cfg.Google.TokenURL,
		apiBaseURL:  strings.TrimRight(cfg.Google.APIBaseURL, "/"),
		httpCli:     &http.Client{Timeout: requestTimeout},
		now:         time.Now,
	}
}

// IsSubscriptionProduct reports whether a product id names a recurring
// subscription. The catalog's naming convention keys subscriptions with a
// "sub" fragment (e.g. com.mealmind.sub.premium.monthly).
func IsSubscriptionProduct(productID string) bool {
	return strings.Contains(strings.ToLower(productID), "sub")
}

// Verify looks up a purchase token with the publisher API, choosing the
// subscriptions or products endpoint by the product id naming convention.
func (c *Client) Verify(ctx context.Context, purchaseToken, productID string) (*authority.Verification, error) {
	if IsSubscriptionProduct(productID) {
		return c.verifySubscription(ctx, purchaseToken, productID)
	}
	return c.verifyProduct(ctx, purchaseToken, productID)
}

type subscriptionPurchase struct {
	PaymentState     *int   `json:"paymentState"`
	ExpiryTimeMillis string `json:"expiryTimeMillis"`
	OrderID          string `json:"orderId"`
}

func (c *Client) verifySubscription(ctx context.Context, purchaseToken, productID string) (*authority.Verification, error) {
	path := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s",
		c.packageName, productID, purchaseToken)

	var purchase subscriptionPurchase
	if err := c.get(ctx, path, &purchase); err != nil {
		return nil, err
	}

	v := &authority.Verification{
		TransactionID: purchase.OrderID,
		Environment:   types.EnvironmentProduction,
	}
	if purchase.PaymentState != nil && *purchase.PaymentState == paymentStateReceived {
		v.Valid = true
	} else {
		v.Reason = "subscription payment not received"
	}
	if ms, err := strconv.ParseInt(purchase.ExpiryTimeMillis, 10, 64); err == nil && ms > 0 {
		v.ExpiresAt = lo.ToPtr(time.UnixMilli(ms))
	}
	return v, nil
}

type productPurchase struct {
	PurchaseState *int   `json:"purchaseState"`
	OrderID       string `json:"orderId"`
}

func (c *Client) verifyProduct(ctx context.Context, purchaseToken, productID string) (*authority.Verification, error) {
	path := fmt.Sprintf("/androidpublisher/v3/applications/%s/purchases/products/%s/tokens/%s",
		c.packageName, productID, purchaseToken)

	var purchase productPurchase
	if err := c.get(ctx, path, &purchase); err != nil {
		return nil, err
	}

	v := &authority.Verification{
		TransactionID: purchase.OrderID,
		Environment:   types.EnvironmentProduction,
	}
	if purchase.PurchaseState != nil && *purchase.PurchaseState == purchaseStatePurchased {
		v.Valid = true
	} else {
		v.Reason = "product purchase not completed"
	}
	return v, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	cred, err := c.credential(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build publisher request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return authority.Transient("google publisher", 0, "publisher API unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return authority.Permanent("google publisher", resp.StatusCode, "purchase token not found or gone")
	case resp.StatusCode == http.StatusTooManyRequests:
		return authority.RateLimited("google publisher", "publisher API rate limited")
	case resp.StatusCode >= 500:
		return authority.Transient("google publisher", resp.StatusCode, "publisher API server error", nil)
	default:
		return authority.Permanent("google publisher", resp.StatusCode, "publisher API rejected request")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return authority.Transient("google publisher", 0, "malformed publisher response", err)
	}
	return nil
}
