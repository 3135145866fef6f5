package apple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/awa/go-iap/appstore"
	"github.com/samber/lo"

	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/types"
)

const verifyTimeout = 10 * time.Second

// Client verifies App Store receipts against Apple's verifyReceipt endpoint.
// Verification always starts against production; a 21007 answer means the
// receipt was minted in the sandbox and is re-submitted there exactly once
// (and symmetrically 21008 for sandbox-configured deployments).
type Client struct {
	sharedSecret  string
	productionURL string
	sandboxURL    string
	httpCli       *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		sharedSecret:  cfg.Apple.SharedSecret,
		productionURL: cfg.Apple.ProductionURL,
		sandboxURL:    cfg.Apple.SandboxURL,
		httpCli:       &http.Client{Timeout: verifyTimeout},
	}
}

// Verify authenticates receiptData with Apple and maps the response onto the
// uniform authority verification. The proof being definitively invalid is a
// Valid=false result, not an error.
func (c *Client) Verify(ctx context.Context, receiptData string) (*authority.Verification, error) {
	resp, env, err := c.post(ctx, c.productionURL, receiptData)
	if err != nil {
		return nil, err
	}

	// Sandbox/production redirection happens at most once per attempt.
	redirected := false
	switch resp.Status {
	case statusSandboxReceiptOnProduction:
		if resp, env, err = c.post(ctx, c.sandboxURL, receiptData); err != nil {
			return nil, err
		}
		env = types.EnvironmentSandbox
		redirected = true
	case statusProductionReceiptOnSandbox:
		if resp, env, err = c.post(ctx, c.productionURL, receiptData); err != nil {
			return nil, err
		}
		env = types.EnvironmentProduction
		redirected = true
	}
	if redirected && (resp.Status == statusSandboxReceiptOnProduction || resp.Status == statusProductionReceiptOnSandbox) {
		return nil, authority.Permanent("apple verify", resp.Status, "environment redirect loop")
	}

	if err := classifyStatus(resp.Status); err != nil {
		return nil, err
	}

	v := &authority.Verification{
		Environment: env,
		StatusCode:  resp.Status,
	}
	switch resp.Status {
	case statusOK:
		v.Valid = true
	case statusSubscriptionExpired:
		v.Reason = statusReasons[statusSubscriptionExpired]
	}

	if latest := latestTransaction(resp); latest != nil {
		v.TransactionID = latest.TransactionID
		if ms, err := strconv.ParseInt(latest.ExpiresDateMS, 10, 64); err == nil && ms > 0 {
			v.ExpiresAt = lo.ToPtr(time.UnixMilli(ms))
		}
	}
	return v, nil
}

func (c *Client) post(ctx context.Context, url, receiptData string) (*appstore.IAPResponse, types.Environment, error) {
	body := &bytes.Buffer{}
	req := appstore.IAPRequest{
		ReceiptData:            receiptData,
		Password:               c.sharedSecret,
		ExcludeOldTransactions: true,
	}
	if err := json.NewEncoder(body).Encode(req); err != nil {
		return nil, "", fmt.Errorf("failed to encode verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpCli.Do(httpReq)
	if err != nil {
		return nil, "", authority.Transient("apple verify", 0, "verifyReceipt unreachable", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		return nil, "", authority.RateLimited("apple verify", "verifyReceipt rate limited")
	}
	if httpResp.StatusCode >= 500 {
		return nil, "", authority.Transient("apple verify", httpResp.StatusCode, "verifyReceipt server error", nil)
	}

	var resp appstore.IAPResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, "", authority.Transient("apple verify", 0, "malformed verifyReceipt response", err)
	}

	env := types.EnvironmentProduction
	if resp.Environment == "Sandbox" {
		env = types.EnvironmentSandbox
	}
	return &resp, env, nil
}

// latestTransaction picks the receipt entry with the greatest expiry, falling
// back to the in_app list for receipts without latest_receipt_info.
func latestTransaction(resp *appstore.IAPResponse) *appstore.InApp {
	infos := resp.LatestReceiptInfo
	if len(infos) == 0 {
		infos = resp.Receipt.InApp
	}
	if len(infos) == 0 {
		return nil
	}
	latest := lo.MaxBy(infos, func(a, b appstore.InApp) bool {
		am, _ := strconv.ParseInt(a.ExpiresDateMS, 10, 64)
		bm, _ := strconv.ParseInt(b.ExpiresDateMS, 10, 64)
		return am > bm
	})
	return &latest
}
