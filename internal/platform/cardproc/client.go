package cardproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mealmind/billing/internal/platform/authority"
	"github.com/mealmind/billing/pkg/config"
	"github.com/mealmind/billing/pkg/retry"
	"github.com/mealmind/billing/pkg/types"
)

const requestTimeout = 10 * time.Second

// ErrSubscriptionGone means the remote subscription object no longer exists;
// the caller must mark the local row cancelled.
var ErrSubscriptionGone = errors.New("card processor: subscription gone")

// RemoteSubscription is the processor-side view of a subscription.
type RemoteSubscription struct {
	ID               string
	Status           types.SubscriptionStatus
	CurrentPeriodEnd time.Time
}

// Client fetches subscription objects from the card payment processor.
type Client struct {
	apiBaseURL string
	apiKey     string
	httpCli    *http.Client
}

func NewClient(cfg *config.Config) *Client {
	return &Client{
		apiBaseURL: strings.TrimRight(cfg.CardProcessor.APIBaseURL, "/"),
		apiKey:     cfg.CardProcessor.APIKey,
		httpCli:    &http.Client{Timeout: requestTimeout},
	}
}

type subscriptionPayload struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// GetSubscription retrieves the current remote state by subscription id.
// A 404 surfaces as ErrSubscriptionGone wrapped in a permanent authority
// error so retry wrappers stop immediately.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*RemoteSubscription, error) {
	url := fmt.Sprintf("%s/v1/subscriptions/%s", c.apiBaseURL, subscriptionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build subscription request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, authority.Transient("card lookup", 0, "processor unreachable", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, &authority.Error{
			Op: "card lookup", Code: resp.StatusCode,
			Reason: "subscription no longer exists",
			Class:  retry.ClassPermanent, Err: ErrSubscriptionGone,
		}
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, authority.RateLimited("card lookup", "processor rate limited")
	case resp.StatusCode >= 500:
		return nil, authority.Transient("card lookup", resp.StatusCode, "processor server error", nil)
	default:
		return nil, authority.Permanent("card lookup", resp.StatusCode, "processor rejected request")
	}

	var payload subscriptionPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, authority.Transient("card lookup", 0, "malformed processor response", err)
	}

	return &RemoteSubscription{
		ID:               payload.ID,
		Status:           MapStatus(payload.Status),
		CurrentPeriodEnd: time.Unix(payload.CurrentPeriodEnd, 0),
	}, nil
}
