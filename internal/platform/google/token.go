package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"

	"github.com/mealmind/billing/internal/platform/authority"
)

const (
	publisherScope = "https://www.googleapis.com/auth/androidpublisher"
	assertionGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	tokenLifetime  = time.Hour
	// refreshSkew forces a refresh shortly before the authority would reject
	// the token, so in-flight calls never race the expiry.
	refreshSkew = 2 * time.Minute
)

// Credential is a short-lived Play publisher bearer token. It is an explicit
// value with its own expiry, never hidden global state.
type Credential struct {
	AccessToken string
	ExpiresAt   time.Time
}

func (c *Credential) Usable(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.ExpiresAt.Add(-refreshSkew))
}

// credential returns a usable bearer token, exchanging a fresh RS256-signed
// service-account assertion when the cached one has expired.
func (c *Client) credential(ctx context.Context) (*Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cred.Usable(now) {
		return c.cred, nil
	}

	assertion, err := c.signAssertion(now)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", assertionGrant)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return nil, authority.Transient("google token", 0, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, authority.RateLimited("google token", "token endpoint rate limited")
		}
		if resp.StatusCode >= 500 {
			return nil, authority.Transient("google token", resp.StatusCode, "token endpoint server error", nil)
		}
		return nil, authority.Permanent("google token", resp.StatusCode, "service account rejected")
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, authority.Transient("google token", 0, "malformed token response", err)
	}
	if body.AccessToken == "" {
		return nil, authority.Permanent("google token", 0, "empty access token")
	}

	ttl := time.Duration(body.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = tokenLifetime
	}
	c.cred = &Credential{AccessToken: body.AccessToken, ExpiresAt: now.Add(ttl)}
	return c.cred, nil
}

// signAssertion builds the one-hour RS256 JWT the token endpoint accepts in
// exchange for a bearer token.
func (c *Client) signAssertion(now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(c.privateKey))
	if err != nil {
		return "", fmt.Errorf("failed to parse service account key: %w", err)
	}
	claims := jwt.MapClaims{
		"iss":   c.clientEmail,
		"scope": publisherScope,
		"aud":   c.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(tokenLifetime).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}
