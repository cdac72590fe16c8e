package dotysync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/models"
	"gorm.io/gorm"
)

// admitMaxWait bounds how long a worker blocks on the rate budget before
// giving up and letting the event retry later.
const admitMaxWait = 2 * time.Minute

type apiClient struct {
	cfg     *models.SyncConfig
	tokens  *tokenManager
	limiter *slidingLimiter
	http    *http.Client
}

func newApiClient(db *gorm.DB, cfg *models.SyncConfig) *apiClient {
	return &apiClient{
		cfg:     cfg,
		tokens:  newTokenManager(db),
		limiter: limiters.get(cfg.ID, cfg.RateLimitRequests, cfg.RateLimitPeriod()),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	body, err := c.do(ctx, path, params, false)
	if err == nil {
		return body, nil
	}
	if _, is401 := err.(*staleTokenError); is401 {
		// token was revoked server-side before its reported expiry
		body, err = c.do(ctx, path, params, true)
		if err == nil {
			return body, nil
		}
		if _, still401 := err.(*staleTokenError); still401 {
			return nil, c.tokens.failAuth(ctx, c.cfg.ID, "access token rejected after refresh")
		}
	}
	return nil, err
}

// staleTokenError is internal to the 401-retry loop and never escapes get.
type staleTokenError struct{}

func (e *staleTokenError) Error() string { return "stale access token" }

func (c *apiClient) do(ctx context.Context, path string, params url.Values, forceRefresh bool) ([]byte, error) {
	if err := c.limiter.Admit(ctx, admitMaxWait); err != nil {
		return nil, err
	}

	var accessToken string
	var err error
	if forceRefresh {
		accessToken, err = c.tokens.ForceRefresh(ctx, c.cfg)
	} else {
		accessToken, err = c.tokens.AccessToken(ctx, c.cfg)
	}
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.cfg.APIBaseURL, "/") + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	c.limiter.Record()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	c.observeRateHeaders(resp)
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, &staleTokenError{}
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.limiter.ObserveRetryAfter(retryAfter)
		return nil, &RateLimitError{RetryAfter: retryAfter}
	default:
		return nil, &ApiError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
}

func (c *apiClient) observeRateHeaders(resp *http.Response) {
	remaining := -1
	if v := resp.Header.Get("X-RateLimit-Remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			remaining = n
		}
	}
	var resetAt time.Time
	if v := resp.Header.Get("X-RateLimit-Reset"); v != "" {
		if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetAt = time.Unix(epoch, 0)
		}
	}
	c.limiter.ObserveHeaders(remaining, resetAt)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}

func (c *apiClient) GetOrder(ctx context.Context, externalId string) (*dotyOrder, error) {
	body, err := c.get(ctx, "/v2/clouds/"+c.cfg.CloudId+"/orders/"+externalId, nil)
	if err != nil {
		return nil, err
	}
	var order dotyOrder
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *apiClient) GetCustomer(ctx context.Context, externalId string) (*dotyCustomer, error) {
	body, err := c.get(ctx, "/v2/clouds/"+c.cfg.CloudId+"/customers/"+externalId, nil)
	if err != nil {
		return nil, err
	}
	var customer dotyCustomer
	if err := json.Unmarshal(body, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *apiClient) GetProduct(ctx context.Context, externalId string) (*dotyProduct, error) {
	body, err := c.get(ctx, "/v2/clouds/"+c.cfg.CloudId+"/products/"+externalId, nil)
	if err != nil {
		return nil, err
	}
	var product dotyProduct
	if err := json.Unmarshal(body, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// ListOrdersUpdatedSince pages through orders changed at or after the
// watermark, oldest first so the poller can advance its cursor safely.
func (c *apiClient) ListOrdersUpdatedSince(ctx context.Context, since time.Time, page int) (*dotyListPage[dotyOrder], error) {
	params := url.Values{}
	params.Set("filter", fmt.Sprintf("updatedAt|gteq|%d", since.UnixMilli()))
	params.Set("sort", "updatedAt")
	params.Set("page", strconv.Itoa(page))
	params.Set("limit", "100")

	body, err := c.get(ctx, "/v2/clouds/"+c.cfg.CloudId+"/orders", params)
	if err != nil {
		return nil, err
	}
	var parsed dotyListPage[dotyOrder]
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return &parsed, nil
}
