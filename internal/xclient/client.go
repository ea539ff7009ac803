package xclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"mutualist/internal/config"
	"mutualist/internal/metrics"
	"mutualist/internal/model"
)

// HTTPClient talks to X API v2. Reads use the app bearer token; writes use
// OAuth 1.0a when configured, otherwise the user-context token.
type HTTPClient struct {
	baseURL      string
	bearerToken  string
	userToken    string
	signer       *OAuth1Signer
	httpClient   *http.Client
	limiter      *rate.Limiter
	writeLimiter *rate.Limiter
	maxAttempts  int
	baseBackoff  time.Duration
	pageSize     int
	now          func() time.Time
}

var _ model.AccountService = (*HTTPClient)(nil)

func NewHTTPClient(creds config.CredentialsConfig) *HTTPClient {
	c := &HTTPClient{
		baseURL:      "https://api.twitter.com/2",
		bearerToken:  creds.BearerToken,
		userToken:    creds.UserToken,
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		limiter:      newDefaultLimiter(),
		writeLimiter: newWriteLimiter(),
		maxAttempts:  getEnvInt("X_API_MAX_ATTEMPTS", 5),
		baseBackoff:  time.Duration(getEnvInt("X_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
		pageSize:     1000,
		now:          time.Now,
	}
	if creds.HasOAuth1() {
		c.signer = NewOAuth1Signer(creds.ConsumerKey, creds.ConsumerSecret, creds.AccessToken, creds.AccessSecret)
	}
	return c
}

// CanWrite reports whether user-context credentials are configured.
func (c *HTTPClient) CanWrite() bool { return c.signer != nil || c.userToken != "" }

func (c *HTTPClient) auth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
}

func (c *HTTPClient) authWrite(req *http.Request) {
	if c.signer != nil {
		c.signer.Sign(req)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.userToken)
	req.Header.Set("Accept", "application/json")
}

type apiError struct {
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Type   string `json:"type"`
}

func firstErrorDetail(errs []apiError) string {
	for _, e := range errs {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Title != "" {
			return e.Title
		}
	}
	return ""
}

// get performs a read with retry and decodes the JSON body into out.
func (c *HTTPClient) get(ctx context.Context, endpoint, u string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.doWithRetry(ctx, endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps a failed response onto the outcome taxonomy.
func (c *HTTPClient) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var raw struct {
		Errors []apiError `json:"errors"`
		Detail string     `json:"detail"`
	}
	_ = json.Unmarshal(body, &raw)
	msg := raw.Detail
	if msg == "" {
		msg = firstErrorDetail(raw.Errors)
	}
	base := fmt.Errorf("x api status %d", resp.StatusCode)
	if msg != "" {
		base = fmt.Errorf("x api status %d: %s", resp.StatusCode, msg)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &model.RateLimitError{RetryAfter: c.retryAfter(resp.Header), Err: base}
	case resp.StatusCode >= 500:
		return base
	case resp.StatusCode == http.StatusRequestTimeout:
		return base
	default:
		return model.Permanent(base)
	}
}

// retryAfter reads Retry-After (seconds or HTTP date), falling back to
// x-rate-limit-reset (unix seconds). Zero when neither is usable.
func (c *HTTPClient) retryAfter(h http.Header) time.Duration {
	if ra := h.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
		if t, err := http.ParseTime(ra); err == nil {
			if d := t.Sub(c.now()); d > 0 {
				return d
			}
			return 0
		}
	}
	if reset := h.Get("x-rate-limit-reset"); reset != "" {
		if secs, err := strconv.ParseInt(reset, 10, 64); err == nil {
			if d := time.Unix(secs, 0).Sub(c.now()); d > 0 {
				return d
			}
		}
	}
	return 0
}

// doWithRetry retries 429, 5xx and network errors with exponential backoff.
// When attempts run out on a retryable status the last response is returned
// so the caller can map it.
func (c *HTTPClient) doWithRetry(ctx context.Context, endpoint string, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			retryable := resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599)
			if !retryable || attempt == c.maxAttempts {
				return resp, nil
			}
			wait := backoff
			if d := c.retryAfter(resp.Header); d > 0 || resp.Header.Get("Retry-After") != "" {
				wait = d
			}
			_ = resp.Body.Close()
			// jitter +/-20%
			jitter := time.Duration(float64(wait) * 0.2)
			if jitter > 0 {
				wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
			}
			metrics.IncAPIRetry(endpoint)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		metrics.IncAPIRetry(endpoint)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

// LookupAccount resolves a handle to its account ID.
func (c *HTTPClient) LookupAccount(ctx context.Context, handle string) (model.Account, error) {
	var out model.Account
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return out, errors.New("empty username")
	}
	u := fmt.Sprintf("%s/users/by/username/%s", c.baseURL, url.PathEscape(handle))
	var raw struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
		Errors []apiError `json:"errors"`
	}
	if err := c.get(ctx, "users_by_username", u, &raw); err != nil {
		return out, err
	}
	if raw.Data.ID == "" {
		msg := firstErrorDetail(raw.Errors)
		if msg == "" {
			msg = "no such user"
		}
		return out, model.Permanent(fmt.Errorf("lookup %s: %s", handle, msg))
	}
	return model.Account{ID: raw.Data.ID, Handle: raw.Data.Username}, nil
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil && i > 0 {
		return i
	}
	return def
}
