package xclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"mutualist/internal/logging"
	"mutualist/internal/model"
)

// FetchFollowSnapshot pages through both follow lists of accountID.
func (c *HTTPClient) FetchFollowSnapshot(ctx context.Context, accountID string) (model.FollowSnapshot, error) {
	followers, err := c.listUsers(ctx, "followers", accountID)
	if err != nil {
		return model.FollowSnapshot{}, fmt.Errorf("followers: %w", err)
	}
	following, err := c.listUsers(ctx, "following", accountID)
	if err != nil {
		return model.FollowSnapshot{}, fmt.Errorf("following: %w", err)
	}
	logging.Debug("follow_snapshot", map[string]any{"followers": len(followers), "following": len(following)})
	return model.NewFollowSnapshot(followers, following), nil
}

func (c *HTTPClient) listUsers(ctx context.Context, edge, accountID string) ([]model.Account, error) {
	var out []model.Account
	seen := map[string]bool{}
	token := ""
	for {
		q := url.Values{}
		q.Set("max_results", fmt.Sprintf("%d", c.pageSize))
		if token != "" {
			q.Set("pagination_token", token)
		}
		u := fmt.Sprintf("%s/users/%s/%s?%s", c.baseURL, url.PathEscape(accountID), edge, q.Encode())
		var raw struct {
			Data []struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"data"`
			Meta struct {
				NextToken string `json:"next_token"`
			} `json:"meta"`
		}
		if err := c.get(ctx, edge, u, &raw); err != nil {
			return nil, err
		}
		for _, d := range raw.Data {
			out = append(out, model.Account{ID: d.ID, Handle: d.Username})
		}
		next := raw.Meta.NextToken
		if next == "" || seen[next] {
			return out, nil
		}
		seen[next] = true
		token = next
	}
}

// Unfollow sends one DELETE and maps the response onto the outcome
// taxonomy. It never retries; the executor owns retry policy.
func (c *HTTPClient) Unfollow(ctx context.Context, sourceID, targetID string) error {
	if !c.CanWrite() {
		return model.Permanent(fmt.Errorf("unfollow %s: no user-context credentials configured", targetID))
	}
	u := fmt.Sprintf("%s/users/%s/following/%s", c.baseURL, url.PathEscape(sourceID), url.PathEscape(targetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return model.Permanent(err)
	}
	c.authWrite(req)
	if err := c.writeLimiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// %v keeps client timeouts from reading as caller cancellation.
		return fmt.Errorf("unfollow %s: %v", targetID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("unfollow %s: %w", targetID, c.statusError(resp))
	}
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	var raw struct {
		Data *struct {
			Following bool `json:"following"`
		} `json:"data"`
	}
	if err := json.Unmarshal(buf.Bytes(), &raw); err != nil {
		return fmt.Errorf("unfollow %s: decode response: %v", targetID, err)
	}
	if raw.Data == nil {
		return fmt.Errorf("unfollow %s: response has no data", targetID)
	}
	if raw.Data.Following {
		return fmt.Errorf("unfollow %s: still following after delete", targetID)
	}
	return nil
}
