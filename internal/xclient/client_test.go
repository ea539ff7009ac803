package xclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"mutualist/internal/config"
	"mutualist/internal/executor"
	"mutualist/internal/model"
)

// helper to create client pointed at ts without rate limiting
func newTestClient(ts *httptest.Server, creds config.CredentialsConfig) *HTTPClient {
	c := NewHTTPClient(creds)
	c.httpClient = ts.Client()
	c.baseURL = ts.URL
	c.maxAttempts = 3
	c.baseBackoff = 10 * time.Millisecond
	c.limiter = rate.NewLimiter(rate.Inf, 1)
	c.writeLimiter = rate.NewLimiter(rate.Inf, 1)
	return c
}

var userCreds = config.CredentialsConfig{BearerToken: "app", UserToken: "user"}

func TestDoWithRetryHandles429(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer ts.Close()

	c := newTestClient(ts, userCreds)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	resp, err := c.doWithRetry(context.Background(), "test", req)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoWithRetryReturnsLastRetryableResponse(t *testing.T) {
	attempts := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := newTestClient(ts, userCreds)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/test", nil)
	resp, err := c.doWithRetry(context.Background(), "test", req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable || attempts != 3 {
		t.Fatalf("status %d after %d attempts", resp.StatusCode, attempts)
	}
}

func TestLookupAccount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users/by/username/someone" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer app" {
			t.Errorf("reads must use the app token, got %q", got)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"2244994945","username":"someone","name":"Some One"}}`))
	}))
	defer ts.Close()

	acct, err := newTestClient(ts, userCreds).LookupAccount(context.Background(), "@someone")
	if err != nil {
		t.Fatal(err)
	}
	if acct.ID != "2244994945" || acct.Handle != "someone" {
		t.Fatalf("got %+v", acct)
	}
}

func TestLookupAccountNotFoundIsPermanent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors":[{"detail":"Could not find user with username: [ghost]."}]}`))
	}))
	defer ts.Close()

	_, err := newTestClient(ts, userCreds).LookupAccount(context.Background(), "ghost")
	if out, _ := model.Classify(err); out != model.PermanentError {
		t.Fatalf("want permanent, got %v (%v)", out, err)
	}
}

func TestFetchFollowSnapshotPaginates(t *testing.T) {
	var tokens []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("max_results") != "1000" {
			t.Errorf("max_results = %q", r.URL.Query().Get("max_results"))
		}
		tok := r.URL.Query().Get("pagination_token")
		switch {
		case r.URL.Path == "/users/42/followers" && tok == "":
			tokens = append(tokens, "start")
			_, _ = w.Write([]byte(`{"data":[{"id":"1","username":"one"}],"meta":{"next_token":"p2"}}`))
		case r.URL.Path == "/users/42/followers" && tok == "p2":
			tokens = append(tokens, tok)
			_, _ = w.Write([]byte(`{"data":[{"id":"2","username":"two"}],"meta":{}}`))
		case r.URL.Path == "/users/42/following":
			_, _ = w.Write([]byte(`{"data":[{"id":"1","username":"one"},{"id":"3","username":"three"}],"meta":{"result_count":2}}`))
		default:
			t.Errorf("unexpected request %s", r.URL)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	snap, err := newTestClient(ts, userCreds).FetchFollowSnapshot(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Followers) != 2 || len(snap.Following) != 2 {
		t.Fatalf("got %d followers, %d following", len(snap.Followers), len(snap.Following))
	}
	if snap.Following["3"].Handle != "three" {
		t.Fatalf("following[3] = %+v", snap.Following["3"])
	}
	if strings.Join(tokens, ",") != "start,p2" {
		t.Fatalf("pages fetched: %v", tokens)
	}
}

func TestFetchFollowSnapshotRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := newTestClient(ts, userCreds).FetchFollowSnapshot(context.Background(), "42")
	if out, _ := model.Classify(err); out != model.RateLimited {
		t.Fatalf("want rate limited, got %v (%v)", out, err)
	}
}

func TestUnfollowOutcomes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name    string
		status  int
		header  map[string]string
		body    string
		want    model.Outcome
		retryIn time.Duration
	}{
		{"ok", 200, nil, `{"data":{"following":false}}`, model.Success, 0},
		{"retry-after", 429, map[string]string{"Retry-After": "120"}, `{"title":"Too Many Requests"}`, model.RateLimited, 2 * time.Minute},
		{"reset header", 429, map[string]string{"x-rate-limit-reset": "1700000300"}, ``, model.RateLimited, 5 * time.Minute},
		{"server error", 503, nil, ``, model.TransientError, 0},
		{"not found", 404, nil, `{"detail":"Could not find user"}`, model.PermanentError, 0},
		{"forbidden", 403, nil, `{"detail":"You are not allowed"}`, model.PermanentError, 0},
		{"still following", 200, nil, `{"data":{"following":true}}`, model.TransientError, 0},
		{"garbled body", 200, nil, `<html>`, model.TransientError, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				if r.Method != http.MethodDelete || r.URL.Path != "/users/me/following/99" {
					t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
				}
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer ts.Close()

			c := newTestClient(ts, userCreds)
			c.now = func() time.Time { return now }
			err := c.Unfollow(context.Background(), "me", "99")
			got, hint := model.Classify(err)
			if got != tc.want || hint != tc.retryIn {
				t.Fatalf("got %v/%s, want %v/%s (err %v)", got, hint, tc.want, tc.retryIn, err)
			}
			if calls != 1 {
				t.Fatalf("unfollow must be a single request, got %d", calls)
			}
		})
	}
}

func TestUnfollowUsesUserToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer user" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":{"following":false}}`))
	}))
	defer ts.Close()
	if err := newTestClient(ts, userCreds).Unfollow(context.Background(), "me", "1"); err != nil {
		t.Fatal(err)
	}
}

func TestUnfollowSignsWithOAuth1(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "OAuth ") || !strings.Contains(h, `oauth_signature="`) || !strings.Contains(h, `oauth_token="at"`) {
			t.Errorf("Authorization = %q", h)
		}
		_, _ = w.Write([]byte(`{"data":{"following":false}}`))
	}))
	defer ts.Close()
	creds := config.CredentialsConfig{BearerToken: "app", ConsumerKey: "ck", ConsumerSecret: "cs", AccessToken: "at", AccessSecret: "as"}
	if err := newTestClient(ts, creds).Unfollow(context.Background(), "me", "1"); err != nil {
		t.Fatal(err)
	}
}

func TestUnfollowWithoutWriteCredentials(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}))
	defer ts.Close()
	c := newTestClient(ts, config.CredentialsConfig{BearerToken: "app"})
	err := c.Unfollow(context.Background(), "me", "1")
	if out, _ := model.Classify(err); out != model.PermanentError {
		t.Fatalf("want permanent, got %v", out)
	}
}

func TestOAuth1SignatureCoversMethodAndQuery(t *testing.T) {
	s := NewOAuth1Signer("ck", "cs", "at", "as")
	s.nowFn = func() time.Time { return time.Unix(1318622958, 0) }
	s.nonceFn = func() string { return "kYjzVBB8Y0ZFabxSWbWovY3uYSQ2pTgmZeNu2VS4cg" }

	sign := func(method, rawURL string) string {
		req, _ := http.NewRequest(method, rawURL, nil)
		s.Sign(req)
		return req.Header.Get("Authorization")
	}
	a := sign(http.MethodDelete, "https://api.twitter.com/2/users/1/following/2")
	if a != sign(http.MethodDelete, "https://api.twitter.com/2/users/1/following/2") {
		t.Fatal("signature must be deterministic for fixed nonce and time")
	}
	if a == sign(http.MethodGet, "https://api.twitter.com/2/users/1/following/2") {
		t.Fatal("method must take part in the signature")
	}
	if sign(http.MethodGet, "https://api.twitter.com/2/users/1/following?max_results=10") ==
		sign(http.MethodGet, "https://api.twitter.com/2/users/1/following?max_results=20") {
		t.Fatal("query must take part in the signature")
	}
	if !strings.Contains(a, fmt.Sprintf("oauth_timestamp=%q", "1318622958")) {
		t.Fatalf("header %q", a)
	}
}

func TestStopDuringUnfollowRequestKeepsAppliedResult(t *testing.T) {
	applied := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(applied)
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"data":{"following":false}}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-applied
		cancel()
	}()

	ex := executor.New(executor.Policy{MaxRetries: 1}, executor.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	res := ex.Execute(ctx, newTestClient(ts, userCreds), "me", model.Account{ID: "99", Handle: "x"})
	if res.Outcome != model.Success {
		t.Fatalf("applied unfollow reported as %v (%v)", res.Outcome, res.Err)
	}
	if ctx.Err() == nil {
		t.Fatal("stop should have been requested during the call")
	}
}
