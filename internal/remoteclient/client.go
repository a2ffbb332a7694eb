package remoteclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// Per spec §4.5: "up to 5 attempts on rate-limit responses; between
// attempts wait the server-advised interval if present, otherwise at least
// 250 ms. Listing operations maintain a minimum inter-call gap of 250 ms."
const (
	maxRateLimitRetries = 5
	minRetryDelay       = 250 * time.Millisecond
	listingMinGap       = 250 * time.Millisecond
	listingMaxRate      = 4 // spec §4.5 searchAll: "≤4 requests/second"
)

// TokenSource provides bearer tokens for authenticated requests; the
// auth-token refresh service itself is an external collaborator (spec §1).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client is the HTTP implementation of the abstract remote drive client
// (spec §4.5), following the same retry-loop shape as graph.Client but
// re-targeted to the §4.5/§4.6 operation set and error categories.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenSource
	logger     *slog.Logger

	listLimiter   *rate.Limiter
	searchLimiter *rate.Limiter

	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client against baseURL using httpClient for
// transport and token for bearer-token acquisition.
func NewClient(baseURL string, httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		token:         token,
		logger:        logger,
		listLimiter:   rate.NewLimiter(rate.Every(listingMinGap), 1),
		searchLimiter: rate.NewLimiter(rate.Limit(listingMaxRate), 1),
		sleepFunc:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do executes one authenticated HTTP request, retrying up to
// maxRateLimitRetries times on rate-limited responses and aborting
// immediately on any other failure (spec §4.5 retry protocol).
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	reqURL := c.baseURL + path

	var attempt int
	for {
		if err := rewind(body); err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, reqURL, body)
		if err != nil {
			return nil, fmt.Errorf("remoteclient: %s %s: %w", method, path, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		cat, sentinel, retryAfter := c.classifyResponse(resp)

		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		rerr := &Error{Category: cat, StatusCode: resp.StatusCode, Message: string(errBody), RetryAfter: retryAfter, Err: sentinel}

		if cat != CategoryRateLimited || attempt >= maxRateLimitRetries {
			return nil, rerr
		}

		delay := minRetryDelay
		if retryAfter > 0 {
			delay = time.Duration(retryAfter) * time.Second
		}

		c.logger.Warn("rate limited, retrying",
			slog.String("method", method), slog.String("path", path),
			slog.Int("attempt", attempt+1), slog.Duration("delay", delay))

		if err := c.sleepFunc(ctx, delay); err != nil {
			return nil, fmt.Errorf("remoteclient: retry canceled: %w", err)
		}

		attempt++
	}
}

func (c *Client) classifyResponse(resp *http.Response) (Category, error, int) {
	preHashMatched := resp.Header.Get("X-Prehash-Match") == "true"
	cat, sentinel := classify(resp.StatusCode, preHashMatched)

	retryAfter := 0
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			retryAfter = secs
		}
	}

	return cat, sentinel, retryAfter
}

func (c *Client) doOnce(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	token, err := c.token.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}

	return resp, nil
}

func rewind(body io.Reader) error {
	if seeker, ok := body.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("remoteclient: rewinding request body: %w", err)
		}
	}

	return nil
}

// decodeJSON decodes resp.Body into v and closes the body.
func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("remoteclient: decoding response: %w", err)
	}

	return nil
}

func pathEscape(s string) string {
	return url.PathEscape(s)
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("remoteclient: encoding request body: %w", err)
	}

	return bytes.NewReader(b), nil
}
