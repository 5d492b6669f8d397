package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	dErrors "sovereign/pkg/domain-errors"
)

const (
	defaultHTTPTimeout   = 30 * time.Second
	IdempotencyKeyHeader = "Idempotency-Key"
	maxErrorBody         = 1 << 10
)

// httpClient is the JSON transport shared by the chain and review clients.
type httpClient struct {
	endpoint   string
	httpClient *http.Client
}

func newHTTPClient(endpoint string, client *http.Client) httpClient {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return httpClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: client,
	}
}

// statusError is a non-2xx response.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// do sends body (if any) and decodes a 2xx JSON response into out. A 4xx other
// than 408 and 429 is a Validation error and is not retried.
func (c httpClient) do(ctx context.Context, method, path, key string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set(IdempotencyKeyHeader, key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := &statusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return dErrors.Wrap(serr, dErrors.CodeValidation, "upstream rejected "+path).
				WithDetails(map[string]any{"upstream_status": resp.StatusCode})
		}
		return serr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ChainClient talks to the external chain service over HTTP. Every write carries
// the caller's idempotency key so the chain deduplicates retried submissions.
type ChainClient struct {
	http httpClient
}

func NewChainClient(endpoint string, client *http.Client) *ChainClient {
	return &ChainClient{http: newHTTPClient(endpoint, client)}
}

func (c *ChainClient) Mint(ctx context.Context, key string, req MintRequest) (*MintReceipt, error) {
	var out MintReceipt
	if err := c.http.do(ctx, http.MethodPost, "/mints", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MintStatus reports MintUnknown when the chain has never seen key.
func (c *ChainClient) MintStatus(ctx context.Context, key string) (*MintStatus, error) {
	var out MintStatus
	err := c.http.do(ctx, http.MethodGet, "/mints/"+key, "", nil, &out)
	if err != nil {
		var serr *statusError
		if errors.As(err, &serr) && serr.Status == http.StatusNotFound {
			return &MintStatus{State: MintUnknown}, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *ChainClient) CreateTrustline(ctx context.Context, key string, req TrustlineRequest) (*TrustlineReceipt, error) {
	var out TrustlineReceipt
	if err := c.http.do(ctx, http.MethodPost, "/trustlines", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *ChainClient) FreezeAsset(ctx context.Context, key string, req FreezeRequest) (*FreezeReceipt, error) {
	var out FreezeReceipt
	if err := c.http.do(ctx, http.MethodPost, "/freezes", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReviewClient asks the external review service for a verdict.
type ReviewClient struct {
	http httpClient
}

func NewReviewClient(endpoint string, client *http.Client) *ReviewClient {
	return &ReviewClient{http: newHTTPClient(endpoint, client)}
}

func (c *ReviewClient) Review(ctx context.Context, key string, req ReviewRequest) (*ReviewResult, error) {
	var out ReviewResult
	if err := c.http.do(ctx, http.MethodPost, "/reviews", key, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
