// Package supabase talks to a Supabase project's PostgREST RPC endpoints,
// where the production price catalog lives.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/canasta/internal/pricing"
)

const (
	defaultTimeout = 30 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	rpcPath        = "/rest/v1/rpc/"
)

// Client calls the execute_sql and search_ingredients_v3 procedures.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient creates a client for the project at baseURL (for example
// https://xyz.supabase.co) authenticated with apiKey.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		backoff: initialBackoff,
	}
}

// ExecuteSQL runs query through the execute_sql procedure.
func (c *Client) ExecuteSQL(ctx context.Context, query string) ([]pricing.PriceRecord, error) {
	var rows []pricing.PriceRecord
	if err := c.rpc(ctx, "execute_sql", map[string]any{"query_text": query}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SearchIngredients calls the catalog's canonical fuzzy search.
func (c *Client) SearchIngredients(ctx context.Context, terms string, threshold float64) ([]pricing.PriceRecord, error) {
	var rows []pricing.PriceRecord
	args := map[string]any{"search_terms": terms, "similarity_threshold": threshold}
	if err := c.rpc(ctx, "search_ingredients_v3", args, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Ping checks that the REST endpoint answers and accepts the key.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/v1/", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinging supabase: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("supabase rejected credentials (HTTP %d)", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("supabase unavailable (HTTP %d)", resp.StatusCode)
	}
	return nil
}

// RPCError is a non-2xx PostgREST response. Message carries the database
// error text, so callers can classify timeouts and syntax errors.
type RPCError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase rpc (HTTP %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase rpc (HTTP %d): %s", e.Status, e.Message)
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func (c *Client) rpc(ctx context.Context, fn string, args any, out any) error {
	body, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshaling %s arguments: %w", fn, err)
	}

	var lastErr error
	for attempt := range maxRetries {
		err := c.doRPC(ctx, fn, body, out)
		if err == nil {
			return nil
		}

		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(c.backoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr)
}

func (c *Client) doRPC(ctx context.Context, fn string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+rpcPath+fn, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing %s: %w", fn, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return &rateLimitError{status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", fn, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rpcErr := &RPCError{Status: resp.StatusCode}
		if json.Unmarshal(data, rpcErr) != nil || rpcErr.Message == "" {
			rpcErr.Message = strings.TrimSpace(string(data))
		}
		return rpcErr
	}

	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", fn, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}
