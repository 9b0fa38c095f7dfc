// Package transport sends GraphQL requests to subgraphs over HTTP. It is
// factored out of the executor so subgraph communication carries its own
// per-host backpressure independent of step scheduling.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxInFlightPerHost bounds the number of concurrent requests a
// Client will issue to any single subgraph host, so one slow or
// misbehaving subgraph cannot exhaust the shared *http.Client's connection
// pool at the expense of every other subgraph in the plan.
const DefaultMaxInFlightPerHost = 50

// Client dispatches GraphQL operation requests to subgraphs.
type Client struct {
	httpClient  *http.Client
	maxInFlight int64

	mu    sync.Mutex
	gates map[string]*semaphore.Weighted
}

// New returns a Client backed by httpClient. maxInFlightPerHost <= 0 falls
// back to DefaultMaxInFlightPerHost.
func New(httpClient *http.Client, maxInFlightPerHost int64) *Client {
	if maxInFlightPerHost <= 0 {
		maxInFlightPerHost = DefaultMaxInFlightPerHost
	}
	return &Client{
		httpClient:  httpClient,
		maxInFlight: maxInFlightPerHost,
		gates:       make(map[string]*semaphore.Weighted),
	}
}

func (c *Client) gate(host string) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gates[host]
	if !ok {
		g = semaphore.NewWeighted(c.maxInFlight)
		c.gates[host] = g
	}
	return g
}

// Do sends a GraphQL POST request carrying query/variables to host,
// acquiring that host's backpressure gate first, and returns the decoded
// JSON response body. The request and the gate acquisition both honor
// ctx's cancellation/deadline.
func (c *Client) Do(ctx context.Context, host, query string, variables map[string]interface{}) (map[string]interface{}, error) {
	var result map[string]interface{}
	err := c.DoStream(ctx, host, query, variables, func(body io.Reader) error {
		return json.NewDecoder(body).Decode(&result)
	})
	return result, err
}

// DoStream sends a GraphQL POST request carrying query/variables to host,
// acquiring that host's backpressure gate first, then hands the response
// body to decode instead of buffering and unmarshalling it itself — the
// caller (typically federation/shape) streams the body against the
// selection set it already knows to expect, rather than materializing a
// generic map[string]any first.
func (c *Client) DoStream(ctx context.Context, host, query string, variables map[string]interface{}, decode func(io.Reader) error) error {
	gate := c.gate(host)
	if err := gate.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting to send request to %s: %w", host, err)
	}
	defer gate.Release(1)

	reqBody := map[string]interface{}{"query": query}
	if len(variables) > 0 {
		reqBody["variables"] = variables
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, host, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if err := decode(resp.Body); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", host, err)
	}
	return nil
}
