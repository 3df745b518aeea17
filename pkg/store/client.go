package store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/kite-ci/kite/pkg/types"
)

const defaultTimeout = 60 * time.Second

// Client talks to the state store's REST API. It implements Store.
type Client struct {
	http *resty.Client
}

// NewClient builds a store client for the given base URL. The token,
// when non-empty, is sent as a bearer credential on every request.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Transient upstream failures only; 4xx and CAS conflicts
			// must surface to the caller.
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if token != "" {
		c.SetAuthToken(token)
	}
	return &Client{http: c}
}

// Get implements Store.
func (c *Client) Get(ctx context.Context, id string) (*types.Node, error) {
	var node types.Node
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&node).
		ForceContentType("application/json").
		Get("/nodes/" + id)
	if err != nil {
		return nil, fmt.Errorf("GET /nodes/%s: %w", id, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return &node, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("GET /nodes/%s: %w", id, ErrNotFound)
	default:
		return nil, fmt.Errorf("GET /nodes/%s: unexpected status %d: %s",
			id, resp.StatusCode(), resp.String())
	}
}

// Create implements Store.
func (c *Client) Create(ctx context.Context, n *types.Node) (*types.Node, error) {
	var created types.Node
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(n).
		SetResult(&created).
		ForceContentType("application/json").
		Post("/nodes")
	if err != nil {
		return nil, fmt.Errorf("POST /nodes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusCreated {
		return nil, fmt.Errorf("POST /nodes: unexpected status %d: %s",
			resp.StatusCode(), resp.String())
	}
	return &created, nil
}

// Update implements Store. A non-empty expect state is sent as an
// If-Match precondition; the store answers 412 when it no longer
// holds.
func (c *Client) Update(ctx context.Context, n *types.Node, expect types.State) (*types.Node, error) {
	var updated types.Node
	req := c.http.R().
		SetContext(ctx).
		SetBody(n).
		SetResult(&updated).
		ForceContentType("application/json")
	if expect != "" {
		req.SetHeader("If-Match", string(expect))
	}
	resp, err := req.Patch("/nodes/" + n.ID)
	if err != nil {
		return nil, fmt.Errorf("PATCH /nodes/%s: %w", n.ID, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		return &updated, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("PATCH /nodes/%s: %w", n.ID, ErrNotFound)
	case http.StatusPreconditionFailed, http.StatusConflict:
		return nil, fmt.Errorf("PATCH /nodes/%s: %w", n.ID, ErrConflict)
	default:
		return nil, fmt.Errorf("PATCH /nodes/%s: unexpected status %d: %s",
			n.ID, resp.StatusCode(), resp.String())
	}
}

// List implements Store.
func (c *Client) List(ctx context.Context, q Query) ([]*types.Node, error) {
	var nodes []*types.Node
	req := c.http.R().
		SetContext(ctx).
		SetResult(&nodes).
		ForceContentType("application/json")
	for field, value := range q {
		req.SetQueryParam(field, value)
	}
	resp, err := req.Get("/nodes")
	if err != nil {
		return nil, fmt.Errorf("GET /nodes: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("GET /nodes: unexpected status %d: %s",
			resp.StatusCode(), resp.String())
	}
	return nodes, nil
}
