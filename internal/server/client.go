package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danmuck/statebridge/internal/handoff"
)

var ErrBaseURLRequired = errors.New("server: client base url required")

var _ handoff.Source = (*Client)(nil)

// Client reads a remote process over its HTTP surface. It satisfies
// handoff.Source so a Reader in another process can poll the authority.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// WithToken sets the bearer token sent on writes.
func (c *Client) WithToken(token string) *Client {
	c.token = strings.TrimSpace(token)
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get fetches (node, key). A 404 is reported as not found, not as an error.
func (c *Client) Get(ctx context.Context, node, key string) (handoff.Attribute, bool, error) {
	q := url.Values{}
	q.Set("node", node)
	q.Set("key", key)
	resp, err := c.do(ctx, http.MethodGet, "/attributes?"+q.Encode(), nil)
	if err != nil {
		return handoff.Attribute{}, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var attr handoff.Attribute
		if err := json.NewDecoder(resp.Body).Decode(&attr); err != nil {
			return handoff.Attribute{}, false, fmt.Errorf("decode attribute: %w", err)
		}
		return attr, true, nil
	case http.StatusNotFound:
		return handoff.Attribute{}, false, nil
	default:
		return handoff.Attribute{}, false, responseError(resp)
	}
}

// Nodes lists the remote directory.
func (c *Client) Nodes(ctx context.Context) (NodesResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/nodes", nil)
	if err != nil {
		return NodesResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return NodesResponse{}, responseError(resp)
	}
	var out NodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return NodesResponse{}, fmt.Errorf("decode nodes: %w", err)
	}
	return out, nil
}

// Publish writes through the remote authority. A 409 is returned as
// *handoff.ConflictError.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (handoff.Attribute, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return handoff.Attribute{}, err
	}
	resp, err := c.do(ctx, http.MethodPut, "/attributes", body)
	if err != nil {
		return handoff.Attribute{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var attr handoff.Attribute
		if err := json.NewDecoder(resp.Body).Decode(&attr); err != nil {
			return handoff.Attribute{}, fmt.Errorf("decode attribute: %w", err)
		}
		return attr, nil
	case http.StatusConflict:
		var payload struct {
			Expected uint64 `json:"expected"`
			Actual   uint64 `json:"actual"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return handoff.Attribute{}, fmt.Errorf("decode conflict: %w", err)
		}
		return handoff.Attribute{}, &handoff.ConflictError{
			Node:     req.Node,
			Key:      req.Key,
			Expected: payload.Expected,
			Actual:   payload.Actual,
		}
	default:
		return handoff.Attribute{}, responseError(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return fmt.Errorf("server: status %d: %s", resp.StatusCode, payload.Error)
	}
	return fmt.Errorf("server: status %d", resp.StatusCode)
}
