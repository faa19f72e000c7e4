package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a running daemon's admin server.
type Client struct {
	BaseURL string // "http://127.0.0.1:8086"
	Token   string
	HTTP    *http.Client
}

// NewClient accepts a bare host:port or a full URL.
func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{BaseURL: base, Token: token, HTTP: &http.Client{Timeout: 15 * time.Second}}
}

// Broadcast delivers req to the daemon's boot handler. A handler failure is
// returned as an error carrying the daemon's message.
func (c *Client) Broadcast(ctx context.Context, req BroadcastRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPost, "/v1/broadcasts", body, http.StatusAccepted)
	return err
}

// Work fetches the scheduler snapshot and pending work.
func (c *Client) Work(ctx context.Context) (WorkView, error) {
	var v WorkView
	b, err := c.do(ctx, http.MethodGet, "/v1/work", nil, http.StatusOK)
	if err != nil {
		return v, err
	}
	return v, json.Unmarshal(b, &v)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int) ([]byte, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != want {
		return nil, fmt.Errorf("%s %s: %d: %w", method, path, resp.StatusCode, errorFromBody(b))
	}
	return b, nil
}
