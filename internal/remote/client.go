package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the server root, e.g. https://sync.example.com.
	BaseURL string

	// Token is the bearer token for the user.
	Token string

	// Timeout bounds each request. Defaults to 10s.
	Timeout time.Duration
}

// Client is a Remote that talks to a Server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient returns a client, or ErrNotConfigured when the URL or token is
// missing.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" || cfg.Token == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid sync url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Fetch implements Remote.
func (c *Client) Fetch(ctx context.Context, userID string) (*SaveRecord, error) {
	var rec SaveRecord
	if err := c.do(ctx, http.MethodGet, c.savePath(userID), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// FetchMeta implements Remote.
func (c *Client) FetchMeta(ctx context.Context, userID string) (*Meta, error) {
	var meta Meta
	if err := c.do(ctx, http.MethodGet, c.savePath(userID)+"/meta", nil, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Upsert implements Remote.
func (c *Client) Upsert(ctx context.Context, rec *SaveRecord) (*SaveRecord, error) {
	if err := validate(rec); err != nil {
		return nil, err
	}
	var stored SaveRecord
	if err := c.do(ctx, http.MethodPut, c.savePath(rec.UserID), rec, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (c *Client) savePath(userID string) string {
	return c.baseURL + "/v1/saves/" + url.PathEscape(userID)
}

func (c *Client) do(ctx context.Context, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", ErrRequestFailed, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		var eb errorBody
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &eb) == nil && eb.Message != "" {
			msg = eb.Message
		}
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, target, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: invalid response: %w", ErrRequestFailed, err)
	}
	return nil
}
