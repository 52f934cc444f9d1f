package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/wa-gateway/internal/identity"
)

const requestTimeout = 90 * time.Second

// apiError is the gateway's error body.
type apiError struct {
	Status  int
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// client calls the gateway HTTP API on behalf of one user.
type client struct {
	baseURL string
	http    *http.Client
	auth    func(*http.Request)
}

// newClient resolves credentials: an explicit token wins, then a token minted
// from the shared secret, then the development user header.
func newClient(server, token, secret, user string, admin bool) (*client, error) {
	c := &client{
		baseURL: strings.TrimRight(server, "/"),
		http:    &http.Client{Timeout: requestTimeout},
	}
	switch {
	case token != "":
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	case secret != "":
		if user == "" {
			return nil, fmt.Errorf("--user is required to mint a token")
		}
		minted, err := identity.CreateToken(user, admin, identity.DefaultTokenConfig(secret))
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
		c.auth = func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+minted) }
	case user != "":
		c.auth = func(r *http.Request) { r.Header.Set(identity.DevUserHeader, user) }
	default:
		return nil, fmt.Errorf("one of --token, --secret or --user is required")
	}
	return c, nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func clientFromFlags() (*client, error) {
	return newClient(opts.server, opts.token, opts.secret, opts.user, opts.admin)
}
