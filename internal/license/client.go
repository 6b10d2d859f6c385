// Package license issues license keys through the admin licensing server.
// The protocol is two calls: a credential login that returns a bearer
// token, then a generate request for the purchased service.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// License is the licensing server's generate response.
type License struct {
	Keys     []string `json:"keys"`
	Licenses []Info   `json:"licenses"`
	Message  string   `json:"message"`
	Success  bool     `json:"success"`
}

// Info describes one issued key.
type Info struct {
	Key     string `json:"key"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// Key returns the first issued key, or empty when none was returned.
func (l *License) Key() string {
	if len(l.Keys) > 0 {
		return l.Keys[0]
	}
	if len(l.Licenses) > 0 {
		return l.Licenses[0].Key
	}
	return ""
}

// Config holds licensing server access settings.
type Config struct {
	BaseURL  string
	Username string
	Password string
}

// Client talks to the licensing server.
type Client struct {
	cfg    Config
	client *http.Client
}

// NewClient creates a licensing client. A nil client gets a 10s-timeout
// default.
func NewClient(cfg Config, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{cfg: cfg, client: client}
}

// Issue generates a license key for a service. Each call logs in fresh;
// tokens are short-lived and issuance is rare enough that caching them
// isn't worth the invalidation handling.
func (c *Client) Issue(ctx context.Context, service string) (*License, error) {
	token, err := c.login(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"service":         service,
		"version":         "1.0",
		"expiry_duration": 1,
		"price":           0,
		"count":           1,
		"notes":           "",
		"user_id":         1,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/admin/licenses/generate-with-service", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("license generate: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("license generate: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("license server returned %d: %s", resp.StatusCode, body)
	}

	var lic License
	if err := json.Unmarshal(body, &lic); err != nil {
		return nil, fmt.Errorf("decode license response: %w", err)
	}
	if !lic.Success {
		return nil, fmt.Errorf("license generation refused: %s", lic.Message)
	}
	return &lic, nil
}

func (c *Client) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/admin/login", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("license login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("license login returned %d: %s", resp.StatusCode, body)
	}

	var lr struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("decode login response: %w", err)
	}
	if lr.Token == "" {
		return "", fmt.Errorf("license login returned no token")
	}
	return lr.Token, nil
}
