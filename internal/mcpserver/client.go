package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to the payhub API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// PayhubClient is a pure HTTP client for the payhub API.
type PayhubClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewPayhubClient creates a new client for the payhub API.
func NewPayhubClient(cfg Config) *PayhubClient {
	return &PayhubClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *PayhubClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListProviders returns the payment providers configured on the deployment.
func (c *PayhubClient) ListProviders(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/providers", nil, nil)
}

// GetInvoice fetches an invoice by its invoice number.
func (c *PayhubClient) GetInvoice(ctx context.Context, number string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/invoices/"+url.PathEscape(number), nil, nil)
}

// CreateInvoice creates a payment request with the named provider.
func (c *PayhubClient) CreateInvoice(ctx context.Context, provider string, body map[string]string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/invoices/"+url.PathEscape(provider), nil, body)
}

// SettleWeb3 submits an on-chain payment transaction for settlement.
func (c *PayhubClient) SettleWeb3(ctx context.Context, body map[string]string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/payments/web3", nil, body)
}
