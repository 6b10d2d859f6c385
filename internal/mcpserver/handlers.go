package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *PayhubClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *PayhubClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListProviders lists the configured payment providers.
func (h *Handlers) HandleListProviders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListProviders(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list providers: %v", err)), nil
	}

	var resp struct {
		Providers []string `json:"providers"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse providers: %v", err)), nil
	}
	if len(resp.Providers) == 0 {
		return mcp.NewToolResultText("No payment providers are configured on this deployment."), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Configured payment providers: %s", strings.Join(resp.Providers, ", "))), nil
}

// HandleGetInvoice looks up an invoice by number.
func (h *Handlers) HandleGetInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	number := req.GetString("invoice_number", "")
	if number == "" {
		return mcp.NewToolResultError("invoice_number is required"), nil
	}

	raw, err := h.client.GetInvoice(ctx, number)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get invoice: %v", err)), nil
	}

	text, err := formatInvoice(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse invoice: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateInvoice creates a payment request with a provider.
func (h *Handlers) HandleCreateInvoice(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider := req.GetString("provider", "")
	if provider == "" {
		return mcp.NewToolResultError("provider is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	currency := req.GetString("currency", "")
	if currency == "" {
		return mcp.NewToolResultError("currency is required"), nil
	}
	email := req.GetString("email", "")
	if email == "" {
		return mcp.NewToolResultError("email is required"), nil
	}

	body := map[string]string{
		"amount":   amount,
		"currency": currency,
		"email":    email,
	}
	if service := req.GetString("service", ""); service != "" {
		body["service"] = service
	}
	if description := req.GetString("description", ""); description != "" {
		body["description"] = description
	}

	raw, err := h.client.CreateInvoice(ctx, provider, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create invoice: %v", err)), nil
	}

	var resp struct {
		Invoice    map[string]any `json:"invoice"`
		PaymentURL string         `json:"paymentUrl"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Invoice created with %s\n", provider)
	fmt.Fprintf(&sb, "Invoice number: %s\n", getString(resp.Invoice, "invoiceNumber"))
	fmt.Fprintf(&sb, "Amount: %s %s\n", amount, currency)
	fmt.Fprintf(&sb, "Payment URL: %s\n\n", resp.PaymentURL)
	sb.WriteString("Send the buyer to the payment URL. The invoice completes " +
		"automatically when the provider confirms payment; use get_invoice to check status.")

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSettleWeb3 settles a direct on-chain payment.
func (h *Handlers) HandleSettleWeb3(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txHash := req.GetString("tx_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("tx_hash is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}
	service := req.GetString("service", "")
	if service == "" {
		return mcp.NewToolResultError("service is required"), nil
	}

	body := map[string]string{
		"txHash":  txHash,
		"amount":  amount,
		"service": service,
	}
	if network := req.GetString("network", ""); network != "" {
		body["network"] = network
	}
	if email := req.GetString("email", ""); email != "" {
		body["email"] = email
	}

	raw, err := h.client.SettleWeb3(ctx, body)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Settlement failed: %v", err)), nil
	}

	var resp struct {
		Invoice    map[string]any `json:"invoice"`
		Status     string         `json:"status"`
		LicenseKey string         `json:"licenseKey"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse response: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Transaction status: %s\n", resp.Status)
	switch resp.Status {
	case "confirmed":
		sb.WriteString("Payment confirmed and invoice completed.\n")
		if resp.LicenseKey != "" {
			fmt.Fprintf(&sb, "License key: %s\n", resp.LicenseKey)
		}
	case "failed":
		sb.WriteString("The transaction reverted on chain. No license was issued.\n")
	default:
		sb.WriteString("The transaction is not confirmed yet. Retry settle_web3 " +
			"with the same tx_hash once it mines.\n")
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatInvoice(raw json.RawMessage) (string, error) {
	var resp struct {
		Invoice map[string]any `json:"invoice"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if resp.Invoice == nil {
		return "", fmt.Errorf("no invoice in response")
	}
	inv := resp.Invoice

	var sb strings.Builder
	sb.WriteString("Invoice:\n")
	fmt.Fprintf(&sb, "  Number: %s\n", getString(inv, "invoiceNumber"))
	fmt.Fprintf(&sb, "  Amount: %s %s\n", getString(inv, "amount"), getString(inv, "currency"))
	fmt.Fprintf(&sb, "  Provider: %s\n", getString(inv, "provider"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(inv, "status"))
	if v := getString(inv, "fulfillmentStatus"); v != "" && v != "none" {
		fmt.Fprintf(&sb, "  Fulfillment: %s\n", v)
	}
	if v := getString(inv, "paymentUrl"); v != "" {
		fmt.Fprintf(&sb, "  Payment URL: %s\n", v)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
