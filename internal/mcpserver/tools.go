package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the payhub MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListProviders = mcp.NewTool("list_providers",
	mcp.WithDescription(
		"List the payment providers configured on this payhub deployment. "+
			"Use this before create_invoice to see which providers are available."),
)

var ToolGetInvoice = mcp.NewTool("get_invoice",
	mcp.WithDescription(
		"Look up an invoice by its invoice number. "+
			"Shows amount, provider, payment status (created/completed/failed), and fulfillment status."),
	mcp.WithString("invoice_number",
		mcp.Required(),
		mcp.Description("The invoice number returned when the invoice was created")),
)

var ToolCreateInvoice = mcp.NewTool("create_invoice",
	mcp.WithDescription(
		"Create a payment request with a payment provider. "+
			"Returns the invoice and a payment URL the buyer opens to pay. "+
			"The invoice completes asynchronously when the provider confirms payment."),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("Payment provider: 'coinpayments', 'cryptocloud', 'nowpayments', or 'stripe'")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount as a decimal string (e.g. '10.00')")),
	mcp.WithString("currency",
		mcp.Required(),
		mcp.Description("Currency code (e.g. 'USD', 'USDT', 'BTC')")),
	mcp.WithString("email",
		mcp.Required(),
		mcp.Description("Buyer's email address, used for license delivery")),
	mcp.WithString("service",
		mcp.Description("Service or product identifier being purchased")),
	mcp.WithString("description",
		mcp.Description("Human-readable description shown on the payment page")),
)

var ToolSettleWeb3 = mcp.NewTool("settle_web3",
	mcp.WithDescription(
		"Settle a direct on-chain crypto payment by transaction hash. "+
			"Verifies the transaction on the named network and, once confirmed, "+
			"completes the invoice and issues the license. "+
			"Safe to retry while the transaction is still pending."),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash (0x + 64 hex chars)")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Paid amount as a decimal string")),
	mcp.WithString("service",
		mcp.Required(),
		mcp.Description("Service or product identifier being purchased")),
	mcp.WithString("network",
		mcp.Description("Network: 'ethereum', 'polygon', 'bsc', or 'bsc-testnet' (default 'ethereum')")),
	mcp.WithString("email",
		mcp.Description("Buyer's email address for license delivery")),
)
