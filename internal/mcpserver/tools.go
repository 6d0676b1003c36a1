package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up an escrow by id. Shows buyer, seller, amount, lifecycle status "+
			"(pending/funded/released/refunded/disputed/expired), and transaction references."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id (e.g. 'esc_...')")),
)

var ToolGetEscrowHistory = mcp.NewTool("get_escrow_history",
	mcp.WithDescription(
		"Fetch the append-only transition history of an escrow: every state change "+
			"with timestamps and ledger transaction references."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id")),
)

var ToolListEscrows = mcp.NewTool("list_escrows",
	mcp.WithDescription(
		"List all escrows where you are buyer or seller, newest first."),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your current balance on the settlement ledger, in raw units."),
)

var ToolCreateEscrow = mcp.NewTool("create_escrow",
	mcp.WithDescription(
		"Open a new escrow with you as buyer. The escrow starts pending and must be "+
			"funded before its expiry deadline."),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller's ledger address")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in raw units as a base-10 integer string")),
	mcp.WithString("mint",
		mcp.Required(),
		mcp.Description("Asset mint id")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Dispute a funded escrow when the other side did not hold up their end. "+
			"Freezes settlement until a moderator resolves it to release or refund."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id to dispute")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Short reason (e.g. 'not delivered')")),
	mcp.WithString("description",
		mcp.Description("Longer explanation of what went wrong")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Look up a dispute by id: status (open/resolved/closed), resolution, and evidence."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute id (e.g. 'dsp_...')")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve an open dispute as a moderator. 'release' pays the seller, "+
			"'refund' returns the buyer. Only works when configured with a moderator identity."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute id")),
	mcp.WithString("resolution",
		mcp.Required(),
		mcp.Description("Arbitration outcome"),
		mcp.Enum("release", "refund")),
)
