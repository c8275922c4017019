package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the milepay MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your milepay wallet. Shows the total balance, the available balance you can spend, "+
			"funds pending settlement, and funds held in escrow per agreement."),
)

var ToolPlatformInfo = mcp.NewTool("platform_info",
	mcp.WithDescription(
		"Get the platform currency, fee schedule and supported deposit and withdrawal methods. "+
			"Use this to explain what a payee will receive after the platform fee."),
)

var ToolListAgreements = mcp.NewTool("list_agreements",
	mcp.WithDescription("List the agreements you are party to, newest first."),
	mcp.WithString("status",
		mcp.Description("Only agreements in this status"),
		mcp.Enum("draft", "pending_signatures", "active", "in_progress", "completed", "cancelled", "disputed")),
)

var ToolGetAgreement = mcp.NewTool("get_agreement",
	mcp.WithDescription(
		"Get an agreement with its milestones: status, progress, amounts paid and remaining, "+
			"and the escrow currently funded."),
	mcp.WithString("agreement_id",
		mcp.Required(),
		mcp.Description("The agreement ID (e.g. 'agr_...')")),
)

var ToolCreateAgreement = mcp.NewTool("create_agreement",
	mcp.WithDescription(
		"Draft a milestone agreement where you pay a counterparty. "+
			"Milestone amounts must add up exactly to the total. "+
			"Every party then signs, and you fund escrow before work starts."),
	mcp.WithString("title",
		mcp.Required(),
		mcp.Description("Short title of the engagement")),
	mcp.WithString("description",
		mcp.Description("Scope of work")),
	mcp.WithString("counterparty",
		mcp.Required(),
		mcp.Description("User ID of the party doing the work")),
	mcp.WithNumber("total_cents",
		mcp.Required(),
		mcp.Description("Total value in cents (e.g. 300000 for 3000.00)")),
	mcp.WithArray("milestones",
		mcp.Required(),
		mcp.Description("Ordered milestones, each {\"title\": \"Design\", \"amount_cents\": 150000}. "+
			"The counterparty is the payee unless \"payee_id\" is given."),
		mcp.Items(map[string]any{"type": "object"})),
)

var ToolSignAgreement = mcp.NewTool("sign_agreement",
	mcp.WithDescription("Sign an agreement you are party to. It becomes active once every party has signed."),
	mcp.WithString("agreement_id",
		mcp.Required(),
		mcp.Description("The agreement ID")),
)

var ToolFundAgreement = mcp.NewTool("fund_agreement",
	mcp.WithDescription(
		"Move funds from your available balance into escrow for an agreement you pay. "+
			"Escrowed funds are released to the payee as milestones are approved."),
	mcp.WithString("agreement_id",
		mcp.Required(),
		mcp.Description("The agreement ID")),
	mcp.WithNumber("amount_cents",
		mcp.Description("Cents to escrow. Omit to fund everything outstanding.")),
)

var ToolSubmitMilestone = mcp.NewTool("submit_milestone",
	mcp.WithDescription("Submit a milestone you are doing for the payer's approval."),
	mcp.WithString("agreement_id",
		mcp.Required(),
		mcp.Description("The agreement ID")),
	mcp.WithString("milestone_id",
		mcp.Required(),
		mcp.Description("The milestone ID (e.g. 'ms_...')")),
)

var ToolApproveMilestone = mcp.NewTool("approve_milestone",
	mcp.WithDescription(
		"Approve a submitted milestone and pay it from escrow, less the platform fee. "+
			"Fails while a dispute on the milestone is in progress."),
	mcp.WithString("agreement_id",
		mcp.Required(),
		mcp.Description("The agreement ID")),
	mcp.WithString("milestone_id",
		mcp.Required(),
		mcp.Description("The milestone ID")),
	mcp.WithString("idempotency_key",
		mcp.Description("Reuse the key from a previous attempt to retry safely. A new key is generated if omitted.")),
)

var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription(
		"Open a dispute on an agreement or one of its milestones. "+
			"The milestone's escrow is frozen until a mediator resolves the dispute."),
	mcp.WithString("agreement_id",
		mcp.Required(),
		mcp.Description("The agreement ID")),
	mcp.WithString("milestone_id",
		mcp.Description("The disputed milestone. Omit for an agreement-level dispute.")),
	mcp.WithString("type",
		mcp.Required(),
		mcp.Description("What the dispute is about"),
		mcp.Enum("non_delivery", "quality", "payment", "scope", "other")),
	mcp.WithString("description",
		mcp.Required(),
		mcp.Description("What went wrong")),
)
