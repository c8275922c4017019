package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/milepay/internal/idgen"
	"github.com/mbd888/milepay/internal/wallet"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckBalance returns the caller's wallet balances.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetWallet(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatWallet(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse wallet: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandlePlatformInfo returns the fee schedule and supported rails.
func (h *Handlers) HandlePlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPlatform(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}

	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// HandleListAgreements lists the caller's agreements.
func (h *Handlers) HandleListAgreements(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAgreements(ctx, req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agreements: %v", err)), nil
	}

	var resp struct {
		Agreements []agreementInfo `json:"agreements"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agreements: %v", err)), nil
	}
	if len(resp.Agreements) == 0 {
		return mcp.NewToolResultText("No agreements found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d agreement(s):\n\n", len(resp.Agreements))
	for i, a := range resp.Agreements {
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, a.Title, a.ID)
		fmt.Fprintf(&sb, "   Status: %s | Progress: %d%% | Total: %s\n",
			a.Status, a.ProgressPercent, wallet.FormatCents(a.TotalValueCents, a.Currency))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetAgreement returns an agreement and its milestones.
func (h *Handlers) HandleGetAgreement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("agreement_id", "")
	if id == "" {
		return mcp.NewToolResultError("agreement_id is required"), nil
	}

	raw, err := h.client.GetAgreement(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get agreement: %v", err)), nil
	}
	var resp struct {
		Agreement agreementInfo `json:"agreement"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agreement: %v", err)), nil
	}

	msRaw, err := h.client.ListMilestones(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list milestones: %v", err)), nil
	}
	var msResp struct {
		Milestones []milestoneInfo `json:"milestones"`
	}
	if err := json.Unmarshal(msRaw, &msResp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse milestones: %v", err)), nil
	}

	return mcp.NewToolResultText(formatAgreement(resp.Agreement, msResp.Milestones)), nil
}

// HandleCreateAgreement drafts an agreement paying the counterparty.
func (h *Handlers) HandleCreateAgreement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title := req.GetString("title", "")
	if title == "" {
		return mcp.NewToolResultError("title is required"), nil
	}
	counterparty := req.GetString("counterparty", "")
	if counterparty == "" {
		return mcp.NewToolResultError("counterparty is required"), nil
	}
	total := int64(req.GetInt("total_cents", 0))
	if total <= 0 {
		return mcp.NewToolResultError("total_cents must be positive"), nil
	}
	milestones, err := parseMilestones(req.GetArguments()["milestones"], counterparty)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	raw, err := h.client.CreateAgreement(ctx, AgreementDraft{
		Title:           title,
		Description:     req.GetString("description", ""),
		TotalValueCents: total,
		Counterparties:  []string{counterparty},
		Milestones:      milestones,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create agreement: %v", err)), nil
	}

	var resp struct {
		Agreement  agreementInfo   `json:"agreement"`
		Milestones []milestoneInfo `json:"milestones"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agreement: %v", err)), nil
	}
	return mcp.NewToolResultText("Agreement drafted. Every party must sign it next.\n\n" +
		formatAgreement(resp.Agreement, resp.Milestones)), nil
}

// HandleSignAgreement signs an agreement.
func (h *Handlers) HandleSignAgreement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("agreement_id", "")
	if id == "" {
		return mcp.NewToolResultError("agreement_id is required"), nil
	}

	raw, err := h.client.SignAgreement(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to sign: %v", err)), nil
	}
	a, err := parseAgreement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agreement: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Signed %s. Status: %s", a.ID, a.Status)), nil
}

// HandleFundAgreement escrows funds for an agreement.
func (h *Handlers) HandleFundAgreement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("agreement_id", "")
	if id == "" {
		return mcp.NewToolResultError("agreement_id is required"), nil
	}
	amount := int64(req.GetInt("amount_cents", 0))
	if amount < 0 {
		return mcp.NewToolResultError("amount_cents cannot be negative"), nil
	}

	raw, err := h.client.FundAgreement(ctx, id, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Funding failed: %v", err)), nil
	}
	a, err := parseAgreement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse agreement: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow for %s is now %s of %s outstanding.",
		a.ID, wallet.FormatCents(a.FundedCents, a.Currency), wallet.FormatCents(a.RemainingAmountCents, a.Currency))), nil
}

// HandleSubmitMilestone submits a milestone for approval.
func (h *Handlers) HandleSubmitMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agreementID, milestoneID, errResult := milestoneArgs(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.SubmitMilestone(ctx, agreementID, milestoneID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submit failed: %v", err)), nil
	}
	var resp struct {
		Milestone milestoneInfo `json:"milestone"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse milestone: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Milestone %q submitted for approval.", resp.Milestone.Title)), nil
}

// HandleApproveMilestone approves and pays a milestone.
func (h *Handlers) HandleApproveMilestone(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agreementID, milestoneID, errResult := milestoneArgs(req)
	if errResult != nil {
		return errResult, nil
	}
	key := req.GetString("idempotency_key", "")
	if key == "" {
		key = idgen.WithPrefix("mcp_")
	}

	raw, err := h.client.ApproveMilestone(ctx, agreementID, milestoneID, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf(
			"Approval failed: %v\nRetry with idempotency_key %q to avoid paying twice.", err, key)), nil
	}

	var resp struct {
		Agreement agreementInfo `json:"agreement"`
		Milestone milestoneInfo `json:"milestone"`
		Release   *struct {
			Payee struct {
				NetCents int64 `json:"netAmount"`
			} `json:"payeeTransaction"`
			Payer struct {
				FeeCents int64 `json:"fee"`
			} `json:"payerTransaction"`
		} `json:"release"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse approval: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Milestone %q is %s.\n", resp.Milestone.Title, resp.Milestone.Status)
	if resp.Release != nil {
		fmt.Fprintf(&sb, "Payee received: %s (platform fee %s)\n",
			wallet.FormatCents(resp.Release.Payee.NetCents, resp.Agreement.Currency),
			wallet.FormatCents(resp.Release.Payer.FeeCents, resp.Agreement.Currency))
	}
	fmt.Fprintf(&sb, "Agreement progress: %d%% (%s)", resp.Agreement.ProgressPercent, resp.Agreement.Status)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOpenDispute opens a dispute.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	draft := DisputeDraft{
		AgreementID: req.GetString("agreement_id", ""),
		MilestoneID: req.GetString("milestone_id", ""),
		Type:        req.GetString("type", ""),
		Description: req.GetString("description", ""),
	}
	switch {
	case draft.AgreementID == "":
		return mcp.NewToolResultError("agreement_id is required"), nil
	case draft.Type == "":
		return mcp.NewToolResultError("type is required"), nil
	case draft.Description == "":
		return mcp.NewToolResultError("description is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, draft)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}
	var resp struct {
		Dispute struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	frozen := "The agreement is marked disputed."
	if draft.MilestoneID != "" {
		frozen = "The milestone's escrow is frozen until a mediator resolves it."
	}
	return mcp.NewToolResultText(fmt.Sprintf("Dispute %s opened (status: %s).\n%s",
		resp.Dispute.ID, resp.Dispute.Status, frozen)), nil
}

// --- Parsing and formatting helpers ---

type agreementInfo struct {
	ID                   string `json:"id"`
	Title                string `json:"title"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
	TotalValueCents      int64  `json:"totalValueCents"`
	PaidAmountCents      int64  `json:"paidAmountCents"`
	RemainingAmountCents int64  `json:"remainingAmountCents"`
	FundedCents          int64  `json:"fundedCents"`
	ProgressPercent      int    `json:"progressPercent"`
}

type milestoneInfo struct {
	ID          string `json:"id"`
	Sequence    int    `json:"sequence"`
	Title       string `json:"title"`
	AmountCents int64  `json:"amountCents"`
	PayeeID     string `json:"payeeId"`
	Status      string `json:"status"`
}

func parseAgreement(raw json.RawMessage) (agreementInfo, error) {
	var resp struct {
		Agreement agreementInfo `json:"agreement"`
	}
	err := json.Unmarshal(raw, &resp)
	return resp.Agreement, err
}

func milestoneArgs(req mcp.CallToolRequest) (string, string, *mcp.CallToolResult) {
	agreementID := req.GetString("agreement_id", "")
	if agreementID == "" {
		return "", "", mcp.NewToolResultError("agreement_id is required")
	}
	milestoneID := req.GetString("milestone_id", "")
	if milestoneID == "" {
		return "", "", mcp.NewToolResultError("milestone_id is required")
	}
	return agreementID, milestoneID, nil
}

// parseMilestones reads the milestones argument. Amounts arrive as JSON
// numbers; fractional cents are rejected.
func parseMilestones(arg any, defaultPayee string) ([]MilestoneDraft, error) {
	items, ok := arg.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("milestones must be a non-empty array")
	}
	out := make([]MilestoneDraft, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("milestone %d must be an object", i+1)
		}
		amount, ok := m["amount_cents"].(float64)
		if !ok || amount <= 0 || amount != float64(int64(amount)) {
			return nil, fmt.Errorf("milestone %d needs a positive whole amount_cents", i+1)
		}
		d := MilestoneDraft{
			Title:       getString(m, "title"),
			AmountCents: int64(amount),
			PayeeID:     getString(m, "payee_id"),
		}
		if d.Title == "" {
			return nil, fmt.Errorf("milestone %d needs a title", i+1)
		}
		if d.PayeeID == "" {
			d.PayeeID = defaultPayee
		}
		out = append(out, d)
	}
	return out, nil
}

func formatWallet(raw json.RawMessage) (string, error) {
	var resp struct {
		Wallet struct {
			Currency  string           `json:"currency"`
			Balance   int64            `json:"balance"`
			Available int64            `json:"availableBalance"`
			Pending   int64            `json:"pendingBalance"`
			Escrow    int64            `json:"escrowBalance"`
			Holds     map[string]int64 `json:"holds"`
		} `json:"wallet"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	w := resp.Wallet

	var sb strings.Builder
	sb.WriteString("Wallet:\n")
	fmt.Fprintf(&sb, "  Balance:   %s\n", wallet.FormatCents(w.Balance, w.Currency))
	fmt.Fprintf(&sb, "  Available: %s\n", wallet.FormatCents(w.Available, w.Currency))
	if w.Pending != 0 {
		fmt.Fprintf(&sb, "  Pending:   %s\n", wallet.FormatCents(w.Pending, w.Currency))
	}
	if w.Escrow != 0 {
		fmt.Fprintf(&sb, "  Escrow:    %s\n", wallet.FormatCents(w.Escrow, w.Currency))
		for ref, amt := range w.Holds {
			fmt.Fprintf(&sb, "    %s: %s\n", ref, wallet.FormatCents(amt, w.Currency))
		}
	}
	return sb.String(), nil
}

func formatAgreement(a agreementInfo, ms []milestoneInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", a.Title, a.ID)
	fmt.Fprintf(&sb, "Status: %s | Progress: %d%%\n", a.Status, a.ProgressPercent)
	fmt.Fprintf(&sb, "Total: %s | Paid: %s | Remaining: %s | In escrow: %s\n",
		wallet.FormatCents(a.TotalValueCents, a.Currency),
		wallet.FormatCents(a.PaidAmountCents, a.Currency),
		wallet.FormatCents(a.RemainingAmountCents, a.Currency),
		wallet.FormatCents(a.FundedCents, a.Currency))
	if len(ms) > 0 {
		sb.WriteString("Milestones:\n")
	}
	for _, m := range ms {
		fmt.Fprintf(&sb, "  %d. %s (%s): %s to %s, %s\n",
			m.Sequence, m.Title, m.ID, wallet.FormatCents(m.AmountCents, a.Currency), m.PayeeID, m.Status)
	}
	return sb.String()
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
		}
	}
	return ""
}
