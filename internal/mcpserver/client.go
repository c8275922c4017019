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

// Config holds the configuration for connecting to the milepay API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer JWT for the acting user
}

// Client is a pure HTTP client for the milepay API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the milepay API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the platform and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any, headers ...string) (json.RawMessage, error) {
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

	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
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
			return nil, fmt.Errorf("API error (%d %s): %s", resp.StatusCode, apiErr.Error, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetWallet returns the caller's balances.
func (c *Client) GetWallet(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil)
}

// GetPlatform returns currency, fee schedule and supported rails.
func (c *Client) GetPlatform(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/platform", nil, nil)
}

// ListAgreements lists agreements the caller is party to.
func (c *Client) ListAgreements(ctx context.Context, status string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agreements", q, nil)
}

// GetAgreement returns one agreement.
func (c *Client) GetAgreement(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agreements/"+url.PathEscape(id), nil, nil)
}

// ListMilestones returns an agreement's milestones in sequence order.
func (c *Client) ListMilestones(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agreements/"+url.PathEscape(id)+"/milestones", nil, nil)
}

// MilestoneDraft is one milestone of a new agreement.
type MilestoneDraft struct {
	Title       string `json:"title"`
	AmountCents int64  `json:"amountCents"`
	PayeeID     string `json:"payeeId"`
}

// AgreementDraft is the body of a new agreement.
type AgreementDraft struct {
	Title           string           `json:"title"`
	Description     string           `json:"description,omitempty"`
	TotalValueCents int64            `json:"totalValueCents"`
	Counterparties  []string         `json:"counterparties"`
	Milestones      []MilestoneDraft `json:"milestones"`
}

// CreateAgreement drafts an agreement with the caller as payer.
func (c *Client) CreateAgreement(ctx context.Context, draft AgreementDraft) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/agreements", nil, draft)
}

// SignAgreement records the caller's signature.
func (c *Client) SignAgreement(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/agreements/"+url.PathEscape(id)+"/sign", nil, nil)
}

// FundAgreement moves amountCents of the caller's available balance into
// escrow. Zero funds everything outstanding.
func (c *Client) FundAgreement(ctx context.Context, id string, amountCents int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/agreements/"+url.PathEscape(id)+"/fund", nil,
		map[string]int64{"amount": amountCents})
}

func milestonePath(agreementID, milestoneID, action string) string {
	return "/v1/agreements/" + url.PathEscape(agreementID) + "/milestones/" + url.PathEscape(milestoneID) + "/" + action
}

// SubmitMilestone hands a milestone in for approval.
func (c *Client) SubmitMilestone(ctx context.Context, agreementID, milestoneID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, milestonePath(agreementID, milestoneID, "submit"), nil, nil)
}

// ApproveMilestone releases a submitted milestone's escrow. Retries with the
// same key replay the first outcome.
func (c *Client) ApproveMilestone(ctx context.Context, agreementID, milestoneID, idempotencyKey string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, milestonePath(agreementID, milestoneID, "approve"), nil, nil,
		"Idempotency-Key", idempotencyKey)
}

// DisputeDraft is the body of a new dispute.
type DisputeDraft struct {
	AgreementID string `json:"agreementId"`
	MilestoneID string `json:"milestoneId,omitempty"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// OpenDispute opens a dispute, freezing the milestone's escrow.
func (c *Client) OpenDispute(ctx context.Context, draft DisputeDraft) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes", nil, draft)
}
