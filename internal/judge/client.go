// Package judge talks to the external AI judgment service. The channel fails
// closed: transport or parse trouble yields a FAIL verdict with zero
// confidence, never an error the pipeline could mistake for a pass.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Verdict tags produced by the judgment service.
const (
	VerdictPass = "PASS"
	VerdictFail = "FAIL"
)

// Risk flags attached to fail-closed fallbacks.
const (
	FlagParseError  = "JSON_PARSE_ERROR"
	FlagSystemError = "SYSTEM_ERROR"
)

// Request carries one delivery to be judged against its contract.
type Request struct {
	TransactionID      string
	ContractTerms      string
	AcceptanceCriteria []string
	DeliveryContent    string
}

// Verdict is the structured judgment outcome.
type Verdict struct {
	TransactionID string   `json:"transaction_id,omitempty"`
	Verdict       string   `json:"verdict"`
	Confidence    int      `json:"confidence_score"`
	ReleaseFunds  bool     `json:"release_funds"`
	Reasoning     string   `json:"reasoning"`
	RiskFlags     []string `json:"risk_flags"`
}

// Verifier scores delivered content against acceptance criteria.
type Verifier interface {
	Verify(ctx context.Context, req Request) Verdict
}

// Client calls a generateContent-style endpoint.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
}

// Option configures the Client.
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func New(endpoint, apiKey string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 60 * time.Second},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// generateContent wire types.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Verify sends the delivery to the judgment service and parses its verdict.
func (c *Client) Verify(ctx context.Context, req Request) Verdict {
	prompt := formatPrompt(req)

	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return c.failClosed(req, FlagSystemError, fmt.Sprintf("encode judgment request: %v", err))
	}

	url := c.endpoint
	if c.apiKey != "" {
		url += "?key=" + c.apiKey
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return c.failClosed(req, FlagSystemError, fmt.Sprintf("build judgment request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.failClosed(req, FlagSystemError, fmt.Sprintf("judgment service unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.failClosed(req, FlagSystemError, fmt.Sprintf("judgment service returned %d", resp.StatusCode))
	}

	var gr generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return c.failClosed(req, FlagParseError, fmt.Sprintf("decode judgment envelope: %v", err))
	}
	if len(gr.Candidates) == 0 || len(gr.Candidates[0].Content.Parts) == 0 {
		return c.failClosed(req, FlagParseError, "judgment response contained no candidates")
	}

	raw := stripFences(strings.TrimSpace(gr.Candidates[0].Content.Parts[0].Text))

	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		c.logger.Error("judgment verdict parse failed", "error", err, "raw", truncateForLog(raw))
		return c.failClosed(req, FlagParseError, fmt.Sprintf("parse judgment verdict: %v", err))
	}
	if verdict.TransactionID == "" {
		verdict.TransactionID = req.TransactionID
	}
	if verdict.RiskFlags == nil {
		verdict.RiskFlags = []string{}
	}

	c.logger.Info("judgment verdict received",
		"transaction_id", verdict.TransactionID,
		"verdict", verdict.Verdict,
		"confidence", verdict.Confidence,
	)
	return verdict
}

func (c *Client) failClosed(req Request, flag, reason string) Verdict {
	c.logger.Error("judgment failed closed", "transaction_id", req.TransactionID, "flag", flag, "reason", reason)
	return Verdict{
		TransactionID: req.TransactionID,
		Verdict:       VerdictFail,
		Confidence:    0,
		ReleaseFunds:  false,
		Reasoning:     reason,
		RiskFlags:     []string{flag},
	}
}

// formatPrompt embeds the contract data as a JSON-like structure the judgment
// service was prompted to expect.
func formatPrompt(req Request) string {
	criteria := make([]string, len(req.AcceptanceCriteria))
	for i, c := range req.AcceptanceCriteria {
		criteria[i] = "    " + jsonString(c)
	}

	var b strings.Builder
	b.WriteString("Input:\n{\n")
	fmt.Fprintf(&b, "  \"transaction_id\": %s,\n", jsonString(req.TransactionID))
	fmt.Fprintf(&b, "  \"Contract_Terms\": %s,\n", jsonString(req.ContractTerms))
	b.WriteString("  \"Acceptance_Criteria\": [\n")
	b.WriteString(strings.Join(criteria, ",\n"))
	b.WriteString("\n  ],\n")
	fmt.Fprintf(&b, "  \"Delivery_Content\": %s\n", jsonString(req.DeliveryContent))
	b.WriteString("}")
	return b.String()
}

// jsonString JSON-escapes a string (quotes and newlines included) for the prompt.
func jsonString(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}

// stripFences removes optional markdown code fences around the verdict JSON.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func truncateForLog(s string) string {
	if len(s) > 500 {
		return s[:500]
	}
	return s
}
