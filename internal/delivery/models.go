// Package delivery runs the off-chain submission pipeline: validate the
// one-time code, judge the content, apply the runtime and confidence
// safeguards, and record a terminal verdict.
package delivery

import "time"

// Pipeline states and terminal verdicts, as reported by the status endpoints.
const (
	StatusProcessing     = "PROCESSING"
	VerdictPendingReview = "PENDING_REVIEW"
	VerdictError         = "ERROR"
)

// Risk flags the pipeline adds on top of the judgment service's own.
const (
	FlagRuntimeError = "RUNTIME_ERROR"
	FlagHumanReview  = "HUMAN_REVIEW_REQUIRED"
)

// Confidence band that demotes a pass to human review. A PASS at or above
// the upper bound releases automatically; below the lower bound the judgment
// service is distrusted enough that FAIL paths dominate anyway.
const (
	ReviewLowerBound = 70
	ReviewUpperBound = 90
)

// Pending is a delivery accepted for processing but not yet judged.
type Pending struct {
	TransactionID string    `json:"transaction_id"`
	Subject       string    `json:"subject"`
	EscrowAddress string    `json:"escrow_address"`
	Content       string    `json:"content"`
	SubmittedAt   time.Time `json:"submitted_at"`
}

// Verdict is the terminal record for one delivery.
type Verdict struct {
	TransactionID string    `json:"transaction_id"`
	Subject       string    `json:"subject"`
	EscrowAddress string    `json:"escrow_address"`
	Verdict       string    `json:"verdict"`
	Confidence    int       `json:"confidence_score"`
	ReleaseFunds  bool      `json:"release_funds"`
	Reasoning     string    `json:"reasoning"`
	RiskFlags     []string  `json:"risk_flags"`
	SandboxOutput string    `json:"sandbox_output,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
