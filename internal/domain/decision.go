package domain

import "time"

// Decision is the final verdict on a transaction.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionWarn  Decision = "WARN"
	DecisionBlock Decision = "BLOCK"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionAllow || d == DecisionWarn || d == DecisionBlock
}

// FactorContribution shows how one vulnerability factor moved the score.
type FactorContribution struct {
	Factor       string  `json:"factor"`
	Score        float64 `json:"score"`        // normalized 0-100
	Weight       float64 `json:"weight"`       // share of the final score
	Contribution float64 `json:"contribution"` // score * weight
}

// DecisionResult is produced fresh for every scored transaction.
type DecisionResult struct {
	ID                   string               `json:"id"`
	TransactionID        string               `json:"transactionId"`
	IdentityID           string               `json:"identityId"`
	Decision             Decision             `json:"decision"`
	FraudProbability     float64              `json:"fraudProbability"`
	VulnerabilityScore   float64              `json:"vulnerabilityScore"`
	VulnerabilityFactors []FactorContribution `json:"vulnerabilityFactors,omitempty"`
	ProfileTag           ProfileTag           `json:"profileTag"`
	PatternAlerts        []PatternAlert       `json:"patternAlerts"`
	Explanation          []string             `json:"explanation"`
	Signals              []string             `json:"signals,omitempty"`
	MatchedRule          string               `json:"matchedRule"`
	ScoredAt             time.Time            `json:"scoredAt"`
}

// Alerting reports whether downstream consumers should be alerted.
func (r *DecisionResult) Alerting() bool {
	return r.Decision != DecisionAllow || len(r.PatternAlerts) > 0
}
