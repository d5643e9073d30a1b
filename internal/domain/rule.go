package domain

import "time"

// PolicyRule is an operator-defined CEL predicate that escalates a
// transaction. BLOCK rules run right after the built-in block rules and
// WARN rules right after the built-in warn rule, so they can only raise
// an outcome that would otherwise be ALLOW or WARN.
type PolicyRule struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Expression  string    `json:"expression"`
	Outcome     Decision  `json:"outcome"`
	Reason      string    `json:"reason"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
}
