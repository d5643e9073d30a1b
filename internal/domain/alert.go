package domain

// PatternKind identifies one of the sequential attack shapes.
type PatternKind string

const (
	PatternVerificationAttack  PatternKind = "VerificationAttack"
	PatternRapidSwitching      PatternKind = "RapidSwitching"
	PatternVulnerableUserNight PatternKind = "VulnerableUserNight"
)

// Severity is an ordinal alert level.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities; unknown values rank below LOW.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// PatternAlert is emitted by the sequential detector for one transaction.
type PatternAlert struct {
	Kind        PatternKind `json:"kind"`
	Severity    Severity    `json:"severity"`
	Evidence    []string    `json:"evidence"` // transaction ids, oldest first
	Score       float64     `json:"score"`
	Description string      `json:"description"`
}
