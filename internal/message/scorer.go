package message

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const maxExplainedHits = 3

var recommendations = map[domain.Tier]string{
	domain.TierHigh:   "Do not respond or share any information. Delete this message and report the sender.",
	domain.TierMedium: "Verify the sender through official channels before proceeding.",
	domain.TierLow:    "Message appears safe. Proceed with normal transaction verification.",
}

var signalText = map[domain.SignalKind]string{
	domain.SignalSuspiciousURL: "Contains a link",
	domain.SignalPhoneNumber:   "Contains a phone number",
	domain.SignalOTPDigits:     "Contains OTP-like digits",
	domain.SignalCardNumber:    "Contains card-number digits",
	domain.SignalUrgency:       "Creates false urgency",
	domain.SignalImpersonation: "Impersonates an institution",
	domain.SignalKeyword:       "Suspicious keywords",
	domain.SignalLegitimate:    "Reads like a legitimate transaction notice",
}

// Scorer turns library matches into a bounded score and tier.
type Scorer struct {
	lib        *Library
	points     domain.MessagePoints
	thresholds domain.MessageThresholds
}

// NewScorer builds a scorer over the built-in library using the tier
// boundaries and point table in thresholds.
func NewScorer(thresholds domain.MessageThresholds) *Scorer {
	return &Scorer{
		lib:        NewLibrary(thresholds.Points.UrgencyMinMarkers),
		points:     thresholds.Points,
		thresholds: thresholds,
	}
}

// Score evaluates msg. It never fails and holds no state between calls.
func (s *Scorer) Score(msg domain.Message) domain.MessageScoreResult {
	if strings.TrimSpace(msg.Text) == "" {
		return domain.MessageScoreResult{
			Score:             0,
			Tier:              domain.TierLow,
			MatchedCategories: []domain.FraudCategory{},
			Signals:           []domain.SignalKind{},
			Explanation:       []string{"No message provided"},
			Recommendation:    recommendations[domain.TierLow],
			CanProceed:        true,
		}
	}

	m := s.lib.Match(msg.Text)
	result := domain.MessageScoreResult{
		MatchedCategories: make([]domain.FraudCategory, 0, len(m.Categories)),
		Signals:           make([]domain.SignalKind, 0, len(m.Signals)),
		Explanation:       []string{},
	}

	var total float64
	for _, c := range m.Categories {
		pts := s.points.Categories[c.Category]
		total += pts
		result.MatchedCategories = append(result.MatchedCategories, c.Category)
		result.Explanation = append(result.Explanation,
			fmt.Sprintf("%s (+%.0f): %s", c.Label, pts, joinHits(c.Hits)))
	}
	for _, sig := range m.Signals {
		pts := s.signalPoints(sig)
		total += pts
		result.Signals = append(result.Signals, sig.Signal)
		text := signalText[sig.Signal]
		if sig.Shortened {
			text = "Contains a shortened link"
		}
		result.Explanation = append(result.Explanation,
			fmt.Sprintf("%s (%+.0f): %s", text, pts, joinHits(sig.Hits)))
	}

	result.Score = math.Max(0, math.Min(100, total))
	result.Tier = s.tier(result.Score)
	result.FraudType = fraudType(m, result.Tier)
	result.Recommendation = recommendations[result.Tier]
	result.CanProceed = result.Tier != domain.TierHigh

	if len(result.Explanation) == 0 {
		result.Explanation = append(result.Explanation, "No fraud indicators detected")
	}
	return result
}

func (s *Scorer) tier(score float64) domain.Tier {
	switch {
	case score >= s.thresholds.HighScore:
		return domain.TierHigh
	case score >= s.thresholds.MediumScore:
		return domain.TierMedium
	default:
		return domain.TierLow
	}
}

func (s *Scorer) signalPoints(sig SignalMatch) float64 {
	switch sig.Signal {
	case domain.SignalSuspiciousURL:
		if sig.Shortened {
			return s.points.ShortenedURL
		}
		return s.points.Link
	case domain.SignalPhoneNumber:
		return s.points.PhoneNumber
	case domain.SignalOTPDigits:
		return s.points.OTPDigits
	case domain.SignalCardNumber:
		return s.points.CardNumber
	case domain.SignalUrgency:
		return s.points.Urgency
	case domain.SignalImpersonation:
		return s.points.Impersonation
	case domain.SignalKeyword:
		return s.points.SuspiciousKeyword * float64(len(sig.Hits))
	case domain.SignalLegitimate:
		return -s.points.LegitimateDiscount
	}
	return 0
}

// fraudType picks the first matched label in library order. A LOW message
// with no scoring category has no fraud type; a risky message matching no
// signature is labeled general phishing.
func fraudType(m Matches, tier domain.Tier) string {
	if len(m.Categories) == 0 && tier == domain.TierLow {
		return ""
	}
	if len(m.Labels) > 0 {
		return m.Labels[0]
	}
	return "General Phishing"
}

func joinHits(hits []string) string {
	if len(hits) > maxExplainedHits {
		hits = hits[:maxExplainedHits]
	}
	return strings.Join(hits, ", ")
}
