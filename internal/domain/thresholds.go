package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Thresholds holds every tunable number of the scoring engine. The defaults
// are starting points, not calibrated values.
type Thresholds struct {
	HistoryCapacity int `json:"historyCapacity"`

	// TimeZoneOffsetMinutes is used to derive time slots (IST by default).
	TimeZoneOffsetMinutes int `json:"timeZoneOffsetMinutes"`

	Vulnerability VulnerabilityThresholds `json:"vulnerability"`
	Profile       ProfileThresholds       `json:"profile"`
	Sequence      SequenceThresholds      `json:"sequence"`
	Decision      DecisionThresholds      `json:"decision"`
	Message       MessageThresholds       `json:"message"`
	Signals       SignalThresholds        `json:"signals"`
}

// VulnerabilityWeights are the shares of the six factors. They must sum to 1.
type VulnerabilityWeights struct {
	AccountAge       float64 `json:"accountAge"`
	DeviceTrust      float64 `json:"deviceTrust"`
	Behavior         float64 `json:"behavior"`
	Reputation       float64 `json:"reputation"`
	BeneficiaryTrust float64 `json:"beneficiaryTrust"`
	Location         float64 `json:"location"`
}

// Sum returns the total weight.
func (w VulnerabilityWeights) Sum() float64 {
	return w.AccountAge + w.DeviceTrust + w.Behavior + w.Reputation + w.BeneficiaryTrust + w.Location
}

type VulnerabilityThresholds struct {
	Weights                  VulnerabilityWeights `json:"weights"`
	AccountAgeSaturationDays int                  `json:"accountAgeSaturationDays"`
	AccountAgeFloor          float64              `json:"accountAgeFloor"`
	BehaviorFlagIncrement    float64              `json:"behaviorFlagIncrement"`
	LocationChangeBase       float64              `json:"locationChangeBase"`
	DistanceSaturationKm     float64              `json:"distanceSaturationKm"`
}

type ProfileThresholds struct {
	NewAccountDays          int           `json:"newAccountDays"`
	RuralRegions            []string      `json:"ruralRegions"`
	TechSavvyDeviceTrust    float64       `json:"techSavvyDeviceTrust"`
	TechSavvyMinFrequency   int           `json:"techSavvyMinFrequency"`
	TechSavvyMinAccountDays int           `json:"techSavvyMinAccountDays"`
	FrequencyWindow         time.Duration `json:"frequencyWindow"`

	// Used when a profile has to be derived from history alone.
	DefaultAccountAgeDays int     `json:"defaultAccountAgeDays"`
	DefaultReputation     float64 `json:"defaultReputation"`
	TrustSaturationCount  int     `json:"trustSaturationCount"`
}

type SequenceThresholds struct {
	ProbeAmount        decimal.Decimal `json:"probeAmount"`
	PayoffAmount       decimal.Decimal `json:"payoffAmount"`
	VerificationWindow time.Duration   `json:"verificationWindow"`
	CriticalRatio      decimal.Decimal `json:"criticalRatio"`

	RapidSwitchLookback         int           `json:"rapidSwitchLookback"`
	RapidSwitchSpan             time.Duration `json:"rapidSwitchSpan"`
	RapidSwitchMaxBeneficiaries int           `json:"rapidSwitchMaxBeneficiaries"`
	RapidSwitchTrustCeiling     float64       `json:"rapidSwitchTrustCeiling"`

	NightLargeAmount         decimal.Decimal `json:"nightLargeAmount"`
	NightCriticalAccountDays int             `json:"nightCriticalAccountDays"`

	CriticalScore float64 `json:"criticalScore"`
	HighScore     float64 `json:"highScore"`
}

type DecisionThresholds struct {
	BlockProbability   float64 `json:"blockProbability"`
	BlockVulnerability float64 `json:"blockVulnerability"`
	WarnProbability    float64 `json:"warnProbability"`
	WarnVulnerability  float64 `json:"warnVulnerability"`
}

type MessageThresholds struct {
	HighScore   float64       `json:"highScore"`
	MediumScore float64       `json:"mediumScore"`
	Points      MessagePoints `json:"points"`
}

// MessagePoints are the contributions of every message detector.
// SuspiciousKeyword is added once per distinct keyword found.
type MessagePoints struct {
	Categories         map[FraudCategory]float64 `json:"categories"`
	ShortenedURL       float64                   `json:"shortenedUrl"`
	Link               float64                   `json:"link"`
	PhoneNumber        float64                   `json:"phoneNumber"`
	OTPDigits          float64                   `json:"otpDigits"`
	CardNumber         float64                   `json:"cardNumber"`
	Urgency            float64                   `json:"urgency"`
	UrgencyMinMarkers  int                       `json:"urgencyMinMarkers"`
	Impersonation      float64                   `json:"impersonation"`
	SuspiciousKeyword  float64                   `json:"suspiciousKeyword"`
	LegitimateDiscount float64                   `json:"legitimateDiscount"`
}

// SignalThresholds drive the contextual indicators attached to a decision.
type SignalThresholds struct {
	LargeAmount         decimal.Decimal `json:"largeAmount"`
	HighFrequency       int             `json:"highFrequency"`
	LowBeneficiaryTrust float64         `json:"lowBeneficiaryTrust"`
}

// DefaultThresholds returns the stock policy.
func DefaultThresholds() Thresholds {
	return Thresholds{
		HistoryCapacity:       100,
		TimeZoneOffsetMinutes: 330,
		Vulnerability: VulnerabilityThresholds{
			Weights: VulnerabilityWeights{
				AccountAge:       0.20,
				DeviceTrust:      0.20,
				Behavior:         0.20,
				Reputation:       0.15,
				BeneficiaryTrust: 0.15,
				Location:         0.10,
			},
			AccountAgeSaturationDays: 365,
			AccountAgeFloor:          0,
			BehaviorFlagIncrement:    40,
			LocationChangeBase:       50,
			DistanceSaturationKm:     1000,
		},
		Profile: ProfileThresholds{
			NewAccountDays: 30,
			RuralRegions: []string{
				"Meerut", "Bhopal", "Amritsar", "Mysore",
				"Ranchi", "Raipur", "Guwahati", "Dehradun", "rural",
			},
			TechSavvyDeviceTrust:    0.8,
			TechSavvyMinFrequency:   5,
			TechSavvyMinAccountDays: 180,
			FrequencyWindow:         24 * time.Hour,
			DefaultAccountAgeDays:   0,
			DefaultReputation:       0.5,
			TrustSaturationCount:    5,
		},
		Sequence: SequenceThresholds{
			ProbeAmount:                 decimal.NewFromInt(10),
			PayoffAmount:                decimal.NewFromInt(20000),
			VerificationWindow:          24 * time.Hour,
			CriticalRatio:               decimal.NewFromInt(1000),
			RapidSwitchLookback:         15,
			RapidSwitchSpan:             time.Hour,
			RapidSwitchMaxBeneficiaries: 4,
			RapidSwitchTrustCeiling:     0.3,
			NightLargeAmount:            decimal.NewFromInt(30000),
			NightCriticalAccountDays:    7,
			CriticalScore:               95,
			HighScore:                   75,
		},
		Decision: DecisionThresholds{
			BlockProbability:   0.8,
			BlockVulnerability: 80,
			WarnProbability:    0.5,
			WarnVulnerability:  50,
		},
		Message: MessageThresholds{
			HighScore:   60,
			MediumScore: 30,
			Points: MessagePoints{
				Categories: map[FraudCategory]float64{
					CategoryOTPPhishing:     35,
					CategoryFakeRefund:      30,
					CategoryLotteryScam:     30,
					CategoryCourierScam:     30,
					CategoryKYCScam:         30,
					CategoryTaxRefundScam:   30,
					CategoryLegalThreatScam: 35,
					CategoryGeneralPhishing: 25,
				},
				ShortenedURL:       25,
				Link:               20,
				PhoneNumber:        15,
				OTPDigits:          15,
				CardNumber:         15,
				Urgency:            15,
				UrgencyMinMarkers:  2,
				Impersonation:      20,
				SuspiciousKeyword:  10,
				LegitimateDiscount: 30,
			},
		},
		Signals: SignalThresholds{
			LargeAmount:         decimal.NewFromInt(20000),
			HighFrequency:       10,
			LowBeneficiaryTrust: 0.4,
		},
	}
}

// Location returns the fixed zone used for slot derivation.
func (t Thresholds) Location() *time.Location {
	return time.FixedZone("engine", t.TimeZoneOffsetMinutes*60)
}

// Validate checks the thresholds once, at construction.
func (t Thresholds) Validate() error {
	if t.HistoryCapacity <= 0 {
		return fmt.Errorf("%w: history capacity must be positive", ErrInvalidConfig)
	}

	w := t.Vulnerability.Weights
	for name, v := range map[string]float64{
		"accountAge":       w.AccountAge,
		"deviceTrust":      w.DeviceTrust,
		"behavior":         w.Behavior,
		"reputation":       w.Reputation,
		"beneficiaryTrust": w.BeneficiaryTrust,
		"location":         w.Location,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: vulnerability weight %s must not be negative", ErrInvalidConfig, name)
		}
	}
	if sum := w.Sum(); sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("%w: vulnerability weights sum to %.4f, want 1.0", ErrInvalidConfig, sum)
	}
	if t.Vulnerability.AccountAgeSaturationDays <= 0 {
		return fmt.Errorf("%w: account age saturation must be positive", ErrInvalidConfig)
	}
	if t.Vulnerability.DistanceSaturationKm <= 0 {
		return fmt.Errorf("%w: distance saturation must be positive", ErrInvalidConfig)
	}

	s := t.Sequence
	if !s.ProbeAmount.IsPositive() || !s.PayoffAmount.IsPositive() {
		return fmt.Errorf("%w: probe and payoff amounts must be positive", ErrInvalidConfig)
	}
	if s.ProbeAmount.GreaterThanOrEqual(s.PayoffAmount) {
		return fmt.Errorf("%w: probe amount must be below payoff amount", ErrInvalidConfig)
	}
	if s.VerificationWindow <= 0 || s.RapidSwitchSpan <= 0 {
		return fmt.Errorf("%w: detector windows must be positive", ErrInvalidConfig)
	}
	if s.RapidSwitchLookback <= 0 || s.RapidSwitchLookback > t.HistoryCapacity+1 {
		return fmt.Errorf("%w: rapid switch lookback must be within history capacity", ErrInvalidConfig)
	}

	d := t.Decision
	if d.WarnProbability > d.BlockProbability || d.WarnVulnerability > d.BlockVulnerability {
		return fmt.Errorf("%w: warn thresholds must not exceed block thresholds", ErrInvalidConfig)
	}
	if d.BlockProbability <= 0 || d.BlockProbability > 1 {
		return fmt.Errorf("%w: block probability must be in (0,1]", ErrInvalidConfig)
	}

	m := t.Message
	if m.MediumScore <= 0 || m.MediumScore >= m.HighScore || m.HighScore > 100 {
		return fmt.Errorf("%w: message tiers must satisfy 0 < medium < high <= 100", ErrInvalidConfig)
	}
	if m.Points.UrgencyMinMarkers <= 0 {
		return fmt.Errorf("%w: urgency needs at least one marker", ErrInvalidConfig)
	}
	pts := m.Points
	for _, v := range []float64{pts.ShortenedURL, pts.Link, pts.PhoneNumber, pts.OTPDigits, pts.CardNumber,
		pts.Urgency, pts.Impersonation, pts.SuspiciousKeyword, pts.LegitimateDiscount} {
		if v < 0 {
			return fmt.Errorf("%w: message points must not be negative", ErrInvalidConfig)
		}
	}
	for c, v := range pts.Categories {
		if v < 0 {
			return fmt.Errorf("%w: message points for %s must not be negative", ErrInvalidConfig, c)
		}
	}

	return nil
}
