package domain

import "time"

// Message is a free-text message accompanying a payment (SMS, chat, note).
type Message struct {
	ID        string    `json:"id,omitempty"`
	Text      string    `json:"text"`
	SenderID  string    `json:"senderId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Tier is the severity band of a message score.
type Tier string

const (
	TierLow    Tier = "LOW"
	TierMedium Tier = "MEDIUM"
	TierHigh   Tier = "HIGH"
)

// FraudCategory is one of the known scam families.
type FraudCategory string

const (
	CategoryOTPPhishing     FraudCategory = "OTP_PHISHING"
	CategoryFakeRefund      FraudCategory = "FAKE_REFUND"
	CategoryLotteryScam     FraudCategory = "LOTTERY_SCAM"
	CategoryCourierScam     FraudCategory = "COURIER_SCAM"
	CategoryKYCScam         FraudCategory = "KYC_SCAM"
	CategoryTaxRefundScam   FraudCategory = "TAX_REFUND_SCAM"
	CategoryLegalThreatScam FraudCategory = "LEGAL_THREAT_SCAM"
	CategoryGeneralPhishing FraudCategory = "GENERAL_PHISHING"
)

// SignalKind names a non-category detector.
type SignalKind string

const (
	SignalSuspiciousURL SignalKind = "SUSPICIOUS_URL"
	SignalPhoneNumber   SignalKind = "PHONE_NUMBER"
	SignalOTPDigits     SignalKind = "OTP_DIGITS"
	SignalCardNumber    SignalKind = "CARD_NUMBER"
	SignalUrgency       SignalKind = "URGENCY"
	SignalImpersonation SignalKind = "IMPERSONATION"
	SignalKeyword       SignalKind = "SUSPICIOUS_KEYWORD"
	SignalLegitimate    SignalKind = "LEGITIMATE"
)

// MessageScoreResult is the outcome of scoring one message.
type MessageScoreResult struct {
	Score             float64         `json:"score"`
	Tier              Tier            `json:"tier"`
	MatchedCategories []FraudCategory `json:"matchedCategories"`
	Signals           []SignalKind    `json:"signals"`
	FraudType         string          `json:"fraudType,omitempty"`
	Explanation       []string        `json:"explanation"`
	Recommendation    string          `json:"recommendation"`
	CanProceed        bool            `json:"canProceed"`
}

// HasCategory reports whether c was matched.
func (r *MessageScoreResult) HasCategory(c FraudCategory) bool {
	for _, m := range r.MatchedCategories {
		if m == c {
			return true
		}
	}
	return false
}

// HasSignal reports whether s fired.
func (r *MessageScoreResult) HasSignal(s SignalKind) bool {
	for _, m := range r.Signals {
		if m == s {
			return true
		}
	}
	return false
}
