package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimeSlot is the coarse time-of-day bucket a transaction falls into.
type TimeSlot string

const (
	SlotMorning   TimeSlot = "Morning"   // 06:00-11:59
	SlotAfternoon TimeSlot = "Afternoon" // 12:00-17:59
	SlotEvening   TimeSlot = "Evening"   // 18:00-21:59
	SlotNight     TimeSlot = "Night"     // 22:00-05:59
)

// Valid reports whether s is one of the four known slots.
func (s TimeSlot) Valid() bool {
	switch s {
	case SlotMorning, SlotAfternoon, SlotEvening, SlotNight:
		return true
	}
	return false
}

// SlotFor derives the time slot of t in loc. A nil loc means UTC.
func SlotFor(t time.Time, loc *time.Location) TimeSlot {
	if loc != nil {
		t = t.In(loc)
	}
	switch h := t.Hour(); {
	case h >= 6 && h < 12:
		return SlotMorning
	case h >= 12 && h < 18:
		return SlotAfternoon
	case h >= 18 && h < 22:
		return SlotEvening
	default:
		return SlotNight
	}
}

// ParseTimeSlot accepts a slot name in any case. Empty input returns "".
func ParseTimeSlot(s string) (TimeSlot, error) {
	if s == "" {
		return "", nil
	}
	for _, slot := range []TimeSlot{SlotMorning, SlotAfternoon, SlotEvening, SlotNight} {
		if strings.EqualFold(s, string(slot)) {
			return slot, nil
		}
	}
	return "", fmt.Errorf("%w: unknown time slot %q", ErrInvalidInput, s)
}

// Transaction is a single payment attempt by an identity. It is never
// mutated after the engine has normalized it.
type Transaction struct {
	ID               string          `json:"id"`
	IdentityID       string          `json:"identityId"`
	Amount           decimal.Decimal `json:"amount"`
	Timestamp        time.Time       `json:"timestamp"`
	TimeSlot         TimeSlot        `json:"timeSlot"`
	IsNewDevice      bool            `json:"isNewDevice"`
	IsNewBeneficiary bool            `json:"isNewBeneficiary"`
	BeneficiaryID    string          `json:"beneficiaryId,omitempty"`
	LocationChange   bool            `json:"locationChange"`
	DeviceID         string          `json:"deviceId,omitempty"`
}

// Validate rejects transactions the engine must not score.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: transaction is required", ErrInvalidInput)
	}
	if strings.TrimSpace(t.IdentityID) == "" {
		return fmt.Errorf("%w: identity id is required", ErrInvalidInput)
	}
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidInput, t.Amount.String())
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidInput)
	}
	if t.TimeSlot != "" && !t.TimeSlot.Valid() {
		return fmt.Errorf("%w: unknown time slot %q", ErrInvalidInput, t.TimeSlot)
	}
	return nil
}

// TransactionRequest is the wire form of a scoring request, shared by the
// HTTP API and the bus worker.
type TransactionRequest struct {
	ID               string           `json:"id,omitempty"`
	IdentityID       string           `json:"identityId"`
	Amount           decimal.Decimal  `json:"amount"`
	Timestamp        string           `json:"timestamp,omitempty"`
	TimeSlot         string           `json:"timeSlot,omitempty"`
	IsNewDevice      bool             `json:"isNewDevice"`
	IsNewBeneficiary bool             `json:"isNewBeneficiary"`
	BeneficiaryID    string           `json:"beneficiaryId,omitempty"`
	LocationChange   bool             `json:"locationChange"`
	DeviceID         string           `json:"deviceId,omitempty"`
	Profile          *IdentityProfile `json:"profile,omitempty"`
	FraudProbability float64          `json:"fraudProbability"`
}

// ToTransaction converts the request into a domain transaction. An empty
// timestamp means now; anything else must be RFC 3339.
func (r *TransactionRequest) ToTransaction(now time.Time) (*Transaction, error) {
	ts := now.UTC()
	if r.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed timestamp %q", ErrInvalidInput, r.Timestamp)
		}
		ts = parsed
	}

	slot, err := ParseTimeSlot(r.TimeSlot)
	if err != nil {
		return nil, err
	}

	return &Transaction{
		ID:               r.ID,
		IdentityID:       r.IdentityID,
		Amount:           r.Amount,
		Timestamp:        ts,
		TimeSlot:         slot,
		IsNewDevice:      r.IsNewDevice,
		IsNewBeneficiary: r.IsNewBeneficiary,
		BeneficiaryID:    r.BeneficiaryID,
		LocationChange:   r.LocationChange,
		DeviceID:         r.DeviceID,
	}, nil
}
