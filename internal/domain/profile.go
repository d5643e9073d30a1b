package domain

import (
	"fmt"
	"math"
)

// ProfileTag is the behavioral archetype of an identity.
type ProfileTag string

const (
	TagRuralFirstTimer  ProfileTag = "RuralFirstTimer"
	TagNewUser          ProfileTag = "NewUser"
	TagTechSavvyRegular ProfileTag = "TechSavvyRegular"
	TagRegularUser      ProfileTag = "RegularUser"
)

// Vulnerable reports whether the tag marks a user the night rule protects.
func (t ProfileTag) Vulnerable() bool {
	return t == TagRuralFirstTimer || t == TagNewUser
}

// GeoPoint is a latitude/longitude pair in degrees.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IdentityProfile describes the account behind a transaction. It is supplied
// by the caller or derived from history; the engine never stores it.
type IdentityProfile struct {
	AccountAgeDays       int                `json:"accountAgeDays"`
	DeviceTrustScore     float64            `json:"deviceTrustScore"`
	ReputationScore      float64            `json:"reputationScore"`
	BeneficiaryTrust     map[string]float64 `json:"beneficiaryTrust,omitempty"`
	Region               string             `json:"region,omitempty"`
	UsualRegion          string             `json:"usualRegion,omitempty"`
	Location             *GeoPoint          `json:"location,omitempty"`
	UsualLocation        *GeoPoint          `json:"usualLocation,omitempty"`
	TransactionFrequency int                `json:"transactionFrequency"`
}

// TrustFor returns the trust score of a beneficiary and whether it has been
// seen before.
func (p *IdentityProfile) TrustFor(beneficiaryID string) (float64, bool) {
	if p == nil || p.BeneficiaryTrust == nil || beneficiaryID == "" {
		return 0, false
	}
	v, ok := p.BeneficiaryTrust[beneficiaryID]
	return v, ok
}

// Validate checks score ranges.
func (p *IdentityProfile) Validate() error {
	if p == nil {
		return nil
	}
	if p.AccountAgeDays < 0 {
		return fmt.Errorf("%w: account age must not be negative", ErrInvalidInput)
	}
	if p.TransactionFrequency < 0 {
		return fmt.Errorf("%w: transaction frequency must not be negative", ErrInvalidInput)
	}
	if !unit(p.DeviceTrustScore) {
		return fmt.Errorf("%w: device trust score %v outside [0,1]", ErrInvalidInput, p.DeviceTrustScore)
	}
	if !unit(p.ReputationScore) {
		return fmt.Errorf("%w: reputation score %v outside [0,1]", ErrInvalidInput, p.ReputationScore)
	}
	for id, v := range p.BeneficiaryTrust {
		if !unit(v) {
			return fmt.Errorf("%w: beneficiary %s trust %v outside [0,1]", ErrInvalidInput, id, v)
		}
	}
	return nil
}

func unit(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}
