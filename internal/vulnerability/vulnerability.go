// Package vulnerability rates how exposed an identity is to being defrauded,
// independent of how suspicious the transaction itself looks.
package vulnerability

import (
	"fmt"
	"math"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Factor names as they appear in the breakdown.
const (
	FactorAccountAge       = "account_age"
	FactorDeviceTrust      = "device_trust"
	FactorBehavior         = "behavior"
	FactorReputation       = "reputation"
	FactorBeneficiaryTrust = "beneficiary_trust"
	FactorLocation         = "location"
)

const earthRadiusKm = 6371.0

// Result is a weighted vulnerability score with its per-factor breakdown.
type Result struct {
	Score   float64
	Factors []domain.FactorContribution
}

// Scorer computes the weighted vulnerability score. It is safe for
// concurrent use.
type Scorer struct {
	th domain.VulnerabilityThresholds
}

// New validates the weights once and returns a scorer.
func New(th domain.VulnerabilityThresholds) (*Scorer, error) {
	w := th.Weights
	for _, v := range []float64{w.AccountAge, w.DeviceTrust, w.Behavior, w.Reputation, w.BeneficiaryTrust, w.Location} {
		if v < 0 || math.IsNaN(v) {
			return nil, fmt.Errorf("%w: negative vulnerability weight", domain.ErrInvalidConfig)
		}
	}
	if sum := w.Sum(); sum < 0.99 || sum > 1.01 {
		return nil, fmt.Errorf("%w: vulnerability weights sum to %.4f", domain.ErrInvalidConfig, sum)
	}
	if th.AccountAgeSaturationDays <= 0 || th.DistanceSaturationKm <= 0 {
		return nil, fmt.Errorf("%w: vulnerability saturation values must be positive", domain.ErrInvalidConfig)
	}
	return &Scorer{th: th}, nil
}

// Score rates tx against profile. A nil profile is treated as all zeros,
// which is the most vulnerable reading.
func (s *Scorer) Score(tx *domain.Transaction, profile *domain.IdentityProfile) Result {
	if profile == nil {
		profile = &domain.IdentityProfile{}
	}
	w := s.th.Weights

	factors := []domain.FactorContribution{
		contribution(FactorAccountAge, s.accountAge(profile.AccountAgeDays), w.AccountAge),
		contribution(FactorDeviceTrust, inverse(profile.DeviceTrustScore), w.DeviceTrust),
		contribution(FactorBehavior, s.behavior(tx), w.Behavior),
		contribution(FactorReputation, inverse(profile.ReputationScore), w.Reputation),
		contribution(FactorBeneficiaryTrust, beneficiary(tx, profile), w.BeneficiaryTrust),
		contribution(FactorLocation, s.location(tx, profile), w.Location),
	}

	var total float64
	for _, f := range factors {
		total += f.Contribution
	}
	return Result{Score: clamp(total), Factors: factors}
}

func (s *Scorer) accountAge(days int) float64 {
	v := 100 * (1 - float64(days)/float64(s.th.AccountAgeSaturationDays))
	return clamp(math.Max(s.th.AccountAgeFloor, v))
}

func (s *Scorer) behavior(tx *domain.Transaction) float64 {
	var v float64
	for _, flag := range []bool{tx.IsNewDevice, tx.IsNewBeneficiary, tx.LocationChange} {
		if flag {
			v += s.th.BehaviorFlagIncrement
		}
	}
	return clamp(v)
}

// location is zero for a familiar place. Any change scores the base, and
// known coordinates add up to the rest by great-circle distance.
func (s *Scorer) location(tx *domain.Transaction, p *domain.IdentityProfile) float64 {
	regionMoved := p.Region != "" && p.UsualRegion != "" && !strings.EqualFold(p.Region, p.UsualRegion)
	if !tx.LocationChange && !regionMoved {
		return 0
	}
	v := s.th.LocationChangeBase
	if p.Location != nil && p.UsualLocation != nil {
		share := math.Min(1, Distance(*p.Location, *p.UsualLocation)/s.th.DistanceSaturationKm)
		v += (100 - s.th.LocationChangeBase) * share
	}
	return clamp(v)
}

func beneficiary(tx *domain.Transaction, p *domain.IdentityProfile) float64 {
	trust, ok := p.TrustFor(tx.BeneficiaryID)
	if !ok {
		return 100
	}
	return inverse(trust)
}

// Distance returns the haversine distance between two points in km.
func Distance(a, b domain.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func contribution(name string, score, weight float64) domain.FactorContribution {
	return domain.FactorContribution{
		Factor:       name,
		Score:        score,
		Weight:       weight,
		Contribution: score * weight,
	}
}

func inverse(v float64) float64 {
	return clamp(100 * (1 - v))
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}
