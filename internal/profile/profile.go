// Package profile classifies identities into behavioral archetypes and
// derives a profile from transaction history when the caller has none.
package profile

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

type rule struct {
	tag   domain.ProfileTag
	match func(p *domain.IdentityProfile) bool
}

// Classifier maps a profile to a tag. Rules are checked in order and the
// first match wins; the last rule always matches.
type Classifier struct {
	rules []rule
}

// NewClassifier builds the ordered rule list from th.
func NewClassifier(th domain.ProfileThresholds) *Classifier {
	rural := make(map[string]struct{}, len(th.RuralRegions))
	for _, r := range th.RuralRegions {
		rural[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	isNew := func(p *domain.IdentityProfile) bool {
		return p.AccountAgeDays < th.NewAccountDays
	}

	return &Classifier{rules: []rule{
		{domain.TagRuralFirstTimer, func(p *domain.IdentityProfile) bool {
			_, ok := rural[strings.ToLower(strings.TrimSpace(p.Region))]
			return isNew(p) && ok
		}},
		{domain.TagNewUser, isNew},
		{domain.TagTechSavvyRegular, func(p *domain.IdentityProfile) bool {
			return p.DeviceTrustScore >= th.TechSavvyDeviceTrust &&
				p.TransactionFrequency >= th.TechSavvyMinFrequency &&
				p.AccountAgeDays >= th.TechSavvyMinAccountDays
		}},
		{domain.TagRegularUser, func(*domain.IdentityProfile) bool { return true }},
	}}
}

// Classify returns the tag of the first matching rule. A nil profile is
// classified as a brand-new account.
func (c *Classifier) Classify(p *domain.IdentityProfile) domain.ProfileTag {
	if p == nil {
		p = &domain.IdentityProfile{}
	}
	for _, r := range c.rules {
		if r.match(p) {
			return r.tag
		}
	}
	return domain.TagRegularUser
}

// Resolve derives a profile for tx from the identity's history. Account age
// is the span from the oldest known transaction to tx in whole days; an
// identity with no history gets the conservative defaults in th.
func Resolve(history []domain.Transaction, tx *domain.Transaction, th domain.ProfileThresholds) *domain.IdentityProfile {
	p := &domain.IdentityProfile{
		AccountAgeDays:       th.DefaultAccountAgeDays,
		ReputationScore:      th.DefaultReputation,
		BeneficiaryTrust:     make(map[string]float64),
		TransactionFrequency: velocity.Count(history, tx.Timestamp, th.FrequencyWindow),
	}
	if len(history) == 0 {
		return p
	}

	oldest := tx.Timestamp
	sameDevice := 0
	seen := make(map[string]int)
	for i := range history {
		h := &history[i]
		if h.Timestamp.Before(oldest) {
			oldest = h.Timestamp
		}
		if tx.DeviceID != "" && h.DeviceID == tx.DeviceID {
			sameDevice++
		}
		if h.BeneficiaryID != "" {
			seen[h.BeneficiaryID]++
		}
	}
	if days := int(tx.Timestamp.Sub(oldest) / (24 * time.Hour)); days > p.AccountAgeDays {
		p.AccountAgeDays = days
	}
	if !tx.IsNewDevice {
		p.DeviceTrustScore = float64(sameDevice) / float64(len(history))
	}

	saturation := th.TrustSaturationCount
	if saturation <= 0 {
		saturation = 1
	}
	for id, n := range seen {
		p.BeneficiaryTrust[id] = math.Min(1, float64(n)/float64(saturation))
	}
	return p
}
