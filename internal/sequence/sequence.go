// Package sequence looks for multi-transaction attack shapes in an
// identity's recent history.
package sequence

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Input is everything the detectors look at. History is oldest first and
// does not contain Current.
type Input struct {
	History []domain.Transaction
	Current *domain.Transaction
	Tag     domain.ProfileTag
	Profile *domain.IdentityProfile
}

// Detector runs the independent pattern detectors.
type Detector struct {
	th domain.SequenceThresholds
}

// New returns a detector using th.
func New(th domain.SequenceThresholds) *Detector {
	return &Detector{th: th}
}

// Detect returns every alert that fired, in detector order. The result is
// never nil.
func (d *Detector) Detect(in Input) []domain.PatternAlert {
	alerts := make([]domain.PatternAlert, 0, 3)
	if in.Current == nil {
		return alerts
	}
	for _, detect := range []func(Input) (domain.PatternAlert, bool){
		d.verificationAttack,
		d.rapidSwitching,
		d.vulnerableUserNight,
	} {
		if a, ok := detect(in); ok {
			alerts = append(alerts, a)
		}
	}
	return alerts
}

// verificationAttack pairs a tiny probe with a large payoff from the same
// device. Among several probes the one with the largest ratio is reported,
// the most recent on ties.
func (d *Detector) verificationAttack(in Input) (domain.PatternAlert, bool) {
	cur := in.Current
	if cur.DeviceID == "" || cur.Amount.LessThan(d.th.PayoffAmount) {
		return domain.PatternAlert{}, false
	}

	var (
		probe *domain.Transaction
		best  decimal.Decimal
	)
	one := decimal.NewFromInt(1)
	for i := range in.History {
		h := &in.History[i]
		if h.DeviceID != cur.DeviceID || h.Amount.GreaterThan(d.th.ProbeAmount) {
			continue
		}
		gap := cur.Timestamp.Sub(h.Timestamp)
		if gap < 0 || gap > d.th.VerificationWindow {
			continue
		}
		ratio := cur.Amount.Div(decimal.Max(h.Amount, one))
		if probe == nil || ratio.GreaterThanOrEqual(best) {
			probe, best = h, ratio
		}
	}
	if probe == nil {
		return domain.PatternAlert{}, false
	}

	alert := domain.PatternAlert{
		Kind:     domain.PatternVerificationAttack,
		Severity: domain.SeverityHigh,
		Evidence: []string{probe.ID, cur.ID},
		Score:    d.th.HighScore,
		Description: fmt.Sprintf("Verification attack pattern detected: %s probe → %s transfer, same device, within %s",
			Rupees(probe.Amount), Rupees(cur.Amount), roundGap(cur.Timestamp.Sub(probe.Timestamp))),
	}
	if best.GreaterThan(d.th.CriticalRatio) {
		alert.Severity = domain.SeverityCritical
		alert.Score = d.th.CriticalScore
	}
	return alert, true
}

// rapidSwitching flags many distinct, poorly trusted beneficiaries in a
// short burst.
func (d *Detector) rapidSwitching(in Input) (domain.PatternAlert, bool) {
	cur := in.Current
	tail := in.History
	if n := d.th.RapidSwitchLookback - 1; len(tail) > n {
		tail = tail[len(tail)-n:]
	}

	var evidence []string
	seen := make(map[string]struct{})
	var order []string
	consider := func(t *domain.Transaction) {
		gap := cur.Timestamp.Sub(t.Timestamp)
		if gap < 0 || gap > d.th.RapidSwitchSpan {
			return
		}
		evidence = append(evidence, t.ID)
		if t.BeneficiaryID == "" {
			return
		}
		if _, ok := seen[t.BeneficiaryID]; !ok {
			seen[t.BeneficiaryID] = struct{}{}
			order = append(order, t.BeneficiaryID)
		}
	}
	for i := range tail {
		consider(&tail[i])
	}
	consider(cur)

	if len(order) <= d.th.RapidSwitchMaxBeneficiaries {
		return domain.PatternAlert{}, false
	}
	var sum float64
	for _, id := range order {
		trust, _ := in.Profile.TrustFor(id)
		sum += trust
	}
	mean := sum / float64(len(order))
	if mean >= d.th.RapidSwitchTrustCeiling {
		return domain.PatternAlert{}, false
	}

	return domain.PatternAlert{
		Kind:     domain.PatternRapidSwitching,
		Severity: domain.SeverityHigh,
		Evidence: evidence,
		Score:    d.th.HighScore,
		Description: fmt.Sprintf("Rapid beneficiary switching: %d distinct beneficiaries within %s, average trust %.2f",
			len(order), roundGap(d.th.RapidSwitchSpan), mean),
	}, true
}

// vulnerableUserNight protects new and rural-new accounts from large
// late-night transfers.
func (d *Detector) vulnerableUserNight(in Input) (domain.PatternAlert, bool) {
	cur := in.Current
	if !in.Tag.Vulnerable() || cur.TimeSlot != domain.SlotNight || cur.Amount.LessThan(d.th.NightLargeAmount) {
		return domain.PatternAlert{}, false
	}

	age := 0
	if in.Profile != nil {
		age = in.Profile.AccountAgeDays
	}
	alert := domain.PatternAlert{
		Kind:     domain.PatternVulnerableUserNight,
		Severity: domain.SeverityHigh,
		Evidence: []string{cur.ID},
		Score:    d.th.HighScore,
		Description: fmt.Sprintf("Large night-time transfer of %s by %s account (%d days old)",
			Rupees(cur.Amount), in.Tag, age),
	}
	if age < d.th.NightCriticalAccountDays {
		alert.Severity = domain.SeverityCritical
		alert.Score = d.th.CriticalScore
	}
	return alert, true
}

// Rupees formats an amount with thousands separators.
func Rupees(amount decimal.Decimal) string {
	return "₹" + humanize.CommafWithDigits(amount.InexactFloat64(), 2)
}

// roundGap renders a gap as whole minutes below an hour and whole hours
// (rounded up) above it.
func roundGap(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(math.Max(1, math.Ceil(d.Minutes()))))
	}
	return fmt.Sprintf("%dh", int(math.Ceil(d.Hours())))
}
