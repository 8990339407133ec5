package reward

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// FlatPeriodDays is the number of initial days paid at the base multiplier.
	FlatPeriodDays = 7
	// MaturityDay is the first day paid at the maximum time multiplier.
	MaturityDay = 31

	perSecondPlaces = 30
	amountPlaces    = 18
)

var (
	SecondsPerDay     = decimal.NewFromInt(86400)
	HoursPerDay       = decimal.NewFromInt(24)
	BaseMultiplier    = decimal.NewFromInt(1)
	MaxTimeMultiplier = decimal.RequireFromString("1.25")
	ReferralStep      = decimal.RequireFromString("0.05")
)

// Tier raises the time multiplier from FromDay onwards.
type Tier struct {
	FromDay    int
	Multiplier decimal.Decimal
}

// Schedule holds the multiplier rules used to derive a stake's daily rate.
type Schedule struct {
	tiers       []Tier
	referralCap decimal.Decimal
}

// Rate is the reward rate of one stake at a given day and referral count.
type Rate struct {
	DaysActive         int
	Referrals          int
	TimeMultiplier     decimal.Decimal
	ReferralMultiplier decimal.Decimal
	Daily              decimal.Decimal
	PerSecond          decimal.Decimal
}

// DefaultTiers is the intermediate step table used when no table is configured.
func DefaultTiers() []Tier {
	return []Tier{
		{FromDay: 8, Multiplier: decimal.RequireFromString("1.05")},
		{FromDay: 15, Multiplier: decimal.RequireFromString("1.10")},
		{FromDay: 22, Multiplier: decimal.RequireFromString("1.15")},
	}
}

// DefaultSchedule returns the default tiers with uncapped referrals.
func DefaultSchedule() *Schedule {
	s, err := NewSchedule(DefaultTiers(), decimal.Zero)
	if err != nil {
		panic(err)
	}
	return s
}

// NewSchedule validates the tier table. Tiers must be ordered by day, sit
// strictly between the flat period and maturity, and never decrease.
// A zero referralCap leaves the referral multiplier uncapped.
func NewSchedule(tiers []Tier, referralCap decimal.Decimal) (*Schedule, error) {
	if referralCap.IsNegative() {
		return nil, fmt.Errorf("referral cap cannot be negative: %s", referralCap)
	}
	if referralCap.IsPositive() && referralCap.LessThan(BaseMultiplier) {
		return nil, fmt.Errorf("referral cap %s is below the base multiplier", referralCap)
	}

	prevDay := FlatPeriodDays
	prevMult := BaseMultiplier
	for i, t := range tiers {
		if t.FromDay <= prevDay {
			return nil, fmt.Errorf("tier %d: from_day %d must be greater than %d", i, t.FromDay, prevDay)
		}
		if t.FromDay >= MaturityDay {
			return nil, fmt.Errorf("tier %d: from_day %d must be below %d", i, t.FromDay, MaturityDay)
		}
		if t.Multiplier.LessThan(prevMult) {
			return nil, fmt.Errorf("tier %d: multiplier %s decreases from %s", i, t.Multiplier, prevMult)
		}
		if t.Multiplier.GreaterThan(MaxTimeMultiplier) {
			return nil, fmt.Errorf("tier %d: multiplier %s exceeds %s", i, t.Multiplier, MaxTimeMultiplier)
		}
		prevDay = t.FromDay
		prevMult = t.Multiplier
	}

	copied := make([]Tier, len(tiers))
	copy(copied, tiers)
	return &Schedule{tiers: copied, referralCap: referralCap}, nil
}

// Tiers returns a copy of the configured step table.
func (s *Schedule) Tiers() []Tier {
	out := make([]Tier, len(s.tiers))
	copy(out, s.tiers)
	return out
}

// TimeMultiplier returns the multiplier for the given day (1-based).
func (s *Schedule) TimeMultiplier(daysActive int) decimal.Decimal {
	if daysActive >= MaturityDay {
		return MaxTimeMultiplier
	}
	mult := BaseMultiplier
	for _, t := range s.tiers {
		if daysActive < t.FromDay {
			break
		}
		mult = t.Multiplier
	}
	return mult
}

// ReferralMultiplier returns 1 + 0.05 per active referral, capped when a cap is set.
func (s *Schedule) ReferralMultiplier(activeReferrals int) decimal.Decimal {
	if activeReferrals < 0 {
		activeReferrals = 0
	}
	mult := BaseMultiplier.Add(ReferralStep.Mul(decimal.NewFromInt(int64(activeReferrals))))
	if s.referralCap.IsPositive() && mult.GreaterThan(s.referralCap) {
		return s.referralCap
	}
	return mult
}

// DailyRate computes principal × baseRate × timeMultiplier × referralMultiplier
// in that order, quantized to 18 decimal places.
func (s *Schedule) DailyRate(principal, baseRate decimal.Decimal, daysActive, activeReferrals int) Rate {
	if daysActive < 1 {
		daysActive = 1
	}
	timeMult := s.TimeMultiplier(daysActive)
	refMult := s.ReferralMultiplier(activeReferrals)

	daily := principal.Mul(baseRate).Mul(timeMult).Mul(refMult).Round(amountPlaces)
	return Rate{
		DaysActive:         daysActive,
		Referrals:          activeReferrals,
		TimeMultiplier:     timeMult,
		ReferralMultiplier: refMult,
		Daily:              daily,
		PerSecond:          daily.DivRound(SecondsPerDay, perSecondPlaces),
	}
}

// Hourly is the daily amount spread over 24 hours.
func (r Rate) Hourly() decimal.Decimal {
	return r.Daily.DivRound(HoursPerDay, amountPlaces)
}

// RoundTrip rebuilds the daily amount from the per-second rate.
func (r Rate) RoundTrip() decimal.Decimal {
	return r.PerSecond.Mul(SecondsPerDay).Round(amountPlaces)
}

// AccruedBetween is what the rate earns over [from, to). Negative spans earn nothing.
func (r Rate) AccruedBetween(from, to time.Time) decimal.Decimal {
	if !to.After(from) {
		return decimal.Zero
	}
	seconds := decimal.NewFromInt(to.Sub(from).Nanoseconds()).Shift(-9)
	return r.Daily.Mul(seconds).DivRound(SecondsPerDay, amountPlaces)
}

// DaysActive counts whole days elapsed since createdAt plus one, so the
// creation day is day 1.
func DaysActive(createdAt, now time.Time) int {
	if !now.After(createdAt) {
		return 1
	}
	return int(now.Sub(createdAt)/(24*time.Hour)) + 1
}
