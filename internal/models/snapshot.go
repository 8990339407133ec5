package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// StakeEarning is the per-stake part of an earning snapshot
type StakeEarning struct {
	StakeId          string          `json:"stake_id"`
	Active           bool            `json:"active"`
	DaysActive       int             `json:"days_active"`
	DailyRate        decimal.Decimal `json:"daily_rate"`
	PerSecondRate    decimal.Decimal `json:"per_second_rate"`
	RunningUnclaimed decimal.Decimal `json:"running_unclaimed"`
	TimeMultiplier   decimal.Decimal `json:"time_multiplier"`
}

// EarningSnapshot is the display-ready view of a user's accrual
type EarningSnapshot struct {
	UserId                string          `json:"user_id"`
	Active                bool            `json:"active"`
	DaysActive            int             `json:"days_active"`
	DailyRate             decimal.Decimal `json:"daily_rate"`
	HourlyRate            decimal.Decimal `json:"hourly_rate"`
	RunningUnclaimedTotal decimal.Decimal `json:"running_unclaimed_total"`
	TimeMultiplier        decimal.Decimal `json:"time_multiplier"`
	ReferralMultiplier    decimal.Decimal `json:"referral_multiplier"`
	Stakes                []StakeEarning  `json:"stakes"`
	TakenAt               time.Time       `json:"taken_at"`
}
