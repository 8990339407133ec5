package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stake represents a user's staked position as last confirmed by the ledger
type Stake struct {
	Id                        string          `db:"id"`
	UserId                    string          `db:"user_id"`
	Principal                 decimal.Decimal `db:"principal"`
	BaseDailyRate             decimal.Decimal `db:"base_daily_rate"`
	CreatedAt                 time.Time       `db:"created_at"`
	LastPayoutAt              time.Time       `db:"last_payout_at"` // zero until the first confirmed claim
	Active                    bool            `db:"active"`
	CumulativeConfirmedEarned decimal.Decimal `db:"cumulative_confirmed_earned"`
	CycleProgress             int             `db:"cycle_progress"`
	CycleCompleted            bool            `db:"cycle_completed"`
	ObservedUnclaimed         decimal.Decimal `db:"observed_unclaimed"` // display hint, never a balance
	ObservedAt                time.Time       `db:"observed_at"`
	Version                   int64           `db:"version"`
	UpdatedAt                 time.Time       `db:"updated_at"`
}

// ClaimWindowStart is the instant the current unclaimed window opened.
func (s Stake) ClaimWindowStart() time.Time {
	if !s.LastPayoutAt.IsZero() {
		return s.LastPayoutAt
	}
	return s.CreatedAt
}

// ConfirmedDelta is a ledger-confirmed change applied to a cached stake
type ConfirmedDelta struct {
	EarnedDelta    decimal.Decimal
	LastPayoutAt   time.Time // zero leaves the field unchanged
	Deactivate     bool
	CycleProgress  *int
	CycleCompleted *bool
}

// LocalObservation is a locally measured value kept for display only
type LocalObservation struct {
	Unclaimed  decimal.Decimal
	ObservedAt time.Time
}

// LocalSyncState is the per-user bookkeeping written after each reconciliation pass
type LocalSyncState struct {
	UserId          string    `db:"user_id"`
	LastSyncAt      time.Time `db:"last_sync_at"`
	ActiveReferrals int       `db:"active_referrals"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// ActivityKind classifies an activity ledger entry
type ActivityKind string

const (
	ActivityDeposit    ActivityKind = "deposit"
	ActivityStake      ActivityKind = "stake"
	ActivityClaim      ActivityKind = "claim"
	ActivityReward     ActivityKind = "reward"
	ActivityWithdrawal ActivityKind = "withdrawal"
)

// ActivityRecord is an immutable entry in the activity history
type ActivityRecord struct {
	Id        string          `db:"id" msgpack:"id"`
	UserId    string          `db:"user_id" msgpack:"user_id"`
	StakeId   string          `db:"stake_id" msgpack:"stake_id"`
	Kind      ActivityKind    `db:"kind" msgpack:"kind"`
	Amount    decimal.Decimal `db:"amount" msgpack:"-"`
	Reference string          `db:"reference" msgpack:"reference"`
	CreatedAt time.Time       `db:"created_at" msgpack:"created_at"`
}
