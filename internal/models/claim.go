package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// claimNamespace scopes claim tokens so they never collide with other SHA1 UUIDs.
var claimNamespace = uuid.MustParse("7f3c1a52-9d4e-4b8a-a1f0-5e2c6b9d3a71")

// ClaimToken derives the idempotency token for a stake's current claim window.
// The same stake and window always produce the same token.
func ClaimToken(stakeId string, windowStart time.Time) string {
	key := stakeId + "|" + windowStart.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(claimNamespace, []byte(key)).String()
}

// ClaimStatus is the terminal or interim state of a claim request
type ClaimStatus string

const (
	ClaimConfirmed      ClaimStatus = "confirmed"
	ClaimRejected       ClaimStatus = "rejected"
	ClaimPending        ClaimStatus = "pending"
	ClaimAlreadyClaimed ClaimStatus = "already_claimed"
)

// ClaimOutcome is returned to the caller of a claim request
type ClaimOutcome struct {
	StakeId   string
	Token     string
	Status    ClaimStatus
	Amount    decimal.Decimal
	Reason    string
	SettledAt time.Time
	Replayed  bool
}

// ClaimEligibility is the ledger's view of what a stake can claim right now
type ClaimEligibility struct {
	StakeId     string
	Claimable   decimal.Decimal
	WindowStart time.Time
	Active      bool
	Reason      string
}

// ClaimReceipt is the ledger's answer to a claim submission
type ClaimReceipt struct {
	StakeId   string
	Token     string
	Confirmed decimal.Decimal
	SettledAt time.Time
	Rejected  bool
	Reason    string
	Replayed  bool
}

// StakeTotals are the ledger-confirmed totals for one stake
type StakeTotals struct {
	Earned    decimal.Decimal
	Unclaimed decimal.Decimal
}

// UserSyncState is the ledger's summary of a user used during reconciliation
type UserSyncState struct {
	UserId          string
	LastSyncAt      time.Time
	ActiveReferrals int
	ConfirmedTotals map[string]StakeTotals
}
