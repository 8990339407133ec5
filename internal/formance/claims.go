package formance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// numscriptClaim pays a stake's claimable reward from the mining pool into the
// stake's earned account. The claim token is the transaction reference, so a
// second post for the same window fails with CONFLICT.
const numscriptClaim = `vars {
  asset $asset
  number $amount
  account $stake
  string $stake_id
  string $user_id
  string $claim_token
  string $amount_human
  string $window_start
  string $trigger
}

send [$asset $amount] (
  source = @mining:rewards allowing unbounded overdraft
  destination = @stakes:$stake:earned
)

set_tx_meta("event_type", "claim_confirmed")
set_tx_meta("stake_id", $stake_id)
set_tx_meta("user_id", $user_id)
set_tx_meta("claim_token", $claim_token)
set_tx_meta("amount", $amount_human)
set_tx_meta("window_start", $window_start)
set_tx_meta("trigger", $trigger)
`

// claimable is what the stake has accrued since its window opened, truncated
// to the ledger asset's precision.
func (s *Service) claimable(stake *models.Stake, activeReferrals int, now time.Time) decimal.Decimal {
	if !stake.Active {
		return decimal.Zero
	}
	days := reward.DaysActive(stake.CreatedAt, now)
	rate := s.schedule.DailyRate(stake.Principal, stake.BaseDailyRate, days, activeReferrals)
	return rate.AccruedBetween(stake.ClaimWindowStart(), now).Truncate(int32(s.precision))
}

func (s *Service) FetchClaimEligibility(ctx context.Context, stakeId string) (*models.ClaimEligibility, error) {
	stake, err := s.getStake(ctx, stakeId)
	if err != nil {
		return nil, err
	}
	refs, _, err := s.activeReferrals(ctx, stake.UserId)
	if err != nil {
		return nil, err
	}

	elig := &models.ClaimEligibility{
		StakeId:     stakeId,
		Claimable:   s.claimable(stake, refs, s.now()),
		WindowStart: stake.ClaimWindowStart(),
		Active:      stake.Active,
	}
	switch {
	case !stake.Active:
		elig.Reason = "stake inactive"
	case !elig.Claimable.IsPositive():
		elig.Reason = "nothing to claim"
	}
	return elig, nil
}

// SubmitClaim settles the stake's current window. A token that was already
// posted is answered from the recorded transaction with Replayed set.
func (s *Service) SubmitClaim(ctx context.Context, stakeId, token string) (*models.ClaimReceipt, error) {
	stake, err := s.getStake(ctx, stakeId)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("stake %s: %w", stakeId, store.ErrValidation)
	}
	if err != nil {
		return nil, err
	}

	if expected := models.ClaimToken(stake.Id, stake.ClaimWindowStart()); token != expected {
		prior, err := s.lookupClaim(ctx, stakeId, token)
		if err != nil {
			return nil, err
		}
		if prior == nil {
			return nil, fmt.Errorf("claim window for stake %s already settled: %w", stakeId, store.ErrConflict)
		}
		return prior, s.repairPayout(ctx, stake, prior)
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	receipt := &models.ClaimReceipt{StakeId: stakeId, Token: token, SettledAt: now}
	if !stake.Active {
		receipt.Rejected, receipt.Reason = true, "stake inactive"
		return receipt, nil
	}

	refs, _, err := s.activeReferrals(ctx, stake.UserId)
	if err != nil {
		return nil, err
	}
	amount := s.claimable(stake, refs, now)
	if !amount.IsPositive() {
		receipt.Rejected, receipt.Reason = true, "nothing to claim"
		return receipt, nil
	}

	trigger := "direct"
	if sc := models.GetSyncContext(ctx); sc != nil && sc.Trigger != "" {
		trigger = sc.Trigger
	}

	_, err = s.client.Ledger.V2.CreateTransaction(ctx, operations.V2CreateTransactionRequest{
		Ledger: s.ledger,
		V2PostTransaction: shared.V2PostTransaction{
			Reference: strPtr(token),
			Timestamp: &now,
			Script: &shared.V2PostTransactionScript{
				Plain: numscriptClaim,
				Vars: map[string]string{
					"asset":        s.asset,
					"amount":       toSmallestUnit(amount, s.precision),
					"stake":        stakeId,
					"stake_id":     stakeId,
					"user_id":      stake.UserId,
					"claim_token":  token,
					"amount_human": amount.String(),
					"window_start": formatTime(stake.ClaimWindowStart()),
					"trigger":      trigger,
				},
			},
		},
	})
	if err != nil {
		if isConflictError(err) {
			prior, lookupErr := s.lookupClaim(ctx, stakeId, token)
			if lookupErr != nil {
				return nil, lookupErr
			}
			if prior != nil {
				zap.L().Info("Claim already posted, replaying",
					zap.String("stake_id", stakeId),
					zap.String("token", token))
				return prior, s.repairPayout(ctx, stake, prior)
			}
		}
		return nil, fmt.Errorf("failed to post claim for stake %s: %w", stakeId, mapError(err))
	}

	receipt.Confirmed = amount
	stake.LastPayoutAt = now
	if err := s.advanceWindow(ctx, stake, now); err != nil {
		return nil, err
	}

	zap.L().Info("Claim settled in Formance",
		zap.String("stake_id", stakeId),
		zap.String("user_id", stake.UserId),
		zap.String("token", token),
		zap.String("amount", amount.String()))
	return receipt, nil
}

// lookupClaim finds a posted claim by its token, or nil when none exists.
func (s *Service) lookupClaim(ctx context.Context, stakeId, token string) (*models.ClaimReceipt, error) {
	resp, err := s.client.Ledger.V2.ListTransactions(ctx, operations.V2ListTransactionsRequest{
		Ledger:   s.ledger,
		PageSize: ptrInt64(1),
		RequestBody: map[string]any{
			"$match": map[string]any{
				"metadata[claim_token]": token,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up claim %s: %w", token, mapError(err))
	}
	if len(resp.V2TransactionsCursorResponse.Cursor.Data) == 0 {
		return nil, nil
	}
	return transactionToReceipt(resp.V2TransactionsCursorResponse.Cursor.Data[0], stakeId, token)
}

func transactionToReceipt(tx shared.V2Transaction, stakeId, token string) (*models.ClaimReceipt, error) {
	if owner := tx.Metadata["stake_id"]; owner != stakeId {
		return nil, fmt.Errorf("token %s belongs to stake %s: %w", token, owner, store.ErrValidation)
	}
	amount, err := decimal.NewFromString(tx.Metadata["amount"])
	if err != nil {
		return nil, fmt.Errorf("claim %s has unreadable amount: %w", token, store.ErrValidation)
	}
	return &models.ClaimReceipt{
		StakeId:   stakeId,
		Token:     token,
		Confirmed: amount,
		SettledAt: tx.Timestamp,
		Replayed:  true,
	}, nil
}

// repairPayout moves the stake's window forward when a posted claim was not
// yet reflected in the stake metadata.
func (s *Service) repairPayout(ctx context.Context, stake *models.Stake, prior *models.ClaimReceipt) error {
	if !stake.LastPayoutAt.Before(prior.SettledAt) {
		return nil
	}
	zap.L().Warn("Repairing stake payout time from posted claim",
		zap.String("stake_id", stake.Id),
		zap.String("token", prior.Token),
		zap.Time("settled_at", prior.SettledAt))
	return s.advanceWindow(ctx, stake, prior.SettledAt)
}

func (s *Service) advanceWindow(ctx context.Context, stake *models.Stake, payoutAt time.Time) error {
	err := s.setMetadata(ctx, stakeAddress(stake.Id), map[string]string{
		"last_payout_at": formatTime(payoutAt),
		"version":        strconv.FormatInt(stake.Version+1, 10),
	})
	if err != nil {
		return fmt.Errorf("failed to advance claim window for %s: %w", stake.Id, err)
	}
	if err := s.touchUser(ctx, stake.UserId, s.now()); err != nil {
		return fmt.Errorf("failed to update user %s: %w", stake.UserId, err)
	}
	return nil
}
