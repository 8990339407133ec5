package formance

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const entityStake = "stake"

// FetchStakes lists the user's stake accounts. Cumulative earned is read from
// the input volume of each stake's earned account.
func (s *Service) FetchStakes(ctx context.Context, userId string) ([]models.Stake, error) {
	zap.L().Debug("Fetching stakes from Formance", zap.String("user_id", userId))

	resp, err := s.client.Ledger.V2.ListAccounts(ctx, operations.V2ListAccountsRequest{
		Ledger:   s.ledger,
		PageSize: ptrInt64(100),
		RequestBody: map[string]any{
			"$and": []any{
				map[string]any{"$match": map[string]any{"metadata[entity_type]": entityStake}},
				map[string]any{"$match": map[string]any{"metadata[user_id]": userId}},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list stakes for %s: %w", userId, mapError(err))
	}

	stakes := make([]models.Stake, 0, len(resp.V2AccountsCursorResponse.Cursor.Data))
	for i := range resp.V2AccountsCursorResponse.Cursor.Data {
		acct := &resp.V2AccountsCursorResponse.Cursor.Data[i]
		stake, err := accountToStake(acct)
		if err != nil {
			zap.L().Warn("Skipping malformed stake account",
				zap.String("address", acct.Address),
				zap.Error(err))
			continue
		}
		earned, err := s.earned(ctx, stake.Id)
		if err != nil {
			return nil, err
		}
		stake.CumulativeConfirmedEarned = earned
		stakes = append(stakes, *stake)
	}
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].Id < stakes[j].Id })
	return stakes, nil
}

// getStake returns the stake or store.ErrNotFound.
func (s *Service) getStake(ctx context.Context, stakeId string) (*models.Stake, error) {
	acct, err := s.getAccount(ctx, stakeAddress(stakeId), false)
	if err != nil {
		return nil, fmt.Errorf("failed to get stake %s: %w", stakeId, err)
	}
	if acct == nil || acct.Metadata["entity_type"] != entityStake {
		return nil, fmt.Errorf("stake %s: %w", stakeId, store.ErrNotFound)
	}
	stake, err := accountToStake(acct)
	if err != nil {
		return nil, err
	}
	earned, err := s.earned(ctx, stakeId)
	if err != nil {
		return nil, err
	}
	stake.CumulativeConfirmedEarned = earned
	return stake, nil
}

func (s *Service) earned(ctx context.Context, stakeId string) (decimal.Decimal, error) {
	acct, err := s.getAccount(ctx, earnedAddress(stakeId), true)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get earned volume for %s: %w", stakeId, err)
	}
	if acct == nil {
		return decimal.Zero, nil
	}
	return bigIntToDecimal(volumeInput(acct.Volumes, s.asset), s.precision), nil
}

// CreateStake opens a stake account. Re-creating an existing stake is a
// duplicate, not an update.
func (s *Service) CreateStake(ctx context.Context, stake models.Stake) error {
	if stake.Id == "" || stake.UserId == "" {
		return fmt.Errorf("stake id and user id are required: %w", store.ErrValidation)
	}
	if !stake.Principal.IsPositive() || stake.BaseDailyRate.IsNegative() {
		return fmt.Errorf("stake %s has invalid principal or rate: %w", stake.Id, store.ErrValidation)
	}

	existing, err := s.getMetadata(ctx, stakeAddress(stake.Id))
	if err != nil {
		return fmt.Errorf("failed to check stake %s: %w", stake.Id, err)
	}
	if existing["entity_type"] == entityStake {
		return fmt.Errorf("stake %s: %w", stake.Id, store.ErrDuplicateOperation)
	}

	now := s.now()
	if stake.CreatedAt.IsZero() {
		stake.CreatedAt = now
	}
	stake.Version = 1
	stake.Active = true

	if err := s.setMetadata(ctx, stakeAddress(stake.Id), stakeMetadata(stake)); err != nil {
		return fmt.Errorf("failed to create stake %s: %w", stake.Id, err)
	}
	if err := s.touchUser(ctx, stake.UserId, now); err != nil {
		return fmt.Errorf("failed to update user %s: %w", stake.UserId, err)
	}

	zap.L().Info("Stake created in Formance",
		zap.String("stake_id", stake.Id),
		zap.String("user_id", stake.UserId),
		zap.String("principal", stake.Principal.String()),
		zap.String("base_daily_rate", stake.BaseDailyRate.String()))
	return nil
}

// SetReferrals records the user's active referral count.
func (s *Service) SetReferrals(ctx context.Context, userId string, activeReferrals int) error {
	if userId == "" || activeReferrals < 0 {
		return fmt.Errorf("invalid referral update for %q: %w", userId, store.ErrValidation)
	}
	err := s.setMetadata(ctx, userAddress(userId), map[string]string{
		"entity_type":      "user",
		"active_referrals": strconv.Itoa(activeReferrals),
		"last_sync_at":     formatTime(s.now()),
	})
	if err != nil {
		return fmt.Errorf("failed to set referrals for %s: %w", userId, err)
	}
	zap.L().Info("Referrals updated in Formance",
		zap.String("user_id", userId),
		zap.Int("active_referrals", activeReferrals))
	return nil
}

func (s *Service) activeReferrals(ctx context.Context, userId string) (int, time.Time, error) {
	meta, err := s.getMetadata(ctx, userAddress(userId))
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to get user %s: %w", userId, err)
	}
	refs, _ := strconv.Atoi(meta["active_referrals"])
	if refs < 0 {
		refs = 0
	}
	return refs, parseTime(meta["last_sync_at"]), nil
}

// stakeMetadata is the account metadata written for a stake.
func stakeMetadata(stake models.Stake) map[string]string {
	return map[string]string{
		"entity_type":     entityStake,
		"user_id":         stake.UserId,
		"principal":       stake.Principal.String(),
		"base_daily_rate": stake.BaseDailyRate.String(),
		"created_at":      formatTime(stake.CreatedAt),
		"last_payout_at":  formatTime(stake.LastPayoutAt),
		"active":          strconv.FormatBool(stake.Active),
		"cycle_progress":  strconv.Itoa(stake.CycleProgress),
		"cycle_completed": strconv.FormatBool(stake.CycleCompleted),
		"version":         strconv.FormatInt(stake.Version, 10),
	}
}

// accountToStake parses a stake account's metadata. Earned is left zero.
func accountToStake(acct *shared.V2Account) (*models.Stake, error) {
	meta := acct.Metadata
	id := strings.TrimPrefix(acct.Address, "stakes:")
	if id == "" || id == acct.Address {
		return nil, fmt.Errorf("unexpected stake address %q: %w", acct.Address, store.ErrValidation)
	}

	principal, err := decimal.NewFromString(meta["principal"])
	if err != nil {
		return nil, fmt.Errorf("stake %s principal: %w", id, store.ErrValidation)
	}
	rate, err := decimal.NewFromString(meta["base_daily_rate"])
	if err != nil {
		return nil, fmt.Errorf("stake %s base rate: %w", id, store.ErrValidation)
	}

	stake := &models.Stake{
		Id:                        id,
		UserId:                    meta["user_id"],
		Principal:                 principal,
		BaseDailyRate:             rate,
		CreatedAt:                 parseTime(meta["created_at"]),
		LastPayoutAt:              parseTime(meta["last_payout_at"]),
		Active:                    meta["active"] != "false",
		CumulativeConfirmedEarned: decimal.Zero,
		ObservedUnclaimed:         decimal.Zero,
	}
	stake.CycleProgress, _ = strconv.Atoi(meta["cycle_progress"])
	stake.CycleCompleted = meta["cycle_completed"] == "true"
	stake.Version, _ = strconv.ParseInt(meta["version"], 10, 64)

	if acct.UpdatedAt != nil {
		stake.UpdatedAt = *acct.UpdatedAt
	} else if acct.FirstUsage != nil {
		stake.UpdatedAt = *acct.FirstUsage
	}
	if stake.CreatedAt.IsZero() {
		stake.CreatedAt = stake.UpdatedAt
	}
	return stake, nil
}
