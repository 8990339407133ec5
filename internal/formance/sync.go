package formance

import (
	"context"
	"fmt"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"go.uber.org/zap"
)

// FetchUserSyncState summarises the user for reconciliation. LastSyncAt is the
// newest of the user's own marker and any of its stake accounts.
func (s *Service) FetchUserSyncState(ctx context.Context, userId string) (*models.UserSyncState, error) {
	refs, lastSync, err := s.activeReferrals(ctx, userId)
	if err != nil {
		return nil, err
	}
	stakes, err := s.FetchStakes(ctx, userId)
	if err != nil {
		return nil, err
	}

	now := s.now()
	state := &models.UserSyncState{
		UserId:          userId,
		LastSyncAt:      lastSync,
		ActiveReferrals: refs,
		ConfirmedTotals: make(map[string]models.StakeTotals, len(stakes)),
	}
	for i := range stakes {
		stake := &stakes[i]
		if stake.UpdatedAt.After(state.LastSyncAt) {
			state.LastSyncAt = stake.UpdatedAt
		}
		state.ConfirmedTotals[stake.Id] = models.StakeTotals{
			Earned:    stake.CumulativeConfirmedEarned,
			Unclaimed: s.claimable(stake, refs, now),
		}
	}

	zap.L().Debug("Fetched user sync state from Formance",
		zap.String("user_id", userId),
		zap.Int("stakes", len(stakes)),
		zap.Int("active_referrals", refs),
		zap.Time("last_sync_at", state.LastSyncAt))
	return state, nil
}

// AppendActivity stores an activity record as account metadata. A record id
// seen before is a duplicate.
func (s *Service) AppendActivity(ctx context.Context, record models.ActivityRecord) error {
	if record.Id == "" || record.UserId == "" {
		return fmt.Errorf("activity record missing id or user: %w", store.ErrValidation)
	}

	address := activityAddress(record.Id)
	existing, err := s.getMetadata(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to check activity %s: %w", record.Id, err)
	}
	if existing["entity_type"] == "activity" {
		return fmt.Errorf("activity %s: %w", record.Id, store.ErrDuplicateOperation)
	}

	if err := s.setMetadata(ctx, address, activityMetadata(record)); err != nil {
		return fmt.Errorf("failed to append activity %s: %w", record.Id, err)
	}

	zap.L().Debug("Activity appended in Formance",
		zap.String("activity_id", record.Id),
		zap.String("user_id", record.UserId),
		zap.String("kind", string(record.Kind)))
	return nil
}

func activityMetadata(record models.ActivityRecord) map[string]string {
	return map[string]string{
		"entity_type": "activity",
		"user_id":     record.UserId,
		"stake_id":    record.StakeId,
		"kind":        string(record.Kind),
		"amount":      record.Amount.String(),
		"reference":   record.Reference,
		"created_at":  formatTime(record.CreatedAt),
	}
}
