package engine

import (
	"context"
	"time"

	"mining-accrual-go/internal/reward"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// accruals routes running-total updates to the user's session clock. Users
// without a session only have their persisted totals.
type accruals struct {
	e *Engine
}

func (a *accruals) UpdateParams(userId, stakeId string, rate reward.Rate, active bool) {
	if c := a.e.clock(userId); c != nil {
		c.UpdateParams(stakeId, rate, active)
	}
}

func (a *accruals) Merge(userId, stakeId string, remote decimal.Decimal) decimal.Decimal {
	if c := a.e.clock(userId); c != nil {
		return c.Merge(stakeId, remote)
	}
	return remote
}

func (a *accruals) Totals(userId string) map[string]decimal.Decimal {
	if c := a.e.clock(userId); c != nil {
		return c.Totals()
	}
	return nil
}

func (a *accruals) Publish(userId string) {
	if c := a.e.clock(userId); c != nil {
		a.e.publish(c.Snapshot())
	}
}

func (a *accruals) Total(userId, stakeId string) decimal.Decimal {
	if c := a.e.clock(userId); c != nil {
		return c.Total(stakeId)
	}
	return decimal.Zero
}

func (a *accruals) ResetBaseline(userId, stakeId string) {
	if c := a.e.clock(userId); c != nil {
		c.ResetBaseline(stakeId)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.e.db.SaveAccruals(ctx, userId, map[string]decimal.Decimal{stakeId: decimal.Zero}); err != nil {
		zap.L().Warn("Failed to reset persisted running total",
			zap.String("user_id", userId),
			zap.String("stake_id", stakeId),
			zap.Error(err))
	}
}
