package reconciler

import (
	"context"
	"fmt"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"go.uber.org/zap"
)

// RefreshHandler delivers user_refresh operations by adopting the ledger's
// current stakes.
type RefreshHandler struct {
	remote  store.RemoteLedger
	cache   StakeCache
	timeout time.Duration
}

func NewRefreshHandler(remote store.RemoteLedger, cache StakeCache, timeout time.Duration) *RefreshHandler {
	return &RefreshHandler{remote: remote, cache: cache, timeout: timeout}
}

func (h *RefreshHandler) Deliver(ctx context.Context, op models.SyncOperation) (*models.ActivityRecord, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	stakes, err := h.remote.FetchStakes(fetchCtx, op.UserId)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh stakes for user %s: %w", op.UserId, asTransient(err))
	}
	adopted, err := h.cache.AdoptRemote(ctx, op.UserId, stakes)
	if err != nil {
		return nil, fmt.Errorf("failed to adopt refreshed stakes: %w", err)
	}

	zap.L().Debug("User refresh applied",
		zap.String("user_id", op.UserId),
		zap.Int("stakes", len(adopted)))
	return nil, nil
}
