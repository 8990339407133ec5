package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ActivityHandler appends activity records to the remote ledger.
type ActivityHandler struct {
	remote  store.RemoteLedger
	timeout time.Duration
}

func NewActivityHandler(remote store.RemoteLedger, timeout time.Duration) *ActivityHandler {
	return &ActivityHandler{remote: remote, timeout: timeout}
}

func (h *ActivityHandler) Deliver(ctx context.Context, op models.SyncOperation) (*models.ActivityRecord, error) {
	var payload models.ActivityPayload
	if err := DecodePayload(op.Payload, &payload); err != nil {
		return nil, err
	}

	record := payload.Record
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid activity amount %q", store.ErrValidation, payload.Amount)
	}
	record.Amount = amount

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	err = h.remote.AppendActivity(callCtx, record)
	if errors.Is(err, store.ErrDuplicateOperation) {
		zap.L().Info("Activity already recorded remotely",
			zap.String("activity_id", record.Id),
			zap.String("user_id", record.UserId))
		return nil, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("append activity %s: %w", record.Id, store.ErrTransientNetwork)
	}
	if err != nil {
		return nil, fmt.Errorf("append activity %s: %w", record.Id, err)
	}
	return nil, nil
}
