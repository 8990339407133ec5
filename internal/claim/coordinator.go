package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mining-accrual-go/internal/cache"
	"mining-accrual-go/internal/metrics"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"
	"mining-accrual-go/internal/syncqueue"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Accruals is the running-total view the coordinator reads and resets.
type Accruals interface {
	Total(userId, stakeId string) decimal.Decimal
	ResetBaseline(userId, stakeId string)
	Merge(userId, stakeId string, remote decimal.Decimal) decimal.Decimal
}

type Config struct {
	RemoteTimeout time.Duration
	MaxRetries    int
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Coordinator turns claim requests into exactly-once ledger submissions.
// It is registered as the queue handler for balance_update operations.
type Coordinator struct {
	db       store.LocalStore
	remote   store.RemoteLedger
	cache    cache.ConfirmedWriter
	queue    *syncqueue.Queue
	accruals Accruals
	cfg      Config

	mu       sync.Mutex
	inFlight map[string]pendingClaim // by stake id
	waiting  map[string]bool
	results  map[string]models.ClaimOutcome
}

var (
	_ syncqueue.Handler         = (*Coordinator)(nil)
	_ syncqueue.FallbackHandler = (*Coordinator)(nil)
	_ syncqueue.Settler         = (*Coordinator)(nil)
	_ syncqueue.DeadLetterer    = (*Coordinator)(nil)
	_ syncqueue.Releaser        = (*Coordinator)(nil)
)

type pendingClaim struct {
	userId string
	token  string
}

func NewCoordinator(db store.LocalStore, remote store.RemoteLedger, stakes cache.ConfirmedWriter,
	queue *syncqueue.Queue, accruals Accruals, cfg Config) *Coordinator {
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Coordinator{
		db:       db,
		remote:   remote,
		cache:    stakes,
		queue:    queue,
		accruals: accruals,
		cfg:      cfg,
		inFlight: make(map[string]pendingClaim),
		waiting:  make(map[string]bool),
		results:  make(map[string]models.ClaimOutcome),
	}
	queue.Register(models.OpBalanceUpdate, c)
	return c
}

// Restore rebuilds the user's in-flight set from claims still waiting in the
// queue. Entries for claims that left the queue are dropped.
func (c *Coordinator) Restore(ctx context.Context, userId string) error {
	ops, err := c.queue.Pending(ctx, userId)
	if err != nil {
		return fmt.Errorf("failed to restore pending claims: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for stakeId, p := range c.inFlight {
		if p.userId == userId {
			delete(c.inFlight, stakeId)
		}
	}
	restored := 0
	for _, op := range ops {
		if op.Kind != models.OpBalanceUpdate {
			continue
		}
		c.inFlight[op.StakeId] = pendingClaim{userId: op.UserId, token: op.Id}
		restored++
	}
	if restored > 0 {
		zap.L().Info("Restored pending claims",
			zap.String("user_id", userId),
			zap.Int("count", restored))
	}
	return nil
}

// InFlight reports whether a claim for the stake awaits confirmation.
func (c *Coordinator) InFlight(stakeId string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inFlight[stakeId]
	return ok
}

// RequestClaim checks eligibility and submits a claim for the stake's current
// window. The caller holds the user's lock. A rejected claim returns the
// outcome together with ErrClaimRejected.
func (c *Coordinator) RequestClaim(ctx context.Context, userId, stakeId string) (models.ClaimOutcome, error) {
	stake, err := c.cache.Get(ctx, stakeId)
	if errors.Is(err, store.ErrNotFound) {
		return models.ClaimOutcome{}, fmt.Errorf("%w: unknown stake %s", store.ErrValidation, stakeId)
	}
	if err != nil {
		return models.ClaimOutcome{}, fmt.Errorf("failed to load stake: %w", err)
	}
	if stake.UserId != userId {
		return models.ClaimOutcome{}, fmt.Errorf("%w: stake %s does not belong to user %s", store.ErrValidation, stakeId, userId)
	}

	token := models.ClaimToken(stakeId, stake.ClaimWindowStart())
	outcome := models.ClaimOutcome{StakeId: stakeId, Token: token}

	prior, err := c.db.FindActivityByReference(ctx, token)
	if err != nil {
		return outcome, fmt.Errorf("failed to check claim history: %w", err)
	}
	if prior != nil {
		if stake.LastPayoutAt.Before(prior.CreatedAt) {
			c.settle(ctx, userId, stakeId, prior.Amount, prior.CreatedAt)
		}
		outcome.Status = models.ClaimConfirmed
		outcome.Amount = prior.Amount
		outcome.SettledAt = prior.CreatedAt
		outcome.Replayed = true
		c.cfg.Metrics.Claim("replayed")
		return outcome, nil
	}

	if c.InFlight(stakeId) {
		return outcome, fmt.Errorf("stake %s: %w", stakeId, store.ErrClaimInFlight)
	}
	if !stake.Active {
		return c.reject(outcome, "stake inactive")
	}
	running := c.accruals.Total(userId, stakeId)
	if !running.IsPositive() {
		return c.reject(outcome, "nothing to claim")
	}

	checked := true
	eligCtx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	elig, err := c.remote.FetchClaimEligibility(eligCtx, stakeId)
	cancel()
	switch {
	case err != nil && store.IsRetryable(err):
		zap.L().Warn("Eligibility check unavailable, queuing claim",
			zap.String("stake_id", stakeId),
			zap.Error(err))
		checked = false
	case errors.Is(err, store.ErrNotFound):
		return outcome, fmt.Errorf("%w: stake %s unknown to ledger", store.ErrValidation, stakeId)
	case err != nil:
		return outcome, fmt.Errorf("failed to check claim eligibility: %w", err)
	case !elig.Active:
		return c.reject(outcome, "stake inactive")
	case !elig.Claimable.IsPositive():
		return c.reject(outcome, "nothing to claim")
	}

	op, err := c.claimOp(userId, stake, token, running)
	if err != nil {
		return outcome, err
	}
	inserted, err := c.queue.Enqueue(ctx, op)
	if err != nil {
		return outcome, err
	}
	if !inserted {
		return outcome, fmt.Errorf("stake %s: %w", stakeId, store.ErrClaimInFlight)
	}

	c.mu.Lock()
	c.inFlight[stakeId] = pendingClaim{userId: userId, token: token}
	c.mu.Unlock()

	if !checked {
		outcome.Status = models.ClaimPending
		outcome.Reason = "ledger unreachable"
		c.cfg.Metrics.Claim(string(models.ClaimPending))
		return outcome, nil
	}

	c.mu.Lock()
	c.waiting[token] = true
	c.mu.Unlock()

	attempt, _, cause := c.queue.Attempt(ctx, op)

	c.mu.Lock()
	res, settled := c.results[token]
	delete(c.results, token)
	delete(c.waiting, token)
	c.mu.Unlock()

	switch {
	case attempt == syncqueue.OutcomeDeadLettered:
		c.cfg.Metrics.Claim("failed")
		return outcome, fmt.Errorf("claim for stake %s abandoned: %w", stakeId, cause)
	case attempt.Pending() || !settled:
		outcome.Status = models.ClaimPending
		if cause != nil {
			outcome.Reason = cause.Error()
		}
		c.cfg.Metrics.Claim(string(models.ClaimPending))
		return outcome, nil
	}

	c.cfg.Metrics.Claim(string(res.Status))
	if res.Status == models.ClaimRejected {
		return res, fmt.Errorf("%w: %s", store.ErrClaimRejected, res.Reason)
	}
	return res, nil
}

func (c *Coordinator) reject(outcome models.ClaimOutcome, reason string) (models.ClaimOutcome, error) {
	outcome.Status = models.ClaimRejected
	outcome.Reason = reason
	c.cfg.Metrics.Claim(string(models.ClaimRejected))
	return outcome, fmt.Errorf("%w: %s", store.ErrClaimRejected, reason)
}

func (c *Coordinator) claimOp(userId string, stake *models.Stake, token string, requested decimal.Decimal) (models.SyncOperation, error) {
	payload, err := syncqueue.EncodePayload(models.BalanceUpdatePayload{
		StakeId:         stake.Id,
		Token:           token,
		WindowStart:     stake.ClaimWindowStart().UnixNano(),
		RequestedAmount: requested.String(),
	})
	if err != nil {
		return models.SyncOperation{}, err
	}
	return models.SyncOperation{
		Id:         token,
		UserId:     userId,
		StakeId:    stake.Id,
		Kind:       models.OpBalanceUpdate,
		Payload:    payload,
		CreatedAt:  c.cfg.Now(),
		MaxRetries: c.cfg.MaxRetries,
	}, nil
}

// Deliver submits the claim. A rejection completes the operation without a
// record; a confirmation returns the claim activity record.
func (c *Coordinator) Deliver(ctx context.Context, op models.SyncOperation) (*models.ActivityRecord, error) {
	var payload models.BalanceUpdatePayload
	if err := syncqueue.DecodePayload(op.Payload, &payload); err != nil {
		return nil, err
	}

	submitCtx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	receipt, err := c.remote.SubmitClaim(submitCtx, payload.StakeId, payload.Token)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: claim submission timed out", store.ErrTransientNetwork)
	}
	if err != nil {
		return nil, err
	}

	outcome := models.ClaimOutcome{
		StakeId:   payload.StakeId,
		Token:     payload.Token,
		SettledAt: receipt.SettledAt,
		Replayed:  receipt.Replayed,
	}
	if receipt.Rejected {
		outcome.Status = models.ClaimRejected
		outcome.Reason = receipt.Reason
		c.record(outcome)
		zap.L().Info("Claim rejected by ledger",
			zap.String("stake_id", payload.StakeId),
			zap.String("token", payload.Token),
			zap.String("reason", receipt.Reason))
		return nil, nil
	}

	outcome.Status = models.ClaimConfirmed
	outcome.Amount = receipt.Confirmed
	c.record(outcome)

	return &models.ActivityRecord{
		Id:        activityId(payload.Token),
		UserId:    op.UserId,
		StakeId:   payload.StakeId,
		Kind:      models.ActivityClaim,
		Amount:    receipt.Confirmed,
		Reference: payload.Token,
		CreatedAt: receipt.SettledAt,
	}, nil
}

// Fallback handles a claim the ledger settled elsewhere by adopting the
// ledger's view of the stake.
func (c *Coordinator) Fallback(ctx context.Context, op models.SyncOperation, cause error) (*models.ActivityRecord, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RemoteTimeout)
	defer cancel()

	remote, err := c.remote.FetchStakes(fetchCtx, op.UserId)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stakes after conflict: %w", err)
	}
	if _, err := c.cache.AdoptRemote(ctx, op.UserId, remote); err != nil {
		return nil, fmt.Errorf("failed to adopt stakes after conflict: %w", err)
	}

	c.accruals.ResetBaseline(op.UserId, op.StakeId)
	if elig, err := c.remote.FetchClaimEligibility(fetchCtx, op.StakeId); err == nil {
		c.accruals.Merge(op.UserId, op.StakeId, elig.Claimable)
	}

	c.record(models.ClaimOutcome{
		StakeId: op.StakeId,
		Token:   op.Id,
		Status:  models.ClaimAlreadyClaimed,
		Reason:  cause.Error(),
	})
	zap.L().Info("Claim window already settled, adopted ledger state",
		zap.String("stake_id", op.StakeId),
		zap.String("token", op.Id))
	return nil, nil
}

// Settled runs after the queue durably completed a claim operation.
func (c *Coordinator) Settled(ctx context.Context, op models.SyncOperation, record *models.ActivityRecord) {
	defer c.clearInFlight(op.StakeId, op.Id)

	c.mu.Lock()
	res, ok := c.results[op.Id]
	if ok && !c.waiting[op.Id] {
		delete(c.results, op.Id)
	}
	c.mu.Unlock()

	if record != nil {
		c.settle(ctx, op.UserId, op.StakeId, record.Amount, record.CreatedAt)
		return
	}
	if ok && res.Status == models.ClaimRejected {
		payload, err := syncqueue.EncodePayload(models.RefreshPayload{Reason: "claim rejected"})
		if err != nil {
			return
		}
		refresh := models.SyncOperation{
			Id:      uuid.New().String(),
			UserId:  op.UserId,
			Kind:    models.OpUserRefresh,
			Payload: payload,
		}
		if _, err := c.queue.Enqueue(ctx, refresh); err != nil {
			zap.L().Warn("Failed to queue refresh after rejection",
				zap.String("user_id", op.UserId),
				zap.Error(err))
		}
	}
}

// DeadLettered releases the stake for new claims once its claim operation
// was abandoned.
func (c *Coordinator) DeadLettered(_ context.Context, op models.SyncOperation, cause error) {
	c.mu.Lock()
	delete(c.results, op.Id)
	c.mu.Unlock()
	c.clearInFlight(op.StakeId, op.Id)

	zap.L().Warn("Claim abandoned, stake released",
		zap.String("user_id", op.UserId),
		zap.String("stake_id", op.StakeId),
		zap.String("token", op.Id),
		zap.Error(cause))
}

// Released drops the outcome of a delivery whose completion was not recorded.
// The operation stays queued and the next delivery records it again.
func (c *Coordinator) Released(_ context.Context, op models.SyncOperation, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, op.Id)
}

// settle applies a confirmed payout to the cache unless the cache already
// reflects it, then restarts the stake's running total.
func (c *Coordinator) settle(ctx context.Context, userId, stakeId string, amount decimal.Decimal, settledAt time.Time) {
	stake, err := c.cache.Get(ctx, stakeId)
	if err == nil && stake.LastPayoutAt.Before(settledAt) {
		_, err = c.cache.ApplyConfirmed(ctx, stakeId, models.ConfirmedDelta{
			EarnedDelta:  amount,
			LastPayoutAt: settledAt,
		})
	}
	if err != nil {
		zap.L().Error("Failed to apply confirmed claim, reconcile will adopt it",
			zap.String("stake_id", stakeId),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
	c.accruals.ResetBaseline(userId, stakeId)

	zap.L().Info("Claim confirmed",
		zap.String("user_id", userId),
		zap.String("stake_id", stakeId),
		zap.String("amount", amount.String()))
}

func (c *Coordinator) record(outcome models.ClaimOutcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[outcome.Token] = outcome
}

func (c *Coordinator) clearInFlight(stakeId, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[stakeId].token == token {
		delete(c.inFlight, stakeId)
	}
}

func activityId(token string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("claim:"+token)).String()
}
