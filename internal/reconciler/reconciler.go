package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"mining-accrual-go/internal/metrics"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"
	"mining-accrual-go/internal/syncqueue"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Accruals is the running-total side of a user session.
type Accruals interface {
	UpdateParams(userId, stakeId string, rate reward.Rate, active bool)
	Merge(userId, stakeId string, remote decimal.Decimal) decimal.Decimal
	ResetBaseline(userId, stakeId string)
	Totals(userId string) map[string]decimal.Decimal
	Publish(userId string)
}

// StakeCache is the confirmed stake state the reconciler is allowed to write.
type StakeCache interface {
	Load(ctx context.Context, userId string) ([]models.Stake, error)
	AdoptRemote(ctx context.Context, userId string, remote []models.Stake) ([]models.Stake, error)
	UpsertLocalObservation(ctx context.Context, stakeId string, obs models.LocalObservation) error
}

type Config struct {
	Interval      time.Duration
	RemoteTimeout time.Duration
	// Lock serializes cache and queue mutations for one user.
	Lock func(userId string) (unlock func())
	// Online, when set, lets the loop skip cycles while the device is offline.
	Online  func() bool
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Result summarizes one reconciliation pass.
type Result struct {
	UserId     string
	Adopted    bool
	Stakes     int
	Drained    syncqueue.DrainResult
	LastSyncAt time.Time
}

type loop struct {
	trigger  chan struct{}
	cancel   context.CancelFunc
	doneChan chan struct{}
}

// Reconciler brings a user's local view in line with the remote ledger.
type Reconciler struct {
	db       store.LocalStore
	remote   store.RemoteLedger
	cache    StakeCache
	queue    *syncqueue.Queue
	schedule *reward.Schedule
	accruals Accruals
	cfg      Config

	group singleflight.Group

	mu    sync.Mutex
	loops map[string]*loop
}

func New(db store.LocalStore, remote store.RemoteLedger, cache StakeCache, queue *syncqueue.Queue,
	schedule *reward.Schedule, accruals Accruals, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = 10 * time.Second
	}
	if cfg.Lock == nil {
		cfg.Lock = func(string) func() { return func() {} }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{
		db:       db,
		remote:   remote,
		cache:    cache,
		queue:    queue,
		schedule: schedule,
		accruals: accruals,
		cfg:      cfg,
		loops:    make(map[string]*loop),
	}
}

// Run performs one reconciliation pass. Concurrent calls for the same user
// share a single pass.
func (r *Reconciler) Run(ctx context.Context, userId string) (*Result, error) {
	v, err, shared := r.group.Do(userId, func() (interface{}, error) {
		return r.run(ctx, userId)
	})
	if shared {
		zap.L().Debug("Joined in-progress reconcile", zap.String("user_id", userId))
	}
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (r *Reconciler) run(ctx context.Context, userId string) (*Result, error) {
	unlock := r.cfg.Lock(userId)
	defer unlock()

	result := &Result{UserId: userId}

	drained, err := r.queue.Drain(ctx, userId)
	if err != nil {
		zap.L().Warn("Queue drain failed during reconcile",
			zap.String("user_id", userId),
			zap.Error(err))
	}
	result.Drained = drained

	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteTimeout)
	remote, err := r.remote.FetchUserSyncState(fetchCtx, userId)
	cancel()
	if err != nil {
		r.cfg.Metrics.Reconcile("failed")
		zap.L().Warn("Failed to fetch remote sync state, keeping local state",
			zap.String("user_id", userId),
			zap.Error(err))
		return nil, fmt.Errorf("failed to fetch sync state for user %s: %w", userId, asTransient(err))
	}

	local, err := r.db.GetSyncState(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to read local sync state: %w", err)
	}

	var stakes []models.Stake
	settledElsewhere := make(map[string]bool)
	if local.LastSyncAt.IsZero() || remote.LastSyncAt.After(local.LastSyncAt) {
		before, err := r.cache.Load(ctx, userId)
		if err != nil {
			return nil, fmt.Errorf("failed to load stakes: %w", err)
		}
		payouts := make(map[string]time.Time, len(before))
		for _, s := range before {
			payouts[s.Id] = s.LastPayoutAt
		}

		fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.RemoteTimeout)
		remoteStakes, err := r.remote.FetchStakes(fetchCtx, userId)
		cancel()
		if err != nil {
			r.cfg.Metrics.Reconcile("failed")
			zap.L().Warn("Failed to fetch remote stakes, keeping local state",
				zap.String("user_id", userId),
				zap.Error(err))
			return nil, fmt.Errorf("failed to fetch stakes for user %s: %w", userId, asTransient(err))
		}
		stakes, err = r.cache.AdoptRemote(ctx, userId, remoteStakes)
		if err != nil {
			return nil, fmt.Errorf("failed to adopt remote stakes: %w", err)
		}
		for _, s := range stakes {
			if prev, ok := payouts[s.Id]; ok && s.LastPayoutAt.After(prev) {
				settledElsewhere[s.Id] = true
			}
		}
		result.Adopted = true
	} else {
		stakes, err = r.cache.Load(ctx, userId)
		if err != nil {
			return nil, fmt.Errorf("failed to load stakes: %w", err)
		}
	}

	now := r.cfg.Now()
	for _, s := range stakes {
		rate := r.schedule.DailyRate(s.Principal, s.BaseDailyRate, reward.DaysActive(s.CreatedAt, now), remote.ActiveReferrals)
		r.accruals.UpdateParams(userId, s.Id, rate, s.Active)

		totals, ok := remote.ConfirmedTotals[s.Id]
		if !ok {
			continue
		}
		if settledElsewhere[s.Id] {
			zap.L().Info("Claim window advanced on ledger, restarting running total",
				zap.String("user_id", userId),
				zap.String("stake_id", s.Id),
				zap.Time("last_payout_at", s.LastPayoutAt))
			r.accruals.ResetBaseline(userId, s.Id)
		}
		merged := r.accruals.Merge(userId, s.Id, totals.Unclaimed)
		obs := models.LocalObservation{Unclaimed: merged, ObservedAt: now}
		if err := r.cache.UpsertLocalObservation(ctx, s.Id, obs); err != nil {
			zap.L().Debug("Failed to record observation",
				zap.String("stake_id", s.Id),
				zap.Error(err))
		}
	}

	if err := r.db.SaveAccruals(ctx, userId, r.accruals.Totals(userId)); err != nil {
		return nil, fmt.Errorf("failed to persist running totals: %w", err)
	}
	if err := r.db.SaveSyncState(ctx, userId, remote.LastSyncAt, remote.ActiveReferrals); err != nil {
		return nil, fmt.Errorf("failed to persist sync state: %w", err)
	}

	r.accruals.Publish(userId)
	r.cfg.Metrics.Reconcile("ok")

	result.Stakes = len(stakes)
	result.LastSyncAt = remote.LastSyncAt

	trigger := "direct"
	if sc := models.GetSyncContext(ctx); sc != nil {
		trigger = sc.Trigger
	}
	zap.L().Debug("Reconcile complete",
		zap.String("user_id", userId),
		zap.String("trigger", trigger),
		zap.Bool("adopted", result.Adopted),
		zap.Int("stakes", result.Stakes),
		zap.Int("delivered", drained.Delivered))

	return result, nil
}

// Start launches the periodic loop for a user. The first pass runs immediately.
func (r *Reconciler) Start(ctx context.Context, userId string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.loops[userId]; running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{
		trigger:  make(chan struct{}, 1),
		cancel:   cancel,
		doneChan: make(chan struct{}),
	}
	r.loops[userId] = l
	go r.reconcileLoop(loopCtx, userId, l)

	zap.L().Info("Reconcile loop started",
		zap.String("user_id", userId),
		zap.Duration("interval", r.cfg.Interval))
}

// Stop ends a user's loop and waits for an in-flight pass to return.
func (r *Reconciler) Stop(userId string) {
	r.mu.Lock()
	l, ok := r.loops[userId]
	delete(r.loops, userId)
	r.mu.Unlock()

	if !ok {
		return
	}
	l.cancel()
	<-l.doneChan
	zap.L().Info("Reconcile loop stopped", zap.String("user_id", userId))
}

func (r *Reconciler) StopAll() {
	r.mu.Lock()
	users := make([]string, 0, len(r.loops))
	for userId := range r.loops {
		users = append(users, userId)
	}
	r.mu.Unlock()

	for _, userId := range users {
		r.Stop(userId)
	}
}

// TriggerNow asks a running loop for an out-of-cycle pass. It reports false
// when the user has no loop.
func (r *Reconciler) TriggerNow(userId string) bool {
	r.mu.Lock()
	l, ok := r.loops[userId]
	r.mu.Unlock()

	if !ok {
		return false
	}
	select {
	case l.trigger <- struct{}{}:
	default:
	}
	return true
}

func (r *Reconciler) reconcileLoop(ctx context.Context, userId string, l *loop) {
	defer close(l.doneChan)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.runOnce(ctx, userId, "startup")

	for {
		select {
		case <-ticker.C:
			r.runOnce(ctx, userId, "tick")
		case <-l.trigger:
			r.runOnce(ctx, userId, "reconnect")
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context, userId, trigger string) {
	if r.cfg.Online != nil && !r.cfg.Online() {
		r.cfg.Metrics.Reconcile("skipped")
		zap.L().Debug("Offline, skipping reconcile", zap.String("user_id", userId))
		return
	}
	ctx = models.WithSyncContext(ctx, &models.SyncContext{Trigger: trigger, UserId: userId})
	if _, err := r.Run(ctx, userId); err != nil && ctx.Err() == nil {
		zap.L().Warn("Reconcile failed",
			zap.String("user_id", userId),
			zap.String("trigger", trigger),
			zap.Error(err))
	}
}

func asTransient(err error) error {
	if errors.Is(err, store.ErrTransientNetwork) || !store.IsRetryable(err) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrTransientNetwork, err)
}
