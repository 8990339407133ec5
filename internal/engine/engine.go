package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mining-accrual-go/internal/accrual"
	"mining-accrual-go/internal/cache"
	"mining-accrual-go/internal/claim"
	"mining-accrual-go/internal/metrics"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reconciler"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"
	"mining-accrual-go/internal/syncqueue"

	"github.com/olebedev/emitter"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Options struct {
	Config   *models.Config
	Store    store.LocalStore
	Remote   store.RemoteLedger
	Schedule *reward.Schedule
	// Registry receives the engine's collectors; nil disables metrics.
	Registry prometheus.Registerer
}

type session struct {
	clock  *accrual.Clock
	cancel context.CancelFunc
}

// Engine owns the per-user sessions and wires the accrual clock, stake
// cache, sync queue, claim coordinator and reconciler together.
type Engine struct {
	cfg      models.Config
	db       store.LocalStore
	remote   store.RemoteLedger
	schedule *reward.Schedule
	metrics  *metrics.Metrics

	stakes     *cache.StakeCache
	queue      *syncqueue.Queue
	claims     *claim.Coordinator
	reconciler *reconciler.Reconciler

	bus    *emitter.Emitter
	locks  *userLocks
	online atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*session
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Store == nil || opts.Remote == nil {
		return nil, fmt.Errorf("%w: config, store and remote ledger are required", store.ErrValidation)
	}
	cfg := *opts.Config
	schedule := opts.Schedule
	if schedule == nil {
		schedule = reward.DefaultSchedule()
	}
	var m *metrics.Metrics
	if opts.Registry != nil {
		m = metrics.New(opts.Registry)
	}

	stakes, err := cache.New(opts.Store, cfg.Engine.StakeCacheUsers)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		db:       opts.Store,
		remote:   opts.Remote,
		schedule: schedule,
		metrics:  m,
		stakes:   stakes,
		bus:      emitter.New(16),
		locks:    newUserLocks(),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	e.online.Store(true)

	e.queue = syncqueue.New(opts.Store, syncqueue.Config{
		MaxRetries:       cfg.Sync.MaxRetries,
		DrainConcurrency: cfg.Sync.DrainConcurrency,
		Policy: syncqueue.NewDefaultPolicy(syncqueue.BackoffConfig{
			Initial:    cfg.Sync.BackoffInitial,
			Max:        cfg.Sync.BackoffMax,
			Multiplier: cfg.Sync.BackoffMultiplier,
		}),
		Lock:    e.locks.Lock,
		Metrics: m,
	})
	e.queue.OnAlert(e.onAlert)
	e.queue.Register(models.OpActivityAppend, syncqueue.NewActivityHandler(opts.Remote, cfg.Engine.RemoteTimeout))
	e.queue.Register(models.OpUserRefresh, reconciler.NewRefreshHandler(opts.Remote, stakes, cfg.Engine.RemoteTimeout))

	acc := &accruals{e: e}
	e.claims = claim.NewCoordinator(opts.Store, opts.Remote, stakes, e.queue, acc, claim.Config{
		RemoteTimeout: cfg.Engine.RemoteTimeout,
		MaxRetries:    cfg.Sync.MaxRetries,
		Metrics:       m,
	})
	e.reconciler = reconciler.New(opts.Store, opts.Remote, stakes, e.queue, schedule, acc, reconciler.Config{
		Interval:      cfg.Engine.ReconcileInterval,
		RemoteTimeout: cfg.Engine.RemoteTimeout,
		Lock:          e.locks.Lock,
		Online:        e.online.Load,
		Metrics:       m,
	})

	return e, nil
}

// StartSession seeds a user's clock from local state, starts accruing and
// schedules reconciliation, beginning with an immediate pass.
func (e *Engine) StartSession(ctx context.Context, userId string) error {
	if userId == "" {
		return fmt.Errorf("%w: user id is required", store.ErrValidation)
	}

	e.mu.RLock()
	_, running := e.sessions[userId]
	e.mu.RUnlock()
	if running {
		return nil
	}

	clock, err := e.buildClock(ctx, userId, func(snap models.EarningSnapshot) {
		e.metrics.Tick()
		e.publish(snap)
	})
	if err != nil {
		return err
	}
	if err := e.claims.Restore(ctx, userId); err != nil {
		return err
	}

	sessCtx, cancel := context.WithCancel(e.ctx)
	e.mu.Lock()
	if _, running := e.sessions[userId]; running {
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.sessions[userId] = &session{clock: clock, cancel: cancel}
	e.mu.Unlock()

	clock.Start()
	e.reconciler.Start(sessCtx, userId)
	e.metrics.SessionStarted()

	zap.L().Info("Session started",
		zap.String("user_id", userId),
		zap.Duration("tick_interval", e.cfg.Engine.TickInterval))
	return nil
}

// StopSession stops accrual for a user and persists the running totals.
// Pending queue operations stay for the next session.
func (e *Engine) StopSession(ctx context.Context, userId string) error {
	e.mu.Lock()
	sess, ok := e.sessions[userId]
	delete(e.sessions, userId)
	e.mu.Unlock()

	if !ok {
		return nil
	}

	e.reconciler.Stop(userId)
	sess.cancel()
	sess.clock.Stop()
	e.metrics.SessionStopped()

	unlock := e.locks.Lock(userId)
	defer unlock()
	if err := e.db.SaveAccruals(ctx, userId, sess.clock.Totals()); err != nil {
		return fmt.Errorf("failed to persist running totals: %w", err)
	}

	zap.L().Info("Session stopped", zap.String("user_id", userId))
	return nil
}

// Sessions lists users with an active session.
func (e *Engine) Sessions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	users := make([]string, 0, len(e.sessions))
	for userId := range e.sessions {
		users = append(users, userId)
	}
	return users
}

// SetOnline records connectivity. Coming back online triggers an immediate
// reconcile for every session.
func (e *Engine) SetOnline(online bool) {
	was := e.online.Swap(online)
	if was == online {
		return
	}
	zap.L().Info("Connectivity changed", zap.Bool("online", online))
	if !online {
		return
	}
	for _, userId := range e.Sessions() {
		e.reconciler.TriggerNow(userId)
	}
}

func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetForeground pauses the user's clock in the background and resumes it in
// the foreground.
func (e *Engine) SetForeground(userId string, foreground bool) error {
	sess := e.session(userId)
	if sess == nil {
		return fmt.Errorf("no session for user %s: %w", userId, store.ErrNotFound)
	}
	if foreground {
		sess.clock.Resume()
	} else {
		sess.clock.Pause()
	}
	return nil
}

// Subscribe delivers each published snapshot of the user to fn until the
// returned function is called. A nil fn only keeps the topic open.
func (e *Engine) Subscribe(userId string, fn func(models.EarningSnapshot)) (unsubscribe func()) {
	topic := snapshotTopic(userId)
	events := e.bus.On(topic, emitter.Skip)
	stopChan := make(chan struct{})
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					return
				}
				if len(evt.Args) == 0 {
					continue
				}
				if snap, ok := evt.Args[0].(models.EarningSnapshot); ok && fn != nil {
					fn(snap)
				}
			case <-stopChan:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopChan)
			e.bus.Off(topic, events)
			<-doneChan
		})
	}
}

// GetSnapshot returns the live snapshot of a session, or one built from local
// state when the user has no session. A user without stakes gets an inactive
// zero snapshot.
func (e *Engine) GetSnapshot(ctx context.Context, userId string) (models.EarningSnapshot, error) {
	if sess := e.session(userId); sess != nil {
		return sess.clock.Snapshot(), nil
	}
	clock, err := e.buildClock(ctx, userId, nil)
	if err != nil {
		return models.EarningSnapshot{}, err
	}
	return clock.Snapshot(), nil
}

// RequestClaim claims a stake's running total. The user needs an active session.
func (e *Engine) RequestClaim(ctx context.Context, userId, stakeId string) (models.ClaimOutcome, error) {
	sess := e.session(userId)
	if sess == nil {
		return models.ClaimOutcome{}, fmt.Errorf("%w: no active session for user %s", store.ErrValidation, userId)
	}

	unlock := e.locks.Lock(userId)
	defer unlock()

	ctx = models.WithSyncContext(ctx, &models.SyncContext{Trigger: "claim", UserId: userId})
	outcome, err := e.claims.RequestClaim(ctx, userId, stakeId)
	if err != nil {
		return outcome, err
	}

	if outcome.Status == models.ClaimConfirmed || outcome.Status == models.ClaimAlreadyClaimed {
		if err := e.db.SaveAccruals(ctx, userId, sess.clock.Totals()); err != nil {
			zap.L().Warn("Failed to persist totals after claim",
				zap.String("user_id", userId),
				zap.Error(err))
		}
		e.publish(sess.clock.Snapshot())
	}
	return outcome, nil
}

// Reconcile runs one reconciliation pass for a user immediately.
func (e *Engine) Reconcile(ctx context.Context, userId string) (*reconciler.Result, error) {
	ctx = models.WithSyncContext(ctx, &models.SyncContext{Trigger: "manual", UserId: userId})
	return e.reconciler.Run(ctx, userId)
}

// DrainAll delivers due operations of every user with a non-empty queue.
func (e *Engine) DrainAll(ctx context.Context) error {
	if !e.online.Load() {
		return nil
	}
	return e.queue.DrainAll(ctx)
}

func (e *Engine) DeadLetters(ctx context.Context, userId string) ([]models.DeadLetter, error) {
	return e.queue.DeadLetters(ctx, userId)
}

// Requeue returns a dead letter to the queue and nudges the owner's session.
func (e *Engine) Requeue(ctx context.Context, opId string) (*models.SyncOperation, error) {
	op, err := e.queue.Requeue(ctx, opId)
	if err != nil {
		return nil, err
	}
	if op.Kind == models.OpBalanceUpdate {
		if err := e.claims.Restore(ctx, op.UserId); err != nil {
			return nil, err
		}
	}
	e.reconciler.TriggerNow(op.UserId)
	zap.L().Info("Dead letter requeued",
		zap.String("operation_id", op.Id),
		zap.String("user_id", op.UserId))
	return op, nil
}

func (e *Engine) ActivityHistory(ctx context.Context, userId string, limit, offset int) ([]models.ActivityRecord, error) {
	return e.db.GetActivityHistory(ctx, userId, limit, offset)
}

func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.db.Ping(ctx); err != nil {
		return fmt.Errorf("local store unhealthy: %w", err)
	}
	return nil
}

// Close stops every session. The store and remote ledger belong to the caller.
func (e *Engine) Close() {
	e.reconciler.StopAll()
	for _, userId := range e.Sessions() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.StopSession(ctx, userId); err != nil {
			zap.L().Warn("Failed to stop session",
				zap.String("user_id", userId),
				zap.Error(err))
		}
		cancel()
	}
	e.cancel()
}

func (e *Engine) session(userId string) *session {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessions[userId]
}

func (e *Engine) clock(userId string) *accrual.Clock {
	if sess := e.session(userId); sess != nil {
		return sess.clock
	}
	return nil
}

func (e *Engine) buildClock(ctx context.Context, userId string, sink accrual.Sink) (*accrual.Clock, error) {
	stakes, err := e.stakes.Load(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load stakes: %w", err)
	}
	state, err := e.db.GetSyncState(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	totals, err := e.db.GetAccruals(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load running totals: %w", err)
	}

	clock := accrual.NewClock(userId, e.cfg.Engine.TickInterval, sink)
	now := time.Now()
	for _, s := range stakes {
		rate := e.schedule.DailyRate(s.Principal, s.BaseDailyRate, reward.DaysActive(s.CreatedAt, now), state.ActiveReferrals)
		clock.UpdateParams(s.Id, rate, s.Active)
		if total, ok := totals[s.Id]; ok {
			clock.Seed(s.Id, total)
		}
	}
	return clock, nil
}

func (e *Engine) publish(snap models.EarningSnapshot) {
	<-e.bus.Emit(snapshotTopic(snap.UserId), snap)
}

func (e *Engine) onAlert(a syncqueue.Alert) {
	fields := []zap.Field{
		zap.String("operation_id", a.Op.Id),
		zap.String("user_id", a.Op.UserId),
		zap.String("kind", string(a.Op.Kind)),
		zap.Int("retry_count", a.Op.RetryCount),
		zap.Error(a.Err),
	}
	if errors.Is(a.Err, store.ErrExhaustedRetries) {
		zap.L().Error("Sync operation exhausted its retries", fields...)
		return
	}
	zap.L().Error("Sync operation needs attention", fields...)
}

func snapshotTopic(userId string) string {
	return "snapshot." + userId
}
