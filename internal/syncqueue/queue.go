package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mining-accrual-go/internal/metrics"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler delivers one kind of operation to the remote ledger. A non-nil
// record is appended to the local activity history when the operation completes.
type Handler interface {
	Deliver(ctx context.Context, op models.SyncOperation) (*models.ActivityRecord, error)
}

// FallbackHandler is implemented by handlers with an alternate path for
// failures the policy routes to fallback.
type FallbackHandler interface {
	Fallback(ctx context.Context, op models.SyncOperation, cause error) (*models.ActivityRecord, error)
}

// Settler is implemented by handlers that apply local effects once a
// delivered operation has been durably completed.
type Settler interface {
	Settled(ctx context.Context, op models.SyncOperation, record *models.ActivityRecord)
}

// DeadLetterer is implemented by handlers that hold state for an operation
// until it leaves the queue. It runs for every dead-lettered operation,
// whichever drain or attempt moved it.
type DeadLetterer interface {
	DeadLettered(ctx context.Context, op models.SyncOperation, cause error)
}

// Releaser is implemented by handlers that keep a delivery result until the
// operation completes. It runs when a delivered operation could not be
// completed and stays queued for another attempt.
type Releaser interface {
	Released(ctx context.Context, op models.SyncOperation, cause error)
}

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeFellBack     Outcome = "fell_back"
	OutcomeRetrying     Outcome = "retrying"
	OutcomeAlerted      Outcome = "alerted"
	OutcomeDropped      Outcome = "dropped"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Pending reports whether the operation is still waiting in the queue.
func (o Outcome) Pending() bool {
	return o == OutcomeRetrying || o == OutcomeAlerted
}

// Alert is raised for failures an operator should see.
type Alert struct {
	Op  models.SyncOperation
	Err error
}

// DrainResult summarizes one pass over a user's queue.
type DrainResult struct {
	Delivered    int
	Failed       int
	Skipped      int
	Deferred     int
	DeadLettered int
}

type Config struct {
	MaxRetries       int
	DrainConcurrency int
	Policy           RecoveryPolicy
	// Lock serializes work for one user. Drain expects the caller to hold it;
	// DrainAll takes it per user.
	Lock    func(userId string) (unlock func())
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Queue is the durable outbound operation queue.
type Queue struct {
	db          store.LocalStore
	handlers    map[models.OperationKind]Handler
	policy      RecoveryPolicy
	maxRetries  int
	concurrency int
	lock        func(userId string) func()
	alerts      []func(Alert)
	metrics     *metrics.Metrics
	now         func() time.Time
}

func New(db store.LocalStore, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.DrainConcurrency <= 0 {
		cfg.DrainConcurrency = 4
	}
	if cfg.Policy == nil {
		cfg.Policy = NewDefaultPolicy(BackoffConfig{})
	}
	if cfg.Lock == nil {
		cfg.Lock = func(string) func() { return func() {} }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{
		db:          db,
		handlers:    make(map[models.OperationKind]Handler),
		policy:      cfg.Policy,
		maxRetries:  cfg.MaxRetries,
		concurrency: cfg.DrainConcurrency,
		lock:        cfg.Lock,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
}

// Register installs the handler for an operation kind. Call before draining.
func (q *Queue) Register(kind models.OperationKind, h Handler) {
	q.handlers[kind] = h
}

// OnAlert adds an alert callback. Call before draining.
func (q *Queue) OnAlert(fn func(Alert)) {
	q.alerts = append(q.alerts, fn)
}

// Enqueue persists op before returning. It reports false when an operation
// with the same id is already pending.
func (q *Queue) Enqueue(ctx context.Context, op models.SyncOperation) (bool, error) {
	if op.Id == "" || op.UserId == "" {
		return false, fmt.Errorf("%w: operation id and user id are required", store.ErrValidation)
	}
	switch op.Kind {
	case models.OpBalanceUpdate, models.OpActivityAppend, models.OpUserRefresh:
	default:
		return false, fmt.Errorf("%w: unknown operation kind %q", store.ErrValidation, op.Kind)
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = q.now()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.maxRetries
	}

	inserted, err := q.db.InsertOperation(ctx, op)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	if inserted {
		q.metrics.Enqueued(string(op.Kind))
		zap.L().Debug("Operation enqueued",
			zap.String("operation_id", op.Id),
			zap.String("user_id", op.UserId),
			zap.String("kind", string(op.Kind)))
	}
	return inserted, nil
}

// Pending returns the user's pending operations in delivery order.
func (q *Queue) Pending(ctx context.Context, userId string) ([]models.SyncOperation, error) {
	return q.db.ListPendingOperations(ctx, userId)
}

// Drain attempts the user's due operations in enqueue order. Once an
// operation stays pending, later operations with the same ordering key wait
// for the next pass. The caller holds the user's lock.
func (q *Queue) Drain(ctx context.Context, userId string) (DrainResult, error) {
	var result DrainResult

	ops, err := q.db.ListPendingOperations(ctx, userId)
	if err != nil {
		return result, fmt.Errorf("failed to list pending operations: %w", err)
	}
	q.metrics.PendingDepth(len(ops))

	now := q.now()
	blocked := make(map[string]bool)
	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		key := op.OrderingKey()
		if blocked[key] {
			result.Skipped++
			continue
		}
		if op.NextAttemptAt.After(now) {
			blocked[key] = true
			result.Deferred++
			continue
		}

		outcome, _, _ := q.Attempt(ctx, op)
		switch {
		case outcome.Pending():
			blocked[key] = true
			result.Failed++
		case outcome == OutcomeDeadLettered:
			result.DeadLettered++
		case outcome == OutcomeDropped:
			result.Failed++
		default:
			result.Delivered++
		}
	}

	if len(ops) > 0 {
		zap.L().Info("Drained sync queue",
			zap.String("user_id", userId),
			zap.Int("pending", len(ops)),
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed),
			zap.Int("skipped", result.Skipped),
			zap.Int("deferred", result.Deferred),
			zap.Int("dead_lettered", result.DeadLettered))
	}
	return result, nil
}

// DrainAll drains every user with pending operations concurrently. A failure
// for one user never stops the others.
func (q *Queue) DrainAll(ctx context.Context) error {
	users, err := q.db.ListQueueUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queue users: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.concurrency)
	for _, userId := range users {
		userId := userId
		g.Go(func() error {
			unlock := q.lock(userId)
			defer unlock()
			if _, err := q.Drain(gctx, userId); err != nil {
				zap.L().Warn("Failed to drain user queue",
					zap.String("user_id", userId),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}

// Attempt delivers op once and records the outcome. The returned error is the
// delivery failure, if any.
func (q *Queue) Attempt(ctx context.Context, op models.SyncOperation) (Outcome, *models.ActivityRecord, error) {
	handler, ok := q.handlers[op.Kind]
	if !ok {
		cause := fmt.Errorf("%w: no handler for %s", store.ErrValidation, op.Kind)
		return q.Fail(ctx, op, cause)
	}

	q.metrics.Attempt(string(op.Kind))
	record, err := handler.Deliver(ctx, op)
	if err != nil {
		return q.Fail(ctx, op, err)
	}

	if err := q.Complete(ctx, op, record); err != nil {
		q.release(ctx, op, err)
		return OutcomeRetrying, nil, err
	}
	return OutcomeDelivered, record, nil
}

// Complete removes a delivered operation, recording its activity locally and
// queuing the remote append in one transaction, then lets the handler settle.
func (q *Queue) Complete(ctx context.Context, op models.SyncOperation, record *models.ActivityRecord) error {
	var followUp *models.SyncOperation
	if record != nil && op.Kind != models.OpActivityAppend {
		next, err := q.activityAppendOp(*record)
		if err != nil {
			return err
		}
		followUp = &next
	}

	if err := q.db.CompleteOperation(ctx, op.Id, record, followUp); err != nil {
		return fmt.Errorf("failed to complete operation %s: %w", op.Id, err)
	}

	q.metrics.Delivered(string(op.Kind))
	if followUp != nil {
		q.metrics.Enqueued(string(followUp.Kind))
	}

	if settler, ok := q.handlers[op.Kind].(Settler); ok {
		settler.Settled(ctx, op, record)
	}
	return nil
}

// Fail applies the recovery policy to a failed attempt.
func (q *Queue) Fail(ctx context.Context, op models.SyncOperation, cause error) (Outcome, *models.ActivityRecord, error) {
	op.RetryCount++
	op.LastError = cause.Error()

	if errors.Is(cause, store.ErrValidation) {
		return q.deadLetter(ctx, op, cause)
	}

	action := q.policy.Decide(op, cause)
	zap.L().Warn("Sync operation failed",
		zap.String("operation_id", op.Id),
		zap.String("user_id", op.UserId),
		zap.String("kind", string(op.Kind)),
		zap.Int("retry_count", op.RetryCount),
		zap.String("action", string(action.Kind)),
		zap.Error(cause))

	outcome := OutcomeRetrying
	switch action.Kind {
	case models.RecoveryIgnore:
		if op.Kind == models.OpUserRefresh {
			if err := q.db.DeleteOperation(ctx, op.Id); err != nil {
				return OutcomeRetrying, nil, err
			}
			q.metrics.Dropped()
			return OutcomeDropped, nil, cause
		}
		outcome = OutcomeAlerted
		q.alert(op, cause)

	case models.RecoveryFallback:
		if fh, ok := q.handlers[op.Kind].(FallbackHandler); ok {
			record, err := fh.Fallback(ctx, op, cause)
			if err == nil {
				if err := q.Complete(ctx, op, record); err != nil {
					q.release(ctx, op, err)
					return OutcomeRetrying, nil, err
				}
				return OutcomeFellBack, record, cause
			}
			zap.L().Warn("Fallback failed",
				zap.String("operation_id", op.Id),
				zap.Error(err))
			op.LastError = err.Error()
			if errors.Is(err, store.ErrValidation) {
				return q.deadLetter(ctx, op, err)
			}
		}
		op.NextAttemptAt = q.now()

	case models.RecoveryRetry:
		op.NextAttemptAt = q.now().Add(action.Delay)

	default:
		outcome = OutcomeAlerted
		q.alert(op, cause)
	}

	if op.RetryCount >= op.MaxRetries {
		return q.deadLetter(ctx, op, fmt.Errorf("%w after %d attempts: %v", store.ErrExhaustedRetries, op.RetryCount, cause))
	}

	if err := q.db.UpdateOperationRetry(ctx, op); err != nil {
		return outcome, nil, fmt.Errorf("failed to record retry: %w", err)
	}
	q.metrics.Retry(string(op.Kind))
	return outcome, nil, cause
}

func (q *Queue) deadLetter(ctx context.Context, op models.SyncOperation, cause error) (Outcome, *models.ActivityRecord, error) {
	moved, err := q.db.DeadLetterOperation(ctx, op, cause.Error())
	if err != nil {
		return OutcomeRetrying, nil, fmt.Errorf("failed to dead-letter operation: %w", err)
	}
	if moved {
		q.metrics.DeadLettered(string(op.Kind))
		q.alert(op, cause)
	}
	if dl, ok := q.handlers[op.Kind].(DeadLetterer); ok {
		dl.DeadLettered(ctx, op, cause)
	}
	return OutcomeDeadLettered, nil, cause
}

func (q *Queue) release(ctx context.Context, op models.SyncOperation, cause error) {
	if r, ok := q.handlers[op.Kind].(Releaser); ok {
		r.Released(ctx, op, cause)
	}
}

func (q *Queue) alert(op models.SyncOperation, err error) {
	for _, fn := range q.alerts {
		fn(Alert{Op: op, Err: err})
	}
}

func (q *Queue) activityAppendOp(record models.ActivityRecord) (models.SyncOperation, error) {
	payload, err := EncodePayload(models.ActivityPayload{Record: record, Amount: record.Amount.String()})
	if err != nil {
		return models.SyncOperation{}, err
	}
	return models.SyncOperation{
		Id:         record.Id,
		UserId:     record.UserId,
		StakeId:    record.StakeId,
		Kind:       models.OpActivityAppend,
		Payload:    payload,
		CreatedAt:  q.now(),
		MaxRetries: q.maxRetries,
	}, nil
}

// DeadLetters lists dead letters for a user, or all users when userId is empty.
func (q *Queue) DeadLetters(ctx context.Context, userId string) ([]models.DeadLetter, error) {
	return q.db.GetDeadLetters(ctx, userId)
}

// Requeue moves a dead letter back to the queue with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, opId string) (*models.SyncOperation, error) {
	op, err := q.db.RequeueDeadLetter(ctx, opId)
	if err != nil {
		return nil, err
	}
	q.metrics.Enqueued(string(op.Kind))
	return op, nil
}
