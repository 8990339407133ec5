package syncqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mining-accrual-go/internal/database"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Deliver(ctx context.Context, op models.SyncOperation) (*models.ActivityRecord, error) {
	args := m.Called(ctx, op)
	rec, _ := args.Get(0).(*models.ActivityRecord)
	return rec, args.Error(1)
}

type fallbackHandler struct {
	mockHandler
}

func (m *fallbackHandler) Fallback(ctx context.Context, op models.SyncOperation, cause error) (*models.ActivityRecord, error) {
	args := m.Called(ctx, op, cause)
	rec, _ := args.Get(0).(*models.ActivityRecord)
	return rec, args.Error(1)
}

type settlingHandler struct {
	mockHandler
	settled []string
}

func (m *settlingHandler) Settled(_ context.Context, op models.SyncOperation, _ *models.ActivityRecord) {
	m.settled = append(m.settled, op.Id)
}

type trackingHandler struct {
	mockHandler
	deadLettered []string
	released     []string
}

func (m *trackingHandler) DeadLettered(_ context.Context, op models.SyncOperation, _ error) {
	m.deadLettered = append(m.deadLettered, op.Id)
}

func (m *trackingHandler) Released(_ context.Context, op models.SyncOperation, _ error) {
	m.released = append(m.released, op.Id)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupQueue(t *testing.T, maxRetries int) (*Queue, *database.Service, *fakeClock) {
	t.Helper()
	db, err := database.NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	clock := &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	q := New(db, Config{
		MaxRetries: maxRetries,
		Policy:     NewDefaultPolicy(BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2}),
		Now:        clock.Now,
	})
	return q, db, clock
}

func newOp(id, userId, stakeId string, kind models.OperationKind) models.SyncOperation {
	return models.SyncOperation{Id: id, UserId: userId, StakeId: stakeId, Kind: kind, Payload: []byte{0x80}}
}

func byId(id string) interface{} {
	return mock.MatchedBy(func(op models.SyncOperation) bool { return op.Id == id })
}

func TestEnqueue_ValidationAndDuplicates(t *testing.T) {
	q, _, _ := setupQueue(t, 3)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, models.SyncOperation{UserId: "u1", Kind: models.OpBalanceUpdate})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = q.Enqueue(ctx, models.SyncOperation{Id: "x", UserId: "u1", Kind: "teleport"})
	assert.ErrorIs(t, err, store.ErrValidation)

	inserted, err := q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	require.NoError(t, err)
	assert.False(t, inserted)

	pending, err := q.Pending(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].MaxRetries)
}

func TestDrain_RetryBoundThenDeadLetterOnce(t *testing.T) {
	q, _, clock := setupQueue(t, 3)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, byId("op1")).Return(nil, store.ErrTransientNetwork)
	q.Register(models.OpBalanceUpdate, h)

	var alerts []Alert
	q.OnAlert(func(a Alert) { alerts = append(alerts, a) })

	_, err := q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		_, err := q.Drain(ctx, "u1")
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	h.AssertNumberOfCalls(t, "Deliver", 3)

	letters, err := q.DeadLetters(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 3, letters[0].Operation.RetryCount)

	require.Len(t, alerts, 1)
	assert.ErrorIs(t, alerts[0].Err, store.ErrExhaustedRetries)

	pending, _ := q.Pending(ctx, "u1")
	assert.Empty(t, pending)
}

func TestDrainAll_DeadLetterNotifiesHandler(t *testing.T) {
	q, _, clock := setupQueue(t, 2)
	ctx := context.Background()

	h := &trackingHandler{}
	h.On("Deliver", mock.Anything, byId("op1")).Return(nil, store.ErrTransientNetwork)
	q.Register(models.OpBalanceUpdate, h)

	_, err := q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.DrainAll(ctx))
		clock.Advance(time.Hour)
	}

	h.AssertNumberOfCalls(t, "Deliver", 2)
	assert.Equal(t, []string{"op1"}, h.deadLettered)
	assert.Empty(t, h.released)
}

func TestAttempt_CompleteFailureReleasesResult(t *testing.T) {
	q, db, _ := setupQueue(t, 3)
	ctx := context.Background()

	record := &models.ActivityRecord{
		Id: "rec-1", UserId: "u1", StakeId: "s1", Kind: models.ActivityClaim,
		Amount: decimal.RequireFromString("1"), Reference: "tok-1",
		CreatedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h := &trackingHandler{}
	h.On("Deliver", mock.Anything, byId("tok-1")).
		Run(func(mock.Arguments) { db.Close() }).
		Return(record, nil)
	q.Register(models.OpBalanceUpdate, h)

	op := newOp("tok-1", "u1", "s1", models.OpBalanceUpdate)
	_, err := q.Enqueue(ctx, op)
	require.NoError(t, err)

	outcome, _, err := q.Attempt(ctx, op)
	assert.Error(t, err)
	assert.Equal(t, OutcomeRetrying, outcome)
	assert.Equal(t, []string{"tok-1"}, h.released)
	assert.Empty(t, h.deadLettered)
}

func TestDrain_BackoffDefersRetry(t *testing.T) {
	q, _, clock := setupQueue(t, 5)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, store.ErrTransientNetwork)
	q.Register(models.OpBalanceUpdate, h)

	_, _ = q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))

	res, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	h.AssertNumberOfCalls(t, "Deliver", 1)

	clock.Advance(2 * time.Second)
	_, _ = q.Drain(ctx, "u1")
	h.AssertNumberOfCalls(t, "Deliver", 2)
}

func TestDrain_ValidationDeadLettersImmediately(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, store.ErrValidation)
	q.Register(models.OpBalanceUpdate, h)

	_, _ = q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	res, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)

	letters, _ := q.DeadLetters(ctx, "u1")
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Operation.RetryCount)
}

func TestDrain_MissingHandlerDeadLetters(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, newOp("op1", "u1", "", models.OpActivityAppend))
	res, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
}

func TestDrain_PerKeyOrdering(t *testing.T) {
	q, _, clock := setupQueue(t, 5)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, byId("s1-first")).Return(nil, store.ErrTransientNetwork)
	h.On("Deliver", mock.Anything, byId("s1-second")).Return(nil, nil)
	h.On("Deliver", mock.Anything, byId("s2-only")).Return(nil, nil)
	q.Register(models.OpBalanceUpdate, h)

	_, _ = q.Enqueue(ctx, newOp("s1-first", "u1", "s1", models.OpBalanceUpdate))
	clock.Advance(time.Millisecond)
	_, _ = q.Enqueue(ctx, newOp("s1-second", "u1", "s1", models.OpBalanceUpdate))
	clock.Advance(time.Millisecond)
	_, _ = q.Enqueue(ctx, newOp("s2-only", "u1", "s2", models.OpBalanceUpdate))

	res, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Skipped)
	h.AssertNotCalled(t, "Deliver", mock.Anything, byId("s1-second"))
	h.AssertCalled(t, "Deliver", mock.Anything, byId("s2-only"))

	pending, _ := q.Pending(ctx, "u1")
	require.Len(t, pending, 2)
	assert.Equal(t, "s1-first", pending[0].Id)
	assert.Equal(t, "s1-second", pending[1].Id)
}

func TestDrain_SuccessRecordsActivityAndSettles(t *testing.T) {
	q, db, _ := setupQueue(t, 5)
	ctx := context.Background()

	record := &models.ActivityRecord{
		Id: "rec-1", UserId: "u1", StakeId: "s1", Kind: models.ActivityClaim,
		Amount: decimal.RequireFromString("0.25"), Reference: "tok-1",
		CreatedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	h := &settlingHandler{}
	h.On("Deliver", mock.Anything, byId("tok-1")).Return(record, nil)
	q.Register(models.OpBalanceUpdate, h)

	_, _ = q.Enqueue(ctx, newOp("tok-1", "u1", "s1", models.OpBalanceUpdate))
	res, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{"tok-1"}, h.settled)

	found, err := db.FindActivityByReference(ctx, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, found)

	pending, _ := q.Pending(ctx, "u1")
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpActivityAppend, pending[0].Kind)
	assert.Equal(t, "rec-1", pending[0].Id)

	var payload models.ActivityPayload
	require.NoError(t, DecodePayload(pending[0].Payload, &payload))
	assert.Equal(t, "0.25", payload.Amount)
	assert.Equal(t, "tok-1", payload.Record.Reference)
}

func TestDrain_RefreshFailureIsDropped(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, store.ErrTransientNetwork)
	q.Register(models.OpUserRefresh, h)

	_, _ = q.Enqueue(ctx, newOp("r1", "u1", "", models.OpUserRefresh))
	_, err := q.Drain(ctx, "u1")
	require.NoError(t, err)

	pending, _ := q.Pending(ctx, "u1")
	assert.Empty(t, pending)
	letters, _ := q.DeadLetters(ctx, "u1")
	assert.Empty(t, letters)
}

func TestDrain_ConflictUsesFallback(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	h := &fallbackHandler{}
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, store.ErrConflict)
	h.On("Fallback", mock.Anything, byId("tok-1"), mock.Anything).Return(nil, nil)
	q.Register(models.OpBalanceUpdate, h)

	_, _ = q.Enqueue(ctx, newOp("tok-1", "u1", "s1", models.OpBalanceUpdate))
	outcome, _, err := q.Attempt(ctx, newOp("tok-1", "u1", "s1", models.OpBalanceUpdate))
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.Equal(t, OutcomeFellBack, outcome)
	h.AssertCalled(t, "Fallback", mock.Anything, byId("tok-1"), mock.Anything)

	pending, _ := q.Pending(ctx, "u1")
	assert.Empty(t, pending)
}

func TestDrain_UnknownErrorAlertsAndStaysPending(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, errors.New("ledger exploded"))
	q.Register(models.OpBalanceUpdate, h)

	alerts := 0
	q.OnAlert(func(Alert) { alerts++ })

	_, _ = q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	_, _ = q.Drain(ctx, "u1")

	assert.Equal(t, 1, alerts)
	pending, _ := q.Pending(ctx, "u1")
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	assert.Equal(t, "ledger exploded", pending[0].LastError)
}

func TestRequeue(t *testing.T) {
	q, _, _ := setupQueue(t, 1)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, store.ErrTransientNetwork).Once()
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, nil)
	q.Register(models.OpBalanceUpdate, h)

	_, _ = q.Enqueue(ctx, newOp("op1", "u1", "s1", models.OpBalanceUpdate))
	_, _ = q.Drain(ctx, "u1")

	letters, _ := q.DeadLetters(ctx, "")
	require.Len(t, letters, 1)

	op, err := q.Requeue(ctx, "op1")
	require.NoError(t, err)
	assert.Equal(t, 0, op.RetryCount)

	res, err := q.Drain(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestDrainAll_IndependentUsers(t *testing.T) {
	q, _, _ := setupQueue(t, 5)
	ctx := context.Background()

	h := &mockHandler{}
	h.On("Deliver", mock.Anything, mock.MatchedBy(func(op models.SyncOperation) bool { return op.UserId == "bad" })).
		Return(nil, store.ErrTransientNetwork)
	h.On("Deliver", mock.Anything, mock.Anything).Return(nil, nil)
	q.Register(models.OpBalanceUpdate, h)

	for _, u := range []string{"bad", "good-1", "good-2"} {
		_, err := q.Enqueue(ctx, newOp("op-"+u, u, "s-"+u, models.OpBalanceUpdate))
		require.NoError(t, err)
	}

	require.NoError(t, q.DrainAll(ctx))

	for _, u := range []string{"good-1", "good-2"} {
		pending, _ := q.Pending(ctx, u)
		assert.Empty(t, pending, "user %s", u)
	}
	pending, _ := q.Pending(ctx, "bad")
	assert.Len(t, pending, 1)
}

func TestDefaultPolicy(t *testing.T) {
	p := NewDefaultPolicy(BackoffConfig{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2})

	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(10))

	balance := models.SyncOperation{Kind: models.OpBalanceUpdate, RetryCount: 1}
	refresh := models.SyncOperation{Kind: models.OpUserRefresh, RetryCount: 1}
	activity := models.SyncOperation{Kind: models.OpActivityAppend, RetryCount: 1}

	assert.Equal(t, models.RecoveryRetry, p.Decide(balance, store.ErrTransientNetwork).Kind)
	assert.Equal(t, models.RecoveryRetry, p.Decide(activity, context.DeadlineExceeded).Kind)
	assert.Equal(t, models.RecoveryFallback, p.Decide(balance, store.ErrConflict).Kind)
	assert.Equal(t, models.RecoveryIgnore, p.Decide(refresh, store.ErrTransientNetwork).Kind)
	assert.Equal(t, models.RecoveryAlertOnly, p.Decide(activity, store.ErrConflict).Kind)
	assert.Equal(t, models.RecoveryAlertOnly, p.Decide(balance, errors.New("unknown")).Kind)
}
