package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mining-accrual-go/internal/accrual"
	"mining-accrual-go/internal/cache"
	"mining-accrual-go/internal/database"
	"mining-accrual-go/internal/memledger"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"
	"mining-accrual-go/internal/syncqueue"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

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

type clockAccruals struct {
	clock *accrual.Clock
}

func (a *clockAccruals) Total(_, stakeId string) decimal.Decimal { return a.clock.Total(stakeId) }
func (a *clockAccruals) ResetBaseline(_, stakeId string)         { a.clock.ResetBaseline(stakeId) }
func (a *clockAccruals) Merge(_, stakeId string, remote decimal.Decimal) decimal.Decimal {
	return a.clock.Merge(stakeId, remote)
}

type fixture struct {
	db       *database.Service
	ledger   *memledger.Ledger
	stakes   *cache.StakeCache
	queue    *syncqueue.Queue
	accruals *clockAccruals
	coord    *Coordinator
	clock    *fakeClock
}

func setupCoordinator(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewService(ctx, models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	clock := &fakeClock{now: epoch}
	ledger := memledger.New(reward.DefaultSchedule())
	ledger.SetClock(clock.Now)
	require.NoError(t, ledger.CreateStake(ctx, models.Stake{
		Id:            "stake-1",
		UserId:        "user-1",
		Principal:     decimal.NewFromInt(10),
		BaseDailyRate: decimal.RequireFromString("0.01"),
		CreatedAt:     epoch,
		Active:        true,
	}))

	stakes, err := cache.New(db, 16)
	require.NoError(t, err)
	remote, err := ledger.FetchStakes(ctx, "user-1")
	require.NoError(t, err)
	_, err = stakes.AdoptRemote(ctx, "user-1", remote)
	require.NoError(t, err)

	queue := syncqueue.New(db, syncqueue.Config{
		MaxRetries: 3,
		Policy:     syncqueue.NewDefaultPolicy(syncqueue.BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2}),
		Now:        clock.Now,
	})
	queue.Register(models.OpActivityAppend, syncqueue.NewActivityHandler(ledger, time.Second))

	accruals := &clockAccruals{clock: accrual.NewClock("user-1", time.Second, nil)}
	coord := NewCoordinator(db, ledger, stakes, queue, accruals, Config{
		RemoteTimeout: time.Second,
		MaxRetries:    3,
		Now:           clock.Now,
	})

	return &fixture{db: db, ledger: ledger, stakes: stakes, queue: queue, accruals: accruals, coord: coord, clock: clock}
}

// accrue advances time by d and credits the matching running total.
func (f *fixture) accrue(d time.Duration) {
	start := f.clock.Now()
	f.clock.Advance(d)
	rate := reward.DefaultSchedule().DailyRate(decimal.NewFromInt(10), decimal.RequireFromString("0.01"), 1, 0)
	f.accruals.Merge("user-1", "stake-1", f.accruals.Total("user-1", "stake-1").Add(rate.AccruedBetween(start, f.clock.Now())))
}

func TestRequestClaim_Confirmed(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(12 * time.Hour)
	settledAt := f.clock.Now()

	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimConfirmed, outcome.Status)
	assert.True(t, outcome.Amount.Equal(decimal.RequireFromString("0.05")), "got %s", outcome.Amount)
	assert.Equal(t, models.ClaimToken("stake-1", epoch), outcome.Token)
	assert.False(t, outcome.Replayed)

	stake, err := f.stakes.Get(ctx, "stake-1")
	require.NoError(t, err)
	assert.True(t, stake.LastPayoutAt.Equal(settledAt))
	assert.True(t, stake.CumulativeConfirmedEarned.Equal(outcome.Amount))
	assert.True(t, f.accruals.Total("user-1", "stake-1").IsZero())
	assert.False(t, f.coord.InFlight("stake-1"))

	record, err := f.db.FindActivityByReference(ctx, outcome.Token)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, models.ActivityClaim, record.Kind)

	pending, err := f.queue.Pending(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpActivityAppend, pending[0].Kind)

	_, err = f.queue.Drain(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, f.ledger.Activity("user-1"), 1)
}

func TestRequestClaim_SecondRequestHasNothingToClaim(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(6 * time.Hour)

	_, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)

	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	assert.True(t, errors.Is(err, store.ErrClaimRejected))
	assert.Equal(t, models.ClaimRejected, outcome.Status)
	assert.Equal(t, 1, f.ledger.ConfirmedClaims("stake-1"))
}

func TestRequestClaim_LostResponseIsReplayedNotDuplicated(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(12 * time.Hour)

	// The ledger settled this window but the device never saw the answer.
	token := models.ClaimToken("stake-1", epoch)
	first, err := f.ledger.SubmitClaim(ctx, "stake-1", token)
	require.NoError(t, err)
	f.accrue(time.Hour)

	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimConfirmed, outcome.Status)
	assert.True(t, outcome.Replayed)
	assert.True(t, outcome.Amount.Equal(first.Confirmed))
	assert.Equal(t, 1, f.ledger.ConfirmedClaims("stake-1"))

	stake, err := f.stakes.Get(ctx, "stake-1")
	require.NoError(t, err)
	assert.True(t, stake.CumulativeConfirmedEarned.Equal(first.Confirmed))
}

func TestRequestClaim_LocalRecordShortCircuits(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(time.Hour)

	token := models.ClaimToken("stake-1", epoch)
	settledAt := epoch.Add(30 * time.Minute)
	require.NoError(t, f.db.AppendActivity(ctx, models.ActivityRecord{
		Id:        activityId(token),
		UserId:    "user-1",
		StakeId:   "stake-1",
		Kind:      models.ActivityClaim,
		Amount:    decimal.RequireFromString("0.002"),
		Reference: token,
		CreatedAt: settledAt,
	}))

	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.True(t, outcome.Replayed)
	assert.True(t, outcome.Amount.Equal(decimal.RequireFromString("0.002")))
	assert.Equal(t, 0, f.ledger.Calls("SubmitClaim"))

	stake, err := f.stakes.Get(ctx, "stake-1")
	require.NoError(t, err)
	assert.True(t, stake.LastPayoutAt.Equal(settledAt))
}

func TestRequestClaim_OfflineQueuesPending(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(12 * time.Hour)

	f.ledger.SetOffline(true)
	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimPending, outcome.Status)
	assert.True(t, f.coord.InFlight("stake-1"))

	_, err = f.coord.RequestClaim(ctx, "user-1", "stake-1")
	assert.True(t, errors.Is(err, store.ErrClaimInFlight))

	f.ledger.SetOffline(false)
	result, err := f.queue.Drain(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	assert.False(t, f.coord.InFlight("stake-1"))
	assert.Equal(t, 1, f.ledger.ConfirmedClaims("stake-1"))
	assert.True(t, f.accruals.Total("user-1", "stake-1").IsZero())
}

func TestRequestClaim_SubmitTimeoutRetriesLater(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(12 * time.Hour)

	f.ledger.FailNext("SubmitClaim", store.ErrTransientNetwork)
	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimPending, outcome.Status)

	op, err := f.db.GetOperation(ctx, outcome.Token)
	require.NoError(t, err)
	assert.Equal(t, 1, op.RetryCount)

	result, err := f.queue.Drain(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deferred)

	f.clock.Advance(2 * time.Second)
	result, err = f.queue.Drain(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)
	assert.Equal(t, 1, f.ledger.ConfirmedClaims("stake-1"))
	assert.Equal(t, 2, f.ledger.Calls("SubmitClaim"))
}

func TestRequestClaim_AfterBackgroundDeadLetter(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(12 * time.Hour)

	for i := 0; i < 3; i++ {
		f.ledger.FailNext("SubmitClaim", store.ErrTransientNetwork)
	}
	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimPending, outcome.Status)
	assert.True(t, f.coord.InFlight("stake-1"))

	for i := 0; i < 5; i++ {
		f.clock.Advance(time.Minute)
		require.NoError(t, f.queue.DrainAll(ctx))
	}

	letters, err := f.queue.DeadLetters(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, outcome.Token, letters[0].Operation.Id)
	assert.False(t, f.coord.InFlight("stake-1"))

	retried, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimConfirmed, retried.Status)
	assert.Equal(t, outcome.Token, retried.Token)
	assert.Equal(t, 1, f.ledger.ConfirmedClaims("stake-1"))
	assert.False(t, f.coord.InFlight("stake-1"))
}

func TestRequestClaim_ConflictAdoptsLedgerState(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(12 * time.Hour)

	f.ledger.FailNext("SubmitClaim", store.ErrConflict)
	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimAlreadyClaimed, outcome.Status)
	assert.False(t, f.coord.InFlight("stake-1"))

	pending, err := f.queue.Pending(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 2, f.ledger.Calls("FetchStakes"))
}

func TestRequestClaim_LocalRejections(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	outcome, err := f.coord.RequestClaim(ctx, "user-1", "stake-1")
	assert.True(t, errors.Is(err, store.ErrClaimRejected))
	assert.Equal(t, "nothing to claim", outcome.Reason)

	_, err = f.coord.RequestClaim(ctx, "user-1", "missing")
	assert.True(t, errors.Is(err, store.ErrValidation))

	_, err = f.coord.RequestClaim(ctx, "user-2", "stake-1")
	assert.True(t, errors.Is(err, store.ErrValidation))

	f.accrue(time.Hour)
	require.NoError(t, f.ledger.Deactivate("stake-1"))
	outcome, err = f.coord.RequestClaim(ctx, "user-1", "stake-1")
	assert.True(t, errors.Is(err, store.ErrClaimRejected))
	assert.Equal(t, "stake inactive", outcome.Reason)

	pending, err := f.queue.Pending(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, f.ledger.Calls("SubmitClaim"))
}

func TestDeliver_LedgerRejectionQueuesRefresh(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()
	f.accrue(time.Hour)

	stake, err := f.stakes.Get(ctx, "stake-1")
	require.NoError(t, err)
	token := models.ClaimToken("stake-1", stake.ClaimWindowStart())
	op, err := f.coord.claimOp("user-1", stake, token, decimal.RequireFromString("0.004"))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, op)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Deactivate("stake-1"))
	outcome, _, err := f.queue.Attempt(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, syncqueue.OutcomeDelivered, outcome)

	pending, err := f.queue.Pending(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.OpUserRefresh, pending[0].Kind)

	found, err := f.db.FindActivityByReference(ctx, token)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestRestore_RebuildsInFlight(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	stake, err := f.stakes.Get(ctx, "stake-1")
	require.NoError(t, err)
	token := models.ClaimToken("stake-1", stake.ClaimWindowStart())
	op, err := f.coord.claimOp("user-1", stake, token, decimal.RequireFromString("1"))
	require.NoError(t, err)
	_, err = f.db.InsertOperation(ctx, op)
	require.NoError(t, err)

	assert.False(t, f.coord.InFlight("stake-1"))
	require.NoError(t, f.coord.Restore(ctx, "user-1"))
	assert.True(t, f.coord.InFlight("stake-1"))

	require.NoError(t, f.db.DeleteOperation(ctx, op.Id))
	require.NoError(t, f.coord.Restore(ctx, "user-1"))
	assert.False(t, f.coord.InFlight("stake-1"))
}

func TestReleased_DropsUndeliveredOutcome(t *testing.T) {
	f := setupCoordinator(t)
	ctx := context.Background()

	op := models.SyncOperation{Id: "tok-1", UserId: "user-1", StakeId: "stake-1", Kind: models.OpBalanceUpdate}
	f.coord.record(models.ClaimOutcome{StakeId: "stake-1", Token: "tok-1", Status: models.ClaimConfirmed})
	f.coord.Released(ctx, op, errors.New("disk full"))
	assert.Empty(t, f.coord.results)

	f.coord.mu.Lock()
	f.coord.inFlight["stake-1"] = pendingClaim{userId: "user-1", token: "tok-1"}
	f.coord.mu.Unlock()
	f.coord.record(models.ClaimOutcome{StakeId: "stake-1", Token: "tok-1", Status: models.ClaimConfirmed})
	f.coord.DeadLettered(ctx, op, store.ErrExhaustedRetries)
	assert.Empty(t, f.coord.results)
	assert.False(t, f.coord.InFlight("stake-1"))
}
