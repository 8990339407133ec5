package memledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	_ store.RemoteLedger = (*Ledger)(nil)
	_ store.StakeAdmin   = (*Ledger)(nil)
)

// Ledger is an in-process RemoteLedger used for demo mode and tests.
type Ledger struct {
	mu        sync.Mutex
	schedule  *reward.Schedule
	now       func() time.Time
	stakes    map[string]*models.Stake
	referrals map[string]int
	lastSync  map[string]time.Time
	claims    map[string]models.ClaimReceipt
	activity  map[string]models.ActivityRecord
	offline   bool
	failNext  map[string][]error
	calls     map[string]int
}

func New(schedule *reward.Schedule) *Ledger {
	if schedule == nil {
		schedule = reward.DefaultSchedule()
	}
	return &Ledger{
		schedule:  schedule,
		now:       time.Now,
		stakes:    make(map[string]*models.Stake),
		referrals: make(map[string]int),
		lastSync:  make(map[string]time.Time),
		claims:    make(map[string]models.ClaimReceipt),
		activity:  make(map[string]models.ActivityRecord),
		failNext:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// SetOffline makes every call fail with ErrTransientNetwork until cleared.
func (l *Ledger) SetOffline(offline bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = offline
}

// FailNext queues err as the result of the next call to method.
func (l *Ledger) FailNext(method string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext[method] = append(l.failNext[method], err)
}

// Calls returns how many times method was invoked.
func (l *Ledger) Calls(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Stake returns a copy of the ledger's record of a stake.
func (l *Ledger) Stake(stakeId string) (models.Stake, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stakes[stakeId]
	if !ok {
		return models.Stake{}, false
	}
	return *s, true
}

// Activity returns the records appended for a user, oldest first.
func (l *Ledger) Activity(userId string) []models.ActivityRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ActivityRecord
	for _, r := range l.activity {
		if r.UserId == userId {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Id < out[j].Id
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ConfirmedClaims counts confirmed, non-replayed claims for a stake.
func (l *Ledger) ConfirmedClaims(stakeId string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.claims {
		if r.StakeId == stakeId && !r.Rejected {
			n++
		}
	}
	return n
}

// enter records the call and returns an injected or offline failure.
// Callers hold l.mu.
func (l *Ledger) enter(ctx context.Context, method string) error {
	l.calls[method]++
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if l.offline {
		return fmt.Errorf("%s: ledger offline: %w", method, store.ErrTransientNetwork)
	}
	if queued := l.failNext[method]; len(queued) > 0 {
		err := queued[0]
		l.failNext[method] = queued[1:]
		return err
	}
	return nil
}

func (l *Ledger) rateLocked(s *models.Stake, now time.Time) reward.Rate {
	days := reward.DaysActive(s.CreatedAt, now)
	return l.schedule.DailyRate(s.Principal, s.BaseDailyRate, days, l.referrals[s.UserId])
}

func (l *Ledger) claimableLocked(s *models.Stake, now time.Time) decimal.Decimal {
	if !s.Active {
		return decimal.Zero
	}
	return l.rateLocked(s, now).AccruedBetween(s.ClaimWindowStart(), now)
}

func (l *Ledger) FetchStakes(ctx context.Context, userId string) ([]models.Stake, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "FetchStakes"); err != nil {
		return nil, err
	}

	stakes := make([]models.Stake, 0)
	for _, s := range l.stakes {
		if s.UserId == userId {
			stakes = append(stakes, *s)
		}
	}
	sort.Slice(stakes, func(i, j int) bool { return stakes[i].Id < stakes[j].Id })
	return stakes, nil
}

func (l *Ledger) FetchClaimEligibility(ctx context.Context, stakeId string) (*models.ClaimEligibility, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "FetchClaimEligibility"); err != nil {
		return nil, err
	}

	s, ok := l.stakes[stakeId]
	if !ok {
		return nil, fmt.Errorf("stake %s: %w", stakeId, store.ErrNotFound)
	}
	now := l.now()
	elig := &models.ClaimEligibility{
		StakeId:     stakeId,
		Claimable:   l.claimableLocked(s, now),
		WindowStart: s.ClaimWindowStart(),
		Active:      s.Active,
	}
	switch {
	case !s.Active:
		elig.Reason = "stake inactive"
	case !elig.Claimable.IsPositive():
		elig.Reason = "nothing to claim"
	}
	return elig, nil
}

func (l *Ledger) SubmitClaim(ctx context.Context, stakeId, token string) (*models.ClaimReceipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "SubmitClaim"); err != nil {
		return nil, err
	}

	if prior, ok := l.claims[token]; ok {
		if prior.StakeId != stakeId {
			return nil, fmt.Errorf("token %s belongs to stake %s: %w", token, prior.StakeId, store.ErrValidation)
		}
		prior.Replayed = true
		return &prior, nil
	}

	s, ok := l.stakes[stakeId]
	if !ok {
		return nil, fmt.Errorf("stake %s: %w", stakeId, store.ErrValidation)
	}
	if expected := models.ClaimToken(stakeId, s.ClaimWindowStart()); token != expected {
		return nil, fmt.Errorf("claim window for stake %s already settled: %w", stakeId, store.ErrConflict)
	}

	now := l.now()
	receipt := models.ClaimReceipt{StakeId: stakeId, Token: token, SettledAt: now}
	if !s.Active {
		receipt.Rejected, receipt.Reason = true, "stake inactive"
		return &receipt, nil
	}
	amount := l.claimableLocked(s, now)
	if !amount.IsPositive() {
		receipt.Rejected, receipt.Reason = true, "nothing to claim"
		return &receipt, nil
	}

	receipt.Confirmed = amount
	s.LastPayoutAt = now
	s.CumulativeConfirmedEarned = s.CumulativeConfirmedEarned.Add(amount)
	s.Version++
	s.UpdatedAt = now
	l.claims[token] = receipt
	l.lastSync[s.UserId] = now

	zap.L().Debug("Claim settled in memory ledger",
		zap.String("stake_id", stakeId),
		zap.String("token", token),
		zap.String("amount", amount.String()))

	return &receipt, nil
}

func (l *Ledger) AppendActivity(ctx context.Context, record models.ActivityRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "AppendActivity"); err != nil {
		return err
	}

	if record.Id == "" || record.UserId == "" {
		return fmt.Errorf("activity record missing id or user: %w", store.ErrValidation)
	}
	if _, exists := l.activity[record.Id]; exists {
		return fmt.Errorf("activity %s: %w", record.Id, store.ErrDuplicateOperation)
	}
	l.activity[record.Id] = record
	return nil
}

func (l *Ledger) FetchUserSyncState(ctx context.Context, userId string) (*models.UserSyncState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "FetchUserSyncState"); err != nil {
		return nil, err
	}

	now := l.now()
	state := &models.UserSyncState{
		UserId:          userId,
		LastSyncAt:      l.lastSync[userId],
		ActiveReferrals: l.referrals[userId],
		ConfirmedTotals: make(map[string]models.StakeTotals),
	}
	for id, s := range l.stakes {
		if s.UserId != userId {
			continue
		}
		state.ConfirmedTotals[id] = models.StakeTotals{
			Earned:    s.CumulativeConfirmedEarned,
			Unclaimed: l.claimableLocked(s, now),
		}
	}
	return state, nil
}

func (l *Ledger) CreateStake(ctx context.Context, stake models.Stake) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "CreateStake"); err != nil {
		return err
	}

	if stake.Id == "" || stake.UserId == "" {
		return fmt.Errorf("stake id and user id are required: %w", store.ErrValidation)
	}
	if !stake.Principal.IsPositive() || stake.BaseDailyRate.IsNegative() {
		return fmt.Errorf("stake %s has invalid principal or rate: %w", stake.Id, store.ErrValidation)
	}
	if _, exists := l.stakes[stake.Id]; exists {
		return fmt.Errorf("stake %s: %w", stake.Id, store.ErrDuplicateOperation)
	}

	now := l.now()
	if stake.CreatedAt.IsZero() {
		stake.CreatedAt = now
	}
	stake.Version = 1
	stake.UpdatedAt = now
	l.stakes[stake.Id] = &stake
	l.lastSync[stake.UserId] = now
	return nil
}

func (l *Ledger) SetReferrals(ctx context.Context, userId string, activeReferrals int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enter(ctx, "SetReferrals"); err != nil {
		return err
	}

	if activeReferrals < 0 {
		return fmt.Errorf("negative referral count: %w", store.ErrValidation)
	}
	l.referrals[userId] = activeReferrals
	l.lastSync[userId] = l.now()
	return nil
}

// Deactivate closes a stake on the ledger side.
func (l *Ledger) Deactivate(stakeId string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.stakes[stakeId]
	if !ok {
		return fmt.Errorf("stake %s: %w", stakeId, store.ErrNotFound)
	}
	now := l.now()
	s.Active = false
	s.Version++
	s.UpdatedAt = now
	l.lastSync[s.UserId] = now
	return nil
}

func (l *Ledger) Close() {}
