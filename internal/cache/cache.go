package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Reader is the read-only view of confirmed stake state.
type Reader interface {
	Load(ctx context.Context, userId string) ([]models.Stake, error)
	Get(ctx context.Context, stakeId string) (*models.Stake, error)
}

// ConfirmedWriter may change confirmed fields. Only components that act on
// ledger-confirmed data receive it.
type ConfirmedWriter interface {
	Reader
	ApplyConfirmed(ctx context.Context, stakeId string, delta models.ConfirmedDelta) (*models.Stake, error)
	AdoptRemote(ctx context.Context, userId string, remote []models.Stake) ([]models.Stake, error)
}

type userStakes struct {
	byId  map[string]models.Stake
	order []string
}

func newUserStakes(stakes []models.Stake) *userStakes {
	us := &userStakes{byId: make(map[string]models.Stake, len(stakes))}
	for _, s := range stakes {
		us.put(s)
	}
	return us
}

func (us *userStakes) put(s models.Stake) {
	if _, ok := us.byId[s.Id]; !ok {
		us.order = append(us.order, s.Id)
	}
	us.byId[s.Id] = s
}

func (us *userStakes) list() []models.Stake {
	out := make([]models.Stake, 0, len(us.order))
	for _, id := range us.order {
		out = append(out, us.byId[id])
	}
	return out
}

// StakeCache holds confirmed stake state per user, written through to the
// local store. The number of users held in memory is bounded.
type StakeCache struct {
	db    store.LocalStore
	mu    sync.Mutex
	users *lru.Cache
}

var _ ConfirmedWriter = (*StakeCache)(nil)

func New(db store.LocalStore, maxUsers int) (*StakeCache, error) {
	if maxUsers <= 0 {
		maxUsers = 1024
	}
	users, err := lru.New(maxUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to create stake cache: %w", err)
	}
	return &StakeCache{db: db, users: users}, nil
}

// Load returns the user's stakes. No stakes is a valid empty state.
func (c *StakeCache) Load(ctx context.Context, userId string) ([]models.Stake, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	us, err := c.loadLocked(ctx, userId)
	if err != nil {
		return nil, err
	}
	return us.list(), nil
}

func (c *StakeCache) loadLocked(ctx context.Context, userId string) (*userStakes, error) {
	if v, ok := c.users.Get(userId); ok {
		return v.(*userStakes), nil
	}

	stakes, err := c.db.GetStakes(ctx, userId)
	if err != nil {
		return nil, fmt.Errorf("failed to load stakes for %s: %w", userId, err)
	}
	us := newUserStakes(stakes)
	c.users.Add(userId, us)
	return us, nil
}

// Get returns one stake or store.ErrNotFound.
func (c *StakeCache) Get(ctx context.Context, stakeId string) (*models.Stake, error) {
	stake, err := c.db.GetStake(ctx, stakeId)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.users.Peek(stake.UserId); ok {
		if cached, ok := v.(*userStakes).byId[stakeId]; ok {
			return &cached, nil
		}
	}
	return stake, nil
}

// ApplyConfirmed applies a ledger-confirmed delta.
func (c *StakeCache) ApplyConfirmed(ctx context.Context, stakeId string, delta models.ConfirmedDelta) (*models.Stake, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	updated, err := c.db.ApplyConfirmed(ctx, stakeId, delta)
	if err != nil {
		return nil, err
	}
	c.refreshLocked(*updated)
	return updated, nil
}

// AdoptRemote replaces confirmed fields with the ledger's values and inserts
// stakes seen for the first time. Principal, base rate and creation time of a
// known stake are never overwritten; local stakes the ledger did not return
// are left untouched.
func (c *StakeCache) AdoptRemote(ctx context.Context, userId string, remote []models.Stake) ([]models.Stake, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	us, err := c.loadLocked(ctx, userId)
	if err != nil {
		return nil, err
	}

	for _, r := range remote {
		if r.UserId != "" && r.UserId != userId {
			zap.L().Warn("Ignoring remote stake owned by another user",
				zap.String("user_id", userId),
				zap.String("stake_id", r.Id),
				zap.String("owner", r.UserId))
			continue
		}
		r.UserId = userId

		merged := r
		if local, ok := us.byId[r.Id]; ok {
			if !local.Principal.Equal(r.Principal) || !local.BaseDailyRate.Equal(r.BaseDailyRate) {
				zap.L().Warn("Remote stake terms differ from local, keeping local terms",
					zap.String("stake_id", r.Id),
					zap.String("local_principal", local.Principal.String()),
					zap.String("remote_principal", r.Principal.String()),
					zap.String("local_rate", local.BaseDailyRate.String()),
					zap.String("remote_rate", r.BaseDailyRate.String()))
			}
			merged.Principal = local.Principal
			merged.BaseDailyRate = local.BaseDailyRate
			merged.CreatedAt = local.CreatedAt
			merged.ObservedUnclaimed = local.ObservedUnclaimed
			merged.ObservedAt = local.ObservedAt
		}

		stored, err := c.db.UpsertStake(ctx, merged)
		if errors.Is(err, store.ErrValidation) {
			zap.L().Warn("Skipping invalid remote stake",
				zap.String("stake_id", r.Id),
				zap.Error(err))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to adopt stake %s: %w", r.Id, err)
		}
		us.put(*stored)
	}

	return us.list(), nil
}

// UpsertLocalObservation records a display hint; confirmed fields are untouched.
func (c *StakeCache) UpsertLocalObservation(ctx context.Context, stakeId string, obs models.LocalObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.db.UpdateObservation(ctx, stakeId, obs); err != nil {
		return err
	}
	for _, key := range c.users.Keys() {
		v, ok := c.users.Peek(key)
		if !ok {
			continue
		}
		us := v.(*userStakes)
		if s, ok := us.byId[stakeId]; ok {
			s.ObservedUnclaimed = obs.Unclaimed
			s.ObservedAt = obs.ObservedAt
			us.byId[stakeId] = s
			break
		}
	}
	return nil
}

// Evict drops a user's stakes from memory; the local store keeps them.
func (c *StakeCache) Evict(userId string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users.Remove(userId)
}

func (c *StakeCache) refreshLocked(s models.Stake) {
	if v, ok := c.users.Peek(s.UserId); ok {
		v.(*userStakes).put(s)
	}
}
