package accrual

import (
	"sync"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Sink receives a snapshot after every tick that advanced a total.
type Sink func(models.EarningSnapshot)

type stakeAccrual struct {
	rate   reward.Rate
	active bool
	total  decimal.Decimal
	step   decimal.Decimal
}

// Clock advances the running unclaimed totals of one user's stakes at a fixed
// interval. It never touches the network; rates change only through UpdateParams.
type Clock struct {
	userId   string
	interval time.Duration
	seconds  decimal.Decimal
	sink     Sink
	now      func() time.Time

	mu     sync.Mutex
	stakes map[string]*stakeAccrual
	order  []string
	paused bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

func NewClock(userId string, interval time.Duration, sink Sink) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{
		userId:   userId,
		interval: interval,
		seconds:  decimal.New(interval.Milliseconds(), -3),
		sink:     sink,
		now:      time.Now,
		stakes:   make(map[string]*stakeAccrual),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the tick goroutine. Starting a stopped clock does nothing.
func (c *Clock) Start() {
	c.startOnce.Do(func() {
		select {
		case <-c.stopChan:
			close(c.doneChan)
			return
		default:
		}
		go c.run()
	})
}

// Stop halts ticking and waits for the goroutine to exit. Safe to call more than once.
func (c *Clock) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.startOnce.Do(func() { close(c.doneChan) })
	<-c.doneChan
}

func (c *Clock) run() {
	defer close(c.doneChan)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	zap.L().Debug("Accrual clock started",
		zap.String("user_id", c.userId),
		zap.Duration("interval", c.interval))

	for {
		select {
		case <-ticker.C:
			if c.Tick() && c.sink != nil {
				c.sink(c.Snapshot())
			}
		case <-c.stopChan:
			zap.L().Debug("Accrual clock stopped", zap.String("user_id", c.userId))
			return
		}
	}
}

// Tick advances every active stake by one interval. It reports whether any
// total changed; a paused clock or one without active stakes stays idle.
func (c *Clock) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.paused {
		return false
	}
	advanced := false
	for _, id := range c.order {
		s := c.stakes[id]
		if !s.active || !s.step.IsPositive() {
			continue
		}
		s.total = s.total.Add(s.step)
		advanced = true
	}
	return advanced
}

// Pause suspends accrual without discarding state.
func (c *Clock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

func (c *Clock) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *Clock) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// UpdateParams installs a new rate for a stake, adding the stake if unknown.
func (c *Clock) UpdateParams(stakeId string, rate reward.Rate, active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stakeLocked(stakeId)
	s.rate = rate
	s.active = active
	s.step = rate.PerSecond.Mul(c.seconds)
}

// Seed restores a persisted running total; it never lowers the current total.
func (c *Clock) Seed(stakeId string, total decimal.Decimal) {
	c.Merge(stakeId, total)
}

// Merge raises the stake's running total to remote when remote is ahead and
// returns the resulting total. Local accrual is never rewound.
func (c *Clock) Merge(stakeId string, remote decimal.Decimal) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stakeLocked(stakeId)
	if remote.GreaterThan(s.total) {
		s.total = remote
	}
	return s.total
}

// ResetBaseline zeroes a stake's running total after a confirmed claim.
func (c *Clock) ResetBaseline(stakeId string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stakes[stakeId]; ok {
		s.total = decimal.Zero
	}
}

// Retain drops stakes not listed in ids.
func (c *Clock) Retain(ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keep := make(map[string]bool, len(ids))
	for _, id := range ids {
		keep[id] = true
	}
	order := c.order[:0]
	for _, id := range c.order {
		if keep[id] {
			order = append(order, id)
		} else {
			delete(c.stakes, id)
		}
	}
	c.order = order
}

func (c *Clock) Total(stakeId string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stakes[stakeId]; ok {
		return s.total
	}
	return decimal.Zero
}

func (c *Clock) Totals() map[string]decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(c.stakes))
	for id, s := range c.stakes {
		out[id] = s.total
	}
	return out
}

// Snapshot builds the display view. A user without stakes gets an inactive
// snapshot with zero totals.
func (c *Clock) Snapshot() models.EarningSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := models.EarningSnapshot{
		UserId:                c.userId,
		DailyRate:             decimal.Zero,
		HourlyRate:            decimal.Zero,
		RunningUnclaimedTotal: decimal.Zero,
		TimeMultiplier:        reward.BaseMultiplier,
		ReferralMultiplier:    reward.BaseMultiplier,
		Stakes:                make([]models.StakeEarning, 0, len(c.order)),
		TakenAt:               c.now(),
	}

	for _, id := range c.order {
		s := c.stakes[id]
		snap.RunningUnclaimedTotal = snap.RunningUnclaimedTotal.Add(s.total)
		entry := models.StakeEarning{
			StakeId:          id,
			Active:           s.active,
			DaysActive:       s.rate.DaysActive,
			DailyRate:        decimal.Zero,
			PerSecondRate:    decimal.Zero,
			RunningUnclaimed: s.total,
			TimeMultiplier:   reward.BaseMultiplier,
		}
		if !s.rate.TimeMultiplier.IsZero() {
			entry.TimeMultiplier = s.rate.TimeMultiplier
		}
		if s.active {
			entry.DailyRate = s.rate.Daily
			entry.PerSecondRate = s.rate.PerSecond
			snap.Active = true
			snap.DailyRate = snap.DailyRate.Add(s.rate.Daily)
			if s.rate.DaysActive > snap.DaysActive {
				snap.DaysActive = s.rate.DaysActive
				snap.TimeMultiplier = entry.TimeMultiplier
			}
			if !s.rate.ReferralMultiplier.IsZero() {
				snap.ReferralMultiplier = s.rate.ReferralMultiplier
			}
		}
		snap.Stakes = append(snap.Stakes, entry)
	}

	snap.HourlyRate = snap.DailyRate.DivRound(reward.HoursPerDay, 18)
	return snap
}

func (c *Clock) stakeLocked(stakeId string) *stakeAccrual {
	s, ok := c.stakes[stakeId]
	if !ok {
		s = &stakeAccrual{total: decimal.Zero, step: decimal.Zero}
		c.stakes[stakeId] = s
		c.order = append(c.order, stakeId)
	}
	return s
}
