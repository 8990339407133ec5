package syncqueue

import (
	"errors"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"github.com/cenkalti/backoff/v4"
)

// RecoveryPolicy decides what happens after a failed delivery attempt.
type RecoveryPolicy interface {
	Decide(op models.SyncOperation, err error) models.RecoveryAction
}

// BackoffConfig shapes the exponential retry delay.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultPolicy retries transient failures with exponential backoff, falls
// back on claim conflicts, drops failed refreshes and alerts on the rest.
type DefaultPolicy struct {
	cfg BackoffConfig
}

func NewDefaultPolicy(cfg BackoffConfig) *DefaultPolicy {
	if cfg.Initial <= 0 {
		cfg.Initial = 2 * time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = backoff.DefaultMultiplier
	}
	return &DefaultPolicy{cfg: cfg}
}

func (p *DefaultPolicy) Decide(op models.SyncOperation, err error) models.RecoveryAction {
	switch {
	case errors.Is(err, store.ErrConflict) && op.Kind == models.OpBalanceUpdate:
		return models.RecoveryAction{Kind: models.RecoveryFallback}
	case store.IsRetryable(err) && op.Kind == models.OpUserRefresh:
		return models.RecoveryAction{Kind: models.RecoveryIgnore}
	case store.IsRetryable(err):
		return models.RecoveryAction{Kind: models.RecoveryRetry, Delay: p.Delay(op.RetryCount)}
	default:
		return models.RecoveryAction{Kind: models.RecoveryAlertOnly}
	}
}

// Delay returns the wait before the next attempt after retryCount failures.
func (p *DefaultPolicy) Delay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.Initial
	b.MaxInterval = p.cfg.Max
	b.Multiplier = p.cfg.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
