package store

import (
	"context"
	"errors"
	"time"

	"mining-accrual-go/internal/models"

	"github.com/shopspring/decimal"
)

// Sentinel errors shared across all backend implementations.
var (
	ErrValidation             = errors.New("validation failed")
	ErrTransientNetwork       = errors.New("transient network failure")
	ErrConflict               = errors.New("conflicting remote state")
	ErrExhaustedRetries       = errors.New("retries exhausted")
	ErrClaimRejected          = errors.New("claim rejected")
	ErrClaimInFlight          = errors.New("claim already in flight")
	ErrNotFound               = errors.New("not found")
	ErrDuplicateOperation     = errors.New("duplicate operation")
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// IsRetryable reports whether err is worth another delivery attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrConcurrentModification)
}

// LocalStore is the device-local persistence used by the cache, sync queue
// and activity history.
type LocalStore interface {
	// --- Stakes ---
	GetStakes(ctx context.Context, userId string) ([]models.Stake, error)
	GetStake(ctx context.Context, stakeId string) (*models.Stake, error)
	UpsertStake(ctx context.Context, stake models.Stake) (*models.Stake, error)
	ApplyConfirmed(ctx context.Context, stakeId string, delta models.ConfirmedDelta) (*models.Stake, error)
	UpdateObservation(ctx context.Context, stakeId string, obs models.LocalObservation) error

	// --- Accrual totals and sync state ---
	SaveAccruals(ctx context.Context, userId string, totals map[string]decimal.Decimal) error
	GetAccruals(ctx context.Context, userId string) (map[string]decimal.Decimal, error)
	GetSyncState(ctx context.Context, userId string) (*models.LocalSyncState, error)
	SaveSyncState(ctx context.Context, userId string, lastSyncAt time.Time, activeReferrals int) error

	// --- Sync queue ---
	InsertOperation(ctx context.Context, op models.SyncOperation) (bool, error)
	GetOperation(ctx context.Context, opId string) (*models.SyncOperation, error)
	ListPendingOperations(ctx context.Context, userId string) ([]models.SyncOperation, error)
	ListQueueUsers(ctx context.Context) ([]string, error)
	UpdateOperationRetry(ctx context.Context, op models.SyncOperation) error
	CompleteOperation(ctx context.Context, opId string, record *models.ActivityRecord, followUp *models.SyncOperation) error
	DeleteOperation(ctx context.Context, opId string) error
	DeadLetterOperation(ctx context.Context, op models.SyncOperation, reason string) (bool, error)
	GetDeadLetters(ctx context.Context, userId string) ([]models.DeadLetter, error)
	RequeueDeadLetter(ctx context.Context, opId string) (*models.SyncOperation, error)

	// --- Activity ---
	AppendActivity(ctx context.Context, record models.ActivityRecord) error
	FindActivityByReference(ctx context.Context, reference string) (*models.ActivityRecord, error)
	GetActivityHistory(ctx context.Context, userId string, limit, offset int) ([]models.ActivityRecord, error)

	// --- Lifecycle ---
	Ping(ctx context.Context) error
	Close()
}

// RemoteLedger is the authoritative ledger the engine reconciles against.
// Implementations map their own failures onto the sentinel errors above.
type RemoteLedger interface {
	FetchStakes(ctx context.Context, userId string) ([]models.Stake, error)
	FetchClaimEligibility(ctx context.Context, stakeId string) (*models.ClaimEligibility, error)
	SubmitClaim(ctx context.Context, stakeId, token string) (*models.ClaimReceipt, error)
	AppendActivity(ctx context.Context, record models.ActivityRecord) error
	FetchUserSyncState(ctx context.Context, userId string) (*models.UserSyncState, error)
	Close()
}

// StakeAdmin is implemented by backends that can open stakes and referrals,
// used by the seed command.
type StakeAdmin interface {
	CreateStake(ctx context.Context, stake models.Stake) error
	SetReferrals(ctx context.Context, userId string, activeReferrals int) error
}
