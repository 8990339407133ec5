package models

import (
	"time"
)

// OperationKind identifies what a queued sync operation delivers to the ledger
type OperationKind string

const (
	OpBalanceUpdate  OperationKind = "balance_update"
	OpActivityAppend OperationKind = "activity_append"
	OpUserRefresh    OperationKind = "user_refresh"
)

// SyncOperation is a durable unit of work waiting for delivery to the remote ledger
type SyncOperation struct {
	Id            string        `db:"id"`
	Seq           int64         `db:"seq"` // insertion order, assigned by the store
	UserId        string        `db:"user_id"`
	StakeId       string        `db:"stake_id"`
	Kind          OperationKind `db:"kind"`
	Payload       []byte        `db:"payload"`
	CreatedAt     time.Time     `db:"created_at"`
	RetryCount    int           `db:"retry_count"`
	MaxRetries    int           `db:"max_retries"`
	NextAttemptAt time.Time     `db:"next_attempt_at"`
	LastError     string        `db:"last_error"`
}

// OrderingKey groups operations that must be delivered in enqueue order.
func (op SyncOperation) OrderingKey() string {
	if op.StakeId != "" {
		return "stake:" + op.StakeId
	}
	return "user:" + op.UserId
}

// DeadLetter is an operation that exhausted its retries or failed validation
type DeadLetter struct {
	Operation      SyncOperation
	Reason         string
	DeadLetteredAt time.Time
}

// BalanceUpdatePayload carries a claim submission
type BalanceUpdatePayload struct {
	StakeId         string `msgpack:"stake_id"`
	Token           string `msgpack:"token"`
	WindowStart     int64  `msgpack:"window_start"` // unix nanoseconds
	RequestedAmount string `msgpack:"requested_amount"`
}

// ActivityPayload carries an activity record to be appended remotely
type ActivityPayload struct {
	Record ActivityRecord `msgpack:"record"`
	Amount string         `msgpack:"amount"`
}

// RefreshPayload asks the ledger for a fresh view of the user
type RefreshPayload struct {
	Reason string `msgpack:"reason"`
}

// RecoveryKind is the action taken after a failed delivery attempt
type RecoveryKind string

const (
	RecoveryRetry     RecoveryKind = "retry"
	RecoveryFallback  RecoveryKind = "fallback"
	RecoveryIgnore    RecoveryKind = "ignore"
	RecoveryAlertOnly RecoveryKind = "alert_only"
)

// RecoveryAction is what the recovery policy decided for a failure
type RecoveryAction struct {
	Kind  RecoveryKind
	Delay time.Duration // only meaningful for RecoveryRetry
}
