package models

import (
	"context"
)

type syncContextKey struct{}

// SyncContext carries why a ledger round trip happened so backends can
// record it as metadata without widening the RemoteLedger interface.
type SyncContext struct {
	Trigger string // startup, tick, manual, reconnect, claim
	UserId  string
}

// WithSyncContext attaches sync trigger data to a context.
func WithSyncContext(ctx context.Context, sc *SyncContext) context.Context {
	return context.WithValue(ctx, syncContextKey{}, sc)
}

// GetSyncContext retrieves sync trigger data from context, or nil if absent.
func GetSyncContext(ctx context.Context) *SyncContext {
	sc, _ := ctx.Value(syncContextKey{}).(*SyncContext)
	return sc
}
