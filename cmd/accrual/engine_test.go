package main

import (
	"context"
	"testing"

	"mining-accrual-go/internal/memledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDemo_Idempotent(t *testing.T) {
	ctx := context.Background()
	ledger := memledger.New(nil)

	require.NoError(t, seedDemo(ctx, ledger, "user-1"))
	require.NoError(t, seedDemo(ctx, ledger, "user-1"))

	stakes, err := ledger.FetchStakes(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, stakes, 1)
	assert.Equal(t, "user-1-demo", stakes[0].Id)
	assert.True(t, stakes[0].Active)

	state, err := ledger.FetchUserSyncState(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.ActiveReferrals)
	assert.True(t, state.ConfirmedTotals["user-1-demo"].Unclaimed.IsPositive())
}
