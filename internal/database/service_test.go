package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/store"

	"github.com/shopspring/decimal"
)

func setupTestDb(t *testing.T) (*Service, func()) {
	t.Helper()
	service, err := NewService(context.Background(), models.DatabaseConfig{
		Path:         ":memory:",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		PingTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}

	cleanup := func() {
		service.Close()
	}

	return service, cleanup
}

func testStake(id, userId string) models.Stake {
	return models.Stake{
		Id:            id,
		UserId:        userId,
		Principal:     decimal.NewFromInt(10),
		BaseDailyRate: decimal.RequireFromString("0.01"),
		CreatedAt:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
}

func TestNewService_InvalidConfig(t *testing.T) {
	tests := []models.DatabaseConfig{
		{Path: "", MaxOpenConns: 1, PingTimeout: time.Second},
		{Path: ":memory:", MaxOpenConns: 0, PingTimeout: time.Second},
		{Path: ":memory:", MaxOpenConns: 1, MaxIdleConns: -1, PingTimeout: time.Second},
		{Path: ":memory:", MaxOpenConns: 1, PingTimeout: 0},
	}
	for i, cfg := range tests {
		if _, err := NewService(context.Background(), cfg); err == nil {
			t.Errorf("case %d: expected error for config %+v", i, cfg)
		}
	}
}

func TestGetStakes_EmptyUser(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()

	stakes, err := service.GetStakes(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetStakes failed: %v", err)
	}
	if stakes == nil || len(stakes) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", stakes)
	}
}

func TestUpsertStake_InsertThenUpdate(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	stored, err := service.UpsertStake(ctx, testStake("s1", "u1"))
	if err != nil {
		t.Fatalf("UpsertStake failed: %v", err)
	}
	if stored.Version != 1 {
		t.Errorf("Expected version 1, got %d", stored.Version)
	}
	if !stored.CreatedAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected created_at %v", stored.CreatedAt)
	}

	update := testStake("s1", "u1")
	update.Principal = decimal.NewFromInt(999)
	update.BaseDailyRate = decimal.RequireFromString("0.5")
	update.CumulativeConfirmedEarned = decimal.RequireFromString("1.25")
	update.Active = false

	stored, err = service.UpsertStake(ctx, update)
	if err != nil {
		t.Fatalf("UpsertStake update failed: %v", err)
	}
	if !stored.Principal.Equal(decimal.NewFromInt(10)) {
		t.Errorf("Principal must not change on update, got %s", stored.Principal)
	}
	if !stored.BaseDailyRate.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("Base rate must not change on update, got %s", stored.BaseDailyRate)
	}
	if !stored.CumulativeConfirmedEarned.Equal(decimal.RequireFromString("1.25")) {
		t.Errorf("Expected earned 1.25, got %s", stored.CumulativeConfirmedEarned)
	}
	if stored.Active {
		t.Error("Expected stake to be inactive after update")
	}
	if stored.Version != 2 {
		t.Errorf("Expected version 2, got %d", stored.Version)
	}
}

func TestUpsertStake_Validation(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	bad := testStake("s1", "u1")
	bad.Principal = decimal.Zero
	if _, err := service.UpsertStake(ctx, bad); !errors.Is(err, store.ErrValidation) {
		t.Errorf("Expected ErrValidation for zero principal, got %v", err)
	}

	if _, err := service.UpsertStake(ctx, testStake("s1", "u1")); err != nil {
		t.Fatalf("UpsertStake failed: %v", err)
	}
	if _, err := service.UpsertStake(ctx, testStake("s1", "u2")); !errors.Is(err, store.ErrValidation) {
		t.Errorf("Expected ErrValidation for owner change, got %v", err)
	}
}

func TestApplyConfirmed(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := service.UpsertStake(ctx, testStake("s1", "u1")); err != nil {
		t.Fatalf("UpsertStake failed: %v", err)
	}

	payout := time.Date(2025, 1, 5, 10, 0, 0, 123, time.UTC)
	updated, err := service.ApplyConfirmed(ctx, "s1", models.ConfirmedDelta{
		EarnedDelta:  decimal.RequireFromString("0.4"),
		LastPayoutAt: payout,
	})
	if err != nil {
		t.Fatalf("ApplyConfirmed failed: %v", err)
	}
	if !updated.CumulativeConfirmedEarned.Equal(decimal.RequireFromString("0.4")) {
		t.Errorf("Expected earned 0.4, got %s", updated.CumulativeConfirmedEarned)
	}

	reloaded, err := service.GetStake(ctx, "s1")
	if err != nil {
		t.Fatalf("GetStake failed: %v", err)
	}
	if !reloaded.LastPayoutAt.Equal(payout) {
		t.Errorf("Expected last payout %v, got %v", payout, reloaded.LastPayoutAt)
	}
	if !reloaded.Active {
		t.Error("Stake must stay active without explicit deactivation")
	}

	if _, err := service.ApplyConfirmed(ctx, "missing", models.ConfirmedDelta{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdateObservation(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := service.UpsertStake(ctx, testStake("s1", "u1")); err != nil {
		t.Fatalf("UpsertStake failed: %v", err)
	}

	err := service.UpdateObservation(ctx, "s1", models.LocalObservation{
		Unclaimed:  decimal.RequireFromString("0.05"),
		ObservedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpdateObservation failed: %v", err)
	}

	stake, _ := service.GetStake(ctx, "s1")
	if !stake.ObservedUnclaimed.Equal(decimal.RequireFromString("0.05")) {
		t.Errorf("Expected observed 0.05, got %s", stake.ObservedUnclaimed)
	}
	if !stake.CumulativeConfirmedEarned.IsZero() {
		t.Errorf("Observation must not touch confirmed earned, got %s", stake.CumulativeConfirmedEarned)
	}
	if stake.Version != 1 {
		t.Errorf("Observation must not bump version, got %d", stake.Version)
	}
}

func TestAccrualsAndSyncState(t *testing.T) {
	service, cleanup := setupTestDb(t)
	defer cleanup()
	ctx := context.Background()

	state, err := service.GetSyncState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetSyncState failed: %v", err)
	}
	if !state.LastSyncAt.IsZero() {
		t.Errorf("Expected zero last sync for a new user, got %v", state.LastSyncAt)
	}

	totals := map[string]decimal.Decimal{
		"s1": decimal.RequireFromString("0.000011574074074074074074074070"),
		"s2": decimal.RequireFromString("3"),
	}
	if err := service.SaveAccruals(ctx, "u1", totals); err != nil {
		t.Fatalf("SaveAccruals failed: %v", err)
	}
	loaded, err := service.GetAccruals(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccruals failed: %v", err)
	}
	for id, want := range totals {
		if !loaded[id].Equal(want) {
			t.Errorf("stake %s: expected %s, got %s", id, want, loaded[id])
		}
	}

	syncAt := time.Date(2025, 2, 1, 8, 30, 0, 42, time.UTC)
	if err := service.SaveSyncState(ctx, "u1", syncAt, 4); err != nil {
		t.Fatalf("SaveSyncState failed: %v", err)
	}
	state, _ = service.GetSyncState(ctx, "u1")
	if !state.LastSyncAt.Equal(syncAt) || state.ActiveReferrals != 4 {
		t.Errorf("Unexpected sync state %+v", state)
	}
}
