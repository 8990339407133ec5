package formance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"

	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
)

// ---------- Unit tests for pure helpers (no Formance stack needed) ----------

func TestFormanceAsset(t *testing.T) {
	tests := []struct {
		symbol string
		want   string
	}{
		{"USDC", "USDC/6"},
		{"BTC", "BTC/8"},
		{"ETH", "ETH/18"},
		{"UNKNOWN", "UNKNOWN/6"}, // default precision
	}
	for _, tt := range tests {
		if got := formanceAsset(tt.symbol); got != tt.want {
			t.Errorf("formanceAsset(%q) = %q, want %q", tt.symbol, got, tt.want)
		}
	}
}

func TestResolveAsset(t *testing.T) {
	tests := []struct {
		input     string
		wantAsset string
		wantPrec  int
	}{
		{"", "USDT/6", 6},
		{"USDT/6", "USDT/6", 6},
		{"USD/2", "USD/2", 2},
		{"BTC", "BTC/8", 8},
		{"COIN/x", "COIN/6", 6},
	}
	for _, tt := range tests {
		asset, prec := resolveAsset(tt.input)
		if asset != tt.wantAsset || prec != tt.wantPrec {
			t.Errorf("resolveAsset(%q) = %q, %d, want %q, %d", tt.input, asset, prec, tt.wantAsset, tt.wantPrec)
		}
	}
}

func TestAssetSymbol(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"USDC/6", "USDC"},
		{"BTC/8", "BTC"},
		{"PLAIN", "PLAIN"},
	}
	for _, tt := range tests {
		if got := assetSymbol(tt.input); got != tt.want {
			t.Errorf("assetSymbol(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestPrecisionFor(t *testing.T) {
	if precisionFor("USDT") != 6 {
		t.Error("expected USDT precision 6")
	}
	if precisionFor("BTC") != 8 {
		t.Error("expected BTC precision 8")
	}
	if precisionFor("DOGE") != 6 {
		t.Error("expected unknown precision default 6")
	}
}

func TestSmallestUnitRoundTrip(t *testing.T) {
	amount := decimal.RequireFromString("0.0575009")
	raw := toSmallestUnit(amount, 6)
	if raw != "57500" {
		t.Fatalf("toSmallestUnit = %s, want 57500", raw)
	}

	n, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		t.Fatal("not an integer")
	}
	if got := bigIntToDecimal(n, 6); !got.Equal(decimal.RequireFromString("0.0575")) {
		t.Errorf("bigIntToDecimal = %s, want 0.0575", got)
	}
	if got := bigIntToDecimal(nil, 6); !got.IsZero() {
		t.Errorf("expected 0, got %s", got)
	}
}

func TestVolumeInput(t *testing.T) {
	vols := map[string]shared.V2Volume{
		"USDT/6": {Input: big.NewInt(1_500_000), Output: big.NewInt(0), Balance: big.NewInt(1_500_000)},
	}
	if got := volumeInput(vols, "USDT/6"); got == nil || got.Int64() != 1_500_000 {
		t.Errorf("volumeInput = %v, want 1500000", got)
	}
	if got := volumeInput(vols, "BTC/8"); got != nil {
		t.Errorf("expected nil for missing asset, got %v", got)
	}
}

func TestIsConflictError(t *testing.T) {
	if isConflictError(nil) {
		t.Error("nil should not be a conflict error")
	}
	conflict := &sdkerrors.V2ErrorResponse{ErrorCode: shared.V2ErrorsEnumConflict, ErrorMessage: "duplicate reference"}
	if !isConflictError(fmt.Errorf("post: %w", conflict)) {
		t.Error("wrapped CONFLICT should be detected")
	}
	if isNotFoundError(conflict) {
		t.Error("CONFLICT is not NOT_FOUND")
	}
}

func TestMapError(t *testing.T) {
	apiErr := func(code shared.V2ErrorsEnum) error {
		return &sdkerrors.V2ErrorResponse{ErrorCode: code, ErrorMessage: string(code)}
	}
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", apiErr(shared.V2ErrorsEnumNotFound), store.ErrNotFound},
		{"conflict", apiErr(shared.V2ErrorsEnumConflict), store.ErrConflict},
		{"validation", apiErr(shared.V2ErrorsEnumValidation), store.ErrValidation},
		{"internal", apiErr(shared.V2ErrorsEnumInternal), store.ErrTransientNetwork},
		{"network", errors.New("connection refused"), store.ErrTransientNetwork},
		{"deadline", context.DeadlineExceeded, context.DeadlineExceeded},
	}
	for _, tt := range tests {
		if got := mapError(tt.err); !errors.Is(got, tt.want) {
			t.Errorf("%s: mapError = %v, want %v", tt.name, got, tt.want)
		}
	}
	if mapError(nil) != nil {
		t.Error("nil should map to nil")
	}
	if !store.IsRetryable(mapError(errors.New("EOF"))) {
		t.Error("network failures should be retryable")
	}
}

func TestAccountToStake(t *testing.T) {
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(time.Hour)
	stake := models.Stake{
		Id:            "stake-1",
		UserId:        "user-1",
		Principal:     decimal.NewFromInt(1000),
		BaseDailyRate: decimal.RequireFromString("0.01"),
		CreatedAt:     created,
		Active:        true,
		CycleProgress: 3,
		Version:       2,
	}

	got, err := accountToStake(&shared.V2Account{
		Address:   stakeAddress("stake-1"),
		Metadata:  stakeMetadata(stake),
		UpdatedAt: &updated,
	})
	if err != nil {
		t.Fatalf("accountToStake: %v", err)
	}
	if got.Id != "stake-1" || got.UserId != "user-1" {
		t.Errorf("unexpected identity %s/%s", got.Id, got.UserId)
	}
	if !got.Principal.Equal(stake.Principal) || !got.BaseDailyRate.Equal(stake.BaseDailyRate) {
		t.Errorf("terms = %s @ %s", got.Principal, got.BaseDailyRate)
	}
	if !got.CreatedAt.Equal(created) || !got.LastPayoutAt.IsZero() {
		t.Errorf("times = %v / %v", got.CreatedAt, got.LastPayoutAt)
	}
	if !got.Active || got.CycleProgress != 3 || got.Version != 2 || !got.UpdatedAt.Equal(updated) {
		t.Errorf("unexpected stake state %+v", got)
	}

	if _, err := accountToStake(&shared.V2Account{Address: "users:user-1"}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected validation error for non-stake address, got %v", err)
	}
	bad := stakeMetadata(stake)
	bad["principal"] = "lots"
	if _, err := accountToStake(&shared.V2Account{Address: "stakes:stake-1", Metadata: bad}); !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected validation error for bad principal, got %v", err)
	}
}

func TestTransactionToReceipt(t *testing.T) {
	ts := time.Date(2025, 4, 2, 12, 0, 0, 0, time.UTC)
	tx := shared.V2Transaction{
		Metadata: map[string]string{
			"stake_id":    "stake-1",
			"claim_token": "tok",
			"amount":      "0.0575",
		},
		Timestamp: ts,
	}

	receipt, err := transactionToReceipt(tx, "stake-1", "tok")
	if err != nil {
		t.Fatalf("transactionToReceipt: %v", err)
	}
	if !receipt.Replayed || !receipt.SettledAt.Equal(ts) || !receipt.Confirmed.Equal(decimal.RequireFromString("0.0575")) {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	if _, err := transactionToReceipt(tx, "stake-2", "tok"); !errors.Is(err, store.ErrValidation) {
		t.Errorf("expected validation error for foreign token, got %v", err)
	}
}

func TestClaimable(t *testing.T) {
	svc := &Service{schedule: reward.DefaultSchedule(), precision: 6}
	created := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	stake := &models.Stake{
		Id:            "stake-1",
		Principal:     decimal.NewFromInt(10),
		BaseDailyRate: decimal.RequireFromString("0.01"),
		CreatedAt:     created,
		Active:        true,
	}

	// 10 * 0.01 * 1.15 (3 referrals) / 2
	got := svc.claimable(stake, 3, created.Add(12*time.Hour))
	if !got.Equal(decimal.RequireFromString("0.0575")) {
		t.Errorf("claimable = %s, want 0.0575", got)
	}

	stake.LastPayoutAt = created.Add(12 * time.Hour)
	if got := svc.claimable(stake, 3, created.Add(12*time.Hour)); !got.IsZero() {
		t.Errorf("claimable right after payout = %s, want 0", got)
	}

	stake.Active = false
	if got := svc.claimable(stake, 3, created.Add(48*time.Hour)); !got.IsZero() {
		t.Errorf("inactive stake claimable = %s, want 0", got)
	}
}

func TestActivityMetadata(t *testing.T) {
	meta := activityMetadata(models.ActivityRecord{
		Id:        "a-1",
		UserId:    "user-1",
		StakeId:   "stake-1",
		Kind:      models.ActivityClaim,
		Amount:    decimal.RequireFromString("1.5"),
		Reference: "tok",
		CreatedAt: time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC),
	})
	if meta["entity_type"] != "activity" || meta["kind"] != "claim" || meta["amount"] != "1.5" {
		t.Errorf("unexpected metadata %v", meta)
	}
	if meta["created_at"] != "2025-04-02T00:00:00Z" {
		t.Errorf("created_at = %q", meta["created_at"])
	}
}
