package formance

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"

	v3 "github.com/formancehq/formance-sdk-go/v3"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/operations"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/sdkerrors"
	"github.com/formancehq/formance-sdk-go/v3/pkg/models/shared"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Compile-time checks: *Service is both the remote ledger and the seeding backend.
var (
	_ store.RemoteLedger = (*Service)(nil)
	_ store.StakeAdmin   = (*Service)(nil)
)

// assetPrecision maps canonical asset symbols to their decimal precision.
var assetPrecision = map[string]int{
	"USD":  2,
	"USDC": 6,
	"USDT": 6,
	"BTC":  8,
	"ETH":  18,
}

const (
	defaultLedgerName = "mining-accrual"
	defaultAsset      = "USDT"
)

// Service implements store.RemoteLedger backed by a Formance Stack ledger.
type Service struct {
	client    *v3.Formance
	ledger    string
	asset     string // Formance UMN, e.g. "USDT/6"
	precision int
	schedule  *reward.Schedule
	now       func() time.Time
}

// NewService connects to the stack, creates the ledger if it doesn't already
// exist, and returns ready to use. The schedule is used to compute claimable
// amounts the same way the engine does.
func NewService(ctx context.Context, cfg models.FormanceConfig, schedule *reward.Schedule) (*Service, error) {
	if cfg.StackURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("formance config requires StackURL, ClientID, and ClientSecret")
	}
	if cfg.LedgerName == "" {
		cfg.LedgerName = defaultLedgerName
	}
	if schedule == nil {
		schedule = reward.DefaultSchedule()
	}

	httpClient, err := createCustomHttpClient()
	if err != nil {
		return nil, fmt.Errorf("unable to create custom http client: %w", err)
	}

	zap.L().Info("Connecting to Formance Stack",
		zap.String("stack_url", cfg.StackURL),
		zap.String("ledger", cfg.LedgerName))

	client := v3.New(
		v3.WithServerURL(cfg.StackURL),
		v3.WithClient(&httpClient),
		v3.WithSecurity(shared.Security{
			ClientID:     v3.Pointer(cfg.ClientID),
			ClientSecret: v3.Pointer(cfg.ClientSecret),
		}),
	)

	fAsset, precision := resolveAsset(cfg.Asset)
	svc := &Service{
		client:    client,
		ledger:    cfg.LedgerName,
		asset:     fAsset,
		precision: precision,
		schedule:  schedule,
		now:       time.Now,
	}

	if err := svc.ensureLedger(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure ledger exists: %w", mapError(err))
	}

	zap.L().Info("Formance service initialized",
		zap.String("ledger", cfg.LedgerName),
		zap.String("asset", fAsset),
		zap.String("symbol", assetSymbol(fAsset)))
	return svc, nil
}

// ensureLedger creates the ledger if it does not already exist.
func (s *Service) ensureLedger(ctx context.Context) error {
	_, err := s.client.Ledger.V2.CreateLedger(ctx, operations.V2CreateLedgerRequest{
		Ledger: s.ledger,
		V2CreateLedgerRequest: shared.V2CreateLedgerRequest{
			Metadata: map[string]string{
				"application": "mining-accrual",
			},
		},
	})
	if err != nil {
		var apiErr *sdkerrors.V2ErrorResponse
		if errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumLedgerAlreadyExists {
			zap.L().Info("Ledger already exists", zap.String("ledger", s.ledger))
			return nil
		}
		return err
	}
	zap.L().Info("Ledger created", zap.String("ledger", s.ledger))
	return nil
}

// Close is a no-op for the Formance backend (HTTP client needs no teardown).
func (s *Service) Close() {}

// ---------- account paths ----------

func stakeAddress(stakeId string) string  { return "stakes:" + stakeId }
func earnedAddress(stakeId string) string { return "stakes:" + stakeId + ":earned" }
func userAddress(userId string) string    { return "users:" + userId }
func activityAddress(id string) string    { return "activity:" + id }

// ---------- account reads ----------

// getAccount returns the account or nil when the ledger has never seen it.
func (s *Service) getAccount(ctx context.Context, address string, volumes bool) (*shared.V2Account, error) {
	req := operations.V2GetAccountRequest{
		Ledger:  s.ledger,
		Address: address,
	}
	if volumes {
		req.Expand = v3.Pointer("volumes")
	}
	resp, err := s.client.Ledger.V2.GetAccount(ctx, req)
	if err != nil {
		if isNotFoundError(err) {
			return nil, nil
		}
		return nil, mapError(err)
	}
	return &resp.V2AccountResponse.Data, nil
}

// getMetadata returns an account's metadata, empty when the account is unknown.
func (s *Service) getMetadata(ctx context.Context, address string) (map[string]string, error) {
	acct, err := s.getAccount(ctx, address, false)
	if err != nil {
		return nil, err
	}
	if acct == nil || acct.Metadata == nil {
		return map[string]string{}, nil
	}
	return acct.Metadata, nil
}

func (s *Service) setMetadata(ctx context.Context, address string, meta map[string]string) error {
	_, err := s.client.Ledger.V2.AddMetadataToAccount(ctx, operations.V2AddMetadataToAccountRequest{
		Ledger:      s.ledger,
		Address:     address,
		RequestBody: meta,
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

// touchUser bumps the user's last_sync_at so reconcilers see a newer ledger state.
func (s *Service) touchUser(ctx context.Context, userId string, at time.Time) error {
	meta := map[string]string{
		"entity_type":  "user",
		"last_sync_at": formatTime(at),
	}
	if sc := models.GetSyncContext(ctx); sc != nil && sc.Trigger != "" {
		meta["last_sync_trigger"] = sc.Trigger
	}
	return s.setMetadata(ctx, userAddress(userId), meta)
}

// ---------- helpers ----------

// resolveAsset accepts either UMN ("USDT/6") or a bare symbol and returns the
// UMN together with its precision.
func resolveAsset(asset string) (string, int) {
	if asset == "" {
		asset = defaultAsset
	}
	if symbol, p, ok := strings.Cut(asset, "/"); ok {
		if n, err := strconv.Atoi(p); err == nil && n >= 0 {
			return asset, n
		}
		asset = symbol
	}
	return formanceAsset(asset), precisionFor(asset)
}

// formanceAsset returns the Formance UMN notation, e.g. "USDC/6".
func formanceAsset(symbol string) string {
	return fmt.Sprintf("%s/%d", symbol, precisionFor(symbol))
}

// precisionFor returns the decimal precision for an asset symbol, default 6.
func precisionFor(symbol string) int {
	if p, ok := assetPrecision[symbol]; ok {
		return p
	}
	return 6
}

// assetSymbol extracts the symbol from a Formance asset like "USDC/6".
func assetSymbol(fAsset string) string {
	symbol, _, _ := strings.Cut(fAsset, "/")
	return symbol
}

// toSmallestUnit converts a human amount to the integer string numscript expects.
func toSmallestUnit(amount decimal.Decimal, precision int) string {
	return amount.Shift(int32(precision)).Truncate(0).BigInt().String()
}

// bigIntToDecimal converts a *big.Int in smallest-unit to a human-readable decimal.
func bigIntToDecimal(raw *big.Int, precision int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(precision))
}

// volumeInput returns the total ever received for an asset.
func volumeInput(vols map[string]shared.V2Volume, fAsset string) *big.Int {
	vol, ok := vols[fAsset]
	if !ok {
		return nil
	}
	return vol.Input
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func strPtr(s string) *string { return &s }
func ptrInt64(v int64) *int64 { return &v }

// mapError translates SDK failures onto the store sentinels. Anything that is
// not a structured ledger answer is treated as a network problem.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var apiErr *sdkerrors.V2ErrorResponse
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode {
		case shared.V2ErrorsEnumNotFound, shared.V2ErrorsEnumLedgerNotFound:
			return fmt.Errorf("%w: %v", store.ErrNotFound, err)
		case shared.V2ErrorsEnumConflict:
			return fmt.Errorf("%w: %v", store.ErrConflict, err)
		case shared.V2ErrorsEnumValidation, shared.V2ErrorsEnumCompilationFailed, shared.V2ErrorsEnumInsufficientFund:
			return fmt.Errorf("%w: %v", store.ErrValidation, err)
		default:
			return fmt.Errorf("%w: %v", store.ErrTransientNetwork, err)
		}
	}
	return fmt.Errorf("%w: %v", store.ErrTransientNetwork, err)
}

// isConflictError checks whether a Formance SDK error is a CONFLICT (duplicate reference).
func isConflictError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumConflict
}

// isNotFoundError checks whether a Formance SDK error is NOT_FOUND.
func isNotFoundError(err error) bool {
	var apiErr *sdkerrors.V2ErrorResponse
	return errors.As(err, &apiErr) && apiErr.ErrorCode == shared.V2ErrorsEnumNotFound
}
