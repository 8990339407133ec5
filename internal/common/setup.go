package common

import (
	"context"
	"fmt"
	"log"
	"strings"

	"mining-accrual-go/internal/config"
	"mining-accrual-go/internal/database"
	"mining-accrual-go/internal/formance"
	"mining-accrual-go/internal/memledger"
	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"
	"mining-accrual-go/internal/store"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// init loads environment variables from .env file if it exists
func init() {
	// Try to load .env file - if it doesn't exist, that's okay
	// Environment variables can be set via other means (shell export, docker, etc.)
	if err := godotenv.Load(); err != nil {
		log.Printf("Note: No .env file found or unable to load it: %v\n", err)
		log.Println("Make sure to set environment variables via export or other means")
	} else {
		log.Println("✓ Loaded environment variables from .env file")
	}
}

type Services struct {
	DbService *database.Service
	Remote    store.RemoteLedger
	Admin     store.StakeAdmin
	Schedule  *reward.Schedule

	// Memory is set when the in-process ledger backs the engine.
	Memory *memledger.Ledger
}

func InitializeLogger() (*zap.Logger, func()) {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	zap.ReplaceGlobals(logger)

	cleanup := func() {
		if err := logger.Sync(); err != nil {
			if !isIgnorableSyncError(err) {
				log.Printf("Failed to sync logger: %v\n", err)
			}
		}
	}

	return logger, cleanup
}

func InitializeServices(ctx context.Context, cfg *models.Config) (*Services, error) {
	schedule, err := config.LoadSchedule(cfg.Reward)
	if err != nil {
		return nil, fmt.Errorf("failed to load reward schedule: %w", err)
	}

	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	services := &Services{DbService: dbService, Schedule: schedule}

	switch cfg.Ledger.Backend {
	case "formance":
		zap.L().Info("Using Formance ledger backend")
		svc, err := formance.NewService(ctx, cfg.Ledger.Formance, schedule)
		if err != nil {
			dbService.Close()
			return nil, err
		}
		services.Remote = svc
		services.Admin = svc
	default:
		zap.L().Info("Using in-memory ledger backend")
		mem := memledger.New(schedule)
		services.Remote = mem
		services.Admin = mem
		services.Memory = mem
	}

	return services, nil
}

// InitializeDatabaseOnly initializes just the database service without a ledger
// Useful for read-only operations like listing dead letters
func InitializeDatabaseOnly(ctx context.Context, cfg *models.Config) (*database.Service, error) {
	dbService, err := database.NewService(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	return dbService, nil
}

func (cs *Services) Close() {
	if cs.Remote != nil {
		cs.Remote.Close()
	}
	if cs.DbService != nil {
		cs.DbService.Close()
	}
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "sync /dev/stderr: inappropriate ioctl for device") ||
		strings.Contains(msg, "sync /dev/stdout: inappropriate ioctl for device")
}
