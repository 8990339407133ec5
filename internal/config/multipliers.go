package config

import (
	"fmt"
	"os"
	"path/filepath"

	"mining-accrual-go/internal/models"
	"mining-accrual-go/internal/reward"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

type TierConfig struct {
	FromDay    int    `yaml:"from_day"`
	Multiplier string `yaml:"multiplier"`
}

type MultipliersConfig struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// LoadSchedule builds the reward schedule. Without a multipliers file the
// default tier table is used.
func LoadSchedule(cfg models.RewardConfig) (*reward.Schedule, error) {
	if cfg.MultipliersFile == "" {
		zap.L().Info("No multipliers file configured, using default tiers")
		return reward.NewSchedule(reward.DefaultTiers(), cfg.ReferralMultiplierCap)
	}

	tiers, err := LoadTiers(cfg.MultipliersFile)
	if err != nil {
		return nil, err
	}

	zap.L().Info("Loaded multiplier tiers",
		zap.String("file", cfg.MultipliersFile),
		zap.Int("tiers", len(tiers)))
	return reward.NewSchedule(tiers, cfg.ReferralMultiplierCap)
}

func LoadTiers(multipliersFile string) ([]reward.Tier, error) {
	var path string
	if filepath.IsAbs(multipliersFile) {
		path = multipliersFile
	} else {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		path = filepath.Join(wd, multipliersFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", multipliersFile, err)
	}

	return ParseTiers(data)
}

func ParseTiers(data []byte) ([]reward.Tier, error) {
	var config MultipliersConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unable to parse multipliers: %w", err)
	}

	tiers := make([]reward.Tier, len(config.Tiers))
	for i, t := range config.Tiers {
		if t.FromDay == 0 {
			return nil, fmt.Errorf("tier at index %d missing from_day", i)
		}
		if t.Multiplier == "" {
			return nil, fmt.Errorf("tier at index %d missing multiplier", i)
		}
		mult, err := decimal.NewFromString(t.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("tier at index %d has invalid multiplier %q: %w", i, t.Multiplier, err)
		}
		tiers[i] = reward.Tier{FromDay: t.FromDay, Multiplier: mult}
	}

	return tiers, nil
}
