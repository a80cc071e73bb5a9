package market

import (
	"fmt"

	"PredictLedger/internal/amm"
	"PredictLedger/internal/ledger"
)

// DefaultMaxQuestionLen bounds the question in bytes.
const DefaultMaxQuestionLen = 256

// Config is injected into the engine at construction.
type Config struct {
	Fees amm.FeeModel

	// AllowEarlyResolution lets the authority resolve before EndTime.
	AllowEarlyResolution bool

	MaxQuestionLen int

	// CollateralAssets lists the assets a market may be created in.
	CollateralAssets []string
}

func DefaultConfig() Config {
	return Config{
		Fees:                 amm.DefaultFeeModel(),
		AllowEarlyResolution: true,
		MaxQuestionLen:       DefaultMaxQuestionLen,
		CollateralAssets:     []string{"USDC", "USDT"},
	}
}

func (c Config) Validate() error {
	if err := c.Fees.Validate(); err != nil {
		return err
	}
	if c.MaxQuestionLen <= 0 {
		return fmt.Errorf("max question length must be positive, got %d", c.MaxQuestionLen)
	}
	if len(c.CollateralAssets) == 0 {
		return fmt.Errorf("at least one collateral asset is required")
	}
	for _, asset := range c.CollateralAssets {
		if _, ok := ledger.GetAssetID(asset); !ok {
			return fmt.Errorf("unknown collateral asset %q", asset)
		}
	}
	return nil
}

func (c Config) acceptsCollateral(asset string) bool {
	for _, a := range c.CollateralAssets {
		if a == asset {
			return true
		}
	}
	return false
}
