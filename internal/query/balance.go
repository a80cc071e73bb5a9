package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"PredictLedger/internal/ledger"

	"github.com/google/uuid"
)

// BalanceResponse represents user balance state for API queries
type BalanceResponse struct {
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Available    int64     `json:"available"` // free collateral
	AsOfSequence int64     `json:"as_of_sequence"`
}

// VaultResponse is the pooled collateral of one market.
type VaultResponse struct {
	MarketID     uuid.UUID `json:"market_id"`
	Asset        string    `json:"asset"`
	Balance      int64     `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// GetBalance returns a user's free collateral in asset.
func (qs *QueryService) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: unknown asset %q", ErrInvalidArgument, asset)
	}

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	balance, err := qs.getProjectedBalance(ctx, ledger.NewUserAccountKey(userID, assetID))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:       userID,
		Asset:        asset,
		Available:    balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetVault returns the vault balance of a market.
func (qs *QueryService) GetVault(ctx context.Context, marketID uuid.UUID) (*VaultResponse, error) {
	m, err := qs.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	assetID, ok := ledger.GetAssetID(m.Collateral)
	if !ok {
		return nil, fmt.Errorf("market %s has unknown collateral %q", marketID, m.Collateral)
	}

	balance, err := qs.getProjectedBalance(ctx, ledger.NewVaultAccountKey(marketID, assetID))
	if err != nil {
		return nil, err
	}
	return &VaultResponse{
		MarketID:     marketID,
		Asset:        m.Collateral,
		Balance:      balance,
		AsOfSequence: m.AsOfSequence,
	}, nil
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, key.AccountPath(), uint16(key.AssetID)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
