package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeCollateral AccountSubType = iota

	// System sub-types
	SubTypeVault

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
)

var subTypeNames = map[AccountSubType]string{
	SubTypeCollateral:          "collateral",
	SubTypeVault:               "vault",
	SubTypeExternalDeposits:    "deposits",
	SubTypeExternalWithdrawals: "withdrawals",
}

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

var (
	assetToID = map[string]AssetID{
		"USDT": 1,
		"USDC": 2,
	}
	idToAsset = map[AssetID]string{
		1: "USDT",
		2: "USDC",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

// AccountKey is the in-memory key for balance tracking (20 bytes, comparable)
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // user ID for user accounts, market ID for vaults
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates the collateral account of a user
func NewUserAccountKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeCollateral,
		AssetID:  assetID,
	}
}

// NewVaultAccountKey creates the pooled collateral account of a market
func NewVaultAccountKey(marketID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: marketID,
		SubType:  SubTypeVault,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// IsExternal reports whether the account sits outside the ledger boundary.
// External accounts mirror off-ledger flows and may run negative.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
//
//	user:<user>:collateral:<asset>
//	system:<market>:vault:<asset>
//	external:<deposits|withdrawals>:<asset>
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", uuid.UUID(k.EntityID), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) String() string { return k.AccountPath() }

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")

	switch {
	case len(parts) == 4 && (parts[0] == "user" || parts[0] == "system"):
		entity, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		subType, err := parseSubType(parts[2])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		assetID, ok := GetAssetID(parts[3])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}

		switch {
		case parts[0] == "user" && subType == SubTypeCollateral:
			return NewUserAccountKey(entity, assetID), nil
		case parts[0] == "system" && subType == SubTypeVault:
			return NewVaultAccountKey(entity, assetID), nil
		}
		return AccountKey{}, fmt.Errorf("account path %q: sub-type not valid in scope", path)

	case len(parts) == 3 && parts[0] == "external":
		subType, err := parseSubType(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		if subType != SubTypeExternalDeposits && subType != SubTypeExternalWithdrawals {
			return AccountKey{}, fmt.Errorf("account path %q: sub-type not valid in scope", path)
		}
		assetID, ok := GetAssetID(parts[2])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown asset", path)
		}
		return NewExternalAccountKey(subType, assetID), nil
	}

	return AccountKey{}, fmt.Errorf("malformed account path %q", path)
}

func parseSubType(name string) (AccountSubType, error) {
	for st, n := range subTypeNames {
		if n == name {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unknown sub-type %q", name)
}
