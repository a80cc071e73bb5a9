package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// CapabilityKind names who may move funds out of an account.
type CapabilityKind uint8

const (
	// CapabilityOwner is held by a user over their own collateral.
	CapabilityOwner CapabilityKind = iota
	// CapabilityVault is held by a market over its pooled collateral.
	CapabilityVault
	// CapabilityGateway is held by the deposit bridge over external accounts.
	CapabilityGateway
)

// Capability is a named right to debit an account. The ledger never signs
// anything; a transfer is authorized when its capability matches the source.
type Capability struct {
	Kind    CapabilityKind
	Subject uuid.UUID
}

func OwnerCapability(userID uuid.UUID) Capability {
	return Capability{Kind: CapabilityOwner, Subject: userID}
}

func VaultCapability(marketID uuid.UUID) Capability {
	return Capability{Kind: CapabilityVault, Subject: marketID}
}

func GatewayCapability() Capability {
	return Capability{Kind: CapabilityGateway}
}

// Authorizes reports whether c may move funds out of from.
func (c Capability) Authorizes(from AccountKey) bool {
	switch c.Kind {
	case CapabilityOwner:
		return from.Scope == AccountScopeUser && from.EntityID == c.Subject
	case CapabilityVault:
		return from.Scope == AccountScopeSystem && from.SubType == SubTypeVault && from.EntityID == c.Subject
	case CapabilityGateway:
		return from.Scope == AccountScopeExternal
	default:
		return false
	}
}

func (c Capability) String() string {
	switch c.Kind {
	case CapabilityOwner:
		return fmt.Sprintf("owner(%s)", c.Subject)
	case CapabilityVault:
		return fmt.Sprintf("vault(%s)", c.Subject)
	case CapabilityGateway:
		return "gateway"
	default:
		return "unknown"
	}
}
