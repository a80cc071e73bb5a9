package market

import "PredictLedger/internal/ledger"

// Custody moves collateral on behalf of the engine. ledger.Custodian is the
// production implementation.
type Custody interface {
	// Transfer fails if from lacks amount, if authorizedBy does not cover
	// from, or if the accounts hold different assets.
	Transfer(amount uint64, from, to ledger.AccountKey, authorizedBy ledger.Capability) error
	Balance(key ledger.AccountKey) (uint64, error)
}
