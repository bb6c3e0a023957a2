package config

import (
	"math/big"

	"escrowledger/native/escrow"
)

// FaucetCredit funds an account in the in-process settlement book at boot.
// Only honoured outside production.
type FaucetCredit struct {
	Identity string `toml:"Identity"`
	Amount   string `toml:"Amount"`
}

// Credit is a parsed FaucetCredit.
type Credit struct {
	Identity escrow.Identity
	Amount   *big.Int
}

// Ledger bundles the runtime values derived from Config.
type Ledger struct {
	Escrow  escrow.Config
	Credits []Credit
}
