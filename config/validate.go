package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/holiman/uint256"

	"escrowledger/native/escrow"
)

// Validate checks every field without building runtime values.
func (c *Config) Validate() error {
	_, err := c.Ledger()
	return err
}

// IsProduction reports whether the configured environment is production.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "prod" || env == "production"
}

// Ledger parses the configuration into ledger parameters.
func (c *Config) Ledger() (Ledger, error) {
	minimum, err := parseAmount(c.MinimumDeposit)
	if err != nil {
		return Ledger{}, fmt.Errorf("MinimumDeposit: %w", err)
	}
	arbitrator, err := escrow.ParseIdentity(c.Arbitrator)
	if err != nil {
		return Ledger{}, fmt.Errorf("Arbitrator: %w", err)
	}
	if arbitrator.IsZero() {
		return Ledger{}, fmt.Errorf("Arbitrator: zero address")
	}
	timeout, err := time.ParseDuration(strings.TrimSpace(c.SettlementTimeout))
	if err != nil {
		return Ledger{}, fmt.Errorf("SettlementTimeout: %w", err)
	}
	if timeout < 0 {
		return Ledger{}, fmt.Errorf("SettlementTimeout: must be non-negative")
	}
	if len(c.Faucet) > 0 && c.IsProduction() {
		return Ledger{}, fmt.Errorf("Faucet: not allowed in production")
	}
	credits := make([]Credit, 0, len(c.Faucet))
	for i, f := range c.Faucet {
		id, err := escrow.ParseIdentity(f.Identity)
		if err != nil {
			return Ledger{}, fmt.Errorf("Faucet[%d].Identity: %w", i, err)
		}
		amount, err := parseAmount(f.Amount)
		if err != nil {
			return Ledger{}, fmt.Errorf("Faucet[%d].Amount: %w", i, err)
		}
		if amount.Sign() == 0 {
			return Ledger{}, fmt.Errorf("Faucet[%d].Amount: must be positive", i)
		}
		credits = append(credits, Credit{Identity: id, Amount: amount})
	}
	return Ledger{
		Escrow: escrow.Config{
			MinimumDeposit:    minimum,
			Arbitrator:        arbitrator,
			SettlementTimeout: timeout,
		},
		Credits: credits,
	}, nil
}

// parseAmount reads a non-negative decimal amount of at most 256 bits.
func parseAmount(raw string) (*big.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return value.ToBig(), nil
}
