package main

import (
	"context"
	"fmt"
	"log/slog"

	"escrowledger/config"
	"escrowledger/native/escrow"
	"escrowledger/observability/logging"
	"escrowledger/settlement"
	"escrowledger/storage/journal"
)

// openLedger rebuilds the settlement book and the ledger from the journal.
// Faucet credits are applied first and the journaled deposits are then taken
// from them again, so balances are the same after every restart.
func openLedger(ctx context.Context, cfg config.Ledger, store journal.Store, logger *slog.Logger, opts ...escrow.Option) (*escrow.Ledger, *settlement.Book, error) {
	records, err := store.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("replay journal: %w", err)
	}
	transfers, err := store.LoadTransfers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("replay journal transfers: %w", err)
	}

	book := settlement.NewBook()
	for _, credit := range cfg.Credits {
		if err := book.Credit(credit.Identity, credit.Amount); err != nil {
			return nil, nil, fmt.Errorf("faucet credit %s: %w", credit.Identity, err)
		}
		logger.Warn("faucet credit applied",
			logging.MaskField("identity", credit.Identity.String()),
			slog.String("amount", credit.Amount.String()))
	}
	if err := book.Restore(records, transfers); err != nil {
		return nil, nil, fmt.Errorf("restore settlement book: %w", err)
	}

	opts = append([]escrow.Option{escrow.WithJournal(store), escrow.WithLogger(logger)}, opts...)
	ledger, err := escrow.NewLedger(cfg.Escrow, book, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("init ledger: %w", err)
	}
	if err := ledger.Restore(records); err != nil {
		return nil, nil, fmt.Errorf("restore ledger: %w", err)
	}
	if len(records) > 0 {
		logger.Info("ledger restored from journal",
			slog.Int("escrows", len(records)),
			slog.Int("transfers", len(transfers)))
	}
	return ledger, book, nil
}
