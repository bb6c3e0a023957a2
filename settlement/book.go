package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"escrowledger/native/escrow"
	"escrowledger/observability"
)

var (
	// ErrUnavailable is returned while the book is switched off.
	ErrUnavailable = errors.New("settlement: unavailable")
	// ErrInsufficientBalance is returned when a depositor cannot cover the deposit.
	ErrInsufficientBalance = errors.New("settlement: insufficient balance")
	// ErrInsufficientHold is returned when a transfer exceeds the escrow's held value.
	ErrInsufficientHold = errors.New("settlement: insufficient held value")
	// ErrDuplicateTransfer is returned when a transfer id has already been paid.
	ErrDuplicateTransfer = errors.New("settlement: transfer already applied")
	// ErrDuplicateDeposit is returned when an escrow has already been funded.
	ErrDuplicateDeposit = errors.New("settlement: escrow already funded")
	// ErrRestoreMismatch is returned when journaled escrows and payouts disagree.
	ErrRestoreMismatch = errors.New("settlement: journal does not reconcile")
)

// Book is an in-process settlement layer. It keeps a balance per identity and
// a held balance per escrow, and applies every deposit and transfer in full or
// not at all. Transfer ids are remembered so a payout is never applied twice.
type Book struct {
	metrics *observability.SettlementMetrics

	mu        sync.Mutex
	available bool
	balances  map[escrow.Identity]*big.Int
	holds     map[uint64]*big.Int
	funded    map[uint64]struct{}
	applied   map[string]escrow.Transfer
	history   []escrow.Transfer
}

// Option customises a Book.
type Option func(*Book)

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *observability.SettlementMetrics) Option {
	return func(b *Book) { b.metrics = m }
}

// NewBook returns an empty, available book.
func NewBook(opts ...Option) *Book {
	b := &Book{
		metrics:   observability.Settlement(),
		available: true,
		balances:  make(map[escrow.Identity]*big.Int),
		holds:     make(map[uint64]*big.Int),
		funded:    make(map[uint64]struct{}),
		applied:   make(map[string]escrow.Transfer),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics.SetAvailable(true)
	return b
}

// SetAvailable switches the book on or off. While off every Deposit and
// Transfer fails with ErrUnavailable and nothing changes.
func (b *Book) SetAvailable(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = ok
	b.metrics.SetAvailable(ok)
}

// Credit adds amount to an identity's spendable balance.
func (b *Book) Credit(id escrow.Identity, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("settlement: credit amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balanceLocked(id).Add(b.balances[id], amount)
	b.metrics.Record("credit", "ok")
	return nil
}

// Balance returns an identity's spendable balance.
func (b *Book) Balance(id escrow.Identity) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[id]; ok {
		return new(big.Int).Set(bal)
	}
	return big.NewInt(0)
}

// Held returns the value held on behalf of an escrow.
func (b *Book) Held(escrowID uint64) *big.Int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if held, ok := b.holds[escrowID]; ok {
		return new(big.Int).Set(held)
	}
	return big.NewInt(0)
}

// Transfers returns every applied transfer in order.
func (b *Book) Transfers() []escrow.Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]escrow.Transfer, len(b.history))
	for i := range b.history {
		out[i] = *b.history[i].Clone()
	}
	return out
}

// Restore replays journaled escrows and their payouts into a book that holds
// nothing yet. Each escrow's deposit is taken from the buyer's balance again,
// so credits applied before Restore are not minted twice, and every payout is
// paid to its recipient and remembered as applied. The hold left on each
// escrow must equal its unreleased value.
func (b *Book) Restore(records []*escrow.Escrow, transfers []escrow.Transfer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.funded) != 0 || len(b.applied) != 0 {
		return fmt.Errorf("settlement: restore into a book that already holds escrows")
	}
	balances := make(map[escrow.Identity]*big.Int, len(b.balances))
	for id, bal := range b.balances {
		balances[id] = new(big.Int).Set(bal)
	}
	credit := func(id escrow.Identity) *big.Int {
		bal, ok := balances[id]
		if !ok {
			bal = new(big.Int)
			balances[id] = bal
		}
		return bal
	}
	holds := make(map[uint64]*big.Int, len(records))
	for _, rec := range records {
		if rec == nil || rec.Amount == nil {
			return fmt.Errorf("%w: incomplete escrow record", ErrRestoreMismatch)
		}
		bal := credit(rec.Buyer)
		if bal.Cmp(rec.Amount) < 0 {
			return fmt.Errorf("%w: escrow %d: %s has %s, deposited %s",
				ErrInsufficientBalance, rec.ID, rec.Buyer, bal, rec.Amount)
		}
		bal.Sub(bal, rec.Amount)
		holds[rec.ID] = new(big.Int).Set(rec.Amount)
	}
	applied := make(map[string]escrow.Transfer, len(transfers))
	history := make([]escrow.Transfer, 0, len(transfers))
	for _, t := range transfers {
		if _, dup := applied[t.ID]; dup {
			return fmt.Errorf("%w: transfer %s journaled twice", ErrRestoreMismatch, t.ID)
		}
		held, ok := holds[t.EscrowID]
		if !ok || t.Amount == nil || held.Cmp(t.Amount) < 0 {
			return fmt.Errorf("%w: transfer %s exceeds escrow %d", ErrRestoreMismatch, t.ID, t.EscrowID)
		}
		held.Sub(held, t.Amount)
		credit(t.Recipient).Add(balances[t.Recipient], t.Amount)
		clone := *t.Clone()
		applied[t.ID] = clone
		history = append(history, clone)
	}
	for _, rec := range records {
		if remaining := rec.Remaining(); holds[rec.ID].Cmp(remaining) != 0 {
			return fmt.Errorf("%w: escrow %d holds %s, unreleased %s",
				ErrRestoreMismatch, rec.ID, holds[rec.ID], remaining)
		}
	}

	b.balances = balances
	b.holds = holds
	b.funded = make(map[uint64]struct{}, len(records))
	for id := range holds {
		b.funded[id] = struct{}{}
	}
	b.applied = applied
	b.history = history
	b.metrics.SetHeld(b.totalHeldLocked())
	return nil
}

// Deposit implements escrow.Settlement.
func (b *Book) Deposit(ctx context.Context, d escrow.Deposit) error {
	err := b.deposit(ctx, d)
	b.metrics.Record("deposit", outcome(err))
	return err
}

func (b *Book) deposit(ctx context.Context, d escrow.Deposit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.Amount == nil || d.Amount.Sign() < 0 {
		return fmt.Errorf("settlement: deposit amount must be non-negative")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrUnavailable
	}
	if _, ok := b.funded[d.EscrowID]; ok {
		return fmt.Errorf("%w: escrow %d", ErrDuplicateDeposit, d.EscrowID)
	}
	bal := b.balanceLocked(d.From)
	if bal.Cmp(d.Amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, d.From, bal, d.Amount)
	}
	bal.Sub(bal, d.Amount)
	b.holds[d.EscrowID] = new(big.Int).Set(d.Amount)
	b.funded[d.EscrowID] = struct{}{}
	b.metrics.SetHeld(b.totalHeldLocked())
	return nil
}

// Transfer implements escrow.Settlement.
func (b *Book) Transfer(ctx context.Context, t escrow.Transfer) error {
	err := b.transfer(ctx, t)
	b.metrics.Record("transfer", outcome(err))
	return err
}

func (b *Book) transfer(ctx context.Context, t escrow.Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("settlement: transfer id required")
	}
	if t.Amount == nil || t.Amount.Sign() <= 0 {
		return fmt.Errorf("settlement: transfer amount must be positive")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.available {
		return ErrUnavailable
	}
	if _, ok := b.applied[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTransfer, t.ID)
	}
	held, ok := b.holds[t.EscrowID]
	if !ok || held.Cmp(t.Amount) < 0 {
		return fmt.Errorf("%w: escrow %d", ErrInsufficientHold, t.EscrowID)
	}
	held.Sub(held, t.Amount)
	b.balanceLocked(t.Recipient).Add(b.balances[t.Recipient], t.Amount)
	applied := *t.Clone()
	b.applied[t.ID] = applied
	b.history = append(b.history, applied)
	b.metrics.SetHeld(b.totalHeldLocked())
	return nil
}

func (b *Book) balanceLocked(id escrow.Identity) *big.Int {
	bal, ok := b.balances[id]
	if !ok {
		bal = new(big.Int)
		b.balances[id] = bal
	}
	return bal
}

func (b *Book) totalHeldLocked() *big.Int {
	total := new(big.Int)
	for _, held := range b.holds {
		total.Add(total, held)
	}
	return total
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrDuplicateTransfer), errors.Is(err, ErrDuplicateDeposit):
		return "duplicate"
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientHold):
		return "insufficient"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}

var _ escrow.Settlement = (*Book)(nil)
