package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"escrowledger/native/escrow"
	"escrowledger/observability"
)

var (
	alice = escrow.MustParseIdentity("0x1111111111111111111111111111111111111111")
	bob   = escrow.MustParseIdentity("0x2222222222222222222222222222222222222222")
)

func newTestBook(t *testing.T) *Book {
	t.Helper()
	b := NewBook(WithMetrics(observability.NewSettlementMetrics(prometheus.NewRegistry())))
	require.NoError(t, b.Credit(alice, big.NewInt(1000)))
	return b
}

func transfer(escrowID uint64, milestone int, amount int64) escrow.Transfer {
	return escrow.Transfer{
		ID:        escrow.TransferID(escrowID, escrow.TransferMilestoneRelease, milestone),
		EscrowID:  escrowID,
		Kind:      escrow.TransferMilestoneRelease,
		Milestone: milestone,
		Recipient: bob,
		Amount:    big.NewInt(amount),
	}
}

func TestDepositMovesBalanceIntoHold(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()

	require.NoError(t, b.Deposit(ctx, escrow.Deposit{EscrowID: 0, From: alice, Amount: big.NewInt(300)}))
	require.Equal(t, int64(700), b.Balance(alice).Int64())
	require.Equal(t, int64(300), b.Held(0).Int64())

	err := b.Deposit(ctx, escrow.Deposit{EscrowID: 0, From: alice, Amount: big.NewInt(1)})
	require.ErrorIs(t, err, ErrDuplicateDeposit)

	err = b.Deposit(ctx, escrow.Deposit{EscrowID: 1, From: alice, Amount: big.NewInt(701)})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, int64(700), b.Balance(alice).Int64())
	require.Zero(t, b.Held(1).Sign())
}

func TestTransferPaysRecipientOnce(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, b.Deposit(ctx, escrow.Deposit{EscrowID: 0, From: alice, Amount: big.NewInt(100)}))

	tr := transfer(0, 0, 40)
	require.NoError(t, b.Transfer(ctx, tr))
	require.Equal(t, int64(40), b.Balance(bob).Int64())
	require.Equal(t, int64(60), b.Held(0).Int64())

	require.ErrorIs(t, b.Transfer(ctx, tr), ErrDuplicateTransfer)
	require.Equal(t, int64(40), b.Balance(bob).Int64())

	require.ErrorIs(t, b.Transfer(ctx, transfer(0, 1, 61)), ErrInsufficientHold)
	require.ErrorIs(t, b.Transfer(ctx, transfer(9, 0, 1)), ErrInsufficientHold)

	history := b.Transfers()
	require.Len(t, history, 1)
	history[0].Amount.SetInt64(0)
	require.Equal(t, int64(40), b.Transfers()[0].Amount.Int64())
}

func TestTransferRejectsMalformedInput(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, b.Deposit(ctx, escrow.Deposit{EscrowID: 0, From: alice, Amount: big.NewInt(100)}))

	missingID := transfer(0, 0, 1)
	missingID.ID = " "
	require.Error(t, b.Transfer(ctx, missingID))
	require.Error(t, b.Transfer(ctx, transfer(0, 0, 0)))
	require.Equal(t, int64(100), b.Held(0).Int64())
}

func TestUnavailableBookChangesNothing(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()
	require.NoError(t, b.Deposit(ctx, escrow.Deposit{EscrowID: 0, From: alice, Amount: big.NewInt(100)}))

	b.SetAvailable(false)
	require.ErrorIs(t, b.Deposit(ctx, escrow.Deposit{EscrowID: 1, From: alice, Amount: big.NewInt(1)}), ErrUnavailable)
	require.ErrorIs(t, b.Transfer(ctx, transfer(0, 0, 10)), ErrUnavailable)
	require.Equal(t, int64(900), b.Balance(alice).Int64())
	require.Equal(t, int64(100), b.Held(0).Int64())

	b.SetAvailable(true)
	require.NoError(t, b.Transfer(ctx, transfer(0, 0, 10)))
}

func TestCancelledContextIsRejected(t *testing.T) {
	b := newTestBook(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Deposit(ctx, escrow.Deposit{EscrowID: 0, From: alice, Amount: big.NewInt(1)})
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, int64(1000), b.Balance(alice).Int64())
}

func TestCreditRejectsNonPositive(t *testing.T) {
	b := newTestBook(t)
	require.Error(t, b.Credit(bob, big.NewInt(0)))
	require.Error(t, b.Credit(bob, nil))
	require.Zero(t, b.Balance(bob).Sign())
}

func TestBookBacksLedger(t *testing.T) {
	b := newTestBook(t)
	ledger, err := escrow.NewLedger(escrow.Config{
		MinimumDeposit: big.NewInt(10),
		Arbitrator:     escrow.MustParseIdentity("0xA1A1A1A1A1A1A1A1A1A1A1A1A1A1A1A1A1A1A1A1"),
	}, b, escrow.WithMetrics(observability.NewEscrowMetrics(prometheus.NewRegistry())))
	require.NoError(t, err)
	engine := escrow.NewEngine(ledger)
	ctx := context.Background()

	_, err = ledger.CreateEscrow(ctx, escrow.CreateParams{Buyer: alice, Seller: bob, Amount: big.NewInt(100), Milestones: 2})
	require.NoError(t, err)
	_, err = engine.MarkMilestoneComplete(ctx, 0, bob)
	require.NoError(t, err)
	_, err = engine.ApproveMilestone(ctx, 0, alice)
	require.NoError(t, err)

	require.Equal(t, int64(50), b.Balance(bob).Int64())
	require.Equal(t, int64(50), b.Held(0).Int64())

	_, err = ledger.CreateEscrow(ctx, escrow.CreateParams{Buyer: alice, Seller: bob, Amount: big.NewInt(5000), Milestones: 1})
	require.ErrorIs(t, err, escrow.ErrSettlementFailure)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, 1, ledger.Len())
}

func restoredEscrow(t *testing.T, id uint64, amount int64, released int) *escrow.Escrow {
	t.Helper()
	set, err := escrow.NewMilestoneSet(big.NewInt(amount), 2)
	require.NoError(t, err)
	for i := 0; i < released; i++ {
		require.NoError(t, set.MarkCompleted(i))
		_, err := set.Release(i)
		require.NoError(t, err)
	}
	return &escrow.Escrow{ID: id, Buyer: alice, Seller: bob, Amount: big.NewInt(amount), Status: escrow.StatusActive, CurrentMilestone: released, Milestones: set}
}

func TestRestoreRebuildsHoldsAndPayouts(t *testing.T) {
	b := newTestBook(t)
	ctx := context.Background()
	records := []*escrow.Escrow{restoredEscrow(t, 0, 100, 1), restoredEscrow(t, 1, 40, 0)}
	require.NoError(t, b.Restore(records, []escrow.Transfer{transfer(0, 0, 50)}))

	require.Equal(t, int64(860), b.Balance(alice).Int64())
	require.Equal(t, int64(50), b.Balance(bob).Int64())
	require.Equal(t, int64(50), b.Held(0).Int64())
	require.Equal(t, int64(40), b.Held(1).Int64())
	require.Len(t, b.Transfers(), 1)

	require.ErrorIs(t, b.Transfer(ctx, transfer(0, 0, 50)), ErrDuplicateTransfer)
	require.ErrorIs(t, b.Deposit(ctx, escrow.Deposit{EscrowID: 1, From: alice, Amount: big.NewInt(1)}), ErrDuplicateDeposit)
	require.NoError(t, b.Transfer(ctx, transfer(0, 1, 50)))
	require.Zero(t, b.Held(0).Sign())

	require.Error(t, b.Restore(records, nil), "restore only applies to an empty book")
}

func TestRestoreRejectsJournalThatDoesNotReconcile(t *testing.T) {
	records := []*escrow.Escrow{restoredEscrow(t, 0, 100, 1)}

	b := newTestBook(t)
	require.ErrorIs(t, b.Restore(records, nil), ErrRestoreMismatch)
	require.Equal(t, int64(1000), b.Balance(alice).Int64(), "failed restore leaves balances untouched")
	require.Zero(t, b.Held(0).Sign())

	b = newTestBook(t)
	require.ErrorIs(t, b.Restore(records, []escrow.Transfer{transfer(7, 0, 50)}), ErrRestoreMismatch)

	b = newTestBook(t)
	dup := []escrow.Transfer{transfer(0, 0, 25), transfer(0, 0, 25)}
	require.ErrorIs(t, b.Restore(records, dup), ErrRestoreMismatch)

	b = NewBook(WithMetrics(observability.NewSettlementMetrics(prometheus.NewRegistry())))
	require.ErrorIs(t, b.Restore(records, nil), ErrInsufficientBalance)
}
