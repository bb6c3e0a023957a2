package escrow

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"escrowledger/core/types"
)

func completeAndApprove(t *testing.T, f *fixture, id uint64) *Outcome {
	t.Helper()
	ctx := context.Background()
	if _, err := f.engine.MarkMilestoneComplete(ctx, id, sellerID); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	out, err := f.engine.ApproveMilestone(ctx, id, buyerID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	return out
}

func TestFirstMilestoneRelease(t *testing.T) {
	f := newFixture(t)
	f.create(t, 100, 3)

	out := completeAndApprove(t, f, 0)
	if out.Transfer == nil || out.Transfer.Amount.Int64() != 33 || out.Transfer.Recipient != sellerID {
		t.Fatalf("unexpected transfer %+v", out.Transfer)
	}
	if out.Transfer.Kind != TransferMilestoneRelease || out.Transfer.Milestone != 0 {
		t.Fatalf("unexpected transfer kind %s milestone %d", out.Transfer.Kind, out.Transfer.Milestone)
	}
	if out.Escrow.CurrentMilestone != 1 || out.Escrow.Status != StatusActive {
		t.Fatalf("unexpected escrow state %d/%s", out.Escrow.CurrentMilestone, out.Escrow.Status)
	}
	if out.Escrow.Released().Int64() != 33 || out.Escrow.Remaining().Int64() != 67 {
		t.Fatalf("unexpected accounting released=%s remaining=%s", out.Escrow.Released(), out.Escrow.Remaining())
	}
}

func TestAllMilestonesCompleteTheEscrow(t *testing.T) {
	f := newFixture(t)
	f.create(t, 100, 3)

	var last *Outcome
	for i := 0; i < 3; i++ {
		last = completeAndApprove(t, f, 0)
	}
	if last.Escrow.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", last.Escrow.Status)
	}
	transfers := f.settle.Transfers()
	want := []int64{33, 33, 34}
	total := new(big.Int)
	if len(transfers) != len(want) {
		t.Fatalf("expected %d transfers, got %d", len(want), len(transfers))
	}
	for i, tr := range transfers {
		if tr.Amount.Int64() != want[i] || tr.Recipient != sellerID {
			t.Fatalf("transfer %d: got %s to %s", i, tr.Amount, tr.Recipient)
		}
		total.Add(total, tr.Amount)
	}
	if total.Int64() != 100 {
		t.Fatalf("expected 100 transferred, got %s", total)
	}
	kinds := f.eventTypes()
	if kinds[len(kinds)-1] != EventTypeEscrowCompleted || kinds[len(kinds)-2] != EventTypeMilestoneReleased {
		t.Fatalf("expected release then completion events, got %v", kinds)
	}
	_, err := f.engine.MarkMilestoneComplete(context.Background(), 0, sellerID)
	requireKind(t, err, ErrInvalidState)
	_, err = f.engine.RaiseDispute(context.Background(), 0, buyerID)
	requireKind(t, err, ErrInvalidState)
}

func TestDisputeRefundsBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 100, 3)
	completeAndApprove(t, f, 0)

	out, err := f.engine.RaiseDispute(ctx, 0, buyerID)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if out.Escrow.Status != StatusDisputed || out.Transfer != nil {
		t.Fatalf("unexpected dispute outcome %+v", out)
	}

	out, err = f.engine.ResolveDispute(ctx, 0, arbitratorID, false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Escrow.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", out.Escrow.Status)
	}
	tr := out.Transfer
	if tr == nil || tr.Amount.Int64() != 67 || tr.Recipient != buyerID || tr.Kind != TransferDisputeRefund {
		t.Fatalf("unexpected resolution transfer %+v", tr)
	}
	if !out.Escrow.Milestones.AllReleased() {
		t.Fatalf("resolution must release every milestone")
	}

	calls := []func() (*Outcome, error){
		func() (*Outcome, error) { return f.engine.MarkMilestoneComplete(ctx, 0, sellerID) },
		func() (*Outcome, error) { return f.engine.ApproveMilestone(ctx, 0, buyerID) },
		func() (*Outcome, error) { return f.engine.RaiseDispute(ctx, 0, sellerID) },
		func() (*Outcome, error) { return f.engine.ResolveDispute(ctx, 0, arbitratorID, true) },
	}
	for _, call := range calls {
		_, err := call()
		requireKind(t, err, ErrInvalidState)
	}
	if n := len(f.settle.Transfers()); n != 2 {
		t.Fatalf("expected 2 transfers in total, got %d", n)
	}
}

func TestDisputeReleasesToSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 90, 2)
	if _, err := f.engine.RaiseDispute(ctx, 0, sellerID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	out, err := f.engine.ResolveDispute(ctx, 0, arbitratorID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Transfer.Recipient != sellerID || out.Transfer.Amount.Int64() != 90 || out.Transfer.Kind != TransferDisputeRelease {
		t.Fatalf("unexpected transfer %+v", out.Transfer)
	}
	evts := f.recorder.Events()
	last, ok := evts[len(evts)-1].(interface{ Event() *types.Event })
	if !ok {
		t.Fatalf("recorded event does not expose its payload")
	}
	payload := last.Event()
	if payload.Type != EventTypeEscrowResolved || payload.Attributes["transferAmount"] != "90" {
		t.Fatalf("unexpected resolved payload %+v", payload)
	}
}

func TestResolveWithNothingHeldEmitsNoTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.ledger.cfg.MinimumDeposit = big.NewInt(0)
	f.create(t, 0, 1)
	if _, err := f.engine.RaiseDispute(ctx, 0, buyerID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	out, err := f.engine.ResolveDispute(ctx, 0, arbitratorID, true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if out.Transfer != nil || len(f.settle.Transfers()) != 0 {
		t.Fatalf("expected no transfer when nothing is held")
	}
	if out.Escrow.Status != StatusResolved {
		t.Fatalf("expected resolved, got %s", out.Escrow.Status)
	}
}

func TestCreateBelowMinimumLeavesLedgerUnchanged(t *testing.T) {
	f := newFixture(t)
	f.create(t, 10, 1)
	_, err := f.ledger.CreateEscrow(context.Background(), CreateParams{
		Buyer: buyerID, Seller: sellerID, Amount: big.NewInt(1), Milestones: 1,
	})
	requireKind(t, err, ErrInsufficientDeposit)
	if f.ledger.Len() != 1 {
		t.Fatalf("expected ledger size 1, got %d", f.ledger.Len())
	}
}

func TestConcurrentApprovalsReleaseOnce(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		ctx := context.Background()
		f.create(t, 100, 3)
		if _, err := f.engine.MarkMilestoneComplete(ctx, 0, sellerID); err != nil {
			t.Fatalf("mark: %v", err)
		}

		var wg sync.WaitGroup
		start := make(chan struct{})
		results := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, results[i] = f.engine.ApproveMilestoneAt(ctx, 0, buyerID, 0)
			}(i)
		}
		close(start)
		wg.Wait()

		var ok, released int
		for _, err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyReleased):
				released++
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if ok != 1 || released != 1 {
			t.Fatalf("round %d: expected one success and one AlreadyReleased, got %v", round, results)
		}
		if n := len(f.settle.Transfers()); n != 1 {
			t.Fatalf("round %d: expected a single transfer, got %d", round, n)
		}
	}
}

func TestConcurrentTransitionsKeepInvariants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 1000, 5)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.engine.MarkMilestoneComplete(ctx, 0, sellerID)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.engine.ApproveMilestone(ctx, 0, buyerID)
		}()
	}
	wg.Wait()

	esc, _ := f.ledger.Get(0)
	if err := esc.Validate(); err != nil {
		t.Fatalf("invariants broken: %v", err)
	}
	paid := new(big.Int)
	for _, tr := range f.settle.Transfers() {
		paid.Add(paid, tr.Amount)
	}
	if paid.Cmp(esc.Released()) != 0 {
		t.Fatalf("settled %s but escrow reports %s released", paid, esc.Released())
	}
	if int64(esc.CurrentMilestone) != int64(len(f.settle.Transfers())) {
		t.Fatalf("current milestone %d does not match %d transfers", esc.CurrentMilestone, len(f.settle.Transfers()))
	}
}

func TestRoleGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 100, 2)

	_, err := f.engine.MarkMilestoneComplete(ctx, 0, buyerID)
	requireKind(t, err, ErrNotSeller)
	if _, err := f.engine.MarkMilestoneComplete(ctx, 0, sellerID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	_, err = f.engine.ApproveMilestone(ctx, 0, sellerID)
	requireKind(t, err, ErrNotBuyer)
	_, err = f.engine.RaiseDispute(ctx, 0, outsiderID)
	requireKind(t, err, ErrNotParty)
	_, err = f.engine.RaiseDispute(ctx, 0, arbitratorID)
	requireKind(t, err, ErrUnauthorized)

	if _, err := f.engine.RaiseDispute(ctx, 0, sellerID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	_, err = f.engine.ResolveDispute(ctx, 0, buyerID, false)
	requireKind(t, err, ErrNotArbitrator)
	_, err = f.engine.ApproveMilestone(ctx, 0, buyerID)
	requireKind(t, err, ErrInvalidState)

	_, err = f.engine.ApproveMilestone(ctx, 0, "not-an-identity")
	requireKind(t, err, ErrInvalidIdentity)
	_, err = f.engine.RaiseDispute(ctx, 42, buyerID)
	requireKind(t, err, ErrNotFound)
}

func TestStateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 100, 2)

	_, err := f.engine.ApproveMilestone(ctx, 0, buyerID)
	requireKind(t, err, ErrNotYetCompleted)
	_, err = f.engine.ResolveDispute(ctx, 0, arbitratorID, true)
	requireKind(t, err, ErrInvalidState)

	if _, err := f.engine.MarkMilestoneComplete(ctx, 0, sellerID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	_, err = f.engine.MarkMilestoneComplete(ctx, 0, sellerID)
	requireKind(t, err, ErrAlreadyCompleted)

	_, err = f.engine.ApproveMilestoneAt(ctx, 0, buyerID, 1)
	requireKind(t, err, ErrNotYetCompleted)
	_, err = f.engine.ApproveMilestoneAt(ctx, 0, buyerID, 5)
	requireKind(t, err, ErrIndexOutOfRange)
	_, err = f.engine.ApproveMilestoneAt(ctx, 0, buyerID, -1)
	requireKind(t, err, ErrIndexOutOfRange)

	if _, err := f.engine.ApproveMilestoneAt(ctx, 0, buyerID, 0); err != nil {
		t.Fatalf("approve: %v", err)
	}
	_, err = f.engine.ApproveMilestoneAt(ctx, 0, buyerID, 0)
	requireKind(t, err, ErrAlreadyReleased)
}

// A repeated unpinned approval acts on the next milestone, so it reports that
// milestone's state. A pinned repeat names the released milestone and reports
// AlreadyReleased, on the last milestone too.
func TestRepeatedApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 100, 2)

	completeAndApprove(t, f, 0)
	_, err := f.engine.ApproveMilestone(ctx, 0, buyerID)
	requireKind(t, err, ErrNotYetCompleted)

	last := completeAndApprove(t, f, 0)
	if last.Escrow.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", last.Escrow.Status)
	}
	_, err = f.engine.ApproveMilestone(ctx, 0, buyerID)
	requireKind(t, err, ErrInvalidState)
	_, err = f.engine.MarkMilestoneComplete(ctx, 0, sellerID)
	requireKind(t, err, ErrInvalidState)
	for _, index := range []int{0, 1} {
		_, err = f.engine.ApproveMilestoneAt(ctx, 0, buyerID, index)
		requireKind(t, err, ErrAlreadyReleased)
	}
	if n := len(f.settle.Transfers()); n != 2 {
		t.Fatalf("expected 2 transfers, got %d", n)
	}

	f.create(t, 100, 2)
	if _, err := f.engine.RaiseDispute(ctx, 1, buyerID); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if _, err := f.engine.ResolveDispute(ctx, 1, arbitratorID, false); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	_, err = f.engine.ApproveMilestoneAt(ctx, 1, buyerID, 0)
	requireKind(t, err, ErrInvalidState)
	_, err = f.engine.ApproveMilestone(ctx, 1, buyerID)
	requireKind(t, err, ErrInvalidState)
}

func TestSettlementFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, 100, 2)
	if _, err := f.engine.MarkMilestoneComplete(ctx, 0, sellerID); err != nil {
		t.Fatalf("mark: %v", err)
	}
	before, _ := f.ledger.Get(0)
	eventsBefore := len(f.recorder.Events())

	f.settle.setFail(errSettlementDown)
	_, err := f.engine.ApproveMilestone(ctx, 0, buyerID)
	requireKind(t, err, ErrSettlementFailure)
	if !IsTransient(err) {
		t.Fatalf("settlement failure must be transient")
	}

	after, _ := f.ledger.Get(0)
	if after.CurrentMilestone != before.CurrentMilestone || after.Released().Sign() != 0 || after.UpdatedAt != before.UpdatedAt {
		t.Fatalf("failed approval mutated the escrow: %+v", after)
	}
	if len(f.recorder.Events()) != eventsBefore {
		t.Fatalf("failed approval emitted events")
	}

	f.settle.setFail(nil)
	out, err := f.engine.ApproveMilestone(ctx, 0, buyerID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if out.Escrow.CurrentMilestone != 1 {
		t.Fatalf("retry did not advance the escrow")
	}
}

func TestSettlementTimeoutRollsBack(t *testing.T) {
	settle := &mockSettlement{}
	ledger, err := NewLedger(Config{
		MinimumDeposit:    big.NewInt(1),
		Arbitrator:        arbitratorID,
		SettlementTimeout: 20 * time.Millisecond,
	}, settle)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	engine := NewEngine(ledger)
	ctx := context.Background()
	if _, err := ledger.CreateEscrow(ctx, CreateParams{Buyer: buyerID, Seller: sellerID, Amount: big.NewInt(10), Milestones: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := engine.RaiseDispute(ctx, 0, buyerID); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	settle.mu.Lock()
	settle.delay = time.Second
	settle.mu.Unlock()
	_, err = engine.ResolveDispute(ctx, 0, arbitratorID, false)
	requireKind(t, err, ErrSettlementFailure)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded cause, got %v", err)
	}
	esc, _ := ledger.Get(0)
	if esc.Status != StatusDisputed || esc.Remaining().Int64() != 10 {
		t.Fatalf("timed out resolution changed state: %s remaining %s", esc.Status, esc.Remaining())
	}
}

func TestTransferIDsAreDeterministic(t *testing.T) {
	a := TransferID(3, TransferMilestoneRelease, 1)
	if a != TransferID(3, TransferMilestoneRelease, 1) {
		t.Fatalf("transfer id is not stable")
	}
	seen := map[string]struct{}{a: {}}
	for _, other := range []string{
		TransferID(4, TransferMilestoneRelease, 1),
		TransferID(3, TransferMilestoneRelease, 2),
		TransferID(3, TransferDisputeRefund, 1),
		TransferID(3, TransferDisputeRefund, -1),
		TransferID(3, TransferDisputeRelease, -1),
	} {
		if _, dup := seen[other]; dup {
			t.Fatalf("transfer id collision: %s", other)
		}
		seen[other] = struct{}{}
	}
}
