package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"escrowledger/core/types"
)

// Outcome is the result of a committed transition: the escrow as it stands
// after the commit and the transfer it authorised, if any.
type Outcome struct {
	Escrow   *Escrow
	Transfer *Transfer
}

// Engine validates and applies actor-initiated transitions against escrows held
// by a ledger.
type Engine struct {
	ledger *Ledger
}

// NewEngine binds an engine to the ledger it mutates.
func NewEngine(ledger *Ledger) *Engine {
	return &Engine{ledger: ledger}
}

// Ledger returns the registry the engine operates on.
func (e *Engine) Ledger() *Ledger { return e.ledger }

type mutation func(next *Escrow) (*Transfer, []*types.Event, error)

// apply runs one transition under the escrow's lock. The mutation works on a
// clone; the clone replaces the stored record only after the journal and the
// settlement layer have both accepted it. Stored records are never mutated in
// place.
func (e *Engine) apply(ctx context.Context, op string, id uint64, mutate mutation) (*Outcome, error) {
	l := e.ledger
	ent, err := l.lookup(id)
	if err != nil {
		l.metrics.RecordTransition(op, ErrorKind(err))
		return nil, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()

	next := ent.escrow.Clone()
	transfer, evts, err := mutate(next)
	if err != nil {
		l.metrics.RecordTransition(op, ErrorKind(err))
		return nil, err
	}
	next.UpdatedAt = l.now()
	if err := next.Validate(); err != nil {
		l.metrics.RecordTransition(op, ErrorKind(err))
		return nil, fmt.Errorf("escrow %d: %s would break invariants: %w", id, op, err)
	}
	err = l.commit(ctx, next, transfer, func(ctx context.Context) error {
		if transfer == nil {
			return nil
		}
		return l.settlement.Transfer(ctx, *transfer.Clone())
	})
	if err != nil {
		l.metrics.RecordTransition(op, ErrorKind(err))
		return nil, err
	}
	ent.escrow = next

	l.metrics.RecordTransition(op, ErrorKind(nil))
	if transfer != nil {
		l.metrics.RecordReleased(string(transfer.Kind), transfer.Amount)
	}
	for _, evt := range evts {
		l.emit(evt)
	}
	attrs := []any{
		slog.String("op", op),
		slog.Uint64("escrow", id),
		slog.String("status", next.Status.String()),
		slog.Int("currentMilestone", next.CurrentMilestone),
	}
	if transfer != nil {
		attrs = append(attrs, slog.String("transfer", transfer.ID), slog.String("amount", transfer.Amount.String()))
	}
	l.logger.Info("escrow transition committed", attrs...)
	return &Outcome{Escrow: next.Clone(), Transfer: transfer.Clone()}, nil
}

func requireStatus(esc *Escrow, want Status) error {
	if esc.Status != want {
		return fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, esc.ID, esc.Status)
	}
	return nil
}

// MarkMilestoneComplete records the seller's declaration that the current
// milestone is done. No value moves.
func (e *Engine) MarkMilestoneComplete(ctx context.Context, id uint64, actor Identity) (*Outcome, error) {
	actor, err := actor.canonical()
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, "complete", id, func(next *Escrow) (*Transfer, []*types.Event, error) {
		if err := requireStatus(next, StatusActive); err != nil {
			return nil, nil, err
		}
		if actor != next.Seller {
			return nil, nil, ErrNotSeller
		}
		if next.CurrentMilestone >= next.Milestones.Len() {
			return nil, nil, ErrNoMilestonesRemaining
		}
		index := next.CurrentMilestone
		if err := next.Milestones.MarkCompleted(index); err != nil {
			return nil, nil, err
		}
		return nil, []*types.Event{NewMilestoneCompletedEvent(next, index)}, nil
	})
}

// ApproveMilestone releases the current milestone to the seller.
func (e *Engine) ApproveMilestone(ctx context.Context, id uint64, actor Identity) (*Outcome, error) {
	return e.approve(ctx, id, actor, -1)
}

// ApproveMilestoneAt releases milestone index to the seller. Unlike
// ApproveMilestone it names the milestone the caller intends to pay, so a
// repeated or concurrent approval of the same milestone reports
// ErrAlreadyReleased instead of acting on the next milestone.
func (e *Engine) ApproveMilestoneAt(ctx context.Context, id uint64, actor Identity, index int) (*Outcome, error) {
	if index < 0 {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return e.approve(ctx, id, actor, index)
}

func (e *Engine) approve(ctx context.Context, id uint64, actor Identity, index int) (*Outcome, error) {
	actor, err := actor.canonical()
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, "approve", id, func(next *Escrow) (*Transfer, []*types.Event, error) {
		if next.Status == StatusDisputed || next.Status == StatusResolved {
			return nil, nil, fmt.Errorf("%w: escrow %d is %s", ErrInvalidState, next.ID, next.Status)
		}
		if actor != next.Buyer {
			return nil, nil, ErrNotBuyer
		}
		if index < 0 {
			if err := requireStatus(next, StatusActive); err != nil {
				return nil, nil, err
			}
			index = next.CurrentMilestone
		}
		milestone, err := next.Milestones.At(index)
		if err != nil {
			return nil, nil, err
		}
		if milestone.Released {
			return nil, nil, fmt.Errorf("%w: milestone %d", ErrAlreadyReleased, index)
		}
		if err := requireStatus(next, StatusActive); err != nil {
			return nil, nil, err
		}
		if index != next.CurrentMilestone || !milestone.CompletedBySeller {
			return nil, nil, fmt.Errorf("%w: milestone %d", ErrNotYetCompleted, index)
		}
		amount, err := next.Milestones.Release(index)
		if err != nil {
			return nil, nil, err
		}
		next.CurrentMilestone++
		if next.Milestones.AllReleased() {
			next.Status = StatusCompleted
		}
		transfer := newTransfer(next.ID, TransferMilestoneRelease, index, next.Seller, amount)
		evts := []*types.Event{NewMilestoneReleasedEvent(next, transfer)}
		if next.Status == StatusCompleted {
			evts = append(evts, NewCompletedEvent(next))
		}
		return transfer, evts, nil
	})
}

// RaiseDispute freezes an active escrow pending arbitration.
func (e *Engine) RaiseDispute(ctx context.Context, id uint64, actor Identity) (*Outcome, error) {
	actor, err := actor.canonical()
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, "dispute", id, func(next *Escrow) (*Transfer, []*types.Event, error) {
		if err := requireStatus(next, StatusActive); err != nil {
			return nil, nil, err
		}
		if !next.HasParty(actor) {
			return nil, nil, ErrNotParty
		}
		next.Status = StatusDisputed
		return nil, []*types.Event{NewDisputedEvent(next, actor)}, nil
	})
}

// ResolveDispute pays everything still held to the seller when paySeller is
// true, otherwise refunds it to the buyer. Only the ledger's arbitrator may
// call it and the escrow becomes terminal.
func (e *Engine) ResolveDispute(ctx context.Context, id uint64, actor Identity, paySeller bool) (*Outcome, error) {
	actor, err := actor.canonical()
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, "resolve", id, func(next *Escrow) (*Transfer, []*types.Event, error) {
		if err := requireStatus(next, StatusDisputed); err != nil {
			return nil, nil, err
		}
		if actor != e.ledger.Arbitrator() {
			return nil, nil, ErrNotArbitrator
		}
		remaining := next.Milestones.ReleaseRemaining()
		next.Status = StatusResolved
		kind, recipient := TransferDisputeRefund, next.Buyer
		if paySeller {
			kind, recipient = TransferDisputeRelease, next.Seller
		}
		var transfer *Transfer
		if remaining.Sign() > 0 {
			transfer = newTransfer(next.ID, kind, resolutionIndex, recipient, remaining)
		}
		return transfer, []*types.Event{NewResolvedEvent(next, transfer)}, nil
	})
}
