package escrow

import (
	"strconv"

	"escrowledger/core/types"
)

const (
	EventTypeEscrowCreated      = "escrow.created"
	EventTypeMilestoneCompleted = "escrow.milestone_completed"
	EventTypeMilestoneReleased  = "escrow.milestone_released"
	EventTypeEscrowCompleted    = "escrow.completed"
	EventTypeEscrowDisputed     = "escrow.disputed"
	EventTypeEscrowResolved     = "escrow.resolved"
)

type escrowEvent struct {
	evt *types.Event
}

func (e escrowEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e escrowEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the canonical payload for a newly created escrow.
func NewCreatedEvent(e *Escrow) *types.Event { return newEscrowEvent(EventTypeEscrowCreated, e, nil) }

// NewMilestoneCompletedEvent returns the payload emitted when the seller marks
// the current milestone complete.
func NewMilestoneCompletedEvent(e *Escrow, milestone int) *types.Event {
	evt := newEscrowEvent(EventTypeMilestoneCompleted, e, nil)
	evt.Attributes["milestone"] = strconv.Itoa(milestone)
	return evt
}

// NewMilestoneReleasedEvent returns the payload for a milestone payout.
func NewMilestoneReleasedEvent(e *Escrow, t *Transfer) *types.Event {
	return newEscrowEvent(EventTypeMilestoneReleased, e, t)
}

// NewCompletedEvent returns the payload emitted once every milestone is paid.
func NewCompletedEvent(e *Escrow) *types.Event {
	return newEscrowEvent(EventTypeEscrowCompleted, e, nil)
}

// NewDisputedEvent returns the payload emitted when a party raises a dispute.
func NewDisputedEvent(e *Escrow, by Identity) *types.Event {
	evt := newEscrowEvent(EventTypeEscrowDisputed, e, nil)
	evt.Attributes["raisedBy"] = by.String()
	return evt
}

// NewResolvedEvent returns the payload emitted when the arbitrator settles a
// dispute.
func NewResolvedEvent(e *Escrow, t *Transfer) *types.Event {
	return newEscrowEvent(EventTypeEscrowResolved, e, t)
}

func newEscrowEvent(eventType string, e *Escrow, t *Transfer) *types.Event {
	attrs := make(map[string]string)
	if e == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["id"] = strconv.FormatUint(e.ID, 10)
	attrs["buyer"] = e.Buyer.String()
	attrs["seller"] = e.Seller.String()
	attrs["amount"] = cloneBigInt(e.Amount).String()
	attrs["status"] = e.Status.String()
	attrs["currentMilestone"] = strconv.Itoa(e.CurrentMilestone)
	attrs["milestones"] = strconv.Itoa(e.Milestones.Len())
	attrs["released"] = e.Released().String()
	if t != nil {
		attrs["transferId"] = t.ID
		attrs["transferKind"] = string(t.Kind)
		attrs["recipient"] = t.Recipient.String()
		attrs["transferAmount"] = cloneBigInt(t.Amount).String()
		if t.Milestone >= 0 {
			attrs["milestone"] = strconv.Itoa(t.Milestone)
		}
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}
