package escrow

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle state of an escrow.
type Status uint8

const (
	StatusActive    Status = 0x01 // Accepting milestone completion and approval
	StatusDisputed  Status = 0x02 // Frozen pending arbitration
	StatusResolved  Status = 0x03 // Settled by the arbitrator (terminal)
	StatusCompleted Status = 0x04 // Every milestone paid to the seller (terminal)
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusDisputed, StatusResolved, StatusCompleted:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is accepted.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusCompleted
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	case StatusCompleted:
		return "completed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(raw string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return StatusActive, nil
	case "disputed":
		return StatusDisputed, nil
	case "resolved":
		return StatusResolved, nil
	case "completed":
		return StatusCompleted, nil
	default:
		return 0, fmt.Errorf("escrow: unknown status %q", raw)
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: invalid status %d", s)
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Escrow is the aggregate state of a single milestone escrow. Buyer, Seller,
// Amount and the number of milestones are fixed at creation.
type Escrow struct {
	ID               uint64
	Buyer            Identity
	Seller           Identity
	Amount           *big.Int
	Status           Status
	CurrentMilestone int
	Milestones       *MilestoneSet
	CreatedAt        int64
	UpdatedAt        int64
}

// Clone returns a deep copy of the escrow so callers can mutate the copy
// without affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Amount = cloneBigInt(e.Amount)
	clone.Milestones = e.Milestones.Clone()
	return &clone
}

// Released returns the value paid out so far.
func (e *Escrow) Released() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	return e.Milestones.Released()
}

// Remaining returns the value still held for this escrow.
func (e *Escrow) Remaining() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	return e.Milestones.Remaining()
}

// HasParty reports whether id is the buyer or the seller.
func (e *Escrow) HasParty(id Identity) bool {
	return e != nil && (e.Buyer == id || e.Seller == id)
}

// Validate checks the accounting invariants that must hold after every
// committed transition.
func (e *Escrow) Validate() error {
	if e == nil {
		return fmt.Errorf("escrow: nil escrow")
	}
	if !e.Status.Valid() {
		return fmt.Errorf("escrow %d: invalid status %d", e.ID, e.Status)
	}
	if e.Amount == nil || e.Amount.Sign() < 0 {
		return fmt.Errorf("escrow %d: amount must be non-negative", e.ID)
	}
	if e.Buyer == e.Seller {
		return fmt.Errorf("escrow %d: buyer and seller must differ", e.ID)
	}
	n := e.Milestones.Len()
	if n < 1 {
		return fmt.Errorf("escrow %d: no milestones", e.ID)
	}
	if total := e.Milestones.Total(); total.Cmp(e.Amount) != 0 {
		return fmt.Errorf("escrow %d: milestones sum to %s, amount is %s", e.ID, total, e.Amount)
	}
	if e.Milestones.Released().Cmp(e.Amount) > 0 {
		return fmt.Errorf("escrow %d: released value exceeds amount", e.ID)
	}
	if e.CurrentMilestone < 0 || e.CurrentMilestone > n {
		return fmt.Errorf("escrow %d: current milestone %d out of range", e.ID, e.CurrentMilestone)
	}
	if e.Status.Terminal() && !e.Milestones.AllReleased() {
		return fmt.Errorf("escrow %d: %s with unreleased milestones", e.ID, e.Status)
	}
	return nil
}
