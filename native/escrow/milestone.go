package escrow

import (
	"fmt"
	"math/big"
)

// Milestone is one tranche of an escrow. CompletedBySeller is set when the
// seller declares the work done; Released is set when the tranche is paid.
// Neither flag ever reverts.
type Milestone struct {
	Index             int      `json:"index"`
	Amount            *big.Int `json:"amount"`
	CompletedBySeller bool     `json:"completedBySeller"`
	Released          bool     `json:"released"`
}

// Clone returns a deep copy of the milestone.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	clone.Amount = cloneBigInt(m.Amount)
	return &clone
}

// MilestoneSet is the ordered, fixed-length collection of milestones that
// partitions an escrow's amount.
type MilestoneSet struct {
	items []*Milestone
}

// NewMilestoneSet splits total into count shares of total/count each, with the
// integer division remainder added to the final share so the shares always sum
// to total exactly.
func NewMilestoneSet(total *big.Int, count int) (*MilestoneSet, error) {
	if count < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMilestoneCount, count)
	}
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("%w: amount must be non-negative", ErrValidation)
	}
	share, rem := new(big.Int).QuoRem(total, big.NewInt(int64(count)), new(big.Int))
	items := make([]*Milestone, count)
	for i := range items {
		amount := new(big.Int).Set(share)
		if i == count-1 {
			amount.Add(amount, rem)
		}
		items[i] = &Milestone{Index: i, Amount: amount}
	}
	return &MilestoneSet{items: items}, nil
}

// RestoreMilestoneSet rebuilds a set from persisted milestones. Indices are
// reassigned from slice order.
func RestoreMilestoneSet(items []Milestone) (*MilestoneSet, error) {
	if len(items) == 0 {
		return nil, ErrInvalidMilestoneCount
	}
	set := &MilestoneSet{items: make([]*Milestone, len(items))}
	for i := range items {
		m := items[i].Clone()
		if m.Amount == nil || m.Amount.Sign() < 0 {
			return nil, fmt.Errorf("%w: milestone %d amount must be non-negative", ErrValidation, i)
		}
		m.Index = i
		set.items[i] = m
	}
	return set, nil
}

// Len returns the fixed number of milestones.
func (s *MilestoneSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// At returns a copy of the milestone at index i.
func (s *MilestoneSet) At(i int) (*Milestone, error) {
	m, err := s.get(i)
	if err != nil {
		return nil, err
	}
	return m.Clone(), nil
}

func (s *MilestoneSet) get(i int) (*Milestone, error) {
	if i < 0 || i >= s.Len() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, i, s.Len())
	}
	return s.items[i], nil
}

// MarkCompleted records the seller's completion declaration for milestone i.
func (s *MilestoneSet) MarkCompleted(i int) error {
	m, err := s.get(i)
	if err != nil {
		return err
	}
	if m.Released {
		return fmt.Errorf("%w: milestone %d", ErrAlreadyReleased, i)
	}
	if m.CompletedBySeller {
		return fmt.Errorf("%w: milestone %d", ErrAlreadyCompleted, i)
	}
	m.CompletedBySeller = true
	return nil
}

// Release flips milestone i to released and returns its amount.
func (s *MilestoneSet) Release(i int) (*big.Int, error) {
	m, err := s.get(i)
	if err != nil {
		return nil, err
	}
	if m.Released {
		return nil, fmt.Errorf("%w: milestone %d", ErrAlreadyReleased, i)
	}
	m.Released = true
	return cloneBigInt(m.Amount), nil
}

// ReleaseRemaining releases every unreleased milestone and returns the sum of
// their amounts.
func (s *MilestoneSet) ReleaseRemaining() *big.Int {
	total := new(big.Int)
	if s == nil {
		return total
	}
	for _, m := range s.items {
		if m.Released {
			continue
		}
		m.Released = true
		total.Add(total, m.Amount)
	}
	return total
}

// Total returns the sum of all milestone amounts.
func (s *MilestoneSet) Total() *big.Int {
	return s.sum(func(*Milestone) bool { return true })
}

// Released returns the sum of released milestone amounts.
func (s *MilestoneSet) Released() *big.Int {
	return s.sum(func(m *Milestone) bool { return m.Released })
}

// Remaining returns the sum of unreleased milestone amounts.
func (s *MilestoneSet) Remaining() *big.Int {
	return s.sum(func(m *Milestone) bool { return !m.Released })
}

// AllReleased reports whether every milestone has been released.
func (s *MilestoneSet) AllReleased() bool {
	if s == nil {
		return false
	}
	for _, m := range s.items {
		if !m.Released {
			return false
		}
	}
	return true
}

// Snapshot returns value copies of every milestone in order.
func (s *MilestoneSet) Snapshot() []Milestone {
	if s == nil {
		return nil
	}
	out := make([]Milestone, len(s.items))
	for i, m := range s.items {
		out[i] = *m.Clone()
	}
	return out
}

// Clone returns a deep copy of the set.
func (s *MilestoneSet) Clone() *MilestoneSet {
	if s == nil {
		return nil
	}
	clone := &MilestoneSet{items: make([]*Milestone, len(s.items))}
	for i, m := range s.items {
		clone.items[i] = m.Clone()
	}
	return clone
}

func (s *MilestoneSet) sum(include func(*Milestone) bool) *big.Int {
	total := new(big.Int)
	if s == nil {
		return total
	}
	for _, m := range s.items {
		if include(m) {
			total.Add(total, m.Amount)
		}
	}
	return total
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
