package routes

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"escrowledger/native/escrow"
)

type createEscrowRequest struct {
	Seller     string  `json:"seller"`
	Amount     string  `json:"amount"`
	Milestones int     `json:"milestones"`
	Value      *string `json:"value,omitempty"`
}

type approveRequest struct {
	// Milestone pins the approval to one milestone; omitted means the current one.
	Milestone *int `json:"milestone,omitempty"`
}

type resolveRequest struct {
	PaySeller *bool `json:"paySeller"`
}

type milestoneResponse struct {
	Index             int    `json:"index"`
	Amount            string `json:"amount"`
	CompletedBySeller bool   `json:"completedBySeller"`
	Released          bool   `json:"released"`
}

type escrowResponse struct {
	ID               uint64              `json:"id"`
	Buyer            string              `json:"buyer"`
	Seller           string              `json:"seller"`
	Amount           string              `json:"amount"`
	Status           string              `json:"status"`
	CurrentMilestone int                 `json:"currentMilestone"`
	MilestoneCount   int                 `json:"milestoneCount"`
	Released         string              `json:"released"`
	Remaining        string              `json:"remaining"`
	Milestones       []milestoneResponse `json:"milestones"`
	CreatedAt        int64               `json:"createdAt"`
	UpdatedAt        int64               `json:"updatedAt"`
}

type transferResponse struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Milestone *int   `json:"milestone,omitempty"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type outcomeResponse struct {
	Escrow   escrowResponse    `json:"escrow"`
	Transfer *transferResponse `json:"transfer,omitempty"`
}

type idsResponse struct {
	Identity string   `json:"identity"`
	Escrows  []uint64 `json:"escrows"`
}

func milestonesFrom(ms []escrow.Milestone) []milestoneResponse {
	out := make([]milestoneResponse, len(ms))
	for i, m := range ms {
		out[i] = milestoneResponse{
			Index:             m.Index,
			Amount:            m.Amount.String(),
			CompletedBySeller: m.CompletedBySeller,
			Released:          m.Released,
		}
	}
	return out
}

func escrowFrom(e *escrow.Escrow) escrowResponse {
	return escrowResponse{
		ID:               e.ID,
		Buyer:            e.Buyer.String(),
		Seller:           e.Seller.String(),
		Amount:           e.Amount.String(),
		Status:           e.Status.String(),
		CurrentMilestone: e.CurrentMilestone,
		MilestoneCount:   e.Milestones.Len(),
		Released:         e.Released().String(),
		Remaining:        e.Remaining().String(),
		Milestones:       milestonesFrom(e.Milestones.Snapshot()),
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func outcomeFrom(o *escrow.Outcome) outcomeResponse {
	resp := outcomeResponse{Escrow: escrowFrom(o.Escrow)}
	if t := o.Transfer; t != nil {
		tr := &transferResponse{
			ID:        t.ID,
			Kind:      string(t.Kind),
			Recipient: t.Recipient.String(),
			Amount:    t.Amount.String(),
		}
		if t.Milestone >= 0 {
			idx := t.Milestone
			tr.Milestone = &idx
		}
		resp.Transfer = tr
	}
	return resp
}

// parseAmount reads a non-negative decimal amount of at most 256 bits.
func parseAmount(field, raw string) (*big.Int, error) {
	value, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s %q: %v", escrow.ErrValidation, field, raw, err)
	}
	return value.ToBig(), nil
}
