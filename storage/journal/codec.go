package journal

import (
	"fmt"
	"math/big"
	"sort"

	"escrowledger/native/escrow"
)

// snapshot is the persisted form of an escrow. Amounts are decimal strings so
// the encoding never loses precision.
type snapshot struct {
	ID               uint64              `json:"id"`
	Buyer            string              `json:"buyer"`
	Seller           string              `json:"seller"`
	Amount           string              `json:"amount"`
	Status           string              `json:"status"`
	CurrentMilestone int                 `json:"currentMilestone"`
	Milestones       []milestoneSnapshot `json:"milestones"`
	CreatedAt        int64               `json:"createdAt"`
	UpdatedAt        int64               `json:"updatedAt"`
}

type milestoneSnapshot struct {
	Amount            string `json:"amount"`
	CompletedBySeller bool   `json:"completedBySeller"`
	Released          bool   `json:"released"`
}

type transferSnapshot struct {
	ID        string `json:"id"`
	EscrowID  uint64 `json:"escrowId"`
	Kind      string `json:"kind"`
	Milestone int    `json:"milestone"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

func encodeEscrow(e *escrow.Escrow) snapshot {
	snap := snapshot{
		ID:               e.ID,
		Buyer:            e.Buyer.String(),
		Seller:           e.Seller.String(),
		Amount:           e.Amount.String(),
		Status:           e.Status.String(),
		CurrentMilestone: e.CurrentMilestone,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
	for _, m := range e.Milestones.Snapshot() {
		snap.Milestones = append(snap.Milestones, milestoneSnapshot{
			Amount:            m.Amount.String(),
			CompletedBySeller: m.CompletedBySeller,
			Released:          m.Released,
		})
	}
	return snap
}

func decodeEscrow(snap snapshot) (*escrow.Escrow, error) {
	buyer, err := escrow.ParseIdentity(snap.Buyer)
	if err != nil {
		return nil, fmt.Errorf("escrow %d buyer: %w", snap.ID, err)
	}
	seller, err := escrow.ParseIdentity(snap.Seller)
	if err != nil {
		return nil, fmt.Errorf("escrow %d seller: %w", snap.ID, err)
	}
	amount, err := parseAmount(snap.Amount)
	if err != nil {
		return nil, fmt.Errorf("escrow %d amount: %w", snap.ID, err)
	}
	status, err := escrow.ParseStatus(snap.Status)
	if err != nil {
		return nil, fmt.Errorf("escrow %d: %w", snap.ID, err)
	}
	items := make([]escrow.Milestone, len(snap.Milestones))
	for i, m := range snap.Milestones {
		value, err := parseAmount(m.Amount)
		if err != nil {
			return nil, fmt.Errorf("escrow %d milestone %d: %w", snap.ID, i, err)
		}
		items[i] = escrow.Milestone{
			Index:             i,
			Amount:            value,
			CompletedBySeller: m.CompletedBySeller,
			Released:          m.Released,
		}
	}
	set, err := escrow.RestoreMilestoneSet(items)
	if err != nil {
		return nil, fmt.Errorf("escrow %d: %w", snap.ID, err)
	}
	return &escrow.Escrow{
		ID:               snap.ID,
		Buyer:            buyer,
		Seller:           seller,
		Amount:           amount,
		Status:           status,
		CurrentMilestone: snap.CurrentMilestone,
		Milestones:       set,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        snap.UpdatedAt,
	}, nil
}

func encodeTransfer(t *escrow.Transfer) transferSnapshot {
	return transferSnapshot{
		ID:        t.ID,
		EscrowID:  t.EscrowID,
		Kind:      string(t.Kind),
		Milestone: t.Milestone,
		Recipient: t.Recipient.String(),
		Amount:    t.Amount.String(),
	}
}

func decodeTransfer(snap transferSnapshot) (escrow.Transfer, error) {
	recipient, err := escrow.ParseIdentity(snap.Recipient)
	if err != nil {
		return escrow.Transfer{}, fmt.Errorf("transfer %s recipient: %w", snap.ID, err)
	}
	amount, err := parseAmount(snap.Amount)
	if err != nil {
		return escrow.Transfer{}, fmt.Errorf("transfer %s amount: %w", snap.ID, err)
	}
	return escrow.Transfer{
		ID:        snap.ID,
		EscrowID:  snap.EscrowID,
		Kind:      escrow.TransferKind(snap.Kind),
		Milestone: snap.Milestone,
		Recipient: recipient,
		Amount:    amount,
	}, nil
}

// sortTransfers orders payouts by escrow, then milestone.
func sortTransfers(out []escrow.Transfer) {
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].EscrowID != out[j].EscrowID {
			return out[i].EscrowID < out[j].EscrowID
		}
		return out[i].Milestone < out[j].Milestone
	})
}

func parseAmount(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}
