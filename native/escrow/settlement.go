package escrow

import (
	"context"
	"encoding/binary"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// TransferKind describes why value leaves an escrow.
type TransferKind string

const (
	TransferMilestoneRelease TransferKind = "milestone_release"
	TransferDisputeRelease   TransferKind = "dispute_release"
	TransferDisputeRefund    TransferKind = "dispute_refund"
)

// resolutionIndex is the milestone index recorded on dispute transfers, which
// cover every unreleased milestone at once.
const resolutionIndex = -1

// Transfer is an authorised movement of value from an escrow's held funds to a
// recipient. ID is derived from (escrow, kind, milestone) so the same payout
// always carries the same ID.
type Transfer struct {
	ID        string       `json:"id"`
	EscrowID  uint64       `json:"escrowId"`
	Kind      TransferKind `json:"kind"`
	Milestone int          `json:"milestone"`
	Recipient Identity     `json:"recipient"`
	Amount    *big.Int     `json:"amount"`
}

// Clone returns a deep copy of the transfer.
func (t *Transfer) Clone() *Transfer {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	return &clone
}

func newTransfer(escrowID uint64, kind TransferKind, milestone int, recipient Identity, amount *big.Int) *Transfer {
	return &Transfer{
		ID:        TransferID(escrowID, kind, milestone),
		EscrowID:  escrowID,
		Kind:      kind,
		Milestone: milestone,
		Recipient: recipient,
		Amount:    cloneBigInt(amount),
	}
}

// TransferID returns the deterministic identifier for a payout.
func TransferID(escrowID uint64, kind TransferKind, milestone int) string {
	var id, idx [8]byte
	binary.BigEndian.PutUint64(id[:], escrowID)
	binary.BigEndian.PutUint64(idx[:], uint64(int64(milestone)))
	return ethcrypto.Keccak256Hash([]byte("escrow-transfer"), id[:], []byte(kind), idx[:]).Hex()
}

// Deposit asks the settlement layer to take Amount from From and hold it on
// behalf of EscrowID.
type Deposit struct {
	EscrowID uint64
	From     Identity
	Amount   *big.Int
}

// Settlement moves value. Both calls either complete in full or fail with no
// effect; a Transfer is irrevocable once it returns nil.
type Settlement interface {
	Deposit(ctx context.Context, d Deposit) error
	Transfer(ctx context.Context, t Transfer) error
}

// Journal durably records committed escrow state. Commit writes next (and
// transfer, when non-nil), then runs settle inside the same write; an error
// from settle must leave the journal unchanged.
type Journal interface {
	Commit(ctx context.Context, next *Escrow, transfer *Transfer, settle func(context.Context) error) error
}

type memoryJournal struct{}

func (memoryJournal) Commit(ctx context.Context, _ *Escrow, _ *Transfer, settle func(context.Context) error) error {
	return settle(ctx)
}
