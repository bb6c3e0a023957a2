package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"escrowledger/native/escrow"
	"escrowledger/storage"
)

var (
	escrowPrefix   = []byte("escrow/")
	transferPrefix = []byte("transfer/")
)

func escrowKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", escrowPrefix, id))
}

func transferKey(id string) []byte {
	return append(append([]byte(nil), transferPrefix...), id...)
}

// KV journals escrow snapshots into a key-value database. A commit writes the
// new snapshot before settlement and restores the previous one if settlement
// fails.
type KV struct {
	db storage.Database
}

// NewKV wraps db.
func NewKV(db storage.Database) *KV {
	return &KV{db: db}
}

// Commit implements escrow.Journal.
func (j *KV) Commit(ctx context.Context, next *escrow.Escrow, transfer *escrow.Transfer, settle func(context.Context) error) error {
	key := escrowKey(next.ID)
	prev, err := j.db.Get(key)
	hadPrev := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("read escrow %d: %w", next.ID, err)
	}
	data, err := json.Marshal(encodeEscrow(next))
	if err != nil {
		return err
	}
	if err := j.db.Put(key, data); err != nil {
		return fmt.Errorf("write escrow %d: %w", next.ID, err)
	}
	var tkey []byte
	if transfer != nil {
		tkey = transferKey(transfer.ID)
		if _, err := j.db.Get(tkey); err == nil {
			j.rollback(key, prev, hadPrev, nil)
			return fmt.Errorf("transfer %s already journaled", transfer.ID)
		}
		payload, err := json.Marshal(encodeTransfer(transfer))
		if err != nil {
			j.rollback(key, prev, hadPrev, nil)
			return err
		}
		if err := j.db.Put(tkey, payload); err != nil {
			j.rollback(key, prev, hadPrev, nil)
			return fmt.Errorf("write transfer %s: %w", transfer.ID, err)
		}
	}
	if err := settle(ctx); err != nil {
		if rbErr := j.rollback(key, prev, hadPrev, tkey); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback escrow %d: %w", next.ID, rbErr))
		}
		return err
	}
	return nil
}

func (j *KV) rollback(key, prev []byte, hadPrev bool, tkey []byte) error {
	var errs []error
	if tkey != nil {
		errs = append(errs, j.db.Delete(tkey))
	}
	if hadPrev {
		errs = append(errs, j.db.Put(key, prev))
	} else {
		errs = append(errs, j.db.Delete(key))
	}
	return errors.Join(errs...)
}

// Load returns every journaled escrow in id order.
func (j *KV) Load(ctx context.Context) ([]*escrow.Escrow, error) {
	var out []*escrow.Escrow
	err := j.db.ForEach(escrowPrefix, func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var snap snapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			return err
		}
		rec, err := decodeEscrow(snap)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadTransfers returns every journaled payout ordered by escrow and milestone.
func (j *KV) LoadTransfers(ctx context.Context) ([]escrow.Transfer, error) {
	var out []escrow.Transfer
	err := j.db.ForEach(transferPrefix, func(_, value []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var snap transferSnapshot
		if err := json.Unmarshal(value, &snap); err != nil {
			return err
		}
		t, err := decodeTransfer(snap)
		if err != nil {
			return err
		}
		out = append(out, t)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTransfers(out)
	return out, nil
}

// Close releases the underlying database.
func (j *KV) Close() error {
	return j.db.Close()
}
