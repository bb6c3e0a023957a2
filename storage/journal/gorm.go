package journal

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"escrowledger/native/escrow"
)

// EscrowRow is the relational form of an escrow record.
type EscrowRow struct {
	ID               uint64         `gorm:"primaryKey;autoIncrement:false"`
	Buyer            string         `gorm:"size:42;index"`
	Seller           string         `gorm:"size:42;index"`
	Amount           string         `gorm:"not null"`
	Status           string         `gorm:"size:16;index"`
	CurrentMilestone int            `gorm:"not null"`
	CreatedAt        int64          `gorm:"autoCreateTime:false"`
	UpdatedAt        int64          `gorm:"autoUpdateTime:false"`
	Milestones       []MilestoneRow `gorm:"foreignKey:EscrowID"`
}

// TableName pins the table name.
func (EscrowRow) TableName() string { return "escrows" }

// MilestoneRow stores one milestone of an escrow.
type MilestoneRow struct {
	EscrowID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	Position          int    `gorm:"primaryKey;autoIncrement:false"`
	Amount            string `gorm:"not null"`
	CompletedBySeller bool
	Released          bool
}

// TableName pins the table name.
func (MilestoneRow) TableName() string { return "escrow_milestones" }

// TransferRow records a payout authorised by a committed transition. The
// primary key is the deterministic transfer id so a payout is journaled once.
type TransferRow struct {
	ID        string `gorm:"primaryKey;size:66"`
	EscrowID  uint64 `gorm:"index"`
	Kind      string `gorm:"size:32"`
	Milestone int
	Recipient string `gorm:"size:42;index"`
	Amount    string `gorm:"not null"`
	CreatedAt time.Time
}

// TableName pins the table name.
func (TransferRow) TableName() string { return "escrow_transfers" }

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&EscrowRow{}, &MilestoneRow{}, &TransferRow{})
}

// SQL journals escrows into a relational database through gorm. Settlement
// runs inside the write transaction, so a failed settlement rolls back the
// record and the transfer row together.
type SQL struct {
	db *gorm.DB
}

// NewSQL wraps an open gorm handle. Call AutoMigrate first.
func NewSQL(db *gorm.DB) *SQL {
	return &SQL{db: db}
}

// Commit implements escrow.Journal.
func (j *SQL) Commit(ctx context.Context, next *escrow.Escrow, transfer *escrow.Transfer, settle func(context.Context) error) error {
	row := toRow(next)
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Omit(clause.Associations).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert escrow %d: %w", next.ID, err)
		}
		if len(row.Milestones) > 0 {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row.Milestones).Error; err != nil {
				return fmt.Errorf("upsert milestones of escrow %d: %w", next.ID, err)
			}
		}
		if transfer != nil {
			snap := encodeTransfer(transfer)
			trow := TransferRow{
				ID:        snap.ID,
				EscrowID:  snap.EscrowID,
				Kind:      snap.Kind,
				Milestone: snap.Milestone,
				Recipient: snap.Recipient,
				Amount:    snap.Amount,
			}
			if err := tx.Create(&trow).Error; err != nil {
				return fmt.Errorf("insert transfer %s: %w", snap.ID, err)
			}
		}
		return settle(ctx)
	})
}

// Load returns every journaled escrow in id order.
func (j *SQL) Load(ctx context.Context) ([]*escrow.Escrow, error) {
	var rows []EscrowRow
	err := j.db.WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*escrow.Escrow, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeEscrow(fromRow(row))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Transfers returns the journaled payouts of one escrow in insertion order.
func (j *SQL) Transfers(ctx context.Context, escrowID uint64) ([]TransferRow, error) {
	var rows []TransferRow
	err := j.db.WithContext(ctx).Where("escrow_id = ?", escrowID).Order("created_at ASC").Find(&rows).Error
	return rows, err
}

// LoadTransfers returns every journaled payout ordered by escrow and milestone.
func (j *SQL) LoadTransfers(ctx context.Context) ([]escrow.Transfer, error) {
	var rows []TransferRow
	if err := j.db.WithContext(ctx).Order("escrow_id ASC").Order("milestone ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]escrow.Transfer, 0, len(rows))
	for _, row := range rows {
		t, err := decodeTransfer(transferSnapshot{
			ID:        row.ID,
			EscrowID:  row.EscrowID,
			Kind:      row.Kind,
			Milestone: row.Milestone,
			Recipient: row.Recipient,
			Amount:    row.Amount,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Close releases the connection pool.
func (j *SQL) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(e *escrow.Escrow) EscrowRow {
	snap := encodeEscrow(e)
	row := EscrowRow{
		ID:               snap.ID,
		Buyer:            snap.Buyer,
		Seller:           snap.Seller,
		Amount:           snap.Amount,
		Status:           snap.Status,
		CurrentMilestone: snap.CurrentMilestone,
		CreatedAt:        snap.CreatedAt,
		UpdatedAt:        snap.UpdatedAt,
	}
	for i, m := range snap.Milestones {
		row.Milestones = append(row.Milestones, MilestoneRow{
			EscrowID:          snap.ID,
			Position:          i,
			Amount:            m.Amount,
			CompletedBySeller: m.CompletedBySeller,
			Released:          m.Released,
		})
	}
	return row
}

func fromRow(row EscrowRow) snapshot {
	snap := snapshot{
		ID:               row.ID,
		Buyer:            row.Buyer,
		Seller:           row.Seller,
		Amount:           row.Amount,
		Status:           row.Status,
		CurrentMilestone: row.CurrentMilestone,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	for _, m := range row.Milestones {
		snap.Milestones = append(snap.Milestones, milestoneSnapshot{
			Amount:            m.Amount,
			CompletedBySeller: m.CompletedBySeller,
			Released:          m.Released,
		})
	}
	return snap
}
