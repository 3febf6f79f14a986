package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// PassConfig represents the single-row pass_config table. The fixed primary
// key keeps a second row from ever appearing.
type PassConfig struct {
	ConfigID            int       `gorm:"primaryKey"`
	Owner               string    `gorm:"not null"`
	Treasury            string    `gorm:"not null"`
	PassPrice           int64     `gorm:"not null"`
	UsageFee            int64     `gorm:"not null"`
	FeeSplitBps         int64     `gorm:"not null"`
	ReferralDiscountBps int64     `gorm:"not null"`
	PassDurationBlocks  int64     `gorm:"not null"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (PassConfig) TableName() string { return "pass_config" }

// Pass mirrors the passes table, one row per subject.
type Pass struct {
	Subject         string    `gorm:"primaryKey"`
	ExpiresAtHeight int64     `gorm:"not null"`
	TotalUses       int64     `gorm:"not null"`
	Referrer        *string   `gorm:""`
	CreatedAtHeight int64     `gorm:"not null"`
	RenewedAtHeight int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (Pass) TableName() string { return "passes" }

// Settlement mirrors the pass_settlements journal table.
type Settlement struct {
	SettlementID  string         `gorm:"type:uuid;primaryKey"`
	Operation     string         `gorm:"not null"`
	Payer         string         `gorm:"not null;index:idx_settlements_payer_created,priority:1"`
	AmountPaid    int64          `gorm:"not null"`
	OwnerShare    int64          `gorm:"not null"`
	TreasuryShare int64          `gorm:"not null"`
	Pricing       datatypes.JSON `gorm:"not null"`
	Height        int64          `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;index:idx_settlements_payer_created,priority:2"`
}

func (Settlement) TableName() string { return "pass_settlements" }

func (settlement *Settlement) BeforeCreate(tx *gorm.DB) error {
	if settlement.SettlementID == "" {
		settlement.SettlementID = uuid.NewString()
	}
	return nil
}

// Balance mirrors the balances table backing the payment collaborator.
type Balance struct {
	Account   string    `gorm:"primaryKey"`
	Amount    int64     `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

// Models lists every table for schema preparation.
func Models() []any {
	return []any{&PassConfig{}, &Pass{}, &Settlement{}, &Balance{}}
}
