package models

import (
	"arena/src/types"
	"time"

	"github.com/google/uuid"
)

// Registration is one team's attempt to claim a paid slot. Rows are never
// physically deleted; terminal states exist for audit.
type Registration struct {
	ID           uuid.UUID                `gorm:"primarykey;type:uuid" json:"id"`
	TeamID       string                   `gorm:"index" json:"team_id"`
	TeamName     string                   `json:"team_name"`
	CaptainID    string                   `json:"captain_id"`
	CaptainEmail string                   `json:"-"`
	Category     string                   `gorm:"index:idx_registrations_category_lot" json:"category"`
	Lot          int                      `gorm:"index:idx_registrations_category_lot" json:"lot"`
	Athletes     types.Athletes           `gorm:"type:jsonb" json:"athletes"`
	UnitPrice    int64                    `json:"unit_price"`
	TotalAmount  int64                    `json:"total_amount"`
	Status       types.RegistrationStatus `gorm:"default:'pending';index" json:"status"`

	// Charge fields stay unset until the gateway call succeeds. ChargeRef is
	// immutable once set.
	ChargeRef       *string    `gorm:"uniqueIndex" json:"charge_ref,omitempty"`
	PixCode         *string    `json:"pix_code,omitempty"`
	QRCodeURL       *string    `json:"qr_code_url,omitempty"`
	PaymentDeadline *time.Time `json:"payment_deadline,omitempty"`

	types.Timestamps
}
