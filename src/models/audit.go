package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLog is an append-only record of every registration state change.
type AuditLog struct {
	ID             uuid.UUID `gorm:"primarykey;type:uuid" json:"id"`
	RegistrationID uuid.UUID `gorm:"type:uuid;index" json:"registration_id"`
	FromStatus     string    `json:"from_status"`
	ToStatus       string    `json:"to_status"`
	Actor          string    `json:"actor"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `gorm:"autoCreateTime:nano" json:"created_at"`
}
