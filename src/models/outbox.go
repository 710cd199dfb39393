package models

import (
	"arena/src/types"
	"time"

	"github.com/google/uuid"
)

// OutboxEvent is appended in the same transaction as the state change it
// announces. A background dispatcher delivers pending rows; a delivery
// failure never blocks or rolls back the transition itself.
type OutboxEvent struct {
	ID             uuid.UUID          `gorm:"primarykey;type:uuid" json:"id"`
	RegistrationID uuid.UUID          `gorm:"type:uuid;index" json:"registration_id"`
	Topic          string             `json:"topic"`
	Payload        types.JSONB        `gorm:"type:jsonb" json:"payload"`
	Status         types.OutboxStatus `gorm:"default:'pending';index" json:"status"`
	Attempts       uint               `json:"attempts"`
	LastError      string             `json:"last_error,omitempty"`
	SentAt         *time.Time         `json:"sent_at,omitempty"`
	CreatedAt      time.Time          `gorm:"autoCreateTime:nano" json:"created_at"`
}

// Outbox topics.
const (
	TopicRegistrationCreated   = "registration.created"
	TopicPaymentConfirmed      = "payment.confirmed"
	TopicRegistrationExpired   = "registration.expired"
	TopicRegistrationCancelled = "registration.cancelled"
)
