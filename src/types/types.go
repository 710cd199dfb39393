package types

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
)

type Timestamps struct {
	CreatedAt time.Time      `gorm:"autoCreateTime:nano" json:"created_at,omitempty"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime:nano" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type JSONB map[string]any

func (a JSONB) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *JSONB) Scan(value any) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	return nil
}

type RegistrationStatus string

const (
	REGISTRATION_PENDING   RegistrationStatus = "pending"
	REGISTRATION_PAID      RegistrationStatus = "paid"
	REGISTRATION_CONFIRMED RegistrationStatus = "confirmed"
	REGISTRATION_CANCELLED RegistrationStatus = "cancelled"
	REGISTRATION_EXPIRED   RegistrationStatus = "expired"
)

// ActiveStatuses are the states holding a quota reservation. A team may hold
// at most one registration in any of them.
var ActiveStatuses = []RegistrationStatus{
	REGISTRATION_PENDING,
	REGISTRATION_PAID,
	REGISTRATION_CONFIRMED,
}

type OutboxStatus string

const (
	OUTBOX_PENDING OutboxStatus = "pending"
	OUTBOX_SENT    OutboxStatus = "sent"
	OUTBOX_FAILED  OutboxStatus = "failed"
)

// Audit actors.
const (
	ActorSystem  = "system"
	ActorCaptain = "captain"
	ActorWebhook = "webhook"
	ActorAdmin   = "admin"
	ActorSweeper = "sweeper"
)

// Error taxonomy. Handlers map these to HTTP codes; everything except
// ErrGateway leaves no partial state behind.
var (
	ErrValidation            = errors.New("validation failed")
	ErrPermission            = errors.New("caller is not the team captain")
	ErrDuplicateActive       = errors.New("team already has an active registration")
	ErrQuotaExhausted        = errors.New("no slots left for category and lot")
	ErrNotFound              = errors.New("registration not found")
	ErrGateway               = errors.New("payment gateway error")
	ErrUnrecognizedReference = errors.New("unrecognized payment reference")
	ErrInvalidTransition     = errors.New("status transition not allowed")
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

type Athlete struct {
	Name   string `json:"name" binding:"required"`
	Gender Gender `json:"gender" binding:"required,oneof=male female"`
	Email  string `json:"email,omitempty" binding:"omitempty,email"`
}

type Athletes []Athlete

func (a Athletes) Value() (driver.Value, error) {
	valueString, err := json.Marshal(a)
	return string(valueString), err
}
func (a *Athletes) Scan(value any) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, a)
}

type CreateRegistrationRequestBody struct {
	TeamID       string   `json:"team_id" binding:"required"`
	TeamName     string   `json:"team_name" binding:"required"`
	CaptainID    string   `json:"captain_id" binding:"required"`
	CaptainEmail string   `json:"captain_email" binding:"required,email"`
	Category     string   `json:"category" binding:"required"`
	Athletes     Athletes `json:"athletes" binding:"required,len=4,gendersplit,dive"`
}

type AdminOverrideRequestBody struct {
	Status RegistrationStatus `json:"status" binding:"required,oneof=confirmed cancelled"`
	Reason string             `json:"reason" binding:"required"`
}

type RegistrationURIParams struct {
	ID string `uri:"id" binding:"required,uuid"`
}

// ChargeRequest is what the core hands the gateway adapter.
type ChargeRequest struct {
	CorrelationID string
	Amount        int64
	Comment       string
	ExpiresIn     time.Duration
}

// Charge is the gateway-side object, cached read-through on the registration.
type Charge struct {
	ChargeRef string
	PixCode   string
	QRCodeURL string
	Status    string
	ExpiresAt time.Time
}

type Claims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}
