package common

import (
	"arena/src/models"
	"arena/src/types"
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the durable registration record plus its guarded state machine.
// Transition must be a conditional update: it commits only when the current
// status is one of From, and performs the quota release and audit/outbox
// appends in the same storage transaction.
type Store interface {
	CreateRegistration(ctx context.Context, reg *models.Registration) error
	GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error)
	HasActiveRegistration(ctx context.Context, teamID string) (bool, error)
	AttachCharge(ctx context.Context, id uuid.UUID, charge *types.Charge, deadline time.Time) error
	Transition(ctx context.Context, p TransitionParams) (bool, error)
	// ListExpiredPending returns PENDING rows past their payment deadline,
	// plus charge-less rows (NULL deadline) created before orphanedBefore:
	// those exist when charge creation failed and compensation never
	// committed, and still hold a reservation.
	ListExpiredPending(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]models.Registration, error)
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
}

// TransitionParams describes one guarded state change.
type TransitionParams struct {
	ID     uuid.UUID
	From   []types.RegistrationStatus
	To     types.RegistrationStatus
	Actor  string
	Reason string
	// ReleaseQuota decrements the (category, lot) counter in the same
	// transaction. Because the guarded update matches at most once per
	// registration, the release can never run twice.
	ReleaseQuota bool
	// NotifyTopic, when set, appends an outbox event with the transition.
	NotifyTopic string
}

// QuotaLedger provides atomic reserve-if-available semantics per
// (category, lot). Two concurrent Reserve calls for the last unit must yield
// exactly one success.
type QuotaLedger interface {
	Reserve(ctx context.Context, category string, lot int) error
	Release(ctx context.Context, category string, lot int) error
	Remaining(ctx context.Context, category string, lot int) (int, error)
}

// PaymentGateway creates and inspects charges on the external provider.
type PaymentGateway interface {
	CreateCharge(ctx context.Context, req types.ChargeRequest) (*types.Charge, error)
	GetCharge(ctx context.Context, chargeRef string) (*types.Charge, error)
}

// OutboxStore is the pending-notification queue written alongside
// transitions and drained by the dispatcher.
type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error
}

// Mailer delivers one outbox notification.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}
