package common

import (
	"arena/src/config"
	"arena/src/models"
	"arena/src/types"
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RegistrationService orchestrates validation, quota reservation, charge
// creation and the admin/state-machine operations.
type RegistrationService struct {
	store   Store
	ledger  QuotaLedger
	gateway PaymentGateway
	lots    *LotResolver
	clock   clockwork.Clock
	cache   *redis.Client
	window  time.Duration
}

func NewRegistrationService(store Store, ledger QuotaLedger, gateway PaymentGateway, lots *LotResolver, clock clockwork.Clock) *RegistrationService {
	return &RegistrationService{
		store:   store,
		ledger:  ledger,
		gateway: gateway,
		lots:    lots,
		clock:   clock,
		window:  config.PaymentWindow(),
	}
}

// WithCache enables the read-through status cache.
func (s *RegistrationService) WithCache(c *redis.Client) *RegistrationService {
	s.cache = c
	return s
}

func (s *RegistrationService) Cache() *redis.Client { return s.cache }

// RegistrationCacheKey is the cache key for one registration's status view.
// Every writer that changes a registration out of band must delete this key.
func RegistrationCacheKey(id uuid.UUID) string {
	return fmt.Sprintf("registration:%s", id)
}

func (s *RegistrationService) Ledger() QuotaLedger { return s.ledger }

func (s *RegistrationService) Lots() *LotResolver { return s.lots }

// Create runs the registration flow end to end. Validation and permission
// failures have no side effects; a gateway failure after the quota was
// reserved triggers the compensating release+cancel before returning.
func (s *RegistrationService) Create(ctx context.Context, callerID string, body *types.CreateRegistrationRequestBody) (*models.Registration, error) {
	if callerID == "" || body.CaptainID != callerID {
		return nil, types.ErrPermission
	}
	if err := s.validate(body); err != nil {
		return nil, err
	}

	active, err := s.store.HasActiveRegistration(ctx, body.TeamID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, types.ErrDuplicateActive
	}

	now := s.clock.Now()
	lot := s.lots.Resolve(now)
	unitPrice, ok := lot.Prices[body.Category]
	if !ok {
		return nil, fmt.Errorf("%w: no price for category %s in lot %d", types.ErrValidation, body.Category, lot.ID)
	}

	if err := s.ledger.Reserve(ctx, body.Category, lot.ID); err != nil {
		return nil, err
	}

	reg := &models.Registration{
		ID:           uuid.New(),
		TeamID:       body.TeamID,
		TeamName:     body.TeamName,
		CaptainID:    body.CaptainID,
		CaptainEmail: body.CaptainEmail,
		Category:     body.Category,
		Lot:          lot.ID,
		Athletes:     body.Athletes,
		UnitPrice:    unitPrice,
		TotalAmount:  unitPrice * config.TeamSize,
		Status:       types.REGISTRATION_PENDING,
	}
	if err := s.store.CreateRegistration(ctx, reg); err != nil {
		// The partial unique index closes the duplicate-submission race the
		// pre-check above cannot.
		if relErr := s.ledger.Release(ctx, body.Category, lot.ID); relErr != nil {
			log.Printf("[Registrations] release after failed insert: %s\n", relErr.Error())
		}
		return nil, err
	}

	gwCtx, cancel := context.WithTimeout(ctx, config.GatewayTimeout)
	defer cancel()
	charge, err := s.gateway.CreateCharge(gwCtx, types.ChargeRequest{
		CorrelationID: reg.ID.String(),
		Amount:        reg.TotalAmount,
		Comment:       slug.Make(body.TeamName),
		ExpiresIn:     s.window,
	})
	if err != nil {
		log.Printf("[Registrations] charge creation failed for %s: %s\n", reg.ID, err.Error())
		s.compensate(reg)
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}

	deadline := now.Add(s.window)
	if !charge.ExpiresAt.IsZero() && charge.ExpiresAt.Before(deadline) {
		deadline = charge.ExpiresAt
	}
	if err := s.store.AttachCharge(ctx, reg.ID, charge, deadline); err != nil {
		log.Printf("[Registrations] attaching charge to %s failed: %s\n", reg.ID, err.Error())
		s.compensate(reg)
		return nil, fmt.Errorf("%w: %s", types.ErrGateway, err.Error())
	}
	reg.ChargeRef = &charge.ChargeRef
	reg.PixCode = &charge.PixCode
	if charge.QRCodeURL != "" {
		reg.QRCodeURL = &charge.QRCodeURL
	}
	reg.PaymentDeadline = &deadline
	return reg, nil
}

func (s *RegistrationService) validate(body *types.CreateRegistrationRequestBody) error {
	if !s.lots.Table().HasCategory(body.Category) {
		return fmt.Errorf("%w: unknown category %q", types.ErrValidation, body.Category)
	}
	if len(body.Athletes) != config.TeamSize {
		return fmt.Errorf("%w: a team has exactly %d athletes", types.ErrValidation, config.TeamSize)
	}
	var male, female int
	for _, a := range body.Athletes {
		switch a.Gender {
		case types.GenderMale:
			male++
		case types.GenderFemale:
			female++
		default:
			return fmt.Errorf("%w: invalid gender %q", types.ErrValidation, a.Gender)
		}
	}
	if male != config.AthletesPerSex || female != config.AthletesPerSex {
		return fmt.Errorf("%w: team must have %d male and %d female athletes", types.ErrValidation, config.AthletesPerSex, config.AthletesPerSex)
	}
	return nil
}

// compensate releases the reservation and cancels the registration after a
// gateway failure. It only touches local state, so failures are transient
// storage errors and are retried with backoff until the release commits.
func (s *RegistrationService) compensate(reg *models.Registration) {
	ctx := context.Background()
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		_, err := s.store.Transition(ctx, TransitionParams{
			ID:           reg.ID,
			From:         []types.RegistrationStatus{types.REGISTRATION_PENDING},
			To:           types.REGISTRATION_CANCELLED,
			Actor:        types.ActorSystem,
			Reason:       "charge-creation-failed",
			ReleaseQuota: true,
		})
		if err == nil {
			return
		}
		log.Printf("[Registrations] compensation attempt %d for %s failed: %s\n", attempt, reg.ID, err.Error())
		if attempt >= config.CompensationMax {
			log.Printf("[Registrations] giving up compensation for %s; sweeper will reclaim the slot\n", reg.ID)
			return
		}
		s.clock.Sleep(backoff)
		backoff *= 2
	}
}

func (s *RegistrationService) Get(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	return s.store.GetRegistration(ctx, id)
}

// AdminOverride applies a manual status change with a mandatory reason.
// Allowed moves: paid->confirmed (audit only) and pending/paid->cancelled
// (releases the reservation).
func (s *RegistrationService) AdminOverride(ctx context.Context, id uuid.UUID, to types.RegistrationStatus, reason string) error {
	var from []types.RegistrationStatus
	release := false
	topic := ""
	switch to {
	case types.REGISTRATION_CONFIRMED:
		from = []types.RegistrationStatus{types.REGISTRATION_PAID}
	case types.REGISTRATION_CANCELLED:
		from = []types.RegistrationStatus{types.REGISTRATION_PENDING, types.REGISTRATION_PAID}
		release = true
		topic = models.TopicRegistrationCancelled
	default:
		return types.ErrInvalidTransition
	}
	ok, err := s.store.Transition(ctx, TransitionParams{
		ID:           id,
		From:         from,
		To:           to,
		Actor:        types.ActorAdmin,
		Reason:       reason,
		ReleaseQuota: release,
		NotifyTopic:  topic,
	})
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetRegistration(ctx, id); err != nil {
			return err
		}
		return types.ErrInvalidTransition
	}
	return nil
}

// Availability reports remaining slots per category for the given lot.
func (s *RegistrationService) Availability(ctx context.Context, lot int) (map[string]int, error) {
	out := map[string]int{}
	for _, category := range s.lots.Table().Categories() {
		left, err := s.ledger.Remaining(ctx, category, lot)
		if err != nil {
			return nil, err
		}
		out[category] = left
	}
	return out, nil
}
