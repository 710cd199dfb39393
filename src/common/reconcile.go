package common

import (
	"arena/src/models"
	"arena/src/types"
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
)

// referenceKeys is the fixed priority order for extracting the correlation
// reference from a gateway notification. The payload shape is the gateway's,
// not ours, and has shifted between provider versions.
var referenceKeys = []string{
	"charge.correlationID",
	"correlationID",
	"charge.reference",
	"reference",
	"pix.txid",
	"data.charge.correlationID",
}

// ReconciliationHandler applies asynchronous payment notifications to
// registrations. Safe under duplicate deliveries and under races with the
// expiry sweeper: every write is a guarded conditional update, never a blind
// overwrite.
type ReconciliationHandler struct {
	store Store
	cache *redis.Client
}

func NewReconciliationHandler(store Store) *ReconciliationHandler {
	return &ReconciliationHandler{store: store}
}

// WithCache makes settlements drop the registration's status cache entry, so
// a poll right after payment sees PAID instead of a stale PENDING view.
func (h *ReconciliationHandler) WithCache(c *redis.Client) *ReconciliationHandler {
	h.cache = c
	return h
}

func (h *ReconciliationHandler) HandleNotification(ctx context.Context, payload []byte) error {
	id, err := extractReference(payload)
	if err != nil {
		return err
	}

	ok, err := h.store.Transition(ctx, TransitionParams{
		ID:          id,
		From:        []types.RegistrationStatus{types.REGISTRATION_PENDING},
		To:          types.REGISTRATION_PAID,
		Actor:       types.ActorWebhook,
		Reason:      "pix-settlement",
		NotifyTopic: models.TopicPaymentConfirmed,
	})
	if err != nil {
		return err
	}
	if ok {
		log.Printf("[PixWebhook] registration %s settled\n", id)
		if h.cache != nil {
			// Best effort. A failed delete only leaves the stale entry until
			// its TTL runs out.
			if err := h.cache.Del(ctx, RegistrationCacheKey(id)).Err(); err != nil {
				log.Printf("[PixWebhook] cache invalidation for %s failed: %s\n", id, err.Error())
			}
		}
		return nil
	}

	reg, err := h.store.GetRegistration(ctx, id)
	if err != nil {
		return err
	}
	switch reg.Status {
	case types.REGISTRATION_PAID, types.REGISTRATION_CONFIRMED:
		// Replayed delivery. Ack without mutation.
		log.Printf("[PixWebhook] duplicate settlement for %s ignored\n", id)
		return nil
	case types.REGISTRATION_CANCELLED, types.REGISTRATION_EXPIRED:
		// Late payment for a released slot. The reservation is not restored:
		// the slot may already belong to another team. Surfaced to operators
		// through the audit trail rather than resolved silently.
		log.Printf("[PixWebhook] WARNING: late payment for released registration %s (status=%s)\n", id, reg.Status)
		return h.store.AppendAudit(ctx, &models.AuditLog{
			ID:             uuid.New(),
			RegistrationID: id,
			FromStatus:     string(reg.Status),
			ToStatus:       string(reg.Status),
			Actor:          types.ActorWebhook,
			Reason:         "late-payment-slot-released",
		})
	}
	return nil
}

func extractReference(payload []byte) (uuid.UUID, error) {
	if !gjson.ValidBytes(payload) {
		return uuid.Nil, fmt.Errorf("%w: body is not valid JSON", types.ErrUnrecognizedReference)
	}
	for _, key := range referenceKeys {
		val := gjson.GetBytes(payload, key)
		if !val.Exists() || val.String() == "" {
			continue
		}
		id, err := uuid.Parse(val.String())
		if err != nil {
			continue
		}
		return id, nil
	}
	return uuid.Nil, types.ErrUnrecognizedReference
}
