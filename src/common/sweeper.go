package common

import (
	"arena/src/config"
	"arena/src/models"
	"arena/src/types"
	"context"
	"log"
	"time"

	"github.com/jonboulle/clockwork"
)

const sweepBatchSize = 200

// Sweeper releases quota held by registrations whose payment window elapsed
// without settlement.
type Sweeper struct {
	store  Store
	clock  clockwork.Clock
	window time.Duration
}

func NewSweeper(store Store, clock clockwork.Clock) *Sweeper {
	return &Sweeper{store: store, clock: clock, window: config.PaymentWindow()}
}

// Sweep expires every PENDING registration past its deadline. A settlement
// committing between the scan and the write makes the guarded update match
// zero rows; the sweeper moves on without reverting the payment.
//
// Rows with no deadline at all are charge-less leftovers of a compensation
// that never committed; they are reclaimed once older than the payment
// window, so a reservation can never be held forever.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.clock.Now()
	regs, err := s.store.ListExpiredPending(ctx, now, now.Add(-s.window), sweepBatchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, reg := range regs {
		reason := "payment-deadline-elapsed"
		if reg.PaymentDeadline == nil {
			reason = "orphaned-without-charge"
		}
		ok, err := s.store.Transition(ctx, TransitionParams{
			ID:           reg.ID,
			From:         []types.RegistrationStatus{types.REGISTRATION_PENDING},
			To:           types.REGISTRATION_EXPIRED,
			Actor:        types.ActorSweeper,
			Reason:       reason,
			ReleaseQuota: true,
			NotifyTopic:  models.TopicRegistrationExpired,
		})
		if err != nil {
			log.Printf("[Sweeper] expiring %s failed: %s\n", reg.ID, err.Error())
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[Sweeper] expired %d registrations\n", expired)
	}
	return expired, nil
}
