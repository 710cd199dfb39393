package common

import (
	"arena/src/models"
	"context"
	"fmt"
	"log"
)

const outboxBatchSize = 50

// OutboxDispatcher drains pending outbox rows and delivers them as email.
// Delivery failures leave the row pending with an incremented attempt count;
// the next tick retries it.
type OutboxDispatcher struct {
	outbox OutboxStore
	mailer Mailer
}

func NewOutboxDispatcher(outbox OutboxStore, mailer Mailer) *OutboxDispatcher {
	return &OutboxDispatcher{outbox: outbox, mailer: mailer}
}

func (d *OutboxDispatcher) Dispatch(ctx context.Context) (int, error) {
	events, err := d.outbox.ListPendingOutbox(ctx, outboxBatchSize)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, ev := range events {
		to, _ := ev.Payload["email"].(string)
		if to == "" {
			if err := d.outbox.MarkOutboxFailed(ctx, ev.ID, "payload has no recipient"); err != nil {
				log.Printf("[Outbox] marking %s failed: %s\n", ev.ID, err.Error())
			}
			continue
		}
		subject, body := composeMessage(ev)
		if err := d.mailer.Send(ctx, to, subject, body); err != nil {
			if markErr := d.outbox.MarkOutboxFailed(ctx, ev.ID, err.Error()); markErr != nil {
				log.Printf("[Outbox] marking %s failed: %s\n", ev.ID, markErr.Error())
			}
			continue
		}
		if err := d.outbox.MarkOutboxSent(ctx, ev.ID); err != nil {
			log.Printf("[Outbox] marking %s sent: %s\n", ev.ID, err.Error())
			continue
		}
		sent++
	}
	return sent, nil
}

func composeMessage(ev models.OutboxEvent) (subject, body string) {
	team, _ := ev.Payload["team_name"].(string)
	switch ev.Topic {
	case models.TopicRegistrationCreated:
		pix, _ := ev.Payload["pix_code"].(string)
		subject = fmt.Sprintf("Registration received for %s: payment pending", team)
		body = fmt.Sprintf("Your team %s is registered. Pay within the deadline using the PIX code below.\n\n%s\n", team, pix)
	case models.TopicPaymentConfirmed:
		subject = fmt.Sprintf("Payment confirmed for %s", team)
		body = fmt.Sprintf("Payment for team %s was confirmed. See you at the event!\n", team)
	case models.TopicRegistrationExpired:
		subject = fmt.Sprintf("Registration expired for %s", team)
		body = fmt.Sprintf("The payment window for team %s elapsed and the slot was released. You can register again while slots last.\n", team)
	case models.TopicRegistrationCancelled:
		subject = fmt.Sprintf("Registration cancelled for %s", team)
		body = fmt.Sprintf("The registration for team %s was cancelled.\n", team)
	default:
		subject = fmt.Sprintf("Registration update for %s", team)
		body = fmt.Sprintf("Registration %s changed.\n", ev.RegistrationID)
	}
	return subject, body
}
