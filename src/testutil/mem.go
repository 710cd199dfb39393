// Package testutil provides in-memory implementations of the core
// collaborator interfaces for service-level tests. They mirror the storage
// semantics that matter: guarded transitions, exactly-once release, and the
// one-active-registration-per-team index.
package testutil

import (
	"arena/src/common"
	"arena/src/models"
	"arena/src/types"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type quotaKey struct {
	Category string
	Lot      int
}

type quotaCell struct {
	Used     uint
	Capacity uint
}

type MemLedger struct {
	mu       sync.Mutex
	counters map[quotaKey]*quotaCell
}

func NewMemLedger() *MemLedger {
	return &MemLedger{counters: map[quotaKey]*quotaCell{}}
}

func (l *MemLedger) SetCapacity(category string, lot int, capacity uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counters[quotaKey{category, lot}] = &quotaCell{Capacity: capacity}
}

func (l *MemLedger) Reserve(ctx context.Context, category string, lot int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[quotaKey{category, lot}]
	if !ok || c.Used >= c.Capacity {
		return fmt.Errorf("%w: category=%s lot=%d", types.ErrQuotaExhausted, category, lot)
	}
	c.Used++
	return nil
}

func (l *MemLedger) Release(ctx context.Context, category string, lot int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[quotaKey{category, lot}]
	if ok && c.Used > 0 {
		c.Used--
	}
	return nil
}

func (l *MemLedger) Remaining(ctx context.Context, category string, lot int) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[quotaKey{category, lot}]
	if !ok {
		return 0, nil
	}
	return int(c.Capacity) - int(c.Used), nil
}

func (l *MemLedger) Used(category string, lot int) uint {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.counters[quotaKey{category, lot}]
	if !ok {
		return 0
	}
	return c.Used
}

type MemStore struct {
	mu     sync.Mutex
	ledger *MemLedger
	regs   map[uuid.UUID]*models.Registration
	audits []models.AuditLog
	outbox []*models.OutboxEvent

	// FailTransitions makes the next N Transition calls return an error,
	// for exercising compensation retries.
	FailTransitions int
}

func NewMemStore(ledger *MemLedger) *MemStore {
	return &MemStore{ledger: ledger, regs: map[uuid.UUID]*models.Registration{}}
}

func (s *MemStore) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.TeamID == reg.TeamID && isActive(r.Status) {
			return types.ErrDuplicateActive
		}
	}
	cp := *reg
	cp.CreatedAt = time.Now()
	s.regs[reg.ID] = &cp
	s.audits = append(s.audits, models.AuditLog{
		ID:             uuid.New(),
		RegistrationID: reg.ID,
		ToStatus:       string(types.REGISTRATION_PENDING),
		Actor:          types.ActorCaptain,
		Reason:         "registration-created",
	})
	return nil
}

func (s *MemStore) GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) HasActiveRegistration(ctx context.Context, teamID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regs {
		if r.TeamID == teamID && isActive(r.Status) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemStore) AttachCharge(ctx context.Context, id uuid.UUID, charge *types.Charge, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[id]
	if !ok {
		return types.ErrNotFound
	}
	if r.Status != types.REGISTRATION_PENDING || r.ChargeRef != nil {
		return fmt.Errorf("registration %s is not pending without charge", id)
	}
	ref, pix := charge.ChargeRef, charge.PixCode
	dl := deadline
	r.ChargeRef = &ref
	r.PixCode = &pix
	r.PaymentDeadline = &dl
	if charge.QRCodeURL != "" {
		qr := charge.QRCodeURL
		r.QRCodeURL = &qr
	}
	s.outbox = append(s.outbox, &models.OutboxEvent{
		ID:             uuid.New(),
		RegistrationID: id,
		Topic:          models.TopicRegistrationCreated,
		Payload:        types.JSONB{"email": r.CaptainEmail, "team_name": r.TeamName, "pix_code": pix},
		Status:         types.OUTBOX_PENDING,
		CreatedAt:      time.Now(),
	})
	return nil
}

func (s *MemStore) Transition(ctx context.Context, p common.TransitionParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailTransitions > 0 {
		s.FailTransitions--
		return false, fmt.Errorf("simulated storage error")
	}
	r, ok := s.regs[p.ID]
	if !ok {
		return false, nil
	}
	matched := false
	for _, from := range p.From {
		if r.Status == from {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	from := r.Status
	r.Status = p.To
	if p.ReleaseQuota {
		_ = s.ledger.Release(ctx, r.Category, r.Lot)
	}
	s.audits = append(s.audits, models.AuditLog{
		ID:             uuid.New(),
		RegistrationID: p.ID,
		FromStatus:     string(from),
		ToStatus:       string(p.To),
		Actor:          p.Actor,
		Reason:         p.Reason,
	})
	if p.NotifyTopic != "" {
		s.outbox = append(s.outbox, &models.OutboxEvent{
			ID:             uuid.New(),
			RegistrationID: p.ID,
			Topic:          p.NotifyTopic,
			Payload:        types.JSONB{"email": r.CaptainEmail, "team_name": r.TeamName, "status": string(p.To)},
			Status:         types.OUTBOX_PENDING,
			CreatedAt:      time.Now(),
		})
	}
	return true, nil
}

func (s *MemStore) ListExpiredPending(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]models.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Registration
	for _, r := range s.regs {
		if r.Status != types.REGISTRATION_PENDING {
			continue
		}
		overdue := r.PaymentDeadline != nil && r.PaymentDeadline.Before(now)
		orphaned := r.PaymentDeadline == nil && r.CreatedAt.Before(orphanedBefore)
		if overdue || orphaned {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	s.audits = append(s.audits, *entry)
	return nil
}

// Audits returns the audit entries recorded for a registration.
func (s *MemStore) Audits(id uuid.UUID) []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, a := range s.audits {
		if a.RegistrationID == id {
			out = append(out, a)
		}
	}
	return out
}

func (s *MemStore) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.OutboxEvent
	for _, ev := range s.outbox {
		if ev.Status == types.OUTBOX_PENDING {
			out = append(out, *ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.outbox {
		if ev.ID == id {
			now := time.Now()
			ev.Status = types.OUTBOX_SENT
			ev.SentAt = &now
		}
	}
	return nil
}

func (s *MemStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.outbox {
		if ev.ID == id {
			ev.Attempts++
			ev.LastError = reason
			if ev.Attempts >= 5 {
				ev.Status = types.OUTBOX_FAILED
			}
		}
	}
	return nil
}

func isActive(status types.RegistrationStatus) bool {
	for _, s := range types.ActiveStatuses {
		if status == s {
			return true
		}
	}
	return false
}

// FakeGateway returns deterministic charges, or the configured error.
type FakeGateway struct {
	mu      sync.Mutex
	Err     error
	Charges []types.ChargeRequest
}

func (g *FakeGateway) CreateCharge(ctx context.Context, req types.ChargeRequest) (*types.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	g.Charges = append(g.Charges, req)
	return &types.Charge{
		ChargeRef: "ch_" + req.CorrelationID,
		PixCode:   "pix-copy-paste-" + req.CorrelationID,
		Status:    "ACTIVE",
	}, nil
}

func (g *FakeGateway) GetCharge(ctx context.Context, chargeRef string) (*types.Charge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Err != nil {
		return nil, g.Err
	}
	return &types.Charge{ChargeRef: chargeRef, Status: "ACTIVE"}, nil
}

type SentMail struct {
	To      string
	Subject string
	Body    string
}

type MemMailer struct {
	mu   sync.Mutex
	Err  error
	Sent []SentMail
}

func (m *MemMailer) Send(ctx context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMail{To: to, Subject: subject, Body: body})
	return nil
}
