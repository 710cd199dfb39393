package store

import (
	"arena/src/common"
	"arena/src/models"
	"arena/src/types"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements common.Store, common.QuotaLedger and
// common.OutboxStore on PostgreSQL. Every state change is a guarded
// conditional update executed inside a transaction together with its quota
// release and audit/outbox appends.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateRegistration(ctx context.Context, reg *models.Registration) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(reg).Error; err != nil {
			return err
		}
		return tx.Create(&models.AuditLog{
			ID:             uuid.New(),
			RegistrationID: reg.ID,
			FromStatus:     "",
			ToStatus:       string(types.REGISTRATION_PENDING),
			Actor:          types.ActorCaptain,
			Reason:         "registration-created",
		}).Error
	})
	if err != nil {
		// The partial unique index on active registrations per team reports
		// concurrent duplicate submissions the pre-check cannot see.
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "duplicate key") {
			return types.ErrDuplicateActive
		}
		return err
	}
	return nil
}

func (s *GormStore) GetRegistration(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	var reg models.Registration
	err := s.db.WithContext(ctx).
		Where("id = ?", id).
		First(&reg).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &reg, nil
}

func (s *GormStore) HasActiveRegistration(ctx context.Context, teamID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Registration{}).
		Where("team_id = ? AND status IN ?", teamID, types.ActiveStatuses).
		Count(&count).
		Error
	return count > 0, err
}

func (s *GormStore) AttachCharge(ctx context.Context, id uuid.UUID, charge *types.Charge, deadline time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"charge_ref":       charge.ChargeRef,
			"pix_code":         charge.PixCode,
			"payment_deadline": deadline,
		}
		if charge.QRCodeURL != "" {
			updates["qr_code_url"] = charge.QRCodeURL
		}
		res := tx.Model(&models.Registration{}).
			Where("id = ? AND status = ? AND charge_ref IS NULL", id, types.REGISTRATION_PENDING).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("registration %s is not pending without charge", id)
		}
		var reg models.Registration
		if err := tx.Where("id = ?", id).First(&reg).Error; err != nil {
			return err
		}
		return tx.Create(&models.OutboxEvent{
			ID:             uuid.New(),
			RegistrationID: id,
			Topic:          models.TopicRegistrationCreated,
			Payload: types.JSONB{
				"email":     reg.CaptainEmail,
				"team_name": reg.TeamName,
				"pix_code":  charge.PixCode,
			},
		}).Error
	})
}

func (s *GormStore) Transition(ctx context.Context, p common.TransitionParams) (bool, error) {
	committed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The row lock pins the status read for the audit trail; without it a
		// concurrent transition between the read and the guarded update could
		// record a stale from_status.
		var reg models.Registration
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", p.ID).First(&reg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		res := tx.Model(&models.Registration{}).
			Where("id = ? AND status IN ?", p.ID, p.From).
			Update("status", p.To)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent writer got there first. Nothing to do.
			return nil
		}
		if p.ReleaseQuota {
			if err := releaseCounter(tx, reg.Category, reg.Lot); err != nil {
				return err
			}
		}
		if err := tx.Create(&models.AuditLog{
			ID:             uuid.New(),
			RegistrationID: p.ID,
			FromStatus:     string(reg.Status),
			ToStatus:       string(p.To),
			Actor:          p.Actor,
			Reason:         p.Reason,
		}).Error; err != nil {
			return err
		}
		if p.NotifyTopic != "" {
			if err := tx.Create(&models.OutboxEvent{
				ID:             uuid.New(),
				RegistrationID: p.ID,
				Topic:          p.NotifyTopic,
				Payload: types.JSONB{
					"email":     reg.CaptainEmail,
					"team_name": reg.TeamName,
					"status":    string(p.To),
				},
			}).Error; err != nil {
				return err
			}
		}
		committed = true
		return nil
	})
	return committed, err
}

// ListExpiredPending also picks up charge-less rows (NULL deadline) older
// than orphanedBefore, left behind when charge creation failed and the
// compensation path never committed.
func (s *GormStore) ListExpiredPending(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]models.Registration, error) {
	var regs []models.Registration
	err := s.db.WithContext(ctx).
		Where("status = ?", types.REGISTRATION_PENDING).
		Where("(payment_deadline IS NOT NULL AND payment_deadline < ?) OR (payment_deadline IS NULL AND created_at < ?)", now, orphanedBefore).
		Order("created_at asc").
		Limit(limit).
		Find(&regs).
		Error
	return regs, err
}

func (s *GormStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// Reserve is a single compare-and-increment statement. Counting registration
// rows and writing afterwards would reopen the oversell race this ledger
// exists to close.
func (s *GormStore) Reserve(ctx context.Context, category string, lot int) error {
	res := s.db.WithContext(ctx).
		Model(&models.QuotaCounter{}).
		Where("category = ? AND lot = ? AND used < capacity", category, lot).
		UpdateColumn("used", gorm.Expr("used + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: category=%s lot=%d", types.ErrQuotaExhausted, category, lot)
	}
	return nil
}

func (s *GormStore) Release(ctx context.Context, category string, lot int) error {
	return releaseCounter(s.db.WithContext(ctx), category, lot)
}

// releaseCounter is guarded on used > 0 so a redundant release is a no-op.
func releaseCounter(tx *gorm.DB, category string, lot int) error {
	return tx.
		Model(&models.QuotaCounter{}).
		Where("category = ? AND lot = ? AND used > 0", category, lot).
		UpdateColumn("used", gorm.Expr("used - 1")).
		Error
}

func (s *GormStore) Remaining(ctx context.Context, category string, lot int) (int, error) {
	var counter models.QuotaCounter
	err := s.db.WithContext(ctx).
		Where("category = ? AND lot = ?", category, lot).
		First(&counter).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return int(counter.Capacity) - int(counter.Used), nil
}

func (s *GormStore) ListPendingOutbox(ctx context.Context, limit int) ([]models.OutboxEvent, error) {
	var events []models.OutboxEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", types.OUTBOX_PENDING).
		Order("created_at asc").
		Limit(limit).
		Find(&events).
		Error
	return events, err
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ? AND status = ?", id, types.OUTBOX_PENDING).
		Updates(map[string]any{"status": types.OUTBOX_SENT, "sent_at": now}).
		Error
}

const outboxMaxAttempts = 5

// MarkOutboxFailed keeps the row pending for the next tick until the attempt
// cap is reached, then parks it as failed for operator attention.
func (s *GormStore) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).
		Model(&models.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": reason,
			"status":     gorm.Expr("CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END", outboxMaxAttempts),
		}).
		Error
}
