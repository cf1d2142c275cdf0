package payments

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/repo"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// Repository handles payment attempt persistence.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, attempt *models.PaymentAttempt) error
	CountForOrder(ctx context.Context, orderID uuid.UUID) (int64, error)
	FindActive(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	LockActive(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	FindLatest(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error)
	FindByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error)
	LockByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error)
	Supersede(ctx context.Context, id, byID uuid.UUID, at time.Time) error
	UpdateStatusIf(ctx context.Context, id uuid.UUID, from enums.PaymentAttemptStatus, updates map[string]any) (bool, error)
	ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error)
}

type repository struct {
	base repo.Base
}

// NewRepository returns a payment attempt repository bound to db.
func NewRepository(db *gorm.DB) Repository {
	return &repository{base: repo.NewBase(db)}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{base: r.base.Tx(tx)}
}

func (r *repository) Create(ctx context.Context, attempt *models.PaymentAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	return r.base.DB(ctx).Create(attempt).Error
}

// CountForOrder includes superseded attempts; the count seeds the gateway
// idempotency key.
func (r *repository) CountForOrder(ctx context.Context, orderID uuid.UUID) (int64, error) {
	var count int64
	err := r.base.DB(ctx).Model(&models.PaymentAttempt{}).Where("order_id = ?", orderID).Count(&count).Error
	return count, err
}

func (r *repository) FindActive(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	return r.active(r.base.DB(ctx), orderID)
}

func (r *repository) LockActive(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	return r.active(r.base.ForUpdate(ctx), orderID)
}

func (r *repository) active(conn *gorm.DB, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	if err := conn.
		Where("order_id = ? AND stale = ? AND status = ?", orderID, false, enums.PaymentAttemptRequiresPayment).
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// FindLatest prefers the current attempt and falls back to the newest one.
func (r *repository) FindLatest(ctx context.Context, orderID uuid.UUID) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	if err := r.base.DB(ctx).
		Where("order_id = ?", orderID).
		Order("stale ASC").
		Order("created_at DESC").
		First(&attempt).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) FindByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	if err := r.base.DB(ctx).First(&attempt, "gateway_intent_id = ?", intentID).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (r *repository) LockByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	if err := r.base.ForUpdate(ctx).First(&attempt, "gateway_intent_id = ?", intentID).Error; err != nil {
		return nil, err
	}
	return &attempt, nil
}

// Supersede marks an attempt stale. The row is kept for audit.
func (r *repository) Supersede(ctx context.Context, id, byID uuid.UUID, at time.Time) error {
	return r.base.DB(ctx).
		Model(&models.PaymentAttempt{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"stale":            true,
			"superseded_at":    at,
			"superseded_by_id": byID,
			"updated_at":       at,
		}).Error
}

// UpdateStatusIf flips the attempt only while it still has status from, so
// two deliveries of one event cannot both win.
func (r *repository) UpdateStatusIf(ctx context.Context, id uuid.UUID, from enums.PaymentAttemptStatus, updates map[string]any) (bool, error) {
	columns := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		columns[k] = v
	}
	columns["updated_at"] = time.Now().UTC()
	res := r.base.DB(ctx).
		Model(&models.PaymentAttempt{}).
		Where("id = ? AND status = ?", id, from).
		Updates(columns)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]models.PaymentAttempt, error) {
	var rows []models.PaymentAttempt
	if err := r.base.DB(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
