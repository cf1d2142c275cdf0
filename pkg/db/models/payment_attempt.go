package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/enums"
)

// PaymentAttempt correlates an order with one gateway intent. Superseded
// attempts are flagged Stale and kept for audit.
type PaymentAttempt struct {
	ID              uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	OrderID         uuid.UUID                  `gorm:"column:order_id;type:uuid;not null;index"`
	Gateway         string                     `gorm:"column:gateway;not null"`
	GatewayIntentID string                     `gorm:"column:gateway_intent_id;not null;uniqueIndex"`
	ClientSecret    string                     `gorm:"column:client_secret;not null"`
	AmountCents     int64                      `gorm:"column:amount_cents;not null"`
	Currency        enums.Currency             `gorm:"column:currency;type:varchar(3);not null"`
	Status          enums.PaymentAttemptStatus `gorm:"column:status;type:payment_attempt_status;not null"`
	GatewayStatusAt *time.Time                 `gorm:"column:gateway_status_at"`
	LastEventID     *string                    `gorm:"column:last_event_id"`
	FailureReason   *string                    `gorm:"column:failure_reason"`
	Stale           bool                       `gorm:"column:stale;not null"`
	SupersededAt    *time.Time                 `gorm:"column:superseded_at"`
	SupersededByID  *uuid.UUID                 `gorm:"column:superseded_by_id;type:uuid"`
	CreatedAt       time.Time                  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time                  `gorm:"column:updated_at;autoUpdateTime"`
}
