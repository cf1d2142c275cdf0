package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/orderflow-engine/internal/orders"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/metrics"
	"github.com/angelmondragon/orderflow-engine/pkg/types"
)

const (
	abandonmentJobName  = "abandonment-sweep"
	defaultAbandonAfter = 24 * time.Hour
	defaultSweepBatch   = 100
	abandonmentComment  = "payment window expired"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type abandonedOrderFinder interface {
	FindAbandoned(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type orderCanceller interface {
	LockTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, order *models.Order, input orders.TransitionInput) error
	Forget(ctx context.Context, orderID uuid.UUID)
}

type intentCanceller interface {
	CancelActiveAttempt(ctx context.Context, orderID uuid.UUID) error
}

// AbandonmentJobParams configure the sweep that cancels unpaid orders.
type AbandonmentJobParams struct {
	Logger      *logger.Logger
	DB          txRunner
	Orders      abandonedOrderFinder
	Transitions orderCanceller
	Payments    intentCanceller
	Metrics     *metrics.CronJobMetrics
	After       time.Duration
	BatchSize   int
}

func NewAbandonmentJob(params AbandonmentJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("db runner required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("orders reader required")
	}
	if params.Transitions == nil {
		return nil, fmt.Errorf("order state machine required")
	}
	if params.After <= 0 {
		params.After = defaultAbandonAfter
	}
	if params.BatchSize <= 0 {
		params.BatchSize = defaultSweepBatch
	}
	return &abandonmentJob{
		logg:        params.Logger,
		db:          params.DB,
		orders:      params.Orders,
		transitions: params.Transitions,
		payments:    params.Payments,
		metrics:     params.Metrics,
		after:       params.After,
		batch:       params.BatchSize,
		now:         time.Now,
	}, nil
}

type abandonmentJob struct {
	logg        *logger.Logger
	db          txRunner
	orders      abandonedOrderFinder
	transitions orderCanceller
	payments    intentCanceller
	metrics     *metrics.CronJobMetrics
	after       time.Duration
	batch       int
	now         func() time.Time
}

func (j *abandonmentJob) Name() string { return abandonmentJobName }

// Run cancels one batch. Orders that moved on since the query, or whose
// lock was lost to a concurrent writer, are left for the next run.
func (j *abandonmentJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.after)
	candidates, err := j.orders.FindAbandoned(ctx, cutoff, j.batch)
	if err != nil {
		return fmt.Errorf("query abandoned orders: %w", err)
	}

	var (
		errs      error
		cancelled int
		skipped   int
	)
	for _, candidate := range candidates {
		done, err := j.cancel(ctx, candidate.ID, cutoff)
		switch {
		case err != nil && pkgerrors.IsCode(err, pkgerrors.CodeStorageConflict):
			skipped++
		case err != nil:
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", candidate.ID, err))
		case done:
			cancelled++
		default:
			skipped++
		}
	}
	j.metrics.AddProcessed(abandonmentJobName, cancelled)

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":     cutoff,
		"candidates": len(candidates),
		"cancelled":  cancelled,
		"skipped":    skipped,
	})
	j.logg.Info(logCtx, "abandonment sweep complete")
	return errs
}

func (j *abandonmentJob) cancel(ctx context.Context, orderID uuid.UUID, cutoff time.Time) (bool, error) {
	done := false
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := j.transitions.LockTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !abandoned(order, cutoff) {
			return nil
		}
		if err := j.transitions.TransitionTx(ctx, tx, order, orders.TransitionInput{
			OrderID: order.ID,
			To:      enums.OrderStatusCancelled,
			Actor:   types.TimeoutActor(),
			Comment: abandonmentComment,
		}); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil || !done {
		return false, err
	}

	j.transitions.Forget(ctx, orderID)
	if j.payments != nil {
		if err := j.payments.CancelActiveAttempt(ctx, orderID); err != nil {
			j.logg.Warn(j.logg.WithOrderID(ctx, orderID.String()), "cancel intent for abandoned order: "+err.Error())
		}
	}
	return true, nil
}

func abandoned(order *models.Order, cutoff time.Time) bool {
	return order.Status == enums.OrderStatusPending &&
		order.PaymentStatus != enums.PaymentStatusPaid &&
		!order.NeedsReconciliation &&
		order.CreatedAt.Before(cutoff)
}
