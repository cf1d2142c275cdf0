package cron

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/orderflow-engine/pkg/db/dbtest"
	"github.com/angelmondragon/orderflow-engine/pkg/db/models"
	"github.com/angelmondragon/orderflow-engine/pkg/enums"
	"github.com/angelmondragon/orderflow-engine/pkg/logger"
	"github.com/angelmondragon/orderflow-engine/pkg/outbox"
)

func TestOutboxRetentionJobDeletesOnlyOldPublishedRows(t *testing.T) {
	client := dbtest.New(t)
	conn := client.DB()
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -45)
	recent := now.AddDate(0, 0, -2)

	insert := func(publishedAt *time.Time, attempts int) uuid.UUID {
		row := models.OutboxEvent{
			ID:            uuid.New(),
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{}`),
			CreatedAt:     old,
			PublishedAt:   publishedAt,
			AttemptCount:  attempts,
		}
		if err := conn.Create(&row).Error; err != nil {
			t.Fatalf("insert outbox row: %v", err)
		}
		return row.ID
	}
	expired := insert(&old, 0)
	kept := []uuid.UUID{
		insert(&recent, 0),
		insert(&old, outboxMinAttempts),
		insert(nil, 0),
	}

	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         client,
		Repository: outbox.NewRepository(conn),
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job := jobIface.(*outboxRetentionJob)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var count int64
	conn.Model(&models.OutboxEvent{}).Where("id = ?", expired).Count(&count)
	if count != 0 {
		t.Fatalf("expected expired row deleted")
	}
	conn.Model(&models.OutboxEvent{}).Where("id IN ?", kept).Count(&count)
	if count != int64(len(kept)) {
		t.Fatalf("expected %d rows kept, got %d", len(kept), count)
	}
}

func TestNewOutboxRetentionJobDefaults(t *testing.T) {
	client := dbtest.New(t)
	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.Nop(),
		DB:         client,
		Repository: outbox.NewRepository(client.DB()),
	})
	if err != nil {
		t.Fatalf("NewOutboxRetentionJob: %v", err)
	}
	job := jobIface.(*outboxRetentionJob)
	if job.retention != outboxRetentionDays || job.minAttempts != outboxMinAttempts {
		t.Fatalf("unexpected defaults: %d days, %d attempts", job.retention, job.minAttempts)
	}
	if _, err := NewOutboxRetentionJob(OutboxRetentionJobParams{Logger: logger.Nop()}); err == nil {
		t.Fatal("expected error without db")
	}
}
