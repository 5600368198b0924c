package messaging_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	commonmetrics "roster-service/common/metrics"
	"roster-service/internal/audit"
	"roster-service/internal/events"
	"roster-service/internal/health"
	"roster-service/internal/messaging"
	"roster-service/testing/testdb"
	"roster-service/testing/testnats"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(typ string) events.StudentEvent {
	return events.StudentEvent{
		ID:         uuid.New(),
		Type:       typ,
		StudentID:  uuid.New(),
		RollNo:     104,
		ClassName:  "Class 3",
		Section:    "A",
		Actor:      "teacher1",
		OccurredAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestProducer_PublishesPerAction(t *testing.T) {
	natsContainer := testnats.SetupSharedNATS(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockMetrics := commonmetrics.NewMock()

	subject := "test.producer." + uuid.NewString()[:8]
	producer, err := messaging.NewProducer(natsContainer.URL, subject, logger, mockMetrics.Messaging)
	require.NoError(t, err)
	defer producer.Close()

	conn := natsContainer.Connect(t)
	sub, err := conn.SubscribeSync(subject + ".>")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	event := newEvent(events.StudentDeleted)
	require.NoError(t, producer.Publish(context.Background(), event))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, subject+".deleted", msg.Subject)
	assert.Equal(t, events.StudentDeleted, msg.Header.Get(messaging.EventTypeHeader))
	assert.Equal(t, event.ID.String(), msg.Header.Get(nats.MsgIdHdr))

	var got events.StudentEvent
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, event.StudentID, got.StudentID)
	assert.Equal(t, event.RollNo, got.RollNo)
	assert.Equal(t, "deleted", got.Action())
}

func TestConsumer_StoresAuditTrail(t *testing.T) {
	natsContainer := testnats.SetupSharedNATS(t)
	pgContainer := testdb.SetupSharedPostgres(t)
	pgContainer.RunMigrations(t, (*audit.Event)(nil))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockMetrics := commonmetrics.NewMock()
	repo := audit.NewRepository(pgContainer.DB, mockMetrics)

	subject := "test.audit." + uuid.NewString()[:8]
	consumer, err := messaging.NewConsumer(natsContainer.URL, subject, repo, logger, mockMetrics.Messaging)
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Start(ctx) }()

	require.Eventually(t, func() bool { return consumer.HealthCheck() == nil }, 5*time.Second, 50*time.Millisecond)

	producer, err := messaging.NewProducer(natsContainer.URL, subject, logger, mockMetrics.Messaging)
	require.NoError(t, err)
	defer producer.Close()

	history := func(id uuid.UUID) func() []audit.Event {
		return func() []audit.Event {
			list, err := repo.ListByStudent(context.Background(), id, 0)
			if err != nil {
				return nil
			}
			return list
		}
	}

	t.Run("StoresPublishedEvents", func(t *testing.T) {
		testdb.CleanupTables(t, pgContainer.DB, "student_events")

		created := newEvent(events.StudentCreated)
		updated := created
		updated.ID = uuid.New()
		updated.Type = events.StudentUpdated
		updated.OccurredAt = created.OccurredAt.Add(time.Second)

		// The consumer subscription may still be propagating, retry the first publish.
		require.Eventually(t, func() bool {
			if err := producer.Publish(context.Background(), created); err != nil {
				return false
			}
			return len(history(created.StudentID)()) == 1
		}, 5*time.Second, 200*time.Millisecond)

		require.NoError(t, producer.Publish(context.Background(), updated))
		require.Eventually(t, func() bool { return len(history(created.StudentID)()) == 2 }, 5*time.Second, 50*time.Millisecond)

		list := history(created.StudentID)()
		assert.Equal(t, events.StudentUpdated, list[0].Type)
		assert.Equal(t, events.StudentCreated, list[1].Type)
		assert.Equal(t, "teacher1", list[1].Actor)
	})

	t.Run("IgnoresInvalidPayload", func(t *testing.T) {
		testdb.CleanupTables(t, pgContainer.DB, "student_events")

		conn := natsContainer.Connect(t)
		require.NoError(t, conn.Publish(subject+".created", []byte("invalid json")))

		valid := newEvent(events.StudentPurged)
		require.NoError(t, producer.Publish(context.Background(), valid))
		require.Eventually(t, func() bool { return len(history(valid.StudentID)()) == 1 }, 5*time.Second, 50*time.Millisecond)

		count, err := pgContainer.DB.NewSelect().Model((*audit.Event)(nil)).Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}

func TestConsumer_ReadinessFollowsConnection(t *testing.T) {
	natsContainer := testnats.SetupSharedNATS(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mockMetrics := commonmetrics.NewMock()

	consumer, err := messaging.NewConsumer(natsContainer.URL, "test.ready."+uuid.NewString()[:8], nil, logger, mockMetrics.Messaging)
	require.NoError(t, err)

	h := health.NewHandler(mockMetrics.Health, logger)
	h.AddCheck("nats_consumer", func(context.Context) error { return consumer.HealthCheck() })

	ready, checks := h.Probe(context.Background())
	assert.True(t, ready)
	assert.Equal(t, "ok", checks["nats_consumer"])

	require.NoError(t, consumer.Close())

	ready, checks = h.Probe(context.Background())
	assert.False(t, ready)
	assert.NotEqual(t, "ok", checks["nats_consumer"])
}
