package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"roster-service/common/metrics"
	"roster-service/internal/audit"
	"roster-service/internal/events"

	"github.com/nats-io/nats.go"
)

// AuditQueue is the queue group of the audit consumers, so each event is
// stored by one replica.
const AuditQueue = "roster-audit"

const storeTimeout = 5 * time.Second

// Consumer stores every student event published under <subject>.> in the
// audit trail.
type Consumer struct {
	conn       *nats.Conn
	sub        *nats.Subscription
	subject    string
	repository audit.Repository
	logger     *slog.Logger
	metrics    *metrics.MessagingMetrics
}

func NewConsumer(url string, subject string, repository audit.Repository, logger *slog.Logger, m *metrics.MessagingMetrics) (*Consumer, error) {
	nc, err := nats.Connect(url, nats.Name("roster-service-audit"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	m.RecordConnectionChange(context.Background(), system, 1)

	return &Consumer{
		conn:       nc,
		subject:    subject + ".>",
		repository: repository,
		logger:     logger,
		metrics:    m,
	}, nil
}

// Start subscribes and blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.conn.QueueSubscribe(c.subject, AuditQueue, c.handle)
	if err != nil {
		return err
	}
	// Make sure the server registered the interest before reporting ready.
	if err := c.conn.Flush(); err != nil {
		return err
	}

	c.sub = sub
	c.logger.Info("NATS consumer started", "subject", c.subject, "queue", AuditQueue)

	<-ctx.Done()
	return nil
}

func (c *Consumer) handle(msg *nats.Msg) {
	start := time.Now()

	var event events.StudentEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.metrics.RecordConsume(context.Background(), system, msg.Subject, time.Since(start), err)
		c.logger.Error("failed to unmarshal student event", "subject", msg.Subject, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	stored, err := c.repository.Record(ctx, audit.FromStudentEvent(event))
	c.metrics.RecordConsume(ctx, system, msg.Subject, time.Since(start), err)
	if err != nil {
		c.logger.Error("failed to store student event", "event_id", event.ID, "type", event.Type, "error", err)
		return
	}
	if !stored {
		c.logger.Debug("duplicate student event ignored", "event_id", event.ID)
		return
	}

	c.logger.Info("student event stored", "event_id", event.ID, "type", event.Type, "student_id", event.StudentID)
}

func (c *Consumer) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.conn.Close()
	c.metrics.RecordConnectionChange(context.Background(), system, -1)
	return nil
}

// HealthCheck reports whether the audit subscription still has a live
// connection. Registered as a readiness check.
func (c *Consumer) HealthCheck() error {
	if c.conn == nil {
		return nats.ErrConnectionClosed
	}

	if !c.conn.IsConnected() {
		return nats.ErrDisconnected
	}

	return nil
}
