package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"roster-service/common/metrics"
	"roster-service/internal/events"

	"github.com/nats-io/nats.go"
)

const (
	system          = "nats"
	EventTypeHeader = "Event-Type"
)

// Producer publishes student events to <subject>.<action>, for example
// roster.students.created.
type Producer struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
	metrics *metrics.MessagingMetrics
}

func NewProducer(url string, subject string, logger *slog.Logger, m *metrics.MessagingMetrics) (*Producer, error) {
	nc, err := nats.Connect(url,
		nats.Name("roster-service"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}

	logger.Info("NATS producer initialized", "url", url, "subject", subject)
	m.RecordConnectionChange(context.Background(), system, 1)

	return &Producer{
		conn:    nc,
		subject: subject,
		logger:  logger,
		metrics: m,
	}, nil
}

// Subject returns the subject an event of the given action is published on.
func (p *Producer) Subject(action string) string {
	return p.subject + "." + action
}

func (p *Producer) Publish(ctx context.Context, event events.StudentEvent) error {
	start := time.Now()
	subject := p.Subject(event.Action())

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set(EventTypeHeader, event.Type)
	msg.Header.Set(nats.MsgIdHdr, event.ID.String())
	msg.Data = payload

	err = p.conn.PublishMsg(msg)
	p.metrics.RecordPublish(ctx, system, subject, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}

	p.logger.DebugContext(ctx, "event published to NATS", "subject", subject, "student_id", event.StudentID)
	return nil
}

// Conn exposes the connection for health checks.
func (p *Producer) Conn() *nats.Conn {
	return p.conn
}

func (p *Producer) Close() error {
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
	p.metrics.RecordConnectionChange(context.Background(), system, -1)
	return nil
}
