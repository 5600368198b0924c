package audit

import (
	"context"

	"roster-service/internal/events"
)

// Publisher writes events straight into the trail. It stands in for a
// broker when events.driver is none, so history still works in a single
// process deployment.
type Publisher struct {
	repo Repository
}

func NewPublisher(repo Repository) *Publisher {
	return &Publisher{repo: repo}
}

func (p *Publisher) Publish(ctx context.Context, event events.StudentEvent) error {
	_, err := p.repo.Record(ctx, FromStudentEvent(event))
	return err
}

func (p *Publisher) Close() error { return nil }
