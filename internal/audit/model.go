// Package audit keeps the lifecycle trail of every student record, built
// from the events the roster publishes.
package audit

import (
	"context"
	"time"

	"roster-service/internal/events"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Event struct {
	bun.BaseModel `bun:"table:student_events,alias:se"`

	ID         int64     `bun:"id,pk,autoincrement" json:"-"`
	EventID    uuid.UUID `bun:"event_id,type:uuid,unique,notnull" json:"id"`
	Type       string    `bun:"type,notnull" json:"type"`
	StudentID  uuid.UUID `bun:"student_id,type:uuid,notnull" json:"studentId"`
	RollNo     int       `bun:"roll_no,notnull" json:"rollNo"`
	ClassName  string    `bun:"class_name,notnull" json:"className"`
	Section    string    `bun:"section,notnull" json:"section"`
	Actor      string    `bun:"actor,nullzero" json:"actor,omitempty"`
	OccurredAt time.Time `bun:"occurred_at,notnull" json:"occurredAt"`
	ReceivedAt time.Time `bun:"received_at,notnull,default:current_timestamp" json:"receivedAt"`
}

func (*Event) CreateIndexes(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().Model((*Event)(nil)).IfNotExists().
		Index("student_events_student_occurred_idx").Column("student_id", "occurred_at").
		Exec(ctx)
	return err
}

// FromStudentEvent converts a published event into its stored form.
func FromStudentEvent(e events.StudentEvent) *Event {
	return &Event{
		EventID:    e.ID,
		Type:       e.Type,
		StudentID:  e.StudentID,
		RollNo:     e.RollNo,
		ClassName:  e.ClassName,
		Section:    e.Section,
		Actor:      e.Actor,
		OccurredAt: e.OccurredAt.UTC(),
	}
}
