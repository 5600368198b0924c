// Package events defines the student lifecycle events published after every
// successful roster write.
package events

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StudentCreated  = "student.created"
	StudentUpdated  = "student.updated"
	StudentDeleted  = "student.deleted"
	StudentRestored = "student.restored"
	StudentPurged   = "student.purged"
)

type StudentEvent struct {
	ID         uuid.UUID `json:"id"`
	Type       string    `json:"type"`
	StudentID  uuid.UUID `json:"studentId"`
	RollNo     int       `json:"rollNo"`
	ClassName  string    `json:"className"`
	Section    string    `json:"section"`
	Actor      string    `json:"actor,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Action is the type without its "student." prefix, e.g. "created".
func (e StudentEvent) Action() string {
	return strings.TrimPrefix(e.Type, "student.")
}

// Publisher delivers events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event StudentEvent) error
	Close() error
}

// Nop drops every event. It is used when events.driver is none.
type Nop struct{}

func (Nop) Publish(context.Context, StudentEvent) error { return nil }
func (Nop) Close() error                                { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []StudentEvent
	// Err, when set, is returned by Publish and the event is not kept.
	Err error
}

func (r *Recorder) Publish(_ context.Context, event StudentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []StudentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StudentEvent(nil), r.events...)
}
