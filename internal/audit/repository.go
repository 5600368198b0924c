package audit

import (
	"context"
	"time"

	"roster-service/common/metrics"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const table = "student_events"

// Repository stores lifecycle events. Record is idempotent on the event id,
// so a redelivered message is stored once.
type Repository interface {
	Record(ctx context.Context, e *Event) (stored bool, err error)
	ListByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]Event, error)
}

type repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) Repository {
	return &repository{db: db, metrics: m}
}

func (r *repository) record(ctx context.Context, operation string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.Database.RecordQuery(ctx, operation, table, time.Since(start), err)
	}
}

func (r *repository) Record(ctx context.Context, e *Event) (bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}

	start := time.Now()
	res, err := r.db.NewInsert().Model(e).
		On("CONFLICT (event_id) DO NOTHING").
		Returning("NULL").
		Exec(ctx)

	r.record(ctx, "insert", start, err)

	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListByStudent returns the newest events first.
func (r *repository) ListByStudent(ctx context.Context, studentID uuid.UUID, limit int) ([]Event, error) {
	start := time.Now()
	var list []Event
	q := r.db.NewSelect().Model(&list).
		Where("se.student_id = ?", studentID).
		OrderExpr("se.occurred_at DESC, se.id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Scan(ctx)

	r.record(ctx, "select", start, err)

	return list, err
}
