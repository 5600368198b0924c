package fee

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"roster-service/common/metrics"

	"github.com/uptrace/bun"
)

type Repository interface {
	Create(ctx context.Context, f *Fee) error
	GetByID(ctx context.Context, id int64) (*Fee, error)
	Save(ctx context.Context, f *Fee) error
	List(ctx context.Context, q Query) ([]Fee, error)
	TotalsByStatus(ctx context.Context, from, to *time.Time) (Stats, error)
	MarkOverdue(ctx context.Context, today time.Time) (int64, error)
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
		r.metrics.Database.RecordQuery(ctx, operation, "fees", time.Since(start), err)
	}
}

func (r *repository) Create(ctx context.Context, f *Fee) error {
	start := time.Now()
	_, err := r.db.NewInsert().Model(f).Returning("*").Exec(ctx)
	r.record(ctx, "insert", start, err)
	return err
}

func (r *repository) GetByID(ctx context.Context, id int64) (*Fee, error) {
	start := time.Now()
	f := new(Fee)
	err := r.db.NewSelect().Model(f).Where("f.id = ?", id).Scan(ctx)

	r.record(ctx, "select", start, err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFeeNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (r *repository) Save(ctx context.Context, f *Fee) error {
	start := time.Now()
	res, err := r.db.NewUpdate().Model(f).WherePK().Returning("*").Exec(ctx)

	r.record(ctx, "update", start, err)

	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFeeNotFound
	}
	return nil
}

func (r *repository) List(ctx context.Context, q Query) ([]Fee, error) {
	start := time.Now()
	var fees []Fee
	sel := r.db.NewSelect().Model(&fees)
	if q.StudentID != nil {
		sel = sel.Where("f.student_id = ?", *q.StudentID)
	}
	if q.Semester > 0 {
		sel = sel.Where("f.semester = ?", q.Semester)
	}
	if q.Status != "" {
		sel = sel.Where("f.status = ?", q.Status)
	}
	err := sel.Order("f.created_at DESC", "f.id DESC").Scan(ctx)

	r.record(ctx, "select", start, err)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return fees, nil
}

func (r *repository) TotalsByStatus(ctx context.Context, from, to *time.Time) (Stats, error) {
	start := time.Now()
	var rows []statusRow
	sel := r.db.NewSelect().Model((*Fee)(nil)).
		ColumnExpr("f.status AS status").
		ColumnExpr("COALESCE(SUM(f.amount), 0)::float8 AS amount").
		ColumnExpr("count(*) AS count").
		Group("f.status")
	if from != nil {
		sel = sel.Where("f.created_at >= ?", *from)
	}
	if to != nil {
		sel = sel.Where("f.created_at < ?", *to)
	}
	err := sel.Scan(ctx, &rows)

	r.record(ctx, "stats", start, err)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	stats := make(Stats, len(rows))
	for _, row := range rows {
		stats[row.Status] = StatusTotal{Amount: row.Amount, Count: row.Count}
	}
	return stats, nil
}

// MarkOverdue flags pending fees whose due date is before today.
func (r *repository) MarkOverdue(ctx context.Context, today time.Time) (int64, error) {
	start := time.Now()
	res, err := r.db.NewUpdate().Model((*Fee)(nil)).
		Set("status = ?", StatusOverdue).
		Set("updated_at = ?", time.Now().UTC()).
		Where("status = ?", StatusPending).
		Where("due_date < ?", today.Format(time.DateOnly)).
		Exec(ctx)

	r.record(ctx, "mark_overdue", start, err)

	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
