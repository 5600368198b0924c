package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"roster-service/common/metrics"
	"roster-service/internal/db"

	"github.com/uptrace/bun"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, id int64, req UpdateRequest, at time.Time) (*Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Stats(ctx context.Context, q Query) ([]Stats, error)
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
		r.metrics.Database.RecordQuery(ctx, operation, "attendance", time.Since(start), err)
	}
}

func (r *repository) Create(ctx context.Context, rec *Record) error {
	start := time.Now()
	_, err := r.db.NewInsert().Model(rec).Returning("*").Exec(ctx)

	r.record(ctx, "insert", start, err)

	if constraint, ok := db.UniqueViolation(err); ok && constraint == uniqueMarkIndex {
		return ErrAlreadyMarked
	}
	return err
}

func (r *repository) Update(ctx context.Context, id int64, req UpdateRequest, at time.Time) (*Record, error) {
	start := time.Now()
	rec := new(Record)
	q := r.db.NewUpdate().Model(rec).
		Set("updated_at = ?", at).
		Where("a.id = ?", id).
		Returning("*")
	if req.Status != nil {
		q = q.Set("status = ?", *req.Status)
	}
	if req.Remarks != nil {
		q = q.Set("remarks = NULLIF(?, '')", *req.Remarks)
	}
	res, err := q.Exec(ctx)

	r.record(ctx, "update", start, err)

	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (r *repository) List(ctx context.Context, q Query) ([]Record, error) {
	start := time.Now()
	var records []Record
	err := applyQuery(r.db.NewSelect().Model(&records), q).
		Order("a.date DESC", "a.subject ASC", "a.id ASC").
		Scan(ctx)

	r.record(ctx, "select", start, err)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return records, nil
}

func (r *repository) Stats(ctx context.Context, q Query) ([]Stats, error) {
	start := time.Now()
	var stats []Stats
	err := applyQuery(r.db.NewSelect().Model((*Record)(nil)), q).
		ColumnExpr("a.student_id AS student_id").
		ColumnExpr("count(*) AS total_classes").
		ColumnExpr("count(*) FILTER (WHERE a.status = ?) AS present", StatusPresent).
		ColumnExpr("count(*) FILTER (WHERE a.status = ?) AS absent", StatusAbsent).
		ColumnExpr("count(*) FILTER (WHERE a.status = ?) AS late", StatusLate).
		Group("a.student_id").
		Order("a.student_id").
		Scan(ctx, &stats)

	r.record(ctx, "stats", start, err)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return stats, nil
}

func applyQuery(sel *bun.SelectQuery, q Query) *bun.SelectQuery {
	if q.StudentID != nil {
		sel = sel.Where("a.student_id = ?", *q.StudentID)
	}
	if q.Subject != "" {
		sel = sel.Where("a.subject = ?", q.Subject)
	}
	if q.From != nil {
		sel = sel.Where("a.date >= ?", *q.From)
	}
	if q.To != nil {
		sel = sel.Where("a.date <= ?", *q.To)
	}
	return sel
}
