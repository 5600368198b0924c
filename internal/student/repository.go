package student

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"roster-service/common/metrics"
	"roster-service/internal/db"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Changes maps column names to their new values for Update.
type Changes map[string]interface{}

// Repository is the storage port of the roster. Implementations translate
// driver errors into the package's error kinds and enforce roll number and
// email uniqueness among live records atomically.
type Repository interface {
	// Create inserts s. A roll number or email held by a live record yields
	// ErrRollNumberTaken or ErrEmailTaken, an existing id ErrDuplicateID.
	Create(ctx context.Context, s *Student) error
	GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*Student, error)
	// Update applies changes to the record with id in any state and returns the result.
	Update(ctx context.Context, id uuid.UUID, changes Changes) (*Student, error)
	// SoftDelete marks a live record deleted. ErrStudentNotFound when no live record matches.
	SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*Student, error)
	// Restore clears the marker of a deleted record. ErrStudentNotFound when no deleted record matches.
	Restore(ctx context.Context, id uuid.UUID, at time.Time) (*Student, error)
	HardDelete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, q ListQuery) ([]Student, int, error)
	Search(ctx context.Context, term string, limit int) ([]Student, error)
	Export(ctx context.Context, f Filter, limit int) ([]Student, error)
	// MaxRollNo is the highest live roll number in the class and section, 0 if none.
	MaxRollNo(ctx context.Context, className, section string) (int, error)
	// FirstFreeRollNo is the smallest number >= from not held by a live record.
	FirstFreeRollNo(ctx context.Context, from int) (int, error)
	ClassStatistics(ctx context.Context, className string) ([]SectionStats, error)
}

type repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) Repository {
	return &repository{
		db:      db,
		metrics: m,
	}
}

func (r *repository) record(ctx context.Context, operation string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.Database.RecordQuery(ctx, operation, "students", time.Since(start), err)
	}
}

func (r *repository) Create(ctx context.Context, s *Student) error {
	start := time.Now()
	_, err := r.db.NewInsert().Model(s).Returning("*").Exec(ctx)

	r.record(ctx, "insert", start, err)

	return translateError(err)
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*Student, error) {
	start := time.Now()
	s := new(Student)
	q := r.db.NewSelect().Model(s).Where("s.id = ?", id)
	if !includeDeleted {
		q = q.Where("s.deleted_at IS NULL")
	}
	err := q.Scan(ctx)

	r.record(ctx, "select", start, err)

	if err != nil {
		return nil, translateError(err)
	}
	return s, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, changes Changes) (*Student, error) {
	start := time.Now()
	s := new(Student)
	q := r.db.NewUpdate().Model(s).Where("s.id = ?", id).Returning("*")
	for column, value := range changes {
		q = q.Set("? = ?", bun.Ident(column), value)
	}
	res, err := q.Exec(ctx)

	r.record(ctx, "update", start, err)

	return r.scannedOne(s, res, err)
}

func (r *repository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*Student, error) {
	start := time.Now()
	s := new(Student)
	res, err := r.db.NewUpdate().Model(s).
		Set("deleted_at = ?", at).
		Set("status = ?", StatusInactive).
		Set("updated_at = ?", at).
		Where("s.id = ?", id).
		Where("s.deleted_at IS NULL").
		Returning("*").
		Exec(ctx)

	r.record(ctx, "soft_delete", start, err)

	return r.scannedOne(s, res, err)
}

func (r *repository) Restore(ctx context.Context, id uuid.UUID, at time.Time) (*Student, error) {
	start := time.Now()
	s := new(Student)
	res, err := r.db.NewUpdate().Model(s).
		Set("deleted_at = NULL").
		Set("status = ?", StatusActive).
		Set("updated_at = ?", at).
		Where("s.id = ?", id).
		Where("s.deleted_at IS NOT NULL").
		Returning("*").
		Exec(ctx)

	r.record(ctx, "restore", start, err)

	return r.scannedOne(s, res, err)
}

func (r *repository) scannedOne(s *Student, res sql.Result, err error) (*Student, error) {
	if err != nil {
		return nil, translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, translateError(err)
	}
	if n == 0 {
		return nil, ErrStudentNotFound
	}
	return s, nil
}

func (r *repository) HardDelete(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	res, err := r.db.NewDelete().Model((*Student)(nil)).Where("id = ?", id).Exec(ctx)

	r.record(ctx, "delete", start, err)

	if err != nil {
		return translateError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translateError(err)
	}
	if n == 0 {
		return ErrStudentNotFound
	}
	return nil
}

func (r *repository) List(ctx context.Context, q ListQuery) ([]Student, int, error) {
	start := time.Now()
	var students []Student
	sel := applyFilter(r.db.NewSelect().Model(&students), q.Filter)

	direction := "DESC"
	if q.SortOrder == "asc" {
		direction = "ASC"
	}
	sel = sel.OrderExpr("s.? "+direction, bun.Ident(sortColumns[q.SortBy])).
		OrderExpr("s.id " + direction).
		Limit(q.PageSize).
		Offset((q.Page - 1) * q.PageSize)

	total, err := sel.ScanAndCount(ctx)

	r.record(ctx, "select", start, err)

	if err != nil {
		return nil, 0, translateError(err)
	}
	return students, total, nil
}

func (r *repository) Search(ctx context.Context, term string, limit int) ([]Student, error) {
	start := time.Now()
	var students []Student

	contains := "%" + escapeLike(term) + "%"
	prefix := escapeLike(term) + "%"
	rollNo := -1
	if n, err := strconv.Atoi(term); err == nil {
		rollNo = n
	}

	err := applyFilter(r.db.NewSelect().Model(&students), Filter{Status: StatusActive, Search: term}).
		OrderExpr("CASE WHEN s.roll_no = ? THEN 0 WHEN s.full_name ILIKE ? THEN 1 WHEN s.full_name ILIKE ? THEN 2 ELSE 3 END", rollNo, prefix, contains).
		OrderExpr("s.full_name ASC").
		OrderExpr("s.id ASC").
		Limit(limit).
		Scan(ctx)

	r.record(ctx, "search", start, err)

	if err != nil {
		return nil, translateError(err)
	}
	return students, nil
}

func (r *repository) Export(ctx context.Context, f Filter, limit int) ([]Student, error) {
	start := time.Now()
	var students []Student
	err := applyFilter(r.db.NewSelect().Model(&students), f).
		Order("s.class_name ASC", "s.section ASC", "s.roll_no ASC").
		Limit(limit).
		Scan(ctx)

	r.record(ctx, "export", start, err)

	if err != nil {
		return nil, translateError(err)
	}
	return students, nil
}

func (r *repository) MaxRollNo(ctx context.Context, className, section string) (int, error) {
	start := time.Now()
	var highest int
	err := r.db.NewSelect().Model((*Student)(nil)).
		ColumnExpr("COALESCE(MAX(s.roll_no), 0)").
		Where("s.class_name = ?", className).
		Where("s.section = ?", section).
		Where("s.deleted_at IS NULL").
		Scan(ctx, &highest)

	r.record(ctx, "max_roll_no", start, err)

	if err != nil {
		return 0, translateError(err)
	}
	return highest, nil
}

// The smallest free number >= from is either from itself or one past some
// live roll number >= from.
const firstFreeRollNoQuery = `
SELECT MIN(c.candidate) FROM (
	SELECT ?::int AS candidate
	UNION ALL
	SELECT roll_no + 1 FROM students WHERE deleted_at IS NULL AND roll_no >= ?
) AS c
WHERE NOT EXISTS (
	SELECT 1 FROM students t WHERE t.deleted_at IS NULL AND t.roll_no = c.candidate
)`

func (r *repository) FirstFreeRollNo(ctx context.Context, from int) (int, error) {
	start := time.Now()
	var n int
	err := r.db.NewRaw(firstFreeRollNoQuery, from, from).Scan(ctx, &n)

	r.record(ctx, "first_free_roll_no", start, err)

	if err != nil {
		return 0, translateError(err)
	}
	return n, nil
}

func (r *repository) ClassStatistics(ctx context.Context, className string) ([]SectionStats, error) {
	start := time.Now()
	var stats []SectionStats
	err := r.db.NewSelect().Model((*Student)(nil)).
		ColumnExpr("s.section AS section").
		ColumnExpr("count(*) AS count").
		ColumnExpr("count(*) FILTER (WHERE s.gender = ?) AS male_count", GenderMale).
		ColumnExpr("count(*) FILTER (WHERE s.gender = ?) AS female_count", GenderFemale).
		ColumnExpr("count(*) FILTER (WHERE s.gender = ?) AS other_count", GenderOther).
		Where("s.class_name = ?", className).
		Where("s.deleted_at IS NULL").
		Group("s.section").
		Order("s.section ASC").
		Scan(ctx, &stats)

	r.record(ctx, "class_statistics", start, err)

	if err != nil {
		return nil, translateError(err)
	}
	return stats, nil
}

func applyFilter(q *bun.SelectQuery, f Filter) *bun.SelectQuery {
	if !f.IncludeDeleted {
		q = q.Where("s.deleted_at IS NULL")
	}
	if f.Status != "" && f.Status != StatusAll {
		q = q.Where("s.status = ?", f.Status)
	}
	if f.ClassName != "" {
		q = q.Where("s.class_name = ?", f.ClassName)
	}
	if f.Section != "" {
		q = q.Where("s.section = ?", f.Section)
	}
	if f.Gender != "" {
		q = q.Where("s.gender = ?", f.Gender)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		pattern := "%" + escapeLike(term) + "%"
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			q = q.Where("s.full_name ILIKE ?", pattern).
				WhereOr("s.parent_name ILIKE ?", pattern).
				WhereOr("s.parent_phone ILIKE ?", pattern)
			if n, err := strconv.Atoi(term); err == nil {
				q = q.WhereOr("s.roll_no = ?", n)
			}
			return q
		})
	}
	return q
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes user input match literally inside a LIKE pattern.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// translateError maps driver errors onto the package's error kinds.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStudentNotFound
	}
	if constraint, ok := db.UniqueViolation(err); ok {
		switch constraint {
		case rollNoIndex:
			return ErrRollNumberTaken
		case emailIndex:
			return ErrEmailTaken
		case "students_pkey":
			return ErrDuplicateID
		}
		return fmt.Errorf("%w: %s", ErrConflict, constraint)
	}
	if db.Transient(err) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}
