package student

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"roster-service/internal/metrics"
	"roster-service/internal/validate"

	"github.com/google/uuid"
)

// Service is the roster manager. It validates input, allocates roll numbers
// and drives the soft-delete lifecycle. It never logs; callers decide how to
// report the returned error kinds.
type Service interface {
	CreateStudent(ctx context.Context, in CreateInput) (*Student, error)
	GetStudent(ctx context.Context, id uuid.UUID, includeDeleted bool) (*Student, error)
	UpdateStudent(ctx context.Context, id uuid.UUID, patch Patch) (*Student, error)
	// SoftDeleteStudent reports changed=false when the record was already deleted.
	SoftDeleteStudent(ctx context.Context, id uuid.UUID) (s *Student, changed bool, err error)
	RestoreStudent(ctx context.Context, id uuid.UUID) (*Student, error)
	// HardDeleteStudent returns the record as it was before removal.
	HardDeleteStudent(ctx context.Context, id uuid.UUID) (*Student, error)
	ListStudents(ctx context.Context, q ListQuery) (*Page, error)
	SearchStudents(ctx context.Context, term string, limit int) ([]Student, error)
	NextRollNumber(ctx context.Context, className, section string) (int, error)
	ClassStatistics(ctx context.Context, className string) (*ClassStats, error)
	ExportStudents(ctx context.Context, f Filter) ([]Student, error)
}

// StatsCache stores class statistics between writes. Implementations swallow
// their own failures: a broken cache behaves as a miss. Writes from other
// instances can leave an entry stale for at most its TTL.
type StatsCache interface {
	Get(ctx context.Context, className string) (*ClassStats, bool)
	Set(ctx context.Context, stats *ClassStats)
	Invalidate(ctx context.Context, classNames ...string)
}

type Config struct {
	RollNumberBase        int
	MaxAllocationAttempts int
	DefaultPageSize       int
	MaxPageSize           int
	ExportLimit           int
	SearchMinLength       int
	QueryTimeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RollNumberBase:        101,
		MaxAllocationAttempts: 3,
		DefaultPageSize:       10,
		MaxPageSize:           50,
		ExportLimit:           10000,
		SearchMinLength:       2,
		QueryTimeout:          5 * time.Second,
	}
}

type Option func(*service)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *service) { s.metrics = m }
}

func WithStatsCache(c StatsCache) Option {
	return func(s *service) { s.cache = c }
}

// WithClock replaces time.Now, tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *service) { s.clock = now }
}

type service struct {
	repo      Repository
	cfg       Config
	validator *validate.Validator
	metrics   *metrics.Metrics
	cache     StatsCache
	clock     func() time.Time

	// statsGen counts invalidations so a statistics read that raced a
	// write does not leave its result in the cache.
	statsGen atomic.Uint64
}

func NewService(repo Repository, cfg Config, opts ...Option) Service {
	def := DefaultConfig()
	if cfg.RollNumberBase < 1 {
		cfg.RollNumberBase = def.RollNumberBase
	}
	if cfg.MaxAllocationAttempts < 1 {
		cfg.MaxAllocationAttempts = def.MaxAllocationAttempts
	}
	if cfg.DefaultPageSize < 1 {
		cfg.DefaultPageSize = def.DefaultPageSize
	}
	if cfg.MaxPageSize < 1 {
		cfg.MaxPageSize = def.MaxPageSize
	}
	if cfg.ExportLimit < 1 {
		cfg.ExportLimit = def.ExportLimit
	}
	if cfg.SearchMinLength < 1 {
		cfg.SearchMinLength = def.SearchMinLength
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = def.QueryTimeout
	}

	s := &service{
		repo:      repo,
		cfg:       cfg,
		validator: validate.New(),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// now is truncated to the storage precision so returned records compare
// equal to what a later read sees.
func (s *service) now() time.Time {
	return s.clock().UTC().Truncate(time.Microsecond)
}

// call runs a single storage call under the configured timeout.
func (s *service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	return fn(ctx)
}

// read is call with one retry on a transient failure. Writes never go through it.
func (s *service) read(ctx context.Context, fn func(ctx context.Context) error) error {
	err := s.call(ctx, fn)
	if errors.Is(err, ErrStorageUnavailable) && ctx.Err() == nil {
		err = s.call(ctx, fn)
	}
	return err
}

func (s *service) invalidate(ctx context.Context, classNames ...string) {
	if s.cache != nil {
		s.statsGen.Add(1)
		s.cache.Invalidate(ctx, classNames...)
	}
}

func (s *service) CreateStudent(ctx context.Context, in CreateInput) (*Student, error) {
	in.normalize()
	if err := s.validator.Struct(&in); err != nil {
		return nil, newValidationError(err)
	}

	now := s.now()
	st := &Student{
		ID:             uuid.New(),
		FullName:       in.FullName,
		Email:          in.Email,
		ClassName:      in.ClassName,
		Section:        in.Section,
		Gender:         in.Gender,
		DateOfBirth:    parseDate(in.DateOfBirth),
		ParentName:     in.ParentName,
		ParentPhone:    in.ParentPhone,
		EmergencyPhone: in.EmergencyPhone,
		Address:        in.Address,
		PhotoURL:       in.PhotoURL,
		Status:         StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if in.RollNo != nil {
		st.RollNo = *in.RollNo
		err := s.call(ctx, func(ctx context.Context) error { return s.repo.Create(ctx, st) })
		if err != nil {
			return nil, err
		}
		s.invalidate(ctx, st.ClassName)
		return st, nil
	}

	created, err := s.createWithAllocatedRollNo(ctx, st)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, created.ClassName)
	return created, nil
}

// createWithAllocatedRollNo closes the gap between computing the next number
// and inserting it: the partial unique index rejects a number taken in
// between and the loop allocates again. The id stays fixed across attempts,
// so ErrDuplicateID means an earlier attempt was stored.
func (s *service) createWithAllocatedRollNo(ctx context.Context, st *Student) (*Student, error) {
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAllocationAttempts; attempt++ {
		if attempt > 1 {
			s.metrics.RecordAllocationRetry(ctx)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := s.nextRollNumber(ctx, st.ClassName, st.Section)
		if err != nil {
			if errors.Is(err, ErrStorageUnavailable) {
				lastErr = err
				continue
			}
			return nil, err
		}
		st.RollNo = next

		err = s.call(ctx, func(ctx context.Context) error { return s.repo.Create(ctx, st) })
		switch {
		case err == nil:
			s.metrics.RecordRollNumberAllocated(ctx)
			return st, nil
		case errors.Is(err, ErrDuplicateID):
			var stored *Student
			err := s.read(ctx, func(ctx context.Context) error {
				var err error
				stored, err = s.repo.GetByID(ctx, st.ID, true)
				return err
			})
			if err != nil {
				return nil, err
			}
			return stored, nil
		case errors.Is(err, ErrRollNumberTaken), errors.Is(err, ErrStorageUnavailable):
			lastErr = err
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("allocate roll number after %d attempts: %w", s.cfg.MaxAllocationAttempts, lastErr)
}

func (s *service) NextRollNumber(ctx context.Context, className, section string) (int, error) {
	className = strings.TrimSpace(className)
	section = strings.ToUpper(strings.TrimSpace(section))

	var fields validate.Errors
	if !validate.IsClassName(className) {
		fields = append(fields, validate.FieldError{Field: "className", Message: "className must be one of Class 1 to Class 12"})
	}
	if !validate.IsSection(section) {
		fields = append(fields, validate.FieldError{Field: "section", Message: "section must be one of A, B, C, D, E"})
	}
	if len(fields) > 0 {
		return 0, &ValidationError{Fields: fields}
	}

	return s.nextRollNumber(ctx, className, section)
}

// nextRollNumber follows the class/section sequence (highest live number + 1,
// or the base) and skips numbers held by live records elsewhere, since roll
// numbers are unique across the whole roster. Deleted records do not count
// towards the maximum, so gaps they leave below it are never filled.
func (s *service) nextRollNumber(ctx context.Context, className, section string) (int, error) {
	var highest int
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		highest, err = s.repo.MaxRollNo(ctx, className, section)
		return err
	})
	if err != nil {
		return 0, err
	}

	candidate := s.cfg.RollNumberBase
	if highest > 0 {
		candidate = highest + 1
	}

	var next int
	err = s.read(ctx, func(ctx context.Context) error {
		var err error
		next, err = s.repo.FirstFreeRollNo(ctx, candidate)
		return err
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *service) GetStudent(ctx context.Context, id uuid.UUID, includeDeleted bool) (*Student, error) {
	var st *Student
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		st, err = s.repo.GetByID(ctx, id, includeDeleted)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *service) UpdateStudent(ctx context.Context, id uuid.UUID, patch Patch) (*Student, error) {
	if patch.IsEmpty() {
		return nil, fieldError("body", "at least one updatable field is required")
	}
	patch.normalize()

	changes, err := s.changesFor(patch)
	if err != nil {
		return nil, err
	}
	changes["updated_at"] = s.now()

	// The old class needs its cached statistics dropped too.
	var before *Student
	if patch.ClassName != nil {
		before, err = s.GetStudent(ctx, id, true)
		if err != nil {
			return nil, err
		}
	}

	var updated *Student
	err = s.call(ctx, func(ctx context.Context) error {
		var err error
		updated, err = s.repo.Update(ctx, id, changes)
		return err
	})
	if err != nil {
		return nil, err
	}

	if before != nil && before.ClassName != updated.ClassName {
		s.invalidate(ctx, before.ClassName, updated.ClassName)
	} else {
		s.invalidate(ctx, updated.ClassName)
	}
	return updated, nil
}

// changesFor validates the patch and converts it to column changes. Empty
// strings on optional fields clear them.
func (s *service) changesFor(p Patch) (Changes, error) {
	changes := Changes{}

	clearIfEmpty := func(field **string, column string) {
		if *field != nil && **field == "" {
			changes[column] = nil
			*field = nil
		}
	}
	clearIfEmpty(&p.Email, "email")
	clearIfEmpty(&p.Gender, "gender")
	clearIfEmpty(&p.EmergencyPhone, "emergency_phone")
	clearIfEmpty(&p.PhotoURL, "photo_url")
	if p.DateOfBirth != nil && *p.DateOfBirth == "" {
		changes["date_of_birth"] = nil
		p.DateOfBirth = nil
	}

	if err := s.validator.Struct(&p); err != nil {
		return nil, newValidationError(err)
	}

	setString := func(v *string, column string) {
		if v != nil {
			changes[column] = *v
		}
	}
	setString(p.FullName, "full_name")
	setString(p.Email, "email")
	setString(p.ClassName, "class_name")
	setString(p.Section, "section")
	setString(p.Gender, "gender")
	setString(p.ParentName, "parent_name")
	setString(p.ParentPhone, "parent_phone")
	setString(p.EmergencyPhone, "emergency_phone")
	setString(p.Address, "address")
	setString(p.PhotoURL, "photo_url")
	if p.RollNo != nil {
		changes["roll_no"] = *p.RollNo
	}
	if p.DateOfBirth != nil {
		changes["date_of_birth"] = parseDate(*p.DateOfBirth)
	}
	if p.Status != nil {
		changes["status"] = *p.Status
	}
	return changes, nil
}

func (s *service) SoftDeleteStudent(ctx context.Context, id uuid.UUID) (*Student, bool, error) {
	var deleted *Student
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = s.repo.SoftDelete(ctx, id, s.now())
		return err
	})
	if errors.Is(err, ErrStudentNotFound) {
		// Either unknown or already deleted; the latter is a no-op.
		existing, err := s.GetStudent(ctx, id, true)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	s.invalidate(ctx, deleted.ClassName)
	return deleted, true, nil
}

func (s *service) RestoreStudent(ctx context.Context, id uuid.UUID) (*Student, error) {
	var restored *Student
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		restored, err = s.repo.Restore(ctx, id, s.now())
		return err
	})
	if errors.Is(err, ErrStudentNotFound) {
		if _, err := s.GetStudent(ctx, id, true); err != nil {
			return nil, err
		}
		return nil, ErrStudentNotDeleted
	}
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, restored.ClassName)
	return restored, nil
}

func (s *service) HardDeleteStudent(ctx context.Context, id uuid.UUID) (*Student, error) {
	existing, err := s.GetStudent(ctx, id, true)
	if err != nil {
		return nil, err
	}

	err = s.call(ctx, func(ctx context.Context) error { return s.repo.HardDelete(ctx, id) })
	if err != nil {
		return nil, err
	}

	s.invalidate(ctx, existing.ClassName)
	return existing, nil
}

func (s *service) ListStudents(ctx context.Context, q ListQuery) (*Page, error) {
	q, err := s.normalizeListQuery(q)
	if err != nil {
		return nil, err
	}

	var (
		records []Student
		total   int
	)
	err = s.read(ctx, func(ctx context.Context) error {
		var err error
		records, total, err = s.repo.List(ctx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Student{}
	}

	return &Page{
		Records:    records,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
		TotalCount: total,
	}, nil
}

func (s *service) normalizeListQuery(q ListQuery) (ListQuery, error) {
	var fields validate.Errors

	switch {
	case q.Page == 0:
		q.Page = 1
	case q.Page < 0:
		fields = append(fields, validate.FieldError{Field: "page", Message: "page must be 1 or greater"})
	}

	switch {
	case q.PageSize == 0:
		q.PageSize = s.cfg.DefaultPageSize
	case q.PageSize < 0:
		fields = append(fields, validate.FieldError{Field: "pageSize", Message: "pageSize must be 1 or greater"})
	case q.PageSize > s.cfg.MaxPageSize:
		q.PageSize = s.cfg.MaxPageSize
	}

	if q.SortBy == "" {
		q.SortBy = "createdAt"
	}
	if _, ok := sortColumns[q.SortBy]; !ok {
		fields = append(fields, validate.FieldError{Field: "sortBy", Message: "sortBy must be one of createdAt, updatedAt, fullName, rollNo, className, section"})
	}

	q.SortOrder = strings.ToLower(strings.TrimSpace(q.SortOrder))
	if q.SortOrder == "" {
		q.SortOrder = "desc"
	}
	if q.SortOrder != "asc" && q.SortOrder != "desc" {
		fields = append(fields, validate.FieldError{Field: "sortOrder", Message: "sortOrder must be asc or desc"})
	}

	f, filterFields := normalizeFilter(q.Filter)
	q.Filter = f
	fields = append(fields, filterFields...)

	if len(fields) > 0 {
		return q, &ValidationError{Fields: fields}
	}
	return q, nil
}

// normalizeFilter applies the status default: live records are listed as
// active unless deleted ones were asked for, in which case every status is.
func normalizeFilter(f Filter) (Filter, validate.Errors) {
	var fields validate.Errors

	f.Status = Status(strings.ToLower(strings.TrimSpace(string(f.Status))))
	switch f.Status {
	case "":
		f.Status = StatusActive
		if f.IncludeDeleted {
			f.Status = StatusAll
		}
	case StatusActive, StatusInactive, StatusTransferred, StatusGraduated, StatusAll:
	default:
		fields = append(fields, validate.FieldError{Field: "status", Message: "status must be one of active, inactive, transferred, graduated, all"})
	}

	f.ClassName = strings.TrimSpace(f.ClassName)
	if f.ClassName != "" && !validate.IsClassName(f.ClassName) {
		fields = append(fields, validate.FieldError{Field: "className", Message: "className must be one of Class 1 to Class 12"})
	}

	f.Section = strings.ToUpper(strings.TrimSpace(f.Section))
	if f.Section != "" && !validate.IsSection(f.Section) {
		fields = append(fields, validate.FieldError{Field: "section", Message: "section must be one of A, B, C, D, E"})
	}

	f.Gender = strings.TrimSpace(f.Gender)
	switch f.Gender {
	case "", GenderMale, GenderFemale, GenderOther:
	default:
		fields = append(fields, validate.FieldError{Field: "gender", Message: "gender must be one of Male, Female, Other"})
	}

	f.Search = strings.TrimSpace(f.Search)
	return f, fields
}

func (s *service) SearchStudents(ctx context.Context, term string, limit int) ([]Student, error) {
	switch {
	case limit == 0:
		limit = s.cfg.DefaultPageSize
	case limit < 0:
		return nil, fieldError("limit", "limit must be 1 or greater")
	case limit > s.cfg.MaxPageSize:
		limit = s.cfg.MaxPageSize
	}

	term = strings.TrimSpace(term)
	if utf8.RuneCountInString(term) < s.cfg.SearchMinLength {
		return []Student{}, nil
	}

	var found []Student
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		found, err = s.repo.Search(ctx, term, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		found = []Student{}
	}
	return found, nil
}

func (s *service) ClassStatistics(ctx context.Context, className string) (*ClassStats, error) {
	className = strings.TrimSpace(className)
	if !validate.IsClassName(className) {
		return nil, fieldError("className", "className must be one of Class 1 to Class 12")
	}

	if s.cache != nil {
		cached, ok := s.cache.Get(ctx, className)
		s.metrics.RecordStatsCacheLookup(ctx, ok)
		if ok {
			return cached, nil
		}
	}

	gen := s.statsGen.Load()
	var sections []SectionStats
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		sections, err = s.repo.ClassStatistics(ctx, className)
		return err
	})
	if err != nil {
		return nil, err
	}

	stats := &ClassStats{ClassName: className, Sections: []SectionStats{}}
	for _, sec := range sections {
		if sec.Count == 0 {
			continue
		}
		stats.Sections = append(stats.Sections, sec)
		stats.Total += sec.Count
	}

	if s.cache != nil && s.statsGen.Load() == gen {
		s.cache.Set(ctx, stats)
		if s.statsGen.Load() != gen {
			s.cache.Invalidate(ctx, className)
		}
	}
	return stats, nil
}

func (s *service) ExportStudents(ctx context.Context, f Filter) ([]Student, error) {
	f, fields := normalizeFilter(f)
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}

	var rows []Student
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		rows, err = s.repo.Export(ctx, f, s.cfg.ExportLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// parseDate expects a value already checked by the datetime validator.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return nil
	}
	return &d
}
