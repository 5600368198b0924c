package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"roster-service/internal/student"
	"roster-service/internal/validate"

	"github.com/google/uuid"
)

var (
	ErrRecordNotFound = errors.New("attendance record not found")
	ErrAlreadyMarked  = errors.New("attendance already marked for this date and subject")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNoRecords      = errors.New("no attendance records found")

	ErrStudentNotActive = fmt.Errorf("%w: student is not active", ErrInvalidInput)
)

// StudentFinder resolves the student a mark belongs to.
type StudentFinder interface {
	GetStudent(ctx context.Context, id uuid.UUID, includeDeleted bool) (*student.Student, error)
}

type Service interface {
	Mark(ctx context.Context, markedBy uuid.UUID, req MarkRequest) (*Record, error)
	Update(ctx context.Context, id int64, req UpdateRequest) (*Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Statistics(ctx context.Context, q Query) ([]Stats, error)
}

type service struct {
	repo      Repository
	students  StudentFinder
	validator *validate.Validator
	now       func() time.Time
}

func NewService(repo Repository, students StudentFinder) Service {
	return &service{
		repo:      repo,
		students:  students,
		validator: validate.New(),
		now:       time.Now,
	}
}

func (s *service) validate(v interface{}) error {
	if err := s.validator.Struct(v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return nil
}

// Mark records attendance for a live, active student.
func (s *service) Mark(ctx context.Context, markedBy uuid.UUID, req MarkRequest) (*Record, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Remarks = strings.TrimSpace(req.Remarks)
	req.Date = strings.TrimSpace(req.Date)
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	st, err := s.students.GetStudent(ctx, req.StudentID, false)
	if err != nil {
		return nil, err
	}
	if st.Status != student.StatusActive {
		return nil, ErrStudentNotActive
	}

	date, _ := time.Parse(time.DateOnly, req.Date)
	now := s.now().UTC()
	rec := &Record{
		StudentID: req.StudentID,
		Date:      date,
		Status:    req.Status,
		Subject:   req.Subject,
		MarkedBy:  markedBy,
		Remarks:   req.Remarks,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *service) Update(ctx context.Context, id int64, req UpdateRequest) (*Record, error) {
	if req.Status == nil && req.Remarks == nil {
		return nil, fmt.Errorf("%w: status or remarks is required", ErrInvalidInput)
	}
	if req.Remarks != nil {
		trimmed := strings.TrimSpace(*req.Remarks)
		req.Remarks = &trimmed
	}
	if err := s.validate(&req); err != nil {
		return nil, err
	}
	return s.repo.Update(ctx, id, req, s.now().UTC())
}

func (s *service) List(ctx context.Context, q Query) ([]Record, error) {
	if err := checkRange(q); err != nil {
		return nil, err
	}
	records, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

// Statistics groups marks per student. Asking for one student with no
// marks is ErrNoRecords.
func (s *service) Statistics(ctx context.Context, q Query) ([]Stats, error) {
	if err := checkRange(q); err != nil {
		return nil, err
	}
	stats, err := s.repo.Stats(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(stats) == 0 {
		if q.StudentID != nil {
			return nil, ErrNoRecords
		}
		return []Stats{}, nil
	}

	for i := range stats {
		if stats[i].TotalClasses > 0 {
			pct := float64(stats[i].Present) / float64(stats[i].TotalClasses) * 100
			stats[i].Percentage = math.Round(pct*100) / 100
		}
	}
	return stats, nil
}

func checkRange(q Query) error {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return fmt.Errorf("%w: endDate is before startDate", ErrInvalidInput)
	}
	return nil
}
