package fee

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"roster-service/internal/student"
	"roster-service/internal/validate"

	"github.com/google/uuid"
)

var (
	ErrFeeNotFound  = errors.New("fee record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// StudentFinder resolves the student a fee is charged to.
type StudentFinder interface {
	GetStudent(ctx context.Context, id uuid.UUID, includeDeleted bool) (*student.Student, error)
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Fee, error)
	UpdateStatus(ctx context.Context, id int64, req UpdateStatusRequest) (*Fee, error)
	List(ctx context.Context, q Query) ([]Fee, error)
	Statistics(ctx context.Context, from, to *time.Time) (Stats, error)
	MarkOverdue(ctx context.Context) (int64, error)
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

func (s *service) Create(ctx context.Context, req CreateRequest) (*Fee, error) {
	req.Remarks = strings.TrimSpace(req.Remarks)
	req.DueDate = strings.TrimSpace(req.DueDate)
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	if _, err := s.students.GetStudent(ctx, req.StudentID, false); err != nil {
		return nil, err
	}

	due, _ := time.Parse(time.DateOnly, req.DueDate)
	now := s.now().UTC()
	f := &Fee{
		StudentID: req.StudentID,
		Amount:    req.Amount,
		Type:      req.Type,
		Semester:  req.Semester,
		Status:    req.Status,
		DueDate:   due,
		Remarks:   req.Remarks,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if f.Status == "" {
		f.Status = StatusPending
	}
	if f.Status == StatusPaid {
		s.stampPayment(f, req.PaymentMethod, now)
	}

	if err := s.repo.Create(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// UpdateStatus changes the status. Moving to paid records the payment date,
// method and a receipt number; a fee already paid keeps its receipt.
func (s *service) UpdateStatus(ctx context.Context, id int64, req UpdateStatusRequest) (*Fee, error) {
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	f, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if req.Status == StatusPaid && f.Status != StatusPaid {
		s.stampPayment(f, req.PaymentMethod, now)
	}
	f.Status = req.Status
	if req.Remarks != nil {
		f.Remarks = strings.TrimSpace(*req.Remarks)
	}
	f.UpdatedAt = now

	if err := s.repo.Save(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *service) stampPayment(f *Fee, method string, at time.Time) {
	f.PaymentDate = &at
	f.PaymentMethod = method
	f.ReceiptNumber = receiptNumber(at)
}

// receiptNumber is RCP-<date>-<8 hex chars>.
func receiptNumber(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
	return fmt.Sprintf("RCP-%s-%s", at.Format("20060102"), suffix)
}

func (s *service) List(ctx context.Context, q Query) ([]Fee, error) {
	fees, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if fees == nil {
		fees = []Fee{}
	}
	return fees, nil
}

// Statistics totals fees created in [from, to) by status.
func (s *service) Statistics(ctx context.Context, from, to *time.Time) (Stats, error) {
	if from != nil && to != nil && !to.After(*from) {
		return nil, fmt.Errorf("%w: endDate must be after startDate", ErrInvalidInput)
	}

	totals, err := s.repo.TotalsByStatus(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := make(Stats, len(Statuses))
	for _, status := range Statuses {
		stats[status] = totals[status]
	}
	return stats, nil
}

func (s *service) MarkOverdue(ctx context.Context) (int64, error) {
	return s.repo.MarkOverdue(ctx, s.now().UTC())
}
