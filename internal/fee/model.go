package fee

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Status string

const (
	StatusPaid    Status = "paid"
	StatusPending Status = "pending"
	StatusOverdue Status = "overdue"
)

var Statuses = []Status{StatusPaid, StatusPending, StatusOverdue}

type Fee struct {
	bun.BaseModel `bun:"table:fees,alias:f"`

	ID            int64      `bun:"id,pk,autoincrement" json:"id"`
	StudentID     uuid.UUID  `bun:"student_id,type:uuid,notnull" json:"studentId"`
	Amount        float64    `bun:"amount,type:numeric(12,2),notnull" json:"amount"`
	Type          string     `bun:"type,notnull" json:"type"`
	Semester      int        `bun:"semester,notnull" json:"semester"`
	Status        Status     `bun:"status,notnull" json:"status"`
	DueDate       time.Time  `bun:"due_date,type:date,notnull" json:"dueDate"`
	PaymentDate   *time.Time `bun:"payment_date" json:"paymentDate,omitempty"`
	PaymentMethod string     `bun:"payment_method,nullzero" json:"paymentMethod,omitempty"`
	ReceiptNumber string     `bun:"receipt_number,nullzero,unique" json:"receiptNumber,omitempty"`
	Remarks       string     `bun:"remarks,nullzero" json:"remarks,omitempty"`
	CreatedAt     time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

func (*Fee) CreateIndexes(ctx context.Context, db bun.IDB) error {
	_, err := db.NewCreateIndex().Model((*Fee)(nil)).IfNotExists().
		Index("fees_student_semester_idx").Column("student_id", "semester").
		Exec(ctx)
	return err
}

type CreateRequest struct {
	StudentID     uuid.UUID `json:"studentId" validate:"required"`
	Amount        float64   `json:"amount" validate:"required,gt=0"`
	Type          string    `json:"type" validate:"required,oneof=tuition exam laboratory other"`
	Semester      int       `json:"semester" validate:"required,min=1"`
	DueDate       string    `json:"dueDate" validate:"required,datetime=2006-01-02"`
	Status        Status    `json:"status" validate:"omitempty,oneof=paid pending overdue"`
	PaymentMethod string    `json:"paymentMethod" validate:"omitempty,oneof=cash online cheque"`
	Remarks       string    `json:"remarks" validate:"max=500"`
}

type UpdateStatusRequest struct {
	Status        Status  `json:"status" validate:"required,oneof=paid pending overdue"`
	PaymentMethod string  `json:"paymentMethod" validate:"omitempty,oneof=cash online cheque"`
	Remarks       *string `json:"remarks" validate:"omitempty,max=500"`
}

type Query struct {
	StudentID *uuid.UUID
	Semester  int
	Status    Status
}

// StatusTotal is the amount and number of fees in one status.
type StatusTotal struct {
	Amount float64 `json:"amount"`
	Count  int     `json:"count"`
}

// Stats is keyed by status and always carries all three statuses.
type Stats map[Status]StatusTotal

type statusRow struct {
	Status Status  `bun:"status"`
	Amount float64 `bun:"amount"`
	Count  int     `bun:"count"`
}
