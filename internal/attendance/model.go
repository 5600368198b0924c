package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
	StatusLate    Status = "late"
)

const uniqueMarkIndex = "attendance_student_date_subject_idx"

type Record struct {
	bun.BaseModel `bun:"table:attendance,alias:a"`

	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	StudentID uuid.UUID `bun:"student_id,type:uuid,notnull" json:"studentId"`
	Date      time.Time `bun:"date,type:date,notnull" json:"date"`
	Status    Status    `bun:"status,notnull" json:"status"`
	Subject   string    `bun:"subject,notnull" json:"subject"`
	MarkedBy  uuid.UUID `bun:"marked_by,type:uuid,notnull" json:"markedBy"`
	Remarks   string    `bun:"remarks,nullzero" json:"remarks,omitempty"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time `bun:"updated_at,notnull,default:current_timestamp" json:"updatedAt"`
}

// CreateIndexes allows one mark per student, day and subject.
func (*Record) CreateIndexes(ctx context.Context, db bun.IDB) error {
	if _, err := db.NewCreateIndex().Model((*Record)(nil)).IfNotExists().
		Unique().Index(uniqueMarkIndex).Column("student_id", "date", "subject").
		Exec(ctx); err != nil {
		return err
	}
	_, err := db.NewCreateIndex().Model((*Record)(nil)).IfNotExists().
		Index("attendance_date_idx").Column("date").
		Exec(ctx)
	return err
}

type MarkRequest struct {
	StudentID uuid.UUID `json:"studentId" validate:"required"`
	Date      string    `json:"date" validate:"required,datetime=2006-01-02,pastdate"`
	Status    Status    `json:"status" validate:"required,oneof=present absent late"`
	Subject   string    `json:"subject" validate:"required,notblank,max=100"`
	Remarks   string    `json:"remarks" validate:"max=500"`
}

// UpdateRequest changes the status and remarks of a mark. Nil fields are kept.
type UpdateRequest struct {
	Status  *Status `json:"status" validate:"omitempty,oneof=present absent late"`
	Remarks *string `json:"remarks" validate:"omitempty,max=500"`
}

// Query filters marks. From and To are inclusive dates.
type Query struct {
	StudentID *uuid.UUID
	Subject   string
	From      *time.Time
	To        *time.Time
}

type Stats struct {
	StudentID    uuid.UUID `bun:"student_id" json:"studentId"`
	TotalClasses int       `bun:"total_classes" json:"totalClasses"`
	Present      int       `bun:"present" json:"present"`
	Absent       int       `bun:"absent" json:"absent"`
	Late         int       `bun:"late" json:"late"`
	Percentage   float64   `bun:"-" json:"attendancePercentage"`
}
