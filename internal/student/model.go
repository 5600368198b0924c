package student

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusTransferred Status = "transferred"
	StatusGraduated   Status = "graduated"

	// StatusAll is a list filter value that disables status filtering.
	StatusAll Status = "all"
)

const (
	GenderMale   = "Male"
	GenderFemale = "Female"
	GenderOther  = "Other"
)

const (
	rollNoIndex = "students_roll_no_active_idx"
	emailIndex  = "students_email_active_idx"
)

type Student struct {
	bun.BaseModel `bun:"table:students,alias:s"`

	ID             uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	FullName       string     `bun:"full_name,notnull" json:"fullName"`
	Email          string     `bun:"email,nullzero" json:"email,omitempty"`
	ClassName      string     `bun:"class_name,notnull" json:"className"`
	Section        string     `bun:"section,notnull" json:"section"`
	RollNo         int        `bun:"roll_no,notnull" json:"rollNo"`
	Gender         string     `bun:"gender,nullzero" json:"gender,omitempty"`
	DateOfBirth    *time.Time `bun:"date_of_birth,type:date" json:"dateOfBirth,omitempty"`
	ParentName     string     `bun:"parent_name,notnull" json:"parentName"`
	ParentPhone    string     `bun:"parent_phone,notnull" json:"parentPhone"`
	EmergencyPhone string     `bun:"emergency_phone,nullzero" json:"emergencyPhone,omitempty"`
	Address        string     `bun:"address,notnull" json:"address"`
	PhotoURL       string     `bun:"photo_url,nullzero" json:"photoUrl,omitempty"`
	Status         Status     `bun:"status,notnull" json:"status"`
	DeletedAt      *time.Time `bun:"deleted_at" json:"deletedAt"`
	CreatedAt      time.Time  `bun:"created_at,notnull" json:"createdAt"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull" json:"updatedAt"`
}

// IsDeleted reports whether the record carries a delete marker.
func (s *Student) IsDeleted() bool {
	return s.DeletedAt != nil
}

// CreateIndexes installs the partial unique indexes that keep roll numbers and
// emails unique among live records, plus the list filter indexes.
func (*Student) CreateIndexes(ctx context.Context, db bun.IDB) error {
	queries := []*bun.CreateIndexQuery{
		db.NewCreateIndex().Model((*Student)(nil)).IfNotExists().
			Unique().Index(rollNoIndex).Column("roll_no").
			Where("deleted_at IS NULL"),
		db.NewCreateIndex().Model((*Student)(nil)).IfNotExists().
			Unique().Index(emailIndex).Column("email").
			Where("deleted_at IS NULL AND email IS NOT NULL"),
		db.NewCreateIndex().Model((*Student)(nil)).IfNotExists().
			Index("students_class_section_status_idx").Column("class_name", "section", "status"),
		db.NewCreateIndex().Model((*Student)(nil)).IfNotExists().
			Index("students_created_at_idx").Column("created_at"),
	}
	for _, q := range queries {
		if _, err := q.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// CreateInput is the body of a create request. RollNo is optional, the
// allocator assigns one when it is absent.
type CreateInput struct {
	FullName       string `json:"fullName" validate:"required,min=3,max=100"`
	Email          string `json:"email" validate:"omitempty,email,max=254"`
	ClassName      string `json:"className" validate:"required,classname"`
	Section        string `json:"section" validate:"required,section"`
	RollNo         *int   `json:"rollNo" validate:"omitempty,min=1"`
	Gender         string `json:"gender" validate:"omitempty,oneof=Male Female Other"`
	DateOfBirth    string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02,pastdate"`
	ParentName     string `json:"parentName" validate:"required,max=100"`
	ParentPhone    string `json:"parentPhone" validate:"required,phone"`
	EmergencyPhone string `json:"emergencyPhone" validate:"omitempty,phone"`
	Address        string `json:"address" validate:"required,max=500"`
	PhotoURL       string `json:"photoUrl" validate:"omitempty,max=2048"`
}

func (in *CreateInput) normalize() {
	in.FullName = strings.TrimSpace(in.FullName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	in.ClassName = strings.TrimSpace(in.ClassName)
	in.Section = strings.ToUpper(strings.TrimSpace(in.Section))
	in.DateOfBirth = trimDate(in.DateOfBirth)
	in.ParentName = strings.TrimSpace(in.ParentName)
	in.ParentPhone = strings.TrimSpace(in.ParentPhone)
	in.EmergencyPhone = strings.TrimSpace(in.EmergencyPhone)
	in.Address = strings.TrimSpace(in.Address)
	in.PhotoURL = strings.TrimSpace(in.PhotoURL)
}

// Patch is a partial update. Nil fields are left untouched; an empty string
// clears an optional field. Identity, timestamps and the delete marker are
// not patchable.
type Patch struct {
	FullName       *string `json:"fullName" validate:"omitempty,min=3,max=100"`
	Email          *string `json:"email" validate:"omitempty,email,max=254"`
	ClassName      *string `json:"className" validate:"omitempty,classname"`
	Section        *string `json:"section" validate:"omitempty,section"`
	RollNo         *int    `json:"rollNo" validate:"omitempty,min=1"`
	Gender         *string `json:"gender" validate:"omitempty,oneof=Male Female Other"`
	DateOfBirth    *string `json:"dateOfBirth" validate:"omitempty,datetime=2006-01-02,pastdate"`
	ParentName     *string `json:"parentName" validate:"omitempty,notblank,max=100"`
	ParentPhone    *string `json:"parentPhone" validate:"omitempty,phone"`
	EmergencyPhone *string `json:"emergencyPhone" validate:"omitempty,phone"`
	Address        *string `json:"address" validate:"omitempty,notblank,max=500"`
	PhotoURL       *string `json:"photoUrl" validate:"omitempty,max=2048"`
	Status         *Status `json:"status" validate:"omitempty,oneof=active inactive transferred graduated"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return p.FullName == nil && p.Email == nil && p.ClassName == nil && p.Section == nil &&
		p.RollNo == nil && p.Gender == nil && p.DateOfBirth == nil && p.ParentName == nil &&
		p.ParentPhone == nil && p.EmergencyPhone == nil && p.Address == nil &&
		p.PhotoURL == nil && p.Status == nil
}

func (p *Patch) normalize() {
	trim := func(s *string) {
		if s != nil {
			*s = strings.TrimSpace(*s)
		}
	}
	trim(p.FullName)
	trim(p.ClassName)
	trim(p.ParentName)
	trim(p.ParentPhone)
	trim(p.Address)
	trim(p.PhotoURL)
	trim(p.Gender)
	trim(p.EmergencyPhone)
	if p.Email != nil {
		*p.Email = strings.ToLower(strings.TrimSpace(*p.Email))
	}
	if p.Section != nil {
		*p.Section = strings.ToUpper(strings.TrimSpace(*p.Section))
	}
	if p.DateOfBirth != nil {
		*p.DateOfBirth = trimDate(*p.DateOfBirth)
	}
}

// trimDate accepts either YYYY-MM-DD or a full RFC 3339 timestamp and keeps
// the date part.
func trimDate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > len(time.DateOnly) && s[len(time.DateOnly)] == 'T' {
		return s[:len(time.DateOnly)]
	}
	return s
}

// Filter selects records for list and export.
type Filter struct {
	Status         Status
	ClassName      string
	Section        string
	Gender         string
	Search         string
	IncludeDeleted bool
}

// ListQuery is a paginated, sorted Filter. Zero Page and PageSize take the defaults.
type ListQuery struct {
	Filter
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}

type Page struct {
	Records    []Student `json:"records"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	TotalPages int       `json:"totalPages"`
	TotalCount int       `json:"totalCount"`
}

// sortColumns whitelists the sortable fields.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"fullName":  "full_name",
	"rollNo":    "roll_no",
	"className": "class_name",
	"section":   "section",
}

type SectionStats struct {
	Section     string `bun:"section" json:"section"`
	Count       int    `bun:"count" json:"count"`
	MaleCount   int    `bun:"male_count" json:"maleCount"`
	FemaleCount int    `bun:"female_count" json:"femaleCount"`
	OtherCount  int    `bun:"other_count" json:"otherCount"`
}

type ClassStats struct {
	ClassName string         `json:"className"`
	Sections  []SectionStats `json:"sections"`
	Total     int            `json:"total"`
}
