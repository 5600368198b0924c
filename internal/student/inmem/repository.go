// Package inmem is a map-backed student.Repository used by unit tests and
// local tooling. It enforces the same uniqueness rules as Postgres.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"roster-service/internal/student"

	"github.com/google/uuid"
)

type Repository struct {
	mutex sync.RWMutex
	table map[uuid.UUID]*student.Student

	// Hooks let tests inject failures. They run with the lock held and must
	// not call back into the repository.

	// BeforeCreate runs before the uniqueness checks; an error aborts the insert.
	BeforeCreate func(s *student.Student) error
	// AfterCreate runs after a successful insert; its error is returned to the
	// caller with the row kept, simulating a lost acknowledgement.
	AfterCreate func(s *student.Student) error
	// BeforeRead runs before every read; an error aborts the read.
	BeforeRead func() error
}

var _ student.Repository = (*Repository)(nil)

func New() *Repository {
	return &Repository{table: make(map[uuid.UUID]*student.Student)}
}

// Put stores s as-is, bypassing the uniqueness checks. Tests use it for fixtures.
func (r *Repository) Put(s student.Student) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.table[s.ID] = &s
}

func (r *Repository) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.table)
}

func (r *Repository) read() error {
	if r.BeforeRead != nil {
		return r.BeforeRead()
	}
	return nil
}

// conflict checks the candidate against every other live record.
func (r *Repository) conflict(c *student.Student) error {
	if c.IsDeleted() {
		return nil
	}
	for _, s := range r.table {
		if s.ID == c.ID || s.IsDeleted() {
			continue
		}
		if s.RollNo == c.RollNo {
			return student.ErrRollNumberTaken
		}
		if c.Email != "" && s.Email == c.Email {
			return student.ErrEmailTaken
		}
	}
	return nil
}

func (r *Repository) Create(ctx context.Context, s *student.Student) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", student.ErrStorageUnavailable, err)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.BeforeCreate != nil {
		if err := r.BeforeCreate(s); err != nil {
			return err
		}
	}
	if _, ok := r.table[s.ID]; ok {
		return student.ErrDuplicateID
	}
	if err := r.conflict(s); err != nil {
		return err
	}

	stored := *s
	r.table[s.ID] = &stored

	if r.AfterCreate != nil {
		return r.AfterCreate(s)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID, includeDeleted bool) (*student.Student, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return nil, err
	}
	s, ok := r.table[id]
	if !ok || (s.IsDeleted() && !includeDeleted) {
		return nil, student.ErrStudentNotFound
	}
	out := *s
	return &out, nil
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, changes student.Changes) (*student.Student, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s, ok := r.table[id]
	if !ok {
		return nil, student.ErrStudentNotFound
	}

	next := *s
	for column, value := range changes {
		if err := set(&next, column, value); err != nil {
			return nil, err
		}
	}
	if err := r.conflict(&next); err != nil {
		return nil, err
	}

	*s = next
	return &next, nil
}

func (r *Repository) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) (*student.Student, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s, ok := r.table[id]
	if !ok || s.IsDeleted() {
		return nil, student.ErrStudentNotFound
	}
	s.DeletedAt = &at
	s.Status = student.StatusInactive
	s.UpdatedAt = at

	out := *s
	return &out, nil
}

func (r *Repository) Restore(ctx context.Context, id uuid.UUID, at time.Time) (*student.Student, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	s, ok := r.table[id]
	if !ok || !s.IsDeleted() {
		return nil, student.ErrStudentNotFound
	}

	next := *s
	next.DeletedAt = nil
	next.Status = student.StatusActive
	next.UpdatedAt = at
	if err := r.conflict(&next); err != nil {
		return nil, err
	}

	*s = next
	return &next, nil
}

func (r *Repository) HardDelete(ctx context.Context, id uuid.UUID) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.table[id]; !ok {
		return student.ErrStudentNotFound
	}
	delete(r.table, id)
	return nil
}

func (r *Repository) List(ctx context.Context, q student.ListQuery) ([]student.Student, int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return nil, 0, err
	}

	matched := r.filter(q.Filter)
	desc := q.SortOrder != "asc"
	sort.Slice(matched, func(i, j int) bool {
		c := compare(&matched[i], &matched[j], q.SortBy)
		if c == 0 {
			c = strings.Compare(matched[i].ID.String(), matched[j].ID.String())
		}
		if desc {
			return c > 0
		}
		return c < 0
	})

	total := len(matched)
	from := (q.Page - 1) * q.PageSize
	if from > total {
		from = total
	}
	to := from + q.PageSize
	if to > total {
		to = total
	}
	return matched[from:to], total, nil
}

func (r *Repository) Search(ctx context.Context, term string, limit int) ([]student.Student, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return nil, err
	}

	matched := r.filter(student.Filter{Status: student.StatusActive, Search: term})
	rollNo, _ := strconv.Atoi(term)
	lower := strings.ToLower(term)
	rank := func(s *student.Student) int {
		name := strings.ToLower(s.FullName)
		switch {
		case s.RollNo == rollNo:
			return 0
		case strings.HasPrefix(name, lower):
			return 1
		case strings.Contains(name, lower):
			return 2
		}
		return 3
	}
	sort.Slice(matched, func(i, j int) bool {
		ri, rj := rank(&matched[i]), rank(&matched[j])
		if ri != rj {
			return ri < rj
		}
		if matched[i].FullName != matched[j].FullName {
			return matched[i].FullName < matched[j].FullName
		}
		return matched[i].ID.String() < matched[j].ID.String()
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *Repository) Export(ctx context.Context, f student.Filter, limit int) ([]student.Student, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return nil, err
	}

	matched := r.filter(f)
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.ClassName != b.ClassName {
			return a.ClassName < b.ClassName
		}
		if a.Section != b.Section {
			return a.Section < b.Section
		}
		return a.RollNo < b.RollNo
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (r *Repository) MaxRollNo(ctx context.Context, className, section string) (int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return 0, err
	}

	highest := 0
	for _, s := range r.table {
		if !s.IsDeleted() && s.ClassName == className && s.Section == section && s.RollNo > highest {
			highest = s.RollNo
		}
	}
	return highest, nil
}

func (r *Repository) FirstFreeRollNo(ctx context.Context, from int) (int, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return 0, err
	}

	taken := make(map[int]bool, len(r.table))
	for _, s := range r.table {
		if !s.IsDeleted() {
			taken[s.RollNo] = true
		}
	}
	n := from
	for taken[n] {
		n++
	}
	return n, nil
}

func (r *Repository) ClassStatistics(ctx context.Context, className string) ([]student.SectionStats, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if err := r.read(); err != nil {
		return nil, err
	}

	bySection := map[string]*student.SectionStats{}
	for _, s := range r.table {
		if s.IsDeleted() || s.ClassName != className {
			continue
		}
		st, ok := bySection[s.Section]
		if !ok {
			st = &student.SectionStats{Section: s.Section}
			bySection[s.Section] = st
		}
		st.Count++
		switch s.Gender {
		case student.GenderMale:
			st.MaleCount++
		case student.GenderFemale:
			st.FemaleCount++
		case student.GenderOther:
			st.OtherCount++
		}
	}

	out := make([]student.SectionStats, 0, len(bySection))
	for _, st := range bySection {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Section < out[j].Section })
	return out, nil
}

func (r *Repository) filter(f student.Filter) []student.Student {
	term := strings.ToLower(strings.TrimSpace(f.Search))
	rollNo, rollErr := strconv.Atoi(term)

	out := make([]student.Student, 0)
	for _, s := range r.table {
		if s.IsDeleted() && !f.IncludeDeleted {
			continue
		}
		if f.Status != "" && f.Status != student.StatusAll && s.Status != f.Status {
			continue
		}
		if f.ClassName != "" && s.ClassName != f.ClassName {
			continue
		}
		if f.Section != "" && s.Section != f.Section {
			continue
		}
		if f.Gender != "" && s.Gender != f.Gender {
			continue
		}
		if term != "" {
			hit := strings.Contains(strings.ToLower(s.FullName), term) ||
				strings.Contains(strings.ToLower(s.ParentName), term) ||
				strings.Contains(s.ParentPhone, term) ||
				(rollErr == nil && s.RollNo == rollNo)
			if !hit {
				continue
			}
		}
		out = append(out, *s)
	}
	return out
}

func compare(a, b *student.Student, sortBy string) int {
	switch sortBy {
	case "updatedAt":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case "fullName":
		return strings.Compare(a.FullName, b.FullName)
	case "rollNo":
		return a.RollNo - b.RollNo
	case "className":
		return strings.Compare(a.ClassName, b.ClassName)
	case "section":
		return strings.Compare(a.Section, b.Section)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func set(s *student.Student, column string, value interface{}) error {
	var ok bool
	switch column {
	case "full_name":
		s.FullName, ok = value.(string)
	case "email":
		s.Email, ok = stringOrNil(value)
	case "class_name":
		s.ClassName, ok = value.(string)
	case "section":
		s.Section, ok = value.(string)
	case "roll_no":
		s.RollNo, ok = value.(int)
	case "gender":
		s.Gender, ok = stringOrNil(value)
	case "date_of_birth":
		if value == nil {
			s.DateOfBirth, ok = nil, true
		} else {
			var t *time.Time
			t, ok = value.(*time.Time)
			s.DateOfBirth = t
		}
	case "parent_name":
		s.ParentName, ok = value.(string)
	case "parent_phone":
		s.ParentPhone, ok = value.(string)
	case "emergency_phone":
		s.EmergencyPhone, ok = stringOrNil(value)
	case "address":
		s.Address, ok = value.(string)
	case "photo_url":
		s.PhotoURL, ok = stringOrNil(value)
	case "status":
		s.Status, ok = value.(student.Status)
	case "updated_at":
		s.UpdatedAt, ok = value.(time.Time)
	default:
		return fmt.Errorf("inmem: unknown column %q", column)
	}
	if !ok {
		return fmt.Errorf("inmem: unexpected %T for column %q", value, column)
	}
	return nil
}

func stringOrNil(value interface{}) (string, bool) {
	if value == nil {
		return "", true
	}
	s, ok := value.(string)
	return s, ok
}
