package student_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"roster-service/internal/student"
	"roster-service/internal/student/inmem"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func validInput(name, className, section string) student.CreateInput {
	return student.CreateInput{
		FullName:    name,
		ClassName:   className,
		Section:     section,
		Gender:      student.GenderFemale,
		ParentName:  "Parent of " + name,
		ParentPhone: "9876543210",
		Address:     "12 Lake Road",
	}
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

// tickingClock returns a clock advancing by a second on every call.
func tickingClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newService(repo student.Repository, opts ...student.Option) student.Service {
	opts = append([]student.Option{student.WithClock(tickingClock())}, opts...)
	return student.NewService(repo, student.DefaultConfig(), opts...)
}

func fieldNames(t *testing.T, err error) []string {
	t.Helper()
	var verr *student.ValidationError
	require.ErrorAs(t, err, &verr)
	names := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		names = append(names, f.Field)
	}
	return names
}

func TestCreateStudent(t *testing.T) {
	ctx := context.Background()

	t.Run("AllocatesSequentialRollNumbers", func(t *testing.T) {
		svc := newService(inmem.New())

		a, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		b, err := svc.CreateStudent(ctx, validInput("Bina Das", "Class 5", "B"))
		require.NoError(t, err)

		assert.Equal(t, 101, a.RollNo)
		assert.Equal(t, 102, b.RollNo)
		assert.Equal(t, student.StatusActive, a.Status)
		assert.Nil(t, a.DeletedAt)
		assert.NotEqual(t, uuid.Nil, a.ID)
		assert.False(t, a.CreatedAt.IsZero())
	})

	t.Run("NormalizesInput", func(t *testing.T) {
		svc := newService(inmem.New())

		in := validInput("  Asha Rao  ", "Class 5", "b")
		in.Email = "  Asha@Example.COM "
		s, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		assert.Equal(t, "Asha Rao", s.FullName)
		assert.Equal(t, "asha@example.com", s.Email)
		assert.Equal(t, "B", s.Section)
	})

	t.Run("ExplicitRollNumber", func(t *testing.T) {
		svc := newService(inmem.New())

		in := validInput("Asha Rao", "Class 5", "B")
		in.RollNo = intPtr(7)
		s, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, 7, s.RollNo)
	})

	t.Run("ExplicitRollNumberCollisionIsNotRetried", func(t *testing.T) {
		repo := inmem.New()
		svc := newService(repo)

		in := validInput("Asha Rao", "Class 5", "B")
		in.RollNo = intPtr(7)
		_, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		var attempts int
		repo.BeforeCreate = func(*student.Student) error {
			attempts++
			return nil
		}

		dup := validInput("Bina Das", "Class 2", "A")
		dup.RollNo = intPtr(7)
		_, err = svc.CreateStudent(ctx, dup)
		assert.ErrorIs(t, err, student.ErrRollNumberTaken)
		assert.ErrorIs(t, err, student.ErrConflict)
		assert.Equal(t, 1, attempts)
		assert.Equal(t, 1, repo.Len())
	})

	t.Run("EmailTaken", func(t *testing.T) {
		svc := newService(inmem.New())

		in := validInput("Asha Rao", "Class 5", "B")
		in.Email = "asha@example.com"
		_, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		other := validInput("Bina Das", "Class 5", "B")
		other.Email = "ASHA@example.com"
		_, err = svc.CreateStudent(ctx, other)
		assert.ErrorIs(t, err, student.ErrEmailTaken)
	})

	t.Run("ValidationNeverReachesStorage", func(t *testing.T) {
		repo := inmem.New()
		repo.BeforeCreate = func(*student.Student) error {
			t.Fatal("storage must not be called")
			return nil
		}
		svc := newService(repo)

		in := validInput("Al", "Class 13", "F")
		in.ParentPhone = "12345"
		in.Email = "nope"
		in.DateOfBirth = time.Now().AddDate(1, 0, 0).Format(time.DateOnly)
		in.RollNo = intPtr(0)

		_, err := svc.CreateStudent(ctx, in)
		require.ErrorIs(t, err, student.ErrInvalidInput)
		assert.Equal(t,
			[]string{"className", "dateOfBirth", "email", "fullName", "parentPhone", "rollNo", "section"},
			fieldNames(t, err))
		assert.Equal(t, 0, repo.Len())
	})

	t.Run("RequiredFields", func(t *testing.T) {
		svc := newService(inmem.New())

		_, err := svc.CreateStudent(ctx, student.CreateInput{})
		require.ErrorIs(t, err, student.ErrInvalidInput)
		assert.Equal(t,
			[]string{"address", "className", "fullName", "parentName", "parentPhone", "section"},
			fieldNames(t, err))
	})
}

func TestCreateStudent_AllocationRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("RetriesAfterRollNumberCollision", func(t *testing.T) {
		repo := inmem.New()
		var calls int
		repo.BeforeCreate = func(*student.Student) error {
			calls++
			if calls == 1 {
				return student.ErrRollNumberTaken
			}
			return nil
		}
		svc := newService(repo)

		s, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		assert.Equal(t, 101, s.RollNo)
		assert.Equal(t, 2, calls)
	})

	t.Run("RetriesAfterTransientFailure", func(t *testing.T) {
		repo := inmem.New()
		var calls int
		repo.BeforeCreate = func(*student.Student) error {
			calls++
			if calls == 1 {
				return student.ErrStorageUnavailable
			}
			return nil
		}
		svc := newService(repo)

		_, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("GivesUpAfterMaxAttempts", func(t *testing.T) {
		repo := inmem.New()
		var calls int
		repo.BeforeCreate = func(*student.Student) error {
			calls++
			return student.ErrRollNumberTaken
		}
		svc := newService(repo)

		_, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		assert.ErrorIs(t, err, student.ErrRollNumberTaken)
		assert.Equal(t, student.DefaultConfig().MaxAllocationAttempts, calls)
		assert.Equal(t, 0, repo.Len())
	})

	t.Run("LostAcknowledgementReturnsStoredRecord", func(t *testing.T) {
		repo := inmem.New()
		var failed bool
		repo.AfterCreate = func(*student.Student) error {
			if !failed {
				failed = true
				return student.ErrStorageUnavailable
			}
			return nil
		}
		svc := newService(repo)

		s, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		assert.Equal(t, 1, repo.Len(), "the retry must not insert a second row")
		assert.Equal(t, 101, s.RollNo)
	})

	t.Run("OtherErrorsAreNotRetried", func(t *testing.T) {
		repo := inmem.New()
		var calls int
		boom := errors.New("boom")
		repo.BeforeCreate = func(*student.Student) error {
			calls++
			return boom
		}
		svc := newService(repo)

		_, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})
}

func TestCreateStudent_ConcurrentAllocationIsDistinct(t *testing.T) {
	const workers = 20

	cfg := student.DefaultConfig()
	// Each loss means another worker made progress, so workers attempts always suffice.
	cfg.MaxAllocationAttempts = workers
	repo := inmem.New()
	svc := student.NewService(repo, cfg)

	var (
		mu    sync.Mutex
		rolls = map[int]uuid.UUID{}
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			s, err := svc.CreateStudent(ctx, validInput(fmt.Sprintf("Student %02d", i), "Class 3", "A"))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if other, ok := rolls[s.RollNo]; ok {
				return fmt.Errorf("roll number %d given to %s and %s", s.RollNo, other, s.ID)
			}
			rolls[s.RollNo] = s.ID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, rolls, workers)
	for n := 101; n < 101+workers; n++ {
		assert.Contains(t, rolls, n)
	}
}

func TestNextRollNumber(t *testing.T) {
	ctx := context.Background()

	t.Run("BaseForEmptySection", func(t *testing.T) {
		svc := newService(inmem.New())

		n, err := svc.NextRollNumber(ctx, "Class 5", "B")
		require.NoError(t, err)
		assert.Equal(t, 101, n)
	})

	t.Run("DeletedRecordsDoNotFreeTheirNumber", func(t *testing.T) {
		svc := newService(inmem.New())

		a, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		_, err = svc.CreateStudent(ctx, validInput("Bina Das", "Class 5", "B"))
		require.NoError(t, err)

		_, _, err = svc.SoftDeleteStudent(ctx, a.ID)
		require.NoError(t, err)

		n, err := svc.NextRollNumber(ctx, "Class 5", "B")
		require.NoError(t, err)
		assert.Equal(t, 103, n)
	})

	t.Run("SkipsNumbersHeldInOtherClasses", func(t *testing.T) {
		svc := newService(inmem.New())

		_, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 1", "A"))
		require.NoError(t, err)
		_, err = svc.CreateStudent(ctx, validInput("Bina Das", "Class 1", "A"))
		require.NoError(t, err)

		n, err := svc.NextRollNumber(ctx, "Class 2", "A")
		require.NoError(t, err)
		assert.Equal(t, 103, n)

		s, err := svc.CreateStudent(ctx, validInput("Chitra Sen", "Class 2", "A"))
		require.NoError(t, err)
		assert.Equal(t, 103, s.RollNo)
	})

	t.Run("InvalidClassAndSection", func(t *testing.T) {
		svc := newService(inmem.New())

		_, err := svc.NextRollNumber(ctx, "Class 0", "Z")
		require.ErrorIs(t, err, student.ErrInvalidInput)
		assert.Equal(t, []string{"className", "section"}, fieldNames(t, err))
	})
}

func TestUpdateStudent(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (student.Service, *student.Student, *student.Student) {
		svc := newService(inmem.New())
		a, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		in := validInput("Bina Das", "Class 5", "B")
		in.Email = "bina@example.com"
		b, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)
		return svc, a, b
	}

	t.Run("AppliesPatch", func(t *testing.T) {
		svc, a, _ := setup(t)

		updated, err := svc.UpdateStudent(ctx, a.ID, student.Patch{
			FullName: strPtr("Asha R. Rao"),
			Section:  strPtr("c"),
			RollNo:   intPtr(150),
		})
		require.NoError(t, err)
		assert.Equal(t, "Asha R. Rao", updated.FullName)
		assert.Equal(t, "C", updated.Section)
		assert.Equal(t, 150, updated.RollNo)
		assert.True(t, updated.UpdatedAt.After(a.UpdatedAt))
		assert.Equal(t, a.CreatedAt, updated.CreatedAt)
	})

	t.Run("EmptyPatch", func(t *testing.T) {
		svc, a, _ := setup(t)

		_, err := svc.UpdateStudent(ctx, a.ID, student.Patch{})
		assert.ErrorIs(t, err, student.ErrInvalidInput)
	})

	t.Run("InvalidField", func(t *testing.T) {
		svc, a, _ := setup(t)

		_, err := svc.UpdateStudent(ctx, a.ID, student.Patch{ParentPhone: strPtr("abc"), FullName: strPtr("Al")})
		require.ErrorIs(t, err, student.ErrInvalidInput)
		assert.Equal(t, []string{"fullName", "parentPhone"}, fieldNames(t, err))
	})

	t.Run("RollNumberConflict", func(t *testing.T) {
		svc, a, b := setup(t)

		_, err := svc.UpdateStudent(ctx, a.ID, student.Patch{RollNo: intPtr(b.RollNo)})
		assert.ErrorIs(t, err, student.ErrRollNumberTaken)
	})

	t.Run("EmailConflict", func(t *testing.T) {
		svc, a, _ := setup(t)

		_, err := svc.UpdateStudent(ctx, a.ID, student.Patch{Email: strPtr("BINA@example.com")})
		assert.ErrorIs(t, err, student.ErrEmailTaken)
	})

	t.Run("ClearsOptionalField", func(t *testing.T) {
		svc, _, b := setup(t)

		updated, err := svc.UpdateStudent(ctx, b.ID, student.Patch{Email: strPtr("")})
		require.NoError(t, err)
		assert.Empty(t, updated.Email)
	})

	t.Run("UnknownID", func(t *testing.T) {
		svc, _, _ := setup(t)

		_, err := svc.UpdateStudent(ctx, uuid.New(), student.Patch{FullName: strPtr("Somebody")})
		assert.ErrorIs(t, err, student.ErrStudentNotFound)
	})

	t.Run("WorksOnDeletedRecord", func(t *testing.T) {
		svc, a, _ := setup(t)

		_, _, err := svc.SoftDeleteStudent(ctx, a.ID)
		require.NoError(t, err)

		updated, err := svc.UpdateStudent(ctx, a.ID, student.Patch{Address: strPtr("New address")})
		require.NoError(t, err)
		assert.Equal(t, "New address", updated.Address)
		assert.NotNil(t, updated.DeletedAt)
	})
}

func TestSoftDeleteAndRestore(t *testing.T) {
	ctx := context.Background()

	t.Run("Lifecycle", func(t *testing.T) {
		svc := newService(inmem.New())
		s, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)

		deleted, changed, err := svc.SoftDeleteStudent(ctx, s.ID)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, student.StatusInactive, deleted.Status)
		require.NotNil(t, deleted.DeletedAt)

		_, err = svc.GetStudent(ctx, s.ID, false)
		assert.ErrorIs(t, err, student.ErrStudentNotFound)

		got, err := svc.GetStudent(ctx, s.ID, true)
		require.NoError(t, err)
		assert.True(t, got.IsDeleted())

		again, changed, err := svc.SoftDeleteStudent(ctx, s.ID)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, deleted.DeletedAt, again.DeletedAt)

		restored, err := svc.RestoreStudent(ctx, s.ID)
		require.NoError(t, err)
		assert.Nil(t, restored.DeletedAt)
		assert.Equal(t, student.StatusActive, restored.Status)
		assert.Equal(t, s.RollNo, restored.RollNo)

		_, err = svc.GetStudent(ctx, s.ID, false)
		assert.NoError(t, err)
	})

	t.Run("RestoreLiveRecord", func(t *testing.T) {
		svc := newService(inmem.New())
		s, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)

		_, err = svc.RestoreStudent(ctx, s.ID)
		assert.ErrorIs(t, err, student.ErrStudentNotDeleted)
		assert.ErrorIs(t, err, student.ErrStudentNotFound)
	})

	t.Run("RestoreUnknown", func(t *testing.T) {
		svc := newService(inmem.New())

		_, err := svc.RestoreStudent(ctx, uuid.New())
		assert.ErrorIs(t, err, student.ErrStudentNotFound)
		assert.NotErrorIs(t, err, student.ErrStudentNotDeleted)
	})

	t.Run("RestoreAfterRollNumberReassigned", func(t *testing.T) {
		svc := newService(inmem.New())
		a, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		_, _, err = svc.SoftDeleteStudent(ctx, a.ID)
		require.NoError(t, err)

		in := validInput("Bina Das", "Class 5", "B")
		in.RollNo = intPtr(a.RollNo)
		_, err = svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		_, err = svc.RestoreStudent(ctx, a.ID)
		assert.ErrorIs(t, err, student.ErrRollNumberTaken)

		got, err := svc.GetStudent(ctx, a.ID, true)
		require.NoError(t, err)
		assert.True(t, got.IsDeleted(), "a failed restore leaves the record deleted")
	})

	t.Run("DeleteUnknown", func(t *testing.T) {
		svc := newService(inmem.New())

		_, _, err := svc.SoftDeleteStudent(ctx, uuid.New())
		assert.ErrorIs(t, err, student.ErrStudentNotFound)
	})

	t.Run("HardDelete", func(t *testing.T) {
		repo := inmem.New()
		svc := newService(repo)
		s, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)
		_, _, err = svc.SoftDeleteStudent(ctx, s.ID)
		require.NoError(t, err)

		removed, err := svc.HardDeleteStudent(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, removed.ID)
		assert.Equal(t, 0, repo.Len())

		_, err = svc.HardDeleteStudent(ctx, s.ID)
		assert.ErrorIs(t, err, student.ErrStudentNotFound)
	})
}

func TestListStudents(t *testing.T) {
	ctx := context.Background()
	svc := newService(inmem.New())

	names := []string{"Asha Rao", "Bina Das", "Chitra Sen", "Deepa Iyer", "Esha Gupta"}
	created := make([]*student.Student, 0, len(names))
	for _, name := range names {
		s, err := svc.CreateStudent(ctx, validInput(name, "Class 5", "B"))
		require.NoError(t, err)
		created = append(created, s)
	}
	other, err := svc.CreateStudent(ctx, validInput("Farah Khan", "Class 6", "A"))
	require.NoError(t, err)
	_, _, err = svc.SoftDeleteStudent(ctx, created[0].ID)
	require.NoError(t, err)
	_, err = svc.UpdateStudent(ctx, created[1].ID, student.Patch{Status: func() *student.Status { s := student.StatusGraduated; return &s }()})
	require.NoError(t, err)

	t.Run("DefaultsToActiveNewestFirst", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{})
		require.NoError(t, err)

		assert.Equal(t, 1, page.Page)
		assert.Equal(t, 10, page.PageSize)
		assert.Equal(t, 4, page.TotalCount)
		assert.Equal(t, 1, page.TotalPages)
		require.Len(t, page.Records, 4)
		assert.Equal(t, other.ID, page.Records[0].ID)
	})

	t.Run("Pagination", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{Page: 2, PageSize: 3, SortBy: "fullName", SortOrder: "asc"})
		require.NoError(t, err)

		assert.Equal(t, 4, page.TotalCount)
		assert.Equal(t, 2, page.TotalPages)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "Farah Khan", page.Records[0].FullName)
	})

	t.Run("PageSizeIsCapped", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{PageSize: 500})
		require.NoError(t, err)
		assert.Equal(t, 50, page.PageSize)
	})

	t.Run("PageBeyondEnd", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{Page: 9})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		assert.NotNil(t, page.Records)
	})

	t.Run("StatusAll", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{Filter: student.Filter{Status: student.StatusAll}})
		require.NoError(t, err)
		assert.Equal(t, 5, page.TotalCount)
	})

	t.Run("IncludeDeleted", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{Filter: student.Filter{IncludeDeleted: true}})
		require.NoError(t, err)
		assert.Equal(t, 6, page.TotalCount)
	})

	t.Run("FilterAndSearch", func(t *testing.T) {
		page, err := svc.ListStudents(ctx, student.ListQuery{Filter: student.Filter{ClassName: "Class 5", Section: "b", Search: "sen"}})
		require.NoError(t, err)
		require.Equal(t, 1, page.TotalCount)
		assert.Equal(t, "Chitra Sen", page.Records[0].FullName)

		page, err = svc.ListStudents(ctx, student.ListQuery{Filter: student.Filter{Search: fmt.Sprint(other.RollNo)}})
		require.NoError(t, err)
		require.Equal(t, 1, page.TotalCount)
		assert.Equal(t, other.ID, page.Records[0].ID)
	})

	t.Run("InvalidQuery", func(t *testing.T) {
		_, err := svc.ListStudents(ctx, student.ListQuery{
			Page:      -1,
			SortBy:    "password",
			SortOrder: "sideways",
			Filter:    student.Filter{Status: "expelled", ClassName: "Class 99"},
		})
		require.ErrorIs(t, err, student.ErrInvalidInput)
		assert.ElementsMatch(t, []string{"page", "sortBy", "sortOrder", "status", "className"}, fieldNames(t, err))
	})
}

func TestSearchStudents(t *testing.T) {
	ctx := context.Background()
	svc := newService(inmem.New())

	for _, name := range []string{"Maya Nair", "Amaya Shah", "Ravi Kumar"} {
		_, err := svc.CreateStudent(ctx, validInput(name, "Class 4", "C"))
		require.NoError(t, err)
	}
	in := validInput("Zoya Ali", "Class 4", "C")
	in.ParentName = "Mayank Ali"
	_, err := svc.CreateStudent(ctx, in)
	require.NoError(t, err)

	t.Run("ShortQueryReturnsEmpty", func(t *testing.T) {
		found, err := svc.SearchStudents(ctx, "m", 10)
		require.NoError(t, err)
		assert.Empty(t, found)
		assert.NotNil(t, found)
	})

	t.Run("Ranking", func(t *testing.T) {
		found, err := svc.SearchStudents(ctx, "maya", 10)
		require.NoError(t, err)

		got := make([]string, 0, len(found))
		for _, s := range found {
			got = append(got, s.FullName)
		}
		assert.Equal(t, []string{"Maya Nair", "Amaya Shah", "Zoya Ali"}, got)
	})

	t.Run("ExactRollNumberFirst", func(t *testing.T) {
		found, err := svc.SearchStudents(ctx, "103", 10)
		require.NoError(t, err)
		require.NotEmpty(t, found)
		assert.Equal(t, 103, found[0].RollNo)
	})

	t.Run("Limit", func(t *testing.T) {
		found, err := svc.SearchStudents(ctx, "maya", 1)
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("NoMatch", func(t *testing.T) {
		found, err := svc.SearchStudents(ctx, "nobody here", 10)
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

type fakeCache struct {
	mu          sync.Mutex
	stats       map[string]*student.ClassStats
	invalidated []string

	// beforeSet runs ahead of every Set, outside the lock.
	beforeSet func()
}

func (c *fakeCache) Get(_ context.Context, className string) (*student.ClassStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[className]
	return s, ok
}

func (c *fakeCache) Set(_ context.Context, stats *student.ClassStats) {
	if c.beforeSet != nil {
		c.beforeSet()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats[stats.ClassName] = stats
}

func (c *fakeCache) Invalidate(_ context.Context, classNames ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range classNames {
		delete(c.stats, name)
		c.invalidated = append(c.invalidated, name)
	}
}

func TestClassStatistics(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, svc student.Service) {
		for i, g := range []string{student.GenderMale, student.GenderFemale, student.GenderFemale} {
			in := validInput(fmt.Sprintf("Student A%d", i), "Class 7", "A")
			in.Gender = g
			_, err := svc.CreateStudent(ctx, in)
			require.NoError(t, err)
		}
		in := validInput("Student C0", "Class 7", "C")
		in.Gender = student.GenderOther
		_, err := svc.CreateStudent(ctx, in)
		require.NoError(t, err)

		gone, err := svc.CreateStudent(ctx, validInput("Student C1", "Class 7", "C"))
		require.NoError(t, err)
		_, _, err = svc.SoftDeleteStudent(ctx, gone.ID)
		require.NoError(t, err)
	}

	t.Run("GroupsBySectionAndOmitsEmpty", func(t *testing.T) {
		svc := newService(inmem.New())
		seed(t, svc)

		stats, err := svc.ClassStatistics(ctx, "Class 7")
		require.NoError(t, err)

		assert.Equal(t, "Class 7", stats.ClassName)
		assert.Equal(t, 4, stats.Total)
		assert.Equal(t, []student.SectionStats{
			{Section: "A", Count: 3, MaleCount: 1, FemaleCount: 2},
			{Section: "C", Count: 1, OtherCount: 1},
		}, stats.Sections)
	})

	t.Run("CountsLiveRecordsOfAnyStatus", func(t *testing.T) {
		svc := newService(inmem.New())

		a, err := svc.CreateStudent(ctx, validInput("Student A0", "Class 5", "A"))
		require.NoError(t, err)
		_, err = svc.CreateStudent(ctx, validInput("Student A1", "Class 5", "A"))
		require.NoError(t, err)

		graduated := student.StatusGraduated
		_, err = svc.UpdateStudent(ctx, a.ID, student.Patch{Status: &graduated})
		require.NoError(t, err)

		stats, err := svc.ClassStatistics(ctx, "Class 5")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Total)
		assert.Equal(t, []student.SectionStats{
			{Section: "A", Count: 2, FemaleCount: 2},
		}, stats.Sections)
	})

	t.Run("EmptyClass", func(t *testing.T) {
		svc := newService(inmem.New())

		stats, err := svc.ClassStatistics(ctx, "Class 1")
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Total)
		assert.Empty(t, stats.Sections)
	})

	t.Run("InvalidClass", func(t *testing.T) {
		svc := newService(inmem.New())

		_, err := svc.ClassStatistics(ctx, "Class X")
		assert.ErrorIs(t, err, student.ErrInvalidInput)
	})

	t.Run("CacheAsideAndInvalidation", func(t *testing.T) {
		repo := inmem.New()
		cache := &fakeCache{stats: map[string]*student.ClassStats{}}
		svc := newService(repo, student.WithStatsCache(cache))
		seed(t, svc)

		first, err := svc.ClassStatistics(ctx, "Class 7")
		require.NoError(t, err)

		var reads atomic.Int32
		repo.BeforeRead = func() error {
			reads.Add(1)
			return nil
		}
		second, err := svc.ClassStatistics(ctx, "Class 7")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Zero(t, reads.Load(), "a cached result must not touch storage")

		s, err := svc.CreateStudent(ctx, validInput("Student B0", "Class 7", "B"))
		require.NoError(t, err)
		assert.Contains(t, cache.invalidated, "Class 7")

		_, err = svc.UpdateStudent(ctx, s.ID, student.Patch{ClassName: strPtr("Class 8")})
		require.NoError(t, err)
		assert.Subset(t, cache.invalidated, []string{"Class 7", "Class 8"})

		third, err := svc.ClassStatistics(ctx, "Class 7")
		require.NoError(t, err)
		assert.Equal(t, 4, third.Total)
	})

	t.Run("WriteDuringReadDoesNotCacheStaleResult", func(t *testing.T) {
		cache := &fakeCache{stats: map[string]*student.ClassStats{}}
		svc := newService(inmem.New(), student.WithStatsCache(cache))
		seed(t, svc)

		var once sync.Once
		cache.beforeSet = func() {
			once.Do(func() {
				_, err := svc.CreateStudent(ctx, validInput("Student A9", "Class 7", "A"))
				assert.NoError(t, err)
			})
		}

		stale, err := svc.ClassStatistics(ctx, "Class 7")
		require.NoError(t, err)
		assert.Equal(t, 4, stale.Total)

		_, ok := cache.Get(ctx, "Class 7")
		assert.False(t, ok, "a result computed before the write must not stay cached")

		fresh, err := svc.ClassStatistics(ctx, "Class 7")
		require.NoError(t, err)
		assert.Equal(t, 5, fresh.Total)
	})
}

func TestReadRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("SingleTransientFailureIsRetried", func(t *testing.T) {
		repo := inmem.New()
		svc := newService(repo)
		s, err := svc.CreateStudent(ctx, validInput("Asha Rao", "Class 5", "B"))
		require.NoError(t, err)

		var calls int
		repo.BeforeRead = func() error {
			calls++
			if calls == 1 {
				return student.ErrStorageUnavailable
			}
			return nil
		}

		got, err := svc.GetStudent(ctx, s.ID, false)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID)
		assert.Equal(t, 2, calls)
	})

	t.Run("PersistentFailureSurfaces", func(t *testing.T) {
		repo := inmem.New()
		svc := newService(repo)

		var calls int
		repo.BeforeRead = func() error {
			calls++
			return student.ErrStorageUnavailable
		}

		_, err := svc.ListStudents(ctx, student.ListQuery{})
		assert.ErrorIs(t, err, student.ErrStorageUnavailable)
		assert.Equal(t, 2, calls)
	})
}

func TestExportStudents(t *testing.T) {
	ctx := context.Background()
	cfg := student.DefaultConfig()
	cfg.ExportLimit = 3
	svc := student.NewService(inmem.New(), cfg)

	for i := 0; i < 4; i++ {
		_, err := svc.CreateStudent(ctx, validInput(fmt.Sprintf("Student %d", i), "Class 9", "D"))
		require.NoError(t, err)
	}

	rows, err := svc.ExportStudents(ctx, student.Filter{ClassName: "Class 9"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 101, rows[0].RollNo)
	assert.Equal(t, 103, rows[2].RollNo)

	_, err = svc.ExportStudents(ctx, student.Filter{Gender: "Unknown"})
	assert.ErrorIs(t, err, student.ErrInvalidInput)
}
