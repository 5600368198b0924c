package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the roster business counters. A nil *Metrics ignores every call.
type Metrics struct {
	studentLifecycle   metric.Int64Counter
	allocationRetries  metric.Int64Counter
	rollNumbersAlloc   metric.Int64Counter
	studentsListViewed metric.Int64Counter
	studentsExported   metric.Int64Counter
	statsCacheLookups  metric.Int64Counter
	attendanceMarked   metric.Int64Counter
	feesRecorded       metric.Int64Counter
	logins             metric.Int64Counter
}

func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.studentLifecycle, err = meter.Int64Counter(
		"roster_service.students.lifecycle",
		metric.WithDescription("Student lifecycle transitions by action"),
		metric.WithUnit("{student}"),
	)
	if err != nil {
		return nil, err
	}

	m.allocationRetries, err = meter.Int64Counter(
		"roster_service.roll_numbers.allocation_retries",
		metric.WithDescription("Create attempts retried after a roll number collision or transient failure"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, err
	}

	m.rollNumbersAlloc, err = meter.Int64Counter(
		"roster_service.roll_numbers.allocated",
		metric.WithDescription("Roll numbers assigned by the allocator"),
		metric.WithUnit("{number}"),
	)
	if err != nil {
		return nil, err
	}

	m.studentsListViewed, err = meter.Int64Counter(
		"roster_service.students.list_viewed",
		metric.WithDescription("Total number of times the student list was viewed"),
		metric.WithUnit("{view}"),
	)
	if err != nil {
		return nil, err
	}

	m.studentsExported, err = meter.Int64Counter(
		"roster_service.students.exported",
		metric.WithDescription("Student rows written to exports"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		return nil, err
	}

	m.statsCacheLookups, err = meter.Int64Counter(
		"roster_service.class_statistics.cache_lookups",
		metric.WithDescription("Class statistics cache lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	m.attendanceMarked, err = meter.Int64Counter(
		"roster_service.attendance.marked",
		metric.WithDescription("Attendance records marked by status"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	m.feesRecorded, err = meter.Int64Counter(
		"roster_service.fees.recorded",
		metric.WithDescription("Fee records created by status"),
		metric.WithUnit("{fee}"),
	)
	if err != nil {
		return nil, err
	}

	m.logins, err = meter.Int64Counter(
		"roster_service.auth.logins",
		metric.WithDescription("Login attempts by result"),
		metric.WithUnit("{login}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordStudentLifecycle counts created, updated, deleted, restored and purged records.
func (m *Metrics) RecordStudentLifecycle(ctx context.Context, action string) {
	if m != nil && m.studentLifecycle != nil {
		m.studentLifecycle.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func (m *Metrics) RecordAllocationRetry(ctx context.Context) {
	if m != nil && m.allocationRetries != nil {
		m.allocationRetries.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRollNumberAllocated(ctx context.Context) {
	if m != nil && m.rollNumbersAlloc != nil {
		m.rollNumbersAlloc.Add(ctx, 1)
	}
}

func (m *Metrics) RecordStudentsListViewed(ctx context.Context) {
	if m != nil && m.studentsListViewed != nil {
		m.studentsListViewed.Add(ctx, 1)
	}
}

func (m *Metrics) RecordStudentsExported(ctx context.Context, format string, rows int) {
	if m != nil && m.studentsExported != nil {
		m.studentsExported.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("format", format)))
	}
}

func (m *Metrics) RecordStatsCacheLookup(ctx context.Context, hit bool) {
	if m == nil || m.statsCacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.statsCacheLookups.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *Metrics) RecordAttendanceMarked(ctx context.Context, status string) {
	if m != nil && m.attendanceMarked != nil {
		m.attendanceMarked.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *Metrics) RecordFeeRecorded(ctx context.Context, status string) {
	if m != nil && m.feesRecorded != nil {
		m.feesRecorded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}

func (m *Metrics) RecordLogin(ctx context.Context, success bool) {
	if m == nil || m.logins == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
