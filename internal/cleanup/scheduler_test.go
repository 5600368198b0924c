package cleanup_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"roster-service/internal/cleanup"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnce(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var ran []string
	jobs := []cleanup.Job{
		{Name: "failing", Run: func(ctx context.Context) (int64, error) {
			ran = append(ran, "failing")
			return 0, errors.New("db down")
		}},
		{Name: "tokens", Run: func(ctx context.Context) (int64, error) {
			ran = append(ran, "tokens")
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			return 3, nil
		}},
	}

	s, err := cleanup.New("@hourly", logger, jobs...)
	require.NoError(t, err)

	s.RunOnce(context.Background())

	assert.Equal(t, []string{"failing", "tokens"}, ran)
	assert.Contains(t, buf.String(), "cleanup job failed")
	assert.Contains(t, buf.String(), "job=tokens rows=3")
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	_, err := cleanup.New("every now and then", slog.Default())
	assert.Error(t, err)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	calls := make(chan struct{}, 4)

	s, err := cleanup.New("@every 1s", logger, cleanup.Job{Name: "tick", Run: func(context.Context) (int64, error) {
		calls <- struct{}{}
		return 0, nil
	}})
	require.NoError(t, err)

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	select {
	case <-calls:
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}
}
