package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	m, err := New(context.Background(), "roster-test", logger)
	require.NoError(t, err)

	assert.NotNil(t, m.Runtime)
	assert.NotNil(t, m.Database)
	assert.NotNil(t, m.Messaging)
	assert.NotNil(t, m.Health)
	assert.NotNil(t, m.Grpc)
}

func TestNewMock_IgnoresRecords(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	assert.NotPanics(t, func() {
		m.Database.RecordQuery(ctx, "select", "students", time.Millisecond, nil)
		m.Messaging.RecordPublish(ctx, "nats", "roster.students.created", time.Millisecond, errors.New("boom"))
		m.Messaging.RecordConsume(ctx, "kafka", "roster.students", time.Millisecond, nil)
		m.Messaging.RecordConnectionChange(ctx, "nats", 1)
		m.Health.RecordDependencyCheck(ctx, "database", time.Millisecond, nil)
	})
}
