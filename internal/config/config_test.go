package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("ENV", "unit")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("DB_USER", "roster")
	t.Setenv("ROSTER_MAX_PAGE_SIZE", "25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "unit", cfg.Env)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "roster", cfg.Database.User)
	assert.Equal(t, 25, cfg.Roster.MaxPageSize)
	assert.Equal(t, 101, cfg.Roster.RollNumberBase)
	assert.Equal(t, 3, cfg.Roster.MaxAllocationAttempts)
	assert.Equal(t, "none", cfg.Events.Driver)
	assert.Equal(t, 5, cfg.Database.QueryTimeout)
	assert.Equal(t, 15, cfg.Auth.AccessTokenMinutes)
	assert.False(t, cfg.Auth.OpenRegistration)
}

func TestLoad_OpenRegistrationFromEnv(t *testing.T) {
	t.Setenv("ENV", "unit")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("AUTH_OPEN_REGISTRATION", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Auth.OpenRegistration)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Auth:   AuthConfig{JWTSecret: "s"},
			Events: EventsConfig{Driver: "none"},
			Roster: RosterConfig{RollNumberBase: 101, MaxAllocationAttempts: 3},
		}
	}

	t.Run("valid", func(t *testing.T) {
		cfg := valid()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("missing secret", func(t *testing.T) {
		cfg := valid()
		cfg.Auth.JWTSecret = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("nats without url", func(t *testing.T) {
		cfg := valid()
		cfg.Events.Driver = "nats"
		assert.Error(t, cfg.Validate())
	})

	t.Run("kafka with brokers", func(t *testing.T) {
		cfg := valid()
		cfg.Events.Driver = "kafka"
		cfg.Kafka.Brokers = []string{"localhost:9092"}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := valid()
		cfg.Events.Driver = "rabbit"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero attempts", func(t *testing.T) {
		cfg := valid()
		cfg.Roster.MaxAllocationAttempts = 0
		assert.Error(t, cfg.Validate())
	})
}
