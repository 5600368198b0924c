package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenIssuer(t *testing.T) {
	studentID := uuid.New()
	user := &User{
		ID:        uuid.New(),
		Username:  "pupil",
		Role:      RoleStudent,
		StudentID: &studentID,
	}

	t.Run("RoundTrip", func(t *testing.T) {
		issuer := NewTokenIssuer("secret", time.Minute)

		token, err := issuer.Issue(user)
		require.NoError(t, err)

		identity, err := issuer.Validate(token)
		require.NoError(t, err)
		assert.Equal(t, user.ID, identity.UserID)
		assert.Equal(t, "pupil", identity.Username)
		assert.Equal(t, RoleStudent, identity.Role)
		require.NotNil(t, identity.StudentID)
		assert.Equal(t, studentID, *identity.StudentID)
		assert.True(t, identity.IsStudent(studentID))
		assert.False(t, identity.IsStudent(uuid.New()))
	})

	t.Run("Expired", func(t *testing.T) {
		issuer := NewTokenIssuer("secret", time.Minute)
		issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }

		token, err := issuer.Issue(user)
		require.NoError(t, err)

		issuer.now = time.Now
		_, err = issuer.Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("WrongSecret", func(t *testing.T) {
		token, err := NewTokenIssuer("secret", time.Minute).Issue(user)
		require.NoError(t, err)

		_, err = NewTokenIssuer("other", time.Minute).Validate(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := NewTokenIssuer("secret", time.Minute).Validate("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestGenerateRefreshToken(t *testing.T) {
	a, err := GenerateRefreshToken()
	require.NoError(t, err)
	b, err := GenerateRefreshToken()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

func TestIdentityHasRole(t *testing.T) {
	id := &Identity{Role: RoleTeacher}
	assert.True(t, id.HasRole(RoleAdmin, RoleTeacher))
	assert.False(t, id.HasRole(RoleAdmin))
	assert.False(t, id.HasRole())
}
