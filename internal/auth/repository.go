package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"roster-service/common/metrics"
	"roster-service/internal/db"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Repository struct {
	db      bun.IDB
	metrics *metrics.Metrics
}

func NewRepository(db bun.IDB, m *metrics.Metrics) *Repository {
	return &Repository{
		db:      db,
		metrics: m,
	}
}

func (r *Repository) record(ctx context.Context, operation, table string, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.Database.RecordQuery(ctx, operation, table, time.Since(start), err)
	}
}

// CreateUser inserts u. A taken username or email yields ErrUserExists.
func (r *Repository) CreateUser(ctx context.Context, u *User) error {
	start := time.Now()
	_, err := r.db.NewInsert().Model(u).Returning("*").Exec(ctx)

	r.record(ctx, "insert", "users", start, err)

	if _, ok := db.UniqueViolation(err); ok {
		return ErrUserExists
	}
	return err
}

// GetUserByLogin finds a user by username or email.
func (r *Repository) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	start := time.Now()
	u := new(User)
	err := r.db.NewSelect().
		Model(u).
		Where("u.username = ?", login).
		WhereOr("u.email = ?", login).
		Limit(1).
		Scan(ctx)

	r.record(ctx, "select", "users", start, err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id uuid.UUID) (*User, error) {
	start := time.Now()
	u := new(User)
	err := r.db.NewSelect().Model(u).Where("u.id = ?", id).Scan(ctx)

	r.record(ctx, "select", "users", start, err)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	start := time.Now()
	_, err := r.db.NewUpdate().
		Model((*User)(nil)).
		Set("last_login_at = ?", at).
		Where("id = ?", id).
		Exec(ctx)

	r.record(ctx, "update", "users", start, err)
	return err
}

// CreateRefreshToken stores a new refresh token
func (r *Repository) CreateRefreshToken(ctx context.Context, userID uuid.UUID, token string, expiresAt time.Time) error {
	start := time.Now()
	refreshToken := &RefreshToken{
		UserID:    userID,
		Token:     token,
		ExpiresAt: expiresAt,
	}

	_, err := r.db.NewInsert().Model(refreshToken).Exec(ctx)

	r.record(ctx, "insert", "refresh_tokens", start, err)

	return err
}

// ConsumeRefreshToken deletes an unexpired token and returns it. A token can
// be consumed once; a second attempt returns ErrInvalidRefreshToken.
func (r *Repository) ConsumeRefreshToken(ctx context.Context, token string, now time.Time) (*RefreshToken, error) {
	start := time.Now()
	var consumed []RefreshToken
	_, err := r.db.NewDelete().
		Model(&consumed).
		Where("token = ?", token).
		Where("expires_at > ?", now).
		Returning("*").
		Exec(ctx)

	r.record(ctx, "delete", "refresh_tokens", start, err)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if len(consumed) == 0 {
		return nil, ErrInvalidRefreshToken
	}
	return &consumed[0], nil
}

// DeleteRefreshToken removes a refresh token (for logout)
func (r *Repository) DeleteRefreshToken(ctx context.Context, token string) error {
	start := time.Now()
	_, err := r.db.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("token = ?", token).
		Exec(ctx)

	r.record(ctx, "delete", "refresh_tokens", start, err)

	return err
}

// DeleteExpiredTokens removes all expired refresh tokens and reports how many.
func (r *Repository) DeleteExpiredTokens(ctx context.Context) (int64, error) {
	start := time.Now()
	res, err := r.db.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("expires_at < ?", time.Now()).
		Exec(ctx)

	r.record(ctx, "delete", "refresh_tokens", start, err)

	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAllUserTokens removes all refresh tokens of a user
func (r *Repository) DeleteAllUserTokens(ctx context.Context, userID uuid.UUID) error {
	start := time.Now()
	_, err := r.db.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)

	r.record(ctx, "delete", "refresh_tokens", start, err)

	return err
}
