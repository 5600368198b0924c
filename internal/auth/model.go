package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID          uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Username    string     `bun:"username,unique,notnull" json:"username"`
	Email       string     `bun:"email,unique,notnull" json:"email"`
	Password    string     `bun:"password,notnull" json:"-"`
	Role        Role       `bun:"role,notnull" json:"role"`
	FirstName   string     `bun:"first_name,notnull" json:"firstName"`
	LastName    string     `bun:"last_name,notnull" json:"lastName"`
	StudentID   *uuid.UUID `bun:"student_id,type:uuid" json:"studentId,omitempty"`
	LastLoginAt *time.Time `bun:"last_login_at" json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp" json:"createdAt"`
}

// RefreshToken stores refresh tokens in database
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`

	ID        int64     `bun:"id,pk,autoincrement"`
	UserID    uuid.UUID `bun:"user_id,type:uuid,notnull"`
	Token     string    `bun:"token,unique,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// Claims is the payload of an access token.
type Claims struct {
	Username  string `json:"username"`
	Role      Role   `json:"role"`
	StudentID string `json:"studentId,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller attached to a request context.
type Identity struct {
	UserID    uuid.UUID
	Username  string
	Role      Role
	StudentID *uuid.UUID
}

// HasRole reports whether the caller holds one of roles.
func (i *Identity) HasRole(roles ...Role) bool {
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

// IsStudent reports whether the caller is the student account linked to id.
func (i *Identity) IsStudent(id uuid.UUID) bool {
	return i.Role == RoleStudent && i.StudentID != nil && *i.StudentID == id
}

// LoginRequest is the request body for login. Username may also be an email.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest is the request body for registration
type RegisterRequest struct {
	Username  string     `json:"username" validate:"required,min=3,max=50,alphanum"`
	Email     string     `json:"email" validate:"required,email"`
	Password  string     `json:"password" validate:"required,min=6,max=72"`
	Role      Role       `json:"role" validate:"required,oneof=admin teacher student"`
	FirstName string     `json:"firstName" validate:"required,notblank"`
	LastName  string     `json:"lastName" validate:"required,notblank"`
	StudentID *uuid.UUID `json:"studentId"`
}

// RefreshRequest is the request body for token refresh
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// AuthResponse is the response for successful authentication
type AuthResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user"`
}
